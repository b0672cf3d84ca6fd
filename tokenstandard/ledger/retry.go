package ledger

import (
	"context"
	"errors"

	"github.com/LerianStudio/lib-tokenstandard/tokenstandard"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/backoff"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/log"
)

// WithRetry runs fn through store, retrying with p while the commit is
// rejected with ErrContention. Every other error, ErrStaleReference included,
// is returned at once.
func WithRetry(ctx context.Context, store Store, p backoff.Policy, fn func(ctx context.Context, tx Tx) error) error {
	if store == nil {
		return ErrNilStore
	}

	logger := tokenstandard.NewLoggerFromContext(ctx)
	attempt := 0

	return backoff.Retry(ctx, p, func(ctx context.Context) error {
		attempt++

		err := store.Atomically(ctx, fn)
		if err != nil && errors.Is(err, ErrContention) {
			logger.Log(ctx, log.LevelDebug, "retrying contended unit of work", log.Int("attempt", attempt))
		}

		return err
	}, func(err error) bool {
		return errors.Is(err, ErrContention)
	})
}
