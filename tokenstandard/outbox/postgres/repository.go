package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-tokenstandard/tokenstandard"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/log"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/opentelemetry"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/outbox"
	"github.com/google/uuid"
)

const outboxColumns = "id, event_type, aggregate_id, payload, status, attempts, published_at, last_error, created_at, updated_at"

var (
	ErrConnectionRequired      = errors.New("outbox postgres: connection is required")
	ErrIDRequired              = errors.New("outbox postgres: id is required")
	ErrStateTransitionConflict = errors.New("outbox postgres: event state transition conflict")
)

// PrimaryProvider yields the primary database pool.
type PrimaryProvider interface {
	Primary(ctx context.Context) (*sql.DB, error)
}

// Option configures a Repository.
type Option func(*Repository)

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(repo *Repository) {
		if logger != nil {
			repo.logger = logger
		}
	}
}

// WithClock sets the clock used for update timestamps.
func WithClock(now func() time.Time) Option {
	return func(repo *Repository) {
		if now != nil {
			repo.now = now
		}
	}
}

// Repository is an outbox.Repository over outbox_events.
type Repository struct {
	conn   PrimaryProvider
	logger log.Logger
	now    func() time.Time
}

var _ outbox.Repository = (*Repository)(nil)

// NewRepository returns a Repository reading and writing through conn.
func NewRepository(conn PrimaryProvider, opts ...Option) (*Repository, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	repo := &Repository{conn: conn, logger: log.NewNop(), now: time.Now}

	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}

	return repo, nil
}

func (repo *Repository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db, err := repo.conn.Primary(ctx)
	if err != nil {
		return fmt.Errorf("outbox postgres: primary: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("outbox postgres: begin: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("outbox postgres: commit: %w", err)
	}

	return nil
}

// ListPending claims the oldest PENDING events.
func (repo *Repository) ListPending(ctx context.Context, limit int) ([]*outbox.Event, error) {
	return repo.claim(ctx, "postgres.list_outbox_pending", limit,
		"status = $1 ORDER BY created_at ASC, id ASC", string(outbox.StatusPending))
}

// ListPendingByType claims the oldest PENDING events of one type.
func (repo *Repository) ListPendingByType(ctx context.Context, eventType string, limit int) ([]*outbox.Event, error) {
	if eventType == "" {
		return nil, outbox.ErrEventTypeRequired
	}

	return repo.claim(ctx, "postgres.list_outbox_pending_by_type", limit,
		"status = $1 AND event_type = $2 ORDER BY created_at ASC, id ASC", string(outbox.StatusPending), eventType)
}

// ResetForRetry claims FAILED events whose cooldown has passed.
func (repo *Repository) ResetForRetry(ctx context.Context, limit int, failedBefore time.Time, maxAttempts int) ([]*outbox.Event, error) {
	if maxAttempts <= 0 {
		return nil, outbox.ErrMaxAttemptsMustBePositive
	}

	return repo.claim(ctx, "postgres.reset_for_retry", limit,
		"status = $1 AND attempts < $2 AND updated_at <= $3 ORDER BY updated_at ASC, id ASC",
		string(outbox.StatusFailed), maxAttempts, failedBefore)
}

// claim selects rows under SKIP LOCKED and moves them to PROCESSING in the
// same transaction.
func (repo *Repository) claim(ctx context.Context, spanName string, limit int, where string, args ...any) ([]*outbox.Event, error) {
	if limit <= 0 {
		return nil, outbox.ErrLimitMustBePositive
	}

	logger, tracer, _, _ := tokenstandard.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	var events []*outbox.Event

	err := repo.withTx(ctx, func(tx *sql.Tx) error {
		query := fmt.Sprintf("SELECT %s FROM outbox_events WHERE %s LIMIT $%d FOR UPDATE SKIP LOCKED",
			outboxColumns, where, len(args)+1)

		var err error
		if events, err = queryEvents(ctx, tx, query, append(args, limit)...); err != nil {
			return err
		}

		if len(events) == 0 {
			return nil
		}

		now := repo.now().UTC()

		for _, e := range events {
			if err := outbox.ValidateTransition(string(e.Status), string(outbox.StatusProcessing)); err != nil {
				return err
			}
		}

		if err := updateExact(ctx, tx, len(events),
			"UPDATE outbox_events SET status = $1, updated_at = $2 WHERE id = ANY($3::uuid[])",
			string(outbox.StatusProcessing), now, idArray(events)); err != nil {
			return err
		}

		for _, e := range events {
			e.Status = outbox.StatusProcessing
			e.UpdatedAt = now
		}

		return nil
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to claim outbox events", err)
		logger.Log(ctx, log.LevelError, "failed to claim outbox events", log.Err(err))

		return nil, fmt.Errorf("claiming outbox events: %w", err)
	}

	return events, nil
}

// ResetStuckProcessing reclaims PROCESSING events claimed before
// processingBefore. Each reclaim counts as an attempt; events out of
// attempts are invalidated instead of returned.
func (repo *Repository) ResetStuckProcessing(ctx context.Context, limit int, processingBefore time.Time, maxAttempts int) ([]*outbox.Event, error) {
	if limit <= 0 {
		return nil, outbox.ErrLimitMustBePositive
	}

	if maxAttempts <= 0 {
		return nil, outbox.ErrMaxAttemptsMustBePositive
	}

	logger, tracer, _, _ := tokenstandard.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.reset_outbox_processing")
	defer span.End()

	var retry []*outbox.Event

	err := repo.withTx(ctx, func(tx *sql.Tx) error {
		stuck, err := queryEvents(ctx, tx,
			"SELECT "+outboxColumns+" FROM outbox_events WHERE status = $1 AND updated_at <= $2 "+
				"ORDER BY updated_at ASC, id ASC LIMIT $3 FOR UPDATE SKIP LOCKED",
			string(outbox.StatusProcessing), processingBefore, limit)
		if err != nil {
			return err
		}

		var exhausted []*outbox.Event

		for _, e := range stuck {
			if e.Attempts+1 >= maxAttempts {
				exhausted = append(exhausted, e)
				continue
			}

			retry = append(retry, e)
		}

		now := repo.now().UTC()

		if len(retry) > 0 {
			if err := updateExact(ctx, tx, len(retry),
				"UPDATE outbox_events SET attempts = attempts + 1, updated_at = $1 WHERE id = ANY($2::uuid[])",
				now, idArray(retry)); err != nil {
				return err
			}

			for _, e := range retry {
				e.Attempts++
				e.UpdatedAt = now
			}
		}

		if len(exhausted) > 0 {
			if err := updateExact(ctx, tx, len(exhausted),
				"UPDATE outbox_events SET status = $1, attempts = attempts + 1, last_error = $2, updated_at = $3 WHERE id = ANY($4::uuid[])",
				string(outbox.StatusInvalid), outbox.MaxAttemptsExceeded, now, idArray(exhausted)); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to reset stuck events", err)
		logger.Log(ctx, log.LevelError, "failed to reset stuck outbox events", log.Err(err))

		return nil, fmt.Errorf("reset stuck events: %w", err)
	}

	return retry, nil
}

// GetByID returns one event.
func (repo *Repository) GetByID(ctx context.Context, id uuid.UUID) (*outbox.Event, error) {
	if id == uuid.Nil {
		return nil, ErrIDRequired
	}

	db, err := repo.conn.Primary(ctx)
	if err != nil {
		return nil, fmt.Errorf("outbox postgres: primary: %w", err)
	}

	row := db.QueryRowContext(ctx, "SELECT "+outboxColumns+" FROM outbox_events WHERE id = $1", id)

	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", outbox.ErrEventNotFound, id)
	}

	return event, err
}

// MarkPublished moves a PROCESSING event to PUBLISHED.
func (repo *Repository) MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error {
	return repo.mark(ctx, "postgres.mark_outbox_published", id,
		"UPDATE outbox_events SET status = $1, published_at = $2, last_error = '', updated_at = $3 WHERE id = $4 AND status = $5",
		string(outbox.StatusPublished), publishedAt.UTC(), repo.now().UTC(), id, string(outbox.StatusProcessing))
}

// MarkFailed counts a failed attempt. The event becomes INVALID when it
// reaches maxAttempts.
func (repo *Repository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, maxAttempts int) error {
	if maxAttempts <= 0 {
		return outbox.ErrMaxAttemptsMustBePositive
	}

	return repo.mark(ctx, "postgres.mark_outbox_failed", id,
		"UPDATE outbox_events SET "+
			"status = CASE WHEN attempts + 1 >= $1 THEN $2 ELSE $3 END, "+
			"attempts = attempts + 1, last_error = $4, updated_at = $5 "+
			"WHERE id = $6 AND status = $7",
		maxAttempts, string(outbox.StatusInvalid), string(outbox.StatusFailed),
		outbox.SanitizeErrorMessageForStorage(errMsg), repo.now().UTC(), id, string(outbox.StatusProcessing))
}

// MarkInvalid moves a PROCESSING event to INVALID.
func (repo *Repository) MarkInvalid(ctx context.Context, id uuid.UUID, errMsg string) error {
	return repo.mark(ctx, "postgres.mark_outbox_invalid", id,
		"UPDATE outbox_events SET status = $1, last_error = $2, updated_at = $3 WHERE id = $4 AND status = $5",
		string(outbox.StatusInvalid), outbox.SanitizeErrorMessageForStorage(errMsg), repo.now().UTC(), id, string(outbox.StatusProcessing))
}

func (repo *Repository) mark(ctx context.Context, spanName string, id uuid.UUID, query string, args ...any) error {
	if id == uuid.Nil {
		return ErrIDRequired
	}

	_, tracer, _, _ := tokenstandard.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	db, err := repo.conn.Primary(ctx)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to get primary", err)
		return fmt.Errorf("outbox postgres: primary: %w", err)
	}

	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to update outbox event", err)
		return fmt.Errorf("updating outbox event %s: %w", id, err)
	}

	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return fmt.Errorf("%w: %s", ErrStateTransitionConflict, id)
	}

	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryEvents(ctx context.Context, q queryer, query string, args ...any) ([]*outbox.Event, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying outbox events: %w", err)
	}
	defer rows.Close()

	var events []*outbox.Event

	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outbox events: %w", err)
	}

	return events, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (*outbox.Event, error) {
	var (
		e           outbox.Event
		status      string
		payload     []byte
		publishedAt sql.NullTime
	)

	if err := s.Scan(&e.ID, &e.EventType, &e.AggregateID, &payload, &status, &e.Attempts,
		&publishedAt, &e.LastError, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}

	parsed, err := outbox.ParseStatus(status)
	if err != nil {
		return nil, err
	}

	e.Status = parsed
	e.Payload = payload

	if publishedAt.Valid {
		at := publishedAt.Time
		e.PublishedAt = &at
	}

	return &e, nil
}

func updateExact(ctx context.Context, tx *sql.Tx, want int, query string, args ...any) error {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating outbox events: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating outbox events: %w", err)
	}

	if n != int64(want) {
		return fmt.Errorf("%w: updated %d of %d rows", ErrStateTransitionConflict, n, want)
	}

	return nil
}

func idArray(events []*outbox.Event) []string {
	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.ID.String()
	}

	return ids
}
