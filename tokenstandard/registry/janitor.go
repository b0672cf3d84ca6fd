package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/LerianStudio/lib-tokenstandard/tokenstandard"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/command"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/ledger"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/log"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/opentelemetry"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/redis"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/runtime"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/transfer"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultJanitorInterval is the pause between two sweeps.
const DefaultJanitorInterval = 30 * time.Second

var (
	// ErrJanitorDependencies is returned when the janitor lacks a machine or processor.
	ErrJanitorDependencies = errors.New("registry: janitor requires a transfer machine and a command processor")
	// ErrJanitorRunning is returned when Run is called twice.
	ErrJanitorRunning = errors.New("registry: janitor already running")
)

// SweepResult counts what one sweep did.
type SweepResult struct {
	Skipped             bool
	InstructionsExpired int
	CommandsExpired     int
}

// JanitorOption configures a Janitor.
type JanitorOption func(*Janitor)

// WithLockManager makes every sweep run under a distributed lock so only one
// replica sweeps at a time.
func WithLockManager(lm redis.LockManager) JanitorOption {
	return func(j *Janitor) { j.locks = lm }
}

// WithInterval sets the pause between sweeps.
func WithInterval(d time.Duration) JanitorOption {
	return func(j *Janitor) {
		if d > 0 {
			j.interval = d
		}
	}
}

// Janitor periodically expires transfer instructions and commands whose
// deadline has passed. It acts as the registry admin.
type Janitor struct {
	registry  *Registry
	transfers *transfer.Machine
	commands  *command.Processor
	locks     redis.LockManager
	interval  time.Duration

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	once    sync.Once
}

var _ tokenstandard.App = (*Janitor)(nil)

// NewJanitor builds a janitor over the registry's store.
func NewJanitor(r *Registry, transfers *transfer.Machine, commands *command.Processor, opts ...JanitorOption) (*Janitor, error) {
	if r == nil || transfers == nil || commands == nil {
		return nil, ErrJanitorDependencies
	}

	j := &Janitor{
		registry:  r,
		transfers: transfers,
		commands:  commands,
		interval:  DefaultJanitorInterval,
		stop:      make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(j)
		}
	}

	return j, nil
}

func (j *Janitor) lockKey() string {
	return "lock:registry:janitor:" + j.registry.admin
}

// Sweep runs one pass. When another replica holds the janitor lock the pass
// is skipped.
func (j *Janitor) Sweep(ctx context.Context) (SweepResult, error) {
	logger, tracer, _, _ := tokenstandard.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "registry.janitor.sweep")
	defer span.End()

	if j.locks != nil {
		handle, acquired, err := j.locks.TryLock(ctx, j.lockKey())
		if err != nil {
			opentelemetry.HandleSpanError(span, "Failed to acquire janitor lock", err)
			return SweepResult{}, err
		}

		if !acquired {
			logger.Log(ctx, log.LevelDebug, "janitor lock held elsewhere, skipping sweep")
			return SweepResult{Skipped: true}, nil
		}

		defer func() {
			if err := handle.Unlock(ctx); err != nil {
				logger.Log(ctx, log.LevelWarn, "failed to release janitor lock", log.Err(err))
			}
		}()
	}

	var res SweepResult

	expired, err := j.expiredInstructions(ctx)
	if err != nil {
		opentelemetry.HandleSpanError(span, "Failed to list instructions", err)
		return res, err
	}

	for _, id := range expired {
		err := j.registry.run(ctx, func(ctx context.Context, tx ledger.Tx) error {
			_, err := j.transfers.ExpireInstruction(ctx, tx, id)
			return err
		})

		switch {
		case err == nil:
			res.InstructionsExpired++
		case ledger.IsStale(err):
			// settled or aborted since the listing
		default:
			logger.Log(ctx, log.LevelWarn, "failed to expire transfer instruction", log.ContractID(id.String()), log.Err(err))
		}
	}

	commands, err := j.commands.Expired(ctx)
	if err != nil {
		opentelemetry.HandleSpanError(span, "Failed to list commands", err)
		return res, err
	}

	for _, id := range commands {
		err := j.commands.Expire(ctx, id)

		switch {
		case err == nil:
			res.CommandsExpired++
		case ledger.IsStale(err):
		default:
			logger.Log(ctx, log.LevelWarn, "failed to expire command", log.ContractID(id.String()), log.Err(err))
		}
	}

	span.SetAttributes(
		attribute.Int("janitor.instructions_expired", res.InstructionsExpired),
		attribute.Int("janitor.commands_expired", res.CommandsExpired),
	)

	if res.InstructionsExpired+res.CommandsExpired > 0 {
		logger.Log(ctx, log.LevelInfo, "janitor sweep finished",
			log.Int("instructions_expired", res.InstructionsExpired),
			log.Int("commands_expired", res.CommandsExpired))
	}

	return res, nil
}

func (j *Janitor) expiredInstructions(ctx context.Context) ([]ledger.ContractID, error) {
	var out []ledger.ContractID

	err := j.registry.store.Atomically(ctx, func(ctx context.Context, tx ledger.Tx) error {
		insts, ids, err := j.transfers.Pending(ctx, tx)
		if err != nil {
			return err
		}

		now := tx.Now()

		for i, inst := range insts {
			if inst.Admin == j.registry.admin && !now.Before(inst.Spec.ExecuteBefore) {
				out = append(out, ids[i])
			}
		}

		return nil
	})

	return out, err
}

// Run sweeps on every tick until Stop is called.
func (j *Janitor) Run(launcher *tokenstandard.Launcher) error {
	return j.RunContext(context.Background(), launcher)
}

// RunContext sweeps on every tick until Stop is called or ctx is done.
func (j *Janitor) RunContext(ctx context.Context, launcher *tokenstandard.Launcher) error {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return ErrJanitorRunning
	}

	j.running = true
	j.mu.Unlock()

	logger := tokenstandard.NewLoggerFromContext(ctx)
	if launcher != nil && launcher.Logger != nil {
		logger = launcher.Logger
	}

	logger.Log(ctx, log.LevelInfo, "registry janitor started", log.String("interval", j.interval.String()))
	defer logger.Log(ctx, log.LevelInfo, "registry janitor stopped")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			func() {
				defer runtime.RecoverAndLogWithContext(ctx, logger, "registry", "janitor_sweep")

				if _, err := j.Sweep(ctx); err != nil {
					logger.Log(ctx, log.LevelError, "janitor sweep failed", log.Err(err))
				}
			}()
		}
	}
}

// Stop ends Run.
func (j *Janitor) Stop() {
	j.once.Do(func() { close(j.stop) })
}
