package command

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/LerianStudio/lib-tokenstandard/tokenstandard"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/backoff"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/choicecontext"
	constant "github.com/LerianStudio/lib-tokenstandard/tokenstandard/constants"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/ledger"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/log"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/metadata"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/opentelemetry"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/token"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrAdminRequired is returned by NewProcessor without an admin party.
	ErrAdminRequired = errors.New("command: admin party is required")
	// ErrPrimitivesRequired is returned by NewProcessor without primitives.
	ErrPrimitivesRequired = errors.New("command: token primitives are required")
)

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithRetryPolicy sets the policy used when a unit of work loses a race.
func WithRetryPolicy(p backoff.Policy) ProcessorOption {
	return func(pr *Processor) { pr.retry = p }
}

// Processor runs transfer commands against a ledger. Every operation is one
// unit of work, retried on contention.
type Processor struct {
	admin      string
	store      ledger.Store
	primitives token.Primitives
	retry      backoff.Policy
}

// NewProcessor returns a processor for commands on instruments of admin.
func NewProcessor(admin string, store ledger.Store, primitives token.Primitives, opts ...ProcessorOption) (*Processor, error) {
	if strings.TrimSpace(admin) == "" {
		return nil, ErrAdminRequired
	}

	if store == nil {
		return nil, ledger.ErrNilStore
	}

	if primitives == nil {
		return nil, ErrPrimitivesRequired
	}

	p := &Processor{admin: admin, store: store, primitives: primitives, retry: backoff.DefaultPolicy()}

	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// Create records a command signed by its sender.
func (p *Processor) Create(ctx context.Context, cmd Command, actor string) (ledger.ContractID, error) {
	logger := tokenstandard.NewLoggerFromContext(ctx)

	if actor != cmd.Sender {
		return "", fmt.Errorf("%w: %s is not the sender", ErrUnauthorized, actor)
	}

	if cmd.Instrument.Admin != p.admin {
		return "", token.NewDomainError(constant.ErrInstrumentNotFound, "instrumentId", "instrument is administered by another registry")
	}

	var id ledger.ContractID

	err := ledger.WithRetry(ctx, p.store, p.retry, func(ctx context.Context, tx ledger.Tx) error {
		if err := cmd.Validate(tx.Now()); err != nil {
			return err
		}

		var err error
		if id, err = tx.Create(ctx, TemplateCommand, "", cmd); err != nil {
			return err
		}

		return tx.Emit(ctx, EventCreated, string(id), cmd)
	})
	if err != nil {
		return "", err
	}

	logger.Log(ctx, log.LevelInfo, "transfer command created",
		log.Party(cmd.Sender), log.Nonce(cmd.Nonce), log.ContractID(id.String()))

	return id, nil
}

// Send executes a command on behalf of its delegate.
//
// A stale nonce archives the command and returns Failed. A nonce ahead of
// the counter is rejected with ErrNonceAhead and the command is kept. The
// next nonce is consumed before the transfer is attempted; if the transfer
// then fails for a business reason the inputs are merged back to the sender
// and Failed is returned with a nil error.
func (p *Processor) Send(ctx context.Context, id ledger.ContractID, actor string, inputs []ledger.ContractID, extra choicecontext.ExtraArgs) (Result, error) {
	logger, tracer, _, factory := tokenstandard.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "transfer_command.send")
	defer span.End()

	span.SetAttributes(attribute.String(constant.AttrContractID, id.String()), attribute.String(constant.AttrParty, actor))

	var res Result

	err := ledger.WithRetry(ctx, p.store, p.retry, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		res, err = p.send(ctx, tx, id, actor, inputs, extra)

		return err
	})
	if err != nil {
		var de token.DomainError
		if errors.As(err, &de) {
			opentelemetry.HandleSpanBusinessErrorEvent(span, "transfer command rejected", err)
		} else {
			opentelemetry.HandleSpanError(span, "transfer command send failed", err)
		}

		_ = factory.RecordTransferCommand(ctx, "rejected")
		logger.Log(ctx, log.LevelWarn, "transfer command rejected", log.ContractID(id.String()), log.Err(err))

		return nil, err
	}

	switch r := res.(type) {
	case Succeeded:
		_ = factory.RecordTransferCommand(ctx, "succeeded")
		_ = factory.RecordNonceConsumed(ctx)
		logger.Log(ctx, log.LevelInfo, "transfer command succeeded", log.ContractID(id.String()), log.Nonce(r.Nonce))
	case Failed:
		_ = factory.RecordTransferCommand(ctx, "failed")
		if r.Code != constant.ErrStaleNonce.Error() {
			_ = factory.RecordNonceConsumed(ctx)
		}

		opentelemetry.HandleSpanEvent(span, "transfer command failed", attribute.String("code", r.Code))
		logger.Log(ctx, log.LevelWarn, "transfer command failed",
			log.ContractID(id.String()), log.Nonce(r.Nonce), log.String("code", r.Code), log.String("reason", r.Reason))
	}

	return res, nil
}

func (p *Processor) send(ctx context.Context, tx ledger.Tx, id ledger.ContractID, actor string, inputs []ledger.ContractID, extra choicecontext.ExtraArgs) (Result, error) {
	cmd, err := ledger.FetchAs[Command](ctx, tx, TemplateCommand, id)
	if err != nil {
		return nil, err
	}

	if actor != cmd.Delegate {
		return nil, fmt.Errorf("%w: %s is not the delegate", ErrUnauthorized, actor)
	}

	counter, counterID, err := p.counter(ctx, tx, cmd.Sender)
	if err != nil {
		return nil, err
	}

	decision := Decide(counter.NextNonce, cmd.Nonce)

	// A stale command can never execute, so it is discarded even when expired.
	if decision == Stale {
		failed := Failed{
			Nonce:  cmd.Nonce,
			Code:   constant.ErrStaleNonce.Error(),
			Reason: fmt.Sprintf("stale nonce: %d already consumed, next is %d", cmd.Nonce, counter.NextNonce),
		}

		return failed, p.discard(ctx, tx, id, EventFailed, failed)
	}

	now := tx.Now()

	if !now.Before(cmd.ExpiresAt) {
		return nil, ErrCommandExpired
	}

	if err := extra.Validate(now); err != nil {
		return nil, err
	}

	if decision == Ahead {
		return nil, fmt.Errorf("%w: nonce %d, next %d", ErrNonceAhead, cmd.Nonce, counter.NextNonce)
	}

	if err := p.consume(ctx, tx, counter, counterID); err != nil {
		return nil, err
	}

	if err := tx.Archive(ctx, id); err != nil {
		return nil, err
	}

	done, err := p.attempt(ctx, tx, cmd, inputs, extra)

	var de token.DomainError
	if errors.As(err, &de) {
		return p.compensate(ctx, tx, id, cmd, inputs, de)
	}

	if err != nil {
		return nil, err
	}

	return done, tx.Emit(ctx, EventSucceeded, string(id), done)
}

func (p *Processor) attempt(ctx context.Context, tx ledger.Tx, cmd Command, inputs []ledger.ContractID, extra choicecontext.ExtraArgs) (Succeeded, error) {
	ok, err := p.primitives.Preapproved(ctx, tx, cmd.Receiver, cmd.Instrument)
	if err != nil {
		return Succeeded{}, err
	}

	if !ok {
		return Succeeded{}, token.NewDomainError(constant.ErrNoPreapproval, "receiver", "receiver has no standing preapproval for the instrument")
	}

	receipt, err := p.primitives.Transfer(ctx, tx, token.TransferRequest{
		Transfer: cmd.Transfer(tx.Now()),
		Inputs:   inputs,
		Actor:    cmd.Sender,
		Context:  extra.Context,
	})
	if err != nil {
		return Succeeded{}, err
	}

	return Succeeded{
		Nonce:            cmd.Nonce,
		ReceiverHoldings: receipt.ReceiverHoldings,
		SenderChange:     receipt.SenderChange,
		Meta:             receipt.Meta,
	}, nil
}

// compensate merges whatever inputs are still usable by the sender into one
// holding so the failed attempt strands nothing.
func (p *Processor) compensate(ctx context.Context, tx ledger.Tx, id ledger.ContractID, cmd Command, inputs []ledger.ContractID, cause token.DomainError) (Result, error) {
	failed := Failed{Nonce: cmd.Nonce, Code: cause.Code.Error(), Reason: cause.Error()}

	holdings, err := token.FetchHoldings(ctx, tx, dedupe(inputs))
	if err != nil {
		return nil, err
	}

	if usable := token.Mergeable(cmd.Sender, cmd.Instrument, holdings, tx.Now()); len(usable) > 0 {
		ids := make([]ledger.ContractID, 0, len(usable))
		for _, in := range usable {
			ids = append(ids, in.ID)
		}

		merged, err := p.primitives.Merge(ctx, tx, token.MergeRequest{
			Owner:      cmd.Sender,
			Instrument: cmd.Instrument,
			Inputs:     ids,
			Meta:       metadata.Metadata{}.With(metadata.KeyReason, failed.Reason),
		})
		if err != nil {
			return nil, err
		}

		failed.MergedHolding = merged
	}

	return failed, tx.Emit(ctx, EventFailed, string(id), failed)
}

func dedupe(ids []ledger.ContractID) []ledger.ContractID {
	seen := make(map[ledger.ContractID]struct{}, len(ids))
	out := make([]ledger.ContractID, 0, len(ids))

	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}

		seen[id] = struct{}{}
		out = append(out, id)
	}

	return out
}

// counter returns the sender's counter. A sender without one starts at 0;
// the empty id tells consume to create it.
func (p *Processor) counter(ctx context.Context, tx ledger.Tx, sender string) (Counter, ledger.ContractID, error) {
	c, id, err := ledger.FetchByKeyAs[Counter](ctx, tx, TemplateCounter, sender)
	if errors.Is(err, ledger.ErrNotFound) {
		return Counter{Sender: sender, Admin: p.admin}, "", nil
	}

	return c, id, err
}

func (p *Processor) consume(ctx context.Context, tx ledger.Tx, c Counter, id ledger.ContractID) error {
	if id != "" {
		if err := tx.Archive(ctx, id); err != nil {
			return err
		}
	}

	c.NextNonce++

	_, err := tx.Create(ctx, TemplateCounter, c.Sender, c)

	return err
}

func (p *Processor) discard(ctx context.Context, tx ledger.Tx, id ledger.ContractID, event string, payload any) error {
	if err := tx.Archive(ctx, id); err != nil {
		return err
	}

	return tx.Emit(ctx, event, string(id), payload)
}

// Withdraw lets the sender retract a command that has not been sent.
func (p *Processor) Withdraw(ctx context.Context, id ledger.ContractID, actor string) error {
	err := ledger.WithRetry(ctx, p.store, p.retry, func(ctx context.Context, tx ledger.Tx) error {
		cmd, err := ledger.FetchAs[Command](ctx, tx, TemplateCommand, id)
		if err != nil {
			return err
		}

		if actor != cmd.Sender {
			return fmt.Errorf("%w: %s is not the sender", ErrUnauthorized, actor)
		}

		return p.discard(ctx, tx, id, EventWithdrawn, map[string]any{"nonce": cmd.Nonce, "sender": cmd.Sender})
	})
	if err == nil {
		_, _, _, factory := tokenstandard.NewTrackingFromContext(ctx)
		_ = factory.RecordTransferCommand(ctx, "withdrawn")
	}

	return err
}

// Expire archives a command whose expiresAt has passed. The nonce is not
// consumed.
func (p *Processor) Expire(ctx context.Context, id ledger.ContractID) error {
	err := ledger.WithRetry(ctx, p.store, p.retry, func(ctx context.Context, tx ledger.Tx) error {
		cmd, err := ledger.FetchAs[Command](ctx, tx, TemplateCommand, id)
		if err != nil {
			return err
		}

		if tx.Now().Before(cmd.ExpiresAt) {
			return ErrNotExpired
		}

		return p.discard(ctx, tx, id, EventExpired, map[string]any{"nonce": cmd.Nonce, "sender": cmd.Sender})
	})
	if err == nil {
		_, _, _, factory := tokenstandard.NewTrackingFromContext(ctx)
		_ = factory.RecordTransferCommand(ctx, "expired")
	}

	return err
}

// NextNonce returns the nonce the sender's next command must carry.
func (p *Processor) NextNonce(ctx context.Context, sender string) (uint64, error) {
	var next uint64

	err := p.store.Atomically(ctx, func(ctx context.Context, tx ledger.Tx) error {
		c, _, err := p.counter(ctx, tx, sender)
		next = c.NextNonce

		return err
	})

	return next, err
}

// Expired lists the commands whose expiresAt has passed.
func (p *Processor) Expired(ctx context.Context) ([]ledger.ContractID, error) {
	var out []ledger.ContractID

	err := p.store.Atomically(ctx, func(ctx context.Context, tx ledger.Tx) error {
		cmds, ids, err := ledger.ListAs[Command](ctx, tx, TemplateCommand, nil)
		if err != nil {
			return err
		}

		now := tx.Now()

		for i, c := range cmds {
			if !now.Before(c.ExpiresAt) {
				out = append(out, ids[i])
			}
		}

		return nil
	})

	return out, err
}
