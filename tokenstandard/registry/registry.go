// Package registry is a reference asset registry. It administers
// instruments and their holdings, implements the accounting primitives the
// settlement protocol relies on, serves choice contexts computed from its
// ledger and sweeps expired protocol records.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/LerianStudio/lib-tokenstandard/tokenstandard"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/backoff"
	constant "github.com/LerianStudio/lib-tokenstandard/tokenstandard/constants"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/ledger"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/log"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/metadata"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/token"
	"github.com/shopspring/decimal"
)

// Templates owned by the registry.
const (
	TemplateInstrument  ledger.TemplateID = "registry.Instrument"
	TemplateFeeSchedule ledger.TemplateID = "registry.FeeSchedule"
	TemplatePreapproval ledger.TemplateID = "registry.TransferPreapproval"
)

// Events emitted by the registry.
const (
	EventMinted           = "token.minted"
	EventTransferExecuted = "token.transfer.executed"
	EventHoldingLocked    = "token.holding.locked"
	EventHoldingUnlocked  = "token.holding.unlocked"
	EventHoldingsMerged   = "token.holdings.merged"
	EventFeeScheduleSet   = "registry.fee_schedule.updated"
)

// DefaultContextTTL is how long a served choice context stays valid.
const DefaultContextTTL = 10 * time.Minute

var (
	// ErrAdminRequired is returned when the registry has no admin party.
	ErrAdminRequired = errors.New("registry: admin party is required")
	// ErrInstrumentNotFound is returned for instruments this registry does not administer.
	ErrInstrumentNotFound = token.NewDomainError(constant.ErrInstrumentNotFound, "instrumentId", "instrument is not administered by this registry")
	// ErrInstrumentExists is returned when bootstrapping an instrument twice.
	ErrInstrumentExists = errors.New("registry: instrument already exists")
	// ErrNotLocked is returned when unlocking an unlocked holding.
	ErrNotLocked = token.NewDomainError(constant.ErrInvalidStatus, "holding", "holding is not locked")
	// ErrFeeScheduleMismatch is returned when the context names another instrument's schedule.
	ErrFeeScheduleMismatch = token.NewDomainError(constant.ErrMissingContext, "context.fee-schedule", "fee schedule belongs to another instrument")
)

// Instrument is an asset administered by the registry.
type Instrument struct {
	ID          token.InstrumentID `json:"id"`
	Symbol      string             `json:"symbol"`
	Name        string             `json:"name,omitempty"`
	Decimals    int32              `json:"decimals"`
	TotalSupply decimal.Decimal    `json:"totalSupply"`
	Meta        metadata.Metadata  `json:"meta,omitempty"`
}

// FeeSchedule prices transfers of one instrument. TransferFeeRate is
// applied to the transferred amount and deducted from what the receiver
// gets. HoldingFee is a flat charge to the sender when a locked holding is
// released into a transfer.
type FeeSchedule struct {
	Instrument      token.InstrumentID `json:"instrument"`
	TransferFeeRate decimal.Decimal    `json:"transferFeeRate"`
	HoldingFee      decimal.Decimal    `json:"holdingFee"`
}

// TransferPreapproval is a receiver's standing acceptance of an instrument.
type TransferPreapproval struct {
	Receiver   string             `json:"receiver"`
	Instrument token.InstrumentID `json:"instrument"`
}

// Balance summarizes the holdings of one owner in one instrument.
type Balance struct {
	Owner      string             `json:"owner"`
	Instrument token.InstrumentID `json:"instrument"`
	Unlocked   decimal.Decimal    `json:"unlocked"`
	Locked     decimal.Decimal    `json:"locked"`
}

// Total returns locked plus unlocked.
func (b Balance) Total() decimal.Decimal {
	return b.Unlocked.Add(b.Locked)
}

// Info describes the registry.
type Info struct {
	Admin         string         `json:"adminId"`
	SupportedAPIs map[string]int `json:"supportedApis"`
}

// Option configures a Registry.
type Option func(*Registry)

// WithRetryPolicy sets the policy used for the registry's own units of work.
func WithRetryPolicy(p backoff.Policy) Option {
	return func(r *Registry) { r.retry = p }
}

// WithContextTTL sets how long served choice contexts stay valid.
func WithContextTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// Registry administers the instruments of one admin party.
type Registry struct {
	admin string
	store ledger.Store
	retry backoff.Policy
	ttl   time.Duration
}

// New returns a registry administered by admin over store.
func New(admin string, store ledger.Store, opts ...Option) (*Registry, error) {
	if strings.TrimSpace(admin) == "" {
		return nil, ErrAdminRequired
	}

	if store == nil {
		return nil, ledger.ErrNilStore
	}

	r := &Registry{admin: admin, store: store, retry: backoff.DefaultPolicy(), ttl: DefaultContextTTL}

	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

// Admin returns the registry's administering party.
func (r *Registry) Admin() string { return r.admin }

// Store returns the ledger the registry runs on.
//
//nolint:ireturn
func (r *Registry) Store() ledger.Store { return r.store }

// Info implements the registry metadata endpoint.
func (r *Registry) Info() Info {
	return Info{
		Admin: r.admin,
		SupportedAPIs: map[string]int{
			"token-metadata":         1,
			"holding":                1,
			"transfer-instruction":   1,
			"allocation":             1,
			"allocation-instruction": 1,
		},
	}
}

func (r *Registry) run(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	return ledger.WithRetry(ctx, r.store, r.retry, fn)
}

// Bootstrap creates an instrument and its fee schedule.
func (r *Registry) Bootstrap(ctx context.Context, inst Instrument, fees FeeSchedule) (ledger.ContractID, error) {
	logger := tokenstandard.NewLoggerFromContext(ctx)

	inst.ID.Admin = r.admin
	fees.Instrument = inst.ID

	if err := inst.ID.Validate("instrument.id"); err != nil {
		return "", err
	}

	if err := inst.Meta.Validate(); err != nil {
		return "", err
	}

	if err := validateFees(fees); err != nil {
		return "", err
	}

	if inst.TotalSupply.IsZero() {
		inst.TotalSupply = decimal.Zero
	}

	var id ledger.ContractID

	err := r.run(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error

		id, err = tx.Create(ctx, TemplateInstrument, inst.ID.String(), inst)
		if errors.Is(err, ledger.ErrDuplicateKey) {
			return fmt.Errorf("%w: %s", ErrInstrumentExists, inst.ID)
		}

		if err != nil {
			return err
		}

		_, err = tx.Create(ctx, TemplateFeeSchedule, inst.ID.String(), fees)

		return err
	})
	if err != nil {
		return "", err
	}

	logger.Log(ctx, log.LevelInfo, "instrument bootstrapped", log.String("instrument", inst.ID.String()), log.ContractID(id.String()))

	return id, nil
}

func validateFees(fees FeeSchedule) error {
	if fees.TransferFeeRate.IsNegative() || fees.TransferFeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return token.NewDomainError(constant.ErrInvalidAmount, "transferFeeRate", "transfer fee rate must be in [0, 1)")
	}

	if fees.HoldingFee.IsNegative() {
		return token.NewDomainError(constant.ErrInvalidAmount, "holdingFee", "holding fee must not be negative")
	}

	return nil
}

// UpdateFeeSchedule replaces the schedule of an instrument. Contexts that
// reference the previous schedule become stale.
func (r *Registry) UpdateFeeSchedule(ctx context.Context, fees FeeSchedule) (ledger.ContractID, error) {
	fees.Instrument.Admin = r.admin

	if err := validateFees(fees); err != nil {
		return "", err
	}

	var id ledger.ContractID

	err := r.run(ctx, func(ctx context.Context, tx ledger.Tx) error {
		_, oldID, err := ledger.FetchByKeyAs[FeeSchedule](ctx, tx, TemplateFeeSchedule, fees.Instrument.String())
		if errors.Is(err, ledger.ErrNotFound) {
			return ErrInstrumentNotFound
		}

		if err != nil {
			return err
		}

		if err := tx.Archive(ctx, oldID); err != nil {
			return err
		}

		if id, err = tx.Create(ctx, TemplateFeeSchedule, fees.Instrument.String(), fees); err != nil {
			return err
		}

		return tx.Emit(ctx, EventFeeScheduleSet, string(id), fees)
	})

	return id, err
}

// Mint creates a new unlocked holding and grows the total supply.
func (r *Registry) Mint(ctx context.Context, owner string, instrument token.InstrumentID, amount decimal.Decimal, meta metadata.Metadata) (ledger.ContractID, error) {
	if strings.TrimSpace(owner) == "" {
		return "", token.NewDomainError(constant.ErrInvalidSpecification, "owner", "owner is required")
	}

	if !amount.IsPositive() {
		return "", token.NewDomainError(constant.ErrInvalidAmount, "amount", "amount must be greater than zero")
	}

	if err := meta.Validate(); err != nil {
		return "", err
	}

	var id ledger.ContractID

	err := r.run(ctx, func(ctx context.Context, tx ledger.Tx) error {
		inst, instID, err := r.instrument(ctx, tx, instrument)
		if err != nil {
			return err
		}

		if err := tx.Archive(ctx, instID); err != nil {
			return err
		}

		inst.TotalSupply = inst.TotalSupply.Add(amount)

		if _, err := tx.Create(ctx, TemplateInstrument, inst.ID.String(), inst); err != nil {
			return err
		}

		id, err = tx.Create(ctx, token.TemplateHolding, "", token.Holding{
			Owner:      owner,
			Instrument: inst.ID,
			Amount:     amount,
			Meta:       meta.With(metadata.KeyTxKind, "mint"),
		})
		if err != nil {
			return err
		}

		return tx.Emit(ctx, EventMinted, string(id), map[string]string{
			"owner": owner, "instrument": inst.ID.String(), "amount": amount.String(),
		})
	})

	return id, err
}

// CreatePreapproval records that receiver accepts instrument without a
// per-transfer acceptance. Creating it twice is a no-op.
func (r *Registry) CreatePreapproval(ctx context.Context, receiver string, instrument token.InstrumentID) (ledger.ContractID, error) {
	var id ledger.ContractID

	err := r.run(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if _, _, err := r.instrument(ctx, tx, instrument); err != nil {
			return err
		}

		existing, err := tx.FetchByKey(ctx, TemplatePreapproval, preapprovalKey(receiver, instrument))
		if err == nil {
			id = existing.ID
			return nil
		}

		if !errors.Is(err, ledger.ErrNotFound) {
			return err
		}

		id, err = tx.Create(ctx, TemplatePreapproval, preapprovalKey(receiver, instrument),
			TransferPreapproval{Receiver: receiver, Instrument: instrument})

		return err
	})

	return id, err
}

func preapprovalKey(receiver string, instrument token.InstrumentID) string {
	return receiver + "|" + instrument.String()
}

// Holdings lists the active holdings of owner, optionally of one instrument.
func (r *Registry) Holdings(ctx context.Context, owner string, instrument *token.InstrumentID) ([]token.Input, error) {
	var out []token.Input

	err := r.store.Atomically(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		out, err = holdingsOf(ctx, tx, owner, instrument)

		return err
	})

	return out, err
}

func holdingsOf(ctx context.Context, tx ledger.Tx, owner string, instrument *token.InstrumentID) ([]token.Input, error) {
	holdings, ids, err := ledger.ListAs[token.Holding](ctx, tx, token.TemplateHolding, nil)
	if err != nil {
		return nil, err
	}

	out := make([]token.Input, 0)

	for i, h := range holdings {
		if h.Owner != owner {
			continue
		}

		if instrument != nil && h.Instrument != *instrument {
			continue
		}

		out = append(out, token.Input{ID: ids[i], Holding: h})
	}

	return out, nil
}

// Balance sums the holdings of owner in instrument. Holdings whose lock has
// expired count as unlocked.
func (r *Registry) Balance(ctx context.Context, owner string, instrument token.InstrumentID) (Balance, error) {
	b := Balance{Owner: owner, Instrument: instrument, Unlocked: decimal.Zero, Locked: decimal.Zero}

	err := r.store.Atomically(ctx, func(ctx context.Context, tx ledger.Tx) error {
		inputs, err := holdingsOf(ctx, tx, owner, &instrument)
		if err != nil {
			return err
		}

		now := tx.Now()

		for _, in := range inputs {
			if in.Holding.Lock != nil && !in.Holding.Lock.Expired(now) {
				b.Locked = b.Locked.Add(in.Holding.Amount)
				continue
			}

			b.Unlocked = b.Unlocked.Add(in.Holding.Amount)
		}

		return nil
	})

	return b, err
}

// Instrument returns one instrument.
func (r *Registry) Instrument(ctx context.Context, id token.InstrumentID) (Instrument, error) {
	var inst Instrument

	err := r.store.Atomically(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		inst, _, err = r.instrument(ctx, tx, id)

		return err
	})

	return inst, err
}

// Instruments pages through the instruments ordered by id. after is the
// id of the last instrument of the previous page; next is empty on the
// last page.
func (r *Registry) Instruments(ctx context.Context, limit int, after string) (page []Instrument, next string, err error) {
	if limit <= 0 {
		limit = constant.DefaultLimit
	}

	limit = min(limit, constant.MaxLimit)

	err = r.store.Atomically(ctx, func(ctx context.Context, tx ledger.Tx) error {
		all, _, err := ledger.ListAs[Instrument](ctx, tx, TemplateInstrument, nil)
		if err != nil {
			return err
		}

		slices.SortFunc(all, func(a, b Instrument) int { return strings.Compare(a.ID.ID, b.ID.ID) })

		start := 0
		if after != "" {
			start, _ = slices.BinarySearchFunc(all, after, func(i Instrument, id string) int {
				return strings.Compare(i.ID.ID, id)
			})

			if start < len(all) && all[start].ID.ID == after {
				start++
			}
		}

		end := min(start+limit, len(all))
		page = all[start:end]

		if end < len(all) {
			next = page[len(page)-1].ID.ID
		}

		return nil
	})

	return page, next, err
}

func (r *Registry) instrument(ctx context.Context, tx ledger.Tx, id token.InstrumentID) (Instrument, ledger.ContractID, error) {
	if id.Admin != r.admin {
		return Instrument{}, "", ErrInstrumentNotFound
	}

	inst, cid, err := ledger.FetchByKeyAs[Instrument](ctx, tx, TemplateInstrument, id.String())
	if errors.Is(err, ledger.ErrNotFound) {
		return Instrument{}, "", fmt.Errorf("%w: %s", ErrInstrumentNotFound, id)
	}

	return inst, cid, err
}
