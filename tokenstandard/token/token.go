package token

import (
	"maps"
	"slices"
	"strings"
	"time"

	constant "github.com/LerianStudio/lib-tokenstandard/tokenstandard/constants"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/ledger"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/metadata"
	"github.com/shopspring/decimal"
)

// TemplateHolding is the ledger template of holdings.
const TemplateHolding ledger.TemplateID = "token.Holding"

// InstrumentID identifies an instrument within the registry of its admin.
type InstrumentID struct {
	Admin string `json:"admin"`
	ID    string `json:"id"`
}

func (i InstrumentID) String() string {
	return i.Admin + "/" + i.ID
}

// Validate requires both parts.
func (i InstrumentID) Validate(field string) error {
	if strings.TrimSpace(i.Admin) == "" {
		return NewDomainError(constant.ErrInvalidSpecification, field+".admin", "instrument admin is required")
	}

	if strings.TrimSpace(i.ID) == "" {
		return NewDomainError(constant.ErrInvalidSpecification, field+".id", "instrument id is required")
	}

	return nil
}

// Lock is a hold on a holding. Only the holders may use a locked holding
// until the lock expires; after that only the owner may.
type Lock struct {
	Holders   []string   `json:"holders"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Context   string     `json:"context,omitempty"`
}

// HeldBy reports whether party is one of the holders.
func (l *Lock) HeldBy(party string) bool {
	return l != nil && slices.Contains(l.Holders, party)
}

// Expired reports whether the lock expired at now.
func (l *Lock) Expired(now time.Time) bool {
	return l != nil && l.ExpiresAt != nil && !now.Before(*l.ExpiresAt)
}

// Equal compares two locks. Holder order is ignored.
func (l *Lock) Equal(o *Lock) bool {
	if l == nil || o == nil {
		return l == nil && o == nil
	}

	if l.Context != o.Context {
		return false
	}

	if (l.ExpiresAt == nil) != (o.ExpiresAt == nil) {
		return false
	}

	if l.ExpiresAt != nil && !l.ExpiresAt.Equal(*o.ExpiresAt) {
		return false
	}

	a, b := slices.Clone(l.Holders), slices.Clone(o.Holders)
	slices.Sort(a)
	slices.Sort(b)

	return slices.Equal(a, b)
}

// Holding is a quantity of an instrument owned by one party.
type Holding struct {
	Owner      string            `json:"owner"`
	Instrument InstrumentID      `json:"instrument"`
	Amount     decimal.Decimal   `json:"amount"`
	Lock       *Lock             `json:"lock,omitempty"`
	Meta       metadata.Metadata `json:"meta,omitempty"`
}

// Usable reports whether actor may use h as a transfer input at now.
func (h Holding) Usable(actor string, now time.Time) error {
	if h.Lock == nil {
		if actor != h.Owner {
			return NewDomainError(constant.ErrHoldingNotOwned, "holding", "holding is not owned by the acting party")
		}

		return nil
	}

	if h.Lock.Expired(now) {
		if actor == h.Owner {
			return nil
		}

		return NewDomainError(constant.ErrLockExpired, "holding.lock", "lock expired, only the owner may use the holding")
	}

	if !h.Lock.HeldBy(actor) {
		return NewDomainError(constant.ErrHoldingLocked, "holding.lock", "holding is locked by another party")
	}

	return nil
}

// Transfer is a pure description of one sender-to-receiver movement.
type Transfer struct {
	Sender      string            `json:"sender"`
	Receiver    string            `json:"receiver"`
	Amount      decimal.Decimal   `json:"amount"`
	Instrument  InstrumentID      `json:"instrumentId"`
	RequestedAt time.Time         `json:"requestedAt"`
	Lock        *Lock             `json:"lock,omitempty"`
	Meta        metadata.Metadata `json:"meta,omitempty"`
}

// Validate checks the parties, the amount, the instrument and the metadata.
func (t Transfer) Validate() error {
	if strings.TrimSpace(t.Sender) == "" {
		return NewDomainError(constant.ErrInvalidSpecification, "sender", "sender is required")
	}

	if strings.TrimSpace(t.Receiver) == "" {
		return NewDomainError(constant.ErrInvalidSpecification, "receiver", "receiver is required")
	}

	if !t.Amount.IsPositive() {
		return NewDomainError(constant.ErrInvalidAmount, "amount", "amount must be greater than zero")
	}

	if err := t.Instrument.Validate("instrumentId"); err != nil {
		return err
	}

	return t.Meta.Validate()
}

// Equal reports whether t and o describe the same transfer.
func (t Transfer) Equal(o Transfer) bool {
	return t.Sender == o.Sender &&
		t.Receiver == o.Receiver &&
		t.Amount.Equal(o.Amount) &&
		t.Instrument == o.Instrument &&
		t.RequestedAt.Equal(o.RequestedAt) &&
		t.Lock.Equal(o.Lock) &&
		maps.Equal(t.Meta, o.Meta)
}
