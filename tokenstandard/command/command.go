// Package command implements delegated transfer commands deduplicated by a
// per-sender nonce counter. A command is applied at most once: its nonce is
// consumed before the transfer is attempted, so a permanently failing
// command never blocks the ones after it.
package command

import (
	"time"

	constant "github.com/LerianStudio/lib-tokenstandard/tokenstandard/constants"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/ledger"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/metadata"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/token"
	"github.com/shopspring/decimal"
)

// Templates owned by the processor.
const (
	TemplateCounter ledger.TemplateID = "command.Counter"
	TemplateCommand ledger.TemplateID = "command.TransferCommand"
)

// Events emitted by the processor.
const (
	EventCreated   = "transfer_command.created"
	EventSucceeded = "transfer_command.succeeded"
	EventFailed    = "transfer_command.failed"
	EventWithdrawn = "transfer_command.withdrawn"
	EventExpired   = "transfer_command.expired"
)

var (
	// ErrUnauthorized is returned when the actor may not exercise the operation.
	ErrUnauthorized = token.NewDomainError(constant.ErrUnauthorizedActor, "actor", "actor is not authorized for this command")
	// ErrNonceAhead rejects a command whose predecessors have not landed.
	// The command is retained.
	ErrNonceAhead = token.NewDomainError(constant.ErrNonceAhead, "nonce", "an earlier command has not been sent yet")
	// ErrCommandExpired rejects a send at or after expiresAt. The nonce is
	// not consumed.
	ErrCommandExpired = token.NewDomainError(constant.ErrCommandExpired, "expiresAt", "command has expired")
	// ErrNotExpired is returned when expiring a command that is still valid.
	ErrNotExpired = token.NewDomainError(constant.ErrInvalidStatus, "expiresAt", "command has not expired")
)

// Counter is the per-sender nonce sequence.
type Counter struct {
	Sender    string `json:"sender"`
	Admin     string `json:"admin"`
	NextNonce uint64 `json:"nextNonce"`
}

// Command is a one-shot, pre-signed delegation of a transfer.
type Command struct {
	Sender      string             `json:"sender"`
	Receiver    string             `json:"receiver"`
	Delegate    string             `json:"delegate"`
	Instrument  token.InstrumentID `json:"instrumentId"`
	Amount      decimal.Decimal    `json:"amount"`
	ExpiresAt   time.Time          `json:"expiresAt"`
	Nonce       uint64             `json:"nonce"`
	Description string             `json:"description,omitempty"`
	Meta        metadata.Metadata  `json:"meta,omitempty"`
}

// Transfer is the transfer the command asks for.
func (c Command) Transfer(requestedAt time.Time) token.Transfer {
	return token.Transfer{
		Sender:      c.Sender,
		Receiver:    c.Receiver,
		Amount:      c.Amount,
		Instrument:  c.Instrument,
		RequestedAt: requestedAt,
		Meta:        c.Meta,
	}
}

// Validate checks a command before it is created.
func (c Command) Validate(now time.Time) error {
	if err := c.Transfer(now).Validate(); err != nil {
		return err
	}

	if c.Delegate == "" {
		return token.NewDomainError(constant.ErrInvalidSpecification, "delegate", "delegate is required")
	}

	if !now.Before(c.ExpiresAt) {
		return token.NewDomainError(constant.ErrDeadlineExceeded, "expiresAt", "expiresAt must be in the future")
	}

	return nil
}

// Decision is what the counter rule says about a nonce.
type Decision int

// Decisions.
const (
	// Accept: the nonce is next; consume it and attempt the transfer.
	Accept Decision = iota
	// Stale: the nonce was already consumed; discard the command.
	Stale
	// Ahead: an earlier nonce is outstanding; retain the command.
	Ahead
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case Stale:
		return "stale"
	case Ahead:
		return "ahead"
	default:
		return "unknown"
	}
}

// Decide applies the nonce rule. It is total over its inputs.
func Decide(next, nonce uint64) Decision {
	switch {
	case nonce < next:
		return Stale
	case nonce > next:
		return Ahead
	default:
		return Accept
	}
}

// Result is the outcome of Send.
type Result interface {
	isResult()
}

// Succeeded means the transfer ran with the consumed nonce.
type Succeeded struct {
	Nonce            uint64              `json:"nonce"`
	ReceiverHoldings []ledger.ContractID `json:"receiverHoldingCids"`
	SenderChange     []ledger.ContractID `json:"senderChangeCids"`
	Meta             metadata.Metadata   `json:"meta,omitempty"`
}

// Failed means the command was discarded. Code is the error code of the
// cause. MergedHolding is set when the inputs were merged back to the
// sender.
type Failed struct {
	Nonce         uint64            `json:"nonce"`
	Code          string            `json:"code"`
	Reason        string            `json:"reason"`
	MergedHolding ledger.ContractID `json:"mergedHoldingCid,omitempty"`
}

func (Succeeded) isResult() {}
func (Failed) isResult()    {}
