// Package ledger provides the transactional substrate the settlement
// protocol runs on: immutable contracts, key lookups and outbox events,
// committed through optimistic units of work.
//
// A unit of work reads the latest committed state and buffers its writes.
// At commit every contract it read must still be active and every key it
// looked up must still resolve to the same contract, otherwise the whole
// unit is rejected with ErrContention and nothing is applied.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	constant "github.com/LerianStudio/lib-tokenstandard/tokenstandard/constants"
	"github.com/google/uuid"
)

var (
	// ErrStaleReference is returned when a unit of work references a contract
	// that is archived or unknown.
	ErrStaleReference = fmt.Errorf("ledger: stale reference: %w", constant.ErrStaleReference)
	// ErrContention is returned at commit when a contract read by the unit of
	// work changed concurrently.
	ErrContention = fmt.Errorf("ledger: contention: %w", constant.ErrContention)
	// ErrNotFound is returned by FetchByKey when no active contract holds the key.
	ErrNotFound = errors.New("ledger: contract not found")
	// ErrDuplicateKey is returned when creating a contract whose key is already active.
	ErrDuplicateKey = errors.New("ledger: duplicate contract key")
	// ErrTxClosed is returned when a Tx is used after its unit of work ended.
	ErrTxClosed = errors.New("ledger: transaction closed")
	// ErrNilStore is returned when a nil store is given.
	ErrNilStore = errors.New("ledger: nil store")
)

// ContractID identifies a contract.
type ContractID string

// String implements fmt.Stringer.
func (id ContractID) String() string { return string(id) }

// TemplateID names the kind of a contract.
type TemplateID string

// Contract is an immutable ledger record. Updating a contract means archiving
// it and creating a successor.
type Contract struct {
	ID        ContractID      `json:"id"`
	Template  TemplateID      `json:"template"`
	Key       string          `json:"key,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Event is an outbox record committed together with the contracts of a unit of work.
type Event struct {
	ID          uuid.UUID       `json:"id"`
	EventType   string          `json:"eventType"`
	AggregateID string          `json:"aggregateId"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Tx is the view of the ledger inside one unit of work.
type Tx interface {
	// Now returns the ledger time, fixed for the duration of the unit of work.
	Now() time.Time
	Fetch(ctx context.Context, id ContractID) (Contract, error)
	FetchByKey(ctx context.Context, template TemplateID, key string) (Contract, error)
	// List returns the active contracts of template accepted by filter, oldest first.
	// A nil filter accepts everything.
	List(ctx context.Context, template TemplateID, filter func(Contract) bool) ([]Contract, error)
	Create(ctx context.Context, template TemplateID, key string, payload any) (ContractID, error)
	Archive(ctx context.Context, id ContractID) error
	Emit(ctx context.Context, eventType, aggregateID string, payload any) error
}

// Store runs units of work.
type Store interface {
	// Atomically runs fn and commits its writes if fn returns nil. An error
	// from fn discards every write.
	Atomically(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// EventSink receives the events of every committed unit of work.
type EventSink interface {
	Append(ctx context.Context, events []Event) error
}

// IsStale reports whether err is a stale-state failure the caller should
// resolve by refreshing its view of the ledger: an archived reference,
// a contended commit or an expired choice context.
func IsStale(err error) bool {
	return errors.Is(err, ErrStaleReference) ||
		errors.Is(err, ErrContention) ||
		errors.Is(err, constant.ErrContextExpired)
}

// Decode unmarshals the payload of c into T.
func Decode[T any](c Contract) (T, error) {
	var v T

	if err := json.Unmarshal(c.Payload, &v); err != nil {
		return v, fmt.Errorf("ledger: decode %s %s: %w", c.Template, c.ID, err)
	}

	return v, nil
}

// FetchAs fetches id and decodes it, rejecting contracts of another template.
func FetchAs[T any](ctx context.Context, tx Tx, template TemplateID, id ContractID) (T, error) {
	var zero T

	c, err := tx.Fetch(ctx, id)
	if err != nil {
		return zero, err
	}

	if c.Template != template {
		return zero, fmt.Errorf("%w: %s is a %s, not a %s", ErrStaleReference, id, c.Template, template)
	}

	return Decode[T](c)
}

// FetchByKeyAs looks up the active contract holding key and decodes it.
func FetchByKeyAs[T any](ctx context.Context, tx Tx, template TemplateID, key string) (T, ContractID, error) {
	var zero T

	c, err := tx.FetchByKey(ctx, template, key)
	if err != nil {
		return zero, "", err
	}

	v, err := Decode[T](c)

	return v, c.ID, err
}

// ListAs lists the active contracts of template and decodes each one.
func ListAs[T any](ctx context.Context, tx Tx, template TemplateID, filter func(Contract) bool) ([]T, []ContractID, error) {
	contracts, err := tx.List(ctx, template, filter)
	if err != nil {
		return nil, nil, err
	}

	values := make([]T, 0, len(contracts))
	ids := make([]ContractID, 0, len(contracts))

	for _, c := range contracts {
		v, err := Decode[T](c)
		if err != nil {
			return nil, nil, err
		}

		values = append(values, v)
		ids = append(ids, c.ID)
	}

	return values, ids, nil
}

func newContractID() (ContractID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("ledger: generate contract id: %w", err)
	}

	return ContractID(id.String()), nil
}

func newEvent(now time.Time, eventType, aggregateID string, payload any) (Event, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Event{}, fmt.Errorf("ledger: generate event id: %w", err)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("ledger: encode %s event: %w", eventType, err)
	}

	return Event{ID: id, EventType: eventType, AggregateID: aggregateID, Payload: raw, CreatedAt: now}, nil
}

// KeyRef addresses a contract key within a template.
type KeyRef struct {
	Template TemplateID
	Key      string
}
