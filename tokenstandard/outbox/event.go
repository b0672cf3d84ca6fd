package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/assert"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/ledger"
	"github.com/google/uuid"
)

// DefaultMaxPayloadBytes bounds the payload stored in one event.
const DefaultMaxPayloadBytes = 1 << 20

// Event is an event stored in the outbox for delivery.
type Event struct {
	ID          uuid.UUID
	EventType   string
	AggregateID string
	Payload     json.RawMessage
	Status      Status
	Attempts    int
	PublishedAt *time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewEvent creates a valid pending event.
func NewEvent(ctx context.Context, id uuid.UUID, eventType, aggregateID string, payload []byte, createdAt time.Time) (*Event, error) {
	asserter := assert.New(nil, "outbox", "outbox.new_event")

	if err := asserter.That(ctx, id != uuid.Nil, "event id is required"); err != nil {
		return nil, fmt.Errorf("outbox event id: %w", err)
	}

	eventType = strings.TrimSpace(eventType)

	if err := asserter.NotEmpty(ctx, eventType, "event type is required"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEventTypeRequired, err)
	}

	if err := asserter.NotEmpty(ctx, strings.TrimSpace(aggregateID), "aggregate id is required"); err != nil {
		return nil, fmt.Errorf("outbox event aggregate id: %w", err)
	}

	if err := asserter.That(ctx, len(payload) > 0, "payload is required"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEventPayloadRequired, err)
	}

	if err := asserter.That(ctx, len(payload) <= DefaultMaxPayloadBytes, "payload exceeds max size"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEventPayloadTooLarge, err)
	}

	if err := asserter.That(ctx, json.Valid(payload), "payload must be valid JSON"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEventPayloadNotJSON, err)
	}

	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	createdAt = createdAt.UTC()

	return &Event{
		ID:          id,
		EventType:   eventType,
		AggregateID: aggregateID,
		Payload:     append(json.RawMessage(nil), payload...),
		Status:      StatusPending,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}, nil
}

// FromLedger converts an event emitted inside a unit of work.
func FromLedger(ctx context.Context, ev ledger.Event) (*Event, error) {
	return NewEvent(ctx, ev.ID, ev.EventType, ev.AggregateID, ev.Payload, ev.CreatedAt)
}

func (e *Event) clone() *Event {
	if e == nil {
		return nil
	}

	c := *e
	c.Payload = append(json.RawMessage(nil), e.Payload...)

	if e.PublishedAt != nil {
		at := *e.PublishedAt
		c.PublishedAt = &at
	}

	return &c
}
