package outbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/ledger"
	"github.com/google/uuid"
)

// MemoryOption configures a MemoryRepository.
type MemoryOption func(*MemoryRepository)

// WithMemoryClock sets the clock used for claim and update timestamps.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(r *MemoryRepository) {
		if now != nil {
			r.now = now
		}
	}
}

// MemoryRepository is an in-process Repository. It is also a ledger.EventSink,
// so a ledger.MemoryStore can feed it committed events directly.
type MemoryRepository struct {
	mu     sync.Mutex
	events map[uuid.UUID]*Event
	now    func() time.Time
}

var (
	_ Repository       = (*MemoryRepository)(nil)
	_ ledger.EventSink = (*MemoryRepository)(nil)
)

func NewMemoryRepository(opts ...MemoryOption) *MemoryRepository {
	r := &MemoryRepository{events: map[uuid.UUID]*Event{}, now: time.Now}

	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	return r
}

// Append implements ledger.EventSink. The batch is validated as a whole
// before any event is stored.
func (r *MemoryRepository) Append(ctx context.Context, events []ledger.Event) error {
	converted := make([]*Event, 0, len(events))

	for _, ev := range events {
		e, err := FromLedger(ctx, ev)
		if err != nil {
			return err
		}

		converted = append(converted, e)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range converted {
		if _, exists := r.events[e.ID]; !exists {
			r.events[e.ID] = e
		}
	}

	return nil
}

// Create stores a new event.
func (r *MemoryRepository) Create(_ context.Context, event *Event) (*Event, error) {
	if event == nil {
		return nil, ErrEventRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.events[event.ID] = event.clone()

	return event.clone(), nil
}

// Events returns a snapshot of every stored event, oldest first.
func (r *MemoryRepository) Events() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.selectLocked(0, func(*Event) bool { return true }, byCreated)
}

func (r *MemoryRepository) ListPending(_ context.Context, limit int) ([]*Event, error) {
	return r.claim(limit, func(e *Event) bool { return e.Status == StatusPending }, byCreated)
}

func (r *MemoryRepository) ListPendingByType(_ context.Context, eventType string, limit int) ([]*Event, error) {
	if eventType == "" {
		return nil, ErrEventTypeRequired
	}

	return r.claim(limit, func(e *Event) bool {
		return e.Status == StatusPending && e.EventType == eventType
	}, byCreated)
}

func (r *MemoryRepository) ResetForRetry(_ context.Context, limit int, failedBefore time.Time, maxAttempts int) ([]*Event, error) {
	if maxAttempts <= 0 {
		return nil, ErrMaxAttemptsMustBePositive
	}

	return r.claim(limit, func(e *Event) bool {
		return e.Status == StatusFailed && e.Attempts < maxAttempts && !e.UpdatedAt.After(failedBefore)
	}, byUpdated)
}

func (r *MemoryRepository) ResetStuckProcessing(_ context.Context, limit int, processingBefore time.Time, maxAttempts int) ([]*Event, error) {
	if maxAttempts <= 0 {
		return nil, ErrMaxAttemptsMustBePositive
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	stuck := r.selectLocked(limit, func(e *Event) bool {
		return e.Status == StatusProcessing && !e.UpdatedAt.After(processingBefore)
	}, byUpdated)

	out := make([]*Event, 0, len(stuck))

	for _, s := range stuck {
		e := r.events[s.ID]
		e.Attempts++
		e.UpdatedAt = now

		if e.Attempts >= maxAttempts {
			e.Status = StatusInvalid
			e.LastError = MaxAttemptsExceeded

			continue
		}

		out = append(out, e.clone())
	}

	return out, nil
}

func (r *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.events[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}

	return e.clone(), nil
}

func (r *MemoryRepository) MarkPublished(_ context.Context, id uuid.UUID, publishedAt time.Time) error {
	return r.transition(id, toStatus(StatusPublished), func(e *Event) {
		at := publishedAt.UTC()
		e.PublishedAt = &at
		e.LastError = ""
	})
}

func (r *MemoryRepository) MarkFailed(_ context.Context, id uuid.UUID, errMsg string, maxAttempts int) error {
	if maxAttempts <= 0 {
		return ErrMaxAttemptsMustBePositive
	}

	return r.transition(id, func(e *Event) Status {
		if e.Attempts+1 >= maxAttempts {
			return StatusInvalid
		}

		return StatusFailed
	}, func(e *Event) {
		e.Attempts++
		e.LastError = SanitizeErrorMessageForStorage(errMsg)
	})
}

func (r *MemoryRepository) MarkInvalid(_ context.Context, id uuid.UUID, errMsg string) error {
	return r.transition(id, toStatus(StatusInvalid), func(e *Event) {
		e.LastError = SanitizeErrorMessageForStorage(errMsg)
	})
}

func toStatus(s Status) func(*Event) Status {
	return func(*Event) Status { return s }
}

func (r *MemoryRepository) transition(id uuid.UUID, next func(*Event) Status, apply func(*Event)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.events[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}

	to := next(e)

	if err := ValidateTransition(string(e.Status), string(to)); err != nil {
		return err
	}

	apply(e)
	e.Status = to
	e.UpdatedAt = r.now().UTC()

	return nil
}

func (r *MemoryRepository) claim(limit int, match func(*Event) bool, less func(a, b *Event) bool) ([]*Event, error) {
	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	selected := r.selectLocked(limit, match, less)

	for i, s := range selected {
		e := r.events[s.ID]
		e.Status = StatusProcessing
		e.UpdatedAt = now
		selected[i] = e.clone()
	}

	return selected, nil
}

func (r *MemoryRepository) selectLocked(limit int, match func(*Event) bool, less func(a, b *Event) bool) []*Event {
	out := make([]*Event, 0)

	for _, e := range r.events {
		if match(e) {
			out = append(out, e.clone())
		}
	}

	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out
}

func byCreated(a, b *Event) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID.String() < b.ID.String()
	}

	return a.CreatedAt.Before(b.CreatedAt)
}

func byUpdated(a, b *Event) bool {
	if a.UpdatedAt.Equal(b.UpdatedAt) {
		return byCreated(a, b)
	}

	return a.UpdatedAt.Before(b.UpdatedAt)
}
