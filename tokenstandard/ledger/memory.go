package ledger

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/LerianStudio/lib-tokenstandard/tokenstandard"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/log"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/opentelemetry"
)

// MemoryStore is an in-process Store. Commits are serialized under one
// mutex and validated against the latest state, so it is linearizable.
type MemoryStore struct {
	mu        sync.Mutex
	clock     Clock
	sink      EventSink
	contracts map[ContractID]Contract
	keys      map[KeyRef]ContractID
	events    []Event
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock sets the clock read at the start of each unit of work.
func WithClock(clock Clock) MemoryOption {
	return func(s *MemoryStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithEventSink forwards committed events to sink in addition to the
// store's own event log.
func WithEventSink(sink EventSink) MemoryOption {
	return func(s *MemoryStore) {
		s.sink = sink
	}
}

// NewMemoryStore returns an empty store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		clock:     SystemClock,
		contracts: make(map[ContractID]Contract),
		keys:      make(map[KeyRef]ContractID),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Atomically implements Store.
func (s *MemoryStore) Atomically(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	logger, tracer, _, _ := tokenstandard.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "ledger.memory.atomically")
	defer span.End()

	buf := NewBuffer(s.clock.Now(), memoryReader{s})

	if err := fn(ctx, buf); err != nil {
		buf.Close()
		return err
	}

	if err := s.commit(ctx, buf.Close()); err != nil {
		logger.Log(ctx, log.LevelDebug, "unit of work rejected", log.Err(err))
		opentelemetry.HandleSpanError(span, "commit failed", err)

		return err
	}

	return nil
}

// Events returns every event committed so far, oldest first.
func (s *MemoryStore) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.events)
}

// Active reports whether id is an active contract.
func (s *MemoryStore) Active(id ContractID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.contracts[id]

	return ok
}

// Count returns the number of active contracts of template.
func (s *MemoryStore) Count(template TemplateID) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0

	for _, c := range s.contracts {
		if c.Template == template {
			n++
		}
	}

	return n
}

func (s *MemoryStore) commit(ctx context.Context, ws WorkSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ws.Reads {
		if _, ok := s.contracts[id]; !ok {
			return fmt.Errorf("%w: %s was archived concurrently", ErrContention, id)
		}
	}

	for ref, seen := range ws.KeyReads {
		if s.keys[ref] != seen {
			return fmt.Errorf("%w: key %s/%s changed concurrently", ErrContention, ref.Template, ref.Key)
		}
	}

	if s.sink != nil && len(ws.Events) > 0 {
		if err := s.sink.Append(ctx, ws.Events); err != nil {
			return fmt.Errorf("ledger: append events: %w", err)
		}
	}

	for _, id := range ws.Archived {
		c := s.contracts[id]
		delete(s.contracts, id)

		if c.Key != "" {
			ref := KeyRef{Template: c.Template, Key: c.Key}
			if s.keys[ref] == id {
				delete(s.keys, ref)
			}
		}
	}

	for _, c := range ws.Created {
		s.contracts[c.ID] = c

		if c.Key != "" {
			s.keys[KeyRef{Template: c.Template, Key: c.Key}] = c.ID
		}
	}

	s.events = append(s.events, ws.Events...)

	return nil
}

type memoryReader struct {
	s *MemoryStore
}

func (r memoryReader) Get(_ context.Context, id ContractID) (Contract, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.contracts[id]

	return c, ok, nil
}

func (r memoryReader) Lookup(_ context.Context, ref KeyRef) (ContractID, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	return r.s.keys[ref], nil
}

func (r memoryReader) Scan(_ context.Context, template TemplateID) ([]Contract, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make([]Contract, 0)

	for _, c := range r.s.contracts {
		if c.Template == template {
			out = append(out, c)
		}
	}

	return out, nil
}
