package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Reader reads committed ledger state. Stores implement it to back a Buffer.
type Reader interface {
	// Get returns the active contract id, or false when it is archived or unknown.
	Get(ctx context.Context, id ContractID) (Contract, bool, error)
	// Lookup returns the active contract holding ref, or "" when none does.
	Lookup(ctx context.Context, ref KeyRef) (ContractID, error)
	// Scan returns the active contracts of template.
	Scan(ctx context.Context, template TemplateID) ([]Contract, error)
}

// WorkSet is what a unit of work observed and intends to write. A store
// commits it only if every read still holds.
type WorkSet struct {
	Reads    []ContractID
	KeyReads map[KeyRef]ContractID
	Archived []ContractID
	Created  []Contract
	Events   []Event
}

// Empty reports whether the work set writes nothing.
func (w WorkSet) Empty() bool {
	return len(w.Archived) == 0 && len(w.Created) == 0 && len(w.Events) == 0
}

// Buffer is a Tx that reads through a Reader and buffers writes until Close.
type Buffer struct {
	reader   Reader
	now      time.Time
	closed   bool
	reads    map[ContractID]Contract
	keyReads map[KeyRef]ContractID
	created  map[ContractID]Contract
	order    []ContractID
	archived map[ContractID]struct{}
	events   []Event
}

// NewBuffer starts a unit of work at now.
func NewBuffer(now time.Time, reader Reader) *Buffer {
	return &Buffer{
		reader:   reader,
		now:      now,
		reads:    make(map[ContractID]Contract),
		keyReads: make(map[KeyRef]ContractID),
		created:  make(map[ContractID]Contract),
		archived: make(map[ContractID]struct{}),
	}
}

// Close ends the unit of work and returns its work set. Later calls on the
// buffer fail with ErrTxClosed.
func (b *Buffer) Close() WorkSet {
	b.closed = true

	ws := WorkSet{
		Reads:    make([]ContractID, 0, len(b.reads)),
		KeyReads: b.keyReads,
		Events:   b.events,
	}

	for id := range b.reads {
		ws.Reads = append(ws.Reads, id)
	}

	for id := range b.archived {
		ws.Archived = append(ws.Archived, id)
	}

	for _, id := range b.order {
		if c, ok := b.created[id]; ok {
			ws.Created = append(ws.Created, c)
		}
	}

	slices.Sort(ws.Reads)
	slices.Sort(ws.Archived)

	return ws
}

// Now implements Tx.
func (b *Buffer) Now() time.Time { return b.now }

// Fetch implements Tx.
func (b *Buffer) Fetch(ctx context.Context, id ContractID) (Contract, error) {
	if b.closed {
		return Contract{}, ErrTxClosed
	}

	if _, gone := b.archived[id]; gone {
		return Contract{}, fmt.Errorf("%w: %s", ErrStaleReference, id)
	}

	if c, ok := b.created[id]; ok {
		return c, nil
	}

	// Repeated reads see the first snapshot; concurrent changes surface at
	// commit as ErrContention.
	if c, ok := b.reads[id]; ok {
		return c, nil
	}

	c, ok, err := b.reader.Get(ctx, id)
	if err != nil {
		return Contract{}, err
	}

	if !ok {
		return Contract{}, fmt.Errorf("%w: %s", ErrStaleReference, id)
	}

	b.reads[id] = c

	return c, nil
}

// FetchByKey implements Tx.
func (b *Buffer) FetchByKey(ctx context.Context, template TemplateID, key string) (Contract, error) {
	if b.closed {
		return Contract{}, ErrTxClosed
	}

	for _, id := range b.order {
		if c, ok := b.created[id]; ok && c.Template == template && c.Key == key {
			return c, nil
		}
	}

	ref := KeyRef{Template: template, Key: key}

	id, err := b.reader.Lookup(ctx, ref)
	if err != nil {
		return Contract{}, err
	}

	if _, seen := b.keyReads[ref]; !seen {
		b.keyReads[ref] = id
	}

	if id == "" {
		return Contract{}, fmt.Errorf("%w: %s/%s", ErrNotFound, template, key)
	}

	if _, gone := b.archived[id]; gone {
		return Contract{}, fmt.Errorf("%w: %s/%s", ErrNotFound, template, key)
	}

	return b.Fetch(ctx, id)
}

// List implements Tx.
func (b *Buffer) List(ctx context.Context, template TemplateID, filter func(Contract) bool) ([]Contract, error) {
	if b.closed {
		return nil, ErrTxClosed
	}

	committed, err := b.reader.Scan(ctx, template)
	if err != nil {
		return nil, err
	}

	out := make([]Contract, 0, len(committed))

	for _, c := range committed {
		if _, gone := b.archived[c.ID]; gone {
			continue
		}

		if snap, ok := b.reads[c.ID]; ok {
			c = snap
		}

		if filter == nil || filter(c) {
			b.reads[c.ID] = c
			out = append(out, c)
		}
	}

	for _, id := range b.order {
		c, ok := b.created[id]
		if ok && c.Template == template && (filter == nil || filter(c)) {
			out = append(out, c)
		}
	}

	sortContracts(out)

	return out, nil
}

// Create implements Tx.
func (b *Buffer) Create(ctx context.Context, template TemplateID, key string, payload any) (ContractID, error) {
	if b.closed {
		return "", ErrTxClosed
	}

	if key != "" {
		if _, err := b.FetchByKey(ctx, template, key); err == nil {
			return "", fmt.Errorf("%w: %s/%s", ErrDuplicateKey, template, key)
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("ledger: encode %s: %w", template, err)
	}

	id, err := newContractID()
	if err != nil {
		return "", err
	}

	b.created[id] = Contract{ID: id, Template: template, Key: key, Payload: raw, CreatedAt: b.now}
	b.order = append(b.order, id)

	return id, nil
}

// Archive implements Tx.
func (b *Buffer) Archive(ctx context.Context, id ContractID) error {
	if _, err := b.Fetch(ctx, id); err != nil {
		return err
	}

	if _, ok := b.created[id]; ok {
		delete(b.created, id)
		return nil
	}

	b.archived[id] = struct{}{}

	return nil
}

// Emit implements Tx.
func (b *Buffer) Emit(_ context.Context, eventType, aggregateID string, payload any) error {
	if b.closed {
		return ErrTxClosed
	}

	ev, err := newEvent(b.now, eventType, aggregateID, payload)
	if err != nil {
		return err
	}

	b.events = append(b.events, ev)

	return nil
}

func sortContracts(cs []Contract) {
	slices.SortFunc(cs, func(a, b Contract) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}

		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
}
