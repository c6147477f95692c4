package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/creditledger/creditledger/internal/domain"
	"github.com/creditledger/creditledger/internal/slot"
)

// Memory is an in-process Store. A single mutex serializes
// transactions, and writes are staged in an overlay that is merged only
// when the transaction function succeeds, so a failed operation leaves
// all slots and the event feed untouched. Used for dev mode and tests.
type Memory struct {
	mu     sync.Mutex
	slots  map[slot.Address][]byte
	events []domain.Event
}

func NewMemory() *Memory {
	return &Memory{slots: make(map[slot.Address][]byte)}
}

type memTx struct {
	m        *Memory
	writes   map[slot.Address][]byte
	staged   []domain.Event
	readOnly bool
}

func (t *memTx) Get(_ context.Context, addr slot.Address) ([]byte, bool, error) {
	if v, ok := t.writes[addr]; ok {
		return append([]byte(nil), v...), true, nil
	}
	v, ok := t.m.slots[addr]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (t *memTx) Put(_ context.Context, addr slot.Address, value []byte) error {
	if t.readOnly {
		return ErrReadOnly
	}
	t.writes[addr] = append([]byte(nil), value...)
	return nil
}

func (t *memTx) AppendEvent(_ context.Context, kind string, payload json.RawMessage) (int64, error) {
	if t.readOnly {
		return 0, ErrReadOnly
	}
	seq := int64(len(t.m.events)+len(t.staged)) + 1
	t.staged = append(t.staged, domain.Event{
		Seq:     seq,
		Kind:    kind,
		Payload: append(json.RawMessage(nil), payload...),
	})
	return seq, nil
}

func (m *Memory) Update(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{m: m, writes: make(map[slot.Address][]byte)}
	if err := fn(tx); err != nil {
		return err
	}
	for addr, v := range tx.writes {
		m.slots[addr] = v
	}
	m.events = append(m.events, tx.staged...)
	return nil
}

func (m *Memory) View(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&memTx{m: m, readOnly: true})
}

func (m *Memory) Events(_ context.Context, after int64, limit int) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Event
	for _, ev := range m.events {
		if ev.Seq <= after {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) Close() {}
