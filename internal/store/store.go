// Package store provides the transactional keyed-slot store backing the
// ledger. Every mutating ledger operation runs inside a single Update
// call: either the whole check-then-update commits, or nothing does.
package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/creditledger/creditledger/internal/domain"
	"github.com/creditledger/creditledger/internal/slot"
)

var (
	// ErrConflict reports that a concurrent transaction won the race on
	// one of the touched slots. The caller translates it into its own
	// admission error.
	ErrConflict = errors.New("transaction conflict")

	// ErrReadOnly reports a write attempted inside a View transaction.
	ErrReadOnly = errors.New("read-only transaction")
)

// Tx is the per-transaction view of the slot space and the audit feed.
type Tx interface {
	// Get reads the raw record at addr. The second return is false when
	// the slot has never been written.
	Get(ctx context.Context, addr slot.Address) ([]byte, bool, error)

	// Put writes the raw record at addr, creating the slot if absent.
	Put(ctx context.Context, addr slot.Address, value []byte) error

	// AppendEvent appends one audit event and returns its sequence
	// number. Events from an aborted transaction are discarded.
	AppendEvent(ctx context.Context, kind string, payload json.RawMessage) (int64, error)
}

// Store is the persistence contract the ledger core runs against.
type Store interface {
	// Update runs fn in an atomic read-write transaction. If fn returns
	// an error the transaction rolls back and the error is returned.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(tx Tx) error) error

	// Events returns up to limit audit events with sequence numbers
	// strictly greater than after, in sequence order.
	Events(ctx context.Context, after int64, limit int) ([]domain.Event, error)

	Close()
}
