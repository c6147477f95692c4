package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creditledger/creditledger/internal/domain"
	"github.com/creditledger/creditledger/internal/slot"
	"github.com/creditledger/creditledger/internal/store"
)

func ident(b byte) domain.Identity {
	var id domain.Identity
	id[0] = b
	return id
}

func newService(t *testing.T) (*Service, *store.Memory) {
	t.Helper()
	m := store.NewMemory()
	return New(m, zerolog.Nop()), m
}

func TestInitialize(t *testing.T) {
	svc, m := newService(t)
	ctx := context.Background()
	owner := ident(1)

	require.NoError(t, svc.Initialize(ctx, owner))

	events, err := m.Events(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventOwnershipChanged, events[0].Kind)

	err = svc.Initialize(ctx, ident(2))
	assert.ErrorIs(t, err, ErrAlreadyInitialized)

	// The failed second attempt emitted nothing.
	events, _ = m.Events(ctx, 0, 10)
	assert.Len(t, events, 1)
}

func TestSubmitDuplicateID(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	owner, alice, bob := ident(1), ident(2), ident(3)
	require.NoError(t, svc.Initialize(ctx, owner))

	reqID := domain.RequestIDFromUint64(7)
	require.NoError(t, svc.Submit(ctx, alice, reqID, 100))

	err := svc.Submit(ctx, bob, reqID, 999)
	assert.ErrorIs(t, err, ErrRequestIDAlreadyUsed)

	// First submission's data is unchanged.
	req, err := svc.GetRequest(ctx, owner, reqID)
	require.NoError(t, err)
	assert.Equal(t, alice, req.Caller)
	assert.Equal(t, uint64(100), req.Balance)
	assert.True(t, req.IsActive)
}

func TestSubmitZeroAmountAccepted(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	require.NoError(t, svc.Submit(ctx, ident(2), domain.RequestIDFromUint64(1), 0))
}

func TestSubmitNeedsNoInitialization(t *testing.T) {
	// Submission touches only the request slot, so no bootstrap is
	// needed.
	svc, _ := newService(t)
	require.NoError(t, svc.Submit(context.Background(), ident(2), domain.RequestIDFromUint64(1), 10))
}

func TestConfirmByNonOwner(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	owner, alice, mallory := ident(1), ident(2), ident(4)
	require.NoError(t, svc.Initialize(ctx, owner))

	reqID := domain.RequestIDFromUint64(7)
	require.NoError(t, svc.Submit(ctx, alice, reqID, 100))

	err := svc.Confirm(ctx, mallory, reqID)
	assert.ErrorIs(t, err, ErrNotOwner)

	// Nothing changed.
	balance, err := svc.BalanceOf(ctx, alice)
	require.NoError(t, err)
	assert.Zero(t, balance)

	req, err := svc.GetRequest(ctx, owner, reqID)
	require.NoError(t, err)
	assert.True(t, req.IsActive)
}

func TestConfirmCreditsAndResets(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	owner, alice := ident(1), ident(2)
	require.NoError(t, svc.Initialize(ctx, owner))

	reqID := domain.RequestIDFromUint64(7)
	require.NoError(t, svc.Submit(ctx, alice, reqID, 100))
	require.NoError(t, svc.Confirm(ctx, owner, reqID))

	balance, err := svc.BalanceOf(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), balance)

	// Slot is back to available: caller zero, balance zero, inactive.
	req, err := svc.GetRequest(ctx, owner, reqID)
	require.NoError(t, err)
	assert.True(t, req.Caller.IsZero())
	assert.Zero(t, req.Balance)
	assert.False(t, req.IsActive)

	// The id may be reused.
	require.NoError(t, svc.Submit(ctx, alice, reqID, 50))
	require.NoError(t, svc.Confirm(ctx, owner, reqID))
	balance, _ = svc.BalanceOf(ctx, alice)
	assert.Equal(t, uint64(150), balance)
}

func TestConfirmTwiceCreditsOnce(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	owner, alice := ident(1), ident(2)
	require.NoError(t, svc.Initialize(ctx, owner))

	reqID := domain.RequestIDFromUint64(7)
	require.NoError(t, svc.Submit(ctx, alice, reqID, 100))
	require.NoError(t, svc.Confirm(ctx, owner, reqID))

	err := svc.Confirm(ctx, owner, reqID)
	assert.ErrorIs(t, err, ErrIncorrectRequestID)

	balance, _ := svc.BalanceOf(ctx, alice)
	assert.Equal(t, uint64(100), balance)
}

func TestConfirmUnknownID(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	owner := ident(1)
	require.NoError(t, svc.Initialize(ctx, owner))

	err := svc.Confirm(ctx, owner, domain.RequestIDFromUint64(404))
	assert.ErrorIs(t, err, ErrIncorrectRequestID)
}

func TestConfirmBalanceOverflow(t *testing.T) {
	svc, m := newService(t)
	ctx := context.Background()
	owner, alice := ident(1), ident(2)
	require.NoError(t, svc.Initialize(ctx, owner))

	// Drive alice's balance to the maximum.
	first := domain.RequestIDFromUint64(1)
	require.NoError(t, svc.Submit(ctx, alice, first, math.MaxUint64))
	require.NoError(t, svc.Confirm(ctx, owner, first))

	second := domain.RequestIDFromUint64(2)
	require.NoError(t, svc.Submit(ctx, alice, second, 1))

	eventsBefore, _ := m.Events(ctx, 0, 100)

	err := svc.Confirm(ctx, owner, second)
	assert.ErrorIs(t, err, ErrBalanceOverflow)

	// Balance unchanged, request still active, no event emitted.
	balance, _ := svc.BalanceOf(ctx, alice)
	assert.Equal(t, uint64(math.MaxUint64), balance)

	req, err := svc.GetRequest(ctx, owner, second)
	require.NoError(t, err)
	assert.True(t, req.IsActive)
	assert.Equal(t, uint64(1), req.Balance)

	eventsAfter, _ := m.Events(ctx, 0, 100)
	assert.Len(t, eventsAfter, len(eventsBefore))
}

func TestBalanceOfUnknownIdentity(t *testing.T) {
	svc, _ := newService(t)
	balance, err := svc.BalanceOf(context.Background(), ident(9))
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestGetRequestOwnerOnly(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	owner, alice := ident(1), ident(2)
	require.NoError(t, svc.Initialize(ctx, owner))

	reqID := domain.RequestIDFromUint64(7)
	require.NoError(t, svc.Submit(ctx, alice, reqID, 100))

	_, err := svc.GetRequest(ctx, alice, reqID)
	assert.ErrorIs(t, err, ErrNotOwner)

	_, err = svc.GetRequest(ctx, owner, domain.RequestIDFromUint64(404))
	assert.ErrorIs(t, err, ErrIncorrectRequestID)
}

func TestChangeOwnershipToZero(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	owner := ident(1)
	require.NoError(t, svc.Initialize(ctx, owner))

	err := svc.ChangeOwnership(ctx, owner, domain.ZeroIdentity)
	assert.ErrorIs(t, err, ErrNewOwnerIsZero)

	// Owner unchanged: the old owner still passes the gate.
	_, err = svc.GetRequest(ctx, owner, domain.RequestIDFromUint64(1))
	assert.ErrorIs(t, err, ErrIncorrectRequestID)
}

func TestChangeOwnershipHandsOverAuthority(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	owner, alice, carol := ident(1), ident(2), ident(5)
	require.NoError(t, svc.Initialize(ctx, owner))

	err := svc.ChangeOwnership(ctx, alice, carol)
	assert.ErrorIs(t, err, ErrNotOwner)

	require.NoError(t, svc.ChangeOwnership(ctx, owner, carol))

	reqID := domain.RequestIDFromUint64(7)
	require.NoError(t, svc.Submit(ctx, alice, reqID, 10))

	err = svc.Confirm(ctx, owner, reqID)
	assert.ErrorIs(t, err, ErrNotOwner)

	require.NoError(t, svc.Confirm(ctx, carol, reqID))
	balance, _ := svc.BalanceOf(ctx, alice)
	assert.Equal(t, uint64(10), balance)
}

func TestOwnerGatedOpsBeforeInitialize(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	err := svc.Confirm(ctx, ident(1), domain.RequestIDFromUint64(1))
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, err = svc.GetRequest(ctx, ident(1), domain.RequestIDFromUint64(1))
	assert.ErrorIs(t, err, ErrNotInitialized)

	err = svc.ChangeOwnership(ctx, ident(1), ident(2))
	assert.ErrorIs(t, err, ErrNotInitialized)
}

// conflictStore models the durable backend when this transaction lost
// a row-lock race: every locked read reports a conflict, the way a
// blocked SELECT ... FOR UPDATE fails after the winner commits.
type conflictStore struct {
	store.Store
}

type conflictTx struct{}

func (conflictTx) Get(context.Context, slot.Address) ([]byte, bool, error) {
	return nil, false, fmt.Errorf("slot read failed: %w", store.ErrConflict)
}

func (conflictTx) Put(context.Context, slot.Address, []byte) error {
	return nil
}

func (conflictTx) AppendEvent(context.Context, string, json.RawMessage) (int64, error) {
	return 0, nil
}

func (s conflictStore) Update(_ context.Context, fn func(tx store.Tx) error) error {
	return fn(conflictTx{})
}

func TestLostRaceSurfacesAdmissionErrors(t *testing.T) {
	svc := New(conflictStore{Store: store.NewMemory()}, zerolog.Nop())
	ctx := context.Background()

	// The loser of a concurrent confirm observes the slot as already
	// settled, not an internal failure.
	err := svc.Confirm(ctx, ident(1), domain.RequestIDFromUint64(7))
	assert.ErrorIs(t, err, ErrIncorrectRequestID)

	// The loser of a concurrent submit on the same id observes the id
	// as taken.
	err = svc.Submit(ctx, ident(2), domain.RequestIDFromUint64(7), 10)
	assert.ErrorIs(t, err, ErrRequestIDAlreadyUsed)

	err = svc.Initialize(ctx, ident(1))
	assert.ErrorIs(t, err, ErrAlreadyInitialized)
}

func TestEndToEnd(t *testing.T) {
	svc, m := newService(t)
	ctx := context.Background()
	a, b := ident(1), ident(2)

	require.NoError(t, svc.Initialize(ctx, a))
	require.NoError(t, svc.Submit(ctx, b, domain.RequestIDFromUint64(7), 100))
	require.NoError(t, svc.Confirm(ctx, a, domain.RequestIDFromUint64(7)))

	balance, err := svc.BalanceOf(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), balance)

	req, err := svc.GetRequest(ctx, a, domain.RequestIDFromUint64(7))
	require.NoError(t, err)
	assert.False(t, req.IsActive)
	assert.Zero(t, req.Balance)
	assert.True(t, req.Caller.IsZero())

	// Exactly one event per successful operation.
	events, err := m.Events(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, domain.EventOwnershipChanged, events[0].Kind)
	assert.Equal(t, domain.EventSubmission, events[1].Kind)
	assert.Equal(t, domain.EventConfirmation, events[2].Kind)
}
