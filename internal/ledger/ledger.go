// Package ledger implements the authorization-mediated balance ledger:
// callers submit balance-credit requests under self-chosen ids, the
// owner confirms them, and confirmation credits the caller's account.
// Each operation runs as one atomic store transaction.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/creditledger/creditledger/internal/domain"
	"github.com/creditledger/creditledger/internal/slot"
	"github.com/creditledger/creditledger/internal/store"
)

type Service struct {
	store store.Store
	log   zerolog.Logger
}

func New(st store.Store, log zerolog.Logger) *Service {
	return &Service{store: st, log: log.With().Str("component", "ledger").Logger()}
}

// Initialize bootstraps the global state exactly once; the caller
// becomes the initial owner.
func (s *Service) Initialize(ctx context.Context, caller domain.Identity) error {
	err := s.store.Update(ctx, func(tx store.Tx) error {
		if _, ok, err := tx.Get(ctx, slot.State()); err != nil {
			return err
		} else if ok {
			return ErrAlreadyInitialized
		}
		if err := putRecord(ctx, tx, slot.State(), domain.GlobalState{Owner: caller}); err != nil {
			return err
		}
		return emit(ctx, tx, domain.EventOwnershipChanged, domain.OwnershipChanged{
			PrevOwner: domain.ZeroIdentity,
			NewOwner:  caller,
		})
	})
	if errors.Is(err, store.ErrConflict) {
		return ErrAlreadyInitialized
	}
	if err != nil {
		return err
	}
	s.log.Info().Stringer("owner", caller).Msg("ledger initialized")
	return nil
}

// Submit admits a balance-credit request. The sole admission check is
// that the slot at reqID is available; any identity may submit and a
// zero amount is accepted.
func (s *Service) Submit(ctx context.Context, caller domain.Identity, reqID domain.RequestID, amount uint64) error {
	err := s.store.Update(ctx, func(tx store.Tx) error {
		req, ok, err := getRequest(ctx, tx, reqID)
		if err != nil {
			return err
		}
		if ok && !req.Available() {
			return ErrRequestIDAlreadyUsed
		}
		active := domain.Request{ReqID: reqID, Caller: caller, Balance: amount, IsActive: true}
		if err := putRecord(ctx, tx, slot.Request(reqID), active); err != nil {
			return err
		}
		return emit(ctx, tx, domain.EventSubmission, domain.Submission{
			ReqID:  reqID,
			Caller: caller,
			Amount: amount,
		})
	})
	if errors.Is(err, store.ErrConflict) {
		// Lost the admission race to a concurrent submit on the same id.
		return ErrRequestIDAlreadyUsed
	}
	if err != nil {
		return err
	}
	s.log.Info().Stringer("req_id", reqID).Stringer("caller", caller).Uint64("amount", amount).Msg("request submitted")
	return nil
}

// Confirm settles an active request: the submitting caller's account is
// credited and the slot is reset to available, all-or-nothing. Only the
// current owner may confirm. On overflow nothing changes and the
// request stays active for the operator to resolve out of band.
func (s *Service) Confirm(ctx context.Context, caller domain.Identity, reqID domain.RequestID) error {
	var credited domain.Confirmation
	err := s.store.Update(ctx, func(tx store.Tx) error {
		if err := s.requireOwner(ctx, tx, caller); err != nil {
			return err
		}
		req, ok, err := getRequest(ctx, tx, reqID)
		if err != nil {
			return err
		}
		if !ok || !req.IsActive {
			return ErrIncorrectRequestID
		}

		acct, ok, err := getAccount(ctx, tx, req.Caller)
		if err != nil {
			return err
		}
		if !ok {
			acct = domain.UserAccount{Owner: req.Caller}
		}
		if acct.Balance > math.MaxUint64-req.Balance {
			return ErrBalanceOverflow
		}
		acct.Balance += req.Balance
		if err := putRecord(ctx, tx, slot.User(req.Caller), acct); err != nil {
			return err
		}

		// Reset only after the credit has been staged: commit applies
		// both or neither.
		reset := domain.Request{ReqID: reqID}
		if err := putRecord(ctx, tx, slot.Request(reqID), reset); err != nil {
			return err
		}

		credited = domain.Confirmation{ReqID: reqID, User: req.Caller, Amount: req.Balance}
		return emit(ctx, tx, domain.EventConfirmation, credited)
	})
	if errors.Is(err, store.ErrConflict) {
		// A concurrent confirm settled the slot first.
		return ErrIncorrectRequestID
	}
	if err != nil {
		return err
	}
	s.log.Info().Stringer("req_id", reqID).Stringer("user", credited.User).Uint64("amount", credited.Amount).Msg("request confirmed")
	return nil
}

// BalanceOf returns the settled balance for an identity, zero if no
// account exists yet. Publicly readable.
func (s *Service) BalanceOf(ctx context.Context, id domain.Identity) (uint64, error) {
	var balance uint64
	err := s.store.View(ctx, func(tx store.Tx) error {
		acct, ok, err := getAccount(ctx, tx, id)
		if err != nil {
			return err
		}
		if ok {
			balance = acct.Balance
		}
		return nil
	})
	return balance, err
}

// GetRequest returns the full contents of a request slot, active or
// available. Owner-only.
func (s *Service) GetRequest(ctx context.Context, viewer domain.Identity, reqID domain.RequestID) (domain.Request, error) {
	var req domain.Request
	err := s.store.View(ctx, func(tx store.Tx) error {
		if err := s.requireOwner(ctx, tx, viewer); err != nil {
			return err
		}
		found, ok, err := getRequest(ctx, tx, reqID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrIncorrectRequestID
		}
		req = found
		return nil
	})
	return req, err
}

// ChangeOwnership replaces the owner. Single-step and irreversible
// except by the new owner repeating the operation.
func (s *Service) ChangeOwnership(ctx context.Context, caller, newOwner domain.Identity) error {
	var prev domain.Identity
	err := s.store.Update(ctx, func(tx store.Tx) error {
		st, err := s.state(ctx, tx)
		if err != nil {
			return err
		}
		if st.Owner != caller {
			return ErrNotOwner
		}
		if newOwner.IsZero() {
			return ErrNewOwnerIsZero
		}
		prev = st.Owner
		if err := putRecord(ctx, tx, slot.State(), domain.GlobalState{Owner: newOwner}); err != nil {
			return err
		}
		return emit(ctx, tx, domain.EventOwnershipChanged, domain.OwnershipChanged{
			PrevOwner: prev,
			NewOwner:  newOwner,
		})
	})
	if err != nil {
		return err
	}
	s.log.Info().Stringer("prev_owner", prev).Stringer("new_owner", newOwner).Msg("ownership changed")
	return nil
}

// Events returns up to limit audit events after the given sequence
// number.
func (s *Service) Events(ctx context.Context, after int64, limit int) ([]domain.Event, error) {
	return s.store.Events(ctx, after, limit)
}

func (s *Service) state(ctx context.Context, tx store.Tx) (domain.GlobalState, error) {
	var st domain.GlobalState
	raw, ok, err := tx.Get(ctx, slot.State())
	if err != nil {
		return st, err
	}
	if !ok {
		return st, ErrNotInitialized
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return st, fmt.Errorf("decode global state: %w", err)
	}
	return st, nil
}

func (s *Service) requireOwner(ctx context.Context, tx store.Tx, caller domain.Identity) error {
	st, err := s.state(ctx, tx)
	if err != nil {
		return err
	}
	if st.Owner != caller {
		return ErrNotOwner
	}
	return nil
}

func getRequest(ctx context.Context, tx store.Tx, reqID domain.RequestID) (domain.Request, bool, error) {
	var req domain.Request
	raw, ok, err := tx.Get(ctx, slot.Request(reqID))
	if err != nil || !ok {
		return req, false, err
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, false, fmt.Errorf("decode request %s: %w", reqID, err)
	}
	return req, true, nil
}

func getAccount(ctx context.Context, tx store.Tx, id domain.Identity) (domain.UserAccount, bool, error) {
	var acct domain.UserAccount
	raw, ok, err := tx.Get(ctx, slot.User(id))
	if err != nil || !ok {
		return acct, false, err
	}
	if err := json.Unmarshal(raw, &acct); err != nil {
		return acct, false, fmt.Errorf("decode account %s: %w", id, err)
	}
	return acct, true, nil
}

func putRecord(ctx context.Context, tx store.Tx, addr slot.Address, rec any) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.Put(ctx, addr, raw)
}

func emit(ctx context.Context, tx store.Tx, kind string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = tx.AppendEvent(ctx, kind, raw)
	return err
}
