package ledger

import "errors"

// The closed error set of the ledger. Every precondition failure aborts
// the operation before any mutation; the API layer surfaces the kind
// verbatim to the caller.
var (
	ErrNotOwner             = errors.New("not owner")
	ErrRequestIDAlreadyUsed = errors.New("request id already used")
	ErrIncorrectRequestID   = errors.New("incorrect request id")
	ErrNewOwnerIsZero       = errors.New("new owner is zero identity")
	ErrBalanceOverflow      = errors.New("balance overflow")
	ErrAlreadyInitialized   = errors.New("already initialized")
	ErrNotInitialized       = errors.New("not initialized")
)
