package domain

import "encoding/json"

// Audit event kinds, appended exactly once per successful mutating
// operation and never on failure.
const (
	EventOwnershipChanged = "ownership_changed"
	EventSubmission       = "submission"
	EventConfirmation     = "confirmation"
)

// OwnershipChanged records a transfer of the owner role, including the
// bootstrap transfer from the zero identity.
type OwnershipChanged struct {
	PrevOwner Identity `json:"prev_owner"`
	NewOwner  Identity `json:"new_owner"`
}

// Submission records admission of a balance-credit request.
type Submission struct {
	ReqID  RequestID `json:"req_id"`
	Caller Identity  `json:"caller"`
	Amount uint64    `json:"amount"`
}

// Confirmation records settlement of a request into a user account.
// Amount is the value that was actually credited.
type Confirmation struct {
	ReqID  RequestID `json:"req_id"`
	User   Identity  `json:"user"`
	Amount uint64    `json:"amount"`
}

// Event is one entry of the append-only audit feed.
type Event struct {
	Seq     int64           `json:"seq"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}
