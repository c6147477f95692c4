package domain

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// IdentitySize is the byte length of a caller identity.
const IdentitySize = 32

// Identity is the opaque, comparable value identifying a caller. The
// authenticating front end vouches for it; the ledger only compares it.
// The all-zero value is reserved and means "no identity".
type Identity [IdentitySize]byte

// ZeroIdentity is the reserved empty identity.
var ZeroIdentity Identity

// ParseIdentity decodes a hex-encoded identity.
func ParseIdentity(s string) (Identity, error) {
	var id Identity
	s = strings.TrimPrefix(s, "0x")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid identity encoding: %w", err)
	}
	if len(raw) != IdentitySize {
		return id, fmt.Errorf("invalid identity length: got %d bytes, want %d", len(raw), IdentitySize)
	}
	copy(id[:], raw)
	return id, nil
}

// IsZero reports whether the identity is the reserved empty value.
func (id Identity) IsZero() bool {
	return id == ZeroIdentity
}

func (id Identity) String() string {
	return hex.EncodeToString(id[:])
}

func (id Identity) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

func (id *Identity) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseIdentity(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// RequestID is a caller-chosen 128-bit request identifier, stored
// little-endian. It travels as a decimal string on the wire because
// JSON numbers cannot carry the full range.
type RequestID [16]byte

var maxRequestID = new(big.Int).Lsh(big.NewInt(1), 128)

// ParseRequestID parses a non-negative decimal string into a RequestID.
func ParseRequestID(s string) (RequestID, error) {
	var id RequestID
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return id, fmt.Errorf("invalid request id %q", s)
	}
	if n.Sign() < 0 || n.Cmp(maxRequestID) >= 0 {
		return id, fmt.Errorf("request id %q out of 128-bit range", s)
	}
	be := n.Bytes()
	for i, b := range be {
		id[len(be)-1-i] = b
	}
	return id, nil
}

// RequestIDFromUint64 widens a uint64 into a RequestID.
func RequestIDFromUint64(n uint64) RequestID {
	var id RequestID
	for i := 0; i < 8; i++ {
		id[i] = byte(n >> (8 * i))
	}
	return id
}

// Bytes returns the little-endian key bytes used for slot derivation.
func (r RequestID) Bytes() []byte {
	return r[:]
}

func (r RequestID) String() string {
	be := make([]byte, len(r))
	for i, b := range r {
		be[len(r)-1-i] = b
	}
	return new(big.Int).SetBytes(be).String()
}

func (r RequestID) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *RequestID) UnmarshalJSON(data []byte) error {
	// Accept both "7" and 7 for operator convenience.
	s := strings.Trim(string(data), `"`)
	parsed, err := ParseRequestID(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// GlobalState is the singleton record holding the current owner. It is
// created once at bootstrap and mutated only by ownership transfer.
type GlobalState struct {
	Owner Identity `json:"owner"`
}

// Request is one balance-credit request slot. A slot is available when
// Caller is the zero identity; while active, Caller and Balance hold
// the pending credit.
type Request struct {
	ReqID    RequestID `json:"req_id"`
	Caller   Identity  `json:"caller"`
	Balance  uint64    `json:"balance"`
	IsActive bool      `json:"is_active"`
}

// Available reports whether the slot may admit a fresh submission.
func (r Request) Available() bool {
	return r.Caller.IsZero()
}

// UserAccount holds an identity's settled balance. Created lazily on
// first confirmation addressed to that identity; credits only.
type UserAccount struct {
	Owner   Identity `json:"owner"`
	Balance uint64   `json:"balance"`
}
