// Package slot derives storage addresses from (namespace, key) pairs.
// Identical pairs always resolve to the same address and distinct pairs
// to distinct addresses, which is what lets the ledger locate every
// record without a separate index table.
package slot

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"github.com/creditledger/creditledger/internal/domain"
)

// Storage namespaces. Each partitions the keyed slot space.
const (
	NamespaceState   = "state"
	NamespaceRequest = "request"
	NamespaceUser    = "user"
)

// Address is a derived storage slot address.
type Address [sha256.Size]byte

func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// Bytes returns the address as a byte slice, for use as a store key.
func (a Address) Bytes() []byte {
	return a[:]
}

// Derive maps a (namespace, key) pair to its slot address. Both parts
// are length-prefixed before hashing so that ("ab","c") and ("a","bc")
// cannot collide.
func Derive(namespace string, key []byte) Address {
	h := sha256.New()
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(namespace)))
	h.Write(n[:])
	h.Write([]byte(namespace))
	binary.LittleEndian.PutUint32(n[:], uint32(len(key)))
	h.Write(n[:])
	h.Write(key)
	var a Address
	copy(a[:], h.Sum(nil))
	return a
}

// State returns the address of the global state singleton.
func State() Address {
	return Derive(NamespaceState, nil)
}

// Request returns the address of the request slot for the given id.
func Request(id domain.RequestID) Address {
	return Derive(NamespaceRequest, id.Bytes())
}

// User returns the address of the account slot for the given identity.
func User(id domain.Identity) Address {
	return Derive(NamespaceUser, id[:])
}
