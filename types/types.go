// Package types holds the data model shared by every layer of sol-sim:
// addresses, accounts, fork identifiers and fork metadata.
package types

import (
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

// Address is a 32-byte Ed25519 public key, wire-compatible with every other
// Solana tool in the ecosystem.
type Address = solana.PublicKey

// Account is the full on-chain account state sol-sim tracks per address.
type Account struct {
	Lamports   uint64
	Data       []byte
	Owner      Address
	Executable bool
	RentEpoch  uint64
}

// Clone returns a deep copy so callers can mutate the result without
// corrupting the instance's account map.
func (a Account) Clone() Account {
	data := make([]byte, len(a.Data))
	copy(data, a.Data)
	return Account{
		Lamports:   a.Lamports,
		Data:       data,
		Owner:      a.Owner,
		Executable: a.Executable,
		RentEpoch:  a.RentEpoch,
	}
}

// ForkId uniquely names one fork instance for the lifetime of the process.
type ForkId uuid.UUID

// NewForkId mints a fresh random fork id.
func NewForkId() ForkId {
	return ForkId(uuid.New())
}

// ParseForkId parses the textual form used in URLs and JSON-RPC requests.
func ParseForkId(s string) (ForkId, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return ForkId{}, fmt.Errorf("%w: %v", ErrInvalidForkId, err)
	}
	return ForkId(id), nil
}

func (f ForkId) String() string {
	return uuid.UUID(f).String()
}

// ForkInfo is the externally visible metadata for a fork, returned by
// POST /forks and GET /forks/{id}.
type ForkInfo struct {
	Id           ForkId
	CreatedAt    time.Time
	LastActivity time.Time
	ExpiresAt    time.Time
	AccountCount int
	Slot         uint64
}

// Status derives the Active/Expired status from ExpiresAt, as of now.
func (f ForkInfo) Status(now time.Time) string {
	if now.Before(f.ExpiresAt) {
		return "active"
	}
	return "expired"
}
