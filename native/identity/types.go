package identity

import (
	"errors"
	"math/big"
)

// Proof is the verified identity commitment held for a subject. At most one
// live proof exists per subject; a fresh submission overwrites the prior one.
type Proof struct {
	Commitment [32]byte
	VerifiedAt uint64
	ExpiresAt  uint64
}

// Live reports whether the proof is currently valid at the given time.
func (p *Proof) Live(now int64) bool {
	if p == nil {
		return false
	}
	return p.ExpiresAt == 0 || int64(p.ExpiresAt) > now
}

// StakeCommitment tracks the locked economic bond for a subject. Increasing
// the amount never shortens an existing lock.
type StakeCommitment struct {
	Amount    *big.Int
	LockUntil uint64
}

// Clone returns a deep copy of the commitment.
func (s *StakeCommitment) Clone() *StakeCommitment {
	if s == nil {
		return nil
	}
	clone := *s
	if s.Amount != nil {
		clone.Amount = new(big.Int).Set(s.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// ActivityCounters records governance participation. FirstSeen is written
// once and never overwritten.
type ActivityCounters struct {
	Votes     uint64
	Proposals uint64
	FirstSeen uint64
}

var (
	// ErrInvalidProof marks submissions whose signature does not recover to
	// the trusted issuer.
	ErrInvalidProof = errors.New("identity: proof signature invalid")
	// ErrProofExpired marks submissions whose expiry is not in the future.
	ErrProofExpired = errors.New("identity: proof expired")
	// ErrLockActive marks unstake attempts before the lock elapses.
	ErrLockActive = errors.New("identity: stake lock active")
	// ErrInsufficientBond marks withdrawals beyond the committed amount.
	ErrInsufficientBond = errors.New("identity: insufficient bond")
	// ErrInvalidAmount marks nil or non-positive stake amounts.
	ErrInvalidAmount = errors.New("identity: amount must be positive")
)
