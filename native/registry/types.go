package registry

import (
	"errors"
	"math/big"
)

// LoanStatus enumerates the lifecycle states of a loan record.
type LoanStatus uint8

const (
	LoanActive LoanStatus = iota
	LoanRepaid
	LoanLiquidated
)

// Valid reports whether the status value is within the supported range.
func (s LoanStatus) Valid() bool {
	switch s {
	case LoanActive, LoanRepaid, LoanLiquidated:
		return true
	default:
		return false
	}
}

func (s LoanStatus) String() string {
	switch s {
	case LoanActive:
		return "active"
	case LoanRepaid:
		return "repaid"
	case LoanLiquidated:
		return "liquidated"
	default:
		return "unknown"
	}
}

// LoanRecord captures a single loan. Once the status leaves LoanActive the
// record is immutable apart from the final repaid total written in the same
// transition.
type LoanRecord struct {
	ID           uint64
	Subject      [20]byte
	Counterparty [20]byte
	Principal    *big.Int
	Repaid       *big.Int
	OpenedAt     uint64
	RateBps      uint64
	Status       LoanStatus
}

// Remaining returns the outstanding principal on the loan.
func (l *LoanRecord) Remaining() *big.Int {
	if l == nil || l.Principal == nil {
		return big.NewInt(0)
	}
	repaid := l.Repaid
	if repaid == nil {
		repaid = big.NewInt(0)
	}
	remaining := new(big.Int).Sub(l.Principal, repaid)
	if remaining.Sign() < 0 {
		return big.NewInt(0)
	}
	return remaining
}

// Clone returns a deep copy so callers can mutate freely.
func (l *LoanRecord) Clone() *LoanRecord {
	if l == nil {
		return nil
	}
	clone := *l
	if l.Principal != nil {
		clone.Principal = new(big.Int).Set(l.Principal)
	} else {
		clone.Principal = big.NewInt(0)
	}
	if l.Repaid != nil {
		clone.Repaid = new(big.Int).Set(l.Repaid)
	} else {
		clone.Repaid = big.NewInt(0)
	}
	return &clone
}

// CollateralRecord is written once at borrow time and never mutated.
type CollateralRecord struct {
	LoanID             uint64
	Asset              string
	Value              *big.Int
	ScoreAtOrigination uint64
}

// Clone returns a deep copy of the collateral record.
func (c *CollateralRecord) Clone() *CollateralRecord {
	if c == nil {
		return nil
	}
	clone := *c
	if c.Value != nil {
		clone.Value = new(big.Int).Set(c.Value)
	} else {
		clone.Value = big.NewInt(0)
	}
	return &clone
}

// AggregateCounters is the per-subject running summary every scoring read
// depends on. It is updated inside the same transition as the loan record it
// reflects, never recomputed by scanning history.
type AggregateCounters struct {
	TotalLoans           uint64
	RepaidLoans          uint64
	LiquidatedLoans      uint64
	ActiveLoans          uint64
	TotalCollateralValue *big.Int
	TotalBorrowedValue   *big.Int
	MaxLeverageLoans     uint64
	CollateralAssets     []string
}

// Consistent reports whether the load-bearing counter identity holds.
func (a *AggregateCounters) Consistent() bool {
	if a == nil {
		return true
	}
	return a.TotalLoans == a.RepaidLoans+a.LiquidatedLoans+a.ActiveLoans
}

// HasAsset reports whether the distinct collateral asset set already contains
// the symbol.
func (a *AggregateCounters) HasAsset(asset string) bool {
	if a == nil {
		return false
	}
	for _, known := range a.CollateralAssets {
		if known == asset {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the counters.
func (a *AggregateCounters) Clone() *AggregateCounters {
	if a == nil {
		return nil
	}
	clone := *a
	if a.TotalCollateralValue != nil {
		clone.TotalCollateralValue = new(big.Int).Set(a.TotalCollateralValue)
	} else {
		clone.TotalCollateralValue = big.NewInt(0)
	}
	if a.TotalBorrowedValue != nil {
		clone.TotalBorrowedValue = new(big.Int).Set(a.TotalBorrowedValue)
	} else {
		clone.TotalBorrowedValue = big.NewInt(0)
	}
	clone.CollateralAssets = append([]string(nil), a.CollateralAssets...)
	return &clone
}

func (a *AggregateCounters) ensureDefaults() {
	if a.TotalCollateralValue == nil {
		a.TotalCollateralValue = big.NewInt(0)
	}
	if a.TotalBorrowedValue == nil {
		a.TotalBorrowedValue = big.NewInt(0)
	}
}

var (
	// ErrUnauthorized marks callers missing from the writer allow-list.
	ErrUnauthorized = errors.New("registry: caller not authorized")
	// ErrLoanNotFound marks lookups for unknown loan identifiers.
	ErrLoanNotFound = errors.New("registry: loan not found")
	// ErrLoanNotActive marks write attempts against settled loans.
	ErrLoanNotActive = errors.New("registry: loan not active")
	// ErrInvalidAmount marks nil, negative or zero amounts where a positive
	// value is required.
	ErrInvalidAmount = errors.New("registry: amount must be positive")
	// ErrCollateralExists guards the write-once collateral record.
	ErrCollateralExists = errors.New("registry: collateral already recorded")
)
