package liquidation

import (
	"errors"
	"math/big"
)

// State is the lifecycle phase of an auction, derived lazily from the clock
// rather than advanced by a background process.
type State uint8

const (
	// StateGracePending means the borrower may still cure the position.
	StateGracePending State = iota
	// StateOpen means the grace period lapsed and any executor may buy.
	StateOpen
	// StateExecuted is terminal: collateral sold, proceeds distributed.
	StateExecuted
	// StateCancelled is terminal: the auction was withdrawn by an admin.
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateGracePending:
		return "gracePending"
	case StateOpen:
		return "open"
	case StateExecuted:
		return "executed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Auction is the durable record of a single liquidation. Debt and collateral
// are snapshotted at start; the sale itself revalues the collateral at
// execution time.
type Auction struct {
	ID               string
	LoanID           uint64
	Subject          [20]byte
	DebtAtStart      *big.Int
	CollateralAsset  string
	CollateralAmount *big.Int
	StartedAt        uint64
	GraceEnd         uint64
	Executed         bool
	Executor         [20]byte
	ExecutedAt       uint64
	SalePrice        *big.Int
	Cancelled        bool
	CancelReason     string
}

// Clone returns a deep copy of the auction record.
func (a *Auction) Clone() *Auction {
	if a == nil {
		return nil
	}
	clone := *a
	if a.DebtAtStart != nil {
		clone.DebtAtStart = new(big.Int).Set(a.DebtAtStart)
	}
	if a.CollateralAmount != nil {
		clone.CollateralAmount = new(big.Int).Set(a.CollateralAmount)
	}
	if a.SalePrice != nil {
		clone.SalePrice = new(big.Int).Set(a.SalePrice)
	}
	return &clone
}

// StateAt derives the auction's lifecycle phase at the given instant.
func (a *Auction) StateAt(now int64) State {
	switch {
	case a == nil:
		return StateCancelled
	case a.Cancelled:
		return StateCancelled
	case a.Executed:
		return StateExecuted
	case now < int64(a.GraceEnd):
		return StateGracePending
	default:
		return StateOpen
	}
}

func (a *Auction) ensureDefaults() {
	if a.DebtAtStart == nil {
		a.DebtAtStart = big.NewInt(0)
	}
	if a.CollateralAmount == nil {
		a.CollateralAmount = big.NewInt(0)
	}
	if a.SalePrice == nil {
		a.SalePrice = big.NewInt(0)
	}
}

// Config parameterises the discount schedule applied once the grace period
// lapses.
type Config struct {
	// WindowSecs is how long the discount takes to ramp from zero to its
	// maximum. The discount stays at the maximum forever after.
	WindowSecs uint64 `toml:"WindowSecs"`
	// MaxDiscountBps is the deepest haircut off the collateral's market
	// value an executor can ever receive.
	MaxDiscountBps uint64 `toml:"MaxDiscountBps"`
}

// DefaultConfig returns the canonical auction parameterisation.
func DefaultConfig() Config {
	return Config{
		WindowSecs:     6 * 3600,
		MaxDiscountBps: 2_000,
	}
}

var (
	// ErrNotLiquidatable rejects auction starts on healthy positions.
	ErrNotLiquidatable = errors.New("liquidation: position not liquidatable")
	// ErrGracePeriodActive rejects execution before the grace period ends.
	ErrGracePeriodActive = errors.New("liquidation: grace period active")
	// ErrAuctionExists rejects a second auction on the same loan.
	ErrAuctionExists = errors.New("liquidation: auction already open")
	// ErrAuctionExecuted marks replayed executions of a settled auction.
	ErrAuctionExecuted = errors.New("liquidation: auction already executed")
	// ErrAuctionCancelled marks operations on a withdrawn auction.
	ErrAuctionCancelled = errors.New("liquidation: auction cancelled")
	// ErrAuctionNotFound marks lookups of unknown auction ids.
	ErrAuctionNotFound = errors.New("liquidation: auction not found")
	// ErrUnauthorized rejects admin operations from other callers.
	ErrUnauthorized = errors.New("liquidation: caller not authorized")
)
