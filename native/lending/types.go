package lending

import (
	"errors"
	"math/big"
)

// AssetUSD is the pool denomination: fixed-point micro-USD.
const AssetUSD = "USD"

// PoolState is the global funding accounting for the lending pool.
type PoolState struct {
	TotalSupplied *big.Int
	TotalBorrowed *big.Int
}

// Available returns the liquidity the pool can still lend out.
func (p *PoolState) Available() *big.Int {
	if p == nil || p.TotalSupplied == nil {
		return big.NewInt(0)
	}
	borrowed := p.TotalBorrowed
	if borrowed == nil {
		borrowed = big.NewInt(0)
	}
	available := new(big.Int).Sub(p.TotalSupplied, borrowed)
	if available.Sign() < 0 {
		return big.NewInt(0)
	}
	return available
}

func (p *PoolState) ensureDefaults() {
	if p.TotalSupplied == nil {
		p.TotalSupplied = big.NewInt(0)
	}
	if p.TotalBorrowed == nil {
		p.TotalBorrowed = big.NewInt(0)
	}
}

// Position tracks the collateral still held against a loan. The registry owns
// the loan record itself; this is the lending engine's side table.
type Position struct {
	LoanID           uint64
	Subject          [20]byte
	CollateralAsset  string
	CollateralAmount *big.Int
	InterestPaid     *big.Int
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	clone := *p
	if p.CollateralAmount != nil {
		clone.CollateralAmount = new(big.Int).Set(p.CollateralAmount)
	} else {
		clone.CollateralAmount = big.NewInt(0)
	}
	if p.InterestPaid != nil {
		clone.InterestPaid = new(big.Int).Set(p.InterestPaid)
	} else {
		clone.InterestPaid = big.NewInt(0)
	}
	return &clone
}

func (p *Position) ensureDefaults() {
	if p.CollateralAmount == nil {
		p.CollateralAmount = big.NewInt(0)
	}
	if p.InterestPaid == nil {
		p.InterestPaid = big.NewInt(0)
	}
}

// DebtInfo is the read-path answer for outstanding debt on a loan.
type DebtInfo struct {
	Principal       *big.Int
	AccruedInterest *big.Int
	Total           *big.Int
}

// RepayResult summarises how a repayment was applied.
type RepayResult struct {
	InterestPaid       *big.Int
	PrincipalPaid      *big.Int
	CollateralReleased *big.Int
	Settled            bool
}

var (
	// ErrExceedsAllowedLTV marks borrow requests above the tier's cap.
	ErrExceedsAllowedLTV = errors.New("lending: principal exceeds allowed LTV")
	// ErrInsufficientLiquidity marks requests the pool cannot fund.
	ErrInsufficientLiquidity = errors.New("lending: insufficient liquidity")
	// ErrInvalidAmount marks nil or non-positive amounts.
	ErrInvalidAmount = errors.New("lending: amount must be positive")
	// ErrNotBorrower rejects repayments from anyone but the loan's subject.
	ErrNotBorrower = errors.New("lending: caller is not the borrower")
	// ErrPositionNotFound marks loans without a collateral side table entry.
	ErrPositionNotFound = errors.New("lending: position not found")
)
