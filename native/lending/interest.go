package lending

import "math/big"

// InterestModel encapsulates the kinked utilization curve shaping borrow
// rates. Below the optimal utilization the rate climbs along slope1; beyond
// it the steeper slope2 takes over to pull liquidity back.
type InterestModel struct {
	// BaseRate is the annualized floor applied at zero utilization.
	BaseRate *big.Rat
	// Slope1 is the full rate increase earned across the pre-kink region.
	Slope1 *big.Rat
	// Slope2 is the full rate increase across the post-kink region.
	Slope2 *big.Rat
	// Optimal is the utilization ratio where the curve kinks.
	Optimal *big.Rat
}

// NewInterestModelBps constructs a model from basis-point configuration.
func NewInterestModelBps(baseRateBps, slope1Bps, slope2Bps, optimalBps uint64) *InterestModel {
	bps := big.NewInt(10_000)
	return &InterestModel{
		BaseRate: new(big.Rat).SetFrac(new(big.Int).SetUint64(baseRateBps), bps),
		Slope1:   new(big.Rat).SetFrac(new(big.Int).SetUint64(slope1Bps), bps),
		Slope2:   new(big.Rat).SetFrac(new(big.Int).SetUint64(slope2Bps), bps),
		Optimal:  new(big.Rat).SetFrac(new(big.Int).SetUint64(optimalBps), bps),
	}
}

// Clone returns a deep copy of the model.
func (m *InterestModel) Clone() *InterestModel {
	if m == nil {
		return nil
	}
	return &InterestModel{
		BaseRate: cloneRat(m.BaseRate),
		Slope1:   cloneRat(m.Slope1),
		Slope2:   cloneRat(m.Slope2),
		Optimal:  cloneRat(m.Optimal),
	}
}

// Utilization computes U = totalBorrowed / totalSupplied, zero when the pool
// is empty.
func (m *InterestModel) Utilization(totalBorrowed, totalSupplied *big.Int) *big.Rat {
	if totalBorrowed == nil || totalBorrowed.Sign() == 0 {
		return new(big.Rat)
	}
	if totalSupplied == nil || totalSupplied.Sign() == 0 {
		return new(big.Rat)
	}
	return new(big.Rat).SetFrac(totalBorrowed, totalSupplied)
}

// BorrowAPR evaluates the kinked curve at the current utilization:
//
//	rate = base + min(U,optimal)/optimal*slope1 + max(U-optimal,0)/(1-optimal)*slope2
func (m *InterestModel) BorrowAPR(totalBorrowed, totalSupplied *big.Int) *big.Rat {
	if m == nil {
		return new(big.Rat)
	}
	rate := cloneRat(m.BaseRate)
	utilization := m.Utilization(totalBorrowed, totalSupplied)
	if utilization.Sign() == 0 {
		return rate
	}

	optimal := cloneRat(m.Optimal)
	if optimal.Sign() <= 0 {
		return rate
	}

	preKink := cloneRat(utilization)
	if preKink.Cmp(optimal) > 0 {
		preKink.Set(optimal)
	}
	slope1Part := new(big.Rat).Quo(preKink, optimal)
	slope1Part.Mul(slope1Part, cloneRat(m.Slope1))
	rate.Add(rate, slope1Part)

	excess := new(big.Rat).Sub(utilization, optimal)
	if excess.Sign() > 0 {
		oneMinus := new(big.Rat).Sub(big.NewRat(1, 1), optimal)
		if oneMinus.Sign() > 0 {
			slope2Part := new(big.Rat).Quo(excess, oneMinus)
			slope2Part.Mul(slope2Part, cloneRat(m.Slope2))
			rate.Add(rate, slope2Part)
		}
	}
	return rate
}

// RateBps converts an annualized rational rate to basis points, applying the
// tier multiplier.
func RateBps(rate *big.Rat, tierMultiplierBps uint64) uint64 {
	if rate == nil || rate.Sign() <= 0 {
		return 0
	}
	scaled := new(big.Rat).Mul(rate, new(big.Rat).SetUint64(tierMultiplierBps))
	out := new(big.Int).Quo(scaled.Num(), scaled.Denom())
	if !out.IsUint64() {
		return 0
	}
	return out.Uint64()
}

func cloneRat(r *big.Rat) *big.Rat {
	if r == nil {
		return new(big.Rat)
	}
	return new(big.Rat).Set(r)
}

// DefaultInterestModel carries a modest base rate with an 80% kink.
var DefaultInterestModel = NewInterestModelBps(200, 1_500, 6_000, 8_000)
