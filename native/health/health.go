// Package health classifies position risk from collateral valuation and
// outstanding debt. All functions are pure; callers supply point-in-time
// valuations.
package health

import "math/big"

// RiskLevel buckets a health factor into operator-facing severity bands.
type RiskLevel uint8

const (
	RiskSafe RiskLevel = iota
	RiskWarning
	RiskDanger
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskSafe:
		return "safe"
	case RiskWarning:
		return "warning"
	case RiskDanger:
		return "danger"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Fixed risk breakpoints: Safe >= 1.20, Warning [1.05,1.20), Danger
// (0.95,1.05], Critical <= 0.95.
var (
	safeFloor    = big.NewRat(120, 100)
	warningFloor = big.NewRat(105, 100)
	dangerFloor  = big.NewRat(95, 100)
)

// Assessment is the result of evaluating a position.
type Assessment struct {
	// Factor is nil when the position carries no debt (the "infinite"
	// sentinel).
	Factor       *big.Rat
	Infinite     bool
	Level        RiskLevel
	Liquidatable bool
}

// Factor computes collateralValue * threshold / debt. Zero debt yields the
// infinite sentinel (nil, true); zero collateral with debt yields 0/1.
func Factor(collateralValue, debt *big.Int, liquidationThresholdBps uint64) (*big.Rat, bool) {
	if debt == nil || debt.Sign() == 0 {
		return nil, true
	}
	if collateralValue == nil || collateralValue.Sign() == 0 {
		return new(big.Rat), false
	}
	adjusted := new(big.Int).Mul(collateralValue, new(big.Int).SetUint64(liquidationThresholdBps))
	den := new(big.Int).Mul(debt, big.NewInt(10_000))
	return new(big.Rat).SetFrac(adjusted, den), false
}

// Assess computes the health factor and classifies it. A position is
// liquidatable when the factor is at or below the critical breakpoint.
func Assess(collateralValue, debt *big.Int, liquidationThresholdBps uint64) Assessment {
	factor, infinite := Factor(collateralValue, debt, liquidationThresholdBps)
	if infinite {
		return Assessment{Infinite: true, Level: RiskSafe}
	}
	a := Assessment{Factor: factor}
	switch {
	case factor.Cmp(safeFloor) >= 0:
		a.Level = RiskSafe
	case factor.Cmp(warningFloor) >= 0:
		a.Level = RiskWarning
	case factor.Cmp(dangerFloor) > 0:
		a.Level = RiskDanger
	default:
		a.Level = RiskCritical
		a.Liquidatable = true
	}
	return a
}

// RequiredAdditionalCollateral returns the extra collateral value needed to
// lift the position to the target health factor, or zero when the position
// is already at or above it. target is expressed as a rational, e.g. 3/2
// for a 1.5 health factor.
func RequiredAdditionalCollateral(collateralValue, debt *big.Int, liquidationThresholdBps uint64, target *big.Rat) *big.Int {
	if debt == nil || debt.Sign() == 0 || target == nil || target.Sign() <= 0 || liquidationThresholdBps == 0 {
		return big.NewInt(0)
	}
	if collateralValue == nil {
		collateralValue = big.NewInt(0)
	}
	// required = target * debt * 10000 / thresholdBps, rounded up.
	num := new(big.Int).Mul(debt, target.Num())
	num.Mul(num, big.NewInt(10_000))
	den := new(big.Int).Mul(target.Denom(), new(big.Int).SetUint64(liquidationThresholdBps))
	required := new(big.Int).Add(num, new(big.Int).Sub(den, big.NewInt(1)))
	required.Quo(required, den)

	extra := new(big.Int).Sub(required, collateralValue)
	if extra.Sign() < 0 {
		return big.NewInt(0)
	}
	return extra
}
