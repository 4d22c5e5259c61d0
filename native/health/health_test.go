package health

import (
	"math/big"
	"testing"
)

func usd(dollars int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(dollars), big.NewInt(1_000_000))
}

func TestFactorZeroDebtIsInfinite(t *testing.T) {
	factor, infinite := Factor(usd(1_000), big.NewInt(0), 6_500)
	if !infinite || factor != nil {
		t.Fatalf("expected infinite sentinel, got %v %v", factor, infinite)
	}
	assessment := Assess(usd(1_000), nil, 6_500)
	if !assessment.Infinite || assessment.Level != RiskSafe || assessment.Liquidatable {
		t.Fatalf("expected safe infinite assessment, got %+v", assessment)
	}
}

func TestFactorZeroCollateral(t *testing.T) {
	factor, infinite := Factor(big.NewInt(0), usd(500), 6_500)
	if infinite {
		t.Fatalf("debt-bearing position must not be infinite")
	}
	if factor.Sign() != 0 {
		t.Fatalf("expected zero factor, got %s", factor)
	}
}

func TestFactorArithmetic(t *testing.T) {
	// $2000 collateral, $500 debt, 65% threshold: 2000*0.65/500 = 2.6.
	factor, _ := Factor(usd(2_000), usd(500), 6_500)
	if factor.Cmp(big.NewRat(26, 10)) != 0 {
		t.Fatalf("expected factor 2.6, got %s", factor.FloatString(4))
	}

	// $2000 collateral, $1000 debt, 65% threshold: factor 1.3, safe.
	a := Assess(usd(2_000), usd(1_000), 6_500)
	if a.Factor.Cmp(big.NewRat(13, 10)) != 0 {
		t.Fatalf("expected factor 1.3, got %s", a.Factor.FloatString(4))
	}
	if a.Level != RiskSafe || a.Liquidatable {
		t.Fatalf("expected safe non-liquidatable position, got %+v", a)
	}
}

func TestAssessBreakpoints(t *testing.T) {
	// threshold 10000 bps makes the factor exactly collateral/debt.
	cases := []struct {
		name         string
		collateral   int64
		debt         int64
		level        RiskLevel
		liquidatable bool
	}{
		{"well collateralized", 260, 100, RiskSafe, false},
		{"exactly at safe floor", 120, 100, RiskSafe, false},
		{"just under safe floor", 119, 100, RiskWarning, false},
		{"exactly at warning floor", 105, 100, RiskWarning, false},
		{"just under warning floor", 104, 100, RiskDanger, false},
		{"just above critical", 96, 100, RiskDanger, false},
		{"exactly at critical", 95, 100, RiskCritical, true},
		{"under water", 80, 100, RiskCritical, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := Assess(usd(tc.collateral), usd(tc.debt), 10_000)
			if a.Level != tc.level {
				t.Fatalf("expected level %s, got %s", tc.level, a.Level)
			}
			if a.Liquidatable != tc.liquidatable {
				t.Fatalf("expected liquidatable=%v, got %v", tc.liquidatable, a.Liquidatable)
			}
		})
	}
}

func TestRequiredAdditionalCollateral(t *testing.T) {
	target := big.NewRat(3, 2)

	// $500 debt at 65% threshold needs 1.5*500/0.65 ~= $1153.847 of
	// collateral; the shortfall from $1000 rounds up.
	extra := RequiredAdditionalCollateral(usd(1_000), usd(500), 6_500, target)
	required := new(big.Int).Add(usd(1_000), extra)
	a := Assess(required, usd(500), 6_500)
	if a.Factor.Cmp(target) < 0 {
		t.Fatalf("topped-up position still below target: %s", a.Factor.FloatString(6))
	}
	// One unit less must fall short, proving the round-up is tight.
	under := new(big.Int).Sub(required, big.NewInt(1))
	if factor, _ := Factor(under, usd(500), 6_500); factor.Cmp(target) >= 0 {
		t.Fatalf("round-up not tight, %s still meets target", factor.FloatString(6))
	}

	if extra := RequiredAdditionalCollateral(usd(5_000), usd(500), 6_500, target); extra.Sign() != 0 {
		t.Fatalf("healthy position should need no top-up, got %s", extra)
	}
	if extra := RequiredAdditionalCollateral(usd(1_000), big.NewInt(0), 6_500, target); extra.Sign() != 0 {
		t.Fatalf("zero debt should need no top-up, got %s", extra)
	}
}
