package lending

import (
	"math/big"
	"testing"
)

func TestUtilization(t *testing.T) {
	model := DefaultInterestModel
	if u := model.Utilization(big.NewInt(0), big.NewInt(1_000)); u.Sign() != 0 {
		t.Fatalf("expected zero utilization, got %s", u)
	}
	if u := model.Utilization(big.NewInt(500), big.NewInt(0)); u.Sign() != 0 {
		t.Fatalf("empty pool must report zero utilization, got %s", u)
	}
	if u := model.Utilization(big.NewInt(400), big.NewInt(1_000)); u.Cmp(big.NewRat(2, 5)) != 0 {
		t.Fatalf("expected utilization 0.4, got %s", u)
	}
}

func TestBorrowAPRKinkedCurve(t *testing.T) {
	model := DefaultInterestModel
	supplied := big.NewInt(1_000)
	cases := []struct {
		name     string
		borrowed int64
		wantBps  uint64
	}{
		{"idle pool pays base rate", 0, 200},
		{"below the kink", 400, 950},
		{"exactly at the kink", 800, 1_700},
		{"beyond the kink", 900, 4_700},
		{"fully drawn", 1_000, 7_700},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rate := model.BorrowAPR(big.NewInt(tc.borrowed), supplied)
			if got := RateBps(rate, 10_000); got != tc.wantBps {
				t.Fatalf("expected %d bps, got %d", tc.wantBps, got)
			}
		})
	}
}

func TestRateBpsTierMultiplier(t *testing.T) {
	rate := DefaultInterestModel.BorrowAPR(big.NewInt(400), big.NewInt(1_000))
	if got := RateBps(rate, 12_000); got != 1_140 {
		t.Fatalf("expected 1140 bps at 1.2x, got %d", got)
	}
	if got := RateBps(rate, 8_000); got != 760 {
		t.Fatalf("expected 760 bps at 0.8x, got %d", got)
	}
	if got := RateBps(nil, 10_000); got != 0 {
		t.Fatalf("nil rate must yield zero, got %d", got)
	}
}
