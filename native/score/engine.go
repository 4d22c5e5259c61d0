package score

import (
	"errors"
	"math/big"
	"time"

	"credline/crypto"
	"credline/native/identity"
	"credline/native/registry"
)

// CountersSource supplies the per-subject running aggregates. The engine
// never sees raw loan lists; everything it needs is pre-folded into the
// counters, which keeps a score computation constant-time no matter how much
// history a subject has.
type CountersSource interface {
	Aggregates(subject crypto.Address) (*registry.AggregateCounters, error)
}

// IdentitySource supplies proof, stake and activity state.
type IdentitySource interface {
	Proof(subject crypto.Address) (*identity.Proof, bool, error)
	Commitment(subject crypto.Address) (*identity.StakeCommitment, error)
	Activity(subject crypto.Address) (*identity.ActivityCounters, error)
}

// Oracle supplies the externally aggregated cross-tier reputation value
// (0-100). The engine trusts it as given, clamped.
type Oracle interface {
	ExternalScore(subject crypto.Address) (uint64, bool, error)
}

// Breakdown is the full scoring result served to callers.
type Breakdown struct {
	Repayment     uint64 `json:"repayment"`
	Collateral    uint64 `json:"collateral"`
	Sybil         uint64 `json:"sybil"`
	External      uint64 `json:"external"`
	Participation uint64 `json:"participation"`
	// Overall is the weighted composite on the internal 0-100 scale.
	Overall uint64 `json:"overall"`
	// Banded projects Overall onto the 0-1000 tier boundary scale.
	Banded uint64 `json:"banded"`
	// Fico projects Overall onto the familiar 300-850 presentation band.
	Fico       uint64     `json:"fico"`
	Tier       Tier       `json:"-"`
	TierName   string     `json:"tier"`
	TierParams TierParams `json:"-"`
}

// Engine derives composite credit scores from ledger aggregates.
type Engine struct {
	params   Params
	weights  Weights
	counters CountersSource
	ident    IdentitySource
	oracle   Oracle
	nowFn    func() int64
}

// NewEngine constructs a scoring engine. oracle may be nil; the external
// factor then falls back to its neutral value.
func NewEngine(params Params, counters CountersSource, ident IdentitySource, oracle Oracle) (*Engine, error) {
	if counters == nil || ident == nil {
		return nil, errors.New("score: counters and identity sources required")
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	weights, err := WeightsForProfile(params.WeightsProfile)
	if err != nil {
		return nil, err
	}
	return &Engine{
		params:   params,
		weights:  weights,
		counters: counters,
		ident:    ident,
		oracle:   oracle,
		nowFn:    func() int64 { return time.Now().Unix() },
	}, nil
}

// SetNowFunc overrides the wall clock used for tenure computations.
func (e *Engine) SetNowFunc(now func() int64) {
	if e == nil {
		return
	}
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// Params exposes the active configuration.
func (e *Engine) Params() Params { return e.params }

// ComputeScore derives the composite score for a subject. Reads the
// aggregate counters, proof, stake and activity records only; cost does not
// grow with loan count.
func (e *Engine) ComputeScore(subject crypto.Address) (*Breakdown, error) {
	if e == nil {
		return nil, errors.New("score: engine not configured")
	}
	agg, err := e.counters.Aggregates(subject)
	if err != nil {
		return nil, err
	}
	_, verified, err := e.ident.Proof(subject)
	if err != nil {
		return nil, err
	}
	commitment, err := e.ident.Commitment(subject)
	if err != nil {
		return nil, err
	}
	activity, err := e.ident.Activity(subject)
	if err != nil {
		return nil, err
	}

	s1 := repaymentFactor(agg)
	s2 := e.collateralFactor(agg)
	s3 := e.sybilFactor(verified, commitment, activity)
	s4 := e.externalFactor(subject)
	s5 := e.participationFactor(activity)

	w := e.weights
	overall := (s1*w.Repayment + s2*w.Collateral + s3*w.Sybil + s4*w.External + s5*w.Participation) / 100

	banded := overall * 10
	tier, tierParams, err := e.params.TierFor(banded)
	if err != nil {
		return nil, err
	}

	return &Breakdown{
		Repayment:     s1,
		Collateral:    s2,
		Sybil:         s3,
		External:      s4,
		Participation: s5,
		Overall:       overall,
		Banded:        banded,
		Fico:          300 + overall*550/100,
		Tier:          tier,
		TierName:      tier.String(),
		TierParams:    tierParams,
	}, nil
}

// Tier resolves the tier for an already-computed banded score.
func (e *Engine) Tier(banded uint64) (Tier, TierParams, error) {
	return e.params.TierFor(banded)
}

// repaymentFactor is S1: repaid/total*100 minus 20 points per liquidation,
// clamped. A subject with no loans gets the neutral 50.
func repaymentFactor(agg *registry.AggregateCounters) uint64 {
	if agg == nil || agg.TotalLoans == 0 {
		return 50
	}
	raw := int64(agg.RepaidLoans*100/agg.TotalLoans) - int64(agg.LiquidatedLoans*20)
	return clamp(raw)
}

// collateralFactor is S2: banded base from the average collateralization
// ratio, minus a penalty scaled by the max-leverage loan fraction, plus a
// capped diversity bonus.
func (e *Engine) collateralFactor(agg *registry.AggregateCounters) uint64 {
	cfg := e.params.Collateral
	if agg == nil || agg.TotalLoans == 0 || agg.TotalBorrowedValue == nil || agg.TotalBorrowedValue.Sign() == 0 {
		return cfg.NoHistoryScore
	}

	ratioBps := new(big.Int).Mul(agg.TotalCollateralValue, big.NewInt(10_000))
	ratioBps.Quo(ratioBps, agg.TotalBorrowedValue)

	raw := int64(cfg.Bands[len(cfg.Bands)-1].Score)
	best := uint64(0)
	for _, band := range cfg.Bands {
		if ratioBps.Cmp(new(big.Int).SetUint64(band.MinRatioBps)) >= 0 && band.MinRatioBps >= best {
			raw = int64(band.Score)
			best = band.MinRatioBps
		}
	}

	// Penalty scales with the fraction of loans opened at maximum leverage.
	raw -= int64(cfg.MaxLeveragePenalty * agg.MaxLeverageLoans / agg.TotalLoans)

	if assets := uint64(len(agg.CollateralAssets)); assets > 1 {
		bonus := (assets - 1) * cfg.DiversityBonusPerAsset
		if bonus > cfg.DiversityBonusCap {
			bonus = cfg.DiversityBonusCap
		}
		raw += int64(bonus)
	}
	return clamp(raw)
}

// sybilFactor is S3. The raw value is unbounded and normalized into [0,100]
// between the configured floor and ceiling.
func (e *Engine) sybilFactor(verified bool, commitment *identity.StakeCommitment, activity *identity.ActivityCounters) uint64 {
	cfg := e.params.Sybil
	now := e.nowFn()

	var tenureDays uint64
	if activity != nil && activity.FirstSeen > 0 && now > int64(activity.FirstSeen) {
		tenureDays = uint64(now-int64(activity.FirstSeen)) / 86_400
	}
	var stake *big.Int
	if commitment != nil && commitment.Amount != nil {
		stake = commitment.Amount
	} else {
		stake = big.NewInt(0)
	}

	raw := cfg.Baseline
	if verified {
		raw += cfg.VerifiedBonus
	} else {
		penalty := cfg.UnverifiedPenalty
		if tenureDays >= cfg.ReliefTenureDays && cfg.ReliefStake != nil && stake.Cmp(cfg.ReliefStake) >= 0 {
			penalty = penalty / 2
			if penalty == 0 && cfg.UnverifiedPenalty > 0 {
				penalty = 1
			}
		}
		raw -= penalty
	}

	// Wallet-age penalty shrinks in discrete steps as tenure grows.
	agePenalty := int64(0)
	for _, step := range cfg.AgeSteps {
		if tenureDays >= step.MinAgeDays {
			agePenalty = step.Penalty
		}
	}
	raw -= agePenalty

	for _, step := range cfg.StakeSteps {
		if step.MinAmount != nil && stake.Cmp(step.MinAmount) >= 0 {
			raw += step.Bonus
		}
	}

	if activity != nil && activity.Votes+activity.Proposals >= cfg.ActivityThreshold {
		raw += cfg.ActivityBonus
	}

	return normalize(raw, cfg.NormalizeFloor, cfg.NormalizeCeiling)
}

// externalFactor is S4: oracle passthrough, clamped; neutral when absent.
func (e *Engine) externalFactor(subject crypto.Address) uint64 {
	if e.oracle == nil {
		return 50
	}
	value, ok, err := e.oracle.ExternalScore(subject)
	if err != nil || !ok {
		return 50
	}
	if value > 100 {
		return 100
	}
	return value
}

// participationFactor is S5: weighted governance counts, clamped.
func (e *Engine) participationFactor(activity *identity.ActivityCounters) uint64 {
	if activity == nil {
		return 0
	}
	cfg := e.params.Participation
	raw := activity.Votes*cfg.VoteWeight + activity.Proposals*cfg.ProposalWeight
	if raw > 100 {
		return 100
	}
	return raw
}

func clamp(v int64) uint64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return uint64(v)
}

// normalize maps raw linearly from [floor,ceiling] onto [0,100], clamping
// outside the range.
func normalize(raw, floor, ceiling int64) uint64 {
	if ceiling <= floor {
		return clamp(raw)
	}
	if raw <= floor {
		return 0
	}
	if raw >= ceiling {
		return 100
	}
	return uint64((raw - floor) * 100 / (ceiling - floor))
}
