package score

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
)

// Weights distributes the five factor contributions. Values are percentages
// and must sum to 100.
type Weights struct {
	Repayment     uint64 `toml:"Repayment"`
	Collateral    uint64 `toml:"Collateral"`
	Sybil         uint64 `toml:"Sybil"`
	External      uint64 `toml:"External"`
	Participation uint64 `toml:"Participation"`
}

// Sum returns the total weight mass.
func (w Weights) Sum() uint64 {
	return w.Repayment + w.Collateral + w.Sybil + w.External + w.Participation
}

// Named weight profiles selectable through configuration. The standard
// profile is canonical; the conservative profile shifts weight from
// repayment history toward collateral behaviour.
var (
	StandardWeights     = Weights{Repayment: 40, Collateral: 20, Sybil: 20, External: 10, Participation: 10}
	ConservativeWeights = Weights{Repayment: 35, Collateral: 30, Sybil: 20, External: 10, Participation: 5}
)

// WeightsForProfile resolves a profile name from configuration.
func WeightsForProfile(profile string) (Weights, error) {
	switch profile {
	case "", "standard":
		return StandardWeights, nil
	case "conservative":
		return ConservativeWeights, nil
	default:
		return Weights{}, fmt.Errorf("score: unknown weights profile %q", profile)
	}
}

// RatioBand maps a minimum average collateralization ratio (basis points) to
// a base collateral score.
type RatioBand struct {
	MinRatioBps uint64 `toml:"MinRatioBps"`
	Score       uint64 `toml:"Score"`
}

// CollateralParams shapes the S2 collateral utilization factor.
type CollateralParams struct {
	// Bands are evaluated highest ratio first; the first band at or below
	// the subject's average collateralization wins.
	Bands []RatioBand `toml:"bands"`
	// NoHistoryScore applies when the subject has never borrowed.
	NoHistoryScore uint64 `toml:"NoHistoryScore"`
	// MaxLeveragePenalty is the deduction applied when every loan was opened
	// at the tier's maximum leverage; partial fractions scale linearly.
	MaxLeveragePenalty uint64 `toml:"MaxLeveragePenalty"`
	// DiversityBonusPerAsset rewards each distinct collateral asset beyond
	// the first, capped at DiversityBonusCap.
	DiversityBonusPerAsset uint64 `toml:"DiversityBonusPerAsset"`
	DiversityBonusCap      uint64 `toml:"DiversityBonusCap"`
}

// AgeStep shrinks the wallet-age penalty once tenure passes MinAgeDays.
type AgeStep struct {
	MinAgeDays uint64 `toml:"MinAgeDays"`
	Penalty    int64  `toml:"Penalty"`
}

// StakeStep grants a bonus once the commitment reaches MinAmount.
type StakeStep struct {
	MinAmount *big.Int `toml:"MinAmount"`
	Bonus     int64    `toml:"Bonus"`
}

// SybilParams shapes the S3 sybil-resistance factor. The raw value is
// unbounded in both directions and normalized into [0,100] between
// NormalizeFloor and NormalizeCeiling before weighting.
type SybilParams struct {
	Baseline          int64 `toml:"Baseline"`
	VerifiedBonus     int64 `toml:"VerifiedBonus"`
	UnverifiedPenalty int64 `toml:"UnverifiedPenalty"`
	// Relief halves the unverified penalty for subjects with both long
	// tenure and a large stake. The penalty is reduced, never eliminated.
	ReliefTenureDays  uint64      `toml:"ReliefTenureDays"`
	ReliefStake       *big.Int    `toml:"ReliefStake"`
	AgeSteps          []AgeStep   `toml:"ageSteps"`
	StakeSteps        []StakeStep `toml:"stakeSteps"`
	ActivityThreshold uint64      `toml:"ActivityThreshold"`
	ActivityBonus     int64       `toml:"ActivityBonus"`
	NormalizeFloor    int64       `toml:"NormalizeFloor"`
	NormalizeCeiling  int64       `toml:"NormalizeCeiling"`
}

// ParticipationParams shapes the S5 governance participation factor.
type ParticipationParams struct {
	VoteWeight     uint64 `toml:"VoteWeight"`
	ProposalWeight uint64 `toml:"ProposalWeight"`
}

// TierParams binds a score range to borrowing terms. Ranges are on the
// internal 0-100 scale multiplied by ten (0-1000) so governance can express
// the canonical 0-599/600-739/740-799/800-1000 boundaries directly.
type TierParams struct {
	MinScore          uint64 `toml:"MinScore"`
	MaxScore          uint64 `toml:"MaxScore"`
	MaxLTVBps         uint64 `toml:"MaxLTVBps"`
	RateMultiplierBps uint64 `toml:"RateMultiplierBps"`
	GracePeriodSecs   uint64 `toml:"GracePeriodSecs"`
}

// Params is the full, governance-tunable scoring configuration.
type Params struct {
	WeightsProfile string                `toml:"WeightsProfile"`
	Collateral     CollateralParams      `toml:"collateral"`
	Sybil          SybilParams           `toml:"sybil"`
	Participation  ParticipationParams   `toml:"participation"`
	Tiers          map[string]TierParams `toml:"tiers"`
}

// Tier identifies a credit band.
type Tier uint8

const (
	TierBronze Tier = iota
	TierSilver
	TierGold
	TierPlatinum
)

func (t Tier) String() string {
	switch t {
	case TierBronze:
		return "bronze"
	case TierSilver:
		return "silver"
	case TierGold:
		return "gold"
	case TierPlatinum:
		return "platinum"
	default:
		return "unknown"
	}
}

var tierOrder = []Tier{TierBronze, TierSilver, TierGold, TierPlatinum}

var (
	// ErrInvalidScore marks scores outside the supported range.
	ErrInvalidScore = errors.New("score: score out of range")
	// ErrInvalidTier marks tier tables missing a required band.
	ErrInvalidTier = errors.New("score: tier not configured")
	// ErrInvalidLTV marks tier loan-to-value limits outside (0, 10000] bps.
	ErrInvalidLTV = errors.New("score: tier maxLTV out of range")
)

// DefaultParams returns the canonical parameterisation. Every value here is
// configuration, not algorithm: governance retunes the table without touching
// the scoring formula.
func DefaultParams() Params {
	return Params{
		WeightsProfile: "standard",
		Collateral: CollateralParams{
			Bands: []RatioBand{
				{MinRatioBps: 20_000, Score: 90},
				{MinRatioBps: 15_000, Score: 75},
				{MinRatioBps: 12_000, Score: 60},
				{MinRatioBps: 10_000, Score: 45},
				{MinRatioBps: 0, Score: 25},
			},
			NoHistoryScore:         50,
			MaxLeveragePenalty:     30,
			DiversityBonusPerAsset: 3,
			DiversityBonusCap:      10,
		},
		Sybil: SybilParams{
			Baseline:          50,
			VerifiedBonus:     40,
			UnverifiedPenalty: 40,
			ReliefTenureDays:  180,
			ReliefStake:       big.NewInt(10_000_000_000), // $10k in micro-USD
			AgeSteps: []AgeStep{
				{MinAgeDays: 0, Penalty: 25},
				{MinAgeDays: 7, Penalty: 15},
				{MinAgeDays: 30, Penalty: 8},
				{MinAgeDays: 90, Penalty: 3},
				{MinAgeDays: 365, Penalty: 0},
			},
			StakeSteps: []StakeStep{
				{MinAmount: big.NewInt(1_000_000_000), Bonus: 5},   // $1k
				{MinAmount: big.NewInt(10_000_000_000), Bonus: 10}, // $10k
				{MinAmount: big.NewInt(100_000_000_000), Bonus: 15},
			},
			ActivityThreshold: 10,
			ActivityBonus:     5,
			NormalizeFloor:    -50,
			NormalizeCeiling:  150,
		},
		Participation: ParticipationParams{VoteWeight: 2, ProposalWeight: 5},
		Tiers: map[string]TierParams{
			"bronze":   {MinScore: 0, MaxScore: 599, MaxLTVBps: 5_000, RateMultiplierBps: 15_000, GracePeriodSecs: 24 * 3600},
			"silver":   {MinScore: 600, MaxScore: 739, MaxLTVBps: 6_500, RateMultiplierBps: 12_000, GracePeriodSecs: 36 * 3600},
			"gold":     {MinScore: 740, MaxScore: 799, MaxLTVBps: 7_500, RateMultiplierBps: 10_000, GracePeriodSecs: 54 * 3600},
			"platinum": {MinScore: 800, MaxScore: 1000, MaxLTVBps: 9_000, RateMultiplierBps: 8_000, GracePeriodSecs: 72 * 3600},
		},
	}
}

// Validate checks structural requirements: weight profile resolvable, tier
// bands present, contiguous, and grace periods strictly increasing with
// tier.
func (p Params) Validate() error {
	if _, err := WeightsForProfile(p.WeightsProfile); err != nil {
		return err
	}
	if len(p.Collateral.Bands) == 0 {
		return errors.New("score: collateral bands required")
	}
	bands := append([]RatioBand(nil), p.Collateral.Bands...)
	sort.Slice(bands, func(i, j int) bool { return bands[i].MinRatioBps > bands[j].MinRatioBps })
	if bands[len(bands)-1].MinRatioBps != 0 {
		return errors.New("score: collateral bands must cover ratio zero")
	}
	var prev *TierParams
	for _, tier := range tierOrder {
		params, ok := p.Tiers[tier.String()]
		if !ok {
			return fmt.Errorf("%w: %s", ErrInvalidTier, tier)
		}
		if params.MaxScore < params.MinScore {
			return fmt.Errorf("score: tier %s range inverted", tier)
		}
		if params.MaxLTVBps == 0 || params.MaxLTVBps > 10_000 {
			return fmt.Errorf("%w: %s", ErrInvalidLTV, tier)
		}
		if prev != nil {
			if params.MinScore != prev.MaxScore+1 {
				return fmt.Errorf("score: tier %s band not contiguous", tier)
			}
			if params.GracePeriodSecs <= prev.GracePeriodSecs {
				return fmt.Errorf("score: tier %s grace period must exceed lower tiers", tier)
			}
		}
		paramsCopy := params
		prev = &paramsCopy
	}
	return nil
}

// TierFor maps a banded score (0-1000 scale) to its tier parameters.
func (p Params) TierFor(banded uint64) (Tier, TierParams, error) {
	if banded > 1000 {
		return TierBronze, TierParams{}, ErrInvalidScore
	}
	for _, tier := range tierOrder {
		params, ok := p.Tiers[tier.String()]
		if !ok {
			return TierBronze, TierParams{}, ErrInvalidTier
		}
		if banded >= params.MinScore && banded <= params.MaxScore {
			return tier, params, nil
		}
	}
	return TierBronze, TierParams{}, ErrInvalidScore
}
