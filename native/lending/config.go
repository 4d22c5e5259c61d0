package lending

// InterestConfig parameterises the kinked borrow-rate curve in basis points.
type InterestConfig struct {
	BaseRateBps uint64 `toml:"BaseRateBps"`
	Slope1Bps   uint64 `toml:"Slope1Bps"`
	Slope2Bps   uint64 `toml:"Slope2Bps"`
	OptimalBps  uint64 `toml:"OptimalBps"`
}

// Config captures the runtime configuration for the lending module.
type Config struct {
	// LiquidationThresholdBps is the risk haircut applied to collateral when
	// computing health factors.
	LiquidationThresholdBps uint64 `toml:"LiquidationThresholdBps"`
	// MaxPriceAgeSecs bounds feed staleness; older quotes hard-fail.
	MaxPriceAgeSecs uint64         `toml:"MaxPriceAgeSecs"`
	Interest        InterestConfig `toml:"interest"`
}

// DefaultConfig returns the canonical lending parameterisation.
func DefaultConfig() Config {
	return Config{
		LiquidationThresholdBps: 6_500,
		MaxPriceAgeSecs:         300,
		Interest: InterestConfig{
			BaseRateBps: 200,
			Slope1Bps:   1_500,
			Slope2Bps:   6_000,
			OptimalBps:  8_000,
		},
	}
}
