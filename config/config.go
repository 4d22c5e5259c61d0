package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"credline/crypto"
	"credline/native/fund"
	"credline/native/lending"
	"credline/native/liquidation"
	"credline/native/score"

	"github.com/BurntSushi/toml"
)

// Log configures structured logging output.
type Log struct {
	Level      string `toml:"Level"`
	Format     string `toml:"Format"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// OTLP configures the trace exporter. An empty endpoint disables export.
type OTLP struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
}

type Config struct {
	RPCAddress          string  `toml:"RPCAddress"`
	DataDir             string  `toml:"DataDir"`
	ServiceKeystorePath string  `toml:"ServiceKeystorePath"`
	IssuerAddress       string  `toml:"IssuerAddress"`
	AdminAddress        string  `toml:"AdminAddress"`
	JWTSecret           string  `toml:"JWTSecret"`
	RateLimitRPS        float64 `toml:"RateLimitRPS"`
	RateLimitBurst      int     `toml:"RateLimitBurst"`

	Log         Log                `toml:"log"`
	OTLP        OTLP               `toml:"otlp"`
	Score       score.Params       `toml:"score"`
	Lending     lending.Config     `toml:"lending"`
	Liquidation liquidation.Config `toml:"liquidation"`
	Fund        fund.Config        `toml:"fund"`
}

// Load loads the configuration from the given path, creating a default file
// (and a fresh service key) on first run.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	if err := ensureKeystore(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)

	if err := cfg.Score.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Issuer decodes the configured identity proof issuer address.
func (c *Config) Issuer() (crypto.Address, error) {
	return decodeAddress("IssuerAddress", c.IssuerAddress)
}

// Admin decodes the configured operations admin address.
func (c *Config) Admin() (crypto.Address, error) {
	return decodeAddress("AdminAddress", c.AdminAddress)
}

func decodeAddress(field, value string) (crypto.Address, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return crypto.Address{}, fmt.Errorf("config: %s not set", field)
	}
	addr, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("config: %s: %w", field, err)
	}
	return addr, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8545"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./credline-data"
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 50
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 100
	}
	if strings.TrimSpace(cfg.Log.Level) == "" {
		cfg.Log.Level = "info"
	}
	if strings.TrimSpace(cfg.Log.Format) == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Score.Tiers == nil {
		cfg.Score = score.DefaultParams()
	}
	if cfg.Lending.LiquidationThresholdBps == 0 {
		cfg.Lending = lending.DefaultConfig()
	}
	if cfg.Liquidation.MaxDiscountBps == 0 {
		cfg.Liquidation = liquidation.DefaultConfig()
	}
	if cfg.Fund.MaxCoverageBps == 0 {
		cfg.Fund = fund.DefaultConfig()
	}
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.ServiceKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.ServiceKeystorePath != keystorePath {
		cfg.ServiceKeystorePath = keystorePath
		return persist(configPath, cfg)
	}

	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		return nil, err
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}

	cfg := &Config{
		RPCAddress:          ":8545",
		DataDir:             "./credline-data",
		ServiceKeystorePath: keystorePath,
		JWTSecret:           hex.EncodeToString(secret),
		RateLimitRPS:        50,
		RateLimitBurst:      100,
		Log: Log{
			Level:  "info",
			Format: "json",
		},
		Score:       score.DefaultParams(),
		Lending:     lending.DefaultConfig(),
		Liquidation: liquidation.DefaultConfig(),
		Fund:        fund.DefaultConfig(),
	}

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "service.keystore")
}
