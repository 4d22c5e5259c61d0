package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"

	"credline/config"
	"credline/crypto"
	"credline/events"
	"credline/native/common"
	"credline/native/fund"
	"credline/native/identity"
	"credline/native/lending"
	"credline/native/liquidation"
	"credline/native/registry"
	"credline/native/score"
	"credline/observability/logging"
	"credline/observability/otel"
	"credline/rpc"
	"credline/state"
	"credline/storage"
)

const servicePassEnv = "CREDLINE_SERVICE_PASS"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	env := strings.TrimSpace(os.Getenv("CREDLINE_ENV"))
	logger := logging.Setup("credlined", env, logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	if strings.TrimSpace(cfg.OTLP.Endpoint) != "" {
		shutdown, err := otel.Init(context.Background(), otel.Config{
			ServiceName: "credlined",
			Environment: env,
			Endpoint:    cfg.OTLP.Endpoint,
			Insecure:    cfg.OTLP.Insecure,
			Traces:      true,
			Metrics:     true,
		})
		if err != nil {
			logger.Error("Failed to initialise telemetry", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			_ = shutdown(context.Background())
		}()
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	kv := state.NewKV(db)

	serviceKey, err := crypto.LoadFromKeystore(cfg.ServiceKeystorePath, os.Getenv(servicePassEnv))
	if err != nil {
		logger.Error("Failed to load service key", slog.Any("error", err))
		os.Exit(1)
	}
	serviceAddr := serviceKey.PubKey().Address()

	issuer, err := cfg.Issuer()
	if err != nil {
		// Single-operator deployments default the issuer to the node's
		// own service identity.
		issuer = serviceAddr
	}
	admin, err := cfg.Admin()
	if err != nil {
		admin = serviceAddr
	}
	raw := serviceAddr.Raw()
	poolAddr := crypto.MustNewAddress(crypto.VaultPrefix, raw[:])

	gate := registry.NewGate(serviceAddr)
	ledger := registry.NewLedger(kv, gate)
	identityMod := identity.NewModule(kv, issuer)
	oracle := score.NewStaticOracle()
	scoreEngine, err := score.NewEngine(cfg.Score, ledger, identityMod, oracle)
	if err != nil {
		logger.Error("Failed to construct scoring engine", slog.Any("error", err))
		os.Exit(1)
	}

	feed := lending.NewStaticFeed()
	feed.Publish(lending.AssetUSD, big.NewInt(1_000_000), 6)
	book := lending.NewBalanceBook()

	lendingEngine := lending.NewEngine(kv, ledger, scoreEngine, feed, book, cfg.Lending, serviceAddr, poolAddr)
	fundEngine := fund.NewEngine(kv, cfg.Fund)
	lendingEngine.SetFund(fundEngine)
	lendingEngine.SetAuctioneer(serviceAddr)

	auctioneer := liquidation.NewAuctioneer(kv, lendingEngine, scoreEngine, cfg.Liquidation, serviceAddr, admin)

	pauses := common.StaticPauses{}
	lendingEngine.SetPauses(pauses)
	auctioneer.SetPauses(pauses)

	emitter := &logEmitter{logger: logger}
	ledger.SetEmitter(emitter)
	identityMod.SetEmitter(emitter)
	lendingEngine.SetEmitter(emitter)
	fundEngine.SetEmitter(emitter)
	auctioneer.SetEmitter(emitter)

	server := rpc.NewServer(rpc.Deps{
		Score:      scoreEngine,
		Lending:    lendingEngine,
		Auctioneer: auctioneer,
		Fund:       fundEngine,
		Identity:   identityMod,
		Ledger:     ledger,
		JWTSecret:  []byte(strings.TrimSpace(cfg.JWTSecret)),
		Admin:      admin,
		RateRPS:    cfg.RateLimitRPS,
		RateBurst:  cfg.RateLimitBurst,
		Logger:     logger,
	})

	logger.Info("node initialised",
		"service", serviceAddr.String(),
		"issuer", issuer.String(),
		"rpc", cfg.RPCAddress,
	)

	if err := server.Start(cfg.RPCAddress); err != nil {
		logger.Error("RPC server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

// logEmitter forwards module events into the structured log stream.
type logEmitter struct {
	logger *slog.Logger
}

func (l *logEmitter) Emit(evt *events.Event) {
	if l == nil || l.logger == nil || evt == nil {
		return
	}
	args := make([]any, 0, len(evt.Attributes)*2)
	for key, value := range evt.Attributes {
		args = append(args, slog.String(key, value))
	}
	l.logger.Info(evt.Type, args...)
}
