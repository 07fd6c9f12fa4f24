package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/tradingctl/broker"
	"github.com/web3guy0/tradingctl/calendar"
	"github.com/web3guy0/tradingctl/config"
	"github.com/web3guy0/tradingctl/notify"
	"github.com/web3guy0/tradingctl/orchestrator"
	"github.com/web3guy0/tradingctl/storage"
)

const version = "v1.0"

func main() {
	// ═══════════════════════════════════════════════════════════════════
	// BOOTSTRAP
	// ═══════════════════════════════════════════════════════════════════

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Msgf("tradingctl %s starting", version)

	cfg := config.Load()
	if len(cfg.Watchlist) == 0 {
		log.Fatal().Msg("no symbols configured: set WATCHLIST and/or CRYPTO_WATCHLIST")
	}
	if cfg.AlpacaAPIKey == "" || cfg.AlpacaAPISecret == "" {
		log.Fatal().Msg("ALPACA_API_KEY / ALPACA_API_SECRET not set")
	}

	// ═══════════════════════════════════════════════════════════════════
	// LAYER 1: STORAGE
	// ═══════════════════════════════════════════════════════════════════

	store, err := storage.New(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer store.Close()
	log.Info().Str("dsn", cfg.DatabaseDSN).Msg("storage layer initialized")

	// ═══════════════════════════════════════════════════════════════════
	// LAYER 2: BROKER PORT
	// ═══════════════════════════════════════════════════════════════════

	paper := cfg.Mode != "live"
	var port broker.Port = broker.NewAlpacaAdapter(cfg.AlpacaAPIKey, cfg.AlpacaAPISecret, paper, cfg.DryRun)
	log.Info().Str("mode", cfg.Mode).Msg("broker adapter initialized")

	// ═══════════════════════════════════════════════════════════════════
	// LAYER 3: CALENDAR + NOTIFICATIONS
	// ═══════════════════════════════════════════════════════════════════

	cal := calendar.New()

	tg, err := notify.New(cfg.TelegramToken, cfg.TelegramChatID)
	if err != nil {
		log.Warn().Err(err).Msg("telegram notifications unavailable")
		tg = nil
	} else if tg != nil {
		log.Info().Msg("telegram notifications enabled")
	}

	// ═══════════════════════════════════════════════════════════════════
	// LAYER 4: ORCHESTRATOR
	// ═══════════════════════════════════════════════════════════════════

	orch := orchestrator.New(cfg, port, store, cal, tg, log.Logger)

	log.Info().
		Int("symbols", len(cfg.Watchlist)).
		Str("mode", cfg.Mode).
		Str("entry_type", cfg.EntryType).
		Str("total_cap", cfg.TotalUSDCap.String()).
		Msg("ready")

	// ═══════════════════════════════════════════════════════════════════
	// RUN
	// ═══════════════════════════════════════════════════════════════════

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		orch.Run(ctx)
		close(done)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Warn().Msg("shutdown signal received, waiting for in-flight tick to finish (open orders remain live on the broker)")
	cancel()
	<-done // Run finishes its current tick before returning; store.Close() below only runs after
	log.Info().Msg("shutdown complete")
}
