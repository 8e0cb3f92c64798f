package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/meridian-fi/pfm/internal/config"
	"github.com/meridian-fi/pfm/internal/dex"
	"github.com/meridian-fi/pfm/internal/engine"
	"github.com/meridian-fi/pfm/internal/journal"
	"github.com/meridian-fi/pfm/internal/ledger"
	"github.com/meridian-fi/pfm/internal/logger"
	"github.com/meridian-fi/pfm/internal/reconciler"
	"github.com/meridian-fi/pfm/internal/state"
	"github.com/meridian-fi/pfm/internal/tokenledger"
	"github.com/meridian-fi/pfm/internal/web"
)

// main is the entry point for the PFM system.
func main() {
	// --- 1. Initialization Phase ---
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("Warning: .env file not found. Relying on OS environment variables.")
	}

	// Load configuration from environment variables
	if err := config.LoadConfig(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.Initialize(os.Getenv("LOG_LEVEL"))
	log.Info().Msg("PFM Pool Fund Manager Starting...")

	// --- 2. Store Initialization (with Safety Switch) ---
	// Live mode persists the journal and balance ledger in PostgreSQL so
	// an interrupted operation resumes after restart. Any other mode runs
	// fully in memory and is only suitable for local simulation.
	var (
		opJournal    journal.Journal
		balanceStore ledger.BalanceStore
		reportStore  reconciler.ReportStore
		healthFn     web.HealthChecker
	)

	pfmMode := os.Getenv("PFM_MODE")
	if pfmMode == "live" {
		log.Warn().Msg("Initializing PFM in LIVE mode. Real fund transfers will be issued.")

		dbCfg := state.DBConfig{
			Host: os.Getenv("DB_HOST"), Port: mustAtoi(os.Getenv("DB_PORT"), 5432),
			User: os.Getenv("DB_USER"), Password: os.Getenv("DB_PASSWORD"),
			DBName: os.Getenv("DB_NAME"), SSLMode: os.Getenv("DB_SSLMODE"),
		}
		if err := state.InitDB(dbCfg); err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize database")
		}
		defer state.CloseDB()
		if err := state.EnsureSchema(); err != nil {
			log.Fatal().Err(err).Msg("Failed to ensure database schema")
		}

		var err error
		if opJournal, err = state.NewOperationJournal(); err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize operation journal")
		}
		if balanceStore, err = state.NewBalanceStore(); err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize balance store")
		}
		if reportStore, err = state.NewDriftStore(); err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize drift store")
		}
		healthFn = state.TestDBConnection
	} else {
		log.Warn().Msg("PFM_MODE is not 'live'. Running in simulation mode with in-memory stores; nothing survives a restart.")
		opJournal = journal.NewMemoryJournal()
		balanceStore = ledger.NewMemoryBalanceStore()
		reportStore = reconciler.NewMemoryReportStore()
	}

	// --- 3. External Service Clients ---
	ledger0, err := tokenledger.NewHTTPClient(config.Ledger0URL, config.Asset0Symbol, config.StepTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize asset0 ledger client")
	}
	ledger1, err := tokenledger.NewHTTPClient(config.Ledger1URL, config.Asset1Symbol, config.StepTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize asset1 ledger client")
	}
	pool, err := dex.NewHTTPClient(config.DexURL, config.StepTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize pool client")
	}

	// --- 4. Core Components with Dependency Injection ---
	balanceLedger, err := ledger.New(balanceStore,
		[]string{config.Asset0Symbol, config.Asset1Symbol, config.ShareSymbol})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize balance ledger")
	}

	eng, err := engine.New(engine.Config{
		Journal: opJournal,
		Ledger:  balanceLedger,
		Ledger0: ledger0,
		Ledger1: ledger1,
		Pool:    pool,

		Asset0:     config.Asset0Symbol,
		Asset1:     config.Asset1Symbol,
		ShareAsset: config.ShareSymbol,

		UnitAccount:     config.UnitAccount,
		TreasuryAccount: config.TreasuryAccount,
		PoolAccount:     config.PoolAccount,

		MaxStepAttempts:       config.MaxStepAttempts,
		RebalanceThresholdBps: uint32(config.RebalanceThresholdBps),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create engine")
	}

	rec, err := reconciler.New(reconciler.Config{
		Ledger:  balanceLedger,
		Ledger0: ledger0,
		Ledger1: ledger1,
		Pool:    pool,
		Store:   reportStore,

		Asset0:     config.Asset0Symbol,
		Asset1:     config.Asset1Symbol,
		ShareAsset: config.ShareSymbol,

		UnitAccount:       config.UnitAccount,
		Interval:          config.ReconcileInterval,
		DriftToleranceBps: uint32(config.DriftToleranceBps),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create reconciler")
	}

	// --- 5. Start Web Server ---
	webPort := os.Getenv("WEB_PORT")
	if webPort == "" {
		webPort = "8080"
	}

	webServer := web.NewWebServer(webPort, eng, opJournal, balanceLedger, rec, config.GovernanceToken, healthFn)
	go func() {
		log.Info().Str("port", webPort).Str("url", "http://localhost:"+webPort).Msg("Starting PFM API server")
		if err := webServer.Start(); err != nil {
			log.Error().Err(err).Msg("Web server failed to start")
		}
	}()

	// --- 6. Run ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
	}()

	go rec.Run(ctx)

	log.Info().Msg("Starting engine loop")
	eng.Run(ctx)

	// Give in-flight log writes a moment before the process exits.
	time.Sleep(100 * time.Millisecond)
}

// Helper to convert string to int with a default value
func mustAtoi(s string, defaultValue int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return i
}
