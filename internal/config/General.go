package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// AppConfig holds all application configuration loaded from environment variables.
// These are populated at startup by the LoadConfig function.
var (
	// Asset0Symbol and Asset1Symbol are the two managed token symbols.
	Asset0Symbol string
	Asset1Symbol string
	// ShareSymbol is the synthetic symbol under which pool shares are
	// tracked in the balance ledger.
	ShareSymbol string

	// Asset0Decimals and Asset1Decimals are display precisions.
	Asset0Decimals int
	Asset1Decimals int

	// UnitAccount is the account this unit controls on both token ledgers.
	UnitAccount string
	// TreasuryAccount is the governing treasury's account.
	TreasuryAccount string
	// PoolAccount is the exchange pool's deposit account.
	PoolAccount string

	// Ledger0URL and Ledger1URL are the base URLs of the token-transfer
	// ledger services backing asset0 and asset1.
	Ledger0URL string
	Ledger1URL string
	// DexURL is the base URL of the exchange pool service.
	DexURL string

	// GovernanceToken is the bearer token required on mutating API calls.
	GovernanceToken string

	// MaxStepAttempts bounds retries of a step with an indeterminate outcome.
	MaxStepAttempts int
	// StepTimeout bounds a single external call attempt.
	StepTimeout time.Duration

	// DefaultMaxSlippageBps applies when a request carries no tolerance.
	DefaultMaxSlippageBps uint64
	// RebalanceThresholdBps is the dead band around the rebalance target.
	RebalanceThresholdBps uint64

	// ReconcileInterval is the cadence of the reconciliation guard.
	ReconcileInterval time.Duration
	// DriftToleranceBps widens the reconciliation tolerance beyond
	// in-flight amounts.
	DriftToleranceBps uint64
)

// LoadConfig loads configuration from environment variables and sets the global config vars.
// All environment variables are required and must be set.
func LoadConfig() error {
	log.Info().Msg("Loading application configuration from environment variables...")

	var err error

	Asset0Symbol, err = getEnv("PFM_ASSET0_SYMBOL")
	if err != nil {
		return err
	}

	Asset1Symbol, err = getEnv("PFM_ASSET1_SYMBOL")
	if err != nil {
		return err
	}

	ShareSymbol, err = getEnv("PFM_SHARE_SYMBOL")
	if err != nil {
		return err
	}

	Asset0Decimals, err = getEnvAsInt("PFM_ASSET0_DECIMALS")
	if err != nil {
		return err
	}

	Asset1Decimals, err = getEnvAsInt("PFM_ASSET1_DECIMALS")
	if err != nil {
		return err
	}

	UnitAccount, err = getEnv("PFM_UNIT_ACCOUNT")
	if err != nil {
		return err
	}

	TreasuryAccount, err = getEnv("PFM_TREASURY_ACCOUNT")
	if err != nil {
		return err
	}

	PoolAccount, err = getEnv("PFM_POOL_ACCOUNT")
	if err != nil {
		return err
	}

	Ledger0URL, err = getEnv("PFM_LEDGER0_URL")
	if err != nil {
		return err
	}

	Ledger1URL, err = getEnv("PFM_LEDGER1_URL")
	if err != nil {
		return err
	}

	DexURL, err = getEnv("PFM_DEX_URL")
	if err != nil {
		return err
	}

	GovernanceToken, err = getEnv("PFM_GOVERNANCE_TOKEN")
	if err != nil {
		return err
	}

	MaxStepAttempts, err = getEnvAsInt("PFM_MAX_STEP_ATTEMPTS")
	if err != nil {
		return err
	}
	if MaxStepAttempts < 1 {
		return errors.New("PFM_MAX_STEP_ATTEMPTS must be at least 1")
	}

	StepTimeout, err = getEnvAsDuration("PFM_STEP_TIMEOUT")
	if err != nil {
		return err
	}

	DefaultMaxSlippageBps, err = getEnvAsBps("PFM_DEFAULT_MAX_SLIPPAGE_BPS")
	if err != nil {
		return err
	}

	RebalanceThresholdBps, err = getEnvAsBps("PFM_REBALANCE_THRESHOLD_BPS")
	if err != nil {
		return err
	}

	ReconcileInterval, err = getEnvAsDuration("PFM_RECONCILE_INTERVAL")
	if err != nil {
		return err
	}

	DriftToleranceBps, err = getEnvAsBps("PFM_DRIFT_TOLERANCE_BPS")
	if err != nil {
		return err
	}

	log.Debug().
		Str("Asset0", Asset0Symbol).
		Str("Asset1", Asset1Symbol).
		Str("UnitAccount", UnitAccount).
		Msg("Configuration loaded successfully.")

	return nil
}

// getEnv retrieves a string environment variable. Returns error if not set.
func getEnv(key string) (string, error) {
	if value, exists := os.LookupEnv(key); exists {
		return value, nil
	}
	return "", errors.New("environment variable " + key + " is required but not set")
}

// getEnvAsUint64 retrieves an environment variable as a uint64. Returns error if not set or invalid.
func getEnvAsUint64(key string) (uint64, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseUint(valueStr, 10, 64)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid uint64, got: " + valueStr)
	}
	return value, nil
}

// getEnvAsBps retrieves a basis-point environment variable, bounded to
// 0..10000 so downstream uint32 conversions cannot truncate.
func getEnvAsBps(key string) (uint64, error) {
	value, err := getEnvAsUint64(key)
	if err != nil {
		return 0, err
	}
	if value > 10_000 {
		return 0, errors.New("environment variable " + key + " must be at most 10000 basis points, got: " + strconv.FormatUint(value, 10))
	}
	return value, nil
}

// getEnvAsInt retrieves an environment variable as an int. Returns error if not set or invalid.
func getEnvAsInt(key string) (int, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid integer, got: " + valueStr)
	}
	return value, nil
}

// getEnvAsDuration retrieves an environment variable as a time.Duration. Returns error if not set or invalid.
func getEnvAsDuration(key string) (time.Duration, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid duration, got: " + valueStr)
	}
	return value, nil
}
