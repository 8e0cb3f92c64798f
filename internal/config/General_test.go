package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// setRequiredEnv populates every required variable with a valid value so
// individual tests can override just the one under scrutiny.
func setRequiredEnv(t *testing.T) {
	t.Helper()
	for key, value := range map[string]string{
		"PFM_ASSET0_SYMBOL":            "TOKA",
		"PFM_ASSET1_SYMBOL":            "TOKB",
		"PFM_SHARE_SYMBOL":             "POOLSHARE",
		"PFM_ASSET0_DECIMALS":          "6",
		"PFM_ASSET1_DECIMALS":          "6",
		"PFM_UNIT_ACCOUNT":             "unit-1",
		"PFM_TREASURY_ACCOUNT":         "treasury-1",
		"PFM_POOL_ACCOUNT":             "pool-1",
		"PFM_LEDGER0_URL":              "http://localhost:9101",
		"PFM_LEDGER1_URL":              "http://localhost:9102",
		"PFM_DEX_URL":                  "http://localhost:9103",
		"PFM_GOVERNANCE_TOKEN":         "secret",
		"PFM_MAX_STEP_ATTEMPTS":        "3",
		"PFM_STEP_TIMEOUT":             "5s",
		"PFM_DEFAULT_MAX_SLIPPAGE_BPS": "100",
		"PFM_REBALANCE_THRESHOLD_BPS":  "50",
		"PFM_RECONCILE_INTERVAL":       "5m",
		"PFM_DRIFT_TOLERANCE_BPS":      "10",
	} {
		t.Setenv(key, value)
	}
}

func TestLoadConfigAcceptsBoundaryBps(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PFM_DEFAULT_MAX_SLIPPAGE_BPS", "10000")

	require.NoError(t, LoadConfig())
	require.Equal(t, uint64(10000), DefaultMaxSlippageBps)
}

func TestLoadConfigRejectsOutOfRangeBps(t *testing.T) {
	// Values beyond 10000 bps would silently truncate when narrowed to
	// uint32 tolerances downstream, so loading must refuse them.
	setRequiredEnv(t)
	t.Setenv("PFM_DEFAULT_MAX_SLIPPAGE_BPS", "10001")
	err := LoadConfig()
	require.Error(t, err)
	require.Contains(t, err.Error(), "PFM_DEFAULT_MAX_SLIPPAGE_BPS")

	t.Setenv("PFM_DEFAULT_MAX_SLIPPAGE_BPS", "100")
	t.Setenv("PFM_REBALANCE_THRESHOLD_BPS", "20000")
	err = LoadConfig()
	require.Error(t, err)
	require.Contains(t, err.Error(), "PFM_REBALANCE_THRESHOLD_BPS")

	t.Setenv("PFM_REBALANCE_THRESHOLD_BPS", "50")
	t.Setenv("PFM_DRIFT_TOLERANCE_BPS", "10001")
	err = LoadConfig()
	require.Error(t, err)
	require.Contains(t, err.Error(), "PFM_DRIFT_TOLERANCE_BPS")
}

func TestLoadConfigRequiresEveryVariable(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PFM_MAX_STEP_ATTEMPTS", "0")

	err := LoadConfig()
	require.Error(t, err)
	require.Contains(t, err.Error(), "PFM_MAX_STEP_ATTEMPTS")
}
