package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundcore/state"
)

func TestParseRoutes(t *testing.T) {
	routes := parseRoutes("BTCUSDT=binance, AAPL = alpaca ,broken,ETHUSDT=binance")
	assert.Equal(t, map[string]string{
		"BTCUSDT": "binance",
		"AAPL":    "alpaca",
		"ETHUSDT": "binance",
	}, routes)

	assert.Empty(t, parseRoutes(""))
}

func TestRiskSourceMissingFileIsDisarmedDefaults(t *testing.T) {
	src := &RiskSource{Path: filepath.Join(t.TempDir(), "risk.json")}
	limits := src.Load()
	assert.Equal(t, DefaultRiskLimits(), limits)
	assert.False(t, limits.LiveArmed, "defaults must never arm live trading")
}

func TestRiskSourceHotReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "risk.json")
	src := &RiskSource{Path: path}

	require.NoError(t, state.WriteJSON(path, RiskLimits{
		MaxOpenPositions:    3,
		MaxRiskPerTrade:     0.02,
		MaxPositionNotional: 500,
		MaxDailyDrawdown:    0.03,
		LiveArmed:           true,
	}))
	limits := src.Load()
	assert.Equal(t, 3, limits.MaxOpenPositions)
	assert.True(t, limits.LiveArmed)

	// Operator tightens the file; the next read sees it, no restart.
	require.NoError(t, state.WriteJSON(path, RiskLimits{MaxOpenPositions: 1}))
	limits = src.Load()
	assert.Equal(t, 1, limits.MaxOpenPositions)
	assert.False(t, limits.LiveArmed)
}
