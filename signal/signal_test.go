package signal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeArtifact(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "signals.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadArtifact(t *testing.T) {
	path := writeArtifact(t, `{
		"version": "v3",
		"generated_at": "2026-08-20T04:00:00Z",
		"signals": {
			"BTCUSDT": {"action": "long", "confidence": 0.8, "quantity": 0.02, "stop_loss": 58000, "take_profit": 66000, "epoch": 1024},
			"ETHUSDT": {"action": "flat", "epoch": 1024}
		}
	}`)

	a, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "v3", a.Version)
	require.Len(t, a.Signals, 2)

	btc := a.Signals["BTCUSDT"]
	assert.Equal(t, "BTCUSDT", btc.Symbol, "symbol backfilled from map key")
	assert.Equal(t, Long, btc.Action)
	assert.Equal(t, int64(1024), btc.Epoch)
	assert.Equal(t, 58000.0, btc.StopLoss)
}

func TestLoadArtifactFailures(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err, "missing file")

	_, err = Load(writeArtifact(t, `{"version": "v1", "signals"`))
	assert.Error(t, err, "torn write")

	_, err = Load(writeArtifact(t, `{"signals": {}}`))
	assert.Error(t, err, "unversioned artifact is unusable")
}

func TestSignalIDDeterminism(t *testing.T) {
	s := Signal{Symbol: "BTCUSDT", Epoch: 77}
	assert.Equal(t, "BTCUSDT:77:v2", s.ID("v2"))
	assert.Equal(t, s.ID("v2"), s.ID("v2"))
	assert.NotEqual(t, s.ID("v2"), s.ID("v3"), "new strategy version is a new decision")
}

func TestIdempotencyKeyIsPure(t *testing.T) {
	k1 := IdempotencyKey("binance", "BTCUSDT", "entry", "BTCUSDT:77:v2")
	k2 := IdempotencyKey("binance", "BTCUSDT", "entry", "BTCUSDT:77:v2")
	assert.Equal(t, k1, k2, "same decision, same key, every time")
	assert.Len(t, k1, 23) // "fc-" + 20 hex chars

	assert.NotEqual(t, k1, IdempotencyKey("alpaca", "BTCUSDT", "entry", "BTCUSDT:77:v2"))
	assert.NotEqual(t, k1, IdempotencyKey("binance", "BTCUSDT", "exit", "BTCUSDT:77:v2"))
	assert.NotEqual(t, k1, IdempotencyKey("binance", "BTCUSDT", "entry", "BTCUSDT:78:v2"))
}
