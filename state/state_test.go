package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadJSONRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "state.json")

	type payload struct {
		Name  string  `json:"name"`
		Value float64 `json:"value"`
	}
	require.NoError(t, WriteJSON(path, payload{Name: "anchor", Value: 42.5}))

	var got payload
	ok, err := ReadJSON(path, &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, payload{Name: "anchor", Value: 42.5}, got)
}

func TestReadJSONMissingFile(t *testing.T) {
	var got map[string]any
	ok, err := ReadJSON(filepath.Join(t.TempDir(), "missing.json"), &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadJSONCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{half a"), 0o644))

	var got map[string]any
	_, err := ReadJSON(path, &got)
	assert.Error(t, err)
}

func TestWriteJSONOverwritesAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, WriteJSON(path, map[string]int{"v": 1}))
	require.NoError(t, WriteJSON(path, map[string]int{"v": 2}))

	var got map[string]int
	ok, err := ReadJSON(path, &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, got["v"])

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFileKillSwitchMissingMeansDisabled(t *testing.T) {
	ks := &FileKillSwitch{Path: filepath.Join(t.TempDir(), "kill.json")}
	got, err := ks.Read()
	require.NoError(t, err)
	assert.False(t, got.Enabled)
}

func TestFileKillSwitchTripAndRead(t *testing.T) {
	ks := &FileKillSwitch{Path: filepath.Join(t.TempDir(), "kill.json")}
	require.NoError(t, ks.Trip("too many consecutive errors"))

	got, err := ks.Read()
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.Equal(t, "too many consecutive errors", got.Reason)
	assert.NotEmpty(t, got.EnabledAt)
}

func TestHeartbeatEmitter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heartbeat.json")
	hb := &HeartbeatEmitter{Path: path}

	require.NoError(t, hb.Touch("ok", "cycle done", "paper"))
	hb.CycleDone()
	require.NoError(t, hb.Touch("ok", "another", "paper"))

	got, ok, err := ReadHeartbeat(path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ok", got.Status)
	assert.Equal(t, "another", got.Note)
	assert.Equal(t, os.Getpid(), got.PID)
	assert.Equal(t, uint64(1), got.CycleCount)
	assert.InDelta(t, float64(time.Now().Unix()), got.UnixTS, 5)
}

func TestHeartbeatThrottle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heartbeat.json")
	hb := &HeartbeatEmitter{Path: path, MinEvery: time.Hour}

	require.NoError(t, hb.Touch("ok", "first", "paper"))
	require.NoError(t, hb.Touch("ok", "dropped", "paper"))

	got, ok, err := ReadHeartbeat(path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", got.Note, "second write inside MinEvery is dropped")
}
