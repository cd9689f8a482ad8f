// Package state implements the small durable files the execution core shares
// with external tooling: atomic JSON snapshots, the operator kill-switch and
// the watchdog heartbeat. Writes go through a temp file + fsync + rename so a
// crash mid-write never leaves a torn file behind.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteJSON atomically replaces path with the JSON encoding of v.
func WriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshal %s: %w", path, err)
	}
	return writeBytes(path, data)
}

// ReadJSON loads path into v. A missing file is not an error: v is left
// untouched and ok=false is returned, so callers can fall back to defaults.
func ReadJSON(path string, v interface{}) (ok bool, err error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("state: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("state: decode %s: %w", path, err)
	}
	return true, nil
}

func writeBytes(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("state: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp_*")
	if err != nil {
		return fmt.Errorf("state: temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("state: write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("state: fsync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("state: close %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("state: replace %s: %w", path, err)
	}
	return nil
}
