package state

import "time"

// KillSwitch is the externally writable emergency-stop flag. Operators (or the
// runner's own consecutive-error guard) set enabled=true; the core only ever
// reads it during normal operation and a restart is required after an unwind.
type KillSwitch struct {
	Enabled   bool   `json:"enabled"`
	Reason    string `json:"reason,omitempty"`
	EnabledAt string `json:"enabled_at,omitempty"`
}

// KillSwitchSource is the read-only view the runner polls once per cycle.
// Tests substitute an in-memory implementation.
type KillSwitchSource interface {
	Read() (KillSwitch, error)
}

// FileKillSwitch reads the flag from a JSON file. A missing or unreadable
// file counts as disabled: the switch exists to stop trading, not to block
// startup when nobody has ever touched it.
type FileKillSwitch struct {
	Path string
}

func (f *FileKillSwitch) Read() (KillSwitch, error) {
	var ks KillSwitch
	if _, err := ReadJSON(f.Path, &ks); err != nil {
		return KillSwitch{}, err
	}
	return ks, nil
}

// Trip writes enabled=true. Used only by the runner's auto-guard after too
// many consecutive cycle errors; operators edit the file directly.
func (f *FileKillSwitch) Trip(reason string) error {
	return WriteJSON(f.Path, KillSwitch{
		Enabled:   true,
		Reason:    reason,
		EnabledAt: time.Now().UTC().Format(time.RFC3339),
	})
}
