package state

import (
	"os"
	"time"
)

// Heartbeat is overwritten every cycle and consumed by an external watchdog
// (scripts/watchdog.go) that restarts or alerts when the timestamp goes stale.
type Heartbeat struct {
	UpdatedAt  string  `json:"updated_at"`
	UnixTS     float64 `json:"ts"`
	PID        int     `json:"pid"`
	Status     string  `json:"status"` // alive / ok / error / stopped
	Note       string  `json:"note,omitempty"`
	Mode       string  `json:"mode,omitempty"`
	CycleCount uint64  `json:"cycle_count"`
}

// HeartbeatEmitter writes liveness records, throttled so a tight loop does not
// hammer the filesystem.
type HeartbeatEmitter struct {
	Path     string
	MinEvery time.Duration

	lastWrite time.Time
	cycles    uint64
}

// Touch records a liveness beat. Writes closer together than MinEvery are
// dropped except when the status changes the note (kept simple: any throttled
// write is dropped; the watchdog staleness threshold is far above MinEvery).
func (h *HeartbeatEmitter) Touch(status, note, mode string) error {
	now := time.Now()
	if h.MinEvery > 0 && now.Sub(h.lastWrite) < h.MinEvery {
		return nil
	}
	h.lastWrite = now

	return WriteJSON(h.Path, Heartbeat{
		UpdatedAt:  now.UTC().Format(time.RFC3339),
		UnixTS:     float64(now.UnixNano()) / 1e9,
		PID:        os.Getpid(),
		Status:     status,
		Note:       note,
		Mode:       mode,
		CycleCount: h.cycles,
	})
}

// CycleDone bumps the monotonically increasing cycle counter.
func (h *HeartbeatEmitter) CycleDone() {
	h.cycles++
}

// ReadHeartbeat loads a heartbeat file; ok=false when it does not exist yet.
func ReadHeartbeat(path string) (Heartbeat, bool, error) {
	var hb Heartbeat
	ok, err := ReadJSON(path, &hb)
	return hb, ok, err
}
