// Package signal reads the precomputed strategy artifact and derives trade
// intents from it. The artifact is produced offline by the training pipeline;
// the runner treats it as immutable within a cycle and re-reads it fresh each
// cycle so a new training run takes effect without a restart.
package signal

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"fundcore/broker"
)

// Action is the desired exposure for a symbol.
type Action string

const (
	Long  Action = "long"
	Short Action = "short"
	Flat  Action = "flat"
)

// Signal is one symbol's row in the artifact. Epoch is the bar index of the
// decision; the same (symbol, epoch, version) always names the same logical
// decision no matter how many cycles re-read it.
type Signal struct {
	Symbol     string  `json:"symbol"`
	Action     Action  `json:"action"`
	Confidence float64 `json:"confidence"`
	Quantity   float64 `json:"quantity"`
	StopLoss   float64 `json:"stop_loss,omitempty"`
	TakeProfit float64 `json:"take_profit,omitempty"`
	Epoch      int64   `json:"epoch"`
}

// Artifact is the versioned, symbol-indexed decision table.
type Artifact struct {
	Version     string            `json:"version"`
	GeneratedAt time.Time         `json:"generated_at"`
	Signals     map[string]Signal `json:"signals"`
}

// Load parses the artifact file. Callers fail soft on error: a missing or
// half-written artifact skips the cycle, it never stops the loop.
func Load(path string) (*Artifact, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("signal: read artifact: %w", err)
	}
	var a Artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("signal: parse artifact: %w", err)
	}
	if a.Version == "" {
		return nil, fmt.Errorf("signal: artifact missing version")
	}
	for sym, s := range a.Signals {
		if s.Symbol == "" {
			s.Symbol = sym
			a.Signals[sym] = s
		}
	}
	return &a, nil
}

// ID names the logical decision behind s under a strategy version.
func (s Signal) ID(version string) string {
	return fmt.Sprintf("%s:%d:%s", s.Symbol, s.Epoch, version)
}

// IdempotencyKey derives the ledger key for one execution of a decision.
// Pure function of its inputs: a restarted process re-deriving the same
// decision lands on the same key and the ledger dedupes it.
func IdempotencyKey(brokerName, symbol, role, signalID string) string {
	sum := sha1.Sum([]byte(brokerName + "|" + symbol + "|" + role + "|" + signalID))
	return "fc-" + hex.EncodeToString(sum[:])[:20]
}

// Intent is a fully resolved proposed action, ready for the router. It is
// ephemeral: constructed, submitted, discarded; the ledger row is what lasts.
type Intent struct {
	Key        string
	SignalID   string
	Symbol     string
	Side       broker.Side
	Quantity   float64
	StopLoss   float64
	TakeProfit float64
	Role       string // entry / exit / protection_close
	Reduce     bool
	Tag        string // strategy/profile tag for the trade history
}
