// Package protections keeps every open position covered by a stop-loss and
// optional take-profit. Brokers with native protective orders hold them
// server-side; for the rest the manager runs a synthetic watch and fires the
// market close itself, exactly once, through the router and ledger.
package protections

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fundcore/alert"
	"fundcore/broker"
	"fundcore/ledger"
	"fundcore/logger"
	"fundcore/router"
	"fundcore/signal"
	"fundcore/state"
)

// State is the desired protection for one open position.
type State struct {
	Symbol       string                `json:"symbol"`
	Broker       string                `json:"broker"`
	Quantity     float64               `json:"quantity"` // signed, as reported by the broker
	EntryPrice   float64               `json:"entry_price"`
	StopLoss     float64               `json:"stop_loss"`
	TakeProfit   float64               `json:"take_profit,omitempty"`
	Mode         broker.ProtectionMode `json:"mode"`
	StopOrder    string                `json:"stop_order_id,omitempty"`
	TPOrder      string                `json:"tp_order_id,omitempty"`
	SignalID     string                `json:"signal_id"`
	Watermark    float64               `json:"watermark,omitempty"` // best favorable price seen
	ReconciledAt string                `json:"reconciled_at,omitempty"`
}

func (s *State) long() bool { return s.Quantity > 0 }

// TrailingConfig tunes the synthetic stop ratchet. Zero values disable it.
type TrailingConfig struct {
	ArmAt     float64 `json:"arm_at"`     // favorable move fraction that arms the ratchet
	Breakeven float64 `json:"breakeven"`  // stop floor above/below entry once armed
	TrailFrac float64 `json:"trail_frac"` // distance kept from the watermark
}

// Manager owns the registry. One entry per broker+symbol; entries persist to
// a JSON snapshot so a restart resumes every watch.
type Manager struct {
	router   *router.Router
	book     *ledger.Ledger
	notifier *alert.Notifier
	path     string
	trailing TrailingConfig

	mu      sync.Mutex
	entries map[string]*State
}

func NewManager(rt *router.Router, book *ledger.Ledger, notifier *alert.Notifier, path string, trailing TrailingConfig) *Manager {
	return &Manager{
		router:   rt,
		book:     book,
		notifier: notifier,
		path:     path,
		trailing: trailing,
		entries:  make(map[string]*State),
	}
}

func key(brokerName, symbol string) string { return symbol + "_" + brokerName }

// Load restores the snapshot written by earlier runs. Missing file is a
// clean first start.
func (m *Manager) Load() error {
	var entries map[string]*State
	ok, err := state.ReadJSON(m.path, &entries)
	if err != nil {
		return fmt.Errorf("protections: load: %w", err)
	}
	if !ok {
		return nil
	}
	m.mu.Lock()
	m.entries = entries
	n := len(entries)
	m.mu.Unlock()
	logger.With("protections").Info().Int("count", n).Msg("♻️ protection state restored")
	return nil
}

// persist is called with m.mu held.
func (m *Manager) persist() {
	if err := state.WriteJSON(m.path, m.entries); err != nil {
		logger.With("protections").Error().Err(err).Msg("🚨 failed to persist protection state")
	}
}

// Ensure covers pos with a stop (and optional take-profit). When an entry
// already exists the call is a no-op: one protection per position, and stops
// move only through the ratchet, never loosened by re-ensuring.
func (m *Manager) Ensure(ctx context.Context, pos broker.Position, stop, takeProfit float64, signalID string) error {
	if stop <= 0 {
		return fmt.Errorf("protections: %s needs a stop price", pos.Symbol)
	}

	k := key(pos.Broker, pos.Symbol)
	m.mu.Lock()
	if _, exists := m.entries[k]; exists {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	entry := &State{
		Symbol:     pos.Symbol,
		Broker:     pos.Broker,
		Quantity:   pos.Quantity,
		EntryPrice: pos.AvgPrice,
		StopLoss:   stop,
		TakeProfit: takeProfit,
		SignalID:   signalID,
		Watermark:  pos.AvgPrice,
	}

	adapter, ok := m.router.Broker(pos.Broker)
	if !ok {
		return fmt.Errorf("protections: broker %q not registered", pos.Broker)
	}
	res, err := adapter.SetProtection(ctx, pos.Symbol, stop, takeProfit)
	switch {
	case err != nil:
		// Fall back to a synthetic watch rather than leaving the position
		// naked while the broker misbehaves.
		logger.With("protections").Warn().Err(err).
			Str("symbol", pos.Symbol).Str("broker", pos.Broker).
			Msg("⚠️ native protection failed, watching synthetically")
		entry.Mode = broker.ProtectionUnsupported
	case res.Mode == broker.ProtectionNative:
		entry.Mode = broker.ProtectionNative
		entry.StopOrder = res.StopOrderID
		entry.TPOrder = res.TakeProfitOrder
	default:
		entry.Mode = broker.ProtectionUnsupported
	}

	m.mu.Lock()
	m.entries[k] = entry
	m.persist()
	m.mu.Unlock()

	logger.With("protections").Info().
		Str("symbol", pos.Symbol).Str("broker", pos.Broker).
		Float64("stop", stop).Float64("take_profit", takeProfit).
		Str("mode", string(entry.Mode)).Msg("🛡️ position protected")
	return nil
}

// Reconcile walks every synthetic watch: ratchets the stop, checks for a
// breach and closes the position when one is found. Runs before new intents
// are evaluated so existing risk is capped before new risk is taken.
func (m *Manager) Reconcile(ctx context.Context) {
	for _, entry := range m.syntheticEntries() {
		price, err := m.router.GetPrice(ctx, entry.Symbol)
		if err != nil {
			logger.With("protections").Warn().Err(err).
				Str("symbol", entry.Symbol).Msg("⚠️ no price for synthetic watch")
			continue
		}
		m.ratchet(entry, price)

		if !breached(entry, price) {
			m.touch(entry)
			continue
		}
		m.closeBreached(ctx, entry, price)
	}
}

func (m *Manager) syntheticEntries() []*State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*State, 0, len(m.entries))
	for _, e := range m.entries {
		if e.Mode == broker.ProtectionUnsupported {
			out = append(out, e)
		}
	}
	return out
}

func (m *Manager) touch(entry *State) {
	m.mu.Lock()
	entry.ReconciledAt = time.Now().UTC().Format(time.RFC3339)
	m.persist()
	m.mu.Unlock()
}

// ratchet tightens the synthetic stop: once price has moved ArmAt in our
// favor the stop jumps to breakeven plus buffer, then trails the watermark.
// Stops only ever tighten.
func (m *Manager) ratchet(entry *State, price float64) {
	if m.trailing.ArmAt <= 0 || m.trailing.TrailFrac <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.long() {
		if price > entry.Watermark {
			entry.Watermark = price
		}
		armLevel := entry.EntryPrice * (1 + m.trailing.ArmAt)
		if entry.Watermark < armLevel {
			return
		}
		candidate := entry.Watermark * (1 - m.trailing.TrailFrac)
		floor := entry.EntryPrice * (1 + m.trailing.Breakeven)
		if candidate < floor {
			candidate = floor
		}
		if candidate > entry.StopLoss {
			logger.With("protections").Info().Str("symbol", entry.Symbol).
				Float64("from", entry.StopLoss).Float64("to", candidate).
				Msg("📈 trailing stop ratcheted")
			entry.StopLoss = candidate
			m.persist()
		}
		return
	}

	if price < entry.Watermark || entry.Watermark == 0 {
		entry.Watermark = price
	}
	armLevel := entry.EntryPrice * (1 - m.trailing.ArmAt)
	if entry.Watermark > armLevel {
		return
	}
	candidate := entry.Watermark * (1 + m.trailing.TrailFrac)
	ceil := entry.EntryPrice * (1 - m.trailing.Breakeven)
	if candidate > ceil {
		candidate = ceil
	}
	if candidate < entry.StopLoss {
		logger.With("protections").Info().Str("symbol", entry.Symbol).
			Float64("from", entry.StopLoss).Float64("to", candidate).
			Msg("📉 trailing stop ratcheted")
		entry.StopLoss = candidate
		m.persist()
	}
}

func breached(e *State, price float64) bool {
	if e.long() {
		if price <= e.StopLoss {
			return true
		}
		return e.TakeProfit > 0 && price >= e.TakeProfit
	}
	if price >= e.StopLoss {
		return true
	}
	return e.TakeProfit > 0 && price <= e.TakeProfit
}

// closeBreached issues the protective market close. The ledger reservation
// makes the close exactly-once: a crash after submission leaves a consumed
// key, a transient failure re-arms it for the next cycle.
func (m *Manager) closeBreached(ctx context.Context, entry *State, price float64) {
	reason := "stop_loss"
	if entry.TakeProfit > 0 {
		if (entry.long() && price >= entry.TakeProfit) || (!entry.long() && price <= entry.TakeProfit) {
			reason = "take_profit"
		}
	}
	logger.With("protections").Warn().
		Str("symbol", entry.Symbol).Str("broker", entry.Broker).
		Float64("price", price).Float64("stop", entry.StopLoss).Str("trigger", reason).
		Msg("🔔 synthetic protection breached")

	qty := entry.Quantity
	if qty < 0 {
		qty = -qty
	}
	intent := signal.Intent{
		Key:      signal.IdempotencyKey(entry.Broker, entry.Symbol, "protection_close", entry.SignalID),
		SignalID: entry.SignalID,
		Symbol:   entry.Symbol,
		Side:     broker.Opposite(entry.Quantity),
		Quantity: qty,
		Role:     "protection_close",
		Reduce:   true,
		Tag:      reason,
	}

	got, err := m.book.Reserve(ctx, ledger.Reservation{
		Key:      intent.Key,
		Broker:   entry.Broker,
		Symbol:   entry.Symbol,
		Role:     intent.Role,
		SignalID: entry.SignalID,
		Side:     intent.Side,
		Quantity: intent.Quantity,
	})
	if err != nil {
		logger.With("protections").Error().Err(err).Str("symbol", entry.Symbol).
			Msg("🚨 ledger reserve failed for protective close, retrying next cycle")
		return
	}
	if !got {
		// A previous cycle already submitted this close; drop the watch and
		// let position reconciliation confirm flatness.
		m.Remove(entry.Broker, entry.Symbol)
		return
	}

	res, err := m.router.PlaceOrder(ctx, intent)
	if err != nil {
		status := broker.StatusCancelled
		if broker.IsRejected(err) {
			status = broker.StatusRejected
		}
		if lerr := m.book.RecordOutcome(ctx, intent.Key, status, "", err.Error()); lerr != nil {
			logger.With("protections").Error().Err(lerr).Msg("🚨 ledger outcome write failed")
		}
		m.notifier.Sendf("🚨 protective close FAILED for %s on %s: %v", entry.Symbol, entry.Broker, err)
		logger.With("protections").Error().Err(err).
			Str("symbol", entry.Symbol).Str("broker", entry.Broker).
			Msg("🚨 protective close failed, position still exposed")
		return
	}

	if err := m.book.RecordOutcome(ctx, intent.Key, res.Status, res.OrderID, ""); err != nil {
		logger.With("protections").Error().Err(err).Msg("🚨 ledger outcome write failed")
	}
	if err := m.book.RecordTrade(ctx, ledger.Trade{
		Broker:   entry.Broker,
		Symbol:   entry.Symbol,
		Side:     intent.Side,
		Quantity: res.Quantity,
		Price:    res.Price,
		OrderID:  res.OrderID,
		SignalID: entry.SignalID,
		Reason:   reason,
	}); err != nil {
		logger.With("protections").Warn().Err(err).Msg("⚠️ trade history write failed")
	}

	m.notifier.Sendf("🛡️ %s closed %s on %s at %.6g (%s)", reason, entry.Symbol, entry.Broker, res.Price, entry.SignalID)
	m.Remove(entry.Broker, entry.Symbol)
}

// Remove drops the entry for broker+symbol, if any.
func (m *Manager) Remove(brokerName, symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key(brokerName, symbol)]; !ok {
		return
	}
	delete(m.entries, key(brokerName, symbol))
	m.persist()
}

// Get returns the entry for broker+symbol.
func (m *Manager) Get(brokerName, symbol string) (*State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key(brokerName, symbol)]
	return e, ok
}

// Count reports live entries.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// PruneOrphans drops entries whose position no longer exists. Called during
// startup reconciliation with the broker-reported snapshot.
func (m *Manager) PruneOrphans(positions []broker.Position) int {
	open := make(map[string]bool, len(positions))
	for _, p := range positions {
		if p.Quantity != 0 {
			open[key(p.Broker, p.Symbol)] = true
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var pruned int
	for k := range m.entries {
		if !open[k] {
			delete(m.entries, k)
			pruned++
		}
	}
	if pruned > 0 {
		m.persist()
		logger.With("protections").Info().Int("pruned", pruned).Msg("🧹 orphaned protections removed")
	}
	return pruned
}

// CancelAll cancels native protective orders and clears every watch. Used
// during the kill-switch unwind, right before positions are closed.
func (m *Manager) CancelAll(ctx context.Context) {
	m.mu.Lock()
	entries := make([]*State, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.entries = make(map[string]*State)
	m.persist()
	m.mu.Unlock()

	for _, e := range entries {
		if e.Mode != broker.ProtectionNative {
			continue
		}
		adapter, ok := m.router.Broker(e.Broker)
		if !ok {
			continue
		}
		for _, orderID := range []string{e.StopOrder, e.TPOrder} {
			if orderID == "" {
				continue
			}
			if err := adapter.CancelOrder(ctx, e.Symbol, orderID); err != nil {
				logger.With("protections").Error().Err(err).
					Str("symbol", e.Symbol).Str("order_id", orderID).
					Msg("🚨 failed to cancel native protective order")
			}
		}
	}
	logger.With("protections").Warn().Int("cleared", len(entries)).Msg("⛔ all protections cancelled")
}
