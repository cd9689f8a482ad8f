package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundcore/alert"
	"fundcore/broker"
	"fundcore/broker/sim"
	"fundcore/config"
	"fundcore/ledger"
	"fundcore/protections"
	"fundcore/router"
	"fundcore/signal"
	"fundcore/state"
)

// memKill is the in-memory kill-switch used by every test.
type memKill struct {
	ks  state.KillSwitch
	err error

	tripped []string
}

func (m *memKill) Read() (state.KillSwitch, error) { return m.ks, m.err }

func (m *memKill) Trip(reason string) error {
	m.tripped = append(m.tripped, reason)
	m.ks = state.KillSwitch{Enabled: true, Reason: reason}
	return nil
}

type harness struct {
	dir    string
	quotes *sim.QuoteTable
	sim    *sim.Broker
	live   *sim.Broker // second sim acting as the "live" venue
	exec   *router.Router
	book   *ledger.Ledger
	pm     *protections.Manager
	kill   *memKill
	risk   *config.RiskSource
	opts   Options
}

func newHarness(t *testing.T, mode string) *harness {
	t.Helper()
	dir := t.TempDir()

	quotes := sim.NewQuoteTable()
	paper := sim.New("sim", quotes, 10000, 0, "")
	live := sim.New("binance", quotes, 10000, 0, "")

	exec := router.New(map[string]string{"BTCUSDT": "binance", "ETHUSDT": "binance"}, "sim", 600)
	exec.Register(paper)
	exec.Register(live)
	if mode == "paper" {
		exec.SetDowngrade("sim")
	}

	book, err := ledger.Open(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { book.Close() })

	pm := protections.NewManager(exec, book, alert.New("", 0),
		filepath.Join(dir, "protections.json"), protections.TrailingConfig{})

	h := &harness{
		dir:    dir,
		quotes: quotes,
		sim:    paper,
		live:   live,
		exec:   exec,
		book:   book,
		pm:     pm,
		kill:   &memKill{},
		risk:   &config.RiskSource{Path: filepath.Join(dir, "risk.json")},
		opts: Options{
			SignalsPath: filepath.Join(dir, "signals.json"),
			Mode:        mode,
			SimBroker:   "sim",
			Sleep:       time.Millisecond,
		},
	}
	h.setRisk(t, config.RiskLimits{
		MaxOpenPositions:    10,
		MaxPositionNotional: 1e9,
		LiveArmed:           false,
	})
	return h
}

func (h *harness) setRisk(t *testing.T, limits config.RiskLimits) {
	t.Helper()
	require.NoError(t, state.WriteJSON(h.risk.Path, limits))
}

func (h *harness) writeArtifact(t *testing.T, signals map[string]signal.Signal) {
	t.Helper()
	require.NoError(t, state.WriteJSON(h.opts.SignalsPath, signal.Artifact{
		Version:     "v1",
		GeneratedAt: time.Now(),
		Signals:     signals,
	}))
}

func (h *harness) runner() *Runner {
	hb := &state.HeartbeatEmitter{Path: filepath.Join(h.dir, "heartbeat.json")}
	return New(h.opts, h.exec, h.book, h.pm, h.kill, h.kill.Trip, hb, h.risk, alert.New("", 0))
}

func longBTC(qty float64, epoch int64) map[string]signal.Signal {
	return map[string]signal.Signal{
		"BTCUSDT": {Action: signal.Long, Quantity: qty, StopLoss: 55000, Epoch: epoch},
	}
}

func simPositions(t *testing.T, b *sim.Broker) []broker.Position {
	t.Helper()
	positions, err := b.GetPositions(context.Background())
	require.NoError(t, err)
	return positions
}

func TestOneShotOpensPosition(t *testing.T) {
	h := newHarness(t, "paper")
	h.quotes.Set("BTCUSDT", 60000)
	h.writeArtifact(t, longBTC(0.01, 1))

	require.NoError(t, h.runner().Run(context.Background()))

	positions := simPositions(t, h.sim)
	require.Len(t, positions, 1)
	assert.InDelta(t, 0.01, positions[0].Quantity, 1e-12)

	// Entry recorded and position protected.
	entries, err := h.book.BySignal(context.Background(), "BTCUSDT:1:v1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, broker.StatusFilled, entries[0].Status)

	_, protected := h.pm.Get("sim", "BTCUSDT")
	assert.True(t, protected)
}

func TestIdempotencyAcrossRestart(t *testing.T) {
	h := newHarness(t, "paper")
	h.quotes.Set("BTCUSDT", 60000)
	h.writeArtifact(t, longBTC(0.01, 1))

	require.NoError(t, h.runner().Run(context.Background()))

	// The position vanishes out of band (manual close on the exchange). A
	// fresh process re-derives the same decision, but the key is consumed:
	// no second order may reach the broker.
	_, err := h.sim.ClosePosition(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	h.pm.Remove("sim", "BTCUSDT")

	require.NoError(t, h.runner().Run(context.Background()))

	assert.Empty(t, simPositions(t, h.sim), "consumed key must not re-order")
	entries, err := h.book.BySignal(context.Background(), "BTCUSDT:1:v1")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "exactly one ledger record for the decision")
}

func TestRedundantCycleIsNoOp(t *testing.T) {
	h := newHarness(t, "paper")
	h.quotes.Set("BTCUSDT", 60000)
	h.writeArtifact(t, longBTC(0.01, 1))

	require.NoError(t, h.runner().Run(context.Background()))
	// Second process over the same artifact: desired == actual, no intent.
	require.NoError(t, h.runner().Run(context.Background()))

	positions := simPositions(t, h.sim)
	require.Len(t, positions, 1)
	assert.InDelta(t, 0.01, positions[0].Quantity, 1e-12)
}

func TestFlatSignalClosesPosition(t *testing.T) {
	h := newHarness(t, "paper")
	h.quotes.Set("BTCUSDT", 60000)
	h.writeArtifact(t, longBTC(0.01, 1))
	require.NoError(t, h.runner().Run(context.Background()))

	h.writeArtifact(t, map[string]signal.Signal{
		"BTCUSDT": {Action: signal.Flat, Epoch: 2},
	})
	require.NoError(t, h.runner().Run(context.Background()))

	assert.Empty(t, simPositions(t, h.sim))
	_, protected := h.pm.Get("sim", "BTCUSDT")
	assert.False(t, protected, "exit removes the protection watch")
}

func TestRiskGateRecordsRejection(t *testing.T) {
	h := newHarness(t, "paper")
	h.quotes.Set("BTCUSDT", 60000)
	h.setRisk(t, config.RiskLimits{
		MaxOpenPositions:    10,
		MaxPositionNotional: 100, // 0.01 BTC at 60k is 600 notional
	})
	h.writeArtifact(t, longBTC(0.01, 1))

	require.NoError(t, h.runner().Run(context.Background()))

	assert.Empty(t, simPositions(t, h.sim), "refused intent must not trade")
	entries, err := h.book.BySignal(context.Background(), "BTCUSDT:1:v1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, broker.StatusRejected, entries[0].Status)
	assert.Contains(t, entries[0].LastError, "risk limit exceeded")
}

func TestMaxOpenPositionsGate(t *testing.T) {
	h := newHarness(t, "paper")
	h.quotes.Set("BTCUSDT", 60000)
	h.quotes.Set("ETHUSDT", 2500)
	h.setRisk(t, config.RiskLimits{MaxOpenPositions: 1, MaxPositionNotional: 1e9})

	h.writeArtifact(t, longBTC(0.01, 1))
	require.NoError(t, h.runner().Run(context.Background()))
	require.Len(t, simPositions(t, h.sim), 1)

	h.writeArtifact(t, map[string]signal.Signal{
		"BTCUSDT": {Action: signal.Long, Quantity: 0.01, StopLoss: 55000, Epoch: 1},
		"ETHUSDT": {Action: signal.Long, Quantity: 1, StopLoss: 2300, Epoch: 1},
	})
	require.NoError(t, h.runner().Run(context.Background()))

	assert.Len(t, simPositions(t, h.sim), 1, "position cap holds")
}

func TestKillSwitchUnwindsAndHalts(t *testing.T) {
	h := newHarness(t, "paper")
	h.quotes.Set("BTCUSDT", 60000)
	h.writeArtifact(t, longBTC(0.01, 1))
	require.NoError(t, h.runner().Run(context.Background()))
	require.Len(t, simPositions(t, h.sim), 1)

	h.kill.ks = state.KillSwitch{Enabled: true, Reason: "operator stop"}
	err := h.runner().Run(context.Background())
	require.ErrorIs(t, err, ErrHalted)

	assert.Empty(t, simPositions(t, h.sim), "unwind flattens everything")
	assert.Equal(t, 0, h.pm.Count(), "unwind clears protections")

	// The unwind close is on the books.
	trades, err := h.book.TradesSince(context.Background(), time.Time{})
	require.NoError(t, err)
	var unwinds int
	for _, tr := range trades {
		if tr.Reason == "unwind" {
			unwinds++
		}
	}
	assert.Equal(t, 1, unwinds)
}

func TestLiveUnarmedDowngradesToSim(t *testing.T) {
	h := newHarness(t, "live")
	h.quotes.Set("BTCUSDT", 60000)
	h.writeArtifact(t, longBTC(0.01, 1))

	// live_armed=false: the order must land on the sim, not the live venue.
	require.NoError(t, h.runner().Run(context.Background()))
	assert.Empty(t, simPositions(t, h.live), "unarmed live mode must not touch the live venue")
	assert.Len(t, simPositions(t, h.sim), 1)
}

func TestLiveArmedRoutesToLiveVenue(t *testing.T) {
	h := newHarness(t, "live")
	h.quotes.Set("BTCUSDT", 60000)
	h.setRisk(t, config.RiskLimits{
		MaxOpenPositions:    10,
		MaxPositionNotional: 1e9,
		MaxDailyDrawdown:    0.5,
		LiveArmed:           true,
	})
	h.writeArtifact(t, longBTC(0.01, 1))

	require.NoError(t, h.runner().Run(context.Background()))
	assert.Len(t, simPositions(t, h.live), 1)
	assert.Empty(t, simPositions(t, h.sim))
}

func TestMissingArtifactFailsSoft(t *testing.T) {
	h := newHarness(t, "paper")
	// No artifact written at all.
	require.NoError(t, h.runner().Run(context.Background()))
	assert.Empty(t, simPositions(t, h.sim))

	hb, ok, err := state.ReadHeartbeat(filepath.Join(h.dir, "heartbeat.json"))
	require.NoError(t, err)
	require.True(t, ok, "heartbeat still beats without an artifact")
	assert.Equal(t, "alive", hb.Status)
}

func TestKillSwitchHonoredWithoutArtifact(t *testing.T) {
	h := newHarness(t, "paper")
	h.quotes.Set("BTCUSDT", 60000)
	h.writeArtifact(t, longBTC(0.01, 1))
	require.NoError(t, h.runner().Run(context.Background()))
	require.Len(t, simPositions(t, h.sim), 1)

	// The signal pipeline dies and the operator pulls the plug. The stop
	// must fire even with nothing to read.
	require.NoError(t, os.Remove(h.opts.SignalsPath))
	h.kill.ks = state.KillSwitch{Enabled: true, Reason: "pipeline dead"}

	err := h.runner().Run(context.Background())
	require.ErrorIs(t, err, ErrHalted)
	assert.Empty(t, simPositions(t, h.sim), "unwind runs without an artifact")
}

func TestProtectionsReconcileWithoutArtifact(t *testing.T) {
	h := newHarness(t, "paper")
	h.quotes.Set("BTCUSDT", 60000)
	h.writeArtifact(t, longBTC(0.01, 1))
	require.NoError(t, h.runner().Run(context.Background()))
	require.Len(t, simPositions(t, h.sim), 1)

	// Pipeline down, price through the 55000 stop: the synthetic watch must
	// still close the position.
	require.NoError(t, os.Remove(h.opts.SignalsPath))
	h.quotes.Set("BTCUSDT", 54000)

	require.NoError(t, h.runner().Run(context.Background()))
	assert.Empty(t, simPositions(t, h.sim), "stop fires with the pipeline down")
}

// flaky wraps an adapter and fails position snapshots on demand.
type flaky struct {
	broker.Broker
	posErr error
}

func (f *flaky) GetPositions(ctx context.Context) ([]broker.Position, error) {
	if f.posErr != nil {
		return nil, f.posErr
	}
	return f.Broker.GetPositions(ctx)
}

func TestPartialSnapshotDefersOnlyFailedBroker(t *testing.T) {
	dir := t.TempDir()
	quotes := sim.NewQuoteTable()
	quotes.Set("BTCUSDT", 60000)
	quotes.Set("ETHUSDT", 2500)
	paper := sim.New("sim", quotes, 10000, 0, "")
	dead := &flaky{
		Broker: sim.New("binance", quotes, 10000, 0, ""),
		posErr: errors.New("read: connection reset"),
	}

	exec := router.New(map[string]string{"BTCUSDT": "binance"}, "sim", 600)
	exec.Register(paper)
	exec.Register(dead)

	book, err := ledger.Open(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { book.Close() })
	pm := protections.NewManager(exec, book, alert.New("", 0),
		filepath.Join(dir, "protections.json"), protections.TrailingConfig{})
	risk := &config.RiskSource{Path: filepath.Join(dir, "risk.json")}
	require.NoError(t, state.WriteJSON(risk.Path, config.RiskLimits{
		MaxOpenPositions:    10,
		MaxPositionNotional: 1e9,
	}))
	opts := Options{
		SignalsPath: filepath.Join(dir, "signals.json"),
		Mode:        "paper",
		SimBroker:   "sim",
		Sleep:       time.Millisecond,
	}
	require.NoError(t, state.WriteJSON(opts.SignalsPath, signal.Artifact{
		Version:     "v1",
		GeneratedAt: time.Now(),
		Signals: map[string]signal.Signal{
			"BTCUSDT": {Action: signal.Long, Quantity: 0.01, StopLoss: 55000, Epoch: 1},
			"ETHUSDT": {Action: signal.Long, Quantity: 1, StopLoss: 2300, Epoch: 1},
		},
	}))

	kill := &memKill{}
	hb := &state.HeartbeatEmitter{Path: filepath.Join(dir, "heartbeat.json")}
	r := New(opts, exec, book, pm, kill, kill.Trip, hb, risk, alert.New("", 0))

	// One venue cannot report positions: its symbol is deferred, the other
	// venue still trades, and nothing counts toward the auto guard.
	require.NoError(t, r.Run(context.Background()), "degraded snapshot is not a cycle error")
	assert.Empty(t, kill.tripped)

	positions, err := paper.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1, "the healthy venue's symbol still trades")
	assert.Equal(t, "ETHUSDT", positions[0].Symbol)

	entries, err := book.BySignal(context.Background(), "BTCUSDT:1:v1")
	require.NoError(t, err)
	assert.Empty(t, entries, "a deferred symbol reserves nothing")

	// The venue recovers: the deferred symbol trades on the next cycle.
	dead.posErr = nil
	require.NoError(t, r.Run(context.Background()))
	recovered, err := dead.Broker.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, "BTCUSDT", recovered[0].Symbol)
}

func TestConsecutiveErrorsTripAutoGuard(t *testing.T) {
	h := newHarness(t, "paper")
	h.quotes.Set("BTCUSDT", 60000)
	h.writeArtifact(t, longBTC(0.01, 1))
	h.kill.err = errors.New("disk on fire")

	h.opts.Loop = true
	h.opts.MaxConsecutiveErrors = 3

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := h.runner().Run(ctx)
	require.ErrorIs(t, err, ErrHalted)
	require.Len(t, h.kill.tripped, 1)
	assert.Contains(t, h.kill.tripped[0], "consecutive cycle errors")
}

func TestStaleReservationResolvedAtStartup(t *testing.T) {
	h := newHarness(t, "paper")
	h.quotes.Set("BTCUSDT", 60000)

	// A previous process reserved and died before the broker call.
	key := signal.IdempotencyKey("sim", "BTCUSDT", "entry", "BTCUSDT:1:v1")
	got, err := h.book.Reserve(context.Background(), ledger.Reservation{
		Key: key, Broker: "sim", Symbol: "BTCUSDT", Role: "entry",
		SignalID: "BTCUSDT:1:v1", Side: broker.Buy, Quantity: 0.01,
	})
	require.NoError(t, err)
	require.True(t, got)

	h.opts.StalePendingAfter = time.Nanosecond
	h.writeArtifact(t, longBTC(0.01, 1))
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, h.runner().Run(context.Background()))

	// The sim keeps no order history, so the sweep cancels the reservation;
	// the cycle then re-reserves the re-armed key and places the order once.
	entries, err := h.book.BySignal(context.Background(), "BTCUSDT:1:v1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, broker.StatusFilled, entries[0].Status)
	assert.Len(t, simPositions(t, h.sim), 1)
}
