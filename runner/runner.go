// Package runner is the production loop: each cycle it reads the signal
// artifact, checks the kill-switch, reconciles protections, derives at most
// one intent per symbol, pushes intents through the reserve → place → record
// pipeline and emits a heartbeat. A kill-switch hit unwinds everything and
// halts; only a restart resumes trading.
package runner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"fundcore/alert"
	"fundcore/broker"
	"fundcore/config"
	"fundcore/ledger"
	"fundcore/logger"
	"fundcore/protections"
	"fundcore/router"
	"fundcore/signal"
	"fundcore/state"
)

// ErrHalted is returned once the kill-switch unwind completes. The process
// must be restarted (with the flag cleared) to trade again.
var ErrHalted = errors.New("runner: halted by kill switch")

// qtyEpsilon absorbs float dust when comparing desired vs actual exposure.
const qtyEpsilon = 1e-9

// Options is the CLI-shaped configuration of one runner process.
type Options struct {
	SignalsPath string
	Assets      []string // allowlist; empty means every symbol in the artifact
	Loop        bool
	Sleep       time.Duration
	Mode        string // paper / live

	SimBroker            string // adapter name used for the live-arm downgrade
	MaxConsecutiveErrors int
	StalePendingAfter    time.Duration
}

// Runner wires the execution core together. The kill-switch is an interface
// so tests flip it in memory; Trip is how the auto-guard writes the real file.
type Runner struct {
	opts        Options
	exec        *router.Router
	book        *ledger.Ledger
	protections *protections.Manager
	killSwitch  state.KillSwitchSource
	trip        func(reason string) error
	heartbeat   *state.HeartbeatEmitter
	risk        *config.RiskSource
	notifier    *alert.Notifier

	allow       map[string]bool
	lastHandled map[string]string // symbol -> signal id already acted on
	consecutive int
}

func New(opts Options, exec *router.Router, book *ledger.Ledger, pm *protections.Manager,
	ks state.KillSwitchSource, trip func(string) error, hb *state.HeartbeatEmitter,
	risk *config.RiskSource, notifier *alert.Notifier) *Runner {

	if opts.MaxConsecutiveErrors <= 0 {
		opts.MaxConsecutiveErrors = 5
	}
	if opts.StalePendingAfter <= 0 {
		opts.StalePendingAfter = 10 * time.Minute
	}
	allow := make(map[string]bool, len(opts.Assets))
	for _, a := range opts.Assets {
		allow[strings.ToUpper(strings.TrimSpace(a))] = true
	}
	return &Runner{
		opts:        opts,
		exec:        exec,
		book:        book,
		protections: pm,
		killSwitch:  ks,
		trip:        trip,
		heartbeat:   hb,
		risk:        risk,
		notifier:    notifier,
		allow:       allow,
		lastHandled: make(map[string]string),
	}
}

// Run executes one cycle, or loops until the context dies or the kill-switch
// halts the process.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.reconcileOnStartup(ctx); err != nil {
		return fmt.Errorf("runner: startup reconciliation: %w", err)
	}

	for {
		err := r.cycle(ctx)
		switch {
		case errors.Is(err, ErrHalted):
			r.heartbeat.Touch("stopped", "kill switch unwind complete", r.opts.Mode)
			return err
		case err != nil:
			r.consecutive++
			logger.With("runner").Error().Err(err).Int("consecutive", r.consecutive).
				Msg("🚨 cycle failed")
			r.heartbeat.Touch("error", err.Error(), r.opts.Mode)
			if r.consecutive >= r.opts.MaxConsecutiveErrors {
				reason := fmt.Sprintf("auto guard: %d consecutive cycle errors, last: %v",
					r.consecutive, err)
				r.notifier.Sendf("🛑 %s", reason)
				if r.trip != nil {
					if terr := r.trip(reason); terr != nil {
						logger.With("runner").Error().Err(terr).Msg("🚨 failed to write kill switch")
					}
				}
				r.unwind(ctx, reason)
				return ErrHalted
			}
		default:
			r.consecutive = 0
		}
		r.heartbeat.CycleDone()

		if !r.opts.Loop {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.opts.Sleep):
		}
	}
}

// cycle is one pass of the state machine.
func (r *Runner) cycle(ctx context.Context) error {
	start := time.Now()

	// CheckKillSwitch before anything else: a dead signal pipeline must
	// never mask the emergency stop.
	ks, err := r.killSwitch.Read()
	if err != nil {
		return fmt.Errorf("kill switch read: %w", err)
	}
	if ks.Enabled {
		r.unwind(ctx, ks.Reason)
		return ErrHalted
	}

	// Risk limits are re-read every cycle; tightening them never needs a
	// restart, and neither does disarming live trading.
	limits := r.risk.Load()
	armed := r.opts.Mode == "live" && limits.LiveArmed
	if r.opts.Mode == "live" && !armed {
		r.exec.SetDowngrade(r.opts.SimBroker)
	} else if r.opts.Mode == "live" {
		r.exec.SetDowngrade("")
	}
	r.exec.SetDrawdownGuard(armed, limits.MaxDailyDrawdown)

	// ReconcileProtections before any new risk is taken. Open positions stay
	// guarded even when no artifact arrives.
	r.protections.Reconcile(ctx)

	// LoadSignals. Fail-soft: a missing or torn artifact skips intent
	// evaluation and does not count toward the auto guard.
	artifact, err := signal.Load(r.opts.SignalsPath)
	if err != nil {
		logger.With("runner").Warn().Err(err).Msg("⚠️ signal artifact unavailable, skipping cycle")
		r.heartbeat.Touch("alive", "no artifact", r.opts.Mode)
		return nil
	}

	// A broker that fails to report keeps only its own symbols out of this
	// cycle; everyone else still evaluates. Degraded snapshots do not count
	// toward the auto guard either: tripping the kill switch over one venue's
	// network trouble would liquidate every other venue.
	positions, errs := r.exec.GetPositions(ctx)
	failed := make(map[string]bool, len(errs))
	for _, e := range errs {
		var snap *router.SnapshotError
		if errors.As(e, &snap) {
			failed[snap.Broker] = true
		}
		logger.With("runner").Warn().Err(e).Msg("⚠️ partial position snapshot")
	}
	bySymbol := make(map[string]broker.Position, len(positions))
	for _, p := range positions {
		bySymbol[p.Symbol] = p
	}

	// EvaluateIntents + SubmitIntents.
	var submitted, skipped, deferred int
	for sym, sig := range artifact.Signals {
		if len(r.allow) > 0 && !r.allow[strings.ToUpper(sym)] {
			continue
		}
		sigID := sig.ID(artifact.Version)
		if r.lastHandled[sym] == sigID {
			continue
		}
		if len(failed) > 0 {
			if name, rerr := r.exec.ResolveBroker(sig.Symbol); rerr == nil && failed[name] {
				// No snapshot from this broker: evaluating now could double
				// up on a position it holds. Retry once it reports again.
				logger.With("runner").Warn().Str("symbol", sym).Str("broker", name).
					Msg("⚠️ broker snapshot unavailable, symbol deferred")
				deferred++
				continue
			}
		}
		intent, ok := r.deriveIntent(sig, sigID, bySymbol[sym])
		if !ok {
			// Desired already matches actual; the decision is spent.
			r.lastHandled[sym] = sigID
			skipped++
			continue
		}
		handled, err := r.submit(ctx, intent, sig, limits, len(bySymbol))
		if err != nil {
			logger.With("runner").Warn().Err(err).Str("symbol", sym).Msg("⚠️ intent not executed")
		}
		if handled {
			r.lastHandled[sym] = sigID
			submitted++
		}
	}

	// EmitHeartbeat.
	note := fmt.Sprintf("submitted=%d skipped=%d deferred=%d positions=%d elapsed=%s",
		submitted, skipped, deferred, len(bySymbol), time.Since(start).Round(time.Millisecond))
	if err := r.heartbeat.Touch("ok", note, r.opts.Mode); err != nil {
		logger.With("runner").Warn().Err(err).Msg("⚠️ heartbeat write failed")
	}
	logger.With("runner").Info().
		Int("submitted", submitted).Int("skipped", skipped).
		Dur("elapsed", time.Since(start)).Msg("✅ cycle complete")
	return nil
}

// deriveIntent builds at most one intent from the symbol's signal and its
// current position. ok=false means desired already equals actual.
func (r *Runner) deriveIntent(sig signal.Signal, sigID string, pos broker.Position) (signal.Intent, bool) {
	var desired float64
	switch sig.Action {
	case signal.Long:
		desired = sig.Quantity
	case signal.Short:
		desired = -sig.Quantity
	case signal.Flat:
		desired = 0
	default:
		logger.With("runner").Warn().Str("symbol", sig.Symbol).
			Str("action", string(sig.Action)).Msg("⚠️ unknown action in artifact")
		return signal.Intent{}, false
	}

	diff := desired - pos.Quantity
	if math.Abs(diff) < qtyEpsilon {
		return signal.Intent{}, false
	}

	side := broker.Buy
	if diff < 0 {
		side = broker.Sell
	}
	role := "entry"
	reduce := false
	if math.Abs(desired) < math.Abs(pos.Quantity) || desired == 0 {
		role = "exit"
		reduce = true
	}

	brokerName, err := r.exec.ResolveBroker(sig.Symbol)
	if err != nil {
		logger.With("runner").Warn().Err(err).Str("symbol", sig.Symbol).Msg("⚠️ unroutable symbol")
		return signal.Intent{}, false
	}

	return signal.Intent{
		Key:        signal.IdempotencyKey(brokerName, sig.Symbol, role, sigID),
		SignalID:   sigID,
		Symbol:     sig.Symbol,
		Side:       side,
		Quantity:   math.Abs(diff),
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
		Role:       role,
		Reduce:     reduce,
	}, true
}

// submit pushes one intent through reserve → risk gate → place → record.
// handled=true means the signal is spent (success, rejection, risk refusal or
// duplicate); false means the next cycle should try again.
func (r *Runner) submit(ctx context.Context, intent signal.Intent, sig signal.Signal,
	limits config.RiskLimits, openPositions int) (handled bool, err error) {

	brokerName, err := r.exec.ResolveBroker(intent.Symbol)
	if err != nil {
		return true, err
	}

	got, err := r.book.Reserve(ctx, ledger.Reservation{
		Key:      intent.Key,
		Broker:   brokerName,
		Symbol:   intent.Symbol,
		Role:     intent.Role,
		SignalID: intent.SignalID,
		Side:     intent.Side,
		Quantity: intent.Quantity,
	})
	if err != nil {
		return false, fmt.Errorf("ledger reserve: %w", err)
	}
	if !got {
		// Already handled on a previous cycle or by a concurrent caller.
		logger.With("runner").Debug().Str("key", intent.Key).Msg("🔒 duplicate intent skipped")
		return true, nil
	}

	// Risk gates run after the reservation so refusals leave an audit row.
	// Exits always pass: reducing risk must never be blocked by risk limits.
	if !intent.Reduce {
		if reason := r.riskRefusal(ctx, intent, sig, limits, openPositions); reason != "" {
			if lerr := r.book.RecordOutcome(ctx, intent.Key, broker.StatusRejected,
				"", "risk limit exceeded: "+reason); lerr != nil {
				logger.With("runner").Error().Err(lerr).Msg("🚨 ledger outcome write failed")
			}
			logger.With("runner").Warn().Str("symbol", intent.Symbol).Str("reason", reason).
				Msg("⛔ intent refused by risk gate")
			return true, nil
		}
	}

	res, err := r.exec.PlaceOrder(ctx, intent)
	if err != nil {
		return r.recordFailure(ctx, intent, err)
	}

	status := res.Status
	if !status.Terminal() && status != broker.StatusSubmitted {
		status = broker.StatusSubmitted
	}
	if lerr := r.book.RecordOutcome(ctx, intent.Key, status, res.OrderID, ""); lerr != nil {
		logger.With("runner").Error().Err(lerr).Msg("🚨 ledger outcome write failed")
	}
	if status == broker.StatusFilled {
		if lerr := r.book.RecordTrade(ctx, ledger.Trade{
			Broker:   res.Broker,
			Symbol:   res.Symbol,
			Side:     res.Side,
			Quantity: res.Quantity,
			Price:    res.Price,
			OrderID:  res.OrderID,
			SignalID: intent.SignalID,
			Reason:   intent.Role,
		}); lerr != nil {
			logger.With("runner").Warn().Err(lerr).Msg("⚠️ trade history write failed")
		}
	}
	logger.With("runner").Info().
		Str("symbol", intent.Symbol).Str("side", string(intent.Side)).
		Float64("qty", intent.Quantity).Str("status", string(status)).
		Str("broker", res.Broker).Msg("📬 intent executed")

	if intent.Role == "entry" && intent.StopLoss > 0 {
		qty := intent.Quantity
		if intent.Side == broker.Sell {
			qty = -qty
		}
		pos := broker.Position{
			Symbol:   intent.Symbol,
			Broker:   res.Broker,
			Quantity: qty,
			AvgPrice: res.Price,
		}
		if perr := r.protections.Ensure(ctx, pos, intent.StopLoss, intent.TakeProfit, intent.SignalID); perr != nil {
			r.notifier.Sendf("🚨 position %s OPENED but protection failed: %v", intent.Symbol, perr)
			logger.With("runner").Error().Err(perr).Str("symbol", intent.Symbol).
				Msg("🚨 protection setup failed for new position")
		}
	} else if intent.Role == "exit" {
		r.protections.Remove(res.Broker, intent.Symbol)
	}
	return true, nil
}

// recordFailure writes the ledger outcome for a failed placement and decides
// whether the signal is spent. Transient errors re-arm the key (recorded
// cancelled, signal not marked handled); rejections are terminal.
func (r *Runner) recordFailure(ctx context.Context, intent signal.Intent, err error) (bool, error) {
	status := broker.StatusCancelled
	handled := false
	switch {
	case broker.IsRejected(err):
		status = broker.StatusRejected
		handled = true
	case broker.IsTransient(err), broker.IsAuth(err):
		// Retry next cycle; auth errors resolve by restart with fixed keys,
		// until then routing health keeps the adapter out anyway.
	default:
		var riskErr *router.RiskLimitError
		var unroutable *router.UnroutableError
		if errors.As(err, &riskErr) || errors.As(err, &unroutable) {
			status = broker.StatusRejected
			handled = true
		}
	}
	if lerr := r.book.RecordOutcome(ctx, intent.Key, status, "", err.Error()); lerr != nil {
		logger.With("runner").Error().Err(lerr).Msg("🚨 ledger outcome write failed")
	}
	return handled, err
}

// riskRefusal returns a non-empty reason when the intent violates a limit.
func (r *Runner) riskRefusal(ctx context.Context, intent signal.Intent, sig signal.Signal,
	limits config.RiskLimits, openPositions int) string {

	if limits.MaxOpenPositions > 0 && openPositions >= limits.MaxOpenPositions {
		return fmt.Sprintf("open positions %d at cap %d", openPositions, limits.MaxOpenPositions)
	}

	price, err := r.exec.GetPrice(ctx, intent.Symbol)
	if err != nil {
		return fmt.Sprintf("no price for notional check: %v", err)
	}
	notional := price * intent.Quantity
	if limits.MaxPositionNotional > 0 && notional > limits.MaxPositionNotional {
		return fmt.Sprintf("notional %.2f exceeds cap %.2f", notional, limits.MaxPositionNotional)
	}

	if limits.MaxRiskPerTrade > 0 && sig.StopLoss > 0 {
		brokerName, err := r.exec.ResolveBroker(intent.Symbol)
		if err != nil {
			return err.Error()
		}
		adapter, ok := r.exec.Broker(brokerName)
		if !ok {
			return fmt.Sprintf("broker %s not registered", brokerName)
		}
		bal, err := adapter.GetBalance(ctx)
		if err != nil {
			return fmt.Sprintf("no balance for risk check: %v", err)
		}
		atRisk := math.Abs(price-sig.StopLoss) * intent.Quantity
		if bal.Equity > 0 && atRisk > bal.Equity*limits.MaxRiskPerTrade {
			return fmt.Sprintf("stop distance risks %.2f, cap is %.2f%% of %.2f equity",
				atRisk, limits.MaxRiskPerTrade*100, bal.Equity)
		}
	}
	return ""
}

// unwind cancels protections, flattens every position and records the closes.
// A cleared kill-switch flag mid-unwind does not abort it; Halted is terminal.
func (r *Runner) unwind(ctx context.Context, reason string) {
	logger.With("runner").Warn().Str("reason", reason).Msg("🛑 kill switch active, unwinding")
	r.notifier.Sendf("🛑 kill switch active (%s), unwinding all positions", reason)
	r.heartbeat.Touch("error", "unwinding: "+reason, r.opts.Mode)

	r.protections.CancelAll(ctx)

	outcomes := r.exec.CloseAllPositions(ctx, reason)
	day := time.Now().UTC().Format("2006-01-02")
	var failed int
	for _, o := range outcomes {
		if o.Symbol == "" {
			failed++
			continue
		}
		// Unwind closes are driven by broker-reported quantity, which is
		// already idempotent; the ledger row is the audit trail.
		key := signal.IdempotencyKey(o.Broker, o.Symbol, "unwind", day)
		side := broker.Sell
		var qty, price float64
		var orderID string
		status := broker.StatusCancelled
		if o.Order != nil {
			side, qty, price, orderID = o.Order.Side, o.Order.Quantity, o.Order.Price, o.Order.OrderID
			status = o.Order.Status
		}
		if _, err := r.book.Reserve(ctx, ledger.Reservation{
			Key: key, Broker: o.Broker, Symbol: o.Symbol,
			Role: "unwind", SignalID: "killswitch:" + day, Side: side, Quantity: qty,
		}); err != nil {
			logger.With("runner").Error().Err(err).Msg("🚨 unwind ledger reserve failed")
			continue
		}
		errMsg := ""
		if o.Err != nil {
			errMsg = o.Err.Error()
			failed++
		}
		if err := r.book.RecordOutcome(ctx, key, status, orderID, errMsg); err != nil {
			logger.With("runner").Error().Err(err).Msg("🚨 unwind ledger outcome failed")
		}
		if o.Err == nil && o.Order != nil && price > 0 {
			r.book.RecordTrade(ctx, ledger.Trade{
				Broker: o.Broker, Symbol: o.Symbol, Side: side,
				Quantity: qty, Price: price, OrderID: orderID,
				SignalID: "killswitch:" + day, Reason: "unwind",
			})
		}
	}

	if failed > 0 {
		r.notifier.Sendf("🚨 unwind finished with %d FAILED closes, manual intervention required", failed)
		logger.With("runner").Error().Int("failed", failed).Msg("🚨 unwind incomplete")
	} else {
		r.notifier.Send("✅ unwind complete, all positions flat")
		logger.With("runner").Info().Int("closed", len(outcomes)).Msg("✅ unwind complete")
	}
}

// reconcileOnStartup resolves what a crash may have left behind: pending
// ledger rows are verified against broker order history, protection watches
// for vanished positions are pruned, and positions with no trade context get
// a reconstructed history row.
func (r *Runner) reconcileOnStartup(ctx context.Context) error {
	if err := r.protections.Load(); err != nil {
		return err
	}

	stale, err := r.book.StalePending(ctx, r.opts.StalePendingAfter)
	if err != nil {
		return err
	}
	for _, entry := range stale {
		adapter, ok := r.exec.Broker(entry.Broker)
		if !ok {
			logger.With("runner").Warn().Str("key", entry.Key).Str("broker", entry.Broker).
				Msg("⚠️ stale reservation for unregistered broker left as-is")
			continue
		}
		found, err := adapter.FindOrder(ctx, entry.Symbol, entry.OrderID, entry.Key)
		if err != nil {
			logger.With("runner").Warn().Err(err).Str("key", entry.Key).
				Msg("⚠️ could not verify stale reservation, retrying next start")
			continue
		}
		if found == nil {
			// Crashed between reserve and the broker call.
			if err := r.book.RecordOutcome(ctx, entry.Key, broker.StatusCancelled,
				"", "stale reservation, order never reached broker"); err != nil {
				return err
			}
			logger.With("runner").Info().Str("key", entry.Key).Msg("🧹 stale reservation cancelled")
			continue
		}
		if err := r.book.RecordOutcome(ctx, entry.Key, found.Status, found.OrderID, ""); err != nil {
			return err
		}
		logger.With("runner").Info().Str("key", entry.Key).Str("status", string(found.Status)).
			Msg("🔎 stale reservation resolved from broker history")
	}

	positions, errs := r.exec.GetPositions(ctx)
	if len(errs) > 0 {
		// Partial visibility is fine at startup: prune only against what we
		// can see on the healthy brokers next cycle.
		for _, e := range errs {
			logger.With("runner").Warn().Err(e).Msg("⚠️ startup position snapshot incomplete")
		}
		return nil
	}
	r.protections.PruneOrphans(positions)

	// Orphan positions: exposure exists with no recorded fill this process
	// knows about. Reconstruct a history row so the books explain reality.
	since := time.Now().Add(-30 * 24 * time.Hour)
	trades, err := r.book.TradesSince(ctx, since)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(trades))
	for _, t := range trades {
		known[t.Broker+"|"+t.Symbol] = true
	}
	for _, p := range positions {
		if p.Quantity == 0 || known[p.Broker+"|"+p.Symbol] {
			continue
		}
		side := broker.Buy
		if p.Quantity < 0 {
			side = broker.Sell
		}
		if err := r.book.RecordTrade(ctx, ledger.Trade{
			Broker:   p.Broker,
			Symbol:   p.Symbol,
			Side:     side,
			Quantity: math.Abs(p.Quantity),
			Price:    p.AvgPrice,
			OrderID:  "reconciled-" + uuid.NewString(),
			SignalID: "reconciled",
			Reason:   "orphan position reconstructed at startup",
		}); err != nil {
			return err
		}
		logger.With("runner").Warn().Str("symbol", p.Symbol).Str("broker", p.Broker).
			Float64("qty", p.Quantity).Msg("🧩 orphan position reconstructed")
	}
	return nil
}
