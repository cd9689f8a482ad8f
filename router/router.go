// Package router maps symbols to broker adapters and is the single choke
// point every order passes through. It owns per-broker serialization, order
// pacing, adapter health, and the daily drawdown guard; nothing above it
// talks to an adapter's PlaceOrder directly.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fundcore/broker"
	"fundcore/logger"
	"fundcore/signal"
)

// UnroutableError means no routing entry and no default broker cover the
// symbol. Terminal for the intent: retrying cannot route it.
type UnroutableError struct {
	Symbol string
}

func (e *UnroutableError) Error() string {
	return fmt.Sprintf("router: no broker routes symbol %s", e.Symbol)
}

// RiskLimitError refuses an order before it reaches any broker. Recorded as
// a rejected outcome with the reason preserved.
type RiskLimitError struct {
	Reason string
}

func (e *RiskLimitError) Error() string {
	return "risk limit exceeded: " + e.Reason
}

// SnapshotError tags a fan-out failure with the broker that failed, so a
// caller can degrade that one broker instead of discarding the whole
// snapshot.
type SnapshotError struct {
	Broker string
	Err    error
}

func (e *SnapshotError) Error() string {
	return fmt.Sprintf("%s: %v", e.Broker, e.Err)
}

func (e *SnapshotError) Unwrap() error { return e.Err }

// adapterState pairs an adapter with everything the router tracks about it.
// The mutex serializes all calls into one adapter; distinct adapters run
// concurrently.
type adapterState struct {
	mu      sync.Mutex
	adapter broker.Broker
	bucket  *tokenBucket

	healthy   bool
	lastError string

	anchorDay    string
	anchorEquity float64
}

// Router holds the routing table and adapter registry. The registry is fixed
// after Register calls complete at startup; per-adapter state is locked.
type Router struct {
	mu       sync.RWMutex
	adapters map[string]*adapterState
	routes   map[string]string
	fallback string

	enforceDrawdown bool
	maxDrawdown     float64
	ordersPerMinute float64

	downgradeTo string // when set, every route and snapshot uses this adapter
}

// New builds a router over a symbol->broker table. fallback may be empty, in
// which case unknown symbols are unroutable.
func New(routes map[string]string, fallback string, ordersPerMinute float64) *Router {
	r := &Router{
		adapters: make(map[string]*adapterState),
		routes:   make(map[string]string, len(routes)),
		fallback: fallback,
	}
	for sym, name := range routes {
		r.routes[sym] = name
	}
	r.ordersPerMinute = ordersPerMinute
	return r
}

// Register adds an adapter under its Name. Must be called before the loop
// starts.
func (r *Router) Register(b broker.Broker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[b.Name()] = &adapterState{
		adapter: b,
		bucket:  newTokenBucket(r.ordersPerMinute, 5),
		healthy: true,
	}
}

// SetDrawdownGuard updates the per-cycle drawdown policy. frac <= 0 disables.
func (r *Router) SetDrawdownGuard(enforce bool, frac float64) {
	r.mu.Lock()
	r.enforceDrawdown = enforce && frac > 0
	r.maxDrawdown = frac
	r.mu.Unlock()
}

// SetDowngrade forces every route and snapshot onto the named simulated
// adapter. The runner applies this whenever live trading is not armed; an
// empty name restores normal routing.
func (r *Router) SetDowngrade(simBroker string) {
	r.mu.Lock()
	r.downgradeTo = simBroker
	r.mu.Unlock()
}

// ResolveBroker returns the broker name serving symbol.
func (r *Router) ResolveBroker(symbol string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.downgradeTo != "" {
		return r.downgradeTo, nil
	}
	if name, ok := r.routes[symbol]; ok {
		return name, nil
	}
	if r.fallback != "" {
		return r.fallback, nil
	}
	return "", &UnroutableError{Symbol: symbol}
}

func (r *Router) state(name string) (*adapterState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("router: broker %q not registered", name)
	}
	return st, nil
}

// Healthy reports whether the named adapter is still routable.
func (r *Router) Healthy(name string) bool {
	st, err := r.state(name)
	return err == nil && st.isHealthy()
}

func (s *adapterState) isHealthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

func (s *adapterState) health() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy, s.lastError
}

// markUnhealthy pulls the adapter out of routing. Only a restart (with fixed
// credentials) brings it back.
func (s *adapterState) markUnhealthy(reason string) {
	s.mu.Lock()
	s.healthy = false
	s.lastError = reason
	s.mu.Unlock()
}

// PlaceOrder routes, paces and submits one intent. AuthError from the
// adapter flips it unhealthy before the error is returned.
func (r *Router) PlaceOrder(ctx context.Context, intent signal.Intent) (*broker.OrderResult, error) {
	name, err := r.ResolveBroker(intent.Symbol)
	if err != nil {
		return nil, err
	}
	st, err := r.state(name)
	if err != nil {
		return nil, err
	}
	if healthy, lastErr := st.health(); !healthy {
		return nil, &broker.TransientError{Broker: name, Op: "route",
			Err: fmt.Errorf("adapter unhealthy: %s", lastErr)}
	}

	if !intent.Reduce {
		if err := r.checkDrawdown(ctx, name, st); err != nil {
			return nil, err
		}
	}

	if err := st.bucket.Wait(ctx); err != nil {
		return nil, &broker.TransientError{Broker: name, Op: "rate_limit", Err: err}
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	res, err := st.adapter.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:   intent.Symbol,
		Side:     intent.Side,
		Quantity: intent.Quantity,
		ClientID: intent.Key,
		Reduce:   intent.Reduce,
	})
	if err != nil {
		if broker.IsAuth(err) {
			st.healthy = false
			st.lastError = err.Error()
			logger.With("router").Error().Str("broker", name).Err(err).
				Msg("🚨 adapter credentials dead, pulled from routing")
		}
		return nil, err
	}
	return res, nil
}

// checkDrawdown captures an equity anchor at first use each UTC day and
// refuses risk-increasing orders once the day's loss exceeds the cap.
func (r *Router) checkDrawdown(ctx context.Context, name string, st *adapterState) error {
	r.mu.RLock()
	enforce, maxDD := r.enforceDrawdown, r.maxDrawdown
	r.mu.RUnlock()
	if !enforce {
		return nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	bal, err := st.adapter.GetBalance(ctx)
	if err != nil {
		// Cannot prove we are inside the limit: refuse the increase.
		return &RiskLimitError{Reason: fmt.Sprintf("drawdown check failed on %s: %v", name, err)}
	}

	today := time.Now().UTC().Format("2006-01-02")
	if st.anchorDay != today || st.anchorEquity <= 0 {
		st.anchorDay = today
		st.anchorEquity = bal.Equity
		return nil
	}
	dd := (st.anchorEquity - bal.Equity) / st.anchorEquity
	if dd > maxDD {
		return &RiskLimitError{Reason: fmt.Sprintf(
			"daily drawdown %.2f%% exceeds %.2f%% on %s", dd*100, maxDD*100, name)}
	}
	return nil
}

// GetPrice asks the routed broker for the symbol's mark.
func (r *Router) GetPrice(ctx context.Context, symbol string) (float64, error) {
	name, err := r.ResolveBroker(symbol)
	if err != nil {
		return 0, err
	}
	st, err := r.state(name)
	if err != nil {
		return 0, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.adapter.GetPrice(ctx, symbol)
}

// GetPositions fans out across all healthy adapters concurrently and merges
// the snapshots. A failing adapter contributes a broker-tagged SnapshotError,
// not a panic; the healthy ones still report. An optional broker name list
// narrows the fan-out.
func (r *Router) GetPositions(ctx context.Context, brokers ...string) ([]broker.Position, []error) {
	type result struct {
		positions []broker.Position
		err       error
	}
	states := r.healthyStates(brokers...)
	ch := make(chan result, len(states))
	var wg sync.WaitGroup
	for _, st := range states {
		wg.Add(1)
		go func(st *adapterState) {
			defer wg.Done()
			st.mu.Lock()
			positions, err := st.adapter.GetPositions(ctx)
			name := st.adapter.Name()
			st.mu.Unlock()
			if err != nil {
				if broker.IsAuth(err) {
					st.markUnhealthy(err.Error())
				}
				ch <- result{err: &SnapshotError{Broker: name, Err: err}}
				return
			}
			ch <- result{positions: positions}
		}(st)
	}
	wg.Wait()
	close(ch)

	var out []broker.Position
	var errs []error
	for res := range ch {
		if res.err != nil {
			errs = append(errs, res.err)
			continue
		}
		out = append(out, res.positions...)
	}
	return out, errs
}

// GetOpenOrders fans out like GetPositions, optionally narrowed by broker.
func (r *Router) GetOpenOrders(ctx context.Context, symbol string, brokers ...string) ([]broker.OrderResult, []error) {
	states := r.healthyStates(brokers...)
	var (
		mu   sync.Mutex
		out  []broker.OrderResult
		errs []error
		wg   sync.WaitGroup
	)
	for _, st := range states {
		wg.Add(1)
		go func(st *adapterState) {
			defer wg.Done()
			st.mu.Lock()
			orders, err := st.adapter.GetOpenOrders(ctx, symbol)
			name := st.adapter.Name()
			st.mu.Unlock()
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, &SnapshotError{Broker: name, Err: err})
				return
			}
			out = append(out, orders...)
		}(st)
	}
	wg.Wait()
	return out, errs
}

func (r *Router) healthyStates(brokers ...string) []*adapterState {
	var want map[string]bool
	if len(brokers) > 0 {
		want = make(map[string]bool, len(brokers))
		for _, name := range brokers {
			want[name] = true
		}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.downgradeTo != "" {
		if want != nil && !want[r.downgradeTo] {
			return nil
		}
		if st, ok := r.adapters[r.downgradeTo]; ok && st.isHealthy() {
			return []*adapterState{st}
		}
		return nil
	}
	out := make([]*adapterState, 0, len(r.adapters))
	for name, st := range r.adapters {
		if want != nil && !want[name] {
			continue
		}
		if st.isHealthy() {
			out = append(out, st)
		}
	}
	return out
}

// Broker exposes the adapter registered under name; the protections manager
// uses it for SetProtection and reconciliation lookups.
func (r *Router) Broker(name string) (broker.Broker, bool) {
	st, err := r.state(name)
	if err != nil {
		return nil, false
	}
	return st.adapter, true
}

// CloseOutcome is one position's fate during CloseAllPositions.
type CloseOutcome struct {
	Broker string
	Symbol string
	Order  *broker.OrderResult
	Err    error
}

// CloseAllPositions cancels open orders then market-closes every reported
// position. Brokers are swept concurrently, each serialized on its own lock;
// failures are collected per position and never stop the sweep: during an
// unwind, every close that can happen must happen. Every registered adapter
// contributes outcomes: an unhealthy one cannot be swept, so it reports a
// failed outcome instead of silently vanishing from the tally.
func (r *Router) CloseAllPositions(ctx context.Context, reason string) []CloseOutcome {
	logger.With("router").Warn().Str("reason", reason).Msg("⛔ closing all positions")

	r.mu.RLock()
	states := make([]*adapterState, 0, len(r.adapters))
	for _, st := range r.adapters {
		states = append(states, st)
	}
	r.mu.RUnlock()

	var (
		mu       sync.Mutex
		outcomes []CloseOutcome
		wg       sync.WaitGroup
	)
	for _, st := range states {
		wg.Add(1)
		go func(st *adapterState) {
			defer wg.Done()
			part := r.sweepAdapter(ctx, st)
			mu.Lock()
			outcomes = append(outcomes, part...)
			mu.Unlock()
		}(st)
	}
	wg.Wait()
	return outcomes
}

// sweepAdapter flattens one adapter during an unwind.
func (r *Router) sweepAdapter(ctx context.Context, st *adapterState) []CloseOutcome {
	name := st.adapter.Name()
	if healthy, lastErr := st.health(); !healthy {
		logger.With("router").Error().Str("broker", name).Str("last_error", lastErr).
			Msg("🚨 unhealthy adapter not swept during unwind, positions may remain")
		return []CloseOutcome{{Broker: name,
			Err: fmt.Errorf("adapter unhealthy: %s", lastErr)}}
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	orders, err := st.adapter.GetOpenOrders(ctx, "")
	if err != nil {
		logger.With("router").Error().Str("broker", name).Err(err).
			Msg("🚨 could not list open orders during unwind")
	}
	for _, o := range orders {
		if err := st.adapter.CancelOrder(ctx, o.Symbol, o.OrderID); err != nil {
			logger.With("router").Error().Str("broker", name).
				Str("symbol", o.Symbol).Str("order_id", o.OrderID).Err(err).
				Msg("🚨 cancel failed during unwind")
		}
	}

	positions, err := st.adapter.GetPositions(ctx)
	if err != nil {
		return []CloseOutcome{{Broker: name, Err: err}}
	}
	var outcomes []CloseOutcome
	for _, p := range positions {
		if p.Quantity == 0 {
			continue
		}
		res, err := st.adapter.ClosePosition(ctx, p.Symbol)
		outcomes = append(outcomes, CloseOutcome{
			Broker: name, Symbol: p.Symbol, Order: res, Err: err,
		})
		if err != nil {
			logger.With("router").Error().Str("broker", name).
				Str("symbol", p.Symbol).Err(err).Msg("🚨 close failed during unwind")
		}
	}
	return outcomes
}
