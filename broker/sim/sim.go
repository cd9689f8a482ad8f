// Package sim is the in-process broker used for paper trading, the live-arm
// downgrade path and synthetic protection emulation. Fills are instant with
// configurable slippage; account state survives restarts through a JSON
// snapshot so a paper run behaves like a real account across reboots.
package sim

import (
	"context"
	"fmt"
	"sync"

	"fundcore/broker"
	"fundcore/logger"
	"fundcore/state"
)

// PriceSource supplies marks for fills and revaluation. Live paper setups
// plug a real adapter's GetPrice here; tests plug a static quote table.
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
}

// QuoteTable is a trivial in-memory PriceSource.
type QuoteTable struct {
	mu     sync.RWMutex
	quotes map[string]float64
}

func NewQuoteTable() *QuoteTable {
	return &QuoteTable{quotes: make(map[string]float64)}
}

func (q *QuoteTable) Set(symbol string, price float64) {
	q.mu.Lock()
	q.quotes[symbol] = price
	q.mu.Unlock()
}

func (q *QuoteTable) GetPrice(_ context.Context, symbol string) (float64, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	px, ok := q.quotes[symbol]
	if !ok {
		return 0, fmt.Errorf("sim: no quote for %s", symbol)
	}
	return px, nil
}

type simPosition struct {
	Quantity float64 `json:"qty"`
	AvgPrice float64 `json:"avg"`
}

type snapshot struct {
	StartingEquity float64                `json:"starting_equity"`
	RealizedPnL    float64                `json:"realized_pnl"`
	OrderSeq       uint64                 `json:"order_seq"`
	Positions      map[string]simPosition `json:"positions"`
}

// Broker simulates an account entirely in memory. One mutex guards all state:
// the router serializes per-adapter anyway, the lock just keeps direct test
// use safe.
type Broker struct {
	name      string
	prices    PriceSource
	slippage  float64
	statePath string // optional; empty disables persistence

	mu        sync.Mutex
	equity    float64
	realized  float64
	orderSeq  uint64
	positions map[string]simPosition
}

var _ broker.Broker = (*Broker)(nil)

// New creates a simulated account. statePath may be empty (no persistence,
// used by tests); otherwise prior state is restored from it.
func New(name string, prices PriceSource, startingEquity, slippage float64, statePath string) *Broker {
	b := &Broker{
		name:      name,
		prices:    prices,
		slippage:  slippage,
		statePath: statePath,
		equity:    startingEquity,
		positions: make(map[string]simPosition),
	}
	b.restore()
	return b
}

func (b *Broker) Name() string { return b.name }

func (b *Broker) restore() {
	if b.statePath == "" {
		return
	}
	var snap snapshot
	ok, err := state.ReadJSON(b.statePath, &snap)
	if err != nil {
		logger.With("sim").Warn().Err(err).Str("broker", b.name).Msg("⚠️ failed to restore sim state, starting fresh")
		return
	}
	if !ok {
		return
	}
	b.equity = snap.StartingEquity
	b.realized = snap.RealizedPnL
	b.orderSeq = snap.OrderSeq
	if snap.Positions != nil {
		b.positions = snap.Positions
	}
	logger.With("sim").Info().Str("broker", b.name).
		Float64("equity", b.equity+b.realized).Uint64("orders", b.orderSeq).
		Msg("♻️ sim state restored")
}

// persist is called with b.mu held.
func (b *Broker) persist() {
	if b.statePath == "" {
		return
	}
	live := make(map[string]simPosition)
	for sym, p := range b.positions {
		if p.Quantity != 0 {
			live[sym] = p
		}
	}
	snap := snapshot{
		StartingEquity: b.equity,
		RealizedPnL:    b.realized,
		OrderSeq:       b.orderSeq,
		Positions:      live,
	}
	if err := state.WriteJSON(b.statePath, snap); err != nil {
		logger.With("sim").Warn().Err(err).Str("broker", b.name).Msg("⚠️ failed to persist sim state")
	}
}

func (b *Broker) nextOrderID() string {
	b.orderSeq++
	return fmt.Sprintf("%s-ord-%d", b.name, b.orderSeq)
}

func (b *Broker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (*broker.OrderResult, error) {
	if req.Quantity <= 0 {
		return nil, &broker.RejectedError{Broker: b.name, Symbol: req.Symbol, Reason: "quantity must be > 0"}
	}

	mark, err := b.prices.GetPrice(ctx, req.Symbol)
	if err != nil {
		return nil, &broker.TransientError{Broker: b.name, Op: "place_order", Err: err}
	}

	// Market fill with slippage: buys a touch worse, sells a touch worse.
	fill := mark
	if req.Side == broker.Buy {
		fill = mark * (1 + b.slippage)
	} else {
		fill = mark * (1 - b.slippage)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.equity+b.realized <= 0 {
		return nil, &broker.RejectedError{Broker: b.name, Symbol: req.Symbol, Reason: "margin call: equity exhausted"}
	}

	pos := b.positions[req.Symbol]
	signed := req.Quantity
	if req.Side == broker.Sell {
		signed = -req.Quantity
	}

	switch {
	case pos.Quantity == 0:
		pos.Quantity = signed
		pos.AvgPrice = fill
	case (pos.Quantity > 0) == (signed > 0):
		// Same direction: average in.
		newQty := pos.Quantity + signed
		pos.AvgPrice = (pos.AvgPrice*pos.Quantity + fill*signed) / newQty
		pos.Quantity = newQty
	default:
		// Reduce, flat or flip.
		closing := abs(pos.Quantity)
		if c := abs(signed); c < closing {
			closing = c
		}
		if pos.Quantity > 0 {
			b.realized += (fill - pos.AvgPrice) * closing
		} else {
			b.realized += (pos.AvgPrice - fill) * closing
		}
		newQty := pos.Quantity + signed
		if newQty == 0 {
			pos = simPosition{}
		} else {
			pos.Quantity = newQty
			pos.AvgPrice = fill // remaining tail re-priced at the flip
		}
	}
	b.positions[req.Symbol] = pos

	id := b.nextOrderID()
	b.persist()

	return &broker.OrderResult{
		OrderID:  id,
		ClientID: req.ClientID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Quantity: req.Quantity,
		Price:    fill,
		Status:   broker.StatusFilled,
		Broker:   b.name,
	}, nil
}

// CancelOrder is a no-op: sim orders fill instantly, nothing stays open.
func (b *Broker) CancelOrder(context.Context, string, string) error { return nil }

func (b *Broker) GetBalance(ctx context.Context) (broker.Balance, error) {
	positions, err := b.GetPositions(ctx)
	if err != nil {
		return broker.Balance{}, err
	}
	var unrealized float64
	for _, p := range positions {
		unrealized += p.UnrealizedPnL
	}
	b.mu.Lock()
	cash := b.equity + b.realized
	b.mu.Unlock()
	return broker.Balance{
		Broker:   b.name,
		Equity:   cash + unrealized,
		Cash:     cash,
		Currency: "USDT",
	}, nil
}

func (b *Broker) GetPositions(ctx context.Context) ([]broker.Position, error) {
	b.mu.Lock()
	open := make(map[string]simPosition)
	for sym, p := range b.positions {
		if p.Quantity != 0 {
			open[sym] = p
		}
	}
	b.mu.Unlock()

	out := make([]broker.Position, 0, len(open))
	for sym, p := range open {
		mark, err := b.prices.GetPrice(ctx, sym)
		if err != nil {
			// Revalue with the entry price rather than dropping the position.
			mark = p.AvgPrice
		}
		var unrealized float64
		if p.Quantity > 0 {
			unrealized = (mark - p.AvgPrice) * p.Quantity
		} else {
			unrealized = (p.AvgPrice - mark) * (-p.Quantity)
		}
		out = append(out, broker.Position{
			Symbol:        sym,
			Broker:        b.name,
			Quantity:      p.Quantity,
			AvgPrice:      p.AvgPrice,
			MarkPrice:     mark,
			UnrealizedPnL: unrealized,
		})
	}
	return out, nil
}

// GetOpenOrders always returns empty: everything fills on arrival.
func (b *Broker) GetOpenOrders(context.Context, string) ([]broker.OrderResult, error) {
	return nil, nil
}

func (b *Broker) ClosePosition(ctx context.Context, symbol string) (*broker.OrderResult, error) {
	b.mu.Lock()
	pos := b.positions[symbol]
	b.mu.Unlock()
	if pos.Quantity == 0 {
		return nil, nil
	}
	return b.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:   symbol,
		Side:     broker.Opposite(pos.Quantity),
		Quantity: abs(pos.Quantity),
		Reduce:   true,
	})
}

func (b *Broker) GetPrice(ctx context.Context, symbol string) (float64, error) {
	return b.prices.GetPrice(ctx, symbol)
}

// SetProtection reports unsupported: the protections manager runs synthetic
// watches against sim accounts, which is exactly what paper mode should test.
func (b *Broker) SetProtection(context.Context, string, float64, float64) (broker.ProtectionResult, error) {
	return broker.ProtectionResult{Mode: broker.ProtectionUnsupported}, nil
}

// FindOrder cannot recover history (sim keeps none); reconciliation treats a
// missing order as never-submitted.
func (b *Broker) FindOrder(context.Context, string, string, string) (*broker.OrderResult, error) {
	return nil, nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
