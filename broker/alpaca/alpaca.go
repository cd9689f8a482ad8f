// Package alpaca adapts Alpaca equities trading to the broker interface.
// Protection is native through bracket/OCO orders held by Alpaca. The SDK is
// not context-aware, so contexts gate only our side of each call.
package alpaca

import (
	"context"
	"errors"
	"fmt"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"fundcore/broker"
	"fundcore/logger"
)

// Broker wraps the v3 trading and market-data clients.
type Broker struct {
	name    string
	trading *alpaca.Client
	md      *marketdata.Client
}

var _ broker.Broker = (*Broker)(nil)

// New builds an adapter. paper selects the paper-trading endpoint; equities
// live mode should only ever be reached through the armed-live gate.
func New(name, apiKey, secretKey string, paper bool) *Broker {
	baseURL := "https://api.alpaca.markets"
	if paper {
		baseURL = "https://paper-api.alpaca.markets"
	}
	return &Broker{
		name: name,
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: secretKey,
			BaseURL:   baseURL,
		}),
		md: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    apiKey,
			APISecret: secretKey,
		}),
	}
}

func (b *Broker) Name() string { return b.name }

// classify maps SDK errors onto the shared taxonomy using the HTTP status:
// 401/403 auth, 429 and 5xx transient, anything else on an order path is a
// refusal. Non-API errors are network failures.
func (b *Broker) classify(op, symbol string, err error) error {
	var apiErr *alpaca.APIError
	if !errors.As(err, &apiErr) {
		return &broker.TransientError{Broker: b.name, Op: op, Err: err}
	}
	switch {
	case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
		return &broker.AuthError{Broker: b.name, Err: err}
	case apiErr.StatusCode == 429 || apiErr.StatusCode >= 500:
		return &broker.TransientError{Broker: b.name, Op: op, Err: err}
	}
	return &broker.RejectedError{Broker: b.name, Symbol: symbol, Reason: apiErr.Message}
}

func mapStatus(status string) broker.OrderStatus {
	switch status {
	case "filled":
		return broker.StatusFilled
	case "rejected", "expired":
		return broker.StatusRejected
	case "canceled":
		return broker.StatusCancelled
	case "new", "accepted", "partially_filled", "pending_new":
		return broker.StatusSubmitted
	}
	return broker.StatusPending
}

func mapOrder(name string, o *alpaca.Order) *broker.OrderResult {
	if o == nil {
		return nil
	}
	side := broker.Sell
	if o.Side == alpaca.Buy {
		side = broker.Buy
	}
	var qty, price float64
	if o.Qty != nil {
		qty, _ = o.Qty.Float64()
	}
	if o.FilledAvgPrice != nil {
		price, _ = o.FilledAvgPrice.Float64()
	}
	return &broker.OrderResult{
		OrderID:  o.ID,
		ClientID: o.ClientOrderID,
		Symbol:   o.Symbol,
		Side:     side,
		Quantity: qty,
		Price:    price,
		Status:   mapStatus(string(o.Status)),
		Broker:   name,
	}
}

func (b *Broker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (*broker.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	qty := decimal.NewFromFloat(req.Quantity)
	side := alpaca.Buy
	if req.Side == broker.Sell {
		side = alpaca.Sell
	}
	o, err := b.trading.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          side,
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: req.ClientID,
	})
	if err != nil {
		return nil, b.classify("place_order", req.Symbol, err)
	}
	res := mapOrder(b.name, o)
	logger.With("alpaca").Info().
		Str("symbol", res.Symbol).Str("side", string(res.Side)).
		Float64("qty", res.Quantity).Str("order_id", res.OrderID).
		Msg("📤 order placed")
	return res, nil
}

func (b *Broker) CancelOrder(ctx context.Context, _, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.trading.CancelOrder(orderID); err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == 404 {
			return nil
		}
		return b.classify("cancel_order", "", err)
	}
	return nil
}

func (b *Broker) GetBalance(ctx context.Context) (broker.Balance, error) {
	if err := ctx.Err(); err != nil {
		return broker.Balance{}, err
	}
	acct, err := b.trading.GetAccount()
	if err != nil {
		return broker.Balance{}, b.classify("get_balance", "", err)
	}
	equity, _ := acct.Equity.Float64()
	cash, _ := acct.Cash.Float64()
	return broker.Balance{
		Broker:   b.name,
		Equity:   equity,
		Cash:     cash,
		Currency: acct.Currency,
	}, nil
}

func (b *Broker) GetPositions(ctx context.Context) ([]broker.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	positions, err := b.trading.GetPositions()
	if err != nil {
		return nil, b.classify("get_positions", "", err)
	}
	var out []broker.Position
	for _, p := range positions {
		qty, _ := p.Qty.Float64()
		if qty == 0 {
			continue
		}
		avg, _ := p.AvgEntryPrice.Float64()
		var mark, upl float64
		if p.CurrentPrice != nil {
			mark, _ = p.CurrentPrice.Float64()
		}
		if p.UnrealizedPL != nil {
			upl, _ = p.UnrealizedPL.Float64()
		}
		out = append(out, broker.Position{
			Symbol:        p.Symbol,
			Broker:        b.name,
			Quantity:      qty,
			AvgPrice:      avg,
			MarkPrice:     mark,
			UnrealizedPnL: upl,
		})
	}
	return out, nil
}

func (b *Broker) GetOpenOrders(ctx context.Context, symbol string) ([]broker.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req := alpaca.GetOrdersRequest{Status: "open", Limit: 100}
	if symbol != "" {
		req.Symbols = []string{symbol}
	}
	orders, err := b.trading.GetOrders(req)
	if err != nil {
		return nil, b.classify("get_open_orders", symbol, err)
	}
	out := make([]broker.OrderResult, 0, len(orders))
	for i := range orders {
		out = append(out, *mapOrder(b.name, &orders[i]))
	}
	return out, nil
}

func (b *Broker) ClosePosition(ctx context.Context, symbol string) (*broker.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o, err := b.trading.ClosePosition(symbol, alpaca.ClosePositionRequest{})
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == 404 {
			// Already flat.
			return nil, nil
		}
		return nil, b.classify("close_position", symbol, err)
	}
	return mapOrder(b.name, o), nil
}

func (b *Broker) GetPrice(ctx context.Context, symbol string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	trade, err := b.md.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
	if err != nil {
		return 0, b.classify("get_price", symbol, err)
	}
	if trade == nil {
		return 0, &broker.TransientError{Broker: b.name, Op: "get_price",
			Err: fmt.Errorf("no trade tape for %s", symbol)}
	}
	return trade.Price, nil
}

// SetProtection attaches an OCO exit pair to the open position: a stop order
// and a take-profit limit sharing one cancel group, held server-side.
func (b *Broker) SetProtection(ctx context.Context, symbol string, stop, takeProfit float64) (broker.ProtectionResult, error) {
	if err := ctx.Err(); err != nil {
		return broker.ProtectionResult{}, err
	}
	pos, err := b.trading.GetPosition(symbol)
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == 404 {
			return broker.ProtectionResult{}, &broker.RejectedError{
				Broker: b.name, Symbol: symbol, Reason: "no open position to protect"}
		}
		return broker.ProtectionResult{}, b.classify("set_protection", symbol, err)
	}

	qty := pos.Qty.Abs()
	side := alpaca.Sell
	if pos.Qty.IsNegative() {
		side = alpaca.Buy
	}
	req := alpaca.PlaceOrderRequest{
		Symbol:      symbol,
		Qty:         &qty,
		Side:        side,
		Type:        alpaca.Limit,
		TimeInForce: alpaca.GTC,
		OrderClass:  alpaca.OCO,
	}
	if takeProfit > 0 {
		tp := decimal.NewFromFloat(takeProfit)
		req.TakeProfit = &alpaca.TakeProfit{LimitPrice: &tp}
	}
	if stop > 0 {
		sl := decimal.NewFromFloat(stop)
		req.StopLoss = &alpaca.StopLoss{StopPrice: &sl}
	}

	o, err := b.trading.PlaceOrder(req)
	if err != nil {
		return broker.ProtectionResult{}, b.classify("set_protection", symbol, err)
	}

	res := broker.ProtectionResult{Mode: broker.ProtectionNative}
	// The OCO parent is the take-profit leg; the stop rides in Legs.
	res.TakeProfitOrder = o.ID
	for _, leg := range o.Legs {
		if leg.Type == alpaca.Stop || leg.Type == alpaca.StopLimit {
			res.StopOrderID = leg.ID
		}
	}
	return res, nil
}

func (b *Broker) FindOrder(ctx context.Context, _, orderID, clientID string) (*broker.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var o *alpaca.Order
	var err error
	switch {
	case orderID != "":
		o, err = b.trading.GetOrder(orderID)
	case clientID != "":
		o, err = b.trading.GetOrderByClientOrderID(clientID)
	default:
		return nil, fmt.Errorf("alpaca: FindOrder needs an order id or client id")
	}
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == 404 {
			return nil, nil
		}
		return nil, b.classify("find_order", "", err)
	}
	return mapOrder(b.name, o), nil
}
