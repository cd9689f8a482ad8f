// Package binance adapts Binance USD-M futures to the broker interface.
// Protections are native: the exchange holds STOP_MARKET / TAKE_PROFIT_MARKET
// close-position orders, so they survive even if this process dies.
package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"

	"fundcore/broker"
	"fundcore/logger"
)

// Broker wraps the futures REST client. All methods are safe for the router's
// per-adapter serialization; the client itself is stateless.
type Broker struct {
	name   string
	client *futures.Client
}

var _ broker.Broker = (*Broker)(nil)

// New builds a live or testnet adapter. Testnet flips the library-global base
// URL, which is fine: we never mix testnet and mainnet in one process.
func New(name, apiKey, secretKey string, testnet bool) *Broker {
	futures.UseTestnet = testnet
	return &Broker{
		name:   name,
		client: gobinance.NewFuturesClient(apiKey, secretKey),
	}
}

func (b *Broker) Name() string { return b.name }

// classify maps a go-binance error onto the shared taxonomy. Auth codes kill
// the adapter, not the process; anything without an API code is network-level
// and retryable.
func (b *Broker) classify(op, symbol string, err error) error {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return &broker.TransientError{Broker: b.name, Op: op, Err: err}
	}
	switch apiErr.Code {
	case -2014, -2015, -1022: // bad key / invalid signature
		return &broker.AuthError{Broker: b.name, Err: err}
	case -1003, -1021: // rate limited / timestamp drift
		return &broker.TransientError{Broker: b.name, Op: op, Err: err}
	}
	return &broker.RejectedError{Broker: b.name, Symbol: symbol, Reason: apiErr.Message}
}

func sideType(s broker.Side) futures.SideType {
	if s == broker.Buy {
		return futures.SideTypeBuy
	}
	return futures.SideTypeSell
}

func mapStatus(s futures.OrderStatusType) broker.OrderStatus {
	switch s {
	case futures.OrderStatusTypeFilled:
		return broker.StatusFilled
	case futures.OrderStatusTypeRejected, futures.OrderStatusTypeExpired:
		return broker.StatusRejected
	case futures.OrderStatusTypeCanceled:
		return broker.StatusCancelled
	case futures.OrderStatusTypeNew, futures.OrderStatusTypePartiallyFilled:
		return broker.StatusSubmitted
	}
	return broker.StatusPending
}

func parseF(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func (b *Broker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (*broker.OrderResult, error) {
	svc := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(sideType(req.Side)).
		Type(futures.OrderTypeMarket).
		Quantity(strconv.FormatFloat(req.Quantity, 'f', -1, 64))
	if req.ClientID != "" {
		svc = svc.NewClientOrderID(req.ClientID)
	}
	if req.Reduce {
		svc = svc.ReduceOnly(true)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, b.classify("place_order", req.Symbol, err)
	}

	res := &broker.OrderResult{
		OrderID:  strconv.FormatInt(resp.OrderID, 10),
		ClientID: resp.ClientOrderID,
		Symbol:   resp.Symbol,
		Side:     req.Side,
		Quantity: parseF(resp.OrigQuantity),
		Price:    parseF(resp.AvgPrice),
		Status:   mapStatus(resp.Status),
		Broker:   b.name,
	}
	logger.With("binance").Info().
		Str("symbol", res.Symbol).Str("side", string(res.Side)).
		Float64("qty", res.Quantity).Str("order_id", res.OrderID).
		Msg("📤 order placed")
	return res, nil
}

func (b *Broker) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("binance: bad order id %q: %w", orderID, err)
	}
	if _, err := b.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx); err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == -2011 {
			// Unknown order: already filled or gone, nothing to cancel.
			return nil
		}
		return b.classify("cancel_order", symbol, err)
	}
	return nil
}

func (b *Broker) GetBalance(ctx context.Context) (broker.Balance, error) {
	acct, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return broker.Balance{}, b.classify("get_balance", "", err)
	}
	return broker.Balance{
		Broker:   b.name,
		Equity:   parseF(acct.TotalMarginBalance),
		Cash:     parseF(acct.AvailableBalance),
		Currency: "USDT",
	}, nil
}

func (b *Broker) GetPositions(ctx context.Context) ([]broker.Position, error) {
	risks, err := b.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, b.classify("get_positions", "", err)
	}
	var out []broker.Position
	for _, r := range risks {
		qty := parseF(r.PositionAmt)
		if qty == 0 {
			continue
		}
		out = append(out, broker.Position{
			Symbol:        r.Symbol,
			Broker:        b.name,
			Quantity:      qty,
			AvgPrice:      parseF(r.EntryPrice),
			MarkPrice:     parseF(r.MarkPrice),
			UnrealizedPnL: parseF(r.UnRealizedProfit),
		})
	}
	return out, nil
}

func (b *Broker) GetOpenOrders(ctx context.Context, symbol string) ([]broker.OrderResult, error) {
	orders, err := b.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, b.classify("get_open_orders", symbol, err)
	}
	out := make([]broker.OrderResult, 0, len(orders))
	for _, o := range orders {
		out = append(out, orderToResult(b.name, o))
	}
	return out, nil
}

func orderToResult(name string, o *futures.Order) broker.OrderResult {
	side := broker.Sell
	if o.Side == futures.SideTypeBuy {
		side = broker.Buy
	}
	price := parseF(o.AvgPrice)
	if price == 0 {
		price = parseF(o.Price)
	}
	return broker.OrderResult{
		OrderID:  strconv.FormatInt(o.OrderID, 10),
		ClientID: o.ClientOrderID,
		Symbol:   o.Symbol,
		Side:     side,
		Quantity: parseF(o.OrigQuantity),
		Price:    price,
		Status:   mapStatus(o.Status),
		Broker:   name,
	}
}

func (b *Broker) ClosePosition(ctx context.Context, symbol string) (*broker.OrderResult, error) {
	positions, err := b.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range positions {
		if p.Symbol != symbol {
			continue
		}
		qty := p.Quantity
		if qty < 0 {
			qty = -qty
		}
		return b.PlaceOrder(ctx, broker.OrderRequest{
			Symbol:   symbol,
			Side:     broker.Opposite(p.Quantity),
			Quantity: qty,
			Reduce:   true,
		})
	}
	return nil, nil
}

func (b *Broker) GetPrice(ctx context.Context, symbol string) (float64, error) {
	prices, err := b.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, b.classify("get_price", symbol, err)
	}
	if len(prices) == 0 {
		return 0, &broker.TransientError{Broker: b.name, Op: "get_price",
			Err: fmt.Errorf("no ticker for %s", symbol)}
	}
	return parseF(prices[0].Price), nil
}

// SetProtection places close-position STOP_MARKET and TAKE_PROFIT_MARKET
// orders. Either trigger may be zero to skip that leg. The orders live on the
// exchange, so mode is native.
func (b *Broker) SetProtection(ctx context.Context, symbol string, stop, takeProfit float64) (broker.ProtectionResult, error) {
	positions, err := b.GetPositions(ctx)
	if err != nil {
		return broker.ProtectionResult{}, err
	}
	var pos *broker.Position
	for i := range positions {
		if positions[i].Symbol == symbol {
			pos = &positions[i]
			break
		}
	}
	if pos == nil {
		return broker.ProtectionResult{}, &broker.RejectedError{
			Broker: b.name, Symbol: symbol, Reason: "no open position to protect"}
	}
	closeSide := sideType(broker.Opposite(pos.Quantity))

	res := broker.ProtectionResult{Mode: broker.ProtectionNative}
	if stop > 0 {
		o, err := b.client.NewCreateOrderService().
			Symbol(symbol).
			Side(closeSide).
			Type(futures.OrderTypeStopMarket).
			StopPrice(strconv.FormatFloat(stop, 'f', -1, 64)).
			ClosePosition(true).
			Do(ctx)
		if err != nil {
			return broker.ProtectionResult{}, b.classify("set_stop_loss", symbol, err)
		}
		res.StopOrderID = strconv.FormatInt(o.OrderID, 10)
	}
	if takeProfit > 0 {
		o, err := b.client.NewCreateOrderService().
			Symbol(symbol).
			Side(closeSide).
			Type(futures.OrderTypeTakeProfitMarket).
			StopPrice(strconv.FormatFloat(takeProfit, 'f', -1, 64)).
			ClosePosition(true).
			Do(ctx)
		if err != nil {
			// Keep the stop leg: half a protection beats none. The caller
			// records what actually stuck.
			logger.With("binance").Error().Err(err).Str("symbol", symbol).
				Msg("🚨 take-profit leg failed, stop-loss remains")
			return res, b.classify("set_take_profit", symbol, err)
		}
		res.TakeProfitOrder = strconv.FormatInt(o.OrderID, 10)
	}
	return res, nil
}

func (b *Broker) FindOrder(ctx context.Context, symbol, orderID, clientID string) (*broker.OrderResult, error) {
	svc := b.client.NewGetOrderService().Symbol(symbol)
	if orderID != "" {
		id, err := strconv.ParseInt(orderID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("binance: bad order id %q: %w", orderID, err)
		}
		svc = svc.OrderID(id)
	} else if clientID != "" {
		svc = svc.OrigClientOrderID(clientID)
	} else {
		return nil, fmt.Errorf("binance: FindOrder needs an order id or client id")
	}

	o, err := svc.Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == -2013 {
			// Order does not exist: never reached the exchange.
			return nil, nil
		}
		return nil, b.classify("find_order", symbol, err)
	}
	res := orderToResult(b.name, o)
	return &res, nil
}
