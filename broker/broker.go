// Package broker defines the uniform capability surface the execution router
// expects from every exchange/brokerage connection. Live adapters live in the
// sub-packages (binance, alpaca); the sim package provides the in-process
// variant used for paper trading and synthetic protection emulation.
package broker

import "context"

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the closing side for a signed position quantity.
func Opposite(qty float64) Side {
	if qty > 0 {
		return Sell
	}
	return Buy
}

// OrderStatus values an adapter may report. They line up with the ledger's
// terminal statuses so outcomes translate one to one.
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusSubmitted OrderStatus = "submitted"
	StatusFilled    OrderStatus = "filled"
	StatusRejected  OrderStatus = "rejected"
	StatusCancelled OrderStatus = "cancelled"
)

// Terminal reports whether no further transition is expected.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusRejected || s == StatusCancelled
}

// OrderRequest is a normalized market order. ClientID carries the ledger
// idempotency key down to brokers that support client order ids, so a
// resubmitted request after a crash dedupes server-side too.
type OrderRequest struct {
	Symbol   string
	Side     Side
	Quantity float64
	ClientID string
	Reduce   bool // close-only; never increases exposure
}

// OrderResult is the normalized acknowledgment for a placed or queried order.
type OrderResult struct {
	OrderID  string
	ClientID string
	Symbol   string
	Side     Side
	Quantity float64
	Price    float64
	Status   OrderStatus
	Broker   string
}

// Position is broker-reported open exposure. Quantity is signed: positive
// long, negative short. The broker stays the authority; everything above the
// adapters treats this as a snapshot.
type Position struct {
	Symbol        string
	Broker        string
	Quantity      float64
	AvgPrice      float64
	MarkPrice     float64
	UnrealizedPnL float64
}

// Balance is the per-broker account snapshot used for sizing and the daily
// drawdown guard.
type Balance struct {
	Broker   string
	Equity   float64
	Cash     float64
	Currency string
}

// ProtectionMode reports how an adapter satisfied SetProtection.
type ProtectionMode string

const (
	ProtectionNative      ProtectionMode = "native"
	ProtectionUnsupported ProtectionMode = "unsupported"
)

// ProtectionResult carries the broker order ids of native protective orders
// so they can be cancelled during unwind.
type ProtectionResult struct {
	Mode            ProtectionMode
	StopOrderID     string
	TakeProfitOrder string
}

// Broker is the capability set every adapter implements. All network-bound
// calls take a context; adapters surface failures through the typed errors in
// errors.go so callers can tell retryable from terminal from fatal.
type Broker interface {
	Name() string

	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetBalance(ctx context.Context) (Balance, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]OrderResult, error)
	ClosePosition(ctx context.Context, symbol string) (*OrderResult, error)
	GetPrice(ctx context.Context, symbol string) (float64, error)

	// SetProtection arranges stop-loss/take-profit for the open position on
	// symbol. Adapters without native support return ProtectionUnsupported
	// and the protections manager takes over with a synthetic watch.
	SetProtection(ctx context.Context, symbol string, stop, takeProfit float64) (ProtectionResult, error)

	// FindOrder looks an order up by broker id or client id; used by the
	// restart reconciliation sweep to resolve stale ledger reservations.
	FindOrder(ctx context.Context, symbol, orderID, clientID string) (*OrderResult, error)
}
