package sim

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundcore/broker"
)

func TestFillWithSlippage(t *testing.T) {
	quotes := NewQuoteTable()
	quotes.Set("BTCUSDT", 60000)
	b := New("sim", quotes, 10000, 0.001, "")

	res, err := b.PlaceOrder(context.Background(), broker.OrderRequest{
		Symbol: "BTCUSDT", Side: broker.Buy, Quantity: 0.1,
	})
	require.NoError(t, err)
	assert.Equal(t, broker.StatusFilled, res.Status)
	assert.InDelta(t, 60060, res.Price, 1e-6, "buys fill above the mark")

	res, err = b.PlaceOrder(context.Background(), broker.OrderRequest{
		Symbol: "ETHUSDT", Side: broker.Sell, Quantity: 1,
	})
	require.Error(t, err, "no quote")
	assert.True(t, broker.IsTransient(err))
	assert.Nil(t, res)
}

func TestPositionLifecycleAndPnL(t *testing.T) {
	ctx := context.Background()
	quotes := NewQuoteTable()
	quotes.Set("BTCUSDT", 100)
	b := New("sim", quotes, 10000, 0, "")

	_, err := b.PlaceOrder(ctx, broker.OrderRequest{Symbol: "BTCUSDT", Side: broker.Buy, Quantity: 2})
	require.NoError(t, err)

	// Average in at a higher price.
	quotes.Set("BTCUSDT", 110)
	_, err = b.PlaceOrder(ctx, broker.OrderRequest{Symbol: "BTCUSDT", Side: broker.Buy, Quantity: 2})
	require.NoError(t, err)

	positions, err := b.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.InDelta(t, 4, positions[0].Quantity, 1e-12)
	assert.InDelta(t, 105, positions[0].AvgPrice, 1e-9)
	assert.InDelta(t, 20, positions[0].UnrealizedPnL, 1e-9) // (110-105)*4

	// Close at 120: realized (120-105)*4 = 60.
	quotes.Set("BTCUSDT", 120)
	res, err := b.ClosePosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, broker.Sell, res.Side)

	positions, err = b.GetPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)

	bal, err := b.GetBalance(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10060, bal.Equity, 1e-9)
}

func TestShortPosition(t *testing.T) {
	ctx := context.Background()
	quotes := NewQuoteTable()
	quotes.Set("ETHUSDT", 2500)
	b := New("sim", quotes, 10000, 0, "")

	_, err := b.PlaceOrder(ctx, broker.OrderRequest{Symbol: "ETHUSDT", Side: broker.Sell, Quantity: 2})
	require.NoError(t, err)

	quotes.Set("ETHUSDT", 2400)
	positions, err := b.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.InDelta(t, -2, positions[0].Quantity, 1e-12)
	assert.InDelta(t, 200, positions[0].UnrealizedPnL, 1e-9)

	res, err := b.ClosePosition(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, broker.Buy, res.Side)

	bal, err := b.GetBalance(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10200, bal.Equity, 1e-9)
}

func TestStateSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sim_account.json")
	quotes := NewQuoteTable()
	quotes.Set("BTCUSDT", 100)

	b := New("sim", quotes, 10000, 0, path)
	_, err := b.PlaceOrder(ctx, broker.OrderRequest{Symbol: "BTCUSDT", Side: broker.Buy, Quantity: 1})
	require.NoError(t, err)

	// A new instance over the same state file resumes the account.
	b2 := New("sim", quotes, 10000, 0, path)
	positions, err := b2.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.InDelta(t, 1, positions[0].Quantity, 1e-12)
	assert.InDelta(t, 100, positions[0].AvgPrice, 1e-9)
}

func TestSetProtectionIsUnsupported(t *testing.T) {
	b := New("sim", NewQuoteTable(), 10000, 0, "")
	res, err := b.SetProtection(context.Background(), "BTCUSDT", 90, 120)
	require.NoError(t, err)
	assert.Equal(t, broker.ProtectionUnsupported, res.Mode)
}
