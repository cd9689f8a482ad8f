package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundcore/broker"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func reservation(key string) Reservation {
	return Reservation{
		Key:      key,
		Broker:   "sim",
		Symbol:   "BTCUSDT",
		Role:     "entry",
		SignalID: "BTCUSDT:42:v1",
		Side:     broker.Buy,
		Quantity: 0.01,
	}
}

func TestReserveExactlyOnce(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	got, err := l.Reserve(ctx, reservation("k1"))
	require.NoError(t, err)
	assert.True(t, got, "first reserve must win")

	got, err = l.Reserve(ctx, reservation("k1"))
	require.NoError(t, err)
	assert.False(t, got, "second reserve must lose")

	entry, err := l.Get(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, broker.StatusPending, entry.Status)
}

func TestReserveStaysConsumedThroughSuccess(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	got, err := l.Reserve(ctx, reservation("k1"))
	require.NoError(t, err)
	require.True(t, got)

	require.NoError(t, l.RecordOutcome(ctx, "k1", broker.StatusFilled, "ord-1", ""))

	got, err = l.Reserve(ctx, reservation("k1"))
	require.NoError(t, err)
	assert.False(t, got, "a filled key must never re-arm")

	require.NoError(t, l.RecordOutcome(ctx, "k1", broker.StatusSubmitted, "ord-1", ""))
	got, err = l.Reserve(ctx, reservation("k1"))
	require.NoError(t, err)
	assert.False(t, got, "a submitted key must never re-arm")
}

func TestReserveReArmsAfterTerminalNegative(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	for _, status := range []broker.OrderStatus{broker.StatusRejected, broker.StatusCancelled} {
		got, err := l.Reserve(ctx, reservation("k-"+string(status)))
		require.NoError(t, err)
		require.True(t, got)

		require.NoError(t, l.RecordOutcome(ctx, "k-"+string(status), status, "", "exchange said no"))

		got, err = l.Reserve(ctx, reservation("k-"+string(status)))
		require.NoError(t, err)
		assert.True(t, got, "a %s key re-arms for one more try", status)

		entry, err := l.Get(ctx, "k-"+string(status))
		require.NoError(t, err)
		assert.Equal(t, broker.StatusPending, entry.Status)
		assert.Empty(t, entry.LastError, "re-arm clears the old error")
		assert.Equal(t, 1, entry.Retries, "re-arm counts the retry")
	}
}

func TestRecordOutcomeUnknownKey(t *testing.T) {
	l := openTestLedger(t)
	err := l.RecordOutcome(context.Background(), "never-reserved", broker.StatusFilled, "x", "")
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestStalePending(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	got, err := l.Reserve(ctx, reservation("old"))
	require.NoError(t, err)
	require.True(t, got)

	// Everything is younger than an hour, nothing is stale yet.
	stale, err := l.StalePending(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, stale)

	// With a zero cutoff the pending row shows up.
	stale, err = l.StalePending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].Key)

	// Terminal rows never count as stale.
	require.NoError(t, l.RecordOutcome(ctx, "old", broker.StatusFilled, "ord-9", ""))
	stale, err = l.StalePending(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestBySignal(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	r1 := reservation("a")
	r2 := reservation("b")
	r2.Role = "exit"
	_, err := l.Reserve(ctx, r1)
	require.NoError(t, err)
	_, err = l.Reserve(ctx, r2)
	require.NoError(t, err)

	entries, err := l.BySignal(ctx, "BTCUSDT:42:v1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestTradeHistory(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.RecordTrade(ctx, Trade{
		Broker:   "sim",
		Symbol:   "ETHUSDT",
		Side:     broker.Sell,
		Quantity: 1.5,
		Price:    2500,
		OrderID:  "ord-7",
		SignalID: "ETHUSDT:7:v1",
		Reason:   "exit",
	}))

	trades, err := l.TradesSince(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "ETHUSDT", trades[0].Symbol)
	assert.Equal(t, broker.Sell, trades[0].Side)
	assert.Equal(t, 2500.0, trades[0].Price)

	trades, err = l.TradesSince(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestLedgerSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.db")
	ctx := context.Background()

	l, err := Open(path)
	require.NoError(t, err)
	got, err := l.Reserve(ctx, reservation("persist-me"))
	require.NoError(t, err)
	require.True(t, got)
	require.NoError(t, l.Close())

	l2, err := Open(path)
	require.NoError(t, err)
	defer l2.Close()

	got, err = l2.Reserve(ctx, reservation("persist-me"))
	require.NoError(t, err)
	assert.False(t, got, "reservation must survive process restart")
}
