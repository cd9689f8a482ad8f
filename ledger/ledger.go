// Package ledger is the durable execution record. Every trade intent passes
// through Reserve before any broker call: the reservation row commits first,
// so a crash between commit and acknowledgment leaves a pending row that the
// startup sweep resolves against the broker, never a double submission.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"fundcore/broker"
	"fundcore/logger"
)

// ErrUnknownKey is returned when an outcome targets a key never reserved.
var ErrUnknownKey = errors.New("ledger: unknown idempotency key")

// tsLayout keeps nanoseconds fixed-width so stored timestamps compare
// correctly as strings in SQL.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	idempotency_key TEXT PRIMARY KEY,
	broker          TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	role            TEXT NOT NULL,
	signal_id       TEXT NOT NULL,
	side            TEXT NOT NULL,
	quantity        REAL NOT NULL,
	status          TEXT NOT NULL,
	order_id        TEXT NOT NULL DEFAULT '',
	last_error      TEXT NOT NULL DEFAULT '',
	retries         INTEGER NOT NULL DEFAULT 0,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
CREATE INDEX IF NOT EXISTS idx_executions_signal ON executions(signal_id);

CREATE TABLE IF NOT EXISTS trades (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	broker      TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	side        TEXT NOT NULL,
	quantity    REAL NOT NULL,
	price       REAL NOT NULL,
	order_id    TEXT NOT NULL,
	signal_id   TEXT NOT NULL DEFAULT '',
	reason      TEXT NOT NULL DEFAULT '',
	executed_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_time ON trades(executed_at);
`

// Entry mirrors one executions row.
type Entry struct {
	Key       string
	Broker    string
	Symbol    string
	Role      string
	SignalID  string
	Side      broker.Side
	Quantity  float64
	Status    broker.OrderStatus
	OrderID   string
	LastError string
	Retries   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Reservation is the identity of one intended execution.
type Reservation struct {
	Key      string
	Broker   string
	Symbol   string
	Role     string // entry / exit / protection_close
	SignalID string
	Side     broker.Side
	Quantity float64
}

// Trade is one completed fill, appended to the history table.
type Trade struct {
	Broker     string
	Symbol     string
	Side       broker.Side
	Quantity   float64
	Price      float64
	OrderID    string
	SignalID   string
	Reason     string
	ExecutedAt time.Time
}

type Ledger struct {
	db *sql.DB
}

// Open creates or opens the ledger database. WAL keeps the commit-then-call
// ordering cheap; busy_timeout rides out the watchdog reading concurrently.
func Open(path string) (*Ledger, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	// A single writer connection sidesteps SQLITE_BUSY between goroutines.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: init schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error { return l.db.Close() }

// Reserve claims the idempotency key. It returns true exactly once per key
// unless the prior attempt ended rejected or cancelled, in which case the row
// is re-armed for one more try. The whole decision is a single statement, so
// two concurrent callers can never both win.
func (l *Ledger) Reserve(ctx context.Context, r Reservation) (bool, error) {
	now := time.Now().UTC().Format(tsLayout)
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO executions
			(idempotency_key, broker, symbol, role, signal_id, side, quantity, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?)
		ON CONFLICT(idempotency_key) DO UPDATE SET
			status = 'pending', order_id = '', last_error = '',
			retries = executions.retries + 1, updated_at = excluded.updated_at
		WHERE executions.status IN ('rejected', 'cancelled')`,
		r.Key, r.Broker, r.Symbol, r.Role, r.SignalID, string(r.Side), r.Quantity, now, now)
	if err != nil {
		return false, fmt.Errorf("ledger: reserve %s: %w", r.Key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		logger.With("ledger").Debug().Str("key", r.Key).Msg("🔒 reservation refused, key already consumed")
		return false, nil
	}
	return true, nil
}

// MarkSubmitted records the broker acknowledgment id against a pending row.
func (l *Ledger) MarkSubmitted(ctx context.Context, key, orderID string) error {
	return l.setStatus(ctx, key, broker.StatusSubmitted, orderID, "")
}

// RecordOutcome moves a reservation to its terminal (or submitted) status.
func (l *Ledger) RecordOutcome(ctx context.Context, key string, status broker.OrderStatus, orderID, errMsg string) error {
	return l.setStatus(ctx, key, status, orderID, errMsg)
}

func (l *Ledger) setStatus(ctx context.Context, key string, status broker.OrderStatus, orderID, errMsg string) error {
	now := time.Now().UTC().Format(tsLayout)
	res, err := l.db.ExecContext(ctx, `
		UPDATE executions
		SET status = ?, order_id = CASE WHEN ? != '' THEN ? ELSE order_id END,
		    last_error = ?, updated_at = ?
		WHERE idempotency_key = ?`,
		string(status), orderID, orderID, errMsg, now, key)
	if err != nil {
		return fmt.Errorf("ledger: update %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	return nil
}

// Get returns the entry for key, or nil when the key was never reserved.
func (l *Ledger) Get(ctx context.Context, key string) (*Entry, error) {
	rows, err := l.query(ctx, `WHERE idempotency_key = ?`, key)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// StalePending lists reservations that never reached a terminal status and
// are older than the cutoff. The startup sweep resolves each one against the
// broker via FindOrder.
func (l *Ledger) StalePending(ctx context.Context, olderThan time.Duration) ([]Entry, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(tsLayout)
	return l.query(ctx,
		`WHERE status IN ('pending', 'submitted') AND updated_at < ? ORDER BY updated_at`, cutoff)
}

// BySignal lists all executions recorded for one signal id.
func (l *Ledger) BySignal(ctx context.Context, signalID string) ([]Entry, error) {
	return l.query(ctx, `WHERE signal_id = ? ORDER BY created_at`, signalID)
}

func (l *Ledger) query(ctx context.Context, where string, args ...any) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT idempotency_key, broker, symbol, role, signal_id, side, quantity,
		       status, order_id, last_error, retries, created_at, updated_at
		FROM executions `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var side, status, created, updated string
		if err := rows.Scan(&e.Key, &e.Broker, &e.Symbol, &e.Role, &e.SignalID,
			&side, &e.Quantity, &status, &e.OrderID, &e.LastError, &e.Retries, &created, &updated); err != nil {
			return nil, err
		}
		e.Side = broker.Side(side)
		e.Status = broker.OrderStatus(status)
		e.CreatedAt, _ = time.Parse(tsLayout, created)
		e.UpdatedAt, _ = time.Parse(tsLayout, updated)
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordTrade appends a fill to the trade history.
func (l *Ledger) RecordTrade(ctx context.Context, t Trade) error {
	ts := t.ExecutedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO trades (broker, symbol, side, quantity, price, order_id, signal_id, reason, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Broker, t.Symbol, string(t.Side), t.Quantity, t.Price, t.OrderID, t.SignalID, t.Reason,
		ts.UTC().Format(tsLayout))
	if err != nil {
		return fmt.Errorf("ledger: record trade: %w", err)
	}
	return nil
}

// TradesSince returns fills executed at or after the cutoff, newest last.
func (l *Ledger) TradesSince(ctx context.Context, since time.Time) ([]Trade, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT broker, symbol, side, quantity, price, order_id, signal_id, reason, executed_at
		FROM trades WHERE executed_at >= ? ORDER BY executed_at`,
		since.UTC().Format(tsLayout))
	if err != nil {
		return nil, fmt.Errorf("ledger: trades since: %w", err)
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		var t Trade
		var side, ts string
		if err := rows.Scan(&t.Broker, &t.Symbol, &side, &t.Quantity, &t.Price,
			&t.OrderID, &t.SignalID, &t.Reason, &ts); err != nil {
			return nil, err
		}
		t.Side = broker.Side(side)
		t.ExecutedAt, _ = time.Parse(tsLayout, ts)
		out = append(out, t)
	}
	return out, rows.Err()
}
