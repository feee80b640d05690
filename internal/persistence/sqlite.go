package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ccruz0/crypto-2.0-sub006/internal/types"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite repository.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	repo := &SQLiteRepository{db: db}

	if err := repo.Migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return repo, nil
}

// Migrate runs database migrations.
func (r *SQLiteRepository) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS throttle_state (
			symbol TEXT NOT NULL,
			side INTEGER NOT NULL,
			last_price TEXT NOT NULL,
			last_emit_time DATETIME NOT NULL,
			emit_reason TEXT NOT NULL DEFAULT '',
			force_next_signal INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (symbol, side)
		)`,

		`CREATE TABLE IF NOT EXISTS exchange_orders (
			exchange_order_id TEXT PRIMARY KEY,
			client_order_id TEXT NOT NULL DEFAULT '',
			symbol TEXT NOT NULL,
			side INTEGER NOT NULL,
			status INTEGER NOT NULL,
			role INTEGER NOT NULL,
			parent_order_id TEXT,
			oco_group_id TEXT,
			requested_quantity TEXT NOT NULL,
			executed_quantity TEXT NOT NULL DEFAULT '0',
			price TEXT NOT NULL DEFAULT '0',
			leverage INTEGER NOT NULL DEFAULT 0,
			is_margin INTEGER NOT NULL DEFAULT 0,
			protection INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_symbol_side ON exchange_orders(symbol, side)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status ON exchange_orders(status)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_oco_group ON exchange_orders(oco_group_id)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_parent ON exchange_orders(parent_order_id)`,

		`CREATE TABLE IF NOT EXISTS decision_traces (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			correlation_id TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			symbol TEXT NOT NULL,
			side INTEGER NOT NULL,
			decision_type INTEGER NOT NULL,
			reason_code TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			attempts TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_traces_symbol_time ON decision_traces(symbol, timestamp)`,
	}

	for _, migration := range migrations {
		if _, err := r.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}

	return nil
}

// GetThrottleState returns the throttle row for (symbol, side), or nil if
// the pair has never emitted.
func (r *SQLiteRepository) GetThrottleState(ctx context.Context, symbol string, side types.Side) (*types.ThrottleState, error) {
	query := `SELECT symbol, side, last_price, last_emit_time, emit_reason, force_next_signal, updated_at
		FROM throttle_state WHERE symbol = ? AND side = ?`

	var st types.ThrottleState
	var lastPrice string
	var force int

	err := r.db.QueryRowContext(ctx, query, symbol, side).Scan(
		&st.Symbol,
		&st.Side,
		&lastPrice,
		&st.LastEmitTime,
		&st.EmitReason,
		&force,
		&st.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query throttle state: %w", err)
	}

	st.LastPrice, _ = decimal.NewFromString(lastPrice)
	st.ForceNextSignal = force == 1

	return &st, nil
}

// RecordAccept upserts the throttle row and appends the decision trace in a
// single transaction. The shared transaction is what prevents two concurrent
// cycles from both observing the pre-accept state.
func (r *SQLiteRepository) RecordAccept(ctx context.Context, state types.ThrottleState, trace types.DecisionTrace) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	upsert := `INSERT INTO throttle_state (symbol, side, last_price, last_emit_time, emit_reason, force_next_signal, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(symbol, side) DO UPDATE SET
			last_price = excluded.last_price,
			last_emit_time = excluded.last_emit_time,
			emit_reason = excluded.emit_reason,
			force_next_signal = excluded.force_next_signal,
			updated_at = CURRENT_TIMESTAMP`

	if _, err := tx.ExecContext(ctx, upsert,
		state.Symbol,
		state.Side,
		state.LastPrice.String(),
		state.LastEmitTime,
		state.EmitReason,
		boolToInt(state.ForceNextSignal),
	); err != nil {
		return fmt.Errorf("upsert throttle state: %w", err)
	}

	if err := insertTrace(ctx, tx, trace); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// SetForceNext sets or clears the one-shot override flag.
func (r *SQLiteRepository) SetForceNext(ctx context.Context, symbol string, side types.Side, force bool) error {
	// The row may not exist yet for a pair that never emitted; create it with
	// zero history so the flag survives.
	query := `INSERT INTO throttle_state (symbol, side, last_price, last_emit_time, emit_reason, force_next_signal)
		VALUES (?, ?, '0', ?, '', ?)
		ON CONFLICT(symbol, side) DO UPDATE SET
			force_next_signal = excluded.force_next_signal,
			updated_at = CURRENT_TIMESTAMP`

	_, err := r.db.ExecContext(ctx, query, symbol, side, time.Time{}, boolToInt(force))
	if err != nil {
		return fmt.Errorf("set force next: %w", err)
	}
	return nil
}

// ResetThrottleState deletes the throttle row for (symbol, side). This is
// the only path that removes a row.
func (r *SQLiteRepository) ResetThrottleState(ctx context.Context, symbol string, side types.Side) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM throttle_state WHERE symbol = ? AND side = ?`, symbol, side)
	if err != nil {
		return fmt.Errorf("reset throttle state: %w", err)
	}
	return nil
}

// SaveOrder inserts or replaces an order record. The creation time is
// written from the order in UTC; relying on the column default would store
// an offset-less string that compares wrong against driver-bound times.
func (r *SQLiteRepository) SaveOrder(ctx context.Context, order types.ExchangeOrder) error {
	createdAt := order.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `INSERT OR REPLACE INTO exchange_orders
		(exchange_order_id, client_order_id, symbol, side, status, role, parent_order_id, oco_group_id,
		 requested_quantity, executed_quantity, price, leverage, is_margin, protection, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE((SELECT created_at FROM exchange_orders WHERE exchange_order_id = ?), ?), CURRENT_TIMESTAMP)`

	_, err := r.db.ExecContext(ctx, query,
		order.ExchangeOrderID,
		order.ClientOrderID,
		order.Symbol,
		order.Side,
		order.Status,
		order.Role,
		nullString(order.ParentOrderID),
		nullString(order.OCOGroupID),
		order.RequestedQuantity.String(),
		order.ExecutedQuantity.String(),
		order.Price.String(),
		order.Leverage,
		boolToInt(order.IsMargin),
		order.Protection,
		order.ExchangeOrderID,
		createdAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

const orderColumns = `exchange_order_id, client_order_id, symbol, side, status, role,
	parent_order_id, oco_group_id, requested_quantity, executed_quantity, price,
	leverage, is_margin, protection, created_at, updated_at`

// GetOrder returns a single order by exchange id.
func (r *SQLiteRepository) GetOrder(ctx context.Context, exchangeOrderID string) (*types.ExchangeOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM exchange_orders WHERE exchange_order_id = ?`

	row := r.db.QueryRowContext(ctx, query, exchangeOrderID)
	order, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	return order, nil
}

// GetActiveEntryOrder returns an open or recent entry order for
// (symbol, side), used for dedup before placement. Both sides of the window
// comparison go through datetime(), which normalizes any stored offset to
// UTC before SQLite compares the strings.
func (r *SQLiteRepository) GetActiveEntryOrder(ctx context.Context, symbol string, side types.Side, since time.Time) (*types.ExchangeOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM exchange_orders
		WHERE symbol = ? AND side = ? AND role = ?
		AND (status < ? OR datetime(created_at) >= datetime(?))
		ORDER BY created_at DESC LIMIT 1`

	row := r.db.QueryRowContext(ctx, query, symbol, side, types.RoleEntry, types.OrderStatusFilled, since.UTC())
	order, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query active entry order: %w", err)
	}
	return order, nil
}

// GetNonTerminalOrders returns every order not yet in a terminal state.
func (r *SQLiteRepository) GetNonTerminalOrders(ctx context.Context) ([]types.ExchangeOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM exchange_orders
		WHERE status IN (?, ?) ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, types.OrderStatusNew, types.OrderStatusPartiallyFilled)
	if err != nil {
		return nil, fmt.Errorf("query non-terminal orders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanOrders(rows)
}

// GetOrdersByGroup returns the orders sharing an OCO group id.
func (r *SQLiteRepository) GetOrdersByGroup(ctx context.Context, ocoGroupID string) ([]types.ExchangeOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM exchange_orders WHERE oco_group_id = ?`

	rows, err := r.db.QueryContext(ctx, query, ocoGroupID)
	if err != nil {
		return nil, fmt.Errorf("query orders by group: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanOrders(rows)
}

// GetOrdersByParent returns the protective orders owned by an entry order.
func (r *SQLiteRepository) GetOrdersByParent(ctx context.Context, parentOrderID string) ([]types.ExchangeOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM exchange_orders WHERE parent_order_id = ?`

	rows, err := r.db.QueryContext(ctx, query, parentOrderID)
	if err != nil {
		return nil, fmt.Errorf("query orders by parent: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanOrders(rows)
}

// GetRecentProtectiveOrders returns protective orders for the last-resort
// sibling heuristic: symbol + side + role within a recent window.
func (r *SQLiteRepository) GetRecentProtectiveOrders(ctx context.Context, symbol string, side types.Side, role types.OrderRole, since time.Time) ([]types.ExchangeOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM exchange_orders
		WHERE symbol = ? AND side = ? AND role = ? AND datetime(created_at) >= datetime(?)
		ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, symbol, side, role, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query recent protective orders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanOrders(rows)
}

// UpdateOrderStatus sets the status and executed quantity from confirmed
// exchange state. Terminal rows are never mutated again.
func (r *SQLiteRepository) UpdateOrderStatus(ctx context.Context, exchangeOrderID string, status types.OrderStatus, executedQty decimal.Decimal) error {
	query := `UPDATE exchange_orders SET status = ?, executed_quantity = ?, updated_at = CURRENT_TIMESTAMP
		WHERE exchange_order_id = ? AND status IN (?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		status, executedQty.String(), exchangeOrderID,
		types.OrderStatusNew, types.OrderStatusPartiallyFilled,
	)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	return nil
}

// UpdateProtection advances the entry order's protection state machine.
func (r *SQLiteRepository) UpdateProtection(ctx context.Context, exchangeOrderID string, state types.ProtectionState) error {
	query := `UPDATE exchange_orders SET protection = ?, updated_at = CURRENT_TIMESTAMP WHERE exchange_order_id = ?`

	_, err := r.db.ExecContext(ctx, query, state, exchangeOrderID)
	if err != nil {
		return fmt.Errorf("update protection: %w", err)
	}
	return nil
}

// SaveTrace appends a decision trace.
func (r *SQLiteRepository) SaveTrace(ctx context.Context, trace types.DecisionTrace) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertTrace(ctx, tx, trace); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetTraces returns traces for a symbol in a time range.
func (r *SQLiteRepository) GetTraces(ctx context.Context, symbol string, from, to time.Time) ([]types.DecisionTrace, error) {
	query := `SELECT correlation_id, timestamp, symbol, side, decision_type, reason_code, message, attempts
		FROM decision_traces WHERE symbol = ? AND timestamp BETWEEN ? AND ? ORDER BY timestamp`

	rows, err := r.db.QueryContext(ctx, query, symbol, from, to)
	if err != nil {
		return nil, fmt.Errorf("query traces: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var traces []types.DecisionTrace
	for rows.Next() {
		var t types.DecisionTrace
		var attempts sql.NullString

		if err := rows.Scan(&t.CorrelationID, &t.Timestamp, &t.Symbol, &t.Side, &t.Type, &t.Reason, &t.Message, &attempts); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if attempts.Valid && attempts.String != "" {
			_ = json.Unmarshal([]byte(attempts.String), &t.Attempts)
		}
		traces = append(traces, t)
	}

	return traces, rows.Err()
}

// Ping verifies the database connection, for health checks.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func insertTrace(ctx context.Context, tx *sql.Tx, trace types.DecisionTrace) error {
	var attempts any
	if len(trace.Attempts) > 0 {
		data, err := json.Marshal(trace.Attempts)
		if err != nil {
			return fmt.Errorf("marshal attempts: %w", err)
		}
		attempts = string(data)
	}

	query := `INSERT INTO decision_traces (correlation_id, timestamp, symbol, side, decision_type, reason_code, message, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := tx.ExecContext(ctx, query,
		trace.CorrelationID,
		trace.Timestamp,
		trace.Symbol,
		trace.Side,
		trace.Type,
		string(trace.Reason),
		trace.Message,
		attempts,
	); err != nil {
		return fmt.Errorf("insert trace: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*types.ExchangeOrder, error) {
	var o types.ExchangeOrder
	var parent, group sql.NullString
	var reqQty, execQty, price string
	var isMargin int

	if err := row.Scan(
		&o.ExchangeOrderID,
		&o.ClientOrderID,
		&o.Symbol,
		&o.Side,
		&o.Status,
		&o.Role,
		&parent,
		&group,
		&reqQty,
		&execQty,
		&price,
		&o.Leverage,
		&isMargin,
		&o.Protection,
		&o.CreatedAt,
		&o.UpdatedAt,
	); err != nil {
		return nil, err
	}

	o.ParentOrderID = parent.String
	o.OCOGroupID = group.String
	o.RequestedQuantity, _ = decimal.NewFromString(reqQty)
	o.ExecutedQuantity, _ = decimal.NewFromString(execQty)
	o.Price, _ = decimal.NewFromString(price)
	o.IsMargin = isMargin == 1

	return &o, nil
}

func scanOrders(rows *sql.Rows) ([]types.ExchangeOrder, error) {
	var orders []types.ExchangeOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
