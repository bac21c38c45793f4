package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"quantsim/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ ResultStore = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS backtests (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol        TEXT    NOT NULL,
	strategy      TEXT    NOT NULL,
	start_ms      INTEGER NOT NULL,
	end_ms        INTEGER NOT NULL,
	ran_at_ms     INTEGER NOT NULL,
	total_return  REAL    NOT NULL,
	sharpe_ratio  REAL    NOT NULL,
	max_drawdown  REAL    NOT NULL,
	total_trades  INTEGER NOT NULL,
	parameters    TEXT    NOT NULL,
	metrics       TEXT    NOT NULL
);
CREATE TABLE IF NOT EXISTS backtest_trades (
	backtest_id   INTEGER NOT NULL REFERENCES backtests(id) ON DELETE CASCADE,
	trade_id      TEXT    NOT NULL,
	direction     TEXT    NOT NULL,
	entry_price   REAL    NOT NULL,
	exit_price    REAL    NOT NULL,
	size          REAL    NOT NULL,
	stop          REAL    NOT NULL,
	target        REAL    NOT NULL,
	entry_ms      INTEGER NOT NULL,
	exit_ms       INTEGER NOT NULL,
	fees          REAL    NOT NULL,
	realized_pnl  REAL    NOT NULL,
	exit_reason   TEXT    NOT NULL,
	PRIMARY KEY (backtest_id, trade_id)
);
CREATE INDEX IF NOT EXISTS idx_backtests_ran_at ON backtests(ran_at_ms);
`

// SQLiteStore implements ResultStore backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// schema and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveResult inserts a backtest row and its trades in one transaction.
func (s *SQLiteStore) SaveResult(ctx context.Context, run RunRecord, result *domain.BacktestResult) (int64, error) {
	params, err := json.Marshal(result.Parameters)
	if err != nil {
		return 0, fmt.Errorf("encoding parameters: %w", err)
	}
	metrics, err := json.Marshal(map[string]map[string]float64{
		"performance": result.Performance,
		"trades":      result.TradeStats,
		"drawdown":    result.Drawdown,
	})
	if err != nil {
		return 0, fmt.Errorf("encoding metrics: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO backtests
		(symbol, strategy, start_ms, end_ms, ran_at_ms, total_return, sharpe_ratio, max_drawdown, total_trades, parameters, metrics)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.Symbol, run.Strategy,
		run.Start.UnixMilli(), run.End.UnixMilli(), run.RanAt.UnixMilli(),
		result.Performance["total_return"], result.Performance["sharpe_ratio"],
		result.Drawdown["max_drawdown"], len(result.Trades),
		string(params), string(metrics))
	if err != nil {
		return 0, fmt.Errorf("inserting backtest: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO backtest_trades
		(backtest_id, trade_id, direction, entry_price, exit_price, size, stop, target, entry_ms, exit_ms, fees, realized_pnl, exit_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	for _, t := range result.Trades {
		if _, err := stmt.ExecContext(ctx, id, t.ID, string(t.Direction),
			t.EntryPrice, t.ExitPrice, t.Size, t.Stop, t.Target,
			t.EntryTime.UnixMilli(), t.ExitTime.UnixMilli(),
			t.Fees, t.RealizedPnL, t.ExitReason); err != nil {
			return 0, fmt.Errorf("inserting trade %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// ListResults returns the most recent runs, newest first, up to limit.
func (s *SQLiteStore) ListResults(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, symbol, strategy, start_ms, end_ms, ran_at_ms,
		total_return, sharpe_ratio, max_drawdown, total_trades, parameters
		FROM backtests ORDER BY ran_at_ms DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying backtests: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var (
			r                       RunSummary
			startMs, endMs, ranAtMs int64
			params                  string
		)
		if err := rows.Scan(&r.ID, &r.Symbol, &r.Strategy, &startMs, &endMs, &ranAtMs,
			&r.TotalReturn, &r.SharpeRatio, &r.MaxDrawdown, &r.TotalTrades, &params); err != nil {
			return nil, err
		}
		r.Start = time.UnixMilli(startMs).UTC()
		r.End = time.UnixMilli(endMs).UTC()
		r.RanAt = time.UnixMilli(ranAtMs).UTC()
		if err := json.Unmarshal([]byte(params), &r.Parameters); err != nil {
			return nil, fmt.Errorf("decoding parameters for run %d: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListTrades returns the trades recorded for runID ordered by entry time.
func (s *SQLiteStore) ListTrades(ctx context.Context, runID int64) ([]domain.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT trade_id, direction, entry_price, exit_price, size,
		stop, target, entry_ms, exit_ms, fees, realized_pnl, exit_reason
		FROM backtest_trades WHERE backtest_id = ? ORDER BY entry_ms, trade_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying trades: %w", err)
	}
	defer rows.Close()

	var out []domain.Trade
	for rows.Next() {
		var (
			t               domain.Trade
			dir             string
			entryMs, exitMs int64
		)
		if err := rows.Scan(&t.ID, &dir, &t.EntryPrice, &t.ExitPrice, &t.Size,
			&t.Stop, &t.Target, &entryMs, &exitMs, &t.Fees, &t.RealizedPnL, &t.ExitReason); err != nil {
			return nil, err
		}
		t.Direction = domain.Direction(dir)
		t.EntryTime = time.UnixMilli(entryMs).UTC()
		t.ExitTime = time.UnixMilli(exitMs).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}
