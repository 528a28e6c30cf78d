// internal/storage/state/sqlite.go
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/newthinker/riskguard/internal/core"
	"github.com/newthinker/riskguard/internal/risk"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS account_risk_state (
    client_id            TEXT PRIMARY KEY,
    initial_balance      TEXT NOT NULL,
    current_balance      TEXT NOT NULL,
    daily_start_balance  TEXT NOT NULL,
    daily_pnl            TEXT NOT NULL,
    total_pnl            TEXT NOT NULL,
    unrealized_pnl       TEXT NOT NULL,
    daily_blocked        BOOLEAN NOT NULL DEFAULT 0,
    permanently_blocked  BOOLEAN NOT NULL DEFAULT 0,
    risk_status          TEXT NOT NULL DEFAULT 'NORMAL',
    daily_limit_type     TEXT,
    daily_limit_value    TEXT,
    max_limit_type       TEXT,
    max_limit_value      TEXT,
    violation_count      INTEGER NOT NULL DEFAULT 0,
    last_violation       TIMESTAMP,
    last_error           TEXT NOT NULL DEFAULT '',
    last_source          TEXT NOT NULL DEFAULT '',
    last_risk_check      TIMESTAMP NOT NULL,
    last_daily_reset     TIMESTAMP NOT NULL,
    created_at           TIMESTAMP NOT NULL,
    updated_at           TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_account_risk_state_daily_blocked ON account_risk_state (daily_blocked);
`

const sqliteColumns = `client_id,
    initial_balance, current_balance, daily_start_balance,
    daily_pnl, total_pnl, unrealized_pnl,
    daily_blocked, permanently_blocked, risk_status,
    daily_limit_type, daily_limit_value, max_limit_type, max_limit_value,
    violation_count, last_violation, last_error, last_source,
    last_risk_check, last_daily_reset, created_at, updated_at`

const sqliteUpsert = `
INSERT INTO account_risk_state (` + sqliteColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (client_id) DO UPDATE SET
    initial_balance = excluded.initial_balance,
    current_balance = excluded.current_balance,
    daily_start_balance = excluded.daily_start_balance,
    daily_pnl = excluded.daily_pnl,
    total_pnl = excluded.total_pnl,
    unrealized_pnl = excluded.unrealized_pnl,
    daily_blocked = excluded.daily_blocked,
    permanently_blocked = excluded.permanently_blocked,
    risk_status = excluded.risk_status,
    daily_limit_type = excluded.daily_limit_type,
    daily_limit_value = excluded.daily_limit_value,
    max_limit_type = excluded.max_limit_type,
    max_limit_value = excluded.max_limit_value,
    violation_count = excluded.violation_count,
    last_violation = excluded.last_violation,
    last_error = excluded.last_error,
    last_source = excluded.last_source,
    last_risk_check = excluded.last_risk_check,
    last_daily_reset = excluded.last_daily_reset,
    updated_at = excluded.updated_at`

// SQLiteStore persists account state in a SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at path.
func NewSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("state: sqlite path is empty")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply state schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, clientID string) (*risk.AccountRiskState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM account_risk_state WHERE client_id = ?`, clientID)
	st, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, core.WrapError(core.ErrPersistence, err)
	}
	return st, nil
}

func (s *SQLiteStore) Save(ctx context.Context, st *risk.AccountRiskState) error {
	if _, err := s.db.ExecContext(ctx, sqliteUpsert, saveArgs(st)...); err != nil {
		return core.WrapError(core.ErrPersistence, err)
	}
	return nil
}

func (s *SQLiteStore) FindAll(ctx context.Context) ([]*risk.AccountRiskState, error) {
	return s.query(ctx, `SELECT `+sqliteColumns+` FROM account_risk_state ORDER BY client_id`)
}

func (s *SQLiteStore) FindByDailyBlocked(ctx context.Context, blocked bool) ([]*risk.AccountRiskState, error) {
	return s.query(ctx, `SELECT `+sqliteColumns+` FROM account_risk_state WHERE daily_blocked = ? ORDER BY client_id`, blocked)
}

func (s *SQLiteStore) Delete(ctx context.Context, clientID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM account_risk_state WHERE client_id = ?`, clientID); err != nil {
		return core.WrapError(core.ErrPersistence, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]*risk.AccountRiskState, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.WrapError(core.ErrPersistence, err)
	}
	defer rows.Close()

	var result []*risk.AccountRiskState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, core.WrapError(core.ErrPersistence, err)
		}
		result = append(result, st)
	}
	if err := rows.Err(); err != nil {
		return nil, core.WrapError(core.ErrPersistence, err)
	}
	return result, nil
}
