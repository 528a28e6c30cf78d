// internal/storage/state/postgres.go
package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/newthinker/riskguard/internal/core"
	"github.com/newthinker/riskguard/internal/risk"
	"go.uber.org/zap"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS account_risk_state (
    client_id            TEXT PRIMARY KEY,
    initial_balance      NUMERIC(20,8) NOT NULL,
    current_balance      NUMERIC(20,8) NOT NULL,
    daily_start_balance  NUMERIC(20,8) NOT NULL,
    daily_pnl            NUMERIC(20,8) NOT NULL DEFAULT 0,
    total_pnl            NUMERIC(20,8) NOT NULL DEFAULT 0,
    unrealized_pnl       NUMERIC(20,8) NOT NULL DEFAULT 0,
    daily_blocked        BOOLEAN NOT NULL DEFAULT FALSE,
    permanently_blocked  BOOLEAN NOT NULL DEFAULT FALSE,
    risk_status          TEXT NOT NULL DEFAULT 'NORMAL',
    daily_limit_type     TEXT,
    daily_limit_value    NUMERIC(20,8),
    max_limit_type       TEXT,
    max_limit_value      NUMERIC(20,8),
    violation_count      INTEGER NOT NULL DEFAULT 0,
    last_violation       TIMESTAMPTZ,
    last_error           TEXT NOT NULL DEFAULT '',
    last_source          TEXT NOT NULL DEFAULT '',
    last_risk_check      TIMESTAMPTZ NOT NULL,
    last_daily_reset     TIMESTAMPTZ NOT NULL,
    created_at           TIMESTAMPTZ NOT NULL,
    updated_at           TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_account_risk_state_daily_blocked ON account_risk_state (daily_blocked);
`

const postgresColumns = `client_id,
    initial_balance::text, current_balance::text, daily_start_balance::text,
    daily_pnl::text, total_pnl::text, unrealized_pnl::text,
    daily_blocked, permanently_blocked, risk_status,
    daily_limit_type, daily_limit_value::text, max_limit_type, max_limit_value::text,
    violation_count, last_violation, last_error, last_source,
    last_risk_check, last_daily_reset, created_at, updated_at`

const postgresUpsert = `
INSERT INTO account_risk_state (
    client_id, initial_balance, current_balance, daily_start_balance,
    daily_pnl, total_pnl, unrealized_pnl,
    daily_blocked, permanently_blocked, risk_status,
    daily_limit_type, daily_limit_value, max_limit_type, max_limit_value,
    violation_count, last_violation, last_error, last_source,
    last_risk_check, last_daily_reset, created_at, updated_at
) VALUES (
    $1, $2::text::numeric, $3::text::numeric, $4::text::numeric,
    $5::text::numeric, $6::text::numeric, $7::text::numeric,
    $8, $9, $10,
    $11, $12::text::numeric, $13, $14::text::numeric,
    $15, $16, $17, $18,
    $19, $20, $21, $22
)
ON CONFLICT (client_id) DO UPDATE SET
    initial_balance = EXCLUDED.initial_balance,
    current_balance = EXCLUDED.current_balance,
    daily_start_balance = EXCLUDED.daily_start_balance,
    daily_pnl = EXCLUDED.daily_pnl,
    total_pnl = EXCLUDED.total_pnl,
    unrealized_pnl = EXCLUDED.unrealized_pnl,
    daily_blocked = EXCLUDED.daily_blocked,
    permanently_blocked = EXCLUDED.permanently_blocked,
    risk_status = EXCLUDED.risk_status,
    daily_limit_type = EXCLUDED.daily_limit_type,
    daily_limit_value = EXCLUDED.daily_limit_value,
    max_limit_type = EXCLUDED.max_limit_type,
    max_limit_value = EXCLUDED.max_limit_value,
    violation_count = EXCLUDED.violation_count,
    last_violation = EXCLUDED.last_violation,
    last_error = EXCLUDED.last_error,
    last_source = EXCLUDED.last_source,
    last_risk_check = EXCLUDED.last_risk_check,
    last_daily_reset = EXCLUDED.last_daily_reset,
    updated_at = EXCLUDED.updated_at`

// PostgresStore persists account state in PostgreSQL.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres connects to dsn and applies the schema.
func NewPostgres(dsn string, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{pool: pool, logger: logger}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply state schema: %w", err)
	}
	logger.Info("postgres state store ready")
	return s, nil
}

func (s *PostgresStore) Get(ctx context.Context, clientID string) (*risk.AccountRiskState, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+postgresColumns+` FROM account_risk_state WHERE client_id = $1`, clientID)
	st, err := scanState(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, core.WrapError(core.ErrPersistence, err)
	}
	return st, nil
}

func (s *PostgresStore) Save(ctx context.Context, st *risk.AccountRiskState) error {
	_, err := s.pool.Exec(ctx, postgresUpsert, saveArgs(st)...)
	if err != nil {
		return core.WrapError(core.ErrPersistence, err)
	}
	return nil
}

func (s *PostgresStore) FindAll(ctx context.Context) ([]*risk.AccountRiskState, error) {
	return s.query(ctx, `SELECT `+postgresColumns+` FROM account_risk_state ORDER BY client_id`)
}

func (s *PostgresStore) FindByDailyBlocked(ctx context.Context, blocked bool) ([]*risk.AccountRiskState, error) {
	return s.query(ctx, `SELECT `+postgresColumns+` FROM account_risk_state WHERE daily_blocked = $1 ORDER BY client_id`, blocked)
}

func (s *PostgresStore) Delete(ctx context.Context, clientID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM account_risk_state WHERE client_id = $1`, clientID); err != nil {
		return core.WrapError(core.ErrPersistence, err)
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) query(ctx context.Context, sql string, args ...any) ([]*risk.AccountRiskState, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
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
