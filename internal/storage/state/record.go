// internal/storage/state/record.go
package state

import (
	"time"

	"github.com/newthinker/riskguard/internal/risk"
	"github.com/shopspring/decimal"
)

// scanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanState reads a row selected in column order:
// client_id, six decimals, flags, status, limits, audit fields, timestamps.
func scanState(row scanner) (*risk.AccountRiskState, error) {
	var (
		st                    risk.AccountRiskState
		money                 [6]string
		status                string
		dailyKind, dailyValue *string
		maxKind, maxValue     *string
		lastViolation         *time.Time
	)
	err := row.Scan(
		&st.ClientID,
		&money[0], &money[1], &money[2], &money[3], &money[4], &money[5],
		&st.DailyBlocked, &st.PermanentlyBlocked, &status,
		&dailyKind, &dailyValue, &maxKind, &maxValue,
		&st.ViolationCount, &lastViolation, &st.LastError, &st.LastSource,
		&st.LastRiskCheck, &st.LastDailyReset, &st.CreatedAt, &st.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	err = parseDecimals([]*decimal.Decimal{
		&st.InitialBalance, &st.CurrentBalance, &st.DailyStartBalance,
		&st.DailyPnl, &st.TotalPnl, &st.UnrealizedPnl,
	}, money[:])
	if err != nil {
		return nil, err
	}

	if st.DailyRiskLimit, err = parseLimit(dailyKind, dailyValue); err != nil {
		return nil, err
	}
	if st.MaxRiskLimit, err = parseLimit(maxKind, maxValue); err != nil {
		return nil, err
	}

	st.RiskStatus = risk.Status(status)
	if lastViolation != nil {
		t := lastViolation.UTC()
		st.LastViolation = &t
	}
	st.LastRiskCheck = st.LastRiskCheck.UTC()
	st.LastDailyReset = st.LastDailyReset.UTC()
	st.CreatedAt = st.CreatedAt.UTC()
	st.UpdatedAt = st.UpdatedAt.UTC()
	return &st, nil
}

// saveArgs returns the insert parameters in column order.
func saveArgs(st *risk.AccountRiskState) []any {
	dailyKind, dailyValue := limitColumns(st.DailyRiskLimit)
	maxKind, maxValue := limitColumns(st.MaxRiskLimit)
	return []any{
		st.ClientID,
		st.InitialBalance.String(), st.CurrentBalance.String(), st.DailyStartBalance.String(),
		st.DailyPnl.String(), st.TotalPnl.String(), st.UnrealizedPnl.String(),
		st.DailyBlocked, st.PermanentlyBlocked, string(st.DurableStatus()),
		dailyKind, dailyValue, maxKind, maxValue,
		st.ViolationCount, st.LastViolation, st.LastError, st.LastSource,
		st.LastRiskCheck, st.LastDailyReset, st.CreatedAt, st.UpdatedAt,
	}
}
