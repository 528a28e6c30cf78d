package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/newthinker/riskguard/internal/core"
)

// Schema is the journal table. It is valid for both PostgreSQL and SQLite.
const Schema = `
CREATE TABLE IF NOT EXISTS risk_events (
    id              TEXT PRIMARY KEY,
    event_type      TEXT NOT NULL,
    client_id       TEXT NOT NULL,
    severity        TEXT NOT NULL,
    correlation_id  TEXT NOT NULL DEFAULT '',
    occurred_at     TIMESTAMP NOT NULL,
    payload         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_risk_events_client ON risk_events (client_id, occurred_at);
`

// Config selects the journal database.
type Config struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// SQL is a Sink backed by a database/sql connection.
type SQL struct {
	db     *sql.DB
	driver string
}

// Open connects using cfg and applies the schema. Supported drivers are
// "postgres" and "sqlite3".
func Open(cfg Config) (*SQL, error) {
	driver := strings.ToLower(cfg.Driver)
	switch driver {
	case "postgres", "postgresql":
		driver = "postgres"
	case "sqlite", "sqlite3":
		driver = "sqlite3"
	default:
		return nil, fmt.Errorf("journal: unknown driver %q", cfg.Driver)
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	}

	j, err := New(db, driver)
	if err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// New wraps an open database and applies the schema.
func New(db *sql.DB, driver string) (*SQL, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("apply journal schema: %w", err)
	}
	return &SQL{db: db, driver: driver}, nil
}

// Record appends event. Duplicate ids are ignored.
func (j *SQL) Record(ctx context.Context, event core.RiskEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event.ID, err)
	}

	query := fmt.Sprintf(`
		INSERT INTO risk_events
		(id, event_type, client_id, severity, correlation_id, occurred_at, payload)
		VALUES (%s)
		ON CONFLICT (id) DO NOTHING`, j.placeholders(1, 7))

	_, err = j.db.ExecContext(ctx, query,
		event.ID, string(event.EventType), event.ClientID, string(event.Severity),
		event.CorrelationID, event.Timestamp.UTC(), string(payload),
	)
	if err != nil {
		return core.WrapError(core.ErrPersistence, err)
	}
	return nil
}

// List returns matching events, oldest first.
func (j *SQL) List(ctx context.Context, q Query) ([]core.RiskEvent, error) {
	var (
		where []string
		args  []any
	)
	if q.ClientID != "" {
		args = append(args, q.ClientID)
		where = append(where, "client_id = "+j.placeholder(len(args)))
	}
	if q.EventType != "" {
		args = append(args, string(q.EventType))
		where = append(where, "event_type = "+j.placeholder(len(args)))
	}
	if !q.Since.IsZero() {
		args = append(args, q.Since.UTC())
		where = append(where, "occurred_at >= "+j.placeholder(len(args)))
	}

	query := "SELECT payload FROM risk_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY occurred_at, id"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.WrapError(core.ErrPersistence, err)
	}
	defer rows.Close()

	var events []core.RiskEvent
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, core.WrapError(core.ErrPersistence, err)
		}
		var ev core.RiskEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("decode journal row: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (j *SQL) Close() error {
	return j.db.Close()
}

func (j *SQL) placeholder(n int) string {
	if j.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (j *SQL) placeholders(from, count int) string {
	ph := make([]string, count)
	for i := range ph {
		ph[i] = j.placeholder(from + i)
	}
	return strings.Join(ph, ", ")
}
