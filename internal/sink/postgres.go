package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/lib/pq" // PostgreSQL driver
)

// Postgres stores records in four tables under one schema: runs, kpis,
// events and messages. Each Write is one transaction.
type Postgres struct {
	db     *sql.DB
	schema string
	logger *slog.Logger

	mu   sync.Mutex
	runs map[string]bool
}

// OpenPostgres connects, pings and migrates.
func OpenPostgres(ctx context.Context, dsn, schema string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	p := NewPostgres(db, schema)
	if err := p.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgres wraps an open handle. An empty schema means "trafficmesh".
func NewPostgres(db *sql.DB, schema string) *Postgres {
	if schema == "" {
		schema = "trafficmesh"
	}
	return &Postgres{
		db:     db,
		schema: schema,
		logger: slog.Default().With("component", "sink.postgres"),
		runs:   make(map[string]bool),
	}
}

func (p *Postgres) table(name string) string {
	return pq.QuoteIdentifier(p.schema) + "." + pq.QuoteIdentifier(name)
}

// Migrate creates the schema and tables if missing.
func (p *Postgres) Migrate(ctx context.Context) error {
	for _, stmt := range p.ddl() {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	p.logger.Info("schema ready", "schema", p.schema)
	return nil
}

func (p *Postgres) ddl() []string {
	return []string{
		"CREATE SCHEMA IF NOT EXISTS " + pq.QuoteIdentifier(p.schema),
		`CREATE TABLE IF NOT EXISTS ` + p.table("runs") + ` (
			run_id      TEXT PRIMARY KEY,
			started_at  TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ,
			summary     JSONB
		)`,
		`CREATE TABLE IF NOT EXISTS ` + p.table("kpis") + ` (
			run_id      TEXT NOT NULL,
			tick        INTEGER NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL,
			fields      JSONB NOT NULL,
			PRIMARY KEY (run_id, tick)
		)`,
		`CREATE TABLE IF NOT EXISTS ` + p.table("events") + ` (
			id          BIGSERIAL PRIMARY KEY,
			run_id      TEXT NOT NULL,
			tick        INTEGER NOT NULL,
			type        TEXT NOT NULL,
			agent       TEXT,
			fields      JSONB,
			recorded_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + p.table("messages") + ` (
			id              BIGSERIAL PRIMARY KEY,
			run_id          TEXT NOT NULL,
			tick            INTEGER NOT NULL,
			performative    TEXT NOT NULL,
			sender          TEXT NOT NULL,
			receiver        TEXT,
			conversation_id TEXT,
			fields          JSONB
		)`,
		"CREATE INDEX IF NOT EXISTS events_run_tick ON " + p.table("events") + " (run_id, tick)",
	}
}

type statement struct {
	query string
	args  []any
}

// insertFor maps a record onto its table.
func (p *Postgres) insertFor(rec Record) (statement, error) {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return statement{}, fmt.Errorf("marshal fields: %w", err)
	}
	switch rec.Kind {
	case KindTick:
		return statement{
			query: `INSERT INTO ` + p.table("kpis") + ` (run_id, tick, recorded_at, fields)
				VALUES ($1, $2, $3, $4) ON CONFLICT (run_id, tick) DO NOTHING`,
			args: []any{rec.RunID, rec.Tick, rec.Time, fields},
		}, nil
	case KindEvent:
		return statement{
			query: `INSERT INTO ` + p.table("events") + ` (run_id, tick, type, agent, fields, recorded_at)
				VALUES ($1, $2, $3, $4, $5, $6)`,
			args: []any{rec.RunID, rec.Tick, rec.Type, rec.Agent, fields, rec.Time},
		}, nil
	case KindMessage:
		return statement{
			query: `INSERT INTO ` + p.table("messages") + ` (run_id, tick, performative, sender, receiver, conversation_id, fields)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			args: []any{rec.RunID, rec.Tick, rec.Type, rec.Agent, fieldString(rec.Fields, "receiver"), fieldString(rec.Fields, "conversation_id"), fields},
		}, nil
	case KindSummary:
		return statement{
			query: `INSERT INTO ` + p.table("runs") + ` (run_id, started_at, finished_at, summary)
				VALUES ($1, $2, $2, $3)
				ON CONFLICT (run_id) DO UPDATE SET finished_at = EXCLUDED.finished_at, summary = EXCLUDED.summary`,
			args: []any{rec.RunID, rec.Time, fields},
		}, nil
	default:
		return statement{}, fmt.Errorf("unknown record kind %q", rec.Kind)
	}
}

func (p *Postgres) runStatement(rec Record) statement {
	return statement{
		query: `INSERT INTO ` + p.table("runs") + ` (run_id, started_at) VALUES ($1, $2) ON CONFLICT (run_id) DO NOTHING`,
		args:  []any{rec.RunID, rec.Time},
	}
}

func fieldString(fields map[string]any, key string) string {
	if s, ok := fields[key].(string); ok {
		return s
	}
	return ""
}

// Write inserts the batch in one transaction.
func (p *Postgres) Write(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	stmts := make([]statement, 0, len(records)+1)
	var fresh []string
	p.mu.Lock()
	for _, rec := range records {
		if !p.runs[rec.RunID] && !slices.Contains(fresh, rec.RunID) {
			fresh = append(fresh, rec.RunID)
			stmts = append(stmts, p.runStatement(rec))
		}
	}
	p.mu.Unlock()
	for _, rec := range records {
		st, err := p.insertFor(rec)
		if err != nil {
			return err
		}
		stmts = append(stmts, st)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	for _, st := range stmts {
		if _, err := tx.ExecContext(ctx, st.query, st.args...); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert %s: %w", firstWords(st.query, 3), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	p.mu.Lock()
	for _, id := range fresh {
		p.runs[id] = true
	}
	p.mu.Unlock()
	return nil
}

func firstWords(s string, n int) string {
	f := strings.Fields(s)
	if len(f) > n {
		f = f[:n]
	}
	return strings.Join(f, " ")
}

// Close closes the database handle.
func (p *Postgres) Close() error { return p.db.Close() }
