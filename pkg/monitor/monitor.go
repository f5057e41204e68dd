package monitor

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Outcomes stored in the outcome column
const (
	OutcomeCompleted      = "completed"
	OutcomeTimeout        = "timeout"
	OutcomeBackendFailure = "backend_failure"
	OutcomeRejected       = "rejected"
)

// DB wraps the sql.DB connection of the in-memory request table
type DB struct {
	*sql.DB
}

// Entry is one handled prediction call
type Entry struct {
	ID           int64     `json:"id"`
	RequestID    string    `json:"request_id"`
	Prompt       string    `json:"prompt"`
	RequestCount int       `json:"request_count"`
	ModelTime    float64   `json:"model_server_process_time"`
	GatewayTime  float64   `json:"load_balancer_process_time"`
	Outcome      string    `json:"outcome"`
	Generation   uint64    `json:"generation"`
	CreatedAt    time.Time `json:"created_at"`
}

// Summary aggregates every recorded entry
type Summary struct {
	Requests       int64   `json:"requests"`
	Prompts        int64   `json:"prompts"`
	Completed      int64   `json:"completed"`
	Timeouts       int64   `json:"timeouts"`
	BackendFailure int64   `json:"backend_failures"`
	AvgModelTime   float64 `json:"avg_model_server_process_time"`
	AvgGatewayTime float64 `json:"avg_load_balancer_process_time"`
	MaxGatewayTime float64 `json:"max_load_balancer_process_time"`
}

// Open creates the request table in a private in-memory SQLite database.
// Nothing is written to disk; entries are gone when the process exits.
func Open() (*DB, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	database := &DB{db}
	if err := database.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return database, nil
}

func (d *DB) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS request_monitor (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT,
		prompt TEXT,
		request_count INTEGER,
		model_server_process_time REAL,
		load_balancer_process_time REAL,
		outcome TEXT,
		generation INTEGER,
		created_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_request_monitor_created ON request_monitor(created_at);
	`
	_, err := d.Exec(query)
	return err
}

// Record inserts an entry; CreatedAt defaults to now
func (d *DB) Record(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	query := `
	INSERT INTO request_monitor (request_id, prompt, request_count, model_server_process_time, load_balancer_process_time, outcome, generation, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := d.ExecContext(ctx, query, e.RequestID, e.Prompt, e.RequestCount, e.ModelTime, e.GatewayTime, e.Outcome, int64(e.Generation), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record request: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first
func (d *DB) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, request_id, prompt, request_count, model_server_process_time, load_balancer_process_time, outcome, generation, created_at
	FROM request_monitor ORDER BY id DESC LIMIT ?`
	rows, err := d.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e          Entry
			generation int64
		)
		err := rows.Scan(&e.ID, &e.RequestID, &e.Prompt, &e.RequestCount, &e.ModelTime, &e.GatewayTime, &e.Outcome, &generation, &e.CreatedAt)
		if err != nil {
			return nil, err
		}
		e.Generation = uint64(generation)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Summary aggregates all entries
func (d *DB) Summary(ctx context.Context) (Summary, error) {
	query := `
	SELECT
		COUNT(*),
		COALESCE(SUM(request_count), 0),
		COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0),
		COALESCE(AVG(model_server_process_time), 0),
		COALESCE(AVG(load_balancer_process_time), 0),
		COALESCE(MAX(load_balancer_process_time), 0)
	FROM request_monitor`

	var s Summary
	err := d.QueryRowContext(ctx, query, OutcomeCompleted, OutcomeTimeout, OutcomeBackendFailure).Scan(
		&s.Requests, &s.Prompts, &s.Completed, &s.Timeouts, &s.BackendFailure,
		&s.AvgModelTime, &s.AvgGatewayTime, &s.MaxGatewayTime,
	)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to summarize requests: %w", err)
	}
	return s, nil
}
