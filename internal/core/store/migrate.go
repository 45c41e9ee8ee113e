package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS queue_items (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		action TEXT NOT NULL,
		target TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL,
		scheduled_at INTEGER NOT NULL,
		depends_on TEXT NOT NULL DEFAULT '[]',
		tags TEXT NOT NULL DEFAULT '[]',
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		completed_at INTEGER,
		error_message TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		history TEXT NOT NULL DEFAULT '[]'
	);`,
	`CREATE INDEX IF NOT EXISTS idx_queue_items_status ON queue_items(status);`,
	`CREATE INDEX IF NOT EXISTS idx_queue_items_order ON queue_items(priority, scheduled_at, created_at, seq);`,
	`CREATE TABLE IF NOT EXISTS endpoint_state (
		endpoint TEXT PRIMARY KEY,
		config TEXT NOT NULL,
		timestamps TEXT NOT NULL DEFAULT '[]',
		breaker TEXT NOT NULL,
		backoff_until INTEGER,
		version INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS daily_usage (
		date TEXT NOT NULL,
		bucket TEXT NOT NULL,
		used INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (date, bucket)
	);`,
	`CREATE TABLE IF NOT EXISTS rate_limit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		endpoint TEXT NOT NULL,
		action TEXT NOT NULL,
		result TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_rate_limit_events_endpoint ON rate_limit_events(endpoint, created_at);`,
}

// Migrate ensures the required database tables exist.
func (s *Store) Migrate(ctx context.Context) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	for _, stmt := range schemaStatements {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store migration failed: %w", err)
		}
	}

	if err := s.ensureColumn(ctx, "queue_items", "history", "TEXT NOT NULL DEFAULT '[]'"); err != nil {
		return err
	}

	return nil
}

func (s *Store) ensureColumn(ctx context.Context, table, column, columnDef string) error {
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("inspect %s schema: %w", table, err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup on SQL rows

	for rows.Next() {
		var (
			cid     int
			name    string
			colType string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return fmt.Errorf("inspect %s columns: %w", table, err)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect %s columns: %w", table, err)
	}

	if _, err := s.DB.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, columnDef)); err != nil {
		return fmt.Errorf("add %s.%s column: %w", table, column, err)
	}

	return nil
}
