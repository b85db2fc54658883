package store

import (
	"fmt"
)

// Migration represents a database schema migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered list of all migrations
// New migrations should be appended to the end with incrementing version numbers
var migrations = []Migration{
	{
		Version:     1,
		Description: "Runs, round prices and trades",
		SQL: `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			seed INTEGER NOT NULL,
			rounds INTEGER NOT NULL,
			rounds_completed INTEGER NOT NULL DEFAULT 0,
			carry_over BOOLEAN NOT NULL DEFAULT FALSE,
			instruments TEXT NOT NULL,
			agent_count INTEGER NOT NULL,
			status TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			ended_at DATETIME
		);

		CREATE TABLE IF NOT EXISTS round_prices (
			run_id TEXT NOT NULL REFERENCES runs(id),
			round INTEGER NOT NULL,
			instrument TEXT NOT NULL,
			open REAL NOT NULL,
			close REAL NOT NULL,
			volume INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (run_id, round, instrument)
		);

		CREATE TABLE IF NOT EXISTS trades (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id),
			round INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			instrument TEXT NOT NULL,
			buyer_id TEXT NOT NULL,
			seller_id TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			price REAL NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
		CREATE INDEX IF NOT EXISTS idx_trades_run_round ON trades(run_id, round, seq);
		`,
	},
	{
		Version:     2,
		Description: "Agent valuations and round news",
		SQL: `
		CREATE TABLE IF NOT EXISTS valuations (
			run_id TEXT NOT NULL REFERENCES runs(id),
			round INTEGER NOT NULL,
			agent_id TEXT NOT NULL,
			value REAL NOT NULL,
			PRIMARY KEY (run_id, round, agent_id)
		);

		CREATE TABLE IF NOT EXISTS round_news (
			run_id TEXT NOT NULL REFERENCES runs(id),
			round INTEGER NOT NULL,
			news REAL NOT NULL,
			PRIMARY KEY (run_id, round)
		);
		`,
	},
	{
		Version:     3,
		Description: "API tokens",
		SQL: `
		CREATE TABLE IF NOT EXISTS api_tokens (
			id TEXT PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			token_hash TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		`,
	},
	{
		Version:     4,
		Description: "Round inflation and dividend payouts",
		SQL: `
		ALTER TABLE round_news ADD COLUMN inflation REAL NOT NULL DEFAULT 0;

		CREATE TABLE IF NOT EXISTS dividends (
			run_id TEXT NOT NULL REFERENCES runs(id),
			round INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			agent_id TEXT NOT NULL,
			instrument TEXT NOT NULL,
			units INTEGER NOT NULL,
			amount REAL NOT NULL,
			PRIMARY KEY (run_id, round, seq)
		);

		CREATE INDEX IF NOT EXISTS idx_dividends_agent ON dividends(run_id, agent_id);
		`,
	},
}

// initMigrationsTable creates the migrations tracking table
func (s *Store) initMigrationsTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// getCurrentVersion returns the highest applied migration version
func (s *Store) getCurrentVersion() (int, error) {
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// Migrate runs all pending migrations
func (s *Store) Migrate() error {
	if err := s.initMigrationsTable(); err != nil {
		return fmt.Errorf("failed to init migrations table: %w", err)
	}

	currentVersion, err := s.getCurrentVersion()
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}
		if err := s.applyMigration(m); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Description, err)
		}
	}
	return nil
}

// applyMigration runs a single migration in a transaction
func (s *Store) applyMigration(m Migration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version, description) VALUES (?, ?)",
		m.Version, m.Description,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// MigrationStatus returns applied and pending migrations
func (s *Store) MigrationStatus() (applied []int, pending []int, err error) {
	if err := s.initMigrationsTable(); err != nil {
		return nil, nil, err
	}

	rows, err := s.db.Query("SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	appliedSet := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, nil, err
		}
		applied = append(applied, v)
		appliedSet[v] = true
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	for _, m := range migrations {
		if !appliedSet[m.Version] {
			pending = append(pending, m.Version)
		}
	}
	return applied, pending, nil
}
