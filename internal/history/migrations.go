package history

import (
	"database/sql"
	"fmt"
)

// Migration represents a schema migration
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations returns all migrations in order
func migrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_predictions_table",
			SQL: `
				CREATE TABLE IF NOT EXISTS predictions (
					id TEXT PRIMARY KEY,
					created_at INTEGER NOT NULL,
					outcome TEXT NOT NULL,
					label TEXT NOT NULL DEFAULT '',
					reconstruction_error REAL,
					threshold REAL NOT NULL,
					risk_level TEXT NOT NULL,
					source TEXT NOT NULL DEFAULT 'api'
				);

				CREATE INDEX IF NOT EXISTS idx_predictions_created_at ON predictions (created_at);
				CREATE INDEX IF NOT EXISTS idx_predictions_outcome ON predictions (outcome);
			`,
		},
	}
}

// runMigrations executes all pending migrations
func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var current int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	for _, m := range migrations() {
		if m.Version <= current {
			continue
		}
		if err := runMigration(db, m); err != nil {
			return fmt.Errorf("failed to run migration %d (%s): %w", m.Version, m.Name, err)
		}
	}
	return nil
}

func runMigration(db *sql.DB, m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
		m.Version, m.Name,
	); err != nil {
		return err
	}
	return tx.Commit()
}
