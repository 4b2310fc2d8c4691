package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// ExpectedSchemaVersion is the latest schema version that the application expects.
// If the database cannot be migrated to this version, it's a fatal error.
const ExpectedSchemaVersion = 4

// Migration represents a database schema migration.
type Migration struct {
	Up          func(*sql.Tx) error
	Description string
	Version     int
}

func execAll(tx *sql.Tx, queries []string) error {
	for _, query := range queries {
		if _, err := tx.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query '%s': %w", query, err)
		}
	}
	return nil
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TABLE IF NOT EXISTS transactions (
					id TEXT PRIMARY KEY,
					account_id TEXT NOT NULL,
					bank_name TEXT NOT NULL,
					account_masked TEXT,
					amount INTEGER NOT NULL,
					direction TEXT NOT NULL,
					counterparty TEXT,
					memo TEXT,
					timestamp DATETIME NOT NULL,
					is_internal_transfer INTEGER NOT NULL DEFAULT 0,
					is_recurring INTEGER NOT NULL DEFAULT 0,
					status TEXT NOT NULL,
					category TEXT NOT NULL DEFAULT 'unknown',
					confidence REAL NOT NULL DEFAULT 0,
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL
				)`,
				`CREATE INDEX idx_transactions_timestamp ON transactions(timestamp)`,
				`CREATE INDEX idx_transactions_status ON transactions(status)`,

				`CREATE TABLE IF NOT EXISTS question_sets (
					transaction_id TEXT PRIMARY KEY,
					run_id TEXT,
					category TEXT NOT NULL,
					coverage TEXT NOT NULL,
					evidence TEXT,
					context_json TEXT,
					needs_review INTEGER NOT NULL DEFAULT 0,
					created_at DATETIME NOT NULL,
					FOREIGN KEY (transaction_id) REFERENCES transactions(id)
				)`,
				`CREATE TABLE IF NOT EXISTS questions (
					transaction_id TEXT NOT NULL,
					question_id TEXT NOT NULL,
					position INTEGER NOT NULL,
					kind TEXT NOT NULL,
					content TEXT NOT NULL,
					question_type TEXT,
					options TEXT,
					source TEXT NOT NULL,
					original_source TEXT,
					confidence TEXT NOT NULL,
					verdict TEXT,
					hallucination_flags INTEGER NOT NULL DEFAULT 0,
					PRIMARY KEY (transaction_id, question_id),
					FOREIGN KEY (transaction_id) REFERENCES transactions(id)
				)`,
				`CREATE TABLE IF NOT EXISTS answers (
					transaction_id TEXT NOT NULL,
					question_id TEXT NOT NULL,
					value TEXT NOT NULL,
					received_at DATETIME NOT NULL,
					PRIMARY KEY (transaction_id, question_id)
				)`,
				`CREATE TABLE IF NOT EXISTS enriched_contexts (
					id TEXT PRIMARY KEY,
					transaction_id TEXT UNIQUE NOT NULL,
					data TEXT NOT NULL,
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL,
					FOREIGN KEY (transaction_id) REFERENCES transactions(id)
				)`,
				`CREATE TABLE IF NOT EXISTS transaction_links (
					a TEXT NOT NULL,
					b TEXT NOT NULL,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					PRIMARY KEY (a, b)
				)`,
				`CREATE INDEX idx_transaction_links_b ON transaction_links(b)`,
			})
		},
	},
	{
		Version:     2,
		Description: "Add monthly documents with version history",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TABLE IF NOT EXISTS monthly_documents (
					id TEXT PRIMARY KEY,
					month TEXT NOT NULL,
					version INTEGER NOT NULL,
					status TEXT NOT NULL,
					markdown TEXT NOT NULL,
					stats TEXT NOT NULL,
					needs_review INTEGER NOT NULL DEFAULT 0,
					generated_at DATETIME NOT NULL,
					reviewed_at DATETIME,
					sent_at DATETIME
				)`,
				`CREATE TABLE IF NOT EXISTS document_versions (
					id TEXT NOT NULL,
					version INTEGER NOT NULL,
					month TEXT NOT NULL,
					status TEXT NOT NULL,
					markdown TEXT NOT NULL,
					stats TEXT NOT NULL,
					needs_review INTEGER NOT NULL DEFAULT 0,
					generated_at DATETIME NOT NULL,
					archived_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					PRIMARY KEY (id, version)
				)`,
			})
		},
	},
	{
		Version:     3,
		Description: "Add generation log and job bookkeeping",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TABLE IF NOT EXISTS generation_log (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					run_id TEXT,
					subject_id TEXT NOT NULL,
					kind TEXT NOT NULL,
					prompt_hash TEXT,
					prompt TEXT,
					response TEXT,
					context_json TEXT,
					report_json TEXT,
					error TEXT,
					attempts INTEGER NOT NULL DEFAULT 0,
					created_at DATETIME NOT NULL
				)`,
				`CREATE INDEX idx_generation_log_subject ON generation_log(subject_id)`,
				`CREATE TABLE IF NOT EXISTS job_runs (
					id TEXT PRIMARY KEY,
					job TEXT NOT NULL,
					status TEXT NOT NULL,
					detail TEXT,
					processed INTEGER NOT NULL DEFAULT 0,
					failed INTEGER NOT NULL DEFAULT 0,
					started_at DATETIME NOT NULL,
					finished_at DATETIME
				)`,
				`CREATE TABLE IF NOT EXISTS dispatch_attempts (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					run_id TEXT NOT NULL,
					transaction_id TEXT NOT NULL,
					success INTEGER NOT NULL,
					error TEXT,
					attempted_at DATETIME NOT NULL
				)`,
				`CREATE INDEX idx_dispatch_attempts_transaction ON dispatch_attempts(transaction_id, attempted_at)`,
				`CREATE TABLE IF NOT EXISTS transaction_claims (
					run_id TEXT NOT NULL,
					transaction_id TEXT NOT NULL,
					claimed_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					PRIMARY KEY (run_id, transaction_id)
				)`,
			})
		},
	},
	{
		Version:     4,
		Description: "Add accountant deliveries",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TABLE IF NOT EXISTS deliveries (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					document_id TEXT NOT NULL,
					version INTEGER NOT NULL,
					recipient TEXT NOT NULL,
					provider TEXT NOT NULL,
					status TEXT NOT NULL,
					message_id TEXT,
					attachment TEXT,
					error TEXT,
					attempted_at DATETIME NOT NULL
				)`,
				`CREATE INDEX idx_deliveries_document ON deliveries(document_id, attempted_at)`,
			})
		},
	},
}

// Migrate brings the schema up to ExpectedSchemaVersion.
func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	var currentVersion int
	err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}

		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("failed to begin transaction: %w", txErr)
		}

		if upErr := migration.Up(tx); upErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", migration.Version, upErr)
		}

		if _, execErr := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", migration.Version)); execErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to update schema version: %w", execErr)
		}

		if commitErr := tx.Commit(); commitErr != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, commitErr)
		}

		slog.Info("Applied migration",
			"version", migration.Version,
			"description", migration.Description)
	}

	var finalVersion int
	err = s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&finalVersion)
	if err != nil {
		return fmt.Errorf("failed to verify final schema version: %w", err)
	}

	if finalVersion != ExpectedSchemaVersion {
		return fmt.Errorf("database schema version mismatch: expected %d, got %d", ExpectedSchemaVersion, finalVersion)
	}

	return nil
}

// SchemaVersion reports the current schema version.
func (s *SQLiteStorage) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", err)
	}
	return version, nil
}
