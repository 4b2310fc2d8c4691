package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Backup errors.
var (
	ErrBackupExists    = errors.New("backup already exists")
	ErrBackupCorrupted = errors.New("backup integrity check failed")
)

// BackupInfo describes a finished backup.
type BackupInfo struct {
	Path          string
	RowCounts     map[string]int
	FileSize      int64
	SchemaVersion int
}

// Backup writes a consistent copy of the database to destPath and verifies it.
func (s *SQLiteStorage) Backup(ctx context.Context, destPath string) (*BackupInfo, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateBackupPath(destPath); err != nil {
		return nil, err
	}
	if _, err := os.Stat(destPath); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrBackupExists, destPath)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0750); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	version, err := s.SchemaVersion(ctx)
	if err != nil {
		return nil, err
	}

	// Flush the WAL so the copy sees every committed write.
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return nil, fmt.Errorf("failed to checkpoint WAL: %w", err)
	}
	// #nosec G201 - destPath is validated above
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", destPath)); err != nil {
		return nil, fmt.Errorf("failed to back up database: %w", err)
	}

	if err := verifyIntegrity(destPath); err != nil {
		if rmErr := os.Remove(destPath); rmErr != nil {
			slog.Error("failed to remove corrupted backup", "path", destPath, "error", rmErr)
		}
		return nil, err
	}

	stat, err := os.Stat(destPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat backup: %w", err)
	}

	return &BackupInfo{
		Path:          destPath,
		FileSize:      stat.Size(),
		SchemaVersion: version,
		RowCounts:     s.rowCounts(ctx),
	}, nil
}

func validateBackupPath(path string) error {
	if strings.ContainsAny(path, `'";`) {
		return errors.New("invalid backup path: contains forbidden characters")
	}
	if !filepath.IsAbs(path) || strings.Contains(path, "..") {
		return errors.New("invalid backup path: must be absolute")
	}
	return nil
}

func (s *SQLiteStorage) rowCounts(ctx context.Context) map[string]int {
	counts := make(map[string]int)

	// Fixed queries per table; table names are never interpolated.
	tableQueries := map[string]string{
		"transactions":      "SELECT COUNT(*) FROM transactions",
		"questions":         "SELECT COUNT(*) FROM questions",
		"answers":           "SELECT COUNT(*) FROM answers",
		"enriched_contexts": "SELECT COUNT(*) FROM enriched_contexts",
		"monthly_documents": "SELECT COUNT(*) FROM monthly_documents",
		"generation_log":    "SELECT COUNT(*) FROM generation_log",
		"deliveries":        "SELECT COUNT(*) FROM deliveries",
	}
	for table, query := range tableQueries {
		var count int
		if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
			counts[table] = 0
			continue
		}
		counts[table] = count
	}
	return counts
}

func verifyIntegrity(path string) error {
	db, err := sql.Open("sqlite3", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("failed to open backup: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("failed to close backup database", "error", err)
		}
	}()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("failed to check backup integrity: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: %s", ErrBackupCorrupted, result)
	}
	return nil
}
