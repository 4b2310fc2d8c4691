package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/model"
)

const documentColumns = `id, month, version, status, markdown, stats, needs_review, generated_at, reviewed_at, sent_at`

// SaveDocument stores a monthly document. When a document for the month
// already exists its current row is archived and doc.Version is set one
// higher; doc is updated in place.
func (s *SQLiteStorage) SaveDocument(ctx context.Context, doc *model.MonthlyDocument) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateDocument(doc); err != nil {
		return err
	}
	if doc.GeneratedAt.IsZero() {
		doc.GeneratedAt = time.Now()
	}
	if doc.Status == "" {
		doc.Status = model.DocumentGenerated
	}
	stats, err := marshalJSON(doc.Stats)
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		var current int
		err := tx.QueryRowContext(ctx, `SELECT version FROM monthly_documents WHERE id = ?`, doc.ID).Scan(&current)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			current = 0
		case err != nil:
			return fmt.Errorf("failed to read document version: %w", err)
		default:
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO document_versions (id, version, month, status, markdown, stats, needs_review, generated_at)
				SELECT id, version, month, status, markdown, stats, needs_review, generated_at
				FROM monthly_documents WHERE id = ?`, doc.ID); err != nil {
				return fmt.Errorf("failed to archive document version %d: %w", current, err)
			}
		}

		doc.Version = current + 1
		doc.ReviewedAt = nil
		doc.SentAt = nil
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO monthly_documents (`+documentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL)`,
			doc.ID, doc.Month, doc.Version, string(doc.Status), doc.Markdown, stats,
			boolToInt(doc.NeedsReview), doc.GeneratedAt.UTC()); err != nil {
			return fmt.Errorf("failed to save document: %w", err)
		}
		return nil
	})
}

// GetDocument returns the current version of a document.
func (s *SQLiteStorage) GetDocument(ctx context.Context, id string) (*model.MonthlyDocument, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM monthly_documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// GetDocumentVersion returns a specific version, current or archived.
func (s *SQLiteStorage) GetDocumentVersion(ctx context.Context, id string, version int) (*model.MonthlyDocument, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}

	doc, err := s.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.Version == version {
		return doc, nil
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, month, version, status, markdown, stats, needs_review, generated_at, NULL, NULL
		FROM document_versions WHERE id = ? AND version = ?`, id, version)
	archived, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s version %d: %w", id, version, common.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return archived, nil
}

// ListDocuments returns the current version of every document, newest month first.
func (s *SQLiteStorage) ListDocuments(ctx context.Context) ([]model.MonthlyDocument, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+documentColumns+` FROM monthly_documents ORDER BY month DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.MonthlyDocument
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate documents: %w", err)
	}
	return out, nil
}

// UpdateDocumentStatus marks a document reviewed or sent and stamps the
// matching timestamp.
func (s *SQLiteStorage) UpdateDocumentStatus(ctx context.Context, id string, status model.DocumentStatus) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(id, "id"); err != nil {
		return err
	}

	var query string
	switch status {
	case model.DocumentReviewed:
		query = `UPDATE monthly_documents SET status = ?, reviewed_at = ? WHERE id = ?`
	case model.DocumentSent:
		query = `UPDATE monthly_documents SET status = ?, sent_at = ? WHERE id = ?`
	default:
		return fmt.Errorf("%w: status %q", ErrInvalidDocument, status)
	}

	res, err := s.db.ExecContext(ctx, query, string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update document %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("document %s: %w", id, common.ErrNotFound)
	}
	return nil
}

func scanDocument(row rowScanner) (*model.MonthlyDocument, error) {
	var (
		doc                model.MonthlyDocument
		status, stats      string
		needsReview        int
		reviewedAt, sentAt sql.NullTime
	)
	err := row.Scan(&doc.ID, &doc.Month, &doc.Version, &status, &doc.Markdown, &stats,
		&needsReview, &doc.GeneratedAt, &reviewedAt, &sentAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan document: %w", err)
	}

	doc.Status = model.DocumentStatus(status)
	doc.NeedsReview = needsReview != 0
	if reviewedAt.Valid {
		t := reviewedAt.Time
		doc.ReviewedAt = &t
	}
	if sentAt.Valid {
		t := sentAt.Time
		doc.SentAt = &t
	}
	if err := unmarshalJSON(stats, &doc.Stats); err != nil {
		return nil, err
	}
	return &doc, nil
}
