package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Veraticus/taxflow/internal/model"
)

// RecordDelivery appends one delivery attempt and sets d.ID.
func (s *SQLiteStorage) RecordDelivery(ctx context.Context, d *model.Delivery) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if d == nil {
		return fmt.Errorf("%w: delivery", ErrNilParameter)
	}
	if d.DocumentID == "" || d.Recipient == "" {
		return fmt.Errorf("%w: document and recipient are required", ErrInvalidDelivery)
	}
	if d.Status != model.DeliverySent && d.Status != model.DeliveryFailed {
		return fmt.Errorf("%w: status %q", ErrInvalidDelivery, d.Status)
	}
	if d.AttemptedAt.IsZero() {
		d.AttemptedAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO deliveries (
			document_id, version, recipient, provider, status, message_id, attachment, error, attempted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.DocumentID, d.Version, d.Recipient, d.Provider, string(d.Status),
		d.MessageID, d.Attachment, d.Error, d.AttemptedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record delivery: %w", err)
	}
	if d.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read delivery id: %w", err)
	}
	return nil
}

// GetDeliveries returns a document's delivery attempts, newest first.
func (s *SQLiteStorage) GetDeliveries(ctx context.Context, documentID string) ([]model.Delivery, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(documentID, "documentID"); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, version, recipient, provider, status, message_id, attachment, error, attempted_at
		FROM deliveries WHERE document_id = ? ORDER BY attempted_at DESC, id DESC`, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query deliveries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Delivery
	for rows.Next() {
		var (
			d                           model.Delivery
			status                      string
			messageID, attachment, derr sql.NullString
		)
		if err := rows.Scan(&d.ID, &d.DocumentID, &d.Version, &d.Recipient, &d.Provider, &status,
			&messageID, &attachment, &derr, &d.AttemptedAt); err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		d.Status = model.DeliveryStatus(status)
		d.MessageID = messageID.String
		d.Attachment = attachment.String
		d.Error = derr.String
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deliveries: %w", err)
	}
	return out, nil
}
