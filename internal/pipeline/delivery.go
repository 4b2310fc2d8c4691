package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Veraticus/taxflow/internal/delivery"
	"github.com/Veraticus/taxflow/internal/document"
	"github.com/Veraticus/taxflow/internal/model"
)

// ErrNotReviewed is returned when sending a document nobody has reviewed.
var ErrNotReviewed = errors.New("document must be reviewed before it is sent")

// DeliveryRequest says who gets a month's document.
type DeliveryRequest struct {
	Recipient string
	UserName  string
	// Force sends a document that is still only generated.
	Force bool
}

// DeliveryResult describes one delivery attempt.
type DeliveryResult struct {
	Document *model.MonthlyDocument
	Delivery *model.Delivery
}

// Counts implements Result.
func (r DeliveryResult) Counts() (int, int) {
	if r.Delivery == nil {
		return 0, 0
	}
	if r.Delivery.Status == model.DeliveryFailed {
		return 0, 1
	}
	return 1, 0
}

// Summary implements Result.
func (r DeliveryResult) Summary() string {
	if r.Delivery == nil {
		return "nothing sent"
	}
	return fmt.Sprintf("%s v%d %s to %s via %s",
		r.Delivery.DocumentID, r.Delivery.Version, r.Delivery.Status, r.Delivery.Recipient, r.Delivery.Provider)
}

// Deliver emails the current version of a month's document to the
// accountant with the xlsx export attached. Every attempt is recorded; a
// successful one marks the document sent. Rows are rebuilt from the store
// as Export does.
func (j *DocumentJob) Deliver(ctx context.Context, year int, month time.Month, mailer delivery.Mailer, req DeliveryRequest) (DeliveryResult, error) {
	var result DeliveryResult
	if req.Recipient == "" {
		return result, delivery.ErrNoRecipient
	}
	doc, err := j.store.GetDocument(ctx, model.DocumentID(year, month))
	if err != nil {
		return result, fmt.Errorf("failed to read document: %w", err)
	}
	result.Document = doc
	if doc.Status == model.DocumentGenerated && !req.Force {
		return result, fmt.Errorf("%w: %s v%d", ErrNotReviewed, doc.ID, doc.Version)
	}

	in, _, err := j.collect(ctx, year, month)
	if err != nil {
		return result, err
	}
	var workbook bytes.Buffer
	if err := document.ExportXLSX(doc, document.Rows(in), &workbook); err != nil {
		return result, fmt.Errorf("failed to build workbook: %w", err)
	}

	msg := delivery.Compose(doc, req.UserName, workbook.Bytes())
	msg.To = req.Recipient
	rec := &model.Delivery{
		AttemptedAt: j.now(),
		DocumentID:  doc.ID,
		Recipient:   req.Recipient,
		Provider:    mailer.Name(),
		Attachment:  delivery.AttachmentName(doc),
		Version:     doc.Version,
	}
	receipt, sendErr := mailer.Send(ctx, msg)
	if sendErr != nil {
		rec.Status = model.DeliveryFailed
		rec.Error = sendErr.Error()
	} else {
		rec.Status = model.DeliverySent
		rec.MessageID = receipt.MessageID
	}

	persist := context.WithoutCancel(ctx)
	if err := j.store.RecordDelivery(persist, rec); err != nil {
		j.logger.Error("Failed to record delivery", "document", doc.ID, "status", rec.Status, "error", err)
	}
	result.Delivery = rec
	if sendErr != nil {
		j.logger.Error("Document delivery failed", "document", doc.ID, "recipient", req.Recipient, "error", sendErr)
		return result, fmt.Errorf("failed to send %s: %w", doc.ID, sendErr)
	}

	if err := j.store.UpdateDocumentStatus(persist, doc.ID, model.DocumentSent); err != nil {
		return result, fmt.Errorf("sent %s but failed to mark it: %w", doc.ID, err)
	}
	j.logger.Info("Document delivered",
		"document", doc.ID,
		"version", doc.Version,
		"recipient", req.Recipient,
		"provider", rec.Provider,
		"message_id", rec.MessageID,
		"bytes", workbook.Len())
	return result, nil
}
