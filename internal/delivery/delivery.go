// Package delivery sends monthly documents to the accountant by email.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Veraticus/taxflow/internal/document"
	"github.com/Veraticus/taxflow/internal/model"
)

// Provider names accepted by delivery.provider.
const (
	ProviderConsole = "console"
	ProviderSMTP    = "smtp"
	ProviderGmail   = "gmail"
)

// XLSXContentType is the media type of the attached workbook.
const XLSXContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// ErrNoRecipient is returned when a message has no To address.
var ErrNoRecipient = errors.New("recipient address is required")

// Attachment is one file carried by a message.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// Message is a plain-text email with attachments.
type Message struct {
	From        string
	To          string
	Subject     string
	Body        string
	Attachments []Attachment
}

// Receipt identifies a message accepted by a provider.
type Receipt struct {
	Provider  string
	MessageID string
}

// Mailer hands a message to a mail provider.
type Mailer interface {
	Name() string
	Send(ctx context.Context, msg Message) (Receipt, error)
}

// AttachmentName is the workbook file name for a document version,
// e.g. "taxflow-2025-01-v2.xlsx".
func AttachmentName(doc *model.MonthlyDocument) string {
	return fmt.Sprintf("taxflow-%s-v%d.xlsx", doc.Month, doc.Version)
}

// Compose builds the accountant message for doc with the workbook attached.
// From and To are left for the caller.
func Compose(doc *model.MonthlyDocument, userName string, workbook []byte) Message {
	name := strings.TrimSpace(userName)
	if name == "" {
		name = "taxflow"
	}
	s := doc.Stats

	var b strings.Builder
	b.WriteString("Hello,\n\n")
	fmt.Fprintf(&b, "Attached are the %s bank transactions (document %s, version %d).\n\n", doc.Month, doc.ID, doc.Version)
	fmt.Fprintf(&b, "- Transactions: %d\n", s.TransactionCount)
	fmt.Fprintf(&b, "- Total income: %s\n", document.FormatAmount(s.TotalIncome))
	fmt.Fprintf(&b, "- Total expense: %s\n", document.FormatAmount(s.TotalExpense))
	if s.TransferCount > 0 {
		fmt.Fprintf(&b, "- Internal transfers excluded: %d\n", s.TransferCount)
	}
	if s.EvidenceMissing > 0 || s.EvidenceNeeded > 0 {
		fmt.Fprintf(&b, "- Evidence still to collect: %d\n", s.EvidenceMissing+s.EvidenceNeeded)
	}
	if doc.NeedsReview {
		b.WriteString("\nSome lines are marked for review; see the Review column.\n")
	}
	b.WriteString("\nDetails are in the attached workbook. Please get in touch with any questions.\n\n")
	b.WriteString("Thank you.\n\n---\nSent by taxflow\n")

	return Message{
		Subject: fmt.Sprintf("[%s] %s VAT filing materials", name, doc.Month),
		Body:    b.String(),
		Attachments: []Attachment{{
			Name:        AttachmentName(doc),
			ContentType: XLSXContentType,
			Data:        workbook,
		}},
	}
}
