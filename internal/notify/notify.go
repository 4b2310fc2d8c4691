// Package notify delivers question batches, reminders and document notices
// to the user and brings their answers back.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Veraticus/taxflow/internal/model"
)

// BatchKind says what a batch carries.
type BatchKind string

// Batch kinds.
const (
	KindQuestions     BatchKind = "questions"
	KindReminder      BatchKind = "reminder"
	KindDocumentReady BatchKind = "document-ready"
)

// Delivery statuses.
const (
	StatusSent     = "sent"
	StatusMockSent = "mock_sent"
	StatusSkipped  = "skipped"
)

// DocumentNotice announces a generated monthly document.
type DocumentNotice struct {
	ID          string              `json:"id"`
	Month       string              `json:"month"`
	Stats       model.DocumentStats `json:"stats"`
	Version     int                 `json:"version"`
	NeedsReview bool                `json:"needsReview"`
}

// Batch is one outbound message.
type Batch struct {
	CreatedAt time.Time           `json:"createdAt"`
	Document  *DocumentNotice     `json:"document,omitempty"`
	ID        string              `json:"id"`
	Kind      BatchKind           `json:"kind"`
	Sets      []model.QuestionSet `json:"sets,omitempty"`
}

// NewBatch creates a batch with a fresh id.
func NewBatch(kind BatchKind, sets []model.QuestionSet) Batch {
	return Batch{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		Kind:      kind,
		Sets:      sets,
	}
}

// TransactionIDs lists the transactions a batch asks about.
func (b Batch) TransactionIDs() []string {
	ids := make([]string, len(b.Sets))
	for i, s := range b.Sets {
		ids[i] = s.Transaction.ID
	}
	return ids
}

// IsEmpty reports whether there is nothing to send.
func (b Batch) IsEmpty() bool {
	return len(b.Sets) == 0 && b.Document == nil
}

// DeliveryResult reports what a sink did with a batch.
type DeliveryResult struct {
	BatchID   string
	Status    string
	Delivered int
}

// Sink delivers batches.
type Sink interface {
	Dispatch(ctx context.Context, batch Batch) (DeliveryResult, error)
}

// AnswerHandler consumes inbound answers. Answers may arrive in any order
// and more than once.
type AnswerHandler interface {
	HandleAnswer(ctx context.Context, answer model.Answer) error
}

// AnswerHandlerFunc adapts a function to AnswerHandler.
type AnswerHandlerFunc func(ctx context.Context, answer model.Answer) error

// HandleAnswer implements AnswerHandler.
func (f AnswerHandlerFunc) HandleAnswer(ctx context.Context, answer model.Answer) error {
	return f(ctx, answer)
}

// Render formats a batch as plain text.
func Render(b Batch) string {
	var sb strings.Builder
	switch b.Kind {
	case KindQuestions:
		fmt.Fprintf(&sb, "%d transactions need context\n", len(b.Sets))
		for i, set := range b.Sets {
			renderSet(&sb, i+1, set)
		}
	case KindReminder:
		fmt.Fprintf(&sb, "Reminder: %d transactions are still waiting for answers\n", len(b.Sets))
		for _, set := range b.Sets {
			hours := int(b.CreatedAt.Sub(set.CreatedAt).Hours())
			fmt.Fprintf(&sb, "  - %s (asked %dh ago)\n", summarize(set.Transaction), hours)
		}
	case KindDocumentReady:
		if d := b.Document; d != nil {
			fmt.Fprintf(&sb, "%s document ready (v%d)\n", d.Month, d.Version)
			fmt.Fprintf(&sb, "  %d transactions: %d recurring, %d non-recurring, %d pending review\n",
				d.Stats.TransactionCount, d.Stats.RecurringCount, d.Stats.NonRecurringCount, d.Stats.PendingCount)
			if d.NeedsReview {
				sb.WriteString("  Some sections are marked [REVIEW]\n")
			}
		}
	}
	return sb.String()
}

func renderSet(sb *strings.Builder, n int, set model.QuestionSet) {
	txn := set.Transaction
	fmt.Fprintf(sb, "%d. %s %s\n", n, txn.Timestamp.Format("2006-01-02 15:04"), summarize(txn))
	if txn.Memo != "" {
		fmt.Fprintf(sb, "   memo: %s\n", txn.Memo)
	}
	for _, q := range set.Questions {
		marker := ""
		if q.Verdict == model.VerdictDowngraded {
			marker = " [REVIEW]"
		}
		fmt.Fprintf(sb, "   %s %s%s\n", q.ID, q.Content, marker)
		if len(q.Options) > 0 {
			fmt.Fprintf(sb, "      [%s]\n", strings.Join(q.Options, " | "))
		}
	}
}

func summarize(txn model.Transaction) string {
	party := txn.Counterparty
	if party == "" {
		party = "unknown"
	}
	return fmt.Sprintf("%s %s %s (%s)", party, formatWon(txn.Magnitude()), txn.Direction, txn.BankName)
}

func formatWon(n int64) string {
	s := fmt.Sprintf("%d", n)
	var out []byte
	for i := range len(s) {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, s[i])
	}
	return string(out) + " KRW"
}
