// Package service defines the interfaces shared between application services.
package service

import (
	"context"
	"time"

	"github.com/Veraticus/taxflow/internal/model"
)

// TransactionFilter defines filtering options for transaction queries.
type TransactionFilter struct {
	StartDate        *time.Time
	EndDate          *time.Time
	Statuses         []model.Status
	AccountID        string
	ExcludeTransfers bool
	Limit            int
	Offset           int
}

// Storage defines the contract for our persistence layer.
type Storage interface {
	// Transaction operations
	SaveTransactions(ctx context.Context, transactions []model.Transaction) (int, error)
	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)
	GetTransactions(ctx context.Context, filter TransactionFilter) ([]model.Transaction, error)
	GetTransactionsByMonth(ctx context.Context, year int, month time.Month) ([]model.Transaction, error)
	UpdateTransactionFlags(ctx context.Context, id string, internalTransfer, recurring bool) error
	UpdateClassification(ctx context.Context, id string, category model.Category, confidence float64) error
	UpdateTransactionStatus(ctx context.Context, id string, status model.Status) error

	// Enrichment operations
	SaveQuestionSet(ctx context.Context, set model.QuestionSet) error
	GetQuestionSet(ctx context.Context, transactionID string) (*model.QuestionSet, error)
	GetQuestions(ctx context.Context, transactionID string) ([]model.GeneratedAnswer, error)
	RecordAnswer(ctx context.Context, answer model.Answer) (bool, error)
	GetAnswers(ctx context.Context, transactionID string) ([]model.Answer, error)
	SaveEnrichedContext(ctx context.Context, ec *model.EnrichedContext) error
	GetEnrichedContext(ctx context.Context, transactionID string) (*model.EnrichedContext, error)
	AddLink(ctx context.Context, link model.TransactionLink) error
	GetLinks(ctx context.Context, transactionIDs []string) ([]model.TransactionLink, error)

	// Document operations
	SaveDocument(ctx context.Context, doc *model.MonthlyDocument) error
	GetDocument(ctx context.Context, id string) (*model.MonthlyDocument, error)
	GetDocumentVersion(ctx context.Context, id string, version int) (*model.MonthlyDocument, error)
	ListDocuments(ctx context.Context) ([]model.MonthlyDocument, error)
	UpdateDocumentStatus(ctx context.Context, id string, status model.DocumentStatus) error
	RecordDelivery(ctx context.Context, d *model.Delivery) error
	GetDeliveries(ctx context.Context, documentID string) ([]model.Delivery, error)

	// Audit and job bookkeeping
	AppendGenerationLog(ctx context.Context, entry model.GenerationLog) error
	GetGenerationLogs(ctx context.Context, subjectID string) ([]model.GenerationLog, error)
	StartJobRun(ctx context.Context, run model.JobRun) error
	FinishJobRun(ctx context.Context, run model.JobRun) error
	RecordDispatch(ctx context.Context, runID, transactionID string, dispatchErr error) error
	LastDispatchFailure(ctx context.Context, transactionID string) (*time.Time, error)
	ClaimTransaction(ctx context.Context, runID, transactionID string) (bool, error)

	// Database management
	Migrate(ctx context.Context) error
	Close() error
}

// DateRange represents a time period with start and end dates.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the range, inclusive.
func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}

// MonthRange returns the range covering one calendar month in loc.
func MonthRange(year int, month time.Month, loc *time.Location) DateRange {
	if loc == nil {
		loc = time.UTC
	}
	start := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	return DateRange{Start: start, End: start.AddDate(0, 1, 0).Add(-time.Nanosecond)}
}

// RetryOptions configures retry behavior for operations.
type RetryOptions struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}
