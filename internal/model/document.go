package model

import (
	"fmt"
	"time"
)

// DocumentStatus is the delivery state of a monthly document.
type DocumentStatus string

// Document states.
const (
	DocumentGenerated DocumentStatus = "generated"
	DocumentReviewed  DocumentStatus = "reviewed"
	DocumentSent      DocumentStatus = "sent"
)

// DocumentStats are the month's totals.
type DocumentStats struct {
	TotalIncome       int64 `json:"totalIncome"`
	TotalExpense      int64 `json:"totalExpense"`
	TransactionCount  int   `json:"transactionCount"`
	RecurringCount    int   `json:"recurringCount"`
	NonRecurringCount int   `json:"nonRecurringCount"`
	PendingCount      int   `json:"pendingCount"`
	TransferCount     int   `json:"transferCount"`
	EvidenceReady     int   `json:"evidenceReady"`
	EvidenceNeeded    int   `json:"evidenceNeeded"`
	EvidenceMissing   int   `json:"evidenceMissing"`
}

// MonthlyDocument is the accountant-facing summary for one calendar month.
// Regeneration bumps Version; earlier versions are archived, not overwritten.
type MonthlyDocument struct {
	GeneratedAt time.Time      `json:"generatedAt"`
	ReviewedAt  *time.Time     `json:"reviewedAt,omitempty"`
	SentAt      *time.Time     `json:"sentAt,omitempty"`
	ID          string         `json:"id"`
	Month       string         `json:"month"`
	Markdown    string         `json:"markdown"`
	Status      DocumentStatus `json:"status"`
	Stats       DocumentStats  `json:"stats"`
	Version     int            `json:"version"`
	NeedsReview bool           `json:"needsReview"`
}

// DocumentID returns the id for a month, e.g. "MD-2025-01".
func DocumentID(year int, month time.Month) string {
	return fmt.Sprintf("MD-%04d-%02d", year, int(month))
}

// GenerationLog is the audit record of one provider call.
type GenerationLog struct {
	CreatedAt   time.Time
	RunID       string
	SubjectID   string
	Kind        AnswerKind
	PromptHash  string
	Prompt      string
	Response    string
	ContextJSON string
	ReportJSON  string
	Error       string
	Attempts    int
}

// DeliveryStatus is the outcome of one delivery attempt.
type DeliveryStatus string

// Delivery outcomes.
const (
	DeliverySent   DeliveryStatus = "sent"
	DeliveryFailed DeliveryStatus = "failed"
)

// Delivery records one attempt to send a document version to the accountant.
type Delivery struct {
	AttemptedAt time.Time      `json:"attemptedAt"`
	DocumentID  string         `json:"documentId"`
	Recipient   string         `json:"recipient"`
	Provider    string         `json:"provider"`
	MessageID   string         `json:"messageId,omitempty"`
	Attachment  string         `json:"attachment"`
	Error       string         `json:"error,omitempty"`
	Status      DeliveryStatus `json:"status"`
	Version     int            `json:"version"`
	ID          int64          `json:"id"`
}

// JobRun records one execution of a batch job.
type JobRun struct {
	StartedAt  time.Time
	FinishedAt time.Time
	ID         string
	Job        string
	Status     string
	Detail     string
	Processed  int
	Failed     int
}
