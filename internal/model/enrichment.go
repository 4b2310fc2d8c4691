package model

import "time"

// EvidenceStatus tracks whether supporting documents are on hand.
type EvidenceStatus string

// Evidence states.
const (
	EvidenceReady       EvidenceStatus = "ready"
	EvidenceNeeded      EvidenceStatus = "needed"
	EvidenceUnavailable EvidenceStatus = "unavailable"
)

// Answer is one reply to a dispatched question.
type Answer struct {
	ReceivedAt    time.Time `json:"receivedAt"`
	TransactionID string    `json:"tx_id"`
	QuestionID    string    `json:"q_id"`
	Value         string    `json:"answer"`
}

// QuestionSet is what gets dispatched for one transaction. Context is kept
// for the audit trail and enrichment but not sent to the notification sink.
type QuestionSet struct {
	CreatedAt   time.Time         `json:"createdAt"`
	Context     AssembledContext  `json:"-"`
	RunID       string            `json:"runId,omitempty"`
	Transaction Transaction       `json:"transaction"`
	Category    Category          `json:"category"`
	Coverage    Coverage          `json:"coverage"`
	Questions   []GeneratedAnswer `json:"questions"`
	Evidence    []string          `json:"evidence"`
	NeedsReview bool              `json:"needsReview"`
}

// EnrichedContext is the user-supplied and generated context attached to a transaction.
type EnrichedContext struct {
	CreatedAt             time.Time      `json:"createdAt"`
	UpdatedAt             time.Time      `json:"updatedAt"`
	ID                    string         `json:"id"`
	TransactionID         string         `json:"transactionId"`
	UserMemo              string         `json:"userMemo,omitempty"`
	Category              Category       `json:"category"`
	AccountClassification string         `json:"accountClassification,omitempty"`
	Frequency             string         `json:"frequency,omitempty"`
	TaxNotes              string         `json:"taxNotes,omitempty"`
	Summary               string         `json:"summary,omitempty"`
	SummarySource         string         `json:"summarySource,omitempty"`
	EvidenceStatus        EvidenceStatus `json:"evidenceStatus"`
	Files                 []EvidenceFile `json:"files,omitempty"`
	Related               []string       `json:"related,omitempty"`
	IsRecurring           bool           `json:"isRecurring"`
	InvoiceReceived       bool           `json:"invoiceReceived"`
	Downgraded            bool           `json:"downgraded"`
	// Answered is false for a context that so far only carries evidence files.
	Answered bool `json:"answered"`
}

// EvidenceFile is a receipt or invoice stored for a transaction.
type EvidenceFile struct {
	AttachedAt time.Time `json:"attachedAt"`
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	SHA256     string    `json:"sha256"`
	Size       int64     `json:"size"`
}

// FileByDigest returns the attached file with the given SHA-256 digest.
func (ec *EnrichedContext) FileByDigest(sha string) (EvidenceFile, bool) {
	for _, f := range ec.Files {
		if f.SHA256 == sha {
			return f, true
		}
	}
	return EvidenceFile{}, false
}

// TransactionLink is an undirected relation between two transactions.
type TransactionLink struct {
	A string
	B string
}

// Normalized orders the endpoints so (a,b) and (b,a) compare equal.
func (l TransactionLink) Normalized() TransactionLink {
	if l.B < l.A {
		return TransactionLink{A: l.B, B: l.A}
	}
	return l
}
