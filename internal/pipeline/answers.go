package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/generation"
	"github.com/Veraticus/taxflow/internal/model"
	"github.com/Veraticus/taxflow/internal/notify"
	"github.com/Veraticus/taxflow/internal/service"
)

// Answer results, also used as metric labels.
const (
	AnswerRecorded  = "recorded"
	AnswerDuplicate = "duplicate"
	AnswerCompleted = "completed"
	AnswerRejected  = "rejected"
)

// Question ids whose answers feed the enriched context.
const (
	questionFrequency = "Q2"
	questionInvoice   = "Q4"
	questionEvidence  = "Q5"
)

// Errors returned for answers that cannot be applied.
var (
	ErrNoQuestions     = errors.New("no questions were dispatched for transaction")
	ErrUnknownQuestion = errors.New("question was not asked for transaction")
)

// AnswerHandler applies inbound answers. It accepts them in any order and
// treats a repeated answer as a no-op; the first answer to a question wins.
// When the last open question is answered the transaction is enriched.
type AnswerHandler struct {
	store     service.Storage
	generator Generator
	metrics   Metrics
	logger    *slog.Logger
	locks     sync.Map
	now       func() time.Time
}

// NewAnswerHandler creates an answer handler.
func NewAnswerHandler(store service.Storage, generator Generator, metrics Metrics, logger *slog.Logger) *AnswerHandler {
	if logger == nil {
		logger = slog.Default().With("component", "answers")
	}
	return &AnswerHandler{
		store:     store,
		generator: generator,
		metrics:   metricsOrNop(metrics),
		logger:    logger,
		now:       time.Now,
	}
}

// HandleAnswer implements notify.AnswerHandler.
func (h *AnswerHandler) HandleAnswer(ctx context.Context, answer model.Answer) error {
	result, err := h.handle(ctx, answer)
	if err != nil {
		h.metrics.ObserveAnswer(AnswerRejected)
		return err
	}
	h.metrics.ObserveAnswer(result)
	return nil
}

func (h *AnswerHandler) handle(ctx context.Context, answer model.Answer) (string, error) {
	answer.TransactionID = strings.TrimSpace(answer.TransactionID)
	answer.QuestionID = strings.TrimSpace(answer.QuestionID)
	if answer.TransactionID == "" || answer.QuestionID == "" {
		return "", notify.ErrIncompleteAnswer
	}
	if answer.ReceivedAt.IsZero() {
		answer.ReceivedAt = h.now()
	}

	set, err := h.store.GetQuestionSet(ctx, answer.TransactionID)
	if errors.Is(err, common.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrNoQuestions, answer.TransactionID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load questions: %w", err)
	}
	if !asked(set.Questions, answer.QuestionID) {
		return "", fmt.Errorf("%w: %s/%s", ErrUnknownQuestion, answer.TransactionID, answer.QuestionID)
	}

	// Enrichment reads every answer, so answers for one transaction are
	// applied one at a time.
	lock := h.lockFor(answer.TransactionID)
	lock.Lock()
	defer lock.Unlock()

	recorded, err := h.store.RecordAnswer(ctx, answer)
	if err != nil {
		return "", fmt.Errorf("failed to record answer: %w", err)
	}

	answers, err := h.store.GetAnswers(ctx, answer.TransactionID)
	if err != nil {
		return "", fmt.Errorf("failed to load answers: %w", err)
	}
	open := len(unanswered(set.Questions, answers))

	if !recorded {
		// A redelivered answer retries an enrichment that failed after the
		// last answer was committed.
		if open == 0 {
			retry, err := h.enrichmentPending(ctx, answer.TransactionID)
			if err != nil {
				return "", err
			}
			if retry {
				h.logger.Info("Retrying enrichment", "transaction_id", answer.TransactionID)
				if err := h.enrich(ctx, set, answers); err != nil {
					return "", err
				}
				return AnswerCompleted, nil
			}
		}
		h.logger.Debug("Ignoring duplicate answer",
			"transaction_id", answer.TransactionID, "question_id", answer.QuestionID)
		return AnswerDuplicate, nil
	}

	if open > 0 {
		h.logger.Info("Answer recorded",
			"transaction_id", answer.TransactionID,
			"question_id", answer.QuestionID,
			"answered", len(answers),
			"asked", len(set.Questions))
		return AnswerRecorded, nil
	}

	if err := h.enrich(ctx, set, answers); err != nil {
		return "", err
	}
	return AnswerCompleted, nil
}

// enrichmentPending reports whether a fully answered transaction still lacks
// its answer-derived context or its final status.
func (h *AnswerHandler) enrichmentPending(ctx context.Context, id string) (bool, error) {
	ec, err := h.store.GetEnrichedContext(ctx, id)
	if errors.Is(err, common.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load enriched context: %w", err)
	}
	if !ec.Answered {
		return true, nil
	}
	txn, err := h.store.GetTransaction(ctx, id)
	if err != nil {
		return false, fmt.Errorf("failed to load transaction: %w", err)
	}
	return txn.Status == model.StatusContextAttached, nil
}

func (h *AnswerHandler) lockFor(id string) *sync.Mutex {
	l, _ := h.locks.LoadOrStore(id, &sync.Mutex{})
	return l.(*sync.Mutex)
}

func asked(questions []model.GeneratedAnswer, id string) bool {
	for _, q := range questions {
		if q.ID == id {
			return true
		}
	}
	return false
}

// enrich builds the enriched context from the answers plus a generated
// summary and moves the transaction to its final status. A provider failure
// still saves the context, marked for review.
func (h *AnswerHandler) enrich(ctx context.Context, set *model.QuestionSet, answers []model.Answer) error {
	txn := set.Transaction
	ec := ContextFromAnswers(txn, set.Category, answers, h.now())
	if err := h.keepEvidence(ctx, ec); err != nil {
		return err
	}

	downgraded := set.Coverage != model.CoverageComplete
	for _, q := range set.Questions {
		if q.Verdict == model.VerdictDowngraded {
			downgraded = true
		}
	}

	enrichment, err := h.generator.GenerateEnrichment(ctx, txn, set.Context, set.Questions, answers)
	if err != nil {
		h.logger.Error("Enrichment generation failed, saving answers for review",
			"transaction_id", txn.ID, "error", err)
		downgraded = true
	} else {
		ec.Summary = enrichment.Summary.Content
		ec.SummarySource = enrichment.Summary.Source
		ec.AccountClassification = enrichment.AccountClassification
		ec.TaxNotes = enrichment.TaxNotes
		if enrichment.Report.Downgraded > 0 {
			downgraded = true
		}
	}
	ec.Downgraded = downgraded

	if err := h.store.SaveEnrichedContext(ctx, ec); err != nil {
		h.markForReview(ctx, txn.ID)
		return fmt.Errorf("failed to save enriched context: %w", err)
	}
	if ec.IsRecurring && !txn.IsRecurring {
		if err := h.store.UpdateTransactionFlags(ctx, txn.ID, txn.IsInternalTransfer, true); err != nil {
			return fmt.Errorf("failed to flag recurring: %w", err)
		}
	}

	status := model.StatusAutoClassified
	if downgraded {
		status = model.StatusNeedsReview
	}
	if err := h.store.UpdateTransactionStatus(ctx, txn.ID, status); err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}

	h.logger.Info("Transaction enriched",
		"transaction_id", txn.ID,
		"context_id", ec.ID,
		"category", ec.Category,
		"evidence", ec.EvidenceStatus,
		"recurring", ec.IsRecurring,
		"status", status)
	return nil
}

// keepEvidence carries files attached before the answers completed over to
// the new context.
func (h *AnswerHandler) keepEvidence(ctx context.Context, ec *model.EnrichedContext) error {
	prev, err := h.store.GetEnrichedContext(ctx, ec.TransactionID)
	if errors.Is(err, common.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load enriched context: %w", err)
	}
	ec.ID = prev.ID
	ec.CreatedAt = prev.CreatedAt
	ec.Files = prev.Files
	if len(ec.Files) > 0 {
		ec.InvoiceReceived = true
		ec.EvidenceStatus = model.EvidenceReady
	}
	return nil
}

// markForReview flags a transaction whose enrichment could not be saved so
// it shows up for review until a redelivered answer completes it.
func (h *AnswerHandler) markForReview(ctx context.Context, id string) {
	if err := h.store.UpdateTransactionStatus(context.WithoutCancel(ctx), id, model.StatusNeedsReview); err != nil {
		h.logger.Error("Failed to flag transaction for review", "transaction_id", id, "error", err)
	}
}

// ContextFromAnswers derives the answer-driven fields of an enriched
// context: frequency and recurrence from Q2, invoice receipt from Q4 and
// missing evidence from Q5.
func ContextFromAnswers(txn model.Transaction, category model.Category, answers []model.Answer, now time.Time) *model.EnrichedContext {
	byQuestion := make(map[string]string, len(answers))
	for _, a := range answers {
		byQuestion[a.QuestionID] = strings.TrimSpace(a.Value)
	}
	if category == "" {
		category = txn.Category
	}

	ec := &model.EnrichedContext{
		CreatedAt:      now,
		UpdatedAt:      now,
		ID:             EnrichedContextID(txn.Timestamp),
		TransactionID:  txn.ID,
		UserMemo:       txn.Memo,
		Category:       category,
		EvidenceStatus: model.EvidenceNeeded,
		Answered:       len(answers) > 0,
	}

	if freq, ok := byQuestion[questionFrequency]; ok {
		ec.Frequency = freq
		ec.IsRecurring = generation.IsRecurringAnswer(freq)
	}
	if inv := strings.ToLower(byQuestion[questionInvoice]); strings.Contains(inv, "received") && !strings.Contains(inv, "not") {
		ec.InvoiceReceived = true
		ec.EvidenceStatus = model.EvidenceReady
	}
	if !ec.InvoiceReceived && strings.EqualFold(byQuestion[questionEvidence], "No evidence") {
		ec.EvidenceStatus = model.EvidenceUnavailable
	}
	return ec
}

// EnrichedContextID returns a new id like EC-2025-01-15-a1b2c3.
func EnrichedContextID(ts time.Time) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("EC-%s-%s", ts.Format("2006-01-02"), hex[:6])
}

var _ notify.AnswerHandler = (*AnswerHandler)(nil)
