package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/model"
	"github.com/Veraticus/taxflow/internal/notify"
	"github.com/Veraticus/taxflow/internal/service"
)

// DefaultReminderAge is how long questions wait before a reminder.
const DefaultReminderAge = 24 * time.Hour

// ReminderResult counts what one reminder run did.
type ReminderResult struct {
	Delivery notify.DeliveryResult
	Checked  int
	Reminded int
}

// Counts implements Result.
func (r ReminderResult) Counts() (int, int) {
	return r.Reminded, 0
}

// Summary implements Result.
func (r ReminderResult) Summary() string {
	return fmt.Sprintf("checked=%d reminded=%d", r.Checked, r.Reminded)
}

// ReminderJob nudges the user about questions left unanswered.
type ReminderJob struct {
	store  service.Storage
	sink   Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewReminderJob creates a reminder job.
func NewReminderJob(store service.Storage, sink Sink, logger *slog.Logger) *ReminderJob {
	if logger == nil {
		logger = slog.Default().With("component", "reminder")
	}
	return &ReminderJob{store: store, sink: sink, logger: logger, now: time.Now}
}

// Run sends one reminder batch covering every transaction whose questions
// were sent more than olderThan ago and are not all answered. Only the
// unanswered questions are repeated.
func (j *ReminderJob) Run(ctx context.Context, olderThan time.Duration) (ReminderResult, error) {
	var result ReminderResult
	if olderThan <= 0 {
		olderThan = DefaultReminderAge
	}
	cutoff := j.now().Add(-olderThan)

	txns, err := j.store.GetTransactions(ctx, service.TransactionFilter{
		Statuses: []model.Status{model.StatusContextAttached, model.StatusNeedsReview},
	})
	if err != nil {
		return result, fmt.Errorf("failed to list dispatched transactions: %w", err)
	}

	var sets []model.QuestionSet
	for _, txn := range txns {
		set, err := j.store.GetQuestionSet(ctx, txn.ID)
		if errors.Is(err, common.ErrNotFound) {
			continue
		}
		if err != nil {
			return result, fmt.Errorf("failed to load questions for %s: %w", txn.ID, err)
		}
		result.Checked++
		if set.CreatedAt.After(cutoff) {
			continue
		}

		answers, err := j.store.GetAnswers(ctx, txn.ID)
		if err != nil {
			return result, fmt.Errorf("failed to load answers for %s: %w", txn.ID, err)
		}
		open := unanswered(set.Questions, answers)
		if len(open) == 0 {
			continue
		}
		set.Questions = open
		sets = append(sets, *set)
	}

	if len(sets) == 0 {
		j.logger.Debug("No reminders due", "checked", result.Checked)
		return result, nil
	}

	batch := notify.NewBatch(notify.KindReminder, sets)
	delivery, err := j.sink.Dispatch(ctx, batch)
	if err != nil {
		return result, fmt.Errorf("failed to send reminder batch: %w", err)
	}
	result.Delivery = delivery
	result.Reminded = len(sets)
	j.logger.Info("Reminders sent", "batch_id", batch.ID, "transactions", len(sets))
	return result, nil
}

func unanswered(questions []model.GeneratedAnswer, answers []model.Answer) []model.GeneratedAnswer {
	done := make(map[string]bool, len(answers))
	for _, a := range answers {
		done[a.QuestionID] = true
	}
	var open []model.GeneratedAnswer
	for _, q := range questions {
		if !done[q.ID] {
			open = append(open, q)
		}
	}
	return open
}
