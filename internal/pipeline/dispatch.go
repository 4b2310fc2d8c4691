package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Veraticus/taxflow/internal/generation"
	"github.com/Veraticus/taxflow/internal/model"
	"github.com/Veraticus/taxflow/internal/notify"
	"github.com/Veraticus/taxflow/internal/service"
)

// Dispatch outcomes, also used as metric labels.
const (
	OutcomeSent    = "sent"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// DispatchOptions tunes a DispatchJob.
type DispatchOptions struct {
	Logger  *slog.Logger
	Metrics Metrics
	// Workers bounds how many transactions are prepared at once.
	Workers int
	// MaxPerRun caps how many transactions one run selects; 0 means all.
	MaxPerRun int
	// FailureCooldown skips a transaction whose last attempt failed more
	// recently than this, leaving it for the next scheduled run.
	FailureCooldown time.Duration
	// SendTimeout bounds the batch send, which still happens after the job
	// deadline so completed work reaches the user.
	SendTimeout time.Duration
}

// DispatchResult counts what one dispatch run did.
type DispatchResult struct {
	Delivery    notify.DeliveryResult
	RunID       string
	Failures    map[string]error
	Selected    int
	Skipped     int
	Prepared    int
	NeedsReview int
	Dispatched  int
	Interrupted bool
}

// Counts implements Result.
func (r DispatchResult) Counts() (int, int) {
	return r.Dispatched, len(r.Failures)
}

// Summary implements Result.
func (r DispatchResult) Summary() string {
	s := fmt.Sprintf("selected=%d skipped=%d dispatched=%d needs_review=%d failed=%d",
		r.Selected, r.Skipped, r.Dispatched, r.NeedsReview, len(r.Failures))
	if r.Interrupted {
		s += " interrupted"
	}
	return s
}

// DispatchJob asks the user about every transaction still awaiting context.
type DispatchJob struct {
	store     service.Storage
	preparer  Preparer
	generator Generator
	sink      Sink
	metrics   Metrics
	logger    *slog.Logger
	opts      DispatchOptions
}

// NewDispatchJob creates a dispatch job.
func NewDispatchJob(store service.Storage, preparer Preparer, generator Generator, sink Sink, opts DispatchOptions) *DispatchJob {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.FailureCooldown <= 0 {
		opts.FailureCooldown = time.Hour
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "dispatch")
	}
	return &DispatchJob{
		store:     store,
		preparer:  preparer,
		generator: generator,
		sink:      sink,
		metrics:   metricsOrNop(opts.Metrics),
		logger:    logger,
		opts:      opts,
	}
}

type prepared struct {
	err error
	set *model.QuestionSet
	id  string
}

// Run prepares questions for each awaiting transaction and sends them as one
// batch. A failed transaction is recorded and left for the next run; it never
// holds back the others. When ctx expires no new transaction is started, but
// everything already prepared is saved and sent.
func (j *DispatchJob) Run(ctx context.Context) (DispatchResult, error) {
	runID := generation.RunIDFrom(ctx)
	if runID == "" {
		runID = uuid.NewString()
		ctx = generation.WithRunID(ctx, runID)
	}
	result := DispatchResult{RunID: runID, Failures: make(map[string]error)}
	// Storage writes outlive the deadline so finished work is never lost.
	persistCtx := context.WithoutCancel(ctx)

	pending, err := j.store.GetTransactions(ctx, service.TransactionFilter{
		Statuses:         []model.Status{model.StatusAwaitingContext},
		ExcludeTransfers: true,
		Limit:            j.opts.MaxPerRun,
	})
	if err != nil {
		return result, fmt.Errorf("failed to list awaiting transactions: %w", err)
	}
	result.Selected = len(pending)

	var work []model.Transaction
	for _, txn := range pending {
		skip, err := j.coolingDown(ctx, txn.ID)
		if err != nil {
			return result, err
		}
		if skip {
			result.Skipped++
			j.metrics.ObserveDispatch(OutcomeSkipped)
			j.logger.Debug("Skipping recently failed transaction", "transaction_id", txn.ID)
			continue
		}
		work = append(work, txn)
	}

	outcomes := j.prepareAll(ctx, runID, work)

	var sets []model.QuestionSet
	for _, o := range outcomes {
		if o.err != nil {
			result.Failures[o.id] = o.err
			j.recordAttempt(persistCtx, runID, o.id, o.err)
			continue
		}
		if o.set == nil {
			continue
		}
		if err := j.store.SaveQuestionSet(persistCtx, *o.set); err != nil {
			result.Failures[o.id] = err
			j.recordAttempt(persistCtx, runID, o.id, err)
			continue
		}
		sets = append(sets, *o.set)
	}
	result.Prepared = len(sets)
	result.Interrupted = ctx.Err() != nil && len(outcomes) < len(work)

	if len(sets) > 0 {
		if err := j.send(persistCtx, runID, sets, &result); err != nil {
			return result, err
		}
	}

	j.logger.Info("Dispatch complete",
		"run_id", runID,
		"selected", result.Selected,
		"dispatched", result.Dispatched,
		"needs_review", result.NeedsReview,
		"failed", len(result.Failures),
		"skipped", result.Skipped,
		"interrupted", result.Interrupted)
	return result, nil
}

func (j *DispatchJob) coolingDown(ctx context.Context, id string) (bool, error) {
	last, err := j.store.LastDispatchFailure(ctx, id)
	if err != nil {
		return false, fmt.Errorf("failed to read dispatch history for %s: %w", id, err)
	}
	return last != nil && time.Since(*last) < j.opts.FailureCooldown, nil
}

// prepareAll fans transactions out to a fixed pool of workers. Workers stop
// taking new transactions once ctx is done.
func (j *DispatchJob) prepareAll(ctx context.Context, runID string, txns []model.Transaction) []prepared {
	workChan := make(chan model.Transaction, len(txns))
	for _, t := range txns {
		workChan <- t
	}
	close(workChan)

	resultsChan := make(chan prepared, len(txns))
	var wg sync.WaitGroup
	workers := min(j.opts.Workers, max(len(txns), 1))
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(workerID int) {
			defer wg.Done()
			for txn := range workChan {
				if ctx.Err() != nil {
					return
				}
				j.logger.Debug("Preparing questions", "worker_id", workerID, "transaction_id", txn.ID)
				resultsChan <- j.prepareOne(ctx, runID, txn)
			}
		}(i)
	}
	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	out := make([]prepared, 0, len(txns))
	for r := range resultsChan {
		out = append(out, r)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].id < out[b].id })
	return out
}

// prepareOne runs classify -> retrieve -> assemble -> generate -> validate
// for one transaction. A nil set with a nil error means another writer
// already holds the transaction in this run.
func (j *DispatchJob) prepareOne(ctx context.Context, runID string, txn model.Transaction) prepared {
	claimed, err := j.store.ClaimTransaction(ctx, runID, txn.ID)
	if err != nil {
		return prepared{id: txn.ID, err: fmt.Errorf("failed to claim: %w", err)}
	}
	if !claimed {
		return prepared{id: txn.ID}
	}

	actx, err := j.preparer.Prepare(ctx, txn, nil)
	if err != nil {
		return prepared{id: txn.ID, err: fmt.Errorf("failed to assemble context: %w", err)}
	}
	questions, report, err := j.generator.GenerateQuestions(ctx, txn, actx)
	if err != nil {
		return prepared{id: txn.ID, err: err}
	}

	txn.Category = actx.Category
	txn.Confidence = actx.Confidence
	set := &model.QuestionSet{
		CreatedAt:   time.Now(),
		Context:     actx,
		RunID:       runID,
		Transaction: txn,
		Category:    actx.Category,
		Coverage:    actx.Coverage,
		Questions:   questions,
		Evidence:    actx.Evidence,
		NeedsReview: actx.Coverage == model.CoverageInsufficient || (report != nil && report.Downgraded > 0),
	}
	return prepared{id: txn.ID, set: set}
}

// send delivers the batch and only then moves each transaction forward. On
// a failed send every transaction stays awaiting context for the next run.
func (j *DispatchJob) send(ctx context.Context, runID string, sets []model.QuestionSet, result *DispatchResult) error {
	sendCtx, cancel := context.WithTimeout(ctx, j.opts.SendTimeout)
	defer cancel()

	batch := notify.NewBatch(notify.KindQuestions, sets)
	delivery, err := j.sink.Dispatch(sendCtx, batch)
	if err != nil {
		for _, s := range sets {
			result.Failures[s.Transaction.ID] = err
			j.recordAttempt(ctx, runID, s.Transaction.ID, err)
		}
		j.logger.Error("Failed to send question batch", "batch_id", batch.ID, "error", err)
		return nil
	}
	result.Delivery = delivery

	for _, s := range sets {
		id := s.Transaction.ID
		status := model.StatusContextAttached
		if s.NeedsReview {
			status = model.StatusNeedsReview
			result.NeedsReview++
		}
		if err := j.store.UpdateClassification(ctx, id, s.Category, s.Transaction.Confidence); err != nil {
			return fmt.Errorf("failed to store classification for %s: %w", id, err)
		}
		if err := j.store.UpdateTransactionStatus(ctx, id, status); err != nil {
			return fmt.Errorf("failed to update status for %s: %w", id, err)
		}
		j.recordAttempt(ctx, runID, id, nil)
		result.Dispatched++
	}
	return nil
}

func (j *DispatchJob) recordAttempt(ctx context.Context, runID, id string, attemptErr error) {
	outcome := OutcomeSent
	if attemptErr != nil {
		outcome = OutcomeFailed
		j.logger.Warn("Dispatch failed for transaction", "transaction_id", id, "error", attemptErr)
	}
	j.metrics.ObserveDispatch(outcome)
	if err := j.store.RecordDispatch(ctx, runID, id, attemptErr); err != nil {
		j.logger.Error("Failed to record dispatch attempt", "transaction_id", id, "error", err)
	}
}
