package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Veraticus/taxflow/internal/bank"
	"github.com/Veraticus/taxflow/internal/classification"
	"github.com/Veraticus/taxflow/internal/model"
	"github.com/Veraticus/taxflow/internal/service"
)

// SyncState is where a sync run got to.
type SyncState string

// Sync states, in order.
const (
	SyncNotStarted    SyncState = "not-started"
	SyncFetching      SyncState = "fetching"
	SyncDeduplicating SyncState = "deduplicating"
	SyncPersisted     SyncState = "persisted"
)

// ErrAllAccountsFailed is returned when no account could be fetched.
var ErrAllAccountsFailed = errors.New("every account failed to fetch")

// AccountFailure records one account that could not be fetched.
type AccountFailure struct {
	Err       error
	AccountID string
}

// SyncResult counts what one sync run did.
type SyncResult struct {
	State          SyncState
	Failures       []AccountFailure
	Fetched        int
	New            int
	Duplicates     int
	Transfers      int
	Recurring      int
	UpdatedStored  int
	AccountsSynced int
}

// Counts implements Result.
func (r SyncResult) Counts() (int, int) {
	return r.New, len(r.Failures)
}

// Summary implements Result.
func (r SyncResult) Summary() string {
	return fmt.Sprintf("fetched=%d new=%d duplicates=%d transfers=%d recurring=%d failed_accounts=%d",
		r.Fetched, r.New, r.Duplicates, r.Transfers, r.Recurring, len(r.Failures))
}

// SyncOptions tunes a SyncJob.
type SyncOptions struct {
	Logger         *slog.Logger
	Metrics        Metrics
	FetchTimeout   time.Duration
	TransferWindow time.Duration
}

// SyncJob pulls bank records into the store.
type SyncJob struct {
	source  bank.Source
	store   service.Storage
	metrics Metrics
	logger  *slog.Logger
	opts    SyncOptions
}

// NewSyncJob creates a sync job.
func NewSyncJob(source bank.Source, store service.Storage, opts SyncOptions) *SyncJob {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 30 * time.Second
	}
	if opts.TransferWindow <= 0 {
		opts.TransferWindow = classification.DefaultTransferWindow
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "sync")
	}
	return &SyncJob{
		source:  source,
		store:   store,
		metrics: metricsOrNop(opts.Metrics),
		logger:  logger,
		opts:    opts,
	}
}

// Run fetches every account in parallel, drops ids already seen, flags
// internal transfers and recurring payments, and persists the rest. Running
// it twice over the same range changes nothing the second time.
func (j *SyncJob) Run(ctx context.Context, accounts []bank.AccountRef, dr service.DateRange) (SyncResult, error) {
	result := SyncResult{State: SyncNotStarted}
	if err := bank.ValidateRange(ctx, dr); err != nil {
		return result, err
	}

	result.State = SyncFetching
	fetched, failures := j.fetchAll(ctx, accounts, dr)
	result.Failures = failures
	result.AccountsSynced = len(accounts) - len(failures)
	for _, f := range failures {
		j.logger.Warn("Account fetch failed", "account", f.AccountID, "error", f.Err)
	}
	if len(accounts) > 0 && len(failures) == len(accounts) {
		return result, fmt.Errorf("%w: %d accounts", ErrAllAccountsFailed, len(accounts))
	}

	result.State = SyncDeduplicating
	txns := bank.Normalize(fetched)
	result.Fetched = len(txns)

	stored, err := j.store.GetTransactions(ctx, service.TransactionFilter{
		StartDate: ptr(dr.Start.Add(-j.opts.TransferWindow)),
		EndDate:   ptr(dr.End.Add(j.opts.TransferWindow)),
	})
	if err != nil {
		return result, fmt.Errorf("failed to load stored transactions: %w", err)
	}
	known := make(map[string]bool, len(stored))
	for _, t := range stored {
		known[t.ID] = true
	}

	fresh := make([]model.Transaction, 0, len(txns))
	for _, t := range txns {
		if known[t.ID] {
			continue
		}
		known[t.ID] = true
		fresh = append(fresh, t)
	}
	result.Duplicates = len(txns) - len(fresh)

	if err := j.flagTransfers(ctx, fresh, stored, &result); err != nil {
		return result, err
	}
	if err := j.flagRecurring(ctx, fresh, dr, &result); err != nil {
		return result, err
	}

	inserted, err := j.store.SaveTransactions(ctx, fresh)
	if err != nil {
		return result, fmt.Errorf("failed to save transactions: %w", err)
	}
	result.New = inserted
	result.Duplicates += len(fresh) - inserted
	result.State = SyncPersisted

	j.metrics.ObserveSync(result.New, result.Duplicates, result.Transfers)
	j.logger.Info("Sync complete",
		"accounts", len(accounts),
		"fetched", result.Fetched,
		"new", result.New,
		"duplicates", result.Duplicates,
		"transfers", result.Transfers,
		"recurring", result.Recurring)
	return result, nil
}

// fetchAll runs one fetch per account, each under its own timeout. Records
// come back in account order so derived ids do not depend on scheduling.
func (j *SyncJob) fetchAll(ctx context.Context, accounts []bank.AccountRef, dr service.DateRange) ([]bank.RawRecord, []AccountFailure) {
	results := make([][]bank.RawRecord, len(accounts))
	errs := make([]error, len(accounts))

	var wg sync.WaitGroup
	for i, account := range accounts {
		wg.Add(1)
		go func(i int, account bank.AccountRef) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, j.opts.FetchTimeout)
			defer cancel()

			records, err := j.source.FetchTransactions(callCtx, account, dr)
			if err != nil {
				errs[i] = err
				return
			}
			for k := range records {
				if records[k].AccountID == "" {
					records[k].AccountID = account.ID
				}
				if records[k].BankName == "" {
					records[k].BankName = account.BankName
				}
				if records[k].AccountNumber == "" {
					records[k].AccountNumber = account.AccountNumber
				}
			}
			results[i] = records
			j.logger.Debug("Fetched account", "account", account.ID, "records", len(records))
		}(i, account)
	}
	wg.Wait()

	var all []bank.RawRecord
	var failures []AccountFailure
	for i, account := range accounts {
		if errs[i] != nil {
			failures = append(failures, AccountFailure{AccountID: account.ID, Err: errs[i]})
			continue
		}
		for _, r := range results[i] {
			if dr.Contains(r.Timestamp) {
				all = append(all, r)
			}
		}
	}
	return all, failures
}

// flagTransfers pairs legs across the new records and stored ones near the
// range. New legs are marked before insert; stored legs are updated in place.
func (j *SyncJob) flagTransfers(ctx context.Context, fresh, stored []model.Transaction, result *SyncResult) error {
	pool := make([]model.Transaction, 0, len(fresh)+len(stored))
	pool = append(pool, fresh...)
	storedByID := make(map[string]model.Transaction)
	for _, t := range stored {
		if t.IsInternalTransfer {
			continue
		}
		storedByID[t.ID] = t
		pool = append(pool, t)
	}

	pairs := classification.DetectInternalTransfers(pool, j.opts.TransferWindow)
	flagged := classification.TransferIDs(pairs)
	for i := range fresh {
		if flagged[fresh[i].ID] {
			markTransfer(&fresh[i])
			result.Transfers++
		}
	}

	ids := make([]string, 0, len(flagged))
	for id := range flagged {
		if _, ok := storedByID[id]; ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		t := storedByID[id]
		if err := j.store.UpdateTransactionFlags(ctx, id, true, t.IsRecurring); err != nil {
			return fmt.Errorf("failed to flag stored transfer %s: %w", id, err)
		}
		if err := j.store.UpdateClassification(ctx, id, model.CategoryInternalTransfer, 1.0); err != nil {
			return fmt.Errorf("failed to classify stored transfer %s: %w", id, err)
		}
		if t.Status == model.StatusAwaitingContext {
			if err := j.store.UpdateTransactionStatus(ctx, id, model.StatusAutoClassified); err != nil {
				return fmt.Errorf("failed to update stored transfer %s: %w", id, err)
			}
		}
		result.Transfers++
		result.UpdatedStored++
	}
	return nil
}

// markTransfer settles a transfer leg: nothing to ask the user about.
func markTransfer(t *model.Transaction) {
	t.IsInternalTransfer = true
	t.Category = model.CategoryInternalTransfer
	t.Confidence = 1.0
	t.Status = model.StatusAutoClassified
}

func (j *SyncJob) flagRecurring(ctx context.Context, fresh []model.Transaction, dr service.DateRange, result *SyncResult) error {
	if len(fresh) == 0 {
		return nil
	}
	first := time.Date(dr.Start.Year(), dr.Start.Month(), 1, 0, 0, 0, 0, dr.Start.Location()).AddDate(0, -2, 0)
	history, err := j.store.GetTransactions(ctx, service.TransactionFilter{
		StartDate:        &first,
		EndDate:          ptr(dr.End),
		ExcludeTransfers: true,
	})
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}
	history = append(history, fresh...)

	for i := range fresh {
		if fresh[i].IsInternalTransfer {
			continue
		}
		if classification.DetectRecurring(fresh[i], history) {
			fresh[i].IsRecurring = true
			result.Recurring++
		}
	}
	return nil
}

func ptr[T any](v T) *T {
	return &v
}
