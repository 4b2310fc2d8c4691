package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/taxflow/internal/generation"
	"github.com/Veraticus/taxflow/internal/model"
	"github.com/Veraticus/taxflow/internal/notify"
	"github.com/Veraticus/taxflow/internal/storage"
)

func seedAwaiting(t *testing.T, store *storage.SQLiteStorage) []model.Transaction {
	t.Helper()
	txns := []model.Transaction{
		newTxn("2025-01-15-KOOK-BIS-001", "acct-1", "Bistro Seoul", -150000, jan15),
		newTxn("2025-01-15-KOOK-AWS-002", "acct-1", "AWS", -120000, jan15.Add(time.Hour)),
		newTxn("2025-01-16-KOOK-ACM-001", "acct-1", "Acme", 5000000, jan15.Add(24*time.Hour)),
	}
	transfer := newTxn("2025-01-16-KOOK-TOS-002", "acct-1", "To savings", -100000, jan15.Add(25*time.Hour))
	transfer.IsInternalTransfer = true
	seed(t, store, append(txns, transfer)...)
	return txns
}

func status(t *testing.T, store *storage.SQLiteStorage, id string) model.Status {
	t.Helper()
	txn, err := store.GetTransaction(context.Background(), id)
	require.NoError(t, err)
	return txn.Status
}

func TestDispatchJob_IsolatesFailures(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	txns := seedAwaiting(t, store)
	failing := txns[1].ID

	gen := &fakeGenerator{questionsErr: map[string]error{failing: errors.New("provider overloaded")}}
	sink := quietSink()
	metrics := newRecordingMetrics()
	job := NewDispatchJob(store, &fakePreparer{}, gen, sink, DispatchOptions{Workers: 2, Metrics: metrics})

	result, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Selected, "internal transfers are never asked about")
	assert.Equal(t, 2, result.Dispatched)
	require.Len(t, result.Failures, 1)
	assert.Contains(t, result.Failures, failing)

	sent := sink.Sent()
	require.Len(t, sent, 1, "one batch per run")
	assert.Equal(t, notify.KindQuestions, sent[0].Kind)
	assert.ElementsMatch(t, []string{txns[0].ID, txns[2].ID}, sent[0].TransactionIDs())

	assert.Equal(t, model.StatusContextAttached, status(t, store, txns[0].ID))
	assert.Equal(t, model.StatusAwaitingContext, status(t, store, failing))

	set, err := store.GetQuestionSet(ctx, txns[0].ID)
	require.NoError(t, err)
	assert.Len(t, set.Questions, 3)
	assert.Equal(t, result.RunID, set.RunID)
	assert.Equal(t, model.CategoryEntertainment, set.Context.Category)

	classified, err := store.GetTransaction(ctx, txns[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.CategoryEntertainment, classified.Category)

	last, err := store.LastDispatchFailure(ctx, failing)
	require.NoError(t, err)
	assert.NotNil(t, last)
	assert.Equal(t, 2, metrics.get("dispatch:"+OutcomeSent))
	assert.Equal(t, 1, metrics.get("dispatch:"+OutcomeFailed))

	// The failed transaction waits for the next scheduled run.
	gen.questionsErr = nil
	again, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Selected)
	assert.Equal(t, 1, again.Skipped)
	assert.Equal(t, 0, again.Dispatched)
	assert.Len(t, sink.Sent(), 1, "nothing new to send")
}

func TestDispatchJob_RetriesAfterCooldown(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	txns := seedAwaiting(t, store)
	gen := &fakeGenerator{questionsErr: map[string]error{txns[0].ID: errors.New("boom")}}
	job := NewDispatchJob(store, &fakePreparer{}, gen, quietSink(), DispatchOptions{FailureCooldown: time.Nanosecond})

	_, err := job.Run(ctx)
	require.NoError(t, err)

	gen.questionsErr = nil
	time.Sleep(time.Millisecond)
	result, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Dispatched)
	assert.Equal(t, model.StatusContextAttached, status(t, store, txns[0].ID))
}

func TestDispatchJob_NeedsReview(t *testing.T) {
	tests := []struct {
		name     string
		coverage model.Coverage
		gen      *fakeGenerator
		want     model.Status
	}{
		{name: "complete coverage", coverage: model.CoverageComplete, gen: &fakeGenerator{}, want: model.StatusContextAttached},
		{name: "partial coverage still asks", coverage: model.CoveragePartial, gen: &fakeGenerator{}, want: model.StatusContextAttached},
		{name: "insufficient coverage", coverage: model.CoverageInsufficient, gen: &fakeGenerator{}, want: model.StatusNeedsReview},
		{name: "downgraded answer", coverage: model.CoverageComplete, gen: &fakeGenerator{downgradeQuestions: true}, want: model.StatusNeedsReview},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t)
			txn := newTxn("2025-01-15-KOOK-BIS-001", "acct-1", "Bistro Seoul", -150000, jan15)
			seed(t, store, txn)

			job := NewDispatchJob(store, &fakePreparer{coverage: tt.coverage}, tt.gen, quietSink(), DispatchOptions{})
			result, err := job.Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, result.Dispatched)
			assert.Equal(t, tt.want, status(t, store, txn.ID))
		})
	}
}

func TestDispatchJob_SendFailureKeepsTransactionsAwaiting(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	txns := seedAwaiting(t, store)

	job := NewDispatchJob(store, &fakePreparer{}, &fakeGenerator{}, failingSink{}, DispatchOptions{})
	result, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Dispatched)
	assert.Len(t, result.Failures, 3)

	for _, txn := range txns {
		assert.Equal(t, model.StatusAwaitingContext, status(t, store, txn.ID))
		last, err := store.LastDispatchFailure(ctx, txn.ID)
		require.NoError(t, err)
		assert.NotNil(t, last)
	}
}

func TestDispatchJob_DeadlineStopsNewWork(t *testing.T) {
	store := newStore(t)
	seedAwaiting(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	prep := &fakePreparer{}
	prep.fn = func(_ context.Context, txn model.Transaction) (model.AssembledContext, error) {
		// The deadline hits while the first transaction is in flight.
		cancel()
		prep.fn = nil
		return prep.Prepare(context.Background(), txn, nil)
	}

	sink := quietSink()
	job := NewDispatchJob(store, prep, &fakeGenerator{}, sink, DispatchOptions{Workers: 1})
	result, err := job.Run(ctx)
	require.NoError(t, err)
	assert.True(t, result.Interrupted)
	assert.Equal(t, 1, result.Dispatched, "finished work is still saved and sent")
	require.Len(t, sink.Sent(), 1)
	assert.Len(t, sink.Sent()[0].Sets, 1)
}

func TestDispatchJob_UsesRunIDFromContext(t *testing.T) {
	store := newStore(t)
	seedAwaiting(t, store)
	ctx := generation.WithRunID(context.Background(), "run-42")

	job := NewDispatchJob(store, &fakePreparer{}, &fakeGenerator{}, quietSink(), DispatchOptions{})
	result, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-42", result.RunID)

	claimed, err := store.ClaimTransaction(context.Background(), "run-42", "2025-01-15-KOOK-BIS-001")
	require.NoError(t, err)
	assert.False(t, claimed, "the run already holds the transaction")
}
