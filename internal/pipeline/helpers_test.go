package pipeline

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Veraticus/taxflow/internal/generation"
	"github.com/Veraticus/taxflow/internal/model"
	"github.com/Veraticus/taxflow/internal/notify"
	"github.com/Veraticus/taxflow/internal/storage"
	"github.com/Veraticus/taxflow/internal/validator"
)

var jan15 = time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "taxflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func newTxn(id, account, party string, amount int64, ts time.Time) model.Transaction {
	dir := model.DirectionOutflow
	if amount > 0 {
		dir = model.DirectionInflow
	}
	return model.Transaction{
		ID:           id,
		AccountID:    account,
		BankName:     "Kookmin",
		Counterparty: party,
		Amount:       amount,
		Direction:    dir,
		Timestamp:    ts,
		Status:       model.StatusAwaitingContext,
		Category:     model.CategoryUnknown,
	}
}

func seed(t *testing.T, store *storage.SQLiteStorage, txns ...model.Transaction) {
	t.Helper()
	_, err := store.SaveTransactions(context.Background(), txns)
	require.NoError(t, err)
}

func quietSink() *notify.ConsoleSink {
	return notify.NewConsoleSink(io.Discard)
}

// fakePreparer returns a fixed context unless fn overrides it.
type fakePreparer struct {
	fn       func(ctx context.Context, txn model.Transaction) (model.AssembledContext, error)
	coverage model.Coverage
}

func (p *fakePreparer) Prepare(ctx context.Context, txn model.Transaction, _ *model.Category) (model.AssembledContext, error) {
	if p.fn != nil {
		return p.fn(ctx, txn)
	}
	coverage := p.coverage
	if coverage == "" {
		coverage = model.CoverageComplete
	}
	return model.AssembledContext{
		AsOf:       txn.Timestamp,
		Category:   model.CategoryEntertainment,
		Coverage:   coverage,
		Confidence: 0.9,
		Evidence:   []string{"receipt"},
		Chunks:     []model.LawChunk{{ID: "CIT-25-1"}},
	}, nil
}

// fakeGenerator answers every call with fixed content and records relationship groups.
type fakeGenerator struct {
	questionsErr       map[string]error
	enrichErr          error
	relationshipErr    error
	relationships      [][]model.Transaction
	downgradeEnrich    bool
	downgradeQuestions bool
	mu                 sync.Mutex
}

func (g *fakeGenerator) GenerateQuestions(_ context.Context, txn model.Transaction, _ model.AssembledContext) ([]model.GeneratedAnswer, *validator.Report, error) {
	if err := g.questionsErr[txn.ID]; err != nil {
		return nil, nil, err
	}
	report := &validator.Report{}
	questions := []model.GeneratedAnswer{
		{ID: "Q1", Kind: model.KindQuestion, Content: "Purpose?", Source: model.OutsideContext, Confidence: model.TierHigh, Verdict: model.VerdictAccepted},
		{ID: "Q2", Kind: model.KindQuestion, Content: "Recurring?", Source: model.OutsideContext, Confidence: model.TierHigh, Verdict: model.VerdictAccepted},
		{ID: "Q4", Kind: model.KindQuestion, Content: "Invoice?", Source: "CIT-25-1", Confidence: model.TierMedium, Verdict: model.VerdictAccepted},
	}
	if g.downgradeQuestions {
		questions[2].Source = model.UnsupportedPrefix + "CIT-99"
		questions[2].Confidence = model.TierLow
		questions[2].Verdict = model.VerdictDowngraded
		report.Downgraded = 1
	}
	report.Answers = questions
	return questions, report, nil
}

func (g *fakeGenerator) GenerateSummary(_ context.Context, txns []model.Transaction, _ []model.AssembledContext) (generation.Summary, error) {
	lines := make([]model.GeneratedAnswer, len(txns))
	for i, t := range txns {
		lines[i] = model.GeneratedAnswer{
			ID:         t.ID,
			Kind:       model.KindSummary,
			Content:    "Paid to " + t.Counterparty + ".",
			Source:     model.OutsideContext,
			Confidence: model.TierMedium,
			Verdict:    model.VerdictAccepted,
		}
	}
	return generation.Summary{
		Overview: model.GeneratedAnswer{
			ID:         "overview",
			Kind:       model.KindSummary,
			Content:    "A quiet month.",
			Source:     model.OutsideContext,
			Confidence: model.TierMedium,
			Verdict:    model.VerdictAccepted,
		},
		Lines: lines,
	}, nil
}

func (g *fakeGenerator) GenerateRelationship(_ context.Context, group []model.Transaction, _ []model.AssembledContext) (model.GeneratedAnswer, error) {
	g.mu.Lock()
	g.relationships = append(g.relationships, group)
	g.mu.Unlock()
	if g.relationshipErr != nil {
		return model.GeneratedAnswer{}, g.relationshipErr
	}
	return model.GeneratedAnswer{
		Kind:       model.KindRelationship,
		Content:    "Dinner with the client after the contract was paid.",
		Source:     "CIT-25-1",
		Confidence: model.TierMedium,
		Verdict:    model.VerdictAccepted,
	}, nil
}

func (g *fakeGenerator) GenerateEnrichment(_ context.Context, txn model.Transaction, _ model.AssembledContext, _ []model.GeneratedAnswer, _ []model.Answer) (generation.Enrichment, error) {
	if g.enrichErr != nil {
		return generation.Enrichment{}, g.enrichErr
	}
	e := generation.Enrichment{
		Summary: model.GeneratedAnswer{
			Content:    "Client lunch with Acme.",
			Source:     "CIT-25-1",
			Confidence: model.TierMedium,
			Verdict:    model.VerdictAccepted,
		},
		AccountClassification: "Entertainment",
		TaxNotes:              "Deductible within the annual limit.",
	}
	if g.downgradeEnrich {
		e.Report.Downgraded = 1
	}
	return e, nil
}

// failingSink rejects every batch.
type failingSink struct{}

func (failingSink) Dispatch(context.Context, notify.Batch) (notify.DeliveryResult, error) {
	return notify.DeliveryResult{}, errors.New("chat service unavailable")
}

// recordingMetrics counts observations by label.
type recordingMetrics struct {
	counts map[string]int
	mu     sync.Mutex
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{counts: make(map[string]int)}
}

func (m *recordingMetrics) inc(key string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[key] += n
}

func (m *recordingMetrics) get(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key]
}

func (m *recordingMetrics) StartJob() { m.inc("started", 1) }
func (m *recordingMetrics) FinishJob(job, status string, _ time.Duration, _, _ int) {
	m.inc("job:"+job+":"+status, 1)
}
func (m *recordingMetrics) ObserveSync(inserted, duplicates, transfers int) {
	m.inc("sync:new", inserted)
	m.inc("sync:duplicate", duplicates)
	m.inc("sync:transfer", transfers)
}
func (m *recordingMetrics) ObserveDispatch(outcome string) { m.inc("dispatch:"+outcome, 1) }
func (m *recordingMetrics) ObserveAnswer(result string)    { m.inc("answer:"+result, 1) }
