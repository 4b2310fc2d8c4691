package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/llm"
	"github.com/Veraticus/taxflow/internal/model"
	"github.com/Veraticus/taxflow/internal/service"
)

type memoryLogSink struct {
	entries []model.GenerationLog
	mu      sync.Mutex
}

func (m *memoryLogSink) AppendGenerationLog(_ context.Context, entry model.GenerationLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memoryLogSink) all() []model.GenerationLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.GenerationLog(nil), m.entries...)
}

func fastRetry() service.RetryOptions {
	return service.RetryOptions{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

func clientLunch() model.Transaction {
	return model.Transaction{
		ID:           "2025-01-15-KOOK-BIS-001",
		AccountID:    "acct-1",
		BankName:     "Kookmin",
		Counterparty: "Bistro Seoul",
		Memo:         "client lunch",
		Amount:       -150000,
		Direction:    model.DirectionOutflow,
		Timestamp:    time.Date(2025, 1, 15, 12, 30, 0, 0, time.UTC),
		Status:       model.StatusAwaitingContext,
	}
}

func entertainmentContext() model.AssembledContext {
	return model.AssembledContext{
		AsOf:         time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC),
		Category:     model.CategoryEntertainment,
		Confidence:   0.66,
		Coverage:     model.CoverageComplete,
		IndexVersion: "vtest",
		TopK:         5,
		Chunks: []model.LawChunk{
			{
				ID:         "CIT-Art.25-1",
				LawCode:    model.LawCodeCIT,
				Article:    "Art.25",
				Title:      "Deduction limit for entertainment expenses",
				Text:       "Entertainment expenses above 30,000 KRW require qualifying evidence. The base limit is 12,000,000 KRW per year.",
				Categories: []model.Category{model.CategoryEntertainment},
				Limits:     []model.Limit{{Name: "base", Amount: 12000000, Unit: "KRW"}},
			},
			{
				ID:         "VAT-Art.39-1",
				LawCode:    model.LawCodeVAT,
				Article:    "Art.39",
				Title:      "Non-deductible input tax",
				Text:       "Input tax on entertainment expenses is not deductible.",
				Categories: []model.Category{model.CategoryEntertainment},
			},
		},
		Evidence: []string{"Card slip or tax invoice", "Attendee list with business purpose"},
	}
}

func newTestOrchestrator(t *testing.T, p llm.Provider, opts ...Option) (*Orchestrator, *memoryLogSink) {
	t.Helper()
	sink := &memoryLogSink{}
	opts = append([]Option{WithLogSink(sink), WithRetryOptions(fastRetry())}, opts...)
	o, err := New(p, opts...)
	require.NoError(t, err)
	return o, sink
}

func questionsJSON(t *testing.T, items ...map[string]any) string {
	t.Helper()
	data, err := json.Marshal(map[string]any{"questions": items})
	require.NoError(t, err)
	return string(data)
}

func TestNew_RequiresProvider(t *testing.T) {
	_, err := New(nil)
	require.ErrorIs(t, err, common.ErrInvalidConfig)
}

func TestGenerateQuestions_OfflineUsesFixedSet(t *testing.T) {
	o, sink := newTestOrchestrator(t, llm.NewStaticProvider())

	questions, report, err := o.GenerateQuestions(context.Background(), clientLunch(), entertainmentContext())
	require.NoError(t, err)
	require.NotNil(t, report)

	require.Len(t, questions, 6)
	assert.Equal(t, "Q1", questions[0].ID)
	assert.Equal(t, "Q_ENTERTAINMENT", questions[5].ID)
	for _, q := range questions {
		assert.Equal(t, model.OutsideContext, q.Source)
		assert.Equal(t, model.VerdictAccepted, q.Verdict)
	}
	assert.InDelta(t, 1.0, report.SourceValidity, 0.0001)
	assert.Zero(t, report.HallucinationFlags)
	assert.False(t, report.NeedsReview)

	entries := sink.all()
	require.Len(t, entries, 1)
	assert.Equal(t, model.KindQuestion, entries[0].Kind)
	assert.Equal(t, 1, entries[0].Attempts)
	assert.Contains(t, entries[0].ContextJSON, "CIT-Art.25-1")
	assert.NotEmpty(t, entries[0].ReportJSON)
}

func TestGenerateQuestions_IncomeFixedSet(t *testing.T) {
	o, _ := newTestOrchestrator(t, llm.NewStaticProvider())

	txn := clientLunch()
	txn.Amount = 500000
	txn.Direction = model.DirectionInflow
	actx := entertainmentContext()
	actx.Category = model.CategoryRevenue

	questions, _, err := o.GenerateQuestions(context.Background(), txn, actx)
	require.NoError(t, err)
	assert.Len(t, questions, MinQuestions)
	assert.Equal(t, "What is the source of this deposit?", questions[0].Content)
}

func TestGenerateQuestions_PadsAndDowngrades(t *testing.T) {
	p := &llm.StaticProvider{Responder: func(llm.Request) (string, error) {
		return questionsJSON(t,
			map[string]any{"id": "Q1", "text": "Who attended the lunch?", "type": "text", "source": "CIT-Art.25-1", "confidence": "high"},
			map[string]any{"id": "Q2", "text": "Was this over the annual limit?", "options": []string{"Yes", "No"}, "source": "CIT-Art.99-9", "confidence": "high"},
		), nil
	}}
	o, _ := newTestOrchestrator(t, p)

	questions, report, err := o.GenerateQuestions(context.Background(), clientLunch(), entertainmentContext())
	require.NoError(t, err)

	require.Len(t, questions, MinQuestions)
	assert.Equal(t, model.VerdictAccepted, questions[0].Verdict)

	downgraded := questions[1]
	assert.Equal(t, model.VerdictDowngraded, downgraded.Verdict)
	assert.Equal(t, model.TierLow, downgraded.Confidence)
	assert.Equal(t, model.UnsupportedPrefix+"CIT-Art.99-9", downgraded.Source)
	assert.Equal(t, model.QuestionSingleChoice, downgraded.QuestionType)

	padded := questions[2]
	assert.Equal(t, "Q4", padded.ID)
	assert.Equal(t, model.OutsideContext, padded.Source)

	assert.Equal(t, 1, report.Downgraded)
	assert.True(t, report.NeedsReview)
}

func TestGenerateQuestions_Truncates(t *testing.T) {
	items := make([]map[string]any, 0, 9)
	for i := 1; i <= 9; i++ {
		items = append(items, map[string]any{
			"id": fmt.Sprintf("Q%d", i), "text": fmt.Sprintf("Question %d?", i),
			"source": model.OutsideContext, "confidence": "medium",
		})
	}
	p := &llm.StaticProvider{Responder: func(llm.Request) (string, error) {
		return questionsJSON(t, items...), nil
	}}
	o, _ := newTestOrchestrator(t, p)

	questions, _, err := o.GenerateQuestions(context.Background(), clientLunch(), entertainmentContext())
	require.NoError(t, err)
	require.Len(t, questions, MaxQuestions)
	assert.Equal(t, "Q7", questions[6].ID)
}

func TestGenerateQuestions_CoverageCannotBeOverridden(t *testing.T) {
	p := &llm.StaticProvider{Responder: func(llm.Request) (string, error) {
		return `{"coverage":"complete","questions":[]}`, nil
	}}
	o, _ := newTestOrchestrator(t, p)

	actx := entertainmentContext()
	actx.Chunks = actx.Chunks[:1]
	actx.Coverage = model.CoveragePartial
	actx.Signals.LawUndersupplied = true

	_, report, err := o.GenerateQuestions(context.Background(), clientLunch(), actx)
	require.NoError(t, err)
	assert.True(t, report.NeedsReview)
}

func TestGenerateQuestions_PromptBuiltOnceAndRetried(t *testing.T) {
	calls := 0
	p := &llm.StaticProvider{Responder: func(llm.Request) (string, error) {
		calls++
		switch calls {
		case 1:
			return "", &llm.StatusError{Provider: "static", StatusCode: http.StatusBadGateway}
		case 2:
			return "I cannot answer in JSON", nil
		default:
			return "{}", nil
		}
	}}
	o, sink := newTestOrchestrator(t, p)

	ctx := WithRunID(context.Background(), "run-1")
	_, _, err := o.GenerateQuestions(ctx, clientLunch(), entertainmentContext())
	require.NoError(t, err)

	reqs := p.Requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, reqs[0], reqs[1])
	assert.Equal(t, reqs[1], reqs[2])
	assert.Contains(t, reqs[0].Prompt, `"id": "CIT-Art.25-1"`)
	assert.Contains(t, reqs[0].Prompt, `"coverage": "complete"`)
	assert.Contains(t, reqs[0].Prompt, "150,000 KRW")
	assert.Contains(t, reqs[0].System, model.OutsideContext)

	entries := sink.all()
	require.Len(t, entries, 1)
	assert.Equal(t, 3, entries[0].Attempts)
	assert.Equal(t, "run-1", entries[0].RunID)
	assert.Equal(t, "2025-01-15-KOOK-BIS-001", entries[0].SubjectID)
	assert.Empty(t, entries[0].Error)
}

func TestGenerateQuestions_ExhaustedRetries(t *testing.T) {
	p := &llm.StaticProvider{Responder: func(llm.Request) (string, error) {
		return "", &llm.StatusError{Provider: "static", StatusCode: http.StatusServiceUnavailable}
	}}
	o, sink := newTestOrchestrator(t, p)

	questions, report, err := o.GenerateQuestions(context.Background(), clientLunch(), entertainmentContext())
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrGenerationFailed)
	assert.ErrorIs(t, err, common.ErrMaxRetries)
	assert.Nil(t, questions)
	assert.Nil(t, report)
	assert.Len(t, p.Requests(), 3)

	entries := sink.all()
	require.Len(t, entries, 1)
	assert.NotEmpty(t, entries[0].Error)
	assert.Empty(t, entries[0].ReportJSON)
}

func TestGenerateQuestions_NonRetryableStopsEarly(t *testing.T) {
	p := &llm.StaticProvider{Responder: func(llm.Request) (string, error) {
		return "", &common.RetryableError{Err: errors.New("unauthorized"), Retryable: false}
	}}
	o, _ := newTestOrchestrator(t, p)

	_, _, err := o.GenerateQuestions(context.Background(), clientLunch(), entertainmentContext())
	require.ErrorIs(t, err, common.ErrGenerationFailed)
	assert.Len(t, p.Requests(), 1)
}

func TestGenerateSummary(t *testing.T) {
	lunch := clientLunch()
	lunch.Category = model.CategoryEntertainment
	taxi := clientLunch()
	taxi.ID = "2025-01-15-KOOK-KAK-002"
	taxi.Counterparty = "Kakao T"
	taxi.Memo = "taxi"
	taxi.Amount = -18000
	taxi.Category = model.CategoryTravel

	p := &llm.StaticProvider{Responder: func(llm.Request) (string, error) {
		return `{"overview":{"text":"A client lunch and the taxi to it.","source":"CIT-Art.25-1","confidence":"high"},
			"lines":[{"transactionId":"2025-01-15-KOOK-BIS-001","text":"Entertainment subject to the annual limit.","source":"CIT-Art.25-1","confidence":"high"}]}`, nil
	}}
	o, _ := newTestOrchestrator(t, p)

	travel := model.AssembledContext{Category: model.CategoryTravel, Coverage: model.CoverageInsufficient}
	summary, err := o.GenerateSummary(context.Background(), []model.Transaction{lunch, taxi},
		[]model.AssembledContext{entertainmentContext(), travel})
	require.NoError(t, err)

	assert.Equal(t, model.VerdictAccepted, summary.Overview.Verdict)
	require.Len(t, summary.Lines, 2)
	assert.Equal(t, lunch.ID, summary.Lines[0].ID)
	assert.Equal(t, "CIT-Art.25-1", summary.Lines[0].Source)
	assert.Equal(t, taxi.ID, summary.Lines[1].ID)
	assert.Equal(t, model.OutsideContext, summary.Lines[1].Source)
	assert.Contains(t, summary.Lines[1].Content, "18,000 KRW")
	assert.Zero(t, summary.Report.HallucinationFlags)
	assert.Equal(t, model.CoverageInsufficient, summary.Context.Coverage)
	assert.True(t, summary.Report.NeedsReview)
}

func TestGenerateRelationship(t *testing.T) {
	o, _ := newTestOrchestrator(t, llm.NewStaticProvider())

	single, err := o.GenerateRelationship(context.Background(), []model.Transaction{clientLunch()}, nil)
	require.NoError(t, err)
	assert.Empty(t, single.Content)

	second := clientLunch()
	second.ID = "2025-01-16-KOOK-BIS-001"
	rel, err := o.GenerateRelationship(context.Background(),
		[]model.Transaction{clientLunch(), second},
		[]model.AssembledContext{entertainmentContext()})
	require.NoError(t, err)

	assert.Equal(t, model.KindRelationship, rel.Kind)
	assert.Contains(t, rel.Content, "These 2 transactions")
	assert.Contains(t, rel.Content, "300,000 KRW")
	assert.Equal(t, model.VerdictAccepted, rel.Verdict)
	assert.Zero(t, rel.HallucinationFlags)
}

func TestGenerateRelationship_FlagsInventedNumbers(t *testing.T) {
	p := &llm.StaticProvider{Responder: func(llm.Request) (string, error) {
		return `{"text":"Both lunches are generally deductible at 50% of cost.","source":"CIT-Art.25-1","confidence":"high"}`, nil
	}}
	o, _ := newTestOrchestrator(t, p)

	second := clientLunch()
	second.ID = "2025-01-16-KOOK-BIS-001"
	rel, err := o.GenerateRelationship(context.Background(),
		[]model.Transaction{clientLunch(), second},
		[]model.AssembledContext{entertainmentContext()})
	require.NoError(t, err)
	assert.Equal(t, 2, rel.HallucinationFlags)
}

func TestGenerateEnrichment_Fallback(t *testing.T) {
	o, _ := newTestOrchestrator(t, llm.NewStaticProvider())

	txn := clientLunch()
	questions, _, err := o.GenerateQuestions(context.Background(), txn, entertainmentContext())
	require.NoError(t, err)

	answers := []model.Answer{
		{TransactionID: txn.ID, QuestionID: "Q1", Value: "Business operations"},
		{TransactionID: txn.ID, QuestionID: "Q2", Value: "Yes, monthly"},
		{TransactionID: txn.ID, QuestionID: "Q9", Value: "ignored"},
	}
	enrichment, err := o.GenerateEnrichment(context.Background(), txn, entertainmentContext(), questions, answers)
	require.NoError(t, err)

	assert.Equal(t, "Business entertainment", enrichment.AccountClassification)
	assert.Empty(t, enrichment.TaxNotes)
	assert.Contains(t, enrichment.Summary.Content, "Bistro Seoul 150,000 KRW")
	assert.Contains(t, enrichment.Summary.Content, "Purpose: Business operations")
	assert.True(t, strings.HasSuffix(enrichment.Summary.Content, "(recurring)"))
	assert.Equal(t, model.KindEnrichment, enrichment.Summary.Kind)
	assert.Zero(t, enrichment.Report.HallucinationFlags)
}

func TestGenerateEnrichment_ProviderOutput(t *testing.T) {
	p := &llm.StaticProvider{Responder: func(r llm.Request) (string, error) {
		if strings.Contains(r.Prompt, "## Answers") {
			return `{"summary":"Client lunch for a sales meeting.","accountClassification":"Entertainment expense","taxNotes":"Keep the card slip.","source":"CIT-Art.25-1","confidence":"high"}`, nil
		}
		return "{}", nil
	}}
	o, _ := newTestOrchestrator(t, p)

	enrichment, err := o.GenerateEnrichment(context.Background(), clientLunch(), entertainmentContext(),
		[]model.GeneratedAnswer{{ID: "Q1", Content: "Purpose?"}},
		[]model.Answer{{QuestionID: "Q1", Value: "Sales meeting"}})
	require.NoError(t, err)
	assert.Equal(t, "Entertainment expense", enrichment.AccountClassification)
	assert.Equal(t, "Keep the card slip.", enrichment.TaxNotes)
	assert.Equal(t, model.TierHigh, enrichment.Summary.Confidence)
	assert.Contains(t, p.Requests()[0].Prompt, "Q1 Purpose?: Sales meeting")
}

func TestIsRecurringAnswer(t *testing.T) {
	assert.True(t, IsRecurringAnswer("Yes, monthly"))
	assert.True(t, IsRecurringAnswer("Yes, Weekly"))
	assert.False(t, IsRecurringAnswer("No, one-off"))
	assert.False(t, IsRecurringAnswer(""))
}
