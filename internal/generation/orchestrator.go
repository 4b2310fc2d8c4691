// Package generation turns assembled contexts into validated questions,
// summaries and enrichment notes through a generative provider.
package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/llm"
	"github.com/Veraticus/taxflow/internal/model"
	"github.com/Veraticus/taxflow/internal/service"
	"github.com/Veraticus/taxflow/internal/validator"
)

// Question count bounds for one transaction.
const (
	MinQuestions = 3
	MaxQuestions = 7
)

// LogSink stores the audit record of every provider call.
type LogSink interface {
	AppendGenerationLog(ctx context.Context, entry model.GenerationLog) error
}

// Orchestrator owns the retry policy around a provider and validates every
// output before returning it. It holds no per-call state and is safe for
// concurrent use.
type Orchestrator struct {
	provider  llm.Provider
	validator *validator.Validator
	prompts   *PromptBuilder
	logs      LogSink
	logger    *slog.Logger
	system    string
	retry     service.RetryOptions
	maxTokens int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithValidator replaces the default validator.
func WithValidator(v *validator.Validator) Option {
	return func(o *Orchestrator) { o.validator = v }
}

// WithLogSink records every call.
func WithLogSink(s LogSink) Option {
	return func(o *Orchestrator) { o.logs = s }
}

// WithRetryOptions replaces common.DefaultRetryOptions.
func WithRetryOptions(opts service.RetryOptions) Option {
	return func(o *Orchestrator) { o.retry = opts }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMaxTokens caps the output of every request.
func WithMaxTokens(n int) Option {
	return func(o *Orchestrator) { o.maxTokens = n }
}

// New creates an Orchestrator around provider.
func New(provider llm.Provider, opts ...Option) (*Orchestrator, error) {
	if provider == nil {
		return nil, fmt.Errorf("%w: generation requires a provider", common.ErrInvalidConfig)
	}
	prompts, err := NewPromptBuilder()
	if err != nil {
		return nil, err
	}
	system, err := prompts.System()
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		provider: provider,
		prompts:  prompts,
		system:   system,
		retry:    common.DefaultRetryOptions(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default().With("component", "generation")
	}
	if o.validator == nil {
		o.validator = validator.New(validator.WithLogger(o.logger))
	}
	return o, nil
}

type runIDKey struct{}

// WithRunID tags ctx with the job run the calls belong to.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFrom returns the run id set by WithRunID.
func RunIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// call is one logical generation: the request is built once and replayed
// unchanged on every attempt. parse runs inside the attempt so a malformed
// response is retried like a transport failure.
type call struct {
	parse   func(raw string) error
	context model.AssembledContext
	kind    model.AnswerKind
	subject string
	prompt  string
}

type outcome struct {
	raw      string
	err      error
	attempts int
}

func (o *Orchestrator) run(ctx context.Context, c call) outcome {
	req := llm.Request{System: o.system, Prompt: c.prompt, MaxTokens: o.maxTokens}

	var out outcome
	err := common.WithRetry(ctx, func() error {
		out.attempts++
		raw, err := o.provider.Generate(ctx, req)
		if err != nil {
			return err
		}
		if err := c.parse(raw); err != nil {
			return err
		}
		out.raw = raw
		return nil
	}, o.retry)
	if err != nil {
		o.logger.Error("Generation failed",
			"kind", c.kind,
			"subject", c.subject,
			"attempts", out.attempts,
			"error", err)
		out.err = fmt.Errorf("%w: %s %s: %w", common.ErrGenerationFailed, c.kind, c.subject, err)
	}
	return out
}

// record appends the audit entry. A failing log store never fails the item.
func (o *Orchestrator) record(ctx context.Context, c call, out outcome, report *validator.Report) {
	if o.logs == nil {
		return
	}
	entry := model.GenerationLog{
		CreatedAt:  time.Now(),
		RunID:      RunIDFrom(ctx),
		SubjectID:  c.subject,
		Kind:       c.kind,
		PromptHash: promptHash(o.system, c.prompt),
		Prompt:     c.prompt,
		Response:   out.raw,
		Attempts:   out.attempts,
	}
	if data, err := json.Marshal(c.context); err == nil {
		entry.ContextJSON = string(data)
	}
	if report != nil {
		if data, err := json.Marshal(report); err == nil {
			entry.ReportJSON = string(data)
		}
	}
	if out.err != nil {
		entry.Error = out.err.Error()
	}
	// The caller's context may already be past its deadline; the audit row is still wanted.
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.logs.AppendGenerationLog(logCtx, entry); err != nil {
		o.logger.Warn("Failed to append generation log", "subject", c.subject, "error", err)
	}
}

// GenerateQuestions asks for 3 to 7 questions about txn. Short answers are
// padded with fixed evidence questions and long ones truncated. The returned
// answers are the validated ones; the report carries the coverage verdict of
// actx, which the provider cannot change.
func (o *Orchestrator) GenerateQuestions(ctx context.Context, txn model.Transaction, actx model.AssembledContext) ([]model.GeneratedAnswer, *validator.Report, error) {
	prompt, err := o.prompts.Questions(txn, actx)
	if err != nil {
		return nil, nil, err
	}

	var (
		resp   questionsResponse
		parsed []model.GeneratedAnswer
	)
	c := call{
		kind:    model.KindQuestion,
		subject: txn.ID,
		prompt:  prompt,
		context: actx,
		parse: func(raw string) error {
			var err error
			resp, parsed, err = parseQuestions(raw)
			return err
		},
	}
	out := o.run(ctx, c)
	if out.err != nil {
		o.record(ctx, c, out, nil)
		return nil, nil, out.err
	}

	if resp.Coverage != "" && model.Coverage(resp.Coverage) != actx.Coverage {
		o.logger.Warn("Ignoring provider coverage override",
			"transaction_id", txn.ID,
			"claimed", resp.Coverage,
			"coverage", actx.Coverage)
	}
	if len(parsed) < MinQuestions {
		o.logger.Debug("Padding questions from fixed set",
			"transaction_id", txn.ID,
			"parsed", len(parsed))
	}

	questions := pad(parsed, txn, actx.Category)
	if len(questions) > MaxQuestions {
		questions = questions[:MaxQuestions]
	}

	report := o.validator.ValidateWithFacts(questions, actx, transactionFacts(txn)...)
	o.record(ctx, c, out, &report)
	return report.Answers, &report, nil
}

// Summary is the validated narrative for a batch of transactions.
type Summary struct {
	Overview model.GeneratedAnswer
	Lines    []model.GeneratedAnswer
	Context  model.AssembledContext
	Report   validator.Report
}

// GenerateSummary writes one line per transaction and an overview, validated
// against the union of contexts. Transactions the provider skipped get a
// fixed line.
func (o *Orchestrator) GenerateSummary(ctx context.Context, txns []model.Transaction, contexts []model.AssembledContext) (Summary, error) {
	merged := model.Merge(contexts...)
	prompt, err := o.prompts.Summary(txns, merged)
	if err != nil {
		return Summary{}, err
	}

	var resp summaryResponse
	c := call{
		kind:    model.KindSummary,
		subject: batchSubject(txns),
		prompt:  prompt,
		context: merged,
		parse: func(raw string) error {
			resp = summaryResponse{}
			return decodeResponse(raw, &resp)
		},
	}
	out := o.run(ctx, c)
	if out.err != nil {
		o.record(ctx, c, out, nil)
		return Summary{}, out.err
	}

	fallback := fallbackSummaryLines(txns)
	if strings.TrimSpace(resp.Overview.Text) == "" {
		resp.Overview = fallback.Overview
	}
	byID := make(map[string]summaryLine, len(resp.Lines))
	for _, l := range resp.Lines {
		if strings.TrimSpace(l.Text) != "" {
			byID[l.TransactionID] = l
		}
	}

	raw := make([]model.GeneratedAnswer, 0, len(txns)+1)
	raw = append(raw, model.GeneratedAnswer{
		ID:         "overview",
		Kind:       model.KindSummary,
		Content:    resp.Overview.Text,
		Source:     resp.Overview.Source,
		Confidence: model.ConfidenceTier(resp.Overview.Confidence),
	})
	facts := make([]string, 0, len(txns)+1)
	for _, t := range txns {
		line, ok := byID[t.ID]
		if !ok {
			line = fallbackLine(t)
		}
		raw = append(raw, model.GeneratedAnswer{
			ID:         t.ID,
			Kind:       model.KindSummary,
			Content:    line.Text,
			Source:     line.Source,
			Confidence: model.ConfidenceTier(line.Confidence),
		})
		facts = append(facts, transactionFacts(t)...)
	}
	facts = append(facts, strconv.FormatInt(totalMagnitude(txns), 10))

	report := o.validator.ValidateWithFacts(raw, merged, facts...)
	o.record(ctx, c, out, &report)
	return Summary{
		Overview: report.Answers[0],
		Lines:    report.Answers[1:],
		Context:  merged,
		Report:   report,
	}, nil
}

// GenerateRelationship explains a group of related transactions. A group of
// fewer than two has nothing to relate and yields the zero answer.
func (o *Orchestrator) GenerateRelationship(ctx context.Context, group []model.Transaction, contexts []model.AssembledContext) (model.GeneratedAnswer, error) {
	if len(group) < 2 {
		return model.GeneratedAnswer{}, nil
	}
	merged := model.Merge(contexts...)
	prompt, err := o.prompts.Relationship(group, merged)
	if err != nil {
		return model.GeneratedAnswer{}, err
	}

	var resp relationshipResponse
	c := call{
		kind:    model.KindRelationship,
		subject: batchSubject(group),
		prompt:  prompt,
		context: merged,
		parse: func(raw string) error {
			resp = relationshipResponse{}
			return decodeResponse(raw, &resp)
		},
	}
	out := o.run(ctx, c)
	if out.err != nil {
		o.record(ctx, c, out, nil)
		return model.GeneratedAnswer{}, out.err
	}
	if strings.TrimSpace(resp.Text) == "" {
		resp = fallbackRelationship(group)
	}

	facts := []string{strconv.FormatInt(totalMagnitude(group), 10)}
	for _, t := range group {
		facts = append(facts, transactionFacts(t)...)
	}
	report := o.validator.ValidateWithFacts([]model.GeneratedAnswer{{
		ID:         "REL-" + group[0].ID,
		Kind:       model.KindRelationship,
		Content:    resp.Text,
		Source:     resp.Source,
		Confidence: model.ConfidenceTier(resp.Confidence),
	}}, merged, facts...)
	o.record(ctx, c, out, &report)
	return report.Answers[0], nil
}

// Enrichment is the generated part of an enriched context.
type Enrichment struct {
	Summary               model.GeneratedAnswer
	AccountClassification string
	TaxNotes              string
	Report                validator.Report
}

// GenerateEnrichment summarizes txn with the user's answers once every
// question has been answered.
func (o *Orchestrator) GenerateEnrichment(ctx context.Context, txn model.Transaction, actx model.AssembledContext, questions []model.GeneratedAnswer, answers []model.Answer) (Enrichment, error) {
	qa := pairAnswers(questions, answers)
	prompt, err := o.prompts.Enrichment(txn, actx, qa)
	if err != nil {
		return Enrichment{}, err
	}

	var resp enrichmentResponse
	c := call{
		kind:    model.KindEnrichment,
		subject: txn.ID,
		prompt:  prompt,
		context: actx,
		parse: func(raw string) error {
			resp = enrichmentResponse{}
			return decodeResponse(raw, &resp)
		},
	}
	out := o.run(ctx, c)
	if out.err != nil {
		o.record(ctx, c, out, nil)
		return Enrichment{}, out.err
	}

	if strings.TrimSpace(resp.Summary) == "" {
		byID := make(map[string]string, len(qa))
		for _, a := range qa {
			byID[a.QuestionID] = a.Answer
		}
		resp = fallbackSummary(txn, actx.Category, byID)
	}
	if resp.AccountClassification == "" {
		resp.AccountClassification = actx.Category.Label()
	}

	facts := transactionFacts(txn)
	for _, a := range qa {
		facts = append(facts, a.Answer)
	}
	report := o.validator.ValidateWithFacts([]model.GeneratedAnswer{{
		ID:         "EN-" + txn.ID,
		Kind:       model.KindEnrichment,
		Content:    resp.Summary,
		Source:     resp.Source,
		Confidence: model.ConfidenceTier(resp.Confidence),
	}}, actx, facts...)
	o.record(ctx, c, out, &report)

	return Enrichment{
		Summary:               report.Answers[0],
		AccountClassification: resp.AccountClassification,
		TaxNotes:              resp.TaxNotes,
		Report:                report,
	}, nil
}

// pairAnswers orders answers by question, dropping answers to unknown questions.
func pairAnswers(questions []model.GeneratedAnswer, answers []model.Answer) []QA {
	byID := make(map[string]string, len(answers))
	for _, a := range answers {
		byID[a.QuestionID] = a.Value
	}
	out := make([]QA, 0, len(answers))
	for _, q := range questions {
		if v, ok := byID[q.ID]; ok {
			out = append(out, QA{QuestionID: q.ID, Question: q.Content, Answer: v})
		}
	}
	return out
}

// transactionFacts lists the transaction's own text and amount, which
// answers may repeat without being flagged.
func transactionFacts(txn model.Transaction) []string {
	return []string{
		txn.Description(),
		strconv.FormatInt(txn.Magnitude(), 10),
	}
}

func batchSubject(txns []model.Transaction) string {
	switch len(txns) {
	case 0:
		return "batch-empty"
	case 1:
		return txns[0].ID
	default:
		return fmt.Sprintf("%s+%d", txns[0].ID, len(txns)-1)
	}
}
