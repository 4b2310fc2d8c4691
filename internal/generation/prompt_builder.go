package generation

import (
	"bytes"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/Veraticus/taxflow/internal/model"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Template names.
const (
	tmplSystem       = "system"
	tmplQuestions    = "questions"
	tmplSummary      = "summary"
	tmplRelationship = "relationship"
	tmplEnrichment   = "enrichment"
)

// PromptBuilder renders prompts from the embedded templates.
type PromptBuilder struct {
	templates map[string]*template.Template
}

// NewPromptBuilder parses every embedded template.
func NewPromptBuilder() (*PromptBuilder, error) {
	pb := &PromptBuilder{
		templates: make(map[string]*template.Template),
	}

	funcMap := template.FuncMap{
		"formatAmount": formatAmount,
		"formatDate":   formatDate,
		"truncate":     truncate,
		"join":         strings.Join,
		"toJSON":       toJSON,
	}

	for _, name := range []string{tmplSystem, tmplQuestions, tmplSummary, tmplRelationship, tmplEnrichment} {
		filename := fmt.Sprintf("templates/%s.tmpl", name)
		tmpl, err := template.New(name + ".tmpl").Funcs(funcMap).ParseFS(templateFS, filename)
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}
		pb.templates[name] = tmpl
	}

	return pb, nil
}

func (pb *PromptBuilder) render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := pb.templates[name].ExecuteTemplate(&buf, name+".tmpl", data); err != nil {
		return "", fmt.Errorf("failed to execute %s template: %w", name, err)
	}
	return buf.String(), nil
}

// System renders the shared system instructions.
func (pb *PromptBuilder) System() (string, error) {
	return pb.render(tmplSystem, struct {
		OutsideContext string
		MinQuestions   int
		MaxQuestions   int
	}{model.OutsideContext, MinQuestions, MaxQuestions})
}

// QuestionPromptData is the input of the question prompt.
type QuestionPromptData struct {
	Transaction    model.Transaction
	Context        model.AssembledContext
	ContextJSON    string
	OutsideContext string
	MinQuestions   int
	MaxQuestions   int
}

// Questions renders the question prompt. The assembled context is embedded
// verbatim as JSON.
func (pb *PromptBuilder) Questions(txn model.Transaction, actx model.AssembledContext) (string, error) {
	ctxJSON, err := contextJSON(actx)
	if err != nil {
		return "", err
	}
	return pb.render(tmplQuestions, QuestionPromptData{
		Transaction:    txn,
		Context:        actx,
		ContextJSON:    ctxJSON,
		OutsideContext: model.OutsideContext,
		MinQuestions:   MinQuestions,
		MaxQuestions:   MaxQuestions,
	})
}

// BatchPromptData is the input of the summary and relationship prompts.
type BatchPromptData struct {
	Transactions   []model.Transaction
	ContextJSON    string
	OutsideContext string
	Total          int64
}

// Summary renders the batch summary prompt against the merged context.
func (pb *PromptBuilder) Summary(txns []model.Transaction, merged model.AssembledContext) (string, error) {
	return pb.batch(tmplSummary, txns, merged)
}

// Relationship renders the related-group prompt.
func (pb *PromptBuilder) Relationship(group []model.Transaction, merged model.AssembledContext) (string, error) {
	return pb.batch(tmplRelationship, group, merged)
}

func (pb *PromptBuilder) batch(name string, txns []model.Transaction, merged model.AssembledContext) (string, error) {
	ctxJSON, err := contextJSON(merged)
	if err != nil {
		return "", err
	}
	return pb.render(name, BatchPromptData{
		Transactions:   txns,
		ContextJSON:    ctxJSON,
		OutsideContext: model.OutsideContext,
		Total:          totalMagnitude(txns),
	})
}

// EnrichmentPromptData is the input of the enrichment prompt.
type EnrichmentPromptData struct {
	Transaction    model.Transaction
	Context        model.AssembledContext
	ContextJSON    string
	OutsideContext string
	Answers        []QA
}

// QA pairs a question with the user's answer.
type QA struct {
	QuestionID string `json:"questionId"`
	Question   string `json:"question"`
	Answer     string `json:"answer"`
}

// Enrichment renders the post-answer enrichment prompt.
func (pb *PromptBuilder) Enrichment(txn model.Transaction, actx model.AssembledContext, answers []QA) (string, error) {
	ctxJSON, err := contextJSON(actx)
	if err != nil {
		return "", err
	}
	return pb.render(tmplEnrichment, EnrichmentPromptData{
		Transaction:    txn,
		Context:        actx,
		ContextJSON:    ctxJSON,
		OutsideContext: model.OutsideContext,
		Answers:        answers,
	})
}

// promptView is the slice of an AssembledContext the provider sees.
type promptView struct {
	Category     model.Category    `json:"category"`
	Coverage     model.Coverage    `json:"coverage"`
	IndexVersion string            `json:"indexVersion"`
	Chunks       []promptViewChunk `json:"chunks"`
	Evidence     []string          `json:"evidence"`
	Confidence   float64           `json:"confidence"`
}

type promptViewChunk struct {
	ID        string        `json:"id"`
	Reference string        `json:"reference"`
	Title     string        `json:"title"`
	Text      string        `json:"text"`
	Summary   string        `json:"summary,omitempty"`
	KeyPoints []string      `json:"keyPoints,omitempty"`
	Limits    []model.Limit `json:"limits,omitempty"`
}

func contextJSON(actx model.AssembledContext) (string, error) {
	view := promptView{
		Category:     actx.Category,
		Coverage:     actx.Coverage,
		IndexVersion: actx.IndexVersion,
		Evidence:     actx.Evidence,
		Confidence:   actx.Confidence,
		Chunks:       make([]promptViewChunk, len(actx.Chunks)),
	}
	if view.Evidence == nil {
		view.Evidence = []string{}
	}
	for i, c := range actx.Chunks {
		view.Chunks[i] = promptViewChunk{
			ID:        c.ID,
			Reference: c.Reference(),
			Title:     c.Title,
			Text:      c.Text,
			Summary:   c.Summary,
			KeyPoints: c.KeyPoints,
			Limits:    c.Limits,
		}
	}
	data, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode assembled context: %w", err)
	}
	return string(data), nil
}

// promptHash identifies a prompt in the generation log.
func promptHash(system, prompt string) string {
	sum := sha256.Sum256([]byte(system + "\x00" + prompt))
	return hex.EncodeToString(sum[:8])
}

// Template helper functions

// formatAmount renders a smallest-unit amount with thousands separators, e.g. "150,000 KRW".
func formatAmount(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	digits := strconv.FormatInt(amount, 10)
	var b strings.Builder
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return sign + b.String() + " KRW"
}

func formatDate(t time.Time) string {
	return t.Format("2006-01-02")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func toJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func totalMagnitude(txns []model.Transaction) int64 {
	var total int64
	for _, t := range txns {
		total += t.Magnitude()
	}
	return total
}
