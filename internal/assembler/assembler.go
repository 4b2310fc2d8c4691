// Package assembler builds the bounded context handed to the generative
// provider and judges how well it covers the transaction.
package assembler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Veraticus/taxflow/internal/model"
)

const (
	// ConfidenceThreshold is the classification confidence a complete context requires.
	ConfidenceThreshold = 0.6
	// MinCompleteChunks is the chunk count a complete context requires,
	// lowered to topK when topK is smaller.
	MinCompleteChunks = 2
	// DefaultTopK bounds the chunks in one context.
	DefaultTopK = 5
)

// Assemble bounds chunks to topK, merges evidence requirements and sets the
// coverage verdict. Evidence keeps first-seen order: the category defaults
// first, then each chunk's list, case-insensitively deduplicated.
func Assemble(category model.Category, confidence float64, chunks []model.LawChunk, evidenceDefaults []string, asOf time.Time, topK int) model.AssembledContext {
	if topK <= 0 {
		topK = DefaultTopK
	}
	if len(chunks) > topK {
		chunks = chunks[:topK]
	}
	bounded := make([]model.LawChunk, len(chunks))
	copy(bounded, chunks)

	evidence := newEvidenceSet()
	evidence.add(evidenceDefaults...)
	for _, c := range bounded {
		evidence.add(c.EvidenceRequired...)
	}

	actx := model.AssembledContext{
		AsOf:       asOf,
		Category:   category,
		Chunks:     bounded,
		Evidence:   evidence.items,
		Confidence: confidence,
		TopK:       topK,
	}
	actx.Coverage, actx.Signals = coverage(category, confidence, len(bounded), topK)
	return actx
}

func coverage(category model.Category, confidence float64, n, topK int) (model.Coverage, model.CoverageSignals) {
	signals := model.CoverageSignals{
		ClassificationWeak: category == model.CategoryUnknown || confidence < ConfidenceThreshold,
		LawUndersupplied:   n < min(topK, MinCompleteChunks),
	}

	switch {
	case n == 0 || category == model.CategoryUnknown:
		return model.CoverageInsufficient, signals
	case signals.ClassificationWeak || signals.LawUndersupplied:
		return model.CoveragePartial, signals
	default:
		return model.CoverageComplete, signals
	}
}

type evidenceSet struct {
	seen  map[string]bool
	items []string
}

func newEvidenceSet() *evidenceSet {
	return &evidenceSet{seen: make(map[string]bool), items: []string{}}
}

func (s *evidenceSet) add(items ...string) {
	for _, item := range items {
		item = strings.TrimSpace(item)
		key := strings.ToLower(item)
		if item == "" || s.seen[key] {
			continue
		}
		s.seen[key] = true
		s.items = append(s.items, item)
	}
}

// Classifier is the classification step as the engine sees it.
type Classifier interface {
	ClassifyTransaction(txn model.Transaction, hint *model.Category) (model.Category, float64)
}

// Retriever is the retrieval step as the engine sees it.
type Retriever interface {
	Retrieve(ctx context.Context, category model.Category, freeText string, asOf time.Time, topK int) ([]model.LawChunk, error)
	IndexVersion() string
}

// Engine runs classify, retrieve and assemble for one transaction, strictly
// in that order. It holds no per-transaction state.
type Engine struct {
	classifier Classifier
	retriever  Retriever
	logger     *slog.Logger
	topK       int
}

// NewEngine wires the three steps together.
func NewEngine(classifier Classifier, retriever Retriever, topK int, logger *slog.Logger) *Engine {
	if topK <= 0 {
		topK = DefaultTopK
	}
	if logger == nil {
		logger = slog.Default().With("component", "assembler")
	}
	return &Engine{classifier: classifier, retriever: retriever, topK: topK, logger: logger}
}

// Prepare produces the assembled context for txn. A retrieval failure is an
// error; an undersupplied retrieval is only reflected in the coverage verdict.
func (e *Engine) Prepare(ctx context.Context, txn model.Transaction, hint *model.Category) (model.AssembledContext, error) {
	category, confidence := e.classifier.ClassifyTransaction(txn, hint)

	chunks, err := e.retriever.Retrieve(ctx, category, txn.Description(), txn.Timestamp, e.topK)
	if err != nil {
		return model.AssembledContext{}, fmt.Errorf("retrieving law for %s: %w", txn.ID, err)
	}

	actx := Assemble(category, confidence, chunks, category.Info().DefaultEvidence, txn.Timestamp, e.topK)
	actx.IndexVersion = e.retriever.IndexVersion()

	e.logger.Debug("Assembled context",
		"transaction_id", txn.ID,
		"category", category,
		"confidence", confidence,
		"chunks", len(actx.Chunks),
		"coverage", actx.Coverage)

	return actx, nil
}
