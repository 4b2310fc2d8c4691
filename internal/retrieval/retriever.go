// Package retrieval selects the law chunks relevant to a classified
// transaction.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/lawindex"
	"github.com/Veraticus/taxflow/internal/model"
)

const (
	// CategoryBoost is added to chunks tagged with the requested category. It
	// exceeds the maximum similarity so any tagged chunk outranks any untagged one.
	CategoryBoost = 2.0
	// DefaultTopK is used when the caller passes a non-positive topK.
	DefaultTopK = 5
	// MaxTopK caps how many chunks a single request may return.
	MaxTopK = 20

	cosineWeight  = 0.9
	keywordWeight = 0.1
)

// Scored is a chunk with its retrieval score.
type Scored struct {
	Chunk model.LawChunk
	Score float64
}

// Retriever ranks chunks from the current index. It reads the index through
// a Holder and never blocks a concurrent re-index.
type Retriever struct {
	holder   *lawindex.Holder
	embedder lawindex.Embedder
	logger   *slog.Logger
}

// New creates a Retriever. The embedder must be the one the index was built with.
func New(holder *lawindex.Holder, embedder lawindex.Embedder, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default().With("component", "retrieval")
	}
	return &Retriever{holder: holder, embedder: embedder, logger: logger}
}

// IndexVersion is the version of the index currently served, or "" before
// one is loaded.
func (r *Retriever) IndexVersion() string {
	if idx := r.holder.Load(); idx != nil {
		return idx.Version()
	}
	return ""
}

// Retrieve returns up to topK chunks tagged with category and in force on
// asOf, best first. Fewer tagged chunks than topK yields a shorter result;
// untagged chunks are never used as filler.
func (r *Retriever) Retrieve(ctx context.Context, category model.Category, freeText string, asOf time.Time, topK int) ([]model.LawChunk, error) {
	scored, err := r.RetrieveScored(ctx, category, freeText, asOf, topK)
	if err != nil {
		return nil, err
	}
	chunks := make([]model.LawChunk, len(scored))
	for i, s := range scored {
		chunks[i] = s.Chunk
	}
	return chunks, nil
}

// RetrieveScored is Retrieve with scores attached.
func (r *Retriever) RetrieveScored(ctx context.Context, category model.Category, freeText string, asOf time.Time, topK int) ([]Scored, error) {
	idx := r.holder.Load()
	if idx == nil {
		return nil, fmt.Errorf("%w: no index loaded", common.ErrIndexIncomplete)
	}
	if idx.EmbedderName() != r.embedder.Name() {
		return nil, fmt.Errorf("%w: index built with %s, querying with %s",
			common.ErrInvalidConfig, idx.EmbedderName(), r.embedder.Name())
	}

	topK = clampTopK(topK)

	query := strings.TrimSpace(freeText + " " + category.Label())
	qvec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	keywords := category.Info().Keywords

	var scored []Scored
	for _, c := range idx.ByCategory(category) {
		if !c.EffectiveOn(asOf) {
			continue
		}
		vec, _ := idx.Vector(c.ID)
		scored = append(scored, Scored{
			Chunk: c,
			Score: Score(qvec, vec, c, category, keywords),
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Chunk.ID < scored[j].Chunk.ID
	})
	if len(scored) > topK {
		scored = scored[:topK]
	}

	r.logger.Debug("Retrieved law chunks",
		"category", category,
		"as_of", asOf.Format(time.DateOnly),
		"returned", len(scored),
		"index_version", idx.Version())

	return scored, nil
}

// Score is the ranking function: weighted similarity plus the category boost
// for tagged chunks. The similarity term stays within [-1, 1].
func Score(query, chunk []float64, c model.LawChunk, category model.Category, keywords []string) float64 {
	sim := cosineWeight*lawindex.Cosine(query, chunk) + keywordWeight*keywordOverlap(c, keywords)
	if c.HasCategory(category) {
		sim += CategoryBoost
	}
	return sim
}

// keywordOverlap is the fraction of category keywords present in the chunk.
func keywordOverlap(c model.LawChunk, keywords []string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	text := strings.ToLower(c.Title + " " + c.Summary + " " + c.Text)
	hits := 0
	for _, k := range keywords {
		if strings.Contains(text, strings.ToLower(k)) {
			hits++
		}
	}
	return float64(hits) / float64(len(keywords))
}

func clampTopK(k int) int {
	if k <= 0 {
		return DefaultTopK
	}
	if k > MaxTopK {
		return MaxTopK
	}
	return k
}
