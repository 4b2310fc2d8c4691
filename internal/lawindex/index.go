// Package lawindex holds tax-law provisions as retrievable chunks. An Index is
// immutable once built; a rebuild produces a new Index that replaces the old
// one wholesale through a Holder.
package lawindex

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/model"
)

// Index is a read-only set of law chunks with their embeddings.
type Index struct {
	builtAt    time.Time
	byID       map[string]int
	byCategory map[model.Category][]int
	version    string
	embedder   string
	chunks     []model.LawChunk
	vectors    [][]float64
}

// BuildOptions tunes Build.
type BuildOptions struct {
	// Progress is called after each chunk is embedded.
	Progress func(done, total int)
	Logger   *slog.Logger
	// Version overrides the content-derived version string.
	Version string
}

// Build validates chunks, embeds them and verifies that every indexed
// category has at least one chunk. An incomplete index is an error.
func Build(ctx context.Context, chunks []model.LawChunk, embedder Embedder, opts BuildOptions) (*Index, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "lawindex")
	}

	sorted, err := validateChunks(chunks)
	if err != nil {
		return nil, err
	}

	vectors := make([][]float64, len(sorted))
	for i, c := range sorted {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := embedder.Embed(ctx, embeddingText(c))
		if err != nil {
			return nil, fmt.Errorf("embedding chunk %s: %w", c.ID, err)
		}
		vectors[i] = v
		if opts.Progress != nil {
			opts.Progress(i+1, len(sorted))
		}
	}

	version := opts.Version
	if version == "" {
		version = contentVersion(sorted, embedder.Name())
	}

	idx, err := newIndex(sorted, vectors, version, embedder.Name(), time.Now().UTC())
	if err != nil {
		return nil, err
	}

	logger.Info("Built law index",
		"version", idx.version,
		"chunks", len(idx.chunks),
		"embedder", idx.embedder)

	return idx, nil
}

func newIndex(chunks []model.LawChunk, vectors [][]float64, version, embedder string, builtAt time.Time) (*Index, error) {
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("have %d vectors for %d chunks", len(vectors), len(chunks))
	}

	idx := &Index{
		builtAt:    builtAt,
		byID:       make(map[string]int, len(chunks)),
		byCategory: make(map[model.Category][]int),
		version:    version,
		embedder:   embedder,
		chunks:     chunks,
		vectors:    vectors,
	}
	for i, c := range chunks {
		idx.byID[c.ID] = i
		for _, cat := range c.Categories {
			idx.byCategory[cat] = append(idx.byCategory[cat], i)
		}
	}

	if err := VerifyCompleteness(idx.Completeness()); err != nil {
		return nil, err
	}
	return idx, nil
}

func validateChunks(chunks []model.LawChunk) ([]model.LawChunk, error) {
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: no chunks", common.ErrIndexIncomplete)
	}

	seen := make(map[string]bool, len(chunks))
	out := make([]model.LawChunk, len(chunks))
	copy(out, chunks)

	for i, c := range out {
		switch {
		case strings.TrimSpace(c.ID) == "":
			return nil, fmt.Errorf("chunk %d: missing id", i)
		case seen[c.ID]:
			return nil, fmt.Errorf("chunk %s: duplicate id", c.ID)
		case !c.LawCode.IsValid():
			return nil, fmt.Errorf("chunk %s: unknown law code %q", c.ID, c.LawCode)
		case strings.TrimSpace(c.Text) == "":
			return nil, fmt.Errorf("chunk %s: empty text", c.ID)
		case len(c.Categories) == 0:
			return nil, fmt.Errorf("chunk %s: no category tags", c.ID)
		}
		for _, cat := range c.Categories {
			if !cat.IsValid() {
				return nil, fmt.Errorf("chunk %s: %w: %q", c.ID, common.ErrInvalidCategory, cat)
			}
		}
		seen[c.ID] = true
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// VerifyCompleteness fails when any indexed category maps to no chunk.
func VerifyCompleteness(completeness map[model.Category][]string) error {
	var missing []string
	for _, cat := range model.IndexedCategories() {
		if len(completeness[cat]) == 0 {
			missing = append(missing, string(cat))
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: no chunks for %s", common.ErrIndexIncomplete, strings.Join(missing, ", "))
	}
	return nil
}

// embeddingText is what similarity is computed over.
func embeddingText(c model.LawChunk) string {
	parts := []string{c.Title, c.Summary}
	parts = append(parts, c.KeyPoints...)
	parts = append(parts, c.Text)
	return strings.Join(parts, "\n")
}

func contentVersion(chunks []model.LawChunk, embedder string) string {
	h := sha256.New()
	_, _ = fmt.Fprintf(h, "%s|%s\n", model.TaxonomyVersion, embedder)
	for _, c := range chunks {
		_, _ = fmt.Fprintf(h, "%s|%s|%s|%s\n", c.ID, c.EffectiveDate.Format(time.DateOnly), c.Text, c.Categories)
	}
	return "v" + hex.EncodeToString(h.Sum(nil))[:12]
}

// Version identifies the index contents.
func (i *Index) Version() string { return i.version }

// LastUpdated is when the index was built.
func (i *Index) LastUpdated() time.Time { return i.builtAt }

// EmbedderName names the embedder the vectors came from.
func (i *Index) EmbedderName() string { return i.embedder }

// Len is the number of chunks.
func (i *Index) Len() int { return len(i.chunks) }

// Chunks returns a copy of all chunks ordered by id.
func (i *Index) Chunks() []model.LawChunk {
	out := make([]model.LawChunk, len(i.chunks))
	copy(out, i.chunks)
	return out
}

// Chunk looks up a chunk by id.
func (i *Index) Chunk(id string) (model.LawChunk, bool) {
	pos, ok := i.byID[id]
	if !ok {
		return model.LawChunk{}, false
	}
	return i.chunks[pos], true
}

// Vector returns the embedding for a chunk id.
func (i *Index) Vector(id string) ([]float64, bool) {
	pos, ok := i.byID[id]
	if !ok {
		return nil, false
	}
	return i.vectors[pos], true
}

// ByCategory returns the chunks tagged with cat, ordered by id.
func (i *Index) ByCategory(cat model.Category) []model.LawChunk {
	positions := i.byCategory[cat]
	out := make([]model.LawChunk, len(positions))
	for n, pos := range positions {
		out[n] = i.chunks[pos]
	}
	return out
}

// Completeness maps each tagged category to its chunk ids.
func (i *Index) Completeness() map[model.Category][]string {
	out := make(map[model.Category][]string, len(i.byCategory))
	for cat, positions := range i.byCategory {
		ids := make([]string, len(positions))
		for n, pos := range positions {
			ids[n] = i.chunks[pos].ID
		}
		out[cat] = ids
	}
	return out
}

// Holder publishes the current Index to concurrent readers without locks.
type Holder struct {
	current atomic.Pointer[Index]
}

// NewHolder returns a Holder serving idx.
func NewHolder(idx *Index) *Holder {
	h := &Holder{}
	h.current.Store(idx)
	return h
}

// Load returns the index in effect, or nil before the first Swap.
func (h *Holder) Load() *Index {
	return h.current.Load()
}

// Swap installs idx and returns the one it replaced.
func (h *Holder) Swap(idx *Index) *Index {
	return h.current.Swap(idx)
}
