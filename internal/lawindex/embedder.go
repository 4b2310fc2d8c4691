package lawindex

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Embedder turns text into a vector. Vectors from one embedder are only
// comparable with each other.
type Embedder interface {
	Name() string
	Embed(ctx context.Context, text string) ([]float64, error)
}

const (
	// DefaultLexicalDims is the hashed vocabulary size of the lexical embedder.
	DefaultLexicalDims = 1024
	lexicalBM25K       = 1.2
)

// LexicalEmbedder hashes alphanumeric tokens into a fixed number of buckets
// with saturated term frequencies. It needs no model server and is
// deterministic, so indexes built with it are reproducible.
type LexicalEmbedder struct {
	Dims int
}

// NewLexicalEmbedder returns a lexical embedder with the default width.
func NewLexicalEmbedder() *LexicalEmbedder {
	return &LexicalEmbedder{Dims: DefaultLexicalDims}
}

// Name implements Embedder.
func (e *LexicalEmbedder) Name() string {
	return fmt.Sprintf("lexical-%d", e.dims())
}

// Embed implements Embedder. The result is L2-normalized; text with no
// tokens yields the zero vector.
func (e *LexicalEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dims := e.dims()
	tf := make(map[uint32]float64, 32)
	for _, token := range tokenizeAlphaNum(text) {
		if stopWords[token] {
			continue
		}
		tf[hashToken(token)%uint32(dims)]++
	}

	vec := make([]float64, dims)
	for idx, freq := range tf {
		vec[idx] = (freq * (lexicalBM25K + 1)) / (freq + lexicalBM25K)
	}
	return normalize(vec), nil
}

func (e *LexicalEmbedder) dims() int {
	if e.Dims <= 0 {
		return DefaultLexicalDims
	}
	return e.Dims
}

// Cosine is the cosine similarity of a and b, or 0 when either is empty,
// all-zero, or the lengths differ.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if math.IsNaN(sim) {
		return 0
	}
	return sim
}

func normalize(v []float64) []float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	if sum == 0 {
		return v
	}
	norm := math.Sqrt(sum)
	for i := range v {
		v[i] /= norm
	}
	return v
}

func hashToken(token string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(token))
	return h.Sum32()
}

func tokenizeAlphaNum(s string) []string {
	if s == "" {
		return nil
	}
	out := make([]string, 0, 24)
	var b strings.Builder
	for _, r := range s {
		r = unicode.ToLower(r)
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if b.Len() > 0 {
			out = append(out, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "in": true, "is": true,
	"it": true, "of": true, "on": true, "or": true, "that": true, "the": true,
	"this": true, "to": true, "with": true,
}
