package lawindex

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/model"
	"github.com/Veraticus/taxflow/internal/service"
)

func buildDefault(t *testing.T) *Index {
	t.Helper()
	chunks, err := DefaultCorpus()
	require.NoError(t, err)
	idx, err := Build(context.Background(), chunks, NewLexicalEmbedder(), BuildOptions{})
	require.NoError(t, err)
	return idx
}

func TestDefaultCorpus_CoversEveryIndexedCategory(t *testing.T) {
	idx := buildDefault(t)

	for _, cat := range model.IndexedCategories() {
		assert.NotEmpty(t, idx.ByCategory(cat), "category %s has no chunks", cat)
	}
	assert.Empty(t, idx.ByCategory(model.CategoryInternalTransfer))
	assert.NotEmpty(t, idx.Version())
	assert.Equal(t, "lexical-1024", idx.EmbedderName())
}

func TestDefaultCorpus_EntertainmentProvisions(t *testing.T) {
	idx := buildDefault(t)

	c, ok := idx.Chunk("CIT-Art.25-1")
	require.True(t, ok)
	assert.Equal(t, model.LawCodeCIT, c.LawCode)
	assert.True(t, c.HasCategory(model.CategoryEntertainment))
	require.NotEmpty(t, c.Limits)

	amended, ok := idx.Chunk("CIT-Art.25-2")
	require.True(t, ok)
	assert.False(t, amended.EffectiveOn(time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)))

	_, ok = idx.Chunk("CIT-Art.999-1")
	assert.False(t, ok)
}

func TestBuild_Deterministic(t *testing.T) {
	a := buildDefault(t)
	b := buildDefault(t)
	assert.Equal(t, a.Version(), b.Version())

	va, ok := a.Vector("VAT-Art.39-1")
	require.True(t, ok)
	vb, _ := b.Vector("VAT-Art.39-1")
	assert.Equal(t, va, vb)
}

func TestBuild_Incomplete(t *testing.T) {
	chunks := []model.LawChunk{{
		ID:         "CIT-Art.25-1",
		LawCode:    model.LawCodeCIT,
		Article:    "Art.25",
		Text:       "Entertainment expenses.",
		Categories: []model.Category{model.CategoryEntertainment},
	}}

	_, err := Build(context.Background(), chunks, NewLexicalEmbedder(), BuildOptions{})
	require.ErrorIs(t, err, common.ErrIndexIncomplete)
	assert.Contains(t, err.Error(), "cloud")
	assert.NotContains(t, err.Error(), "entertainment")
}

func TestBuild_RejectsBadChunks(t *testing.T) {
	valid := model.LawChunk{
		ID:         "VAT-Art.1-1",
		LawCode:    model.LawCodeVAT,
		Text:       "text",
		Categories: []model.Category{model.CategoryCloud},
	}

	tests := []struct {
		name   string
		mutate func(c *model.LawChunk)
	}{
		{"missing id", func(c *model.LawChunk) { c.ID = "" }},
		{"bad law code", func(c *model.LawChunk) { c.LawCode = "XYZ" }},
		{"empty text", func(c *model.LawChunk) { c.Text = "  " }},
		{"no categories", func(c *model.LawChunk) { c.Categories = nil }},
		{"unknown category", func(c *model.LawChunk) { c.Categories = []model.Category{"crypto"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			_, err := Build(context.Background(), []model.LawChunk{c}, NewLexicalEmbedder(), BuildOptions{})
			require.Error(t, err)
		})
	}

	_, err := Build(context.Background(), []model.LawChunk{valid, valid}, NewLexicalEmbedder(), BuildOptions{})
	require.ErrorContains(t, err, "duplicate")
}

func TestBuild_ReportsProgress(t *testing.T) {
	chunks, err := DefaultCorpus()
	require.NoError(t, err)

	var last, total int
	_, err = Build(context.Background(), chunks, NewLexicalEmbedder(), BuildOptions{
		Progress: func(done, n int) { last, total = done, n },
	})
	require.NoError(t, err)
	assert.Equal(t, len(chunks), total)
	assert.Equal(t, total, last)
}

func TestArtifact_RoundTrip(t *testing.T) {
	idx := buildDefault(t)
	path := filepath.Join(t.TempDir(), "nested", "index.json")

	require.NoError(t, SaveArtifact(idx, path))

	loaded, err := LoadArtifact(path)
	require.NoError(t, err)
	assert.Equal(t, idx.Version(), loaded.Version())
	assert.Equal(t, idx.Len(), loaded.Len())
	assert.Equal(t, idx.EmbedderName(), loaded.EmbedderName())

	want, _ := idx.Vector("CIT-Art.25-1")
	got, ok := loaded.Vector("CIT-Art.25-1")
	require.True(t, ok)
	assert.InDeltaSlice(t, want, got, 1e-12)

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), ".lawindex-*"))
	require.NoError(t, err)
	assert.Empty(t, matches, "temp files left behind")
}

func TestLoadArtifact_RejectsTampering(t *testing.T) {
	idx := buildDefault(t)
	path := filepath.Join(t.TempDir(), "index.json")
	require.NoError(t, SaveArtifact(idx, path))

	tests := []struct {
		name   string
		mutate func(m map[string]any)
	}{
		{"total mismatch", func(m map[string]any) { m["totalChunks"] = 1 }},
		{"stale taxonomy", func(m map[string]any) { m["taxonomyVersion"] = "1999.1" }},
		{"missing vector", func(m map[string]any) { delete(m["vectors"].(map[string]any), "CIT-Art.25-1") }},
		{"completeness drift", func(m map[string]any) {
			m["completeness"].(map[string]any)["entertainment"] = []string{"CIT-Art.25-1"}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := os.ReadFile(path)
			require.NoError(t, err)
			var m map[string]any
			require.NoError(t, json.Unmarshal(raw, &m))
			tt.mutate(m)

			tampered := filepath.Join(t.TempDir(), "tampered.json")
			data, err := json.Marshal(m)
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(tampered, data, 0o600))

			_, err = LoadArtifact(tampered)
			require.ErrorIs(t, err, common.ErrIndexIncomplete)
		})
	}
}

func TestLoadArtifact_Truncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":"v1","chunks":[`), 0o600))

	_, err := LoadArtifact(path)
	require.ErrorIs(t, err, common.ErrIndexIncomplete)
}

func TestHolder_Swap(t *testing.T) {
	first := buildDefault(t)
	h := NewHolder(first)
	assert.Same(t, first, h.Load())

	second := buildDefault(t)
	old := h.Swap(second)
	assert.Same(t, first, old)
	assert.Same(t, second, h.Load())

	assert.Nil(t, (&Holder{}).Load())
}

func TestParseSource(t *testing.T) {
	src := `
law: vat
effective: "2024-07-01"
provisions:
  - article: "Art.39"
    title: "First"
    text: "one"
    categories: [entertainment]
  - article: "Art.39"
    effective: "2026-01-01"
    text: "two"
    categories: ["Software and cloud services"]
`
	chunks, err := ParseSource(strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	assert.Equal(t, "VAT-Art.39-1", chunks[0].ID)
	assert.Equal(t, "VAT-Art.39-2", chunks[1].ID)
	assert.Equal(t, time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC), chunks[0].EffectiveDate)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), chunks[1].EffectiveDate)
	assert.Equal(t, []model.Category{model.CategoryCloud}, chunks[1].Categories)
}

func TestParseSource_Errors(t *testing.T) {
	tests := map[string]string{
		"unknown law":      "law: XYZ\nprovisions: []\n",
		"bad date":         "law: VAT\neffective: 01/02/2024\nprovisions: []\n",
		"unknown category": "law: VAT\nprovisions:\n  - article: A\n    text: t\n    categories: [crypto]\n",
		"missing article":  "law: VAT\nprovisions:\n  - text: t\n",
		"unknown field":    "law: VAT\nsurprise: true\n",
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSource(strings.NewReader(src))
			require.Error(t, err)
		})
	}
}

func TestLoadSourceDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"),
		[]byte("law: CIT\nprovisions:\n  - article: Art.1\n    text: t\n    categories: [rent]\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	chunks, err := LoadSourceDir(dir)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "CIT-Art.1-1", chunks[0].ID)

	single := filepath.Join(t.TempDir(), "b.yml")
	require.NoError(t, os.WriteFile(single,
		[]byte("law: PIT\nprovisions:\n  - article: Art.2\n    text: t\n    categories: [payroll]\n"), 0o600))

	chunks, err = LoadYAMLSources([]string{dir, single})
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "PIT-Art.2-1", chunks[1].ID)

	_, err = LoadYAMLSources([]string{filepath.Join(dir, "missing")})
	require.Error(t, err)
}

func TestSplitArticles(t *testing.T) {
	text := `Corporate Tax Act
Article 25 (Entertainment expenses)
Entertainment   expenses paid to a client are limited. Further detail follows.
Article 26 (Definitions)
Terms used in this Act are defined here.
Article 27 (Travel)
Travel costs for a business flight are deductible.
`
	eff := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	chunks := SplitArticles(text, model.LawCodeCIT, eff)

	require.Len(t, chunks, 2, "article 26 matches no category")
	assert.Equal(t, "CIT-Art.25-1", chunks[0].ID)
	assert.Equal(t, "Entertainment expenses", chunks[0].Title)
	assert.Equal(t, "Entertainment expenses paid to a client are limited.", chunks[0].Summary)
	assert.True(t, chunks[0].HasCategory(model.CategoryEntertainment))
	assert.Equal(t, eff, chunks[0].EffectiveDate)

	assert.Equal(t, "Art.27", chunks[1].Article)
	assert.True(t, chunks[1].HasCategory(model.CategoryTravel))
}

func TestLexicalEmbedder(t *testing.T) {
	e := &LexicalEmbedder{Dims: 64}
	ctx := context.Background()

	a, err := e.Embed(ctx, "Client lunch entertainment")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "client LUNCH, entertainment!")
	require.NoError(t, err)
	c, err := e.Embed(ctx, "monthly cloud hosting")
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.InDelta(t, 1.0, Cosine(a, b), 1e-9)
	assert.Less(t, Cosine(a, c), Cosine(a, b))

	empty, err := e.Embed(ctx, "the of and")
	require.NoError(t, err)
	assert.Zero(t, Cosine(a, empty))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = e.Embed(cancelled, "x")
	require.ErrorIs(t, err, context.Canceled)
}

func TestCosine_Mismatch(t *testing.T) {
	assert.Zero(t, Cosine([]float64{1, 0}, []float64{1}))
	assert.Zero(t, Cosine(nil, nil))
}

func newTestOllama(t *testing.T, handler http.HandlerFunc) *OllamaEmbedder {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return &OllamaEmbedder{
		Client:  api.NewClient(u, srv.Client()),
		Model:   "test-embed",
		Retry:   service.RetryOptions{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Timeout: time.Second,
	}
}

func TestOllamaEmbedder_Embed(t *testing.T) {
	calls := 0
	e := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"loading"}`))
			return
		}
		_, _ = w.Write([]byte(`{"embedding":[3,4]}`))
	})

	v, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.6, 0.8}, v, 1e-9)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "ollama:test-embed", e.Name())
}

func TestOllamaEmbedder_MissingModelNotRetried(t *testing.T) {
	calls := 0
	e := newTestOllama(t, func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model not found"}`))
	})

	_, err := e.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
