package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/lawindex"
	"github.com/Veraticus/taxflow/internal/model"
)

var jan15 = time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)

func newRetriever(t *testing.T) *Retriever {
	t.Helper()
	chunks, err := lawindex.DefaultCorpus()
	require.NoError(t, err)
	emb := lawindex.NewLexicalEmbedder()
	idx, err := lawindex.Build(context.Background(), chunks, emb, lawindex.BuildOptions{})
	require.NoError(t, err)
	return New(lawindex.NewHolder(idx), emb, nil)
}

func TestRetrieve_OnlyTaggedChunks(t *testing.T) {
	r := newRetriever(t)

	for _, cat := range model.IndexedCategories() {
		t.Run(string(cat), func(t *testing.T) {
			chunks, err := r.Retrieve(context.Background(), cat, "business expense", jan15, 10)
			require.NoError(t, err)
			require.NotEmpty(t, chunks)
			for _, c := range chunks {
				assert.True(t, c.HasCategory(cat), "chunk %s not tagged %s", c.ID, cat)
			}
		})
	}
}

func TestRetrieve_ExcludesFutureProvisions(t *testing.T) {
	r := newRetriever(t)

	chunks, err := r.Retrieve(context.Background(), model.CategoryEntertainment, "client lunch", jan15, 10)
	require.NoError(t, err)
	for _, c := range chunks {
		assert.False(t, c.EffectiveDate.After(jan15), "chunk %s effective %s", c.ID, c.EffectiveDate)
	}
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	assert.NotContains(t, ids, "CIT-Art.25-2")

	later, err := r.Retrieve(context.Background(), model.CategoryEntertainment, "client lunch", time.Date(2027, 3, 1, 0, 0, 0, 0, time.UTC), 10)
	require.NoError(t, err)
	assert.Len(t, later, len(chunks)+1)
}

func TestRetrieve_NoPadding(t *testing.T) {
	r := newRetriever(t)

	chunks, err := r.Retrieve(context.Background(), model.CategoryEducation, "training course", jan15, 5)
	require.NoError(t, err)
	assert.Less(t, len(chunks), 5)
}

func TestRetrieve_TopKBounds(t *testing.T) {
	r := newRetriever(t)

	one, err := r.Retrieve(context.Background(), model.CategoryCloud, "aws hosting", jan15, 1)
	require.NoError(t, err)
	assert.Len(t, one, 1)

	def, err := r.Retrieve(context.Background(), model.CategoryCloud, "aws hosting", jan15, 0)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(def), DefaultTopK)
}

func TestRetrieve_Deterministic(t *testing.T) {
	r := newRetriever(t)

	a, err := r.RetrieveScored(context.Background(), model.CategoryRent, "office rent", jan15, 5)
	require.NoError(t, err)
	b, err := r.RetrieveScored(context.Background(), model.CategoryRent, "office rent", jan15, 5)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	for i := 1; i < len(a); i++ {
		assert.GreaterOrEqual(t, a[i-1].Score, a[i].Score)
	}
}

func TestRetrieve_RelevantChunkFirst(t *testing.T) {
	r := newRetriever(t)

	chunks, err := r.Retrieve(context.Background(), model.CategoryCloud, "overseas SaaS billing statement from a foreign provider", jan15, 5)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	assert.Equal(t, "VAT-Art.52-1", chunks[0].ID)
}

func TestRetrieve_Errors(t *testing.T) {
	emb := lawindex.NewLexicalEmbedder()

	empty := New(&lawindex.Holder{}, emb, nil)
	_, err := empty.Retrieve(context.Background(), model.CategoryCloud, "x", jan15, 5)
	require.ErrorIs(t, err, common.ErrIndexIncomplete)

	r := newRetriever(t)
	mismatched := New(r.holder, &lawindex.LexicalEmbedder{Dims: 8}, nil)
	_, err = mismatched.Retrieve(context.Background(), model.CategoryCloud, "x", jan15, 5)
	require.ErrorIs(t, err, common.ErrInvalidConfig)
}

func TestScore_TaggedOutranksUntagged(t *testing.T) {
	tagged := model.LawChunk{ID: "a", Categories: []model.Category{model.CategoryRent}}
	untagged := model.LawChunk{ID: "b", Text: "rent lease landlord office", Categories: []model.Category{model.CategoryCloud}}
	q := []float64{1, 0}

	low := Score(q, []float64{-1, 0}, tagged, model.CategoryRent, model.CategoryRent.Info().Keywords)
	high := Score(q, []float64{1, 0}, untagged, model.CategoryRent, model.CategoryRent.Info().Keywords)
	assert.Greater(t, low, high)
}
