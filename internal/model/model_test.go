package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaxonomy(t *testing.T) {
	for _, c := range AllCategories() {
		info := c.Info()
		assert.NotEmpty(t, info.Label, "category %s has no label", c)
		for _, code := range info.LawCodes {
			assert.True(t, code.IsValid(), "category %s maps to unknown law code %s", c, code)
		}
		if info.Indexed {
			assert.NotEmpty(t, info.LawCodes, "indexed category %s has no law codes", c)
			assert.NotEmpty(t, info.Keywords, "indexed category %s has no keywords", c)
		}
	}

	indexed := IndexedCategories()
	assert.NotContains(t, indexed, CategoryInternalTransfer)
	assert.NotContains(t, indexed, CategoryUnknown)
	assert.Contains(t, indexed, CategoryEntertainment)
}

func TestCategoryPriority(t *testing.T) {
	all := AllCategories()
	require.NotEmpty(t, all)
	assert.Equal(t, CategoryUnknown, all[len(all)-1])
	assert.Greater(t, CategoryEntertainment.Info().Priority, CategoryMeals.Info().Priority)
}

func TestParseCategory(t *testing.T) {
	c, err := ParseCategory("Entertainment")
	require.NoError(t, err)
	assert.Equal(t, CategoryEntertainment, c)

	c, err = ParseCategory("business entertainment")
	require.NoError(t, err)
	assert.Equal(t, CategoryEntertainment, c)

	c, err = ParseCategory("crypto")
	require.Error(t, err)
	assert.Equal(t, CategoryUnknown, c)
}

func TestDeriveTransactionID(t *testing.T) {
	ts := time.Date(2025, 1, 15, 9, 30, 0, 0, time.UTC)

	assert.Equal(t, "2025-01-15-KBST-KBMAIN-AWS-001", DeriveTransactionID(ts, "KB Star", "kb-main", "AWS Korea", 1))
	assert.Equal(t, "2025-01-15-BANK-ACCT-UNK-012", DeriveTransactionID(ts, "", "", "", 12))
	assert.NotEqual(t,
		DeriveTransactionID(ts, "Kookmin", "acct-a", "Cafe", 1),
		DeriveTransactionID(ts, "Kookmin", "acct-b", "Cafe", 1),
		"accounts at the same bank get distinct ids")
}

func TestTransactionHelpers(t *testing.T) {
	txn := Transaction{Amount: -150_000, Memo: "client lunch", Counterparty: "Bistro"}
	assert.Equal(t, int64(150_000), txn.Magnitude())
	assert.Equal(t, "client lunch Bistro", txn.Description())

	assert.Equal(t, int64(-500), SignedAmount(500, DirectionOutflow))
	assert.Equal(t, int64(500), SignedAmount(-500, DirectionInflow))
}

func TestMaskAccount(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"1234", "1234"},
		{"123-456-789012", "***-***-789012"},
		{"1234567890123", "*******890123"},
		{"12345678", "****5678"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, MaskAccount(tt.in))
		})
	}
}

func TestLawChunk(t *testing.T) {
	chunk := LawChunk{
		ID:            ChunkID(LawCodeCIT, "Art. 25", 1),
		LawCode:       LawCodeCIT,
		Article:       "Art.25",
		Categories:    []Category{CategoryEntertainment},
		EffectiveDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	assert.Equal(t, "CIT-Art.25-1", chunk.ID)
	assert.True(t, chunk.HasCategory(CategoryEntertainment))
	assert.False(t, chunk.HasCategory(CategoryMeals))
	assert.True(t, chunk.EffectiveOn(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.False(t, chunk.EffectiveOn(time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)))
}

func TestMergeContexts(t *testing.T) {
	a := AssembledContext{
		Coverage: CoverageComplete,
		Chunks:   []LawChunk{{ID: "A"}, {ID: "B"}},
		Evidence: []string{"receipt"},
	}
	b := AssembledContext{
		Coverage: CoveragePartial,
		Chunks:   []LawChunk{{ID: "B"}, {ID: "C"}},
		Evidence: []string{"receipt", "contract"},
		Signals:  CoverageSignals{LawUndersupplied: true},
	}

	merged := Merge(a, b)
	assert.Equal(t, []string{"A", "B", "C"}, merged.ChunkIDs())
	assert.Equal(t, []string{"receipt", "contract"}, merged.Evidence)
	assert.Equal(t, CoveragePartial, merged.Coverage)
	assert.True(t, merged.Signals.LawUndersupplied)

	assert.Equal(t, CoverageInsufficient, Merge().Coverage)
}

func TestTiers(t *testing.T) {
	assert.Equal(t, TierHigh, ParseTier("HIGH"))
	assert.Equal(t, TierLow, ParseTier("certain"))
	assert.Equal(t, TierMedium, TierFromScore(0.6))
	assert.Equal(t, TierLow, TierFromScore(0.1))
	assert.Equal(t, "MD-2025-01", DocumentID(2025, time.January))
}
