package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/taxflow/internal/model"
)

func entertainmentContext() model.AssembledContext {
	return model.AssembledContext{
		Category: model.CategoryEntertainment,
		Coverage: model.CoverageComplete,
		Chunks: []model.LawChunk{
			{
				ID:   "CIT-Art.25-1",
				Text: "A single entertainment expense over 30,000 KRW needs a card slip.",
				Limits: []model.Limit{
					{Name: "Annual basic limit", Amount: 12_000_000, Unit: "KRW"},
				},
			},
			{ID: "VAT-Art.39-1", Text: "Input tax on entertainment is not deductible."},
		},
	}
}

func TestValidate_UnknownCitationDowngraded(t *testing.T) {
	raw := []model.GeneratedAnswer{
		{ID: "Q1", Content: "Who attended the lunch?", Source: "CIT-Art.25-1", Confidence: model.TierHigh},
		{ID: "Q2", Content: "Was the limit exceeded?", Source: "CIT-Art.99-1", Confidence: model.TierHigh},
	}

	r := Validate(raw, entertainmentContext())

	require.Len(t, r.Answers, 2, "downgraded answers must stay in the output")

	assert.Equal(t, model.VerdictAccepted, r.Answers[0].Verdict)
	assert.Equal(t, model.TierHigh, r.Answers[0].Confidence)

	flagged := r.Answers[1]
	assert.Equal(t, model.VerdictDowngraded, flagged.Verdict)
	assert.Equal(t, model.TierLow, flagged.Confidence)
	assert.Equal(t, "unsupported:CIT-Art.99-1", flagged.Source)
	assert.Equal(t, "CIT-Art.99-1", flagged.OriginalSource)
	assert.True(t, flagged.IsFlagged())
	assert.Equal(t, "Was the limit exceeded?", flagged.Content)

	assert.Equal(t, 2, r.TotalCitations)
	assert.Equal(t, 1, r.ValidCitations)
	assert.InDelta(t, 0.5, r.SourceValidity, 1e-9)
	assert.Equal(t, 1, r.Downgraded)
	assert.True(t, r.NeedsReview)

	// Input is not mutated.
	assert.Equal(t, "CIT-Art.99-1", raw[1].Source)
}

func TestValidate_OutsideContextIsValid(t *testing.T) {
	raw := []model.GeneratedAnswer{
		{ID: "Q1", Content: "Please upload the receipt.", Source: model.OutsideContext, Confidence: model.TierMedium},
	}

	r := Validate(raw, entertainmentContext())
	assert.Equal(t, model.VerdictAccepted, r.Answers[0].Verdict)
	assert.InDelta(t, 1.0, r.SourceValidity, 0)
	assert.False(t, r.NeedsReview)
}

func TestValidate_MultipleCitations(t *testing.T) {
	raw := []model.GeneratedAnswer{
		{ID: "Q1", Source: "CIT-Art.25-1, VAT-Art.39-1", Confidence: model.TierHigh},
		{ID: "Q2", Source: "CIT-Art.25-1; PIT-Art.1-1", Confidence: model.TierHigh},
	}

	r := Validate(raw, entertainmentContext())
	assert.Equal(t, model.VerdictAccepted, r.Answers[0].Verdict)
	assert.Equal(t, model.VerdictDowngraded, r.Answers[1].Verdict)
	assert.Equal(t, "unsupported:CIT-Art.25-1; PIT-Art.1-1", r.Answers[1].Source)
	assert.Equal(t, 4, r.TotalCitations)
	assert.Equal(t, 3, r.ValidCitations)
}

func TestValidate_MissingCitationDowngraded(t *testing.T) {
	raw := []model.GeneratedAnswer{{ID: "Q1", Content: "What was this?", Confidence: model.TierHigh}}

	r := Validate(raw, entertainmentContext())
	assert.Equal(t, model.VerdictDowngraded, r.Answers[0].Verdict)
	assert.Equal(t, model.UnsupportedPrefix, r.Answers[0].Source)
	assert.Equal(t, model.TierLow, r.Answers[0].Confidence)
	assert.Equal(t, 1, r.Downgraded)
	assert.True(t, r.NeedsReview)

	assert.Zero(t, r.TotalCitations, "an uncited answer is not a citation")
	assert.Equal(t, 1, r.Uncited)
	assert.InDelta(t, 1.0, r.SourceValidity, 0, "zero citations means full validity")
}

func TestValidate_SourceValidityBounds(t *testing.T) {
	r := Validate(nil, entertainmentContext())
	assert.InDelta(t, 1.0, r.SourceValidity, 0)
	assert.InDelta(t, 1.0, r.QualityScore, 0)
	assert.Empty(t, r.Answers)

	assert.InDelta(t, 1.0, SourceValidity(0, 0), 0)
	assert.InDelta(t, 1.0, SourceValidity(5, 3), 0)
	assert.InDelta(t, 0.25, SourceValidity(1, 4), 1e-9)
}

func TestValidate_HallucinationFlags(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{"clean", "Who attended the client lunch?", 0},
		{"hedge", "This is generally deductible.", 1},
		{"two hedges", "Most companies usually deduct this.", 2},
		{"known limit from text", "Expenses over 30,000 KRW need a card slip.", 0},
		{"known limit from table", "The annual limit is 12,000,000 won.", 0},
		{"invented rate", "A 15% surcharge applies.", 1},
		{"invented amount", "Up to 50,000 KRW is exempt.", 1},
		{"plain numbers are not claims", "Invoice 2025-031 was paid.", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := []model.GeneratedAnswer{{ID: "Q", Content: tt.content, Source: "CIT-Art.25-1", Confidence: model.TierHigh}}
			r := Validate(raw, entertainmentContext())
			assert.Equal(t, tt.want, r.Answers[0].HallucinationFlags)
			assert.Equal(t, tt.want, r.HallucinationFlags)
			// Flags never block: the verdict depends on the citation only.
			assert.Equal(t, model.VerdictAccepted, r.Answers[0].Verdict)
		})
	}
}

func TestValidateWithFacts_AllowsTransactionAmount(t *testing.T) {
	raw := []model.GeneratedAnswer{{ID: "Q", Content: "Was the 150,000 KRW lunch with a client?", Source: "CIT-Art.25-1", Confidence: model.TierHigh}}

	assert.Equal(t, 1, New().Validate(raw, entertainmentContext()).HallucinationFlags)
	assert.Zero(t, New().ValidateWithFacts(raw, entertainmentContext(), "client lunch -150000").HallucinationFlags)
}

func TestValidate_QualityScore(t *testing.T) {
	raw := []model.GeneratedAnswer{
		{ID: "Q1", Content: "generally fine", Source: "CIT-Art.25-1", Confidence: model.TierHigh},
		{ID: "Q2", Content: "ok", Source: "CIT-Art.25-1", Confidence: model.TierHigh},
	}
	r := Validate(raw, entertainmentContext())
	assert.InDelta(t, 0.75, r.QualityScore, 1e-9)
	assert.GreaterOrEqual(t, r.QualityScore, 0.0)
	assert.LessOrEqual(t, r.QualityScore, 1.0)
}

func TestValidate_ConfidenceDistribution(t *testing.T) {
	raw := []model.GeneratedAnswer{
		{ID: "Q1", Source: "CIT-Art.25-1", Confidence: "HIGH"},
		{ID: "Q2", Source: "CIT-Art.25-1", Confidence: model.TierMedium},
		{ID: "Q3", Source: "bogus", Confidence: model.TierHigh},
		{ID: "Q4", Source: "CIT-Art.25-1", Confidence: "certain"},
	}

	r := Validate(raw, entertainmentContext())
	assert.Equal(t, map[model.ConfidenceTier]int{
		model.TierHigh:   1,
		model.TierMedium: 1,
		model.TierLow:    2,
	}, r.ConfidenceDistribution)
}

func TestValidate_IncompleteCoverageNeedsReview(t *testing.T) {
	actx := entertainmentContext()
	actx.Coverage = model.CoveragePartial

	r := Validate([]model.GeneratedAnswer{{ID: "Q", Source: "CIT-Art.25-1", Confidence: model.TierHigh}}, actx)
	assert.Zero(t, r.Downgraded)
	assert.True(t, r.NeedsReview)
}

type recordingObserver struct {
	kinds   []model.AnswerKind
	reports []Report
}

func (o *recordingObserver) ObserveValidation(kind model.AnswerKind, r Report) {
	o.kinds = append(o.kinds, kind)
	o.reports = append(o.reports, r)
}

func TestValidate_Observer(t *testing.T) {
	obs := &recordingObserver{}
	v := New(WithObserver(obs))

	v.Validate([]model.GeneratedAnswer{{ID: "S", Kind: model.KindSummary, Source: "x"}}, entertainmentContext())
	v.Validate(nil, entertainmentContext())

	require.Len(t, obs.reports, 2)
	assert.Equal(t, []model.AnswerKind{model.KindSummary, model.KindQuestion}, obs.kinds)
	assert.Equal(t, 1, obs.reports[0].Downgraded)
}
