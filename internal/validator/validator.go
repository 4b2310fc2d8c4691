// Package validator checks generated answers against the context they were
// generated from. Unresolvable citations are downgraded, never dropped.
package validator

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/model"
)

// flagPenalty scales how much each hallucination flag per answer lowers the quality score.
const flagPenalty = 0.5

// Report is the outcome of validating one answer set.
type Report struct {
	ConfidenceDistribution map[model.ConfidenceTier]int `json:"confidenceDistribution"`
	Answers                []model.GeneratedAnswer      `json:"answers"`
	TotalCitations         int                          `json:"totalCitations"`
	ValidCitations         int                          `json:"validCitations"`
	Uncited                int                          `json:"uncited"`
	HallucinationFlags     int                          `json:"hallucinationFlags"`
	Downgraded             int                          `json:"downgraded"`
	SourceValidity         float64                      `json:"sourceValidity"`
	QualityScore           float64                      `json:"qualityScore"`
	NeedsReview            bool                         `json:"needsReview"`
}

// Observer receives every report, typically to export metrics.
type Observer interface {
	ObserveValidation(kind model.AnswerKind, r Report)
}

// Validator resolves citations and scans answer text. It is safe for
// concurrent use.
type Validator struct {
	observer Observer
	logger   *slog.Logger
	hedges   []*regexp.Regexp
}

// Option configures a Validator.
type Option func(*Validator)

// WithObserver attaches an Observer.
func WithObserver(o Observer) Option {
	return func(v *Validator) { v.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) { v.logger = l }
}

var defaultHedges = []string{
	`\bgenerally\b`,
	`\busually\b`,
	`\btypically\b`,
	`\bin most cases\b`,
	`\bit is common(ly)?\b`,
	`\bprobably\b`,
	`\bi (think|believe)\b`,
	`\bas far as i know\b`,
	`\bapproximately\b`,
	`\bmost (companies|businesses|taxpayers)\b`,
	`\bshould be fine\b`,
}

var (
	// numericClaim matches rates and amounts: "10%", "3 percent", "30,000 KRW", "200,000 won".
	numericClaim = regexp.MustCompile(`(?i)(\d[\d,]*(?:\.\d+)?)\s*(%|percent\b|krw\b|won\b|원)`)
	anyNumber    = regexp.MustCompile(`\d[\d,]*(?:\.\d+)?`)
	citationSep  = regexp.MustCompile(`[,;\s]+`)
)

// New creates a Validator with the built-in hedge patterns.
func New(opts ...Option) *Validator {
	v := &Validator{
		hedges: common.MustCompilePatterns(defaultHedges...),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.logger == nil {
		v.logger = slog.Default().With("component", "validator")
	}
	return v
}

// Validate checks raw against actx.
func Validate(raw []model.GeneratedAnswer, actx model.AssembledContext) Report {
	return New().Validate(raw, actx)
}

// Validate checks raw against actx. Numbers are only trusted when they appear
// in the context's chunks.
func (v *Validator) Validate(raw []model.GeneratedAnswer, actx model.AssembledContext) Report {
	return v.ValidateWithFacts(raw, actx)
}

// ValidateWithFacts is Validate with extra text, such as the transaction
// itself, whose numbers answers may legitimately repeat.
func (v *Validator) ValidateWithFacts(raw []model.GeneratedAnswer, actx model.AssembledContext, facts ...string) Report {
	known := knownNumbers(actx, facts)

	report := Report{
		ConfidenceDistribution: map[model.ConfidenceTier]int{
			model.TierHigh:   0,
			model.TierMedium: 0,
			model.TierLow:    0,
		},
		Answers: make([]model.GeneratedAnswer, len(raw)),
	}

	for i, a := range raw {
		total, valid := v.resolve(&a, actx)
		report.TotalCitations += total
		report.ValidCitations += valid
		if total == 0 {
			report.Uncited++
		}

		a.HallucinationFlags = v.scan(a.Content, known)
		report.HallucinationFlags += a.HallucinationFlags

		if a.Verdict == model.VerdictDowngraded {
			report.Downgraded++
			v.logger.Warn("Downgraded unsupported citation",
				"answer_id", a.ID,
				"source", a.OriginalSource,
				"category", actx.Category)
		}
		report.ConfidenceDistribution[a.Confidence]++
		report.Answers[i] = a
	}

	report.SourceValidity = SourceValidity(report.ValidCitations, report.TotalCitations)
	report.QualityScore = qualityScore(report.SourceValidity, report.HallucinationFlags, len(raw))
	report.NeedsReview = report.Downgraded > 0 || actx.NeedsReview()

	if v.observer != nil {
		kind := model.KindQuestion
		if len(raw) > 0 && raw[0].Kind != "" {
			kind = raw[0].Kind
		}
		v.observer.ObserveValidation(kind, report)
	}
	return report
}

// resolve checks every citation in a.Source and downgrades a in place when
// any of them is unknown. An answer with no citation is downgraded too, but
// adds nothing to total.
func (v *Validator) resolve(a *model.GeneratedAnswer, actx model.AssembledContext) (total, valid int) {
	a.Confidence = model.ParseTier(string(a.Confidence))
	original := strings.TrimSpace(a.Source)

	ids := citationSep.Split(original, -1)
	resolved := true
	for _, id := range ids {
		if id == "" {
			continue
		}
		total++
		if id == model.OutsideContext || actx.HasChunk(id) {
			valid++
			continue
		}
		resolved = false
	}
	if total == 0 {
		resolved = false
	}

	if resolved {
		a.Source = original
		a.Verdict = model.VerdictAccepted
		return total, valid
	}

	a.OriginalSource = original
	a.Source = model.UnsupportedPrefix + original
	a.Confidence = model.TierLow
	a.Verdict = model.VerdictDowngraded
	return total, valid
}

func (v *Validator) scan(text string, known map[string]bool) int {
	lower := strings.ToLower(text)
	flags := common.CountMatches(v.hedges, lower)

	for _, m := range numericClaim.FindAllStringSubmatch(text, -1) {
		if !known[normalizeNumber(m[1])] {
			flags++
		}
	}
	return flags
}

func knownNumbers(actx model.AssembledContext, facts []string) map[string]bool {
	known := make(map[string]bool)
	addFrom := func(s string) {
		for _, n := range anyNumber.FindAllString(s, -1) {
			known[normalizeNumber(n)] = true
		}
	}
	for _, c := range actx.Chunks {
		addFrom(c.Text)
		addFrom(c.Summary)
		for _, kp := range c.KeyPoints {
			addFrom(kp)
		}
		for _, l := range c.Limits {
			known[strconv.FormatInt(l.Amount, 10)] = true
		}
	}
	for _, f := range facts {
		addFrom(f)
	}
	return known
}

func normalizeNumber(s string) string {
	s = strings.ReplaceAll(s, ",", "")
	if strings.Contains(s, ".") {
		s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	}
	return s
}

// SourceValidity is valid/total, or 1.0 when there are no citations.
func SourceValidity(valid, total int) float64 {
	if total <= 0 {
		return 1.0
	}
	if valid > total {
		valid = total
	}
	return float64(valid) / float64(total)
}

func qualityScore(validity float64, flags, answers int) float64 {
	if answers == 0 {
		return validity
	}
	penalty := flagPenalty * float64(flags) / float64(answers)
	if penalty > 1 {
		penalty = 1
	}
	return validity * (1 - penalty)
}
