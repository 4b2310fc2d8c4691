// Package classification maps free-text bank transactions onto the closed tax
// category taxonomy and flags internal transfers and recurring payments.
package classification

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/model"
)

// Scoring weights.
const (
	keywordWeight      = 1.0
	patternWeight      = 1.5
	directionBonus     = 0.5
	typicalRangeBonus  = 0.25
	directionPenalty   = 0.25
	ambiguityPenalty   = 0.3
	DefaultMinScore    = 1.0
	evidenceAboveBonus = 0.1
)

type compiledRule struct {
	category model.Category
	info     model.CategoryInfo
	keywords []*regexp.Regexp
	patterns []*regexp.Regexp
}

// Classifier scores transactions against keyword and pattern rules. It holds
// no mutable state after construction and is safe for concurrent use.
type Classifier struct {
	rules    []compiledRule
	minScore float64
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithMinScore overrides the score a category must reach to be chosen.
func WithMinScore(score float64) Option {
	return func(c *Classifier) {
		c.minScore = score
	}
}

// NewClassifier compiles the given rules.
func NewClassifier(rules []Rule, opts ...Option) (*Classifier, error) {
	c := &Classifier{minScore: DefaultMinScore}
	for _, opt := range opts {
		opt(c)
	}

	for _, r := range rules {
		if !r.Category.IsValid() {
			return nil, fmt.Errorf("%w: %q", common.ErrInvalidCategory, r.Category)
		}
		kw := make([]string, len(r.Keywords))
		for i, k := range r.Keywords {
			kw[i] = keywordRegex(k)
		}
		keywords, err := common.CompilePatterns(kw)
		if err != nil {
			return nil, fmt.Errorf("keywords for %s: %w", r.Category, err)
		}
		patterns, err := common.CompilePatterns(r.Patterns)
		if err != nil {
			return nil, fmt.Errorf("patterns for %s: %w", r.Category, err)
		}
		c.rules = append(c.rules, compiledRule{
			category: r.Category,
			info:     r.Category.Info(),
			keywords: keywords,
			patterns: patterns,
		})
	}

	return c, nil
}

// NewDefaultClassifier builds a classifier from the taxonomy's own rules.
func NewDefaultClassifier() *Classifier {
	c, err := NewClassifier(DefaultRules())
	if err != nil {
		panic(fmt.Sprintf("default classification rules: %v", err))
	}
	return c
}

// Classify maps a transaction to one category with a confidence in [0,1].
// A valid hint wins outright with confidence 1.0. When nothing clears the
// minimum score the result is unknown with confidence 0.
func (c *Classifier) Classify(description string, amount int64, counterparty string, hint *model.Category) (model.Category, float64) {
	if hint != nil && hint.IsValid() {
		return *hint, 1.0
	}

	rankings := c.Rank(description, amount, counterparty)
	top := rankings.Top()
	if top == nil || top.Score < c.minScore {
		return model.CategoryUnknown, 0
	}

	second := 0.0
	if len(rankings) > 1 {
		second = rankings[1].Score
	}

	return top.Category, confidence(top.Score, second)
}

// ClassifyTransaction is Classify over a stored transaction.
func (c *Classifier) ClassifyTransaction(txn model.Transaction, hint *model.Category) (model.Category, float64) {
	return c.Classify(txn.Memo, txn.Amount, txn.Counterparty, hint)
}

// Rank returns every category with a positive score, best first.
func (c *Classifier) Rank(description string, amount int64, counterparty string) model.CategoryRankings {
	text := strings.ToLower(strings.TrimSpace(description + " " + counterparty))
	if text == "" {
		return nil
	}

	dir := model.DirectionOutflow
	magnitude := amount
	if amount >= 0 {
		dir = model.DirectionInflow
	} else {
		magnitude = -amount
	}

	var rankings model.CategoryRankings
	for _, r := range c.rules {
		score := float64(common.CountMatches(r.keywords, text))*keywordWeight +
			float64(common.CountMatches(r.patterns, text))*patternWeight
		if score == 0 {
			continue
		}
		score = adjustForAmount(score, r.info, dir, magnitude)
		rankings = append(rankings, model.CategoryRanking{Category: r.category, Score: score})
	}

	rankings.Sort()
	return rankings
}

func adjustForAmount(score float64, info model.CategoryInfo, dir model.Direction, magnitude int64) float64 {
	if info.Direction != "" {
		if info.Direction == dir {
			score += directionBonus
		} else {
			score *= directionPenalty
		}
	}
	inRange := magnitude >= info.TypicalMin && (info.TypicalMax == 0 || magnitude <= info.TypicalMax)
	if inRange {
		score += typicalRangeBonus
	}
	if info.EvidenceThreshold > 0 && magnitude >= info.EvidenceThreshold {
		score += evidenceAboveBonus
	}
	return score
}

// confidence grows with the winning score and shrinks when the runner-up is close.
func confidence(top, second float64) float64 {
	if top <= 0 {
		return 0
	}
	conf := top / (top + 1)
	if second > 0 {
		conf *= 1 - ambiguityPenalty*(second/top)
	}
	if conf < 0 {
		return 0
	}
	if conf > 1 {
		return 1
	}
	return conf
}
