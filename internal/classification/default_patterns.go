package classification

import (
	"regexp"
	"strings"

	"github.com/Veraticus/taxflow/internal/model"
)

// Rule is the scoring input for one category.
type Rule struct {
	Category model.Category
	Keywords []string
	Patterns []string
}

// DefaultRules derives one rule per classifiable category from the taxonomy.
// The internal-transfer pseudo-category is never produced by scoring; it is
// set by transfer detection only.
func DefaultRules() []Rule {
	var rules []Rule
	for _, c := range model.AllCategories() {
		if c == model.CategoryInternalTransfer || c == model.CategoryUnknown {
			continue
		}
		info := c.Info()
		rules = append(rules, Rule{
			Category: c,
			Keywords: info.Keywords,
			Patterns: info.Patterns,
		})
	}
	return rules
}

// keywordRegex turns a keyword into a whole-word, case-insensitive matcher.
// Multi-word keywords tolerate any run of whitespace between words.
func keywordRegex(keyword string) string {
	words := strings.Fields(keyword)
	for i, w := range words {
		words[i] = regexp.QuoteMeta(w)
	}
	return `\b` + strings.Join(words, `\s+`) + `\b`
}
