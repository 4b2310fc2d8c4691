package model

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// LawCode identifies an indexed statute.
type LawCode string

// Indexed statutes.
const (
	LawCodeVAT  LawCode = "VAT"
	LawCodeCIT  LawCode = "CIT"
	LawCodePIT  LawCode = "PIT"
	LawCodeRSTL LawCode = "RSTL"
	LawCodeNTBA LawCode = "NTBA"
)

var lawTitles = map[LawCode]string{
	LawCodeVAT:  "Value-Added Tax Act",
	LawCodeCIT:  "Corporate Tax Act",
	LawCodePIT:  "Income Tax Act",
	LawCodeRSTL: "Restriction of Special Taxation Act",
	LawCodeNTBA: "Framework Act on National Taxes",
}

// IsValid reports whether l is an indexed statute.
func (l LawCode) IsValid() bool {
	_, ok := lawTitles[l]
	return ok
}

// Title returns the statute name.
func (l LawCode) Title() string {
	return lawTitles[l]
}

// ParseLawCode resolves a statute code case-insensitively.
func ParseLawCode(s string) (LawCode, error) {
	l := LawCode(strings.ToUpper(strings.TrimSpace(s)))
	if !l.IsValid() {
		return "", fmt.Errorf("unknown law code %q", s)
	}
	return l, nil
}

// Limit is one row of a provision's numeric limit table.
type Limit struct {
	Name   string `json:"name" yaml:"name"`
	Unit   string `json:"unit,omitempty" yaml:"unit,omitempty"`
	Note   string `json:"note,omitempty" yaml:"note,omitempty"`
	Amount int64  `json:"amount" yaml:"amount"`
}

// LawChunk is one addressable unit of indexed legal text.
type LawChunk struct {
	EffectiveDate    time.Time  `json:"effectiveDate"`
	ID               string     `json:"id"`
	LawCode          LawCode    `json:"lawCode"`
	Article          string     `json:"article"`
	Title            string     `json:"title"`
	Text             string     `json:"text"`
	Summary          string     `json:"summary"`
	KeyPoints        []string   `json:"keyPoints,omitempty"`
	Categories       []Category `json:"categories"`
	Limits           []Limit    `json:"limits,omitempty"`
	EvidenceRequired []string   `json:"evidenceRequired,omitempty"`
}

// ChunkID builds the globally unique id law-code + article + sequence.
func ChunkID(code LawCode, article string, seq int) string {
	article = strings.NewReplacer(" ", "", "(", "", ")", "").Replace(article)
	return fmt.Sprintf("%s-%s-%d", code, article, seq)
}

// HasCategory reports whether the chunk is tagged with c.
func (c LawChunk) HasCategory(cat Category) bool {
	return slices.Contains(c.Categories, cat)
}

// EffectiveOn reports whether the provision was in force on t.
func (c LawChunk) EffectiveOn(t time.Time) bool {
	return c.EffectiveDate.IsZero() || !c.EffectiveDate.After(t)
}

// Reference renders a citation label such as "VAT Art.39".
func (c LawChunk) Reference() string {
	return fmt.Sprintf("%s %s", c.LawCode, c.Article)
}
