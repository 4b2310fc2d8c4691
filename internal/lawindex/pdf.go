package lawindex

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"

	"github.com/Veraticus/taxflow/internal/model"
)

var (
	articleHeading = regexp.MustCompile(`(?m)^\s*Article\s+(\d+(?:-\d+)?)\s*(?:\(([^)\n]+)\))?`)
	sentenceEnd    = regexp.MustCompile(`[.!?](\s|$)`)
	whitespaceRun  = regexp.MustCompile(`[ \t]+`)
)

// ExtractPDFText returns the plain text of a PDF file.
func ExtractPDFText(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open PDF: %w", err)
	}
	defer func() { _ = f.Close() }()

	b, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("failed to extract plain text: %w", err)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(b); err != nil {
		return "", fmt.Errorf("failed to read text: %w", err)
	}
	return buf.String(), nil
}

// ExtractPDFArticles extracts a statute PDF and splits it into article chunks.
func ExtractPDFArticles(path string, code model.LawCode, effective time.Time) ([]model.LawChunk, error) {
	text, err := ExtractPDFText(path)
	if err != nil {
		return nil, err
	}
	return SplitArticles(text, code, effective), nil
}

// SplitArticles cuts statute text at "Article N (Title)" headings. Each
// article is tagged with every indexed category whose statutes include code
// and whose keywords occur in the article; articles matching no category are
// dropped because nothing could retrieve them.
func SplitArticles(text string, code model.LawCode, effective time.Time) []model.LawChunk {
	locs := articleHeading.FindAllStringSubmatchIndex(text, -1)
	seq := make(map[string]int)

	var chunks []model.LawChunk
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		body := cleanText(text[loc[1]:end])
		if body == "" {
			continue
		}

		article := "Art." + text[loc[2]:loc[3]]
		title := ""
		if loc[4] >= 0 {
			title = strings.TrimSpace(text[loc[4]:loc[5]])
		}

		cats := inferCategories(code, title+" "+body)
		if len(cats) == 0 {
			continue
		}

		seq[article]++
		chunks = append(chunks, model.LawChunk{
			EffectiveDate: effective,
			ID:            model.ChunkID(code, article, seq[article]),
			LawCode:       code,
			Article:       article,
			Title:         title,
			Text:          body,
			Summary:       firstSentence(body),
			Categories:    cats,
		})
	}
	return chunks
}

func inferCategories(code model.LawCode, text string) []model.Category {
	lower := strings.ToLower(text)
	var cats []model.Category
	for _, cat := range model.IndexedCategories() {
		info := cat.Info()
		if !containsCode(info.LawCodes, code) {
			continue
		}
		for _, kw := range info.Keywords {
			if containsWord(lower, kw) {
				cats = append(cats, cat)
				break
			}
		}
	}
	return cats
}

func containsCode(codes []model.LawCode, code model.LawCode) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

func containsWord(text, word string) bool {
	re, err := regexp.Compile(`\b` + regexp.QuoteMeta(strings.ToLower(word)) + `\b`)
	if err != nil {
		return false
	}
	return re.MatchString(text)
}

func cleanText(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		l = strings.TrimSpace(whitespaceRun.ReplaceAllString(l, " "))
		if l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

func firstSentence(s string) string {
	flat := strings.Join(strings.Fields(s), " ")
	if loc := sentenceEnd.FindStringIndex(flat); loc != nil {
		return strings.TrimSpace(flat[:loc[0]+1])
	}
	return flat
}
