package generation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/model"
)

type questionItem struct {
	ID         string   `json:"id"`
	Text       string   `json:"text"`
	Type       string   `json:"type"`
	Source     string   `json:"source"`
	Confidence string   `json:"confidence"`
	Options    []string `json:"options"`
}

type questionsResponse struct {
	Coverage           string         `json:"coverage"`
	CategorySuggestion string         `json:"category_suggestion"`
	Questions          []questionItem `json:"questions"`
}

type summaryLine struct {
	TransactionID string `json:"transactionId"`
	Text          string `json:"text"`
	Source        string `json:"source"`
	Confidence    string `json:"confidence"`
}

type summaryResponse struct {
	Overview relationshipResponse `json:"overview"`
	Lines    []summaryLine        `json:"lines"`
}

type relationshipResponse struct {
	Text       string `json:"text"`
	Source     string `json:"source"`
	Confidence string `json:"confidence"`
}

type enrichmentResponse struct {
	Summary               string `json:"summary"`
	AccountClassification string `json:"accountClassification"`
	TaxNotes              string `json:"taxNotes"`
	Source                string `json:"source"`
	Confidence            string `json:"confidence"`
}

// decodeResponse extracts the outermost JSON object from raw and decodes it.
// Anything that is not a JSON object is malformed and worth retrying.
func decodeResponse(raw string, v any) error {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return &common.RetryableError{
			Err:       fmt.Errorf("%w: no JSON object in response", common.ErrProviderMalformed),
			Retryable: true,
		}
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), v); err != nil {
		return &common.RetryableError{
			Err:       fmt.Errorf("%w: %w", common.ErrProviderMalformed, err),
			Retryable: true,
		}
	}
	return nil
}

// parseQuestions keeps only complete questions. Items with a missing or
// repeated id get the first unused Q<n> at or after their position.
func parseQuestions(raw string) (questionsResponse, []model.GeneratedAnswer, error) {
	var resp questionsResponse
	if err := decodeResponse(raw, &resp); err != nil {
		return resp, nil, err
	}

	out := make([]model.GeneratedAnswer, 0, len(resp.Questions))
	seen := make(map[string]bool)
	for i, q := range resp.Questions {
		text := strings.TrimSpace(q.Text)
		if text == "" {
			continue
		}
		id := strings.TrimSpace(q.ID)
		for n := i + 1; id == "" || seen[id]; n++ {
			id = fmt.Sprintf("Q%d", n)
		}
		seen[id] = true

		out = append(out, model.GeneratedAnswer{
			ID:           id,
			Kind:         model.KindQuestion,
			Content:      text,
			QuestionType: questionType(q.Type, q.Options),
			Options:      q.Options,
			Source:       q.Source,
			Confidence:   model.ConfidenceTier(q.Confidence),
		})
	}
	return resp, out, nil
}

func questionType(s string, options []string) model.QuestionType {
	switch model.QuestionType(strings.ToLower(strings.TrimSpace(s))) {
	case model.QuestionSingleChoice:
		if len(options) == 0 {
			return model.QuestionText
		}
		return model.QuestionSingleChoice
	case model.QuestionFileUpload:
		return model.QuestionFileUpload
	case model.QuestionText:
		return model.QuestionText
	}
	if len(options) > 0 {
		return model.QuestionSingleChoice
	}
	return model.QuestionText
}
