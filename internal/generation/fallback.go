package generation

import (
	"fmt"
	"strings"

	"github.com/Veraticus/taxflow/internal/model"
)

// Fixed questions used when the provider returns too few. They never cite law.
var (
	expenseQuestions = []model.GeneratedAnswer{
		templateQuestion("Q1", "What was the main purpose of this expense?", model.QuestionSingleChoice,
			"Business operations", "Development or research", "Marketing", "Personnel", "Other"),
		templateQuestion("Q2", "Is this a recurring expense?", model.QuestionSingleChoice,
			"Yes, monthly", "Yes, weekly", "No, one-off", "Irregular"),
		templateQuestion("Q3", "Is this related to other transactions?", model.QuestionSingleChoice,
			"Separate transaction", "Related (describe)", "Not sure"),
		templateQuestion("Q4", "Did you receive an invoice or receipt?", model.QuestionSingleChoice,
			"Yes, received", "No", "Will request"),
		templateQuestion("Q5", "Would you like to upload supporting documents?", model.QuestionFileUpload,
			"Upload file", "Later", "No evidence"),
	}

	incomeQuestions = []model.GeneratedAnswer{
		templateQuestion("Q1", "What is the source of this deposit?", model.QuestionSingleChoice,
			"Sales (service or product)", "Investment", "Loan", "Refund", "Other"),
		templateQuestion("Q2", "Does this need a tax invoice?", model.QuestionSingleChoice,
			"Already issued", "Will issue", "Not needed", "Needs checking"),
		templateQuestion("Q4", "Would you like to upload supporting documents?", model.QuestionFileUpload,
			"Upload file", "Later", "No evidence"),
	}

	categoryQuestions = map[model.Category]model.GeneratedAnswer{
		model.CategoryCloud: templateQuestion("Q_CLOUD", "What is this cloud spend mainly used for?", model.QuestionSingleChoice,
			"Development servers", "Production servers", "Data storage", "AI/ML services"),
		model.CategoryPayroll: templateQuestion("Q_SALARY", "Who was this salary paid to?", model.QuestionSingleChoice,
			"Full-time employee", "Contractor", "Freelancer", "Part-time"),
		model.CategoryMarketing: templateQuestion("Q_MARKETING", "What kind of marketing was this?", model.QuestionSingleChoice,
			"Online ads", "Offline ads", "Events or promotions", "Content production"),
		model.CategoryEntertainment: templateQuestion("Q_ENTERTAINMENT", "Who attended and what was the business purpose?", model.QuestionText),
	}
)

func templateQuestion(id, text string, qt model.QuestionType, options ...string) model.GeneratedAnswer {
	return model.GeneratedAnswer{
		ID:           id,
		Kind:         model.KindQuestion,
		Content:      text,
		QuestionType: qt,
		Options:      options,
		Source:       model.OutsideContext,
		Confidence:   model.TierHigh,
	}
}

// fallbackQuestions returns the fixed questions for txn in asking order.
func fallbackQuestions(txn model.Transaction, category model.Category) []model.GeneratedAnswer {
	base := expenseQuestions
	if txn.Direction == model.DirectionInflow {
		base = incomeQuestions
	}
	out := make([]model.GeneratedAnswer, 0, len(base)+1)
	for _, q := range base {
		q.Options = append([]string(nil), q.Options...)
		out = append(out, q)
	}
	if q, ok := categoryQuestions[category]; ok {
		q.Options = append([]string(nil), q.Options...)
		out = append(out, q)
	}
	if txn.IsRecurring {
		for i := range out {
			if out[i].ID == "Q2" && txn.Direction == model.DirectionOutflow {
				out[i].Options[0] = "Yes, monthly (matches earlier payments)"
			}
		}
	}
	return out
}

// pad tops questions up from the fixed set until there are at least
// MinQuestions, preferring evidence questions, and never repeats an id.
// In offline mode nothing was parsed and the whole fixed set is used.
func pad(questions []model.GeneratedAnswer, txn model.Transaction, category model.Category) []model.GeneratedAnswer {
	if len(questions) >= MinQuestions {
		return questions
	}
	offline := len(questions) == 0
	fixed := fallbackQuestions(txn, category)
	if !offline {
		fixed = evidenceFirst(fixed)
	}

	seen := make(map[string]bool, len(questions))
	for _, q := range questions {
		seen[q.ID] = true
	}
	for _, q := range fixed {
		if !offline && len(questions) >= MinQuestions {
			break
		}
		if seen[q.ID] {
			continue
		}
		seen[q.ID] = true
		questions = append(questions, q)
	}
	return questions
}

func evidenceFirst(qs []model.GeneratedAnswer) []model.GeneratedAnswer {
	out := make([]model.GeneratedAnswer, 0, len(qs))
	for _, q := range qs {
		if isEvidenceQuestion(q) {
			out = append(out, q)
		}
	}
	for _, q := range qs {
		if !isEvidenceQuestion(q) {
			out = append(out, q)
		}
	}
	return out
}

func isEvidenceQuestion(q model.GeneratedAnswer) bool {
	if q.QuestionType == model.QuestionFileUpload {
		return true
	}
	lower := strings.ToLower(q.Content)
	return strings.Contains(lower, "invoice") || strings.Contains(lower, "receipt")
}

// fallbackSummary builds the enrichment summary from answers alone.
func fallbackSummary(txn model.Transaction, category model.Category, answers map[string]string) enrichmentResponse {
	counterparty := txn.Counterparty
	if counterparty == "" {
		counterparty = "Unknown counterparty"
	}
	summary := fmt.Sprintf("%s %s", counterparty, formatAmount(txn.Magnitude()))
	if txn.Memo != "" {
		summary += ", " + txn.Memo
	}
	purpose := answers["Q1"]
	if purpose != "" {
		summary += ". Purpose: " + purpose
	}
	if IsRecurringAnswer(answers["Q2"]) {
		summary += " (recurring)"
	}

	resp := enrichmentResponse{
		Summary:               summary,
		AccountClassification: category.Label(),
		Source:                model.OutsideContext,
		Confidence:            string(model.TierMedium),
	}
	if purpose == "" {
		resp.TaxNotes = "Accountant review recommended"
	}
	return resp
}

// IsRecurringAnswer reports whether an answer to the recurrence question names a period.
func IsRecurringAnswer(answer string) bool {
	lower := strings.ToLower(answer)
	return strings.Contains(lower, "monthly") || strings.Contains(lower, "weekly")
}

func fallbackRelationship(group []model.Transaction) relationshipResponse {
	return relationshipResponse{
		Text: fmt.Sprintf("These %d transactions are a related series. Total: %s.",
			len(group), formatAmount(totalMagnitude(group))),
		Source:     model.OutsideContext,
		Confidence: string(model.TierMedium),
	}
}

func fallbackSummaryLines(txns []model.Transaction) summaryResponse {
	resp := summaryResponse{
		Overview: relationshipResponse{
			Text:       fmt.Sprintf("%d transactions totalling %s.", len(txns), formatAmount(totalMagnitude(txns))),
			Source:     model.OutsideContext,
			Confidence: string(model.TierMedium),
		},
	}
	for _, t := range txns {
		resp.Lines = append(resp.Lines, fallbackLine(t))
	}
	return resp
}

func fallbackLine(t model.Transaction) summaryLine {
	return summaryLine{
		TransactionID: t.ID,
		Text:          fmt.Sprintf("%s %s, recorded as %s.", t.Counterparty, formatAmount(t.Magnitude()), t.Category.Label()),
		Source:        model.OutsideContext,
		Confidence:    string(model.TierMedium),
	}
}
