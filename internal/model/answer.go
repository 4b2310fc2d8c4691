package model

import "strings"

// OutsideContext is the citation a generated answer uses when no chunk supports it.
const OutsideContext = "outside-context"

// UnsupportedPrefix marks a citation that did not resolve against the context.
const UnsupportedPrefix = "unsupported:"

// ConfidenceTier is the coarse confidence of a generated answer.
type ConfidenceTier string

// Confidence tiers.
const (
	TierHigh   ConfidenceTier = "high"
	TierMedium ConfidenceTier = "medium"
	TierLow    ConfidenceTier = "low"
)

// ParseTier maps provider output to a tier. Numeric scores are bucketed,
// anything unrecognized is low.
func ParseTier(s string) ConfidenceTier {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return TierHigh
	case "medium", "med":
		return TierMedium
	default:
		return TierLow
	}
}

// TierFromScore buckets a [0,1] score.
func TierFromScore(score float64) ConfidenceTier {
	switch {
	case score >= 0.8:
		return TierHigh
	case score >= 0.5:
		return TierMedium
	default:
		return TierLow
	}
}

// Verdict is the validator's decision on an answer.
type Verdict string

// Validator verdicts.
const (
	VerdictAccepted   Verdict = "accepted"
	VerdictDowngraded Verdict = "downgraded"
)

// AnswerKind is the request shape an answer came from.
type AnswerKind string

// Answer kinds.
const (
	KindQuestion     AnswerKind = "question"
	KindSummary      AnswerKind = "summary"
	KindRelationship AnswerKind = "relationship"
	KindEnrichment   AnswerKind = "enrichment"
)

// QuestionType is how a question is answered in the chat sink.
type QuestionType string

// Question types.
const (
	QuestionSingleChoice QuestionType = "single_choice"
	QuestionText         QuestionType = "text"
	QuestionFileUpload   QuestionType = "file_upload"
)

// GeneratedAnswer is one structured output unit. Once validated it is frozen.
type GeneratedAnswer struct {
	ID                 string         `json:"id"`
	Kind               AnswerKind     `json:"kind"`
	Content            string         `json:"text"`
	QuestionType       QuestionType   `json:"type,omitempty"`
	Source             string         `json:"source"`
	OriginalSource     string         `json:"originalSource,omitempty"`
	Confidence         ConfidenceTier `json:"confidence"`
	Verdict            Verdict        `json:"verdict,omitempty"`
	Options            []string       `json:"options,omitempty"`
	HallucinationFlags int            `json:"hallucinationFlags,omitempty"`
}

// IsFlagged reports whether the citation was rewritten by the validator.
func (a GeneratedAnswer) IsFlagged() bool {
	return strings.HasPrefix(a.Source, UnsupportedPrefix)
}
