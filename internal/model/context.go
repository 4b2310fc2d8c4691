package model

import "time"

// Coverage describes how well retrieved law supports a classification.
type Coverage string

// Coverage verdicts.
const (
	CoverageComplete     Coverage = "complete"
	CoveragePartial      Coverage = "partial"
	CoverageInsufficient Coverage = "insufficient"
)

// CoverageSignals keeps the two causes of a degraded verdict apart.
type CoverageSignals struct {
	// ClassificationWeak is set when confidence is below the threshold or the category is unknown.
	ClassificationWeak bool `json:"classificationWeak"`
	// LawUndersupplied is set when fewer chunks than required were retrieved.
	LawUndersupplied bool `json:"lawUndersupplied"`
}

// AssembledContext is the bounded, citation-traceable input to one generation call.
// It is persisted only with the question set it produced and in the generation log.
type AssembledContext struct {
	AsOf         time.Time       `json:"asOf"`
	Category     Category        `json:"category"`
	Coverage     Coverage        `json:"coverage"`
	IndexVersion string          `json:"indexVersion"`
	Chunks       []LawChunk      `json:"chunks"`
	Evidence     []string        `json:"evidence"`
	Signals      CoverageSignals `json:"signals"`
	Confidence   float64         `json:"confidence"`
	TopK         int             `json:"topK"`
}

// ChunkIDs returns the ids of the chunks in order.
func (a AssembledContext) ChunkIDs() []string {
	ids := make([]string, len(a.Chunks))
	for i, c := range a.Chunks {
		ids[i] = c.ID
	}
	return ids
}

// HasChunk reports whether id is one of the context's chunks.
func (a AssembledContext) HasChunk(id string) bool {
	for _, c := range a.Chunks {
		if c.ID == id {
			return true
		}
	}
	return false
}

// NeedsReview reports whether the verdict alone requires a human.
func (a AssembledContext) NeedsReview() bool {
	return a.Coverage != CoverageComplete
}

// Merge combines contexts for a batch request. Chunks and evidence are
// deduplicated in first-seen order; the weakest coverage wins.
func Merge(contexts ...AssembledContext) AssembledContext {
	var out AssembledContext
	if len(contexts) == 0 {
		out.Coverage = CoverageInsufficient
		return out
	}
	out = AssembledContext{
		AsOf:         contexts[0].AsOf,
		Category:     contexts[0].Category,
		Coverage:     CoverageComplete,
		IndexVersion: contexts[0].IndexVersion,
		Confidence:   contexts[0].Confidence,
	}
	seenChunk := make(map[string]bool)
	seenEvidence := make(map[string]bool)
	for _, c := range contexts {
		if c.AsOf.After(out.AsOf) {
			out.AsOf = c.AsOf
		}
		if c.Confidence < out.Confidence {
			out.Confidence = c.Confidence
		}
		out.Coverage = weaker(out.Coverage, c.Coverage)
		out.Signals.ClassificationWeak = out.Signals.ClassificationWeak || c.Signals.ClassificationWeak
		out.Signals.LawUndersupplied = out.Signals.LawUndersupplied || c.Signals.LawUndersupplied
		out.TopK += c.TopK
		for _, ch := range c.Chunks {
			if !seenChunk[ch.ID] {
				seenChunk[ch.ID] = true
				out.Chunks = append(out.Chunks, ch)
			}
		}
		for _, e := range c.Evidence {
			if !seenEvidence[e] {
				seenEvidence[e] = true
				out.Evidence = append(out.Evidence, e)
			}
		}
	}
	return out
}

func weaker(a, b Coverage) Coverage {
	rank := map[Coverage]int{CoverageComplete: 2, CoveragePartial: 1, CoverageInsufficient: 0}
	if rank[b] < rank[a] {
		return b
	}
	return a
}
