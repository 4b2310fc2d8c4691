package model

import (
	"fmt"
	"sort"
)

// CategoryRanking is the classifier's raw score for one category.
type CategoryRanking struct {
	Category Category
	Score    float64
}

// CategoryRankings is a slice of CategoryRanking that supports sorting and utility methods.
type CategoryRankings []CategoryRanking

// Len implements sort.Interface.
func (r CategoryRankings) Len() int {
	return len(r)
}

// Less implements sort.Interface. Higher scores come first; ties go to the
// higher priority category so specific buckets beat catch-all ones.
func (r CategoryRankings) Less(i, j int) bool {
	if r[i].Score != r[j].Score {
		return r[i].Score > r[j].Score
	}
	pi, pj := r[i].Category.Info().Priority, r[j].Category.Info().Priority
	if pi != pj {
		return pi > pj
	}
	return r[i].Category < r[j].Category
}

// Swap implements sort.Interface.
func (r CategoryRankings) Swap(i, j int) {
	r[i], r[j] = r[j], r[i]
}

// Sort sorts the rankings by score in descending order.
func (r CategoryRankings) Sort() {
	sort.Sort(r)
}

// Top returns the highest-scoring category, or nil if empty.
func (r CategoryRankings) Top() *CategoryRanking {
	if len(r) == 0 {
		return nil
	}
	r.Sort()
	return &r[0]
}

// TopN returns the N highest-scoring categories.
func (r CategoryRankings) TopN(n int) CategoryRankings {
	if n <= 0 {
		return CategoryRankings{}
	}

	r.Sort()

	if n > len(r) {
		n = len(r)
	}

	result := make(CategoryRankings, n)
	copy(result, r[:n])
	return result
}

// Validate ensures all rankings in the slice are valid.
func (r CategoryRankings) Validate() error {
	seen := make(map[Category]bool)
	for i, ranking := range r {
		if !ranking.Category.IsValid() {
			return fmt.Errorf("ranking %d: category %q not in taxonomy", i, ranking.Category)
		}
		if ranking.Score < 0 {
			return fmt.Errorf("ranking %d: negative score %.2f", i, ranking.Score)
		}
		if seen[ranking.Category] {
			return fmt.Errorf("duplicate category %q in rankings", ranking.Category)
		}
		seen[ranking.Category] = true
	}
	return nil
}
