package retrieval

import (
	"context"
	"sort"
	"strings"
)

// TermOverlapReranker reorders candidates by blending the fused score
// with query-term overlap against hydrated content. Candidates without
// content keep a score proportional to their fused score, so the pass
// is order-preserving when nothing is hydrated.
type TermOverlapReranker struct{}

// NewTermOverlapReranker creates the heuristic reranker.
func NewTermOverlapReranker() *TermOverlapReranker {
	return &TermOverlapReranker{}
}

func (r *TermOverlapReranker) Rerank(ctx context.Context, query string, candidates []*Candidate, topK int) ([]*Candidate, error) {
	if len(candidates) == 0 {
		return candidates, nil
	}

	queryTerms := tokenizeToFrequencyMap(query)

	scores := make(map[*Candidate]float64, len(candidates))
	for _, cand := range candidates {
		overlap := computeOverlap(queryTerms, tokenizeToFrequencyMap(cand.Content))
		scores[cand] = cand.CombinedScore*0.7 + overlap*0.3
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return scores[candidates[i]] > scores[candidates[j]]
	})

	if len(candidates) > topK {
		candidates = candidates[:topK]
	}

	return candidates, nil
}

func tokenizeToFrequencyMap(text string) map[string]int {
	words := make(map[string]int)
	var word strings.Builder
	for _, r := range text {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			word.WriteRune(r)
		} else if word.Len() > 0 {
			words[strings.ToLower(word.String())]++
			word.Reset()
		}
	}
	if word.Len() > 0 {
		words[strings.ToLower(word.String())]++
	}
	return words
}

func computeOverlap(query, doc map[string]int) float64 {
	if len(query) == 0 || len(doc) == 0 {
		return 0
	}

	overlap := 0
	for word := range query {
		if _, exists := doc[word]; exists {
			overlap++
		}
	}

	return float64(overlap) / float64(len(query))
}
