package reflection

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"dev.helix.rag/internal/config"
	"dev.helix.rag/internal/retrieval"
)

// Retriever is the follow-up query surface the controller drives.
type Retriever interface {
	Retrieve(ctx context.Context, query string, opts *retrieval.Options) ([]*retrieval.Candidate, error)
}

// Result carries the outcome of one reflection pass.
type Result struct {
	Query           string                 `json:"query"`
	Reflected       bool                   `json:"reflected"`
	Sufficient      bool                   `json:"sufficient"`
	Relevance       float64                `json:"relevance"`
	Coverage        float64                `json:"coverage"`
	KnowledgeGaps   []string               `json:"knowledge_gaps,omitempty"`
	FollowUpQueries []string               `json:"follow_up_queries,omitempty"`
	Ranked          []*retrieval.Candidate `json:"ranked"`
}

// Engine evaluates whether a retrieval answered the query and fills
// detected gaps with follow-up retrievals.
type Engine struct {
	retriever Retriever
	cfg       *config.ReflectionConfig
	logger    *logrus.Logger
}

// NewEngine creates a reflection controller over a retriever.
func NewEngine(retriever Retriever, cfg *config.ReflectionConfig, logger *logrus.Logger) (*Engine, error) {
	if retriever == nil {
		return nil, fmt.Errorf("retriever is required")
	}
	if cfg == nil {
		defaults := config.Default().Retrieval.Reflection
		cfg = &defaults
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Engine{
		retriever: retriever,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// Reflect analyzes the initial results and, when they look insufficient,
// runs one round of follow-up queries and merges everything into a final
// ranking. MaxIterations is carried in config but a single pass is all
// the current design executes.
func (e *Engine) Reflect(ctx context.Context, query string, initial []*retrieval.Candidate) *Result {
	result := &Result{
		Query:  query,
		Ranked: initial,
	}

	if !e.cfg.Enabled || len(initial) == 0 {
		result.Sufficient = len(initial) > 0
		if len(initial) > 0 {
			result.Relevance = 0.7
			result.Coverage = 0.7
		}
		return result
	}

	relevance, coverage, gaps := e.analyze(query, initial)
	result.Relevance = relevance
	result.Coverage = coverage
	result.KnowledgeGaps = gaps

	if relevance >= e.cfg.RelevanceThreshold && coverage >= e.cfg.CoverageThreshold {
		result.Sufficient = true
		return result
	}

	result.Reflected = true

	followUps := e.generateFollowUpQueries(query, gaps)
	result.FollowUpQueries = followUps

	followUpResults := e.runFollowUps(ctx, followUps)

	result.Ranked = e.mergeAndRank(initial, followUpResults)
	result.Sufficient = true

	e.logger.WithFields(logrus.Fields{
		"query":      truncate(query, 50),
		"relevance":  relevance,
		"coverage":   coverage,
		"gaps":       len(gaps),
		"follow_ups": len(followUps),
		"ranked":     len(result.Ranked),
	}).Debug("Reflection pass completed")

	return result
}

func (e *Engine) analyze(query string, results []*retrieval.Candidate) (float64, float64, []string) {
	total := 0.0
	for _, r := range results {
		total += r.CombinedScore
	}
	avgScore := total / float64(len(results))

	countFactor := float64(len(results)) / 5
	if countFactor > 1 {
		countFactor = 1
	}
	relevance := avgScore*0.7 + countFactor*0.3

	queryTerms := termSet(extractKeyTerms(query))
	resultTerms := make(map[string]struct{})
	for _, r := range results {
		for _, term := range extractKeyTerms(r.Content) {
			resultTerms[term] = struct{}{}
		}
	}

	coverage := termOverlap(queryTerms, resultTerms)

	// Coverage is at least proportional to result count.
	minCoverage := float64(len(results)) / 10
	if minCoverage > 0.7 {
		minCoverage = 0.7
	}
	if coverage < minCoverage {
		coverage = minCoverage
	}

	var gaps []string
	if relevance < e.cfg.RelevanceThreshold || coverage < e.cfg.CoverageThreshold {
		gaps = extractQueryTopics(query)
	}

	return relevance, coverage, gaps
}

func (e *Engine) generateFollowUpQueries(query string, gaps []string) []string {
	queries := []string{}

	for _, gap := range gaps {
		if len(gap) <= 3 {
			continue
		}
		queries = append(queries, fmt.Sprintf("%s regarding %s", query, gap))
	}

	if len(queries) == 0 {
		queries = []string{
			fmt.Sprintf("more details about %s", query),
			fmt.Sprintf("additional information on %s", query),
			fmt.Sprintf("extended explanation of %s", query),
		}
	}

	seen := make(map[string]struct{}, len(queries))
	unique := make([]string, 0, len(queries))
	for _, q := range queries {
		if _, dup := seen[q]; dup {
			continue
		}
		seen[q] = struct{}{}
		unique = append(unique, q)
	}

	if len(unique) > e.cfg.MaxGapQueries {
		unique = unique[:e.cfg.MaxGapQueries]
	}

	return unique
}

// runFollowUps executes the follow-up queries concurrently. A failing
// query contributes an empty set rather than aborting the pass.
func (e *Engine) runFollowUps(ctx context.Context, queries []string) [][]*retrieval.Candidate {
	results := make([][]*retrieval.Candidate, len(queries))

	var wg sync.WaitGroup
	for i, q := range queries {
		wg.Add(1)
		go func(i int, q string) {
			defer wg.Done()

			opts := &retrieval.Options{
				TopK:           e.cfg.FollowUpTopK,
				UseHybrid:      true,
				IncludeContent: true,
			}
			candidates, err := e.retriever.Retrieve(ctx, q, opts)
			if err != nil {
				e.logger.WithError(err).WithField("query", truncate(q, 50)).
					Warn("Follow-up retrieval failed")
				return
			}
			results[i] = candidates
		}(i, q)
	}
	wg.Wait()

	return results
}

type mergedEntry struct {
	cand            retrieval.Candidate
	initial         bool
	reflectionScore float64
	queryCount      int
}

func (e *Engine) mergeAndRank(initial []*retrieval.Candidate, followUpResults [][]*retrieval.Candidate) []*retrieval.Candidate {
	entries := make(map[retrieval.ChunkKey]*mergedEntry)
	order := []retrieval.ChunkKey{}

	for _, cand := range initial {
		key := cand.Key()
		if _, exists := entries[key]; exists {
			continue
		}
		entries[key] = &mergedEntry{
			cand:       *cand,
			initial:    true,
			queryCount: 1, // the original query
		}
		order = append(order, key)
	}

	for _, set := range followUpResults {
		for _, cand := range set {
			key := cand.Key()
			if entry, exists := entries[key]; exists {
				if cand.CombinedScore > entry.reflectionScore {
					entry.reflectionScore = cand.CombinedScore
				}
				entry.queryCount++
				continue
			}
			entries[key] = &mergedEntry{
				cand:            *cand,
				reflectionScore: cand.CombinedScore,
				queryCount:      1,
			}
			order = append(order, key)
		}
	}

	merged := make([]*retrieval.Candidate, 0, len(order))
	for _, key := range order {
		entry := entries[key]

		base := entry.cand.CombinedScore
		if !entry.initial {
			base = entry.reflectionScore
		}

		queryBonus := float64(entry.queryCount) * 0.05
		if queryBonus > 0.15 {
			queryBonus = 0.15
		}

		initialBonus := 0.0
		if entry.initial {
			initialBonus = 0.1
		}

		cand := entry.cand
		cand.CombinedScore = base + queryBonus + initialBonus
		merged = append(merged, &cand)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CombinedScore > merged[j].CombinedScore
	})

	return merged
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
