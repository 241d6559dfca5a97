package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"dev.helix.rag/internal/graph"
)

const (
	vectorWeight  = 0.7
	keywordWeight = 0.3
)

// Engine ranks chunks for a query by combining dense vector similarity
// with sparse keyword matching.
type Engine struct {
	embedder Embedder
	vectors  VectorStore
	keywords KeywordStore
	reranker Reranker
	content  ContentStore
	expander GraphExpander
	cache    ResultCache
	logger   *logrus.Logger
}

// NewEngine creates a retrieval engine. Embedder and vector store are
// required; the remaining collaborators may be nil and simply disable
// their stage.
func NewEngine(
	embedder Embedder,
	vectors VectorStore,
	keywords KeywordStore,
	reranker Reranker,
	content ContentStore,
	expander GraphExpander,
	cache ResultCache,
	logger *logrus.Logger,
) (*Engine, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if vectors == nil {
		return nil, fmt.Errorf("vector store is required")
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Engine{
		embedder: embedder,
		vectors:  vectors,
		keywords: keywords,
		reranker: reranker,
		content:  content,
		expander: expander,
		cache:    cache,
		logger:   logger,
	}, nil
}

// Retrieve returns up to opts.TopK candidates ranked by combined score.
func (e *Engine) Retrieve(ctx context.Context, query string, opts *Options) ([]*Candidate, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.TopK <= 0 {
		opts.TopK = 10
	}

	var cacheKey string
	if e.cache != nil {
		cacheKey = opts.CacheKey
		if cacheKey == "" {
			cacheKey = e.cache.Key(query, opts.TopK, opts.Filters)
		}
		var cached []*Candidate
		found, err := e.cache.Get(ctx, cacheKey, &cached)
		if err != nil {
			e.logger.WithError(err).Warn("Result cache read failed")
		} else if found {
			e.logger.WithField("query", truncate(query, 50)).Debug("Retrieval cache hit")
			return cached, nil
		}
	}

	vector, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	hits, err := e.vectors.Search(ctx, vector, opts.TopK, opts.Filters)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	// Vector results in rank order; keyword-only entries appended after.
	candidates := make([]*Candidate, 0, len(hits))
	byKey := make(map[ChunkKey]*Candidate, len(hits))
	for _, hit := range hits {
		cand := &Candidate{
			DocumentID:    hit.Key.DocumentID,
			ChunkIndex:    hit.Key.ChunkIndex,
			VectorScore:   hit.Score,
			CombinedScore: hit.Score,
		}
		candidates = append(candidates, cand)
		byKey[hit.Key] = cand
	}

	keywordCount := 0
	if opts.UseHybrid && e.keywords != nil {
		kwHits, err := e.keywords.Search(ctx, query, opts.TopK)
		if err != nil {
			e.logger.WithError(err).Warn("Keyword search failed, using vector results only")
		} else {
			keywordCount = len(kwHits)
			for _, hit := range kwHits {
				if cand, ok := byKey[hit.Key]; ok {
					cand.KeywordScore = hit.Score
					cand.CombinedScore = vectorWeight*cand.VectorScore + keywordWeight*hit.Score
					continue
				}
				cand := &Candidate{
					DocumentID:    hit.Key.DocumentID,
					ChunkIndex:    hit.Key.ChunkIndex,
					KeywordScore:  hit.Score,
					CombinedScore: keywordWeight * hit.Score,
				}
				candidates = append(candidates, cand)
				byKey[hit.Key] = cand
			}
		}
	}

	// Stable sort keeps vector rank as the tie-break.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].CombinedScore > candidates[j].CombinedScore
	})

	if e.reranker != nil {
		reranked, err := e.reranker.Rerank(ctx, query, candidates, opts.TopK)
		if err != nil {
			e.logger.WithError(err).Warn("Reranking failed, keeping fused order")
		} else {
			candidates = reranked
		}
	}

	if len(candidates) > opts.TopK {
		candidates = candidates[:opts.TopK]
	}

	if opts.IncludeContent && e.content != nil {
		e.hydrate(ctx, candidates)
	}

	if e.expander != nil && opts.IncludeContent && len(candidates) > 0 && len(candidates) < opts.TopK {
		candidates = e.expandFromGraph(ctx, candidates, opts.TopK)
	}

	if e.cache != nil {
		if err := e.cache.Set(ctx, cacheKey, candidates); err != nil {
			e.logger.WithError(err).Warn("Result cache write failed")
		}
	}

	e.logger.WithFields(logrus.Fields{
		"query":         truncate(query, 50),
		"vector_count":  len(hits),
		"keyword_count": keywordCount,
		"returned":      len(candidates),
		"hybrid":        opts.UseHybrid,
	}).Debug("Retrieval completed")

	return candidates, nil
}

// expandFromGraph fills remaining result slots with chunks that mention
// the same entities as the retrieved ones.
func (e *Engine) expandFromGraph(ctx context.Context, candidates []*Candidate, topK int) []*Candidate {
	var entities []string
	seen := map[string]struct{}{}
	exclude := make([]string, len(candidates))
	for i, cand := range candidates {
		exclude[i] = graph.ChunkID(cand.DocumentID, cand.ChunkIndex)
		for _, name := range cand.Metadata.Entities {
			key := strings.ToLower(name)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			entities = append(entities, name)
		}
	}
	if len(entities) == 0 {
		return candidates
	}

	ids, err := e.expander.RelatedChunkIDs(ctx, entities, exclude, topK-len(candidates))
	if err != nil {
		e.logger.WithError(err).Warn("Graph expansion failed")
		return candidates
	}

	extra := make([]*Candidate, 0, len(ids))
	for _, id := range ids {
		documentID, index, ok := graph.ParseChunkID(id)
		if !ok {
			continue
		}
		extra = append(extra, &Candidate{DocumentID: documentID, ChunkIndex: index})
	}
	if len(extra) == 0 {
		return candidates
	}

	if e.content != nil {
		e.hydrate(ctx, extra)
	}

	e.logger.WithField("added", len(extra)).Debug("Results expanded from graph")
	return append(candidates, extra...)
}

func (e *Engine) hydrate(ctx context.Context, candidates []*Candidate) {
	if len(candidates) == 0 {
		return
	}

	keys := make([]ChunkKey, len(candidates))
	for i, cand := range candidates {
		keys[i] = cand.Key()
	}

	contents, err := e.content.FetchChunks(ctx, keys)
	if err != nil {
		e.logger.WithError(err).Warn("Content hydration failed, returning scores only")
		return
	}

	for _, cand := range candidates {
		if hydrated, ok := contents[cand.Key()]; ok {
			cand.Content = hydrated.Content
			cand.Metadata = hydrated.Metadata
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
