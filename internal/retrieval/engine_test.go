package retrieval

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockEmbedder struct {
	vector []float32
	err    error
	calls  int
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.vector, nil
}

type mockVectorStore struct {
	hits     []VectorHit
	err      error
	gotLimit int
}

func (m *mockVectorStore) Search(ctx context.Context, vector []float32, limit int, filters map[string]string) ([]VectorHit, error) {
	m.gotLimit = limit
	if m.err != nil {
		return nil, m.err
	}
	return m.hits, nil
}

type mockKeywordStore struct {
	hits []KeywordHit
	err  error
}

func (m *mockKeywordStore) Search(ctx context.Context, query string, limit int) ([]KeywordHit, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.hits, nil
}

type mockReranker struct {
	err     error
	reverse bool
}

func (m *mockReranker) Rerank(ctx context.Context, query string, candidates []*Candidate, topK int) ([]*Candidate, error) {
	if m.err != nil {
		return nil, m.err
	}
	if !m.reverse {
		return candidates, nil
	}
	reversed := make([]*Candidate, len(candidates))
	for i, cand := range candidates {
		reversed[len(candidates)-1-i] = cand
	}
	return reversed, nil
}

type mockContentStore struct {
	contents map[ChunkKey]ChunkContent
	err      error
}

func (m *mockContentStore) FetchChunks(ctx context.Context, keys []ChunkKey) (map[ChunkKey]ChunkContent, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.contents, nil
}

type mockCache struct {
	store map[string][]*Candidate
	sets  int
}

func (m *mockCache) Key(query string, topK int, filters map[string]string) string {
	return fmt.Sprintf("%s|%d", query, topK)
}

func (m *mockCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	cached, ok := m.store[key]
	if !ok {
		return false, nil
	}
	*dest.(*[]*Candidate) = cached
	return true, nil
}

func (m *mockCache) Set(ctx context.Context, key string, value interface{}) error {
	m.sets++
	m.store[key] = value.([]*Candidate)
	return nil
}

func newTestEngine(t *testing.T, vectors *mockVectorStore, keywords KeywordStore, reranker Reranker, content ContentStore, cache ResultCache) (*Engine, *mockEmbedder) {
	t.Helper()
	embedder := &mockEmbedder{vector: []float32{0.1, 0.2}}
	engine, err := NewEngine(embedder, vectors, keywords, reranker, content, nil, cache, nil)
	require.NoError(t, err)
	return engine, embedder
}

func TestNewEngineRequiresCore(t *testing.T) {
	_, err := NewEngine(nil, &mockVectorStore{}, nil, nil, nil, nil, nil, nil)
	require.Error(t, err)

	_, err = NewEngine(&mockEmbedder{}, nil, nil, nil, nil, nil, nil, nil)
	require.Error(t, err)
}

func TestRetrieveVectorOnly(t *testing.T) {
	vectors := &mockVectorStore{hits: []VectorHit{
		{Key: ChunkKey{DocumentID: "d1", ChunkIndex: 0}, Score: 0.9},
		{Key: ChunkKey{DocumentID: "d1", ChunkIndex: 1}, Score: 0.4},
	}}
	engine, _ := newTestEngine(t, vectors, nil, nil, nil, nil)

	results, err := engine.Retrieve(context.Background(), "query", &Options{TopK: 10, UseHybrid: false})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, 0.9, results[0].CombinedScore)
	assert.Equal(t, results[0].VectorScore, results[0].CombinedScore)
	assert.Equal(t, 0.4, results[1].CombinedScore)
	assert.Equal(t, results[1].VectorScore, results[1].CombinedScore)
}

func TestRetrieveHybridMerge(t *testing.T) {
	vectors := &mockVectorStore{hits: []VectorHit{
		{Key: ChunkKey{DocumentID: "d1", ChunkIndex: 0}, Score: 0.9},
		{Key: ChunkKey{DocumentID: "d1", ChunkIndex: 1}, Score: 0.5},
	}}
	keywords := &mockKeywordStore{hits: []KeywordHit{
		{Key: ChunkKey{DocumentID: "d1", ChunkIndex: 1}, Score: 0.8},
		{Key: ChunkKey{DocumentID: "d2", ChunkIndex: 0}, Score: 0.6},
	}}
	engine, _ := newTestEngine(t, vectors, keywords, nil, nil, nil)

	results, err := engine.Retrieve(context.Background(), "query", &Options{TopK: 10, UseHybrid: true})
	require.NoError(t, err)
	require.Len(t, results, 3)

	// Vector only: score unchanged.
	assert.Equal(t, "d1", results[0].DocumentID)
	assert.Equal(t, 0, results[0].ChunkIndex)
	assert.InDelta(t, 0.9, results[0].CombinedScore, 1e-9)

	// Both signals: 0.7*0.5 + 0.3*0.8.
	assert.Equal(t, 1, results[1].ChunkIndex)
	assert.InDelta(t, 0.59, results[1].CombinedScore, 1e-9)

	// Keyword only: 0.3*0.6.
	assert.Equal(t, "d2", results[2].DocumentID)
	assert.InDelta(t, 0.18, results[2].CombinedScore, 1e-9)
}

func TestRetrieveStableTieBreakFollowsVectorRank(t *testing.T) {
	vectors := &mockVectorStore{hits: []VectorHit{
		{Key: ChunkKey{DocumentID: "d1", ChunkIndex: 0}, Score: 0.7},
		{Key: ChunkKey{DocumentID: "d2", ChunkIndex: 0}, Score: 0.7},
		{Key: ChunkKey{DocumentID: "d3", ChunkIndex: 0}, Score: 0.7},
	}}
	engine, _ := newTestEngine(t, vectors, nil, nil, nil, nil)

	results, err := engine.Retrieve(context.Background(), "query", &Options{TopK: 10})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "d1", results[0].DocumentID)
	assert.Equal(t, "d2", results[1].DocumentID)
	assert.Equal(t, "d3", results[2].DocumentID)
}

func TestRetrieveEmbeddingFailureAborts(t *testing.T) {
	vectors := &mockVectorStore{}
	engine, embedder := newTestEngine(t, vectors, nil, nil, nil, nil)
	embedder.err = errors.New("provider down")

	_, err := engine.Retrieve(context.Background(), "query", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to embed query")
}

func TestRetrieveKeywordFailureDegrades(t *testing.T) {
	vectors := &mockVectorStore{hits: []VectorHit{
		{Key: ChunkKey{DocumentID: "d1", ChunkIndex: 0}, Score: 0.9},
	}}
	keywords := &mockKeywordStore{err: errors.New("fts down")}
	engine, _ := newTestEngine(t, vectors, keywords, nil, nil, nil)

	results, err := engine.Retrieve(context.Background(), "query", &Options{TopK: 10, UseHybrid: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 0.9, results[0].CombinedScore)
}

func TestRetrieveRerankFailureKeepsFusedOrder(t *testing.T) {
	vectors := &mockVectorStore{hits: []VectorHit{
		{Key: ChunkKey{DocumentID: "d1", ChunkIndex: 0}, Score: 0.9},
		{Key: ChunkKey{DocumentID: "d2", ChunkIndex: 0}, Score: 0.4},
	}}
	engine, _ := newTestEngine(t, vectors, nil, &mockReranker{err: errors.New("model down")}, nil, nil)

	results, err := engine.Retrieve(context.Background(), "query", &Options{TopK: 10})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "d1", results[0].DocumentID)
}

func TestRetrieveRerankerApplied(t *testing.T) {
	vectors := &mockVectorStore{hits: []VectorHit{
		{Key: ChunkKey{DocumentID: "d1", ChunkIndex: 0}, Score: 0.9},
		{Key: ChunkKey{DocumentID: "d2", ChunkIndex: 0}, Score: 0.4},
	}}
	engine, _ := newTestEngine(t, vectors, nil, &mockReranker{reverse: true}, nil, nil)

	results, err := engine.Retrieve(context.Background(), "query", &Options{TopK: 10})
	require.NoError(t, err)
	assert.Equal(t, "d2", results[0].DocumentID)
}

func TestRetrieveHydration(t *testing.T) {
	key := ChunkKey{DocumentID: "d1", ChunkIndex: 0}
	vectors := &mockVectorStore{hits: []VectorHit{{Key: key, Score: 0.9}}}
	content := &mockContentStore{contents: map[ChunkKey]ChunkContent{
		key: {Content: "raft elects a leader", Metadata: ChunkMetadata{Filename: "raft.md", StartChar: 0, EndChar: 20}},
	}}
	engine, _ := newTestEngine(t, vectors, nil, nil, content, nil)

	results, err := engine.Retrieve(context.Background(), "query", &Options{TopK: 10, IncludeContent: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "raft elects a leader", results[0].Content)
	assert.Equal(t, "raft.md", results[0].Metadata.Filename)
}

func TestRetrieveHydrationFailureDegrades(t *testing.T) {
	vectors := &mockVectorStore{hits: []VectorHit{
		{Key: ChunkKey{DocumentID: "d1", ChunkIndex: 0}, Score: 0.9},
	}}
	content := &mockContentStore{err: errors.New("db down")}
	engine, _ := newTestEngine(t, vectors, nil, nil, content, nil)

	results, err := engine.Retrieve(context.Background(), "query", &Options{TopK: 10, IncludeContent: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Empty(t, results[0].Content)
	assert.Equal(t, 0.9, results[0].CombinedScore)
}

type mockGraphExpander struct {
	ids         []string
	err         error
	calls       int
	gotEntities []string
	gotExclude  []string
}

func (m *mockGraphExpander) RelatedChunkIDs(ctx context.Context, entities []string, exclude []string, limit int) ([]string, error) {
	m.calls++
	m.gotEntities = entities
	m.gotExclude = exclude
	if m.err != nil {
		return nil, m.err
	}
	if len(m.ids) > limit {
		return m.ids[:limit], nil
	}
	return m.ids, nil
}

func newGraphTestEngine(t *testing.T, vectors *mockVectorStore, content ContentStore, expander GraphExpander) *Engine {
	t.Helper()
	engine, err := NewEngine(&mockEmbedder{vector: []float32{0.1, 0.2}}, vectors, nil, nil, content, expander, nil, nil)
	require.NoError(t, err)
	return engine
}

func TestRetrieveGraphExpansionFillsShortResults(t *testing.T) {
	key := ChunkKey{DocumentID: "d1", ChunkIndex: 0}
	related := ChunkKey{DocumentID: "d2", ChunkIndex: 3}
	vectors := &mockVectorStore{hits: []VectorHit{{Key: key, Score: 0.9}}}
	content := &mockContentStore{contents: map[ChunkKey]ChunkContent{
		key:     {Content: "postgres tuning", Metadata: ChunkMetadata{Entities: []string{"Postgres"}}},
		related: {Content: "postgres vacuum", Metadata: ChunkMetadata{Entities: []string{"Postgres"}}},
	}}
	expander := &mockGraphExpander{ids: []string{"d2_chunk_3"}}
	engine := newGraphTestEngine(t, vectors, content, expander)

	results, err := engine.Retrieve(context.Background(), "query", &Options{TopK: 5, IncludeContent: true})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "d2", results[1].DocumentID)
	assert.Equal(t, 3, results[1].ChunkIndex)
	assert.Equal(t, "postgres vacuum", results[1].Content)
	assert.Equal(t, []string{"Postgres"}, expander.gotEntities)
	assert.Equal(t, []string{"d1_chunk_0"}, expander.gotExclude)
}

func TestRetrieveGraphExpansionSkippedWhenFull(t *testing.T) {
	k1 := ChunkKey{DocumentID: "d1", ChunkIndex: 0}
	k2 := ChunkKey{DocumentID: "d2", ChunkIndex: 0}
	vectors := &mockVectorStore{hits: []VectorHit{{Key: k1, Score: 0.9}, {Key: k2, Score: 0.8}}}
	content := &mockContentStore{contents: map[ChunkKey]ChunkContent{
		k1: {Content: "a", Metadata: ChunkMetadata{Entities: []string{"Raft"}}},
		k2: {Content: "b", Metadata: ChunkMetadata{Entities: []string{"Raft"}}},
	}}
	expander := &mockGraphExpander{ids: []string{"d3_chunk_0"}}
	engine := newGraphTestEngine(t, vectors, content, expander)

	results, err := engine.Retrieve(context.Background(), "query", &Options{TopK: 2, IncludeContent: true})
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, 0, expander.calls)
}

func TestRetrieveGraphExpansionFailureDegrades(t *testing.T) {
	key := ChunkKey{DocumentID: "d1", ChunkIndex: 0}
	vectors := &mockVectorStore{hits: []VectorHit{{Key: key, Score: 0.9}}}
	content := &mockContentStore{contents: map[ChunkKey]ChunkContent{
		key: {Content: "a", Metadata: ChunkMetadata{Entities: []string{"Raft"}}},
	}}
	expander := &mockGraphExpander{err: errors.New("neo4j down")}
	engine := newGraphTestEngine(t, vectors, content, expander)

	results, err := engine.Retrieve(context.Background(), "query", &Options{TopK: 5, IncludeContent: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "d1", results[0].DocumentID)
}

func TestRetrieveCacheShortCircuits(t *testing.T) {
	cache := &mockCache{store: map[string][]*Candidate{}}
	cache.store["query|5"] = []*Candidate{{DocumentID: "cached", CombinedScore: 1}}

	vectors := &mockVectorStore{}
	engine, embedder := newTestEngine(t, vectors, nil, nil, nil, cache)

	results, err := engine.Retrieve(context.Background(), "query", &Options{TopK: 5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "cached", results[0].DocumentID)
	assert.Equal(t, 0, embedder.calls)
}

func TestRetrieveCachePopulatedOnMiss(t *testing.T) {
	cache := &mockCache{store: map[string][]*Candidate{}}
	vectors := &mockVectorStore{hits: []VectorHit{
		{Key: ChunkKey{DocumentID: "d1", ChunkIndex: 0}, Score: 0.9},
	}}
	engine, _ := newTestEngine(t, vectors, nil, nil, nil, cache)

	_, err := engine.Retrieve(context.Background(), "query", &Options{TopK: 5})
	require.NoError(t, err)
	assert.Equal(t, 1, cache.sets)
	assert.Len(t, cache.store["query|5"], 1)
}

func TestRetrieveCallerCacheKey(t *testing.T) {
	cache := &mockCache{store: map[string][]*Candidate{}}
	vectors := &mockVectorStore{hits: []VectorHit{
		{Key: ChunkKey{DocumentID: "d1", ChunkIndex: 0}, Score: 0.9},
	}}
	engine, embedder := newTestEngine(t, vectors, nil, nil, nil, cache)

	_, err := engine.Retrieve(context.Background(), "query", &Options{TopK: 5, CacheKey: "session:42"})
	require.NoError(t, err)
	require.Len(t, cache.store["session:42"], 1)
	assert.Empty(t, cache.store["query|5"])

	// A later call with a different query but the same key hits the cache.
	results, err := engine.Retrieve(context.Background(), "another query", &Options{TopK: 5, CacheKey: "session:42"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "d1", results[0].DocumentID)
	assert.Equal(t, 1, embedder.calls)
}

func TestRetrieveTruncatesToTopK(t *testing.T) {
	vectors := &mockVectorStore{hits: []VectorHit{
		{Key: ChunkKey{DocumentID: "d1", ChunkIndex: 0}, Score: 0.9},
		{Key: ChunkKey{DocumentID: "d2", ChunkIndex: 0}, Score: 0.8},
		{Key: ChunkKey{DocumentID: "d3", ChunkIndex: 0}, Score: 0.7},
	}}
	engine, _ := newTestEngine(t, vectors, nil, nil, nil, nil)

	results, err := engine.Retrieve(context.Background(), "query", &Options{TopK: 2})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}
