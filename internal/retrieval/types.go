package retrieval

import (
	"context"
	"time"
)

// ChunkKey identifies a chunk by its document and position.
type ChunkKey struct {
	DocumentID string `json:"document_id"`
	ChunkIndex int    `json:"chunk_index"`
}

// ChunkMetadata carries the known chunk fields plus an open side-channel
// for anything callers attach at ingestion.
type ChunkMetadata struct {
	Filename    string                 `json:"filename,omitempty"`
	Extension   string                 `json:"extension,omitempty"`
	ProcessedAt time.Time              `json:"processed_at,omitempty"`
	StartChar   int                    `json:"start_char"`
	EndChar     int                    `json:"end_char"`
	CharCount   int                    `json:"char_count,omitempty"`
	WordCount   int                    `json:"word_count,omitempty"`
	Entities    []string               `json:"entities,omitempty"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// Candidate is one ranked retrieval result.
type Candidate struct {
	DocumentID    string        `json:"document_id"`
	ChunkIndex    int           `json:"chunk_index"`
	VectorScore   float64       `json:"vector_score"`
	KeywordScore  float64       `json:"keyword_score"`
	CombinedScore float64       `json:"combined_score"`
	Content       string        `json:"content,omitempty"`
	Metadata      ChunkMetadata `json:"metadata"`
}

// Key returns the candidate's chunk key.
func (c *Candidate) Key() ChunkKey {
	return ChunkKey{DocumentID: c.DocumentID, ChunkIndex: c.ChunkIndex}
}

// Options controls a single retrieval call. CacheKey, when set, is used
// as the result cache key instead of one derived from the query.
type Options struct {
	TopK           int
	Filters        map[string]string
	UseHybrid      bool
	IncludeContent bool
	CacheKey       string
}

// DefaultOptions returns a hybrid top-10 retrieval with content.
func DefaultOptions() *Options {
	return &Options{
		TopK:           10,
		UseHybrid:      true,
		IncludeContent: true,
	}
}

// Embedder turns query text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorHit is one dense search result.
type VectorHit struct {
	Key   ChunkKey
	Score float64
}

// VectorStore performs dense similarity search.
type VectorStore interface {
	Search(ctx context.Context, vector []float32, limit int, filters map[string]string) ([]VectorHit, error)
}

// KeywordHit is one sparse search result.
type KeywordHit struct {
	Key   ChunkKey
	Score float64
}

// KeywordStore performs sparse keyword search.
type KeywordStore interface {
	Search(ctx context.Context, query string, limit int) ([]KeywordHit, error)
}

// Reranker reorders candidates with a second scoring pass.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []*Candidate, topK int) ([]*Candidate, error)
}

// ChunkContent is the hydrated payload for one chunk.
type ChunkContent struct {
	Content  string
	Metadata ChunkMetadata
}

// ContentStore fetches chunk text and metadata for hydration.
type ContentStore interface {
	FetchChunks(ctx context.Context, keys []ChunkKey) (map[ChunkKey]ChunkContent, error)
}

// GraphExpander suggests additional chunks connected to already
// retrieved ones through shared entities.
type GraphExpander interface {
	RelatedChunkIDs(ctx context.Context, entities []string, exclude []string, limit int) ([]string, error)
}

// ResultCache short-circuits repeated retrievals.
type ResultCache interface {
	Key(query string, topK int, filters map[string]string) string
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}) error
}
