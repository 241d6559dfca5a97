package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"dev.helix.rag/internal/database"
)

// PostgresStore adapts the document repository to the keyword search
// and content hydration interfaces.
type PostgresStore struct {
	docs *database.DocumentRepository
}

// NewPostgresStore creates keyword and content stores over Postgres.
func NewPostgresStore(docs *database.DocumentRepository) *PostgresStore {
	return &PostgresStore{docs: docs}
}

func (s *PostgresStore) Search(ctx context.Context, query string, limit int) ([]KeywordHit, error) {
	ranked, err := s.docs.KeywordSearch(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("keyword search failed: %w", err)
	}

	hits := make([]KeywordHit, len(ranked))
	for i, r := range ranked {
		hits[i] = KeywordHit{
			Key:   ChunkKey{DocumentID: r.Chunk.DocumentID, ChunkIndex: r.Chunk.ChunkIndex},
			Score: r.Rank,
		}
	}

	return hits, nil
}

func (s *PostgresStore) FetchChunks(ctx context.Context, keys []ChunkKey) (map[ChunkKey]ChunkContent, error) {
	refs := make([]database.ChunkRef, len(keys))
	for i, key := range keys {
		refs[i] = database.ChunkRef{DocumentID: key.DocumentID, ChunkIndex: key.ChunkIndex}
	}

	chunks, err := s.docs.GetChunksByRefs(ctx, refs)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chunk content: %w", err)
	}

	contents := make(map[ChunkKey]ChunkContent, len(chunks))
	for _, chunk := range chunks {
		key := ChunkKey{DocumentID: chunk.DocumentID, ChunkIndex: chunk.ChunkIndex}
		contents[key] = ChunkContent{
			Content:  chunk.Content,
			Metadata: metadataFromMap(chunk.Metadata, chunk.StartChar, chunk.EndChar),
		}
	}

	return contents, nil
}

// metadataFromMap lifts the known fields out of a stored JSONB map and
// keeps the remainder in Extra.
func metadataFromMap(m map[string]interface{}, startChar, endChar int) ChunkMetadata {
	meta := ChunkMetadata{
		StartChar: startChar,
		EndChar:   endChar,
	}
	if len(m) == 0 {
		return meta
	}

	extra := make(map[string]interface{})
	for key, value := range m {
		switch key {
		case "filename":
			meta.Filename, _ = value.(string)
		case "extension":
			meta.Extension, _ = value.(string)
		case "processed_at":
			if s, ok := value.(string); ok {
				meta.ProcessedAt, _ = time.Parse(time.RFC3339, s)
			}
		case "char_count":
			if n, ok := value.(float64); ok {
				meta.CharCount = int(n)
			}
		case "word_count":
			if n, ok := value.(float64); ok {
				meta.WordCount = int(n)
			}
		case "entities":
			if raw, err := json.Marshal(value); err == nil {
				json.Unmarshal(raw, &meta.Entities)
			}
		default:
			extra[key] = value
		}
	}

	if len(extra) > 0 {
		meta.Extra = extra
	}

	return meta
}
