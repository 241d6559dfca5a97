package retrieval

import (
	"context"
	"fmt"

	"dev.helix.rag/internal/vectordb/qdrant"
)

// QdrantStore adapts a Qdrant collection to the VectorStore interface.
// Chunk identity lives in the point payload under document_id and
// chunk_index.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
}

// NewQdrantStore creates a vector store over one Qdrant collection.
func NewQdrantStore(client *qdrant.Client, collection string) *QdrantStore {
	return &QdrantStore{
		client:     client,
		collection: collection,
	}
}

func (s *QdrantStore) Search(ctx context.Context, vector []float32, limit int, filters map[string]string) ([]VectorHit, error) {
	opts := &qdrant.SearchOptions{
		Limit:       limit,
		WithPayload: true,
		Filter:      buildFilter(filters),
	}

	points, err := s.client.Search(ctx, s.collection, vector, opts)
	if err != nil {
		return nil, fmt.Errorf("qdrant search failed: %w", err)
	}

	hits := make([]VectorHit, 0, len(points))
	for _, point := range points {
		key, ok := keyFromPayload(point.Payload)
		if !ok {
			continue
		}
		hits = append(hits, VectorHit{Key: key, Score: float64(point.Score)})
	}

	return hits, nil
}

func buildFilter(filters map[string]string) map[string]interface{} {
	if len(filters) == 0 {
		return nil
	}

	must := make([]map[string]interface{}, 0, len(filters))
	for key, value := range filters {
		must = append(must, map[string]interface{}{
			"key":   key,
			"match": map[string]interface{}{"value": value},
		})
	}

	return map[string]interface{}{"must": must}
}

func keyFromPayload(payload map[string]interface{}) (ChunkKey, bool) {
	docID, ok := payload["document_id"].(string)
	if !ok || docID == "" {
		return ChunkKey{}, false
	}

	// JSON numbers decode as float64.
	index, ok := payload["chunk_index"].(float64)
	if !ok {
		return ChunkKey{}, false
	}

	return ChunkKey{DocumentID: docID, ChunkIndex: int(index)}, true
}
