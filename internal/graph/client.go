package graph

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/sirupsen/logrus"

	"dev.helix.rag/internal/config"
)

// ChunkID is the graph-side identifier for a document chunk.
func ChunkID(documentID string, index int) string {
	return fmt.Sprintf("%s_chunk_%d", documentID, index)
}

// ParseChunkID splits a graph chunk identifier back into its document
// ID and chunk index.
func ParseChunkID(id string) (string, int, bool) {
	at := strings.LastIndex(id, "_chunk_")
	if at < 0 {
		return "", 0, false
	}
	index, err := strconv.Atoi(id[at+len("_chunk_"):])
	if err != nil {
		return "", 0, false
	}
	return id[:at], index, true
}

// Client maintains the knowledge graph of documents, chunks and the
// entities mentioned in them.
type Client struct {
	driver neo4j.DriverWithContext
	log    *logrus.Logger
}

// NewClient creates a Neo4j graph client. Returns nil when the graph
// is disabled in config; callers treat a nil client as a no-op.
func NewClient(cfg *config.Neo4jConfig, logger *logrus.Logger) (*Client, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	if logger == nil {
		logger = logrus.New()
	}

	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	return &Client{driver: driver, log: logger}, nil
}

func (c *Client) Connect(ctx context.Context) error {
	if err := c.driver.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("failed to connect to neo4j: %w", err)
	}

	c.log.Info("Connected to Neo4j")
	return nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) run(ctx context.Context, query string, params map[string]any) error {
	_, err := neo4j.ExecuteQuery(ctx, c.driver, query, params, neo4j.EagerResultTransformer)
	return err
}

// MergeDocument upserts a document node
func (c *Client) MergeDocument(ctx context.Context, documentID, source string) error {
	query := `
		MERGE (d:Document {id: $id})
		SET d.source = $source
	`
	if err := c.run(ctx, query, map[string]any{"id": documentID, "source": source}); err != nil {
		return fmt.Errorf("failed to merge document node: %w", err)
	}
	return nil
}

// MergeChunk upserts a chunk node and links it to its document
func (c *Client) MergeChunk(ctx context.Context, chunkID, documentID string, index int) error {
	query := `
		MERGE (ch:Chunk {id: $chunk_id})
		SET ch.index = $index
		WITH ch
		MATCH (d:Document {id: $document_id})
		MERGE (d)-[:HAS_CHUNK]->(ch)
	`
	params := map[string]any{
		"chunk_id":    chunkID,
		"document_id": documentID,
		"index":       index,
	}
	if err := c.run(ctx, query, params); err != nil {
		return fmt.Errorf("failed to merge chunk node: %w", err)
	}
	return nil
}

// MergeEntity upserts an entity node
func (c *Client) MergeEntity(ctx context.Context, name, entityType string) error {
	query := `
		MERGE (e:Entity {name: $name})
		SET e.type = $type
	`
	if err := c.run(ctx, query, map[string]any{"name": name, "type": entityType}); err != nil {
		return fmt.Errorf("failed to merge entity node: %w", err)
	}
	return nil
}

// RelateChunkEntity records that a chunk mentions an entity
func (c *Client) RelateChunkEntity(ctx context.Context, chunkID, entityName string) error {
	query := `
		MATCH (ch:Chunk {id: $chunk_id})
		MATCH (e:Entity {name: $entity})
		MERGE (ch)-[:MENTIONS]->(e)
	`
	if err := c.run(ctx, query, map[string]any{"chunk_id": chunkID, "entity": entityName}); err != nil {
		return fmt.Errorf("failed to relate chunk to entity: %w", err)
	}
	return nil
}

// DeleteDocument removes a document, its chunks and any entities left
// without mentions.
func (c *Client) DeleteDocument(ctx context.Context, documentID string) error {
	query := `
		MATCH (d:Document {id: $id})
		OPTIONAL MATCH (d)-[:HAS_CHUNK]->(ch:Chunk)
		DETACH DELETE d, ch
	`
	if err := c.run(ctx, query, map[string]any{"id": documentID}); err != nil {
		return fmt.Errorf("failed to delete document graph: %w", err)
	}

	orphans := `
		MATCH (e:Entity)
		WHERE NOT (e)<-[:MENTIONS]-()
		DELETE e
	`
	if err := c.run(ctx, orphans, nil); err != nil {
		return fmt.Errorf("failed to clean orphaned entities: %w", err)
	}

	return nil
}

// RelatedChunkIDs returns chunks that mention any of the given entities,
// excluding the chunks already seen.
func (c *Client) RelatedChunkIDs(ctx context.Context, entities []string, exclude []string, limit int) ([]string, error) {
	if len(entities) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	if exclude == nil {
		exclude = []string{}
	}

	query := `
		MATCH (ch:Chunk)-[:MENTIONS]->(e:Entity)
		WHERE e.name IN $entities AND NOT ch.id IN $exclude
		RETURN DISTINCT ch.id AS id
		LIMIT $limit
	`
	params := map[string]any{
		"entities": entities,
		"exclude":  exclude,
		"limit":    limit,
	}

	result, err := neo4j.ExecuteQuery(ctx, c.driver, query, params, neo4j.EagerResultTransformer)
	if err != nil {
		return nil, fmt.Errorf("failed to query related chunks: %w", err)
	}

	ids := make([]string, 0, len(result.Records))
	for _, record := range result.Records {
		if id, ok := record.AsMap()["id"].(string); ok {
			ids = append(ids, id)
		}
	}

	return ids, nil
}
