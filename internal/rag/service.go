// Package rag is the composition root: it wires configuration, storage
// collaborators and the retrieval subsystems into one engine.
package rag

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"dev.helix.rag/internal/cache"
	"dev.helix.rag/internal/config"
	"dev.helix.rag/internal/database"
	"dev.helix.rag/internal/embedding"
	"dev.helix.rag/internal/graph"
	"dev.helix.rag/internal/ingest"
	"dev.helix.rag/internal/memory"
	"dev.helix.rag/internal/reflection"
	"dev.helix.rag/internal/retrieval"
	"dev.helix.rag/internal/vectordb/qdrant"
)

// Engine owns the storage collaborators and exposes the ingestion,
// retrieval, reflection and memory subsystems built on them.
type Engine struct {
	cfg    *config.Config
	logger *logrus.Logger

	db        *database.PostgresDB
	redis     *cache.RedisClient
	vector    *qdrant.Client
	graph     *graph.Client
	documents *database.DocumentRepository

	embedder  embedding.Embedder
	processor *ingest.Processor
	retriever *retrieval.Engine
	reflector *reflection.Engine
	memories  *memory.Manager
}

// NewEngine builds the full engine from configuration. The entity
// extractor is optional; pass nil to ingest without entity tracking.
func NewEngine(cfg *config.Config, extractor ingest.EntityExtractor, logger *logrus.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = logrus.New()
	}

	db, err := database.NewPostgresDB(&cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	redisClient := cache.NewRedisClient(&cfg.Redis)

	vectorClient, err := qdrant.NewClient(&qdrant.Config{
		Host:    cfg.Qdrant.Host,
		Port:    cfg.Qdrant.Port,
		APIKey:  cfg.Qdrant.APIKey,
		UseTLS:  cfg.Qdrant.UseTLS,
		Timeout: cfg.Qdrant.Timeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	graphClient, err := graph.NewClient(&cfg.Neo4j, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create graph client: %w", err)
	}

	baseEmbedder, err := embedding.New(&cfg.Embedding, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	var embedder embedding.Embedder = baseEmbedder
	if cfg.Embedding.CacheSize > 0 {
		embedder = embedding.NewCachedEmbedder(baseEmbedder, cfg.Embedding.CacheSize)
	}

	documents := database.NewDocumentRepository(db.GetPool(), logger)
	memories := database.NewMemoryRepository(db.GetPool(), logger)

	var resultCache retrieval.ResultCache
	var invalidator ingest.CacheInvalidator
	if cfg.Retrieval.CacheEnabled {
		rc := cache.NewResultCache(redisClient, cfg.Retrieval.CacheTTL, logger)
		resultCache = rc
		invalidator = rc
	}

	var expander retrieval.GraphExpander
	if graphClient != nil {
		expander = graphClient
	}

	postgresStore := retrieval.NewPostgresStore(documents)
	retriever, err := retrieval.NewEngine(
		embedder,
		retrieval.NewQdrantStore(vectorClient, cfg.Qdrant.Collection),
		postgresStore,
		retrieval.NewTermOverlapReranker(),
		postgresStore,
		expander,
		resultCache,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retrieval engine: %w", err)
	}

	reflector, err := reflection.NewEngine(retriever, &cfg.Retrieval.Reflection, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create reflection engine: %w", err)
	}

	memoryManager, err := memory.NewManager(memories, embedder, redisClient, &cfg.Memory, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory manager: %w", err)
	}

	var graphStore ingest.GraphStore
	if graphClient != nil {
		graphStore = graphClient
	}
	processor, err := ingest.NewProcessor(documents, vectorClient, embedder, graphStore, extractor, invalidator, ingest.Config{
		Collection: cfg.Qdrant.Collection,
		ChunkSize:  cfg.Chunking.ChunkSize,
		Overlap:    cfg.Chunking.Overlap,
		Adaptive:   cfg.Chunking.Adaptive,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create document processor: %w", err)
	}

	return &Engine{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		redis:     redisClient,
		vector:    vectorClient,
		graph:     graphClient,
		documents: documents,
		embedder:  embedder,
		processor: processor,
		retriever: retriever,
		reflector: reflector,
		memories:  memoryManager,
	}, nil
}

// Start runs migrations, connects the vector and graph stores and
// ensures the chunk collection exists.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.db.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := e.vector.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to qdrant: %w", err)
	}

	exists, err := e.vector.CollectionExists(ctx, e.cfg.Qdrant.Collection)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if !exists {
		vectorSize := e.cfg.Qdrant.VectorSize
		if vectorSize <= 0 {
			vectorSize = e.embedder.Dimension()
		}
		err := e.vector.CreateCollection(ctx, &qdrant.CollectionConfig{
			Name:       e.cfg.Qdrant.Collection,
			VectorSize: vectorSize,
			Distance:   qdrant.DistanceCosine,
		})
		if err != nil {
			return fmt.Errorf("failed to create collection: %w", err)
		}
	}

	if e.graph != nil {
		if err := e.graph.Connect(ctx); err != nil {
			e.logger.WithError(err).Warn("Graph store unavailable, continuing without it")
		}
	}

	e.logger.WithFields(logrus.Fields{
		"collection": e.cfg.Qdrant.Collection,
		"embedder":   e.embedder.Name(),
	}).Info("Retrieval engine started")

	return nil
}

// Close releases all storage connections.
func (e *Engine) Close(ctx context.Context) error {
	if e.graph != nil {
		if err := e.graph.Close(ctx); err != nil {
			e.logger.WithError(err).Warn("Failed to close graph store")
		}
	}
	if err := e.vector.Close(); err != nil {
		e.logger.WithError(err).Warn("Failed to close qdrant client")
	}
	if err := e.redis.Close(); err != nil {
		e.logger.WithError(err).Warn("Failed to close redis client")
	}
	e.db.Close()
	return nil
}

// Health reports which backing stores are currently reachable.
type Health struct {
	Postgres bool `json:"postgres"`
	Redis    bool `json:"redis"`
	Qdrant   bool `json:"qdrant"`
}

// Health pings each backing store.
func (e *Engine) Health(ctx context.Context) Health {
	h := Health{
		Postgres: e.db.HealthCheck(ctx) == nil,
		Redis:    e.redis.Ping(ctx) == nil,
		Qdrant:   e.vector.HealthCheck(ctx) == nil,
	}
	if !h.Postgres || !h.Redis || !h.Qdrant {
		e.logger.WithFields(logrus.Fields{
			"postgres": h.Postgres,
			"redis":    h.Redis,
			"qdrant":   h.Qdrant,
		}).Warn("Health check found unreachable stores")
	}
	return h
}

// Stats reports corpus size across the relational and vector stores.
type Stats struct {
	Documents    int   `json:"documents"`
	Chunks       int64 `json:"chunks"`
	VectorPoints int64 `json:"vector_points"`
}

// Stats counts stored documents, chunks and indexed vectors.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	docs, err := e.documents.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}

	chunks, err := e.documents.CountChunks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count chunks: %w", err)
	}

	points, err := e.vector.CountPoints(ctx, e.cfg.Qdrant.Collection, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to count points: %w", err)
	}

	return &Stats{Documents: len(docs), Chunks: chunks, VectorPoints: points}, nil
}

// Ingest processes a document and returns its ID.
func (e *Engine) Ingest(ctx context.Context, text, filename string, metadata map[string]interface{}) (string, error) {
	return e.processor.Process(ctx, text, filename, metadata)
}

// Query retrieves candidates for the query and runs the reflection pass
// over them.
func (e *Engine) Query(ctx context.Context, query string, opts *retrieval.Options) (*reflection.Result, error) {
	candidates, err := e.retriever.Retrieve(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	return e.reflector.Reflect(ctx, query, candidates), nil
}

// Documents exposes the ingestion pipeline.
func (e *Engine) Documents() *ingest.Processor { return e.processor }

// Retriever exposes the retrieval engine.
func (e *Engine) Retriever() *retrieval.Engine { return e.retriever }

// Memory exposes the memory hierarchy manager.
func (e *Engine) Memory() *memory.Manager { return e.memories }
