// Package ingest turns raw document text into persisted, retrievable
// chunks: segmentation, embedding, vector upsert, relational rows and
// best-effort graph writes.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"dev.helix.rag/internal/chunker"
	"dev.helix.rag/internal/database"
	"dev.helix.rag/internal/graph"
	"dev.helix.rag/internal/vectordb/qdrant"
)

var supportedExtensions = map[string]struct{}{
	".pdf": {}, ".docx": {}, ".doc": {}, ".txt": {}, ".md": {}, ".rtf": {},
	".csv": {}, ".json": {}, ".html": {}, ".htm": {}, ".pptx": {}, ".xlsx": {},
}

// Entity is a named entity found in document text.
type Entity struct {
	Text  string `json:"text"`
	Label string `json:"label"`
}

// EntityExtractor is an optional collaborator that finds named entities.
type EntityExtractor interface {
	Extract(ctx context.Context, text string) ([]Entity, error)
}

// Embedder produces a vector for a chunk of text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorStore is the vector index contract, satisfied by qdrant.Client.
type VectorStore interface {
	UpsertPoints(ctx context.Context, collection string, points []qdrant.Point) error
	GetPoints(ctx context.Context, collection string, ids []string) ([]qdrant.Point, error)
	DeletePoints(ctx context.Context, collection string, ids []string) error
	DeletePointsByFilter(ctx context.Context, collection string, filter map[string]interface{}) error
}

// DocumentStore is the relational contract for documents and chunks,
// satisfied by database.DocumentRepository.
type DocumentStore interface {
	Create(ctx context.Context, doc *database.Document) error
	GetByID(ctx context.Context, id string) (*database.Document, error)
	GetBySource(ctx context.Context, source string) (*database.Document, error)
	UpdateChunkCount(ctx context.Context, id string, count int) error
	Delete(ctx context.Context, id string) error
	InsertChunks(ctx context.Context, chunks []*database.DocumentChunk) error
}

// GraphStore records document, chunk and entity relationships. All
// graph writes are best-effort.
type GraphStore interface {
	MergeDocument(ctx context.Context, documentID, source string) error
	MergeChunk(ctx context.Context, chunkID, documentID string, index int) error
	MergeEntity(ctx context.Context, name, entityType string) error
	RelateChunkEntity(ctx context.Context, chunkID, entityName string) error
	DeleteDocument(ctx context.Context, documentID string) error
}

// CacheInvalidator drops cached retrieval results after the corpus
// changes, satisfied by cache.ResultCache.
type CacheInvalidator interface {
	InvalidateAll(ctx context.Context) error
}

// Config controls segmentation and the target vector collection.
type Config struct {
	Collection  string
	ChunkSize   int
	Overlap     int
	Adaptive    bool
	Concurrency int
}

// Processor ingests, updates and deletes documents. The graph store,
// entity extractor and cache invalidator are optional.
type Processor struct {
	documents DocumentStore
	vectors   VectorStore
	embedder  Embedder
	graph     GraphStore
	entities  EntityExtractor
	cache     CacheInvalidator
	cfg       Config
	logger    *logrus.Logger
}

// NewProcessor creates a document processor. Document store, vector
// store and embedder are required.
func NewProcessor(documents DocumentStore, vectors VectorStore, embedder Embedder, graph GraphStore, entities EntityExtractor, cacheInv CacheInvalidator, cfg Config, logger *logrus.Logger) (*Processor, error) {
	if documents == nil || vectors == nil || embedder == nil {
		return nil, fmt.Errorf("document store, vector store and embedder are required")
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("vector collection name is required")
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1000
	}
	if cfg.Overlap < 0 {
		cfg.Overlap = 0
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Processor{
		documents: documents,
		vectors:   vectors,
		embedder:  embedder,
		graph:     graph,
		entities:  entities,
		cache:     cacheInv,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// Process ingests a document and returns its ID. A document whose
// source and content hash match an already stored one is not
// re-processed.
func (p *Processor) Process(ctx context.Context, text, filename string, metadata map[string]interface{}) (string, error) {
	existing, err := p.documents.GetBySource(ctx, filename)
	if err != nil {
		p.logger.WithError(err).WithField("filename", filename).Warn("Source lookup failed")
	} else if existing != nil && existing.ContentHash == contentHash(text) {
		p.logger.WithFields(logrus.Fields{
			"document_id": existing.ID,
			"filename":    filename,
		}).Info("Document unchanged, skipping")
		return existing.ID, nil
	}

	return p.process(ctx, "", text, filename, metadata)
}

func (p *Processor) process(ctx context.Context, documentID, text, filename string, metadata map[string]interface{}) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := supportedExtensions[ext]; !ok {
		return "", fmt.Errorf("unsupported file extension: %s", ext)
	}

	docMeta := map[string]interface{}{}
	for k, v := range metadata {
		docMeta[k] = v
	}
	docMeta["filename"] = filename
	docMeta["extension"] = ext
	docMeta["processed_at"] = time.Now().UTC().Format(time.RFC3339)
	docMeta["char_count"] = utf8.RuneCountInString(text)
	docMeta["word_count"] = len(strings.Fields(text))

	docEntities := p.extractEntities(ctx, text)
	if len(docEntities) > 0 {
		docMeta["entities"] = entityNames(docEntities)
	}

	mode := chunker.ModeFixed
	if p.cfg.Adaptive {
		mode = chunker.ModeAdaptive
	}
	chunks, err := chunker.Split(text, p.cfg.ChunkSize, p.cfg.Overlap, mode)
	if err != nil {
		return "", fmt.Errorf("failed to chunk document: %w", err)
	}

	doc := &database.Document{
		ID:          documentID,
		Source:      filename,
		ContentHash: contentHash(text),
		ChunkCount:  len(chunks),
		Metadata:    docMeta,
	}
	if err := p.documents.Create(ctx, doc); err != nil {
		return "", fmt.Errorf("failed to store document: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"document_id": doc.ID,
		"filename":    filename,
		"chunks":      len(chunks),
	}).Info("Processing document")

	if len(chunks) == 0 {
		p.invalidateCache(ctx)
		return doc.ID, nil
	}

	vectors := make([][]float32, len(chunks))
	chunkEntities := make([][]Entity, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for i, ch := range chunks {
		i, ch := i, ch
		g.Go(func() error {
			vec, err := p.embedder.Embed(gctx, ch.Text)
			if err != nil {
				return fmt.Errorf("failed to embed chunk %d: %w", i, err)
			}
			vectors[i] = vec
			chunkEntities[i] = p.extractEntities(gctx, ch.Text)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	points := make([]qdrant.Point, len(chunks))
	rows := make([]*database.DocumentChunk, len(chunks))
	for i, ch := range chunks {
		points[i] = qdrant.Point{
			ID:     pointID(doc.ID, i),
			Vector: vectors[i],
			Payload: map[string]interface{}{
				"document_id": doc.ID,
				"chunk_index": i,
				"start_char":  ch.StartChar,
				"end_char":    ch.EndChar,
			},
		}

		chunkMeta := map[string]interface{}{}
		for k, v := range docMeta {
			chunkMeta[k] = v
		}
		chunkMeta["chunk_size"] = utf8.RuneCountInString(ch.Text)
		if names := entityNames(chunkEntities[i]); len(names) > 0 {
			chunkMeta["entities"] = names
		}

		rows[i] = &database.DocumentChunk{
			DocumentID: doc.ID,
			ChunkIndex: i,
			Content:    ch.Text,
			StartChar:  ch.StartChar,
			EndChar:    ch.EndChar,
			Metadata:   chunkMeta,
		}
	}

	if err := p.vectors.UpsertPoints(ctx, p.cfg.Collection, points); err != nil {
		return "", fmt.Errorf("failed to index chunks: %w", err)
	}
	if err := p.documents.InsertChunks(ctx, rows); err != nil {
		return "", fmt.Errorf("failed to store chunks: %w", err)
	}
	if err := p.documents.UpdateChunkCount(ctx, doc.ID, len(chunks)); err != nil {
		p.logger.WithError(err).WithField("document_id", doc.ID).Warn("Failed to update chunk count")
	}

	p.storeGraph(ctx, doc, rows, chunkEntities)
	p.invalidateCache(ctx)

	p.logger.WithFields(logrus.Fields{
		"document_id": doc.ID,
		"chunks":      len(chunks),
	}).Info("Document processing complete")

	return doc.ID, nil
}

// Delete removes a document from the vector index, the relational store
// and the graph.
func (p *Processor) Delete(ctx context.Context, documentID string) error {
	doc, err := p.documents.GetByID(ctx, documentID)
	if err != nil {
		return fmt.Errorf("failed to load document: %w", err)
	}

	if doc != nil && doc.ChunkCount > 0 {
		if err := p.vectors.DeletePoints(ctx, p.cfg.Collection, pointIDs(documentID, doc.ChunkCount)); err != nil {
			return fmt.Errorf("failed to delete vectors: %w", err)
		}
	} else {
		// Chunk count unknown; fall back to a payload filter.
		filter := map[string]interface{}{
			"must": []map[string]interface{}{
				{"key": "document_id", "match": map[string]interface{}{"value": documentID}},
			},
		}
		if err := p.vectors.DeletePointsByFilter(ctx, p.cfg.Collection, filter); err != nil {
			return fmt.Errorf("failed to delete vectors: %w", err)
		}
	}

	if err := p.documents.Delete(ctx, documentID); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}

	if p.graph != nil {
		if err := p.graph.DeleteDocument(ctx, documentID); err != nil {
			p.logger.WithError(err).WithField("document_id", documentID).Warn("Failed to delete document from graph")
		}
	}

	p.invalidateCache(ctx)

	p.logger.WithField("document_id", documentID).Info("Document deleted")
	return nil
}

// Update replaces a document's content while keeping its ID. The new
// metadata is merged over the existing document metadata.
func (p *Processor) Update(ctx context.Context, documentID, text, filename string, metadata map[string]interface{}) error {
	existing, err := p.documents.GetByID(ctx, documentID)
	if err != nil {
		return fmt.Errorf("failed to load document: %w", err)
	}
	if existing == nil {
		return fmt.Errorf("document not found: %s", documentID)
	}

	merged := map[string]interface{}{}
	for k, v := range existing.Metadata {
		merged[k] = v
	}
	for k, v := range metadata {
		merged[k] = v
	}

	if err := p.Delete(ctx, documentID); err != nil {
		return err
	}

	if _, err := p.process(ctx, documentID, text, filename, merged); err != nil {
		return err
	}

	p.logger.WithField("document_id", documentID).Info("Document updated")
	return nil
}

// Verify checks that every chunk of a document is present in the vector
// index and returns the indexes of any missing points.
func (p *Processor) Verify(ctx context.Context, documentID string) ([]int, error) {
	doc, err := p.documents.GetByID(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("document not found: %s", documentID)
	}
	if doc.ChunkCount == 0 {
		return nil, nil
	}

	ids := pointIDs(documentID, doc.ChunkCount)
	points, err := p.vectors.GetPoints(ctx, p.cfg.Collection, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch points: %w", err)
	}

	present := make(map[string]struct{}, len(points))
	for _, pt := range points {
		present[pt.ID] = struct{}{}
	}

	var missing []int
	for i, id := range ids {
		if _, ok := present[id]; !ok {
			missing = append(missing, i)
		}
	}
	return missing, nil
}

func (p *Processor) extractEntities(ctx context.Context, text string) []Entity {
	if p.entities == nil || text == "" {
		return nil
	}
	found, err := p.entities.Extract(ctx, text)
	if err != nil {
		p.logger.WithError(err).Warn("Entity extraction failed")
		return nil
	}
	return found
}

// storeGraph writes document, chunk and entity nodes. Failures are
// logged and do not fail the ingestion.
func (p *Processor) storeGraph(ctx context.Context, doc *database.Document, rows []*database.DocumentChunk, chunkEntities [][]Entity) {
	if p.graph == nil {
		return
	}

	if err := p.graph.MergeDocument(ctx, doc.ID, doc.Source); err != nil {
		p.logger.WithError(err).WithField("document_id", doc.ID).Warn("Failed to store document in graph")
		return
	}

	for i, row := range rows {
		chunkID := graph.ChunkID(doc.ID, row.ChunkIndex)
		if err := p.graph.MergeChunk(ctx, chunkID, doc.ID, row.ChunkIndex); err != nil {
			p.logger.WithError(err).WithField("chunk_id", chunkID).Warn("Failed to store chunk in graph")
			continue
		}

		seen := map[string]struct{}{}
		for _, entity := range chunkEntities[i] {
			key := strings.ToLower(entity.Text) + ":" + entity.Label
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}

			if err := p.graph.MergeEntity(ctx, entity.Text, entity.Label); err != nil {
				p.logger.WithError(err).WithField("entity", entity.Text).Warn("Failed to store entity in graph")
				continue
			}
			if err := p.graph.RelateChunkEntity(ctx, chunkID, entity.Text); err != nil {
				p.logger.WithError(err).WithField("entity", entity.Text).Warn("Failed to relate chunk and entity")
			}
		}
	}
}

func (p *Processor) invalidateCache(ctx context.Context) {
	if p.cache == nil {
		return
	}
	if err := p.cache.InvalidateAll(ctx); err != nil {
		p.logger.WithError(err).Warn("Failed to invalidate retrieval cache")
	}
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// pointID derives a stable vector point ID for a chunk, so re-ingesting
// a document overwrites its points instead of duplicating them.
func pointID(documentID string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s:%d", documentID, index))).String()
}

func pointIDs(documentID string, count int) []string {
	ids := make([]string, count)
	for i := range ids {
		ids[i] = pointID(documentID, i)
	}
	return ids
}

func entityNames(entities []Entity) []string {
	if len(entities) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(entities))
	names := make([]string, 0, len(entities))
	for _, e := range entities {
		key := strings.ToLower(e.Text)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		names = append(names, e.Text)
	}
	return names
}
