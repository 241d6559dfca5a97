package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// Document represents an ingested document in the database
type Document struct {
	ID          string                 `json:"id"`
	Source      string                 `json:"source"`
	ContentHash string                 `json:"content_hash"`
	ChunkCount  int                    `json:"chunk_count"`
	Metadata    map[string]interface{} `json:"metadata"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// DocumentChunk represents a single chunk of an ingested document
type DocumentChunk struct {
	ID         string                 `json:"id"`
	DocumentID string                 `json:"document_id"`
	ChunkIndex int                    `json:"chunk_index"`
	Content    string                 `json:"content"`
	StartChar  int                    `json:"start_char"`
	EndChar    int                    `json:"end_char"`
	Metadata   map[string]interface{} `json:"metadata"`
	CreatedAt  time.Time              `json:"created_at"`
}

// ChunkRef identifies a chunk by its parent document and position
type ChunkRef struct {
	DocumentID string `json:"document_id"`
	ChunkIndex int    `json:"chunk_index"`
}

// RankedChunk is a chunk with a full-text search rank
type RankedChunk struct {
	Chunk DocumentChunk
	Rank  float64
}

// DocumentRepository handles document and chunk database operations
type DocumentRepository struct {
	pool *pgxpool.Pool
	log  *logrus.Logger
}

// NewDocumentRepository creates a new DocumentRepository
func NewDocumentRepository(pool *pgxpool.Pool, log *logrus.Logger) *DocumentRepository {
	return &DocumentRepository{
		pool: pool,
		log:  log,
	}
}

// Create inserts a new document record. A pre-set ID is kept, which lets
// an update recreate a document under its original identifier.
func (r *DocumentRepository) Create(ctx context.Context, doc *Document) error {
	metadataJSON, _ := json.Marshal(doc.Metadata)

	var err error
	if doc.ID != "" {
		query := `
			INSERT INTO documents (id, source, content_hash, chunk_count, metadata)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, created_at, updated_at
		`
		err = r.pool.QueryRow(ctx, query,
			doc.ID, doc.Source, doc.ContentHash, doc.ChunkCount, metadataJSON,
		).Scan(&doc.ID, &doc.CreatedAt, &doc.UpdatedAt)
	} else {
		query := `
			INSERT INTO documents (source, content_hash, chunk_count, metadata)
			VALUES ($1, $2, $3, $4)
			RETURNING id, created_at, updated_at
		`
		err = r.pool.QueryRow(ctx, query,
			doc.Source, doc.ContentHash, doc.ChunkCount, metadataJSON,
		).Scan(&doc.ID, &doc.CreatedAt, &doc.UpdatedAt)
	}

	if err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}

	return nil
}

// GetByID retrieves a document by its ID
func (r *DocumentRepository) GetByID(ctx context.Context, id string) (*Document, error) {
	query := `
		SELECT id, source, content_hash, chunk_count, metadata, created_at, updated_at
		FROM documents
		WHERE id = $1
	`

	return r.scanDocument(r.pool.QueryRow(ctx, query, id))
}

// GetBySource retrieves the most recent document for a source path
func (r *DocumentRepository) GetBySource(ctx context.Context, source string) (*Document, error) {
	query := `
		SELECT id, source, content_hash, chunk_count, metadata, created_at, updated_at
		FROM documents
		WHERE source = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	return r.scanDocument(r.pool.QueryRow(ctx, query, source))
}

func (r *DocumentRepository) scanDocument(row pgx.Row) (*Document, error) {
	doc := &Document{}
	var metadataJSON []byte

	err := row.Scan(
		&doc.ID, &doc.Source, &doc.ContentHash, &doc.ChunkCount,
		&metadataJSON, &doc.CreatedAt, &doc.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	if len(metadataJSON) > 0 {
		json.Unmarshal(metadataJSON, &doc.Metadata)
	}

	return doc, nil
}

// List returns all documents ordered by creation time
func (r *DocumentRepository) List(ctx context.Context) ([]*Document, error) {
	query := `
		SELECT id, source, content_hash, chunk_count, metadata, created_at, updated_at
		FROM documents
		ORDER BY created_at DESC
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	docs := []*Document{}
	for rows.Next() {
		doc := &Document{}
		var metadataJSON []byte

		err := rows.Scan(
			&doc.ID, &doc.Source, &doc.ContentHash, &doc.ChunkCount,
			&metadataJSON, &doc.CreatedAt, &doc.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document row: %w", err)
		}

		if len(metadataJSON) > 0 {
			json.Unmarshal(metadataJSON, &doc.Metadata)
		}

		docs = append(docs, doc)
	}

	return docs, rows.Err()
}

// UpdateChunkCount updates the stored chunk count for a document
func (r *DocumentRepository) UpdateChunkCount(ctx context.Context, id string, count int) error {
	query := `UPDATE documents SET chunk_count = $2, updated_at = NOW() WHERE id = $1`

	if _, err := r.pool.Exec(ctx, query, id, count); err != nil {
		return fmt.Errorf("failed to update chunk count: %w", err)
	}

	return nil
}

// Delete removes a document; chunks cascade
func (r *DocumentRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}

	r.log.WithField("document_id", id).Debug("Document deleted")
	return nil
}

// InsertChunks stores all chunks for a document in one batch
func (r *DocumentRepository) InsertChunks(ctx context.Context, chunks []*DocumentChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO document_chunks (document_id, chunk_index, content, start_char, end_char, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (document_id, chunk_index) DO UPDATE
		SET content = EXCLUDED.content,
		    start_char = EXCLUDED.start_char,
		    end_char = EXCLUDED.end_char,
		    metadata = EXCLUDED.metadata
	`

	for _, chunk := range chunks {
		metadataJSON, _ := json.Marshal(chunk.Metadata)
		batch.Queue(query,
			chunk.DocumentID, chunk.ChunkIndex, chunk.Content,
			chunk.StartChar, chunk.EndChar, metadataJSON,
		)
	}

	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range chunks {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to insert chunks: %w", err)
		}
	}

	return nil
}

// DeleteChunksByDocument removes all chunks for a document
func (r *DocumentRepository) DeleteChunksByDocument(ctx context.Context, documentID string) error {
	query := `DELETE FROM document_chunks WHERE document_id = $1`

	if _, err := r.pool.Exec(ctx, query, documentID); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}

	return nil
}

// GetChunksByRefs fetches chunks identified by (document, index) pairs.
// Small lookups go row by row; larger ones use a single tuple IN query.
func (r *DocumentRepository) GetChunksByRefs(ctx context.Context, refs []ChunkRef) ([]*DocumentChunk, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	if len(refs) <= 5 {
		chunks := make([]*DocumentChunk, 0, len(refs))
		for _, ref := range refs {
			chunk, err := r.getChunk(ctx, ref)
			if err != nil {
				return nil, err
			}
			if chunk != nil {
				chunks = append(chunks, chunk)
			}
		}
		return chunks, nil
	}

	placeholders := make([]string, len(refs))
	args := make([]interface{}, 0, len(refs)*2)
	for i, ref := range refs {
		placeholders[i] = fmt.Sprintf("($%d::uuid, $%d::int)", i*2+1, i*2+2)
		args = append(args, ref.DocumentID, ref.ChunkIndex)
	}

	query := fmt.Sprintf(`
		SELECT id, document_id, chunk_index, content, start_char, end_char, metadata, created_at
		FROM document_chunks
		WHERE (document_id, chunk_index) IN (%s)
	`, strings.Join(placeholders, ", "))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get chunks: %w", err)
	}
	defer rows.Close()

	byRef := make(map[ChunkRef]*DocumentChunk, len(refs))
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		byRef[ChunkRef{DocumentID: chunk.DocumentID, ChunkIndex: chunk.ChunkIndex}] = chunk
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read chunk rows: %w", err)
	}

	// Preserve the requested order, skipping refs that no longer exist.
	chunks := make([]*DocumentChunk, 0, len(refs))
	for _, ref := range refs {
		if chunk, ok := byRef[ref]; ok {
			chunks = append(chunks, chunk)
		}
	}

	return chunks, nil
}

func (r *DocumentRepository) getChunk(ctx context.Context, ref ChunkRef) (*DocumentChunk, error) {
	query := `
		SELECT id, document_id, chunk_index, content, start_char, end_char, metadata, created_at
		FROM document_chunks
		WHERE document_id = $1 AND chunk_index = $2
	`

	chunk, err := scanChunk(r.pool.QueryRow(ctx, query, ref.DocumentID, ref.ChunkIndex))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return chunk, err
}

func scanChunk(row pgx.Row) (*DocumentChunk, error) {
	chunk := &DocumentChunk{}
	var metadataJSON []byte

	err := row.Scan(
		&chunk.ID, &chunk.DocumentID, &chunk.ChunkIndex, &chunk.Content,
		&chunk.StartChar, &chunk.EndChar, &metadataJSON, &chunk.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan chunk row: %w", err)
	}

	if len(metadataJSON) > 0 {
		json.Unmarshal(metadataJSON, &chunk.Metadata)
	}

	return chunk, nil
}

// KeywordSearch runs a full-text search over chunk content
func (r *DocumentRepository) KeywordSearch(ctx context.Context, text string, limit int) ([]RankedChunk, error) {
	if limit <= 0 {
		limit = 10
	}

	query := `
		SELECT id, document_id, chunk_index, content, start_char, end_char, metadata, created_at,
		       ts_rank(to_tsvector('english', content), plainto_tsquery('english', $1)) AS rank
		FROM document_chunks
		WHERE to_tsvector('english', content) @@ plainto_tsquery('english', $1)
		ORDER BY rank DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, text, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to run keyword search: %w", err)
	}
	defer rows.Close()

	results := []RankedChunk{}
	for rows.Next() {
		chunk := DocumentChunk{}
		var metadataJSON []byte
		var rank float64

		err := rows.Scan(
			&chunk.ID, &chunk.DocumentID, &chunk.ChunkIndex, &chunk.Content,
			&chunk.StartChar, &chunk.EndChar, &metadataJSON, &chunk.CreatedAt, &rank,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan keyword result: %w", err)
		}

		if len(metadataJSON) > 0 {
			json.Unmarshal(metadataJSON, &chunk.Metadata)
		}

		results = append(results, RankedChunk{Chunk: chunk, Rank: rank})
	}

	return results, rows.Err()
}

// CountChunks returns the number of stored chunks
func (r *DocumentRepository) CountChunks(ctx context.Context) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM document_chunks`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return count, nil
}
