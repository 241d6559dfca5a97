package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// MemoryItem represents a stored memory entry in the database
type MemoryItem struct {
	ID           string                 `json:"id"`
	Tier         string                 `json:"tier"`
	OwnerID      string                 `json:"owner_id,omitempty"`
	Conversation string                 `json:"conversation_id,omitempty"`
	Content      string                 `json:"content"`
	Embedding    []float32              `json:"embedding,omitempty"`
	Importance   float64                `json:"importance"`
	Metadata     map[string]interface{} `json:"metadata"`
	AccessCount  int                    `json:"access_count"`
	LastAccessed time.Time              `json:"last_accessed"`
	ExpiresAt    *time.Time             `json:"expires_at,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// MemoryFilter selects memory items by scope
type MemoryFilter struct {
	Tier          string
	OwnerID       string
	Conversation  string
	MinImportance float64
	Limit         int
}

// IsEmpty reports whether the filter selects everything
func (f MemoryFilter) IsEmpty() bool {
	return f.Tier == "" && f.OwnerID == "" && f.Conversation == ""
}

// MemoryRepository handles memory item database operations
type MemoryRepository struct {
	pool *pgxpool.Pool
	log  *logrus.Logger
}

// NewMemoryRepository creates a new MemoryRepository
func NewMemoryRepository(pool *pgxpool.Pool, log *logrus.Logger) *MemoryRepository {
	return &MemoryRepository{
		pool: pool,
		log:  log,
	}
}

// Insert creates a new memory item
func (r *MemoryRepository) Insert(ctx context.Context, item *MemoryItem) error {
	query := `
		INSERT INTO memory_items
			(tier, owner_id, conversation_id, content, embedding, importance, metadata, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, access_count, last_accessed, created_at
	`

	embeddingJSON, _ := json.Marshal(item.Embedding)
	metadataJSON, _ := json.Marshal(item.Metadata)

	err := r.pool.QueryRow(ctx, query,
		item.Tier, item.OwnerID, item.Conversation, item.Content,
		embeddingJSON, item.Importance, metadataJSON, item.ExpiresAt,
	).Scan(&item.ID, &item.AccessCount, &item.LastAccessed, &item.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to insert memory item: %w", err)
	}

	return nil
}

const memoryColumns = `
	id, tier, owner_id, conversation_id, content, embedding, importance,
	metadata, access_count, last_accessed, expires_at, created_at
`

// GetByID retrieves a memory item by its ID
func (r *MemoryRepository) GetByID(ctx context.Context, id string) (*MemoryItem, error) {
	query := `SELECT ` + memoryColumns + ` FROM memory_items WHERE id = $1`

	item, err := scanMemoryItem(r.pool.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return item, err
}

// List returns live items matching the filter, most valuable and most
// recently touched first
func (r *MemoryRepository) List(ctx context.Context, filter MemoryFilter) ([]*MemoryItem, error) {
	query := `SELECT ` + memoryColumns + `
		FROM memory_items
		WHERE (expires_at IS NULL OR expires_at > NOW())
	`
	args := []interface{}{}

	if filter.Tier != "" {
		args = append(args, filter.Tier)
		query += fmt.Sprintf(` AND tier = $%d`, len(args))
	}
	if filter.OwnerID != "" {
		args = append(args, filter.OwnerID)
		query += fmt.Sprintf(` AND owner_id = $%d`, len(args))
	}
	if filter.Conversation != "" {
		args = append(args, filter.Conversation)
		query += fmt.Sprintf(` AND conversation_id = $%d`, len(args))
	}
	if filter.MinImportance > 0 {
		args = append(args, filter.MinImportance)
		query += fmt.Sprintf(` AND importance >= $%d`, len(args))
	}

	query += ` ORDER BY importance DESC, last_accessed DESC, created_at DESC`

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list memory items: %w", err)
	}
	defer rows.Close()

	items := []*MemoryItem{}
	for rows.Next() {
		item, err := scanMemoryItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	return items, rows.Err()
}

func scanMemoryItem(row pgx.Row) (*MemoryItem, error) {
	item := &MemoryItem{}
	var embeddingJSON, metadataJSON []byte

	err := row.Scan(
		&item.ID, &item.Tier, &item.OwnerID, &item.Conversation, &item.Content,
		&embeddingJSON, &item.Importance, &metadataJSON,
		&item.AccessCount, &item.LastAccessed, &item.ExpiresAt, &item.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan memory item: %w", err)
	}

	if len(embeddingJSON) > 0 {
		json.Unmarshal(embeddingJSON, &item.Embedding)
	}
	if len(metadataJSON) > 0 {
		json.Unmarshal(metadataJSON, &item.Metadata)
	}

	return item, nil
}

// Touch records an access to a memory item
func (r *MemoryRepository) Touch(ctx context.Context, id string) error {
	query := `
		UPDATE memory_items
		SET access_count = access_count + 1, last_accessed = NOW()
		WHERE id = $1
	`

	if _, err := r.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("failed to touch memory item: %w", err)
	}

	return nil
}

// Promote moves an item to long-term storage with no expiry
func (r *MemoryRepository) Promote(ctx context.Context, id string, importance float64) error {
	query := `
		UPDATE memory_items
		SET tier = 'long_term', expires_at = NULL, importance = $2
		WHERE id = $1
	`

	if _, err := r.pool.Exec(ctx, query, id, importance); err != nil {
		return fmt.Errorf("failed to promote memory item: %w", err)
	}

	return nil
}

// CountScope returns the number of live items in a tier, optionally
// narrowed to one owner.
func (r *MemoryRepository) CountScope(ctx context.Context, tier, ownerID string) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM memory_items
		WHERE tier = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`
	args := []interface{}{tier}

	if ownerID != "" {
		args = append(args, ownerID)
		query += fmt.Sprintf(` AND owner_id = $%d`, len(args))
	}

	var count int64
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count memory items: %w", err)
	}

	return count, nil
}

// DeleteExcess removes the n least valuable items in a scope. Items are
// dropped in order of importance, then staleness, then age.
func (r *MemoryRepository) DeleteExcess(ctx context.Context, tier, ownerID string, n int64) (int64, error) {
	if n <= 0 {
		return 0, nil
	}

	query := `
		DELETE FROM memory_items
		WHERE id IN (
			SELECT id FROM memory_items
			WHERE tier = $1 AND ($2 = '' OR owner_id = $2)
			ORDER BY importance ASC, last_accessed ASC, created_at ASC
			LIMIT $3
		)
	`

	tag, err := r.pool.Exec(ctx, query, tier, ownerID, n)
	if err != nil {
		return 0, fmt.Errorf("failed to prune memory items: %w", err)
	}

	if tag.RowsAffected() > 0 {
		r.log.WithFields(logrus.Fields{
			"tier":    tier,
			"owner":   ownerID,
			"deleted": tag.RowsAffected(),
		}).Debug("Memory scope pruned")
	}

	return tag.RowsAffected(), nil
}

// DeleteExpired removes all items past their expiry
func (r *MemoryRepository) DeleteExpired(ctx context.Context) (int64, error) {
	query := `DELETE FROM memory_items WHERE expires_at IS NOT NULL AND expires_at <= NOW()`

	tag, err := r.pool.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired memory items: %w", err)
	}

	return tag.RowsAffected(), nil
}

// Delete removes a memory item by ID
func (r *MemoryRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM memory_items WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete memory item: %w", err)
	}

	return nil
}

// DeleteWhere removes items matching the filter scope. An empty filter
// deletes nothing.
func (r *MemoryRepository) DeleteWhere(ctx context.Context, filter MemoryFilter) (int64, error) {
	if filter.IsEmpty() {
		return 0, nil
	}

	query := `DELETE FROM memory_items WHERE TRUE`
	args := []interface{}{}

	if filter.Tier != "" {
		args = append(args, filter.Tier)
		query += fmt.Sprintf(` AND tier = $%d`, len(args))
	}
	if filter.OwnerID != "" {
		args = append(args, filter.OwnerID)
		query += fmt.Sprintf(` AND owner_id = $%d`, len(args))
	}
	if filter.Conversation != "" {
		args = append(args, filter.Conversation)
		query += fmt.Sprintf(` AND conversation_id = $%d`, len(args))
	}

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete memory items: %w", err)
	}

	return tag.RowsAffected(), nil
}
