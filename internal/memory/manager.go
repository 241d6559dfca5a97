// Package memory implements the tiered memory hierarchy: working and
// short-term items carry a TTL, long-term items persist until pruned or
// forgotten. Operations never surface collaborator errors; failures are
// logged and reported as empty or false results.
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"dev.helix.rag/internal/config"
	"dev.helix.rag/internal/database"
)

const (
	TierWorking   = "working"
	TierShortTerm = "short_term"
	TierLongTerm  = "long_term"

	mirrorPrefix = "memory:"
)

// Store is the persistence contract for memory items, satisfied by
// database.MemoryRepository.
type Store interface {
	Insert(ctx context.Context, item *database.MemoryItem) error
	GetByID(ctx context.Context, id string) (*database.MemoryItem, error)
	List(ctx context.Context, filter database.MemoryFilter) ([]*database.MemoryItem, error)
	Touch(ctx context.Context, id string) error
	Promote(ctx context.Context, id string, importance float64) error
	CountScope(ctx context.Context, tier, ownerID string) (int64, error)
	DeleteExcess(ctx context.Context, tier, ownerID string, n int64) (int64, error)
	DeleteExpired(ctx context.Context) (int64, error)
	Delete(ctx context.Context, id string) error
	DeleteWhere(ctx context.Context, filter database.MemoryFilter) (int64, error)
}

// Embedder produces a vector for semantic memory ranking.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Mirror is a fast-path cache for working-tier items, satisfied by
// cache.RedisClient.
type Mirror interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Manager coordinates the memory tiers over a Store. The embedder and
// mirror are optional; without them Get falls back to recency ordering
// and working items are not mirrored.
type Manager struct {
	store    Store
	embedder Embedder
	mirror   Mirror
	cfg      *config.MemoryConfig
	logger   *logrus.Logger
}

// NewManager creates a memory manager. The store is required.
func NewManager(store Store, embedder Embedder, mirror Mirror, cfg *config.MemoryConfig, logger *logrus.Logger) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("memory store is required")
	}
	if cfg == nil {
		defaults := config.Default().Memory
		cfg = &defaults
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Manager{
		store:    store,
		embedder: embedder,
		mirror:   mirror,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// ItemMetadata carries the known metadata fields of a memory item, with
// an open map for anything else.
type ItemMetadata struct {
	Source string
	Topic  string
	Extra  map[string]interface{}
}

func (m ItemMetadata) toMap() map[string]interface{} {
	out := map[string]interface{}{}
	for k, v := range m.Extra {
		out[k] = v
	}
	if m.Source != "" {
		out["source"] = m.Source
	}
	if m.Topic != "" {
		out["topic"] = m.Topic
	}
	return out
}

// MetadataOf lifts a stored metadata map back into its typed form.
func MetadataOf(item *database.MemoryItem) ItemMetadata {
	meta := ItemMetadata{Extra: map[string]interface{}{}}
	for k, v := range item.Metadata {
		switch k {
		case "source":
			if s, ok := v.(string); ok {
				meta.Source = s
				continue
			}
		case "topic":
			if s, ok := v.(string); ok {
				meta.Topic = s
				continue
			}
		}
		meta.Extra[k] = v
	}
	return meta
}

// AddRequest describes a memory item to store.
type AddRequest struct {
	Content      string
	Tier         string
	OwnerID      string
	Conversation string
	Importance   float64
	Metadata     ItemMetadata
	Embedding    []float32
}

// Add stores a memory item in the requested tier and prunes the tier
// scope afterwards. Empty content is a no-op; an unknown tier falls back
// to working. Returns nil when the item could not be stored.
func (m *Manager) Add(ctx context.Context, req AddRequest) *database.MemoryItem {
	if strings.TrimSpace(req.Content) == "" {
		m.logger.Warn("Cannot add empty content to memory")
		return nil
	}

	tier := req.Tier
	if tier != TierWorking && tier != TierShortTerm && tier != TierLongTerm {
		m.logger.WithField("tier", req.Tier).Warn("Unknown memory tier, defaulting to working")
		tier = TierWorking
	}

	embedding := req.Embedding
	if len(embedding) == 0 && m.embedder != nil {
		vec, err := m.embedder.Embed(ctx, req.Content)
		if err != nil {
			m.logger.WithError(err).Warn("Failed to embed memory content, storing without embedding")
		} else {
			embedding = vec
		}
	}

	item := &database.MemoryItem{
		Tier:         tier,
		OwnerID:      req.OwnerID,
		Conversation: req.Conversation,
		Content:      req.Content,
		Embedding:    embedding,
		Importance:   req.Importance,
		Metadata:     req.Metadata.toMap(),
		ExpiresAt:    m.expiryFor(tier),
	}

	if err := m.store.Insert(ctx, item); err != nil {
		m.logger.WithError(err).Error("Failed to insert memory item")
		return nil
	}

	if tier == TierWorking && m.mirror != nil {
		key := m.mirrorKey(item)
		if err := m.mirror.Set(ctx, key, item, m.cfg.WorkingTTL); err != nil {
			m.logger.WithError(err).WithField("key", key).Warn("Failed to mirror working memory item")
		}
	}

	m.Prune(ctx, tier, req.OwnerID)

	return item
}

// GetRequest filters and ranks a memory lookup.
type GetRequest struct {
	Query          string
	Tier           string
	OwnerID        string
	Conversation   string
	Limit          int
	MinImportance  float64
	RecencyWeight  float64
	IncludeContent bool
}

// Get retrieves memory items. With a query, items are ranked by
// embedding similarity blended with recency; without one, by importance
// and last access. Returned items have their access count incremented.
func (m *Manager) Get(ctx context.Context, req GetRequest) []*database.MemoryItem {
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}

	filter := database.MemoryFilter{
		Tier:          req.Tier,
		OwnerID:       req.OwnerID,
		Conversation:  req.Conversation,
		MinImportance: req.MinImportance,
	}

	var items []*database.MemoryItem
	if strings.TrimSpace(req.Query) != "" {
		items = m.semanticSearch(ctx, req.Query, filter, req.RecencyWeight, limit)
	} else {
		filter.Limit = limit
		listed, err := m.store.List(ctx, filter)
		if err != nil {
			m.logger.WithError(err).Error("Failed to list memory items")
			return []*database.MemoryItem{}
		}
		items = listed
	}

	for _, item := range items {
		if err := m.store.Touch(ctx, item.ID); err != nil {
			m.logger.WithError(err).WithField("id", item.ID).Warn("Failed to update memory access count")
			continue
		}
		item.AccessCount++
		item.LastAccessed = time.Now()
	}

	if !req.IncludeContent {
		for _, item := range items {
			item.Content = ""
		}
	}

	return items
}

// semanticSearch ranks the full in-scope set by
// similarity*(1-recencyWeight) + (1/(daysOld+1))*recencyWeight with
// importance as the tie-break.
func (m *Manager) semanticSearch(ctx context.Context, query string, filter database.MemoryFilter, recencyWeight float64, limit int) []*database.MemoryItem {
	items, err := m.store.List(ctx, filter)
	if err != nil {
		m.logger.WithError(err).Error("Failed to list memory items")
		return []*database.MemoryItem{}
	}
	if len(items) == 0 {
		return items
	}

	var queryVec []float32
	if m.embedder != nil {
		queryVec, err = m.embedder.Embed(ctx, query)
		if err != nil {
			m.logger.WithError(err).Warn("Failed to embed memory query, ranking by recency only")
			queryVec = nil
		}
	}

	now := time.Now()
	scores := make(map[*database.MemoryItem]float64, len(items))
	for _, item := range items {
		similarity := 0.0
		if queryVec != nil && len(item.Embedding) > 0 {
			similarity = cosineSimilarity(queryVec, item.Embedding)
		}
		daysOld := now.Sub(item.CreatedAt).Hours() / 24
		if daysOld < 0 {
			daysOld = 0
		}
		recency := 1.0 / (daysOld + 1)
		scores[item] = similarity*(1-recencyWeight) + recency*recencyWeight
	}

	sort.SliceStable(items, func(i, j int) bool {
		if scores[items[i]] != scores[items[j]] {
			return scores[items[i]] > scores[items[j]]
		}
		return items[i].Importance > items[j].Importance
	})

	if len(items) > limit {
		items = items[:limit]
	}
	return items
}

// Promote moves an item to long-term memory, clearing its expiry. The
// importance becomes max(current, threshold) unless newImportance is
// given. Promoting an item already in long-term memory is a no-op
// besides an optional importance update.
func (m *Manager) Promote(ctx context.Context, id string, newImportance *float64) bool {
	item, err := m.store.GetByID(ctx, id)
	if err != nil {
		m.logger.WithError(err).WithField("id", id).Error("Failed to load memory item for promotion")
		return false
	}
	if item == nil {
		m.logger.WithField("id", id).Warn("Memory item not found")
		return false
	}

	if item.Tier == TierLongTerm {
		if newImportance != nil && *newImportance != item.Importance {
			if err := m.store.Promote(ctx, id, *newImportance); err != nil {
				m.logger.WithError(err).WithField("id", id).Error("Failed to update long-term importance")
				return false
			}
		}
		return true
	}

	importance := item.Importance
	if newImportance != nil {
		importance = *newImportance
	} else if importance < m.cfg.LongTermThreshold {
		importance = m.cfg.LongTermThreshold
	}

	if err := m.store.Promote(ctx, id, importance); err != nil {
		m.logger.WithError(err).WithField("id", id).Error("Failed to promote memory item")
		return false
	}
	m.logger.WithFields(logrus.Fields{
		"id":         id,
		"importance": importance,
	}).Info("Promoted memory item to long-term memory")

	m.Prune(ctx, TierLongTerm, item.OwnerID)

	return true
}

// Prune deletes the excess items in a tier scope, least valuable and
// least recently touched first, until the tier capacity holds. Returns
// the number of deleted items.
func (m *Manager) Prune(ctx context.Context, tier, ownerID string) int64 {
	capacity := m.capacityFor(tier)
	if capacity <= 0 {
		return 0
	}

	count, err := m.store.CountScope(ctx, tier, ownerID)
	if err != nil {
		m.logger.WithError(err).WithField("tier", tier).Error("Failed to count memory items")
		return 0
	}
	if count <= capacity {
		return 0
	}

	removed, err := m.store.DeleteExcess(ctx, tier, ownerID, count-capacity)
	if err != nil {
		m.logger.WithError(err).WithField("tier", tier).Error("Failed to prune memory items")
		return 0
	}
	m.logger.WithFields(logrus.Fields{
		"tier":    tier,
		"removed": removed,
	}).Info("Pruned memory tier")

	return removed
}

// PruneExpired deletes all items past their expiry across tiers.
func (m *Manager) PruneExpired(ctx context.Context) int64 {
	removed, err := m.store.DeleteExpired(ctx)
	if err != nil {
		m.logger.WithError(err).Error("Failed to delete expired memory items")
		return 0
	}
	if removed > 0 {
		m.logger.WithField("removed", removed).Info("Deleted expired memory items")
	}
	return removed
}

// Forget hard-deletes a single memory item.
func (m *Manager) Forget(ctx context.Context, id string) bool {
	if err := m.store.Delete(ctx, id); err != nil {
		m.logger.WithError(err).WithField("id", id).Error("Failed to delete memory item")
		return false
	}
	m.logger.WithField("id", id).Info("Deleted memory item")
	return true
}

// ForgetAll bulk-deletes items matching the filter. An empty filter
// deletes nothing.
func (m *Manager) ForgetAll(ctx context.Context, filter database.MemoryFilter) int64 {
	if filter.IsEmpty() {
		m.logger.Warn("Refusing to delete all memory without filters")
		return 0
	}

	deleted, err := m.store.DeleteWhere(ctx, filter)
	if err != nil {
		m.logger.WithError(err).Error("Failed to delete memory items")
		return 0
	}
	m.logger.WithField("deleted", deleted).Info("Deleted memory items")
	return deleted
}

func (m *Manager) expiryFor(tier string) *time.Time {
	var ttl time.Duration
	switch tier {
	case TierWorking:
		ttl = m.cfg.WorkingTTL
	case TierShortTerm:
		ttl = m.cfg.ShortTermTTL
	default:
		return nil
	}
	expiry := time.Now().Add(ttl)
	return &expiry
}

func (m *Manager) capacityFor(tier string) int64 {
	switch tier {
	case TierWorking:
		return int64(m.cfg.WorkingCapacity)
	case TierShortTerm:
		return int64(m.cfg.ShortTermCapacity)
	case TierLongTerm:
		return int64(m.cfg.LongTermCapacity)
	default:
		return 0
	}
}

func (m *Manager) mirrorKey(item *database.MemoryItem) string {
	return fmt.Sprintf("%s%s:%s:%s:%s", mirrorPrefix, item.Tier, item.OwnerID, item.Conversation, item.ID)
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
