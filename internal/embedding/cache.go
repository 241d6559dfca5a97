package embedding

import (
	"context"
	"sync"
)

// Cache keeps recently computed embeddings in memory keyed by input text.
type Cache struct {
	cache   map[string][]float32
	mutex   sync.RWMutex
	maxSize int
}

// NewCache creates an embedding cache holding at most maxSize entries.
func NewCache(maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Cache{
		cache:   make(map[string][]float32),
		maxSize: maxSize,
	}
}

func (c *Cache) Get(text string) ([]float32, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	vector, ok := c.cache[text]
	return vector, ok
}

func (c *Cache) Set(text string, vector []float32) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if len(c.cache) >= c.maxSize {
		// Evict an arbitrary entry to make room.
		for key := range c.cache {
			delete(c.cache, key)
			break
		}
	}

	c.cache[text] = vector
}

func (c *Cache) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.cache)
}

// CachedEmbedder wraps an Embedder with an in-memory cache.
type CachedEmbedder struct {
	inner Embedder
	cache *Cache
}

// NewCachedEmbedder wraps inner so repeated texts skip the provider call.
func NewCachedEmbedder(inner Embedder, cacheSize int) *CachedEmbedder {
	return &CachedEmbedder{
		inner: inner,
		cache: NewCache(cacheSize),
	}
}

func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if vector, ok := e.cache.Get(text); ok {
		return vector, nil
	}

	vector, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	e.cache.Set(text, vector)
	return vector, nil
}

func (e *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	missing := make([]string, 0, len(texts))
	missingIdx := make([]int, 0, len(texts))

	for i, text := range texts {
		if vector, ok := e.cache.Get(text); ok {
			vectors[i] = vector
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}

	if len(missing) == 0 {
		return vectors, nil
	}

	computed, err := e.inner.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}

	for j, vector := range computed {
		vectors[missingIdx[j]] = vector
		e.cache.Set(missing[j], vector)
	}

	return vectors, nil
}

func (e *CachedEmbedder) Dimension() int {
	return e.inner.Dimension()
}

func (e *CachedEmbedder) Name() string {
	return e.inner.Name()
}
