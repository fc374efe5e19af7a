package orchestrator

import (
	"container/list"
	"encoding/hex"
	"sync"

	"github.com/iosstud/wax/internal/checksum"
)

// embedCacheEntry is one cached embedding, keyed by the SHA-256 digest of
// its source text so identical chunks across documents share one vector.
type embedCacheEntry struct {
	key    string
	vector []float32
}

// embeddingCache is a capacity-bounded LRU cache of text -> embedding,
// serialized behind a mutex per spec.md §5's "capacity-bounded LRU behind a
// serial executor; get_batch, set_batch atomic". Grounded on the teacher's
// RWMutex-guarded-map idiom (internal/domain/schema.Table); no pack example
// ships a generic LRU, so this uses stdlib container/list directly rather
// than inventing a dependency for it.
type embeddingCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List // front = most recently used
}

func newEmbeddingCache(capacity int) *embeddingCache {
	if capacity <= 0 {
		capacity = 1024
	}
	return &embeddingCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

func cacheKey(text string) string {
	digest := checksum.Sum256([]byte(text))
	return hex.EncodeToString(digest[:])
}

// GetBatch returns the cached vector for each of texts that has one, keyed
// by its index into texts. Missing entries are simply absent from the
// result map — callers embed those themselves.
func (c *embeddingCache) GetBatch(texts []string) map[int][]float32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[int][]float32)
	for i, text := range texts {
		key := cacheKey(text)
		if el, ok := c.entries[key]; ok {
			c.order.MoveToFront(el)
			out[i] = append([]float32(nil), el.Value.(*embedCacheEntry).vector...)
		}
	}
	return out
}

// SetBatch stores a vector per (text, vector) pair, evicting the
// least-recently-used entry whenever capacity is exceeded.
func (c *embeddingCache) SetBatch(texts []string, vectors [][]float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, text := range texts {
		key := cacheKey(text)
		if el, ok := c.entries[key]; ok {
			c.order.MoveToFront(el)
			el.Value.(*embedCacheEntry).vector = append([]float32(nil), vectors[i]...)
			continue
		}
		el := c.order.PushFront(&embedCacheEntry{key: key, vector: append([]float32(nil), vectors[i]...)})
		c.entries[key] = el
		for c.order.Len() > c.capacity {
			oldest := c.order.Back()
			if oldest == nil {
				break
			}
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*embedCacheEntry).key)
		}
	}
}
