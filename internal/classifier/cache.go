package classifier

import (
	"crypto/sha256"
	"sync"

	"cellarline/internal/config"
)

// Cache keeps one compiled Classifier per winery, rebuilt when the winery's
// config content changes. A nil Cache compiles on every call.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	sum [sha256.Size]byte
	c   *Classifier
}

func NewCache() *Cache {
	return &Cache{entries: map[string]cacheEntry{}}
}

// Get returns the compiled classifier for cfg.Winery.ID, compiling it when
// the config differs from the cached version.
func (k *Cache) Get(cfg *config.Config) (*Classifier, error) {
	if k == nil || cfg == nil {
		return New(cfg)
	}
	data, err := config.ToYAML(cfg)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	id := cfg.Winery.ID
	k.mu.Lock()
	ent, ok := k.entries[id]
	k.mu.Unlock()
	if ok && ent.sum == sum {
		return ent.c, nil
	}
	c, err := New(cfg)
	if err != nil {
		return nil, err
	}
	k.mu.Lock()
	if k.entries == nil {
		k.entries = map[string]cacheEntry{}
	}
	k.entries[id] = cacheEntry{sum: sum, c: c}
	k.mu.Unlock()
	return c, nil
}

// Forget drops the cached classifier for a winery.
func (k *Cache) Forget(wineryID string) {
	if k == nil {
		return
	}
	k.mu.Lock()
	delete(k.entries, wineryID)
	k.mu.Unlock()
}
