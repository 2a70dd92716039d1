// Package images is a content-addressed cache of core-served album art.
// Entries live for the process lifetime: keys are bounded by what the core
// has served, so there is no eviction.
package images

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jdrivas/roon-rd/internal/metrics"
	"github.com/jdrivas/roon-rd/internal/roon"
)

// Fetcher is the slice of the session the cache pulls bytes through.
type Fetcher interface {
	FetchImage(ctx context.Context, key string, width, height int) (roon.ImageData, error)
}

// Cache stores fetched artwork by opaque key. Concurrent requests for the
// same uncached key collapse to one core fetch.
type Cache struct {
	fetcher      Fetcher
	fetchTimeout time.Duration
	width        int
	height       int

	mu      sync.RWMutex
	entries map[string]roon.ImageData
	group   singleflight.Group
}

// New creates the cache. Artwork is requested scaled to width x height,
// matching what the web surface renders.
func New(fetcher Fetcher, fetchTimeout time.Duration, width, height int) *Cache {
	if fetchTimeout <= 0 {
		fetchTimeout = 10 * time.Second
	}
	if width <= 0 {
		width = 300
	}
	if height <= 0 {
		height = 300
	}
	return &Cache{
		fetcher:      fetcher,
		fetchTimeout: fetchTimeout,
		width:        width,
		height:       height,
		entries:      make(map[string]roon.ImageData),
	}
}

// Get returns the cached entry without fetching.
func (c *Cache) Get(key string) (roon.ImageData, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	img, ok := c.entries[key]
	return img, ok
}

// GetOrFetch returns cached bytes, fetching from the core on a miss. At most
// one fetch per key is in flight; other callers await its result.
func (c *Cache) GetOrFetch(ctx context.Context, key string) (roon.ImageData, error) {
	if img, ok := c.Get(key); ok {
		metrics.ImageFetches.WithLabelValues("hit").Inc()
		return img, nil
	}
	metrics.ImageFetches.WithLabelValues("miss").Inc()

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check: a prior flight may have stored the entry between the
		// miss and the group claim.
		if img, ok := c.Get(key); ok {
			return img, nil
		}
		fetchCtx, cancel := context.WithTimeout(context.Background(), c.fetchTimeout)
		defer cancel()
		img, err := c.fetcher.FetchImage(fetchCtx, key, c.width, c.height)
		if err != nil {
			return roon.ImageData{}, err
		}
		c.mu.Lock()
		c.entries[key] = img
		c.mu.Unlock()
		return img, nil
	})
	if err != nil {
		return roon.ImageData{}, err
	}
	return v.(roon.ImageData), nil
}

// Warm prefetches keys in the background. Misses are fetched concurrently;
// failures are logged and retried on the next demand.
func (c *Cache) Warm(keys []string) {
	for _, key := range keys {
		if key == "" {
			continue
		}
		if _, ok := c.Get(key); ok {
			continue
		}
		go func(key string) {
			if _, err := c.GetOrFetch(context.Background(), key); err != nil {
				log.Printf("IMAGE: warm-up fetch for %s failed: %v", key, err)
			}
		}(key)
	}
}

// Len reports how many entries are resident.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
