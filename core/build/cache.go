package build

import (
	"github.com/dgraph-io/ristretto"
)

const (
	cacheNumCounters = 1e6
	cacheBufferItems = 64
)

// ArtifactCache memoizes serialized stage outputs keyed by stage and
// input content hash, so identical inputs short-circuit recompute even
// across cycles. Cost is the serialized size.
type ArtifactCache struct {
	cache *ristretto.Cache
}

// NewArtifactCache creates a cache bounded to maxMB of serialized
// artifacts.
func NewArtifactCache(maxMB int64) (*ArtifactCache, error) {
	if maxMB <= 0 {
		maxMB = 64
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cacheNumCounters,
		MaxCost:     maxMB << 20,
		BufferItems: cacheBufferItems,
	})
	if err != nil {
		return nil, err
	}
	return &ArtifactCache{cache: cache}, nil
}

func cacheKey(stage, inputHash string) string {
	return stage + ":" + inputHash
}

// Get returns the cached serialized artifact for (stage, input hash).
func (c *ArtifactCache) Get(stage, inputHash string) ([]byte, bool) {
	v, ok := c.cache.Get(cacheKey(stage, inputHash))
	if !ok {
		return nil, false
	}
	data, ok := v.([]byte)
	return data, ok
}

// Put stores a serialized artifact. Admission may reject; that only
// costs a future recompute.
func (c *ArtifactCache) Put(stage, inputHash string, data []byte) {
	c.cache.Set(cacheKey(stage, inputHash), data, int64(len(data)))
}

// Wait flushes pending async writes. Tests use it; the pipeline never
// needs to.
func (c *ArtifactCache) Wait() {
	c.cache.Wait()
}

// Close releases the cache.
func (c *ArtifactCache) Close() {
	c.cache.Close()
}
