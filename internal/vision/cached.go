package vision

import (
	"context"
	"fmt"
	"image"

	lru "github.com/hashicorp/golang-lru/v2"
)

type cacheKey struct {
	img   image.Image
	op    string
	query string
}

// Cached memoizes recognition results per image instance. Captures are
// immutable, so a repeated query against the same capture within one
// iteration (classifier, arbiter and workflow all look at the same frame)
// is served from memory. Images must be pointer types.
type Cached struct {
	inner Service
	cache *lru.Cache[cacheKey, any]
}

var _ Service = (*Cached)(nil)

// NewCached wraps svc with an LRU of the given size.
func NewCached(svc Service, size int) (*Cached, error) {
	if size <= 0 {
		size = 64
	}
	cache, err := lru.New[cacheKey, any](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create vision cache: %w", err)
	}
	return &Cached{inner: svc, cache: cache}, nil
}

func (c *Cached) MatchLandmark(ctx context.Context, img image.Image, name string) (*LandmarkMatch, error) {
	return memo(c, cacheKey{img, "landmark", name}, func() (*LandmarkMatch, error) {
		return c.inner.MatchLandmark(ctx, img, name)
	})
}

func (c *Cached) MatchAllLandmarks(ctx context.Context, img image.Image, category string) ([]LandmarkMatch, error) {
	return memo(c, cacheKey{img, "landmarks", category}, func() ([]LandmarkMatch, error) {
		return c.inner.MatchAllLandmarks(ctx, img, category)
	})
}

func (c *Cached) FindText(ctx context.Context, img image.Image, text string) (*TextMatch, error) {
	return memo(c, cacheKey{img, "text", text}, func() (*TextMatch, error) {
		return c.inner.FindText(ctx, img, text)
	})
}

func (c *Cached) FindAllText(ctx context.Context, img image.Image) ([]TextMatch, error) {
	return memo(c, cacheKey{img, "ocr", ""}, func() ([]TextMatch, error) {
		return c.inner.FindAllText(ctx, img)
	})
}

// Len reports the number of cached results.
func (c *Cached) Len() int { return c.cache.Len() }

// Errors are not cached.
func memo[T any](c *Cached, key cacheKey, load func() (T, error)) (T, error) {
	if v, ok := c.cache.Get(key); ok {
		return v.(T), nil
	}
	v, err := load()
	if err != nil {
		return v, err
	}
	c.cache.Add(key, v)
	return v, nil
}
