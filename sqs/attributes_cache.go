package sqs

import (
	"context"
	"sync"
	"time"
)

// AttributesGetter fetches queue attributes.
type AttributesGetter interface {
	Attributes(ctx context.Context) (Attributes, error)
}

// CachedAttributes wraps an [AttributesGetter] and serves its result for a
// fixed time to live. Failed fetches are not cached.
type CachedAttributes struct {
	getter AttributesGetter
	ttl    time.Duration
	clock  func() time.Time

	mu        sync.Mutex
	cached    Attributes
	fetchedAt time.Time
	valid     bool
}

// NewCachedAttributes caches attributes from getter for ttl.
func NewCachedAttributes(getter AttributesGetter, ttl time.Duration) *CachedAttributes {
	return &CachedAttributes{
		getter: getter,
		ttl:    ttl,
		clock:  time.Now,
	}
}

// Attributes returns the cached attributes, fetching them when the cache is
// empty or older than the time to live.
func (c *CachedAttributes) Attributes(ctx context.Context) (Attributes, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.valid && c.clock().Sub(c.fetchedAt) < c.ttl {
		return c.cached, nil
	}

	attrs, err := c.getter.Attributes(ctx)
	if err != nil {
		return Attributes{}, err
	}

	c.cached = attrs
	c.fetchedAt = c.clock()
	c.valid = true

	return attrs, nil
}

// Invalidate drops the cached attributes.
func (c *CachedAttributes) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.valid = false
}
