package cache

import (
	"sync"
	"time"
)

// Cache is a size-bounded map whose entries expire after a TTL.
type Cache[V any] struct {
	mu    sync.Mutex
	items map[string]cacheItem[V]
	opts  *options
}

type cacheItem[V any] struct {
	value      V
	expiration time.Time
}

type options struct {
	defaultTTL time.Duration
	maxSize    int
	now        func() time.Time
}

type Option func(*options)

func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.defaultTTL = ttl
	}
}

func WithMaxSize(maxSize int) Option {
	return func(o *options) {
		o.maxSize = maxSize
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func New[V any](opts ...Option) *Cache[V] {
	o := &options{now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	return &Cache[V]{
		items: make(map[string]cacheItem[V]),
		opts:  o,
	}
}

func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	item, found := c.items[key]
	if !found {
		return zero, false
	}
	if c.expired(item) {
		delete(c.items, key)
		return zero, false
	}
	return item.value, true
}

// Set stores value under key. A zero ttl uses the default TTL; a negative
// one, or a zero default, keeps the entry until it is evicted.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists && c.opts.maxSize > 0 && len(c.items) >= c.opts.maxSize {
		c.evict()
	}

	if ttl == 0 {
		ttl = c.opts.defaultTTL
	}
	var expiration time.Time
	if ttl > 0 {
		expiration = c.opts.now().Add(ttl)
	}
	c.items[key] = cacheItem[V]{value: value, expiration: expiration}
}

func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]cacheItem[V])
}

func (c *Cache[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Cache[V]) expired(item cacheItem[V]) bool {
	return !item.expiration.IsZero() && c.opts.now().After(item.expiration)
}

// evict drops expired entries, and when that frees nothing the entry closest
// to expiry. Entries without expiry go last.
func (c *Cache[V]) evict() {
	for key, item := range c.items {
		if c.expired(item) {
			delete(c.items, key)
		}
	}
	if len(c.items) < c.opts.maxSize {
		return
	}

	var (
		victim   string
		earliest time.Time
	)
	for key, item := range c.items {
		if victim == "" {
			victim, earliest = key, item.expiration
			continue
		}
		if item.expiration.IsZero() {
			continue
		}
		if earliest.IsZero() || item.expiration.Before(earliest) {
			victim, earliest = key, item.expiration
		}
	}
	delete(c.items, victim)
}
