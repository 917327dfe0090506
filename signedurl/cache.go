// Package signedurl memoizes provider-signed object URLs until they near
// expiry, avoiding a round trip to the storage provider on every read.
package signedurl

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fieldworks/agrihub/telemetry"
)

const (
	// DefaultTTL is the validity requested from the provider for each
	// signed URL.
	DefaultTTL = time.Hour

	// DefaultMargin is subtracted from the TTL when computing cache expiry,
	// so cached URLs are dropped before the provider would reject them.
	DefaultMargin = 5 * time.Minute
)

// Provider signs and deletes stored objects. The cache decorates the read
// path only; writes go to the provider directly.
type Provider interface {
	GenerateSignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
}

// entry is one cached URL, served until expiresAt.
type entry struct {
	url       string
	expiresAt time.Time
}

// Cache memoizes signed URLs per object key.
//
// Signed URLs are self-contained bearer credentials with their own signature
// and expiry, so serving a cached one is safe until it actually expires.
// Entries expire a margin early, trading a small staleness window for
// avoiding a provider round trip on every read.
type Cache struct {
	provider Provider
	logger   *slog.Logger
	ttl      time.Duration
	margin   time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]entry
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger for cache events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithTTL sets the validity requested from the provider for each URL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

// WithMargin sets the safety margin subtracted from the TTL.
func WithMargin(margin time.Duration) Option {
	return func(c *Cache) {
		c.margin = margin
	}
}

// New creates a Cache in front of provider.
func New(provider Provider, opts ...Option) *Cache {
	c := &Cache{
		provider: provider,
		logger:   slog.Default(),
		ttl:      DefaultTTL,
		margin:   DefaultMargin,
		now:      time.Now,
		entries:  make(map[string]entry),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.ttl <= c.margin {
		// Entries would be born expired and every read would hit the provider.
		c.logger.Warn("signed url ttl does not exceed safety margin",
			"ttl", c.ttl, "margin", c.margin)
	}

	return c
}

// GetSignedURL returns a signed URL for key, serving the cached one while it
// remains inside the margin-adjusted validity window. forceRefresh bypasses
// the cache and always asks the provider.
//
// Provider failures are returned to the caller and never cached; each call
// attempt is independent. Concurrent misses on the same key may each reach
// the provider, which is harmless since every URL issued is valid on its own.
func (c *Cache) GetSignedURL(ctx context.Context, key string, forceRefresh bool) (string, error) {
	now := c.now()

	if !forceRefresh {
		c.mu.Lock()
		e, ok := c.entries[key]
		c.mu.Unlock()

		if ok && now.Before(e.expiresAt) {
			telemetry.RecordSignedURLLookup(ctx, "hit")
			return e.url, nil
		}
	}

	url, err := c.provider.GenerateSignedURL(ctx, key, c.ttl)
	if err != nil {
		telemetry.RecordSignedURLLookup(ctx, "error")
		return "", fmt.Errorf("generating signed url for %s: %w", key, err)
	}

	c.mu.Lock()
	c.entries[key] = entry{url: url, expiresAt: now.Add(c.ttl - c.margin)}
	size := len(c.entries)
	c.mu.Unlock()

	result := "miss"
	if forceRefresh {
		result = "forced"
	}
	telemetry.RecordSignedURLLookup(ctx, result)
	telemetry.UpdateSignedURLCacheSize(ctx, size)

	return url, nil
}

// RefreshSignedURL generates a fresh URL for key regardless of cache state.
func (c *Cache) RefreshSignedURL(ctx context.Context, key string) (string, error) {
	return c.GetSignedURL(ctx, key, true)
}

// DeleteFile deletes the object at key from the provider and drops any
// cached URL for it. Dropping an absent entry is a no-op.
func (c *Cache) DeleteFile(ctx context.Context, key string) error {
	if err := c.provider.Delete(ctx, key); err != nil {
		return fmt.Errorf("deleting file %s: %w", key, err)
	}

	c.mu.Lock()
	delete(c.entries, key)
	size := len(c.entries)
	c.mu.Unlock()

	telemetry.UpdateSignedURLCacheSize(ctx, size)

	return nil
}

// CleanExpired removes every entry whose expiry has passed and returns the
// number removed. It is never called implicitly; a scheduler or admin route
// must invoke it.
func (c *Cache) CleanExpired() int {
	now := c.now()

	c.mu.Lock()
	removed := 0
	for key, e := range c.entries {
		if !e.expiresAt.After(now) {
			delete(c.entries, key)
			removed++
		}
	}
	size := len(c.entries)
	c.mu.Unlock()

	if removed > 0 {
		c.logger.Debug("swept expired signed urls", "removed", removed, "remaining", size)
	}
	telemetry.UpdateSignedURLCacheSize(context.Background(), size)

	return removed
}

// ExpiresAt returns the cached entry's expiry for key, when one exists.
// Callers surface it alongside the URL so clients know when to re-request.
func (c *Cache) ExpiresAt(key string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return time.Time{}, false
	}
	return e.expiresAt, true
}

// Size returns the current entry count.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
