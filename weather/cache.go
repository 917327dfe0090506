package weather

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fieldworks/agrihub/telemetry"
)

// DefaultTTL is how long a fetched alerts document stays fresh.
const DefaultTTL = time.Hour

// Fetcher fetches the current alerts document from the external API.
type Fetcher interface {
	FetchAlerts(ctx context.Context) (*FeatureCollection, error)
}

// slotState classifies the single cached slot relative to the TTL.
type slotState int

const (
	slotEmpty slotState = iota // nothing fetched yet
	slotFresh                  // age < TTL
	slotStale                  // age >= TTL
)

// item is the cached document with its fetch time.
type item struct {
	data      *FeatureCollection
	fetchedAt time.Time
}

// Status is the read-only cache introspection for the admin endpoint.
// Age and LastUpdated are null until something has been cached.
type Status struct {
	Exists      bool       `json:"exists"`
	IsValid     bool       `json:"isValid"`
	AgeMs       *int64     `json:"age"`
	LastUpdated *time.Time `json:"lastUpdated"`
}

// Cache is a single-slot TTL cache over the alerts feed.
//
// There is exactly one national alerts feed, so a single shared slot holds
// the latest document rather than a keyed map. Reads serve the slot while it
// is fresh; a stale slot triggers a refetch, falling back to the stale
// document when the fetch fails. Better hour-old alerts than a hard failure
// during an upstream outage.
type Cache struct {
	fetcher Fetcher
	logger  *slog.Logger
	ttl     time.Duration
	now     func() time.Time

	mu   sync.RWMutex
	item *item

	// fetches deduplicates concurrent refetches of the one feed.
	fetches singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger for cache events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithTTL sets how long a fetched document stays fresh.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

// NewCache creates a Cache over fetcher.
func NewCache(fetcher Fetcher, opts ...Option) *Cache {
	c := &Cache{
		fetcher: fetcher,
		logger:  slog.Default(),
		ttl:     DefaultTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Alerts returns the current alerts document.
//
// A fresh slot is served without fetching. A stale slot triggers a fetch;
// on failure the stale document is returned with a warning logged. An empty
// slot fetches unconditionally and propagates failure, as there is nothing
// to fall back to.
func (c *Cache) Alerts(ctx context.Context) (*FeatureCollection, error) {
	state, cached := c.snapshot()

	switch state {
	case slotFresh:
		telemetry.RecordWeatherRead(ctx, "fresh")
		return cached.data, nil

	case slotStale:
		data, err := c.fetch(ctx)
		if err != nil {
			c.logger.Warn("alerts fetch failed, serving stale data",
				"age", c.now().Sub(cached.fetchedAt).String(), "error", err)
			telemetry.RecordWeatherRead(ctx, "stale")
			return cached.data, nil
		}
		telemetry.RecordWeatherRead(ctx, "fetched")
		return data, nil

	default: // slotEmpty
		data, err := c.fetch(ctx)
		if err != nil {
			telemetry.RecordWeatherRead(ctx, "error")
			return nil, err
		}
		telemetry.RecordWeatherRead(ctx, "fetched")
		return data, nil
	}
}

// Refresh unconditionally fetches a fresh document and overwrites the slot,
// resetting its timestamp. Failures are returned to the caller with the
// existing item left untouched.
func (c *Cache) Refresh(ctx context.Context) (*FeatureCollection, error) {
	return c.fetch(ctx)
}

// Status reports the slot's presence, validity and age.
func (c *Cache) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.item == nil {
		return Status{}
	}

	age := c.now().Sub(c.item.fetchedAt)
	ageMs := age.Milliseconds()
	fetchedAt := c.item.fetchedAt

	return Status{
		Exists:      true,
		IsValid:     age < c.ttl,
		AgeMs:       &ageMs,
		LastUpdated: &fetchedAt,
	}
}

// snapshot classifies the slot under the read lock. Readers of a still-fresh
// or still-stale document never block on an in-flight fetch.
func (c *Cache) snapshot() (slotState, *item) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.item == nil {
		return slotEmpty, nil
	}
	if c.now().Sub(c.item.fetchedAt) < c.ttl {
		return slotFresh, c.item
	}
	return slotStale, c.item
}

// fetch performs a deduplicated upstream fetch and stores the result.
// The fetch runs on a detached context so one caller's cancellation does not
// stop it for other waiters; each caller still honors its own deadline.
// The slot is only mutated on success.
func (c *Cache) fetch(ctx context.Context) (*FeatureCollection, error) {
	ch := c.fetches.DoChan("alerts", func() (any, error) {
		data, err := c.fetcher.FetchAlerts(context.WithoutCancel(ctx))
		if err != nil {
			return nil, fmt.Errorf("fetching weather alerts: %w", err)
		}

		c.mu.Lock()
		c.item = &item{data: data, fetchedAt: c.now()}
		c.mu.Unlock()

		c.logger.Debug("weather alerts cached", "features", len(data.Features))
		return data, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*FeatureCollection), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
