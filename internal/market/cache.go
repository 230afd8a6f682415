package market

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/finsight-ai/finsight/internal/metrics"
)

// Cache provides Redis-based caching for bar windows and spot quotes.
// Bar windows live for one bar interval; quotes for a short fixed TTL.
type Cache struct {
	client   *redis.Client
	quoteTTL time.Duration
}

type barsCacheEntry struct {
	Symbol   string    `json:"symbol"`
	Period   string    `json:"period"`
	Interval string    `json:"interval"`
	Bars     []Bar     `json:"bars"`
	CachedAt time.Time `json:"cached_at"`
}

type quoteCacheEntry struct {
	Symbol   string    `json:"symbol"`
	Price    float64   `json:"price"`
	CachedAt time.Time `json:"cached_at"`
}

// NewCache creates a Redis-backed market data cache.
// If client is nil, returns nil (caching is optional).
func NewCache(client *redis.Client, quoteTTL time.Duration) *Cache {
	if client == nil {
		return nil
	}

	if quoteTTL == 0 {
		quoteTTL = 30 * time.Second
	}

	return &Cache{
		client:   client,
		quoteTTL: quoteTTL,
	}
}

// GetBars retrieves a cached bar window.
// Returns the bars and true if found, or nil and false on miss or error.
func (c *Cache) GetBars(ctx context.Context, symbol, period, interval string) ([]Bar, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}

	key := barsKey(symbol, period, interval)

	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	cached, err := c.client.Get(cacheCtx, key).Result()
	if err != nil {
		if err != redis.Nil {
			log.Debug().
				Err(err).
				Str("key", key).
				Msg("Redis get error - treating as cache miss")
		}
		return nil, false
	}

	var entry barsCacheEntry
	if err := json.Unmarshal([]byte(cached), &entry); err != nil {
		log.Warn().
			Err(err).
			Str("key", key).
			Msg("Failed to unmarshal cached bars")
		return nil, false
	}

	log.Debug().
		Str("symbol", symbol).
		Str("interval", interval).
		Int("bars", len(entry.Bars)).
		Time("cached_at", entry.CachedAt).
		Msg("Cache hit for bars")

	return entry.Bars, true
}

// SetBars stores a bar window with TTL equal to one bar interval.
// The caller controls the context deadline; writes are expected to run
// on the async write-behind path.
func (c *Cache) SetBars(ctx context.Context, symbol, period, interval string, bars []Bar) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("cache not initialized")
	}

	key := barsKey(symbol, period, interval)

	entry := barsCacheEntry{
		Symbol:   symbol,
		Period:   period,
		Interval: interval,
		Bars:     bars,
		CachedAt: time.Now(),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal bars entry: %w", err)
	}

	ttl := IntervalDuration(interval)
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		log.Warn().
			Err(err).
			Str("key", key).
			Msg("Failed to cache bars")
		return err
	}

	log.Debug().
		Str("symbol", symbol).
		Str("interval", interval).
		Int("bars", len(bars)).
		Dur("ttl", ttl).
		Msg("Cached bars")

	return nil
}

// GetQuote retrieves a cached spot price.
// Returns the price and true if found, or 0 and false on miss or error.
func (c *Cache) GetQuote(ctx context.Context, symbol string) (float64, bool) {
	if c == nil || c.client == nil {
		return 0, false
	}

	key := quoteKey(symbol)

	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	cached, err := c.client.Get(cacheCtx, key).Result()
	if err != nil {
		if err != redis.Nil {
			log.Debug().
				Err(err).
				Str("key", key).
				Msg("Redis get error - treating as cache miss")
		}
		return 0, false
	}

	var entry quoteCacheEntry
	if err := json.Unmarshal([]byte(cached), &entry); err != nil {
		log.Warn().
			Err(err).
			Str("key", key).
			Msg("Failed to unmarshal cached quote")
		return 0, false
	}

	log.Debug().
		Str("symbol", symbol).
		Float64("price", entry.Price).
		Time("cached_at", entry.CachedAt).
		Msg("Cache hit for quote")

	return entry.Price, true
}

// SetQuote stores a spot price with the configured quote TTL.
func (c *Cache) SetQuote(ctx context.Context, symbol string, price float64) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("cache not initialized")
	}

	key := quoteKey(symbol)

	entry := quoteCacheEntry{
		Symbol:   symbol,
		Price:    price,
		CachedAt: time.Now(),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal quote entry: %w", err)
	}

	if err := c.client.Set(ctx, key, data, c.quoteTTL).Err(); err != nil {
		log.Warn().
			Err(err).
			Str("key", key).
			Msg("Failed to cache quote")
		return err
	}

	return nil
}

// InvalidateSymbol removes every cached window and the quote for a symbol.
func (c *Cache) InvalidateSymbol(ctx context.Context, symbol string) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("cache not initialized")
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pattern := fmt.Sprintf("bars:%s:*", symbol)
	iter := c.client.Scan(cacheCtx, 0, pattern, 0).Iterator()
	count := 0

	for iter.Next(cacheCtx) {
		if err := c.client.Del(cacheCtx, iter.Val()).Err(); err != nil {
			log.Warn().
				Err(err).
				Str("key", iter.Val()).
				Msg("Failed to delete cache key")
		} else {
			count++
		}
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache scan error: %w", err)
	}

	if err := c.client.Del(cacheCtx, quoteKey(symbol)).Err(); err != nil {
		log.Warn().
			Err(err).
			Str("symbol", symbol).
			Msg("Failed to delete cached quote")
	}

	log.Info().
		Str("symbol", symbol).
		Int("keys_deleted", count).
		Msg("Invalidated cached market data")

	return nil
}

// Health checks if the Redis connection is healthy
func (c *Cache) Health(ctx context.Context) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("cache not initialized")
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.client.Ping(cacheCtx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}

	return nil
}

func barsKey(symbol, period, interval string) string {
	return fmt.Sprintf("bars:%s:%s:%s", symbol, period, interval)
}

func quoteKey(symbol string) string {
	return fmt.Sprintf("quote:%s", symbol)
}

// Cached wraps a Provider with the Redis cache. Reads go through the
// cache; misses fall through to the inner provider and are written back
// asynchronously with their own 2s timeout so a slow Redis never stalls
// a detection cycle.
type Cached struct {
	provider Provider
	cache    *Cache

	mu      sync.Mutex
	sources map[string]SourceInfo
}

// NewCached wraps provider with cache. A nil cache disables caching but
// keeps the provider usable.
func NewCached(provider Provider, cache *Cache) *Cached {
	return &Cached{
		provider: provider,
		cache:    cache,
		sources:  make(map[string]SourceInfo),
	}
}

// Name identifies the underlying provider.
func (c *Cached) Name() string {
	return c.provider.Name()
}

// GetBars returns the cached window when fresh, otherwise fetches from
// the inner provider and writes back asynchronously.
func (c *Cached) GetBars(ctx context.Context, symbol, period, interval string) ([]Bar, error) {
	if bars, ok := c.cache.GetBars(ctx, symbol, period, interval); ok {
		metrics.RecordCacheLookup("bars", true)
		c.recordSource(symbol, SourceInfo{Provider: "cache", BarCount: len(bars), CacheHit: true})
		return bars, nil
	}
	metrics.RecordCacheLookup("bars", false)

	bars, err := c.provider.GetBars(ctx, symbol, period, interval)
	if err != nil {
		return nil, err
	}

	c.writeBehindBars(symbol, period, interval, bars)

	src := SourceInfo{Provider: c.provider.Name(), BarCount: len(bars)}
	if reporter, ok := c.provider.(SourceReporter); ok {
		if inner, found := reporter.Source(symbol); found {
			src = inner
		}
	}
	c.recordSource(symbol, src)

	return bars, nil
}

// GetQuote returns the cached spot price when fresh, otherwise fetches
// from the inner provider and writes back asynchronously.
func (c *Cached) GetQuote(ctx context.Context, symbol string) (float64, error) {
	if price, ok := c.cache.GetQuote(ctx, symbol); ok {
		metrics.RecordCacheLookup("quote", true)
		return price, nil
	}
	metrics.RecordCacheLookup("quote", false)

	price, err := c.provider.GetQuote(ctx, symbol)
	if err != nil {
		return 0, err
	}

	if c.cache != nil {
		go func() {
			writeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := c.cache.SetQuote(writeCtx, symbol, price); err != nil {
				log.Debug().Err(err).Str("symbol", symbol).Msg("Async quote cache write failed")
			}
		}()
	}

	return price, nil
}

// Source reports where the most recent window for symbol came from.
func (c *Cached) Source(symbol string) (SourceInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	src, ok := c.sources[symbol]
	return src, ok
}

// InvalidateSymbol drops all cached entries for a symbol.
func (c *Cached) InvalidateSymbol(ctx context.Context, symbol string) error {
	if c.cache == nil {
		return nil
	}
	return c.cache.InvalidateSymbol(ctx, symbol)
}

func (c *Cached) recordSource(symbol string, src SourceInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sources[symbol] = src
}

func (c *Cached) writeBehindBars(symbol, period, interval string, bars []Bar) {
	if c.cache == nil {
		return
	}

	snapshot := make([]Bar, len(bars))
	copy(snapshot, bars)

	go func() {
		writeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.cache.SetBars(writeCtx, symbol, period, interval, snapshot); err != nil {
			log.Debug().Err(err).Str("symbol", symbol).Msg("Async bars cache write failed")
		}
	}()
}
