package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/yiyabo/gagent/internal/logging"
	"github.com/yiyabo/gagent/internal/shared/jsonx"
)

const (
	defaultCacheMaxSize = 128
	defaultCacheTTL     = 5 * time.Minute
)

// CacheConfig configures the tool result cache.
type CacheConfig struct {
	MaxSize int
	TTL     time.Duration
}

type cacheEntry struct {
	result   Result
	storedAt time.Time
}

// CachedRegistry decorates a Registry with an LRU+TTL result cache keyed by
// (tool name, normalized arguments). Only info tools are cached; output
// tools carry side effects and always run.
type CachedRegistry struct {
	delegate Registry
	cache    *lru.Cache[string, cacheEntry]
	ttl      time.Duration
	logger   logging.Logger
}

// NewCachedRegistry wraps delegate with result caching.
func NewCachedRegistry(delegate Registry, config CacheConfig, logger logging.Logger) (*CachedRegistry, error) {
	if config.MaxSize <= 0 {
		config.MaxSize = defaultCacheMaxSize
	}
	if config.TTL <= 0 {
		config.TTL = defaultCacheTTL
	}
	cache, err := lru.New[string, cacheEntry](config.MaxSize)
	if err != nil {
		return nil, err
	}
	return &CachedRegistry{
		delegate: delegate,
		cache:    cache,
		ttl:      config.TTL,
		logger:   logging.OrNop(logger),
	}, nil
}

func (c *CachedRegistry) List() []Descriptor {
	return c.delegate.List()
}

func (c *CachedRegistry) Invoke(ctx context.Context, name string, args map[string]any) (*Result, error) {
	if !c.cacheable(name) {
		return c.delegate.Invoke(ctx, name, args)
	}

	key := cacheKey(name, args)
	if entry, ok := c.cache.Get(key); ok {
		if time.Since(entry.storedAt) < c.ttl {
			c.logger.Debug("tool cache hit for %s", name)
			result := entry.result
			return &result, nil
		}
		c.cache.Remove(key)
	}

	result, err := c.delegate.Invoke(ctx, name, args)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, cacheEntry{result: *result, storedAt: time.Now()})
	return result, nil
}

func (c *CachedRegistry) cacheable(name string) bool {
	for _, d := range c.delegate.List() {
		if d.Name == name {
			return d.Kind == KindInfo
		}
	}
	return false
}

// cacheKey hashes the tool name with its arguments in sorted-key order so
// map iteration order never splits the cache.
func cacheKey(name string, args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte(0)
		b.WriteString(k)
		b.WriteByte('=')
		if raw, err := jsonx.Marshal(args[k]); err == nil {
			b.Write(raw)
		}
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

var _ Registry = (*CachedRegistry)(nil)
