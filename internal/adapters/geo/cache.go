package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"time"

	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/sync/singleflight"

	"github.com/vigilsec/banwatch/internal/domain"
	"github.com/vigilsec/banwatch/internal/ports"
	"github.com/vigilsec/banwatch/pkg/lru"
)

var geoBucket = []byte("geo")

// cacheEntry is the persisted form of one cached result. Transient entries
// are failed lookups cached briefly so the pipeline does not hammer the
// resolver; they are not definitive negatives and expire.
type cacheEntry struct {
	Geo       domain.GeoInfo `json:"geo"`
	Transient bool           `json:"transient,omitempty"`
	Expires   time.Time      `json:"expires,omitempty"`
}

// Cache fronts a GeoResolver with a persistent bbolt cache. Lookups for
// the same address are deduplicated in flight via singleflight, bounded by
// a timeout, and never propagate errors to the caller: a failed lookup
// degrades to a nil (unknown) result.
type Cache struct {
	db       *bolt.DB
	resolver ports.GeoResolver
	group    singleflight.Group
	hot      *lru.Cache[string, cacheEntry]

	negativeTTL   time.Duration
	lookupTimeout time.Duration

	// whitelisted short-circuits lookups for operator-trusted addresses.
	whitelisted func(netip.Addr) bool

	metrics *domain.EngineMetrics
}

// CacheConfig configures a Cache.
type CacheConfig struct {
	DBPath        string
	NegativeTTL   time.Duration // how long failed lookups stay cached
	LookupTimeout time.Duration
	Whitelisted   func(netip.Addr) bool
	Metrics       *domain.EngineMetrics
}

// NewCache opens (or creates) the cache database at cfg.DBPath.
func NewCache(cfg CacheConfig, resolver ports.GeoResolver) (*Cache, error) {
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = 15 * time.Minute
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 3 * time.Second
	}

	db, err := bolt.Open(cfg.DBPath, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("geo: open cache db %s: %w", cfg.DBPath, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(geoBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("geo: init cache bucket: %w", err)
	}

	return &Cache{
		db:            db,
		resolver:      resolver,
		hot:           lru.New[string, cacheEntry](1024),
		negativeTTL:   cfg.NegativeTTL,
		lookupTimeout: cfg.LookupTimeout,
		whitelisted:   cfg.Whitelisted,
		metrics:       cfg.Metrics,
	}, nil
}

// Resolve returns the geolocation for addr, or nil when unknown.
//
// Private, loopback and whitelisted addresses short-circuit to a local
// marker without touching the resolver. Cache hits, including definitive
// negatives, return immediately. Misses trigger a deduplicated, bounded
// resolver lookup whose result (or transient failure) is cached.
func (c *Cache) Resolve(ctx context.Context, addr netip.Addr) *domain.GeoInfo {
	if isLocal(addr) || (c.whitelisted != nil && c.whitelisted(addr)) {
		return &domain.GeoInfo{Local: true, FetchedAt: time.Now()}
	}

	key := addr.String()
	if entry, ok := c.load(key); ok {
		if entry.Transient {
			if time.Now().Before(entry.Expires) {
				return nil // failure still cached, don't retry yet
			}
			// expired transient entry: fall through to a fresh lookup
		} else {
			if entry.Geo.Unknown() {
				return nil // definitive negative
			}
			g := entry.Geo
			return &g
		}
	}

	result, err, _ := c.group.Do(key, func() (interface{}, error) {
		return c.lookup(ctx, addr)
	})
	if err != nil || result == nil {
		return nil
	}
	g := result.(domain.GeoInfo)
	if g.Unknown() {
		return nil
	}
	return &g
}

// lookup performs the bounded resolver call and caches the outcome.
func (c *Cache) lookup(ctx context.Context, addr netip.Addr) (interface{}, error) {
	if c.metrics != nil {
		c.metrics.IncGeoLookups()
	}

	ctx, cancel := context.WithTimeout(ctx, c.lookupTimeout)
	defer cancel()

	info, err := c.resolver.Lookup(ctx, addr)
	now := time.Now()
	if err != nil {
		if c.metrics != nil {
			c.metrics.IncGeoFailures()
		}
		log.Warn().Err(err).Str("addr", addr.String()).Msg("geolocation lookup failed")
		c.store(addr.String(), cacheEntry{
			Transient: true,
			Expires:   now.Add(c.negativeTTL),
		})
		return nil, err
	}

	entry := cacheEntry{Geo: domain.GeoInfo{FetchedAt: now}}
	if info != nil {
		entry.Geo = *info
		entry.Geo.FetchedAt = now
	}
	// a nil info is a definitive unknown: cached without expiry so the
	// same address is never looked up again
	c.store(addr.String(), entry)
	return entry.Geo, nil
}

func (c *Cache) load(key string) (cacheEntry, bool) {
	if entry, ok := c.hot.Get(key); ok {
		return entry, true
	}
	var entry cacheEntry
	found := false
	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(geoBucket).Get([]byte(key))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &entry); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("addr", key).Msg("corrupt geo cache entry ignored")
		return cacheEntry{}, false
	}
	if found {
		c.hot.Put(key, entry)
	}
	return entry, found
}

func (c *Cache) store(key string, entry cacheEntry) {
	c.hot.Put(key, entry)
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	err = c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(geoBucket).Put([]byte(key), raw)
	})
	if err != nil {
		log.Warn().Err(err).Str("addr", key).Msg("failed to persist geo cache entry")
	}
}

// Close releases the cache database.
func (c *Cache) Close() error {
	return c.db.Close()
}

func isLocal(addr netip.Addr) bool {
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsUnspecified()
}
