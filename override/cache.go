package override

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quotaforge/ratelimit/telemetry"
)

// CacheConfig configures the override cache (spec §4.4, §6).
type CacheConfig struct {
	TTL     time.Duration
	MaxSize int
}

// DefaultCacheConfig matches spec §6's override_cache defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: 30 * time.Second, MaxSize: 10_000}
}

// lookupResult caches either a found override or the absence of one
// (spec §4.4: "negative results are cached to suppress repeated lookups").
type lookupResult struct {
	override Override
	found    bool
}

type cacheEntry struct {
	key       string
	result    lookupResult
	expiresAt time.Time
}

// Cache is an LRU+TTL cache over override lookups, keyed exactly as spec §4.4
// specifies: override:{tenant}:{u|none}:{e|none}.
type Cache struct {
	store   *Store
	cfg     CacheConfig
	metrics *telemetry.Metrics

	mu    sync.Mutex
	ll    *list.List
	items map[string]*list.Element
}

// NewCache constructs an override cache backed by store.
func NewCache(store *Store, cfg CacheConfig, metrics *telemetry.Metrics) *Cache {
	return &Cache{
		store:   store,
		cfg:     cfg,
		metrics: metrics,
		ll:      list.New(),
		items:   make(map[string]*list.Element),
	}
}

// Key builds the canonical override cache key for a (tenant,user,endpoint)
// triple (spec §4.4).
func Key(tenantID string, userID, endpoint *string) string {
	u := "none"
	if userID != nil {
		u = *userID
	}
	e := "none"
	if endpoint != nil {
		e = *endpoint
	}
	return fmt.Sprintf("override:%s:%s:%s", tenantID, u, e)
}

// GetActive resolves the cached lookup, querying the store on miss.
// On store failure it returns (Override{}, false, err) and callers must
// fail-open per spec §4.4 ("treat as no override").
func (c *Cache) GetActive(ctx context.Context, tenantID string, userID, endpoint *string) (Override, bool, error) {
	key := Key(tenantID, userID, endpoint)

	if res, ok := c.lookup(key); ok {
		return res.override, res.found, nil
	}

	o, found, err := c.store.GetActive(ctx, tenantID, userID, endpoint)
	if err != nil {
		return Override{}, false, err
	}

	c.insert(key, lookupResult{override: o, found: found})
	return o, found, nil
}

func (c *Cache) lookup(key string) (lookupResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return lookupResult{}, false
	}
	entry := elem.Value.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.ll.Remove(elem)
		delete(c.items, key)
		return lookupResult{}, false
	}
	c.ll.MoveToFront(elem)
	return entry.result, true
}

func (c *Cache) insert(key string, res lookupResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		elem.Value.(*cacheEntry).result = res
		elem.Value.(*cacheEntry).expiresAt = time.Now().Add(c.cfg.TTL)
		c.ll.MoveToFront(elem)
		return
	}

	entry := &cacheEntry{key: key, result: res, expiresAt: time.Now().Add(c.cfg.TTL)}
	elem := c.ll.PushFront(entry)
	c.items[key] = elem

	for c.ll.Len() > c.cfg.MaxSize {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
}

func (c *Cache) evict(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.ll.Remove(elem)
		delete(c.items, key)
	}
}

// InvalidateMutation evicts all four precedence-shape keys for (t,u,e) so no
// less-specific cached result masks a newly created/deleted override
// (spec §4.4).
func (c *Cache) InvalidateMutation(tenantID string, userID, endpoint *string) {
	c.evict(Key(tenantID, userID, endpoint))
	c.evict(Key(tenantID, userID, nil))
	c.evict(Key(tenantID, nil, endpoint))
	c.evict(Key(tenantID, nil, nil))
}

// Create creates an override in the store and invalidates the cache.
func (c *Cache) Create(ctx context.Context, o Override) (Override, error) {
	created, err := c.store.Create(ctx, o)
	if err != nil {
		return Override{}, err
	}
	c.InvalidateMutation(created.TenantID, created.UserID, created.Endpoint)
	return created, nil
}
