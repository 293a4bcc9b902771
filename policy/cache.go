package policy

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/quotaforge/ratelimit/rlerrors"
	"github.com/quotaforge/ratelimit/telemetry"
)

// CacheConfig configures the tenant/global policy cache (spec §4.3, §6).
type CacheConfig struct {
	TTL             time.Duration
	MaxSize         int
	RefreshInterval time.Duration
}

// DefaultCacheConfig matches spec §6's policy_cache defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:             60 * time.Second,
		MaxSize:         10_000,
		RefreshInterval: 30 * time.Second,
	}
}

type cacheEntry struct {
	tenantID  string
	policy    TenantPolicy
	expiresAt time.Time
}

// Cache is a bounded LRU with per-entry TTL over TenantPolicy documents, plus
// a single TTL-bound slot for GlobalPolicy. No library in the retrieved pack
// provides an LRU+TTL cache, so this is hand-rolled container/list+map (see
// DESIGN.md).
//
// Cache-miss stampedes on the same tenant are collapsed with
// golang.org/x/sync/singleflight so a burst of concurrent requests for an
// uncached tenant produces exactly one store round trip.
type Cache struct {
	store   *Store
	cfg     CacheConfig
	metrics *telemetry.Metrics

	mu    sync.Mutex
	ll    *list.List
	items map[string]*list.Element

	globalMu        sync.Mutex
	global          *GlobalPolicy
	globalExpiresAt time.Time

	sf singleflight.Group

	hits, misses atomic.Int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCache constructs a policy cache backed by store.
func NewCache(store *Store, cfg CacheConfig, metrics *telemetry.Metrics) *Cache {
	return &Cache{
		store:   store,
		cfg:     cfg,
		metrics: metrics,
		ll:      list.New(),
		items:   make(map[string]*list.Element),
		stopCh:  make(chan struct{}),
	}
}

// GetTenant resolves a tenant policy cache-first (spec §4.3).
func (c *Cache) GetTenant(ctx context.Context, tenantID string) (TenantPolicy, error) {
	if tp, ok := c.lookup(tenantID); ok {
		c.recordHit()
		return tp, nil
	}
	c.recordMiss()

	v, err, _ := c.sf.Do(tenantID, func() (any, error) {
		tp, err := c.store.GetTenant(ctx, tenantID)
		if err != nil {
			return TenantPolicy{}, err
		}
		tp.Normalize()
		c.insert(tenantID, tp)
		return tp, nil
	})
	if err != nil {
		return TenantPolicy{}, err
	}
	return v.(TenantPolicy), nil
}

// GetGlobal resolves the global policy, defaulting when none is configured.
func (c *Cache) GetGlobal(ctx context.Context) (GlobalPolicy, error) {
	c.globalMu.Lock()
	if c.global != nil && time.Now().Before(c.globalExpiresAt) {
		gp := *c.global
		c.globalMu.Unlock()
		return gp, nil
	}
	c.globalMu.Unlock()

	gp, err := c.store.GetGlobal(ctx)
	if err != nil {
		if err == rlerrors.ErrPolicyNotFound {
			gp = DefaultGlobalPolicy()
		} else {
			return GlobalPolicy{}, err
		}
	}
	gp.Normalize()

	c.globalMu.Lock()
	c.global = &gp
	c.globalExpiresAt = time.Now().Add(c.cfg.TTL)
	c.globalMu.Unlock()
	return gp, nil
}

func (c *Cache) lookup(tenantID string) (TenantPolicy, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[tenantID]
	if !ok {
		return TenantPolicy{}, false
	}
	entry := elem.Value.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.ll.Remove(elem)
		delete(c.items, tenantID)
		return TenantPolicy{}, false
	}
	c.ll.MoveToFront(elem)
	return entry.policy, true
}

func (c *Cache) insert(tenantID string, tp TenantPolicy) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[tenantID]; ok {
		elem.Value.(*cacheEntry).policy = tp
		elem.Value.(*cacheEntry).expiresAt = time.Now().Add(c.cfg.TTL)
		c.ll.MoveToFront(elem)
		return
	}

	entry := &cacheEntry{tenantID: tenantID, policy: tp, expiresAt: time.Now().Add(c.cfg.TTL)}
	elem := c.ll.PushFront(entry)
	c.items[tenantID] = elem

	for c.ll.Len() > c.cfg.MaxSize {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).tenantID)
	}
}

// InvalidateTenant evicts a single resident tenant entry.
func (c *Cache) InvalidateTenant(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[tenantID]; ok {
		c.ll.Remove(elem)
		delete(c.items, tenantID)
	}
}

// InvalidateGlobal clears the cached global policy slot.
func (c *Cache) InvalidateGlobal() {
	c.globalMu.Lock()
	c.global = nil
	c.globalMu.Unlock()
}

func (c *Cache) residentTenantIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.items))
	for id := range c.items {
		ids = append(ids, id)
	}
	return ids
}

func (c *Cache) recordHit() {
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.PolicyCacheHits.Inc()
		c.updateHitRatio()
	}
}

func (c *Cache) recordMiss() {
	c.misses.Add(1)
	if c.metrics != nil {
		c.metrics.PolicyCacheMisses.Inc()
		c.updateHitRatio()
	}
}

func (c *Cache) updateHitRatio() {
	hits, misses := c.hits.Load(), c.misses.Load()
	total := hits + misses
	if total == 0 {
		return
	}
	c.metrics.PolicyCacheHitRatio.Set(float64(hits) / float64(total))
}

// Start launches the background refresh loop (spec §4.3: "every 30s, reload
// and replace resident ids") and the change-stream invalidation worker. Both
// end when ctx is cancelled or Stop is called.
func (c *Cache) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.refreshLoop(ctx)

	events := c.store.Subscribe(ctx)
	c.wg.Add(1)
	go c.changeStreamLoop(events)
}

// Stop cancels the background timers and drains in-flight work.
func (c *Cache) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Cache) refreshLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.refreshResident(ctx)
		}
	}
}

func (c *Cache) refreshResident(ctx context.Context) {
	for _, id := range c.residentTenantIDs() {
		tp, err := c.store.GetTenant(ctx, id)
		if err != nil {
			if err == rlerrors.ErrPolicyNotFound {
				c.InvalidateTenant(id)
				continue
			}
			slog.Warn("policy cache refresh failed", "tenant_id", id, "error", err)
			continue
		}
		tp.Normalize()
		c.insert(id, tp)
	}
}

func (c *Cache) changeStreamLoop(events <-chan ChangeEvent) {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if evt.TenantID == "" {
				c.InvalidateGlobal()
				continue
			}
			switch evt.Kind {
			case ChangeInsert, ChangeUpdate, ChangeDelete:
				c.InvalidateTenant(evt.TenantID)
			}
		}
	}
}
