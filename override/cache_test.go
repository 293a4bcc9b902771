package override

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKey_BuildsCanonicalForm(t *testing.T) {
	u, e := "u1", "/v1/foo"
	require.Equal(t, "override:acme:u1:/v1/foo", Key("acme", &u, &e))
	require.Equal(t, "override:acme:none:/v1/foo", Key("acme", nil, &e))
	require.Equal(t, "override:acme:u1:none", Key("acme", &u, nil))
	require.Equal(t, "override:acme:none:none", Key("acme", nil, nil))
}

func newTestCache() *Cache {
	return NewCache(nil, CacheConfig{TTL: time.Minute, MaxSize: 2}, nil)
}

func TestCache_InsertLookupEvict(t *testing.T) {
	c := newTestCache()
	key := Key("acme", nil, nil)

	_, ok := c.lookup(key)
	require.False(t, ok)

	c.insert(key, lookupResult{found: false})
	res, ok := c.lookup(key)
	require.True(t, ok)
	require.False(t, res.found)

	c.evict(key)
	_, ok = c.lookup(key)
	require.False(t, ok)
}

func TestCache_EvictsLRUWhenOverCapacity(t *testing.T) {
	c := newTestCache()
	c.insert("k1", lookupResult{found: true})
	c.insert("k2", lookupResult{found: true})
	c.insert("k3", lookupResult{found: true})

	_, ok := c.lookup("k1")
	require.False(t, ok, "k1 should have been evicted as least recently used")
	_, ok = c.lookup("k2")
	require.True(t, ok)
	_, ok = c.lookup("k3")
	require.True(t, ok)
}

func TestCache_InvalidateMutation_EvictsAllFourShapes(t *testing.T) {
	c := NewCache(nil, CacheConfig{TTL: time.Minute, MaxSize: 10}, nil)
	u, e := "u1", "/v1/foo"

	c.insert(Key("acme", &u, &e), lookupResult{found: true})
	c.insert(Key("acme", &u, nil), lookupResult{found: true})
	c.insert(Key("acme", nil, &e), lookupResult{found: true})
	c.insert(Key("acme", nil, nil), lookupResult{found: true})

	c.InvalidateMutation("acme", &u, &e)

	for _, k := range []string{
		Key("acme", &u, &e), Key("acme", &u, nil), Key("acme", nil, &e), Key("acme", nil, nil),
	} {
		_, ok := c.lookup(k)
		require.False(t, ok, "key %q should have been invalidated", k)
	}
}
