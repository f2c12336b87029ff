package oracle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func frozenCache(ttl time.Duration, max int) (*ttlCache, *time.Time) {
	c := newTTLCache(ttl, max)
	current := time.Now()
	c.now = func() time.Time { return current }
	return c, &current
}

func TestTTLCache_Expiry(t *testing.T) {
	c, clock := frozenCache(time.Minute, 10)

	c.put("k", "v")
	v, ok := c.get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	*clock = clock.Add(61 * time.Second)
	_, ok = c.get("k")
	assert.False(t, ok)
	assert.Zero(t, c.size(), "expired entries are dropped on read")
}

func TestTTLCache_EvictsOldestAtCapacity(t *testing.T) {
	c, clock := frozenCache(time.Hour, 3)

	c.put("a", 1)
	*clock = clock.Add(time.Second)
	c.put("b", 2)
	*clock = clock.Add(time.Second)
	c.put("c", 3)
	assert.Equal(t, 3, c.size())

	*clock = clock.Add(time.Second)
	c.put("d", 4)

	assert.Equal(t, 3, c.size())
	_, ok := c.get("a")
	assert.False(t, ok, "oldest entry makes room")
	for _, k := range []string{"b", "c", "d"} {
		_, ok := c.get(k)
		assert.True(t, ok, k)
	}
}

func TestTTLCache_UpdateDoesNotEvict(t *testing.T) {
	c, clock := frozenCache(time.Hour, 2)

	c.put("a", 1)
	*clock = clock.Add(time.Second)
	c.put("b", 2)
	*clock = clock.Add(time.Second)
	c.put("a", 10)

	assert.Equal(t, 2, c.size())
	v, ok := c.get("a")
	assert.True(t, ok)
	assert.Equal(t, 10, v)
	_, ok = c.get("b")
	assert.True(t, ok)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "fix the bug", normalize("  Fix   THE Bug "))
	assert.Equal(t, "a b", normalize("a\n\tb"))
	assert.Equal(t, "", normalize("   "))
}
