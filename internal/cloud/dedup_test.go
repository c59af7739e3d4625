package cloud

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDedupCache(t *testing.T) {
	d := newDedupCache()
	now := time.Now()

	assert.False(t, d.check("a", now))
	assert.True(t, d.check("a", now.Add(time.Second)))
	assert.True(t, d.check("a", now.Add(dedupWindow-time.Second)))

	// Past the window the key counts as new again.
	assert.False(t, d.check("a", now.Add(dedupWindow+time.Second)))

	assert.False(t, d.check("b", now.Add(dedupWindow+time.Second)))
}

func TestDedupCachePurgesStaleEntries(t *testing.T) {
	d := newDedupCache()
	now := time.Now()

	d.check("a", now)
	d.check("b", now)
	d.check("c", now.Add(dedupWindow+time.Second))

	assert.Len(t, d.seen, 1)
}

func TestDedupCacheReset(t *testing.T) {
	d := newDedupCache()
	now := time.Now()

	d.check("a", now)
	d.reset()
	assert.False(t, d.check("a", now))
}
