package cloud

import "time"

// dedupWindow is how long a relay request key suppresses redeliveries.
const dedupWindow = 60 * time.Second

// dedupCache suppresses duplicate processing of redelivered relay-connection
// requests. The transport delivers at-least-once, so the same request can
// arrive more than once within a short span. Entries are swept on every
// insert, bounding the cache to one window's worth of traffic.
type dedupCache struct {
	seen map[string]time.Time
}

func newDedupCache() *dedupCache {
	return &dedupCache{seen: make(map[string]time.Time)}
}

func (d *dedupCache) reset() {
	d.seen = make(map[string]time.Time)
}

// check records key at now and reports whether it was already seen within
// the window. A key older than the window counts as new again.
func (d *dedupCache) check(key string, now time.Time) bool {
	if t, ok := d.seen[key]; ok && now.Sub(t) < dedupWindow {
		return true
	}
	d.seen[key] = now
	for k, t := range d.seen {
		if now.Sub(t) >= dedupWindow {
			delete(d.seen, k)
		}
	}
	return false
}
