package portfolio

import "time"

const (
	defaultOutcomeCacheCap  = 2000
	defaultOutcomeActiveTTL = 30 * time.Second
)

// outcomeEntry is a cached winner lookup for one token. RESOLVED entries
// (ResolvedAtMs set) never expire; ACTIVE entries are honored only while
// fresh.
type outcomeEntry struct {
	Resolved      bool
	Winner        bool
	ResolvedAt    time.Time
	LastCheckedAt time.Time
}

// outcomeCache is a FIFO-evicted map of token -> resolved winner.
type outcomeCache struct {
	cache *fifoCache
	ttl   time.Duration
}

func newOutcomeCache() *outcomeCache {
	return newOutcomeCacheWith(defaultOutcomeCacheCap, defaultOutcomeActiveTTL)
}

func newOutcomeCacheWith(capacity int, activeTTL time.Duration) *outcomeCache {
	if capacity <= 0 {
		capacity = defaultOutcomeCacheCap
	}
	if activeTTL <= 0 {
		activeTTL = defaultOutcomeActiveTTL
	}
	return &outcomeCache{cache: newFIFOCache(capacity), ttl: activeTTL}
}

func (c *outcomeCache) get(token string) (outcomeEntry, bool) {
	v, ok := c.cache.get(token)
	if !ok {
		return outcomeEntry{}, false
	}
	entry := v.(outcomeEntry)
	if entry.Resolved {
		return entry, true
	}
	if time.Since(entry.LastCheckedAt) >= c.ttl {
		return outcomeEntry{}, false
	}
	return entry, true
}

func (c *outcomeCache) set(token string, entry outcomeEntry) {
	c.cache.set(token, entry)
}

// expireActive marks every non-resolved entry as stale, used by the
// SOFT_RESET self-heal path ("mark ACTIVE outcomes as expired").
func (c *outcomeCache) expireActive() {
	c.cache.forEach(func(key string, value interface{}) {
		entry := value.(outcomeEntry)
		if !entry.Resolved {
			entry.LastCheckedAt = time.Time{}
			c.cache.set(key, entry)
		}
	})
}

func (c *outcomeCache) clear() {
	c.cache.clear()
}
