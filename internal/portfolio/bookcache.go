package portfolio

import "time"

const (
	defaultBookCacheCap = 500
	defaultBookCacheTTL = 2 * time.Second
)

// bookQuote is the best bid/ask snapshot for one token.
type bookQuote struct {
	BestBid   float64
	BestAsk   float64
	FetchedAt time.Time
}

// orderBookCache is a short-TTL, FIFO-evicted map of token -> best quote.
type orderBookCache struct {
	cache *fifoCache
	ttl   time.Duration
}

func newOrderBookCache() *orderBookCache {
	return newOrderBookCacheWith(defaultBookCacheCap, defaultBookCacheTTL)
}

func newOrderBookCacheWith(capacity int, ttl time.Duration) *orderBookCache {
	if capacity <= 0 {
		capacity = defaultBookCacheCap
	}
	if ttl <= 0 {
		ttl = defaultBookCacheTTL
	}
	return &orderBookCache{cache: newFIFOCache(capacity), ttl: ttl}
}

func (c *orderBookCache) get(token string) (bookQuote, bool) {
	v, ok := c.cache.get(token)
	if !ok {
		return bookQuote{}, false
	}
	q := v.(bookQuote)
	if time.Since(q.FetchedAt) >= c.ttl {
		return bookQuote{}, false
	}
	return q, true
}

// peek returns the last stored quote for token regardless of TTL, for use
// as the circuit breaker's lastKnownPrice when the live fetch is skipped.
func (c *orderBookCache) peek(token string) (bookQuote, bool) {
	v, ok := c.cache.get(token)
	if !ok {
		return bookQuote{}, false
	}
	return v.(bookQuote), true
}

func (c *orderBookCache) set(token string, q bookQuote) {
	c.cache.set(token, q)
}

func (c *orderBookCache) invalidate(token string) {
	c.cache.delete(token)
}

func (c *orderBookCache) invalidateAll() {
	c.cache.clear()
}
