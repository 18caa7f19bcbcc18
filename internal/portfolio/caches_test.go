package portfolio

import (
	"testing"
	"time"
)

func TestOutcomeCacheResolvedNeverExpires(t *testing.T) {
	c := newOutcomeCache()
	c.set("tok1", outcomeEntry{Resolved: true, Winner: true, ResolvedAt: time.Now().Add(-24 * time.Hour)})

	entry, ok := c.get("tok1")
	if !ok || !entry.Winner {
		t.Fatal("expected a resolved entry to remain cached indefinitely")
	}
}

func TestOutcomeCacheActiveEntryExpires(t *testing.T) {
	c := newOutcomeCache()
	c.set("tok1", outcomeEntry{LastCheckedAt: time.Now().Add(-31 * time.Second)})

	if _, ok := c.get("tok1"); ok {
		t.Fatal("expected an ACTIVE entry older than 30s to be treated as a miss")
	}
}

func TestOutcomeCacheActiveEntryFreshHit(t *testing.T) {
	c := newOutcomeCache()
	c.set("tok1", outcomeEntry{LastCheckedAt: time.Now()})

	if _, ok := c.get("tok1"); !ok {
		t.Fatal("expected a fresh ACTIVE entry to hit")
	}
}

func TestOutcomeCacheExpireActiveLeavesResolvedAlone(t *testing.T) {
	c := newOutcomeCache()
	c.set("resolved", outcomeEntry{Resolved: true, Winner: true})
	c.set("active", outcomeEntry{LastCheckedAt: time.Now()})

	c.expireActive()

	if _, ok := c.get("active"); ok {
		t.Fatal("expected expireActive to force the active entry stale")
	}
	if entry, ok := c.get("resolved"); !ok || !entry.Winner {
		t.Fatal("expected the resolved entry to survive expireActive untouched")
	}
}

func TestOutcomeCacheClear(t *testing.T) {
	c := newOutcomeCache()
	c.set("tok1", outcomeEntry{Resolved: true})
	c.clear()
	if _, ok := c.get("tok1"); ok {
		t.Fatal("expected clear to drop every entry including resolved ones")
	}
}

func TestOrderBookCacheHonoredWithinTTL(t *testing.T) {
	c := newOrderBookCache()
	c.set("tok1", bookQuote{BestBid: 0.5, BestAsk: 0.52, FetchedAt: time.Now()})

	q, ok := c.get("tok1")
	if !ok || q.BestBid != 0.5 {
		t.Fatal("expected a fresh quote to be served from cache")
	}
}

func TestOrderBookCacheExpiresAfterTTL(t *testing.T) {
	c := newOrderBookCache()
	c.set("tok1", bookQuote{BestBid: 0.5, BestAsk: 0.52, FetchedAt: time.Now().Add(-3 * time.Second)})

	if _, ok := c.get("tok1"); ok {
		t.Fatal("expected a quote older than the 2s TTL to miss")
	}
}

func TestOrderBookCacheInvalidate(t *testing.T) {
	c := newOrderBookCache()
	c.set("tok1", bookQuote{BestBid: 0.5, FetchedAt: time.Now()})
	c.set("tok2", bookQuote{BestBid: 0.6, FetchedAt: time.Now()})

	c.invalidate("tok1")
	if _, ok := c.get("tok1"); ok {
		t.Fatal("expected tok1 to be invalidated")
	}
	if _, ok := c.get("tok2"); !ok {
		t.Fatal("expected tok2 to be unaffected")
	}

	c.invalidateAll()
	if _, ok := c.get("tok2"); ok {
		t.Fatal("expected invalidateAll to drop every entry")
	}
}
