package portfolio

import (
	"time"
)

const (
	breakerWindow      = 30 * time.Second
	breakerCooldown    = 60 * time.Second
	breakerOpenAt      = 3
	defaultBreakerCap  = 500
)

// breakerErrorType classifies the failure that tripped a circuit entry.
type breakerErrorType string

const (
	ErrType404      breakerErrorType = "404"
	ErrType422      breakerErrorType = "422"
	ErrTypeTimeout  breakerErrorType = "TIMEOUT"
	ErrTypeNetwork  breakerErrorType = "NETWORK"
	ErrTypeOther    breakerErrorType = "OTHER"
)

type breakerEntry struct {
	firstFailureAt time.Time
	failureCount   int
	openedAt       time.Time
	errorType      breakerErrorType
	lastKnownPrice *float64
	hasLastKnown   bool
}

// circuitBreaker is a per-key (per-token) failure counter with a time
// window, a cooldown, and a cached last-known-good value for callers to
// fall back on while the circuit is open.
type circuitBreaker struct {
	cache   *fifoCache
	dedupe  *logDeduper
}

func newCircuitBreaker(dedupe *logDeduper) *circuitBreaker {
	return newCircuitBreakerWith(defaultBreakerCap, dedupe)
}

func newCircuitBreakerWith(capacity int, dedupe *logDeduper) *circuitBreaker {
	if capacity <= 0 {
		capacity = defaultBreakerCap
	}
	return &circuitBreaker{
		cache:  newFIFOCache(capacity),
		dedupe: dedupe,
	}
}

// recordFailure increments the failure count for key, opening the circuit
// once the count reaches breakerOpenAt within the failure window.
func (b *circuitBreaker) recordFailure(key string, errType breakerErrorType, lastKnownPrice *float64) {
	now := time.Now()
	var entry breakerEntry
	if v, ok := b.cache.get(key); ok {
		entry = v.(breakerEntry)
	} else {
		entry = breakerEntry{firstFailureAt: now}
	}

	if now.Sub(entry.firstFailureAt) > breakerWindow {
		entry.firstFailureAt = now
		entry.failureCount = 1
	} else {
		entry.failureCount++
	}
	entry.errorType = errType
	if lastKnownPrice != nil {
		entry.lastKnownPrice = lastKnownPrice
		entry.hasLastKnown = true
	}

	if entry.failureCount >= breakerOpenAt && entry.openedAt.IsZero() {
		entry.openedAt = now
	}
	b.cache.set(key, entry)
}

// recordSuccess clears any breaker state for key.
func (b *circuitBreaker) recordSuccess(key string) {
	b.cache.delete(key)
}

// isOpen reports whether key's circuit is currently open.
func (b *circuitBreaker) isOpen(key string) bool {
	v, ok := b.cache.get(key)
	if !ok {
		return false
	}
	entry := v.(breakerEntry)
	if entry.openedAt.IsZero() {
		return false
	}
	if time.Since(entry.openedAt) >= breakerCooldown {
		b.cache.delete(key)
		return false
	}
	return true
}

// lastKnownPrice returns the cached fallback price for key, if any.
func (b *circuitBreaker) lastKnownPrice(key string) (float64, bool) {
	v, ok := b.cache.get(key)
	if !ok {
		return 0, false
	}
	entry := v.(breakerEntry)
	if !entry.hasLastKnown {
		return 0, false
	}
	return *entry.lastKnownPrice, true
}

// shouldLogOpen reports whether an "circuit open" log line for key should
// fire right now, gated by the dedup window.
func (b *circuitBreaker) shouldLogOpen(key string) bool {
	return b.dedupe.shouldLog("circuit_breaker_open:"+key, breakerCooldown, "")
}

// clear drops every tracked breaker entry, used by HARD_RESET.
func (b *circuitBreaker) clear() {
	b.cache.clear()
}
