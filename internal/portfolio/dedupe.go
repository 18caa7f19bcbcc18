package portfolio

import (
	"sync"
	"time"
)

// logDeduper rate-limits repetitive log lines so that an identical
// (key, fingerprint) pair fires at most once per ttl. Used to keep noisy
// per-token warnings and per-cycle health lines from flooding the log.
type logDeduper struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func newLogDeduper() *logDeduper {
	return &logDeduper{seen: make(map[string]time.Time)}
}

// shouldLog returns true iff (key, fingerprint) has not returned true
// within the last ttl.
func (d *logDeduper) shouldLog(key string, ttl time.Duration, fingerprint string) bool {
	full := key + "\x00" + fingerprint
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.seen[full]; ok && now.Sub(last) < ttl {
		return false
	}
	d.seen[full] = now
	return true
}

// reset clears all dedup state, used by the self-heal SOFT_RESET path.
func (d *logDeduper) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = make(map[string]time.Time)
}
