package portfolio

import (
	"context"
	"strings"
	"sync"
	"time"
)

const (
	profileCacheTTL = 5 * time.Minute
	stickyDuration  = 600 * time.Second
	addressChangeLogTTL = 5 * time.Minute
)

// AddressResolver picks the address that actually holds the trader's
// positions: the proxy wallet when one exists, else the EOA. Once a
// choice is made it is "sticky" and only flips on strong evidence, to
// avoid oscillating between the two every refresh.
type AddressResolver struct {
	sources *Sources
	eoa     string
	dedupe  *logDeduper

	mu              sync.Mutex
	proxyWallet     string
	proxyFetchedAt  time.Time
	holdingAddress  string
	chosenAt        time.Time
	lowCountStreak  int
	probedThisLife  bool
}

// NewAddressResolver builds a resolver for the given signer EOA.
func NewAddressResolver(sources *Sources, eoaAddress string, dedupe *logDeduper) *AddressResolver {
	return &AddressResolver{sources: sources, eoa: eoaAddress, dedupe: dedupe}
}

// Resolve returns the address to query this cycle, refreshing the proxy
// wallet lookup if its cache has expired.
func (r *AddressResolver) Resolve(ctx context.Context) (string, error) {
	r.mu.Lock()
	needsProxyFetch := r.proxyFetchedAt.IsZero() || time.Since(r.proxyFetchedAt) >= profileCacheTTL
	r.mu.Unlock()

	if needsProxyFetch {
		proxy, err := r.sources.FetchProfile(ctx, r.eoa)
		r.mu.Lock()
		if err == nil {
			r.proxyWallet = proxy
			r.proxyFetchedAt = time.Now()
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	candidate := r.eoa
	if r.proxyWallet != "" {
		candidate = r.proxyWallet
	}

	if r.holdingAddress == "" {
		r.holdingAddress = candidate
		r.chosenAt = time.Now()
	}
	return r.holdingAddress, nil
}

// Current returns the currently-selected holding address without
// triggering a refresh.
func (r *AddressResolver) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.holdingAddress
}

// ObserveCount feeds the resolver the raw position count seen for the
// current holding address, so it can decide whether to probe the
// alternate address or flip.
func (r *AddressResolver) ObserveCount(ctx context.Context, count int, lastGoodRawTotal int) {
	r.mu.Lock()
	if count == 0 {
		r.lowCountStreak++
	} else {
		r.lowCountStreak = 0
	}
	lowCountFlip := r.lowCountStreak >= 2
	suspiciouslyLow := count <= 2 && !r.probedThisLife
	bigDrop := lastGoodRawTotal >= 20 && count < lastGoodRawTotal/4
	shouldProbe := suspiciouslyLow || bigDrop
	alt := r.alternate()
	eoa := r.eoa
	current := r.holdingAddress
	r.mu.Unlock()

	if !shouldProbe || alt == "" {
		if lowCountFlip {
			r.flipTo(alt, eoa, current)
		}
		return
	}

	altCount, err := r.probeCount(ctx, alt)
	r.mu.Lock()
	r.probedThisLife = true
	r.mu.Unlock()
	if err != nil {
		return
	}

	if lowCountFlip || altCount >= 3*count {
		r.flipTo(alt, eoa, current)
	}
}

func (r *AddressResolver) alternate() string {
	if r.holdingAddress == r.eoa {
		return r.proxyWallet
	}
	return r.eoa
}

func (r *AddressResolver) probeCount(ctx context.Context, address string) (int, error) {
	positions, err := r.sources.FetchPositions(ctx, address)
	if err != nil {
		return 0, err
	}
	return len(positions), nil
}

func (r *AddressResolver) flipTo(newAddress, eoa, oldAddress string) {
	if newAddress == "" || strings.EqualFold(newAddress, oldAddress) {
		return
	}
	r.mu.Lock()
	r.holdingAddress = newAddress
	r.chosenAt = time.Now()
	r.lowCountStreak = 0
	r.mu.Unlock()
	_ = r.dedupe.shouldLog("address_change", addressChangeLogTTL, oldAddress+"->"+newAddress)
}

// ForceReset clears the sticky selection and probe state, used by
// HARD_RESET.
func (r *AddressResolver) ForceReset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.holdingAddress = ""
	r.chosenAt = time.Time{}
	r.lowCountStreak = 0
	r.probedThisLife = false
}

// ClearProbeFlag resets the "already probed this lifetime" flag, used by
// the SUSPICIOUS_SHRINK / ACTIVE_WIPEOUT corrective action.
func (r *AddressResolver) ClearProbeFlag() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probedThisLife = false
}
