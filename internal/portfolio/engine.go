package portfolio

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/GoPolymarket/polymarket-trader/internal/config"
)

const healthLogInterval = 5 * time.Minute

// resetLevel is the self-heal escalation the controller may recommend
// after a run of failures.
type resetLevel int

const (
	resetNone resetLevel = iota
	resetSoft
	resetHard
)

// Engine is the portfolio state engine: it periodically reconstructs a
// consistent snapshot of a trader's open positions, reconciling the
// positions index, the live order book, and on-chain settlement into one
// atomically-published view per cycle.
type Engine struct {
	cfg config.PortfolioConfig

	address   *AddressResolver
	sources   *Sources
	gamma     *GammaFetcher
	onchain   *RedeemableProber
	entryMeta *EntryMetaResolver
	books     OrderBookProvider

	bookCache *orderBookCache
	outcomes  *outcomeCache
	breaker   *circuitBreaker
	dedupe    *logDeduper
	enricher  *PositionEnricher
	validator *Validator

	sf singleflight.Group

	mu                     sync.RWMutex
	published              *PortfolioSnapshot
	lastGood               *PortfolioSnapshot
	cycleID                int64
	consecutiveFailures    int
	currentBackoff         time.Duration
	degradedSince          time.Time
	recoveryMode           bool
	recoveryCycles         int
	bootstrapAfterRecovery bool
	selfHealCount          int
	lastHealthLogAt        time.Time
	addressPrev            string
	correlationID          string

	lastRefreshAt    time.Time
	lastReqCycle     int64
	lastReqCycleSet  bool
	lastReqSnap      *PortfolioSnapshot
	lastReqErr       error
}

// EngineDeps are the collaborators an Engine is built from; each has a
// package-private constructor above (NewAddressResolver, NewGammaFetcher,
// NewRedeemableProber, NewEntryMetaResolver) plus the exchange client
// abstraction the caller supplies.
type EngineDeps struct {
	Sources   *Sources
	EOAAddress string
	Books     OrderBookProvider
	Onchain   *RedeemableProber
}

// NewEngine wires every component (C1-C10) into a single refresh-capable
// engine per cfg.
func NewEngine(cfg config.PortfolioConfig, deps EngineDeps) *Engine {
	dedupe := newLogDeduper()
	bookCache := newOrderBookCacheWith(cfg.BookCacheSize, time.Duration(cfg.BookCacheTTLMs)*time.Millisecond)
	outcomes := newOutcomeCacheWith(cfg.OutcomeCacheSize, time.Duration(cfg.OutcomeCacheTTLMs)*time.Millisecond)
	breaker := newCircuitBreakerWith(cfg.CircuitBreakerSize, dedupe)
	gamma := NewGammaFetcher(deps.Sources)
	entryMeta := NewEntryMetaResolverWith(deps.Sources, cfg.UseLastAcquiredForTimeHeld,
		time.Duration(cfg.EntryMetaCacheTTLMs)*time.Millisecond, cfg.TradesPerPage, cfg.MaxPagesPerWallet)
	address := NewAddressResolver(deps.Sources, deps.EOAAddress, dedupe)
	enricher := NewPositionEnricher(deps.Books, deps.Sources, gamma, deps.Onchain, bookCache, outcomes, breaker, dedupe)

	return &Engine{
		cfg:       cfg,
		address:   address,
		sources:   deps.Sources,
		gamma:     gamma,
		onchain:   deps.Onchain,
		entryMeta: entryMeta,
		books:     deps.Books,
		bookCache: bookCache,
		outcomes:  outcomes,
		breaker:   breaker,
		dedupe:    dedupe,
		enricher:  enricher,
		validator: NewValidator(),
	}
}

// Run drives the periodic refresh loop until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	interval := time.Duration(e.cfg.RefreshIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 30 * time.Second
	}

	if _, err := e.RefreshOnce(ctx); err != nil {
		log.Printf("portfolio: initial refresh failed: %v", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.RefreshOnce(ctx); err != nil {
				log.Printf("portfolio: refresh failed: %v", err)
			}
		}
	}
}

// RefreshOnce runs exactly one refresh, coalescing concurrent callers
// into the same in-flight attempt (P7 single-flight).
func (e *Engine) RefreshOnce(ctx context.Context) (*PortfolioSnapshot, error) {
	v, err, _ := e.sf.Do("refresh", func() (interface{}, error) {
		return e.runGatedCycle(ctx)
	})
	if v == nil {
		return nil, err
	}
	return v.(*PortfolioSnapshot), err
}

// RefreshForCycle requests a refresh on behalf of cycle n. If n matches
// the most recently requested cycle, the cached result (in-flight or
// already completed) is returned without running another cycle.
func (e *Engine) RefreshForCycle(ctx context.Context, n int64) (*PortfolioSnapshot, error) {
	e.mu.RLock()
	if e.lastReqCycleSet && e.lastReqCycle == n {
		snap, err := e.lastReqSnap, e.lastReqErr
		e.mu.RUnlock()
		return snap, err
	}
	e.mu.RUnlock()

	key := "cycle:" + strconv.FormatInt(n, 10)
	v, err, _ := e.sf.Do(key, func() (interface{}, error) {
		snap, cycleErr := e.runGatedCycle(ctx)
		e.mu.Lock()
		e.lastReqCycle = n
		e.lastReqCycleSet = true
		e.lastReqSnap = snap
		e.lastReqErr = cycleErr
		e.mu.Unlock()
		return snap, cycleErr
	})
	if v == nil {
		return nil, err
	}
	return v.(*PortfolioSnapshot), err
}

func (e *Engine) runGatedCycle(ctx context.Context) (*PortfolioSnapshot, error) {
	minInterval := time.Duration(e.cfg.MinRefreshMs) * time.Millisecond
	e.mu.Lock()
	backoff := e.currentBackoff
	if backoff > minInterval {
		minInterval = backoff
	}
	if minInterval > 0 && !e.lastRefreshAt.IsZero() {
		if elapsed := time.Since(e.lastRefreshAt); elapsed < minInterval {
			cached := e.published
			e.mu.Unlock()
			return cached.Clone(), nil
		}
	}
	e.lastRefreshAt = time.Now()
	e.mu.Unlock()

	watchdog := time.Duration(e.cfg.WatchdogMs) * time.Millisecond
	if watchdog <= 0 {
		watchdog = 15 * time.Second
	}
	cycleCtx, cancel := context.WithTimeout(ctx, watchdog)
	defer cancel()

	snap, cycleErr := e.runCycle(cycleCtx)
	if cycleErr != nil {
		return e.handleFailure(cycleErr)
	}
	return e.handleSuccess(snap), nil
}

func (e *Engine) nextCycleID() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cycleID++
	return e.cycleID
}

// runCycle performs Phase A (build) + Phase B (validate) of one refresh.
func (e *Engine) runCycle(ctx context.Context) (*PortfolioSnapshot, error) {
	cid := uuid.New().String()
	e.mu.Lock()
	e.correlationID = cid
	e.mu.Unlock()

	address, err := e.address.Resolve(ctx)
	if err != nil {
		log.Printf("portfolio: cid=%s address resolution failed: %v", cid, err)
		return nil, err
	}

	raws, err := e.sources.FetchPositions(ctx, address)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	prevRawTotal := 0
	if e.lastGood != nil {
		prevRawTotal = e.lastGood.RawCounts.RawTotal
	}
	e.mu.RUnlock()
	e.address.ObserveCount(ctx, len(raws), prevRawTotal)

	entryMetas, _ := e.entryMeta.Resolve(ctx, address)

	tokenIDs := make([]string, 0, len(raws))
	for _, r := range raws {
		tokenIDs = append(tokenIDs, r.TokenID)
	}
	e.gamma.resetMetrics()
	outcomes := e.gamma.FetchOutcomes(ctx, tokenIDs)

	cand := newCandidate(address)
	allBookFailures := true

	const batchSize = 5
	batch := e.cfg.EnrichBatchSize
	if batch <= 0 {
		batch = batchSize
	}
	pause := time.Duration(e.cfg.EnrichBatchPauseMs) * time.Millisecond

	for i := 0; i < len(raws); i += batch {
		end := i + batch
		if end > len(raws) {
			end = len(raws)
		}
		for _, raw := range raws[i:end] {
			var meta *EntryMeta
			if m, ok := entryMetas[raw.TokenID]; ok {
				meta = &m
			}
			result := e.enricher.Enrich(ctx, raw, outcomes[raw.TokenID], meta)
			if result.Skipped {
				cand.addSkip(result.Reason)
				if result.Reason != SkipNoBook && result.Reason != SkipBook404 {
					allBookFailures = false
				}
				continue
			}
			cand.addPosition(*result.Position)
			allBookFailures = allBookFailures && (result.Position.BookStatus != BookAvailable)
		}
		if end < len(raws) && pause > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(pause):
			}
		}
	}

	e.mu.RLock()
	prev := e.lastGood
	addressChanged := e.addressPrev != "" && e.addressPrev != address
	recoveryMode := e.recoveryMode
	bootstrap := e.bootstrapAfterRecovery
	e.mu.RUnlock()

	vc := ValidationContext{
		PrevSnapshot:            prev,
		AddressChanged:          addressChanged,
		BootstrapAfterRecovery:  bootstrap,
		RecoveryModeActive:      recoveryMode,
		AllSkipsAreBookFailures: len(cand.reasons) > 0 && allBookFailures,
	}
	outcome := e.validator.Validate(cand, vc)

	e.mu.Lock()
	e.addressPrev = address
	e.bootstrapAfterRecovery = false
	e.mu.Unlock()

	if !outcome.Accepted {
		if outcome.RequiresAddressReprobe {
			e.address.ClearProbeFlag()
		}
		if outcome.RequiresCacheClear {
			e.outcomes.clear()
		}
		return nil, &validationRejectedError{reason: outcome.Reason}
	}

	return e.validator.Build(e.nextCycleID(), cand), nil
}

type validationRejectedError struct{ reason RejectReason }

func (e *validationRejectedError) Error() string { return "portfolio: snapshot rejected: " + string(e.reason) }
