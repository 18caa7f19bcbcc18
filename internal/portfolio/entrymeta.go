package portfolio

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultEntryMetaCacheTTL = 90 * time.Second
	defaultMaxPagesPerWallet = 20
	defaultTradesPerPage     = 500
)

// EntryMetaResolver derives weighted-average entry price and
// first/last-acquired timestamps per token from a wallet's BUY trade
// history. One wallet-wide fetch serves every token held by that wallet.
type EntryMetaResolver struct {
	sources                    *Sources
	useLastAcquiredForTimeHeld bool
	cacheTTL                   time.Duration
	tradesPerPage              int
	maxPagesPerWallet          int

	cache       map[string]entryMetaCacheEntry
}

type entryMetaCacheEntry struct {
	metas     map[string]EntryMeta
	fetchedAt time.Time
}

// NewEntryMetaResolver builds a resolver over sources with the default
// cache TTL and pagination caps. When useLastAcquiredForTimeHeld is true,
// TimeHeldSec is computed against the most recent BUY instead of the
// first.
func NewEntryMetaResolver(sources *Sources, useLastAcquiredForTimeHeld bool) *EntryMetaResolver {
	return NewEntryMetaResolverWith(sources, useLastAcquiredForTimeHeld, defaultEntryMetaCacheTTL, defaultTradesPerPage, defaultMaxPagesPerWallet)
}

// NewEntryMetaResolverWith builds a resolver with explicit cache TTL and
// pagination caps, per PortfolioConfig.
func NewEntryMetaResolverWith(sources *Sources, useLastAcquiredForTimeHeld bool, cacheTTL time.Duration, tradesPerPage, maxPagesPerWallet int) *EntryMetaResolver {
	if cacheTTL <= 0 {
		cacheTTL = defaultEntryMetaCacheTTL
	}
	if tradesPerPage <= 0 {
		tradesPerPage = defaultTradesPerPage
	}
	if maxPagesPerWallet <= 0 {
		maxPagesPerWallet = defaultMaxPagesPerWallet
	}
	return &EntryMetaResolver{
		sources:                    sources,
		useLastAcquiredForTimeHeld: useLastAcquiredForTimeHeld,
		cacheTTL:                   cacheTTL,
		tradesPerPage:              tradesPerPage,
		maxPagesPerWallet:          maxPagesPerWallet,
		cache:                      make(map[string]entryMetaCacheEntry),
	}
}

// Resolve returns a token -> EntryMeta map for every token with at least
// one BUY in the wallet's trade history. Failure is non-fatal: callers
// that get an error should simply omit entry-meta from the position.
func (r *EntryMetaResolver) Resolve(ctx context.Context, address string) (map[string]EntryMeta, error) {
	if entry, ok := r.cache[address]; ok && time.Since(entry.fetchedAt) < r.cacheTTL {
		return entry.metas, nil
	}

	type accumulator struct {
		weightedSum decimal.Decimal
		totalSize   decimal.Decimal
		first       time.Time
		last        time.Time
	}
	acc := make(map[string]*accumulator)

	for page := 0; page < r.maxPagesPerWallet; page++ {
		trades, err := r.sources.FetchTradesPage(ctx, address, "BUY", r.tradesPerPage, page*r.tradesPerPage)
		if err != nil {
			if page == 0 {
				return nil, err
			}
			break
		}
		if len(trades) == 0 {
			break
		}
		for _, t := range trades {
			if t.Size <= 0 {
				continue
			}
			a, ok := acc[t.TokenID]
			if !ok {
				a = &accumulator{}
				acc[t.TokenID] = a
			}
			size := decimal.NewFromFloat(t.Size)
			price := decimal.NewFromFloat(t.Price)
			a.weightedSum = a.weightedSum.Add(size.Mul(price))
			a.totalSize = a.totalSize.Add(size)

			ts := time.Unix(t.TimestampSec, 0)
			if a.first.IsZero() || ts.Before(a.first) {
				a.first = ts
			}
			if a.last.IsZero() || ts.After(a.last) {
				a.last = ts
			}
		}
		if len(trades) < r.tradesPerPage {
			break
		}
	}

	now := time.Now()
	metas := make(map[string]EntryMeta, len(acc))
	for tokenID, a := range acc {
		if a.totalSize.IsZero() {
			continue
		}
		avg := a.weightedSum.Div(a.totalSize).Mul(decimal.NewFromInt(100))
		avgF, _ := avg.Float64()

		held := a.first
		if r.useLastAcquiredForTimeHeld {
			held = a.last
		}

		metas[tokenID] = EntryMeta{
			AvgEntryPriceCents: avgF,
			FirstAcquiredAt:    a.first,
			LastAcquiredAt:     a.last,
			TimeHeldSec:        int64(now.Sub(held).Seconds()),
		}
	}

	r.cache[address] = entryMetaCacheEntry{metas: metas, fetchedAt: now}
	return metas, nil
}
