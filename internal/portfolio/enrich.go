package portfolio

import (
	"context"
	"log"
	"time"
)

const nearResolutionFloor = 0.5

// EnrichResult is the outcome of enriching one raw position: either a
// fully classified Position, or a skip reason when the raw entry could
// not be salvaged at all.
type EnrichResult struct {
	Position *Position
	Skipped  bool
	Reason   SkipReason
}

// PositionEnricher turns one normalized RawPosition into a classified
// Position, consulting the order book, the Gamma outcome fetcher, the
// on-chain prober, and entry-meta, with the circuit breaker and caches
// gating repeated upstream calls.
type PositionEnricher struct {
	books    OrderBookProvider
	sources  *Sources
	gamma    *GammaFetcher
	onchain  *RedeemableProber
	bookCache *orderBookCache
	outcomes  *outcomeCache
	breaker   *circuitBreaker
	dedupe    *logDeduper
}

// NewPositionEnricher wires the enricher's collaborators. sources may be
// nil in tests that never exercise the fallback-price tier.
func NewPositionEnricher(books OrderBookProvider, sources *Sources, gamma *GammaFetcher, onchain *RedeemableProber, bookCache *orderBookCache, outcomes *outcomeCache, breaker *circuitBreaker, dedupe *logDeduper) *PositionEnricher {
	return &PositionEnricher{
		books:     books,
		sources:   sources,
		gamma:     gamma,
		onchain:   onchain,
		bookCache: bookCache,
		outcomes:  outcomes,
		breaker:   breaker,
		dedupe:    dedupe,
	}
}

// Enrich classifies one raw position. outcome is the Gamma result for this
// token, already resolved in batch by the caller. entryMeta may be nil.
func (e *PositionEnricher) Enrich(ctx context.Context, raw RawPosition, outcome MarketOutcome, entryMeta *EntryMeta) EnrichResult {
	if reason, ok := validateRaw(raw); !ok {
		return EnrichResult{Skipped: true, Reason: reason}
	}

	pos := &Position{
		MarketID:     raw.ConditionID,
		TokenID:      raw.TokenID,
		Side:         raw.Side,
		Size:         raw.Size,
		EntryPrice:   raw.EntryPrice,
		MarketClosed: outcome.Closed,
		MarketEndsAt: outcome.EndsAt,
		EntryMeta:    entryMeta,
	}

	bid, ask, bookStatus := e.fetchBook(ctx, raw.TokenID)
	pos.BookStatus = bookStatus
	if bid > 0 {
		pos.CurrentBidPrice = &bid
	}
	if ask > 0 {
		pos.CurrentAskPrice = &ask
	}

	if bookStatus == BookAvailable {
		pos.ExecutionStatus = ExecTradable
	} else {
		pos.ExecutionStatus = ExecNotTradableCLOB
	}

	e.sanityCheckBook(raw.TokenID, bid, ask)

	e.determineState(ctx, raw, outcome, pos, bid)
	e.selectMarkPrice(ctx, raw, pos, bid)
	e.applyTrustAndClassification(raw, pos)

	pos.NearResolutionCandidate = pos.PositionState != StateRedeemable &&
		pos.CurrentPrice >= nearResolutionFloor &&
		(pos.CurrentPrice >= 0.995 || pos.CurrentPrice <= 0.005)

	return EnrichResult{Position: pos}
}

func validateRaw(raw RawPosition) (SkipReason, bool) {
	if raw.TokenID == "" || raw.ConditionID == "" {
		return SkipMissingFields, false
	}
	if raw.Side == "" {
		return SkipMissingSide, false
	}
	if raw.Size <= 0 || raw.EntryPrice < 0 || raw.EntryPrice > 1 {
		return SkipInvalidSizePrice, false
	}
	return "", true
}

func (e *PositionEnricher) fetchBook(ctx context.Context, tokenID string) (bid, ask float64, status BookStatus) {
	if e.breaker.isOpen(tokenID) {
		if p, ok := e.breaker.lastKnownPrice(tokenID); ok {
			return p, 0, BookNotFetched
		}
		return 0, 0, BookNotFetched
	}

	if q, ok := e.bookCache.get(tokenID); ok {
		return q.BestBid, q.BestAsk, BookAvailable
	}

	book, err := e.books.GetOrderBook(ctx, tokenID)
	if err != nil {
		lastKnown := e.lastKnownBid(tokenID)
		if IsBookNotFound(err) {
			e.breaker.recordFailure(tokenID, ErrType404, lastKnown)
			return 0, 0, BookNo404
		}
		e.breaker.recordFailure(tokenID, ErrTypeNetwork, lastKnown)
		return 0, 0, BookNotFetched
	}
	e.breaker.recordSuccess(tokenID)

	bestBid, bestAsk, status := bestOf(book)
	if status == BookAvailable {
		e.bookCache.set(tokenID, bookQuote{BestBid: bestBid, BestAsk: bestAsk, FetchedAt: time.Now()})
	}
	return bestBid, bestAsk, status
}

// lastKnownBid returns the last successfully-fetched bid for tokenID,
// bypassing the book cache's normal TTL, for the circuit breaker to cache
// as its fallback value while the circuit is open.
func (e *PositionEnricher) lastKnownBid(tokenID string) *float64 {
	q, ok := e.bookCache.peek(tokenID)
	if !ok || q.BestBid <= 0 {
		return nil
	}
	bid := q.BestBid
	return &bid
}

// sanityCheckBook flags the "book is almost certainly wrong" diagnostic:
// a near-zero bid next to a non-trivial, tight-spread mid is a sign the
// fetch returned the wrong token's book.
func (e *PositionEnricher) sanityCheckBook(tokenID string, bid, ask float64) {
	if bid <= 0 || ask <= 0 {
		return
	}
	mid := (bid + ask) / 2
	spread := ask - bid
	if bid < 0.001 && mid > 0.10 && spread < 0.20 {
		if e.dedupe.shouldLog("token_mismatch:"+tokenID, time.Minute, "") {
			log.Printf("portfolio: TOKEN_MISMATCH_OR_BOOK_FETCH_BUG token=%s bid=%.4f mid=%.4f", tokenID, bid, mid)
		}
	}
}

func (e *PositionEnricher) determineState(ctx context.Context, raw RawPosition, outcome MarketOutcome, pos *Position, bestBid float64) {
	if raw.Redeemable {
		bookExists := pos.BookStatus == BookAvailable && bestBid >= 0
		marketResolved := outcome.Resolved || outcome.WinnerKnown
		if !marketResolved && bookExists {
			// False-redeemable guard: the data-API claims redeemable but
			// Gamma shows the market still has a live book and is not
			// resolved.
			if e.dedupe.shouldLog("false_redeemable:"+raw.TokenID, time.Minute, "") {
				log.Printf("portfolio: overriding false-redeemable token=%s market=%s", raw.TokenID, raw.ConditionID)
			}
			pos.PositionState = StateActive
			pos.RedeemableProofSource = ProofNone
			return
		}
		pos.PositionState = StateRedeemable
		pos.RedeemableProofSource = ProofDataAPIFlag
		return
	}

	noBids := bestBid <= 0
	// Use whichever price signal is available pre-mark-selection to decide
	// whether an on-chain probe is warranted: data-API curPrice, else bid.
	candidatePrice := bestBid
	if raw.HasCurPrice {
		candidatePrice = raw.CurPrice
	}
	nearSettlement := candidatePrice >= 0.995 || candidatePrice <= 0.005

	if nearSettlement && noBids && e.onchain != nil {
		redeemable, err := e.onchain.IsRedeemable(ctx, raw.ConditionID)
		if err == nil && redeemable {
			pos.PositionState = StateRedeemable
			pos.RedeemableProofSource = ProofOnchainDenom
			if candidatePrice >= 0.5 {
				pos.CurrentPrice = 1.0
			} else {
				pos.CurrentPrice = 0.0
			}
			return
		}
	}

	if outcome.Closed && !outcome.Resolved {
		pos.PositionState = StateClosedNotRedeemable
		pos.RedeemableProofSource = ProofNone
		return
	}

	pos.PositionState = StateActive
	pos.RedeemableProofSource = ProofNone
}

func (e *PositionEnricher) selectMarkPrice(ctx context.Context, raw RawPosition, pos *Position, bestBid float64) {
	if pos.PositionState == StateRedeemable && pos.RedeemableProofSource == ProofOnchainDenom {
		// Already snapped to 1.0/0.0 in determineState.
		pos.PnLSource = PnLSourceDataAPI
		computePnL(pos, raw)
		return
	}

	switch {
	case raw.HasCurPrice:
		pos.PnLSource = PnLSourceDataAPI
		pos.CurrentPrice = raw.CurPrice
		if raw.HasCashPnl {
			pos.PnLUSD = raw.CashPnl
		}
		if raw.HasPercentPnl {
			pos.PnLPct = raw.PercentPnl
		}
		if !raw.HasCashPnl || !raw.HasPercentPnl {
			computePnL(pos, raw)
		}
	case bestBid > 0:
		pos.PnLSource = PnLSourceExecutableBook
		pos.CurrentPrice = bestBid
		computePnL(pos, raw)
	default:
		pos.PnLSource = PnLSourceFallback
		if price, ok := e.fetchFallbackPrice(ctx, raw.TokenID); ok {
			pos.CurrentPrice = price
			computePnL(pos, raw)
		} else {
			pos.CurrentPrice = raw.EntryPrice
			pos.PnLPct = 0
			pos.PnLUSD = 0
		}
	}
}

// fetchFallbackPrice attempts the CLOB price-fallback endpoint (buy+sell
// mid) when neither a data-API curPrice nor a book bid was available.
// Returns ok=false if no Sources is wired, the call fails, or the
// endpoint returns a non-positive price — callers fall back to entryPrice.
func (e *PositionEnricher) fetchFallbackPrice(ctx context.Context, tokenID string) (float64, bool) {
	if e.sources == nil {
		return 0, false
	}
	price, err := e.sources.FetchFallbackPrice(ctx, tokenID)
	if err != nil || price <= 0 {
		return 0, false
	}
	return price, true
}

func computePnL(pos *Position, raw RawPosition) {
	if raw.EntryPrice <= 0 {
		return
	}
	pos.PnLPct = (pos.CurrentPrice - raw.EntryPrice) / raw.EntryPrice * 100
	pos.PnLUSD = (pos.CurrentPrice - raw.EntryPrice) * raw.Size
}

func (e *PositionEnricher) applyTrustAndClassification(raw RawPosition, pos *Position) {
	settlementCertain := pos.PositionState == StateRedeemable

	trusted := settlementCertain ||
		pos.PnLSource == PnLSourceDataAPI ||
		pos.PnLSource == PnLSourceExecutableBook ||
		(pos.PnLSource == PnLSourceFallback && (raw.HasCurPrice || raw.HasCurrentValue))

	pos.PnLTrusted = trusted
	if !trusted {
		pos.PnLUntrustedReason = "no_trusted_price_source"
	}

	switch {
	case !trusted:
		pos.PnLClassification = ClassUnknown
	case pos.PnLPct > 0:
		pos.PnLClassification = ClassProfitable
	case pos.PnLPct < 0:
		pos.PnLClassification = ClassLosing
	default:
		pos.PnLClassification = ClassNeutral
	}

	pos.ExecPriceTrusted = pos.BookStatus == BookAvailable
}
