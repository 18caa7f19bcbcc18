package portfolio

import "time"

// RecoveryStatus reports whether the engine is currently running in
// recovery mode after a self-heal, and how many cycles it has survived.
type RecoveryStatus struct {
	Active bool
	Cycles int
}

// SelfHealStatus reports the engine's current failure/backoff state.
type SelfHealStatus struct {
	ConsecutiveFailures int
	CurrentBackoff      time.Duration
	DegradedSince       time.Time
	SelfHealCount       int
}

// RefreshMetrics reports the last cycle's housekeeping counters.
type RefreshMetrics struct {
	CycleID     int64
	FetchedAtMs int64
	Stale       bool
	StaleAgeMs  int64
}

// Snapshot returns the most recently published snapshot, which may be a
// stale republish of the last good one. Returns nil before the first
// refresh completes.
func (e *Engine) Snapshot() *PortfolioSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.published.Clone()
}

// LastGoodSnapshot returns the last snapshot that passed validation
// without being marked stale.
func (e *Engine) LastGoodSnapshot() *PortfolioSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastGood.Clone()
}

// Positions returns every currently-held position, active and redeemable.
func (e *Engine) Positions() []Position {
	snap := e.Snapshot()
	if snap == nil {
		return nil
	}
	out := make([]Position, 0, len(snap.ActivePositions)+len(snap.RedeemablePositions))
	out = append(out, snap.ActivePositions...)
	out = append(out, snap.RedeemablePositions...)
	return out
}

// Position looks up one held token by market and token id.
func (e *Engine) Position(marketID, tokenID string) (Position, bool) {
	for _, p := range e.Positions() {
		if p.MarketID == marketID && p.TokenID == tokenID {
			return p, true
		}
	}
	return Position{}, false
}

// PositionByTokenID looks up one held token by token id alone.
func (e *Engine) PositionByTokenID(tokenID string) (Position, bool) {
	for _, p := range e.Positions() {
		if p.TokenID == tokenID {
			return p, true
		}
	}
	return Position{}, false
}

// ActivePositions returns only positions in the ACTIVE state.
func (e *Engine) ActivePositions() []Position {
	snap := e.Snapshot()
	if snap == nil {
		return nil
	}
	return snap.ActivePositions
}

// ActiveTrustedProfitablePositions returns ACTIVE positions with a
// trusted, profitable P&L classification.
func (e *Engine) ActiveTrustedProfitablePositions() []Position {
	return filterPositions(e.ActivePositions(), func(p Position) bool {
		return p.PnLTrusted && p.PnLClassification == ClassProfitable
	})
}

// ActiveTrustedLosingPositions returns ACTIVE positions with a trusted,
// losing P&L classification.
func (e *Engine) ActiveTrustedLosingPositions() []Position {
	return filterPositions(e.ActivePositions(), func(p Position) bool {
		return p.PnLTrusted && p.PnLClassification == ClassLosing
	})
}

// LiquidationCandidates returns ACTIVE, trusted, losing positions that
// have lost at least minLossPct and have been held at least minHoldSec.
func (e *Engine) LiquidationCandidates(minLossPct float64, minHoldSec int64) []Position {
	return filterPositions(e.ActivePositions(), func(p Position) bool {
		if !p.PnLTrusted || p.PnLClassification != ClassLosing {
			return false
		}
		if -p.PnLPct < minLossPct {
			return false
		}
		return heldAtLeast(p, minHoldSec)
	})
}

// ProfitLiquidationCandidates returns ACTIVE, trusted, profitable
// positions that have gained at least minProfitPct and have been held at
// least minHoldSec.
func (e *Engine) ProfitLiquidationCandidates(minProfitPct float64, minHoldSec int64) []Position {
	return filterPositions(e.ActivePositions(), func(p Position) bool {
		if !p.PnLTrusted || p.PnLClassification != ClassProfitable {
			return false
		}
		if p.PnLPct < minProfitPct {
			return false
		}
		return heldAtLeast(p, minHoldSec)
	})
}

func heldAtLeast(p Position, minHoldSec int64) bool {
	if p.EntryMeta == nil {
		return minHoldSec <= 0
	}
	return p.EntryMeta.TimeHeldSec >= minHoldSec
}

func filterPositions(src []Position, keep func(Position) bool) []Position {
	var out []Position
	for _, p := range src {
		if keep(p) {
			out = append(out, p)
		}
	}
	return out
}

// PositionSummary returns the classification rollup for the published
// snapshot.
func (e *Engine) PositionSummary() PositionSummary {
	snap := e.Snapshot()
	if snap == nil {
		return PositionSummary{}
	}
	return snap.Summary
}

// RecoveryStatus reports whether the engine is currently recovering from
// a self-heal.
func (e *Engine) RecoveryStatus() RecoveryStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return RecoveryStatus{Active: e.recoveryMode, Cycles: e.recoveryCycles}
}

// SelfHealStatus reports the engine's current failure and backoff state.
func (e *Engine) SelfHealStatus() SelfHealStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return SelfHealStatus{
		ConsecutiveFailures: e.consecutiveFailures,
		CurrentBackoff:      e.currentBackoff,
		DegradedSince:       e.degradedSince,
		SelfHealCount:       e.selfHealCount,
	}
}

// RefreshMetrics reports the published snapshot's cycle bookkeeping.
func (e *Engine) RefreshMetrics() RefreshMetrics {
	snap := e.Snapshot()
	if snap == nil {
		return RefreshMetrics{}
	}
	return RefreshMetrics{
		CycleID:     snap.CycleID,
		FetchedAtMs: snap.FetchedAtMs,
		Stale:       snap.Stale,
		StaleAgeMs:  snap.StaleAgeMs,
	}
}

// TotalValue sums CurrentPrice*Size across active positions, satisfying
// the PortfolioProvider interface the dashboard API depends on.
func (e *Engine) TotalValue() float64 {
	var total float64
	for _, p := range e.ActivePositions() {
		total += p.CurrentPrice * p.Size
	}
	return total
}

// LastSync returns the time the published snapshot was fetched,
// satisfying the PortfolioProvider interface the dashboard API depends
// on.
func (e *Engine) LastSync() time.Time {
	snap := e.Snapshot()
	if snap == nil {
		return time.Time{}
	}
	return time.UnixMilli(snap.FetchedAtMs)
}
