package portfolio

import (
	"log"
	"time"

	"github.com/GoPolymarket/polymarket-trader/internal/config"
)

// handleSuccess resets failure/backoff state, advances recovery mode, and
// swaps in the new snapshot as both the published and last-good view.
func (e *Engine) handleSuccess(snap *PortfolioSnapshot) *PortfolioSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.consecutiveFailures = 0
	e.currentBackoff = 0
	e.degradedSince = time.Time{}

	if e.recoveryMode {
		e.recoveryCycles++
		if snap.Summary.ActiveTotal > 0 || e.recoveryCycles >= e.cfg.RecoveryModeMaxCycles {
			e.recoveryMode = false
			e.recoveryCycles = 0
		}
	}

	e.published = snap
	e.lastGood = snap
	e.maybeLogHealth()
	return snap
}

// handleFailure records the failure, runs a self-heal check, and
// republishes a stale copy of the last-good snapshot so callers never see
// a gap. Backoff only escalates when self-heal does not fire, since a
// reset is meant to retry immediately rather than wait out a backoff.
func (e *Engine) handleFailure(cause error) (*PortfolioSnapshot, error) {
	e.mu.Lock()
	e.consecutiveFailures++
	if e.degradedSince.IsZero() {
		e.degradedSince = time.Now()
	}
	failures := e.consecutiveFailures
	degradedFor := time.Since(e.degradedSince)
	prev := e.lastGood
	e.mu.Unlock()

	level := resetNone
	if prev == nil {
		level = resetHard
	} else if time.Duration(e.cfg.HardResetDegradedMs)*time.Millisecond > 0 &&
		degradedFor >= time.Duration(e.cfg.HardResetDegradedMs)*time.Millisecond {
		level = resetHard
	} else if failures >= e.cfg.SoftResetFailureThreshold {
		level = resetSoft
	} else {
		staleAge := time.Now().UnixMilli() - prev.FetchedAtMs
		if staleAge >= int64(e.cfg.MaxStaleAgeMs) {
			level = resetSoft
		}
	}

	if level != resetNone {
		e.selfHeal(level, cause)
	} else {
		e.mu.Lock()
		e.currentBackoff = nextBackoff(e.currentBackoff, e.cfg)
		e.mu.Unlock()
	}

	if prev == nil {
		return nil, cause
	}

	stale := StaleCopy(prev, e.nextCycleID(), cause.Error())
	e.mu.Lock()
	e.published = stale
	e.maybeLogHealth()
	e.mu.Unlock()
	return stale, cause
}

func nextBackoff(current time.Duration, cfg config.PortfolioConfig) time.Duration {
	base := time.Duration(cfg.BaseBackoffMs) * time.Millisecond
	cap_ := time.Duration(cfg.MaxBackoffMs) * time.Millisecond
	if base <= 0 {
		return 0
	}
	next := current * 2
	if next < base {
		next = base
	}
	if cap_ > 0 && next > cap_ {
		next = cap_
	}
	return next
}

// selfHeal performs the SOFT_RESET or HARD_RESET corrective actions.
// SOFT_RESET clears the per-cycle diagnostic state and enters recovery
// mode; HARD_RESET additionally drops every long-lived cache so the next
// cycle starts from a cold, re-probed address.
func (e *Engine) selfHeal(level resetLevel, cause error) {
	e.mu.Lock()
	e.selfHealCount++
	e.recoveryMode = true
	e.recoveryCycles = 0
	e.bootstrapAfterRecovery = true
	e.mu.Unlock()

	e.bookCache.invalidateAll()
	e.outcomes.expireActive()
	e.dedupe.reset()
	e.address.ClearProbeFlag()

	if level == resetHard {
		e.outcomes.clear()
		if e.onchain != nil {
			e.onchain.clear()
		}
		e.breaker.clear()
		e.address.ForceReset()
		e.mu.Lock()
		e.lastGood = nil
		e.degradedSince = time.Time{}
		e.mu.Unlock()
		log.Printf("portfolio: HARD_RESET cause=%v", cause)
		return
	}

	log.Printf("portfolio: SOFT_RESET, cause=%v", cause)
}

func (e *Engine) maybeLogHealth() {
	now := time.Now()
	if !e.lastHealthLogAt.IsZero() && now.Sub(e.lastHealthLogAt) < healthLogInterval {
		return
	}
	e.lastHealthLogAt = now
	active := 0
	if e.published != nil {
		active = e.published.Summary.ActiveTotal
	}
	log.Printf("portfolio: health cid=%s cycle=%d active=%d failures=%d recovery=%v selfHeals=%d",
		e.correlationID, e.cycleID, active, e.consecutiveFailures, e.recoveryMode, e.selfHealCount)
}
