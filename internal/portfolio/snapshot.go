package portfolio

import "time"

// RejectReason names one of the five validation rules that can reject a
// candidate snapshot in favor of a stale copy of the last-good one.
type RejectReason string

const (
	RejectActiveCollapseBug   RejectReason = "ACTIVE_COLLAPSE_BUG"
	RejectFetchRegression     RejectReason = "FETCH_REGRESSION"
	RejectAddressFlipCollapse RejectReason = "ADDRESS_FLIP_COLLAPSE"
	RejectSuspiciousShrink    RejectReason = "SUSPICIOUS_SHRINK"
	RejectActiveWipeout       RejectReason = "ACTIVE_WIPEOUT"
)

// ValidationContext carries everything the five rejection rules need
// about the previous publish and the current run's recovery state.
type ValidationContext struct {
	PrevSnapshot        *PortfolioSnapshot
	AddressChanged       bool
	BootstrapAfterRecovery bool
	RecoveryModeActive     bool
	AllSkipsAreBookFailures bool
}

// candidate is the Phase-A in-memory build of a not-yet-published
// snapshot; it is never exposed until it passes validation.
type candidate struct {
	addressUsed string
	fetchedAt   time.Time

	active     []Position
	redeemable []Position

	rawCounts RawCounts
	reasons   map[SkipReason]int
}

func newCandidate(addressUsed string) *candidate {
	return &candidate{addressUsed: addressUsed, fetchedAt: time.Now(), reasons: make(map[SkipReason]int)}
}

func (c *candidate) addSkip(reason SkipReason) {
	c.rawCounts.RawTotal++
	c.reasons[reason]++
}

func (c *candidate) addPosition(pos Position) {
	c.rawCounts.RawTotal++
	switch pos.PositionState {
	case StateRedeemable:
		c.rawCounts.RawRedeemableCandidates++
		c.redeemable = append(c.redeemable, pos)
	default:
		c.rawCounts.RawActiveCandidates++
		c.active = append(c.active, pos)
	}
}

func summarize(active []Position) PositionSummary {
	var s PositionSummary
	s.ActiveTotal = len(active)
	for _, p := range active {
		switch p.PnLClassification {
		case ClassProfitable:
			s.Profitable++
		case ClassLosing:
			s.Losing++
		case ClassNeutral:
			s.Neutral++
		default:
			s.Unknown++
		}
	}
	return s
}

// Validator runs the five rejection rules and performs the atomic
// publish on pass.
type Validator struct{}

func NewValidator() *Validator { return &Validator{} }

// ValidationOutcome is the result of running the five rejection rules
// against a candidate.
type ValidationOutcome struct {
	Accepted bool
	Reason   RejectReason
	// RequiresAddressReprobe / RequiresCacheClear are corrective actions
	// a rejection may demand (SUSPICIOUS_SHRINK, ACTIVE_WIPEOUT).
	RequiresAddressReprobe bool
	RequiresCacheClear     bool
}

// Validate applies the five rejection rules in spec order.
func (v *Validator) Validate(c *candidate, vc ValidationContext) ValidationOutcome {
	prev := vc.PrevSnapshot

	// Rule 1: ACTIVE_COLLAPSE_BUG.
	if c.rawCounts.RawTotal > 0 && c.rawCounts.RawActiveCandidates > 0 && len(c.active) == 0 {
		exempt := vc.BootstrapAfterRecovery ||
			vc.RecoveryModeActive ||
			(c.rawCounts.RawTotal <= 5 && len(c.reasons) == 0) ||
			vc.AllSkipsAreBookFailures
		if !exempt {
			return ValidationOutcome{Accepted: false, Reason: RejectActiveCollapseBug}
		}
	}

	if prev != nil {
		prevRawTotal := prev.RawCounts.RawTotal
		newRawTotal := c.rawCounts.RawTotal

		// Rule 2: FETCH_REGRESSION.
		if !vc.RecoveryModeActive && prevRawTotal > 0 && float64(newRawTotal) < 0.2*float64(prevRawTotal) {
			return ValidationOutcome{Accepted: false, Reason: RejectFetchRegression}
		}

		// Rule 3: ADDRESS_FLIP_COLLAPSE.
		if vc.AddressChanged && len(c.active) == 0 && len(c.redeemable) == 0 {
			return ValidationOutcome{Accepted: false, Reason: RejectAddressFlipCollapse}
		}

		// Rule 4: SUSPICIOUS_SHRINK.
		if prevRawTotal >= 20 && newRawTotal <= prevRawTotal/4 {
			return ValidationOutcome{
				Accepted: false, Reason: RejectSuspiciousShrink,
				RequiresAddressReprobe: true, RequiresCacheClear: true,
			}
		}

		// Rule 5: ACTIVE_WIPEOUT.
		if prev.Summary.ActiveTotal >= 10 && len(c.active) == 0 && newRawTotal > 0 {
			return ValidationOutcome{
				Accepted: false, Reason: RejectActiveWipeout,
				RequiresAddressReprobe: true, RequiresCacheClear: true,
			}
		}
	}

	return ValidationOutcome{Accepted: true}
}

// Build assembles the accepted PortfolioSnapshot from a validated
// candidate.
func (v *Validator) Build(cycleID int64, c *candidate) *PortfolioSnapshot {
	return &PortfolioSnapshot{
		CycleID:               cycleID,
		AddressUsed:           c.addressUsed,
		FetchedAtMs:           c.fetchedAt.UnixMilli(),
		ActivePositions:       c.active,
		RedeemablePositions:   c.redeemable,
		Summary:               withRedeemableTotal(summarize(c.active), len(c.redeemable)),
		RawCounts:             c.rawCounts,
		ClassificationReasons: c.reasons,
	}
}

func withRedeemableTotal(s PositionSummary, redeemableTotal int) PositionSummary {
	s.RedeemableTotal = redeemableTotal
	return s
}

// StaleCopy produces a republish of prev marked stale, for use when a
// refresh fails or is rejected.
func StaleCopy(prev *PortfolioSnapshot, cycleID int64, reason string) *PortfolioSnapshot {
	cp := prev.Clone()
	cp.CycleID = cycleID
	cp.Stale = true
	cp.StaleAgeMs = time.Now().UnixMilli() - prev.FetchedAtMs
	cp.StaleReason = reason
	return cp
}
