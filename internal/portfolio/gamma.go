package portfolio

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

const (
	gammaBatchSize = 25
	gammaCacheTTL  = 30 * time.Second
)

// MarketOutcome is the resolved view of one market's winner/prices/closed
// status, keyed by the token-ids it was fetched for.
type MarketOutcome struct {
	ConditionID string
	Closed      bool
	Resolved    bool
	WinnerKnown bool
	Winner      bool
	EndsAt      *time.Time
}

// GammaFetcher resolves market winner/outcome information for a batch of
// tokens, falling back to per-token requests when the batch call fails.
type GammaFetcher struct {
	sources *Sources
	cache   map[string]gammaCacheEntry

	RequestsThisRefresh int
	TokenIDsThisRefresh int
}

type gammaCacheEntry struct {
	outcome   MarketOutcome
	fetchedAt time.Time
}

// NewGammaFetcher builds a fetcher backed by sources.
func NewGammaFetcher(sources *Sources) *GammaFetcher {
	return &GammaFetcher{sources: sources, cache: make(map[string]gammaCacheEntry)}
}

// resetMetrics clears the per-refresh counters; called at the start of
// each refresh cycle by the controller.
func (g *GammaFetcher) resetMetrics() {
	g.RequestsThisRefresh = 0
	g.TokenIDsThisRefresh = 0
}

// FetchOutcomes resolves MarketOutcome for every tokenID, batching requests
// in groups of gammaBatchSize and falling back to single-token requests on
// a batch failure.
func (g *GammaFetcher) FetchOutcomes(ctx context.Context, tokenIDs []string) map[string]MarketOutcome {
	result := make(map[string]MarketOutcome, len(tokenIDs))
	var uncached []string
	for _, t := range tokenIDs {
		if entry, ok := g.cache[t]; ok && time.Since(entry.fetchedAt) < gammaCacheTTL {
			result[t] = entry.outcome
			continue
		}
		uncached = append(uncached, t)
	}
	if len(uncached) == 0 {
		return result
	}

	for i := 0; i < len(uncached); i += gammaBatchSize {
		end := i + gammaBatchSize
		if end > len(uncached) {
			end = len(uncached)
		}
		chunk := uncached[i:end]
		g.RequestsThisRefresh++
		g.TokenIDsThisRefresh += len(chunk)

		dtos, err := g.sources.fetchGammaMarkets(ctx, strings.Join(chunk, ","))
		if err != nil {
			// Batch failed (HTTP 422/429/5xx or transport) — fall back to
			// single-token requests. Per-token failures here are non-fatal.
			for _, t := range chunk {
				g.RequestsThisRefresh++
				single, serr := g.sources.fetchGammaMarkets(ctx, t)
				if serr != nil || len(single) == 0 {
					continue
				}
				out := marketOutcomeFromDTO(single[0], []string{t})
				g.cache[t] = gammaCacheEntry{outcome: out, fetchedAt: time.Now()}
				result[t] = out
			}
			continue
		}

		for _, dto := range dtos {
			ids := marketTokenIDs(dto)
			out := marketOutcomeFromDTO(dto, ids)
			for _, t := range ids {
				g.cache[t] = gammaCacheEntry{outcome: out, fetchedAt: time.Now()}
				result[t] = out
			}
		}
	}
	return result
}

func marketTokenIDs(dto gammaMarketDTO) []string {
	csv := firstNonEmpty(dto.ClobTokenIDs, dto.ClobTokenIDsB)
	if csv == "" {
		return nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(csv), &ids); err == nil {
		return ids
	}
	// Not JSON-array encoded; treat as a plain comma-joined list.
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func marketOutcomeFromDTO(dto gammaMarketDTO, tokenIDs []string) MarketOutcome {
	out := MarketOutcome{
		ConditionID: dto.ConditionID,
		Closed:      dto.Closed,
		Resolved:    dto.Resolved,
	}

	var prices []float64
	if dto.OutcomePrices != "" {
		var strs []string
		if err := json.Unmarshal([]byte(dto.OutcomePrices), &strs); err == nil {
			for _, s := range strs {
				if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
					prices = append(prices, f)
				}
			}
		}
	}

	// (i) highest outcomePrices entry, when > 0.5.
	if len(prices) > 0 {
		maxVal := prices[0]
		for _, p := range prices[1:] {
			if p > maxVal {
				maxVal = p
			}
		}
		if maxVal > 0.5 {
			out.WinnerKnown = true
			out.Winner = true
		}
	}

	// (ii) explicit winning-outcome field.
	if !out.WinnerKnown {
		if w := firstNonEmpty(dto.ResolvedOutcome, dto.ResolvedOutcomeB, dto.WinningOutcome, dto.WinningOutcomeB); w != "" {
			out.WinnerKnown = true
			out.Winner = true
		}
	}

	// (iii) explicit tokens[].winner flag.
	if !out.WinnerKnown {
		for _, tok := range dto.Tokens {
			if tok.Winner {
				out.WinnerKnown = true
				out.Winner = true
				break
			}
		}
	}

	if end := firstNonEmpty(dto.EndDate, dto.EndTime, dto.EndDateB, dto.EndTimeB); end != "" {
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05Z", "2006-01-02"} {
			if t, err := time.Parse(layout, end); err == nil {
				out.EndsAt = &t
				break
			}
		}
	}

	return out
}
