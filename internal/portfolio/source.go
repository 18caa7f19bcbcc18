package portfolio

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Sources holds the base URLs for the three opaque HTTP JSON services the
// engine talks to, plus the shared HTTP transport. All requests carry
// apiTimeout as a per-call deadline.
type Sources struct {
	PositionsBase string
	GammaBase     string
	ClobBase      string

	httpClient *http.Client
	apiTimeout time.Duration

	positionsLimiter *rate.Limiter
	profileLimiter   *rate.Limiter
	gammaLimiter     *rate.Limiter
	priceLimiter     *rate.Limiter
}

// NewSources builds the HTTP data-source client, one rate limiter per
// upstream endpoint family (positions index, profile, gamma, price
// fallback) to avoid one noisy endpoint starving the others.
func NewSources(positionsBase, gammaBase, clobBase string, apiTimeout time.Duration) *Sources {
	return &Sources{
		PositionsBase: strings.TrimRight(positionsBase, "/"),
		GammaBase:     strings.TrimRight(gammaBase, "/"),
		ClobBase:      strings.TrimRight(clobBase, "/"),
		httpClient:    &http.Client{Timeout: apiTimeout},
		apiTimeout:    apiTimeout,

		positionsLimiter: rate.NewLimiter(rate.Limit(5), 5),
		profileLimiter:   rate.NewLimiter(rate.Limit(5), 5),
		gammaLimiter:     rate.NewLimiter(rate.Limit(10), 10),
		priceLimiter:     rate.NewLimiter(rate.Limit(10), 10),
	}
}

func (s *Sources) getJSON(ctx context.Context, limiter *rate.Limiter, url string, out interface{}) error {
	if err := limiter.Wait(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.apiTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &httpStatusError{code: resp.StatusCode, url: url}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// httpStatusError carries the upstream status code so callers can map it
// onto the error-kind taxonomy (404/422 vs 429/5xx vs transport).
type httpStatusError struct {
	code int
	url  string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("http %d from %s", e.code, e.url)
}

func (e *httpStatusError) StatusCode() int { return e.code }

// rawPositionDTO is the wire shape of one entry from the positions index,
// with both current and legacy field aliases. Normalization to
// RawPosition happens once, at the edge — nothing downstream branches on
// alias.
type rawPositionDTO struct {
	Asset      string `json:"asset"`
	AssetID    string `json:"asset_id"`
	TokenID    string `json:"token_id"`

	ConditionID string `json:"conditionId"`
	Market      string `json:"market"`
	ID          string `json:"id"`

	Size      json.Number `json:"size"`
	AvgPrice  json.Number `json:"avgPrice"`
	InitAvg   json.Number `json:"initial_average_price"`

	Outcome string `json:"outcome"`
	Side    string `json:"side"`

	Redeemable bool `json:"redeemable"`

	CashPnl     *json.Number `json:"cashPnl"`
	PercentPnl  *json.Number `json:"percentPnl"`
	CurPrice    *json.Number `json:"curPrice"`
	CurrentValue *json.Number `json:"currentValue"`
	InitialValue *json.Number `json:"initialValue"`
}

// RawPosition is the normalized, alias-resolved shape of one positions-index
// entry, used by everything downstream of the HTTP edge.
type RawPosition struct {
	TokenID     string
	ConditionID string
	Size        float64
	EntryPrice  float64
	Side        string
	Redeemable  bool

	HasCashPnl  bool
	CashPnl     float64
	HasPercentPnl bool
	PercentPnl  float64
	HasCurPrice bool
	CurPrice    float64
	HasCurrentValue bool
	CurrentValue float64
	HasInitialValue bool
	InitialValue float64
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func numOrZero(n json.Number) float64 {
	f, err := n.Float64()
	if err != nil {
		return 0
	}
	return f
}

func (d rawPositionDTO) normalize() RawPosition {
	rp := RawPosition{
		TokenID:     firstNonEmpty(d.Asset, d.AssetID, d.TokenID),
		ConditionID: firstNonEmpty(d.ConditionID, d.Market, d.ID),
		Size:        numOrZero(d.Size),
		EntryPrice:  numOrZero(d.AvgPrice),
		Side:        firstNonEmpty(d.Outcome, d.Side),
		Redeemable:  d.Redeemable,
	}
	if rp.EntryPrice == 0 {
		rp.EntryPrice = numOrZero(d.InitAvg)
	}
	if d.CashPnl != nil {
		rp.HasCashPnl = true
		rp.CashPnl = numOrZero(*d.CashPnl)
	}
	if d.PercentPnl != nil {
		rp.HasPercentPnl = true
		rp.PercentPnl = numOrZero(*d.PercentPnl)
	}
	if d.CurPrice != nil {
		rp.HasCurPrice = true
		rp.CurPrice = numOrZero(*d.CurPrice)
	}
	if d.CurrentValue != nil {
		rp.HasCurrentValue = true
		rp.CurrentValue = numOrZero(*d.CurrentValue)
	}
	if d.InitialValue != nil {
		rp.HasInitialValue = true
		rp.InitialValue = numOrZero(*d.InitialValue)
	}
	return rp
}

// FetchPositions fetches and normalizes the positions index for address.
func (s *Sources) FetchPositions(ctx context.Context, address string) ([]RawPosition, error) {
	url := fmt.Sprintf("%s/positions?user=%s", s.PositionsBase, address)
	var dtos []rawPositionDTO
	if err := s.getJSON(ctx, s.positionsLimiter, url, &dtos); err != nil {
		return nil, err
	}
	out := make([]RawPosition, len(dtos))
	for i, d := range dtos {
		out[i] = d.normalize()
	}
	return out, nil
}

// TradeRecord is one normalized BUY/SELL fill from the trade-history
// endpoint, used by the Entry Meta Resolver.
type TradeRecord struct {
	TimestampSec int64
	ConditionID  string
	TokenID      string
	Side         string
	Size         float64
	Price        float64
}

type tradeDTO struct {
	Timestamp   json.Number `json:"timestamp"`
	ConditionID string      `json:"conditionId"`
	Asset       string      `json:"asset"`
	Side        string      `json:"side"`
	Size        json.Number `json:"size"`
	Price       json.Number `json:"price"`
}

// FetchTradesPage fetches one page of an address's trade history, filtered
// to the given side, at the given limit/offset.
func (s *Sources) FetchTradesPage(ctx context.Context, address, side string, limit, offset int) ([]TradeRecord, error) {
	url := fmt.Sprintf("%s/trades?user=%s&side=%s&limit=%d&offset=%d", s.PositionsBase, address, side, limit, offset)
	var dtos []tradeDTO
	if err := s.getJSON(ctx, s.positionsLimiter, url, &dtos); err != nil {
		return nil, err
	}
	out := make([]TradeRecord, len(dtos))
	for i, d := range dtos {
		ts, _ := d.Timestamp.Int64()
		out[i] = TradeRecord{
			TimestampSec: ts,
			ConditionID:  d.ConditionID,
			TokenID:      d.Asset,
			Side:         d.Side,
			Size:         numOrZero(d.Size),
			Price:        numOrZero(d.Price),
		}
	}
	return out, nil
}

type profileDTO struct {
	ProxyWallet string `json:"proxyWallet"`
}

// FetchProfile resolves the proxy wallet (if any) for an EOA address.
func (s *Sources) FetchProfile(ctx context.Context, eoaAddress string) (string, error) {
	url := fmt.Sprintf("%s/profile/%s", s.GammaBase, eoaAddress)
	var dto profileDTO
	if err := s.getJSON(ctx, s.profileLimiter, url, &dto); err != nil {
		return "", err
	}
	return dto.ProxyWallet, nil
}

type priceDTO struct {
	Price json.Number `json:"price"`
}

// FetchFallbackPrice queries the buy-side and sell-side mid for token and
// returns their mean.
func (s *Sources) FetchFallbackPrice(ctx context.Context, tokenID string) (float64, error) {
	buy, err := s.fetchSidePrice(ctx, tokenID, "BUY")
	if err != nil {
		return 0, err
	}
	sell, err := s.fetchSidePrice(ctx, tokenID, "SELL")
	if err != nil {
		return 0, err
	}
	return (buy + sell) / 2, nil
}

func (s *Sources) fetchSidePrice(ctx context.Context, tokenID, side string) (float64, error) {
	url := fmt.Sprintf("%s/price?token_id=%s&side=%s", s.ClobBase, tokenID, side)
	var dto priceDTO
	if err := s.getJSON(ctx, s.priceLimiter, url, &dto); err != nil {
		return 0, err
	}
	return numOrZero(dto.Price), nil
}

// gammaMarketDTO is one entry from the Gamma markets-by-token-ids response.
// Numeric-looking fields arrive JSON-encoded as strings upstream, and
// outcomes/prices arrive as JSON-encoded arrays inside a string field.
type gammaMarketDTO struct {
	ConditionID    string          `json:"conditionId"`
	Outcomes       string          `json:"outcomes"`
	OutcomePrices  string          `json:"outcomePrices"`
	ClobTokenIDs   string          `json:"clobTokenIds"`
	ClobTokenIDsB  string          `json:"clob_token_ids"`
	Tokens         []gammaTokenDTO `json:"tokens"`
	ResolvedOutcome string         `json:"resolvedOutcome"`
	ResolvedOutcomeB string        `json:"resolved_outcome"`
	WinningOutcome string          `json:"winningOutcome"`
	WinningOutcomeB string         `json:"winning_outcome"`
	Closed         bool            `json:"closed"`
	Resolved       bool            `json:"resolved"`
	EndDate        string          `json:"end_date"`
	EndTime        string          `json:"end_time"`
	EndDateB       string          `json:"endDate"`
	EndTimeB       string          `json:"endTime"`
}

type gammaTokenDTO struct {
	Outcome string `json:"outcome"`
	Winner  bool   `json:"winner"`
	TokenID string `json:"token_id"`
}

func (s *Sources) fetchGammaMarkets(ctx context.Context, clobTokenIDsCSV string) ([]gammaMarketDTO, error) {
	url := fmt.Sprintf("%s/markets?clob_token_ids=%s", s.GammaBase, clobTokenIDsCSV)
	var dtos []gammaMarketDTO
	if err := s.getJSON(ctx, s.gammaLimiter, url, &dtos); err != nil {
		return nil, err
	}
	return dtos, nil
}
