package app

import (
	"context"
	"strconv"

	"github.com/GoPolymarket/polymarket-go-sdk/pkg/clob"
	"github.com/GoPolymarket/polymarket-go-sdk/pkg/clob/clobtypes"

	"github.com/GoPolymarket/polymarket-trader/internal/portfolio"
)

// clobBookProvider adapts the CLOB SDK client to portfolio.OrderBookProvider.
type clobBookProvider struct {
	client clob.Client
}

func newClobBookProvider(client clob.Client) *clobBookProvider {
	return &clobBookProvider{client: client}
}

func (p *clobBookProvider) GetOrderBook(ctx context.Context, tokenID string) (portfolio.OrderBook, error) {
	resp, err := p.client.OrderBook(ctx, &clobtypes.BookRequest{TokenID: tokenID})
	if err != nil {
		return portfolio.OrderBook{}, err
	}

	book := clobtypes.OrderBook(resp)
	out := portfolio.OrderBook{
		Bids: make([]portfolio.BookLevel, 0, len(book.Bids)),
		Asks: make([]portfolio.BookLevel, 0, len(book.Asks)),
	}
	for _, lvl := range book.Bids {
		out.Bids = append(out.Bids, toBookLevel(lvl.Price, lvl.Size))
	}
	for _, lvl := range book.Asks {
		out.Asks = append(out.Asks, toBookLevel(lvl.Price, lvl.Size))
	}
	return out, nil
}

func toBookLevel(price, size string) portfolio.BookLevel {
	p, _ := strconv.ParseFloat(price, 64)
	s, _ := strconv.ParseFloat(size, 64)
	return portfolio.BookLevel{Price: p, Size: s}
}
