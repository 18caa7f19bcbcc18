package portfolio

import "testing"

func TestBestOfEmptyBook(t *testing.T) {
	bid, ask, status := bestOf(OrderBook{})
	if status != BookEmpty || bid != 0 || ask != 0 {
		t.Fatalf("expected empty book classification, got bid=%f ask=%f status=%s", bid, ask, status)
	}
}

func TestBestOfRecomputesRegardlessOfSortOrder(t *testing.T) {
	// Deliberately out of the documented sort order; bestOf must not trust it.
	book := OrderBook{
		Bids: []BookLevel{{Price: 0.40, Size: 10}, {Price: 0.74, Size: 20}, {Price: 0.60, Size: 5}},
		Asks: []BookLevel{{Price: 0.90, Size: 10}, {Price: 0.76, Size: 20}, {Price: 0.80, Size: 5}},
	}
	bid, ask, status := bestOf(book)
	if bid != 0.74 {
		t.Fatalf("expected best bid 0.74, got %f", bid)
	}
	if ask != 0.76 {
		t.Fatalf("expected best ask 0.76, got %f", ask)
	}
	if status != BookAvailable {
		t.Fatalf("expected AVAILABLE, got %s", status)
	}
}

func TestBestOfCrossedBookIsAnomaly(t *testing.T) {
	book := OrderBook{
		Bids: []BookLevel{{Price: 0.80, Size: 10}},
		Asks: []BookLevel{{Price: 0.75, Size: 10}},
	}
	_, _, status := bestOf(book)
	if status != BookAnomaly {
		t.Fatalf("expected BOOK_ANOMALY for a crossed book, got %s", status)
	}
}

func TestBestOfWideSpreadIsAnomaly(t *testing.T) {
	book := OrderBook{
		Bids: []BookLevel{{Price: 0.10, Size: 10}},
		Asks: []BookLevel{{Price: 0.35, Size: 10}},
	}
	_, _, status := bestOf(book)
	if status != BookAnomaly {
		t.Fatalf("expected BOOK_ANOMALY for a spread over 20c, got %s", status)
	}
}

func TestBestOfOneSidedBookIsAvailable(t *testing.T) {
	book := OrderBook{Bids: []BookLevel{{Price: 0.50, Size: 10}}}
	bid, ask, status := bestOf(book)
	if status != BookAvailable || bid != 0.50 || ask != 0 {
		t.Fatalf("expected a one-sided book to be AVAILABLE with ask=0, got bid=%f ask=%f status=%s", bid, ask, status)
	}
}

func TestIsBookNotFound(t *testing.T) {
	if !IsBookNotFound(ErrBookNotFound()) {
		t.Fatal("expected ErrBookNotFound to satisfy IsBookNotFound")
	}
	if IsBookNotFound(nil) {
		t.Fatal("nil should not be classified as book-not-found")
	}
}
