package quoteengine

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"crossmm/pkg/types"
)

func mustDec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func symmetricConfig() Config {
	return Config{
		BaseSpreadBps:            mustDec("3"),
		TickSpreadBps:            mustDec("2"),
		NumLayers:                2,
		TotalLiquidity:           mustDec("1000"),
		LayerLiquidityMultiplier: mustDec("1.0"),
		MinEdgeBps:               mustDec("0"),
		MinRequoteMs:             100,
		RequoteTickThreshold:     mustDec("0.0001"),
		StaleMs:                  5000,
		SidesEnabled:             Sides{Bid: true, Ask: true},
		GammaMax:                 mustDec("0.5"),
		Lambda:                   mustDec("10"),
		Mu:                       mustDec("0.8"),
		TickSize:                 mustDec("0.0001"),
		StepSize:                 mustDec("1"),
	}
}

func TestQuoteSymmetricNoSkew(t *testing.T) {
	t.Parallel()

	now := time.Now()
	ticker := types.BookTicker{
		SymbolSrc: "BTC-USD",
		BidPx:     mustDec("0.4999"),
		AskPx:     mustDec("0.5001"),
		Ts:        now,
	}

	e := New(symmetricConfig())
	q, err := e.Quote(ticker, decimal.Zero, "BTC-DST", now)
	if err != nil {
		t.Fatalf("Quote() error: %v", err)
	}
	if q == nil {
		t.Fatal("Quote() = nil, want a quote")
	}

	if len(q.Bids) != 2 || len(q.Asks) != 2 {
		t.Fatalf("got %d bids, %d asks, want 2 and 2", len(q.Bids), len(q.Asks))
	}

	// best bid strictly below best ask.
	maxBid := q.Bids[0].Price
	for _, b := range q.Bids {
		if b.Price.GreaterThan(maxBid) {
			maxBid = b.Price
		}
	}
	minAsk := q.Asks[0].Price
	for _, a := range q.Asks {
		if a.Price.LessThan(minAsk) {
			minAsk = a.Price
		}
	}
	if !maxBid.LessThan(minAsk) {
		t.Errorf("max bid %s not less than min ask %s", maxBid, minAsk)
	}
}

func TestQuoteSkipsOnStaleTicker(t *testing.T) {
	t.Parallel()

	now := time.Now()
	ticker := types.BookTicker{
		BidPx: mustDec("0.4999"),
		AskPx: mustDec("0.5001"),
		Ts:    now.Add(-10 * time.Second),
	}

	e := New(symmetricConfig())
	q, err := e.Quote(ticker, decimal.Zero, "DST", now)
	if err != nil {
		t.Fatalf("Quote() error: %v", err)
	}
	if q != nil {
		t.Fatal("expected nil quote for stale ticker")
	}
}

func TestQuoteRejectsInvalidTicker(t *testing.T) {
	t.Parallel()

	now := time.Now()
	ticker := types.BookTicker{
		BidPx: mustDec("0.51"),
		AskPx: mustDec("0.50"), // crossed
		Ts:    now,
	}

	e := New(symmetricConfig())
	_, err := e.Quote(ticker, decimal.Zero, "DST", now)
	if err == nil {
		t.Fatal("expected error for crossed ticker")
	}
}

func TestQuoteSuppressedWithinMinRequoteWindow(t *testing.T) {
	t.Parallel()

	now := time.Now()
	ticker := types.BookTicker{
		BidPx: mustDec("0.4999"),
		AskPx: mustDec("0.5001"),
		Ts:    now,
	}

	e := New(symmetricConfig())
	first, err := e.Quote(ticker, decimal.Zero, "DST", now)
	if err != nil || first == nil {
		t.Fatalf("expected first quote to emit, got %v, err %v", first, err)
	}

	// Same tick, tiny move, within min_requote_ms: must be suppressed.
	ticker2 := ticker
	ticker2.Ts = now.Add(50 * time.Millisecond)
	ticker2.BidPx = mustDec("0.49991")
	second, err := e.Quote(ticker2, decimal.Zero, "DST", now.Add(50*time.Millisecond))
	if err != nil {
		t.Fatalf("Quote() error: %v", err)
	}
	if second != nil {
		t.Fatal("expected requote to be suppressed within min_requote_ms")
	}
}

func TestQuoteSkewWidensAskNarrowsBid(t *testing.T) {
	t.Parallel()

	now := time.Now()
	ticker := types.BookTicker{
		BidPx: mustDec("0.4999"),
		AskPx: mustDec("0.5001"),
		Ts:    now,
	}

	cfg := symmetricConfig()
	e := New(cfg)
	// Positive gamma leans the book toward buying: s_bid = base - lambda*gamma
	// narrows the bid edge and s_ask = base + lambda*gamma widens the ask edge.
	q, err := e.Quote(ticker, mustDec("0.3"), "DST", now)
	if err != nil || q == nil {
		t.Fatalf("Quote() = %v, %v", q, err)
	}

	sBidOnly, _ := New(cfg).halfSpreads(mustDec("0.3"))
	_, sAskOnly := New(cfg).halfSpreads(mustDec("0.3"))
	if !sAskOnly.GreaterThan(sBidOnly) {
		t.Errorf("expected ask half-spread %s > bid half-spread %s under positive skew", sAskOnly, sBidOnly)
	}
}
