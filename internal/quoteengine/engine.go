// Package quoteengine derives a layered destination-venue book from a
// reference top-of-book ticker, an inventory skew, and a Config. It is a
// pure transformation: no network I/O, no Store access, no suspension
// points — grounded on the reservation-price/optimal-spread shape of a
// single-market Avellaneda-Stoikov maker, generalized to explicit BPS
// spreads, per-layer ticks, and requote-threshold gating, and moved onto
// exact decimal arithmetic throughout.
package quoteengine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"crossmm/pkg/types"
)

var (
	ten4 = decimal.NewFromInt(10000)
	one  = decimal.NewFromInt(1)
)

// Engine holds the requote-suppression state (last emitted quote's
// timestamp and reference prices) between ticks. Not safe for concurrent
// calls to Quote — callers serialize through a single quote-generation
// task.
type Engine struct {
	cfg Config

	lastQuoteTs time.Time
	lastBidPx   decimal.Decimal
	lastAskPx   decimal.Decimal
	haveLast    bool
}

// New constructs an Engine for one symbol pair.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Quote computes the layered bid/ask book for the latest ticker and
// inventory skew gamma (in [-gammaMax, +gammaMax]). Returns (nil, nil) when
// the engine declines to requote (stale data, too-soon, below threshold) —
// this is not an error. Returns an error wrapping
// types.ErrInvalidInput for a malformed ticker.
func (e *Engine) Quote(ticker types.BookTicker, gamma decimal.Decimal, symbolDst string, now time.Time) (*types.Quote, error) {
	if !ticker.Valid() {
		return nil, fmt.Errorf("quoteengine: ticker for %s: %w", ticker.SymbolSrc, types.ErrInvalidInput)
	}

	if e.isStale(ticker, now) {
		return nil, nil
	}
	if e.haveLast {
		if now.Sub(e.lastQuoteTs) < time.Duration(e.cfg.MinRequoteMs)*time.Millisecond {
			return nil, nil
		}
		if !e.movedPastThreshold(ticker) {
			return nil, nil
		}
	}

	mid := ticker.Mid()

	sBid, sAsk := e.halfSpreads(gamma)
	mBid, mAsk := e.sizeMultipliers(gamma)

	var bids, asks []types.PriceLevel
	layerCount := decimal.NewFromInt(int64(e.cfg.NumLayers))

	for i := 0; i < e.cfg.NumLayers; i++ {
		step := e.cfg.TickSpreadBps.Mul(decimal.NewFromInt(int64(i)))

		if e.cfg.SidesEnabled.Bid {
			bidBps := sBid.Add(step)
			pBid := floorToTick(mid.Mul(one.Sub(bidBps.Div(ten4))), e.cfg.TickSize)
			notional := e.layerNotional(layerCount, i)
			qBid := floorToStep(notional.Mul(mBid).Div(pBid), e.cfg.StepSize)
			if qBid.IsPositive() && pBid.IsPositive() {
				bids = append(bids, types.PriceLevel{Price: pBid, Qty: qBid})
			}
		}

		if e.cfg.SidesEnabled.Ask {
			askBps := sAsk.Add(step)
			pAsk := ceilToTick(mid.Mul(one.Add(askBps.Div(ten4))), e.cfg.TickSize)
			notional := e.layerNotional(layerCount, i)
			qAsk := floorToStep(notional.Mul(mAsk).Div(pAsk), e.cfg.StepSize)
			if qAsk.IsPositive() && pAsk.IsPositive() {
				asks = append(asks, types.PriceLevel{Price: pAsk, Qty: qAsk})
			}
		}
	}

	bids, asks = enforceDontCross(bids, asks, mid, e.cfg.TickSize)

	if len(bids) == 0 && len(asks) == 0 {
		return nil, nil
	}

	q := &types.Quote{
		Ts:        now,
		SymbolSrc: ticker.SymbolSrc,
		SymbolDst: symbolDst,
		RefBidPx:  ticker.BidPx,
		RefAskPx:  ticker.AskPx,
		Bids:      bids,
		Asks:      asks,
		Status:    types.QuoteGenerated,
		SpreadBps: sBid.Add(sAsk),
	}

	e.lastQuoteTs = now
	e.lastBidPx = ticker.BidPx
	e.lastAskPx = ticker.AskPx
	e.haveLast = true

	return q, nil
}

func (e *Engine) isStale(ticker types.BookTicker, now time.Time) bool {
	return now.Sub(ticker.Ts) > time.Duration(e.cfg.StaleMs)*time.Millisecond
}

func (e *Engine) movedPastThreshold(ticker types.BookTicker) bool {
	bidMoved := ticker.BidPx.Sub(e.lastBidPx).Abs().GreaterThanOrEqual(e.cfg.RequoteTickThreshold)
	askMoved := ticker.AskPx.Sub(e.lastAskPx).Abs().GreaterThanOrEqual(e.cfg.RequoteTickThreshold)
	return bidMoved || askMoved
}

// halfSpreads computes s_bid and s_ask in BPS.
func (e *Engine) halfSpreads(gamma decimal.Decimal) (sBid, sAsk decimal.Decimal) {
	skewTerm := e.cfg.Lambda.Mul(gamma)
	sMin := decimal.Zero
	sMax := e.cfg.BaseSpreadBps.Mul(decimal.NewFromInt(4)) // generous ceiling; widened further only by the don't-cross guard

	sBid = clampDecimal(e.cfg.BaseSpreadBps.Sub(skewTerm), sMin, sMax)
	if sBid.LessThan(e.cfg.MinEdgeBps) {
		sBid = e.cfg.MinEdgeBps
	}
	sAsk = clampDecimal(e.cfg.BaseSpreadBps.Add(skewTerm), sMin, sMax)
	if sAsk.LessThan(e.cfg.MinEdgeBps) {
		sAsk = e.cfg.MinEdgeBps
	}
	return sBid, sAsk
}

// sizeMultipliers computes m_bid and m_ask.
func (e *Engine) sizeMultipliers(gamma decimal.Decimal) (mBid, mAsk decimal.Decimal) {
	skewTerm := e.cfg.Mu.Mul(gamma)
	mMin := decimal.NewFromFloat(0.1)
	mMax := decimal.NewFromFloat(2.0)

	mBid = clampDecimal(one.Add(skewTerm), mMin, mMax)
	mAsk = clampDecimal(one.Sub(skewTerm), mMin, mMax)
	return mBid, mAsk
}

// layerNotional is B_i = (total_liquidity / num_layers) * (1 + i * layer_liquidity_multiplier).
func (e *Engine) layerNotional(numLayers decimal.Decimal, i int) decimal.Decimal {
	base := e.cfg.TotalLiquidity.Div(numLayers)
	factor := one.Add(decimal.NewFromInt(int64(i)).Mul(e.cfg.LayerLiquidityMultiplier))
	return base.Mul(factor)
}

// enforceDontCross widens both sides symmetrically around mid if the best
// bid would be at or above the best ask.
func enforceDontCross(bids, asks []types.PriceLevel, mid, tick decimal.Decimal) ([]types.PriceLevel, []types.PriceLevel) {
	if len(bids) == 0 || len(asks) == 0 {
		return bids, asks
	}

	bestBid := bids[0].Price
	bestAsk := asks[0].Price
	for _, b := range bids {
		if b.Price.GreaterThan(bestBid) {
			bestBid = b.Price
		}
	}
	for _, a := range asks {
		if a.Price.LessThan(bestAsk) {
			bestAsk = a.Price
		}
	}

	if bestBid.LessThan(bestAsk) {
		return bids, asks
	}

	widened := make([]types.PriceLevel, len(bids))
	for i, b := range bids {
		widened[i] = types.PriceLevel{Price: floorToTick(mid.Sub(mid.Sub(b.Price).Abs()).Sub(tick), tick), Qty: b.Qty}
	}
	widenedAsks := make([]types.PriceLevel, len(asks))
	for i, a := range asks {
		widenedAsks[i] = types.PriceLevel{Price: ceilToTick(mid.Add(a.Price.Sub(mid).Abs()).Add(tick), tick), Qty: a.Qty}
	}
	return widened, widenedAsks
}

func clampDecimal(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

// floorToTick rounds v down to the nearest multiple of tick.
func floorToTick(v, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return v
	}
	return v.Div(tick).Floor().Mul(tick)
}

// ceilToTick rounds v up to the nearest multiple of tick.
func ceilToTick(v, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return v
	}
	return v.Div(tick).Ceil().Mul(tick)
}

// floorToStep rounds v down to the nearest multiple of step.
func floorToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}
