package oms

import (
	"time"

	"github.com/shopspring/decimal"

	"crossmm/pkg/types"
)

// ApplyFillToPosition folds one Fill into a Position using the signed-
// quantity convention (buy positive, sell negative). Grounded on a split
// YES/NO average-price bookkeeping shape, generalized to one symbol with a
// single signed quantity: same-signed fills average in; opposite-signed
// fills realize P&L against the existing average, which is preserved until
// the position flips sign, at which point the residual uses the fill price
// as the new average.
func ApplyFillToPosition(pos types.Position, fill types.Fill, now time.Time) types.Position {
	delta := fill.Quantity
	if fill.Side == types.Sell {
		delta = delta.Neg()
	}

	commission := commissionInQuote(fill)

	switch {
	case pos.Quantity.IsZero():
		pos.Quantity = delta
		pos.AvgEntryPrice = fill.Price
	case sameSign(pos.Quantity, delta):
		absCur := pos.Quantity.Abs()
		absDelta := delta.Abs()
		totalCost := pos.AvgEntryPrice.Mul(absCur).Add(fill.Price.Mul(absDelta))
		newQty := pos.Quantity.Add(delta)
		pos.Quantity = newQty
		if !newQty.IsZero() {
			pos.AvgEntryPrice = totalCost.Div(absCur.Add(absDelta))
		}
	default:
		// Reducing or flipping.
		sign := decimal.NewFromInt(1)
		if pos.Quantity.IsNegative() {
			sign = decimal.NewFromInt(-1)
		}
		closedQty := decimal.Min(pos.Quantity.Abs(), delta.Abs())
		pos.RealizedPnL = pos.RealizedPnL.Add(closedQty.Mul(fill.Price.Sub(pos.AvgEntryPrice)).Mul(sign))

		newQty := pos.Quantity.Add(delta)
		if newQty.IsZero() {
			pos.Quantity = decimal.Zero
			pos.AvgEntryPrice = decimal.Zero
		} else if sameSign(newQty, pos.Quantity) {
			// Reduced but did not flip: average is preserved.
			pos.Quantity = newQty
		} else {
			// Flipped sign: residual uses the fill price as the new average.
			pos.Quantity = newQty
			pos.AvgEntryPrice = fill.Price
		}
	}

	pos.RealizedPnL = pos.RealizedPnL.Sub(commission)
	pos.LastUpdate = now
	return pos
}

// commissionInQuote converts a Fill's commission to quote-asset units.
// Assumes fees are already denominated in the quote asset; no
// venue-specific conversion table is implemented.
func commissionInQuote(fill types.Fill) decimal.Decimal {
	return fill.Commission
}

func sameSign(a, b decimal.Decimal) bool {
	if a.IsZero() || b.IsZero() {
		return true
	}
	return a.Sign() == b.Sign()
}

// MarkToMarket recomputes unrealized P&L against the latest reference mid.
// Not a stored invariant — recomputed on demand.
func MarkToMarket(pos types.Position, mid decimal.Decimal) types.Position {
	pos.UnrealizedPnL = pos.Quantity.Mul(mid.Sub(pos.AvgEntryPrice))
	return pos
}
