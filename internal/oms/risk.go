package oms

import (
	"time"

	"github.com/shopspring/decimal"

	"crossmm/pkg/types"
)

// RiskLimits are the pre-trade gate thresholds, checked in
// order on every submit so every violated check can be reported together.
type RiskLimits struct {
	MinQuoteSize   decimal.Decimal
	MaxPositionSize decimal.Decimal
	MaxSkew        decimal.Decimal
	MaxDailyLoss   decimal.Decimal
	MaxOpenOrders  int
}

// checkRisk runs every pre-trade rule and returns every violation found.
// Grounded on a risk.Manager check ladder (per-market exposure, global
// exposure, daily loss), recast as synchronous per-order gates instead of
// an async reporting channel.
func (o *OMS) checkRisk(symbol string, side types.Side, qty decimal.Decimal, now time.Time) []types.RiskViolation {
	var violations []types.RiskViolation

	if o.emergencyStop() {
		violations = append(violations, types.RiskViolation{Check: "emergency_stop", Reason: "emergency stop is active"})
	}

	if qty.LessThan(o.limits.MinQuoteSize) {
		violations = append(violations, types.RiskViolation{
			Check:  "min_size",
			Reason: "qty " + qty.String() + " below minimum " + o.limits.MinQuoteSize.String(),
		})
	}

	pos := o.positions[symbol]
	delta := qty
	if side == types.Sell {
		delta = delta.Neg()
	}
	projected := pos.Quantity.Add(delta)
	if projected.Abs().GreaterThan(o.limits.MaxPositionSize) {
		violations = append(violations, types.RiskViolation{
			Check:  "position_size",
			Reason: "projected position " + projected.Abs().String() + " exceeds limit " + o.limits.MaxPositionSize.String(),
		})
	}
	if projected.Abs().GreaterThan(o.limits.MaxSkew) {
		violations = append(violations, types.RiskViolation{
			Check:  "skew",
			Reason: "projected exposure " + projected.Abs().String() + " exceeds max skew " + o.limits.MaxSkew.String(),
		})
	}

	o.resetDailyLossIfExpired(now)
	if o.realizedPnLToday.LessThanOrEqual(o.limits.MaxDailyLoss.Neg()) {
		violations = append(violations, types.RiskViolation{
			Check:  "daily_loss",
			Reason: "realized pnl today " + o.realizedPnLToday.String() + " breaches max daily loss " + o.limits.MaxDailyLoss.String(),
		})
	}

	openCount := o.countNonTerminalOrders()
	if openCount+1 > o.limits.MaxOpenOrders {
		violations = append(violations, types.RiskViolation{
			Check:  "open_order_count",
			Reason: "open orders would exceed max_open_orders",
		})
	}

	return violations
}

func (o *OMS) countNonTerminalOrders() int {
	count := 0
	for _, ord := range o.orders {
		if !ord.State.Terminal() {
			count++
		}
	}
	return count
}

func (o *OMS) resetDailyLossIfExpired(now time.Time) {
	if now.Sub(o.dailyLossResetAt) >= 24*time.Hour {
		o.realizedPnLToday = decimal.Zero
		o.dailyLossResetAt = now
	}
}
