package quoteengine

import "github.com/shopspring/decimal"

// Config holds the layered-quote parameters consumed on every tick. It is
// constructed once at startup from internal/config.Config and passed by
// value/reference into the engine as an immutable value.
type Config struct {
	BaseSpreadBps          decimal.Decimal
	TickSpreadBps          decimal.Decimal
	NumLayers              int
	TotalLiquidity         decimal.Decimal
	LayerLiquidityMultiplier decimal.Decimal
	MinEdgeBps             decimal.Decimal
	MinRequoteMs           int64
	RequoteTickThreshold   decimal.Decimal
	StaleMs                int64
	SidesEnabled           Sides

	// Avellaneda-style skew shaping: lambda widens/narrows the half-spread
	// with skew, mu scales layer size with skew.
	GammaMax decimal.Decimal
	Lambda   decimal.Decimal
	Mu       decimal.Decimal

	TickSize decimal.Decimal // smallest price increment on the destination venue
	StepSize decimal.Decimal // smallest quantity increment
}

// Sides selects which sides of the book the engine is allowed to quote.
type Sides struct {
	Bid bool
	Ask bool
}
