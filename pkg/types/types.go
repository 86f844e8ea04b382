// Package types holds the data model shared across the quote engine, OMS,
// outbox, reconciler, and store: the wire shapes exchanged with the source
// and destination venues, and the persisted entities derived from them.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or fill.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// OrderType distinguishes limit from market orders.
type OrderType string

const (
	Limit  OrderType = "limit"
	Market OrderType = "market"
)

// OrderState is the OMS order lifecycle state.
type OrderState string

const (
	OrderIdle      OrderState = "idle"
	OrderPending   OrderState = "pending"
	OrderWorking   OrderState = "working"
	OrderFilled    OrderState = "filled"
	OrderCancelled OrderState = "cancelled"
	OrderRejected  OrderState = "rejected"
	OrderFailed    OrderState = "failed"
)

// Terminal reports whether the state never transitions further.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderFailed:
		return true
	default:
		return false
	}
}

// QuoteStatus tracks a Quote's lifecycle.
type QuoteStatus string

const (
	QuoteGenerated       QuoteStatus = "generated"
	QuotePersisted       QuoteStatus = "persisted"
	QuoteOrdersCreated   QuoteStatus = "orders_created"
	QuoteOrdersSubmitted QuoteStatus = "orders_submitted"
	QuoteExpired         QuoteStatus = "expired"
	QuoteCancelled       QuoteStatus = "cancelled"
)

// OutboxEventType enumerates the two side effects the outbox can carry.
type OutboxEventType string

const (
	EventSubmitOrder OutboxEventType = "submit_order"
	EventCancelOrder OutboxEventType = "cancel_order"
)

// OutboxStatus is the dispatcher's claim/retry/terminal state machine.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxInFlight   OutboxStatus = "in_flight"
	OutboxCompleted  OutboxStatus = "completed"
	OutboxFailed     OutboxStatus = "failed"
	OutboxDeadLetter OutboxStatus = "dead_letter"
)

// BookTicker is the ephemeral best-bid/best-ask snapshot read off the
// source market data stream. Never persisted.
type BookTicker struct {
	SymbolSrc string
	BidPx     decimal.Decimal
	BidQty    decimal.Decimal
	AskPx     decimal.Decimal
	AskQty    decimal.Decimal
	Ts        time.Time
}

// Valid reports whether the ticker satisfies the basic sanity invariant:
// positive, crossed-free bid/ask.
func (t BookTicker) Valid() bool {
	return t.BidPx.IsPositive() && t.AskPx.IsPositive() && t.BidPx.LessThan(t.AskPx)
}

// Mid returns the midpoint of bid and ask.
func (t BookTicker) Mid() decimal.Decimal {
	return t.BidPx.Add(t.AskPx).Div(decimal.NewFromInt(2))
}

// PriceLevel is one (price, quantity) pair in a layered quote or order book.
type PriceLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// Quote is one layered bid/ask book generated by the quote engine.
type Quote struct {
	QuoteID   string
	Ts        time.Time
	SymbolSrc string
	SymbolDst string
	RefBidPx  decimal.Decimal
	RefAskPx  decimal.Decimal
	Bids      []PriceLevel
	Asks      []PriceLevel
	Status    QuoteStatus
	SpreadBps decimal.Decimal
	ExpiresAt time.Time
}

// Order is a persisted destination-venue order tracked by the OMS.
type Order struct {
	OrderID         string
	QuoteID         string // empty when the order has no parent quote
	Symbol          string
	Side            Side
	Type            OrderType
	Price           decimal.Decimal // zero value meaningless for Market orders
	Quantity        decimal.Decimal
	FilledQty       decimal.Decimal
	AvgFillPx       decimal.Decimal
	State           OrderState
	ExternalOrderID string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Remaining returns the unfilled quantity.
func (o Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQty)
}

// Fill is one execution against an Order.
type Fill struct {
	FillID          string
	OrderID         string
	Symbol          string
	Side            Side
	Price           decimal.Decimal
	Quantity        decimal.Decimal
	ExecutedAt      time.Time
	TradeID         string
	Commission      decimal.Decimal
	CommissionAsset string
	IsMaker         bool
}

// Position is the one-row-per-symbol net holding.
type Position struct {
	Symbol        string
	Quantity      decimal.Decimal // signed: buy positive, sell negative
	AvgEntryPrice decimal.Decimal
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	LastUpdate    time.Time
}

// Balance is the one-row-per-asset account balance.
type Balance struct {
	Asset     string
	Available decimal.Decimal
	Locked    decimal.Decimal
	UpdatedAt time.Time
}

// Total returns available + locked.
func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Locked)
}

// OutboxEvent is a durable record of an intended side effect (submit or
// cancel) awaiting dispatch to the destination venue.
type OutboxEvent struct {
	EventID     string
	EventType   OutboxEventType
	AggregateID string // order_id
	Payload     []byte
	Status      OutboxStatus
	RetryCount  int
	NextRetryAt time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AccountMessage is the decoded sum type of destination account-stream
// messages: exactly one of Balance, OrderUpdate, or Fill is non-nil.
type AccountMessage struct {
	Balance     *Balance
	OrderUpdate *OrderUpdate
	Fill        *Fill
}

// OrderUpdate is a venue-reported change to an order's external state.
type OrderUpdate struct {
	ExternalOrderID string
	LocalOrderID    string // empty if the venue order is unknown to us
	State           string // venue's raw status string: "working", "cancelled", "rejected", ...
	Reason          string
}
