// Package oms owns the order lifecycle state machine and per-symbol
// position accounting, gates submissions through pre-trade risk, and emits
// outbox events transactionally with state writes. It performs no direct
// network I/O — grounded on the diff-based order reconciliation and fill
// routing of a single-market maker strategy, generalized to an explicit
// state machine and multi-check risk gate.
package oms

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/google/uuid"

	"crossmm/internal/clock"
	"crossmm/pkg/types"
)

// Persister is the subset of the store the OMS needs: every method here
// executes as a single transaction. SaveNewOrderWithOutbox inserts the Order
// and its Outbox event atomically; the other methods write one row each.
type Persister interface {
	SaveNewOrderWithOutbox(order types.Order, event types.OutboxEvent) error
	UpdateOrder(order types.Order, expectedPriorState types.OrderState) error
	UpsertPosition(pos types.Position) error
	InsertFillIdempotent(fill types.Fill) (inserted bool, err error)
	EnqueueOutboxEvent(event types.OutboxEvent) error
}

// Observer is notified after a successful state transition. Observer
// panics/errors never propagate into OMS state.
type Observer interface {
	OnOrderChanged(order types.Order)
	OnPositionChanged(pos types.Position)
}

// OMS owns the in-memory index of orders and positions plus a single
// critical section covering transitions and outbox emission, serialized
// via a mutex.
type OMS struct {
	mu sync.Mutex

	clock  clock.Clock
	store  Persister
	limits RiskLimits
	risk   EmergencyStopper
	logger *slog.Logger

	orders    map[string]types.Order
	positions map[string]types.Position

	realizedPnLToday decimal.Decimal
	dailyLossResetAt time.Time

	observers []Observer
}

// EmergencyStopper reports whether the global emergency-stop flag is set.
type EmergencyStopper interface {
	Stopped() bool
}

// New constructs an OMS. clock/risk may be nil to use defaults (real clock,
// never-stopped).
func New(store Persister, limits RiskLimits, risk EmergencyStopper, c clock.Clock, logger *slog.Logger) *OMS {
	if c == nil {
		c = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OMS{
		clock:            c,
		store:            store,
		limits:           limits,
		risk:             risk,
		logger:           logger.With("component", "oms"),
		orders:           make(map[string]types.Order),
		positions:        make(map[string]types.Position),
		dailyLossResetAt: c.Now(),
	}
}

func (o *OMS) emergencyStop() bool {
	if o.risk == nil {
		return false
	}
	return o.risk.Stopped()
}

// AddObserver registers a transition observer.
func (o *OMS) AddObserver(obs Observer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observers = append(o.observers, obs)
}

// Submit runs the pre-trade risk gate and, on success, persists a new
// pending Order plus its submit_order outbox event in one transaction.
// Returns a *types.RiskRejectedError (unwraps to types.ErrRiskRejected) on
// failure; no state changes occur on rejection.
func (o *OMS) Submit(symbol string, side types.Side, typ types.OrderType, qty, price decimal.Decimal, quoteID string) (types.Order, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.clock.Now()
	if violations := o.checkRisk(symbol, side, qty, now); len(violations) > 0 {
		return types.Order{}, &types.RiskRejectedError{Violations: violations}
	}

	order := types.Order{
		OrderID:   uuid.NewString(),
		QuoteID:   quoteID,
		Symbol:    symbol,
		Side:      side,
		Type:      typ,
		Price:     price,
		Quantity:  qty,
		State:     types.OrderPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	payload, err := encodeSubmitPayload(order)
	if err != nil {
		return types.Order{}, fmt.Errorf("oms: encode submit payload: %w", err)
	}
	event := types.OutboxEvent{
		EventID:     uuid.NewString(),
		EventType:   types.EventSubmitOrder,
		AggregateID: order.OrderID,
		Payload:     payload,
		Status:      types.OutboxPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := o.store.SaveNewOrderWithOutbox(order, event); err != nil {
		return types.Order{}, fmt.Errorf("oms: persist order: %w", err)
	}

	o.orders[order.OrderID] = order
	o.notifyOrder(order)
	return order, nil
}

// ApplyAck transitions pending -> working and records the venue's external
// order id. A late ack on an already-terminal order is a no-op (logged).
func (o *OMS) ApplyAck(orderID, externalID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	order, ok := o.orders[orderID]
	if !ok {
		o.logger.Warn("ack for unknown order", "order_id", orderID)
		return
	}
	if order.State.Terminal() {
		o.logger.Warn("ack for terminal order ignored", "order_id", orderID, "state", order.State)
		return
	}
	if order.State != types.OrderPending {
		o.logger.Warn("protocol violation: ack on non-pending order", "order_id", orderID, "state", order.State)
		return
	}

	priorState := order.State
	order.State = types.OrderWorking
	order.ExternalOrderID = externalID
	order.UpdatedAt = o.clock.Now()

	if err := o.store.UpdateOrder(order, priorState); err != nil {
		o.logger.Error("persist ack failed", "order_id", orderID, "error", err)
		return
	}
	o.orders[orderID] = order
	o.notifyOrder(order)
}

// ApplyFill inserts the Fill idempotently, updates the Order's filled
// quantity/average price, transitions to filled once fully executed, and
// updates the symbol Position. Duplicate fills (same fill_id) are a no-op.
func (o *OMS) ApplyFill(fill types.Fill) {
	o.mu.Lock()
	defer o.mu.Unlock()

	inserted, err := o.store.InsertFillIdempotent(fill)
	if err != nil {
		o.logger.Error("insert fill failed", "fill_id", fill.FillID, "error", err)
		return
	}
	if !inserted {
		return // duplicate fill, already recorded
	}

	order, ok := o.orders[fill.OrderID]
	if !ok {
		o.logger.Warn("fill for unknown order", "order_id", fill.OrderID, "fill_id", fill.FillID)
		return
	}
	priorState := order.State

	now := o.clock.Now()
	order.FilledQty = order.FilledQty.Add(fill.Quantity)
	order.AvgFillPx = volumeWeightedAvg(order.AvgFillPx, order.FilledQty.Sub(fill.Quantity), fill.Price, fill.Quantity)
	order.UpdatedAt = now
	if order.FilledQty.GreaterThanOrEqual(order.Quantity) {
		order.State = types.OrderFilled
	}

	pos := o.positions[fill.Symbol]
	if pos.Symbol == "" {
		pos.Symbol = fill.Symbol
	}
	pnlBefore := pos.RealizedPnL
	pos = ApplyFillToPosition(pos, fill, now)
	o.realizedPnLToday = o.realizedPnLToday.Add(pos.RealizedPnL.Sub(pnlBefore))

	if err := o.store.UpdateOrder(order, priorState); err != nil {
		o.logger.Error("persist fill order update failed", "order_id", order.OrderID, "error", err)
		return
	}
	if err := o.store.UpsertPosition(pos); err != nil {
		o.logger.Error("persist position update failed", "symbol", pos.Symbol, "error", err)
		return
	}

	o.orders[order.OrderID] = order
	o.positions[pos.Symbol] = pos
	o.notifyOrder(order)
	o.notifyPosition(pos)
}

// Cancel requests cancellation of an active order by enqueuing a
// cancel_order outbox event. A no-op on an already-terminal order.
func (o *OMS) Cancel(orderID, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	order, ok := o.orders[orderID]
	if !ok || order.State.Terminal() {
		return
	}

	now := o.clock.Now()
	payload, err := encodeCancelPayload(order, reason)
	if err != nil {
		o.logger.Error("encode cancel payload failed", "order_id", orderID, "error", err)
		return
	}
	event := types.OutboxEvent{
		EventID:     uuid.NewString(),
		EventType:   types.EventCancelOrder,
		AggregateID: order.OrderID,
		Payload:     payload,
		Status:      types.OutboxPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.store.EnqueueOutboxEvent(event); err != nil {
		o.logger.Error("enqueue cancel event failed", "order_id", orderID, "error", err)
	}
}

// ApplyExternalCancel confirms a venue-initiated cancel.
func (o *OMS) ApplyExternalCancel(orderID, reason string) {
	o.transitionTerminal(orderID, types.OrderCancelled, reason)
}

// ApplyReject transitions an order to rejected (terminal).
func (o *OMS) ApplyReject(orderID, reason string) {
	o.transitionTerminal(orderID, types.OrderRejected, reason)
}

// ApplyFailed transitions an order to failed (terminal): the outbox gave up
// retrying a transient venue/network error, distinct from a venue-issued
// rejection.
func (o *OMS) ApplyFailed(orderID, reason string) {
	o.transitionTerminal(orderID, types.OrderFailed, reason)
}

func (o *OMS) transitionTerminal(orderID string, state types.OrderState, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	order, ok := o.orders[orderID]
	if !ok || order.State.Terminal() {
		return
	}
	priorState := order.State
	order.State = state
	order.UpdatedAt = o.clock.Now()
	if err := o.store.UpdateOrder(order, priorState); err != nil {
		o.logger.Error("persist terminal transition failed", "order_id", orderID, "state", state, "error", err)
		return
	}
	o.orders[orderID] = order
	o.notifyOrder(order)
}

// Order returns the in-memory order by id.
func (o *OMS) Order(orderID string) (types.Order, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ord, ok := o.orders[orderID]
	return ord, ok
}

// Position returns the in-memory position for a symbol.
func (o *OMS) Position(symbol string) types.Position {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.positions[symbol]
}

func (o *OMS) notifyOrder(order types.Order) {
	for _, obs := range o.observers {
		safeNotify(func() { obs.OnOrderChanged(order) })
	}
}

func (o *OMS) notifyPosition(pos types.Position) {
	for _, obs := range o.observers {
		safeNotify(func() { obs.OnPositionChanged(pos) })
	}
}

func safeNotify(f func()) {
	defer func() {
		_ = recover() // observer failures must never affect OMS state
	}()
	f()
}

func volumeWeightedAvg(prevAvg, prevQty, fillPx, fillQty decimal.Decimal) decimal.Decimal {
	totalQty := prevQty.Add(fillQty)
	if totalQty.IsZero() {
		return prevAvg
	}
	return prevAvg.Mul(prevQty).Add(fillPx.Mul(fillQty)).Div(totalQty)
}
