// Package reconciler applies destination account-stream events (balance
// updates, order acks/cancels/rejects, fills) to the Store and OMS. It
// writes balances to the Store directly; positions change only through the
// fills it hands to the OMS.
package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crossmm/internal/clock"
	"crossmm/pkg/types"
)

// cancelPayload mirrors internal/outbox's cancel_order payload encoding.
type cancelPayload struct {
	OrderID         string `json:"order_id"`
	ExternalOrderID string `json:"external_order_id,omitempty"`
	Reason          string `json:"reason"`
}

// Store is the subset of internal/store.Store the reconciler needs.
type Store interface {
	UpsertBalance(bal types.Balance) error
	EnqueueOutboxEvent(event types.OutboxEvent) error
	ListOpenOrders() ([]types.Order, error)
}

// OMS is the subset of internal/oms.OMS the reconciler drives.
type OMS interface {
	ApplyAck(orderID, externalID string)
	ApplyExternalCancel(orderID, reason string)
	ApplyReject(orderID, reason string)
	ApplyFill(fill types.Fill)
	Order(orderID string) (types.Order, bool)
}

// AccountStream is the subset of internal/venue.AccountStream the
// reconciler consumes.
type AccountStream interface {
	Messages() <-chan types.AccountMessage
}

// balanceChangeLogThreshold is the minimal absolute balance delta worth a
// log line, to avoid flooding logs on every dust-level update.
var balanceChangeLogThreshold = decimal.NewFromFloat(0.01)

// Reconciler owns the venue-external-order-id → local-order-id mapping,
// rebuilt from the Store's open orders by Seed, and an in-memory fill dedup
// set; both are kept current as messages arrive.
type Reconciler struct {
	store  Store
	oms    OMS
	stream AccountStream
	clock  clock.Clock
	logger *slog.Logger

	mu          sync.Mutex
	externalIDs map[string]string // external order id -> local order id
	seenFills   map[string]struct{}
	lastBalance map[string]decimal.Decimal
}

// New constructs a Reconciler. c/logger may be nil to use defaults (real
// clock, slog.Default()).
func New(store Store, oms OMS, stream AccountStream, c clock.Clock, logger *slog.Logger) *Reconciler {
	if c == nil {
		c = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:       store,
		oms:         oms,
		stream:      stream,
		clock:       c,
		logger:      logger.With("component", "reconciler"),
		externalIDs: make(map[string]string),
		seenFills:   make(map[string]struct{}),
		lastBalance: make(map[string]decimal.Decimal),
	}
}

// Seed rebuilds the external-order-id map from every currently open order,
// so reconciliation survives a process restart without losing the mapping
// maintained so far.
func (r *Reconciler) Seed() error {
	open, err := r.store.ListOpenOrders()
	if err != nil {
		return fmt.Errorf("reconciler: seed: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range open {
		if o.ExternalOrderID != "" {
			r.externalIDs[o.ExternalOrderID] = o.OrderID
		}
	}
	return nil
}

// OnOrderChanged implements oms.Observer: keeps the external-id map current
// as orders are acked.
func (r *Reconciler) OnOrderChanged(order types.Order) {
	if order.ExternalOrderID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.externalIDs[order.ExternalOrderID] = order.OrderID
}

// OnPositionChanged implements oms.Observer. The reconciler doesn't need
// position-change notifications; present only to satisfy the interface.
func (r *Reconciler) OnPositionChanged(types.Position) {}

// Run consumes the account stream until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-r.stream.Messages():
			if !ok {
				return nil
			}
			r.handle(msg)
		}
	}
}

func (r *Reconciler) handle(msg types.AccountMessage) {
	switch {
	case msg.Balance != nil:
		r.handleBalance(*msg.Balance)
	case msg.OrderUpdate != nil:
		r.handleOrderUpdate(*msg.OrderUpdate)
	case msg.Fill != nil:
		r.handleFill(*msg.Fill)
	}
}

func (r *Reconciler) handleBalance(bal types.Balance) {
	r.mu.Lock()
	prev, had := r.lastBalance[bal.Asset]
	r.lastBalance[bal.Asset] = bal.Total()
	r.mu.Unlock()

	if err := r.store.UpsertBalance(bal); err != nil {
		r.logger.Error("upsert balance failed", "asset", bal.Asset, "error", err)
		return
	}
	if had && bal.Total().Sub(prev).Abs().GreaterThan(balanceChangeLogThreshold) {
		r.logger.Info("balance changed", "asset", bal.Asset, "from", prev, "to", bal.Total())
	}
}

func (r *Reconciler) handleOrderUpdate(upd types.OrderUpdate) {
	localID := upd.LocalOrderID
	if localID == "" {
		r.mu.Lock()
		localID = r.externalIDs[upd.ExternalOrderID]
		r.mu.Unlock()
	}
	if localID == "" {
		r.sweepUnknownOrder(upd.ExternalOrderID, "no matching local order for venue order update")
		return
	}

	switch upd.State {
	case "working", "acked", "accepted":
		r.oms.ApplyAck(localID, upd.ExternalOrderID)
	case "cancelled":
		r.oms.ApplyExternalCancel(localID, upd.Reason)
	case "rejected":
		r.oms.ApplyReject(localID, upd.Reason)
	default:
		r.logger.Debug("ignoring unrecognized order state", "state", upd.State, "order_id", localID)
	}
}

func (r *Reconciler) handleFill(fill types.Fill) {
	r.mu.Lock()
	if _, seen := r.seenFills[fill.FillID]; seen {
		r.mu.Unlock()
		return
	}
	localID, ok := r.externalIDs[fill.OrderID]
	if ok {
		r.seenFills[fill.FillID] = struct{}{}
	}
	r.mu.Unlock()

	if !ok {
		r.sweepUnknownOrder(fill.OrderID, "fill for unmapped venue order")
		return
	}

	fill.OrderID = localID
	r.oms.ApplyFill(fill)
}

// sweepUnknownOrder enqueues a cancel_order outbox event for a venue order
// id this process has no local record of, so the system converges to "no
// orders it does not own". Store.InsertFillIdempotent's uniqueness
// constraint is the second line of defense against duplicate fills.
func (r *Reconciler) sweepUnknownOrder(externalOrderID, reason string) {
	if externalOrderID == "" {
		return
	}
	r.logger.Warn("sweeping unregistered venue order", "external_order_id", externalOrderID, "reason", reason)

	payload, err := json.Marshal(cancelPayload{ExternalOrderID: externalOrderID, Reason: reason})
	if err != nil {
		r.logger.Error("marshal sweep cancel payload failed", "external_order_id", externalOrderID, "error", err)
		return
	}
	now := r.clock.Now()
	event := types.OutboxEvent{
		EventID:     uuid.NewString(),
		EventType:   types.EventCancelOrder,
		AggregateID: "unregistered:" + externalOrderID,
		Payload:     payload,
		Status:      types.OutboxPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.EnqueueOutboxEvent(event); err != nil {
		r.logger.Error("enqueue cancel for unregistered order failed", "external_order_id", externalOrderID, "error", err)
	}
}
