// Package outbox claims pending submit_order/cancel_order events and
// dispatches them to the destination venue, one in-flight dispatch per
// aggregate at a time, applying retry/backoff or terminal-failure
// transitions to both the outbox row and the owning order.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"crossmm/internal/clock"
	"crossmm/internal/signer"
	"crossmm/internal/venue"
	"crossmm/pkg/types"
)

// Store is the subset of internal/store.Store the dispatcher needs.
type Store interface {
	ClaimPendingOutboxEvents(limit int) ([]types.OutboxEvent, error)
	MarkOutboxCompleted(eventID string) error
	MarkOutboxRetry(eventID string, retryCount int, nextRetryAt time.Time, lastErr string, maxRetries int) error
	MarkOutboxFailed(eventID, lastErr string) error
}

// CommandClient is the subset of venue.CommandClient the dispatcher needs.
type CommandClient interface {
	BuildOrder(ctx context.Context, req venue.BuildOrderRequest) (venue.BuildOrderResponse, error)
	SubmitOrder(ctx context.Context, orderID, signedTx string) error
	BuildCancel(ctx context.Context, orderID, externalOrderID string) (venue.BuildCancelResponse, error)
	SubmitCancel(ctx context.Context, orderID, signedTx string) error
}

// RateLimiter bounds outbound dispatch rate.
type RateLimiter interface {
	Wait(ctx context.Context, n float64) error
}

// OMS is the subset of internal/oms.OMS the dispatcher reports outcomes to.
type OMS interface {
	ApplyAck(orderID, externalID string)
	ApplyExternalCancel(orderID, reason string)
	ApplyReject(orderID, reason string)
	ApplyFailed(orderID, reason string)
}

// submitPayload mirrors internal/oms's outbox payload encoding for
// submit_order events.
type submitPayload struct {
	OrderID  string `json:"order_id"`
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	Type     string `json:"type"`
	Price    string `json:"price,omitempty"`
	Quantity string `json:"quantity"`
}

// cancelPayload mirrors internal/oms's outbox payload encoding for
// cancel_order events.
type cancelPayload struct {
	OrderID         string `json:"order_id"`
	ExternalOrderID string `json:"external_order_id,omitempty"`
	Reason          string `json:"reason"`
}

const (
	defaultMaxRetries  = 5
	defaultBackoffBase = 2 * time.Second
	defaultBackoffCap  = 60 * time.Second
	defaultMaxWorkers  = 8
)

// Dispatcher implements the claim → rate-limit → dispatch → ack/retry/dead-letter
// protocol. Events sharing an aggregate_id are dispatched strictly in the
// order they were claimed; distinct aggregates dispatch concurrently, capped
// by maxWorkers.
type Dispatcher struct {
	store   Store
	cmd     CommandClient
	signer  signer.TxSigner
	limiter RateLimiter
	oms     OMS
	clock   clock.Clock
	logger  *slog.Logger

	maxRetries  int
	backoffBase time.Duration
	backoffCap  time.Duration
	maxWorkers  int
}

// New constructs a Dispatcher. c may be nil to use the real clock.
func New(store Store, cmd CommandClient, txSigner signer.TxSigner, limiter RateLimiter, oms OMS, c clock.Clock, logger *slog.Logger) *Dispatcher {
	if c == nil {
		c = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:       store,
		cmd:         cmd,
		signer:      txSigner,
		limiter:     limiter,
		oms:         oms,
		clock:       c,
		logger:      logger.With("component", "outbox"),
		maxRetries:  defaultMaxRetries,
		backoffBase: defaultBackoffBase,
		backoffCap:  defaultBackoffCap,
		maxWorkers:  defaultMaxWorkers,
	}
}

// Run polls for pending events every pollInterval until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, pollInterval time.Duration, batchSize int) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.Tick(ctx, batchSize); err != nil {
				d.logger.Error("outbox tick failed", "error", err)
			}
		}
	}
}

// Tick claims up to batchSize pending events and dispatches them, one
// in-flight goroutine per aggregate_id. It returns once every claimed event
// has been dispatched (successfully or not).
func (d *Dispatcher) Tick(ctx context.Context, batchSize int) error {
	events, err := d.store.ClaimPendingOutboxEvents(batchSize)
	if err != nil {
		return fmt.Errorf("outbox: claim: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	groups := make(map[string][]types.OutboxEvent)
	var order []string
	for _, e := range events {
		if _, ok := groups[e.AggregateID]; !ok {
			order = append(order, e.AggregateID)
		}
		groups[e.AggregateID] = append(groups[e.AggregateID], e)
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, d.maxWorkers)
	for _, agg := range order {
		evs := groups[agg]
		wg.Add(1)
		sem <- struct{}{}
		go func(evs []types.OutboxEvent) {
			defer wg.Done()
			defer func() { <-sem }()
			for _, e := range evs {
				d.dispatchOne(ctx, e)
			}
		}(evs)
	}
	wg.Wait()
	return nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, event types.OutboxEvent) {
	if err := d.limiter.Wait(ctx, 1); err != nil {
		d.logger.Warn("rate limiter wait aborted", "event_id", event.EventID, "error", err)
		return
	}

	var ackExternalID string
	var dispatchErr error

	switch event.EventType {
	case types.EventSubmitOrder:
		ackExternalID, dispatchErr = d.dispatchSubmit(ctx, event)
	case types.EventCancelOrder:
		dispatchErr = d.dispatchCancel(ctx, event)
	default:
		dispatchErr = fmt.Errorf("%w: unknown outbox event type %q", types.ErrProtocolViolation, event.EventType)
	}

	if dispatchErr == nil {
		if err := d.store.MarkOutboxCompleted(event.EventID); err != nil {
			d.logger.Error("mark outbox completed failed", "event_id", event.EventID, "error", err)
		}
		switch event.EventType {
		case types.EventSubmitOrder:
			d.oms.ApplyAck(event.AggregateID, ackExternalID)
		case types.EventCancelOrder:
			d.oms.ApplyExternalCancel(event.AggregateID, "cancel confirmed")
		}
		return
	}

	if errors.Is(dispatchErr, types.ErrTerminalVenue) || errors.Is(dispatchErr, types.ErrProtocolViolation) {
		if err := d.store.MarkOutboxFailed(event.EventID, dispatchErr.Error()); err != nil {
			d.logger.Error("mark outbox failed failed", "event_id", event.EventID, "error", err)
		}
		d.oms.ApplyReject(event.AggregateID, dispatchErr.Error())
		return
	}

	d.retry(event, dispatchErr)
}

func (d *Dispatcher) retry(event types.OutboxEvent, dispatchErr error) {
	nextCount := event.RetryCount + 1
	wait := backoff(nextCount, d.backoffBase, d.backoffCap)
	nextRetryAt := d.clock.Now().Add(wait)

	if err := d.store.MarkOutboxRetry(event.EventID, nextCount, nextRetryAt, dispatchErr.Error(), d.maxRetries); err != nil {
		d.logger.Error("mark outbox retry failed", "event_id", event.EventID, "error", err)
		return
	}
	if nextCount >= d.maxRetries {
		d.logger.Warn("outbox event moved to dead letter", "event_id", event.EventID, "aggregate_id", event.AggregateID, "error", dispatchErr)
		d.oms.ApplyFailed(event.AggregateID, "outbox retries exhausted: "+dispatchErr.Error())
	}
}

func (d *Dispatcher) dispatchSubmit(ctx context.Context, event types.OutboxEvent) (string, error) {
	var p submitPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return "", fmt.Errorf("%w: decode submit payload: %v", types.ErrProtocolViolation, err)
	}

	built, err := d.cmd.BuildOrder(ctx, venue.BuildOrderRequest{
		OrderID:  p.OrderID,
		Symbol:   p.Symbol,
		Side:     types.Side(p.Side),
		Type:     types.OrderType(p.Type),
		Price:    p.Price,
		Quantity: p.Quantity,
	})
	if err != nil {
		return "", err
	}

	signedTx, err := d.signer.SignRawTx(built.TxHex)
	if err != nil {
		return "", fmt.Errorf("%w: sign order tx: %v", types.ErrTerminalVenue, err)
	}

	if err := d.cmd.SubmitOrder(ctx, p.OrderID, signedTx); err != nil {
		return "", err
	}
	return built.OrderID, nil
}

func (d *Dispatcher) dispatchCancel(ctx context.Context, event types.OutboxEvent) error {
	var p cancelPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return fmt.Errorf("%w: decode cancel payload: %v", types.ErrProtocolViolation, err)
	}

	built, err := d.cmd.BuildCancel(ctx, p.OrderID, p.ExternalOrderID)
	if err != nil {
		return err
	}

	signedTx, err := d.signer.SignRawTx(built.TxHex)
	if err != nil {
		return fmt.Errorf("%w: sign cancel tx: %v", types.ErrTerminalVenue, err)
	}

	return d.cmd.SubmitCancel(ctx, p.OrderID, signedTx)
}

// backoff computes min(ceiling, base * 2^n) plus up to 20% jitter.
func backoff(n int, base, ceiling time.Duration) time.Duration {
	d := base
	for i := 0; i < n && d < ceiling; i++ {
		d *= 2
	}
	if d > ceiling {
		d = ceiling
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5 + 1))
	return d + jitter
}
