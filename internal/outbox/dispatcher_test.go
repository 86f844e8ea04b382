package outbox

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"crossmm/internal/venue"
	"crossmm/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStore is an in-memory Store double recording outbox state transitions.
type fakeStore struct {
	mu        sync.Mutex
	pending   []types.OutboxEvent
	completed []string
	failed    map[string]string
	retried   map[string]int
}

func newFakeStore(events ...types.OutboxEvent) *fakeStore {
	return &fakeStore{pending: events, failed: map[string]string{}, retried: map[string]int{}}
}

func (f *fakeStore) ClaimPendingOutboxEvents(limit int) ([]types.OutboxEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit > len(f.pending) {
		limit = len(f.pending)
	}
	claimed := f.pending[:limit]
	f.pending = f.pending[limit:]
	return claimed, nil
}

func (f *fakeStore) MarkOutboxCompleted(eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, eventID)
	return nil
}

func (f *fakeStore) MarkOutboxRetry(eventID string, retryCount int, nextRetryAt time.Time, lastErr string, maxRetries int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retried[eventID] = retryCount
	return nil
}

func (f *fakeStore) MarkOutboxFailed(eventID, lastErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[eventID] = lastErr
	return nil
}

// fakeCommandClient lets each test script the build/submit outcomes.
type fakeCommandClient struct {
	buildOrderErr  error
	submitOrderErr error
	buildCancelErr error
	submitCancelErr error
}

func (f *fakeCommandClient) BuildOrder(ctx context.Context, req venue.BuildOrderRequest) (venue.BuildOrderResponse, error) {
	if f.buildOrderErr != nil {
		return venue.BuildOrderResponse{}, f.buildOrderErr
	}
	return venue.BuildOrderResponse{OrderID: req.OrderID, TxHex: "aa"}, nil
}

func (f *fakeCommandClient) SubmitOrder(ctx context.Context, orderID, signedTx string) error {
	return f.submitOrderErr
}

func (f *fakeCommandClient) BuildCancel(ctx context.Context, orderID, externalOrderID string) (venue.BuildCancelResponse, error) {
	if f.buildCancelErr != nil {
		return venue.BuildCancelResponse{}, f.buildCancelErr
	}
	return venue.BuildCancelResponse{OrderID: orderID, TxHex: "aa"}, nil
}

func (f *fakeCommandClient) SubmitCancel(ctx context.Context, orderID, signedTx string) error {
	return f.submitCancelErr
}

type fakeSigner struct{ err error }

func (s fakeSigner) SignRawTx(txHex string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "0x" + txHex + "sig", nil
}

type fakeLimiter struct{}

func (fakeLimiter) Wait(ctx context.Context, n float64) error { return nil }

// fakeOMS records which method was invoked for which order.
type fakeOMS struct {
	mu        sync.Mutex
	acked     map[string]string
	cancelled map[string]string
	rejected  map[string]string
	failed    map[string]string
}

func newFakeOMS() *fakeOMS {
	return &fakeOMS{acked: map[string]string{}, cancelled: map[string]string{}, rejected: map[string]string{}, failed: map[string]string{}}
}
func (o *fakeOMS) ApplyAck(orderID, externalID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.acked[orderID] = externalID
}
func (o *fakeOMS) ApplyExternalCancel(orderID, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancelled[orderID] = reason
}
func (o *fakeOMS) ApplyReject(orderID, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rejected[orderID] = reason
}
func (o *fakeOMS) ApplyFailed(orderID, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed[orderID] = reason
}

func submitEvent(orderID string) types.OutboxEvent {
	p := submitPayload{OrderID: orderID, Symbol: "BTC-USD", Side: "buy", Type: "limit", Price: "100", Quantity: "1"}
	payload, _ := json.Marshal(p)
	return types.OutboxEvent{EventID: orderID + "-evt", EventType: types.EventSubmitOrder, AggregateID: orderID, Payload: payload, Status: types.OutboxInFlight}
}

func cancelEvent(orderID string) types.OutboxEvent {
	p := cancelPayload{OrderID: orderID, ExternalOrderID: "ext-" + orderID, Reason: "test"}
	payload, _ := json.Marshal(p)
	return types.OutboxEvent{EventID: orderID + "-cancel-evt", EventType: types.EventCancelOrder, AggregateID: orderID, Payload: payload, Status: types.OutboxInFlight}
}

func TestTickDispatchesSubmitOrderSuccessfully(t *testing.T) {
	t.Parallel()

	store := newFakeStore(submitEvent("o1"))
	cmd := &fakeCommandClient{}
	oms := newFakeOMS()
	d := New(store, cmd, fakeSigner{}, fakeLimiter{}, oms, nil, discardLogger())

	if err := d.Tick(context.Background(), 10); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(store.completed) != 1 || store.completed[0] != "o1-evt" {
		t.Errorf("completed = %v, want [o1-evt]", store.completed)
	}
	if oms.acked["o1"] != "o1" {
		t.Errorf("expected ApplyAck(o1, o1), got %v", oms.acked)
	}
}

func TestTickDispatchesCancelOrderSuccessfully(t *testing.T) {
	t.Parallel()

	store := newFakeStore(cancelEvent("o2"))
	cmd := &fakeCommandClient{}
	oms := newFakeOMS()
	d := New(store, cmd, fakeSigner{}, fakeLimiter{}, oms, nil, discardLogger())

	if err := d.Tick(context.Background(), 10); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if oms.cancelled["o2"] == "" {
		t.Error("expected ApplyExternalCancel to be called")
	}
}

func TestTerminalVenueErrorMarksFailedAndRejects(t *testing.T) {
	t.Parallel()

	store := newFakeStore(submitEvent("o3"))
	cmd := &fakeCommandClient{submitOrderErr: errorsJoinTerminal()}
	oms := newFakeOMS()
	d := New(store, cmd, fakeSigner{}, fakeLimiter{}, oms, nil, discardLogger())

	if err := d.Tick(context.Background(), 10); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if _, ok := store.failed["o3-evt"]; !ok {
		t.Error("expected event to be marked failed")
	}
	if oms.rejected["o3"] == "" {
		t.Error("expected ApplyReject to be called")
	}
}

func TestTransientVenueErrorSchedulesRetry(t *testing.T) {
	t.Parallel()

	store := newFakeStore(submitEvent("o4"))
	cmd := &fakeCommandClient{submitOrderErr: errorsJoinTransient()}
	oms := newFakeOMS()
	d := New(store, cmd, fakeSigner{}, fakeLimiter{}, oms, nil, discardLogger())

	if err := d.Tick(context.Background(), 10); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if _, ok := store.retried["o4-evt"]; !ok {
		t.Error("expected event to be scheduled for retry")
	}
	if len(oms.rejected) != 0 {
		t.Error("did not expect ApplyReject on first transient failure")
	}
}

func TestRetryExhaustionMarksOrderFailed(t *testing.T) {
	t.Parallel()

	ev := submitEvent("o5")
	ev.RetryCount = defaultMaxRetries - 1
	store := newFakeStore(ev)
	cmd := &fakeCommandClient{submitOrderErr: errorsJoinTransient()}
	oms := newFakeOMS()
	d := New(store, cmd, fakeSigner{}, fakeLimiter{}, oms, nil, discardLogger())

	if err := d.Tick(context.Background(), 10); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if oms.failed["o5"] == "" {
		t.Error("expected ApplyFailed once retries are exhausted")
	}
	if len(oms.rejected) != 0 {
		t.Error("did not expect ApplyReject on retry exhaustion")
	}
}

func TestSameAggregateEventsDispatchInOrder(t *testing.T) {
	t.Parallel()

	store := newFakeStore(submitEvent("o6"), cancelEvent("o6"))
	cmd := &fakeCommandClient{}
	oms := newFakeOMS()
	d := New(store, cmd, fakeSigner{}, fakeLimiter{}, oms, nil, discardLogger())

	if err := d.Tick(context.Background(), 10); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if oms.acked["o6"] == "" || oms.cancelled["o6"] == "" {
		t.Errorf("expected both events dispatched, acked=%v cancelled=%v", oms.acked, oms.cancelled)
	}
}

func TestBackoffGrowsExponentiallyAndCaps(t *testing.T) {
	t.Parallel()

	d0 := backoff(0, 2*time.Second, 60*time.Second)
	d5 := backoff(5, 2*time.Second, 60*time.Second)
	if d0 >= d5 {
		t.Errorf("expected backoff to grow with retry count, got d0=%v d5=%v", d0, d5)
	}
	d20 := backoff(20, 2*time.Second, 60*time.Second)
	if d20 > 72*time.Second {
		t.Errorf("expected backoff to stay near cap, got %v", d20)
	}
}

func errorsJoinTerminal() error {
	return &wrappedErr{wrapped: types.ErrTerminalVenue}
}

func errorsJoinTransient() error {
	return &wrappedErr{wrapped: types.ErrTransientVenue}
}

type wrappedErr struct{ wrapped error }

func (w *wrappedErr) Error() string { return "venue error: " + w.wrapped.Error() }
func (w *wrappedErr) Unwrap() error { return w.wrapped }
