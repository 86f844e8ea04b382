package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"crossmm/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveNewOrderWithOutboxPersistsBoth(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	order := types.Order{
		OrderID:  "o1",
		Symbol:   "BTC-USD",
		Side:     types.Buy,
		Type:     types.Limit,
		Price:    decimal.RequireFromString("100"),
		Quantity: decimal.RequireFromString("1"),
		State:    types.OrderPending,
	}
	event := types.OutboxEvent{
		EventID:     "e1",
		EventType:   types.EventSubmitOrder,
		AggregateID: "o1",
		Payload:     []byte(`{}`),
		Status:      types.OutboxPending,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}

	if err := s.SaveNewOrderWithOutbox(order, event); err != nil {
		t.Fatalf("SaveNewOrderWithOutbox: %v", err)
	}

	got, err := s.ListOrdersByState("BTC-USD", types.OrderPending)
	if err != nil {
		t.Fatalf("ListOrdersByState: %v", err)
	}
	if len(got) != 1 || got[0].OrderID != "o1" {
		t.Fatalf("ListOrdersByState = %+v, want [o1]", got)
	}

	claimed, err := s.ClaimPendingOutboxEvents(10)
	if err != nil {
		t.Fatalf("ClaimPendingOutboxEvents: %v", err)
	}
	if len(claimed) != 1 || claimed[0].EventID != "e1" {
		t.Fatalf("ClaimPendingOutboxEvents = %+v, want [e1]", claimed)
	}
}

func TestUpdateOrderRejectsMismatchedPriorState(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	order := types.Order{
		OrderID:  "o2",
		Symbol:   "BTC-USD",
		Side:     types.Buy,
		Type:     types.Limit,
		Price:    decimal.RequireFromString("100"),
		Quantity: decimal.RequireFromString("1"),
		State:    types.OrderPending,
	}
	event := types.OutboxEvent{
		EventID:     "e2",
		EventType:   types.EventSubmitOrder,
		AggregateID: "o2",
		Payload:     []byte(`{}`),
		Status:      types.OutboxPending,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := s.SaveNewOrderWithOutbox(order, event); err != nil {
		t.Fatalf("SaveNewOrderWithOutbox: %v", err)
	}

	order.State = types.OrderWorking
	if err := s.UpdateOrder(order, types.OrderPending); err != nil {
		t.Fatalf("UpdateOrder with correct prior state: %v", err)
	}

	order.State = types.OrderFilled
	err := s.UpdateOrder(order, types.OrderPending)
	if err == nil {
		t.Fatal("expected conflict updating from a stale prior state, got nil")
	}
	if !errors.Is(err, types.ErrConflict) {
		t.Errorf("error = %v, want wrapping types.ErrConflict", err)
	}
}

func TestClaimPendingOutboxEventsDoesNotReclaimInFlight(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	event := types.OutboxEvent{
		EventID:     "e1",
		EventType:   types.EventSubmitOrder,
		AggregateID: "o1",
		Payload:     []byte(`{}`),
		Status:      types.OutboxPending,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := s.EnqueueOutboxEvent(event); err != nil {
		t.Fatalf("EnqueueOutboxEvent: %v", err)
	}

	first, err := s.ClaimPendingOutboxEvents(10)
	if err != nil || len(first) != 1 {
		t.Fatalf("first claim = %+v, err %v", first, err)
	}

	second, err := s.ClaimPendingOutboxEvents(10)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("second claim should be empty (already in_flight), got %+v", second)
	}
}

func TestMarkOutboxRetryMovesToDeadLetterAtMaxRetries(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	event := types.OutboxEvent{
		EventID:     "e1",
		EventType:   types.EventSubmitOrder,
		AggregateID: "o1",
		Payload:     []byte(`{}`),
		Status:      types.OutboxPending,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := s.EnqueueOutboxEvent(event); err != nil {
		t.Fatalf("EnqueueOutboxEvent: %v", err)
	}

	if err := s.MarkOutboxRetry("e1", 5, time.Now(), "boom", 5); err != nil {
		t.Fatalf("MarkOutboxRetry: %v", err)
	}

	var m outboxModel
	if err := s.db.First(&m, "event_id = ?", "e1").Error; err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if m.Status != string(types.OutboxDeadLetter) {
		t.Errorf("status = %s, want dead_letter", m.Status)
	}
}

func TestInsertFillIdempotentDuplicateIsNoOp(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	fill := types.Fill{
		FillID:     "f1",
		OrderID:    "o1",
		Symbol:     "BTC-USD",
		Side:       types.Buy,
		Price:      decimal.RequireFromString("100"),
		Quantity:   decimal.RequireFromString("1"),
		ExecutedAt: time.Now(),
	}

	inserted, err := s.InsertFillIdempotent(fill)
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}

	inserted, err = s.InsertFillIdempotent(fill)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if inserted {
		t.Error("duplicate fill insert reported inserted=true, want false")
	}
}

func TestUpsertPositionRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	pos := types.Position{
		Symbol:        "BTC-USD",
		Quantity:      decimal.RequireFromString("10"),
		AvgEntryPrice: decimal.RequireFromString("100"),
		LastUpdate:    time.Now(),
	}
	if err := s.UpsertPosition(pos); err != nil {
		t.Fatalf("UpsertPosition: %v", err)
	}

	pos.Quantity = decimal.RequireFromString("15")
	if err := s.UpsertPosition(pos); err != nil {
		t.Fatalf("UpsertPosition (update): %v", err)
	}

	var m positionModel
	if err := s.db.First(&m, "symbol = ?", "BTC-USD").Error; err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !m.Quantity.Equal(decimal.RequireFromString("15")) {
		t.Errorf("quantity = %s, want 15 (latest upsert)", m.Quantity)
	}
}

func TestPutAndGetQuoteRoundTripsLayers(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	q := types.Quote{
		QuoteID:   "q1",
		Ts:        time.Now(),
		SymbolSrc: "BTC-USD",
		SymbolDst: "BTC-USD-PERP",
		RefBidPx:  decimal.RequireFromString("100"),
		RefAskPx:  decimal.RequireFromString("101"),
		Bids:      []types.PriceLevel{{Price: decimal.RequireFromString("99"), Qty: decimal.RequireFromString("1")}},
		Asks:      []types.PriceLevel{{Price: decimal.RequireFromString("102"), Qty: decimal.RequireFromString("1")}},
		Status:    types.QuoteGenerated,
		ExpiresAt: time.Now().Add(time.Minute),
	}
	if err := s.PutQuote(q); err != nil {
		t.Fatalf("PutQuote: %v", err)
	}

	got, err := s.GetQuote("q1")
	if err != nil {
		t.Fatalf("GetQuote: %v", err)
	}
	if len(got.Bids) != 1 || !got.Bids[0].Price.Equal(decimal.RequireFromString("99")) {
		t.Errorf("Bids = %+v, want one level at 99", got.Bids)
	}
}
