package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"crossmm/pkg/types"
)

// Store is the transactional, relational backing for the engine's
// persisted state. WAL-mode SQLite is the default; a postgres:// or
// postgresql:// DSN selects Postgres instead (same driver-sniffing
// convention as the gorm database layer this is grounded on).
type Store struct {
	db *gorm.DB
}

// Open connects to dsn and runs migrations. A bare filesystem path opens
// (or creates) a WAL-mode SQLite database; a postgres(ql):// URL opens
// Postgres.
func Open(dsn string) (*Store, error) {
	var db *gorm.DB
	var err error

	cfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	} else {
		if dir := filepath.Dir(dsn); dir != "." {
			if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
				return nil, fmt.Errorf("store: create dir: %w", mkErr)
			}
		}
		sqliteDSN := dsn
		if !strings.Contains(sqliteDSN, "?") {
			sqliteDSN += "?_journal_mode=WAL"
		}
		db, err = gorm.Open(sqlite.Open(sqliteDSN), cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dsn, err)
	}

	if err := db.AutoMigrate(
		&quoteModel{}, &orderModel{}, &fillModel{}, &positionModel{}, &balanceModel{}, &outboxModel{},
	); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Checkpoint runs a WAL checkpoint; a no-op against Postgres. Called
// periodically by the supervisor per the default 5-minute cadence.
func (s *Store) Checkpoint() error {
	if s.db.Dialector.Name() != "sqlite" {
		return nil
	}
	return s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)").Error
}

// --- Quotes ---

// PutQuote upserts a Quote.
func (s *Store) PutQuote(q types.Quote) error {
	return s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(toQuoteModel(q)).Error
}

// GetQuote fetches a Quote by id.
func (s *Store) GetQuote(quoteID string) (types.Quote, error) {
	var m quoteModel
	if err := s.db.First(&m, "quote_id = ?", quoteID).Error; err != nil {
		return types.Quote{}, err
	}
	return fromQuoteModel(m)
}

// ListActiveQuotes returns quotes for symbolSrc not yet expired or cancelled.
func (s *Store) ListActiveQuotes(symbolSrc string) ([]types.Quote, error) {
	var rows []quoteModel
	err := s.db.Where("symbol_src = ? AND status NOT IN ?", symbolSrc,
		[]string{string(types.QuoteExpired), string(types.QuoteCancelled)}).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]types.Quote, 0, len(rows))
	for _, m := range rows {
		q, err := fromQuoteModel(m)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}

// --- Orders ---

// UpsertOrder inserts or updates an Order.
func (s *Store) UpsertOrder(o types.Order) error {
	return s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(toOrderModel(o)).Error
}

// SaveNewOrderWithOutbox implements oms.Persister: inserts a new Order and
// its submit_order outbox event in one transaction.
func (s *Store) SaveNewOrderWithOutbox(order types.Order, event types.OutboxEvent) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(toOrderModel(order)).Error; err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		if err := tx.Create(toOutboxModel(event)).Error; err != nil {
			return fmt.Errorf("insert outbox event: %w", err)
		}
		return nil
	})
}

// UpdateOrder implements oms.Persister: updates an existing Order row with
// an optimistic check against its prior state, the same compare-and-swap
// pattern ClaimPendingOutboxEvents uses for outbox rows. A RowsAffected of
// zero means the row's state no longer matched expectedPriorState (a
// concurrent writer beat this one), surfaced as types.ErrConflict.
func (s *Store) UpdateOrder(order types.Order, expectedPriorState types.OrderState) error {
	res := s.db.Model(&orderModel{}).
		Where("order_id = ? AND state = ?", order.OrderID, string(expectedPriorState)).
		Updates(toOrderModel(order))
	if res.Error != nil {
		return fmt.Errorf("update order: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update order %s expected prior state %s: %w", order.OrderID, expectedPriorState, types.ErrConflict)
	}
	return nil
}

// ListOrdersByState returns orders for symbol in the given state.
func (s *Store) ListOrdersByState(symbol string, state types.OrderState) ([]types.Order, error) {
	var rows []orderModel
	if err := s.db.Where("symbol = ? AND state = ?", symbol, string(state)).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.Order, 0, len(rows))
	for _, m := range rows {
		out = append(out, fromOrderModel(m))
	}
	return out, nil
}

// ListOpenOrders returns every order not in a terminal state, across all
// symbols. Used to rebuild the venue-order-id mapping on startup and to
// cancel every open order on shutdown.
func (s *Store) ListOpenOrders() ([]types.Order, error) {
	open := []string{
		string(types.OrderIdle), string(types.OrderPending), string(types.OrderWorking),
	}
	var rows []orderModel
	if err := s.db.Where("state IN ?", open).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.Order, 0, len(rows))
	for _, m := range rows {
		out = append(out, fromOrderModel(m))
	}
	return out, nil
}

// --- Fills ---

// InsertFillIdempotent implements oms.Persister: inserts a Fill, returning
// inserted=false if fill_id already exists (duplicate fills are a no-op),
// via ON CONFLICT DO NOTHING against the fill_id primary key.
func (s *Store) InsertFillIdempotent(fill types.Fill) (bool, error) {
	res := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(toFillModel(fill))
	if res.Error != nil {
		return false, fmt.Errorf("insert fill: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// --- Positions / Balances ---

// UpsertPosition implements oms.Persister.
func (s *Store) UpsertPosition(pos types.Position) error {
	return s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(toPositionModel(pos)).Error
}

// UpsertBalance upserts a Balance, overwriting any stored row for the asset.
// UpdatedAt is stored but not compared: the update written last wins, even
// if it carries an older UpdatedAt than the stored row.
func (s *Store) UpsertBalance(bal types.Balance) error {
	return s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(toBalanceModel(bal)).Error
}

// GetBalance fetches the last known Balance for asset. ok is false if none
// has ever been upserted.
func (s *Store) GetBalance(asset string) (bal types.Balance, ok bool, err error) {
	var m balanceModel
	if err := s.db.First(&m, "asset = ?", asset).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return types.Balance{}, false, nil
		}
		return types.Balance{}, false, err
	}
	return fromBalanceModel(m), true, nil
}

// GetPosition fetches the current Position for symbol. ok is false if no
// position has ever been recorded (flat, never traded).
func (s *Store) GetPosition(symbol string) (pos types.Position, ok bool, err error) {
	var m positionModel
	if err := s.db.First(&m, "symbol = ?", symbol).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return types.Position{}, false, nil
		}
		return types.Position{}, false, err
	}
	return fromPositionModel(m), true, nil
}

// --- Outbox ---

// EnqueueOutboxEvent implements oms.Persister.
func (s *Store) EnqueueOutboxEvent(event types.OutboxEvent) error {
	return s.db.Create(toOutboxModel(event)).Error
}

// ClaimPendingOutboxEvents atomically transitions up to limit pending
// events (ordered by created_at) to in_flight and returns them, so two
// dispatcher workers never claim the same event.
func (s *Store) ClaimPendingOutboxEvents(limit int) ([]types.OutboxEvent, error) {
	var claimed []outboxModel
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var rows []outboxModel
		if err := tx.Where("status = ? AND next_retry_at <= ?", string(types.OutboxPending), time.Now()).
			Order("created_at ASC").Limit(limit).Find(&rows).Error; err != nil {
			return err
		}
		for _, r := range rows {
			res := tx.Model(&outboxModel{}).Where("event_id = ? AND status = ?", r.EventID, string(types.OutboxPending)).
				Update("status", string(types.OutboxInFlight))
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue // claimed by a concurrent dispatcher between select and update
			}
			r.Status = string(types.OutboxInFlight)
			claimed = append(claimed, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim outbox events: %w", err)
	}
	out := make([]types.OutboxEvent, 0, len(claimed))
	for _, m := range claimed {
		out = append(out, fromOutboxModel(m))
	}
	return out, nil
}

// MarkOutboxCompleted marks an event dispatched successfully.
func (s *Store) MarkOutboxCompleted(eventID string) error {
	return s.db.Model(&outboxModel{}).Where("event_id = ?", eventID).
		Update("status", string(types.OutboxCompleted)).Error
}

// MarkOutboxRetry schedules a retry with backoff, or moves the event to
// dead_letter if retryCount has reached maxRetries.
func (s *Store) MarkOutboxRetry(eventID string, retryCount int, nextRetryAt time.Time, lastErr string, maxRetries int) error {
	status := string(types.OutboxPending)
	if retryCount >= maxRetries {
		status = string(types.OutboxDeadLetter)
	}
	return s.db.Model(&outboxModel{}).Where("event_id = ?", eventID).Updates(map[string]any{
		"status":        status,
		"retry_count":   retryCount,
		"next_retry_at": nextRetryAt,
		"last_error":    lastErr,
	}).Error
}

// MarkOutboxFailed marks an event as a terminal (non-retryable) failure.
func (s *Store) MarkOutboxFailed(eventID, lastErr string) error {
	return s.db.Model(&outboxModel{}).Where("event_id = ?", eventID).Updates(map[string]any{
		"status":     string(types.OutboxFailed),
		"last_error": lastErr,
	}).Error
}

// --- model <-> domain mapping ---

func toQuoteModel(q types.Quote) *quoteModel {
	bids, _ := json.Marshal(q.Bids)
	asks, _ := json.Marshal(q.Asks)
	return &quoteModel{
		QuoteID:   q.QuoteID,
		Ts:        q.Ts,
		SymbolSrc: q.SymbolSrc,
		SymbolDst: q.SymbolDst,
		RefBidPx:  q.RefBidPx,
		RefAskPx:  q.RefAskPx,
		BidsJSON:  bids,
		AsksJSON:  asks,
		Status:    string(q.Status),
		SpreadBps: q.SpreadBps,
		ExpiresAt: q.ExpiresAt,
	}
}

func fromQuoteModel(m quoteModel) (types.Quote, error) {
	var bids, asks []types.PriceLevel
	if len(m.BidsJSON) > 0 {
		if err := json.Unmarshal(m.BidsJSON, &bids); err != nil {
			return types.Quote{}, err
		}
	}
	if len(m.AsksJSON) > 0 {
		if err := json.Unmarshal(m.AsksJSON, &asks); err != nil {
			return types.Quote{}, err
		}
	}
	return types.Quote{
		QuoteID:   m.QuoteID,
		Ts:        m.Ts,
		SymbolSrc: m.SymbolSrc,
		SymbolDst: m.SymbolDst,
		RefBidPx:  m.RefBidPx,
		RefAskPx:  m.RefAskPx,
		Bids:      bids,
		Asks:      asks,
		Status:    types.QuoteStatus(m.Status),
		SpreadBps: m.SpreadBps,
		ExpiresAt: m.ExpiresAt,
	}, nil
}

func toOrderModel(o types.Order) *orderModel {
	return &orderModel{
		OrderID:         o.OrderID,
		QuoteID:         o.QuoteID,
		Symbol:          o.Symbol,
		Side:            string(o.Side),
		Type:            string(o.Type),
		Price:           o.Price,
		Quantity:        o.Quantity,
		FilledQty:       o.FilledQty,
		AvgFillPx:       o.AvgFillPx,
		State:           string(o.State),
		ExternalOrderID: o.ExternalOrderID,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
}

func fromOrderModel(m orderModel) types.Order {
	return types.Order{
		OrderID:         m.OrderID,
		QuoteID:         m.QuoteID,
		Symbol:          m.Symbol,
		Side:            types.Side(m.Side),
		Type:            types.OrderType(m.Type),
		Price:           m.Price,
		Quantity:        m.Quantity,
		FilledQty:       m.FilledQty,
		AvgFillPx:       m.AvgFillPx,
		State:           types.OrderState(m.State),
		ExternalOrderID: m.ExternalOrderID,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func toFillModel(f types.Fill) *fillModel {
	return &fillModel{
		FillID:          f.FillID,
		OrderID:         f.OrderID,
		Symbol:          f.Symbol,
		Side:            string(f.Side),
		Price:           f.Price,
		Quantity:        f.Quantity,
		ExecutedAt:      f.ExecutedAt,
		TradeID:         f.TradeID,
		Commission:      f.Commission,
		CommissionAsset: f.CommissionAsset,
		IsMaker:         f.IsMaker,
	}
}

func toPositionModel(p types.Position) *positionModel {
	return &positionModel{
		Symbol:        p.Symbol,
		Quantity:      p.Quantity,
		AvgEntryPrice: p.AvgEntryPrice,
		RealizedPnL:   p.RealizedPnL,
		UnrealizedPnL: p.UnrealizedPnL,
		LastUpdate:    p.LastUpdate,
	}
}

func fromPositionModel(m positionModel) types.Position {
	return types.Position{
		Symbol:        m.Symbol,
		Quantity:      m.Quantity,
		AvgEntryPrice: m.AvgEntryPrice,
		RealizedPnL:   m.RealizedPnL,
		UnrealizedPnL: m.UnrealizedPnL,
		LastUpdate:    m.LastUpdate,
	}
}

func fromBalanceModel(m balanceModel) types.Balance {
	return types.Balance{
		Asset:     m.Asset,
		Available: m.Available,
		Locked:    m.Locked,
		UpdatedAt: m.UpdatedAt,
	}
}

func toBalanceModel(b types.Balance) *balanceModel {
	return &balanceModel{
		Asset:     b.Asset,
		Available: b.Available,
		Locked:    b.Locked,
		UpdatedAt: b.UpdatedAt,
	}
}

func toOutboxModel(e types.OutboxEvent) *outboxModel {
	return &outboxModel{
		EventID:     e.EventID,
		EventType:   string(e.EventType),
		AggregateID: e.AggregateID,
		Payload:     e.Payload,
		Status:      string(e.Status),
		RetryCount:  e.RetryCount,
		NextRetryAt: e.NextRetryAt,
		LastError:   e.LastError,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
}

func fromOutboxModel(m outboxModel) types.OutboxEvent {
	return types.OutboxEvent{
		EventID:     m.EventID,
		EventType:   types.OutboxEventType(m.EventType),
		AggregateID: m.AggregateID,
		Payload:     m.Payload,
		Status:      types.OutboxStatus(m.Status),
		RetryCount:  m.RetryCount,
		NextRetryAt: m.NextRetryAt,
		LastError:   m.LastError,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}
