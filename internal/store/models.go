// Package store is the durable, transactional backing for quotes, orders,
// fills, positions, balances, and the outbox, via gorm over SQLite (WAL
// mode) or Postgres. Grounded on a gorm.Database shape (driver-sniffing
// Open, decimal.Decimal column tags, AutoMigrate) and on a pgx-based order
// repository's outbox SQL shape (insert-with-outbox in one transaction,
// claim pending ordered by created_at, mark completed/failed),
// reimplemented with gorm transactions.
package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// decimalType is the fixed scale used for every monetary/quantity column:
// ample precision for both crypto and prediction-market tick sizes, one
// consistent scale instead of the per-field scales a single-venue schema
// can get away with.
const decimalType = "decimal(38,10)"

type quoteModel struct {
	QuoteID   string `gorm:"primaryKey"`
	Ts        time.Time
	SymbolSrc string `gorm:"index"`
	SymbolDst string
	RefBidPx  decimal.Decimal `gorm:"type:decimal(38,10)"`
	RefAskPx  decimal.Decimal `gorm:"type:decimal(38,10)"`
	BidsJSON  []byte
	AsksJSON  []byte
	Status    string `gorm:"index"`
	SpreadBps decimal.Decimal `gorm:"type:decimal(38,10)"`
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (quoteModel) TableName() string { return "quotes" }

type orderModel struct {
	OrderID         string `gorm:"primaryKey"`
	QuoteID         string `gorm:"index"`
	Symbol          string `gorm:"index;index:idx_orders_symbol_state"`
	Side            string
	Type            string
	Price           decimal.Decimal `gorm:"type:decimal(38,10)"`
	Quantity        decimal.Decimal `gorm:"type:decimal(38,10)"`
	FilledQty       decimal.Decimal `gorm:"type:decimal(38,10)"`
	AvgFillPx       decimal.Decimal `gorm:"type:decimal(38,10)"`
	State           string          `gorm:"index;index:idx_orders_symbol_state"`
	ExternalOrderID string          `gorm:"index"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (orderModel) TableName() string { return "orders" }

type fillModel struct {
	FillID          string `gorm:"primaryKey"`
	OrderID         string `gorm:"index"`
	Symbol          string
	Side            string
	Price           decimal.Decimal `gorm:"type:decimal(38,10)"`
	Quantity        decimal.Decimal `gorm:"type:decimal(38,10)"`
	ExecutedAt      time.Time
	TradeID         string
	Commission      decimal.Decimal `gorm:"type:decimal(38,10)"`
	CommissionAsset string
	IsMaker         bool
	CreatedAt       time.Time
}

func (fillModel) TableName() string { return "fills" }

type positionModel struct {
	Symbol        string `gorm:"primaryKey"`
	Quantity      decimal.Decimal `gorm:"type:decimal(38,10)"`
	AvgEntryPrice decimal.Decimal `gorm:"type:decimal(38,10)"`
	RealizedPnL   decimal.Decimal `gorm:"type:decimal(38,10)"`
	UnrealizedPnL decimal.Decimal `gorm:"type:decimal(38,10)"`
	LastUpdate    time.Time
}

func (positionModel) TableName() string { return "positions" }

type balanceModel struct {
	Asset     string `gorm:"primaryKey"`
	Available decimal.Decimal `gorm:"type:decimal(38,10)"`
	Locked    decimal.Decimal `gorm:"type:decimal(38,10)"`
	UpdatedAt time.Time
}

func (balanceModel) TableName() string { return "account_balances" }

type outboxModel struct {
	EventID     string `gorm:"primaryKey"`
	EventType   string
	AggregateID string `gorm:"index"`
	Payload     []byte
	Status      string `gorm:"index:idx_outbox_status_retry"`
	RetryCount  int
	NextRetryAt time.Time `gorm:"index:idx_outbox_status_retry"`
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (outboxModel) TableName() string { return "outbox" }
