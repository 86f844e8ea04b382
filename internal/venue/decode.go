package venue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"crossmm/pkg/types"
)

// decodeTicker parses the source stream's wire strings into a BookTicker.
// Malformed numeric fields are reported so the caller can log and skip
// rather than propagate a zero-value ticker.
func decodeTicker(symbol, bidPx, bidQty, askPx, askQty string) (types.BookTicker, error) {
	bp, err := decimal.NewFromString(bidPx)
	if err != nil {
		return types.BookTicker{}, fmt.Errorf("bid_price: %w", err)
	}
	bq, err := decimal.NewFromString(bidQty)
	if err != nil {
		return types.BookTicker{}, fmt.Errorf("bid_quantity: %w", err)
	}
	ap, err := decimal.NewFromString(askPx)
	if err != nil {
		return types.BookTicker{}, fmt.Errorf("ask_price: %w", err)
	}
	aq, err := decimal.NewFromString(askQty)
	if err != nil {
		return types.BookTicker{}, fmt.Errorf("ask_quantity: %w", err)
	}

	return types.BookTicker{
		SymbolSrc: symbol,
		BidPx:     bp,
		BidQty:    bq,
		AskPx:     ap,
		AskQty:    aq,
		Ts:        time.Now(),
	}, nil
}

// wireBalance is the destination account stream's balance-event wire shape.
type wireBalance struct {
	Asset     string    `json:"asset"`
	Available string    `json:"available"`
	Locked    string    `json:"locked"`
	UpdatedAt time.Time `json:"updated_at"`
}

func decodeBalance(data []byte) (types.Balance, error) {
	var w wireBalance
	if err := json.Unmarshal(data, &w); err != nil {
		return types.Balance{}, fmt.Errorf("unmarshal balance: %w", err)
	}
	available, err := decimal.NewFromString(w.Available)
	if err != nil {
		return types.Balance{}, fmt.Errorf("available: %w", err)
	}
	locked, err := decimal.NewFromString(w.Locked)
	if err != nil {
		return types.Balance{}, fmt.Errorf("locked: %w", err)
	}
	return types.Balance{
		Asset:     w.Asset,
		Available: available,
		Locked:    locked,
		UpdatedAt: w.UpdatedAt,
	}, nil
}

// wireOrderUpdate is the destination account stream's order-event wire shape.
type wireOrderUpdate struct {
	ExternalOrderID string `json:"order_id"`
	LocalOrderID    string `json:"local_order_id"`
	State           string `json:"state"`
	Reason          string `json:"reason"`
}

func decodeOrderUpdate(data []byte) (types.OrderUpdate, error) {
	var w wireOrderUpdate
	if err := json.Unmarshal(data, &w); err != nil {
		return types.OrderUpdate{}, fmt.Errorf("unmarshal order update: %w", err)
	}
	return types.OrderUpdate{
		ExternalOrderID: w.ExternalOrderID,
		LocalOrderID:    w.LocalOrderID,
		State:           w.State,
		Reason:          w.Reason,
	}, nil
}

// wireFill is the destination account stream's fill-event wire shape.
// OrderID carries the venue's external order id; the Reconciler maps it to
// the local order before handing the Fill to the OMS.
type wireFill struct {
	FillID          string `json:"fill_id"`
	OrderID         string `json:"order_id"`
	Symbol          string `json:"symbol"`
	Side            string `json:"side"`
	Price           string `json:"price"`
	Quantity        string `json:"quantity"`
	ExecutedAt      time.Time `json:"executed_at"`
	TradeID         string `json:"trade_id"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commission_asset"`
	IsMaker         bool   `json:"is_maker"`
}

func decodeFill(data []byte) (types.Fill, error) {
	var w wireFill
	if err := json.Unmarshal(data, &w); err != nil {
		return types.Fill{}, fmt.Errorf("unmarshal fill: %w", err)
	}
	price, err := decimal.NewFromString(w.Price)
	if err != nil {
		return types.Fill{}, fmt.Errorf("price: %w", err)
	}
	qty, err := decimal.NewFromString(w.Quantity)
	if err != nil {
		return types.Fill{}, fmt.Errorf("quantity: %w", err)
	}
	commission := decimal.Zero
	if w.Commission != "" {
		commission, err = decimal.NewFromString(w.Commission)
		if err != nil {
			return types.Fill{}, fmt.Errorf("commission: %w", err)
		}
	}
	return types.Fill{
		FillID:          w.FillID,
		OrderID:         w.OrderID, // external id; remapped by the Reconciler
		Symbol:          w.Symbol,
		Side:            types.Side(w.Side),
		Price:           price,
		Quantity:        qty,
		ExecutedAt:      w.ExecutedAt,
		TradeID:         w.TradeID,
		Commission:      commission,
		CommissionAsset: w.CommissionAsset,
		IsMaker:         w.IsMaker,
	}, nil
}
