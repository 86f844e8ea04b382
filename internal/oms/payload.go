package oms

import (
	"encoding/json"

	"crossmm/pkg/types"
)

// submitPayload is the outbox payload for a submit_order event: everything
// the Outbox dispatcher needs to build, sign, and submit the order without
// consulting the in-memory OMS index.
type submitPayload struct {
	OrderID  string `json:"order_id"`
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	Type     string `json:"type"`
	Price    string `json:"price,omitempty"`
	Quantity string `json:"quantity"`
}

type cancelPayload struct {
	OrderID         string `json:"order_id"`
	ExternalOrderID string `json:"external_order_id,omitempty"`
	Reason          string `json:"reason"`
}

func encodeSubmitPayload(order types.Order) ([]byte, error) {
	p := submitPayload{
		OrderID:  order.OrderID,
		Symbol:   order.Symbol,
		Side:     string(order.Side),
		Type:     string(order.Type),
		Quantity: order.Quantity.String(),
	}
	if order.Type == types.Limit {
		p.Price = order.Price.String()
	}
	return json.Marshal(p)
}

func encodeCancelPayload(order types.Order, reason string) ([]byte, error) {
	p := cancelPayload{
		OrderID:         order.OrderID,
		ExternalOrderID: order.ExternalOrderID,
		Reason:          reason,
	}
	return json.Marshal(p)
}
