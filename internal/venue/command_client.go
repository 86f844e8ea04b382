// Package venue implements the outbound REST command client and the two
// reconnecting WebSocket stream readers (source top-of-book, destination
// account events) that the rest of the engine depends on.
package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"crossmm/internal/signer"
	"crossmm/pkg/types"
)

// BuildOrderRequest is what the outbox dispatcher sends to build a new
// destination-venue order from a local Order.
type BuildOrderRequest struct {
	OrderID  string
	Symbol   string
	Side     types.Side
	Type     types.OrderType
	Price    string
	Quantity string
}

// BuildOrderResponse carries the unsigned transaction the dispatcher must
// hand to the Signer before submitting.
type BuildOrderResponse struct {
	OrderID string `json:"order_id"`
	TxHex   string `json:"tx_hex"`
}

// BuildCancelResponse is the cancel-side analog of BuildOrderResponse.
type BuildCancelResponse struct {
	OrderID string `json:"order_id"`
	TxHex   string `json:"tx_hex"`
}

// CommandClient is the destination venue's REST surface: build/submit for
// both orders and cancels, rate-limited by the caller (the outbox
// dispatcher acquires the token, not this client).
type CommandClient struct {
	http   *resty.Client
	signer signer.Signer
	dryRun bool
	logger *slog.Logger
}

// NewCommandClient builds a REST client with retry-on-5xx and a 10s
// per-request timeout.
func NewCommandClient(baseURL string, s signer.Signer, dryRun bool, logger *slog.Logger) *CommandClient {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &CommandClient{http: httpClient, signer: s, dryRun: dryRun, logger: logger}
}

// BuildOrder requests an unsigned transaction for a new order.
func (c *CommandClient) BuildOrder(ctx context.Context, req BuildOrderRequest) (BuildOrderResponse, error) {
	if c.dryRun {
		c.logger.Info("dry-run: build order", "order_id", req.OrderID)
		return BuildOrderResponse{OrderID: req.OrderID, TxHex: "dry-run"}, nil
	}

	body, err := json.Marshal(req)
	if err != nil {
		return BuildOrderResponse{}, fmt.Errorf("marshal build-order request: %w", err)
	}
	headers, err := c.signer.Headers(http.MethodPost, "/orders/build", string(body))
	if err != nil {
		return BuildOrderResponse{}, fmt.Errorf("sign build-order request: %w", err)
	}

	var result BuildOrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(req).
		SetResult(&result).
		Post("/orders/build")
	if err != nil {
		return BuildOrderResponse{}, fmt.Errorf("%w: build order: %v", types.ErrTransientVenue, err)
	}
	if err := classifyStatus(resp.StatusCode(), "build order", resp.String()); err != nil {
		return BuildOrderResponse{}, err
	}
	return result, nil
}

// SubmitOrder submits a signed transaction for a previously built order.
func (c *CommandClient) SubmitOrder(ctx context.Context, orderID, signedTx string) error {
	if c.dryRun {
		c.logger.Info("dry-run: submit order", "order_id", orderID)
		return nil
	}

	payload := struct {
		OrderID  string `json:"order_id"`
		SignedTx string `json:"signed_tx"`
	}{OrderID: orderID, SignedTx: signedTx}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal submit-order request: %w", err)
	}
	headers, err := c.signer.Headers(http.MethodPost, "/orders/submit", string(body))
	if err != nil {
		return fmt.Errorf("sign submit-order request: %w", err)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(payload).
		Post("/orders/submit")
	if err != nil {
		return fmt.Errorf("%w: submit order: %v", types.ErrTransientVenue, err)
	}
	return classifyStatus(resp.StatusCode(), "submit order", resp.String())
}

// BuildCancel requests an unsigned transaction to cancel orderID.
func (c *CommandClient) BuildCancel(ctx context.Context, orderID, externalOrderID string) (BuildCancelResponse, error) {
	if c.dryRun {
		c.logger.Info("dry-run: build cancel", "order_id", orderID)
		return BuildCancelResponse{OrderID: orderID, TxHex: "dry-run"}, nil
	}

	payload := struct {
		OrderID         string `json:"order_id"`
		ExternalOrderID string `json:"external_order_id"`
	}{OrderID: orderID, ExternalOrderID: externalOrderID}

	body, err := json.Marshal(payload)
	if err != nil {
		return BuildCancelResponse{}, fmt.Errorf("marshal build-cancel request: %w", err)
	}
	headers, err := c.signer.Headers(http.MethodPost, "/cancels/build", string(body))
	if err != nil {
		return BuildCancelResponse{}, fmt.Errorf("sign build-cancel request: %w", err)
	}

	var result BuildCancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(payload).
		SetResult(&result).
		Post("/cancels/build")
	if err != nil {
		return BuildCancelResponse{}, fmt.Errorf("%w: build cancel: %v", types.ErrTransientVenue, err)
	}
	if err := classifyStatus(resp.StatusCode(), "build cancel", resp.String()); err != nil {
		return BuildCancelResponse{}, err
	}
	return result, nil
}

// SubmitCancel submits a signed cancel transaction.
func (c *CommandClient) SubmitCancel(ctx context.Context, orderID, signedTx string) error {
	if c.dryRun {
		c.logger.Info("dry-run: submit cancel", "order_id", orderID)
		return nil
	}

	payload := struct {
		OrderID  string `json:"order_id"`
		SignedTx string `json:"signed_tx"`
	}{OrderID: orderID, SignedTx: signedTx}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal submit-cancel request: %w", err)
	}
	headers, err := c.signer.Headers(http.MethodPost, "/cancels/submit", string(body))
	if err != nil {
		return fmt.Errorf("sign submit-cancel request: %w", err)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(payload).
		Post("/cancels/submit")
	if err != nil {
		return fmt.Errorf("%w: submit cancel: %v", types.ErrTransientVenue, err)
	}
	return classifyStatus(resp.StatusCode(), "submit cancel", resp.String())
}

// classifyStatus maps an HTTP status to the venue error taxonomy: 2xx is
// success, 4xx is terminal (the caller should not retry), 5xx/other is
// transient (the outbox dispatcher retries with backoff).
func classifyStatus(status int, op, body string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status >= 400 && status < 500:
		return fmt.Errorf("%w: %s: status %d: %s", types.ErrTerminalVenue, op, status, body)
	default:
		return fmt.Errorf("%w: %s: status %d: %s", types.ErrTransientVenue, op, status, body)
	}
}
