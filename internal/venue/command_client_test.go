package venue

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"crossmm/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeSigner struct{}

func (fakeSigner) Headers(method, path, body string) (map[string]string, error) {
	return map[string]string{"API-KEY": "test"}, nil
}
func (fakeSigner) Address() string { return "0xtest" }

func TestDryRunBuildOrderDoesNotCallNetwork(t *testing.T) {
	t.Parallel()
	c := NewCommandClient("http://localhost:1", fakeSigner{}, true, discardLogger())

	resp, err := c.BuildOrder(context.Background(), BuildOrderRequest{OrderID: "o1"})
	if err != nil {
		t.Fatalf("BuildOrder: %v", err)
	}
	if resp.OrderID != "o1" {
		t.Errorf("order id = %s, want o1", resp.OrderID)
	}
}

func TestClassifyStatusSuccess(t *testing.T) {
	t.Parallel()
	if err := classifyStatus(200, "op", ""); err != nil {
		t.Errorf("200 should not error, got %v", err)
	}
}

func TestClassifyStatusTerminalOn4xx(t *testing.T) {
	t.Parallel()
	err := classifyStatus(400, "submit order", "bad request")
	if !errors.Is(err, types.ErrTerminalVenue) {
		t.Errorf("expected ErrTerminalVenue, got %v", err)
	}
}

func TestClassifyStatusTransientOn5xx(t *testing.T) {
	t.Parallel()
	err := classifyStatus(503, "submit order", "unavailable")
	if !errors.Is(err, types.ErrTransientVenue) {
		t.Errorf("expected ErrTransientVenue, got %v", err)
	}
}

func TestSubmitOrderAgainstLiveServerClassifiesStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid signature"}`))
	}))
	defer srv.Close()

	c := NewCommandClient(srv.URL, fakeSigner{}, false, discardLogger())
	err := c.SubmitOrder(context.Background(), "o1", "deadbeef")
	if !errors.Is(err, types.ErrTerminalVenue) {
		t.Errorf("expected ErrTerminalVenue, got %v", err)
	}
}

func TestBuildOrderAgainstLiveServerSucceeds(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"order_id":"o1","tx_hex":"0xabc"}`))
	}))
	defer srv.Close()

	c := NewCommandClient(srv.URL, fakeSigner{}, false, discardLogger())
	resp, err := c.BuildOrder(context.Background(), BuildOrderRequest{OrderID: "o1"})
	if err != nil {
		t.Fatalf("BuildOrder: %v", err)
	}
	if resp.TxHex != "0xabc" {
		t.Errorf("tx_hex = %s, want 0xabc", resp.TxHex)
	}
}
