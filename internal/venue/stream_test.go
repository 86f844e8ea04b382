package venue

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{}

func TestSourceStreamDecodesTicksUntilContextCancelled(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// drain the subscribe message
		conn.ReadMessage()

		conn.WriteJSON(map[string]string{
			"symbol":       "BTC-USD",
			"bid_price":    "100",
			"bid_quantity": "1",
			"ask_price":    "101",
			"ask_quantity": "1",
		})

		// keep the connection open until the client disconnects
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	stream := NewSourceStream(wsURL, "BTC-USD", discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- stream.Run(ctx) }()

	select {
	case ticker := <-stream.Tickers():
		if ticker.SymbolSrc != "BTC-USD" {
			t.Errorf("symbol = %s, want BTC-USD", ticker.SymbolSrc)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for ticker")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
