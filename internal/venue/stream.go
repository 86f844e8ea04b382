package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"crossmm/pkg/types"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	backoffBase      = 2 * time.Second
	maxReconnectWait = 60 * time.Second // spec cap, wider than a single-venue feed needs
	writeTimeout     = 10 * time.Second
	tickerBufferSize = 256
	eventBufferSize  = 64
)

// SourceStream reads a continuous best-bid/ask ticker feed for one symbol.
// Reconnects with exponential backoff and re-subscribes on every
// reconnection.
type SourceStream struct {
	url       string
	symbolSrc string

	connMu sync.Mutex
	conn   *websocket.Conn

	tickerCh chan types.BookTicker
	logger   *slog.Logger
}

// NewSourceStream creates a stream reader for symbolSrc against wsURL.
func NewSourceStream(wsURL, symbolSrc string, logger *slog.Logger) *SourceStream {
	return &SourceStream{
		url:       wsURL,
		symbolSrc: symbolSrc,
		tickerCh:  make(chan types.BookTicker, tickerBufferSize),
		logger:    logger.With("component", "source_stream"),
	}
}

// Tickers returns a read-only channel of decoded book tickers.
func (s *SourceStream) Tickers() <-chan types.BookTicker { return s.tickerCh }

// Run connects and maintains the connection with auto-reconnect. Blocks
// until ctx is cancelled.
func (s *SourceStream) Run(ctx context.Context) error {
	return runWithBackoff(ctx, s.logger, s.connectAndRead)
}

// Close closes the active connection, if any.
func (s *SourceStream) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *SourceStream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	if err := writeJSON(conn, &s.connMu, map[string]any{
		"operation": "subscribe",
		"symbol":    s.symbolSrc,
	}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	s.logger.Info("source stream connected", "symbol", s.symbolSrc)

	pingCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go pingLoop(pingCtx, conn, &s.connMu, s.logger)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		s.dispatch(msg)
	}
}

func (s *SourceStream) dispatch(data []byte) {
	var raw struct {
		Symbol string `json:"symbol"`
		BidPx  string `json:"bid_price"`
		BidQty string `json:"bid_quantity"`
		AskPx  string `json:"ask_price"`
		AskQty string `json:"ask_quantity"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		s.logger.Debug("ignoring undecodable source message", "error", err)
		return
	}
	ticker, err := decodeTicker(raw.Symbol, raw.BidPx, raw.BidQty, raw.AskPx, raw.AskQty)
	if err != nil {
		s.logger.Debug("ignoring malformed ticker", "error", err)
		return
	}
	select {
	case s.tickerCh <- ticker:
	default:
		s.logger.Warn("ticker channel full, dropping tick", "symbol", ticker.SymbolSrc)
	}
}

// AccountStream reads the authenticated destination account event feed:
// balance updates, order lifecycle events, and fills.
type AccountStream struct {
	url    string
	apiKey string

	connMu sync.Mutex
	conn   *websocket.Conn

	messagesCh chan types.AccountMessage
	logger     *slog.Logger
}

// NewAccountStream creates an account stream reader authenticated with apiKey.
func NewAccountStream(wsURL, apiKey string, logger *slog.Logger) *AccountStream {
	return &AccountStream{
		url:        wsURL,
		apiKey:     apiKey,
		messagesCh: make(chan types.AccountMessage, eventBufferSize),
		logger:     logger.With("component", "account_stream"),
	}
}

// Messages returns a read-only channel of decoded account events.
func (a *AccountStream) Messages() <-chan types.AccountMessage { return a.messagesCh }

// Run connects and maintains the connection with auto-reconnect.
func (a *AccountStream) Run(ctx context.Context) error {
	return runWithBackoff(ctx, a.logger, a.connectAndRead)
}

// Close closes the active connection, if any.
func (a *AccountStream) Close() error {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}

func (a *AccountStream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	a.connMu.Lock()
	a.conn = conn
	a.connMu.Unlock()
	defer func() {
		a.connMu.Lock()
		conn.Close()
		a.conn = nil
		a.connMu.Unlock()
	}()

	if err := writeJSON(conn, &a.connMu, map[string]any{
		"operation": "authenticate",
		"api_key":   a.apiKey,
	}); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	a.logger.Info("account stream connected")

	pingCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go pingLoop(pingCtx, conn, &a.connMu, a.logger)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		a.dispatch(msg)
	}
}

func (a *AccountStream) dispatch(data []byte) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		a.logger.Debug("ignoring undecodable account message", "error", err)
		return
	}

	var msg types.AccountMessage
	switch envelope.EventType {
	case "balance":
		bal, err := decodeBalance(data)
		if err != nil {
			a.logger.Error("unmarshal balance event", "error", err)
			return
		}
		msg.Balance = &bal
	case "order":
		upd, err := decodeOrderUpdate(data)
		if err != nil {
			a.logger.Error("unmarshal order event", "error", err)
			return
		}
		msg.OrderUpdate = &upd
	case "fill":
		fill, err := decodeFill(data)
		if err != nil {
			a.logger.Error("unmarshal fill event", "error", err)
			return
		}
		msg.Fill = &fill
	default:
		a.logger.Debug("unknown account event type", "type", envelope.EventType)
		return
	}

	select {
	case a.messagesCh <- msg:
	default:
		a.logger.Warn("account message channel full, dropping event", "type", envelope.EventType)
	}
}

// runWithBackoff runs connect until ctx is cancelled, reconnecting with
// exponential backoff (base 2s, cap 60s) between attempts.
func runWithBackoff(ctx context.Context, logger *slog.Logger, connect func(context.Context) error) error {
	backoff := backoffBase
	for {
		err := connect(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("stream disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func pingLoop(ctx context.Context, conn *websocket.Conn, mu *sync.Mutex, logger *slog.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			mu.Unlock()
			if err != nil {
				logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func writeJSON(conn *websocket.Conn, mu *sync.Mutex, v any) error {
	mu.Lock()
	defer mu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}
