// Package supervisor wires every subsystem together and owns the
// goroutine-per-task lifecycle: one task per stream, the outbox dispatcher
// pool, the quote-generation loop, and a periodic cleanup sweep. Each task
// runs under a shared context with a cancel-all safety net on shutdown,
// generalized to one goroutine per logical task for a single
// source/destination symbol pair.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crossmm/internal/clock"
	"crossmm/internal/config"
	"crossmm/internal/oms"
	"crossmm/internal/outbox"
	"crossmm/internal/quoteengine"
	"crossmm/internal/ratelimiter"
	"crossmm/internal/reconciler"
	"crossmm/internal/risk"
	"crossmm/internal/signer"
	"crossmm/internal/store"
	"crossmm/internal/venue"
	"crossmm/pkg/types"
)

const (
	cleanupInterval     = 30 * time.Second
	dispatcherPoll      = 200 * time.Millisecond
	dispatcherBatchSize = 32
	shutdownDrainWait   = 3 * time.Second
)

// Supervisor owns every long-lived component and their goroutines.
type Supervisor struct {
	cfg    config.Config
	logger *slog.Logger

	store       *store.Store
	oms         *oms.OMS
	riskMonitor *risk.Monitor
	limiter     *ratelimiter.TokenBucket
	quoteEngine *quoteengine.Engine
	source      *venue.SourceStream
	account     *venue.AccountStream
	command     *venue.CommandClient
	dispatcher  *outbox.Dispatcher
	reconciler  *reconciler.Reconciler
	clock       clock.Clock

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs every subsystem from cfg but starts nothing.
func New(cfg config.Config, logger *slog.Logger) (*Supervisor, error) {
	st, err := store.Open(cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("supervisor: open store: %w", err)
	}

	c := clock.Real{}

	var txSigner signer.TxSigner
	var headerSigner signer.Signer
	if cfg.Wallet.PrivateKey != "" {
		eip712, err := signer.NewEIP712Signer(cfg.Wallet.PrivateKey, cfg.Wallet.ChainID, signer.Credentials{
			APIKey:     cfg.Venue.APIKey,
			Secret:     cfg.Venue.APISecret,
			Passphrase: cfg.Venue.APIPassphrase,
		})
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("supervisor: construct signer: %w", err)
		}
		txSigner = eip712
		headerSigner = eip712
	}

	riskMonitor := risk.NewMonitor(cfg.Risk.KillSwitchConfig(), logger)
	if cfg.Risk.EmergencyStop {
		riskMonitor.SetEmergencyStop(true)
	}

	theOMS := oms.New(st, cfg.Risk.Limits(), riskMonitor, c, logger)

	limiter := ratelimiter.New(cfg.RateLimit.Capacity, cfg.RateLimit.MaxOrdersPerSecond, c)

	source := venue.NewSourceStream(cfg.Venue.SourceWSURL, cfg.Symbol.Src, logger)
	account := venue.NewAccountStream(cfg.Venue.AccountWSURL, cfg.Venue.APIKey, logger)
	command := venue.NewCommandClient(cfg.Venue.CommandBaseURL, headerSigner, cfg.DryRun, logger)

	dispatcher := outbox.New(st, command, txSigner, limiter, theOMS, c, logger)
	recon := reconciler.New(st, theOMS, account, c, logger)
	theOMS.AddObserver(recon)

	qe := quoteengine.New(cfg.Quote.EngineConfig())

	return &Supervisor{
		cfg:         cfg,
		logger:      logger.With("component", "supervisor"),
		store:       st,
		oms:         theOMS,
		riskMonitor: riskMonitor,
		limiter:     limiter,
		quoteEngine: qe,
		source:      source,
		account:     account,
		command:     command,
		dispatcher:  dispatcher,
		reconciler:  recon,
		clock:       c,
	}, nil
}

// Start seeds the reconciler's external-id map and launches every task
// goroutine. Returns immediately; call Stop for graceful shutdown.
func (sv *Supervisor) Start(ctx context.Context) error {
	if err := sv.reconciler.Seed(); err != nil {
		return fmt.Errorf("supervisor: seed reconciler: %w", err)
	}

	sv.ctx, sv.cancel = context.WithCancel(ctx)

	sv.spawn("source_stream", func(ctx context.Context) error { return sv.source.Run(ctx) })
	sv.spawn("account_stream", func(ctx context.Context) error { return sv.account.Run(ctx) })
	sv.spawn("reconciler", sv.reconciler.Run)
	sv.spawn("outbox_dispatcher", func(ctx context.Context) error {
		return sv.dispatcher.Run(ctx, dispatcherPoll, dispatcherBatchSize)
	})
	sv.spawn("quote_loop", sv.runQuoteLoop)
	sv.spawn("cleanup_loop", sv.runCleanupLoop)
	sv.spawn("status_loop", sv.runStatusLoop)

	sv.logger.Info("supervisor started", "symbol_src", sv.cfg.Symbol.Src, "symbol_dst", sv.cfg.Symbol.Dst, "dry_run", sv.cfg.DryRun)
	return nil
}

// spawn runs task(ctx) in a tracked goroutine, logging a non-cancellation error on exit.
func (sv *Supervisor) spawn(name string, task func(context.Context) error) {
	sv.wg.Add(1)
	go func() {
		defer sv.wg.Done()
		if err := task(sv.ctx); err != nil && sv.ctx.Err() == nil {
			sv.logger.Error("task exited with error", "task", name, "error", err)
		}
	}()
}

// Stop cancels every task, sends a best-effort cancel for every open order
// as a safety net, waits for goroutines, and closes resources.
func (sv *Supervisor) Stop() {
	sv.logger.Info("shutting down")
	sv.cancel()

	sv.cancelAllOpenOrders()

	sv.wg.Wait()
	sv.source.Close()
	sv.account.Close()
	if err := sv.store.Close(); err != nil {
		sv.logger.Error("close store failed", "error", err)
	}
	sv.logger.Info("shutdown complete")
}

func (sv *Supervisor) cancelAllOpenOrders() {
	open, err := sv.store.ListOpenOrders()
	if err != nil {
		sv.logger.Error("list open orders on shutdown failed", "error", err)
		return
	}
	for _, o := range open {
		sv.oms.Cancel(o.OrderID, "shutdown")
	}
	if len(open) == 0 {
		return
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownDrainWait)
	defer cancel()
	for {
		if err := sv.dispatcher.Tick(drainCtx, dispatcherBatchSize); err != nil {
			sv.logger.Warn("drain cancel events on shutdown failed", "error", err)
			return
		}
		select {
		case <-drainCtx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// runQuoteLoop consumes the source ticker feed, derives the inventory skew
// gamma from the current position, generates a layered quote, and replaces
// resting orders with it. Uses an aggressive cancel-then-requote policy:
// every emitted quote cancels all currently resting orders for symbol_dst
// before submitting the new layers, rather than diffing against the
// previous quote.
func (sv *Supervisor) runQuoteLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ticker, ok := <-sv.source.Tickers():
			if !ok {
				return nil
			}
			sv.riskMonitor.CheckPriceMovement(sv.cfg.Symbol.Src, ticker.Mid(), sv.clock.Now())
			sv.onTicker(ticker)
		}
	}
}

func (sv *Supervisor) onTicker(ticker types.BookTicker) {
	gamma := sv.computeGamma()
	now := sv.clock.Now()

	quote, err := sv.quoteEngine.Quote(ticker, gamma, sv.cfg.Symbol.Dst, now)
	if err != nil {
		sv.logger.Warn("quote generation failed", "error", err)
		return
	}
	if quote == nil {
		return
	}

	quote.QuoteID = uuid.NewString()
	quote.ExpiresAt = now.Add(time.Duration(sv.cfg.Quote.QuoteTTLMs) * time.Millisecond)

	sv.replaceRestingOrders(quote)

	if err := sv.store.PutQuote(*quote); err != nil {
		sv.logger.Error("persist quote failed", "quote_id", quote.QuoteID, "error", err)
	}
}

func (sv *Supervisor) replaceRestingOrders(quote *types.Quote) {
	for _, state := range []types.OrderState{types.OrderPending, types.OrderWorking} {
		resting, err := sv.store.ListOrdersByState(sv.cfg.Symbol.Dst, state)
		if err != nil {
			sv.logger.Error("list resting orders failed", "state", state, "error", err)
			continue
		}
		for _, o := range resting {
			sv.oms.Cancel(o.OrderID, "requote")
		}
	}

	for _, level := range quote.Bids {
		sv.submitLayer(types.Buy, level, quote.QuoteID)
	}
	for _, level := range quote.Asks {
		sv.submitLayer(types.Sell, level, quote.QuoteID)
	}
}

func (sv *Supervisor) submitLayer(side types.Side, level types.PriceLevel, quoteID string) {
	_, err := sv.oms.Submit(sv.cfg.Symbol.Dst, side, types.Limit, level.Qty, level.Price, quoteID)
	if err != nil {
		sv.logger.Debug("layer submit rejected", "side", side, "price", level.Price, "qty", level.Qty, "error", err)
	}
}

// computeGamma derives the normalized inventory skew from the current base
// position relative to total portfolio value, per the glossary's "skew is
// normalized inventory imbalance between quote and base asset values":
// gamma = clamp((target_asset_ratio - actual_base_ratio) / ratio_tolerance, -1, 1) * gamma_max.
// Gamma is positive when the portfolio holds less base than targeted, which
// the quote engine turns into a tighter, larger bid and a wider, smaller ask.
func (sv *Supervisor) computeGamma() decimal.Decimal {
	pos := sv.oms.Position(sv.cfg.Symbol.Dst)
	gammaMax := decimal.NewFromFloat(sv.cfg.Quote.GammaMax)

	baseValue := pos.Quantity.Mul(pos.AvgEntryPrice).Abs()
	quoteAsset := sv.cfg.Symbol.Dst
	bal, ok, err := sv.store.GetBalance(quoteAsset)
	if err != nil {
		sv.logger.Warn("read balance for gamma failed", "error", err)
	}
	quoteValue := decimal.Zero
	if ok {
		quoteValue = bal.Total()
	}

	total := baseValue.Add(quoteValue)
	if total.IsZero() {
		return decimal.Zero
	}

	actualRatio := baseValue.Div(total)
	target := decimal.NewFromFloat(sv.cfg.Quote.TargetAssetRatio)
	tolerance := decimal.NewFromFloat(sv.cfg.Quote.RatioTolerance)
	if tolerance.IsZero() {
		return decimal.Zero
	}

	raw := target.Sub(actualRatio).Div(tolerance)
	clamped := clampUnit(raw)
	return clamped.Mul(gammaMax)
}

func clampUnit(v decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	negOne := decimal.NewFromInt(-1)
	if v.GreaterThan(one) {
		return one
	}
	if v.LessThan(negOne) {
		return negOne
	}
	return v
}

// runCleanupLoop periodically expires stale quotes and, every five minutes,
// runs a store WAL checkpoint. It does not query the venue for open orders:
// unregistered venue orders are cancelled only when the reconciler sees them
// on the account stream.
func (sv *Supervisor) runCleanupLoop(ctx context.Context) error {
	const checkpointInterval = 5 * time.Minute
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	checkpoint := time.NewTicker(checkpointInterval)
	defer checkpoint.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sv.expireStaleQuotes()
		case <-checkpoint.C:
			if err := sv.store.Checkpoint(); err != nil {
				sv.logger.Warn("wal checkpoint failed", "error", err)
			}
		}
	}
}

// runStatusLoop periodically logs position, risk, and rate-limit state as
// a structured log line.
func (sv *Supervisor) runStatusLoop(ctx context.Context) error {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sv.logStatus()
		}
	}
}

func (sv *Supervisor) logStatus() {
	pos := sv.oms.Position(sv.cfg.Symbol.Dst)
	status := sv.limiter.Status()
	sv.logger.Info("status",
		"symbol", sv.cfg.Symbol.Dst,
		"position_qty", pos.Quantity,
		"avg_entry_price", pos.AvgEntryPrice,
		"realized_pnl", pos.RealizedPnL,
		"unrealized_pnl", pos.UnrealizedPnL,
		"rate_limit_tokens", status.Tokens,
		"rate_limit_capacity", status.Capacity,
		"rate_limit_utilization", status.Utilization,
		"emergency_stop", sv.riskMonitor.Stopped(),
	)
}

func (sv *Supervisor) expireStaleQuotes() {
	active, err := sv.store.ListActiveQuotes(sv.cfg.Symbol.Src)
	if err != nil {
		sv.logger.Error("list active quotes failed", "error", err)
		return
	}
	now := sv.clock.Now()
	for _, q := range active {
		if now.Before(q.ExpiresAt) {
			continue
		}
		q.Status = types.QuoteExpired
		if err := sv.store.PutQuote(q); err != nil {
			sv.logger.Error("expire quote failed", "quote_id", q.QuoteID, "error", err)
		}
	}
}
