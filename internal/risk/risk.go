// Package risk implements the portfolio-level kill switch: an atomic
// emergency-stop flag consulted by the OMS pre-trade gate, plus a rapid
// price-movement detector that can trip it automatically. Grounded on the
// kill-switch/cooldown shape of a per-market risk manager, generalized to
// a single global flag since the emergency-stop is the one runtime-mutable
// piece and belongs in an atomic cell.
package risk

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds the portfolio kill-switch thresholds.
type Config struct {
	KillSwitchDropPct decimal.Decimal // fractional move that trips the switch
	KillSwitchWindow  time.Duration
	CooldownAfterKill time.Duration
}

type priceAnchor struct {
	price decimal.Decimal
	ts    time.Time
}

// Monitor tracks rapid price movement and owns the emergency-stop flag.
// Safe for concurrent use.
type Monitor struct {
	cfg    Config
	logger *slog.Logger

	stopped atomic.Bool

	mu              sync.Mutex
	killUntil       time.Time
	killActive      bool
	anchors         map[string]priceAnchor
}

// NewMonitor constructs a Monitor. logger may be nil, in which case
// slog.Default() is used.
func NewMonitor(cfg Config, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:     cfg,
		logger:  logger.With("component", "risk"),
		anchors: make(map[string]priceAnchor),
	}
}

// Stopped reports whether the emergency-stop flag is set (manually, or by
// an automatic kill switch trip still in its cooldown window).
func (m *Monitor) Stopped() bool {
	if m.stopped.Load() {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.killActive {
		return false
	}
	if time.Now().After(m.killUntil) {
		m.killActive = false
		m.logger.Info("kill switch cooldown expired")
		return false
	}
	return true
}

// SetEmergencyStop sets or clears the manual emergency-stop flag.
func (m *Monitor) SetEmergencyStop(stop bool) {
	m.stopped.Store(stop)
}

// CheckPriceMovement compares symbol's mid price to a rolling anchor and
// trips the kill switch if it moved more than KillSwitchDropPct within
// KillSwitchWindow. The anchor resets whenever it's missing or stale.
func (m *Monitor) CheckPriceMovement(symbol string, mid decimal.Decimal, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	anchor, ok := m.anchors[symbol]
	if !ok || now.Sub(anchor.ts) > m.cfg.KillSwitchWindow {
		m.anchors[symbol] = priceAnchor{price: mid, ts: now}
		return
	}
	if anchor.price.IsZero() {
		return
	}

	pctChange := mid.Sub(anchor.price).Div(anchor.price).Abs()
	if pctChange.GreaterThan(m.cfg.KillSwitchDropPct) {
		m.emitKillLocked(fmt.Sprintf("rapid price movement: %s in %s", pctChange.StringFixed(4), m.cfg.KillSwitchWindow))
	}
}

// TripDailyLoss fires the kill switch for a daily-loss breach.
func (m *Monitor) TripDailyLoss(realizedPnLToday decimal.Decimal, maxDailyLoss decimal.Decimal) {
	if realizedPnLToday.GreaterThan(maxDailyLoss.Neg()) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitKillLocked(fmt.Sprintf("daily loss %s exceeds limit %s", realizedPnLToday, maxDailyLoss.Neg()))
}

func (m *Monitor) emitKillLocked(reason string) {
	m.killActive = true
	m.killUntil = time.Now().Add(m.cfg.CooldownAfterKill)
	m.logger.Error("kill switch tripped", "reason", reason, "cooldown_until", m.killUntil)
}
