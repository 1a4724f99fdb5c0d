// Package risk implements the gate-and-size decision every confluence
// signal passes through before the executor is allowed to act on it, per
// SPEC_FULL §4.6. Grounded primarily on internal/execution/risk_manager.go's
// gate-and-violation pattern (kept: the RiskViolation/severity shape,
// the exposure/correlation bookkeeping) and internal/sizing/
// position_sizer.go's calculateKelly (f* = max(0, win_rate - (1-win_rate)/R),
// reused verbatim below). The drawdown-factor piecewise function and the SL
// state machine (stoploss.go) are new, following position_sizer.go's
// layered-adjustment style in CalculateSize.
package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fenwick-trading/confluence-engine/pkg/types"
)

// Intent is the trade the engine is asking the risk manager to approve.
type Intent struct {
	Pair            string
	Side            types.OrderSide
	EntryPrice      decimal.Decimal
	StopLoss        decimal.Decimal
	TakeProfit      decimal.Decimal
	Confidence      decimal.Decimal
	WinRate         decimal.Decimal
	AvgWinLossRatio decimal.Decimal
}

// Decision is the risk manager's verdict on an Intent.
type Decision struct {
	Allowed         bool
	SizeUSD         decimal.Decimal
	Reason          string
	RiskRewardRatio decimal.Decimal
}

// TradeHistory is the read side the risk manager needs from internal/store:
// counts and cooldown timestamps it cannot derive from in-memory state
// alone (trades since an hour ago, last loss per pair).
type TradeHistory interface {
	TradesSince(pair string, since time.Time) (int, error)
	TradesToday() (int, error)
	LastLossAt(pair string) (time.Time, bool, error)
	LastCloseAt(pair string) (time.Time, bool, error)
}

// drawdownBand is one entry of the piecewise drawdown-factor table from
// SPEC_FULL §4.6: 0% dd -> 1.0, <=4% -> 0.80, <=8% -> 0.60, >8% -> 0.40.
type drawdownBand struct {
	maxDrawdownPct decimal.Decimal
	factor         decimal.Decimal
}

var drawdownBands = []drawdownBand{
	{decimal.Zero, decimal.NewFromFloat(1.0)},
	{decimal.NewFromFloat(0.04), decimal.NewFromFloat(0.80)},
	{decimal.NewFromFloat(0.08), decimal.NewFromFloat(0.60)},
}

const drawdownFactorBeyondBands = 0.40

// Manager approves or denies trade intents, sizes approved ones, and owns
// the bankroll/drawdown/loss-streak bookkeeping the gates in Approve read.
type Manager struct {
	logger  *zap.Logger
	cfg     types.RiskConfig
	history TradeHistory

	mu sync.Mutex

	paused bool

	bankroll        decimal.Decimal
	initialBankroll decimal.Decimal
	peakBankroll    decimal.Decimal

	dailyPnL          decimal.Decimal
	dailyDate         string
	consecutiveLosses int
	lastLossAt        map[string]time.Time

	openPositions int
	totalExposure decimal.Decimal

	intraHourCount []time.Time // trade timestamps within the last hour, for MaxTradesPerHour
}

// NewManager constructs a Manager seeded with the configured starting
// bankroll.
func NewManager(cfg types.RiskConfig, history TradeHistory, logger *zap.Logger) *Manager {
	bankroll := cfg.InitialBankroll
	return &Manager{
		logger:          logger.Named("risk"),
		cfg:             cfg,
		history:         history,
		bankroll:        bankroll,
		initialBankroll: bankroll,
		peakBankroll:    bankroll,
		lastLossAt:      make(map[string]time.Time),
		dailyDate:       time.Now().UTC().Format("2006-01-02"),
	}
}

// Pause idempotently stops the risk manager from approving new intents.
// Positions already open are unaffected; only Approve is gated.
func (m *Manager) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = true
}

// Resume clears the pause flag. Operator-initiated only, per SPEC_FULL §4.5.
func (m *Manager) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = false
}

func (m *Manager) IsPaused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// Approve runs the ordered gate pipeline from SPEC_FULL §4.6. The first
// failing gate short-circuits the rest.
func (m *Manager) Approve(intent Intent) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rolloverDailyLocked()

	if m.paused {
		return Decision{Allowed: false, Reason: "trading_paused"}
	}

	if m.cfg.MaxDailyTrades > 0 {
		if n, err := m.history.TradesToday(); err == nil && n >= m.cfg.MaxDailyTrades {
			return Decision{Allowed: false, Reason: "max_daily_trades"}
		}
	}

	if m.cfg.MaxTradesPerHour > 0 {
		m.pruneIntraHourLocked()
		since := time.Now().Add(-time.Hour)
		sqlCount := 0
		if n, err := m.history.TradesSince(intent.Pair, since); err == nil {
			sqlCount = n
		}
		if sqlCount+len(m.intraHourCount) >= m.cfg.MaxTradesPerHour {
			return Decision{Allowed: false, Reason: "max_trades_per_hour"}
		}
	}

	rr := riskRewardRatio(intent)
	if m.cfg.MinRiskRewardRatio.IsPositive() && rr.LessThan(m.cfg.MinRiskRewardRatio) {
		return Decision{Allowed: false, Reason: "risk_reward_below_minimum", RiskRewardRatio: rr}
	}

	if m.cfg.PerPairCooldown > 0 {
		if t, ok, err := m.history.LastCloseAt(intent.Pair); err == nil && ok {
			if time.Since(t) < m.cfg.PerPairCooldown {
				return Decision{Allowed: false, Reason: "pair_cooldown", RiskRewardRatio: rr}
			}
		}
	}

	if m.cfg.GlobalCooldownOnLoss > 0 && m.cfg.ConsecutiveLossesForCooldown > 0 {
		if m.consecutiveLosses >= m.cfg.ConsecutiveLossesForCooldown {
			if lastLoss, ok := m.mostRecentLossLocked(); ok && time.Since(lastLoss) < m.cfg.GlobalCooldownOnLoss {
				return Decision{Allowed: false, Reason: "global_loss_cooldown", RiskRewardRatio: rr}
			}
		}
	}

	if m.cfg.MaxDailyLossPct.IsPositive() && !m.bankroll.IsZero() {
		lossRatio := m.dailyPnL.Neg().Div(m.bankroll)
		if lossRatio.GreaterThanOrEqual(m.cfg.MaxDailyLossPct) {
			return Decision{Allowed: false, Reason: "daily_loss_limit", RiskRewardRatio: rr}
		}
	}

	if m.cfg.RiskOfRuinThreshold.IsPositive() {
		if m.riskOfRuinLocked(intent).GreaterThan(m.cfg.RiskOfRuinThreshold) {
			return Decision{Allowed: false, Reason: "risk_of_ruin", RiskRewardRatio: rr}
		}
	}

	if m.cfg.MaxConcurrentPositions > 0 && m.openPositions >= m.cfg.MaxConcurrentPositions {
		return Decision{Allowed: false, Reason: "max_concurrent_positions", RiskRewardRatio: rr}
	}

	size := m.sizeLocked(intent)
	if m.cfg.MaxTotalExposurePct.IsPositive() && !m.bankroll.IsZero() {
		maxExposure := m.cfg.MaxTotalExposurePct.Mul(m.bankroll)
		if m.totalExposure.Add(size).GreaterThan(maxExposure) {
			return Decision{Allowed: false, Reason: "exposure_cap", RiskRewardRatio: rr}
		}
	}

	if size.LessThanOrEqual(decimal.Zero) {
		return Decision{Allowed: false, Reason: "zero_size", RiskRewardRatio: rr}
	}

	return Decision{Allowed: true, SizeUSD: size, RiskRewardRatio: rr, Reason: "approved"}
}

// riskRewardRatio computes |TP-entry|/|entry-SL|, per SPEC_FULL §4.6 step 4.
func riskRewardRatio(intent Intent) decimal.Decimal {
	slDist := intent.EntryPrice.Sub(intent.StopLoss).Abs()
	if slDist.IsZero() {
		return decimal.Zero
	}
	tpDist := intent.TakeProfit.Sub(intent.EntryPrice).Abs()
	return tpDist.Div(slDist)
}

// sizeLocked implements the Kelly-scaled sizing formula from SPEC_FULL §4.6:
//
//	f_star = max(0, win_rate - (1-win_rate)/R)
//	size = bankroll * clamp(kelly_fraction*f_star, 0, max_kelly_size) * drawdown_factor * confidence_boost
//
// clamped to max_position_usd. Must be called with m.mu held.
func (m *Manager) sizeLocked(intent Intent) decimal.Decimal {
	r := intent.AvgWinLossRatio
	if r.IsZero() {
		r = decimal.NewFromInt(1)
	}
	winRate := intent.WinRate
	oneMinusWinRate := decimal.NewFromInt(1).Sub(winRate)
	fStar := winRate.Sub(oneMinusWinRate.Div(r))
	if fStar.IsNegative() {
		fStar = decimal.Zero
	}

	kellyFraction := m.cfg.KellyFractionCap
	if kellyFraction.IsZero() {
		kellyFraction = decimal.NewFromFloat(0.25)
	}
	kellySized := kellyFraction.Mul(fStar)
	maxKelly := m.cfg.MaxKellySize
	if maxKelly.IsPositive() && kellySized.GreaterThan(maxKelly) {
		kellySized = maxKelly
	}
	if kellySized.IsNegative() {
		kellySized = decimal.Zero
	}

	size := m.bankroll.Mul(kellySized)
	size = size.Mul(m.drawdownFactorLocked())

	confidenceBoost := intent.Confidence
	if confidenceBoost.IsPositive() {
		size = size.Mul(confidenceBoost)
	}

	if m.cfg.MaxPositionUSD.IsPositive() && size.GreaterThan(m.cfg.MaxPositionUSD) {
		size = m.cfg.MaxPositionUSD
	}
	return size
}

// drawdownFactorLocked returns the piecewise multiplier for current
// drawdown from peak bankroll. Must be called with m.mu held.
func (m *Manager) drawdownFactorLocked() decimal.Decimal {
	if m.peakBankroll.IsZero() {
		return decimal.NewFromFloat(1.0)
	}
	dd := m.peakBankroll.Sub(m.bankroll).Div(m.peakBankroll)
	if dd.IsNegative() {
		dd = decimal.Zero
	}
	factor := decimal.NewFromFloat(drawdownFactorBeyondBands)
	for _, band := range drawdownBands {
		if dd.LessThanOrEqual(band.maxDrawdownPct) {
			factor = band.factor
			break
		}
	}
	return factor
}

// riskOfRuinLocked is a simplified estimate: consecutive-loss streak scaled
// against the per-trade risk fraction, used only as a circuit-breaker input
// (not a precise ruin probability). Must be called with m.mu held.
func (m *Manager) riskOfRuinLocked(intent Intent) decimal.Decimal {
	if m.bankroll.IsZero() {
		return decimal.NewFromFloat(1)
	}
	perTradeRisk := m.cfg.RiskPerTradePct
	if perTradeRisk.IsZero() {
		perTradeRisk = decimal.NewFromFloat(0.01)
	}
	streakFactor := decimal.NewFromInt(int64(m.consecutiveLosses + 1))
	return perTradeRisk.Mul(streakFactor)
}

func (m *Manager) mostRecentLossLocked() (time.Time, bool) {
	var latest time.Time
	found := false
	for _, t := range m.lastLossAt {
		if !found || t.After(latest) {
			latest = t
			found = true
		}
	}
	return latest, found
}

func (m *Manager) pruneIntraHourLocked() {
	cutoff := time.Now().Add(-time.Hour)
	kept := m.intraHourCount[:0]
	for _, t := range m.intraHourCount {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.intraHourCount = kept
}

func (m *Manager) rolloverDailyLocked() {
	today := time.Now().UTC().Format("2006-01-02")
	if today != m.dailyDate {
		m.dailyDate = today
		m.dailyPnL = decimal.Zero
	}
}

// RegisterOpen updates the manager's position/exposure bookkeeping when the
// executor opens a trade it approved.
func (m *Manager) RegisterOpen(pair string, sizeUSD decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openPositions++
	m.totalExposure = m.totalExposure.Add(sizeUSD)
	m.intraHourCount = append(m.intraHourCount, time.Now())
}

// RecordClose updates bankroll, drawdown, daily PnL and loss-streak state
// when a trade closes. It must be called exactly once per closed trade.
func (m *Manager) RecordClose(pair string, sizeUSD, pnl decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rolloverDailyLocked()

	if m.openPositions > 0 {
		m.openPositions--
	}
	m.totalExposure = m.totalExposure.Sub(sizeUSD)
	if m.totalExposure.IsNegative() {
		m.totalExposure = decimal.Zero
	}

	m.bankroll = m.bankroll.Add(pnl)
	if m.bankroll.GreaterThan(m.peakBankroll) {
		m.peakBankroll = m.bankroll
	}
	m.dailyPnL = m.dailyPnL.Add(pnl)

	if pnl.IsNegative() {
		m.consecutiveLosses++
		m.lastLossAt[pair] = time.Now()
	} else {
		m.consecutiveLosses = 0
	}

	m.logger.Info("trade closed",
		zap.String("pair", pair),
		zap.String("pnl", pnl.String()),
		zap.String("bankroll", m.bankroll.String()),
		zap.Int("consecutiveLosses", m.consecutiveLosses))
}

// Report is the dashboard-facing risk summary from SPEC_FULL §4.6.
type Report struct {
	Bankroll             decimal.Decimal
	InitialBankroll      decimal.Decimal
	Peak                 decimal.Decimal
	CurrentDrawdownPct   decimal.Decimal
	MaxDrawdownPct       decimal.Decimal
	DailyPnL             decimal.Decimal
	OpenPositions        int
	TotalExposureUSD     decimal.Decimal
	RemainingCapacityUSD decimal.Decimal
	DrawdownFactor       decimal.Decimal
	ConsecutiveLosses    int
}

// GetReport snapshots the manager's current state for the dashboard/API.
func (m *Manager) GetReport() Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	ddPct := decimal.Zero
	if !m.peakBankroll.IsZero() {
		ddPct = m.peakBankroll.Sub(m.bankroll).Div(m.peakBankroll)
	}
	maxExposure := decimal.Zero
	if m.cfg.MaxTotalExposurePct.IsPositive() {
		maxExposure = m.cfg.MaxTotalExposurePct.Mul(m.bankroll)
	}
	remaining := maxExposure.Sub(m.totalExposure)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}

	return Report{
		Bankroll:             m.bankroll,
		InitialBankroll:      m.initialBankroll,
		Peak:                 m.peakBankroll,
		CurrentDrawdownPct:   ddPct,
		DailyPnL:             m.dailyPnL,
		OpenPositions:        m.openPositions,
		TotalExposureUSD:     m.totalExposure,
		RemainingCapacityUSD: remaining,
		DrawdownFactor:       m.drawdownFactorLocked(),
		ConsecutiveLosses:    m.consecutiveLosses,
	}
}

// Bankroll returns the current bankroll value, used by the executor to
// convert a LedgerTrade's quantity back to a USD notional.
func (m *Manager) Bankroll() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bankroll
}
