package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bar is a single OHLCV candle for one pair/timeframe.
type Bar struct {
	Pair      string          `json:"pair"`
	Timeframe Timeframe       `json:"timeframe"`
	OpenTime  time.Time       `json:"openTime"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	Closed    bool            `json:"closed"`
}

// OrderBookSnapshot is a depth snapshot for a pair, kept shallow (top N levels).
type OrderBookSnapshot struct {
	Pair      string           `json:"pair"`
	Bids      []OrderBookLevel `json:"bids"`
	Asks      []OrderBookLevel `json:"asks"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// BookAnalysis summarizes an order book snapshot into features strategies
// can consume without re-walking the raw levels.
type BookAnalysis struct {
	MidPrice   decimal.Decimal `json:"midPrice"`
	SpreadBps  decimal.Decimal `json:"spreadBps"`
	Imbalance  decimal.Decimal `json:"imbalance"` // -1 (all ask) .. 1 (all bid)
	BidDepth   decimal.Decimal `json:"bidDepth"`
	AskDepth   decimal.Decimal `json:"askDepth"`
	BookScore  decimal.Decimal `json:"bookScore"` // microstructure scalar: imbalance + whale bias, damped by spread
	WhaleBias  decimal.Decimal `json:"whaleBias"` // -1..1 imbalance over whale-sized levels only
	ComputedAt time.Time       `json:"computedAt"`
}

// RegimeState is the trend/volatility classification for a pair/timeframe at
// the moment a strategy ran.
type RegimeState struct {
	Trend      string `json:"trend"`      // "trending" | "ranging"
	Volatility string `json:"volatility"` // "low" | "normal" | "high"
}

// StrategySignal is what a single Strategy emits for one pair/timeframe pass.
type StrategySignal struct {
	Strategy    string          `json:"strategy"`
	Pair        string          `json:"pair"`
	Timeframe   Timeframe       `json:"timeframe"`
	Side        OrderSide       `json:"side"`       // zero value means no actionable signal
	Strength    decimal.Decimal `json:"strength"`   // 0..1
	Confidence  decimal.Decimal `json:"confidence"` // 0..1
	EntryPrice  decimal.Decimal `json:"entryPrice"`
	StopLoss    decimal.Decimal `json:"stopLoss"`
	TakeProfit  decimal.Decimal `json:"takeProfit"`
	Regime      RegimeState     `json:"regime"`
	Reason      string          `json:"reason"`
	GeneratedAt time.Time       `json:"generatedAt"`
}

// actionableFloor is the minimum strength and confidence a directional
// signal needs before it counts as a vote.
var actionableFloor = decimal.NewFromFloat(0.3)

// IsActionable reports whether the signal carries a real directional call:
// a buy/sell side with both strength and confidence at or above 0.3.
func (s StrategySignal) IsActionable() bool {
	if s.Side != OrderSideBuy && s.Side != OrderSideSell {
		return false
	}
	return s.Strength.GreaterThanOrEqual(actionableFloor) &&
		s.Confidence.GreaterThanOrEqual(actionableFloor)
}

// ConfluenceSignal is the output of combining per-timeframe strategy votes
// for a single pair into one trade decision.
type ConfluenceSignal struct {
	Pair            string                  `json:"pair"`
	Side            OrderSide               `json:"side"`
	Score           decimal.Decimal         `json:"score"`      // aggregated strength, 0..1
	Confidence      decimal.Decimal         `json:"confidence"` // 0..1
	ConfluenceCount int                     `json:"confluenceCount"`
	OBI             decimal.Decimal         `json:"obi"`
	BookScore       decimal.Decimal         `json:"bookScore"`
	OBIAgrees       bool                    `json:"obiAgrees"`
	IsSureFire      bool                    `json:"isSureFire"`
	EntryPrice      decimal.Decimal         `json:"entryPrice"`
	StopLoss        decimal.Decimal         `json:"stopLoss"`
	TakeProfit      decimal.Decimal         `json:"takeProfit"`
	Regime          RegimeState             `json:"regime"`
	SourceTimeframe Timeframe               `json:"sourceTimeframe"` // timeframe whose SL/TP won
	TimeframeSides  map[Timeframe]OrderSide `json:"timeframeSides"`  // per-timeframe direction ("" = neutral)
	Contributors    []StrategySignal        `json:"contributors"`
	GeneratedAt     time.Time               `json:"generatedAt"`
}

// StopLossStage is the lifecycle stage of a position's protective stop.
type StopLossStage string

const (
	StopLossInitial   StopLossStage = "initial"
	StopLossBreakeven StopLossStage = "breakeven"
	StopLossTrailing  StopLossStage = "trailing"
)

// StopLossState tracks the evolving protective stop for an open position.
type StopLossState struct {
	Stage         StopLossStage   `json:"stage"`
	CurrentStop   decimal.Decimal `json:"currentStop"`
	HighWaterMark decimal.Decimal `json:"highWaterMark"` // best price seen since open (direction-adjusted)
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// SessionStats summarizes trading activity bucketed by trading session
// (Asia/London/NewYork/Overlap), used for reporting. The confluence session
// multiplier reads win rates from the ledger directly, not from this type.
type SessionStats struct {
	Session    string          `json:"session"`
	TradeCount int             `json:"tradeCount"`
	WinCount   int             `json:"winCount"`
	TotalPnL   decimal.Decimal `json:"totalPnl"`
	AvgPnL     decimal.Decimal `json:"avgPnl"`
}

// BacktestRun is a stored record of a completed backtest/viability check.
type BacktestRun struct {
	ID         string              `json:"id"`
	Strategy   string              `json:"strategy"`
	Pair       string              `json:"pair"`
	StartedAt  time.Time           `json:"startedAt"`
	FinishedAt time.Time           `json:"finishedAt"`
	Metrics    *PerformanceMetrics `json:"metrics"`
	Viable     bool                `json:"viable"`
	Notes      string              `json:"notes,omitempty"`
}

// TradeStatus is the lifecycle stage of a LedgerTrade. It progresses
// open -> {closed, cancelled, error} and never reopens.
type TradeStatus string

const (
	TradeStatusOpen      TradeStatus = "open"
	TradeStatusClosed    TradeStatus = "closed"
	TradeStatusCancelled TradeStatus = "cancelled"
	TradeStatusError     TradeStatus = "error"
)

// LedgerTrade is the canonical, persisted trade record described in
// SPEC_FULL §3: the row internal/store writes and
// internal/risk/internal/execution mutate across a position's lifetime.
type LedgerTrade struct {
	TradeID         string          `json:"tradeId"`
	TenantID        string          `json:"tenantId"`
	Pair            string          `json:"pair"`
	Side            OrderSide       `json:"side"`
	Status          TradeStatus     `json:"status"`
	Strategy        string          `json:"strategy"`
	Confidence      decimal.Decimal `json:"confidence"`
	EntryPrice      decimal.Decimal `json:"entryPrice"`
	ExitPrice       decimal.Decimal `json:"exitPrice"`
	Quantity        decimal.Decimal `json:"quantity"`
	StopLoss        decimal.Decimal `json:"stopLoss"`
	TakeProfit      decimal.Decimal `json:"takeProfit"`
	TrailingStop    decimal.Decimal `json:"trailingStop"`
	PnL             decimal.Decimal `json:"pnl"`
	PnLPct          decimal.Decimal `json:"pnlPct"`
	Fees            decimal.Decimal `json:"fees"`
	Slippage        decimal.Decimal `json:"slippage"`
	EntryTime       time.Time       `json:"entryTime"`
	ExitTime        *time.Time      `json:"exitTime,omitempty"`
	DurationSeconds *int64          `json:"durationSeconds,omitempty"`
	Notes           string          `json:"notes,omitempty"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
}

// Sign returns +1 for a buy (long) trade and -1 for a sell (short) trade,
// used by PnL math: pnl = (exit-entry)*qty*sign(side) - fees - slippage.
func (t *LedgerTrade) Sign() int64 {
	if t.Side == OrderSideSell {
		return -1
	}
	return 1
}

// MLFeatureRow is one row of internal/store's ml_features table: the
// feature vector captured at trade-open time, labeled only once the trade
// closes.
type MLFeatureRow struct {
	TradeID   string    `json:"tradeId"`
	Pair      string    `json:"pair"`
	Features  []float64 `json:"features"`
	Label     *int      `json:"label,omitempty"` // nil until the trade closes
	CreatedAt time.Time `json:"createdAt"`
}

// WebhookEvent is a received external-signal webhook delivery, persisted
// for idempotency and audit under its event_id primary key.
type WebhookEvent struct {
	EventID    string    `json:"eventId"`
	Source     string    `json:"source"`
	ReceivedAt time.Time `json:"receivedAt"`
	Pair       string    `json:"pair"`
	Side       OrderSide `json:"side"`
}
