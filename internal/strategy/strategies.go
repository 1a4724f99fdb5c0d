package strategy

import (
	"context"
	"math"

	"github.com/shopspring/decimal"

	"github.com/fenwick-trading/confluence-engine/internal/indicators"
	"github.com/fenwick-trading/confluence-engine/pkg/types"
)

func decOf(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func flat(name string, in AnalyzeInput) types.StrategySignal {
	return types.StrategySignal{Strategy: name, Pair: in.Pair, Timeframe: in.Timeframe, Regime: in.Regime}
}

// atrAt converts an ATR reading into a decimal, reporting false when the
// indicator has not converged (NaN) or is zero, so strategies fail closed
// to NEUTRAL instead of emitting degenerate stops.
func atrAt(series []float64, i int) (decimal.Decimal, bool) {
	if i < 0 || i >= len(series) {
		return decimal.Decimal{}, false
	}
	v := series[i]
	if math.IsNaN(v) || v <= 0 {
		return decimal.Decimal{}, false
	}
	return decimal.NewFromFloat(v), true
}

// TrendFollowing trades EMA(20)/EMA(50) crossovers, adapted from the
// teacher's TrendFollowingStrategy.
type TrendFollowing struct{ *base }

func NewTrendFollowing() *TrendFollowing       { return &TrendFollowing{newBase()} }
func (s *TrendFollowing) Name() string         { return "trend_following" }
func (s *TrendFollowing) MinBarsRequired() int { return 60 }

func (s *TrendFollowing) Analyze(ctx context.Context, in AnalyzeInput) types.StrategySignal {
	sig := flat(s.Name(), in)
	if len(in.Bars) < s.MinBarsRequired() {
		return sig
	}
	fast := indicators.EMA(in.Bars, 20)
	slow := indicators.EMA(in.Bars, 50)
	atr := indicators.ATR(in.Bars, 14)
	n := len(in.Bars)
	fastNow, fastPrev := fast[n-1], fast[n-2]
	slowNow, slowPrev := slow[n-1], slow[n-2]
	entry := in.Bars[n-1].Close
	atrVal, ok := atrAt(atr, n-1)
	if !ok {
		return sig
	}
	switch {
	case fastPrev <= slowPrev && fastNow > slowNow:
		sig.Side = types.OrderSideBuy
		sig.Strength = decOf(0.7)
		sig.Confidence = decOf(0.6)
		sig.Reason = "ema20 crossed above ema50"
	case fastPrev >= slowPrev && fastNow < slowNow:
		sig.Side = types.OrderSideSell
		sig.Strength = decOf(0.7)
		sig.Confidence = decOf(0.6)
		sig.Reason = "ema20 crossed below ema50"
	default:
		return sig
	}
	sig.EntryPrice = entry
	sig.StopLoss, sig.TakeProfit = indicators.ComputeStopLossTakeProfit(entry, sig.Side, atrVal, decOf(1.5), decOf(2.0), in.RoundTripFeePct)
	return sig
}

// MeanReversion fades moves outside Bollinger Bands, adapted from the
// teacher's MeanReversionStrategy.
type MeanReversion struct{ *base }

func NewMeanReversion() *MeanReversion        { return &MeanReversion{newBase()} }
func (s *MeanReversion) Name() string         { return "mean_reversion" }
func (s *MeanReversion) MinBarsRequired() int { return 30 }

func (s *MeanReversion) Analyze(ctx context.Context, in AnalyzeInput) types.StrategySignal {
	sig := flat(s.Name(), in)
	if len(in.Bars) < s.MinBarsRequired() {
		return sig
	}
	upper, middle, lower := indicators.BollingerBands(in.Bars, 20, 2.0, 2.0)
	atr := indicators.ATR(in.Bars, 14)
	n := len(in.Bars)
	price := in.Bars[n-1].Close
	atrVal, ok := atrAt(atr, n-1)
	if !ok {
		return sig
	}
	priceF, _ := price.Float64()
	switch {
	case priceF < lower[n-1]:
		sig.Side = types.OrderSideBuy
		sig.Strength = decOf(0.6)
		sig.Confidence = decOf(0.55)
		sig.Reason = "price below lower band"
	case priceF > upper[n-1]:
		sig.Side = types.OrderSideSell
		sig.Strength = decOf(0.6)
		sig.Confidence = decOf(0.55)
		sig.Reason = "price above upper band"
	default:
		return sig
	}
	sig.EntryPrice = price
	sig.TakeProfit = indicators.EnsureTakeProfitCoversFees(price, decOf(middle[n-1]), sig.Side, in.RoundTripFeePct)
	sig.StopLoss, _ = indicators.ComputeStopLossTakeProfit(price, sig.Side, atrVal, decOf(1.0), decOf(1.0), in.RoundTripFeePct)
	return sig
}

// Reversal looks for RSI extremes plus a fresh turn, adapted from the
// teacher's RSIDivergenceStrategy without the multi-bar divergence lookback.
type Reversal struct{ *base }

func NewReversal() *Reversal             { return &Reversal{newBase()} }
func (s *Reversal) Name() string         { return "reversal" }
func (s *Reversal) MinBarsRequired() int { return 30 }

func (s *Reversal) Analyze(ctx context.Context, in AnalyzeInput) types.StrategySignal {
	sig := flat(s.Name(), in)
	if len(in.Bars) < s.MinBarsRequired() {
		return sig
	}
	rsi := indicators.RSI(in.Bars, 14)
	atr := indicators.ATR(in.Bars, 14)
	n := len(in.Bars)
	entry := in.Bars[n-1].Close
	atrVal, ok := atrAt(atr, n-1)
	if !ok {
		return sig
	}
	switch {
	case rsi[n-2] < 30 && rsi[n-1] >= 30:
		sig.Side = types.OrderSideBuy
		sig.Strength = decOf(0.65)
		sig.Confidence = decOf(0.55)
		sig.Reason = "rsi turned up from oversold"
	case rsi[n-2] > 70 && rsi[n-1] <= 70:
		sig.Side = types.OrderSideSell
		sig.Strength = decOf(0.65)
		sig.Confidence = decOf(0.55)
		sig.Reason = "rsi turned down from overbought"
	default:
		return sig
	}
	sig.EntryPrice = entry
	sig.StopLoss, sig.TakeProfit = indicators.ComputeStopLossTakeProfit(entry, sig.Side, atrVal, decOf(1.2), decOf(1.8), in.RoundTripFeePct)
	return sig
}

// KeltnerBreakout trades closes outside Keltner Channels, new strategy
// grounded on original_source's volatility_squeeze/keltner usage.
type KeltnerBreakout struct{ *base }

func NewKeltnerBreakout() *KeltnerBreakout      { return &KeltnerBreakout{newBase()} }
func (s *KeltnerBreakout) Name() string         { return "keltner_breakout" }
func (s *KeltnerBreakout) MinBarsRequired() int { return 30 }

func (s *KeltnerBreakout) Analyze(ctx context.Context, in AnalyzeInput) types.StrategySignal {
	sig := flat(s.Name(), in)
	if len(in.Bars) < s.MinBarsRequired() {
		return sig
	}
	upper, _, lower := indicators.KeltnerChannels(in.Bars, 20, 10, 1.5)
	atr := indicators.ATR(in.Bars, 14)
	n := len(in.Bars)
	entry := in.Bars[n-1].Close
	atrVal, ok := atrAt(atr, n-1)
	if !ok {
		return sig
	}
	closeF, _ := entry.Float64()
	switch {
	case closeF > upper[n-1]:
		sig.Side = types.OrderSideBuy
		sig.Strength = decOf(0.7)
		sig.Confidence = decOf(0.6)
		sig.Reason = "close broke above keltner upper"
	case closeF < lower[n-1]:
		sig.Side = types.OrderSideSell
		sig.Strength = decOf(0.7)
		sig.Confidence = decOf(0.6)
		sig.Reason = "close broke below keltner lower"
	default:
		return sig
	}
	sig.EntryPrice = entry
	sig.StopLoss, sig.TakeProfit = indicators.ComputeStopLossTakeProfit(entry, sig.Side, atrVal, decOf(1.5), decOf(2.0), in.RoundTripFeePct)
	return sig
}

// IchimokuStrategy trades price crossing the Kumo cloud with Tenkan/Kijun
// confirmation, grounded on original_source/src/strategies/ichimoku.py.
type IchimokuStrategy struct{ *base }

func NewIchimokuStrategy() *IchimokuStrategy     { return &IchimokuStrategy{newBase()} }
func (s *IchimokuStrategy) Name() string         { return "ichimoku" }
func (s *IchimokuStrategy) MinBarsRequired() int { return 60 }

func (s *IchimokuStrategy) Analyze(ctx context.Context, in AnalyzeInput) types.StrategySignal {
	sig := flat(s.Name(), in)
	if len(in.Bars) < s.MinBarsRequired() {
		return sig
	}
	lines := indicators.Ichimoku(in.Bars, 9, 26, 52)
	atr := indicators.ATR(in.Bars, 14)
	n := len(in.Bars)
	entry := in.Bars[n-1].Close
	atrVal, ok := atrAt(atr, n-1)
	if !ok {
		return sig
	}
	closeF, _ := entry.Float64()
	cloudTop, cloudBottom := lines.SenkouA[n-1], lines.SenkouB[n-1]
	if cloudTop < cloudBottom {
		cloudTop, cloudBottom = cloudBottom, cloudTop
	}
	bullish := lines.Tenkan[n-1] > lines.Kijun[n-1]
	switch {
	case closeF > cloudTop && bullish:
		sig.Side = types.OrderSideBuy
		sig.Strength = decOf(0.75)
		sig.Confidence = decOf(0.6)
		sig.Reason = "price above kumo with bullish tenkan/kijun"
	case closeF < cloudBottom && !bullish:
		sig.Side = types.OrderSideSell
		sig.Strength = decOf(0.75)
		sig.Confidence = decOf(0.6)
		sig.Reason = "price below kumo with bearish tenkan/kijun"
	default:
		return sig
	}
	sig.EntryPrice = entry
	sig.StopLoss, sig.TakeProfit = indicators.ComputeStopLossTakeProfit(entry, sig.Side, atrVal, decOf(1.5), decOf(2.5), in.RoundTripFeePct)
	return sig
}

// SupertrendStrategy follows the ATR supertrend direction flip, grounded on
// original_source/src/strategies/supertrend.py.
type SupertrendStrategy struct{ *base }

func NewSupertrendStrategy() *SupertrendStrategy   { return &SupertrendStrategy{newBase()} }
func (s *SupertrendStrategy) Name() string         { return "supertrend" }
func (s *SupertrendStrategy) MinBarsRequired() int { return 30 }

func (s *SupertrendStrategy) Analyze(ctx context.Context, in AnalyzeInput) types.StrategySignal {
	sig := flat(s.Name(), in)
	if len(in.Bars) < s.MinBarsRequired() {
		return sig
	}
	line, dir := indicators.Supertrend(in.Bars, 10, 3.0)
	atr := indicators.ATR(in.Bars, 14)
	n := len(in.Bars)
	entry := in.Bars[n-1].Close
	atrVal, ok := atrAt(atr, n-1)
	if !ok {
		return sig
	}
	switch {
	case dir[n-2] == -1 && dir[n-1] == 1:
		sig.Side = types.OrderSideBuy
		sig.Strength = decOf(0.7)
		sig.Confidence = decOf(0.6)
		sig.Reason = "supertrend flipped bullish"
	case dir[n-2] == 1 && dir[n-1] == -1:
		sig.Side = types.OrderSideSell
		sig.Strength = decOf(0.7)
		sig.Confidence = decOf(0.6)
		sig.Reason = "supertrend flipped bearish"
	default:
		return sig
	}
	sig.EntryPrice = entry
	sig.StopLoss = decOf(line[n-1])
	_, sig.TakeProfit = indicators.ComputeStopLossTakeProfit(entry, sig.Side, atrVal, decOf(1.0), decOf(2.5), in.RoundTripFeePct)
	return sig
}

// StochasticDivergence compares price swing direction against stochastic
// %K direction to flag momentum divergence, grounded on
// original_source/src/strategies/stochastic_divergence.py.
type StochasticDivergence struct{ *base }

func NewStochasticDivergence() *StochasticDivergence { return &StochasticDivergence{newBase()} }
func (s *StochasticDivergence) Name() string         { return "stochastic_divergence" }
func (s *StochasticDivergence) MinBarsRequired() int { return 30 }

func (s *StochasticDivergence) Analyze(ctx context.Context, in AnalyzeInput) types.StrategySignal {
	sig := flat(s.Name(), in)
	lookback := 10
	if len(in.Bars) < s.MinBarsRequired()+lookback {
		return sig
	}
	k, _ := indicators.Stoch(in.Bars, 14, 3, 3)
	atr := indicators.ATR(in.Bars, 14)
	n := len(in.Bars)
	entry := in.Bars[n-1].Close
	atrVal, ok := atrAt(atr, n-1)
	if !ok {
		return sig
	}
	priceNow, _ := entry.Float64()
	priceThen, _ := in.Bars[n-1-lookback].Close.Float64()
	switch {
	case priceNow < priceThen && k[n-1] > k[n-1-lookback] && k[n-1] < 30:
		sig.Side = types.OrderSideBuy
		sig.Strength = decOf(0.6)
		sig.Confidence = decOf(0.5)
		sig.Reason = "bullish stochastic divergence"
	case priceNow > priceThen && k[n-1] < k[n-1-lookback] && k[n-1] > 70:
		sig.Side = types.OrderSideSell
		sig.Strength = decOf(0.6)
		sig.Confidence = decOf(0.5)
		sig.Reason = "bearish stochastic divergence"
	default:
		return sig
	}
	sig.EntryPrice = entry
	sig.StopLoss, sig.TakeProfit = indicators.ComputeStopLossTakeProfit(entry, sig.Side, atrVal, decOf(1.3), decOf(1.8), in.RoundTripFeePct)
	return sig
}

// VolatilitySqueeze waits for Bollinger Bands to contract inside the
// Keltner Channel, then trades the direction of the release, grounded on
// original_source/src/strategies/volatility_squeeze.py.
type VolatilitySqueeze struct{ *base }

func NewVolatilitySqueeze() *VolatilitySqueeze    { return &VolatilitySqueeze{newBase()} }
func (s *VolatilitySqueeze) Name() string         { return "volatility_squeeze" }
func (s *VolatilitySqueeze) MinBarsRequired() int { return 40 }

func (s *VolatilitySqueeze) Analyze(ctx context.Context, in AnalyzeInput) types.StrategySignal {
	sig := flat(s.Name(), in)
	if len(in.Bars) < s.MinBarsRequired() {
		return sig
	}
	bbUpper, _, bbLower := indicators.BollingerBands(in.Bars, 20, 2.0, 2.0)
	kcUpper, _, kcLower := indicators.KeltnerChannels(in.Bars, 20, 10, 1.5)
	atr := indicators.ATR(in.Bars, 14)
	n := len(in.Bars)
	entry := in.Bars[n-1].Close
	atrVal, ok := atrAt(atr, n-1)
	if !ok {
		return sig
	}
	squeezedPrev := bbUpper[n-2] < kcUpper[n-2] && bbLower[n-2] > kcLower[n-2]
	squeezedNow := bbUpper[n-1] < kcUpper[n-1] && bbLower[n-1] > kcLower[n-1]
	if !squeezedPrev || squeezedNow {
		return sig // only fire on the bar the squeeze releases
	}
	momentum := in.Bars[n-1].Close.Sub(in.Bars[n-5].Close)
	switch {
	case momentum.IsPositive():
		sig.Side = types.OrderSideBuy
		sig.Strength = decOf(0.75)
		sig.Confidence = decOf(0.6)
		sig.Reason = "volatility squeeze released upward"
	case momentum.IsNegative():
		sig.Side = types.OrderSideSell
		sig.Strength = decOf(0.75)
		sig.Confidence = decOf(0.6)
		sig.Reason = "volatility squeeze released downward"
	default:
		return sig
	}
	sig.EntryPrice = entry
	sig.StopLoss, sig.TakeProfit = indicators.ComputeStopLossTakeProfit(entry, sig.Side, atrVal, decOf(1.5), decOf(2.5), in.RoundTripFeePct)
	return sig
}

// OrderFlow trades persistent order book imbalance, grounded on
// original_source/src/strategies/order_flow.py and the OrderBookImbalance
// helper in internal/indicators.
type OrderFlow struct{ *base }

func NewOrderFlow() *OrderFlow            { return &OrderFlow{newBase()} }
func (s *OrderFlow) Name() string         { return "order_flow" }
func (s *OrderFlow) MinBarsRequired() int { return 5 }

func (s *OrderFlow) Analyze(ctx context.Context, in AnalyzeInput) types.StrategySignal {
	sig := flat(s.Name(), in)
	if len(in.Bars) < s.MinBarsRequired() || len(in.Book.Bids) == 0 || len(in.Book.Asks) == 0 {
		return sig
	}
	imbalance := indicators.OrderBookImbalance(in.Book, 10)
	atr := indicators.ATR(in.Bars, 14)
	n := len(in.Bars)
	entry := in.Bars[n-1].Close
	atrVal, ok := atrAt(atr, n-1)
	if !ok {
		return sig
	}
	threshold := decOf(0.4)
	switch {
	case imbalance.GreaterThan(threshold):
		sig.Side = types.OrderSideBuy
		sig.Strength = imbalance
		sig.Confidence = decOf(0.5)
		sig.Reason = "bid-heavy order book imbalance"
	case imbalance.LessThan(threshold.Neg()):
		sig.Side = types.OrderSideSell
		sig.Strength = imbalance.Abs()
		sig.Confidence = decOf(0.5)
		sig.Reason = "ask-heavy order book imbalance"
	default:
		return sig
	}
	sig.EntryPrice = entry
	sig.StopLoss, sig.TakeProfit = indicators.ComputeStopLossTakeProfit(entry, sig.Side, atrVal, decOf(1.0), decOf(1.5), in.RoundTripFeePct)
	return sig
}
