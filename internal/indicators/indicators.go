// Package indicators computes the technical features strategies in
// internal/strategy consume. Standard oscillators and moving averages wrap
// go-talib; a handful of indicators with no equivalent in the retrieved
// library set (Ichimoku, Supertrend, Garman-Klass volatility, order-book
// imbalance) are hand-written below.
package indicators

import (
	"math"

	talib "github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"

	"github.com/fenwick-trading/confluence-engine/pkg/types"
)

func toFloats(bars []types.Bar, f func(types.Bar) decimal.Decimal) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		v, _ := f(b).Float64()
		out[i] = v
	}
	return out
}

func closes(bars []types.Bar) []float64 {
	return toFloats(bars, func(b types.Bar) decimal.Decimal { return b.Close })
}
func highs(bars []types.Bar) []float64 {
	return toFloats(bars, func(b types.Bar) decimal.Decimal { return b.High })
}
func lows(bars []types.Bar) []float64 {
	return toFloats(bars, func(b types.Bar) decimal.Decimal { return b.Low })
}
func vols(bars []types.Bar) []float64 {
	return toFloats(bars, func(b types.Bar) decimal.Decimal { return b.Volume })
}

// EMA wraps talib.Ema over bar closes.
func EMA(bars []types.Bar, period int) []float64 {
	return talib.Ema(closes(bars), period)
}

// SMA wraps talib.Sma over bar closes.
func SMA(bars []types.Bar, period int) []float64 {
	return talib.Sma(closes(bars), period)
}

// RSI wraps talib.Rsi over bar closes.
func RSI(bars []types.Bar, period int) []float64 {
	return talib.Rsi(closes(bars), period)
}

// ATR wraps talib.Atr.
func ATR(bars []types.Bar, period int) []float64 {
	return talib.Atr(highs(bars), lows(bars), closes(bars), period)
}

// ADX wraps talib.Adx, used by the regime classifier to tell trending from
// ranging markets.
func ADX(bars []types.Bar, period int) []float64 {
	return talib.Adx(highs(bars), lows(bars), closes(bars), period)
}

// BollingerBands wraps talib.BBands.
func BollingerBands(bars []types.Bar, period int, devUp, devDown float64) (upper, middle, lower []float64) {
	return talib.BBands(closes(bars), period, devUp, devDown, talib.SMA)
}

// MACD wraps talib.Macd.
func MACD(bars []types.Bar, fast, slow, signal int) (macd, macdSignal, hist []float64) {
	return talib.Macd(closes(bars), fast, slow, signal)
}

// Stoch wraps talib.Stoch.
func Stoch(bars []types.Bar, fastKPeriod, slowKPeriod, slowDPeriod int) (k, d []float64) {
	return talib.Stoch(highs(bars), lows(bars), closes(bars), fastKPeriod, slowKPeriod, talib.SMA, slowDPeriod, talib.SMA)
}

// KeltnerChannels computes EMA-centered, ATR-width bands: upper/mid/lower.
// Not present in go-talib, so built directly from the EMA/ATR wraps above.
func KeltnerChannels(bars []types.Bar, emaPeriod, atrPeriod int, atrMult float64) (upper, middle, lower []float64) {
	ema := EMA(bars, emaPeriod)
	atr := ATR(bars, atrPeriod)
	n := len(bars)
	upper, middle, lower = make([]float64, n), make([]float64, n), make([]float64, n)
	for i := 0; i < n; i++ {
		middle[i] = ema[i]
		upper[i] = ema[i] + atrMult*atr[i]
		lower[i] = ema[i] - atrMult*atr[i]
	}
	return
}

// IchimokuLines holds the five classic Ichimoku Kinko Hyo lines. Senkou spans
// are not shifted forward here; callers index by the same bar offset as
// Tenkan/Kijun/Chikou and apply the displacement themselves when plotting.
type IchimokuLines struct {
	Tenkan  []float64 // conversion line
	Kijun   []float64 // base line
	SenkouA []float64 // leading span A
	SenkouB []float64 // leading span B
	Chikou  []float64 // lagging span
}

func midpoint(h, l []float64, i, period int) float64 {
	if i+1 < period {
		return math.NaN()
	}
	hi, lo := h[i], l[i]
	for j := i - period + 1; j <= i; j++ {
		if h[j] > hi {
			hi = h[j]
		}
		if l[j] < lo {
			lo = l[j]
		}
	}
	return (hi + lo) / 2
}

// Ichimoku computes the five Ichimoku lines with the traditional 9/26/52
// periods. Grounded on original_source's ichimoku strategy module.
func Ichimoku(bars []types.Bar, tenkanPeriod, kijunPeriod, senkouBPeriod int) IchimokuLines {
	h, l, c := highs(bars), lows(bars), closes(bars)
	n := len(bars)
	out := IchimokuLines{
		Tenkan:  make([]float64, n),
		Kijun:   make([]float64, n),
		SenkouA: make([]float64, n),
		SenkouB: make([]float64, n),
		Chikou:  make([]float64, n),
	}
	for i := 0; i < n; i++ {
		out.Tenkan[i] = midpoint(h, l, i, tenkanPeriod)
		out.Kijun[i] = midpoint(h, l, i, kijunPeriod)
		out.SenkouA[i] = (out.Tenkan[i] + out.Kijun[i]) / 2
		out.SenkouB[i] = midpoint(h, l, i, senkouBPeriod)
		if i+kijunPeriod < n {
			out.Chikou[i] = c[i+kijunPeriod]
		} else {
			out.Chikou[i] = math.NaN()
		}
	}
	return out
}

// Supertrend computes the classic ATR-band trend-flip indicator. Returns the
// trailing band value and a direction slice (+1 up-trend, -1 down-trend).
// Grounded on original_source's supertrend strategy module.
func Supertrend(bars []types.Bar, atrPeriod int, multiplier float64) (line []float64, direction []int) {
	h, l, c := highs(bars), lows(bars), closes(bars)
	atr := ATR(bars, atrPeriod)
	n := len(bars)
	line = make([]float64, n)
	direction = make([]int, n)
	var prevUpper, prevLower, prevLine float64
	prevDir := 1
	for i := 0; i < n; i++ {
		mid := (h[i] + l[i]) / 2
		upperBand := mid + multiplier*atr[i]
		lowerBand := mid - multiplier*atr[i]
		if i == 0 || math.IsNaN(atr[i]) {
			prevUpper, prevLower = upperBand, lowerBand
			line[i] = upperBand
			direction[i] = 1
			prevLine, prevDir = line[i], direction[i]
			continue
		}
		if upperBand < prevUpper || c[i-1] > prevUpper {
			prevUpper = upperBand
		}
		if lowerBand > prevLower || c[i-1] < prevLower {
			prevLower = lowerBand
		}
		dir := prevDir
		if prevDir == 1 && c[i] < prevLower {
			dir = -1
		} else if prevDir == -1 && c[i] > prevUpper {
			dir = 1
		}
		if dir == 1 {
			line[i] = prevLower
		} else {
			line[i] = prevUpper
		}
		direction[i] = dir
		prevLine, prevDir = line[i], dir
	}
	_ = prevLine
	return
}

// GarmanKlassVolatility estimates annualized volatility from OHLC using the
// Garman-Klass estimator, which is more efficient than close-to-close
// volatility for the same sample size. barsPerYear should match the bars'
// timeframe (e.g. 525600 for 1m bars).
func GarmanKlassVolatility(bars []types.Bar, lookback int, barsPerYear float64) float64 {
	n := len(bars)
	if n < lookback || lookback < 2 {
		return 0
	}
	start := n - lookback
	var sum float64
	for i := start; i < n; i++ {
		o, _ := bars[i].Open.Float64()
		h, _ := bars[i].High.Float64()
		l, _ := bars[i].Low.Float64()
		c, _ := bars[i].Close.Float64()
		if o <= 0 || h <= 0 || l <= 0 || c <= 0 {
			continue
		}
		logHL := math.Log(h / l)
		logCO := math.Log(c / o)
		sum += 0.5*logHL*logHL - (2*math.Log(2)-1)*logCO*logCO
	}
	variance := sum / float64(lookback)
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance * barsPerYear)
}

// OrderBookImbalance computes (bidDepth-askDepth)/(bidDepth+askDepth) from an
// analyzed book, in [-1, 1]. Used by the order-flow strategy and the
// confluence sure-fire bonus.
func OrderBookImbalance(book types.OrderBookSnapshot, depth int) decimal.Decimal {
	var bidQty, askQty decimal.Decimal
	for i, lvl := range book.Bids {
		if i >= depth {
			break
		}
		bidQty = bidQty.Add(lvl.Quantity)
	}
	for i, lvl := range book.Asks {
		if i >= depth {
			break
		}
		askQty = askQty.Add(lvl.Quantity)
	}
	total := bidQty.Add(askQty)
	if total.IsZero() {
		return decimal.Zero
	}
	return bidQty.Sub(askQty).Div(total)
}

// spreadDampFloorBps: spreads at or beyond this many basis points zero out
// the book score's spread-tightness component entirely.
const spreadDampFloorBps = 50.0

// AnalyzeBook condenses a depth snapshot into the BookAnalysis features the
// gate, the confluence detector's synthetic order-book vote and the
// order-flow strategy consume: mid price, spread in basis points, imbalance
// over the top 10 levels, per-side depth, whale bias over levels whose
// notional clears whaleThresholdUSD, and the combined book score.
func AnalyzeBook(book types.OrderBookSnapshot, whaleThresholdUSD decimal.Decimal) types.BookAnalysis {
	out := types.BookAnalysis{ComputedAt: book.UpdatedAt}
	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		return out
	}
	bid, ask := book.Bids[0].Price, book.Asks[0].Price
	mid := bid.Add(ask).Div(decimal.NewFromInt(2))
	out.MidPrice = mid
	if !mid.IsZero() {
		out.SpreadBps = ask.Sub(bid).Div(mid).Mul(decimal.NewFromInt(10000))
	}
	out.Imbalance = OrderBookImbalance(book, 10)

	var whaleBid, whaleAsk decimal.Decimal
	for i, lvl := range book.Bids {
		if i >= 10 {
			break
		}
		out.BidDepth = out.BidDepth.Add(lvl.Quantity)
		if whaleThresholdUSD.IsPositive() && lvl.Price.Mul(lvl.Quantity).GreaterThanOrEqual(whaleThresholdUSD) {
			whaleBid = whaleBid.Add(lvl.Quantity)
		}
	}
	for i, lvl := range book.Asks {
		if i >= 10 {
			break
		}
		out.AskDepth = out.AskDepth.Add(lvl.Quantity)
		if whaleThresholdUSD.IsPositive() && lvl.Price.Mul(lvl.Quantity).GreaterThanOrEqual(whaleThresholdUSD) {
			whaleAsk = whaleAsk.Add(lvl.Quantity)
		}
	}
	if whaleTotal := whaleBid.Add(whaleAsk); !whaleTotal.IsZero() {
		out.WhaleBias = whaleBid.Sub(whaleAsk).Div(whaleTotal)
	}

	// Book score: imbalance and whale bias, damped toward zero as the
	// spread widens (a wide book carries less actionable information).
	spreadBps, _ := out.SpreadBps.Float64()
	tightness := 1.0 - spreadBps/spreadDampFloorBps
	if tightness < 0 {
		tightness = 0
	}
	raw := out.Imbalance.Mul(decimal.NewFromFloat(0.6)).
		Add(out.WhaleBias.Mul(decimal.NewFromFloat(0.4)))
	out.BookScore = raw.Mul(decimal.NewFromFloat(tightness))
	return out
}

// ComputeStopLossTakeProfit derives SL/TP prices from an entry price, side,
// and ATR value using a fixed risk:reward multiple, with the take-profit
// pushed out far enough that a winner always covers the round-trip fee.
// Shared by every strategy so SL/TP placement is consistent across the
// whole strategy set.
func ComputeStopLossTakeProfit(entry decimal.Decimal, side types.OrderSide, atr decimal.Decimal, slATRMult, rrRatio, roundTripFeePct decimal.Decimal) (sl, tp decimal.Decimal) {
	dist := atr.Mul(slATRMult)
	tpDist := dist.Mul(rrRatio)
	if feeDist := entry.Mul(roundTripFeePct); tpDist.LessThan(feeDist) {
		tpDist = feeDist
	}
	if side == types.OrderSideBuy {
		sl = entry.Sub(dist)
		tp = entry.Add(tpDist)
	} else {
		sl = entry.Add(dist)
		tp = entry.Sub(tpDist)
	}
	return
}

// EnsureTakeProfitCoversFees widens tp away from entry until the move
// covers the round-trip fee, for strategies whose target comes from a price
// level (e.g. a band midline) rather than an ATR multiple.
func EnsureTakeProfitCoversFees(entry, tp decimal.Decimal, side types.OrderSide, roundTripFeePct decimal.Decimal) decimal.Decimal {
	feeDist := entry.Mul(roundTripFeePct)
	if side == types.OrderSideBuy {
		if floor := entry.Add(feeDist); tp.LessThan(floor) {
			return floor
		}
	} else {
		if ceil := entry.Sub(feeDist); tp.GreaterThan(ceil) {
			return ceil
		}
	}
	return tp
}

// Last returns the final element of a float64 series, or NaN if empty. Most
// talib outputs carry their warm-up region at the front, not the back, so
// this is the usual way strategies read "the current value of X".
func Last(series []float64) float64 {
	if len(series) == 0 {
		return math.NaN()
	}
	return series[len(series)-1]
}

// Volumes returns the raw volume series for bars, for strategies (e.g.
// order-flow, volatility-squeeze) that need it alongside derived indicators.
func Volumes(bars []types.Bar) []float64 { return vols(bars) }
