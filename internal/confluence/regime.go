// Package confluence computes per-pair trade decisions by running every
// registered strategy across several timeframes and combining the votes.
// The weighted-aggregation shape is grounded on internal/signals/
// aggregator.go's calculateAggregatedSignal; the regime classifier reuses
// internal/regime/detector.go's RegimeState/adjustments idiom but replaces
// its HMM math with the simpler ADX/ATR rule set this spec calls for.
package confluence

import (
	"github.com/fenwick-trading/confluence-engine/internal/indicators"
	"github.com/fenwick-trading/confluence-engine/pkg/types"
)

const (
	adxTrendThreshold = 25.0
	atrHighVolPct     = 0.02 // ATR/close ratio at or above this counts as high vol
	atrLowVolPct      = 0.008
)

// ClassifyRegime derives a RegimeState from ADX (trend strength) and ATR as
// a fraction of price (volatility), the rule-based classification SPEC_FULL
// calls for in place of the teacher's HMM.
func ClassifyRegime(bars []types.Bar) types.RegimeState {
	if len(bars) < 20 {
		return types.RegimeState{Trend: "ranging", Volatility: "normal"}
	}
	adx := indicators.ADX(bars, 14)
	atr := indicators.ATR(bars, 14)
	n := len(bars)
	trend := "ranging"
	if indicators.Last(adx[:n]) >= adxTrendThreshold {
		trend = "trending"
	}
	closeF, _ := bars[n-1].Close.Float64()
	vol := "normal"
	if closeF > 0 {
		ratio := atr[n-1] / closeF
		switch {
		case ratio >= atrHighVolPct:
			vol = "high"
		case ratio <= atrLowVolPct:
			vol = "low"
		}
	}
	return types.RegimeState{Trend: trend, Volatility: vol}
}

// StrategyAdjustments mirrors the teacher's regime-driven multiplier table:
// per-regime position and stop-loss scaling plus preferred and avoided
// strategy lists.
type StrategyAdjustments struct {
	PositionMultiplier  float64
	StopLossMultiplier  float64
	PreferredStrategies []string
	AvoidStrategies     []string
}

// AdjustmentsFor returns the scaling table for a given regime, used by the
// detector when weighting votes.
func AdjustmentsFor(r types.RegimeState) StrategyAdjustments {
	switch {
	case r.Trend == "trending" && r.Volatility != "high":
		return StrategyAdjustments{
			PositionMultiplier:  1.1,
			StopLossMultiplier:  1.0,
			PreferredStrategies: []string{"trend_following", "ichimoku", "supertrend"},
			AvoidStrategies:     []string{"mean_reversion"},
		}
	case r.Trend == "ranging" && r.Volatility == "low":
		return StrategyAdjustments{
			PositionMultiplier:  1.0,
			StopLossMultiplier:  0.9,
			PreferredStrategies: []string{"mean_reversion", "reversal"},
			AvoidStrategies:     []string{"trend_following"},
		}
	case r.Volatility == "high":
		return StrategyAdjustments{
			PositionMultiplier:  0.6,
			StopLossMultiplier:  1.4,
			PreferredStrategies: []string{"volatility_squeeze", "order_flow"},
			AvoidStrategies:     []string{},
		}
	default:
		return StrategyAdjustments{PositionMultiplier: 1.0, StopLossMultiplier: 1.0}
	}
}
