package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fenwick-trading/confluence-engine/internal/confluence"
	"github.com/fenwick-trading/confluence-engine/internal/mlgate"
	"github.com/fenwick-trading/confluence-engine/internal/risk"
	"github.com/fenwick-trading/confluence-engine/pkg/types"
)

// gateDecision is the outcome of the pre-trade gating pipeline for one
// confluence signal.
type gateDecision struct {
	allowed    bool
	reason     string
	sizeUSD    decimal.Decimal
	strategy   string
	confidence decimal.Decimal
	features   mlgate.Features
}

func rejected(reason string) gateDecision {
	return gateDecision{allowed: false, reason: reason}
}

// gate runs the pre-trade pipeline from SPEC_FULL §4.5: vote count, ML
// probability blend, confidence floor, risk/reward, book spread, then the
// risk manager's ordered gates. The first failing step short-circuits.
func (e *Engine) gate(ctx context.Context, sig types.ConfluenceSignal) gateDecision {
	for _, hour := range e.cfg.QuietHoursUTC {
		if time.Now().UTC().Hour() == hour {
			return rejected("quiet_hours")
		}
	}

	votes := realVotes(sig)
	if votes < e.cfg.MinConfluenceVotes && !e.soloAllowed(sig, votes) {
		return rejected("insufficient_confluence_votes")
	}

	confidence := sig.Confidence
	features := mlgate.BuildFeatures(sig)
	if e.mlGate != nil && e.cfg.MLGateEnabled {
		ai := e.mlGate.Score(features)
		confidence = blendConfidence(confidence, ai, votes)
	}

	floor := clampConfidenceFloor(e.cfg.ExecConfidenceFloor)
	if confidence.LessThan(floor) {
		return rejected("confidence_below_floor")
	}

	if e.cfg.MinRiskRewardRatio.IsPositive() {
		rr := riskReward(sig)
		if rr.LessThan(e.cfg.MinRiskRewardRatio) {
			return rejected("risk_reward_below_minimum")
		}
	}

	if e.cfg.MaxSpreadPct.IsPositive() {
		analysis, age := e.cache.BookAnalysis(sig.Pair)
		if !analysis.MidPrice.IsZero() {
			if e.cfg.BookMaxAge > 0 && age > e.cfg.BookMaxAge {
				return rejected("book_data_stale")
			}
			spreadPct := analysis.SpreadBps.Div(decimal.NewFromInt(10000))
			if spreadPct.GreaterThan(e.cfg.MaxSpreadPct) {
				return rejected("spread_too_wide")
			}
		}
	}

	strategyName := dominantStrategy(sig)
	winRate, winLossRatio := e.tradeExpectancy(ctx)
	decision := e.riskMgr.Approve(risk.Intent{
		Pair:            sig.Pair,
		Side:            sig.Side,
		EntryPrice:      entryPrice(sig),
		StopLoss:        sig.StopLoss,
		TakeProfit:      sig.TakeProfit,
		Confidence:      confidence,
		WinRate:         winRate,
		AvgWinLossRatio: winLossRatio,
	})
	if !decision.Allowed {
		return rejected("risk:" + decision.Reason)
	}

	return gateDecision{
		allowed:    true,
		reason:     "approved",
		sizeUSD:    decision.SizeUSD,
		strategy:   strategyName,
		confidence: confidence,
		features:   features,
	}
}

// realVotes counts contributing signals agreeing with the chosen side,
// excluding the synthetic order-book vote, per SPEC_FULL §8's
// obi_counts_as_confluence invariant.
func realVotes(sig types.ConfluenceSignal) int {
	n := 0
	for _, c := range sig.Contributors {
		if c.Strategy == confluence.SyntheticBookStrategy {
			continue
		}
		if c.Side == sig.Side {
			n++
		}
	}
	return n
}

// soloAllowed permits a single-strategy signal through the vote gate when
// solo mode is configured for it: either the strategy is whitelisted with a
// per-strategy confidence threshold, or any-solo mode is on and the
// confidence clears the global solo floor.
func (e *Engine) soloAllowed(sig types.ConfluenceSignal, votes int) bool {
	if votes != 1 {
		return false
	}
	name := dominantStrategy(sig)
	if threshold, ok := e.cfg.SoloStrategies[name]; ok && sig.Confidence.GreaterThanOrEqual(threshold) {
		return true
	}
	return e.cfg.AllowAnySolo && e.cfg.SoloMinConfidence.IsPositive() &&
		sig.Confidence.GreaterThanOrEqual(e.cfg.SoloMinConfidence)
}

// blendConfidence merges strategy confidence with the ML gate's
// probability: a lone vote leans on the model (0.7*old + 0.3*ai); a real
// consensus is protected from a full AI veto by the 0.85*old lower bound.
func blendConfidence(old, ai decimal.Decimal, votes int) decimal.Decimal {
	if votes <= 1 {
		return old.Mul(decimal.NewFromFloat(0.7)).Add(ai.Mul(decimal.NewFromFloat(0.3)))
	}
	avg := old.Add(ai).Div(decimal.NewFromInt(2))
	guard := old.Mul(decimal.NewFromFloat(0.85))
	if avg.GreaterThan(guard) {
		return avg
	}
	return guard
}

// clampConfidenceFloor bounds the configured execution-confidence floor to
// [0.45, 0.75] so a misconfigured value can neither fire on noise nor
// silence the engine entirely.
func clampConfidenceFloor(floor decimal.Decimal) decimal.Decimal {
	lo := decimal.NewFromFloat(0.45)
	hi := decimal.NewFromFloat(0.75)
	if floor.LessThan(lo) {
		return lo
	}
	if floor.GreaterThan(hi) {
		return hi
	}
	return floor
}

func riskReward(sig types.ConfluenceSignal) decimal.Decimal {
	entry := entryPrice(sig)
	slDist := entry.Sub(sig.StopLoss).Abs()
	if slDist.IsZero() {
		return decimal.Zero
	}
	return sig.TakeProfit.Sub(entry).Abs().Div(slDist)
}

// entryPrice prefers the signal's own entry; a webhook signal that omitted
// it falls back to the midpoint between SL and TP.
func entryPrice(sig types.ConfluenceSignal) decimal.Decimal {
	if !sig.EntryPrice.IsZero() {
		return sig.EntryPrice
	}
	return sig.StopLoss.Add(sig.TakeProfit).Div(decimal.NewFromInt(2))
}

// dominantStrategy is the highest-confidence real (non-synthetic)
// contributor agreeing with the final side; recorded on the trade row for
// the guardrail and reporting.
func dominantStrategy(sig types.ConfluenceSignal) string {
	bestName := "confluence"
	best := decimal.Zero
	for _, c := range sig.Contributors {
		if c.Strategy == confluence.SyntheticBookStrategy {
			continue
		}
		if c.Side == sig.Side && c.Confidence.GreaterThan(best) {
			best = c.Confidence
			bestName = c.Strategy
		}
	}
	return bestName
}

// bookSpreadPct computes (ask-bid)/mid from the top of book.
func bookSpreadPct(book types.OrderBookSnapshot) (decimal.Decimal, bool) {
	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		return decimal.Zero, false
	}
	bid := book.Bids[0].Price
	ask := book.Asks[0].Price
	mid := bid.Add(ask).Div(decimal.NewFromInt(2))
	if mid.IsZero() {
		return decimal.Zero, false
	}
	return ask.Sub(bid).Div(mid), true
}

// tradeExpectancy reads realized win rate and average win/loss ratio from
// the ledger, defaulting to a conservative prior until enough history
// accumulates.
func (e *Engine) tradeExpectancy(ctx context.Context) (winRate, winLossRatio decimal.Decimal) {
	winRate = decimal.NewFromFloat(0.5)
	winLossRatio = decimal.NewFromFloat(1.5)
	if e.ledger == nil {
		return winRate, winLossRatio
	}
	stats, err := e.ledger.GetPerformanceStats(ctx, "")
	if err != nil {
		e.logger.Debug("performance stats unavailable, using priors", zap.Error(err))
		return winRate, winLossRatio
	}
	if stats.TradeCount >= 10 {
		winRate = decimal.NewFromFloat(stats.WinRate)
		if stats.AvgWinLossRatio > 0 {
			winLossRatio = decimal.NewFromFloat(stats.AvgWinLossRatio)
		}
	}
	return winRate, winLossRatio
}
