package confluence

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/fenwick-trading/confluence-engine/internal/marketdata"
	"github.com/fenwick-trading/confluence-engine/internal/strategy"
	"github.com/fenwick-trading/confluence-engine/pkg/types"
)

// timeframeWeight is the per-timeframe vote weight table, keyed by the
// types.Timeframe constant.
var timeframeWeight = map[types.Timeframe]decimal.Decimal{
	types.Timeframe1m:  decimal.NewFromFloat(1.0),
	types.Timeframe5m:  decimal.NewFromFloat(1.3),
	types.Timeframe15m: decimal.NewFromFloat(1.5),
	types.Timeframe30m: decimal.NewFromFloat(1.7),
	types.Timeframe1h:  decimal.NewFromFloat(2.0),
}

// timeframeRank orders timeframes so "largest timeframe wins" SL/TP
// selection can compare them.
var timeframeRank = map[types.Timeframe]int{
	types.Timeframe1m: 1, types.Timeframe5m: 5, types.Timeframe15m: 15,
	types.Timeframe30m: 30, types.Timeframe1h: 60, types.Timeframe4h: 240,
	types.Timeframe1d: 1440,
}

// SyntheticBookStrategy names the order-book agreement vote injected
// alongside real strategy votes; downstream vote counting treats it
// specially (it is never a "real" vote).
const SyntheticBookStrategy = "order_book"

// Per-timeframe scoring constants.
const (
	confluenceBonusPerVote = 0.1  // confidence bonus per extra agreeing vote
	confluenceBonusCap     = 0.3  // cap on the above
	opposingPenaltyPerVote = 0.04 // confidence penalty per real opposing vote
	opposingPenaltyCap     = 0.12 // cap on the above
	regimeAlignBonus       = 0.03 // dominant strategy family matches the regime

	sureFireStrengthBonus   = 0.15
	sureFireConfidenceBonus = 0.10
)

// Cross-timeframe agreement bonuses.
const (
	unanimousThreePlusBonus = 0.15
	unanimousTwoBonus       = 0.10
	partialAgreementScale   = 0.12
	partialAgreementCap     = 0.10
)

// Config drives the detector's thresholds.
type Config struct {
	Timeframes            []types.Timeframe
	PrimaryTimeframe      types.Timeframe // defaults to the first configured timeframe
	MinTimeframeAgreement int             // timeframes that must agree before a direction fires
	MinBarsWarmup         int
	MinConfidence         decimal.Decimal // sure-fire requires at least this confidence
	RoundTripFeePct       decimal.Decimal
	SureFireMinCount      int

	// Synthetic order-book vote: the book score is preferred when present,
	// raw OBI is the fallback. A zero threshold disables that source.
	BookScoreThreshold    decimal.Decimal
	OBIThreshold          decimal.Decimal
	OBICountsAsConfluence bool

	// DisabledStrategies are administratively switched off for the whole
	// session, distinct from the Guardrail's runtime auto-disable.
	DisabledStrategies []string

	MaxConcurrentStrategies int
}

// Detector computes a ConfluenceSignal for one pair by running every
// registered strategy across every configured timeframe and combining the
// votes. Grounded on internal/signals/aggregator.go's weighted-aggregation
// pattern, generalized from multi-source sentiment/onchain inputs to
// multi-strategy, multi-timeframe technical votes.
type Detector struct {
	cache      *marketdata.Cache
	registry   *strategy.Registry
	guardrail  *Guardrail
	sessionMul *SessionMultiplier
	cfg        Config
	disabled   map[string]bool
	logger     *zap.Logger
}

func NewDetector(cache *marketdata.Cache, registry *strategy.Registry, guardrail *Guardrail, sessionMul *SessionMultiplier, cfg Config, logger *zap.Logger) *Detector {
	if cfg.MaxConcurrentStrategies <= 0 {
		cfg.MaxConcurrentStrategies = 8
	}
	if cfg.MinTimeframeAgreement <= 0 {
		cfg.MinTimeframeAgreement = 1
	}
	if cfg.PrimaryTimeframe == "" && len(cfg.Timeframes) > 0 {
		cfg.PrimaryTimeframe = cfg.Timeframes[0]
	}
	if cfg.SureFireMinCount <= 0 {
		cfg.SureFireMinCount = 3
	}
	disabled := make(map[string]bool, len(cfg.DisabledStrategies))
	for _, name := range cfg.DisabledStrategies {
		disabled[name] = true
	}
	return &Detector{cache: cache, registry: registry, guardrail: guardrail, sessionMul: sessionMul, cfg: cfg, disabled: disabled, logger: logger}
}

// tfResult is one timeframe's confluence outcome, the unit the cross-
// timeframe combiner works over. A neutral timeframe carries side "".
type tfResult struct {
	tf           types.Timeframe
	side         types.OrderSide
	strength     decimal.Decimal
	confidence   decimal.Decimal
	count        int // confluence count (synthetic included only when configured)
	obi          decimal.Decimal
	bookScore    decimal.Decimal
	obiAgrees    bool
	sureFire     bool
	entry        decimal.Decimal
	stopLoss     decimal.Decimal
	takeProfit   decimal.Decimal
	regime       types.RegimeState
	contributors []types.StrategySignal
}

// Evaluate runs the full confluence pipeline for pair and returns nil if
// there is no actionable signal (stale data, insufficient warm-up, or not
// enough timeframes agreeing).
func (d *Detector) Evaluate(ctx context.Context, pair string) *types.ConfluenceSignal {
	results := make([]tfResult, 0, len(d.cfg.Timeframes))
	for _, tf := range d.cfg.Timeframes {
		if d.cache.IsStale(pair, tf) || !d.cache.IsWarm(pair, tf, d.cfg.MinBarsWarmup) {
			continue
		}
		bars := d.cache.Bars(pair, tf)
		regime := ClassifyRegime(bars)
		book := d.cache.OrderBook(pair)
		results = append(results, d.computeTimeframe(ctx, pair, tf, bars, book, regime))
	}
	if len(results) == 0 {
		return nil
	}
	return d.combine(pair, results)
}

// computeTimeframe runs every enabled strategy for one pair/timeframe,
// injects the synthetic order-book vote, and folds the votes into a single
// per-timeframe result: plurality direction (tie is neutral), performance-
// and regime-weighted strength/confidence, confluence bonus, opposing
// penalty, regime-alignment bonus, session multiplier, and the sure-fire
// upgrade.
func (d *Detector) computeTimeframe(ctx context.Context, pair string, tf types.Timeframe, bars []types.Bar, book types.OrderBookSnapshot, regime types.RegimeState) tfResult {
	res := tfResult{tf: tf, regime: regime}
	votes := d.runStrategies(ctx, pair, tf, bars, book, regime)

	analysis, _ := d.cache.BookAnalysis(pair)
	res.obi = analysis.Imbalance
	res.bookScore = analysis.BookScore
	bookVote, bookSide, bookMagnitude := d.syntheticBookVote(pair, tf, analysis, regime)
	if bookVote != nil {
		votes = append(votes, *bookVote)
	}

	for _, v := range votes {
		res.contributors = append(res.contributors, v.sig)
	}

	var longs, shorts int
	for _, v := range votes {
		if v.sig.Side == types.OrderSideBuy {
			longs++
		} else {
			shorts++
		}
	}
	switch {
	case longs > shorts:
		res.side = types.OrderSideBuy
	case shorts > longs:
		res.side = types.OrderSideSell
	default:
		return res // tie -> neutral
	}

	// Weighted strength/confidence over the winning side's votes.
	var strengthSum, confidenceSum, weightSum decimal.Decimal
	realAgreeing, opposingReal := 0, 0
	var dominant *types.StrategySignal
	syntheticAgrees := false
	for i := range votes {
		v := &votes[i]
		if v.sig.Side != res.side {
			if v.sig.Strategy != SyntheticBookStrategy {
				opposingReal++
			}
			continue
		}
		w := decimal.NewFromFloat(v.weight)
		strengthSum = strengthSum.Add(v.sig.Strength.Mul(w))
		confidenceSum = confidenceSum.Add(v.sig.Confidence.Mul(w))
		weightSum = weightSum.Add(w)
		if v.sig.Strategy == SyntheticBookStrategy {
			syntheticAgrees = true
			continue
		}
		realAgreeing++
		if dominant == nil || v.sig.Confidence.GreaterThan(dominant.Confidence) {
			dominant = &v.sig
		}
	}
	if weightSum.IsZero() {
		res.side = ""
		return res
	}
	res.strength = strengthSum.Div(weightSum)
	res.confidence = confidenceSum.Div(weightSum)

	res.count = realAgreeing
	if syntheticAgrees && d.cfg.OBICountsAsConfluence {
		res.count++
	}

	// Confluence bonus: +min((count-1)*0.1, 0.3) to confidence.
	if res.count > 1 {
		bonus := float64(res.count-1) * confluenceBonusPerVote
		if bonus > confluenceBonusCap {
			bonus = confluenceBonusCap
		}
		res.confidence = res.confidence.Add(decimal.NewFromFloat(bonus))
	}
	// Opposing penalty: -0.04 per real opposing vote, capped at -0.12.
	if opposingReal > 0 {
		penalty := float64(opposingReal) * opposingPenaltyPerVote
		if penalty > opposingPenaltyCap {
			penalty = opposingPenaltyCap
		}
		res.confidence = res.confidence.Sub(decimal.NewFromFloat(penalty))
	}
	// Regime-alignment bonus when the dominant strategy family is the one
	// this regime favors.
	if dominant != nil {
		for _, preferred := range AdjustmentsFor(regime).PreferredStrategies {
			if dominant.Strategy == preferred {
				res.confidence = res.confidence.Add(decimal.NewFromFloat(regimeAlignBonus))
				break
			}
		}
	}
	if d.sessionMul != nil {
		res.confidence = res.confidence.Mul(d.sessionMul.Multiplier(time.Now()))
	}

	res.obiAgrees = bookSide == res.side && !bookMagnitude.IsZero()
	if res.count >= d.cfg.SureFireMinCount && res.obiAgrees &&
		res.confidence.GreaterThanOrEqual(d.cfg.MinConfidence) {
		res.sureFire = true
		res.strength = res.strength.Add(decimal.NewFromFloat(sureFireStrengthBonus))
		res.confidence = res.confidence.Add(decimal.NewFromFloat(sureFireConfidenceBonus))
	}

	res.strength = clamp01(res.strength)
	res.confidence = clamp01(res.confidence)
	res.entry, res.stopLoss, res.takeProfit = aggregateLevels(res.side, votes)
	return res
}

// vote pairs a strategy's signal with its combined performance/regime
// weight for this pass.
type vote struct {
	sig    types.StrategySignal
	weight float64
}

// runStrategies fans every registered, enabled strategy out across a
// bounded worker pool (conc/pool) for one pair/timeframe and returns the
// actionable votes.
func (d *Detector) runStrategies(ctx context.Context, pair string, tf types.Timeframe, bars []types.Bar, book types.OrderBookSnapshot, regime types.RegimeState) []vote {
	names := d.registry.Names()
	sort.Strings(names)
	votesCh := make(chan vote, len(names))
	p := pool.New().WithMaxGoroutines(d.cfg.MaxConcurrentStrategies)
	for _, name := range names {
		name := name
		if d.disabled[name] || d.guardrail.IsDisabled(name) {
			continue
		}
		s, ok := d.registry.Get(name)
		if !ok {
			continue
		}
		p.Go(func() {
			in := strategy.AnalyzeInput{
				Pair: pair, Timeframe: tf, Bars: bars, Book: book,
				Regime: regime, RoundTripFeePct: d.cfg.RoundTripFeePct,
			}
			sig := strategy.RunWithTimeout(ctx, s, in, d.logger)
			if !sig.IsActionable() {
				return
			}
			weight := s.AdaptivePerformanceFactor(regime.Trend, regime.Volatility) *
				regimeMultiplier(name, regime)
			votesCh <- vote{sig: sig, weight: weight}
		})
	}
	p.Wait()
	close(votesCh)

	votes := make([]vote, 0, len(names))
	for v := range votesCh {
		votes = append(votes, v)
	}
	// Channel drain order is nondeterministic; sort so aggregation never
	// depends on completion order.
	sort.Slice(votes, func(i, j int) bool { return votes[i].sig.Strategy < votes[j].sig.Strategy })
	return votes
}

// syntheticBookVote builds the order-book agreement vote when the book
// score (preferred) or raw OBI clears its threshold; strength and
// confidence scale with the magnitude.
func (d *Detector) syntheticBookVote(pair string, tf types.Timeframe, analysis types.BookAnalysis, regime types.RegimeState) (*vote, types.OrderSide, decimal.Decimal) {
	score := analysis.BookScore
	threshold := d.cfg.BookScoreThreshold
	if score.IsZero() || threshold.IsZero() {
		score = analysis.Imbalance
		threshold = d.cfg.OBIThreshold
	}
	if threshold.IsZero() || score.Abs().LessThan(threshold) {
		return nil, "", decimal.Zero
	}
	side := types.OrderSideBuy
	if score.IsNegative() {
		side = types.OrderSideSell
	}
	magnitude := clamp01(score.Abs())
	sig := types.StrategySignal{
		Strategy:    SyntheticBookStrategy,
		Pair:        pair,
		Timeframe:   tf,
		Side:        side,
		Strength:    magnitude,
		Confidence:  magnitude,
		Regime:      regime,
		Reason:      "order book agreement",
		GeneratedAt: time.Now(),
	}
	return &vote{sig: sig, weight: 1.0}, side, magnitude
}

// regimeMultiplier scales a strategy's vote by how well its family suits
// the current regime, from the AdjustmentsFor tables.
func regimeMultiplier(strategyName string, regime types.RegimeState) float64 {
	adj := AdjustmentsFor(regime)
	for _, preferred := range adj.PreferredStrategies {
		if strategyName == preferred {
			return 1.2
		}
	}
	for _, avoid := range adj.AvoidStrategies {
		if strategyName == avoid {
			return 0.8
		}
	}
	return 1.0
}

// aggregateLevels picks the timeframe's SL/TP: the strongest directional
// signal's pair when it carries both, else the widest stop and furthest
// target across the winning side's votes.
func aggregateLevels(side types.OrderSide, votes []vote) (entry, sl, tp decimal.Decimal) {
	var primary *types.StrategySignal
	for i := range votes {
		sig := &votes[i].sig
		if sig.Side != side || sig.Strategy == SyntheticBookStrategy {
			continue
		}
		if primary == nil || sig.Strength.GreaterThan(primary.Strength) {
			primary = sig
		}
	}
	if primary == nil {
		return
	}
	entry = primary.EntryPrice
	if !primary.StopLoss.IsZero() && !primary.TakeProfit.IsZero() {
		return entry, primary.StopLoss, primary.TakeProfit
	}

	for i := range votes {
		sig := &votes[i].sig
		if sig.Side != side || sig.Strategy == SyntheticBookStrategy {
			continue
		}
		if !sig.StopLoss.IsZero() {
			sl = widerStop(side, sl, sig.StopLoss)
		}
		if !sig.TakeProfit.IsZero() {
			tp = furtherTarget(side, tp, sig.TakeProfit)
		}
	}
	return
}

func widerStop(side types.OrderSide, current, candidate decimal.Decimal) decimal.Decimal {
	if current.IsZero() {
		return candidate
	}
	if side == types.OrderSideBuy {
		if candidate.LessThan(current) {
			return candidate
		}
	} else if candidate.GreaterThan(current) {
		return candidate
	}
	return current
}

func furtherTarget(side types.OrderSide, current, candidate decimal.Decimal) decimal.Decimal {
	if current.IsZero() {
		return candidate
	}
	if side == types.OrderSideBuy {
		if candidate.GreaterThan(current) {
			return candidate
		}
	} else if candidate.LessThan(current) {
		return candidate
	}
	return current
}

// combine merges per-timeframe results into one ConfluenceSignal: the
// primary timeframe picks the direction (promoting the largest sufficiently
// agreed timeframe when the primary is neutral), at least
// MinTimeframeAgreement timeframes must agree, agreement earns a bonus, and
// SL/TP come from the largest agreeing timeframe.
func (d *Detector) combine(pair string, results []tfResult) *types.ConfluenceSignal {
	sides := make(map[types.Timeframe]types.OrderSide, len(results))
	for _, r := range results {
		sides[r.tf] = r.side
	}

	side := d.chooseDirection(results)
	if side == "" {
		return nil
	}

	agreeing := make([]tfResult, 0, len(results))
	for _, r := range results {
		if r.side == side {
			agreeing = append(agreeing, r)
		}
	}
	if len(agreeing) < d.cfg.MinTimeframeAgreement {
		return nil
	}

	var strengthSum, confidenceSum, weightSum, totalWeight decimal.Decimal
	for _, r := range results {
		w, ok := timeframeWeight[r.tf]
		if !ok {
			w = decimal.NewFromInt(1)
		}
		totalWeight = totalWeight.Add(w)
		if r.side != side {
			continue
		}
		strengthSum = strengthSum.Add(r.strength.Mul(w))
		confidenceSum = confidenceSum.Add(r.confidence.Mul(w))
		weightSum = weightSum.Add(w)
	}
	strength := strengthSum.Div(weightSum)
	confidence := confidenceSum.Div(weightSum)

	// Agreement bonus: unanimity pays a fixed bonus, partial agreement a
	// weight-proportional one.
	var bonus float64
	switch {
	case len(agreeing) == len(results) && len(results) >= 3:
		bonus = unanimousThreePlusBonus
	case len(agreeing) == len(results) && len(results) == 2:
		bonus = unanimousTwoBonus
	default:
		ratio, _ := weightSum.Div(totalWeight).Float64()
		bonus = ratio * partialAgreementScale
		if bonus > partialAgreementCap {
			bonus = partialAgreementCap
		}
	}
	strength = clamp01(strength.Add(decimal.NewFromFloat(bonus)))
	confidence = clamp01(confidence.Add(decimal.NewFromFloat(bonus)))

	// Largest agreeing timeframe carries the levels (wider stops) and the
	// book/regime context.
	largest := agreeing[0]
	for _, r := range agreeing[1:] {
		if timeframeRank[r.tf] > timeframeRank[largest.tf] {
			largest = r
		}
	}
	count := 0
	sureFire := false
	for _, r := range agreeing {
		if r.count > count {
			count = r.count
		}
		if r.sureFire {
			sureFire = true
		}
	}

	contributors := make([]types.StrategySignal, 0, len(results)*4)
	for _, r := range results {
		contributors = append(contributors, r.contributors...)
	}

	return &types.ConfluenceSignal{
		Pair:            pair,
		Side:            side,
		Score:           strength,
		Confidence:      confidence,
		ConfluenceCount: count,
		OBI:             largest.obi,
		BookScore:       largest.bookScore,
		OBIAgrees:       largest.obiAgrees,
		IsSureFire:      sureFire,
		EntryPrice:      largest.entry,
		StopLoss:        largest.stopLoss,
		TakeProfit:      largest.takeProfit,
		Regime:          largest.regime,
		SourceTimeframe: largest.tf,
		TimeframeSides:  sides,
		Contributors:    contributors,
		GeneratedAt:     time.Now(),
	}
}

// chooseDirection takes the primary timeframe's side; a neutral primary
// promotes the largest timeframe whose direction is shared by at least
// MinTimeframeAgreement timeframes.
func (d *Detector) chooseDirection(results []tfResult) types.OrderSide {
	for _, r := range results {
		if r.tf == d.cfg.PrimaryTimeframe && r.side != "" {
			return r.side
		}
	}

	ordered := append([]tfResult(nil), results...)
	sort.Slice(ordered, func(i, j int) bool {
		return timeframeRank[ordered[i].tf] > timeframeRank[ordered[j].tf]
	})
	for _, candidate := range ordered {
		if candidate.side == "" {
			continue
		}
		agreeing := 0
		for _, r := range results {
			if r.side == candidate.side {
				agreeing++
			}
		}
		if agreeing >= d.cfg.MinTimeframeAgreement {
			return candidate.side
		}
	}
	return ""
}

func clamp01(v decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if v.GreaterThan(one) {
		return one
	}
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
