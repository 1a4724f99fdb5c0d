package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/fenwick-trading/confluence-engine/pkg/types"
)

// StopTracker advances a single open position's protective stop through the
// INITIAL -> BREAKEVEN -> TRAILING stages from SPEC_FULL §4.6. It never
// moves the stop against the position; each stage transition is a one-way
// ratchet driven by favorable price excursion measured in R (risk units).
type StopTracker struct {
	state      types.StopLossState
	side       types.OrderSide
	entryPrice decimal.Decimal
	initialSL  decimal.Decimal
	riskUnit   decimal.Decimal // |entry - initialSL|, the "1R" distance

	breakevenAtR     decimal.Decimal
	trailStartAtR    decimal.Decimal
	trailDistancePct decimal.Decimal
}

// NewStopTracker seeds a tracker for a freshly opened position.
func NewStopTracker(side types.OrderSide, entryPrice, initialSL decimal.Decimal, cfg types.RiskConfig) *StopTracker {
	riskUnit := entryPrice.Sub(initialSL).Abs()
	return &StopTracker{
		side:             side,
		entryPrice:       entryPrice,
		initialSL:        initialSL,
		riskUnit:         riskUnit,
		breakevenAtR:     cfg.BreakevenAtR,
		trailStartAtR:    cfg.TrailStartAtR,
		trailDistancePct: cfg.TrailDistancePct,
		state: types.StopLossState{
			Stage:         types.StopLossInitial,
			CurrentStop:   initialSL,
			HighWaterMark: entryPrice,
			UpdatedAt:     time.Now(),
		},
	}
}

// State returns the tracker's current stop-loss state.
func (t *StopTracker) State() types.StopLossState {
	return t.state
}

// favorableExcursionR returns how many R the current price has moved in the
// position's favor (negative if moved against).
func (t *StopTracker) favorableExcursionR(price decimal.Decimal) decimal.Decimal {
	if t.riskUnit.IsZero() {
		return decimal.Zero
	}
	var delta decimal.Decimal
	if t.side == types.OrderSideBuy {
		delta = price.Sub(t.entryPrice)
	} else {
		delta = t.entryPrice.Sub(price)
	}
	return delta.Div(t.riskUnit)
}

// Update advances the stop given the latest price, returning the (possibly
// unchanged) current stop. It must be called on every position-loop tick.
func (t *StopTracker) Update(price decimal.Decimal) decimal.Decimal {
	// Track the best price seen, direction-adjusted, regardless of stage.
	if t.side == types.OrderSideBuy {
		if price.GreaterThan(t.state.HighWaterMark) {
			t.state.HighWaterMark = price
		}
	} else {
		if t.state.HighWaterMark.IsZero() || price.LessThan(t.state.HighWaterMark) {
			t.state.HighWaterMark = price
		}
	}

	rMove := t.favorableExcursionR(price)

	switch t.state.Stage {
	case types.StopLossInitial:
		if t.breakevenAtR.IsPositive() && rMove.GreaterThanOrEqual(t.breakevenAtR) {
			t.state.Stage = types.StopLossBreakeven
			t.setStopFavorable(t.entryPrice)
		}
		fallthrough
	case types.StopLossBreakeven:
		if t.trailStartAtR.IsPositive() && rMove.GreaterThanOrEqual(t.trailStartAtR) {
			t.state.Stage = types.StopLossTrailing
			t.applyTrail()
		}
	case types.StopLossTrailing:
		t.applyTrail()
	}

	t.state.UpdatedAt = time.Now()
	return t.state.CurrentStop
}

// applyTrail recomputes the trailing stop from the current high-water mark
// and ratchets CurrentStop only in the favorable direction.
func (t *StopTracker) applyTrail() {
	if t.trailDistancePct.IsZero() {
		return
	}
	var candidate decimal.Decimal
	if t.side == types.OrderSideBuy {
		candidate = t.state.HighWaterMark.Mul(decimal.NewFromInt(1).Sub(t.trailDistancePct))
	} else {
		candidate = t.state.HighWaterMark.Mul(decimal.NewFromInt(1).Add(t.trailDistancePct))
	}
	t.setStopFavorable(candidate)
}

// setStopFavorable only moves CurrentStop toward the market (never against
// the position), per SPEC_FULL §4.6's monotonic-ratchet invariant.
func (t *StopTracker) setStopFavorable(candidate decimal.Decimal) {
	if t.side == types.OrderSideBuy {
		if candidate.GreaterThan(t.state.CurrentStop) {
			t.state.CurrentStop = candidate
		}
	} else {
		if t.state.CurrentStop.IsZero() || candidate.LessThan(t.state.CurrentStop) {
			t.state.CurrentStop = candidate
		}
	}
}

// Hit reports whether price has crossed the current stop, closing the
// position out.
func (t *StopTracker) Hit(price decimal.Decimal) bool {
	if t.side == types.OrderSideBuy {
		return price.LessThanOrEqual(t.state.CurrentStop)
	}
	return price.GreaterThanOrEqual(t.state.CurrentStop)
}
