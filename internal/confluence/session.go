package confluence

import (
	"time"

	"github.com/shopspring/decimal"
)

// Session names, grounded on original_source/src/ai/session_analyzer.py's
// Asia/London/NewYork/Overlap bucketing by UTC hour.
const (
	SessionAsia    = "asia"
	SessionLondon  = "london"
	SessionNewYork = "new_york"
	SessionOverlap = "overlap" // London/New York overlap, historically highest liquidity
)

// SessionWindows maps each session to its [start, end) UTC hour window,
// wrapping past midnight where start > end. Overlap is carved out of both
// London and New York, so lookups by hour must check it first (CurrentSession
// does).
var SessionWindows = map[string][2]int{
	SessionAsia:    {22, 7},
	SessionLondon:  {7, 12},
	SessionOverlap: {12, 16},
	SessionNewYork: {16, 22},
}

// CurrentSession buckets t (converted to UTC) into a trading session.
func CurrentSession(t time.Time) string {
	h := t.UTC().Hour()
	switch {
	case h >= 12 && h < 16:
		return SessionOverlap
	case h >= 7 && h < 16:
		return SessionLondon
	case h >= 13 && h < 22:
		return SessionNewYork
	default:
		return SessionAsia
	}
}

// SessionMultiplier scales confluence scores by how well a session has
// historically performed, from a win-rate callback keyed by session name.
// Returns 1.0 (neutral) for sessions with no recorded history.
type SessionMultiplier struct {
	statsBySession func(session string) (winRate float64, hasData bool)
}

func NewSessionMultiplier(statsBySession func(session string) (float64, bool)) *SessionMultiplier {
	return &SessionMultiplier{statsBySession: statsBySession}
}

// Multiplier returns a scaling factor in [0.70, 1.15], linear in the
// session's historical win rate, or 1.0 if no history is available yet.
func (m *SessionMultiplier) Multiplier(t time.Time) decimal.Decimal {
	session := CurrentSession(t)
	if m.statsBySession == nil {
		return decimal.NewFromInt(1)
	}
	winRate, ok := m.statsBySession(session)
	if !ok {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromFloat(0.70 + 0.45*winRate)
}
