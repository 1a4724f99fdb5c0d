package store

import (
	"context"
	"math"
	"sync"
	"time"
)

// PerformanceStats is the dashboard-facing summary SPEC_FULL §4.8 calls
// "get_performance_stats", computed from SQL-aggregated moments rather than
// pulling every trade row into the process.
type PerformanceStats struct {
	TradeCount      int
	WinCount        int
	WinRate         float64
	TotalPnL        float64
	MeanPnL         float64
	AvgWinLossRatio float64
	Sharpe          float64
	Sortino         float64
	ComputedAt      time.Time
}

type statsCacheEntry struct {
	stats     PerformanceStats
	expiresAt time.Time
}

// statsCacheTTL matches SPEC_FULL §4.8: "cached per tenant for 5 s".
const statsCacheTTL = 5 * time.Second

// statsCache holds, per tenant, the last computed PerformanceStats.
type statsCache struct {
	mu      sync.Mutex
	entries map[string]statsCacheEntry
}

func newStatsCache() *statsCache {
	return &statsCache{entries: make(map[string]statsCacheEntry)}
}

// GetPerformanceStats returns cached stats for tenant if fresh, else
// recomputes via a single SQL query that returns E[X], E[X^2], and the
// downside E[X^2] (X<0 only) in one pass, applying Bessel's correction and
// an annualization factor of sqrt(min(n, 2500)), per SPEC_FULL §4.8.
func (s *Store) GetPerformanceStats(ctx context.Context, tenantID string) (PerformanceStats, error) {
	if tenantID == "" {
		tenantID = "default"
	}
	s.statsOnce.Do(func() { s.stats = newStatsCache() })

	s.stats.mu.Lock()
	if e, ok := s.stats.entries[tenantID]; ok && time.Now().Before(e.expiresAt) {
		s.stats.mu.Unlock()
		return e.stats, nil
	}
	s.stats.mu.Unlock()

	stats, err := s.computePerformanceStats(ctx, tenantID)
	if err != nil {
		return PerformanceStats{}, err
	}

	s.stats.mu.Lock()
	s.stats.entries[tenantID] = statsCacheEntry{stats: stats, expiresAt: time.Now().Add(statsCacheTTL)}
	s.stats.mu.Unlock()
	return stats, nil
}

func (s *Store) computePerformanceStats(ctx context.Context, tenantID string) (PerformanceStats, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN CAST(pnl AS REAL) > 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CAST(pnl AS REAL)), 0),
			COALESCE(AVG(CAST(pnl AS REAL)), 0),
			COALESCE(AVG(CAST(pnl AS REAL) * CAST(pnl AS REAL)), 0),
			COALESCE(AVG(CASE WHEN CAST(pnl AS REAL) < 0 THEN CAST(pnl AS REAL) * CAST(pnl AS REAL) ELSE 0 END), 0),
			COALESCE(AVG(CASE WHEN CAST(pnl AS REAL) > 0 THEN CAST(pnl AS REAL) END), 0),
			COALESCE(AVG(CASE WHEN CAST(pnl AS REAL) < 0 THEN CAST(pnl AS REAL) END), 0)
		FROM trades WHERE tenant_id = ? AND status = 'closed'`, tenantID)

	var n int
	var wins int
	var sumPnL, meanPnL, meanSq, downsideMeanSq, avgWin, avgLoss float64
	if err := row.Scan(&n, &wins, &sumPnL, &meanPnL, &meanSq, &downsideMeanSq, &avgWin, &avgLoss); err != nil {
		return PerformanceStats{}, err
	}

	stats := PerformanceStats{
		TradeCount: n,
		WinCount:   wins,
		TotalPnL:   sumPnL,
		MeanPnL:    meanPnL,
		ComputedAt: time.Now(),
	}
	if n > 0 {
		stats.WinRate = float64(wins) / float64(n)
	}
	if avgLoss < 0 {
		stats.AvgWinLossRatio = avgWin / -avgLoss
	}
	if n < 2 {
		return stats, nil
	}

	// Bessel-corrected sample variance from E[X^2] - E[X]^2, scaled by n/(n-1).
	variance := (meanSq - meanPnL*meanPnL) * float64(n) / float64(n-1)
	annualization := math.Sqrt(float64(minInt(n, 2500)))
	if variance > 0 {
		stats.Sharpe = (meanPnL / math.Sqrt(variance)) * annualization
	}

	downsideVariance := downsideMeanSq * float64(n) / float64(n-1)
	if downsideVariance > 0 {
		stats.Sortino = (meanPnL / math.Sqrt(downsideVariance)) * annualization
	}
	return stats, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
