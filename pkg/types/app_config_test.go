package types

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestApplyCanaryIsNoOpWhenDisabled(t *testing.T) {
	cfg := DefaultConfig()
	got := cfg.ApplyCanary()
	if len(got.Trading.Pairs) != len(cfg.Trading.Pairs) {
		t.Fatalf("canary-off must not change the pair universe")
	}
	if !got.Risk.MaxPositionUSD.Equal(cfg.Risk.MaxPositionUSD) {
		t.Fatalf("canary-off must not change position caps")
	}
}

func TestApplyCanaryTightensCaps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Trading.CanaryMode = true
	cfg.Trading.CanaryPairs = []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}
	cfg.Trading.CanaryMaxPairs = 2
	cfg.Trading.CanaryMaxPositionUSD = decimal.NewFromInt(100)
	cfg.Trading.CanaryMinConfidence = decimal.NewFromFloat(0.7)
	cfg.Trading.CanaryMinConfluence = 3
	cfg.Trading.CanaryScanInterval = 10 * time.Second

	got := cfg.ApplyCanary()
	if len(got.Trading.Pairs) != 2 {
		t.Fatalf("expected pair set cut to canary_max_pairs, got %d", len(got.Trading.Pairs))
	}
	if !got.Risk.MaxPositionUSD.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected tightened position cap, got %s", got.Risk.MaxPositionUSD)
	}
	if !got.AI.ExecConfidence.Equal(decimal.NewFromFloat(0.7)) {
		t.Fatalf("expected raised confidence floor, got %s", got.AI.ExecConfidence)
	}
	if got.AI.MinConfluenceVotes != 3 {
		t.Fatalf("expected raised confluence requirement, got %d", got.AI.MinConfluenceVotes)
	}
	if got.Trading.ScanInterval != 10*time.Second {
		t.Fatalf("expected canary scan interval, got %s", got.Trading.ScanInterval)
	}
}

func TestApplyCanaryNeverLoosensCaps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Trading.CanaryMode = true
	cfg.Trading.CanaryPairs = []string{"BTCUSDT"}
	cfg.Trading.CanaryMaxPositionUSD = cfg.Risk.MaxPositionUSD.Mul(decimal.NewFromInt(10))
	cfg.Trading.CanaryMinConfidence = decimal.NewFromFloat(0.1)

	got := cfg.ApplyCanary()
	if !got.Risk.MaxPositionUSD.Equal(cfg.Risk.MaxPositionUSD) {
		t.Fatalf("canary must never raise the position cap")
	}
	if !got.AI.ExecConfidence.Equal(cfg.AI.ExecConfidence) {
		t.Fatalf("canary must never lower the confidence floor")
	}
}
