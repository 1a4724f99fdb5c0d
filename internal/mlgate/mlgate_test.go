package mlgate

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

type fixedBatch struct {
	prob float64
	err  error
}

func (f fixedBatch) Predict(Features) (float64, error) { return f.prob, f.err }

func TestScoreUsesBatchAloneBeforeOnlineWarmsUp(t *testing.T) {
	g := NewGate(fixedBatch{prob: 0.7}, 3, 50, decimal.NewFromFloat(0.55))
	// Zero online updates: the batch prediction must pass through untouched.
	got := g.Score(Features{0.5, 0.5, 2})
	if !got.Equal(decimal.NewFromFloat(0.7)) {
		t.Fatalf("expected batch-only score 0.7, got %s", got)
	}
}

func TestScoreFallsBackToOnlineWhenBatchAbsent(t *testing.T) {
	g := NewGate(nil, 3, 50, decimal.NewFromFloat(0.55))
	got := g.Score(Features{0, 0, 0})
	// Untrained logistic regression: sigmoid(0) = 0.5 exactly.
	if !got.Equal(decimal.NewFromFloat(0.5)) {
		t.Fatalf("expected untrained online score 0.5, got %s", got)
	}
}

func TestScoreFallsBackToOnlineOnBatchError(t *testing.T) {
	g := NewGate(fixedBatch{err: errors.New("model file missing")}, 3, 50, decimal.NewFromFloat(0.55))
	got := g.Score(Features{0, 0, 0})
	if !got.Equal(decimal.NewFromFloat(0.5)) {
		t.Fatalf("expected online fallback 0.5 on batch error, got %s", got)
	}
}

func TestScoreBlendsOnceOnlineHasEnoughUpdates(t *testing.T) {
	g := NewGate(fixedBatch{prob: 0.8}, 3, 5, decimal.NewFromFloat(0.55))
	winner := Features{1, 1, 1}
	for i := 0; i < 5; i++ {
		g.RecordOutcome(winner, decimal.NewFromInt(10))
	}
	blended := g.Score(winner)
	onlineProb := g.online.predict(winner)
	want := decimal.NewFromFloat(0.6*0.8 + 0.4*onlineProb)
	if !blended.Equal(want) {
		t.Fatalf("expected 0.6*base+0.4*online = %s, got %s", want, blended)
	}
}

func TestOnlineLearnerMovesTowardOutcomes(t *testing.T) {
	g := NewGate(nil, 2, 1, decimal.NewFromFloat(0.5))
	good := Features{1.0, 0.9}
	bad := Features{-1.0, -0.9}
	for i := 0; i < 200; i++ {
		g.RecordOutcome(good, decimal.NewFromInt(10))
		g.RecordOutcome(bad, decimal.NewFromInt(-10))
	}
	if !g.Score(good).GreaterThan(g.Score(bad)) {
		t.Fatalf("online learner failed to separate good from bad features")
	}
	if !g.Allow(good) {
		t.Fatalf("expected the winning feature vector to clear the gate")
	}
}

func TestRetrainRebuildsFromHistory(t *testing.T) {
	g := NewGate(nil, 2, 1, decimal.NewFromFloat(0.5))
	samples := make([]TrainingSample, 0, 200)
	for i := 0; i < 100; i++ {
		samples = append(samples, TrainingSample{Features: Features{1, 1}, Label: 1})
		samples = append(samples, TrainingSample{Features: Features{-1, -1}, Label: 0})
	}
	g.Retrain(samples)
	if !g.Score(Features{1, 1}).GreaterThan(g.Score(Features{-1, -1})) {
		t.Fatalf("retrained model failed to separate the classes")
	}
}
