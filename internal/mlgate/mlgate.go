// Package mlgate provides the probability-of-success gate a confluence
// signal passes through before reaching internal/risk. It blends a batch
// model's offline prediction with an online logistic-regression learner
// that updates on every closed trade, per SPEC_FULL §4.5. No pure-Go
// inference runtime was available in the retrieved examples, so the batch
// side is a plain interface the caller wires up to whatever produced the
// model artifact at ai.model_path; this package owns only the blend and the
// online learner.
package mlgate

import (
	"math"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/fenwick-trading/confluence-engine/pkg/types"
)

// Features is the fixed-width feature vector fed to both the batch model
// and the online learner, derived from a ConfluenceSignal and its market
// context by the caller.
type Features []float64

// BatchPredictor is implemented by whatever loads the offline-trained model
// artifact. Its absence (nil) degrades the gate to the online learner alone.
type BatchPredictor interface {
	Predict(f Features) (probability float64, err error)
}

// onlineModel is a minimal online logistic regression trained by SGD on
// realized trade outcomes, in the idiom of internal/learning/feedback.go's
// incremental-update shape.
type onlineModel struct {
	mu      sync.Mutex
	weights []float64
	bias    float64
	lr      float64
	updates int
}

func newOnlineModel(dims int, learningRate float64) *onlineModel {
	return &onlineModel{weights: make([]float64, dims), lr: learningRate}
}

func sigmoid(z float64) float64 { return 1.0 / (1.0 + math.Exp(-z)) }

func (m *onlineModel) predict(f Features) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.predictLocked(f)
}

func (m *onlineModel) predictLocked(f Features) float64 {
	z := m.bias
	for i, x := range f {
		if i < len(m.weights) {
			z += m.weights[i] * x
		}
	}
	return sigmoid(z)
}

// update applies one SGD step given features f and a binary outcome label
// (1 = profitable trade, 0 = loss).
func (m *onlineModel) update(f Features, label float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pred := m.predictLocked(f)
	err := label - pred
	for i := range m.weights {
		if i < len(f) {
			m.weights[i] += m.lr * err * f[i]
		}
	}
	m.bias += m.lr * err
	m.updates++
}

// Gate blends a batch predictor (if present) with an online-learned model,
// weighting the online model in only once it has seen MinOnlineUpdates
// labeled trades, per the config knob resolved in SPEC_FULL §9.
type Gate struct {
	batch            BatchPredictor
	online           *onlineModel
	minOnlineUpdates int
	minProbability   decimal.Decimal
}

// NewGate constructs a gate. batch may be nil if no offline model is
// configured, in which case the gate runs purely on the online learner.
func NewGate(batch BatchPredictor, featureDims int, minOnlineUpdates int, minProbability decimal.Decimal) *Gate {
	return &Gate{
		batch:            batch,
		online:           newOnlineModel(featureDims, 0.01),
		minOnlineUpdates: minOnlineUpdates,
		minProbability:   minProbability,
	}
}

// Score returns the blended probability that a signal with these features
// will be profitable.
func (g *Gate) Score(f Features) decimal.Decimal {
	onlineProb := g.online.predict(f)
	g.online.mu.Lock()
	seen := g.online.updates
	g.online.mu.Unlock()

	if g.batch == nil {
		return decimal.NewFromFloat(onlineProb)
	}
	batchProb, err := g.batch.Predict(f)
	if err != nil {
		return decimal.NewFromFloat(onlineProb)
	}
	if seen < g.minOnlineUpdates {
		return decimal.NewFromFloat(batchProb)
	}
	// Batch-weighted blend once the online model has enough signal of its
	// own: 0.6·base + 0.4·online.
	return decimal.NewFromFloat(0.6*batchProb + 0.4*onlineProb)
}

// Allow reports whether a signal's blended score clears the configured
// minimum probability.
func (g *Gate) Allow(f Features) bool {
	return g.Score(f).GreaterThanOrEqual(g.minProbability)
}

// RecordOutcome feeds a closed trade's features and realized PnL back into
// the online learner.
func (g *Gate) RecordOutcome(f Features, pnl decimal.Decimal) {
	label := 0.0
	if pnl.IsPositive() {
		label = 1.0
	}
	g.online.update(f, label)
}

// TrainingSample is one labeled historical trade outcome.
type TrainingSample struct {
	Features Features
	Label    int
}

// Retrain rebuilds the online model from scratch over a labeled history,
// the periodic catch-up path driven by the retrain schedule: a restart
// loses the in-memory weights, and replaying the ledger's labeled feature
// rows recovers them.
func (g *Gate) Retrain(samples []TrainingSample) {
	if len(samples) == 0 {
		return
	}
	fresh := newOnlineModel(len(g.online.weights), g.online.lr)
	for _, sample := range samples {
		fresh.update(sample.Features, float64(sample.Label))
	}
	g.online.mu.Lock()
	g.online.weights = fresh.weights
	g.online.bias = fresh.bias
	g.online.updates = fresh.updates
	g.online.mu.Unlock()
}

// FeatureDims is the width of the vector BuildFeatures produces; the gate
// must be constructed with this so prediction and training agree.
const FeatureDims = 6

// BuildFeatures derives a feature vector from a confluence signal; kept in
// this package so the vector layout used for prediction and for training
// never drifts apart.
func BuildFeatures(sig types.ConfluenceSignal) Features {
	score, _ := sig.Score.Float64()
	conf, _ := sig.Confidence.Float64()
	obi, _ := sig.OBI.Float64()
	bookScore, _ := sig.BookScore.Float64()
	sureFire := 0.0
	if sig.IsSureFire {
		sureFire = 1.0
	}
	return Features{score, conf, float64(sig.ConfluenceCount), obi, bookScore, sureFire}
}
