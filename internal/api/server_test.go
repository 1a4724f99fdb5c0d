package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fenwick-trading/confluence-engine/internal/confluence"
	"github.com/fenwick-trading/confluence-engine/internal/engine"
	"github.com/fenwick-trading/confluence-engine/internal/execution"
	"github.com/fenwick-trading/confluence-engine/internal/marketdata"
	"github.com/fenwick-trading/confluence-engine/internal/risk"
	"github.com/fenwick-trading/confluence-engine/internal/store"
	"github.com/fenwick-trading/confluence-engine/internal/strategy"
	"github.com/fenwick-trading/confluence-engine/internal/venue"
	"github.com/fenwick-trading/confluence-engine/pkg/types"
)

const testSecret = "test-webhook-secret"

type stubAdapter struct{ mu sync.Mutex }

func (a *stubAdapter) Name() string { return "stub" }
func (a *stubAdapter) Connect(ctx context.Context, pairs []string, tfs []types.Timeframe) error {
	return nil
}
func (a *stubAdapter) Disconnect() error        { return nil }
func (a *stubAdapter) Connected() bool          { return true }
func (a *stubAdapter) OnBar(venue.BarHandler)   {}
func (a *stubAdapter) OnBook(venue.BookHandler) {}
func (a *stubAdapter) FetchCandles(ctx context.Context, pair string, tf types.Timeframe, limit int) ([]types.Bar, error) {
	return nil, nil
}
func (a *stubAdapter) PlaceOrder(ctx context.Context, order types.Order) (types.Order, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	order.ID = "stub-1"
	order.Status = types.OrderStatusFilled
	order.FilledQty = order.Quantity
	order.AvgFillPrice = order.Price
	return order, nil
}
func (a *stubAdapter) CancelOrder(ctx context.Context, pair, orderID string) error { return nil }
func (a *stubAdapter) GetOrder(ctx context.Context, pair, orderID string) (types.Order, error) {
	return types.Order{}, fmt.Errorf("not found")
}
func (a *stubAdapter) GetOpenOrders(ctx context.Context, pair string) ([]types.Order, error) {
	return nil, nil
}
func (a *stubAdapter) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (a *stubAdapter) GetPositions(ctx context.Context) ([]types.Position, error) { return nil, nil }
func (a *stubAdapter) ServerTime(ctx context.Context) (time.Time, error)          { return time.Now(), nil }

var (
	testServerOnce sync.Once
	testServer     *Server
	testEngine     *engine.Engine
	testLedger     *store.Store
)

// buildTestServer wires a real (paper) stack behind the control surface
// once per test binary, since the server registers prometheus collectors in
// the default registry.
func buildTestServer(t *testing.T) *Server {
	t.Helper()
	testServerOnce.Do(func() {
		logger := zap.NewNop()
		ledger, err := store.Open(context.Background(), "file:apitest?mode=memory&cache=shared", logger)
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		testLedger = ledger

		cache := marketdata.New(500, time.Minute, logger)
		cache.Warmup("BTCUSDT", types.Timeframe1m, []types.Bar{{
			Pair: "BTCUSDT", Timeframe: types.Timeframe1m,
			OpenTime: time.Now(), Open: decimal.NewFromInt(50000),
			High: decimal.NewFromInt(50000), Low: decimal.NewFromInt(50000),
			Close: decimal.NewFromInt(50000), Closed: true,
		}})

		registry := strategy.NewRegistry()
		guardrail := confluence.NewGuardrail(confluence.DefaultGuardrailConfig())
		detector := confluence.NewDetector(cache, registry, guardrail, nil, confluence.Config{
			Timeframes:            []types.Timeframe{types.Timeframe1m},
			PrimaryTimeframe:      types.Timeframe1m,
			MinTimeframeAgreement: 1,
			MinBarsWarmup:         1,
			MinConfidence:         decimal.NewFromFloat(0.6),
		}, logger)

		riskCfg := types.RiskConfig{
			InitialBankroll:    decimal.NewFromInt(10000),
			KellyFractionCap:   decimal.NewFromFloat(0.25),
			MaxKellySize:       decimal.NewFromFloat(0.2),
			MaxPositionUSD:     decimal.NewFromInt(500),
			MinRiskRewardRatio: decimal.NewFromFloat(1.0),
			BreakevenAtR:       decimal.NewFromFloat(1.0),
			TrailStartAtR:      decimal.NewFromFloat(1.5),
			TrailDistancePct:   decimal.NewFromFloat(0.005),
		}
		riskMgr := risk.NewManager(riskCfg, ledger, logger)
		adapter := &stubAdapter{}
		exec := execution.New(logger, execution.DefaultConfig(), riskCfg, adapter, ledger, riskMgr, nil, guardrail, registry, nil, cache)

		testEngine = engine.New(logger, engine.Config{
			Pairs:               []string{"BTCUSDT"},
			Timeframes:          []types.Timeframe{types.Timeframe1m},
			MinConfluenceVotes:  1,
			ExecConfidenceFloor: decimal.NewFromFloat(0.5),
			MinRiskRewardRatio:  decimal.NewFromFloat(1.0),
		}, cache, detector, nil, riskMgr, exec, adapter, ledger)

		testServer = NewServer(logger, Config{
			Addr:          ":0",
			WebhookSecret: testSecret,
		}, testEngine, exec, riskMgr, ledger)
	})
	return testServer
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(t *testing.T, s *Server, body []byte, signature string) map[string]any {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhook/signal", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", signature)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	out["_status"] = float64(rec.Code)
	return out
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	s := buildTestServer(t)
	body := []byte(`{"event_id":"evt_sig","pair":"BTCUSDT","direction":"long"}`)
	out := postWebhook(t, s, body, "deadbeef")
	if out["_status"].(float64) != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad signature, got %v", out["_status"])
	}
}

func TestWebhookIdempotentDelivery(t *testing.T) {
	s := buildTestServer(t)
	body, _ := json.Marshal(map[string]any{
		"event_id":    "evt_123",
		"pair":        "BTCUSDT",
		"direction":   "long",
		"confidence":  0.9,
		"strength":    0.8,
		"entry_price": 50000.0,
		"stop_loss":   49000.0,
		"take_profit": 52000.0,
		"provider":    "tradingview",
	})

	first := postWebhook(t, s, body, sign(body))
	if first["duplicate"] != false {
		t.Fatalf("first delivery flagged duplicate: %+v", first)
	}

	second := postWebhook(t, s, body, sign(body))
	if second["duplicate"] != true {
		t.Fatalf("second delivery not flagged duplicate: %+v", second)
	}

	// Exactly one side effect: at most one open trade for the pair.
	open, err := testLedger.OpenTrades(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("open trades: %v", err)
	}
	if len(open) > 1 {
		t.Fatalf("duplicate delivery produced a second trade")
	}
}

func TestPauseResumeControl(t *testing.T) {
	s := buildTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/control/pause", bytes.NewReader([]byte(`{"reason":"maintenance"}`)))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !testEngine.IsPaused() {
		t.Fatalf("expected pause to take effect, status=%d paused=%v", rec.Code, testEngine.IsPaused())
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/control/resume", nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || testEngine.IsPaused() {
		t.Fatalf("expected resume to clear pause, status=%d paused=%v", rec.Code, testEngine.IsPaused())
	}
}

func TestRiskEndpointServesReport(t *testing.T) {
	s := buildTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/risk", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var report map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("risk report not json: %v", err)
	}
}
