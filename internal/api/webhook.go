package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fenwick-trading/confluence-engine/pkg/types"
)

// signalPayload is the external-signal webhook body from SPEC_FULL §6.
type signalPayload struct {
	Pair       string   `json:"pair"`
	Direction  string   `json:"direction"` // long|short|buy|sell
	Confidence *float64 `json:"confidence,omitempty"`
	Strength   *float64 `json:"strength,omitempty"`
	EntryPrice *float64 `json:"entry_price,omitempty"`
	StopLoss   *float64 `json:"stop_loss,omitempty"`
	TakeProfit *float64 `json:"take_profit,omitempty"`
	StopPct    *float64 `json:"stop_pct,omitempty"`
	Strategy   string   `json:"strategy,omitempty"`
	Provider   string   `json:"provider,omitempty"`
	Timestamp  int64    `json:"timestamp,omitempty"`
	EventID    string   `json:"event_id"`
}

// handleSignalWebhook verifies an external signal delivery (HMAC over the
// raw body, bounded timestamp skew, event_id idempotency) and injects the
// accepted signal into the engine's gating pipeline as a synthetic
// one-signal confluence.
func (s *Server) handleSignalWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		s.webhooksTotal.WithLabelValues("bad_body").Inc()
		s.writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if !s.verifySignature(body, r.Header.Get("X-Signature")) {
		s.webhooksTotal.WithLabelValues("bad_signature").Inc()
		s.writeError(w, http.StatusUnauthorized, "signature mismatch")
		return
	}

	var payload signalPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		s.webhooksTotal.WithLabelValues("bad_json").Inc()
		s.writeError(w, http.StatusBadRequest, "malformed payload")
		return
	}
	if payload.EventID == "" || payload.Pair == "" {
		s.webhooksTotal.WithLabelValues("missing_fields").Inc()
		s.writeError(w, http.StatusBadRequest, "event_id and pair are required")
		return
	}

	if payload.Timestamp > 0 {
		skew := time.Since(time.Unix(payload.Timestamp, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > s.cfg.MaxTimestampSkew {
			s.webhooksTotal.WithLabelValues("stale_timestamp").Inc()
			s.writeError(w, http.StatusBadRequest, "timestamp outside accepted window")
			return
		}
	}

	side, ok := parseDirection(payload.Direction)
	if !ok {
		s.webhooksTotal.WithLabelValues("bad_direction").Inc()
		s.writeError(w, http.StatusBadRequest, "unrecognized direction")
		return
	}

	duplicate, err := s.ledger.RecordWebhookEvent(r.Context(), payload.EventID, payload.Provider, payload.Pair, string(side))
	if err != nil {
		s.logger.Error("webhook idempotency check failed", zap.Error(err))
		s.webhooksTotal.WithLabelValues("store_error").Inc()
		s.writeError(w, http.StatusInternalServerError, "delivery not recorded")
		return
	}
	if duplicate {
		s.webhooksTotal.WithLabelValues("duplicate").Inc()
		s.writeJSON(w, http.StatusOK, map[string]any{"duplicate": true})
		return
	}

	executed, reason := s.engine.InjectSignal(r.Context(), buildSyntheticSignal(payload, side))
	outcome := "rejected"
	if executed {
		outcome = "executed"
	}
	s.webhooksTotal.WithLabelValues(outcome).Inc()
	s.hub.BroadcastEvent("webhook_signal", map[string]any{
		"eventId": payload.EventID, "pair": payload.Pair, "outcome": outcome, "reason": reason,
	})
	s.writeJSON(w, http.StatusOK, map[string]any{"duplicate": false, "executed": executed, "reason": reason})
}

// verifySignature checks an HMAC-SHA256 hex digest of the raw body.
func (s *Server) verifySignature(body []byte, signature string) bool {
	if s.cfg.WebhookSecret == "" {
		return false // unset secret means the webhook surface is disabled
	}
	mac := hmac.New(sha256.New, []byte(s.cfg.WebhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

func parseDirection(d string) (types.OrderSide, bool) {
	switch strings.ToLower(d) {
	case "long", "buy":
		return types.OrderSideBuy, true
	case "short", "sell":
		return types.OrderSideSell, true
	default:
		return "", false
	}
}

// buildSyntheticSignal wraps a webhook payload as a one-contributor
// confluence signal so it flows through the standard gate.
func buildSyntheticSignal(p signalPayload, side types.OrderSide) types.ConfluenceSignal {
	strategyName := p.Strategy
	if strategyName == "" {
		strategyName = "webhook"
	}
	confidence := decimal.NewFromFloat(0.6)
	if p.Confidence != nil {
		confidence = decimal.NewFromFloat(*p.Confidence)
	}
	strength := decimal.NewFromFloat(0.6)
	if p.Strength != nil {
		strength = decimal.NewFromFloat(*p.Strength)
	}

	var entry, stopLoss, takeProfit decimal.Decimal
	if p.EntryPrice != nil {
		entry = decimal.NewFromFloat(*p.EntryPrice)
	}
	if p.StopLoss != nil {
		stopLoss = decimal.NewFromFloat(*p.StopLoss)
	} else if p.StopPct != nil && !entry.IsZero() {
		pct := decimal.NewFromFloat(*p.StopPct)
		if side == types.OrderSideBuy {
			stopLoss = entry.Mul(decimal.NewFromInt(1).Sub(pct))
		} else {
			stopLoss = entry.Mul(decimal.NewFromInt(1).Add(pct))
		}
	}
	if p.TakeProfit != nil {
		takeProfit = decimal.NewFromFloat(*p.TakeProfit)
	}

	now := time.Now()
	return types.ConfluenceSignal{
		Pair:       p.Pair,
		Side:       side,
		Score:      strength,
		Confidence: confidence,
		EntryPrice: entry,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		Contributors: []types.StrategySignal{{
			Strategy:    strategyName,
			Pair:        p.Pair,
			Side:        side,
			Strength:    strength,
			Confidence:  confidence,
			EntryPrice:  entry,
			StopLoss:    stopLoss,
			TakeProfit:  takeProfit,
			Reason:      "external signal via " + p.Provider,
			GeneratedAt: now,
		}},
		GeneratedAt: now,
	}
}
