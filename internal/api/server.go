// Package api is the operator control surface: a small HTTP router exposing
// pause/resume/close_all/kill commands, read-only status endpoints, the
// HMAC-verified external signal webhook and a WebSocket hub for live
// updates. Commands set flags the engine observes at loop boundaries; they
// never pre-empt in-flight orders.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/fenwick-trading/confluence-engine/internal/confluence"
	"github.com/fenwick-trading/confluence-engine/internal/engine"
	"github.com/fenwick-trading/confluence-engine/internal/execution"
	"github.com/fenwick-trading/confluence-engine/internal/risk"
	"github.com/fenwick-trading/confluence-engine/internal/store"
)

// Config covers the control server's listen address and webhook secret.
type Config struct {
	Addr             string
	WebhookSecret    string
	MaxTimestampSkew time.Duration
}

// Server wires the control router, webhook and WebSocket hub over the
// engine's collaborators.
type Server struct {
	logger   *zap.Logger
	cfg      Config
	engine   *engine.Engine
	executor *execution.Executor
	riskMgr  *risk.Manager
	ledger   *store.Store
	hub      *Hub

	httpServer *http.Server

	commandsTotal *prometheus.CounterVec
	webhooksTotal *prometheus.CounterVec
}

// NewServer builds the router. All collaborators are required except hub
// consumers; the hub is started internally.
func NewServer(logger *zap.Logger, cfg Config, eng *engine.Engine, exec *execution.Executor, riskMgr *risk.Manager, ledger *store.Store) *Server {
	if cfg.MaxTimestampSkew <= 0 {
		cfg.MaxTimestampSkew = 5 * time.Minute
	}
	s := &Server{
		logger:   logger.Named("api"),
		cfg:      cfg,
		engine:   eng,
		executor: exec,
		riskMgr:  riskMgr,
		ledger:   ledger,
		hub:      NewHub(logger),
		commandsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_control_commands_total",
			Help: "Operator control commands received, by command and outcome.",
		}, []string{"command", "outcome"}),
		webhooksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_signal_webhooks_total",
			Help: "External signal webhook deliveries, by outcome.",
		}, []string{"outcome"}),
	}

	router := mux.NewRouter()
	router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")
	router.HandleFunc("/api/v1/status", s.handleStatus).Methods("GET")
	router.HandleFunc("/api/v1/risk", s.handleRisk).Methods("GET")
	router.HandleFunc("/api/v1/positions", s.handlePositions).Methods("GET")
	router.HandleFunc("/api/v1/pnl", s.handlePnL).Methods("GET")
	router.HandleFunc("/api/v1/sessions", s.handleSessions).Methods("GET")
	router.HandleFunc("/api/v1/backtests", s.handleBacktests).Methods("GET")

	router.HandleFunc("/api/v1/control/pause", s.handlePause).Methods("POST")
	router.HandleFunc("/api/v1/control/resume", s.handleResume).Methods("POST")
	router.HandleFunc("/api/v1/control/close_all", s.handleCloseAll).Methods("POST")
	router.HandleFunc("/api/v1/control/kill", s.handleKill).Methods("POST")

	router.HandleFunc("/api/v1/webhook/signal", s.handleSignalWebhook).Methods("POST")
	router.HandleFunc("/api/v1/webhook/events", s.handleWebhookEvents).Methods("GET")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/ws", s.hub.handleUpgrade).Methods("GET")

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type", "X-Signature", "X-Timestamp"},
	}).Handler(router)

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control server listening", zap.String("addr", s.cfg.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// Hub exposes the broadcast hub so other components can push live updates.
func (s *Server) Hub() *Hub { return s.hub }

// Handler exposes the assembled HTTP handler, used by tests and by callers
// embedding the control surface into a larger mux.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("failed to encode response", zap.Error(err))
	}
}

// writeError sends a sanitized message only; internal detail stays in logs.
func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"paused": s.engine.IsPaused(),
		"time":   time.Now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	metrics := s.executor.GetMetrics()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"paused":         s.engine.IsPaused(),
		"opened":         metrics.Opened,
		"closed":         metrics.Closed,
		"rejected":       metrics.Rejected,
		"reconcileFixes": metrics.ReconcileFixes,
	})
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.riskMgr.GetReport())
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	open, err := s.ledger.OpenTrades(r.Context(), r.URL.Query().Get("pair"))
	if err != nil {
		s.logger.Error("open trades query failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "positions unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"positions": open})
}

func (s *Server) handlePnL(w http.ResponseWriter, r *http.Request) {
	stats, err := s.ledger.GetPerformanceStats(r.Context(), r.URL.Query().Get("tenant"))
	if err != nil {
		s.logger.Error("performance stats query failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// handleSessions reports realized performance bucketed by trading session,
// the data behind the confluence session multiplier.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	out := make([]any, 0, len(confluence.SessionWindows))
	for session, window := range confluence.SessionWindows {
		stats, err := s.ledger.SessionStats(r.Context(), session, window[0], window[1])
		if err != nil {
			s.logger.Error("session stats query failed", zap.String("session", session), zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "session stats unavailable")
			return
		}
		out = append(out, stats)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// handleWebhookEvents lists recent signal deliveries for auditing.
func (s *Server) handleWebhookEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.ledger.RecentWebhookEvents(r.Context(), 100)
	if err != nil {
		s.logger.Error("webhook event query failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "webhook events unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleBacktests lists the external tuner's published backtest runs.
func (s *Server) handleBacktests(w http.ResponseWriter, r *http.Request) {
	runs, err := s.ledger.ListBacktestRuns(r.Context(), 50)
	if err != nil {
		s.logger.Error("backtest run query failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "backtest runs unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

type controlRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "operator request"
	}
	s.engine.Pause(r.Context(), req.Reason)
	s.commandsTotal.WithLabelValues("pause", "ok").Inc()
	s.hub.BroadcastEvent("control", map[string]any{"command": "pause", "reason": req.Reason})
	s.writeJSON(w, http.StatusOK, map[string]any{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.engine.Resume(r.Context())
	s.commandsTotal.WithLabelValues("resume", "ok").Inc()
	s.hub.BroadcastEvent("control", map[string]any{"command": "resume"})
	s.writeJSON(w, http.StatusOK, map[string]any{"paused": false})
}

func (s *Server) handleCloseAll(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "operator request"
	}
	if err := s.executor.CloseAll(r.Context(), req.Reason); err != nil {
		s.logger.Error("close_all failed", zap.Error(err))
		s.commandsTotal.WithLabelValues("close_all", "error").Inc()
		s.writeError(w, http.StatusInternalServerError, "close_all failed")
		return
	}
	s.commandsTotal.WithLabelValues("close_all", "ok").Inc()
	s.hub.BroadcastEvent("control", map[string]any{"command": "close_all", "reason": req.Reason})
	s.writeJSON(w, http.StatusOK, map[string]any{"closed": true})
}

// handleKill closes every position, then pauses the engine and requests
// shutdown: positions first, stop second, per SPEC_FULL §7.
func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	if err := s.executor.CloseAll(r.Context(), "kill"); err != nil {
		s.logger.Error("kill: close_all failed", zap.Error(err))
	}
	s.engine.Pause(r.Context(), "kill")
	s.engine.Stop()
	s.commandsTotal.WithLabelValues("kill", "ok").Inc()
	s.hub.BroadcastEvent("control", map[string]any{"command": "kill"})
	s.writeJSON(w, http.StatusOK, map[string]any{"killed": true})
}
