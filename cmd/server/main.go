// Package main boots the confluence trading engine: config, logger,
// instance lock, ledger, venue adapter, strategies, confluence detector,
// ML gate, risk manager, executor, scheduler and the operator control
// surface, then runs the engine under a top-level restart supervisor.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fenwick-trading/confluence-engine/internal/api"
	"github.com/fenwick-trading/confluence-engine/internal/confluence"
	"github.com/fenwick-trading/confluence-engine/internal/engine"
	"github.com/fenwick-trading/confluence-engine/internal/execution"
	"github.com/fenwick-trading/confluence-engine/internal/lockfile"
	"github.com/fenwick-trading/confluence-engine/internal/marketdata"
	"github.com/fenwick-trading/confluence-engine/internal/mlgate"
	"github.com/fenwick-trading/confluence-engine/internal/risk"
	"github.com/fenwick-trading/confluence-engine/internal/store"
	"github.com/fenwick-trading/confluence-engine/internal/strategy"
	"github.com/fenwick-trading/confluence-engine/internal/venue"
	"github.com/fenwick-trading/confluence-engine/pkg/types"
)

// maxEngineRestarts bounds the top-level supervisor before the process
// gives up and exits non-zero.
const maxEngineRestarts = 5

func main() {
	configPath := flag.String("config", "", "Path to config file (optional; env vars override file values)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.App.LogLevel, cfg.App.Environment)
	defer logger.Sync()

	logger.Info("starting confluence engine",
		zap.String("mode", cfg.App.Mode),
		zap.String("exchange", cfg.Exchange.Name),
		zap.Strings("pairs", cfg.Trading.Pairs))

	if err := run(cfg, logger); err != nil {
		logger.Fatal("engine exited", zap.Error(err))
	}
}

func run(cfg types.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	lock, err := lockfile.Acquire(filepath.Join(cfg.App.DataDir, "instance.lock"))
	if err != nil {
		return fmt.Errorf("another engine owns this data dir: %w", err)
	}
	defer lock.Release()

	ledger, err := store.Open(ctx, filepath.Join(cfg.App.DataDir, "engine.db"), logger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer ledger.Close()

	mirror := store.NewAnalyticsMirror(1024, logger)
	defer mirror.Close()

	adapter := buildAdapter(cfg, logger)
	timeframes := parseTimeframes(cfg.Trading.Timeframes)

	cache := marketdata.New(cfg.Trading.WarmupBars*3, cfg.Trading.StaleAfter, logger)
	cache.SetWhaleThreshold(cfg.AI.WhaleThresholdUSD)
	registry := strategy.NewRegistry()
	guardrail := confluence.NewGuardrail(confluence.GuardrailConfig{
		Window:          cfg.AI.GuardrailWindow,
		MinTrades:       cfg.AI.GuardrailMinTrades,
		MinWinRate:      cfg.AI.GuardrailMinWinRate,
		MinProfitFactor: cfg.AI.GuardrailMinProfitFactor,
		DisableFor:      time.Duration(cfg.AI.GuardrailDisableMinutes) * time.Minute,
	})
	sessionMul := buildSessionMultiplier(ledger)

	roundTripFee := cfg.Exchange.TakerFeePct.Mul(decimal.NewFromInt(2))
	detector := confluence.NewDetector(cache, registry, guardrail, sessionMul, confluence.Config{
		Timeframes:            timeframes,
		PrimaryTimeframe:      types.Timeframe(cfg.AI.PrimaryTimeframe),
		MinTimeframeAgreement: cfg.AI.MultiTimeframeMinAgreement,
		MinBarsWarmup:         cfg.Trading.WarmupBars,
		MinConfidence:         cfg.AI.MinConfidence,
		RoundTripFeePct:       roundTripFee,
		SureFireMinCount:      cfg.AI.SureFireMinCount,
		BookScoreThreshold:    cfg.AI.BookScoreThreshold,
		OBIThreshold:          cfg.AI.OBIThreshold,
		OBICountsAsConfluence: cfg.AI.OBICountsAsConfluence,
		DisabledStrategies:    cfg.AI.DisabledStrategies,
	}, logger)

	var gate *mlgate.Gate
	if cfg.AI.MLGateEnabled {
		gate = mlgate.NewGate(nil, mlgate.FeatureDims, cfg.AI.MinOnlineUpdates, cfg.AI.MLMinProbability)
	}

	riskMgr := risk.NewManager(cfg.Risk, ledger, logger)

	executor := execution.New(logger, execution.Config{
		Live:           cfg.App.Mode == "live",
		TenantID:       cfg.App.TenantID,
		FeePctPerSide:  cfg.Exchange.TakerFeePct,
		SlipPctPerSide: cfg.Exchange.PaperSlippagePct,
		QtyStep:        cfg.Exchange.QtyStep,
		MinQty:         cfg.Exchange.MinQty,
		MaxHold:        cfg.Trading.MaxHold,
	}, cfg.Risk, adapter, ledger, riskMgr, gate, guardrail, registry, mirror, cache)

	eng := engine.New(logger, engine.Config{
		Pairs:                           cfg.Trading.Pairs,
		Timeframes:                      timeframes,
		ScanInterval:                    cfg.Trading.ScanInterval,
		PositionLoopEvery:               cfg.Trading.PositionLoopEvery,
		CandlePollEvery:                 cfg.Trading.CandlePollEvery,
		HealthCheckInterval:             cfg.Monitoring.HealthInterval,
		CleanupInterval:                 time.Hour,
		Retention:                       cfg.Monitoring.Retention,
		StaleTickThreshold:              cfg.Monitoring.StaleTickThreshold,
		WSDisconnectPauseAfter:          cfg.Monitoring.WSDisconnectPauseAfter,
		ConsecutiveLossesPauseThreshold: cfg.Monitoring.ConsecutiveLossesPause,
		DrawdownPausePct:                cfg.Monitoring.DrawdownPausePct,
		EmergencyCloseOnPause:           cfg.Monitoring.EmergencyCloseOnPause,
		MinConfluenceVotes:              cfg.AI.MinConfluenceVotes,
		QuietHoursUTC:                   cfg.Trading.QuietHoursUTC,
		SoloStrategies:                  soloStrategies(cfg.AI),
		AllowAnySolo:                    cfg.AI.AllowAnySolo,
		SoloMinConfidence:               cfg.AI.SoloMinConfidence,
		ExecConfidenceFloor:             cfg.AI.ExecConfidence,
		MinRiskRewardRatio:              cfg.Risk.MinRiskRewardRatio,
		MaxSpreadPct:                    cfg.Trading.MaxSpreadPct,
		BookMaxAge:                      cfg.AI.BookMaxAge,
		MLGateEnabled:                   cfg.AI.MLGateEnabled,
	}, cache, detector, gate, riskMgr, executor, adapter, ledger)

	if err := executor.ReconcileStartup(ctx); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	server := api.NewServer(logger, api.Config{
		Addr:          cfg.Monitoring.ControlAddr,
		WebhookSecret: cfg.Monitoring.WebhookSecret,
	}, eng, executor, riskMgr, ledger)
	go func() {
		if err := server.Start(ctx); err != nil {
			logger.Error("control server failed", zap.Error(err))
		}
	}()

	scheduler := startCron(ctx, cfg, logger, ledger, gate)
	defer scheduler.Stop()

	return superviseEngine(ctx, eng, logger)
}

// superviseEngine restarts the whole engine with exponential backoff, per
// SPEC_FULL §4.5's top-level supervisor: never crash the process until the
// restart budget is spent.
func superviseEngine(ctx context.Context, eng *engine.Engine, logger *zap.Logger) error {
	backoff := 2 * time.Second
	for attempt := 0; ; attempt++ {
		err := eng.Start(ctx)
		if ctx.Err() != nil {
			logger.Info("shutdown signal received")
			return nil
		}
		if err == nil {
			return nil
		}
		if attempt+1 >= maxEngineRestarts {
			return fmt.Errorf("engine failed %d times, giving up: %w", attempt+1, err)
		}
		logger.Error("engine crashed, restarting",
			zap.Int("attempt", attempt+1), zap.Duration("backoff", backoff), zap.Error(err))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}
		backoff *= 2
		if backoff > time.Minute {
			backoff = time.Minute
		}
	}
}

// startCron schedules the background jobs outside the engine's hot path:
// the periodic online-model retrain from the ledger's labeled feature rows.
func startCron(ctx context.Context, cfg types.Config, logger *zap.Logger, ledger *store.Store, gate *mlgate.Gate) *cron.Cron {
	c := cron.New()
	if gate != nil && cfg.Monitoring.RetrainCron != "" {
		_, err := c.AddFunc(cfg.Monitoring.RetrainCron, func() {
			rows, err := ledger.LabeledFeatures(ctx, 5000)
			if err != nil {
				logger.Warn("retrain: labeled feature load failed", zap.Error(err))
				return
			}
			samples := make([]mlgate.TrainingSample, 0, len(rows))
			for _, row := range rows {
				if row.Label == nil {
					continue
				}
				samples = append(samples, mlgate.TrainingSample{Features: row.Features, Label: *row.Label})
			}
			gate.Retrain(samples)
			logger.Info("online model retrained", zap.Int("samples", len(samples)))
		})
		if err != nil {
			logger.Warn("invalid retrain schedule", zap.String("cron", cfg.Monitoring.RetrainCron), zap.Error(err))
		}
	}
	c.Start()
	return c
}

// soloStrategies maps the per-strategy solo allowances onto the engine's
// whitelist form.
func soloStrategies(ai types.AIConfig) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	if ai.AllowKeltnerSolo {
		threshold := ai.KeltnerSoloMinConfidence
		if threshold.IsZero() {
			threshold = ai.SoloMinConfidence
		}
		out["keltner_breakout"] = threshold
	}
	return out
}

func buildAdapter(cfg types.Config, logger *zap.Logger) venue.Adapter {
	feed := venue.NewBinanceAdapter(cfg.Exchange, logger)
	if cfg.App.Mode == "live" {
		return feed
	}
	return venue.NewPaperAdapter(feed, cfg.Exchange.PaperSlippagePct, nil, logger)
}

// buildSessionMultiplier maps trading sessions to their UTC hour windows
// and reads realized win rates from the ledger; sessions with fewer than 5
// closed trades stay neutral.
func buildSessionMultiplier(ledger *store.Store) *confluence.SessionMultiplier {
	return confluence.NewSessionMultiplier(func(session string) (float64, bool) {
		w, ok := confluence.SessionWindows[session]
		if !ok {
			return 0, false
		}
		rate, ok, err := ledger.WinRateBetweenUTCHours(context.Background(), w[0], w[1], 5)
		if err != nil || !ok {
			return 0, false
		}
		return rate, true
	})
}

// loadConfig overlays, in increasing precedence: built-in defaults, the
// optional config file, then ENGINE_-prefixed environment variables.
func loadConfig(path string) (types.Config, error) {
	cfg := types.DefaultConfig()

	v := viper.New()
	v.SetEnvPrefix("ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return cfg, err
			}
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg = cfg.ApplyCanary()
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg types.Config) error {
	switch cfg.App.Mode {
	case "paper":
	case "live":
		if cfg.Exchange.APIKey == "" || cfg.Exchange.APISecret == "" {
			return fmt.Errorf("live mode requires exchange credentials")
		}
	default:
		return fmt.Errorf("app.mode must be paper or live, got %q", cfg.App.Mode)
	}
	if len(cfg.Trading.Pairs) == 0 {
		return fmt.Errorf("trading.pairs must not be empty")
	}
	if len(cfg.Trading.Timeframes) == 0 {
		return fmt.Errorf("trading.timeframes must not be empty")
	}
	return nil
}

func parseTimeframes(raw []string) []types.Timeframe {
	out := make([]types.Timeframe, 0, len(raw))
	for _, tf := range raw {
		out = append(out, types.Timeframe(tf))
	}
	return out
}

func setupLogger(level, environment string) *zap.Logger {
	var zapCfg zap.Config
	if environment == "production" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	if parsed, err := zapcore.ParseLevel(level); err == nil {
		zapCfg.Level = zap.NewAtomicLevelAt(parsed)
	}
	logger, err := zapCfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
