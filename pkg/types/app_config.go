package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config is the full, viper-loaded configuration surface for the engine.
// It is assembled once at startup (see cmd/server/main.go) and passed down
// by value/pointer to every constructor rather than read from a global.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Exchange   ExchangeConfig   `mapstructure:"exchange"`
	Trading    TradingConfig    `mapstructure:"trading"`
	AI         AIConfig         `mapstructure:"ai"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// AppConfig covers process-level concerns: identity, storage location, mode.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // "development" | "staging" | "production"
	Mode        string `mapstructure:"mode"`        // "paper" | "live"
	TenantID    string `mapstructure:"tenant_id"`
	DataDir     string `mapstructure:"data_dir"`
	LogLevel    string `mapstructure:"log_level"`
}

// ExchangeConfig configures the single venue this engine instance trades on.
type ExchangeConfig struct {
	Name             string          `mapstructure:"name"` // "binance"
	APIKey           string          `mapstructure:"api_key"`
	APISecret        string          `mapstructure:"api_secret"`
	Testnet          bool            `mapstructure:"testnet"`
	RESTBaseURL      string          `mapstructure:"rest_base_url"`
	WSBaseURL        string          `mapstructure:"ws_base_url"`
	RateLimitPerSec  int             `mapstructure:"rate_limit_per_sec"`
	RequestTimeout   time.Duration   `mapstructure:"request_timeout"`
	MakerFeePct      decimal.Decimal `mapstructure:"maker_fee_pct"`
	TakerFeePct      decimal.Decimal `mapstructure:"taker_fee_pct"`
	PaperSlippagePct decimal.Decimal `mapstructure:"paper_slippage_pct"`
	QtyStep          decimal.Decimal `mapstructure:"qty_step"`
	MinQty           decimal.Decimal `mapstructure:"min_qty"`
}

// TradingConfig covers pair universe, timeframes, scan cadence and position
// bookkeeping.
type TradingConfig struct {
	Pairs             []string        `mapstructure:"pairs"`
	Timeframes        []string        `mapstructure:"timeframes"`
	BaseTimeframe     string          `mapstructure:"base_timeframe"`
	ScanInterval      time.Duration   `mapstructure:"scan_interval"`
	PositionLoopEvery time.Duration   `mapstructure:"position_loop_every"`
	StaleAfter        time.Duration   `mapstructure:"stale_after"`
	WarmupBars        int             `mapstructure:"warmup_bars"`
	MaxOpenPositions  int             `mapstructure:"max_open_positions"`
	CooldownAfterExit time.Duration   `mapstructure:"cooldown_after_exit"`
	CandlePollEvery   time.Duration   `mapstructure:"candle_poll_every"`
	MaxSpreadPct      decimal.Decimal `mapstructure:"max_spread_pct"`
	MaxHold           time.Duration   `mapstructure:"max_hold"`
	QuietHoursUTC     []int           `mapstructure:"quiet_hours_utc"`

	// Canary mode trades a reduced pair set with tightened caps, for
	// validating a rollout before giving it the full universe.
	CanaryMode           bool            `mapstructure:"canary_mode"`
	CanaryPairs          []string        `mapstructure:"canary_pairs"`
	CanaryMaxPairs       int             `mapstructure:"canary_max_pairs"`
	CanaryMaxPositionUSD decimal.Decimal `mapstructure:"canary_max_position_usd"`
	CanaryMinConfidence  decimal.Decimal `mapstructure:"canary_min_confidence"`
	CanaryMinConfluence  int             `mapstructure:"canary_min_confluence"`
	CanaryScanInterval   time.Duration   `mapstructure:"canary_scan_interval"`
}

// AIConfig covers the confluence detector, order-book agreement, solo-mode
// permissions, the strategy guardrail and the ML gate.
type AIConfig struct {
	MinConfidence              decimal.Decimal `mapstructure:"min_confidence"`
	MinConfluenceVotes         int             `mapstructure:"min_confluence_votes"`
	ExecConfidence             decimal.Decimal `mapstructure:"exec_confidence"`
	MultiTimeframeMinAgreement int             `mapstructure:"multi_timeframe_min_agreement"`
	PrimaryTimeframe           string          `mapstructure:"primary_timeframe"`
	SureFireMinCount           int             `mapstructure:"sure_fire_min_count"`
	DisabledStrategies         []string        `mapstructure:"disabled_strategies"`

	OBIThreshold          decimal.Decimal `mapstructure:"obi_threshold"`
	BookScoreThreshold    decimal.Decimal `mapstructure:"book_score_threshold"`
	OBICountsAsConfluence bool            `mapstructure:"obi_counts_as_confluence"`
	BookMaxAge            time.Duration   `mapstructure:"book_max_age"`
	WhaleThresholdUSD     decimal.Decimal `mapstructure:"whale_threshold_usd"`

	AllowKeltnerSolo         bool            `mapstructure:"allow_keltner_solo"`
	AllowAnySolo             bool            `mapstructure:"allow_any_solo"`
	KeltnerSoloMinConfidence decimal.Decimal `mapstructure:"keltner_solo_min_confidence"`
	SoloMinConfidence        decimal.Decimal `mapstructure:"solo_min_confidence"`

	GuardrailWindow          int     `mapstructure:"guardrail_window"`
	GuardrailMinTrades       int     `mapstructure:"guardrail_min_trades"`
	GuardrailMinWinRate      float64 `mapstructure:"guardrail_min_win_rate"`
	GuardrailMinProfitFactor float64 `mapstructure:"guardrail_min_profit_factor"`
	GuardrailDisableMinutes  int     `mapstructure:"guardrail_disable_minutes"`

	MLGateEnabled    bool            `mapstructure:"ml_gate_enabled"`
	MLMinProbability decimal.Decimal `mapstructure:"ml_min_probability"`
	MinOnlineUpdates int             `mapstructure:"min_online_updates"`
	ModelPath        string          `mapstructure:"model_path"`
}

// RiskConfig drives internal/risk's ordered gates and sizing.
type RiskConfig struct {
	InitialBankroll              decimal.Decimal     `mapstructure:"initial_bankroll"`
	RiskPerTradePct              decimal.Decimal     `mapstructure:"risk_per_trade_pct"`
	KellyFractionCap             decimal.Decimal     `mapstructure:"kelly_fraction_cap"`
	MaxKellySize                 decimal.Decimal     `mapstructure:"max_kelly_size"`
	MaxPositionPct               decimal.Decimal     `mapstructure:"max_position_pct"`
	MaxPositionUSD               decimal.Decimal     `mapstructure:"max_position_usd"`
	MaxDailyLossPct              decimal.Decimal     `mapstructure:"max_daily_loss_pct"`
	MaxDrawdownPct               decimal.Decimal     `mapstructure:"max_drawdown_pct"`
	MaxConsecutiveLoss           int                 `mapstructure:"max_consecutive_loss"`
	MaxDailyTrades               int                 `mapstructure:"max_daily_trades"`
	MaxTradesPerHour             int                 `mapstructure:"max_trades_per_hour"`
	MaxCorrelatedRisk            decimal.Decimal     `mapstructure:"max_correlated_risk"`
	CorrelationGroups            map[string][]string `mapstructure:"correlation_groups"`
	BreakevenAtR                 decimal.Decimal     `mapstructure:"breakeven_at_r"`
	TrailStartAtR                decimal.Decimal     `mapstructure:"trail_start_at_r"`
	TrailDistancePct             decimal.Decimal     `mapstructure:"trail_distance_pct"`
	MinRiskRewardRatio           decimal.Decimal     `mapstructure:"min_risk_reward_ratio"`
	MaxConcurrentPositions       int                 `mapstructure:"max_concurrent_positions"`
	MaxTotalExposurePct          decimal.Decimal     `mapstructure:"max_total_exposure_pct"`
	PerPairCooldown              time.Duration       `mapstructure:"per_pair_cooldown"`
	GlobalCooldownOnLoss         time.Duration       `mapstructure:"global_cooldown_seconds_on_loss"`
	ConsecutiveLossesForCooldown int                 `mapstructure:"consecutive_losses_for_cooldown"`
	RiskOfRuinThreshold          decimal.Decimal     `mapstructure:"risk_of_ruin_threshold"`
}

// MonitoringConfig covers metrics/webhook/control-surface settings.
type MonitoringConfig struct {
	MetricsAddr            string          `mapstructure:"metrics_addr"`
	ControlAddr            string          `mapstructure:"control_addr"`
	WebhookSecret          string          `mapstructure:"webhook_secret"`
	HealthInterval         time.Duration   `mapstructure:"health_interval"`
	CleanupCron            string          `mapstructure:"cleanup_cron"`
	RetrainCron            string          `mapstructure:"retrain_cron"`
	Retention              time.Duration   `mapstructure:"retention"`
	StaleTickThreshold     int             `mapstructure:"stale_tick_threshold"`
	WSDisconnectPauseAfter time.Duration   `mapstructure:"ws_disconnect_pause_after"`
	ConsecutiveLossesPause int             `mapstructure:"consecutive_losses_pause"`
	DrawdownPausePct       decimal.Decimal `mapstructure:"drawdown_pause_pct"`
	EmergencyCloseOnPause  bool            `mapstructure:"emergency_close_on_pause"`
}

// ApplyCanary returns the effective configuration: unchanged when canary
// mode is off, otherwise the pair universe is cut to at most CanaryMaxPairs
// of CanaryPairs and the position/confidence/confluence/scan caps are
// tightened to the canary values where set.
func (c Config) ApplyCanary() Config {
	if !c.Trading.CanaryMode {
		return c
	}
	pairs := c.Trading.CanaryPairs
	if len(pairs) == 0 {
		pairs = c.Trading.Pairs
	}
	if max := c.Trading.CanaryMaxPairs; max > 0 && len(pairs) > max {
		pairs = pairs[:max]
	}
	c.Trading.Pairs = pairs
	if c.Trading.CanaryScanInterval > 0 {
		c.Trading.ScanInterval = c.Trading.CanaryScanInterval
	}
	if c.Trading.CanaryMaxPositionUSD.IsPositive() &&
		c.Trading.CanaryMaxPositionUSD.LessThan(c.Risk.MaxPositionUSD) {
		c.Risk.MaxPositionUSD = c.Trading.CanaryMaxPositionUSD
	}
	if c.Trading.CanaryMinConfidence.GreaterThan(c.AI.ExecConfidence) {
		c.AI.ExecConfidence = c.Trading.CanaryMinConfidence
	}
	if c.Trading.CanaryMinConfluence > c.AI.MinConfluenceVotes {
		c.AI.MinConfluenceVotes = c.Trading.CanaryMinConfluence
	}
	return c
}

// DefaultConfig returns sane defaults; viper overlays env/file values on top.
func DefaultConfig() Config {
	return Config{
		App: AppConfig{
			Name:        "confluence-engine",
			Environment: "development",
			Mode:        "paper",
			DataDir:     "./data",
			LogLevel:    "info",
		},
		Exchange: ExchangeConfig{
			Name:             "binance",
			Testnet:          true,
			RateLimitPerSec:  10,
			RequestTimeout:   10 * time.Second,
			MakerFeePct:      decimal.NewFromFloat(0.001),
			TakerFeePct:      decimal.NewFromFloat(0.001),
			PaperSlippagePct: decimal.NewFromFloat(0.0005),
			QtyStep:          decimal.NewFromFloat(0.00001),
			MinQty:           decimal.NewFromFloat(0.00001),
		},
		Trading: TradingConfig{
			Pairs:             []string{"BTCUSDT", "ETHUSDT"},
			Timeframes:        []string{"1m", "5m", "15m", "30m", "1h"},
			BaseTimeframe:     "1m",
			ScanInterval:      30 * time.Second,
			PositionLoopEvery: 2 * time.Second,
			StaleAfter:        2 * time.Minute,
			WarmupBars:        200,
			MaxOpenPositions:  5,
			CooldownAfterExit: 5 * time.Minute,
			CandlePollEvery:   time.Minute,
			MaxSpreadPct:      decimal.NewFromFloat(0.003),
		},
		AI: AIConfig{
			MinConfidence:              decimal.NewFromFloat(0.6),
			MinConfluenceVotes:         2,
			ExecConfidence:             decimal.NewFromFloat(0.55),
			MultiTimeframeMinAgreement: 2,
			PrimaryTimeframe:           "1m",
			SureFireMinCount:           3,
			OBIThreshold:               decimal.NewFromFloat(0.3),
			BookScoreThreshold:         decimal.NewFromFloat(0.25),
			OBICountsAsConfluence:      false,
			BookMaxAge:                 30 * time.Second,
			WhaleThresholdUSD:          decimal.NewFromInt(100000),
			KeltnerSoloMinConfidence:   decimal.NewFromFloat(0.75),
			SoloMinConfidence:          decimal.NewFromFloat(0.8),
			GuardrailWindow:            30,
			GuardrailMinTrades:         20,
			GuardrailMinWinRate:        0.35,
			GuardrailMinProfitFactor:   0.85,
			GuardrailDisableMinutes:    120,
			MLGateEnabled:              false,
			MLMinProbability:           decimal.NewFromFloat(0.55),
			MinOnlineUpdates:           50,
		},
		Risk: RiskConfig{
			InitialBankroll:              decimal.NewFromInt(10000),
			RiskPerTradePct:              decimal.NewFromFloat(0.01),
			KellyFractionCap:             decimal.NewFromFloat(0.25),
			MaxKellySize:                 decimal.NewFromFloat(0.2),
			MaxPositionPct:               decimal.NewFromFloat(0.2),
			MaxPositionUSD:               decimal.NewFromInt(500),
			MaxDailyLossPct:              decimal.NewFromFloat(0.03),
			MaxDrawdownPct:               decimal.NewFromFloat(0.15),
			MaxConsecutiveLoss:           4,
			MaxDailyTrades:               30,
			MaxTradesPerHour:             0,
			MaxCorrelatedRisk:            decimal.NewFromFloat(0.3),
			BreakevenAtR:                 decimal.NewFromFloat(1.0),
			TrailStartAtR:                decimal.NewFromFloat(1.5),
			TrailDistancePct:             decimal.NewFromFloat(0.01),
			MinRiskRewardRatio:           decimal.NewFromFloat(1.2),
			MaxConcurrentPositions:       5,
			MaxTotalExposurePct:          decimal.NewFromFloat(0.5),
			PerPairCooldown:              5 * time.Minute,
			GlobalCooldownOnLoss:         15 * time.Minute,
			ConsecutiveLossesForCooldown: 3,
			RiskOfRuinThreshold:          decimal.NewFromFloat(0.05),
		},
		Monitoring: MonitoringConfig{
			MetricsAddr:            ":9090",
			ControlAddr:            ":8090",
			HealthInterval:         15 * time.Second,
			CleanupCron:            "0 * * * *",
			RetrainCron:            "0 3 * * 0",
			Retention:              7 * 24 * time.Hour,
			StaleTickThreshold:     3,
			WSDisconnectPauseAfter: 2 * time.Minute,
			ConsecutiveLossesPause: 6,
			DrawdownPausePct:       decimal.NewFromFloat(0.15),
			EmergencyCloseOnPause:  false,
		},
	}
}
