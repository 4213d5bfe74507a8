package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ExchangeConfig   ExchangeConfig   `json:"exchange"`
	TradingConfig    TradingConfig    `json:"trading"`
	StrategiesConfig StrategiesConfig `json:"strategies"`
	RegimeConfig     RegimeConfig     `json:"regime"`
	FiscoConfig      FiscoConfig      `json:"fisco"`
	NotifyConfig     NotifyConfig     `json:"notifications"`
	TelegramConfig   TelegramConfig   `json:"telegram"`
	SchedulerConfig  SchedulerConfig  `json:"scheduler"`
	ServerConfig     ServerConfig     `json:"server"`
	AuthConfig       AuthConfig       `json:"auth"`
	VaultConfig      VaultConfig      `json:"vault"`
	DatabaseConfig   DatabaseConfig   `json:"database"`
	RedisConfig      RedisConfig      `json:"redis"`
	LoggingConfig    LoggingConfig    `json:"logging"`
}

// ExchangeConfig selects the trading venue and holds per-venue credentials.
// Market data always comes from Kraken regardless of the trading venue.
type ExchangeConfig struct {
	TradingVenue string      `json:"trading_venue"` // "kraken" or "revolutx"
	Kraken       VenueConfig `json:"kraken"`
	RevolutX     VenueConfig `json:"revolutx"`
}

type VenueConfig struct {
	Enabled   bool   `json:"enabled"`
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	BaseURL   string `json:"base_url"`
}

type TradingConfig struct {
	Strategy            string   `json:"strategy"`   // momentum, meanrev, scalping, grid
	RiskLevel           string   `json:"risk_level"` // low, medium, high
	ActivePairs         []string `json:"active_pairs"`
	RiskPerTradePct     float64  `json:"risk_per_trade_pct"`
	MinConfidence       float64  `json:"min_confidence"`
	StopLossPct         float64  `json:"stop_loss_pct"`
	TakeProfitPct       float64  `json:"take_profit_pct"`
	BreakEvenArmPct     float64  `json:"break_even_arm_pct"`
	BreakEvenLockPct    float64  `json:"break_even_lock_pct"`
	TrailingArmPct      float64  `json:"trailing_arm_pct"`
	TrailingDistancePct float64  `json:"trailing_distance_pct"`
	TrailingStopEnabled bool     `json:"trailing_stop_enabled"` // off: TP fires instead of trailing
	MaxPairExposurePct  float64  `json:"max_pair_exposure_pct"`
	MaxTotalExposurePct float64  `json:"max_total_exposure_pct"`
	DailyLossLimitPct   float64  `json:"daily_loss_limit_pct"`
	TickIntervalMs      int      `json:"tick_interval_ms"`
	OrderTimeoutSec     int      `json:"order_timeout_sec"`
	CooldownSec         int      `json:"cooldown_sec"` // per-pair re-entry cooldown after an exit
	DryRun              bool     `json:"dry_run"`
	PositionMode        string   `json:"position_mode"` // SINGLE or SMART_GUARD
	RouterEnabled       bool     `json:"router_enabled"`
	DefaultMarkupPct    float64  `json:"default_markup_pct"` // used until the markup tracker has samples
	ReconcileEveryTicks int      `json:"reconcile_every_ticks"`
}

// StrategiesConfig holds the per-strategy tuning knobs.
type StrategiesConfig struct {
	Momentum MomentumConfig `json:"momentum"`
	MeanRev  MeanRevConfig  `json:"meanrev"`
	Scalping ScalpingConfig `json:"scalping"`
	Grid     GridConfig     `json:"grid"`
}

type MomentumConfig struct {
	MinVolumeFactor float64 `json:"min_volume_factor"` // volume vs its SMA20, e.g. 0.5
}

type MeanRevConfig struct {
	RSIOversold   float64 `json:"rsi_oversold"`
	RSIOverbought float64 `json:"rsi_overbought"`
	MinDeviationZ float64 `json:"min_deviation_z"` // distance from EMA50 in stdevs
}

type ScalpingConfig struct {
	MinATRPct       float64 `json:"min_atr_pct"` // ATR as %% of price
	MinVolumeFactor float64 `json:"min_volume_factor"`
}

type GridConfig struct {
	Levels         int     `json:"levels"`
	ATRSpacingMult float64 `json:"atr_spacing_mult"`
	SwingLookback  int     `json:"swing_lookback"` // candles scanned for support/resistance
}

// RegimeConfig holds the regime detector thresholds. VOLATILE thresholds are
// deliberately tunable; the defaults are conservative.
type RegimeConfig struct {
	ADXTrendMin       float64 `json:"adx_trend_min"`        // ADX above this reads as TREND
	BBWidthRangeMax   float64 `json:"bb_width_range_max"`   // band width %% below this reads as RANGE
	VolatileATRPct    float64 `json:"volatile_atr_pct"`     // ATR/price %% above this reads as VOLATILE
	VolatileBBWidth   float64 `json:"volatile_bb_width"`    // band width %% above this reads as VOLATILE
	MinCandles        int     `json:"min_candles"`          // below this the regime is UNKNOWN
	VolatileSizeScale float64 `json:"volatile_size_scale"`  // position size multiplier under VOLATILE
	VolatileConfAdd   float64 `json:"volatile_conf_add"`    // confidence threshold bump under VOLATILE
	UnknownConfAdd    float64 `json:"unknown_conf_add"`     // confidence threshold bump under UNKNOWN
}

type FiscoConfig struct {
	Enabled       bool   `json:"enabled"`
	ValueStaking  bool   `json:"value_staking"` // value staking rewards at receipt
	RateCacheTTL  int    `json:"rate_cache_ttl_sec"`
	SyncHour      int    `json:"sync_hour"` // local hour for the daily fills sync
	AlertCurrency string `json:"alert_currency"`
}

type NotifyConfig struct {
	Enabled                  bool `json:"enabled"`
	QueueSize                int  `json:"queue_size"`
	PositionsCooldownSec     int  `json:"positions_cooldown_sec"`      // overrides the positions_update min interval
	EntryIntentCooldownSec   int  `json:"entry_intent_cooldown_sec"`   // overrides the entry_intent min interval
	PersistDedupeState       bool `json:"persist_dedupe_state"`        // mirror dedupe state to redis
}

type TelegramConfig struct {
	Enabled        bool   `json:"enabled"`
	BotToken       string `json:"bot_token"`
	ChatID         string `json:"chat_id"` // primary operator chat
	EnvTag         string `json:"env_tag"` // distinguishes poller locks between deployments
	PollTimeoutSec int    `json:"poll_timeout_sec"`
}

type SchedulerConfig struct {
	HeartbeatHours  int    `json:"heartbeat_hours"`
	DailyReportHour int    `json:"daily_report_hour"`
	ReportTimezone  string `json:"report_timezone"` // IANA name, e.g. Europe/Madrid
}

type ServerConfig struct {
	Enabled         bool   `json:"enabled"`
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"`
	ReadTimeout     int    `json:"read_timeout"`
	WriteTimeout    int    `json:"write_timeout"`
	ShutdownTimeout int    `json:"shutdown_timeout"`
}

type AuthConfig struct {
	JWTSecret     string        `json:"jwt_secret"`
	APIKeyHash    string        `json:"api_key_hash"` // bcrypt hash of the operator API key
	TokenDuration time.Duration `json:"-"`
}

type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Pretty bool   `json:"pretty"` // console writer instead of JSON
}

func Load() (*Config, error) {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// Exchange config
	cfg.ExchangeConfig.TradingVenue = strings.ToLower(getEnvOrDefault("TRADING_VENUE", cfg.ExchangeConfig.TradingVenue))
	cfg.ExchangeConfig.Kraken.Enabled = getEnvBoolOrDefault("KRAKEN_ENABLED", true)
	cfg.ExchangeConfig.Kraken.APIKey = getEnvOrDefault("KRAKEN_API_KEY", cfg.ExchangeConfig.Kraken.APIKey)
	cfg.ExchangeConfig.Kraken.SecretKey = getEnvOrDefault("KRAKEN_SECRET_KEY", cfg.ExchangeConfig.Kraken.SecretKey)
	cfg.ExchangeConfig.Kraken.BaseURL = getEnvOrDefault("KRAKEN_BASE_URL", cfg.ExchangeConfig.Kraken.BaseURL)
	cfg.ExchangeConfig.RevolutX.Enabled = getEnvBoolOrDefault("REVOLUTX_ENABLED", cfg.ExchangeConfig.RevolutX.Enabled)
	cfg.ExchangeConfig.RevolutX.APIKey = getEnvOrDefault("REVOLUTX_API_KEY", cfg.ExchangeConfig.RevolutX.APIKey)
	cfg.ExchangeConfig.RevolutX.SecretKey = getEnvOrDefault("REVOLUTX_SECRET_KEY", cfg.ExchangeConfig.RevolutX.SecretKey)
	cfg.ExchangeConfig.RevolutX.BaseURL = getEnvOrDefault("REVOLUTX_BASE_URL", cfg.ExchangeConfig.RevolutX.BaseURL)

	// Trading config
	cfg.TradingConfig.Strategy = getEnvOrDefault("TRADING_STRATEGY", cfg.TradingConfig.Strategy)
	cfg.TradingConfig.RiskLevel = getEnvOrDefault("TRADING_RISK_LEVEL", cfg.TradingConfig.RiskLevel)
	if pairs := os.Getenv("TRADING_ACTIVE_PAIRS"); pairs != "" {
		cfg.TradingConfig.ActivePairs = splitAndTrim(pairs)
	}
	cfg.TradingConfig.RiskPerTradePct = getEnvFloatOrDefault("TRADING_RISK_PER_TRADE_PCT", cfg.TradingConfig.RiskPerTradePct)
	cfg.TradingConfig.MinConfidence = getEnvFloatOrDefault("TRADING_MIN_CONFIDENCE", cfg.TradingConfig.MinConfidence)
	cfg.TradingConfig.StopLossPct = getEnvFloatOrDefault("TRADING_STOP_LOSS_PCT", cfg.TradingConfig.StopLossPct)
	cfg.TradingConfig.TakeProfitPct = getEnvFloatOrDefault("TRADING_TAKE_PROFIT_PCT", cfg.TradingConfig.TakeProfitPct)
	cfg.TradingConfig.BreakEvenArmPct = getEnvFloatOrDefault("TRADING_BREAK_EVEN_ARM_PCT", cfg.TradingConfig.BreakEvenArmPct)
	cfg.TradingConfig.BreakEvenLockPct = getEnvFloatOrDefault("TRADING_BREAK_EVEN_LOCK_PCT", cfg.TradingConfig.BreakEvenLockPct)
	cfg.TradingConfig.TrailingArmPct = getEnvFloatOrDefault("TRADING_TRAILING_ARM_PCT", cfg.TradingConfig.TrailingArmPct)
	cfg.TradingConfig.TrailingDistancePct = getEnvFloatOrDefault("TRADING_TRAILING_DISTANCE_PCT", cfg.TradingConfig.TrailingDistancePct)
	cfg.TradingConfig.TrailingStopEnabled = getEnvBoolOrDefault("TRADING_TRAILING_STOP_ENABLED", true)
	cfg.TradingConfig.MaxPairExposurePct = getEnvFloatOrDefault("TRADING_MAX_PAIR_EXPOSURE_PCT", cfg.TradingConfig.MaxPairExposurePct)
	cfg.TradingConfig.MaxTotalExposurePct = getEnvFloatOrDefault("TRADING_MAX_TOTAL_EXPOSURE_PCT", cfg.TradingConfig.MaxTotalExposurePct)
	cfg.TradingConfig.DailyLossLimitPct = getEnvFloatOrDefault("TRADING_DAILY_LOSS_LIMIT_PCT", cfg.TradingConfig.DailyLossLimitPct)
	cfg.TradingConfig.TickIntervalMs = getEnvIntOrDefault("TRADING_TICK_INTERVAL_MS", cfg.TradingConfig.TickIntervalMs)
	cfg.TradingConfig.OrderTimeoutSec = getEnvIntOrDefault("TRADING_ORDER_TIMEOUT_SEC", cfg.TradingConfig.OrderTimeoutSec)
	cfg.TradingConfig.CooldownSec = getEnvIntOrDefault("TRADING_COOLDOWN_SEC", cfg.TradingConfig.CooldownSec)
	cfg.TradingConfig.DryRun = getEnvBoolOrDefault("TRADING_DRY_RUN", cfg.TradingConfig.DryRun)
	cfg.TradingConfig.PositionMode = strings.ToUpper(getEnvOrDefault("TRADING_POSITION_MODE", cfg.TradingConfig.PositionMode))
	cfg.TradingConfig.RouterEnabled = getEnvBoolOrDefault("TRADING_ROUTER_ENABLED", cfg.TradingConfig.RouterEnabled)
	cfg.TradingConfig.DefaultMarkupPct = getEnvFloatOrDefault("TRADING_DEFAULT_MARKUP_PCT", cfg.TradingConfig.DefaultMarkupPct)

	// Fisco config
	cfg.FiscoConfig.Enabled = getEnvBoolOrDefault("FISCO_ENABLED", true)
	cfg.FiscoConfig.ValueStaking = getEnvBoolOrDefault("FISCO_VALUE_STAKING", cfg.FiscoConfig.ValueStaking)
	cfg.FiscoConfig.SyncHour = getEnvIntOrDefault("FISCO_SYNC_HOUR", cfg.FiscoConfig.SyncHour)

	// Notification config
	cfg.NotifyConfig.Enabled = getEnvBoolOrDefault("NOTIFICATIONS_ENABLED", true)
	cfg.NotifyConfig.PositionsCooldownSec = getEnvIntOrDefault("NOTIF_COOLDOWN_POSITIONS_SEC", cfg.NotifyConfig.PositionsCooldownSec)
	cfg.NotifyConfig.EntryIntentCooldownSec = getEnvIntOrDefault("NOTIF_COOLDOWN_ENTRY_INTENT_SEC", cfg.NotifyConfig.EntryIntentCooldownSec)

	// Telegram config
	cfg.TelegramConfig.Enabled = getEnvBoolOrDefault("TELEGRAM_ENABLED", cfg.TelegramConfig.Enabled)
	cfg.TelegramConfig.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.TelegramConfig.BotToken)
	cfg.TelegramConfig.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.TelegramConfig.ChatID)
	cfg.TelegramConfig.EnvTag = getEnvOrDefault("TELEGRAM_ENV_TAG", cfg.TelegramConfig.EnvTag)

	// Scheduler config
	cfg.SchedulerConfig.HeartbeatHours = getEnvIntOrDefault("SCHEDULER_HEARTBEAT_HOURS", cfg.SchedulerConfig.HeartbeatHours)
	cfg.SchedulerConfig.DailyReportHour = getEnvIntOrDefault("SCHEDULER_DAILY_REPORT_HOUR", cfg.SchedulerConfig.DailyReportHour)
	cfg.SchedulerConfig.ReportTimezone = getEnvOrDefault("SCHEDULER_REPORT_TIMEZONE", cfg.SchedulerConfig.ReportTimezone)

	// Server config
	cfg.ServerConfig.Enabled = getEnvBoolOrDefault("WEB_ENABLED", true)
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", 8080)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", "0.0.0.0")
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", "*")
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", 30)
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", 30)
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", 10)

	// Auth config
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.APIKeyHash = getEnvOrDefault("AUTH_API_KEY_HASH", cfg.AuthConfig.APIKeyHash)
	cfg.AuthConfig.TokenDuration = getEnvDurationOrDefault("AUTH_TOKEN_DURATION", 1*time.Hour)

	// Vault config
	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", "http://localhost:8200")
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", "secret")
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", "kraken-autotrade/venues")
	cfg.VaultConfig.TLSEnabled = getEnvBoolOrDefault("VAULT_TLS_ENABLED", cfg.VaultConfig.TLSEnabled)

	// Database config
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	// Redis config
	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", cfg.RedisConfig.PoolSize)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.LoggingConfig.Pretty = getEnvBoolOrDefault("LOG_PRETTY", cfg.LoggingConfig.Pretty)
}

func applyDefaults(cfg *Config) {
	if cfg.ExchangeConfig.TradingVenue == "" {
		cfg.ExchangeConfig.TradingVenue = "kraken"
	}
	if cfg.ExchangeConfig.Kraken.BaseURL == "" {
		cfg.ExchangeConfig.Kraken.BaseURL = "https://api.kraken.com"
	}
	if cfg.ExchangeConfig.RevolutX.BaseURL == "" {
		cfg.ExchangeConfig.RevolutX.BaseURL = "https://exchange.revolut.com/api/1.0"
	}

	t := &cfg.TradingConfig
	if t.Strategy == "" {
		t.Strategy = "momentum"
	}
	if t.RiskLevel == "" {
		t.RiskLevel = "medium"
	}
	if len(t.ActivePairs) == 0 {
		t.ActivePairs = []string{"BTC/EUR", "ETH/EUR"}
	}
	if t.RiskPerTradePct == 0 {
		t.RiskPerTradePct = riskLevelDefaults[t.RiskLevel].RiskPerTradePct
	}
	if t.MinConfidence == 0 {
		t.MinConfidence = riskLevelDefaults[t.RiskLevel].MinConfidence
	}
	if t.StopLossPct == 0 {
		t.StopLossPct = 2.0
	}
	if t.TakeProfitPct == 0 {
		t.TakeProfitPct = 5.0
	}
	if t.BreakEvenArmPct == 0 {
		t.BreakEvenArmPct = 2.0
	}
	if t.BreakEvenLockPct == 0 {
		t.BreakEvenLockPct = 0.3
	}
	if t.TrailingArmPct == 0 {
		t.TrailingArmPct = 4.0
	}
	if t.TrailingDistancePct == 0 {
		t.TrailingDistancePct = 2.0
	}
	if t.MaxPairExposurePct == 0 {
		t.MaxPairExposurePct = 25.0
	}
	if t.MaxTotalExposurePct == 0 {
		t.MaxTotalExposurePct = 80.0
	}
	if t.DailyLossLimitPct == 0 {
		t.DailyLossLimitPct = 5.0
	}
	if t.TickIntervalMs == 0 {
		t.TickIntervalMs = 30000
	}
	if t.OrderTimeoutSec == 0 {
		t.OrderTimeoutSec = 120
	}
	if t.CooldownSec == 0 {
		t.CooldownSec = 900
	}
	if t.PositionMode == "" {
		t.PositionMode = "SINGLE"
	}
	if t.DefaultMarkupPct == 0 {
		t.DefaultMarkupPct = 0.25
	}
	if t.ReconcileEveryTicks == 0 {
		t.ReconcileEveryTicks = 20
	}

	s := &cfg.StrategiesConfig
	if s.Momentum.MinVolumeFactor == 0 {
		s.Momentum.MinVolumeFactor = 0.5
	}
	if s.MeanRev.RSIOversold == 0 {
		s.MeanRev.RSIOversold = 30
	}
	if s.MeanRev.RSIOverbought == 0 {
		s.MeanRev.RSIOverbought = 70
	}
	if s.MeanRev.MinDeviationZ == 0 {
		s.MeanRev.MinDeviationZ = 1.0
	}
	if s.Scalping.MinATRPct == 0 {
		s.Scalping.MinATRPct = 0.15
	}
	if s.Scalping.MinVolumeFactor == 0 {
		s.Scalping.MinVolumeFactor = 1.0
	}
	if s.Grid.Levels == 0 {
		s.Grid.Levels = 5
	}
	if s.Grid.ATRSpacingMult == 0 {
		s.Grid.ATRSpacingMult = 1.0
	}
	if s.Grid.SwingLookback == 0 {
		s.Grid.SwingLookback = 48
	}

	r := &cfg.RegimeConfig
	if r.ADXTrendMin == 0 {
		r.ADXTrendMin = 25.0
	}
	if r.BBWidthRangeMax == 0 {
		r.BBWidthRangeMax = 3.0
	}
	if r.VolatileATRPct == 0 {
		r.VolatileATRPct = 2.5
	}
	if r.VolatileBBWidth == 0 {
		r.VolatileBBWidth = 6.0
	}
	if r.MinCandles == 0 {
		r.MinCandles = 50
	}
	if r.VolatileSizeScale == 0 {
		r.VolatileSizeScale = 0.5
	}
	if r.VolatileConfAdd == 0 {
		r.VolatileConfAdd = 10.0
	}
	if r.UnknownConfAdd == 0 {
		r.UnknownConfAdd = 5.0
	}

	if cfg.FiscoConfig.RateCacheTTL == 0 {
		cfg.FiscoConfig.RateCacheTTL = 300
	}
	if cfg.FiscoConfig.SyncHour == 0 {
		cfg.FiscoConfig.SyncHour = 8
	}
	if cfg.FiscoConfig.AlertCurrency == "" {
		cfg.FiscoConfig.AlertCurrency = "EUR"
	}

	if cfg.NotifyConfig.QueueSize == 0 {
		cfg.NotifyConfig.QueueSize = 128
	}
	if cfg.TelegramConfig.EnvTag == "" {
		cfg.TelegramConfig.EnvTag = "prod"
	}
	if cfg.TelegramConfig.PollTimeoutSec == 0 {
		cfg.TelegramConfig.PollTimeoutSec = 60
	}

	if cfg.SchedulerConfig.HeartbeatHours == 0 {
		cfg.SchedulerConfig.HeartbeatHours = 12
	}
	if cfg.SchedulerConfig.DailyReportHour == 0 {
		cfg.SchedulerConfig.DailyReportHour = 14
	}
	if cfg.SchedulerConfig.ReportTimezone == "" {
		cfg.SchedulerConfig.ReportTimezone = "Europe/Madrid"
	}

	d := &cfg.DatabaseConfig
	if d.Host == "" {
		d.Host = "localhost"
	}
	if d.Port == 0 {
		d.Port = 5432
	}
	if d.User == "" {
		d.User = "autotrade"
	}
	if d.Database == "" {
		d.Database = "autotrade"
	}
	if d.SSLMode == "" {
		d.SSLMode = "disable"
	}

	if cfg.RedisConfig.Address == "" {
		cfg.RedisConfig.Address = "localhost:6379"
	}
	if cfg.RedisConfig.PoolSize == 0 {
		cfg.RedisConfig.PoolSize = 10
	}
}

type riskPreset struct {
	RiskPerTradePct float64
	MinConfidence   float64
}

var riskLevelDefaults = map[string]riskPreset{
	"low":    {RiskPerTradePct: 0.5, MinConfidence: 70},
	"medium": {RiskPerTradePct: 1.0, MinConfidence: 60},
	"high":   {RiskPerTradePct: 2.0, MinConfidence: 50},
}

// Validate rejects configurations the engine cannot run with. Percentages are
// expressed as percent values (2.0 means 2%), not fractions.
func (c *Config) Validate() error {
	switch c.ExchangeConfig.TradingVenue {
	case "kraken", "revolutx":
	default:
		return fmt.Errorf("invalid trading venue %q", c.ExchangeConfig.TradingVenue)
	}
	if c.ExchangeConfig.TradingVenue == "kraken" && !c.ExchangeConfig.Kraken.Enabled {
		return fmt.Errorf("trading venue kraken is disabled")
	}
	if c.ExchangeConfig.TradingVenue == "revolutx" && !c.ExchangeConfig.RevolutX.Enabled {
		return fmt.Errorf("trading venue revolutx is disabled")
	}

	t := c.TradingConfig
	switch t.Strategy {
	case "momentum", "meanrev", "scalping", "grid":
	default:
		return fmt.Errorf("unknown strategy %q", t.Strategy)
	}
	if _, ok := riskLevelDefaults[t.RiskLevel]; !ok {
		return fmt.Errorf("unknown risk level %q", t.RiskLevel)
	}
	if len(t.ActivePairs) == 0 {
		return fmt.Errorf("active_pairs must not be empty")
	}
	for _, p := range t.ActivePairs {
		if !strings.Contains(p, "/") {
			return fmt.Errorf("invalid pair %q: expected BASE/QUOTE", p)
		}
	}
	for name, v := range map[string]float64{
		"risk_per_trade_pct":     t.RiskPerTradePct,
		"stop_loss_pct":          t.StopLossPct,
		"take_profit_pct":        t.TakeProfitPct,
		"trailing_distance_pct":  t.TrailingDistancePct,
		"max_pair_exposure_pct":  t.MaxPairExposurePct,
		"max_total_exposure_pct": t.MaxTotalExposurePct,
		"daily_loss_limit_pct":   t.DailyLossLimitPct,
	} {
		if v <= 0 || v > 100 {
			return fmt.Errorf("%s out of range: %v", name, v)
		}
	}
	if t.TrailingStopEnabled && t.TrailingArmPct < t.BreakEvenArmPct {
		return fmt.Errorf("trailing_arm_pct (%v) must not be below break_even_arm_pct (%v)", t.TrailingArmPct, t.BreakEvenArmPct)
	}
	if t.PositionMode != "SINGLE" && t.PositionMode != "SMART_GUARD" {
		return fmt.Errorf("invalid position_mode %q", t.PositionMode)
	}
	if t.TickIntervalMs < 1000 {
		return fmt.Errorf("tick_interval_ms too low: %d", t.TickIntervalMs)
	}
	if c.SchedulerConfig.DailyReportHour < 0 || c.SchedulerConfig.DailyReportHour > 23 {
		return fmt.Errorf("daily_report_hour out of range: %d", c.SchedulerConfig.DailyReportHour)
	}
	return nil
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
