package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	DerivConfig        DerivConfig        `json:"deriv"`
	ExecutionConfig    ExecutionConfig    `json:"execution"`
	SettlementConfig   SettlementConfig   `json:"settlement"`
	RiskConfig         RiskConfig         `json:"risk"`
	RecoveryConfig     RecoveryConfig     `json:"recovery"`
	RegimeConfig       RegimeConfig       `json:"regime"`
	PersistConfig      PersistConfig      `json:"persist"`
	LoggingConfig      LoggingConfig      `json:"logging"`
	ServerConfig       ServerConfig       `json:"server"`
	AuthConfig         AuthConfig         `json:"auth"`
	VaultConfig        VaultConfig        `json:"vault"`
	DatabaseConfig     DatabaseConfig     `json:"database"`
	RedisConfig        RedisConfig        `json:"redis"`
	NotificationConfig NotificationConfig `json:"notification"`
}

// DerivConfig holds upstream broker WebSocket configuration
type DerivConfig struct {
	AppID            string `json:"app_id"`
	Endpoint         string `json:"endpoint"`           // wss endpoint, app_id appended as query param
	HeartbeatSecs    int    `json:"heartbeat_secs"`     // ping interval
	RequestTimeoutMS int    `json:"request_timeout_ms"` // per-request reply deadline
	ReconnectBaseMS  int    `json:"reconnect_base_ms"`
	ReconnectMaxMS   int    `json:"reconnect_max_ms"`
}

// ExecutionConfig holds order execution configuration
type ExecutionConfig struct {
	MinOuterTimeoutMS     int     `json:"min_outer_timeout_ms"` // floor for the proposal+buy outer timer
	OuterBufferMS         int     `json:"outer_buffer_ms"`      // added to contract duration for the outer timer
	CommissionFlat        float64 `json:"commission_flat"`
	CommissionBps         float64 `json:"commission_bps"`
	BreakerMaxFailures    int     `json:"breaker_max_failures"`
	BreakerCooldownMS     int     `json:"breaker_cooldown_ms"`
	BreakerHalfOpenProbes int     `json:"breaker_half_open_probes"`
}

// SettlementConfig holds contract settlement tracking configuration
type SettlementConfig struct {
	MinTimeoutMS         int `json:"min_timeout_ms"`
	MaxTimeoutMS         int `json:"max_timeout_ms"`
	BufferMS             int `json:"buffer_ms"`
	LockTimeoutMS        int `json:"lock_timeout_ms"`
	SubscribeMaxAttempts int `json:"subscribe_max_attempts"`
	SubscribeBaseDelayMS int `json:"subscribe_base_delay_ms"`
	SubscribeMaxDelayMS  int `json:"subscribe_max_delay_ms"`
}

type RiskConfig struct {
	MaxStake             float64 `json:"max_stake"`
	MaxConcurrentTrades  int     `json:"max_concurrent_trades"`
	DailyLossLimitPct    float64 `json:"daily_loss_limit_pct"`
	DrawdownLimitPct     float64 `json:"drawdown_limit_pct"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	CooldownMS           int     `json:"cooldown_ms"`
	LossCooldownMS       int     `json:"loss_cooldown_ms"`
	MaxOrdersPerSecond   int     `json:"max_orders_per_second"`
	MaxOrdersPerMinute   int     `json:"max_orders_per_minute"`
	MaxNotionalExposure  float64 `json:"max_notional_exposure"`
}

// RecoveryConfig holds loss-recovery engine configuration
type RecoveryConfig struct {
	IntervalMS            int     `json:"interval_ms"`
	CooldownMS            int     `json:"cooldown_ms"`
	MaxDeficitPct         float64 `json:"max_deficit_pct"`
	MaxRecoveryTrades     int     `json:"max_recovery_trades"`
	MaxFailedEpisodes     int     `json:"max_failed_episodes"`
	MinEquityForRecovery  float64 `json:"min_equity_for_recovery"`
}

type RegimeConfig struct {
	HysteresisCycles int `json:"hysteresis_cycles"`
}

// PersistConfig holds the fire-and-forget persistence worker pool settings
type PersistConfig struct {
	QueueSize int `json:"queue_size"`
	Workers   int `json:"workers"`
}

type LoggingConfig struct {
	Level       string `json:"level"`        // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number
}

// ServerConfig holds HTTP server configuration for the SSE edge
type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"` // CORS allowed origins
	ReadTimeout     int    `json:"read_timeout"`    // Seconds
	WriteTimeout    int    `json:"write_timeout"`   // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout"`
}

// AuthConfig holds stream authentication configuration
type AuthConfig struct {
	Enabled   bool   `json:"enabled"`
	JWTSecret string `json:"jwt_secret"`
}

// VaultConfig holds HashiCorp Vault configuration for broker API tokens
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`  // KV secrets engine mount path
	SecretPath string `json:"secret_path"` // Path prefix for broker tokens
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis configuration for risk-state snapshots
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type NotificationConfig struct {
	Enabled  bool   `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

func Load() (*Config, error) {
	// First try to load base config from file
	cfg, err := loadFromFile("config.json")
	if err != nil {
		// If no config file, start with empty config
		cfg = &Config{}
	}

	// Apply environment variable overrides (these take precedence)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Note: broker API tokens are NOT read from environment. Tokens are per-account
// and come from Vault or the calling API boundary.
func applyEnvOverrides(cfg *Config) {
	// Deriv config
	cfg.DerivConfig.AppID = getEnvOrDefault("DERIV_APP_ID", "1089")
	cfg.DerivConfig.Endpoint = getEnvOrDefault("DERIV_WS_ENDPOINT", "wss://ws.derivws.com/websockets/v3")
	cfg.DerivConfig.HeartbeatSecs = getEnvIntOrDefault("DERIV_HEARTBEAT_SECS", 30)
	cfg.DerivConfig.RequestTimeoutMS = getEnvIntOrDefault("DERIV_REQUEST_TIMEOUT_MS", 10000)
	cfg.DerivConfig.ReconnectBaseMS = getEnvIntOrDefault("DERIV_RECONNECT_BASE_MS", 500)
	cfg.DerivConfig.ReconnectMaxMS = getEnvIntOrDefault("DERIV_RECONNECT_MAX_MS", 30000)

	// Execution config
	cfg.ExecutionConfig.MinOuterTimeoutMS = getEnvIntOrDefault("EXECUTION_MIN_TIMEOUT_MS", 30000)
	cfg.ExecutionConfig.OuterBufferMS = getEnvIntOrDefault("EXECUTION_BUFFER_MS", 15000)
	cfg.ExecutionConfig.CommissionFlat = getEnvFloatOrDefault("LIVE_COMMISSION_FLAT", 0)
	cfg.ExecutionConfig.CommissionBps = getEnvFloatOrDefault("LIVE_COMMISSION_BPS", 0)
	cfg.ExecutionConfig.BreakerMaxFailures = getEnvIntOrDefault("BREAKER_MAX_FAILURES", 5)
	cfg.ExecutionConfig.BreakerCooldownMS = getEnvIntOrDefault("BREAKER_COOLDOWN_MS", 60000)
	cfg.ExecutionConfig.BreakerHalfOpenProbes = getEnvIntOrDefault("BREAKER_HALF_OPEN_PROBES", 1)

	// Settlement config
	cfg.SettlementConfig.MinTimeoutMS = getEnvIntOrDefault("SETTLEMENT_MIN_TIMEOUT_MS", 30000)
	cfg.SettlementConfig.MaxTimeoutMS = getEnvIntOrDefault("SETTLEMENT_MAX_TIMEOUT_MS", 600000)
	cfg.SettlementConfig.BufferMS = getEnvIntOrDefault("SETTLEMENT_BUFFER_MS", 30000)
	cfg.SettlementConfig.LockTimeoutMS = getEnvIntOrDefault("SETTLEMENT_LOCK_TIMEOUT_MS", 5000)
	cfg.SettlementConfig.SubscribeMaxAttempts = getEnvIntOrDefault("SETTLEMENT_SUBSCRIBE_MAX_ATTEMPTS", 3)
	cfg.SettlementConfig.SubscribeBaseDelayMS = getEnvIntOrDefault("SETTLEMENT_SUBSCRIBE_BASE_DELAY_MS", 500)
	cfg.SettlementConfig.SubscribeMaxDelayMS = getEnvIntOrDefault("SETTLEMENT_SUBSCRIBE_MAX_DELAY_MS", 5000)

	// Risk config
	cfg.RiskConfig.MaxStake = getEnvFloatOrDefault("RISK_MAX_STAKE", 100)
	cfg.RiskConfig.MaxConcurrentTrades = getEnvIntOrDefault("RISK_MAX_CONCURRENT_TRADES", 5)
	cfg.RiskConfig.DailyLossLimitPct = getEnvFloatOrDefault("RISK_DAILY_LOSS_LIMIT_PCT", 10)
	cfg.RiskConfig.DrawdownLimitPct = getEnvFloatOrDefault("RISK_DRAWDOWN_LIMIT_PCT", 20)
	cfg.RiskConfig.MaxConsecutiveLosses = getEnvIntOrDefault("RISK_MAX_CONSECUTIVE_LOSSES", 5)
	cfg.RiskConfig.CooldownMS = getEnvIntOrDefault("RISK_COOLDOWN_MS", 0)
	cfg.RiskConfig.LossCooldownMS = getEnvIntOrDefault("RISK_LOSS_COOLDOWN_MS", 60000)
	cfg.RiskConfig.MaxOrdersPerSecond = getEnvIntOrDefault("RISK_MAX_ORDERS_PER_SECOND", 5)
	cfg.RiskConfig.MaxOrdersPerMinute = getEnvIntOrDefault("RISK_MAX_ORDERS_PER_MINUTE", 60)
	cfg.RiskConfig.MaxNotionalExposure = getEnvFloatOrDefault("RISK_MAX_NOTIONAL_EXPOSURE", 1000)

	// Recovery config
	cfg.RecoveryConfig.IntervalMS = getEnvIntOrDefault("RECOVERY_INTERVAL_MS", 10000)
	cfg.RecoveryConfig.CooldownMS = getEnvIntOrDefault("RECOVERY_COOLDOWN_MS", 30000)
	cfg.RecoveryConfig.MaxDeficitPct = getEnvFloatOrDefault("RECOVERY_MAX_DEFICIT_PCT", 15)
	cfg.RecoveryConfig.MaxRecoveryTrades = getEnvIntOrDefault("RECOVERY_MAX_TRADES", 12)
	cfg.RecoveryConfig.MaxFailedEpisodes = getEnvIntOrDefault("RECOVERY_MAX_FAILED_EPISODES", 3)
	cfg.RecoveryConfig.MinEquityForRecovery = getEnvFloatOrDefault("RECOVERY_MIN_EQUITY", 10)

	// Regime config
	cfg.RegimeConfig.HysteresisCycles = getEnvIntOrDefault("REGIME_HYSTERESIS_CYCLES", 3)

	// Persistence worker pool
	cfg.PersistConfig.QueueSize = getEnvIntOrDefault("PERSIST_QUEUE_SIZE", 1024)
	cfg.PersistConfig.Workers = getEnvIntOrDefault("PERSIST_WORKERS", 4)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", "INFO")
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", "stdout")
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"
	cfg.LoggingConfig.IncludeFile = getEnvOrDefault("LOG_INCLUDE_FILE", "false") == "true"

	// Server config
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", 8080)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", "0.0.0.0")
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", "*")
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", 30)
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", 30)
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", 10)

	// Auth config
	cfg.AuthConfig.Enabled = getEnvOrDefault("AUTH_ENABLED", "false") == "true"
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)

	// Vault config
	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", "false") == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", "http://localhost:8200")
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", "secret")
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", "trading-core/broker-tokens")

	// Database config
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", "localhost")
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", 5432)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", "trading_core")
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", "trading_core")
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", "disable")

	// Redis config
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", "false") == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", "localhost:6379")
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", 0)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", 10)

	// Notification config
	cfg.NotificationConfig.Enabled = getEnvOrDefault("NOTIFICATIONS_ENABLED", "false") == "true"
	cfg.NotificationConfig.Telegram.Enabled = getEnvOrDefault("TELEGRAM_ENABLED", "false") == "true"
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)
}

func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}
