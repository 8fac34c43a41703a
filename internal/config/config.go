package config

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the mailsched application.
// Values are loaded from environment variables; see the serve command's
// usage output for the full list.
type Config struct {
	DatabaseURL string `json:"database_url"`
	RedisAddr   string `json:"redis_addr,omitempty"`
	HTTPAddr    string `json:"http_addr"`

	// EngineEnabled is the feature gate default. When false, dispatches
	// are skipped unless a request override enables them.
	EngineEnabled bool `json:"engine_enabled"`

	TemplateSentinel string `json:"template_sentinel"`

	PromoteInterval    time.Duration `json:"-"`
	PromoteIntervalStr string        `json:"promote_interval"`

	QueueBufferSize int `json:"queue_buffer_size"`
	WorkerCount     int `json:"worker_count"`

	MailGatewayURL        string        `json:"mail_gateway_url"`
	MailGatewaySecret     string        `json:"mail_gateway_secret"`
	MailGatewayTimeout    time.Duration `json:"-"`
	MailGatewayTimeoutStr string        `json:"mail_gateway_timeout"`

	// SenderCircuitThreshold: 0 disables the circuit breaker.
	SenderCircuitThreshold   int           `json:"sender_circuit_threshold"`
	SenderCircuitCooldown    time.Duration `json:"-"`
	SenderCircuitCooldownStr string        `json:"sender_circuit_cooldown"`

	ReconcileEnabled     bool          `json:"reconcile_enabled"`
	ReconcileInterval    time.Duration `json:"-"`
	ReconcileIntervalStr string        `json:"reconcile_interval"`

	// ReconcileThreshold must exceed the worst-case task execution time
	// (currently bounded at 2m), or finished work gets requeued.
	ReconcileThreshold    time.Duration `json:"-"`
	ReconcileThresholdStr string        `json:"reconcile_threshold"`

	ReconcileBatchSize int `json:"reconcile_batch_size"`

	RetentionWindow    time.Duration `json:"-"`
	RetentionWindowStr string        `json:"retention_window"`
	PurgeSchedule      string        `json:"purge_schedule"`
	PurgeTimezone      string        `json:"purge_timezone"`

	AnalyticsRetention    time.Duration `json:"-"`
	AnalyticsRetentionStr string        `json:"analytics_retention"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`
	MetricsPort    string `json:"metrics_port"`

	DBOpTimeout    time.Duration `json:"-"`
	DBOpTimeoutStr string        `json:"db_op_timeout"`

	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`
	DBConnMaxIdleTime    time.Duration `json:"-"`
	DBConnMaxIdleTimeStr string        `json:"db_conn_max_idle_time"`

	HTTPShutdownTimeout    time.Duration `json:"-"`
	HTTPShutdownTimeoutStr string        `json:"http_shutdown_timeout"`
	WorkerDrainTimeout     time.Duration `json:"-"`
	WorkerDrainTimeoutStr  string        `json:"worker_drain_timeout"`
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	cfg := Config{
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		HTTPAddr:               os.Getenv("HTTP_ADDR"),
		EngineEnabled:          os.Getenv("ENGINE_ENABLED") == "true",
		TemplateSentinel:       os.Getenv("TEMPLATE_SENTINEL"),
		PromoteIntervalStr:     os.Getenv("PROMOTE_INTERVAL"),
		MailGatewayURL:         os.Getenv("MAIL_GATEWAY_URL"),
		MailGatewaySecret:      os.Getenv("MAIL_GATEWAY_SECRET"),
		MailGatewayTimeoutStr:  os.Getenv("MAIL_GATEWAY_TIMEOUT"),
		ReconcileEnabled:       os.Getenv("RECONCILE_ENABLED") == "true",
		ReconcileIntervalStr:   os.Getenv("RECONCILE_INTERVAL"),
		ReconcileThresholdStr:  os.Getenv("RECONCILE_THRESHOLD"),
		RetentionWindowStr:     os.Getenv("RETENTION_WINDOW"),
		PurgeSchedule:          os.Getenv("PURGE_SCHEDULE"),
		PurgeTimezone:          os.Getenv("PURGE_TIMEZONE"),
		AnalyticsRetentionStr:  os.Getenv("ANALYTICS_RETENTION"),
		MetricsEnabled:         os.Getenv("METRICS_ENABLED") == "true",
		MetricsPath:            os.Getenv("METRICS_PATH"),
		MetricsPort:            os.Getenv("METRICS_PORT"),
		DBOpTimeoutStr:         os.Getenv("DB_OP_TIMEOUT"),
		DBConnMaxLifetimeStr:   os.Getenv("DB_CONN_MAX_LIFETIME"),
		DBConnMaxIdleTimeStr:   os.Getenv("DB_CONN_MAX_IDLE_TIME"),
		HTTPShutdownTimeoutStr: os.Getenv("HTTP_SHUTDOWN_TIMEOUT"),
		WorkerDrainTimeoutStr:  os.Getenv("WORKER_DRAIN_TIMEOUT"),
	}

	cfg.QueueBufferSize = loadPositiveInt("QUEUE_BUFFER_SIZE", 100)
	cfg.WorkerCount = loadPositiveInt("WORKER_COUNT", 4)
	cfg.ReconcileBatchSize = loadPositiveInt("RECONCILE_BATCH_SIZE", 100)

	if cbStr := os.Getenv("SENDER_CIRCUIT_THRESHOLD"); cbStr != "" {
		if n, err := strconv.Atoi(cbStr); err == nil && n >= 0 {
			cfg.SenderCircuitThreshold = n
		} else {
			log.Printf("config: invalid SENDER_CIRCUIT_THRESHOLD %q, using default 5", cbStr)
			cfg.SenderCircuitThreshold = 5
		}
	} else {
		cfg.SenderCircuitThreshold = 5
	}
	cfg.SenderCircuitCooldownStr = os.Getenv("SENDER_CIRCUIT_COOLDOWN")

	cfg.DBMaxOpenConns = loadPositiveInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = loadPositiveInt("DB_MAX_IDLE_CONNS", 5)

	// Support Railway's PORT variable as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}
	if cfg.PromoteIntervalStr == "" {
		cfg.PromoteIntervalStr = "10s"
	}
	if cfg.MailGatewayTimeoutStr == "" {
		cfg.MailGatewayTimeoutStr = "30s"
	}
	if cfg.SenderCircuitCooldownStr == "" {
		cfg.SenderCircuitCooldownStr = "2m"
	}
	if cfg.ReconcileIntervalStr == "" {
		cfg.ReconcileIntervalStr = "5m"
	}
	if cfg.ReconcileThresholdStr == "" {
		cfg.ReconcileThresholdStr = "15m"
	}
	if cfg.RetentionWindowStr == "" {
		cfg.RetentionWindowStr = "8760h"
	}
	if cfg.PurgeSchedule == "" {
		cfg.PurgeSchedule = "0 3 * * *"
	}
	if cfg.PurgeTimezone == "" {
		cfg.PurgeTimezone = "UTC"
	}
	if cfg.AnalyticsRetentionStr == "" {
		cfg.AnalyticsRetentionStr = "8760h"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.MetricsPort == "" {
		cfg.MetricsPort = "9090"
	}
	if cfg.DBOpTimeoutStr == "" {
		cfg.DBOpTimeoutStr = "5s"
	}
	if cfg.DBConnMaxLifetimeStr == "" {
		cfg.DBConnMaxLifetimeStr = "30m"
	}
	if cfg.DBConnMaxIdleTimeStr == "" {
		cfg.DBConnMaxIdleTimeStr = "5m"
	}
	if cfg.HTTPShutdownTimeoutStr == "" {
		cfg.HTTPShutdownTimeoutStr = "10s"
	}
	if cfg.WorkerDrainTimeoutStr == "" {
		cfg.WorkerDrainTimeoutStr = "30s"
	}

	// Parse durations; validation is handled separately by Validate().
	if d, err := time.ParseDuration(cfg.PromoteIntervalStr); err == nil {
		cfg.PromoteInterval = d
	}
	if d, err := time.ParseDuration(cfg.MailGatewayTimeoutStr); err == nil {
		cfg.MailGatewayTimeout = d
	}
	if d, err := time.ParseDuration(cfg.SenderCircuitCooldownStr); err == nil {
		cfg.SenderCircuitCooldown = d
	}
	if d, err := time.ParseDuration(cfg.ReconcileIntervalStr); err == nil {
		cfg.ReconcileInterval = d
	}
	if d, err := time.ParseDuration(cfg.ReconcileThresholdStr); err == nil {
		cfg.ReconcileThreshold = d
	}
	if d, err := time.ParseDuration(cfg.RetentionWindowStr); err == nil {
		cfg.RetentionWindow = d
	}
	if d, err := time.ParseDuration(cfg.AnalyticsRetentionStr); err == nil {
		cfg.AnalyticsRetention = d
	}
	if d, err := time.ParseDuration(cfg.DBOpTimeoutStr); err == nil {
		cfg.DBOpTimeout = d
	}
	if d, err := time.ParseDuration(cfg.DBConnMaxLifetimeStr); err == nil {
		cfg.DBConnMaxLifetime = d
	}
	if d, err := time.ParseDuration(cfg.DBConnMaxIdleTimeStr); err == nil {
		cfg.DBConnMaxIdleTime = d
	}
	if d, err := time.ParseDuration(cfg.HTTPShutdownTimeoutStr); err == nil {
		cfg.HTTPShutdownTimeout = d
	}
	if d, err := time.ParseDuration(cfg.WorkerDrainTimeoutStr); err == nil {
		cfg.WorkerDrainTimeout = d
	}

	return cfg
}

// loadPositiveInt reads a positive integer from the environment, falling
// back to the default on anything else.
func loadPositiveInt(name string, def int) int {
	s := os.Getenv(name)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		log.Printf("config: invalid %s %q (must be a positive integer), using default %d", name, s, def)
		return def
	}
	return n
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := struct {
		DatabaseURL            string `json:"database_url"`
		RedisAddr              string `json:"redis_addr,omitempty"`
		HTTPAddr               string `json:"http_addr"`
		EngineEnabled          bool   `json:"engine_enabled"`
		TemplateSentinel       string `json:"template_sentinel,omitempty"`
		PromoteInterval        string `json:"promote_interval"`
		QueueBufferSize        int    `json:"queue_buffer_size"`
		WorkerCount            int    `json:"worker_count"`
		MailGatewayURL         string `json:"mail_gateway_url"`
		MailGatewaySecret      string `json:"mail_gateway_secret"`
		MailGatewayTimeout     string `json:"mail_gateway_timeout"`
		SenderCircuitThreshold int    `json:"sender_circuit_threshold"`
		SenderCircuitCooldown  string `json:"sender_circuit_cooldown"`
		ReconcileEnabled       bool   `json:"reconcile_enabled"`
		ReconcileInterval      string `json:"reconcile_interval"`
		ReconcileThreshold     string `json:"reconcile_threshold"`
		ReconcileBatchSize     int    `json:"reconcile_batch_size"`
		RetentionWindow        string `json:"retention_window"`
		PurgeSchedule          string `json:"purge_schedule"`
		PurgeTimezone          string `json:"purge_timezone"`
		AnalyticsRetention     string `json:"analytics_retention"`
		MetricsEnabled         bool   `json:"metrics_enabled"`
		MetricsPath            string `json:"metrics_path"`
		MetricsPort            string `json:"metrics_port"`
		DBOpTimeout            string `json:"db_op_timeout"`
		DBMaxOpenConns         int    `json:"db_max_open_conns"`
		DBMaxIdleConns         int    `json:"db_max_idle_conns"`
		DBConnMaxLifetime      string `json:"db_conn_max_lifetime"`
		DBConnMaxIdleTime      string `json:"db_conn_max_idle_time"`
		HTTPShutdownTimeout    string `json:"http_shutdown_timeout"`
		WorkerDrainTimeout     string `json:"worker_drain_timeout"`
	}{
		DatabaseURL:            maskSecret(c.DatabaseURL),
		RedisAddr:              c.RedisAddr,
		HTTPAddr:               c.HTTPAddr,
		EngineEnabled:          c.EngineEnabled,
		TemplateSentinel:       c.TemplateSentinel,
		PromoteInterval:        c.PromoteIntervalStr,
		QueueBufferSize:        c.QueueBufferSize,
		WorkerCount:            c.WorkerCount,
		MailGatewayURL:         c.MailGatewayURL,
		MailGatewaySecret:      maskSecret(c.MailGatewaySecret),
		MailGatewayTimeout:     c.MailGatewayTimeoutStr,
		SenderCircuitThreshold: c.SenderCircuitThreshold,
		SenderCircuitCooldown:  c.SenderCircuitCooldownStr,
		ReconcileEnabled:       c.ReconcileEnabled,
		ReconcileInterval:      c.ReconcileIntervalStr,
		ReconcileThreshold:     c.ReconcileThresholdStr,
		ReconcileBatchSize:     c.ReconcileBatchSize,
		RetentionWindow:        c.RetentionWindowStr,
		PurgeSchedule:          c.PurgeSchedule,
		PurgeTimezone:          c.PurgeTimezone,
		AnalyticsRetention:     c.AnalyticsRetentionStr,
		MetricsEnabled:         c.MetricsEnabled,
		MetricsPath:            c.MetricsPath,
		MetricsPort:            c.MetricsPort,
		DBOpTimeout:            c.DBOpTimeoutStr,
		DBMaxOpenConns:         c.DBMaxOpenConns,
		DBMaxIdleConns:         c.DBMaxIdleConns,
		DBConnMaxLifetime:      c.DBConnMaxLifetimeStr,
		DBConnMaxIdleTime:      c.DBConnMaxIdleTimeStr,
		HTTPShutdownTimeout:    c.HTTPShutdownTimeoutStr,
		WorkerDrainTimeout:     c.WorkerDrainTimeoutStr,
	}
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if len(s) >= len(scheme) && s[:len(scheme)] == scheme {
			return scheme + "***"
		}
	}
	return "***"
}
