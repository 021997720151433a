// Package config provides configuration management for the subagent tracker.
// It supports loading configuration from environment variables, config files,
// and defaults, and owns the on-disk directory layout under the data root.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections.
type Config struct {
	DataDir       string          `mapstructure:"dataDir"`
	MigrateLegacy bool            `mapstructure:"migrateLegacy"`
	Server        ServerConfig    `mapstructure:"server"`
	Logging       LoggingConfig   `mapstructure:"logging"`
	Bus           BusConfig       `mapstructure:"bus"`
	Activity      ActivityConfig  `mapstructure:"activity"`
	Snapshot      SnapshotConfig  `mapstructure:"snapshot"`
	Analytics     AnalyticsConfig `mapstructure:"analytics"`
	Approval      ApprovalConfig  `mapstructure:"approval"`
	Monitor       MonitorConfig   `mapstructure:"monitor"`
}

// ServerConfig holds HTTP/WebSocket server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// BusConfig holds event bus configuration. An empty NATS URL selects the
// in-memory bus.
type BusConfig struct {
	NATSURL          string `mapstructure:"natsUrl"`
	QueueSize        int    `mapstructure:"queueSize"`
	SubscriberBuffer int    `mapstructure:"subscriberBuffer"`
	PublishTimeoutMs int    `mapstructure:"publishTimeoutMs"`
}

// ActivityConfig holds activity logger configuration.
type ActivityConfig struct {
	QueueSize       int    `mapstructure:"queueSize"`
	BatchSize       int    `mapstructure:"batchSize"`
	FlushIntervalMs int    `mapstructure:"flushIntervalMs"`
	RotateBytes     int64  `mapstructure:"rotateBytes"`
	Strict          bool   `mapstructure:"strict"`
	ShutdownGraceMs int    `mapstructure:"shutdownGraceMs"`
	Policy          string `mapstructure:"policy"` // drop or block
}

// SnapshotConfig holds snapshot engine configuration.
type SnapshotConfig struct {
	AgentCountTrigger int  `mapstructure:"agentCountTrigger"`
	TokenTrigger      int  `mapstructure:"tokenTrigger"`
	IntervalSeconds   int  `mapstructure:"intervalSeconds"` // 0 disables the periodic trigger
	Compress          bool `mapstructure:"compress"`
	GitTimeoutMs      int  `mapstructure:"gitTimeoutMs"`
	WriteTimeoutMs    int  `mapstructure:"writeTimeoutMs"`
}

// AnalyticsConfig holds analytics store configuration.
type AnalyticsConfig struct {
	BatchRows       int `mapstructure:"batchRows"`
	FlushIntervalMs int `mapstructure:"flushIntervalMs"`
}

// ApprovalConfig holds approval gate configuration.
type ApprovalConfig struct {
	Threshold      float64  `mapstructure:"threshold"`
	TimeoutSeconds int      `mapstructure:"timeoutSeconds"`
	Bypass         bool     `mapstructure:"bypass"`
	ProtectTests   bool     `mapstructure:"protectTests"`
	SensitivePaths []string `mapstructure:"sensitivePaths"`
}

// MonitorConfig holds realtime monitor configuration.
type MonitorConfig struct {
	MetricsIntervalMs int `mapstructure:"metricsIntervalMs"`
	ClientBuffer      int `mapstructure:"clientBuffer"`
}

// FlushInterval returns the activity flush interval as a time.Duration.
func (a *ActivityConfig) FlushInterval() time.Duration {
	return time.Duration(a.FlushIntervalMs) * time.Millisecond
}

// ShutdownGrace returns the shutdown drain deadline as a time.Duration.
func (a *ActivityConfig) ShutdownGrace() time.Duration {
	return time.Duration(a.ShutdownGraceMs) * time.Millisecond
}

// PublishTimeout returns the bus publish block deadline as a time.Duration.
func (b *BusConfig) PublishTimeout() time.Duration {
	return time.Duration(b.PublishTimeoutMs) * time.Millisecond
}

// GitTimeout returns the per-git-call timeout as a time.Duration.
func (s *SnapshotConfig) GitTimeout() time.Duration {
	return time.Duration(s.GitTimeoutMs) * time.Millisecond
}

// WriteTimeout returns the per-snapshot-write-attempt timeout.
func (s *SnapshotConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutMs) * time.Millisecond
}

// Interval returns the periodic snapshot trigger interval, zero when disabled.
func (s *SnapshotConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// FlushInterval returns the analytics batch flush interval.
func (a *AnalyticsConfig) FlushInterval() time.Duration {
	return time.Duration(a.FlushIntervalMs) * time.Millisecond
}

// Timeout returns the approval wait timeout as a time.Duration.
func (a *ApprovalConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// MetricsInterval returns the metrics push cadence.
func (m *MonitorConfig) MetricsInterval() time.Duration {
	return time.Duration(m.MetricsIntervalMs) * time.Millisecond
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("dataDir", ".subagent")
	v.SetDefault("migrateLegacy", false)

	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8343)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.outputPath", "stdout")

	// Bus defaults - empty URL means use in-memory event bus
	v.SetDefault("bus.natsUrl", "")
	v.SetDefault("bus.queueSize", 4096)
	v.SetDefault("bus.subscriberBuffer", 1024)
	v.SetDefault("bus.publishTimeoutMs", 50)

	// Activity logger defaults
	v.SetDefault("activity.queueSize", 8192)
	v.SetDefault("activity.batchSize", 256)
	v.SetDefault("activity.flushIntervalMs", 100)
	v.SetDefault("activity.rotateBytes", 64*1024*1024)
	v.SetDefault("activity.strict", false)
	v.SetDefault("activity.shutdownGraceMs", 5000)
	v.SetDefault("activity.policy", "drop")

	// Snapshot defaults
	v.SetDefault("snapshot.agentCountTrigger", 10)
	v.SetDefault("snapshot.tokenTrigger", 20000)
	v.SetDefault("snapshot.intervalSeconds", 0)
	v.SetDefault("snapshot.compress", false)
	v.SetDefault("snapshot.gitTimeoutMs", 2000)
	v.SetDefault("snapshot.writeTimeoutMs", 5000)

	// Analytics defaults
	v.SetDefault("analytics.batchRows", 100)
	v.SetDefault("analytics.flushIntervalMs", 250)

	// Approval defaults
	v.SetDefault("approval.threshold", 0.5)
	v.SetDefault("approval.timeoutSeconds", 600)
	v.SetDefault("approval.bypass", false)
	v.SetDefault("approval.protectTests", true)
	v.SetDefault("approval.sensitivePaths", []string{".env*", "credentials/*", "*.pem", "*.key", "secrets/*"})

	// Monitor defaults
	v.SetDefault("monitor.metricsIntervalMs", 1000)
	v.SetDefault("monitor.clientBuffer", 256)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix SUBAGENT_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("SUBAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from the config key.
	_ = v.BindEnv("dataDir", "SUBAGENT_DATA_DIR")
	_ = v.BindEnv("migrateLegacy", "SUBAGENT_MIGRATE_LEGACY")
	_ = v.BindEnv("approval.threshold", "SUBAGENT_APPROVAL_THRESHOLD")
	_ = v.BindEnv("approval.bypass", "SUBAGENT_APPROVALS_BYPASS")
	_ = v.BindEnv("bus.natsUrl", "SUBAGENT_NATS_URL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/subagent/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are consistent.
func validate(cfg *Config) error {
	var errs []string

	if cfg.DataDir == "" {
		errs = append(errs, "dataDir must not be empty")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Bus.QueueSize <= 0 {
		errs = append(errs, "bus.queueSize must be positive")
	}
	if cfg.Activity.QueueSize <= 0 {
		errs = append(errs, "activity.queueSize must be positive")
	}
	if cfg.Activity.Policy != "drop" && cfg.Activity.Policy != "block" {
		errs = append(errs, "activity.policy must be one of: drop, block")
	}
	if cfg.Snapshot.AgentCountTrigger < 0 || cfg.Snapshot.TokenTrigger < 0 {
		errs = append(errs, "snapshot triggers must not be negative")
	}
	if cfg.Analytics.BatchRows <= 0 {
		errs = append(errs, "analytics.batchRows must be positive")
	}
	if cfg.Approval.Threshold < 0 || cfg.Approval.Threshold > 1 {
		errs = append(errs, "approval.threshold must be within [0, 1]")
	}
	if cfg.Approval.TimeoutSeconds <= 0 {
		errs = append(errs, "approval.timeoutSeconds must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
