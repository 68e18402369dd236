// Package config loads layered configuration (defaults, optional .env,
// optional YAML file, environment overrides) the way the teacher's
// config.Load does, generalized from a Postgres-backed ingestion service
// to this scan-loop engine's surface.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds the application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Runner     RunnerConfig     `mapstructure:"runner"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Blocking   BlockingConfig   `mapstructure:"blocking"`
	Transition TransitionConfig `mapstructure:"transition"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Proxies    []string         `mapstructure:"proxies"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig holds the ops HTTP server (health + metrics) configuration.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds the embedded SQLite store configuration.
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	BusyTimeout     time.Duration `mapstructure:"busy_timeout"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RunnerConfig holds the task supervisor's concurrency and cadence knobs.
type RunnerConfig struct {
	MaxWorkers      int           `mapstructure:"max_workers"`
	LoopSleep       time.Duration `mapstructure:"loop_sleep"`
	MaxTaskDeadline time.Duration `mapstructure:"max_task_deadline"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DispatchConfig holds the per-call scan pacing and retry knobs.
type DispatchConfig struct {
	MinDelay       time.Duration `mapstructure:"scan_min_delay"`
	MaxDelay       time.Duration `mapstructure:"scan_max_delay"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
}

// BlockingConfig holds quarantine and suspicious-response detection knobs.
type BlockingConfig struct {
	SuspiciousMinBytes  int           `mapstructure:"suspicious_min_bytes"`
	ForbiddenQuarantine time.Duration `mapstructure:"forbidden_quarantine"`
	ChallengeQuarantine time.Duration `mapstructure:"challenge_quarantine"`
	RateLimitDefault    time.Duration `mapstructure:"rate_limit_default"`
	TransientQuarantine time.Duration `mapstructure:"transient_quarantine"`
	TransientWindow     time.Duration `mapstructure:"transient_window"`
	TransientThreshold  int           `mapstructure:"transient_threshold"`
}

// TransitionConfig holds the stock-transition delta engine's knobs.
type TransitionConfig struct {
	PriceChangeThreshold float64 `mapstructure:"price_change_threshold"`
}

// NotifyConfig holds the notification dispatcher's dedup and delivery knobs.
type NotifyConfig struct {
	DedupWindow   time.Duration `mapstructure:"dedup_window"`
	DedupCapacity int           `mapstructure:"dedup_capacity"`
	WebhookURL    string        `mapstructure:"webhook_url"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Format  string `mapstructure:"format"`
	NoColor bool   `mapstructure:"no_color"`
}

// TelemetryConfig holds the OpenTelemetry exporter configuration. Disabled
// by default since a bare install has no collector to send to.
type TelemetryConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Endpoint       string `mapstructure:"endpoint"`
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
	Environment    string `mapstructure:"environment"`
}

var globalConfig *Config

// Load loads the configuration from file, .env, and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := loadEnvFile(v); err != nil {
		log.Warn().Err(err).Msg("Warning: .env file not loaded")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("RESTOCKWATCH")
	bindEnvVars(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	globalConfig = &cfg
	return &cfg, nil
}

func loadEnvFile(v *viper.Viper) error {
	envPaths := []string{".", "./config"}

	for _, path := range envPaths {
		envFile := fmt.Sprintf("%s/.env", path)
		if _, err := os.Stat(envFile); err == nil {
			if err := loadDotEnvFile(envFile); err == nil {
				return nil
			}
		}
	}
	return fmt.Errorf("no .env file found")
}

func loadDotEnvFile(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			value = strings.Trim(value, "\"'")
			os.Setenv(key, value)
		}
	}
	return scanner.Err()
}

func bindEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "DATABASE_PATH")
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.host", "HOST")
	v.BindEnv("logging.level", "LOG_LEVEL")
	v.BindEnv("notify.webhook_url", "WEBHOOK_URL")
	v.BindEnv("telemetry.endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	v.BindEnv("telemetry.service_name", "OTEL_SERVICE_NAME")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 9090)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)

	v.SetDefault("database.path", "./data/restockwatch.db")
	v.SetDefault("database.max_open_conns", 8)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.busy_timeout", 10*time.Second)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("runner.max_workers", 4)
	v.SetDefault("runner.loop_sleep", time.Second)
	v.SetDefault("runner.max_task_deadline", 60*time.Second)
	v.SetDefault("runner.shutdown_timeout", 5*time.Second)

	v.SetDefault("dispatch.scan_min_delay", time.Second)
	v.SetDefault("dispatch.scan_max_delay", 3*time.Second)
	v.SetDefault("dispatch.request_timeout", 30*time.Second)
	v.SetDefault("dispatch.max_attempts", 3)

	v.SetDefault("blocking.suspicious_min_bytes", 500)
	v.SetDefault("blocking.forbidden_quarantine", time.Hour)
	v.SetDefault("blocking.challenge_quarantine", time.Hour)
	v.SetDefault("blocking.rate_limit_default", 10*time.Minute)
	v.SetDefault("blocking.transient_quarantine", 15*time.Minute)
	v.SetDefault("blocking.transient_window", 10*time.Minute)
	v.SetDefault("blocking.transient_threshold", 3)

	v.SetDefault("transition.price_change_threshold", 0.05)

	v.SetDefault("notify.dedup_window", 30*time.Minute)
	v.SetDefault("notify.dedup_capacity", 10000)
	v.SetDefault("notify.webhook_url", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.no_color", false)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "localhost:4317")
	v.SetDefault("telemetry.service_name", "restockwatch")
	v.SetDefault("telemetry.service_version", "dev")
	v.SetDefault("telemetry.environment", "development")
}

// Get returns the global configuration set by the last call to Load.
func Get() *Config {
	return globalConfig
}
