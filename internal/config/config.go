package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ericfitz/huc/internal/slogging"
)

// Config holds all application configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Sync    SyncConfig    `yaml:"sync"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration for the reference broker
type ServerConfig struct {
	Port         string        `yaml:"port" env:"SERVER_PORT"`
	Interface    string        `yaml:"interface" env:"SERVER_INTERFACE"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
}

// AuthConfig holds token verification configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" env:"AUTH_JWT_SECRET"`
}

// SyncConfig holds the synchronization engine tunables
type SyncConfig struct {
	BaseReconnectDelayMs     int    `yaml:"base_reconnect_delay_ms" env:"SYNC_BASE_RECONNECT_DELAY_MS"`
	MaxReconnectAttempts     int    `yaml:"max_reconnect_attempts" env:"SYNC_MAX_RECONNECT_ATTEMPTS"`
	HeartbeatIntervalMs      int    `yaml:"heartbeat_interval_ms" env:"SYNC_HEARTBEAT_INTERVAL_MS"`
	PresenceSilenceTimeoutMs int    `yaml:"presence_silence_timeout_ms" env:"SYNC_PRESENCE_SILENCE_TIMEOUT_MS"`
	ConflictPolicy           string `yaml:"conflict_policy" env:"SYNC_CONFLICT_POLICY"`
}

// BaseReconnectDelay returns the configured delay as a duration
func (c SyncConfig) BaseReconnectDelay() time.Duration {
	return time.Duration(c.BaseReconnectDelayMs) * time.Millisecond
}

// HeartbeatInterval returns the configured interval as a duration
func (c SyncConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// PresenceSilenceTimeout returns the configured timeout as a duration
func (c SyncConfig) PresenceSilenceTimeout() time.Duration {
	return time.Duration(c.PresenceSilenceTimeoutMs) * time.Millisecond
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level" env:"LOGGING_LEVEL"`
	IsDev            bool   `yaml:"is_dev" env:"LOGGING_IS_DEV"`
	LogDir           string `yaml:"log_dir" env:"LOGGING_LOG_DIR"`
	MaxAgeDays       int    `yaml:"max_age_days" env:"LOGGING_MAX_AGE_DAYS"`
	MaxSizeMB        int    `yaml:"max_size_mb" env:"LOGGING_MAX_SIZE_MB"`
	MaxBackups       int    `yaml:"max_backups" env:"LOGGING_MAX_BACKUPS"`
	AlsoLogToConsole bool   `yaml:"also_log_to_console" env:"LOGGING_ALSO_LOG_TO_CONSOLE"`
}

// Load loads configuration from YAML file with environment variable overrides
func Load(configFile string) (*Config, error) {
	config := getDefaultConfig()

	if configFile != "" {
		if err := loadFromYAML(config, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config from YAML: %w", err)
		}
	}

	if err := overrideWithEnv(config); err != nil {
		return nil, fmt.Errorf("failed to override with environment variables: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// getDefaultConfig returns a config populated with sensible defaults
func getDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8080",
			Interface:    "0.0.0.0",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Auth: AuthConfig{},
		Sync: SyncConfig{
			BaseReconnectDelayMs:     1000,
			MaxReconnectAttempts:     5,
			HeartbeatIntervalMs:      30000,
			PresenceSilenceTimeoutMs: 90000,
			ConflictPolicy:           "manual-choice",
		},
		Logging: LoggingConfig{
			Level:            "info",
			LogDir:           "logs",
			MaxAgeDays:       7,
			MaxSizeMB:        100,
			MaxBackups:       10,
			AlsoLogToConsole: true,
		},
	}
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		return fmt.Errorf("server port must be numeric: %w", err)
	}
	if c.Sync.BaseReconnectDelayMs <= 0 {
		return fmt.Errorf("sync.base_reconnect_delay_ms must be positive")
	}
	if c.Sync.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("sync.max_reconnect_attempts must be positive")
	}
	if c.Sync.HeartbeatIntervalMs <= 0 {
		return fmt.Errorf("sync.heartbeat_interval_ms must be positive")
	}
	if c.Sync.PresenceSilenceTimeoutMs <= 0 {
		return fmt.Errorf("sync.presence_silence_timeout_ms must be positive")
	}
	if c.Sync.ConflictPolicy != "manual-choice" {
		return fmt.Errorf("sync.conflict_policy %q is not supported", c.Sync.ConflictPolicy)
	}
	return nil
}

// ListenAddr returns the broker bind address
func (c *Config) ListenAddr() string {
	return c.Server.Interface + ":" + c.Server.Port
}

func loadFromYAML(config *Config, path string) error {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from operator CLI flag
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return err
	}
	slogging.Get().Debug("loaded configuration from %s", path)
	return nil
}

// overrideWithEnv walks the config struct and applies values from the
// environment variables named in `env:` tags.
func overrideWithEnv(config *Config) error {
	return overrideStructWithEnv(reflect.ValueOf(config).Elem())
}

func overrideStructWithEnv(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if field.Kind() == reflect.Struct {
			if err := overrideStructWithEnv(field); err != nil {
				return err
			}
			continue
		}

		envName := fieldType.Tag.Get("env")
		if envName == "" {
			continue
		}
		value, ok := os.LookupEnv("HUC_" + envName)
		if !ok {
			continue
		}
		if err := setFieldFromString(field, value); err != nil {
			return fmt.Errorf("invalid value for HUC_%s: %w", envName, err)
		}
	}
	return nil
}

func setFieldFromString(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(parsed)
	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			parsed, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(parsed))
			return nil
		}
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(parsed)
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}
