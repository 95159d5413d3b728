package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "TIMEKEEPER"
	defaultHTTPAddress       = "0.0.0.0:3000"
	defaultDatabasePath      = "timekeeper.db"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultCookieName        = "sessionId"
	defaultBcryptCost        = 10
	defaultTickIntervalMs    = 1000
	defaultTickConcurrency   = 8
	defaultWriteTimeoutMs    = 5000
	defaultPingIntervalMs    = 30000
	minimumBcryptCost        = 4
	maximumBcryptCost        = 31
	minimumTickIntervalMs    = 10
	minimumWriteTimeoutMs    = 100
	minimumPingIntervalMs    = 1000
	minimumTickConcurrency   = 1
	allowedOriginsSeparators = ", "
)

// AppConfig captures runtime configuration for the timekeeper server.
type AppConfig struct {
	HTTPAddress          string
	DatabasePath         string
	LogLevel             string
	LogFormat            string
	SessionCookieName    string
	SessionSigningSecret string
	BcryptCost           int
	TickInterval         time.Duration
	TickConcurrency      int
	WriteTimeout         time.Duration
	PingInterval         time.Duration
	AllowedOrigins       []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.bcrypt_cost", defaultBcryptCost)
	configViper.SetDefault("ticker.interval_ms", defaultTickIntervalMs)
	configViper.SetDefault("ticker.concurrency", defaultTickConcurrency)
	configViper.SetDefault("realtime.write_timeout_ms", defaultWriteTimeoutMs)
	configViper.SetDefault("realtime.ping_interval_ms", defaultPingIntervalMs)
	configViper.SetDefault("cors.allowed_origins", "")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		LogFormat:            configViper.GetString("log.format"),
		SessionCookieName:    configViper.GetString("session.cookie_name"),
		SessionSigningSecret: configViper.GetString("session.signing_secret"),
		BcryptCost:           configViper.GetInt("auth.bcrypt_cost"),
		TickInterval:         time.Duration(configViper.GetInt64("ticker.interval_ms")) * time.Millisecond,
		TickConcurrency:      configViper.GetInt("ticker.concurrency"),
		WriteTimeout:         time.Duration(configViper.GetInt64("realtime.write_timeout_ms")) * time.Millisecond,
		PingInterval:         time.Duration(configViper.GetInt64("realtime.ping_interval_ms")) * time.Millisecond,
		AllowedOrigins:       splitOrigins(configViper.GetString("cors.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if c.BcryptCost < minimumBcryptCost || c.BcryptCost > maximumBcryptCost {
		return fmt.Errorf("auth.bcrypt_cost must be between %d and %d", minimumBcryptCost, maximumBcryptCost)
	}
	if c.TickInterval < minimumTickIntervalMs*time.Millisecond {
		return fmt.Errorf("ticker.interval_ms must be at least %d", minimumTickIntervalMs)
	}
	if c.TickConcurrency < minimumTickConcurrency {
		return fmt.Errorf("ticker.concurrency must be at least %d", minimumTickConcurrency)
	}
	if c.WriteTimeout < minimumWriteTimeoutMs*time.Millisecond {
		return fmt.Errorf("realtime.write_timeout_ms must be at least %d", minimumWriteTimeoutMs)
	}
	if c.PingInterval < minimumPingIntervalMs*time.Millisecond {
		return fmt.Errorf("realtime.ping_interval_ms must be at least %d", minimumPingIntervalMs)
	}
	return nil
}

func splitOrigins(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return strings.ContainsRune(allowedOriginsSeparators, r)
	})
	if len(fields) == 0 {
		return nil
	}
	return fields
}
