package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "TETHER"

	defaultHTTPAddress          = "0.0.0.0:8080"
	defaultDatabasePath         = "tether.db"
	defaultLogLevel             = "info"
	defaultRegistryStore        = "sqlite"
	defaultRedisKeyPrefix       = "tether:conn:"
	defaultIdleFlushWindowMs    = 3000
	defaultKeepaliveIntervalMs  = 30000
	defaultReconnectIntervalMs  = 5000
	defaultConnectionTTLSeconds = 86400
	defaultCredentialTTLMinutes = 30
)

// AppConfig captures runtime configuration for the realtime API server.
type AppConfig struct {
	HTTPAddress          string
	DatabasePath         string
	LogLevel             string
	SigningSecret        string
	RegistryStore        string
	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	RedisKeyPrefix       string
	IdleFlushWindow      time.Duration
	KeepaliveInterval    time.Duration
	ReconnectInterval    time.Duration
	ConnectionTTLSeconds int64
	CredentialTTL        time.Duration
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
	configViper.SetDefault("registry.store", defaultRegistryStore)
	configViper.SetDefault("redis.addr", "")
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("redis.key_prefix", defaultRedisKeyPrefix)
	configViper.SetDefault("realtime.idle_flush_window_ms", defaultIdleFlushWindowMs)
	configViper.SetDefault("realtime.keepalive_interval_ms", defaultKeepaliveIntervalMs)
	configViper.SetDefault("realtime.reconnect_interval_ms", defaultReconnectIntervalMs)
	configViper.SetDefault("realtime.connection_ttl_seconds", defaultConnectionTTLSeconds)
	configViper.SetDefault("auth.credential_ttl_minutes", defaultCredentialTTLMinutes)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		SigningSecret:        configViper.GetString("auth.signing_secret"),
		RegistryStore:        configViper.GetString("registry.store"),
		RedisAddr:            configViper.GetString("redis.addr"),
		RedisPassword:        configViper.GetString("redis.password"),
		RedisDB:              configViper.GetInt("redis.db"),
		RedisKeyPrefix:       configViper.GetString("redis.key_prefix"),
		IdleFlushWindow:      time.Duration(configViper.GetInt64("realtime.idle_flush_window_ms")) * time.Millisecond,
		KeepaliveInterval:    time.Duration(configViper.GetInt64("realtime.keepalive_interval_ms")) * time.Millisecond,
		ReconnectInterval:    time.Duration(configViper.GetInt64("realtime.reconnect_interval_ms")) * time.Millisecond,
		ConnectionTTLSeconds: configViper.GetInt64("realtime.connection_ttl_seconds"),
		CredentialTTL:        time.Duration(configViper.GetInt64("auth.credential_ttl_minutes")) * time.Minute,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	switch c.RegistryStore {
	case "sqlite":
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case "redis":
		if strings.TrimSpace(c.RedisAddr) == "" {
			return fmt.Errorf("redis.addr is required when registry.store is redis")
		}
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	default:
		return fmt.Errorf("registry.store must be sqlite or redis, got %q", c.RegistryStore)
	}
	if c.IdleFlushWindow <= 0 {
		return fmt.Errorf("realtime.idle_flush_window_ms must be positive")
	}
	if c.ConnectionTTLSeconds <= 0 {
		return fmt.Errorf("realtime.connection_ttl_seconds must be positive")
	}
	return nil
}
