// Package config provides configuration management for the gateway.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"modelgate/internal/policy"
)

// Config holds the full gateway configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Provider   ProviderConfig   `mapstructure:"provider"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	RequestLog RequestLogConfig `mapstructure:"request_log"`
}

// ServerConfig is the [server] section.
type ServerConfig struct {
	BindAddress string   `mapstructure:"bind_address"`
	Port        int      `mapstructure:"port"`
	API         string   `mapstructure:"api"`
	AuthToken   string   `mapstructure:"auth_token"`
	NoAuth      bool     `mapstructure:"no_auth"`
	CORSOrigins []string `mapstructure:"cors_origins"`
	MaxSessions int      `mapstructure:"max_sessions"`
	// KeepAlive is the SSE idle threshold before a comment frame is sent.
	KeepAlive time.Duration `mapstructure:"keep_alive"`
	// IdleTimeout closes keep-alive connections with no request in flight.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// ProviderConfig is the [provider] section.
type ProviderConfig struct {
	APIKey       string        `mapstructure:"api_key"`
	BaseURL      string        `mapstructure:"base_url"`
	Wire         string        `mapstructure:"wire"`
	DefaultModel string        `mapstructure:"default_model"`
	Models       []string      `mapstructure:"models"`
	CallTimeout  time.Duration `mapstructure:"call_timeout"`
	// Zero bounds mean the provider declared none and values pass through
	// unchecked.
	MaxTemperature float64 `mapstructure:"max_temperature"`
	MaxTokens      int     `mapstructure:"max_tokens"`
}

// LoggingConfig is the [logging] section.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RequestLogConfig is the [request_log] section. Only request metadata is
// ever written; disabling it loses nothing but local traffic history.
type RequestLogConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Load reads configuration from an optional TOML file plus the environment.
// Environment variables use the MODELGATE_ prefix with sections joined by
// underscores, e.g. MODELGATE_SERVER_PORT or MODELGATE_PROVIDER_API_KEY.
func Load(path string) (*Config, error) {
	// A local .env is a convenience for development. Missing is fine.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("toml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.modelgate")
	}

	setDefaults(v)

	v.SetEnvPrefix("MODELGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Every key needs a default so AutomaticEnv can see it at Unmarshal
	// time; viper only merges environment values for keys it knows about.
	v.SetDefault("server.bind_address", "127.0.0.1")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.api", "openai")
	v.SetDefault("server.auth_token", "")
	v.SetDefault("server.no_auth", false)
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.max_sessions", 32)
	v.SetDefault("server.keep_alive", "10s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.base_url", "")
	v.SetDefault("provider.wire", "responses")
	v.SetDefault("provider.default_model", "gpt-4o")
	v.SetDefault("provider.models", []string{})
	v.SetDefault("provider.call_timeout", "300s")
	v.SetDefault("provider.max_temperature", 0.0)
	v.SetDefault("provider.max_tokens", 0)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("request_log.enabled", false)
	v.SetDefault("request_log.path", "modelgate.db")
}

// PolicyRaw converts the server section into policy validator input.
func (s ServerConfig) PolicyRaw() policy.Raw {
	return policy.Raw{
		BindAddress: s.BindAddress,
		Port:        s.Port,
		Token:       s.AuthToken,
		NoAuth:      s.NoAuth,
		CORSOrigins: s.CORSOrigins,
	}
}
