// Package config loads runtime settings from convergence.yaml and
// CONVERGENCE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/aixgo-dev/convergence/pkg/resource"
	"github.com/aixgo-dev/convergence/pkg/session"
)

// EnvPrefix prefixes every environment override, e.g. CONVERGENCE_LOG_LEVEL.
const EnvPrefix = "CONVERGENCE"

// Repository types.
const (
	StoreMemory    = "memory"
	StoreRedis     = "redis"
	StoreFirestore = "firestore"
)

// Settings holds all runtime configuration.
type Settings struct {
	Log           LogConfig           `mapstructure:"log"`
	Store         StoreConfig         `mapstructure:"store"`
	Chat          session.Config      `mapstructure:"chat"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Orchestration OrchestrationConfig `mapstructure:"orchestration"`
	A2A           A2AConfig           `mapstructure:"a2a"`
}

// LogConfig selects the log level and encoding.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StoreConfig selects the resource repository.
type StoreConfig struct {
	Type      string                   `mapstructure:"type"`
	Redis     resource.RedisConfig     `mapstructure:"redis"`
	Firestore resource.FirestoreConfig `mapstructure:"firestore"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	Exporter string `mapstructure:"exporter"`
	Endpoint string `mapstructure:"endpoint"`
	// Headers is "key=value,key=value".
	Headers  string `mapstructure:"headers"`
	Insecure bool   `mapstructure:"insecure"`
}

// MetricsConfig configures the metrics and health server. An empty address
// disables it.
type MetricsConfig struct {
	Address string `mapstructure:"address"`
}

// OrchestrationConfig holds process defaults.
type OrchestrationConfig struct {
	// MaxConcurrency applies to processes that do not set their own limit.
	MaxConcurrency int `mapstructure:"max_concurrency"`
}

// A2AConfig tunes the remote agent client.
type A2AConfig struct {
	RateLimit    float64       `mapstructure:"rate_limit"`
	Burst        int           `mapstructure:"burst"`
	MaxFailures  int           `mapstructure:"max_failures"`
	ResetTimeout time.Duration `mapstructure:"reset_timeout"`
	Timeout      time.Duration `mapstructure:"timeout"`
	// AllowPrivate permits endpoints on loopback and private networks.
	AllowPrivate bool          `mapstructure:"allow_private"`
}

var defaults = map[string]any{
	"log.level":                        "info",
	"log.format":                       "json",
	"store.type":                       StoreMemory,
	"store.redis.addr":                 "localhost:6379",
	"store.redis.password":             "",
	"store.redis.db":                   0,
	"store.redis.prefix":               "",
	"store.firestore.project":          "",
	"store.firestore.credentials_file": "",
	"store.firestore.collection":       "",
	"chat.type":                        session.StoreMemory,
	"chat.dir":                         "",
	"chat.ttl":                         time.Duration(0),
	"chat.redis.addr":                  "localhost:6379",
	"chat.redis.password":              "",
	"chat.redis.db":                    0,
	"chat.redis.prefix":                "",
	"chat.redis.pool_size":             0,
	"telemetry.exporter":               "none",
	"telemetry.endpoint":               "",
	"telemetry.headers":                "",
	"telemetry.insecure":               false,
	"metrics.address":                  "",
	"orchestration.max_concurrency":    0,
	"a2a.rate_limit":                   0.0,
	"a2a.burst":                        1,
	"a2a.max_failures":                 5,
	"a2a.reset_timeout":                30 * time.Second,
	"a2a.timeout":                      5 * time.Minute,
	"a2a.allow_private":                false,
}

// Default returns the settings used when nothing is configured.
func Default() *Settings {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	var s Settings
	// Defaults always decode.
	_ = v.Unmarshal(&s)
	return &s
}

// Load reads settings. With an empty path, convergence.yaml is looked up in
// the working directory and $HOME/.convergence; a missing file is not an
// error. Environment variables override the file.
func Load(path string) (*Settings, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("convergence")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.convergence")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks enumerated values.
func (s *Settings) Validate() error {
	switch s.Store.Type {
	case StoreMemory, StoreRedis:
	case StoreFirestore:
		if s.Store.Firestore.ProjectID == "" {
			return fmt.Errorf("store.firestore.project is required for the firestore store")
		}
	default:
		return fmt.Errorf("unknown store.type %q", s.Store.Type)
	}

	switch s.Chat.Type {
	case session.StoreMemory, session.StoreFile, session.StoreRedis:
	default:
		return fmt.Errorf("unknown chat.type %q", s.Chat.Type)
	}

	switch s.Telemetry.Exporter {
	case "", "none", "stdout", "otlp":
	default:
		return fmt.Errorf("unknown telemetry.exporter %q", s.Telemetry.Exporter)
	}

	if s.Orchestration.MaxConcurrency < 0 {
		return fmt.Errorf("orchestration.max_concurrency cannot be negative")
	}
	return nil
}
