package session

import (
	"fmt"
	"time"
)

// Store types.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreRedis  = "redis"
)

// Config selects and configures a chat store.
type Config struct {
	// Type is "memory", "file" or "redis". Default: "memory".
	Type string `mapstructure:"type"`

	// Dir is the base directory for the file store.
	// Default: ~/.convergence/chats
	Dir string `mapstructure:"dir"`

	// TTL expires idle Redis histories.
	TTL time.Duration `mapstructure:"ttl"`

	Redis RedisConfig `mapstructure:"redis"`
}

// New builds the store cfg selects.
func New(cfg Config) (ChatStore, error) {
	switch cfg.Type {
	case StoreMemory, "":
		return NewMemoryStore(), nil
	case StoreFile:
		s, err := NewFileStore(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return s, nil
	case StoreRedis:
		redisCfg := cfg.Redis
		if redisCfg.TTL == 0 {
			redisCfg.TTL = cfg.TTL
		}
		s, err := NewRedisStore(redisCfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown chat store type: %s", cfg.Type)
	}
}
