package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aixgo-dev/convergence/pkg/chat"
)

const defaultRedisPrefix = "convergence:chat:"

// RedisStore keeps histories in Redis so several engine replicas can share
// sessions.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string `mapstructure:"addr"`
	// Password is the Redis password (optional).
	Password string `mapstructure:"password"`
	// DB is the Redis database number.
	DB int `mapstructure:"db"`
	// Prefix is the key prefix (default: "convergence:chat:").
	Prefix string `mapstructure:"prefix"`
	// TTL expires idle histories (0 = never expire).
	TTL time.Duration `mapstructure:"ttl"`
	// PoolSize is the connection pool size (default: 10).
	PoolSize int `mapstructure:"pool_size"`
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisStoreFromClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisStore) historyKey(agent, session string) string {
	return r.prefix + "history:" + agent + ":" + session
}

func (r *RedisStore) agentIndexKey(agent string) string {
	return r.prefix + "agent:" + agent
}

func (r *RedisStore) checkOpen() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrStorageClosed
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, agent, session string) (*chat.History, error) {
	if err := validateKey(agent, session); err != nil {
		return nil, err
	}
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	data, err := r.client.Get(ctx, r.historyKey(agent, session)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}

	var h chat.History
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("unmarshal history: %w", err)
	}
	return &h, nil
}

func (r *RedisStore) Set(ctx context.Context, agent, session string, history *chat.History) error {
	if err := validateKey(agent, session); err != nil {
		return err
	}
	if err := r.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(history.Clone())
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.historyKey(agent, session), data, r.ttl)
	pipe.SAdd(ctx, r.agentIndexKey(agent), session)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, agent, session string) error {
	if err := validateKey(agent, session); err != nil {
		return err
	}
	if err := r.checkOpen(); err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.historyKey(agent, session))
	pipe.SRem(ctx, r.agentIndexKey(agent), session)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	return nil
}

// Sessions lists indexed sessions, dropping index entries whose history has
// expired.
func (r *RedisStore) Sessions(ctx context.Context, agent string) ([]string, error) {
	if err := validatePathComponent(agent); err != nil {
		return nil, err
	}
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	members, err := r.client.SMembers(ctx, r.agentIndexKey(agent)).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	ids := make([]string, 0, len(members))
	for _, id := range members {
		n, err := r.client.Exists(ctx, r.historyKey(agent, id)).Result()
		if err != nil {
			return nil, fmt.Errorf("check session %s: %w", id, err)
		}
		if n == 0 {
			r.client.SRem(ctx, r.agentIndexKey(agent), id)
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Ping checks the connection. It backs the readiness check.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}
