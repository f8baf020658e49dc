package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aixgo-dev/convergence/pkg/definition"
)

// RedisRepository stores resources as JSON values in Redis. Each kind and
// namespace keeps a set of names for listing. Conditional writes use
// WATCH/MULTI so a concurrent writer surfaces as ErrConflict.
type RedisRepository struct {
	client *redis.Client
	prefix string
	mu     sync.RWMutex
	closed bool
	now    func() time.Time
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// Prefix is prepended to every key (default: "convergence:resource:").
	Prefix string `mapstructure:"prefix"`
}

// NewRedisRepository connects to Redis and verifies the connection.
func NewRedisRepository(ctx context.Context, cfg RedisConfig) (*RedisRepository, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisRepositoryFromClient(client, cfg.Prefix), nil
}

// NewRedisRepositoryFromClient wraps an existing client.
func NewRedisRepositoryFromClient(client *redis.Client, prefix string) *RedisRepository {
	if prefix == "" {
		prefix = "convergence:resource:"
	}
	return &RedisRepository{client: client, prefix: prefix, now: time.Now}
}

func (b *RedisRepository) resourceKey(kind Kind, name, namespace string) string {
	return b.prefix + key(kind, name, namespace)
}

func (b *RedisRepository) indexKey(kind Kind, namespace string) string {
	return b.prefix + "index:" + string(kind) + "/" + namespace
}

func (b *RedisRepository) namespacesKey(kind Kind) string {
	return b.prefix + "namespaces:" + string(kind)
}

func (b *RedisRepository) checkClosed() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Get loads a resource.
func (b *RedisRepository) Get(ctx context.Context, kind Kind, name, namespace string) (*Resource, error) {
	if err := b.checkClosed(); err != nil {
		return nil, err
	}
	return b.load(ctx, b.client, kind, name, namespace)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (b *RedisRepository) load(ctx context.Context, c getter, kind Kind, name, namespace string) (*Resource, error) {
	data, err := c.Get(ctx, b.resourceKey(kind, name, namespace)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, notFound(kind, name, namespace)
		}
		return nil, fmt.Errorf("get resource: %w", err)
	}
	var r Resource
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal resource: %w", err)
	}
	return &r, nil
}

// List loads every resource of a kind in a namespace matching selector. An
// empty namespace lists every namespace.
func (b *RedisRepository) List(ctx context.Context, kind Kind, namespace string, selector map[string]string) ([]*Resource, error) {
	if err := b.checkClosed(); err != nil {
		return nil, err
	}

	namespaces := []string{namespace}
	if namespace == "" {
		var err error
		namespaces, err = b.client.SMembers(ctx, b.namespacesKey(kind)).Result()
		if err != nil {
			return nil, fmt.Errorf("list namespaces: %w", err)
		}
	}

	out := make([]*Resource, 0)
	for _, ns := range namespaces {
		names, err := b.client.SMembers(ctx, b.indexKey(kind, ns)).Result()
		if err != nil {
			return nil, fmt.Errorf("list resources: %w", err)
		}
		for _, name := range names {
			r, err := b.load(ctx, b.client, kind, name, ns)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					b.client.SRem(ctx, b.indexKey(kind, ns), name)
					continue
				}
				return nil, err
			}
			if r.Matches(selector) {
				out = append(out, r)
			}
		}
	}
	sortResources(out)
	return out, nil
}

// Add stores a new resource.
func (b *RedisRepository) Add(ctx context.Context, r *Resource) (*Resource, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if err := b.checkClosed(); err != nil {
		return nil, err
	}

	stored := r.Clone()
	now := b.now().UTC()
	stored.Metadata.Version = nextVersion("")
	stored.Metadata.CreatedAt = now
	stored.Metadata.UpdatedAt = now
	data, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("marshal resource: %w", err)
	}

	k := b.resourceKey(r.Kind, r.Metadata.Name, r.Metadata.Namespace)
	ok, err := b.client.SetNX(ctx, k, data, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("add resource: %w", err)
	}
	if !ok {
		return nil, ErrAlreadyExists
	}

	pipe := b.client.Pipeline()
	pipe.SAdd(ctx, b.indexKey(r.Kind, r.Metadata.Namespace), r.Metadata.Name)
	pipe.SAdd(ctx, b.namespacesKey(r.Kind), r.Metadata.Namespace)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("index resource: %w", err)
	}
	return stored, nil
}

// Update replaces a stored resource.
func (b *RedisRepository) Update(ctx context.Context, r *Resource, expectedVersion string) (*Resource, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return b.write(ctx, r.Kind, r.Metadata.Name, r.Metadata.Namespace, expectedVersion, func(*Resource) (*Resource, error) {
		return r.Clone(), nil
	})
}

// Patch merge-patches the spec of a stored resource.
func (b *RedisRepository) Patch(ctx context.Context, kind Kind, name, namespace string, patch definition.Tree, expectedVersion string) (*Resource, error) {
	return b.write(ctx, kind, name, namespace, expectedVersion, func(current *Resource) (*Resource, error) {
		return applyPatch(current, patch)
	})
}

func (b *RedisRepository) write(ctx context.Context, kind Kind, name, namespace, expectedVersion string, mutate func(*Resource) (*Resource, error)) (*Resource, error) {
	if err := b.checkClosed(); err != nil {
		return nil, err
	}

	k := b.resourceKey(kind, name, namespace)
	var stored *Resource
	err := b.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := b.load(ctx, tx, kind, name, namespace)
		if err != nil {
			return err
		}
		if expectedVersion != "" && expectedVersion != current.Metadata.Version {
			return conflict(kind, name, namespace, expectedVersion, current.Metadata.Version)
		}
		next, err := mutate(current)
		if err != nil {
			return err
		}
		next.Metadata.Version = nextVersion(current.Metadata.Version)
		next.Metadata.CreatedAt = current.Metadata.CreatedAt
		next.Metadata.UpdatedAt = b.now().UTC()
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal resource: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, data, 0)
			return nil
		})
		if err != nil {
			return err
		}
		stored = next
		return nil
	}, k)
	if errors.Is(err, redis.TxFailedErr) {
		return nil, fmt.Errorf("%w: %s changed during write", ErrConflict, key(kind, name, namespace))
	}
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// Delete removes a resource.
func (b *RedisRepository) Delete(ctx context.Context, kind Kind, name, namespace string) error {
	if err := b.checkClosed(); err != nil {
		return err
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	n, err := b.client.Del(ctx, b.resourceKey(kind, name, namespace)).Result()
	if err != nil {
		return fmt.Errorf("delete resource: %w", err)
	}
	if n == 0 {
		return notFound(kind, name, namespace)
	}
	if err := b.client.SRem(ctx, b.indexKey(kind, namespace), name).Err(); err != nil {
		return fmt.Errorf("unindex resource: %w", err)
	}
	return nil
}

// Close releases the client.
func (b *RedisRepository) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}
