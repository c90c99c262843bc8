// Package cache stores JSON-encoded values with a TTL. The dashboard uses
// it to avoid recounting on every page view.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Cache is a keyed store of JSON values.
type Cache interface {
	// Get decodes the value at key into dest and reports whether it was found.
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeletePrefix(ctx context.Context, prefix string) error
}

// =============================================================================
// Memory
// =============================================================================

type memoryEntry struct {
	data    []byte
	expires time.Time
}

// Memory is a process-local Cache.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

var _ Cache = (*Memory)(nil)

// NewMemory creates an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *Memory) Get(_ context.Context, key string, dest interface{}) (bool, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if !entry.expires.IsZero() && !m.now().Before(entry.expires) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return false, nil
	}
	if err := json.Unmarshal(entry.data, dest); err != nil {
		return false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return true, nil
}

func (m *Memory) Set(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	entry := memoryEntry{data: data}
	if ttl > 0 {
		entry.expires = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.entries[key] = entry
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

func (m *Memory) DeletePrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			delete(m.entries, k)
		}
	}
	return nil
}

// Purge drops expired entries and returns how many it removed.
func (m *Memory) Purge() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, e := range m.entries {
		if !e.expires.IsZero() && !now.Before(e.expires) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired or not.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// =============================================================================
// Redis
// =============================================================================

// Redis is a Cache shared between server replicas.
type Redis struct {
	client    redis.UniversalClient
	namespace string
}

var _ Cache = (*Redis)(nil)

// RedisOptions configures NewRedis.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	Namespace string
}

// NewRedis connects to a redis server. The connection is lazy; use Ping to
// check it.
func NewRedis(opts RedisOptions) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisFromClient(client, opts.Namespace)
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client redis.UniversalClient, namespace string) *Redis {
	if namespace != "" && !strings.HasSuffix(namespace, ":") {
		namespace += ":"
	}
	return &Redis{client: client, namespace: namespace}
}

func (r *Redis) key(k string) string {
	return r.namespace + k
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := r.client.Set(ctx, r.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	return r.client.Del(ctx, full...).Err()
}

func (r *Redis) DeletePrefix(ctx context.Context, prefix string) error {
	iter := r.client.Scan(ctx, 0, r.key(prefix)+"*", 100).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 100 {
			if err := r.client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan %s: %w", prefix, err)
	}
	if len(batch) > 0 {
		return r.client.Del(ctx, batch...).Err()
	}
	return nil
}

// =============================================================================
// Constructor
// =============================================================================

// Options selects a cache backend.
type Options struct {
	Kind      string
	RedisAddr string
	RedisPass string
	RedisDB   int
	Namespace string
}

// New builds the backend named by opts.Kind ("memory" or "redis").
func New(opts Options) (Cache, error) {
	switch strings.ToLower(opts.Kind) {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		if opts.RedisAddr == "" {
			return nil, fmt.Errorf("redis cache requires an address")
		}
		return NewRedis(RedisOptions{Addr: opts.RedisAddr, Password: opts.RedisPass, DB: opts.RedisDB, Namespace: opts.Namespace}), nil
	default:
		return nil, fmt.Errorf("unknown cache kind %q", opts.Kind)
	}
}
