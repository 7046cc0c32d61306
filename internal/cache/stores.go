package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kalambet/docvec/internal/storage"
)

// MemoryStore keeps entries in process memory. Useful for tests and for a
// single short-lived process.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	value   []byte
	expires time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry), now: time.Now}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || (!e.expires.IsZero() && !m.now().Before(e.expires)) {
		return nil, ErrMiss
	}
	return e.value, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := memEntry{value: value}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.entries[key] = e
	m.mu.Unlock()
	return nil
}

// SQLiteStore keeps entries in the Entity Store's kv table.
type SQLiteStore struct {
	db *storage.Store
}

func NewSQLiteStore(db *storage.Store) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Get(_ context.Context, key string) ([]byte, error) {
	v, err := s.db.GetKV(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrMiss
	}
	return v, err
}

func (s *SQLiteStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	return s.db.PutKV(key, value, ttl)
}

// Purge deletes expired entries. Reads already skip them; this reclaims the
// rows.
func (s *SQLiteStore) Purge() (int, error) {
	return s.db.PurgeExpiredKV()
}

// RunPurge calls Purge every interval until ctx ends.
func (s *SQLiteStore) RunPurge(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Purge()
			if err != nil {
				slog.Warn("purging expired cache entries failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("purged expired cache entries", "count", n)
			}
		}
	}
}

// RedisStore keeps entries in Redis under a key prefix.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to the server at url (redis://host:port/db) and
// pings it once.
func NewRedisStore(ctx context.Context, url, prefix string) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w: %v", ErrUnavailable, err)
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	return v, err
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, r.prefix+key, value, ttl).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
