// Package directory maps lock owners to the address of their master node.
// Every Directory satisfies lockproxy.AddressBook.
package directory

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/dgraph-io/ristretto"
	redis "github.com/redis/go-redis/v9"

	warperrors "github.com/mirkobrombin/go-warp-lock/v1/errors"
)

// Directory stores the master address of each owner.
type Directory interface {
	Lookup(ctx context.Context, ownerID uint64) (string, error)
	Assign(ctx context.Context, ownerID uint64, address string) error
}

func unknown(ownerID uint64) error {
	return fmt.Errorf("%w: %d", warperrors.ErrUnknownOwner, ownerID)
}

// Static is an in-memory Directory.
type Static struct {
	mu      sync.RWMutex
	masters map[uint64]string
}

// NewStatic returns a Directory seeded with masters.
func NewStatic(masters map[uint64]string) *Static {
	m := make(map[uint64]string, len(masters))
	for id, addr := range masters {
		m[id] = addr
	}
	return &Static{masters: m}
}

// Lookup implements Directory.Lookup.
func (s *Static) Lookup(ctx context.Context, ownerID uint64) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addr, ok := s.masters[ownerID]
	if !ok {
		return "", unknown(ownerID)
	}
	return addr, nil
}

// Assign implements Directory.Assign.
func (s *Static) Assign(ctx context.Context, ownerID uint64, address string) error {
	s.mu.Lock()
	s.masters[ownerID] = address
	s.mu.Unlock()
	return nil
}

// Redis stores masters in a single Redis hash.
type Redis struct {
	client redis.UniversalClient
	key    string
}

// NewRedis returns a Directory over the hash at key ("warp:lock:masters" when empty).
func NewRedis(client redis.UniversalClient, key string) *Redis {
	if key == "" {
		key = "warp:lock:masters"
	}
	return &Redis{client: client, key: key}
}

// Lookup implements Directory.Lookup.
func (r *Redis) Lookup(ctx context.Context, ownerID uint64) (string, error) {
	addr, err := r.client.HGet(ctx, r.key, strconv.FormatUint(ownerID, 10)).Result()
	if err == redis.Nil {
		return "", unknown(ownerID)
	}
	return addr, err
}

// Assign implements Directory.Assign.
func (r *Redis) Assign(ctx context.Context, ownerID uint64, address string) error {
	return r.client.HSet(ctx, r.key, strconv.FormatUint(ownerID, 10), address).Err()
}

// Cached fronts a Directory with a ristretto cache. Assignments made through
// Cached update the cache; assignments made elsewhere are seen once the
// cached entry is evicted or Invalidate is called.
type Cached struct {
	next  Directory
	cache *ristretto.Cache
}

// CachedOption configures the underlying ristretto cache.
type CachedOption func(*ristretto.Config)

// WithCacheConfig applies a custom ristretto configuration.
func WithCacheConfig(cfg *ristretto.Config) CachedOption {
	return func(c *ristretto.Config) {
		if cfg == nil {
			return
		}
		*c = *cfg
	}
}

// NewCached returns a caching Directory in front of next.
func NewCached(next Directory, opts ...CachedOption) (*Cached, error) {
	cfg := &ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 16, // one unit per owner
		BufferItems: 64,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	c, err := ristretto.NewCache(cfg)
	if err != nil {
		return nil, err
	}
	return &Cached{next: next, cache: c}, nil
}

// Lookup implements Directory.Lookup.
func (c *Cached) Lookup(ctx context.Context, ownerID uint64) (string, error) {
	if v, ok := c.cache.Get(ownerID); ok {
		if addr, ok := v.(string); ok {
			return addr, nil
		}
	}
	addr, err := c.next.Lookup(ctx, ownerID)
	if err != nil {
		return "", err
	}
	c.cache.Set(ownerID, addr, 1)
	return addr, nil
}

// Assign implements Directory.Assign.
func (c *Cached) Assign(ctx context.Context, ownerID uint64, address string) error {
	if err := c.next.Assign(ctx, ownerID, address); err != nil {
		return err
	}
	c.cache.Set(ownerID, address, 1)
	return nil
}

// Invalidate drops the cached entry for ownerID.
func (c *Cached) Invalidate(ownerID uint64) {
	c.cache.Del(ownerID)
	c.cache.Wait()
}

// Wait blocks until buffered cache writes are applied.
func (c *Cached) Wait() {
	c.cache.Wait()
}

// Close stops the cache's background goroutines.
func (c *Cached) Close() {
	c.cache.Close()
}
