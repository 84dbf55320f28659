package master

import (
	"context"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	warperrors "github.com/mirkobrombin/go-warp-lock/v1/errors"
)

const (
	defaultRedisPrefix = "warp:lock"
	defaultPollEvery   = 250 * time.Millisecond
)

var acquireScript = redis.NewScript(`
if redis.call("SET", KEYS[1], ARGV[1], "NX") then
    if tonumber(ARGV[2]) > 0 then
        redis.call("PEXPIRE", KEYS[1], ARGV[2])
    end
    return 1
end
if redis.call("GET", KEYS[1]) == ARGV[1] then
    if tonumber(ARGV[2]) > 0 then
        redis.call("PEXPIRE", KEYS[1], ARGV[2])
    end
    return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis implements Arbiter using a Redis backend so that several master
// processes can share token state.
type Redis struct {
	client    redis.UniversalClient
	prefix    string
	ttl       time.Duration
	pollEvery time.Duration
}

// RedisOption configures a Redis arbiter.
type RedisOption func(*Redis)

// WithKeyPrefix sets the prefix of token keys and release channels.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// WithTokenTTL expires tokens whose holder disappeared. Zero keeps tokens
// until released, which is the default.
func WithTokenTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) {
		r.ttl = ttl
	}
}

// WithPollInterval sets how often a waiting Acquire retries when no release
// notification arrives, covering expired tokens.
func WithPollInterval(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.pollEvery = d
		}
	}
}

// NewRedis returns a Redis arbiter using the provided client.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{client: client, prefix: defaultRedisPrefix, pollEvery: defaultPollEvery}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) tokenKey(ownerID uint64) string {
	return r.prefix + ":" + strconv.FormatUint(ownerID, 10)
}

func (r *Redis) releaseChannel(ownerID uint64) string {
	return r.prefix + ":released:" + strconv.FormatUint(ownerID, 10)
}

func (r *Redis) tryAcquire(ctx context.Context, ownerID uint64, holder string) (bool, error) {
	n, err := acquireScript.Run(ctx, r.client, []string{r.tokenKey(ownerID)}, holder, r.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Acquire implements Arbiter.Acquire.
func (r *Redis) Acquire(ctx context.Context, ownerID uint64, holder string) error {
	ok, err := r.tryAcquire(ctx, ownerID, holder)
	if err != nil || ok {
		return err
	}

	sub := r.client.Subscribe(ctx, r.releaseChannel(ownerID))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	ch := sub.Channel()
	ticker := time.NewTicker(r.pollEvery)
	defer ticker.Stop()

	for {
		ok, err := r.tryAcquire(ctx, ownerID, holder)
		if err != nil || ok {
			return err
		}
		select {
		case <-ch:
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Release implements Arbiter.Release.
func (r *Redis) Release(ctx context.Context, ownerID uint64, holder string) error {
	n, err := releaseScript.Run(ctx, r.client, []string{r.tokenKey(ownerID)}, holder).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: owner %d by %q", warperrors.ErrNotHeld, ownerID, holder)
	}
	// Waiters also poll, so a lost notification only delays the hand-over.
	_ = r.client.Publish(ctx, r.releaseChannel(ownerID), holder).Err()
	return nil
}

// Holder returns the current holder of ownerID's token.
func (r *Redis) Holder(ctx context.Context, ownerID uint64) (string, bool, error) {
	v, err := r.client.Get(ctx, r.tokenKey(ownerID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}
