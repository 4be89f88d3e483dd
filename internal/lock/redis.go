package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/linkcheck/internal/linkcheck"
)

// DefaultTTL bounds how long a crashed holder blocks other runs.
const DefaultTTL = 15 * time.Minute

// ErrNotHeld is returned when releasing a lock owned by someone else.
var ErrNotHeld = errors.New("lock not held")

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// TokenSource produces unique owner tokens.
type TokenSource interface {
	NewToken() (string, error)
}

// Redis is a SETNX lock whose value is an owner token, so only the holder
// can release it. Keys expire after the TTL.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	tokens TokenSource

	mu    sync.Mutex
	owned map[string]string
}

var _ linkcheck.DistributedLock = (*Redis)(nil)

// NewRedis builds a Redis lock. A non-positive ttl uses DefaultTTL.
func NewRedis(client *redis.Client, ttl time.Duration, tokens TokenSource) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{
		client: client,
		ttl:    ttl,
		tokens: tokens,
		owned:  make(map[string]string),
	}
}

func key(name string) string {
	return "linkcheck:lock:" + name
}

// TryAcquire sets the lock key if it does not exist.
func (r *Redis) TryAcquire(ctx context.Context, name string) (bool, error) {
	token, err := r.tokens.NewToken()
	if err != nil {
		return false, fmt.Errorf("lock token: %w", err)
	}
	ok, err := r.client.SetNX(ctx, key(name), token, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %q: %w", name, err)
	}
	if ok {
		r.mu.Lock()
		r.owned[name] = token
		r.mu.Unlock()
	}
	return ok, nil
}

// Release deletes the key if this process still owns it.
func (r *Redis) Release(ctx context.Context, name string) error {
	r.mu.Lock()
	token, ok := r.owned[name]
	delete(r.owned, name)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	n, err := releaseScript.Run(ctx, r.client, []string{key(name)}, token).Int()
	if err != nil {
		return fmt.Errorf("release lock %q: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("release lock %q: %w", name, ErrNotHeld)
	}
	return nil
}
