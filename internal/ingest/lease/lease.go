// Package lease implements per-source sync leases: a time-bounded
// exclusivity token preventing two orchestrator instances from syncing the
// same source simultaneously. The Redis implementation backs production;
// the in-memory one backs tests and single-instance deployments without
// Redis.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	id "councilsync/pkg/domain"
	"councilsync/pkg/platform/sentinel"
)

// Redis implements ports.Lease on a shared Redis instance.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis builds a Redis-backed lease with the given key prefix.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "councilsync:lease"
	}
	return &Redis{client: client, prefix: prefix}
}

func (l *Redis) key(source id.SourceID) string {
	return l.prefix + ":" + source.String()
}

// renewScript extends the TTL only while we still hold the lease.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the key only if the token matches, so a worker that
// lost its lease cannot release a successor's.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *Redis) Acquire(ctx context.Context, source id.SourceID, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key(source), token, ttl).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", sentinel.ErrLeaseHeld
	}
	return token, nil
}

func (l *Redis) Renew(ctx context.Context, source id.SourceID, token string, ttl time.Duration) error {
	n, err := renewScript.Run(ctx, l.client, []string{l.key(source)}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return sentinel.ErrLeaseHeld
	}
	return nil
}

func (l *Redis) Release(ctx context.Context, source id.SourceID, token string) error {
	_, err := releaseScript.Run(ctx, l.client, []string{l.key(source)}, token).Result()
	return err
}

type memoryEntry struct {
	token   string
	expires time.Time
}

// InMemory is a process-local lease. It cannot guard against a second
// process, but preserves the acquire/renew/release semantics for tests.
type InMemory struct {
	mu     sync.Mutex
	leases map[id.SourceID]memoryEntry
	clock  func() time.Time
}

// NewInMemory builds an empty in-memory lease.
func NewInMemory() *InMemory {
	return &InMemory{
		leases: make(map[id.SourceID]memoryEntry),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for expiry tests.
func (l *InMemory) WithClock(clock func() time.Time) *InMemory {
	l.clock = clock
	return l
}

func (l *InMemory) Acquire(_ context.Context, source id.SourceID, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if entry, ok := l.leases[source]; ok && entry.expires.After(now) {
		return "", sentinel.ErrLeaseHeld
	}
	token := uuid.NewString()
	l.leases[source] = memoryEntry{token: token, expires: now.Add(ttl)}
	return token, nil
}

func (l *InMemory) Renew(_ context.Context, source id.SourceID, token string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	entry, ok := l.leases[source]
	if !ok || entry.token != token || !entry.expires.After(now) {
		return sentinel.ErrLeaseHeld
	}
	entry.expires = now.Add(ttl)
	l.leases[source] = entry
	return nil
}

func (l *InMemory) Release(_ context.Context, source id.SourceID, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.leases[source]; ok && entry.token == token {
		delete(l.leases, source)
	}
	return nil
}
