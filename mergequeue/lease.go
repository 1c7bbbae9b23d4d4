package mergequeue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease grants exclusive use of a branch across merge attempts, possibly
// across processes.
type Lease interface {
	// Acquire takes the lease on key. It returns ok false, without error,
	// when someone else holds it. Release gives a held lease back.
	Acquire(ctx context.Context, key string) (release func(context.Context) error, ok bool, err error)
}

// LocalLease is a Lease held within this process.
type LocalLease struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLocalLease returns an empty LocalLease.
func NewLocalLease() *LocalLease {
	return &LocalLease{held: make(map[string]bool)}
}

func (l *LocalLease) Acquire(_ context.Context, key string) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true
	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
		return nil
	}, true, nil
}

// releaseScript deletes the lease only if it still carries our token, so an
// expired lease retaken by another process is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lease only if it still carries our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLease is a Lease shared through Redis. A held lease is renewed every
// third of its TTL until released, and expires after TTL once its holder
// stops renewing it, so a crashed holder cannot wedge a branch.
type RedisLease struct {
	rdb       redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// NewRedisLease returns a RedisLease storing keys under keyPrefix.
func NewRedisLease(rdb redis.UniversalClient, keyPrefix string, ttl time.Duration) *RedisLease {
	return &RedisLease{rdb: rdb, keyPrefix: keyPrefix, ttl: ttl}
}

func (l *RedisLease) key(name string) string {
	if l.keyPrefix == "" {
		return "git-submit:lease:" + name
	}
	return strings.Join([]string{l.keyPrefix, "lease", name}, ":")
}

func (l *RedisLease) Acquire(ctx context.Context, name string) (func(context.Context) error, bool, error) {
	key := l.key(name)
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquiring lease %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go l.renew(context.WithoutCancel(ctx), key, token, stop, done)
	var once sync.Once
	return func(ctx context.Context) error {
		once.Do(func() {
			close(stop)
			<-done
		})
		if err := releaseScript.Run(ctx, l.rdb, []string{key}, token).Err(); err != nil {
			return fmt.Errorf("releasing lease %s: %w", key, err)
		}
		return nil
	}, true, nil
}

// renew keeps key alive until stop is closed or the lease is lost.
func (l *RedisLease) renew(ctx context.Context, key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(max(l.ttl/3, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		n, err := renewScript.Run(ctx, l.rdb, []string{key}, token, l.ttl.Milliseconds()).Int()
		if err == nil && n == 0 {
			return
		}
	}
}
