// Package lease keeps a single monitoring loop per account across processes
// using a Redis key with an expiry.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrLeaseHeld is returned when another owner holds the lease.
var ErrLeaseHeld = errors.New("lease held by another instance")

// ErrLeaseLost is returned by Refresh when the lease expired or was taken.
var ErrLeaseLost = errors.New("lease lost")

var refreshScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease is one owner's claim on a key. Not safe for concurrent use.
type Lease struct {
	rdb   goredis.UniversalClient
	key   string
	owner string
	ttl   time.Duration
}

// New prepares a lease on key for this process. Nothing is acquired yet.
func New(rdb goredis.UniversalClient, key string, ttl time.Duration) *Lease {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &Lease{rdb: rdb, key: key, owner: uuid.NewString(), ttl: ttl}
}

// Key returns "autoexit:lease:<clientID>".
func Key(clientID string) string {
	return "autoexit:lease:" + clientID
}

func (l *Lease) Owner() string      { return l.owner }
func (l *Lease) TTL() time.Duration { return l.ttl }

// Acquire claims the lease or returns ErrLeaseHeld.
func (l *Lease) Acquire(ctx context.Context) error {
	ok, err := l.rdb.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	if !ok {
		return ErrLeaseHeld
	}
	return nil
}

// Refresh extends the expiry if this owner still holds the lease.
func (l *Lease) Refresh(ctx context.Context) error {
	n, err := refreshScript.Run(ctx, l.rdb, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("refresh lease %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Release deletes the key if this owner still holds it.
func (l *Lease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.owner).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	return nil
}

// Keep refreshes the lease every ttl/3 until ctx ends. It returns
// ErrLeaseLost (or a Redis error after the lease has surely expired) so the
// caller can stop the loop it guards.
func (l *Lease) Keep(ctx context.Context) error {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	lastOK := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rctx, cancel := context.WithTimeout(ctx, l.ttl/3)
			err := l.Refresh(rctx)
			cancel()
			switch {
			case err == nil:
				lastOK = time.Now()
			case errors.Is(err, ErrLeaseLost):
				return err
			case ctx.Err() != nil:
				return nil
			case time.Since(lastOK) >= l.ttl:
				return fmt.Errorf("%w: %v", ErrLeaseLost, err)
			}
		}
	}
}
