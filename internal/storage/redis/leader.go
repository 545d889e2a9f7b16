package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultLeaderTTL bounds how long a crashed leader blocks the others.
const DefaultLeaderTTL = 30 * time.Second

var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	end
	return 0
`)

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

// Leader is a lease held in one Redis key. Only the instance that set the key
// may renew or release it.
type Leader struct {
	client     redis.Cmdable
	key        string
	instanceID string
	ttl        time.Duration
}

// NewLeader constructs a Leader for key.
func NewLeader(client redis.Cmdable, key, instanceID string, ttl time.Duration) *Leader {
	if ttl <= 0 {
		ttl = DefaultLeaderTTL
	}
	return &Leader{client: client, key: keyPrefix + key, instanceID: instanceID, ttl: ttl}
}

// Acquire takes the lease if free, or renews it when this instance holds it.
func (l *Leader) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.instanceID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("leader election: %w", err)
	}
	if ok {
		return true, nil
	}
	renewed, err := renewScript.Run(ctx, l.client, []string{l.key}, l.instanceID, l.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("leader renewal: %w", err)
	}
	return renewed == 1, nil
}

// Release gives up the lease if this instance holds it.
func (l *Leader) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.instanceID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("leader release: %w", err)
	}
	return nil
}
