package redis

import (
	"context"
	"fmt"
	"time"

	"watchsync/internal/core/ports"
	"watchsync/pkg/distributed"

	"github.com/redis/go-redis/v9"
)

// RedisRoomDirectory maps live room names to their hosting node. Each
// claim is a TTL'd distributed lock whose value is the node id, so
// exactly one of any set of racing claimants wins and a dead node's
// rooms free up once their claims lapse.
type RedisRoomDirectory struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisRoomDirectory(client *redis.Client, ttl time.Duration) ports.RoomDirectory {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisRoomDirectory{client: client, ttl: ttl}
}

func (d *RedisRoomDirectory) claim(name, nodeID string) *distributed.Lock {
	return distributed.NewLockWithValue(d.client, "watchsync:directory:"+name, nodeID, d.ttl)
}

func (d *RedisRoomDirectory) Reserve(ctx context.Context, name, nodeID string) (bool, error) {
	lock := d.claim(name, nodeID)
	acquired, err := lock.TryLock(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to reserve room name: %w", err)
	}
	if acquired {
		return true, nil
	}
	// A node re-claiming its own room counts as holding the claim.
	holder, err := lock.Holder(ctx)
	if err != nil {
		return false, err
	}
	return holder == nodeID, nil
}

func (d *RedisRoomDirectory) Release(ctx context.Context, name, nodeID string) error {
	if err := d.claim(name, nodeID).Unlock(ctx); err != nil {
		// Releasing a lapsed claim is not a failure.
		if holder, herr := d.claim(name, nodeID).Holder(ctx); herr == nil && holder != nodeID {
			return nil
		}
		return fmt.Errorf("failed to release room claim: %w", err)
	}
	return nil
}

func (d *RedisRoomDirectory) Owner(ctx context.Context, name string) (string, error) {
	holder, err := d.claim(name, "").Holder(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read room claim: %w", err)
	}
	return holder, nil
}

func (d *RedisRoomDirectory) Refresh(ctx context.Context, name, nodeID string) error {
	if err := d.claim(name, nodeID).Refresh(ctx); err != nil {
		return fmt.Errorf("failed to refresh room claim: %w", err)
	}
	return nil
}
