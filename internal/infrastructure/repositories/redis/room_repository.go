package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"watchsync/internal/core/domain"
	"watchsync/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

type RedisRoomRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisRoomRepository(client *redis.Client) ports.RoomRepository {
	return &RedisRoomRepository{
		client: client,
		prefix: "watchsync:room:",
	}
}

func (r *RedisRoomRepository) roomKey(name string) string {
	return r.prefix + name
}

func (r *RedisRoomRepository) publicKey() string {
	return r.prefix + "public"
}

func (r *RedisRoomRepository) Load(ctx context.Context, name string) (*domain.RoomState, error) {
	data, err := r.client.Get(ctx, r.roomKey(name)).Result()
	if err == redis.Nil {
		return nil, domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get room from redis: %w", err)
	}

	var state domain.RoomState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal room state: %w", err)
	}
	return &state, nil
}

func (r *RedisRoomRepository) Save(ctx context.Context, state *domain.RoomState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal room state: %w", err)
	}

	if err := r.client.Set(ctx, r.roomKey(state.Name), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set room in redis: %w", err)
	}

	// The public set backs the room list; unlisted and private rooms
	// stay out of it.
	if state.Visibility == domain.VisibilityPublic {
		if err := r.client.SAdd(ctx, r.publicKey(), state.Name).Err(); err != nil {
			return fmt.Errorf("failed to add room to public set: %w", err)
		}
	} else {
		if err := r.client.SRem(ctx, r.publicKey(), state.Name).Err(); err != nil {
			return fmt.Errorf("failed to remove room from public set: %w", err)
		}
	}
	return nil
}

func (r *RedisRoomRepository) Delete(ctx context.Context, name string) error {
	if err := r.client.Del(ctx, r.roomKey(name)).Err(); err != nil {
		return fmt.Errorf("failed to delete room from redis: %w", err)
	}
	if err := r.client.SRem(ctx, r.publicKey(), name).Err(); err != nil {
		return fmt.Errorf("failed to remove room from public set: %w", err)
	}
	return nil
}

func (r *RedisRoomRepository) Exists(ctx context.Context, name string) (bool, error) {
	n, err := r.client.Exists(ctx, r.roomKey(name)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check room existence: %w", err)
	}
	return n > 0, nil
}

func (r *RedisRoomRepository) ListPublic(ctx context.Context) ([]*domain.RoomState, error) {
	names, err := r.client.SMembers(ctx, r.publicKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list public rooms: %w", err)
	}

	states := make([]*domain.RoomState, 0, len(names))
	for _, name := range names {
		state, err := r.Load(ctx, name)
		if err == domain.ErrRoomNotFound {
			// Stale set member; drop it.
			_ = r.client.SRem(ctx, r.publicKey(), name).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, nil
}
