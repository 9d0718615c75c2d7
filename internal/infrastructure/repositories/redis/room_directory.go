package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// RedisRoomDirectory stores one JSON summary per room plus an index set.
// Summaries expire after ttl unless refreshed, so a crashed server does not
// leave rooms listed forever.
type RedisRoomDirectory struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisRoomDirectory(client *redis.Client, keyPrefix string, ttl time.Duration) ports.RoomDirectory {
	return &RedisRoomDirectory{
		client: client,
		prefix: keyPrefix + "room:",
		ttl:    ttl,
	}
}

func (r *RedisRoomDirectory) roomKey(id domain.RoomID) string {
	return r.prefix + string(id)
}

func (r *RedisRoomDirectory) indexKey() string {
	return r.prefix + "index"
}

func (r *RedisRoomDirectory) Upsert(ctx context.Context, summary domain.RoomSummary) error {
	existing, err := r.Get(ctx, summary.ID)
	if err == nil && !existing.CreatedAt.IsZero() {
		summary.CreatedAt = existing.CreatedAt
	}

	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal room summary: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.roomKey(summary.ID), data, r.ttl)
		pipe.SAdd(ctx, r.indexKey(), string(summary.ID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store room in Redis: %w", err)
	}
	return nil
}

func (r *RedisRoomDirectory) Remove(ctx context.Context, id domain.RoomID) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.roomKey(id))
		pipe.SRem(ctx, r.indexKey(), string(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove room from Redis: %w", err)
	}
	return nil
}

func (r *RedisRoomDirectory) Get(ctx context.Context, id domain.RoomID) (*domain.RoomSummary, error) {
	data, err := r.client.Get(ctx, r.roomKey(id)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get room from Redis: %w", err)
	}

	var summary domain.RoomSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("failed to unmarshal room summary: %w", err)
	}
	return &summary, nil
}

func (r *RedisRoomDirectory) List(ctx context.Context) ([]domain.RoomSummary, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	if len(ids) == 0 {
		return []domain.RoomSummary{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.roomKey(domain.RoomID(id))
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load rooms: %w", err)
	}

	rooms := make([]domain.RoomSummary, 0, len(values))
	var expired []interface{}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		var summary domain.RoomSummary
		if err := json.Unmarshal([]byte(raw), &summary); err != nil {
			continue
		}
		rooms = append(rooms, summary)
	}

	if len(expired) > 0 {
		r.client.SRem(ctx, r.indexKey(), expired...)
	}

	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms, nil
}

// Reset drops every room listed under this directory's prefix. Presence
// state does not survive a restart, so an instance clears its own entries
// on startup.
func (r *RedisRoomDirectory) Reset(ctx context.Context) error {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return fmt.Errorf("failed to list rooms: %w", err)
	}
	keys := []string{r.indexKey()}
	for _, id := range ids {
		keys = append(keys, r.roomKey(domain.RoomID(id)))
	}
	return r.client.Del(ctx, keys...).Err()
}
