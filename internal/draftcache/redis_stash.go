// Package draftcache stashes unsaved snapshots in Redis so work survives
// crashes and outages between successful saves.
package draftcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"inkwell/sync/internal/state"
)

// draftRecord wraps the stashed snapshot with the stash time, so recovery
// can tell whether the draft is newer than the gateway's copy.
type draftRecord struct {
	Snapshot  *state.ProjectSnapshot `json:"snapshot"`
	StashedAt time.Time              `json:"stashed_at"`
}

type RedisStash struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStash(redisURL string, ttl time.Duration) (*RedisStash, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStashWithClient(client, ttl), nil
}

func NewRedisStashWithClient(client *redis.Client, ttl time.Duration) *RedisStash {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisStash{
		client: client,
		prefix: "draft:",
		ttl:    ttl,
	}
}

func (s *RedisStash) key(projectID string) string {
	return s.prefix + projectID
}

// Stash stores the snapshot under its project id with the configured TTL,
// replacing any earlier draft.
func (s *RedisStash) Stash(ctx context.Context, snapshot *state.ProjectSnapshot) error {
	if snapshot == nil || snapshot.ID == "" {
		return fmt.Errorf("draft snapshot missing project id")
	}
	payload, err := json.Marshal(draftRecord{
		Snapshot:  snapshot,
		StashedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("marshal draft: %w", err)
	}
	if err := s.client.Set(ctx, s.key(snapshot.ID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("stash draft: %w", err)
	}
	return nil
}

// Recover returns the stashed draft and its stash time, or nil when no
// draft exists.
func (s *RedisStash) Recover(ctx context.Context, projectID string) (*state.ProjectSnapshot, time.Time, error) {
	payload, err := s.client.Get(ctx, s.key(projectID)).Result()
	if err == redis.Nil {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("recover draft: %w", err)
	}

	var record draftRecord
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return nil, time.Time{}, fmt.Errorf("unmarshal draft: %w", err)
	}
	return record.Snapshot, record.StashedAt, nil
}

// Discard removes the draft after a successful save has superseded it.
func (s *RedisStash) Discard(ctx context.Context, projectID string) error {
	if err := s.client.Del(ctx, s.key(projectID)).Err(); err != nil {
		return fmt.Errorf("discard draft: %w", err)
	}
	return nil
}

func (s *RedisStash) Close() error {
	return s.client.Close()
}

func (s *RedisStash) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
