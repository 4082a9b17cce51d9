package resume

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"markform.app/fill/common/logger"
)

// RedisStore is a Store backed by Redis, for orchestrated multi-process
// callers where the resuming process may not be the one that started the
// fill.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisResumeStore wraps an existing Redis client. ttl <= 0 means
// checkpoints never expire.
func NewRedisResumeStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "markform:resume"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(formID string) string {
	return s.prefix + ":" + formID
}

func (s *RedisStore) Save(ctx context.Context, formID string, st State) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{FormID: formID, Component: "fill.resume"})

	blob, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("resume: marshal state: %w", err)
	}
	if err := s.client.Set(ctx, s.key(formID), blob, s.ttl).Err(); err != nil {
		return fmt.Errorf("resume: save state: %w", err)
	}
	slog.DebugContext(ctx, "resume state saved", "next_turn", st.NextTurnNumber)
	return nil
}

func (s *RedisStore) Load(ctx context.Context, formID string) (State, bool, error) {
	blob, err := s.client.Get(ctx, s.key(formID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("resume: load state: %w", err)
	}
	var st State
	if err := json.Unmarshal(blob, &st); err != nil {
		return State{}, false, fmt.Errorf("resume: unmarshal state: %w", err)
	}
	return st, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, formID string) error {
	if err := s.client.Del(ctx, s.key(formID)).Err(); err != nil {
		return fmt.Errorf("resume: delete state: %w", err)
	}
	return nil
}
