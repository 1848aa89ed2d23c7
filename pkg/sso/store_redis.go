package sso

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// consumedRetention is how long a consumed-code marker sticks around so a
// replay classifies as already-used rather than not-found.
const consumedRetention = 10 * time.Minute

// RedisCodeStore persists handoff codes in Redis. Consumption rides on
// GETDEL, which is atomic on the server, so concurrent redemptions of the
// same code cannot both see the record.
type RedisCodeStore struct {
	client *redis.Client
}

// NewRedisCodeStore creates a store over the given client
func NewRedisCodeStore(client *redis.Client) *RedisCodeStore {
	return &RedisCodeStore{client: client}
}

// Save stores the record under the code hash. The key outlives the code's
// own expiry by the retention window so late redemptions can still be told
// apart from unknown codes.
func (s *RedisCodeStore) Save(ctx context.Context, codeHash string, rec CodeRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode handoff code: %w", err)
	}
	ttl := time.Until(rec.ExpiresAt) + consumedRetention
	if err := s.client.Set(ctx, codeKey(codeHash), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store handoff code: %w", err)
	}
	return nil
}

// Consume atomically removes and returns the record
func (s *RedisCodeStore) Consume(ctx context.Context, codeHash string, now time.Time) (*CodeRecord, error) {
	data, err := s.client.GetDel(ctx, codeKey(codeHash)).Result()
	if err == redis.Nil {
		used, markerErr := s.client.Exists(ctx, consumedKey(codeHash)).Result()
		if markerErr != nil {
			return nil, fmt.Errorf("failed to classify handoff code: %w", markerErr)
		}
		if used > 0 {
			return nil, ErrCodeAlreadyUsed
		}
		return nil, ErrCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume handoff code: %w", err)
	}

	rec := &CodeRecord{}
	if err := json.Unmarshal([]byte(data), rec); err != nil {
		return nil, fmt.Errorf("failed to decode handoff code: %w", err)
	}
	if !rec.ExpiresAt.After(now) {
		return nil, ErrCodeExpired
	}

	if err := s.client.Set(ctx, consumedKey(codeHash), "1", consumedRetention).Err(); err != nil {
		return nil, fmt.Errorf("failed to mark handoff code consumed: %w", err)
	}
	return rec, nil
}

func codeKey(hash string) string {
	return "handoff:" + hash
}

func consumedKey(hash string) string {
	return "handoff:used:" + hash
}
