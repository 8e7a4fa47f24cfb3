package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ZanzyTHEbar/breezeflow"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "breezeflow:history:"

// RedisStore keeps each session as a Redis list of JSON messages. Appends
// use WATCH/MULTI so a concurrent writer fails the transaction.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix namespaces the session keys.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithTTL expires idle sessions.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// NewRedisStore wraps rdb.
func NewRedisStore(rdb *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{rdb: rdb, prefix: defaultKeyPrefix}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + "session:" + sessionID
}

func (s *RedisStore) sessionsKey() string {
	return s.prefix + "sessions"
}

func (s *RedisStore) Load(ctx context.Context, sessionID string) (breezeflow.History, error) {
	raw, err := s.rdb.LRange(ctx, s.key(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	return decodeMessages(raw)
}

func (s *RedisStore) Append(ctx context.Context, sessionID string, expectedLen int, msgs []breezeflow.Message) (breezeflow.History, error) {
	key := s.key(sessionID)
	encoded := make([]any, 0, len(msgs))
	for _, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message: %w", err)
		}
		encoded = append(encoded, string(b))
	}

	// The result is assembled from the watched state so a committed append
	// is never reported as failed.
	var updated breezeflow.History
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return fmt.Errorf("failed to fetch messages: %w", err)
		}
		if len(raw) != expectedLen {
			return conflict(sessionID, expectedLen, len(raw))
		}
		prior, err := decodeMessages(raw)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, key, encoded...)
			pipe.SAdd(ctx, s.sessionsKey(), sessionID)
			if s.ttl > 0 {
				pipe.Expire(ctx, key, s.ttl)
			}
			return nil
		})
		if err != nil {
			return err
		}
		updated = append(prior, msgs...)
		return nil
	}, key)

	switch {
	case errors.Is(err, redis.TxFailedErr):
		return nil, breezeflow.NewHistoryWriteConflictError(sessionID, err)
	case err != nil:
		return nil, err
	}
	return updated, nil
}

func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(sessionID))
		pipe.SRem(ctx, s.sessionsKey(), sessionID)
		return nil
	})
	return err
}

func (s *RedisStore) Sessions(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, s.sessionsKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// Close is a no-op; the client belongs to the caller.
func (s *RedisStore) Close() error {
	return nil
}

func decodeMessages(raw []string) (breezeflow.History, error) {
	h := make(breezeflow.History, 0, len(raw))
	for i, r := range raw {
		var m breezeflow.Message
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			return nil, fmt.Errorf("corrupt message %d: %w", i, err)
		}
		h = append(h, m)
	}
	return h, nil
}
