package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultTTL    = 24 * time.Hour
	defaultPrefix = "voice-gateway"
)

// RedisStore keeps each conversation in a Redis list of JSON messages.
// Every append refreshes the TTL and trims the list to the bound.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
	max    int
}

// RedisOption configures a RedisStore
type RedisOption func(*RedisStore)

// WithTTL sets how long an idle conversation is kept. Zero disables expiry.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithMaxMessages bounds the number of messages kept per conversation
func WithMaxMessages(n int) RedisOption {
	return func(s *RedisStore) {
		if n > 0 {
			s.max = n
		}
	}
}

// NewRedisStore creates a Redis-backed history store
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	store := &RedisStore{
		client: client,
		ttl:    defaultTTL,
		prefix: defaultPrefix,
		max:    DefaultMaxMessages,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Load returns the conversation in order
func (s *RedisStore) Load(ctx context.Context, key string) ([]Message, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}

	raw, err := s.client.LRange(ctx, s.historyKey(key), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange failed: %w", err)
	}

	msgs := make([]Message, 0, len(raw))
	for _, item := range raw {
		var msg Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Append pushes messages, trims the list and refreshes the TTL in one transaction
func (s *RedisStore) Append(ctx context.Context, key string, msgs ...Message) error {
	if key == "" {
		return ErrInvalidKey
	}
	if len(msgs) == 0 {
		return nil
	}

	values := make([]interface{}, 0, len(msgs))
	for _, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		values = append(values, data)
	}

	listKey := s.historyKey(key)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, listKey, values...)
		pipe.LTrim(ctx, listKey, int64(-s.max), -1)
		if s.ttl > 0 {
			pipe.Expire(ctx, listKey, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

// Delete drops the conversation
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if err := s.client.Del(ctx, s.historyKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// Ping checks the connection, for readiness probes
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) historyKey(key string) string {
	return fmt.Sprintf("%s:history:%s", s.prefix, key)
}
