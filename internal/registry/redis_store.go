package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisKeyPrefix = "tether:conn:"
	redisScanBatchSize    = 100
	redisDialTimeout      = 5 * time.Second
)

// RedisStoreConfig configures the redis-backed registry store.
type RedisStoreConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	Clock     func() time.Time
}

// RedisStore persists connection records as JSON values with a native TTL,
// so expired connections disappear without a sweeper.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	clock     func() time.Time
}

type redisRecord struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	SessionID    string `json:"sessionId,omitempty"`
	ConnectedAt  string `json:"connectedAt"`
	ExpiresAt    int64  `json:"expiresAt"`
}

// NewRedisStore connects to redis and returns a RedisStore.
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("registry: redis connection failed: %w", err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = defaultRedisKeyPrefix
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &RedisStore{client: client, keyPrefix: keyPrefix, clock: clock}, nil
}

func (s *RedisStore) key(connectionID string) string {
	return s.keyPrefix + connectionID
}

func (s *RedisStore) Insert(ctx context.Context, record Record) error {
	value := redisRecord{
		ConnectionID: record.ConnectionID,
		UserID:       record.UserID,
		SessionID:    record.SessionID,
		ConnectedAt:  record.ConnectedAt.UTC().Format(time.RFC3339),
		ExpiresAt:    record.ExpiresAtSeconds,
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("registry: marshal record: %w", err)
	}
	ttl := time.Until(time.Unix(record.ExpiresAtSeconds, 0))
	if ttl <= 0 {
		ttl = time.Second
	}
	return s.client.Set(ctx, s.key(record.ConnectionID), data, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, connectionID string) error {
	err := s.client.Del(ctx, s.key(connectionID)).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

func (s *RedisStore) List(ctx context.Context) ([]Record, error) {
	var records []Record
	var cursor uint64
	pattern := s.keyPrefix + "*"

	for {
		keys, nextCursor, err := s.client.Scan(ctx, cursor, pattern, redisScanBatchSize).Result()
		if err != nil {
			return nil, fmt.Errorf("registry: scan keys: %w", err)
		}

		for _, key := range keys {
			data, err := s.client.Get(ctx, key).Bytes()
			if err != nil {
				// Key may have expired between SCAN and GET.
				continue
			}
			var value redisRecord
			if err := json.Unmarshal(data, &value); err != nil {
				continue
			}
			connectedAt, err := time.Parse(time.RFC3339, value.ConnectedAt)
			if err != nil {
				connectedAt = time.Time{}
			}
			records = append(records, Record{
				ConnectionID:     value.ConnectionID,
				UserID:           value.UserID,
				SessionID:        value.SessionID,
				ConnectedAt:      connectedAt,
				ExpiresAtSeconds: value.ExpiresAt,
			})
		}

		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}

	return records, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
