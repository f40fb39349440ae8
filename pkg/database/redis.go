package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/latoulicious/Vivace/pkg/logging"
)

const (
	snapshotKey   = "%s:snapshot:%s" // String: Record JSON per guild
	snapshotIndex = "%s:snapshots"   // Set: guild IDs with a snapshot
)

// RedisStore keeps one expiring key per guild plus an index set of guilds.
type RedisStore struct {
	client *redis.Client
	config *RedisConfig
	logger logging.Logger
}

// OpenRedis connects to Redis and verifies the connection
func OpenRedis(ctx context.Context, config *RedisConfig, logger logging.Logger) (*RedisStore, error) {
	if config == nil {
		config = DefaultRedisConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid redis configuration: %w", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", config.Host, config.Port),
		Password: config.Password,
		DB:       config.DB,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.Ping(pctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStore(client, config, logger), nil
}

// NewRedisStore wraps an existing client
func NewRedisStore(client *redis.Client, config *RedisConfig, logger logging.Logger) *RedisStore {
	if config == nil {
		config = DefaultRedisConfig()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &RedisStore{
		client: client,
		config: config,
		logger: logger.With(logging.String("component", "redis")),
	}
}

func (s *RedisStore) key(guildID string) string {
	return fmt.Sprintf(snapshotKey, s.config.Prefix, guildID)
}

func (s *RedisStore) index() string {
	return fmt.Sprintf(snapshotIndex, s.config.Prefix)
}

// Put stores the record with the configured TTL
func (s *RedisStore) Put(ctx context.Context, guildID string, data []byte) error {
	payload, err := json.Marshal(&Record{GuildID: guildID, Data: data, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(guildID), payload, s.config.TTL)
	pipe.SAdd(ctx, s.index(), guildID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store snapshot for guild %s: %w", guildID, err)
	}
	return nil
}

// Get retrieves one guild's record
func (s *RedisStore) Get(ctx context.Context, guildID string) (*Record, error) {
	payload, err := s.client.Get(ctx, s.key(guildID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get snapshot for guild %s: %w", guildID, err)
	}

	var r Record
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot for guild %s: %w", guildID, err)
	}
	return &r, nil
}

// ListAll returns every live record and drops index entries whose key expired
func (s *RedisStore) ListAll(ctx context.Context) ([]*Record, error) {
	guilds, err := s.client.SMembers(ctx, s.index()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	var records []*Record
	var expired []interface{}
	for _, guildID := range guilds {
		r, err := s.Get(ctx, guildID)
		if err == ErrNotFound {
			expired = append(expired, guildID)
			continue
		}
		if err != nil {
			s.logger.Warn("Skipping unreadable snapshot", logging.Guild(guildID), logging.Error(err))
			continue
		}
		records = append(records, r)
	}

	if len(expired) > 0 {
		if err := s.client.SRem(ctx, s.index(), expired...).Err(); err != nil {
			s.logger.Warn("Failed to prune snapshot index", logging.Error(err))
		}
	}
	return records, nil
}

// Delete removes the guild's record
func (s *RedisStore) Delete(ctx context.Context, guildID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key(guildID))
	pipe.SRem(ctx, s.index(), guildID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete snapshot for guild %s: %w", guildID, err)
	}
	return nil
}

// Close closes the client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
