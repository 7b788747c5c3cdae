package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/shsh-pilot/internal/protocol"
	"github.com/redis/go-redis/v9"
)

const (
	defaultChannelPrefix = "shsh-pilot:events"
	publishTimeout       = 5 * time.Second
)

// RedisConfig describes the Redis connection used for event publishing.
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	Prefix    string
	QueueSize int
}

// publisher is the subset of *redis.Client the sink needs.
type publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// RedisSink publishes every event as JSON on the channel
// "<prefix>:<sessionID>" so other processes can follow sessions.
type RedisSink struct {
	client publisher
	prefix string
	async  *asyncWriter
	logger *slog.Logger
}

// NewRedisSink connects to Redis and starts the publishing worker.
func NewRedisSink(cfg RedisConfig, logger *slog.Logger) (*RedisSink, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return newRedisSink(client, cfg, logger), nil
}

func newRedisSink(client publisher, cfg RedisConfig, logger *slog.Logger) *RedisSink {
	if logger == nil {
		logger = slog.Default()
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultChannelPrefix
	}
	s := &RedisSink{client: client, prefix: prefix, logger: logger}
	s.async = newAsyncWriter("redis", cfg.QueueSize, s.publish, logger)
	return s
}

// Channel returns the pub/sub channel for a session.
func (s *RedisSink) Channel(sessionID string) string {
	return s.prefix + ":" + sessionID
}

// Emit queues e for publishing.
func (s *RedisSink) Emit(e protocol.Event) {
	s.async.enqueue(e)
}

func (s *RedisSink) publish(batch []protocol.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	for _, e := range batch {
		payload, err := json.Marshal(e)
		if err != nil {
			s.logger.Warn("Failed to marshal event for redis", "error", err, "session_id", e.SessionID)
			continue
		}
		if err := s.client.Publish(ctx, s.Channel(e.SessionID), payload).Err(); err != nil {
			s.logger.Warn("Failed to publish event", "error", err, "session_id", e.SessionID, "type", e.Type)
		}
	}
}

// Ping checks the Redis connection.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close drains pending events and closes the Redis client.
func (s *RedisSink) Close() error {
	s.async.close()
	if err := s.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}
