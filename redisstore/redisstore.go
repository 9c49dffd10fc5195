// Package redisstore appends endpoint records to a Redis stream.
package redisstore

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/danweinerdev/go-reqstats"
	"github.com/redis/go-redis/v9"
)

// Backend implements reqstats.Backend on a Redis stream. Each record becomes
// one stream entry with server, endpoint, duration and recorded_at fields.
type Backend struct {
	cfg    reqstats.RedisConfig
	logger *slog.Logger

	mu      sync.RWMutex
	client  *redis.Client
	healthy bool
}

// New creates a new Redis stream backend.
func New(cfg reqstats.RedisConfig, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		cfg:    cfg,
		logger: logger,
	}
}

func (b *Backend) Name() string {
	return "redis"
}

// Initialize connects and pings the server.
func (b *Backend) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.logger.Info("connecting to Redis", "address", b.cfg.Address, "db", b.cfg.DB, "stream", b.cfg.Stream)

	client := redis.NewClient(&redis.Options{
		Addr:     b.cfg.Address,
		Password: b.cfg.Password,
		DB:       b.cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	b.client = client
	b.healthy = true
	return nil
}

// Write appends the batch in a single MULTI/EXEC transaction.
func (b *Backend) Write(ctx context.Context, records []reqstats.Record) error {
	if len(records) == 0 {
		return nil
	}

	b.mu.RLock()
	client := b.client
	b.mu.RUnlock()
	if client == nil {
		return fmt.Errorf("Redis not initialized")
	}

	_, err := client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, r := range records {
			pipe.XAdd(ctx, b.addArgs(r))
		}
		return nil
	})

	if err != nil {
		return fmt.Errorf("failed to write to Redis: %w", err)
	}

	b.logger.Debug("wrote records to Redis", "count", len(records))
	return nil
}

func (b *Backend) addArgs(r reqstats.Record) *redis.XAddArgs {
	args := &redis.XAddArgs{
		Stream: b.cfg.Stream,
		Values: []interface{}{
			"server", r.Server,
			"endpoint", r.Endpoint,
			"duration", strconv.FormatFloat(r.Duration, 'g', -1, 64),
			"recorded_at", r.RecordedAt.UTC().Format(time.RFC3339Nano),
		},
	}
	if b.cfg.MaxLen > 0 {
		args.MaxLen = b.cfg.MaxLen
		args.Approx = true
	}
	return args
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var err error
	if b.client != nil {
		err = b.client.Close()
		b.client = nil
		b.logger.Info("Redis connection closed")
	}
	b.healthy = false
	return err
}

// Healthy reports whether the client is connected.
func (b *Backend) Healthy() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.healthy
}

// Compile-time check.
var _ reqstats.Backend = (*Backend)(nil)
