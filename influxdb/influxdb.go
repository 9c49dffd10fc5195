// Package influxdb stores endpoint records in InfluxDB 2.x.
//
// Records from one poll share a timestamp, but InfluxDB keeps a single point
// per series and timestamp. The i-th record of a batch is therefore written
// at its timestamp plus i nanoseconds. Queries that group a poll's rows
// should truncate timestamps, for example with Flux
// truncateTimeColumn(unit: 1ms).
package influxdb

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/danweinerdev/go-reqstats"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Backend implements reqstats.Backend for InfluxDB 2.x.
type Backend struct {
	cfg    reqstats.InfluxDBConfig
	client influxdb2.Client
	writer api.WriteAPIBlocking
	logger *slog.Logger

	mu      sync.RWMutex
	healthy bool
}

// New creates a new InfluxDB backend.
func New(cfg reqstats.InfluxDBConfig, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		cfg:    cfg,
		logger: logger,
	}
}

func (b *Backend) Name() string {
	return "influxdb"
}

func (b *Backend) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.logger.Info("connecting to InfluxDB", "url", b.cfg.URL, "org", b.cfg.Org, "bucket", b.cfg.Bucket)

	b.client = influxdb2.NewClientWithOptions(b.cfg.URL, b.cfg.Token, influxdb2.DefaultOptions())

	health, err := b.client.Health(ctx)
	if err != nil {
		b.client.Close()
		b.client = nil
		return fmt.Errorf("failed to connect to InfluxDB: %w", err)
	}
	if health.Status != "pass" {
		b.client.Close()
		b.client = nil
		return fmt.Errorf("InfluxDB health check failed: %s", health.Status)
	}

	b.writer = b.client.WriteAPIBlocking(b.cfg.Org, b.cfg.Bucket)
	b.healthy = true

	version := "unknown"
	if health.Version != nil {
		version = *health.Version
	}
	b.logger.Info("connected to InfluxDB", "version", version)
	return nil
}

// Write stores the batch in one request.
func (b *Backend) Write(ctx context.Context, records []reqstats.Record) error {
	if len(records) == 0 {
		return nil
	}

	b.mu.RLock()
	if b.writer == nil {
		b.mu.RUnlock()
		return fmt.Errorf("InfluxDB not initialized")
	}
	writer := b.writer
	b.mu.RUnlock()

	if err := writer.WritePoint(ctx, toPoints(records)...); err != nil {
		return fmt.Errorf("failed to write to InfluxDB: %w", err)
	}

	b.logger.Debug("wrote records to InfluxDB", "count", len(records))
	return nil
}

// toPoints converts records to points. InfluxDB keeps one point per series
// and timestamp, so the i-th record is shifted by i nanoseconds to keep
// equal durations from the same endpoint distinct.
func toPoints(records []reqstats.Record) []*write.Point {
	points := make([]*write.Point, 0, len(records))
	for i, r := range records {
		tags := map[string]string{"endpoint": r.Endpoint}
		if r.Server != "" {
			tags["server"] = r.Server
		}
		points = append(points, influxdb2.NewPoint(
			reqstats.Measurement,
			tags,
			map[string]interface{}{"duration": r.Duration},
			r.RecordedAt.Add(time.Duration(i)),
		))
	}
	return points
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client != nil {
		b.client.Close()
		b.client = nil
		b.writer = nil
		b.logger.Info("InfluxDB connection closed")
	}
	b.healthy = false
	return nil
}

// Healthy reports whether the client is connected. A failed write leaves it
// healthy so the next poll tries again.
func (b *Backend) Healthy() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.healthy
}

// Compile-time check.
var _ reqstats.Backend = (*Backend)(nil)
