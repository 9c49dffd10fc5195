// Package reqstats polls request statistics from many stats servers and
// stores every observed request duration.
//
// A Poller ticks on a fixed interval. Each tick reads the live connection
// set once, asks every connection for its per-endpoint latency snapshot
// concurrently, and stores the flattened records of all successful calls in
// a single write. Failed or timed out calls contribute nothing.
package reqstats

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sync/atomic"
	"time"

	"github.com/danweinerdev/go-reqstats/clientpool"
	"github.com/danweinerdev/go-reqstats/statsrpc"
	"golang.org/x/sync/errgroup"
)

// Fetcher retrieves one server's per-endpoint latency snapshot.
// *statsrpc.Client implements it.
type Fetcher interface {
	Name() string
	FetchEndpointRequestLengthStats(ctx context.Context) ([]statsrpc.EndpointLengths, error)
}

// Source supplies the fetchers that are live at the start of a tick.
type Source interface {
	Fetchers() []Fetcher
}

// readyWaiter is implemented by sources that can report when their initial
// connections are up.
type readyWaiter interface {
	WaitConnected(ctx context.Context) bool
}

// PoolSource adapts a clientpool.Pool to Source.
type PoolSource struct {
	Pool *clientpool.Pool
}

// Fetchers returns the pool's current connections.
func (s PoolSource) Fetchers() []Fetcher {
	conns := s.Pool.Connections()
	fetchers := make([]Fetcher, len(conns))
	for i, c := range conns {
		fetchers[i] = c
	}
	return fetchers
}

// WaitConnected waits for every pool target to connect.
func (s PoolSource) WaitConnected(ctx context.Context) bool {
	return s.Pool.WaitConnected(ctx)
}

// Poller is the runtime that drives ticks, signals, backends and shutdown.
type Poller struct {
	name      string
	source    Source
	pool      *clientpool.Pool
	writer    *Writer
	signals   *SignalHandler
	logger    *slog.Logger
	levelVar  *slog.LevelVar
	logCloser io.Closer
	cfg       *Config
	cfgPath   string
	echoMode  bool
	runOnce   bool
	reloadFn  func(string) (*Config, error)
	backends  []Backend
	now       func() time.Time
	stats     statsTracker
}

// New creates a Poller. Unless WithSource is given, the poller connects to
// the servers listed in the configuration and keeps those connections alive
// itself.
func New(name string, opts ...Option) (*Poller, error) {
	p := &Poller{name: name}

	for _, opt := range opts {
		opt(p)
	}

	if p.cfg == nil && p.cfgPath != "" {
		cfg, err := LoadConfig(p.cfgPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		p.cfg = cfg
	}
	if p.cfg == nil {
		p.cfg = DefaultConfig()
	}

	if p.logger == nil {
		p.logger, p.levelVar, p.logCloser = NewLoggerFromConfig(p.cfg)
	}
	if p.logCloser == nil {
		p.logCloser = nopCloser{}
	}
	if p.now == nil {
		p.now = time.Now
	}

	if p.source == nil {
		targets := p.cfg.Targets()
		if len(targets) == 0 {
			return nil, fmt.Errorf("no servers configured (add a [servers] section or use WithSource)")
		}
		poolCfg := p.cfg.Reconnect.PoolConfig()
		poolCfg.Logger = p.logger
		p.pool = clientpool.New(targets, poolCfg)
		p.source = PoolSource{Pool: p.pool}
	}

	return p, nil
}

// Run starts the poller and blocks until shutdown. A tick that is still
// fetching when shutdown begins is abandoned; a write already under way is
// allowed to finish within write_timeout.
func (p *Poller) Run(ctx context.Context) error {
	defer p.logCloser.Close()

	p.logger.Info("starting poller",
		"name", p.name,
		"interval", p.cfg.Global.PollInterval.Duration,
		"servers", len(p.cfg.Servers),
	)

	p.writer = NewWriter(WriterConfig{
		RetryAttempts: p.cfg.Global.RetryAttempts,
		RetryDelay:    p.cfg.Global.RetryDelay.Duration,
		Logger:        p.logger,
	})
	if err := p.addBackends(); err != nil {
		return err
	}
	if err := p.writer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start writer: %w", err)
	}
	defer func() {
		if err := p.writer.Close(); err != nil {
			p.logger.Error("error closing backends", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.signals = NewSignalHandler(p.logger)
	ctx = p.signals.Start(ctx)

	if p.pool != nil {
		p.pool.Start(ctx)
		defer p.pool.Stop()
	}

	p.awaitConnections(ctx)
	p.tick(ctx)

	if p.runOnce {
		return nil
	}

	ticker := time.NewTicker(p.cfg.Global.PollInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("shutdown complete")
			return nil

		case <-p.signals.Reload():
			p.handleReload(ticker)

		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// Stats returns a snapshot of poller statistics.
func (p *Poller) Stats() PollStats {
	return p.stats.snapshot()
}

func (p *Poller) addBackends() error {
	for _, b := range p.backends {
		p.writer.AddBackend(b)
	}

	if p.echoMode {
		p.writer.AddBackend(NewEchoStdout(p.logger))
	}

	if p.writer.BackendCount() == 0 {
		return fmt.Errorf("no backends configured (use WithBackend, WithEcho, or enable backends in config)")
	}

	return nil
}

// awaitConnections gives a fresh pool up to one call timeout to connect
// before the first tick.
func (p *Poller) awaitConnections(ctx context.Context) {
	w, ok := p.source.(readyWaiter)
	if !ok {
		return
	}
	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.Global.CallTimeout.Duration)
	defer cancel()
	if !w.WaitConnected(waitCtx) {
		p.logger.Warn("not all servers connected before first poll")
	}
}

func (p *Poller) tick(ctx context.Context) {
	start := time.Now()
	at := p.now()
	fetchers := p.source.Fetchers()
	callTimeout := p.cfg.Global.CallTimeout.Duration

	results := make([][]Record, len(fetchers))
	var failed atomic.Int64

	var g errgroup.Group
	if n := p.cfg.Global.MaxInFlight; n > 0 {
		g.SetLimit(n)
	}
	for i, f := range fetchers {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, callTimeout)
			defer cancel()

			snapshot, err := f.FetchEndpointRequestLengthStats(callCtx)
			if err != nil {
				failed.Add(1)
				if ctx.Err() == nil {
					p.logger.Warn("fetch failed", "server", f.Name(), "error", err)
				}
				return nil
			}
			results[i] = Flatten(f.Name(), at, snapshot)
			return nil
		})
	}
	_ = g.Wait()

	result := tickResult{
		at:        at,
		failed:    int(failed.Load()),
		succeeded: len(fetchers) - int(failed.Load()),
	}

	if ctx.Err() != nil {
		result.abandoned = true
		result.duration = time.Since(start)
		p.stats.recordTick(result)
		p.logger.Info("poll abandoned by shutdown", "servers", len(fetchers))
		return
	}

	var records []Record
	for _, r := range results {
		records = append(records, r...)
	}
	result.records = len(records)

	if len(records) > 0 {
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.Global.WriteTimeout.Duration)
		result.writeErr = p.writer.Write(writeCtx, records)
		cancel()
	}
	result.duration = time.Since(start)
	p.stats.recordTick(result)

	if result.writeErr != nil {
		p.logger.Error("write failed, records for this poll are lost",
			"records", len(records),
			"error", result.writeErr,
		)
		return
	}

	p.logger.Info("poll completed",
		"servers", len(fetchers),
		"failed", result.failed,
		"records", len(records),
		"duration", result.duration,
	)
}

func (p *Poller) handleReload(ticker *time.Ticker) {
	p.logger.Info("reloading configuration")

	var newCfg *Config
	var err error

	if p.reloadFn != nil {
		newCfg, err = p.reloadFn(p.cfgPath)
	} else if p.cfgPath != "" {
		newCfg, err = LoadConfig(p.cfgPath)
	} else {
		p.logger.Warn("no config path or reload function, ignoring reload signal")
		return
	}

	if err != nil {
		p.logger.Error("config reload failed, keeping current config", "error", err)
		return
	}

	if newCfg.Global.PollInterval.Duration != p.cfg.Global.PollInterval.Duration {
		ticker.Reset(newCfg.Global.PollInterval.Duration)
		p.logger.Info("updated poll interval", "interval", newCfg.Global.PollInterval.Duration)
	}

	if p.levelVar != nil && newCfg.Global.LogLevel != p.cfg.Global.LogLevel {
		p.levelVar.Set(ParseLogLevel(newCfg.Global.LogLevel))
		p.logger.Info("updated log level", "level", newCfg.Global.LogLevel)
	}

	if newCfg.Global.CallTimeout != p.cfg.Global.CallTimeout {
		p.logger.Info("updated call timeout", "timeout", newCfg.Global.CallTimeout.Duration)
	}

	if !maps.Equal(newCfg.Servers, p.cfg.Servers) {
		if p.pool != nil {
			p.pool.SetTargets(newCfg.Targets())
			p.logger.Info("updated server set", "servers", len(newCfg.Servers))
		} else {
			p.logger.Warn("server changes ignored, connections come from an external source")
		}
	}

	if newCfg.Reconnect != p.cfg.Reconnect {
		p.logger.Warn("reconnect settings change on restart only")
	}

	// Backends and write settings keep their startup values.
	newCfg.Global.RetryAttempts = p.cfg.Global.RetryAttempts
	newCfg.Global.RetryDelay = p.cfg.Global.RetryDelay
	newCfg.Reconnect = p.cfg.Reconnect
	newCfg.LogFile = p.cfg.LogFile
	newCfg.InfluxDB = p.cfg.InfluxDB
	newCfg.Prometheus = p.cfg.Prometheus
	newCfg.Redis = p.cfg.Redis

	p.cfg = newCfg
}
