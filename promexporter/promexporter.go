// Package promexporter exposes endpoint records as Prometheus histograms.
package promexporter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/danweinerdev/go-reqstats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "reqstats"

// Backend implements reqstats.Backend for Prometheus.
// Every stored duration is observed into a per server and endpoint
// histogram served over HTTP at the configured path.
type Backend struct {
	cfg       reqstats.PrometheusConfig
	registry  *prometheus.Registry
	durations *prometheus.HistogramVec
	records   *prometheus.CounterVec
	server    *http.Server
	listener  net.Listener
	logger    *slog.Logger

	mu      sync.RWMutex
	healthy bool
}

// New creates a new Prometheus exporter backend.
func New(cfg reqstats.PrometheusConfig, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}

	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	b := &Backend{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "endpoint_request_duration_seconds",
			Help:      "Request durations observed by polled stats servers.",
			Buckets:   buckets,
		}, []string{"server", "endpoint"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Endpoint records stored per server.",
		}, []string{"server"}),
		logger: logger,
	}
	b.registry.MustRegister(b.durations, b.records, collectors.NewGoCollector())
	return b
}

func (b *Backend) Name() string {
	return "prometheus"
}

// Initialize binds the listen address and starts serving.
func (b *Backend) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	mux := http.NewServeMux()
	mux.Handle(b.cfg.Path, promhttp.HandlerFor(b.registry, promhttp.HandlerOpts{Registry: b.registry}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	addr := fmt.Sprintf(":%d", b.cfg.Port)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	b.listener = l
	b.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	server := b.server
	go func() {
		b.logger.Info("starting Prometheus server", "addr", l.Addr().String(), "path", b.cfg.Path)
		if err := server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.logger.Error("Prometheus server error", "error", err)
			b.mu.Lock()
			b.healthy = false
			b.mu.Unlock()
		}
	}()

	b.healthy = true
	return nil
}

// Addr returns the bound listen address, or nil before Initialize.
func (b *Backend) Addr() net.Addr {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

func (b *Backend) Write(ctx context.Context, records []reqstats.Record) error {
	if len(records) == 0 {
		return nil
	}

	b.mu.RLock()
	ready := b.server != nil
	b.mu.RUnlock()
	if !ready {
		return fmt.Errorf("Prometheus not initialized")
	}

	b.observe(records)
	b.logger.Debug("updated Prometheus metrics", "count", len(records))
	return nil
}

func (b *Backend) observe(records []reqstats.Record) {
	for _, r := range records {
		b.durations.WithLabelValues(r.Server, r.Endpoint).Observe(r.Duration)
		b.records.WithLabelValues(r.Server).Inc()
	}
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := b.server.Shutdown(ctx); err != nil {
			b.logger.Error("error shutting down Prometheus server", "error", err)
			return err
		}
		b.server = nil
		b.listener = nil
		b.logger.Info("Prometheus server stopped")
	}

	b.healthy = false
	return nil
}

func (b *Backend) Healthy() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.healthy
}

// Compile-time check.
var _ reqstats.Backend = (*Backend)(nil)
