package reqstats

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// WriterConfig configures record delivery.
type WriterConfig struct {
	RetryAttempts int
	RetryDelay    time.Duration
	Logger        *slog.Logger
}

// Writer delivers each tick's records to every backend. There is no
// buffering between ticks: a batch that cannot be written after the
// configured attempts is dropped and reported.
type Writer struct {
	backends      []Backend
	retryAttempts int
	retryDelay    time.Duration
	logger        *slog.Logger
}

// NewWriter creates a writer with no backends.
func NewWriter(cfg WriterConfig) *Writer {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Writer{
		retryAttempts: cfg.RetryAttempts,
		retryDelay:    cfg.RetryDelay,
		logger:        cfg.Logger,
	}
}

// AddBackend adds a backend to the writer.
func (w *Writer) AddBackend(b Backend) {
	w.backends = append(w.backends, b)
}

// BackendCount returns the number of configured backends.
func (w *Writer) BackendCount() int {
	return len(w.backends)
}

// Start initializes every backend.
func (w *Writer) Start(ctx context.Context) error {
	for _, b := range w.backends {
		if err := b.Initialize(ctx); err != nil {
			return fmt.Errorf("initializing %s backend: %w", b.Name(), err)
		}
		w.logger.Info("backend initialized", "backend", b.Name())
	}
	return nil
}

// Close shuts down every backend.
func (w *Writer) Close() error {
	var lastErr error
	for _, b := range w.backends {
		if err := b.Close(); err != nil {
			w.logger.Error("backend close failed", "backend", b.Name(), "error", err)
			lastErr = err
		}
	}
	return lastErr
}

// Write validates batch and hands the valid records to each healthy
// backend in one call, retrying that call on failure. It returns the last
// backend error, if any.
func (w *Writer) Write(ctx context.Context, batch []Record) error {
	valid := batch[:0:0]
	for _, r := range batch {
		if err := r.Validate(); err != nil {
			w.logger.Warn("invalid record dropped", "server", r.Server, "endpoint", r.Endpoint, "error", err)
			continue
		}
		valid = append(valid, r)
	}
	if len(valid) == 0 {
		return nil
	}

	w.logger.Debug("writing records", "count", len(valid))

	var lastErr error
	for _, b := range w.backends {
		if !b.Healthy() {
			w.logger.Warn("skipping unhealthy backend", "backend", b.Name())
			continue
		}

		if err := w.writeWithRetry(ctx, b, valid); err != nil {
			w.logger.Error("backend write failed", "backend", b.Name(), "records", len(valid), "error", err)
			lastErr = fmt.Errorf("%s: %w", b.Name(), err)
		}
	}
	return lastErr
}

func (w *Writer) writeWithRetry(ctx context.Context, b Backend, records []Record) error {
	var lastErr error
	for attempt := 1; attempt <= w.retryAttempts; attempt++ {
		err := b.Write(ctx, records)
		if err == nil {
			return nil
		}

		lastErr = err
		if attempt < w.retryAttempts {
			w.logger.Warn("write failed, retrying",
				"backend", b.Name(),
				"attempt", attempt,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.retryDelay):
			}
		}
	}
	return lastErr
}
