package reqstats

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Backend defines the interface for record storage backends.
type Backend interface {
	// Name returns the backend name for logging.
	Name() string

	// Initialize sets up the backend connection.
	Initialize(ctx context.Context) error

	// Write stores all records of one tick. Implementations should store
	// the batch as a unit where the storage allows it.
	Write(ctx context.Context, records []Record) error

	// Close cleanly shuts down the backend.
	Close() error

	// Healthy returns true if the backend is initialized and accepting
	// writes. Unhealthy backends are skipped. A failed write alone should
	// not make a backend unhealthy.
	Healthy() bool
}

// Echo is a debug backend that writes records as line protocol to an
// io.Writer. Each batch reaches the writer in a single Write call.
type Echo struct {
	writer io.Writer
	logger *slog.Logger

	mu      sync.RWMutex
	healthy bool
}

// NewEcho creates a new Echo backend that writes to the given writer.
func NewEcho(w io.Writer, logger *slog.Logger) *Echo {
	if w == nil {
		w = os.Stdout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Echo{
		writer:  w,
		logger:  logger,
		healthy: true,
	}
}

// NewEchoStdout creates an Echo backend that writes to stdout.
func NewEchoStdout(logger *slog.Logger) *Echo {
	return NewEcho(os.Stdout, logger)
}

func (e *Echo) Name() string {
	return "echo"
}

func (e *Echo) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.healthy = true
	e.logger.Info("echo backend initialized")
	return nil
}

func (e *Echo) Write(ctx context.Context, batch []Record) error {
	var buf bytes.Buffer
	for _, r := range batch {
		buf.WriteString(r.ToLineProtocol())
		buf.WriteByte('\n')
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.writer.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write records: %w", err)
	}

	e.logger.Debug("echoed records", "count", len(batch))
	return nil
}

func (e *Echo) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.healthy = false
	e.logger.Info("echo backend closed")
	return nil
}

func (e *Echo) Healthy() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.healthy
}

// MultiBackend wraps multiple backends and writes to all of them.
type MultiBackend struct {
	backends []Backend
}

// NewMultiBackend creates a backend that writes to multiple destinations.
func NewMultiBackend(backends ...Backend) *MultiBackend {
	return &MultiBackend{backends: backends}
}

func (m *MultiBackend) Name() string {
	return "multi"
}

func (m *MultiBackend) Initialize(ctx context.Context) error {
	for _, b := range m.backends {
		if err := b.Initialize(ctx); err != nil {
			return fmt.Errorf("%s: %w", b.Name(), err)
		}
	}
	return nil
}

func (m *MultiBackend) Write(ctx context.Context, batch []Record) error {
	var lastErr error
	for _, b := range m.backends {
		if err := b.Write(ctx, batch); err != nil {
			lastErr = fmt.Errorf("%s: %w", b.Name(), err)
		}
	}
	return lastErr
}

func (m *MultiBackend) Close() error {
	var lastErr error
	for _, b := range m.backends {
		if err := b.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (m *MultiBackend) Healthy() bool {
	for _, b := range m.backends {
		if !b.Healthy() {
			return false
		}
	}
	return true
}

var (
	_ Backend = (*Echo)(nil)
	_ Backend = (*MultiBackend)(nil)
)
