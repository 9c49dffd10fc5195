package reqstats

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// SignalHandler turns SIGINT and SIGTERM into context cancellation and
// SIGHUP into reload requests.
type SignalHandler struct {
	logger     *slog.Logger
	sigCh      chan os.Signal
	shutdownCh chan struct{}
	reloadCh   chan struct{}
	once       sync.Once
}

// NewSignalHandler creates a new signal handler.
func NewSignalHandler(logger *slog.Logger) *SignalHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SignalHandler{
		logger:     logger,
		sigCh:      make(chan os.Signal, 1),
		shutdownCh: make(chan struct{}),
		reloadCh:   make(chan struct{}, 1),
	}
}

// Start begins listening for signals.
// Returns a context that is cancelled on shutdown signals or when parent
// ends.
func (h *SignalHandler) Start(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	signal.Notify(h.sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		defer signal.Stop(h.sigCh)
		for {
			select {
			case sig := <-h.sigCh:
				if h.handle(sig) {
					cancel()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return ctx
}

// handle reports whether sig requests shutdown.
func (h *SignalHandler) handle(sig os.Signal) bool {
	switch sig {
	case syscall.SIGINT, syscall.SIGTERM:
		h.logger.Info("received shutdown signal", "signal", sig)
		h.once.Do(func() { close(h.shutdownCh) })
		return true
	case syscall.SIGHUP:
		h.logger.Info("received reload signal")
		select {
		case h.reloadCh <- struct{}{}:
		default:
			// a reload is already pending
		}
	}
	return false
}

// Shutdown returns a channel that is closed on shutdown signal.
func (h *SignalHandler) Shutdown() <-chan struct{} {
	return h.shutdownCh
}

// Reload returns a channel that receives on SIGHUP. Repeated signals
// before the reload is handled coalesce into one.
func (h *SignalHandler) Reload() <-chan struct{} {
	return h.reloadCh
}
