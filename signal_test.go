package reqstats

import (
	"context"
	"syscall"
	"testing"
	"time"
)

func TestSignalHandlerStart(t *testing.T) {
	handler := NewSignalHandler(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCtx := handler.Start(ctx)

	select {
	case <-sigCtx.Done():
		t.Error("Context should not be cancelled yet")
	default:
	}

	cancel()

	select {
	case <-sigCtx.Done():
	case <-time.After(1 * time.Second):
		t.Error("Context should be cancelled after parent cancel")
	}
}

func TestSignalHandlerChannels(t *testing.T) {
	handler := NewSignalHandler(nil)

	select {
	case <-handler.Shutdown():
		t.Error("Shutdown channel should not be closed initially")
	default:
	}

	select {
	case <-handler.Reload():
		t.Error("Reload channel should be empty initially")
	default:
	}
}

func TestSignalHandlerReloadCoalesces(t *testing.T) {
	handler := NewSignalHandler(nil)

	if handler.handle(syscall.SIGHUP) {
		t.Error("SIGHUP should not request shutdown")
	}
	handler.handle(syscall.SIGHUP)

	select {
	case <-handler.Reload():
	default:
		t.Fatal("Reload channel should have a pending reload")
	}
	select {
	case <-handler.Reload():
		t.Error("repeated SIGHUPs should coalesce into one reload")
	default:
	}
}

func TestSignalHandlerShutdown(t *testing.T) {
	handler := NewSignalHandler(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCtx := handler.Start(ctx)

	handler.sigCh <- syscall.SIGTERM

	select {
	case <-sigCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("context should be cancelled on SIGTERM")
	}
	select {
	case <-handler.Shutdown():
	default:
		t.Error("Shutdown channel should be closed on SIGTERM")
	}

	if !handler.handle(syscall.SIGINT) {
		t.Error("SIGINT should request shutdown")
	}
}
