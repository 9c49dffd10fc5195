// Command reqstats-demo serves a small HTTP application instrumented with
// request stats and exposes those stats on a separate stats port.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danweinerdev/go-reqstats"
	"github.com/danweinerdev/go-reqstats/stats"
	"github.com/danweinerdev/go-reqstats/statsrpc"
	"github.com/danweinerdev/go-reqstats/workerpool"
)

func main() {
	httpAddr := flag.String("http", ":8080", "Application listen address")
	statsAddr := flag.String("stats", ":8123", "Stats service listen address")
	workers := flag.Int("workers", 0, "Stats handler workers (0 uses the CPU count)")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	logger, _ := reqstats.NewLogger(*logLevel)
	slog.SetDefault(logger)

	if err := run(logger, *httpAddr, *statsAddr, *workers); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, httpAddr, statsAddr string, workers int) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	acc := stats.New()

	pool := workerpool.New(workers, 0, workerpool.WithLogger(logger))
	defer pool.Stop()
	statsSrv := statsrpc.NewServer(acc,
		statsrpc.WithWorkerPool(pool),
		statsrpc.WithServerLogger(logger),
	)

	l, err := net.Listen("tcp", statsAddr)
	if err != nil {
		return fmt.Errorf("stats listener: %w", err)
	}

	appSrv := &http.Server{
		Addr:              httpAddr,
		Handler:           stats.Middleware(acc, stats.PatternEndpoint)(newMux()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("serving stats", "addr", l.Addr().String())
		if err := statsSrv.Serve(l); err != nil && !errors.Is(err, statsrpc.ErrServerClosed) {
			errCh <- fmt.Errorf("stats server: %w", err)
		}
	}()
	go func() {
		logger.Info("serving application", "addr", httpAddr)
		if err := appSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("application server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := appSrv.Shutdown(shutdownCtx); serr != nil {
		logger.Error("application shutdown", "error", serr)
	}
	statsSrv.Close()
	return err
}

func newMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /hello", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "hello")
	})
	mux.HandleFunc("GET /slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Duration(50+rand.IntN(450)) * time.Millisecond):
			fmt.Fprintln(w, "done")
		case <-r.Context().Done():
		}
	})
	mux.HandleFunc("GET /flaky", func(w http.ResponseWriter, r *http.Request) {
		if rand.IntN(4) == 0 {
			http.Error(w, "unlucky", http.StatusInternalServerError)
			return
		}
		fmt.Fprintln(w, "ok")
	})
	return mux
}
