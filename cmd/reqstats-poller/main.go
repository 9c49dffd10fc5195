package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/danweinerdev/go-reqstats"
	"github.com/danweinerdev/go-reqstats/influxdb"
	"github.com/danweinerdev/go-reqstats/promexporter"
	"github.com/danweinerdev/go-reqstats/redisstore"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "reqstats.toml", "Path to configuration file")
	echo := flag.Bool("echo", false, "Print records to stdout as line protocol")
	once := flag.Bool("once", false, "Poll once and exit")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("reqstats-poller %s\n", version)
		return
	}

	cfg, err := reqstats.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		return
	}

	if err := run(cfg, *configPath, *echo, *once); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(cfg *reqstats.Config, configPath string, echo, once bool) error {
	logger, levelVar, closer := reqstats.NewLoggerFromConfig(cfg)
	defer closer.Close()
	slog.SetDefault(logger)

	opts := []reqstats.Option{
		reqstats.WithConfig(cfg),
		reqstats.WithConfigFile(configPath),
		reqstats.WithLogger(logger),
		reqstats.WithLevelVar(levelVar),
		reqstats.WithEcho(echo),
		reqstats.WithRunOnce(once),
	}
	if cfg.InfluxDB.Enabled {
		opts = append(opts, reqstats.WithBackend(influxdb.New(cfg.InfluxDB, logger)))
	}
	if cfg.Prometheus.Enabled {
		opts = append(opts, reqstats.WithBackend(promexporter.New(cfg.Prometheus, logger)))
	}
	if cfg.Redis.Enabled {
		opts = append(opts, reqstats.WithBackend(redisstore.New(cfg.Redis, logger)))
	}

	p, err := reqstats.New("reqstats-poller", opts...)
	if err != nil {
		return fmt.Errorf("failed to create poller: %w", err)
	}
	return p.Run(context.Background())
}
