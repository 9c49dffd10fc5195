package reqstats

import (
	"log/slog"
	"time"
)

// Option configures a Poller.
type Option func(*Poller)

// WithConfigFile sets the path to a TOML config file.
func WithConfigFile(path string) Option {
	return func(p *Poller) {
		p.cfgPath = path
	}
}

// WithConfig provides a Config directly instead of loading from file.
func WithConfig(cfg *Config) Option {
	return func(p *Poller) {
		p.cfg = cfg
	}
}

// WithEcho enables echo mode (records to stdout as line protocol).
func WithEcho(enabled bool) Option {
	return func(p *Poller) {
		p.echoMode = enabled
	}
}

// WithRunOnce runs a single poll and exits.
func WithRunOnce(enabled bool) Option {
	return func(p *Poller) {
		p.runOnce = enabled
	}
}

// WithLogger provides a custom logger. Reloads change its level only when
// WithLevelVar is also given.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) {
		p.logger = logger
	}
}

// WithBackend adds a storage backend.
func WithBackend(b Backend) Option {
	return func(p *Poller) {
		p.backends = append(p.backends, b)
	}
}

// WithSource polls the given source instead of connecting to the servers
// in the configuration.
func WithSource(s Source) Option {
	return func(p *Poller) {
		p.source = s
	}
}

// WithReloadFunc provides a custom config reload function.
// The function receives the config file path and returns a new Config.
func WithReloadFunc(fn func(path string) (*Config, error)) Option {
	return func(p *Poller) {
		p.reloadFn = fn
	}
}

// WithClock overrides the source of tick timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) {
		p.now = now
	}
}

// WithLevelVar provides the level of a logger given with WithLogger so that
// reloads can change it.
func WithLevelVar(levelVar *slog.LevelVar) Option {
	return func(p *Poller) {
		p.levelVar = levelVar
	}
}
