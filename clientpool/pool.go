// Package clientpool keeps one live stats connection per configured server,
// reconnecting with exponential backoff whenever a connection is lost.
package clientpool

import (
	"context"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/danweinerdev/go-reqstats/statsrpc"
)

// State is the connection state of one target.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Target is a named dial address.
type Target struct {
	Name    string
	Address string
}

// Status describes one target at a point in time.
type Status struct {
	State   State
	Address string
	// Failures counts consecutive failed dials since the last connect.
	Failures  int
	LastError error
	// Since is when the target entered its current state.
	Since time.Time
}

// DialFunc opens a client for a target.
type DialFunc func(ctx context.Context, t Target) (*statsrpc.Client, error)

// Config controls reconnect behaviour.
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	// Jitter is the backoff randomization factor in [0, 1). Zero disables
	// randomization.
	Jitter      float64
	DialTimeout time.Duration
	Logger      *slog.Logger
	// Dial overrides how connections are opened. The default dials TCP with
	// statsrpc.Dial.
	Dial          DialFunc
	ClientOptions []statsrpc.ClientOption
}

// DefaultConfig returns the reconnect defaults.
func DefaultConfig() Config {
	return Config{
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Minute,
		Factor:       math.E,
		Jitter:       0.12,
		DialTimeout:  10 * time.Second,
	}
}

// target is the pool's bookkeeping for one configured server.
type target struct {
	Target
	cancel context.CancelFunc
	done   chan struct{}
	status Status
	client *statsrpc.Client
}

// Pool maintains a live connection set. Each target is managed by its own
// goroutine: Disconnected -> Connecting -> Connected -> Disconnected. There
// is no terminal failure state while the pool runs.
type Pool struct {
	cfg    Config
	logger *slog.Logger
	wait   func(ctx context.Context, d time.Duration) bool

	mu      sync.RWMutex
	targets map[string]*target
	changed chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a pool for targets. Zero fields of cfg take the values from
// DefaultConfig, except Jitter which is used as given.
func New(targets []Target, cfg Config) *Pool {
	def := DefaultConfig()
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.Factor <= 1 {
		cfg.Factor = def.Factor
	}
	cfg.Jitter = min(max(cfg.Jitter, 0), 0.99)
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	p := &Pool{
		cfg:     cfg,
		logger:  cfg.Logger,
		wait:    sleep,
		targets: make(map[string]*target, len(targets)),
		changed: make(chan struct{}),
	}
	if p.cfg.Dial == nil {
		p.cfg.Dial = p.dialTCP
	}
	for _, t := range targets {
		p.targets[t.Name] = newTarget(t)
	}
	return p
}

func newTarget(t Target) *target {
	return &target{
		Target: t,
		status: Status{State: Disconnected, Address: t.Address, Since: time.Now()},
	}
}

func (p *Pool) dialTCP(ctx context.Context, t Target) (*statsrpc.Client, error) {
	return statsrpc.Dial(ctx, t.Name, t.Address, p.cfg.ClientOptions...)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Start launches a connection goroutine per target. The pool runs until ctx
// is cancelled or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx != nil {
		return
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	for _, t := range p.targets {
		p.launch(t)
	}
}

// launch starts the goroutine for t. Callers hold p.mu.
func (p *Pool) launch(t *target) {
	ctx, cancel := context.WithCancel(p.ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(t.done)
		p.maintain(ctx, t)
	}()
}

// Stop cancels every target and closes all live connections.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// SetTargets replaces the target set. Targets whose address is unchanged
// keep their connection; removed or readdressed targets are torn down.
func (p *Pool) SetTargets(targets []Target) {
	want := make(map[string]Target, len(targets))
	for _, t := range targets {
		want[t.Name] = t
	}

	var stopped []*target
	p.mu.Lock()
	for name, t := range p.targets {
		if nt, ok := want[name]; ok && nt.Address == t.Address {
			continue
		}
		delete(p.targets, name)
		stopped = append(stopped, t)
	}
	p.notify()
	for name, nt := range want {
		if _, ok := p.targets[name]; ok {
			continue
		}
		t := newTarget(nt)
		p.targets[name] = t
		if p.ctx != nil && p.ctx.Err() == nil {
			p.launch(t)
		}
		p.logger.Info("stats target added", "server", name, "address", nt.Address)
	}
	p.mu.Unlock()

	for _, t := range stopped {
		if t.cancel != nil {
			t.cancel()
			<-t.done
		}
		p.logger.Info("stats target removed", "server", t.Name, "address", t.Address)
	}
}

// Connections returns the clients that are connected right now, ordered by
// server name. The slice is a copy; clients in it may fail at any time.
func (p *Pool) Connections() []*statsrpc.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()

	live := make([]*statsrpc.Client, 0, len(p.targets))
	for _, t := range p.targets {
		if t.client != nil {
			live = append(live, t.client)
		}
	}
	slices.SortFunc(live, func(a, b *statsrpc.Client) int {
		return strings.Compare(a.Name(), b.Name())
	})
	return live
}

// WaitConnected blocks until every target is connected or ctx ends. It
// reports whether all targets were connected.
func (p *Pool) WaitConnected(ctx context.Context) bool {
	for {
		p.mu.RLock()
		ready := true
		for _, t := range p.targets {
			if t.client == nil {
				ready = false
				break
			}
		}
		changed := p.changed
		p.mu.RUnlock()

		if ready {
			return true
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return false
		}
	}
}

// notify wakes WaitConnected callers. Callers hold p.mu.
func (p *Pool) notify() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// Status reports the state of the named target.
func (p *Pool) Status(name string) (Status, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.targets[name]
	if !ok {
		return Status{}, false
	}
	return t.status, true
}

func (p *Pool) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.InitialDelay
	bo.MaxInterval = p.cfg.MaxDelay
	bo.Multiplier = p.cfg.Factor
	bo.RandomizationFactor = p.cfg.Jitter
	bo.MaxElapsedTime = 0 // never give up
	bo.Reset()
	return bo
}

func (p *Pool) maintain(ctx context.Context, t *target) {
	logger := p.logger.With("server", t.Name, "address", t.Address)
	bo := p.newBackOff()

	for {
		p.setState(t, Connecting, nil)
		client, err := p.dial(ctx, t.Target)
		switch {
		case ctx.Err() != nil:
			if client != nil {
				client.Close()
			}
			p.setState(t, Disconnected, nil)
			return
		case err != nil:
			p.setState(t, Disconnected, err)
			logger.Warn("stats connect failed", "error", err)
		default:
			bo.Reset()
			p.setClient(t, client)
			logger.Info("stats connection established")

			select {
			case <-client.Done():
				p.clearClient(t, client.Err())
				logger.Warn("stats connection lost", "error", client.Err())
			case <-ctx.Done():
				p.clearClient(t, nil)
				client.Close()
				return
			}
		}

		delay := bo.NextBackOff()
		logger.Debug("stats reconnect scheduled", "delay", delay)
		if !p.wait(ctx, delay) {
			p.setState(t, Disconnected, nil)
			return
		}
	}
}

func (p *Pool) dial(ctx context.Context, t Target) (*statsrpc.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
	defer cancel()
	return p.cfg.Dial(dialCtx, t)
}

func (p *Pool) setState(t *target, state State, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t.status.State != state {
		t.status.Since = time.Now()
	}
	t.status.State = state
	if err != nil {
		t.status.Failures++
		t.status.LastError = err
	}
}

func (p *Pool) setClient(t *target, c *statsrpc.Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t.client = c
	t.status = Status{State: Connected, Address: t.Address, Since: time.Now()}
	p.notify()
}

func (p *Pool) clearClient(t *target, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t.client = nil
	t.status.State = Disconnected
	t.status.Since = time.Now()
	if err != nil {
		t.status.LastError = err
	}
	p.notify()
}
