package statsrpc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/apache/thrift/lib/go/thrift"
	"github.com/danweinerdev/go-reqstats/stats"
	"github.com/danweinerdev/go-reqstats/workerpool"
)

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("statsrpc: server closed")

// DefaultWriteTimeout bounds writing one reply unless WithServerWriteTimeout
// says otherwise.
const DefaultWriteTimeout = 10 * time.Second

// Source is the read-and-reset surface the server exposes. It is
// implemented by *stats.Accumulator.
type Source interface {
	ReadAndResetCounts() (requestCount int64, errorPercentage float64)
	ReadAndResetOverallLatencies() []float64
	ReadAndResetEndpointLatencies() map[string][]float64
}

// PoolStatser reports worker pool occupancy for fetchThreadPoolStats.
type PoolStatser interface {
	Stats() workerpool.Stats
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithWorkerPool runs request handlers on p instead of a private pool. The
// caller remains responsible for stopping p.
func WithWorkerPool(p *workerpool.Pool) ServerOption {
	return func(s *Server) {
		s.pool = p
	}
}

// WithPoolStats reports occupancy from ps instead of the handler pool.
func WithPoolStats(ps PoolStatser) ServerOption {
	return func(s *Server) {
		s.poolStats = ps
	}
}

// WithServerLogger sets the server logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithServerMaxFrameSize limits the size of a single incoming frame.
func WithServerMaxFrameSize(n int32) ServerOption {
	return func(s *Server) {
		s.maxFrameSize = n
	}
}

// WithServerWriteTimeout bounds writing one reply. A reply that cannot be
// written in time closes its connection. Zero disables the limit.
func WithServerWriteTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.writeTimeout = d
	}
}

// handler decodes the arguments of one call from the read loop and returns
// the work that produces the reply. Decoding happens before any accumulator
// state is touched, so a malformed call leaves it intact.
type handler func(ctx context.Context, iprot thrift.TProtocol) (func() structWriter, error)

// Server answers stats commands on any number of connections.
type Server struct {
	source       Source
	pool         *workerpool.Pool
	ownsPool     bool
	poolStats    PoolStatser
	handlers     map[string]handler
	maxFrameSize int32
	writeTimeout time.Duration
	cfg          *thrift.TConfiguration
	logger       *slog.Logger

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}
	closed    bool
	wg        sync.WaitGroup
}

// NewServer creates a server exposing source.
func NewServer(source Source, opts ...ServerOption) *Server {
	s := &Server{
		source:       source,
		writeTimeout: DefaultWriteTimeout,
		listeners:    make(map[net.Listener]struct{}),
		conns:        make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.pool == nil {
		s.pool = workerpool.New(0, 0, workerpool.WithLogger(s.logger))
		s.ownsPool = true
	}
	s.pool.Start()
	if s.poolStats == nil {
		s.poolStats = s.pool
	}
	s.cfg = newConfig(s.maxFrameSize)

	s.handlers = map[string]handler{
		MethodRequestStats:               s.requestStats,
		MethodRequestLengthStats:         s.requestLengthStats,
		MethodEndpointRequestLengthStats: s.endpointRequestLengthStats,
		MethodThreadPoolStats:            s.threadPoolStats,
	}
	return s
}

// Serve accepts connections on l until Close is called.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listeners[l] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.listeners, l)
		s.mu.Unlock()
	}()

	s.logger.Info("stats rpc server listening", "addr", l.Addr().String())
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(conn)
		}()
	}
}

// ServeConn answers calls on conn until the peer disconnects, a transport
// error occurs, or the server is closed.
func (s *Server) ServeConn(conn net.Conn) {
	if !s.track(conn) {
		conn.Close()
		return
	}
	defer s.untrack(conn)

	var inflight sync.WaitGroup
	defer inflight.Wait()
	defer conn.Close()

	dc := &deadlineConn{Conn: conn}
	socket := thrift.NewTSocketFromConnConf(dc, s.cfg)
	iprot, oprot := newProtocols(socket, s.cfg)
	sc := &serverConn{conn: dc, oprot: oprot, timeout: s.writeTimeout}
	ctx := context.Background()

	logger := s.logger.With("remote", conn.RemoteAddr().String())
	logger.Debug("stats client connected")

	for {
		name, typ, seq, err := iprot.ReadMessageBegin(ctx)
		if err != nil {
			if !isDisconnect(err) {
				logger.Warn("closing stats connection", "error", err)
			} else {
				logger.Debug("stats client disconnected")
			}
			return
		}

		h, known := s.handlers[name]
		if typ != thrift.CALL || !known {
			if err := skipMessage(ctx, iprot); err != nil {
				logger.Warn("closing stats connection", "error", err)
				return
			}
			code, msg := int32(thrift.UNKNOWN_METHOD), "unknown method: "+name
			if typ != thrift.CALL {
				code, msg = thrift.INVALID_MESSAGE_TYPE_EXCEPTION, "expected a call message"
			}
			if err := sc.exception(ctx, name, seq, code, msg); err != nil {
				return
			}
			continue
		}

		run, err := h(ctx, iprot)
		if err != nil {
			var malformed *MalformedError
			if !errors.As(err, &malformed) {
				logger.Warn("closing stats connection", "method", name, "error", err)
				return
			}
			if err := iprot.ReadMessageEnd(ctx); err != nil {
				return
			}
			logger.Warn("rejected malformed call", "method", name, "error", err)
			if err := sc.exception(ctx, name, seq, thrift.PROTOCOL_ERROR, malformed.Msg); err != nil {
				return
			}
			continue
		}
		if err := iprot.ReadMessageEnd(ctx); err != nil {
			return
		}

		inflight.Add(1)
		submitted := s.pool.Submit(func() {
			defer inflight.Done()
			if err := sc.reply(ctx, name, seq, thrift.REPLY, run()); err != nil {
				logger.Warn("failed to send reply, closing stats connection", "method", name, "error", err)
			}
		})
		if !submitted {
			inflight.Done()
			return
		}
	}
}

// Close stops all listeners, closes every connection and waits for their
// handlers to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var lastErr error
	for l := range s.listeners {
		if err := l.Close(); err != nil {
			lastErr = err
		}
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	if s.ownsPool {
		s.pool.Stop()
	}
	return lastErr
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) requestStats(ctx context.Context, iprot thrift.TProtocol) (func() structWriter, error) {
	if err := readEmpty(ctx, iprot); err != nil {
		return nil, err
	}
	return func() structWriter {
		count, pct := s.source.ReadAndResetCounts()
		return RequestStats{RequestCount: count, ErrorPercentage: pct}.write
	}, nil
}

func (s *Server) requestLengthStats(ctx context.Context, iprot thrift.TProtocol) (func() structWriter, error) {
	var req LengthStatsRequest
	if err := req.read(ctx, iprot); err != nil {
		return nil, err
	}
	percentiles := make([]float64, len(req.Percentiles))
	for i, p := range req.Percentiles {
		percentiles[i] = float64(p)
	}
	return func() structWriter {
		lengths, ranks, ok := stats.Summarize(s.source.ReadAndResetOverallLatencies(), percentiles, req.Thresholds)
		if !ok {
			return LengthStats{}.write
		}
		return LengthStats{Lengths: lengths, Ranks: ranks}.write
	}, nil
}

func (s *Server) endpointRequestLengthStats(ctx context.Context, iprot thrift.TProtocol) (func() structWriter, error) {
	if err := readEmpty(ctx, iprot); err != nil {
		return nil, err
	}
	return func() structWriter {
		snapshot := s.source.ReadAndResetEndpointLatencies()
		names := make([]string, 0, len(snapshot))
		for name, lengths := range snapshot {
			if len(lengths) > 0 {
				names = append(names, name)
			}
		}
		slices.Sort(names)

		result := make(endpointStats, 0, len(names))
		for _, name := range names {
			result = append(result, EndpointLengths{Endpoint: name, Lengths: snapshot[name]})
		}
		return result.write
	}, nil
}

func (s *Server) threadPoolStats(ctx context.Context, iprot thrift.TProtocol) (func() structWriter, error) {
	if err := readEmpty(ctx, iprot); err != nil {
		return nil, err
	}
	return func() structWriter {
		st := s.poolStats.Stats()
		return ThreadPoolStats{
			Waiting: int32(st.Waiting),
			Working: int32(st.Working),
			Queued:  int32(st.Queued),
		}.write
	}, nil
}

// serverConn serializes replies on one connection; handlers finish in any
// order.
type serverConn struct {
	mu      sync.Mutex
	conn    *deadlineConn
	oprot   thrift.TProtocol
	timeout time.Duration
}

// reply writes one message. A failed write leaves a partial frame on the
// wire, so the connection is closed and later replies on it fail at once.
func (c *serverConn) reply(ctx context.Context, name string, seq int32, typ thrift.TMessageType, body structWriter) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timeout > 0 {
		c.conn.deadline = time.Now().Add(c.timeout)
	}
	if err := c.write(ctx, name, seq, typ, body); err != nil {
		c.conn.Close()
		return err
	}
	return nil
}

func (c *serverConn) write(ctx context.Context, name string, seq int32, typ thrift.TMessageType, body structWriter) error {
	if err := c.oprot.WriteMessageBegin(ctx, name, typ, seq); err != nil {
		return err
	}
	if err := body(ctx, c.oprot); err != nil {
		return err
	}
	if err := c.oprot.WriteMessageEnd(ctx); err != nil {
		return err
	}
	return c.oprot.Flush(ctx)
}

func (c *serverConn) exception(ctx context.Context, name string, seq int32, code int32, msg string) error {
	appEx := thrift.NewTApplicationException(code, msg)
	return c.reply(ctx, name, seq, thrift.EXCEPTION, func(ctx context.Context, oprot thrift.TProtocol) error {
		return appEx.Write(ctx, oprot)
	})
}

func skipMessage(ctx context.Context, iprot thrift.TProtocol) error {
	if err := iprot.Skip(ctx, thrift.STRUCT); err != nil {
		return err
	}
	return iprot.ReadMessageEnd(ctx)
}

func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
