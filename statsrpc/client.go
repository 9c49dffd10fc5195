package statsrpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apache/thrift/lib/go/thrift"
)

// ErrClientClosed is returned for calls on a client after Close.
var ErrClientClosed = errors.New("statsrpc: client closed")

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the client logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMaxFrameSize limits the size of a single incoming reply frame.
func WithMaxFrameSize(n int32) ClientOption {
	return func(c *Client) {
		c.maxFrameSize = n
	}
}

// pendingCall is one call waiting for its reply. decode runs on the read
// loop and fills the caller's result.
type pendingCall struct {
	decode func(ctx context.Context, iprot thrift.TProtocol) error
	done   chan error
}

// Client issues stats commands over one connection. Calls may be made from
// many goroutines at once; they are pipelined and matched to replies by
// sequence id. Once the connection fails the client is dead: Done is closed
// and every call returns the connection error.
type Client struct {
	name         string
	conn         *deadlineConn
	iprot        thrift.TProtocol
	oprot        thrift.TProtocol
	maxFrameSize int32
	logger       *slog.Logger
	seqID        atomic.Int32

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int32]*pendingCall
	err     error
	done    chan struct{}
}

// Dial connects to addr and returns a client identified by name. The dial
// honours the context deadline.
func Dial(ctx context.Context, name, addr string, opts ...ClientOption) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s (%s): %w", name, addr, err)
	}
	return NewClient(name, conn, opts...), nil
}

// NewClient wraps an established connection.
func NewClient(name string, conn net.Conn, opts ...ClientOption) *Client {
	c := &Client{
		name:    name,
		conn:    &deadlineConn{Conn: conn},
		pending: make(map[int32]*pendingCall),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}

	cfg := newConfig(c.maxFrameSize)
	socket := thrift.NewTSocketFromConnConf(c.conn, cfg)
	c.iprot, c.oprot = newProtocols(socket, cfg)

	go c.readLoop()
	return c
}

// Name returns the logical server name this client talks to.
func (c *Client) Name() string {
	return c.name
}

// RemoteAddr returns the address of the connected server.
func (c *Client) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Done is closed once the connection has failed or been closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, or nil while it is live.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close tears down the connection. Outstanding calls fail with
// ErrClientClosed.
func (c *Client) Close() error {
	c.fail(ErrClientClosed)
	return nil
}

// FetchRequestStats reads and resets the server's request counters.
func (c *Client) FetchRequestStats(ctx context.Context) (RequestStats, error) {
	var out RequestStats
	err := c.call(ctx, MethodRequestStats, nil, out.read)
	if err != nil {
		return RequestStats{}, err
	}
	return out, nil
}

// FetchRequestLengthStats reads and resets the server's overall latency
// sample and summarizes it at the given percentiles and thresholds.
func (c *Client) FetchRequestLengthStats(ctx context.Context, percentiles []int32, thresholds []float64) (LengthStats, error) {
	if percentiles == nil {
		percentiles = []int32{}
	}
	if thresholds == nil {
		thresholds = []float64{}
	}
	req := LengthStatsRequest{Percentiles: percentiles, Thresholds: thresholds}

	var out LengthStats
	err := c.call(ctx, MethodRequestLengthStats, req.write, out.read)
	if err != nil {
		return LengthStats{}, err
	}
	return out, nil
}

// FetchEndpointRequestLengthStats reads and resets the server's
// per-endpoint latency samples.
func (c *Client) FetchEndpointRequestLengthStats(ctx context.Context) ([]EndpointLengths, error) {
	var out endpointStats
	err := c.call(ctx, MethodEndpointRequestLengthStats, nil, out.read)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FetchThreadPoolStats reads the server's worker pool occupancy.
func (c *Client) FetchThreadPoolStats(ctx context.Context) (ThreadPoolStats, error) {
	var out ThreadPoolStats
	err := c.call(ctx, MethodThreadPoolStats, nil, out.read)
	if err != nil {
		return ThreadPoolStats{}, err
	}
	return out, nil
}

// call sends one request and waits for its reply, the context, or the
// connection to end, whichever comes first.
func (c *Client) call(ctx context.Context, method string, args structWriter, decode func(context.Context, thrift.TProtocol) error) error {
	seq := c.seqID.Add(1)
	pc := &pendingCall{decode: decode, done: make(chan error, 1)}

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.pending[seq] = pc
	c.mu.Unlock()

	if err := c.send(ctx, method, seq, args); err != nil {
		c.forget(seq)
		c.fail(fmt.Errorf("send %s: %w", method, err))
		return fmt.Errorf("%s: send %s: %w", c.name, method, err)
	}

	select {
	case err := <-pc.done:
		return c.wrap(method, err)
	case <-ctx.Done():
		c.forget(seq)
		return fmt.Errorf("%s: %s: %w", c.name, method, ctx.Err())
	case <-c.done:
		// A reply may have been delivered just before the connection failed.
		select {
		case err := <-pc.done:
			return c.wrap(method, err)
		default:
		}
		return fmt.Errorf("%s: %s: %w", c.name, method, c.Err())
	}
}

func (c *Client) wrap(method string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %s: %w", c.name, method, err)
}

func (c *Client) send(ctx context.Context, method string, seq int32, args structWriter) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.deadline = deadline
		defer func() { c.conn.deadline = time.Time{} }()
	}

	if err := c.oprot.WriteMessageBegin(ctx, method, thrift.CALL, seq); err != nil {
		return err
	}
	if args == nil {
		args = func(ctx context.Context, oprot thrift.TProtocol) error {
			return writeStruct(ctx, oprot, method+"_args", nil)
		}
	}
	if err := args(ctx, c.oprot); err != nil {
		return err
	}
	if err := c.oprot.WriteMessageEnd(ctx); err != nil {
		return err
	}
	return c.oprot.Flush(ctx)
}

func (c *Client) forget(seq int32) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

func (c *Client) take(seq int32) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	pc, ok := c.pending[seq]
	if ok {
		delete(c.pending, seq)
	}
	return pc
}

// fail records the first terminal error, closes the connection and wakes
// every waiting call.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = err
	c.pending = make(map[int32]*pendingCall)
	close(c.done)
	c.mu.Unlock()

	c.conn.Close()
}

func (c *Client) readLoop() {
	ctx := context.Background()
	for {
		_, typ, seq, err := c.iprot.ReadMessageBegin(ctx)
		if err != nil {
			c.logger.Debug("stats connection lost", "server", c.name, "error", err)
			c.fail(fmt.Errorf("connection lost: %w", err))
			return
		}

		pc := c.take(seq)
		if pc == nil {
			// The caller gave up on this call already.
			if err := skipMessage(ctx, c.iprot); err != nil {
				c.fail(err)
				return
			}
			continue
		}

		var callErr error
		switch typ {
		case thrift.REPLY:
			callErr = pc.decode(ctx, c.iprot)
			var malformed *MalformedError
			if callErr != nil && !errors.As(callErr, &malformed) {
				c.fail(callErr)
				pc.done <- callErr
				return
			}
		case thrift.EXCEPTION:
			appEx := thrift.NewTApplicationException(thrift.UNKNOWN_APPLICATION_EXCEPTION, "")
			if err := appEx.Read(ctx, c.iprot); err != nil {
				c.fail(err)
				pc.done <- err
				return
			}
			callErr = appEx
		default:
			if err := c.iprot.Skip(ctx, thrift.STRUCT); err != nil {
				c.fail(err)
				pc.done <- err
				return
			}
			callErr = fmt.Errorf("unexpected message type %d", typ)
		}

		if err := c.iprot.ReadMessageEnd(ctx); err != nil {
			c.fail(err)
			pc.done <- err
			return
		}
		pc.done <- callErr
	}
}
