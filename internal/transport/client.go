package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/fusor-core/internal/command"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Default timeouts and intervals for the command channel.
const (
	defaultConnectTimeout    = 5 * time.Second
	defaultCommandTimeout    = 3 * time.Second
	defaultWriteTimeout      = 2 * time.Second
	defaultReconnectInterval = 500 * time.Millisecond
	maxReconnectInterval     = 10 * time.Second
	defaultMaxAttempts       = 5

	// maxLineLength bounds one command or response line.
	maxLineLength = 4096
)

// ClientConfig holds command channel client configuration.
type ClientConfig struct {
	// Address is the target command port, host:port.
	Address string

	// ConnectTimeout bounds one dial. Default: 5 seconds.
	ConnectTimeout time.Duration

	// CommandTimeout bounds the wait for a response. Default: 3 seconds.
	CommandTimeout time.Duration

	// ReconnectInterval is the first backoff delay; each failed dial
	// multiplies it by 1.5 up to MaxReconnectInterval.
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration

	// MaxAttempts bounds the dials made for one Send. Default: 5.
	MaxAttempts int

	// OnConnectivity is called with connected=false when a Send exhausts
	// its reconnect attempts, and with connected=true on the next
	// successful dial. It runs on the sending goroutine and must not call
	// Send.
	OnConnectivity func(connected bool, err error)

	Logger Logger
}

// ClientStats holds operational statistics.
type ClientStats struct {
	CommandsTx      uint64
	Failures        uint64
	Timeouts        uint64
	ReconnectsTotal uint64
	LastActivity    time.Time
	Connected       bool
}

// CommandClient is the host end of the reliable command channel: one TCP
// connection carrying line-delimited commands, one response per command.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Send calls are serialised; one command is in flight at a time.
//
// Reconnection:
//   - The connection is dialled lazily and re-dialled transparently by the
//     next Send after a drop, with exponential backoff (x1.5, capped).
//   - A response timeout drops the connection so a late reply can never be
//     matched to the next command.
type CommandClient struct {
	cfg    ClientConfig
	logger Logger

	sendMu sync.Mutex
	reader *bufio.Reader
	dialed bool // at least one successful dial
	lost   bool // connectivity-lost raised and not yet cleared

	connMu sync.Mutex
	conn   net.Conn

	connected atomic.Bool
	done      *closeOnce

	commandsTx      atomic.Uint64
	failures        atomic.Uint64
	timeouts        atomic.Uint64
	reconnectsTotal atomic.Uint64
	lastActivity    atomic.Int64
}

// Ensure CommandClient can back a host router.
var _ command.Executor = (*CommandClient)(nil)

// NewCommandClient creates a client. No connection is made until the first
// Send or an explicit Connect.
func NewCommandClient(cfg ClientConfig) *CommandClient {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	if cfg.MaxReconnectInterval <= 0 {
		cfg.MaxReconnectInterval = maxReconnectInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	return &CommandClient{
		cfg:    cfg,
		logger: orNoop(cfg.Logger),
		done:   newCloseOnce(),
	}
}

// Connect dials the target eagerly.
func (c *CommandClient) Connect(ctx context.Context) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	_, err := c.ensureConn(ctx)
	return err
}

// Execute implements command.Executor by forwarding the validated command.
func (c *CommandClient) Execute(ctx context.Context, req command.Request) command.Response {
	return c.Send(ctx, req.Command)
}

// Send writes cmd and waits for its response. It always returns exactly
// one Response: a timeout yields command.Timeout(cmd), a transport problem
// a failure of class transport.
func (c *CommandClient) Send(ctx context.Context, cmd command.Command) command.Response {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.isClosed() {
		return c.fail(cmd, ErrClosed)
	}

	line := command.Encode(cmd)
	conn, err := c.write(ctx, line)
	if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrClosed) {
		return c.fail(cmd, err)
	}
	if err != nil {
		// A failed write never reached the target, so a fresh connection
		// may carry it.
		c.dropConn()
		if conn, err = c.write(ctx, line); err != nil {
			return c.fail(cmd, err)
		}
	}
	c.commandsTx.Add(1)

	reply, err := c.readReply(ctx, conn)
	if err != nil {
		c.dropConn()
		var netErr net.Error
		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			return c.fail(cmd, ctx.Err())
		case ctx.Err() != nil, errors.As(err, &netErr) && netErr.Timeout():
			c.timeouts.Add(1)
			c.logger.Warn("command timed out", "command", cmd.String())
			return command.Timeout(cmd)
		default:
			return c.fail(cmd, fmt.Errorf("%w: %w", ErrConnectionLost, err))
		}
	}
	c.lastActivity.Store(time.Now().UnixMilli())

	resp, err := command.ParseResponse(cmd, reply)
	if err != nil {
		c.dropConn()
		return c.fail(cmd, err)
	}
	return resp
}

// write ensures a connection and writes line to it.
func (c *CommandClient) write(ctx context.Context, line string) (net.Conn, error) {
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := conn.Write([]byte(line)); err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}
	return conn, nil
}

// readReply reads the next non-heartbeat line.
func (c *CommandClient) readReply(ctx context.Context, conn net.Conn) (string, error) {
	deadline := time.Now().Add(c.cfg.CommandTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return "", fmt.Errorf("set read deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		line = strings.TrimSpace(line)
		if line == "" || line == command.HeartbeatLine {
			continue
		}
		return line, nil
	}
}

// ensureConn returns the live connection, dialling with backoff if needed.
// Caller holds sendMu.
func (c *CommandClient) ensureConn(ctx context.Context) (net.Conn, error) {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn != nil {
		if c.alive(conn) {
			return conn, nil
		}
		c.logger.Info("command channel closed by peer", "address", c.cfg.Address)
		c.dropConn()
	}

	backoff := c.cfg.ReconnectInterval
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if c.isClosed() {
			return nil, ErrClosed
		}

		conn, err := c.dial(ctx)
		if err == nil {
			c.attach(conn)
			return conn, nil
		}
		lastErr = err
		c.logger.Warn("command channel dial failed",
			"address", c.cfg.Address,
			"attempt", attempt,
			"backoff", backoff.String(),
			"error", err)

		if attempt == c.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrNotConnected, ctx.Err())
		case <-c.done.Done():
			return nil, ErrClosed
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * 1.5)
		if backoff > c.cfg.MaxReconnectInterval {
			backoff = c.cfg.MaxReconnectInterval
		}
	}

	err := fmt.Errorf("%w after %d attempts: %w", ErrNotConnected, c.cfg.MaxAttempts, lastErr)
	if !c.lost {
		c.lost = true
		c.logger.Error("command channel unreachable", "address", c.cfg.Address, "error", err)
		if c.cfg.OnConnectivity != nil {
			c.cfg.OnConnectivity(false, err)
		}
	}
	return nil, err
}

// alive detects a connection the peer has already closed, so the next
// command goes out on a fresh one instead of failing after the write.
func (c *CommandClient) alive(conn net.Conn) bool {
	if c.reader.Buffered() > 0 {
		return true
	}
	_ = conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	_, err := c.reader.Peek(1)
	var netErr net.Error
	return err == nil || errors.As(err, &netErr) && netErr.Timeout()
}

func (c *CommandClient) dial(ctx context.Context) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", c.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.Address, err)
	}
	return conn, nil
}

// attach installs a freshly dialled connection. Caller holds sendMu.
func (c *CommandClient) attach(conn net.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.reader = bufio.NewReaderSize(conn, maxLineLength)
	c.connected.Store(true)
	c.lastActivity.Store(time.Now().UnixMilli())

	if c.dialed {
		c.reconnectsTotal.Add(1)
		c.logger.Info("command channel reconnected", "address", c.cfg.Address,
			"total_reconnects", c.reconnectsTotal.Load())
	} else {
		c.logger.Info("command channel connected", "address", c.cfg.Address)
	}
	c.dialed = true

	if c.lost {
		c.lost = false
		if c.cfg.OnConnectivity != nil {
			c.cfg.OnConnectivity(true, nil)
		}
	}
}

func (c *CommandClient) dropConn() {
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()
	c.connected.Store(false)
}

func (c *CommandClient) fail(cmd command.Command, err error) command.Response {
	c.failures.Add(1)
	return command.Failure(cmd, &command.Error{Class: command.ClassTransport, Op: cmd.Name(), Err: err}, nil)
}

func (c *CommandClient) isClosed() bool {
	select {
	case <-c.done.Done():
		return true
	default:
		return false
	}
}

// IsConnected reports whether a connection is currently open.
func (c *CommandClient) IsConnected() bool {
	return c.connected.Load()
}

// HealthCheck reports ErrNotConnected when no connection is open.
func (c *CommandClient) HealthCheck(_ context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// Stats returns current operational statistics.
func (c *CommandClient) Stats() ClientStats {
	return ClientStats{
		CommandsTx:      c.commandsTx.Load(),
		Failures:        c.failures.Load(),
		Timeouts:        c.timeouts.Load(),
		ReconnectsTotal: c.reconnectsTotal.Load(),
		LastActivity:    time.UnixMilli(c.lastActivity.Load()),
		Connected:       c.IsConnected(),
	}
}

// Close closes the connection. A Send blocked on a response returns
// promptly with a transport failure. Safe to call multiple times.
func (c *CommandClient) Close() error {
	c.done.Close()
	c.dropConn()
	return nil
}
