package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/fusor-core/internal/command"
)

// LineHandler turns one command line into one response line. The command
// router implements it.
type LineHandler interface {
	HandleLine(ctx context.Context, line string, source command.Source) string
}

// ServerConfig holds command server configuration.
type ServerConfig struct {
	// Address is the listen address, host:port. Port 0 picks a free port.
	Address string

	// IdleHeartbeat is how often a HEARTBEAT line is written to a session
	// that has been quiet for that long. Zero disables it.
	IdleHeartbeat time.Duration

	// SessionIdle closes a session with no input for this long. Zero
	// keeps sessions open until the peer disconnects.
	SessionIdle time.Duration

	Logger Logger
}

// ServerStats holds operational statistics.
type ServerStats struct {
	SessionsTotal  uint64
	SessionsActive int
	CommandsRx     uint64
}

// CommandServer is the target end of the command channel. Each accepted
// session is served by its own goroutine; every line read produces exactly
// one response line.
type CommandServer struct {
	cfg     ServerConfig
	handler LineHandler
	logger  Logger

	listener net.Listener

	mu       sync.Mutex
	sessions map[net.Conn]struct{}

	done *closeOnce
	wg   sync.WaitGroup

	sessionsTotal atomic.Uint64
	commandsRx    atomic.Uint64
}

// NewCommandServer creates a server dispatching lines to handler.
func NewCommandServer(cfg ServerConfig, handler LineHandler) *CommandServer {
	return &CommandServer{
		cfg:      cfg,
		handler:  handler,
		logger:   orNoop(cfg.Logger),
		sessions: make(map[net.Conn]struct{}),
		done:     newCloseOnce(),
	}
}

// Start binds the listener and begins accepting sessions. Sessions are
// served with ctx; cancelling it does not close the listener, Close does.
func (s *CommandServer) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Address, err)
	}
	s.listener = ln
	s.logger.Info("command server listening", "address", ln.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

// Addr returns the bound address. Valid after Start.
func (s *CommandServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *CommandServer) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.track(conn)
		s.sessionsTotal.Add(1)
		s.wg.Add(1)
		go s.serve(ctx, conn)
	}
}

func (s *CommandServer) serve(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	peer := conn.RemoteAddr().String()
	s.logger.Info("command session opened", "peer", peer)
	defer s.logger.Info("command session closed", "peer", peer)

	sess := &session{conn: conn}
	sess.touch()

	quit := make(chan struct{})
	defer close(quit)
	if s.cfg.IdleHeartbeat > 0 {
		s.wg.Add(1)
		go s.heartbeatLoop(sess, quit)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 256), maxLineLength)
	for {
		if s.cfg.SessionIdle > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.SessionIdle))
		}
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("command session read ended", "peer", peer, "error", err)
			}
			return
		}
		sess.touch()

		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		s.commandsRx.Add(1)

		reply := s.handler.HandleLine(ctx, line, command.SourceUser)
		if err := sess.writeLine(reply); err != nil {
			s.logger.Warn("command response write failed", "peer", peer, "error", err)
			return
		}
	}
}

func (s *CommandServer) heartbeatLoop(sess *session, quit <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.IdleHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return
		case <-s.done.Done():
			return
		case <-ticker.C:
			if sess.idleFor() < s.cfg.IdleHeartbeat {
				continue
			}
			if err := sess.writeLine(command.HeartbeatLine); err != nil {
				return
			}
		}
	}
}

func (s *CommandServer) track(conn net.Conn) {
	s.mu.Lock()
	s.sessions[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *CommandServer) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.sessions, conn)
	s.mu.Unlock()
}

// Stats returns current operational statistics.
func (s *CommandServer) Stats() ServerStats {
	s.mu.Lock()
	active := len(s.sessions)
	s.mu.Unlock()
	return ServerStats{
		SessionsTotal:  s.sessionsTotal.Load(),
		SessionsActive: active,
		CommandsRx:     s.commandsRx.Load(),
	}
}

// Close stops accepting, closes every session and waits for their
// goroutines. Safe to call multiple times.
func (s *CommandServer) Close() error {
	s.done.Close()
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for conn := range s.sessions {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

// session serialises writes from the response path and the heartbeat loop.
type session struct {
	conn         net.Conn
	writeMu      sync.Mutex
	lastActivity atomic.Int64
}

func (s *session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *session) idleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

func (s *session) writeLine(line string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		return err
	}
	if _, err := io.WriteString(s.conn, line+"\n"); err != nil {
		return err
	}
	s.touch()
	return nil
}
