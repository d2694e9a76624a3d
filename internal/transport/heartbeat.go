package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Heartbeat beacon format, one UDP datagram per beat:
//
//	HEARTBEAT:<role>:<seq>:<state>
const beaconPrefix = "HEARTBEAT"

// Roles carried in beacons.
const (
	RoleHost   = "host"
	RoleTarget = "target"
)

const (
	defaultHeartbeatInterval = time.Second
	defaultMissThreshold     = 3
)

// Beat is one decoded heartbeat.
type Beat struct {
	Role  string
	Seq   uint64
	State string
	At    time.Time
}

// FormatBeacon renders a beacon datagram.
func FormatBeacon(role string, seq uint64, state string) string {
	return beaconPrefix + ":" + role + ":" + strconv.FormatUint(seq, 10) + ":" + state
}

// ParseBeacon decodes a beacon datagram.
func ParseBeacon(data string) (Beat, error) {
	parts := strings.SplitN(strings.TrimSpace(data), ":", 4)
	if len(parts) != 4 || parts[0] != beaconPrefix || parts[1] == "" {
		return Beat{}, fmt.Errorf("%w: %q", ErrMalformedBeacon, data)
	}
	seq, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return Beat{}, fmt.Errorf("%w: sequence %q", ErrMalformedBeacon, parts[2])
	}
	return Beat{Role: parts[1], Seq: seq, State: parts[3]}, nil
}

// BeaconConfig holds heartbeat sender configuration.
type BeaconConfig struct {
	// Address is the peer's heartbeat port, host:port.
	Address string
	// Role identifies this node in the beacon.
	Role string
	// Interval between beats. Default: 1 second.
	Interval time.Duration
	// State reports the node's current state for the beacon. Optional.
	State func() string

	Logger Logger
}

// Beacon periodically announces this node to its peer.
type Beacon struct {
	cfg    BeaconConfig
	logger Logger
	seq    atomic.Uint64
}

// NewBeacon creates a beacon. The socket is opened by Run.
func NewBeacon(cfg BeaconConfig) *Beacon {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultHeartbeatInterval
	}
	return &Beacon{cfg: cfg, logger: orNoop(cfg.Logger)}
}

// Run sends beats until ctx is cancelled. Send errors are logged and
// ignored; the peer's monitor detects the silence.
func (b *Beacon) Run(ctx context.Context) error {
	conn, err := net.Dial("udp", b.cfg.Address)
	if err != nil {
		return fmt.Errorf("heartbeat dial %s: %w", b.cfg.Address, err)
	}
	defer conn.Close()

	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	b.send(conn)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.send(conn)
		}
	}
}

func (b *Beacon) send(conn net.Conn) {
	state := ""
	if b.cfg.State != nil {
		state = b.cfg.State()
	}
	msg := FormatBeacon(b.cfg.Role, b.seq.Add(1), state)
	if _, err := conn.Write([]byte(msg)); err != nil {
		b.logger.Debug("heartbeat send failed", "error", err)
	}
}

// Sent returns the number of beats sent.
func (b *Beacon) Sent() uint64 { return b.seq.Load() }

// MonitorConfig holds liveness monitor configuration.
type MonitorConfig struct {
	// Interval is the peer's expected beat interval.
	Interval time.Duration
	// MissThreshold is how many intervals of silence mean the link is lost.
	MissThreshold int

	// OnLost is called once when the link goes silent.
	OnLost func(silence time.Duration)
	// OnRestored is called on the first observation after a loss.
	OnRestored func()

	Logger Logger
}

// Monitor tracks peer liveness. Any observation (a beacon, a telemetry
// frame) marks the peer alive. The link starts out assumed up; silence for
// more than MissThreshold x Interval reports it lost exactly once, and the
// next observation reports it restored.
//
// Thread Safety: all methods are safe for concurrent use.
type Monitor struct {
	cfg    MonitorConfig
	logger Logger

	mu       sync.Mutex
	lastSeen time.Time
	lost     bool
	lastBeat Beat
}

// NewMonitor creates a monitor. The silence window starts now.
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultHeartbeatInterval
	}
	if cfg.MissThreshold <= 0 {
		cfg.MissThreshold = defaultMissThreshold
	}
	return &Monitor{cfg: cfg, logger: orNoop(cfg.Logger), lastSeen: time.Now()}
}

// Window is the silence after which the link is declared lost.
func (m *Monitor) Window() time.Duration {
	return time.Duration(m.cfg.MissThreshold) * m.cfg.Interval
}

// Mark records an observation at now.
func (m *Monitor) Mark(now time.Time) {
	m.mu.Lock()
	m.lastSeen = now
	restored := m.lost
	m.lost = false
	m.mu.Unlock()

	if restored {
		m.logger.Info("peer link restored")
		if m.cfg.OnRestored != nil {
			m.cfg.OnRestored()
		}
	}
}

// Beat records a decoded beacon.
func (m *Monitor) Beat(b Beat) {
	m.mu.Lock()
	m.lastBeat = b
	m.mu.Unlock()
	m.Mark(b.At)
}

// Check evaluates the silence window at now. Run calls it periodically;
// it is exported so tests can drive time.
func (m *Monitor) Check(now time.Time) {
	m.mu.Lock()
	silence := now.Sub(m.lastSeen)
	lost := !m.lost && silence > m.Window()
	if lost {
		m.lost = true
	}
	m.mu.Unlock()

	if lost {
		m.logger.Warn("peer link lost", "silence", silence.String())
		if m.cfg.OnLost != nil {
			m.cfg.OnLost(silence)
		}
	}
}

// Run checks the window at the beat interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			m.Check(now)
		}
	}
}

// Connected reports whether the link is currently considered up.
func (m *Monitor) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.lost
}

// LastSeen returns the time of the last observation.
func (m *Monitor) LastSeen() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSeen
}

// LastBeat returns the most recent beacon received.
func (m *Monitor) LastBeat() Beat {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastBeat
}

// HeartbeatListener receives peer beacons and feeds a Monitor.
type HeartbeatListener struct {
	conn    *net.UDPConn
	monitor *Monitor
	logger  Logger
}

// ListenHeartbeat binds address for incoming beacons.
func ListenHeartbeat(address string, monitor *Monitor, logger Logger) (*HeartbeatListener, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", address, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", address, err)
	}
	return &HeartbeatListener{conn: conn, monitor: monitor, logger: orNoop(logger)}, nil
}

// Addr returns the bound address.
func (l *HeartbeatListener) Addr() net.Addr { return l.conn.LocalAddr() }

// Run reads beacons until ctx is cancelled or the listener is closed.
func (l *HeartbeatListener) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { l.conn.Close() })
	defer stop()

	buf := make([]byte, 256)
	for {
		n, _, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("heartbeat read: %w", err)
		}
		beat, err := ParseBeacon(string(buf[:n]))
		if err != nil {
			l.logger.Debug("dropping malformed heartbeat", "error", err)
			continue
		}
		beat.At = time.Now()
		l.monitor.Beat(beat)
	}
}

// Close releases the socket.
func (l *HeartbeatListener) Close() error { return l.conn.Close() }
