package transport

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/fusor-core/internal/telemetry"
)

const defaultSampleInterval = 100 * time.Millisecond

// SenderConfig holds telemetry sender configuration.
type SenderConfig struct {
	// Address is the host telemetry port, host:port.
	Address string

	// Interval is the sampling cadence. Default: 100 ms.
	Interval time.Duration

	// Filter decides which samples are transmitted. Nil sends everything.
	Filter *telemetry.Filter

	Logger Logger
}

// SenderStats holds operational statistics.
type SenderStats struct {
	FramesTx  uint64
	SamplesTx uint64
	Errors    uint64
}

// TelemetrySender is the target's sampling loop: it reads every sensor at
// a fixed cadence, keeps the significant changes and pushes them to the
// host as one UDP datagram. There is no acknowledgement or retry.
type TelemetrySender struct {
	cfg    SenderConfig
	sensor telemetry.Sensor
	logger Logger
	conn   net.Conn
	seq    uint64

	framesTx  atomic.Uint64
	samplesTx atomic.Uint64
	errors    atomic.Uint64
}

// NewTelemetrySender creates a sender. The UDP socket is opened by Run.
func NewTelemetrySender(cfg SenderConfig, sensor telemetry.Sensor) *TelemetrySender {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultSampleInterval
	}
	return &TelemetrySender{cfg: cfg, sensor: sensor, logger: orNoop(cfg.Logger)}
}

// Run samples until ctx is cancelled.
func (s *TelemetrySender) Run(ctx context.Context) error {
	conn, err := net.Dial("udp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("telemetry dial %s: %w", s.cfg.Address, err)
	}
	s.conn = conn
	defer conn.Close()

	s.logger.Info("telemetry sender started", "address", s.cfg.Address, "interval", s.cfg.Interval.String())

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *TelemetrySender) tick(ctx context.Context, now time.Time) {
	batch, err := s.sensor.ReadAll(ctx)
	if err != nil {
		s.errors.Add(1)
		s.logger.Warn("sensor read failed", "error", err)
		return
	}
	if s.cfg.Filter != nil {
		batch = s.cfg.Filter.Apply(batch, now)
	}
	if len(batch) == 0 {
		return
	}

	s.seq++
	if _, err := s.conn.Write(telemetry.EncodeFrame(s.seq, batch)); err != nil {
		// Nobody listening yields ECONNREFUSED on some platforms; that is
		// normal while the host is down.
		s.errors.Add(1)
		s.logger.Debug("telemetry send failed", "error", err)
		return
	}
	s.framesTx.Add(1)
	s.samplesTx.Add(uint64(len(batch)))
}

// Stats returns current operational statistics.
func (s *TelemetrySender) Stats() SenderStats {
	return SenderStats{
		FramesTx:  s.framesTx.Load(),
		SamplesTx: s.samplesTx.Load(),
		Errors:    s.errors.Load(),
	}
}

// ReceiverStats holds operational statistics.
type ReceiverStats struct {
	FramesRx  uint64
	SamplesRx uint64
	Malformed uint64
	// Gaps counts frames whose sequence number skipped ahead.
	Gaps uint64
}

// TelemetryReceiver is the host end of the telemetry channel.
type TelemetryReceiver struct {
	conn    *net.UDPConn
	logger  Logger
	onFrame func(telemetry.Frame)

	readMu  sync.Mutex
	lastSeq uint64

	framesRx  atomic.Uint64
	samplesRx atomic.Uint64
	malformed atomic.Uint64
	gaps      atomic.Uint64
}

// ListenTelemetry binds the host telemetry port. onFrame, if set, is
// called for every valid frame before its samples are yielded; the host
// uses it to mark link liveness.
func ListenTelemetry(address string, onFrame func(telemetry.Frame), logger Logger) (*TelemetryReceiver, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", address, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", address, err)
	}
	return &TelemetryReceiver{conn: conn, logger: orNoop(logger), onFrame: onFrame}, nil
}

// Addr returns the bound address.
func (r *TelemetryReceiver) Addr() net.Addr {
	return r.conn.LocalAddr()
}

// Samples returns a lazy, unbounded sequence of received samples. The
// sequence ends when ctx is cancelled, the consumer stops ranging, or the
// receiver is closed. It may be ranged again afterwards; datagrams that
// arrive between ranges are read by the next one.
func (r *TelemetryReceiver) Samples(ctx context.Context) iter.Seq[telemetry.Sample] {
	return func(yield func(telemetry.Sample) bool) {
		r.readMu.Lock()
		defer r.readMu.Unlock()

		_ = r.conn.SetReadDeadline(time.Time{})
		stop := context.AfterFunc(ctx, func() {
			_ = r.conn.SetReadDeadline(time.Now())
		})
		defer stop()

		buf := make([]byte, telemetry.MaxFrameSize)
		for {
			n, _, err := r.conn.ReadFromUDP(buf)
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
					r.logger.Warn("telemetry read failed", "error", err)
				}
				return
			}

			frame, err := telemetry.DecodeFrame(buf[:n])
			if err != nil {
				r.malformed.Add(1)
				r.logger.Debug("dropping malformed telemetry frame", "error", err)
				continue
			}
			r.account(frame)
			if r.onFrame != nil {
				r.onFrame(frame)
			}

			for _, s := range frame.Samples {
				if !yield(s) {
					return
				}
			}
		}
	}
}

// account updates counters. A sequence number at or below the last one is
// a target restart, not a gap. Caller holds readMu.
func (r *TelemetryReceiver) account(f telemetry.Frame) {
	r.framesRx.Add(1)
	r.samplesRx.Add(uint64(len(f.Samples)))
	if r.lastSeq != 0 && f.Seq > r.lastSeq+1 {
		r.gaps.Add(1)
	}
	r.lastSeq = f.Seq
}

// Stats returns current operational statistics.
func (r *TelemetryReceiver) Stats() ReceiverStats {
	return ReceiverStats{
		FramesRx:  r.framesRx.Load(),
		SamplesRx: r.samplesRx.Load(),
		Malformed: r.malformed.Load(),
		Gaps:      r.gaps.Load(),
	}
}

// Close releases the socket and ends any running sequence.
func (r *TelemetryReceiver) Close() error {
	return r.conn.Close()
}
