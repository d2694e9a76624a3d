package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/fusor-core/internal/command"
	"github.com/nerrad567/fusor-core/internal/event"
	"github.com/nerrad567/fusor-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/fusor-core/internal/safety"
	"github.com/nerrad567/fusor-core/internal/sequencer"
	"github.com/nerrad567/fusor-core/internal/telemetry"
)

const (
	defaultQueueSize    = 256
	defaultRequestQueue = 16
	defaultQoS          = 1
)

// Logger is the logging surface the bridge needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Publisher is the MQTT surface the bridge needs. *mqtt.Client
// implements it.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Topics() mqtt.Topics
}

// Handler runs one remote command line. *command.Router implements it.
type Handler interface {
	Handle(ctx context.Context, line string, source command.Source) command.Response
}

// Config configures a Bridge.
type Config struct {
	Publisher Publisher
	// Handler serves command requests. Nil disables the request topic.
	Handler Handler

	// QoS for every publish. Default: 1.
	QoS byte
	// QueueSize bounds outbound messages. Default: 256.
	QueueSize int
	// CommandTimeout bounds one remote command. Default: 10 seconds.
	CommandTimeout time.Duration

	Logger Logger
}

// Stats holds operational statistics.
type Stats struct {
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Requests  uint64 `json:"requests"`
	Rejected  uint64 `json:"rejected"`
}

// Request is the JSON form of a command request. A plain-text payload
// is taken as the command line itself.
type Request struct {
	ID   string `json:"id,omitempty"`
	Line string `json:"line"`
}

// Reply is published on the command/response topic.
type Reply struct {
	RequestID string           `json:"request_id"`
	Line      string           `json:"line"`
	Wire      string           `json:"wire"`
	Response  command.Response `json:"response"`
	At        time.Time        `json:"at"`
}

// CommandRecord is published on the command/log topic.
type CommandRecord struct {
	Command  string           `json:"command"`
	Source   command.Source   `json:"source"`
	Response command.Response `json:"response"`
	At       time.Time        `json:"at"`
}

// SamplePayload is published on each telemetry topic.
type SamplePayload struct {
	Value     float64   `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type message struct {
	topic    string
	payload  []byte
	retained bool
}

// Bridge publishes host activity to MQTT and serves remote commands.
//
// Thread Safety: all methods are safe for concurrent use.
type Bridge struct {
	pub     Publisher
	handler Handler
	topics  mqtt.Topics
	qos     byte
	timeout time.Duration
	logger  Logger

	out      chan message
	requests chan Request
	running  atomic.Bool

	published atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
	handled   atomic.Uint64
	rejected  atomic.Uint64
}

// New creates a bridge. Call Run to start publishing.
func New(cfg Config) *Bridge {
	if cfg.QoS == 0 {
		cfg.QoS = defaultQoS
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	return &Bridge{
		pub:      cfg.Publisher,
		handler:  cfg.Handler,
		topics:   cfg.Publisher.Topics(),
		qos:      cfg.QoS,
		timeout:  cfg.CommandTimeout,
		logger:   cfg.Logger,
		out:      make(chan message, cfg.QueueSize),
		requests: make(chan Request, defaultRequestQueue),
	}
}

// Run subscribes to the request topic and drains the outbound queue
// until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	if b.handler != nil {
		if err := b.pub.Subscribe(b.topics.CommandRequest(), b.qos, b.onRequest); err != nil {
			return fmt.Errorf("subscribing to command requests: %w", err)
		}
	}
	b.running.Store(true)
	defer b.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-b.out:
			b.send(m)
		case req := <-b.requests:
			b.serve(ctx, req)
		}
	}
}

func (b *Bridge) send(m message) {
	if err := b.pub.Publish(m.topic, m.payload, b.qos, m.retained); err != nil {
		b.failed.Add(1)
		b.logger.Debug("mqtt publish failed", "topic", m.topic, "error", err)
		return
	}
	b.published.Add(1)
}

func (b *Bridge) enqueue(topic string, v any, retained bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.failed.Add(1)
		b.logger.Error("encoding mqtt payload", "topic", topic, "error", err)
		return
	}
	select {
	case b.out <- message{topic: topic, payload: payload, retained: retained}:
	default:
		b.dropped.Add(1)
	}
}

// StateChanged publishes the new state, retained. It has the signature
// of a sequencer subscriber.
func (b *Bridge) StateChanged(c sequencer.StateChange) {
	b.enqueue(b.topics.SequencerState(), c, true)
}

// Event publishes e under its kind.
func (b *Bridge) Event(e event.Event) {
	b.enqueue(b.topics.Event(string(e.Kind)), e, false)
}

// Sample publishes one telemetry reading.
func (b *Bridge) Sample(s telemetry.Sample) {
	b.enqueue(b.topics.Telemetry(s.Channel.String()), SamplePayload{
		Value:     s.Value,
		Unit:      s.Channel.Unit(),
		Timestamp: s.Timestamp,
	}, false)
}

// Trip publishes a safety trip report.
func (b *Bridge) Trip(t safety.Trip) {
	b.enqueue(b.topics.SafetyTrip(), t, false)
}

// CommandCompleted implements command.Observer.
func (b *Bridge) CommandCompleted(cmd command.Command, resp command.Response) {
	at := cmd.Issued
	if at.IsZero() {
		at = time.Now()
	}
	b.enqueue(b.topics.CommandLog(), CommandRecord{
		Command:  cmd.String(),
		Source:   cmd.Source,
		Response: resp,
		At:       at,
	}, false)
}

// onRequest runs on an MQTT client goroutine and only queues.
func (b *Bridge) onRequest(_ string, payload []byte) error {
	req, err := DecodeRequest(payload)
	if err != nil {
		b.rejected.Add(1)
		return err
	}
	if !b.running.Load() {
		b.rejected.Add(1)
		return ErrStopped
	}
	select {
	case b.requests <- req:
		return nil
	default:
		b.rejected.Add(1)
		return fmt.Errorf("bridge: request queue full, dropping %q", req.Line)
	}
}

func (b *Bridge) serve(ctx context.Context, req Request) {
	b.handled.Add(1)
	cctx, cancel := context.WithTimeout(ctx, b.timeout)
	resp := b.handler.Handle(cctx, req.Line, command.SourceUser)
	cancel()

	b.logger.Info("remote command handled", "request_id", req.ID, "line", req.Line, "status", resp.Status)
	reply := Reply{
		RequestID: req.ID,
		Line:      req.Line,
		Wire:      command.FormatResponse(resp),
		Response:  resp,
		At:        time.Now(),
	}
	payload, err := json.Marshal(reply)
	if err != nil {
		b.failed.Add(1)
		return
	}
	b.send(message{topic: b.topics.CommandResponse(), payload: payload})
}

// DecodeRequest accepts either a JSON Request or a bare command line.
// Requests without an ID get a fresh one.
func DecodeRequest(payload []byte) (Request, error) {
	var req Request
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &req); err != nil {
			return Request{}, fmt.Errorf("%w: %w", ErrBadRequest, err)
		}
	} else {
		req.Line = string(trimmed)
	}
	req.Line = strings.TrimSpace(req.Line)
	if req.Line == "" {
		return Request{}, fmt.Errorf("%w: empty command line", ErrBadRequest)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	return req, nil
}

// Stats returns a copy of the counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Failed:    b.failed.Load(),
		Dropped:   b.dropped.Load(),
		Requests:  b.handled.Load(),
		Rejected:  b.rejected.Load(),
	}
}
