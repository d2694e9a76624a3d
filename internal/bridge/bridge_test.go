package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/fusor-core/internal/command"
	"github.com/nerrad567/fusor-core/internal/event"
	"github.com/nerrad567/fusor-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/fusor-core/internal/safety"
	"github.com/nerrad567/fusor-core/internal/sequencer"
	"github.com/nerrad567/fusor-core/internal/telemetry"
)

// ─── Mocks ──────────────────────────────────────────────────────────

type published struct {
	topic    string
	payload  []byte
	retained bool
}

type mockPublisher struct {
	mu       sync.Mutex
	msgs     []published
	handlers map[string]mqtt.MessageHandler
	fail     error
}

func newMockPublisher() *mockPublisher {
	return &mockPublisher{handlers: make(map[string]mqtt.MessageHandler)}
}

func (m *mockPublisher) Publish(topic string, payload []byte, _ byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.msgs = append(m.msgs, published{topic: topic, payload: payload, retained: retained})
	return nil
}

func (m *mockPublisher) Subscribe(topic string, _ byte, h mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = h
	return nil
}

func (m *mockPublisher) Topics() mqtt.Topics { return mqtt.Topics{Site: "lab"} }

func (m *mockPublisher) deliver(topic string, payload string) error {
	m.mu.Lock()
	h := m.handlers[topic]
	m.mu.Unlock()
	if h == nil {
		return errors.New("no handler")
	}
	return h(topic, []byte(payload))
}

func (m *mockPublisher) on(topic string) []published {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []published
	for _, p := range m.msgs {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

type mockHandler struct {
	mu    sync.Mutex
	lines []string
}

func (h *mockHandler) Handle(_ context.Context, line string, source command.Source) command.Response {
	h.mu.Lock()
	h.lines = append(h.lines, line+"/"+string(source))
	h.mu.Unlock()
	cmd, err := command.Parse(line)
	if err != nil {
		return command.Response{Opcode: "BOGUS", Status: command.StatusFailure, Error: err.Error()}
	}
	return command.Success(cmd, "100")
}

// ─── Helpers ────────────────────────────────────────────────────────

func running(t *testing.T, cfg Config) (*Bridge, func()) {
	t.Helper()
	b := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()
	waitFor(t, b.running.Load)
	return b, func() {
		cancel()
		<-done
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ─── Outbound ───────────────────────────────────────────────────────

func TestBridge_PublishesActivity(t *testing.T) {
	pub := newMockPublisher()
	b, stop := running(t, Config{Publisher: pub})
	defer stop()

	topics := pub.Topics()
	b.StateChanged(sequencer.StateChange{From: "ALL_OFF", To: "ROUGH_PUMP_DOWN", Epoch: 2, Trigger: "start"})
	b.Event(event.New(event.ThresholdCrossed, "foreline_rough"))
	b.Sample(telemetry.Sample{Channel: telemetry.MainPressure, Value: 0.1, Timestamp: time.Now()})
	b.Trip(safety.Trip{Reason: "operator"})
	b.CommandCompleted(command.SetValve(1, 100), command.Success(command.SetValve(1, 100), "100"))

	waitFor(t, func() bool { return b.Stats().Published == 5 })

	state := pub.on(topics.SequencerState())
	if len(state) != 1 || !state[0].retained {
		t.Fatalf("state messages = %+v", state)
	}
	var change sequencer.StateChange
	if err := json.Unmarshal(state[0].payload, &change); err != nil || change.To != "ROUGH_PUMP_DOWN" {
		t.Errorf("state payload = %s (%v)", state[0].payload, err)
	}

	if got := pub.on(topics.Event("threshold-crossed")); len(got) != 1 || got[0].retained {
		t.Errorf("event messages = %+v", got)
	}

	samples := pub.on(topics.Telemetry("main_pressure"))
	if len(samples) != 1 {
		t.Fatalf("telemetry messages = %d", len(samples))
	}
	var sp SamplePayload
	if err := json.Unmarshal(samples[0].payload, &sp); err != nil || sp.Value != 0.1 || sp.Unit != "mT" {
		t.Errorf("sample payload = %s", samples[0].payload)
	}

	if got := pub.on(topics.SafetyTrip()); len(got) != 1 {
		t.Errorf("trip messages = %d", len(got))
	}
	logs := pub.on(topics.CommandLog())
	if len(logs) != 1 || !strings.Contains(string(logs[0].payload), `"command":"SET_VALVE1:100"`) {
		t.Errorf("command log = %+v", logs)
	}
}

func TestBridge_PublishFailureCounted(t *testing.T) {
	pub := newMockPublisher()
	pub.fail = mqtt.ErrNotConnected
	b, stop := running(t, Config{Publisher: pub})
	defer stop()

	b.Event(event.New(event.Fault, "turbo_fault"))
	waitFor(t, func() bool { return b.Stats().Failed == 1 })
	if b.Stats().Published != 0 {
		t.Errorf("Published = %d", b.Stats().Published)
	}
}

func TestBridge_QueueOverflowDrops(t *testing.T) {
	pub := newMockPublisher()
	b := New(Config{Publisher: pub, QueueSize: 2})

	for i := 0; i < 5; i++ {
		b.Event(event.New(event.Settled, "main_steady"))
	}
	if got := b.Stats().Dropped; got != 3 {
		t.Errorf("Dropped = %d, want 3", got)
	}
}

// ─── Inbound ────────────────────────────────────────────────────────

func TestBridge_ServesCommandRequests(t *testing.T) {
	pub := newMockPublisher()
	h := &mockHandler{}
	b, stop := running(t, Config{Publisher: pub, Handler: h})
	defer stop()

	topics := pub.Topics()
	if err := pub.deliver(topics.CommandRequest(), `{"id":"r1","line":"SET_VALVE1:100"}`); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if err := pub.deliver(topics.CommandRequest(), "set_valve2:0\n"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	waitFor(t, func() bool { return len(pub.on(topics.CommandResponse())) == 2 })

	replies := pub.on(topics.CommandResponse())
	var first Reply
	if err := json.Unmarshal(replies[0].payload, &first); err != nil {
		t.Fatal(err)
	}
	if first.RequestID != "r1" || first.Wire != "SET_VALVE1_SUCCESS:100" || !first.Response.OK() {
		t.Errorf("reply = %+v", first)
	}
	var second Reply
	if err := json.Unmarshal(replies[1].payload, &second); err != nil {
		t.Fatal(err)
	}
	if second.RequestID == "" {
		t.Error("bare request got no ID")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.lines) != 2 || h.lines[0] != "SET_VALVE1:100/user" {
		t.Errorf("handled = %v", h.lines)
	}
	if b.Stats().Requests != 2 {
		t.Errorf("Requests = %d", b.Stats().Requests)
	}
}

func TestBridge_RejectsMalformedRequests(t *testing.T) {
	pub := newMockPublisher()
	b, stop := running(t, Config{Publisher: pub, Handler: &mockHandler{}})
	defer stop()

	topic := pub.Topics().CommandRequest()
	for _, payload := range []string{"", "   ", `{"line":`, `{"id":"x"}`} {
		if err := pub.deliver(topic, payload); !errors.Is(err, ErrBadRequest) {
			t.Errorf("deliver(%q) = %v, want ErrBadRequest", payload, err)
		}
	}
	if got := b.Stats().Rejected; got != 4 {
		t.Errorf("Rejected = %d", got)
	}
}

func TestBridge_NoHandlerNoSubscription(t *testing.T) {
	pub := newMockPublisher()
	_, stop := running(t, Config{Publisher: pub})
	defer stop()

	if err := pub.deliver(pub.Topics().CommandRequest(), "STOP_SEQUENCE"); err == nil {
		t.Error("request topic subscribed without a handler")
	}
}

func TestDecodeRequest(t *testing.T) {
	tests := []struct {
		payload string
		line    string
		id      string
		wantErr bool
	}{
		{payload: "START_SEQUENCE", line: "START_SEQUENCE"},
		{payload: ` {"id":"a","line":" READ_VOLTAGE "} `, line: "READ_VOLTAGE", id: "a"},
		{payload: "", wantErr: true},
		{payload: "{nope", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			req, err := DecodeRequest([]byte(tt.payload))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("DecodeRequest() = %+v, want error", req)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeRequest() error = %v", err)
			}
			if req.Line != tt.line {
				t.Errorf("Line = %q, want %q", req.Line, tt.line)
			}
			if tt.id != "" && req.ID != tt.id {
				t.Errorf("ID = %q, want %q", req.ID, tt.id)
			}
			if req.ID == "" {
				t.Error("ID empty")
			}
		})
	}
}
