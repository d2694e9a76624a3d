package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/fusor-core/internal/command"
	"github.com/nerrad567/fusor-core/internal/event"
	"github.com/nerrad567/fusor-core/internal/safety"
	"github.com/nerrad567/fusor-core/internal/sequencer"
	"github.com/nerrad567/fusor-core/internal/telemetry"
)

const namespace = "fusor"

// Metrics holds every collector.
//
// Thread Safety: all methods are safe for concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	samples         *prometheus.CounterVec
	readings        *prometheus.GaugeVec
	events          *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	failures        *prometheus.CounterVec
	state           *prometheus.GaugeVec
	linkConnected   prometheus.Gauge
	trips           prometheus.Counter
}

// New creates the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands completed by the host router.",
		}, []string{"opcode", "source", "status"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Time from dispatch to response.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"opcode"}),
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_samples_total",
			Help:      "Telemetry samples received from the target.",
		}, []string{"channel"}),
		readings: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "telemetry_value",
			Help:      "Latest reading per channel.",
		}, []string{"channel", "unit"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events derived on the host.",
		}, []string{"kind"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequencer_transitions_total",
			Help:      "Committed sequencer transitions.",
		}, []string{"from", "to"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequencer_failures_total",
			Help:      "Failed transitions and commands by error class.",
		}, []string{"class"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sequencer_state",
			Help:      "1 for the current sequencer state, 0 otherwise.",
		}, []string{"state"}),
		linkConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "link_connected",
			Help:      "1 while target heartbeats arrive in time.",
		}),
		trips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "safety_trips_total",
			Help:      "Emergency stops executed by the safety overlay.",
		}),
	}

	m.registry.MustRegister(
		m.commands, m.commandDuration, m.samples, m.readings, m.events,
		m.transitions, m.failures, m.state, m.linkConnected, m.trips,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	for _, s := range sequencer.States() {
		m.state.WithLabelValues(string(s)).Set(0)
	}
	m.state.WithLabelValues(string(sequencer.AllOff)).Set(1)
	m.linkConnected.Set(1)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// CommandCompleted implements command.Observer.
func (m *Metrics) CommandCompleted(cmd command.Command, resp command.Response) {
	source := string(cmd.Source)
	if source == "" {
		source = "unknown"
	}
	m.commands.WithLabelValues(resp.Opcode, source, string(resp.Status)).Inc()
	if resp.Duration > 0 {
		m.commandDuration.WithLabelValues(resp.Opcode).Observe(resp.Duration.Seconds())
	}
}

// Sample counts a telemetry reading and records its value.
func (m *Metrics) Sample(s telemetry.Sample) {
	name := s.Channel.String()
	m.samples.WithLabelValues(name).Inc()
	m.readings.WithLabelValues(name, s.Channel.Unit()).Set(s.Value)
}

// Event counts e, and its class when it escalates.
func (m *Metrics) Event(e event.Event) {
	m.events.WithLabelValues(string(e.Kind)).Inc()
	switch e.Kind {
	case event.TransitionFailed, event.CommandFailed, event.Fault:
		m.failures.WithLabelValues(e.Escalation()).Inc()
	}
}

// StateChanged counts a transition and moves the state gauge.
func (m *Metrics) StateChanged(c sequencer.StateChange) {
	m.transitions.WithLabelValues(string(c.From), string(c.To)).Inc()
	m.state.WithLabelValues(string(c.From)).Set(0)
	m.state.WithLabelValues(string(c.To)).Set(1)
}

// Trip counts a safety trip.
func (m *Metrics) Trip(safety.Trip) {
	m.trips.Inc()
}

// SetLinkConnected records target link connectivity.
func (m *Metrics) SetLinkConnected(up bool) {
	if up {
		m.linkConnected.Set(1)
		return
	}
	m.linkConnected.Set(0)
}
