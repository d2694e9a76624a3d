package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/fusor-core/internal/event"
	"github.com/nerrad567/fusor-core/internal/safety"
	"github.com/nerrad567/fusor-core/internal/sequencer"
	"github.com/nerrad567/fusor-core/internal/telemetry"
)

// Measurement names.
const (
	MeasurementTelemetry  = "telemetry"
	MeasurementTransition = "transition"
	MeasurementEvent      = "event"
	MeasurementTrip       = "safety_trip"
)

// PointWriter accepts points without blocking. *Client implements it.
type PointWriter interface {
	WritePoint(p *write.Point)
}

// Archive turns host activity into points. Its methods have the shape of
// the host's activity sinks and never block.
type Archive struct {
	w    PointWriter
	site string
}

// NewArchive creates an archive writing to w, tagging points with site.
func NewArchive(w PointWriter, site string) *Archive {
	return &Archive{w: w, site: site}
}

// Sample writes one telemetry reading.
func (a *Archive) Sample(s telemetry.Sample) {
	a.w.WritePoint(SamplePoint(a.site, s))
}

// StateChanged writes one committed transition.
func (a *Archive) StateChanged(c sequencer.StateChange) {
	a.w.WritePoint(TransitionPoint(a.site, c))
}

// Event writes escalating events only; the rest are high volume and live
// in the SQLite archive.
func (a *Archive) Event(e event.Event) {
	if e.Escalation() == "" {
		return
	}
	a.w.WritePoint(EventPoint(a.site, e))
}

// Trip writes a safety trip.
func (a *Archive) Trip(t safety.Trip) {
	a.w.WritePoint(TripPoint(a.site, t))
}

// SamplePoint is telemetry,site=,channel=,unit= value=<v>.
func SamplePoint(site string, s telemetry.Sample) *write.Point {
	return write.NewPoint(MeasurementTelemetry,
		tags("site", site, "channel", s.Channel.String(), "unit", s.Channel.Unit()),
		map[string]interface{}{"value": s.Value},
		stamp(s.Timestamp))
}

// TransitionPoint is transition,site=,from=,to= epoch=,trigger=.
func TransitionPoint(site string, c sequencer.StateChange) *write.Point {
	return write.NewPoint(MeasurementTransition,
		tags("site", site, "from", string(c.From), "to", string(c.To)),
		map[string]interface{}{
			"epoch":   int64(c.Epoch), // #nosec G115 -- epochs stay far below 2^63
			"trigger": c.Trigger,
		},
		stamp(c.At))
}

// EventPoint is event,site=,kind=,class= trigger=,message=,value=.
func EventPoint(site string, e event.Event) *write.Point {
	return write.NewPoint(MeasurementEvent,
		tags("site", site, "kind", string(e.Kind), "class", e.Escalation()),
		map[string]interface{}{
			"trigger": e.Trigger,
			"message": e.Message,
			"value":   e.Value,
		},
		stamp(e.Timestamp))
}

// TripPoint is safety_trip,site=,from= reason=,failed=,duration_ms=.
func TripPoint(site string, t safety.Trip) *write.Point {
	return write.NewPoint(MeasurementTrip,
		tags("site", site, "from", t.From),
		map[string]interface{}{
			"reason":      t.Reason,
			"failed":      len(t.Failed),
			"duration_ms": t.Duration.Milliseconds(),
		},
		stamp(t.At))
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

// tags builds a tag set from key/value pairs, leaving out empty values
// which line protocol cannot carry.
func tags(kv ...string) map[string]string {
	m := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			m[kv[i]] = kv[i+1]
		}
	}
	return m
}
