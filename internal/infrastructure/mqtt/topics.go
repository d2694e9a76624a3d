package mqtt

import "fmt"

// TopicRoot is the first level of every fusor topic.
const TopicRoot = "fusor"

// Topics builds the topic tree for one site. The zero value uses the
// site "default".
type Topics struct {
	Site string
}

func (t Topics) base() string {
	site := t.Site
	if site == "" {
		site = "default"
	}
	return TopicRoot + "/" + site
}

// Status is the retained online/offline topic, also used for the LWT.
//
// Example: fusor/lab-1/status
func (t Topics) Status() string {
	return t.base() + "/status"
}

// SequencerState carries the retained sequencer snapshot.
//
// Example: fusor/lab-1/sequencer/state
func (t Topics) SequencerState() string {
	return t.base() + "/sequencer/state"
}

// Event carries events of one kind.
//
// Example: fusor/lab-1/event/transition-failed
func (t Topics) Event(kind string) string {
	return fmt.Sprintf("%s/event/%s", t.base(), kind)
}

// Telemetry carries samples of one channel.
//
// Example: fusor/lab-1/telemetry/main_pressure
func (t Topics) Telemetry(channel string) string {
	return fmt.Sprintf("%s/telemetry/%s", t.base(), channel)
}

// CommandRequest receives remote command lines.
func (t Topics) CommandRequest() string {
	return t.base() + "/command/request"
}

// CommandResponse carries the responses to remote command lines.
func (t Topics) CommandResponse() string {
	return t.base() + "/command/response"
}

// CommandLog carries every completed command regardless of origin.
func (t Topics) CommandLog() string {
	return t.base() + "/command/log"
}

// SafetyTrip carries emergency stop reports.
func (t Topics) SafetyTrip() string {
	return t.base() + "/safety/trip"
}

// AllEvents matches every event topic.
//
// Pattern: fusor/lab-1/event/+
func (t Topics) AllEvents() string {
	return t.base() + "/event/+"
}

// AllTelemetry matches every telemetry topic.
//
// Pattern: fusor/lab-1/telemetry/+
func (t Topics) AllTelemetry() string {
	return t.base() + "/telemetry/+"
}

// All matches everything published for the site.
func (t Topics) All() string {
	return t.base() + "/#"
}
