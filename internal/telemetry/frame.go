package telemetry

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Frame wire format, one UDP datagram per batch:
//
//	T|<seq>|<unix_ms>|<channel>=<value>|<channel>=<value>...
//
// Channel names are the stable identifiers from channelNames. Every sample
// in a frame carries the frame timestamp.
const (
	framePrefix = "T"
	frameSep    = "|"

	// MaxFrameSize bounds a datagram. Seven channels fit comfortably.
	MaxFrameSize = 1024
)

// Frame is one decoded telemetry datagram.
type Frame struct {
	Seq     uint64
	Time    time.Time
	Samples []Sample
	// Skipped counts entries with unknown channel names. They are ignored
	// so a newer target can add channels without breaking older hosts.
	Skipped int
}

// EncodeFrame renders samples as one datagram. The frame time is taken
// from the first sample.
func EncodeFrame(seq uint64, samples []Sample) []byte {
	var ts time.Time
	if len(samples) > 0 {
		ts = samples[0].Timestamp
	}
	if ts.IsZero() {
		ts = time.Now()
	}

	var b strings.Builder
	b.WriteString(framePrefix)
	b.WriteString(frameSep)
	b.WriteString(strconv.FormatUint(seq, 10))
	b.WriteString(frameSep)
	b.WriteString(strconv.FormatInt(ts.UnixMilli(), 10))
	for _, s := range samples {
		b.WriteString(frameSep)
		b.WriteString(s.Channel.String())
		b.WriteByte('=')
		b.WriteString(strconv.FormatFloat(s.Value, 'g', -1, 64))
	}
	return []byte(b.String())
}

// DecodeFrame parses one datagram.
func DecodeFrame(data []byte) (Frame, error) {
	parts := strings.Split(strings.TrimSpace(string(data)), frameSep)
	if len(parts) < 3 || parts[0] != framePrefix {
		return Frame{}, fmt.Errorf("%w: missing header", ErrMalformedFrame)
	}

	seq, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: sequence %q", ErrMalformedFrame, parts[1])
	}
	ms, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: timestamp %q", ErrMalformedFrame, parts[2])
	}

	f := Frame{Seq: seq, Time: time.UnixMilli(ms)}
	for _, entry := range parts[3:] {
		name, raw, ok := strings.Cut(entry, "=")
		if !ok {
			return Frame{}, fmt.Errorf("%w: entry %q", ErrMalformedFrame, entry)
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: value %q", ErrMalformedFrame, raw)
		}
		ch, ok := ChannelByName(name)
		if !ok {
			f.Skipped++
			continue
		}
		f.Samples = append(f.Samples, Sample{Channel: ch, Value: v, Timestamp: f.Time})
	}
	return f, nil
}
