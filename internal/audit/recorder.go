package audit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/nerrad567/fusor-core/internal/command"
	"github.com/nerrad567/fusor-core/internal/event"
	"github.com/nerrad567/fusor-core/internal/sequencer"
)

const (
	defaultRecorderQueue = 512
	writeTimeout         = 5 * time.Second
)

// Logger is the logging surface the recorder needs.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// RecorderStats holds operational statistics.
type RecorderStats struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}

type record struct {
	cmd *CommandEntry
	evt *EventEntry
}

// Recorder archives live activity through a bounded queue. Its sink
// methods never block; when the queue is full the record is dropped and
// counted.
//
// Thread Safety: all methods are safe for concurrent use.
type Recorder struct {
	repo   Repository
	queue  chan record
	logger Logger

	written atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

// NewRecorder creates a recorder writing to repo. A queueSize of zero
// uses 512.
func NewRecorder(repo Repository, queueSize int, logger Logger) *Recorder {
	if queueSize <= 0 {
		queueSize = defaultRecorderQueue
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Recorder{repo: repo, queue: make(chan record, queueSize), logger: logger}
}

// Run writes queued records until ctx is cancelled, then drains what is
// already queued.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case rec := <-r.queue:
			r.write(rec)
		case <-ctx.Done():
			for {
				select {
				case rec := <-r.queue:
					r.write(rec)
				default:
					return nil
				}
			}
		}
	}
}

func (r *Recorder) write(rec record) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var err error
	if rec.cmd != nil {
		err = r.repo.RecordCommand(ctx, rec.cmd)
	} else {
		err = r.repo.RecordEvent(ctx, rec.evt)
	}
	if err != nil {
		r.failed.Add(1)
		r.logger.Warn("archive write failed", "error", err)
		return
	}
	r.written.Add(1)
}

func (r *Recorder) enqueue(rec record) {
	select {
	case r.queue <- rec:
	default:
		r.dropped.Add(1)
	}
}

// CommandCompleted implements command.Observer.
func (r *Recorder) CommandCompleted(cmd command.Command, resp command.Response) {
	e := CommandEntryFrom(cmd, resp)
	r.enqueue(record{cmd: &e})
}

// Event archives e.
func (r *Recorder) Event(e event.Event) {
	entry := EventEntryFrom(e)
	r.enqueue(record{evt: &entry})
}

// StateChanged archives a committed transition.
func (r *Recorder) StateChanged(c sequencer.StateChange) {
	entry := TransitionEntry(c)
	r.enqueue(record{evt: &entry})
}

// Stats returns a copy of the counters.
func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		Written: r.written.Load(),
		Failed:  r.failed.Load(),
		Dropped: r.dropped.Load(),
	}
}
