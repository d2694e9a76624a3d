package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/fusor-core/internal/command"
	"github.com/nerrad567/fusor-core/internal/event"
	"github.com/nerrad567/fusor-core/internal/sequencer"
)

const (
	defaultLimit = 50
	maxLimit     = 500

	// Fixed width so stored timestamps sort as text.
	timeLayout = "2006-01-02T15:04:05.000000Z"
)

// CommandEntry is one row of command_log.
type CommandEntry struct {
	ID       string         `json:"id"`
	Command  string         `json:"command"`
	Opcode   string         `json:"opcode"`
	Source   command.Source `json:"source"`
	Status   command.Status `json:"status"`
	Class    command.Class  `json:"class,omitempty"`
	Effect   command.Effect `json:"effect"`
	Response string         `json:"response"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration_ns"`
	IssuedAt time.Time      `json:"issued_at"`
}

// EventEntry is one row of sequence_events. Transitions are stored with
// kind "state-entered", State holding the origin and ToState the target.
type EventEntry struct {
	ID         string     `json:"id"`
	Kind       event.Kind `json:"kind"`
	Trigger    string     `json:"trigger,omitempty"`
	State      string     `json:"state,omitempty"`
	ToState    string     `json:"to_state,omitempty"`
	Epoch      uint64     `json:"epoch,omitempty"`
	Class      string     `json:"class,omitempty"`
	Channel    string     `json:"channel,omitempty"`
	Value      *float64   `json:"value,omitempty"`
	Message    string     `json:"message,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// Filter narrows a listing. Kind applies to events, Status and Source to
// commands. Limit defaults to 50 and is capped at 500.
type Filter struct {
	Kind   string
	Status string
	Source string
	Since  time.Time
	Limit  int
	Offset int
}

func (f Filter) clamped() Filter {
	if f.Limit <= 0 {
		f.Limit = defaultLimit
	}
	if f.Limit > maxLimit {
		f.Limit = maxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// CommandPage is one page of commands, newest first.
type CommandPage struct {
	Commands []CommandEntry `json:"commands"`
	Total    int            `json:"total"`
	Limit    int            `json:"limit"`
	Offset   int            `json:"offset"`
}

// EventPage is one page of events, newest first.
type EventPage struct {
	Events []EventEntry `json:"events"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// Repository is the archive surface used by the API and the recorder.
type Repository interface {
	RecordCommand(ctx context.Context, e *CommandEntry) error
	RecordEvent(ctx context.Context, e *EventEntry) error
	ListCommands(ctx context.Context, f Filter) (*CommandPage, error)
	ListEvents(ctx context.Context, f Filter) (*EventPage, error)
}

// SQLiteRepository stores the archive in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository wraps an open, migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// CommandEntryFrom builds a log entry from a completed command.
func CommandEntryFrom(cmd command.Command, resp command.Response) CommandEntry {
	opcode := resp.Opcode
	if opcode == "" {
		opcode = cmd.Name()
	}
	text := cmd.String()
	if cmd.Op == command.OpUnknown {
		// Parse failures never became a command.
		text = opcode
	}
	return CommandEntry{
		ID:       cmd.ID,
		Command:  text,
		Opcode:   opcode,
		Source:   cmd.Source,
		Status:   resp.Status,
		Class:    resp.Class,
		Effect:   resp.Effect,
		Response: command.FormatResponse(resp),
		Error:    resp.Error,
		Duration: resp.Duration,
		IssuedAt: cmd.Issued,
	}
}

// EventEntryFrom builds an archive entry from an event.
func EventEntryFrom(e event.Event) EventEntry {
	entry := EventEntry{
		ID:         e.ID,
		Kind:       e.Kind,
		Trigger:    e.Trigger,
		State:      e.State,
		Epoch:      e.Epoch,
		Class:      e.Escalation(),
		Message:    e.Message,
		OccurredAt: e.Timestamp,
	}
	if e.Kind == event.ThresholdCrossed || e.Kind == event.Settled || e.Kind == event.Fault {
		v := e.Value
		entry.Channel = e.Channel.String()
		entry.Value = &v
	}
	return entry
}

// TransitionEntry builds an archive entry from a committed state change.
func TransitionEntry(c sequencer.StateChange) EventEntry {
	return EventEntry{
		Kind:       event.StateEntered,
		Trigger:    c.Trigger,
		State:      string(c.From),
		ToState:    string(c.To),
		Epoch:      c.Epoch,
		OccurredAt: c.At,
	}
}

// RecordCommand inserts e, filling ID and IssuedAt when empty.
func (r *SQLiteRepository) RecordCommand(ctx context.Context, e *CommandEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.IssuedAt.IsZero() {
		e.IssuedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO command_log
		 (id, command, opcode, source, status, class, effect, response, error, duration_us, issued_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Command, e.Opcode, string(e.Source), string(e.Status),
		nullable(string(e.Class)), string(e.Effect), e.Response, nullable(e.Error),
		e.Duration.Microseconds(), formatTime(e.IssuedAt))
	if err != nil {
		return fmt.Errorf("inserting command log: %w", err)
	}
	return nil
}

// RecordEvent inserts e, filling ID and OccurredAt when empty.
func (r *SQLiteRepository) RecordEvent(ctx context.Context, e *EventEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	var value any
	if e.Value != nil {
		value = *e.Value
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sequence_events
		 (id, kind, trigger_ref, state, to_state, epoch, class, channel, value, message, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Kind), nullable(e.Trigger), nullable(e.State), nullable(e.ToState),
		int64(e.Epoch), // #nosec G115 -- epochs stay far below 2^63
		nullable(e.Class), nullable(e.Channel), value, nullable(e.Message),
		formatTime(e.OccurredAt))
	if err != nil {
		return fmt.Errorf("inserting sequence event: %w", err)
	}
	return nil
}

// ListCommands returns commands matching f, newest first.
func (r *SQLiteRepository) ListCommands(ctx context.Context, f Filter) (*CommandPage, error) {
	f = f.clamped()
	var w where
	w.eq("status", f.Status)
	w.eq("source", f.Source)
	w.since("issued_at", f.Since)

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM command_log"+w.sql(), w.args...).Scan(&total); err != nil { //nolint:gosec // placeholders only
		return nil, fmt.Errorf("counting command log: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, //nolint:gosec // placeholders only
		`SELECT id, command, opcode, source, status, class, effect, response, error, duration_us, issued_at
		 FROM command_log`+w.sql()+` ORDER BY issued_at DESC, rowid DESC LIMIT ? OFFSET ?`,
		append(w.args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("querying command log: %w", err)
	}
	defer rows.Close()

	page := &CommandPage{Commands: []CommandEntry{}, Total: total, Limit: f.Limit, Offset: f.Offset}
	for rows.Next() {
		var e CommandEntry
		var source, status, effect, issued string
		var class, errText sql.NullString
		var durUS int64
		if err := rows.Scan(&e.ID, &e.Command, &e.Opcode, &source, &status, &class,
			&effect, &e.Response, &errText, &durUS, &issued); err != nil {
			return nil, fmt.Errorf("scanning command log: %w", err)
		}
		e.Source = command.Source(source)
		e.Status = command.Status(status)
		e.Class = command.Class(class.String)
		e.Effect = command.Effect(effect)
		e.Error = errText.String
		e.Duration = time.Duration(durUS) * time.Microsecond
		if e.IssuedAt, err = parseTime(issued); err != nil {
			return nil, err
		}
		page.Commands = append(page.Commands, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating command log: %w", err)
	}
	return page, nil
}

// ListEvents returns events matching f, newest first.
func (r *SQLiteRepository) ListEvents(ctx context.Context, f Filter) (*EventPage, error) {
	f = f.clamped()
	var w where
	w.eq("kind", f.Kind)
	w.since("occurred_at", f.Since)

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sequence_events"+w.sql(), w.args...).Scan(&total); err != nil { //nolint:gosec // placeholders only
		return nil, fmt.Errorf("counting sequence events: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, //nolint:gosec // placeholders only
		`SELECT id, kind, trigger_ref, state, to_state, epoch, class, channel, value, message, occurred_at
		 FROM sequence_events`+w.sql()+` ORDER BY occurred_at DESC, rowid DESC LIMIT ? OFFSET ?`,
		append(w.args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("querying sequence events: %w", err)
	}
	defer rows.Close()

	page := &EventPage{Events: []EventEntry{}, Total: total, Limit: f.Limit, Offset: f.Offset}
	for rows.Next() {
		var e EventEntry
		var kind, occurred string
		var trigger, state, to, class, channel, message sql.NullString
		var value sql.NullFloat64
		var epoch int64
		if err := rows.Scan(&e.ID, &kind, &trigger, &state, &to, &epoch, &class,
			&channel, &value, &message, &occurred); err != nil {
			return nil, fmt.Errorf("scanning sequence event: %w", err)
		}
		e.Kind = event.Kind(kind)
		e.Trigger = trigger.String
		e.State = state.String
		e.ToState = to.String
		e.Epoch = uint64(epoch) // #nosec G115 -- stored from a uint64
		e.Class = class.String
		e.Channel = channel.String
		if value.Valid {
			v := value.Float64
			e.Value = &v
		}
		e.Message = message.String
		if e.OccurredAt, err = parseTime(occurred); err != nil {
			return nil, err
		}
		page.Events = append(page.Events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sequence events: %w", err)
	}
	return page, nil
}

// where accumulates parameterised conditions.
type where struct {
	conds []string
	args  []any
}

func (w *where) eq(column, value string) {
	if value == "" {
		return
	}
	w.conds = append(w.conds, column+" = ?")
	w.args = append(w.args, value)
}

func (w *where) since(column string, t time.Time) {
	if t.IsZero() {
		return
	}
	w.conds = append(w.conds, column+" >= ?")
	w.args = append(w.args, formatTime(t))
}

func (w *where) sql() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing archive timestamp %q: %w", s, err)
	}
	return t, nil
}
