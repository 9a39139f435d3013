// Package notify carries the observable side effects of the sync engine:
// batch-applied, queued, push and pull outcomes, and fallback runs.
//
// Notifiers are fire-and-forget. They must not block and must not call back
// into the component that notified them.
package notify

import (
	"log/slog"
	"sync"

	"github.com/roach88/boardsync/internal/ops"
)

// Source names where an applied batch came from.
type Source string

const (
	SourceCrossTab Source = "crosstab"
	SourceBackend  Source = "backend"
	SourceFallback Source = "fallback"
)

// BatchApplied describes one applied batch of remote changes. Types holds
// the distinct operation kinds the batch touched.
type BatchApplied struct {
	BoardID string
	Source  Source
	Entries int
	Types   []ops.Kind
}

// Notifier receives engine events.
type Notifier interface {
	BatchApplied(ev BatchApplied)
	Queued(boardID, entryID string, opCount int)
	PushSucceeded(boardID, entryID string, serverRevision int64)
	PushFailed(boardID, entryID string, err error)
	PullSucceeded(boardID string, opCount int, serverRevision int64)
	PullFailed(boardID string, err error)
	FallbackRan(boardID string, opCount int, head int64)
}

// Nop discards every event.
type Nop struct{}

func (Nop) BatchApplied(BatchApplied)           {}
func (Nop) Queued(string, string, int)          {}
func (Nop) PushSucceeded(string, string, int64) {}
func (Nop) PushFailed(string, string, error)    {}
func (Nop) PullSucceeded(string, int, int64)    {}
func (Nop) PullFailed(string, error)            {}
func (Nop) FallbackRan(string, int, int64)      {}

// Logger writes every event to a slog.Logger.
type Logger struct {
	L *slog.Logger
}

// NewLogger returns a Logger over l, or over slog.Default() when l is nil.
func NewLogger(l *slog.Logger) Logger {
	if l == nil {
		l = slog.Default()
	}
	return Logger{L: l}
}

func (n Logger) BatchApplied(ev BatchApplied) {
	n.L.Info("batch applied",
		"board", ev.BoardID,
		"source", string(ev.Source),
		"entries", ev.Entries,
		"types", ev.Types,
	)
}

func (n Logger) Queued(boardID, entryID string, opCount int) {
	n.L.Debug("batch queued", "board", boardID, "entry", entryID, "ops", opCount)
}

func (n Logger) PushSucceeded(boardID, entryID string, serverRevision int64) {
	n.L.Debug("push succeeded", "board", boardID, "entry", entryID, "server_revision", serverRevision)
}

func (n Logger) PushFailed(boardID, entryID string, err error) {
	n.L.Warn("push failed", "board", boardID, "entry", entryID, "error", err)
}

func (n Logger) PullSucceeded(boardID string, opCount int, serverRevision int64) {
	n.L.Debug("pull succeeded", "board", boardID, "ops", opCount, "server_revision", serverRevision)
}

func (n Logger) PullFailed(boardID string, err error) {
	n.L.Warn("pull failed", "board", boardID, "error", err)
}

func (n Logger) FallbackRan(boardID string, opCount int, head int64) {
	n.L.Info("fallback reconciliation ran", "board", boardID, "ops", opCount, "head", head)
}

// Multi fans every event out to each notifier in order.
type Multi []Notifier

func (m Multi) BatchApplied(ev BatchApplied) {
	for _, n := range m {
		n.BatchApplied(ev)
	}
}

func (m Multi) Queued(boardID, entryID string, opCount int) {
	for _, n := range m {
		n.Queued(boardID, entryID, opCount)
	}
}

func (m Multi) PushSucceeded(boardID, entryID string, serverRevision int64) {
	for _, n := range m {
		n.PushSucceeded(boardID, entryID, serverRevision)
	}
}

func (m Multi) PushFailed(boardID, entryID string, err error) {
	for _, n := range m {
		n.PushFailed(boardID, entryID, err)
	}
}

func (m Multi) PullSucceeded(boardID string, opCount int, serverRevision int64) {
	for _, n := range m {
		n.PullSucceeded(boardID, opCount, serverRevision)
	}
}

func (m Multi) PullFailed(boardID string, err error) {
	for _, n := range m {
		n.PullFailed(boardID, err)
	}
}

func (m Multi) FallbackRan(boardID string, opCount int, head int64) {
	for _, n := range m {
		n.FallbackRan(boardID, opCount, head)
	}
}

// Event is one notification captured by a Recorder.
type Event struct {
	Name     string
	BoardID  string
	EntryID  string
	Count    int
	Revision int64
	Err      error
	Batch    *BatchApplied
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Names returns the recorded event names in order.
func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Name
	}
	return out
}

// Batches returns the recorded batch-applied events.
func (r *Recorder) Batches() []BatchApplied {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []BatchApplied
	for _, ev := range r.events {
		if ev.Batch != nil {
			out = append(out, *ev.Batch)
		}
	}
	return out
}

func (r *Recorder) add(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *Recorder) BatchApplied(ev BatchApplied) {
	ev.Types = append([]ops.Kind(nil), ev.Types...)
	r.add(Event{Name: "batch_applied", BoardID: ev.BoardID, Count: ev.Entries, Batch: &ev})
}

func (r *Recorder) Queued(boardID, entryID string, opCount int) {
	r.add(Event{Name: "queued", BoardID: boardID, EntryID: entryID, Count: opCount})
}

func (r *Recorder) PushSucceeded(boardID, entryID string, serverRevision int64) {
	r.add(Event{Name: "push_succeeded", BoardID: boardID, EntryID: entryID, Revision: serverRevision})
}

func (r *Recorder) PushFailed(boardID, entryID string, err error) {
	r.add(Event{Name: "push_failed", BoardID: boardID, EntryID: entryID, Err: err})
}

func (r *Recorder) PullSucceeded(boardID string, opCount int, serverRevision int64) {
	r.add(Event{Name: "pull_succeeded", BoardID: boardID, Count: opCount, Revision: serverRevision})
}

func (r *Recorder) PullFailed(boardID string, err error) {
	r.add(Event{Name: "pull_failed", BoardID: boardID, Err: err})
}

func (r *Recorder) FallbackRan(boardID string, opCount int, head int64) {
	r.add(Event{Name: "fallback_ran", BoardID: boardID, Count: opCount, Revision: head})
}

var (
	_ Notifier = Nop{}
	_ Notifier = Logger{}
	_ Notifier = Multi(nil)
	_ Notifier = (*Recorder)(nil)
	_ Notifier = (*Metrics)(nil)
)
