// Package outbox is the durable FIFO of operation batches waiting to be
// pushed to the remote authority, plus the per-board server revision record.
//
// Each board's queue is one record in the shared store. A batch is never
// split: an entry is pushed, acknowledged or failed as a unit.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/roach88/boardsync/internal/ids"
	"github.com/roach88/boardsync/internal/kv"
	"github.com/roach88/boardsync/internal/ops"
)

// ErrEntryNotFound is returned when an entry id is not in the queue.
var ErrEntryNotFound = errors.New("outbox: entry not found")

// State is an entry's delivery state.
type State string

const (
	StatePending State = "pending"
	StateSending State = "sending"
	StateFailed  State = "failed"
)

// Entry is one queued batch.
type Entry struct {
	ID         string   `json:"id"`
	BoardID    string   `json:"boardId"`
	Ops        ops.List `json:"ops"`
	State      State    `json:"state"`
	RetryCount int      `json:"retryCount"`
	LastError  string   `json:"lastError,omitempty"`
	// EnqueuedAt is Unix milliseconds.
	EnqueuedAt int64 `json:"enqueuedAt"`
}

const keyPrefix = "outbox:"

// Key returns the storage key of a board's queue.
func Key(boardID string) string {
	return keyPrefix + boardID
}

// settings are shared by Queue and RevisionStore.
type settings struct {
	ids    ids.Generator
	now    func() time.Time
	logger *slog.Logger
}

func newSettings(opts []Option) settings {
	s := settings{
		ids:    ids.UUIDv7Generator{},
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Option configures a Queue or RevisionStore.
type Option func(*settings)

// WithIDGenerator sets the entry id source. Default: UUIDv7.
func WithIDGenerator(g ids.Generator) Option {
	return func(s *settings) {
		s.ids = g
	}
}

// WithClock sets the time source for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		s.logger = l
	}
}

// Queue manages per-board outbox records.
type Queue struct {
	settings
	kv kv.Store
}

// NewQueue creates a Queue over store.
func NewQueue(store kv.Store, opts ...Option) *Queue {
	return &Queue{settings: newSettings(opts), kv: store}
}

// Enqueue appends list as one pending entry.
func (q *Queue) Enqueue(ctx context.Context, boardID string, list []ops.Operation) (Entry, error) {
	entry := Entry{
		ID:         q.ids.Generate(),
		BoardID:    boardID,
		Ops:        ops.List(slices.Clone(list)),
		State:      StatePending,
		EnqueuedAt: q.now().UnixMilli(),
	}
	err := q.update(ctx, boardID, func(entries []Entry) ([]Entry, error) {
		return append(entries, entry), nil
	})
	if err != nil {
		return Entry{}, fmt.Errorf("enqueue: %w", err)
	}
	q.logger.Debug("outbox entry enqueued",
		"board", boardID,
		"id", entry.ID,
		"ops", len(list),
	)
	return entry, nil
}

// List returns the board's entries in enqueue order. A corrupt record reads
// as an empty queue.
func (q *Queue) List(ctx context.Context, boardID string) ([]Entry, error) {
	raw, err := q.kv.Get(ctx, Key(boardID))
	if errors.Is(err, kv.ErrNotFound) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read outbox %s: %w", boardID, err)
	}
	return q.decode(boardID, raw), nil
}

// Len returns the number of entries queued for the board.
func (q *Queue) Len(ctx context.Context, boardID string) (int, error) {
	entries, err := q.List(ctx, boardID)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Next returns the head entry if it is ready to send (pending or failed).
// It returns nil when the queue is empty or the head is already in flight;
// later entries are never returned ahead of the head.
func (q *Queue) Next(ctx context.Context, boardID string) (*Entry, error) {
	entries, err := q.List(ctx, boardID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 || entries[0].State == StateSending {
		return nil, nil
	}
	head := entries[0]
	return &head, nil
}

// MarkSending flags the entry as in flight.
func (q *Queue) MarkSending(ctx context.Context, boardID, id string) error {
	return q.modify(ctx, boardID, id, func(e *Entry) {
		e.State = StateSending
	})
}

// Ack removes a delivered entry.
func (q *Queue) Ack(ctx context.Context, boardID, id string) error {
	err := q.update(ctx, boardID, func(entries []Entry) ([]Entry, error) {
		idx := slices.IndexFunc(entries, func(e Entry) bool { return e.ID == id })
		if idx < 0 {
			return nil, ErrEntryNotFound
		}
		return slices.Delete(entries, idx, idx+1), nil
	})
	if err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	return nil
}

// Release puts an in-flight entry back to pending without counting a retry.
func (q *Queue) Release(ctx context.Context, boardID, id string) error {
	return q.modify(ctx, boardID, id, func(e *Entry) {
		if e.State == StateSending {
			e.State = StatePending
		}
	})
}

// Nack marks the entry failed, bumping its retry count. The entry keeps its
// position at the head of the queue.
func (q *Queue) Nack(ctx context.Context, boardID, id string, cause error) error {
	return q.modify(ctx, boardID, id, func(e *Entry) {
		e.State = StateFailed
		e.RetryCount++
		if cause != nil {
			e.LastError = cause.Error()
		}
	})
}

// RecoverStale resets every entry left in the sending state, on every board,
// back to pending. It runs at startup: an entry still sending belongs to a
// session that died mid-push. Returns the number of entries reset.
func (q *Queue) RecoverStale(ctx context.Context) (int, error) {
	keys, err := q.kv.Keys(ctx, keyPrefix)
	if err != nil {
		return 0, fmt.Errorf("list outboxes: %w", err)
	}

	total := 0
	for _, key := range keys {
		boardID := strings.TrimPrefix(key, keyPrefix)
		n := 0
		err := q.update(ctx, boardID, func(entries []Entry) ([]Entry, error) {
			n = 0
			for i := range entries {
				if entries[i].State == StateSending {
					entries[i].State = StatePending
					n++
				}
			}
			return entries, nil
		})
		if err != nil {
			return total, fmt.Errorf("recover %s: %w", boardID, err)
		}
		if n > 0 {
			q.logger.Info("recovered stale outbox entries",
				"board", boardID,
				"count", n,
			)
		}
		total += n
	}
	return total, nil
}

func (q *Queue) modify(ctx context.Context, boardID, id string, fn func(*Entry)) error {
	err := q.update(ctx, boardID, func(entries []Entry) ([]Entry, error) {
		idx := slices.IndexFunc(entries, func(e Entry) bool { return e.ID == id })
		if idx < 0 {
			return nil, ErrEntryNotFound
		}
		fn(&entries[idx])
		return entries, nil
	})
	if err != nil {
		return fmt.Errorf("update entry %s: %w", id, err)
	}
	return nil
}

// update runs fn over the decoded queue atomically. An emptied queue deletes
// the record.
func (q *Queue) update(ctx context.Context, boardID string, fn func([]Entry) ([]Entry, error)) error {
	_, err := kv.Update(ctx, q.kv, Key(boardID), func(cur []byte) ([]byte, error) {
		entries := []Entry{}
		if cur != nil {
			entries = q.decode(boardID, cur)
		}
		next, err := fn(entries)
		if err != nil {
			return nil, err
		}
		if len(next) == 0 {
			return nil, nil
		}
		return json.Marshal(next)
	})
	return err
}

func (q *Queue) decode(boardID string, raw []byte) []Entry {
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		q.logger.Warn("corrupt outbox, treating as empty",
			"board", boardID,
			"error", err,
		)
		return []Entry{}
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries
}
