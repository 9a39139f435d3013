// Package eventlog is the shared, per-board log of operation batches that
// sessions of one user exchange through the shared store.
//
// The log is a single record per board holding a revision counter and the
// recent entries. Append bumps the revision, pushes an entry and drops
// entries older than the max age window. A consumer that slept through the
// window notices via HasGap and reconciles from the persisted snapshot.
package eventlog

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/boardsync/internal/kv"
	"github.com/roach88/boardsync/internal/ops"
)

// DefaultMaxAge is the compaction window.
const DefaultMaxAge = 30 * time.Second

// ErrGap names the condition where history a consumer has not seen was
// compacted away. It is a signal for reconciliation, not a failure.
var ErrGap = errors.New("eventlog: entries compacted past last known revision")

// Entry is one appended batch.
type Entry struct {
	Rev        int64    `json:"rev"`
	ProducerID string   `json:"producerId"`
	Ops        ops.List `json:"ops"`
	// TS is the append time in Unix milliseconds.
	TS int64 `json:"ts"`
}

// Log is the stored record for one board.
type Log struct {
	Revision int64   `json:"revision"`
	Entries  []Entry `json:"entries"`
}

// Key returns the storage key of a board's log.
func Key(boardID string) string {
	return "eventlog:" + boardID
}

// Store reads and appends board logs in a kv.Store.
type Store struct {
	kv     kv.Store
	now    func() time.Time
	maxAge time.Duration
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source used for entry timestamps and compaction.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithMaxAge sets the compaction window. Default: 30s (DefaultMaxAge).
func WithMaxAge(d time.Duration) Option {
	return func(s *Store) {
		s.maxAge = d
	}
}

// WithLogger sets the logger used to report corrupt records.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// New creates a Store over store.
func New(store kv.Store, opts ...Option) *Store {
	s := &Store{
		kv:     store,
		now:    time.Now,
		maxAge: DefaultMaxAge,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Read returns the board's log. A missing or unreadable record yields an
// empty log; Read never fails.
func (s *Store) Read(ctx context.Context, boardID string) Log {
	raw, err := s.kv.Get(ctx, Key(boardID))
	if errors.Is(err, kv.ErrNotFound) {
		return Log{Entries: []Entry{}}
	}
	if err != nil {
		s.logger.Warn("event log read failed, treating as empty",
			"board", boardID,
			"error", err,
		)
		return Log{Entries: []Entry{}}
	}
	return s.decode(boardID, raw)
}

// Head returns the board's current revision.
func (s *Store) Head(ctx context.Context, boardID string) int64 {
	return s.Read(ctx, boardID).Revision
}

// Append records list as a new entry from producerID, then compacts.
// The read-modify-write is a compare-and-swap loop, so concurrent appenders
// sharing the store never overwrite each other's entries.
func (s *Store) Append(ctx context.Context, boardID string, list []ops.Operation, producerID string) (Entry, error) {
	var appended Entry
	_, err := kv.Update(ctx, s.kv, Key(boardID), func(cur []byte) ([]byte, error) {
		log := Log{Entries: []Entry{}}
		if cur != nil {
			log = s.decode(boardID, cur)
		}

		now := s.now()
		appended = Entry{
			Rev:        log.Revision + 1,
			ProducerID: producerID,
			Ops:        ops.List(list),
			TS:         now.UnixMilli(),
		}
		log.Revision = appended.Rev
		log.Entries = append(log.Entries, appended)
		log.Entries = compact(log.Entries, now.Add(-s.maxAge).UnixMilli(), appended.Rev)

		return json.Marshal(log)
	})
	if err != nil {
		return Entry{}, fmt.Errorf("append to event log %s: %w", boardID, err)
	}

	s.logger.Debug("event log appended",
		"board", boardID,
		"rev", appended.Rev,
		"producer", producerID,
		"ops", len(list),
	)
	return appended, nil
}

// compact drops entries with ts < cutoff. The entry at keepRev always
// survives, whatever the clock says.
func compact(entries []Entry, cutoff, keepRev int64) []Entry {
	out := entries[:0]
	for _, e := range entries {
		if e.TS >= cutoff || e.Rev == keepRev {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store) decode(boardID string, raw []byte) Log {
	var log Log
	if err := json.Unmarshal(raw, &log); err != nil {
		s.logger.Warn("corrupt event log, treating as empty",
			"board", boardID,
			"error", err,
		)
		return Log{Entries: []Entry{}}
	}
	if log.Revision < 0 {
		s.logger.Warn("corrupt event log revision, treating as empty",
			"board", boardID,
			"revision", log.Revision,
		)
		return Log{Entries: []Entry{}}
	}
	if log.Entries == nil {
		log.Entries = []Entry{}
	}
	return log
}

// FilterNewEntries returns the entries with rev > lastKnownRev not produced
// by excludeProducerID, in revision order.
func FilterNewEntries(log Log, lastKnownRev int64, excludeProducerID string) []Entry {
	out := []Entry{}
	for _, e := range log.Entries {
		if e.Rev > lastKnownRev && e.ProducerID != excludeProducerID {
			out = append(out, e)
		}
	}
	sortByRev(out)
	return out
}

// HasGap reports whether entries newer than lastKnownRev may have been
// compacted away: the log is non-empty, lastKnownRev > 0 and
// lastKnownRev < the oldest surviving rev.
func HasGap(log Log, lastKnownRev int64) bool {
	if len(log.Entries) == 0 || lastKnownRev <= 0 {
		return false
	}
	return lastKnownRev < oldestRev(log.Entries)
}

func oldestRev(entries []Entry) int64 {
	oldest := entries[0].Rev
	for _, e := range entries[1:] {
		if e.Rev < oldest {
			oldest = e.Rev
		}
	}
	return oldest
}

func sortByRev(entries []Entry) {
	slices.SortStableFunc(entries, func(a, b Entry) int {
		return cmp.Compare(a.Rev, b.Rev)
	})
}
