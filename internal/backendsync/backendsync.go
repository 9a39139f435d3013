// Package backendsync moves local changes to the remote authority through
// the outbox and brings remote changes back.
//
// Local saves are diffed against the last snapshot handed to the outbox and
// enqueued as one batch. Drain pushes batches strictly in order and stops at
// the first failure. Pull fetches remote operations since the tracked server
// revision and applies them with auto-save paused.
package backendsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/boardsync/internal/applier"
	"github.com/roach88/boardsync/internal/backend"
	"github.com/roach88/boardsync/internal/board"
	"github.com/roach88/boardsync/internal/differ"
	"github.com/roach88/boardsync/internal/host"
	"github.com/roach88/boardsync/internal/notify"
	"github.com/roach88/boardsync/internal/ops"
	"github.com/roach88/boardsync/internal/outbox"
)

// Defaults for Run.
const (
	DefaultPullInterval = 15 * time.Second
	DefaultRetryInitial = time.Second
	DefaultRetryMax     = time.Minute
)

// ErrNotStarted is returned by Drain before the orchestrator has a board.
var ErrNotStarted = errors.New("backendsync: not started")

// Orchestrator syncs the host's active board with the remote authority.
type Orchestrator struct {
	adapter   backend.Adapter
	queue     *outbox.Queue
	revisions *outbox.RevisionStore
	host      host.Host
	applier   *applier.Applier
	notifier  notify.Notifier
	logger    *slog.Logger

	pullInterval time.Duration
	retryInitial time.Duration
	retryMax     time.Duration

	mu        sync.Mutex
	boardID   string
	synced    *board.Snapshot
	serverRev int64
	epoch     uint64

	online   atomic.Bool
	draining atomic.Bool
	pulling  atomic.Bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithNotifier sets the event sink.
func WithNotifier(n notify.Notifier) Option {
	return func(o *Orchestrator) {
		o.notifier = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithPullInterval sets the Run pull timer period.
func WithPullInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.pullInterval = d
	}
}

// WithRetry sets the backoff bounds Run uses to retry a failed drain.
func WithRetry(initial, max time.Duration) Option {
	return func(o *Orchestrator) {
		o.retryInitial = initial
		o.retryMax = max
	}
}

// WithOnline sets the initial network state. The default is online.
func WithOnline(online bool) Option {
	return func(o *Orchestrator) {
		o.online.Store(online)
	}
}

// New creates an Orchestrator. Call Start before anything else.
func New(adapter backend.Adapter, queue *outbox.Queue, revisions *outbox.RevisionStore, h host.Host, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		adapter:      adapter,
		queue:        queue,
		revisions:    revisions,
		host:         h,
		notifier:     notify.Nop{},
		logger:       slog.Default(),
		pullInterval: DefaultPullInterval,
		retryInitial: DefaultRetryInitial,
		retryMax:     DefaultRetryMax,
	}
	o.online.Store(true)
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "backendsync")
	o.applier = applier.New(applier.DocumentFunc(o.document), applier.WithLogger(o.logger))
	return o
}

// Start resets entries stranded in flight by an earlier crash, then loads
// the tracked server revision and baseline for the active board.
func (o *Orchestrator) Start(ctx context.Context) error {
	n, err := o.queue.RecoverStale(ctx)
	if err != nil {
		return fmt.Errorf("recover outbox: %w", err)
	}
	if n > 0 {
		o.logger.Info("recovered stale outbox entries", "count", n)
	}
	return o.prime(ctx)
}

func (o *Orchestrator) prime(ctx context.Context) error {
	boardID := o.host.BoardID()
	doc := o.host.Document()
	if boardID == "" || doc == nil {
		return nil
	}

	o.mu.Lock()
	epoch := o.epoch
	o.mu.Unlock()

	rev, err := o.revisions.Load(ctx, boardID)
	if err != nil {
		return err
	}
	snap := doc.Snapshot()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.epoch != epoch {
		return nil
	}
	o.boardID = boardID
	o.synced = snap
	o.serverRev = rev.ServerRevision
	o.logger.Debug("primed", "board", boardID, "server_revision", rev.ServerRevision)
	return nil
}

// ServerRevision is the last revision the authority reported.
func (o *Orchestrator) ServerRevision() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.serverRev
}

// Primed reports whether a baseline snapshot is held.
func (o *Orchestrator) Primed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.synced != nil
}

// Online reports the current network state.
func (o *Orchestrator) Online() bool {
	return o.online.Load()
}

// Reset drops all per-board state. Steps already running finish without
// touching the document.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	o.resetLocked()
	o.mu.Unlock()
}

func (o *Orchestrator) resetLocked() {
	o.epoch++
	o.boardID = ""
	o.synced = nil
	o.serverRev = 0
}

// OnSave enqueues the diff since the last synced snapshot as one batch and
// starts a drain.
func (o *Orchestrator) OnSave(ctx context.Context) {
	defer o.guard("save")
	o.checkBoard()

	if !o.Primed() {
		if err := o.prime(ctx); err != nil {
			o.logger.Error("prime failed", "error", err)
		}
		return
	}

	doc := o.document()
	if doc == nil {
		return
	}
	curr := doc.Snapshot()

	o.mu.Lock()
	boardID, synced, epoch := o.boardID, o.synced, o.epoch
	o.mu.Unlock()

	list := differ.Diff(synced, curr)
	if len(list) == 0 {
		return
	}
	entry, err := o.queue.Enqueue(ctx, boardID, list)
	if err != nil {
		o.logger.Error("enqueue failed", "board", boardID, "ops", len(list), "error", err)
		return
	}

	o.mu.Lock()
	if o.epoch == epoch {
		o.synced = curr
	}
	o.mu.Unlock()
	o.notifier.Queued(boardID, entry.ID, len(list))

	if _, err := o.Drain(ctx); err != nil {
		o.logger.Debug("drain stopped", "board", boardID, "error", err)
	}
}

// OnApplied moves the synced baseline past a batch another component
// applied, so the batch is neither pushed back to the authority nor mistaken
// for an unsaved local edit. Batches this orchestrator pulled are already in
// the baseline.
func (o *Orchestrator) OnApplied(ctx context.Context, source notify.Source) {
	defer o.guard("applied")
	if source == notify.SourceBackend {
		return
	}
	o.checkBoard()

	doc := o.document()
	if doc == nil {
		return
	}
	snap := doc.Snapshot()
	o.mu.Lock()
	if o.synced != nil {
		o.synced = snap
	}
	o.mu.Unlock()
}

// Drain pushes queued batches oldest first until the queue is empty or a
// push fails. It returns how many were acknowledged and the push error that
// stopped it, if any. It does nothing while offline or already draining.
func (o *Orchestrator) Drain(ctx context.Context) (pushed int, err error) {
	if !o.online.Load() {
		return 0, nil
	}
	if !o.draining.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer o.draining.Store(false)
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("recovered panic", "op", "drain", "panic", r)
			err = fmt.Errorf("drain panicked: %v", r)
		}
	}()
	o.checkBoard()

	for ctx.Err() == nil && o.online.Load() {
		o.mu.Lock()
		boardID, base, epoch := o.boardID, o.serverRev, o.epoch
		o.mu.Unlock()
		if boardID == "" {
			return pushed, ErrNotStarted
		}

		entry, err := o.queue.Next(ctx, boardID)
		if err != nil {
			return pushed, err
		}
		if entry == nil {
			return pushed, nil
		}
		if err := o.queue.MarkSending(ctx, boardID, entry.ID); err != nil {
			return pushed, err
		}

		res, err := o.adapter.PushOps(ctx, boardID, entry.Ops, base)
		if err != nil {
			if nerr := o.queue.Nack(ctx, boardID, entry.ID, err); nerr != nil {
				o.logger.Error("nack failed", "board", boardID, "entry", entry.ID, "error", nerr)
			}
			o.notifier.PushFailed(boardID, entry.ID, err)
			return pushed, err
		}
		o.advance(ctx, boardID, epoch, base, res.ServerRevision)
		if err := o.queue.Ack(ctx, boardID, entry.ID); err != nil {
			// The push landed but the entry is still marked sending. Put it
			// back so a later drain resends it instead of stalling on it.
			if rerr := o.queue.Release(ctx, boardID, entry.ID); rerr != nil {
				o.logger.Error("release failed", "board", boardID, "entry", entry.ID, "error", rerr)
			}
			return pushed, err
		}
		pushed++
		o.notifier.PushSucceeded(boardID, entry.ID, res.ServerRevision)
	}
	return pushed, ctx.Err()
}

// advance moves the tracked revision after an accepted push. When the
// authority skipped past base+1, other writers landed in between and the
// revision stays put so the next pull still fetches their changes.
func (o *Orchestrator) advance(ctx context.Context, boardID string, epoch uint64, base, rev int64) {
	o.mu.Lock()
	if o.epoch != epoch || o.serverRev != base || rev != base+1 {
		o.mu.Unlock()
		if rev > base+1 {
			o.logger.Debug("server moved past base, leaving revision to pull",
				"board", boardID, "base", base, "server_revision", rev)
		}
		return
	}
	o.serverRev = rev
	o.mu.Unlock()

	if err := o.revisions.Save(ctx, boardID, rev); err != nil {
		o.logger.Warn("save revision failed", "board", boardID, "error", err)
	}
}

// PullResult is what one Pull did.
type PullResult string

const (
	PullSkipped PullResult = "skipped"
	PullIdle    PullResult = "idle"
	PullApplied PullResult = "applied"
	PullFailed  PullResult = "failed"
)

// Pull fetches and applies remote operations since the tracked revision.
// An empty answer still advances the revision.
func (o *Orchestrator) Pull(ctx context.Context) (result PullResult) {
	if !o.online.Load() {
		return PullSkipped
	}
	if !o.pulling.CompareAndSwap(false, true) {
		return PullSkipped
	}
	defer o.pulling.Store(false)
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("recovered panic", "op", "pull", "panic", r)
			result = PullFailed
		}
	}()
	o.checkBoard()

	o.mu.Lock()
	boardID, synced, since, epoch := o.boardID, o.synced, o.serverRev, o.epoch
	o.mu.Unlock()
	if synced == nil {
		return PullSkipped
	}
	doc := o.document()
	if doc == nil {
		return PullSkipped
	}
	if len(differ.Diff(synced, doc.Snapshot())) > 0 {
		o.logger.Debug("unsaved local edit, skipping pull", "board", boardID)
		return PullSkipped
	}

	res, err := o.adapter.PullOps(ctx, boardID, since)
	if err != nil {
		o.notifier.PullFailed(boardID, err)
		return PullFailed
	}

	o.mu.Lock()
	stale := o.epoch != epoch
	o.mu.Unlock()
	if stale {
		return PullSkipped
	}

	result = PullIdle
	if len(res.Ops) > 0 {
		o.host.PauseAutosave()
		applied := o.applier.ApplyAll(res.Ops)
		o.host.ResumeAutosave()

		snap := doc.Snapshot()
		o.mu.Lock()
		current := o.epoch == epoch
		if current {
			o.synced = snap
		}
		o.mu.Unlock()
		if current {
			if err := o.host.Applied(ctx, notify.SourceBackend); err != nil {
				o.logger.Error("persist after pull failed", "board", boardID, "error", err)
			}
		}

		o.logger.Debug("applied remote ops",
			"board", boardID,
			"ops", len(res.Ops),
			"applied", applied.Applied,
			"skipped", applied.Skipped,
			"failed", applied.Failed,
		)
		o.notifier.BatchApplied(notify.BatchApplied{
			BoardID: boardID,
			Source:  notify.SourceBackend,
			Entries: 1,
			Types:   ops.Types(res.Ops),
		})
		result = PullApplied
	}

	o.mu.Lock()
	moved := o.epoch == epoch && res.ServerRevision > o.serverRev
	if moved {
		o.serverRev = res.ServerRevision
	}
	o.mu.Unlock()
	if moved {
		if err := o.revisions.Save(ctx, boardID, res.ServerRevision); err != nil {
			o.logger.Warn("save revision failed", "board", boardID, "error", err)
		}
	}

	o.notifier.PullSucceeded(boardID, len(res.Ops), res.ServerRevision)
	return result
}

// SetOnline records the network state. Coming back online runs one pull and
// then one drain.
func (o *Orchestrator) SetOnline(ctx context.Context, online bool) {
	was := o.online.Swap(online)
	if was || !online {
		return
	}
	o.logger.Info("back online")
	o.Pull(ctx)
	if _, err := o.Drain(ctx); err != nil {
		o.logger.Debug("drain stopped", "error", err)
	}
}

// Run pulls on the configured interval and retries failed drains with
// exponential backoff until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.retryInitial
	b.MaxInterval = o.retryMax
	b.MaxElapsedTime = 0
	b.Reset()

	var retry <-chan time.Time
	drain := func() {
		_, err := o.Drain(ctx)
		if err == nil || errors.Is(err, ErrNotStarted) {
			b.Reset()
			retry = nil
			return
		}
		wait := b.NextBackOff()
		o.logger.Debug("drain retry scheduled", "in", wait, "error", err)
		retry = time.After(wait)
	}

	ticker := time.NewTicker(o.pullInterval)
	defer ticker.Stop()

	drain()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !o.Primed() {
				if err := o.prime(ctx); err != nil {
					o.logger.Error("prime failed", "error", err)
				}
			}
			o.Pull(ctx)
			if retry == nil {
				drain()
			}
		case <-retry:
			drain()
		}
	}
}

// document is the live document while the host still shows the board this
// orchestrator is tracking.
func (o *Orchestrator) document() *board.Board {
	o.mu.Lock()
	boardID := o.boardID
	o.mu.Unlock()
	if boardID == "" || o.host.BoardID() != boardID {
		return nil
	}
	return o.host.Document()
}

func (o *Orchestrator) checkBoard() {
	active := o.host.BoardID()
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.boardID != "" && o.boardID != active {
		o.logger.Info("board switched, resetting", "from", o.boardID, "to", active)
		o.resetLocked()
	}
}

func (o *Orchestrator) guard(op string) {
	if r := recover(); r != nil {
		o.logger.Error("recovered panic", "op", op, "panic", r)
	}
}
