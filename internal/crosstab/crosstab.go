// Package crosstab keeps sessions of one user on the same board in step
// through the shared event log.
//
// The producer half diffs each local save against the previous snapshot and
// appends the result. The consumer half polls the log, applies batches other
// sessions produced, and falls back to the persisted snapshot when the
// history it needs was compacted away.
package crosstab

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/boardsync/internal/applier"
	"github.com/roach88/boardsync/internal/board"
	"github.com/roach88/boardsync/internal/differ"
	"github.com/roach88/boardsync/internal/eventlog"
	"github.com/roach88/boardsync/internal/host"
	"github.com/roach88/boardsync/internal/ids"
	"github.com/roach88/boardsync/internal/notify"
	"github.com/roach88/boardsync/internal/ops"
)

// DefaultPollInterval is the consumer timer period.
const DefaultPollInterval = 3 * time.Second

// PollResult is what one Poll did.
type PollResult string

const (
	// PollBusy means another poll was already running.
	PollBusy PollResult = "busy"
	// PollSkipped means the session was hidden, unprimed or had unsaved edits.
	PollSkipped PollResult = "skipped"
	// PollIdle means there was nothing new.
	PollIdle PollResult = "idle"
	// PollApplied means new entries were applied.
	PollApplied PollResult = "applied"
	// PollFallback means a gap was found and reconciliation ran instead.
	PollFallback PollResult = "fallback"
	// PollFailed means the cycle was abandoned.
	PollFailed PollResult = "failed"
)

// Coordinator runs both halves for the host's active board.
type Coordinator struct {
	log      *eventlog.Store
	host     host.Host
	applier  *applier.Applier
	notifier notify.Notifier
	logger   *slog.Logger
	ids      ids.Generator
	interval time.Duration

	producerID string

	mu           sync.Mutex
	boardID      string
	prev         *board.Snapshot
	lastKnownRev int64
	epoch        uint64

	polling     atomic.Bool
	fallingBack atomic.Bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithProducerID fixes the producer id instead of generating one.
func WithProducerID(id string) Option {
	return func(c *Coordinator) {
		c.producerID = id
	}
}

// WithIDGenerator sets the generator used for the producer id.
func WithIDGenerator(g ids.Generator) Option {
	return func(c *Coordinator) {
		c.ids = g
	}
}

// WithPollInterval sets the Run timer period.
func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		c.interval = d
	}
}

// WithNotifier sets the event sink.
func WithNotifier(n notify.Notifier) Option {
	return func(c *Coordinator) {
		c.notifier = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// New creates an unprimed Coordinator.
func New(log *eventlog.Store, h host.Host, opts ...Option) *Coordinator {
	c := &Coordinator{
		log:      log,
		host:     h,
		notifier: notify.Nop{},
		logger:   slog.Default(),
		ids:      ids.UUIDv7Generator{},
		interval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.producerID == "" {
		c.producerID = c.ids.Generate()
	}
	c.logger = c.logger.With("component", "crosstab", "producer", c.producerID)
	c.applier = applier.New(applier.DocumentFunc(c.document), applier.WithLogger(c.logger))
	return c
}

// ProducerID is the id this session's appends carry.
func (c *Coordinator) ProducerID() string {
	return c.producerID
}

// LastKnownRev is the last log revision applied or reconciled to.
func (c *Coordinator) LastKnownRev() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastKnownRev
}

// Primed reports whether a baseline snapshot is held.
func (c *Coordinator) Primed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prev != nil
}

// Reset drops all state. Async steps started before the reset finish
// without touching the document.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	c.resetLocked()
	c.mu.Unlock()
}

func (c *Coordinator) resetLocked() {
	c.epoch++
	c.boardID = ""
	c.prev = nil
	c.lastKnownRev = 0
}

// Prime takes the current document as baseline and starts consuming from
// the log head. It is a no-op when already primed for the active board.
func (c *Coordinator) Prime(ctx context.Context) {
	defer c.guard("prime")
	c.checkBoard()

	boardID := c.host.BoardID()
	doc := c.host.Document()
	if boardID == "" || doc == nil {
		return
	}

	c.mu.Lock()
	if c.prev != nil {
		c.mu.Unlock()
		return
	}
	epoch := c.epoch
	c.mu.Unlock()

	head := c.log.Head(ctx, boardID)
	snap := doc.Snapshot()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch || c.prev != nil {
		return
	}
	c.boardID = boardID
	c.prev = snap
	c.lastKnownRev = head
	c.logger.Debug("primed", "board", boardID, "rev", head)
}

// OnSave is the producer half. It appends the diff since the previous save
// and always moves the baseline to the saved document.
func (c *Coordinator) OnSave(ctx context.Context) {
	defer c.guard("save")
	c.checkBoard()

	if !c.Primed() {
		c.Prime(ctx)
		return
	}
	doc := c.document()
	if doc == nil {
		return
	}
	curr := doc.Snapshot()

	c.mu.Lock()
	boardID, prev, known, epoch := c.boardID, c.prev, c.lastKnownRev, c.epoch
	c.prev = curr
	c.mu.Unlock()

	list := differ.Diff(prev, curr)
	if len(list) == 0 {
		return
	}

	entry, err := c.log.Append(ctx, boardID, list, c.producerID)
	if err != nil {
		c.logger.Error("append failed", "board", boardID, "ops", len(list), "error", err)
		return
	}
	c.logger.Debug("appended", "board", boardID, "rev", entry.Rev, "ops", len(list))

	// Nobody else wrote in between, so there is nothing to consume below
	// our own entry.
	c.mu.Lock()
	if c.epoch == epoch && entry.Rev == known+1 && c.lastKnownRev == known {
		c.lastKnownRev = entry.Rev
	}
	c.mu.Unlock()
}

// OnApplied moves the baseline past a batch another component applied.
// Batches pulled from the backend are published like a local save: sibling
// tabs share this device's server revision and would not pull them again.
func (c *Coordinator) OnApplied(ctx context.Context, source notify.Source) {
	if source == notify.SourceBackend {
		c.OnSave(ctx)
		return
	}
	defer c.guard("applied")
	c.checkBoard()

	doc := c.document()
	if doc == nil {
		return
	}
	snap := doc.Snapshot()
	c.mu.Lock()
	if c.prev != nil {
		c.prev = snap
	}
	c.mu.Unlock()
}

// Poll is one consumer cycle.
func (c *Coordinator) Poll(ctx context.Context) (result PollResult) {
	if !c.polling.CompareAndSwap(false, true) {
		return PollBusy
	}
	defer c.polling.Store(false)
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("recovered panic", "op", "poll", "panic", r)
			result = PollFailed
		}
	}()
	c.checkBoard()

	if !c.host.Visible() {
		return PollSkipped
	}
	c.mu.Lock()
	boardID, prev, known, epoch := c.boardID, c.prev, c.lastKnownRev, c.epoch
	c.mu.Unlock()
	if prev == nil {
		return PollSkipped
	}
	doc := c.document()
	if doc == nil {
		return PollSkipped
	}
	if len(differ.Diff(prev, doc.Snapshot())) > 0 {
		c.logger.Debug("local edit in flight, waiting", "board", boardID)
		return PollSkipped
	}

	log := c.log.Read(ctx, boardID)
	if eventlog.HasGap(log, known) || log.Revision < known {
		c.logger.Info("gap detected, reconciling",
			"board", boardID,
			"last_known_rev", known,
			"head", log.Revision,
			"reason", eventlog.ErrGap,
		)
		if c.Fallback(ctx) {
			return PollFallback
		}
		return PollFailed
	}

	entries := eventlog.FilterNewEntries(log, known, c.producerID)
	if len(entries) == 0 {
		return PollIdle
	}

	var list []ops.Operation
	for _, e := range entries {
		list = append(list, e.Ops...)
	}

	c.mu.Lock()
	stale := c.epoch != epoch
	c.mu.Unlock()
	if stale {
		return PollSkipped
	}

	res := c.applyPaused(list)
	last := entries[len(entries)-1].Rev

	c.mu.Lock()
	current := c.epoch == epoch
	if current {
		c.lastKnownRev = last
		c.prev = doc.Snapshot()
	}
	c.mu.Unlock()
	if current {
		c.applied(ctx, boardID, notify.SourceCrossTab)
	}

	c.logger.Debug("applied entries",
		"board", boardID,
		"entries", len(entries),
		"rev", last,
		"applied", res.Applied,
		"skipped", res.Skipped,
		"failed", res.Failed,
	)
	c.notifier.BatchApplied(notify.BatchApplied{
		BoardID: boardID,
		Source:  notify.SourceCrossTab,
		Entries: len(entries),
		Types:   ops.Types(list),
	})
	return PollApplied
}

// Fallback reconciles the live document with the persisted snapshot and
// jumps to the log head. Only one runs at a time; it reports whether it ran
// to completion.
func (c *Coordinator) Fallback(ctx context.Context) (ok bool) {
	if !c.fallingBack.CompareAndSwap(false, true) {
		return false
	}
	defer c.fallingBack.Store(false)
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("recovered panic", "op", "fallback", "panic", r)
			ok = false
		}
	}()
	c.checkBoard()

	c.mu.Lock()
	boardID, epoch := c.boardID, c.epoch
	c.mu.Unlock()
	if boardID == "" {
		return false
	}

	target, err := c.host.LoadSnapshot(ctx, boardID)
	if err != nil {
		// Nothing to reconcile against. Skip the lost entries rather than
		// detect the same gap on every poll.
		head := c.log.Head(ctx, boardID)
		c.mu.Lock()
		if c.epoch == epoch {
			c.lastKnownRev = head
		}
		c.mu.Unlock()
		c.logger.Warn("fallback could not load snapshot, skipping to head",
			"board", boardID,
			"head", head,
			"error", err,
		)
		return false
	}
	doc := c.document()
	if doc == nil {
		return false
	}

	list := differ.Diff(doc.Snapshot(), target)
	if len(list) > 0 {
		c.applyPaused(list)
	}
	head := c.log.Head(ctx, boardID)

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return false
	}
	c.lastKnownRev = head
	c.prev = doc.Snapshot()
	c.mu.Unlock()

	if len(list) > 0 {
		c.applied(ctx, boardID, notify.SourceFallback)
	}
	c.notifier.FallbackRan(boardID, len(list), head)
	if len(list) > 0 {
		c.notifier.BatchApplied(notify.BatchApplied{
			BoardID: boardID,
			Source:  notify.SourceFallback,
			Entries: 1,
			Types:   ops.Types(list),
		})
	}
	return true
}

// Run primes and polls on the configured interval until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	c.Prime(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !c.Primed() {
				c.Prime(ctx)
				continue
			}
			c.Poll(ctx)
		}
	}
}

// applyPaused applies list with auto-save paused so the change is not
// diffed and re-appended.
// applied tells the host's other components about a batch this coordinator
// applied.
func (c *Coordinator) applied(ctx context.Context, boardID string, source notify.Source) {
	if err := c.host.Applied(ctx, source); err != nil {
		c.logger.Error("report applied batch failed", "board", boardID, "source", string(source), "error", err)
	}
}

func (c *Coordinator) applyPaused(list []ops.Operation) applier.Result {
	c.host.PauseAutosave()
	defer c.host.ResumeAutosave()
	return c.applier.ApplyAll(list)
}

// document is the live document, but only while the host still shows the
// board this coordinator is tracking.
func (c *Coordinator) document() *board.Board {
	c.mu.Lock()
	boardID := c.boardID
	c.mu.Unlock()
	if boardID == "" || c.host.BoardID() != boardID {
		return nil
	}
	return c.host.Document()
}

// checkBoard resets when the host switched boards since priming.
func (c *Coordinator) checkBoard() {
	active := c.host.BoardID()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.boardID != "" && c.boardID != active {
		c.logger.Info("board switched, resetting", "from", c.boardID, "to", active)
		c.resetLocked()
	}
}

func (c *Coordinator) guard(op string) {
	if r := recover(); r != nil {
		c.logger.Error("recovered panic", "op", op, "panic", r)
	}
}
