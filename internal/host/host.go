// Package host is the boundary between the sync engine and the application
// that owns the live board: which board is open, its document, auto-save
// control, visibility, and snapshot persistence.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/boardsync/internal/board"
	"github.com/roach88/boardsync/internal/kv"
	"github.com/roach88/boardsync/internal/notify"
)

// Host is what the coordinators need from the application.
type Host interface {
	// BoardID is the id of the active board, or "" when none is open.
	BoardID() string
	// Document is the live document of the active board, or nil.
	Document() *board.Board
	PauseAutosave()
	ResumeAutosave()
	Visible() bool
	// LoadSnapshot returns the persisted snapshot of a board, normalized the
	// same way as the initial load.
	LoadSnapshot(ctx context.Context, boardID string) (*board.Snapshot, error)
	// Applied reports that a batch from source was applied to the document,
	// so every registered component can move its baseline past it. Batches
	// from the backend are persisted first; cross-tab batches were already
	// persisted by the tab that produced them.
	Applied(ctx context.Context, source notify.Source) error
}

// ErrNoSnapshot is returned by LoadSnapshot when a board was never saved.
var ErrNoSnapshot = errors.New("host: no persisted snapshot")

// SnapshotKey returns the storage key of a board's persisted snapshot.
func SnapshotKey(boardID string) string {
	return "snapshot:" + boardID
}

// SaveHook runs after every non-paused save.
type SaveHook func(ctx context.Context)

// AppliedHook runs after Applied with the source of the batch.
type AppliedHook func(ctx context.Context, source notify.Source)

// Session is a Host that persists snapshots in a kv.Store.
type Session struct {
	kv     kv.Store
	filter func(*board.Snapshot)
	logger *slog.Logger

	mu      sync.Mutex
	boardID string
	doc     *board.Board
	paused  int
	visible bool
	hooks   []SaveHook
	applied []AppliedHook
}

// Option configures a Session.
type Option func(*Session)

// WithFilter sets a transform applied to every loaded snapshot after
// normalization.
func WithFilter(fn func(*board.Snapshot)) Option {
	return func(s *Session) {
		s.filter = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}

// NewSession creates a visible session with no board open.
func NewSession(store kv.Store, opts ...Option) *Session {
	s := &Session{
		kv:      store,
		logger:  slog.Default(),
		visible: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BoardID implements Host.
func (s *Session) BoardID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boardID
}

// Document implements Host.
func (s *Session) Document() *board.Board {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc
}

// PauseAutosave implements Host. Pauses nest.
func (s *Session) PauseAutosave() {
	s.mu.Lock()
	s.paused++
	s.mu.Unlock()
}

// ResumeAutosave implements Host.
func (s *Session) ResumeAutosave() {
	s.mu.Lock()
	if s.paused > 0 {
		s.paused--
	}
	s.mu.Unlock()
}

// Paused reports whether auto-save is currently paused.
func (s *Session) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused > 0
}

// Visible implements Host.
func (s *Session) Visible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible
}

// SetVisible marks the session as shown or hidden.
func (s *Session) SetVisible(v bool) {
	s.mu.Lock()
	s.visible = v
	s.mu.Unlock()
}

// OnSave registers a hook run after every non-paused save.
func (s *Session) OnSave(h SaveHook) {
	s.mu.Lock()
	s.hooks = append(s.hooks, h)
	s.mu.Unlock()
}

// OnApplied registers a hook run after every Applied.
func (s *Session) OnApplied(h AppliedHook) {
	s.mu.Lock()
	s.applied = append(s.applied, h)
	s.mu.Unlock()
}

// LoadSnapshot implements Host.
func (s *Session) LoadSnapshot(ctx context.Context, boardID string) (*board.Snapshot, error) {
	raw, err := s.kv.Get(ctx, SnapshotKey(boardID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("load %s: %w", boardID, ErrNoSnapshot)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", boardID, err)
	}
	return s.decode(boardID, raw)
}

// decode is the one normalization path for persisted snapshots.
func (s *Session) decode(boardID string, raw []byte) (*board.Snapshot, error) {
	snap, err := board.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", boardID, err)
	}
	if s.filter != nil {
		s.filter(snap)
		snap.Normalize()
	}
	if err := board.Validate(snap); err != nil {
		return nil, fmt.Errorf("load %s: %w", boardID, err)
	}
	return snap, nil
}

// SaveSnapshot writes snap as the persisted snapshot of boardID.
func (s *Session) SaveSnapshot(ctx context.Context, boardID string, snap *board.Snapshot) error {
	data, err := snap.Encode()
	if err != nil {
		return err
	}
	if err := s.kv.Put(ctx, SnapshotKey(boardID), data); err != nil {
		return fmt.Errorf("save %s: %w", boardID, err)
	}
	return nil
}

// Import replaces the persisted snapshot of boardID without opening it.
func (s *Session) Import(ctx context.Context, boardID string, raw []byte) (*board.Snapshot, error) {
	snap, err := s.decode(boardID, raw)
	if err != nil {
		return nil, err
	}
	if err := s.SaveSnapshot(ctx, boardID, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// Switch opens boardID from its persisted snapshot, or as an empty board
// when it was never saved. The previous document is dropped.
func (s *Session) Switch(ctx context.Context, boardID string) error {
	snap, err := s.LoadSnapshot(ctx, boardID)
	if errors.Is(err, ErrNoSnapshot) {
		snap, err = &board.Snapshot{}, nil
		snap.Normalize()
	}
	if err != nil {
		return err
	}

	doc := board.FromSnapshot(snap)
	s.mu.Lock()
	s.boardID = boardID
	s.doc = doc
	s.paused = 0
	s.mu.Unlock()

	s.logger.Debug("board opened", "board", boardID, "columns", len(snap.Columns))
	return nil
}

// Save persists the live document and runs the save hooks. It does nothing
// and reports false while auto-save is paused or no board is open.
func (s *Session) Save(ctx context.Context) (bool, error) {
	s.mu.Lock()
	boardID, doc, paused := s.boardID, s.doc, s.paused > 0
	hooks := append([]SaveHook(nil), s.hooks...)
	s.mu.Unlock()

	if paused || doc == nil {
		return false, nil
	}
	if err := s.SaveSnapshot(ctx, boardID, doc.Snapshot()); err != nil {
		return false, err
	}
	for _, h := range hooks {
		h(ctx)
	}
	return true, nil
}

// Applied implements Host. Unlike Save it ignores the auto-save pause and
// runs the applied hooks instead of the save hooks.
func (s *Session) Applied(ctx context.Context, source notify.Source) error {
	s.mu.Lock()
	boardID, doc := s.boardID, s.doc
	hooks := append([]AppliedHook(nil), s.applied...)
	s.mu.Unlock()

	if doc == nil {
		return nil
	}
	if source == notify.SourceBackend {
		if err := s.SaveSnapshot(ctx, boardID, doc.Snapshot()); err != nil {
			return err
		}
	}
	for _, h := range hooks {
		h(ctx, source)
	}
	return nil
}

var _ Host = (*Session)(nil)
