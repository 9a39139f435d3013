package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/boardsync/internal/kv"
)

// Revision is the last server revision a board was synced to.
type Revision struct {
	ServerRevision int64 `json:"serverRevision"`
	// LastSyncedAt is Unix milliseconds.
	LastSyncedAt int64 `json:"lastSyncedAt"`
}

// RevisionKey returns the storage key of a board's revision record.
func RevisionKey(boardID string) string {
	return "revision:" + boardID
}

// RevisionStore persists per-board server revisions.
type RevisionStore struct {
	settings
	kv kv.Store
}

// NewRevisionStore creates a RevisionStore over store.
func NewRevisionStore(store kv.Store, opts ...Option) *RevisionStore {
	return &RevisionStore{settings: newSettings(opts), kv: store}
}

// Load returns the stored revision, or the zero Revision when none is stored
// or the record is corrupt.
func (r *RevisionStore) Load(ctx context.Context, boardID string) (Revision, error) {
	raw, err := r.kv.Get(ctx, RevisionKey(boardID))
	if errors.Is(err, kv.ErrNotFound) {
		return Revision{}, nil
	}
	if err != nil {
		return Revision{}, fmt.Errorf("load revision %s: %w", boardID, err)
	}
	var rev Revision
	if err := json.Unmarshal(raw, &rev); err != nil || rev.ServerRevision < 0 {
		r.logger.Warn("corrupt revision record, starting from 0",
			"board", boardID,
			"error", err,
		)
		return Revision{}, nil
	}
	return rev, nil
}

// Save records serverRevision as synced now.
func (r *RevisionStore) Save(ctx context.Context, boardID string, serverRevision int64) error {
	data, err := json.Marshal(Revision{
		ServerRevision: serverRevision,
		LastSyncedAt:   r.now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode revision: %w", err)
	}
	if err := r.kv.Put(ctx, RevisionKey(boardID), data); err != nil {
		return fmt.Errorf("save revision %s: %w", boardID, err)
	}
	return nil
}
