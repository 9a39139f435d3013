package cli

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/boardsync/internal/eventlog"
	"github.com/roach88/boardsync/internal/ids"
	"github.com/roach88/boardsync/internal/kv"
	"github.com/roach88/boardsync/internal/ops"
	"github.com/roach88/boardsync/internal/outbox"
)

// seedStore opens a store at path, runs fn against it and closes it so the
// command under test can open the same file.
func seedStore(t *testing.T, driver, path string, fn func(ctx context.Context, st kv.Store)) {
	t.Helper()
	st, err := kv.Open(kv.Options{Driver: driver, Path: path})
	require.NoError(t, err)
	fn(context.Background(), st)
	require.NoError(t, st.Close())
}

func TestLogCommand(t *testing.T) {
	db := filepath.Join(t.TempDir(), "boardsync.db")
	seedStore(t, kv.DriverSQLite, db, func(ctx context.Context, st kv.Store) {
		log := eventlog.New(st)
		_, err := log.Append(ctx, "roadmap", []ops.Operation{ops.BoardName{Value: "A"}}, "tab-1")
		require.NoError(t, err)
		_, err = log.Append(ctx, "roadmap", []ops.Operation{
			ops.ColumnRemove{ID: "c1"},
			ops.ColumnReorder{IDs: []string{}},
		}, "tab-2")
		require.NoError(t, err)
	})

	out, err := execute(t, "log", "--board", "roadmap", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "roadmap: revision 2, 2 entries")
	assert.Contains(t, out, "tab-1")
	assert.Contains(t, out, "column:remove,column:reorder")

	out, err = execute(t, "log", "--board", "roadmap", "--db", db, "--since", "1", "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string       `json:"status"`
		Data   eventlog.Log `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, int64(2), resp.Data.Revision)
	require.Len(t, resp.Data.Entries, 1)
	assert.Equal(t, "tab-2", resp.Data.Entries[0].ProducerID)
}

func TestLogCommandEmptyBoard(t *testing.T) {
	db := filepath.Join(t.TempDir(), "boardsync.db")

	out, err := execute(t, "log", "--board", "nothing", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "nothing: revision 0, 0 entries")
}

func TestLogCommandBadDriver(t *testing.T) {
	out, err := execute(t, "log", "--board", "b", "--driver", "mongo")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E006]: failed to load config")
}

func TestOutboxListAndRecover(t *testing.T) {
	db := filepath.Join(t.TempDir(), "boardsync.bolt")
	seedStore(t, kv.DriverBolt, db, func(ctx context.Context, st kv.Store) {
		q := outbox.NewQueue(st, outbox.WithIDGenerator(ids.NewFixedGenerator("e1", "e2")))
		_, err := q.Enqueue(ctx, "roadmap", []ops.Operation{ops.BoardName{Value: "A"}})
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, "roadmap", []ops.Operation{ops.BoardName{Value: "B"}})
		require.NoError(t, err)
		require.NoError(t, q.MarkSending(ctx, "roadmap", "e1"))
		require.NoError(t, q.Nack(ctx, "roadmap", "e2", errors.New("502 bad gateway")))
		require.NoError(t, outbox.NewRevisionStore(st).Save(ctx, "roadmap", 4))
	})
	args := []string{"--driver", "bbolt", "--db", db}

	out, err := execute(t, append([]string{"outbox", "list", "--board", "roadmap"}, args...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "roadmap: server revision 4, 2 queued")
	assert.Contains(t, out, "e1  sending")
	assert.Contains(t, out, "last error: 502 bad gateway")

	out, err = execute(t, append([]string{"outbox", "recover"}, args...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "recovered 1 batch(es)")

	out, err = execute(t, append([]string{"outbox", "list", "--board", "roadmap", "--format", "json"}, args...)...)
	require.NoError(t, err)

	var resp struct {
		Status string           `json:"status"`
		Data   OutboxListResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data.Entries, 2)
	assert.Equal(t, outbox.StatePending, resp.Data.Entries[0].State)
	assert.Equal(t, 1, resp.Data.Entries[1].RetryCount)
	assert.Equal(t, int64(4), resp.Data.ServerRevision)
}

func TestOutboxListEmpty(t *testing.T) {
	out, err := execute(t, "outbox", "list", "--board", "roadmap", "--driver", "memory", "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Data OutboxListResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.NotNil(t, resp.Data.Entries)
	assert.Empty(t, resp.Data.Entries)
}
