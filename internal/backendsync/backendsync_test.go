package backendsync

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/boardsync/internal/authority"
	"github.com/roach88/boardsync/internal/backend"
	"github.com/roach88/boardsync/internal/board"
	"github.com/roach88/boardsync/internal/crosstab"
	"github.com/roach88/boardsync/internal/eventlog"
	"github.com/roach88/boardsync/internal/host"
	"github.com/roach88/boardsync/internal/kv"
	"github.com/roach88/boardsync/internal/notify"
	"github.com/roach88/boardsync/internal/ops"
	"github.com/roach88/boardsync/internal/outbox"
	"github.com/roach88/boardsync/internal/testutil"
)

type pushCall struct {
	Ops  ops.List
	Base int64
}

// fakeAdapter is an in-memory authority that can be told to fail.
type fakeAdapter struct {
	mu       sync.Mutex
	calls    []string
	pushes   []pushCall
	failures int // pushes left to reject
	pushErr  error
	skip     int64 // extra revisions other writers take per push
	rev      int64
	pullOps  ops.List
	pullErr  error
	pullRev  int64
	sinces   []int64
}

func (f *fakeAdapter) PushOps(_ context.Context, _ string, list []ops.Operation, base int64) (backend.PushResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "push")
	f.pushes = append(f.pushes, pushCall{Ops: list, Base: base})
	if f.failures > 0 {
		f.failures--
		return backend.PushResult{}, f.pushErr
	}
	f.rev += 1 + f.skip
	return backend.PushResult{ServerRevision: f.rev}, nil
}

func (f *fakeAdapter) PullOps(_ context.Context, _ string, since int64) (backend.PullResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "pull")
	f.sinces = append(f.sinces, since)
	if f.pullErr != nil {
		return backend.PullResult{}, f.pullErr
	}
	list := f.pullOps
	f.pullOps = nil
	if list == nil {
		list = ops.List{}
	}
	return backend.PullResult{Ops: list, ServerRevision: max(f.pullRev, since)}, nil
}

func (f *fakeAdapter) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.pushes))
	for i, p := range f.pushes {
		out[i] = p.Ops[0].(ops.BoardName).Value
	}
	return out
}

type fixture struct {
	store     kv.Store
	session   *host.Session
	queue     *outbox.Queue
	revisions *outbox.RevisionStore
	adapter   *fakeAdapter
	events    *notify.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := kv.NewMemory()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, host.SnapshotKey("b1"),
		[]byte(`{"name":"A","columns":[{"id":"c1","title":"Todo","cards":[]}]}`)))

	s := host.NewSession(store)
	require.NoError(t, s.Switch(ctx, "b1"))

	return &fixture{
		store:     store,
		session:   s,
		queue:     outbox.NewQueue(store, outbox.WithIDGenerator(testutil.NewSequenceGenerator("entry"))),
		revisions: outbox.NewRevisionStore(store),
		adapter:   &fakeAdapter{pushErr: errors.New("network down")},
		events:    &notify.Recorder{},
	}
}

func (f *fixture) start(t *testing.T, opts ...Option) *Orchestrator {
	t.Helper()
	opts = append([]Option{WithNotifier(f.events)}, opts...)
	o := New(f.adapter, f.queue, f.revisions, f.session, opts...)
	f.session.OnSave(o.OnSave)
	f.session.OnApplied(o.OnApplied)
	require.NoError(t, o.Start(context.Background()))
	return o
}

func (f *fixture) rename(t *testing.T, name string) {
	t.Helper()
	f.session.Document().SetName(name)
	_, err := f.session.Save(context.Background())
	require.NoError(t, err)
}

func (f *fixture) queued(t *testing.T) []outbox.Entry {
	t.Helper()
	entries, err := f.queue.List(context.Background(), "b1")
	require.NoError(t, err)
	return entries
}

func TestOnSave_EnqueuesAndDrains(t *testing.T) {
	f := newFixture(t)
	o := f.start(t)

	f.rename(t, "B")

	assert.Empty(t, f.queued(t))
	assert.Equal(t, []string{"B"}, f.adapter.names())
	assert.Equal(t, int64(0), f.adapter.pushes[0].Base)
	assert.Equal(t, int64(1), o.ServerRevision())
	assert.Equal(t, []string{"queued", "push_succeeded"}, f.events.Names())

	rev, err := f.revisions.Load(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rev.ServerRevision)
}

func TestOnSave_NothingChanged(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	_, err := f.session.Save(context.Background())
	require.NoError(t, err)
	assert.Empty(t, f.queued(t))
	assert.Empty(t, f.adapter.calls)
}

func TestDrain_StrictFIFOStopsOnFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.start(t, WithOnline(false))

	f.rename(t, "one")
	f.rename(t, "two")
	f.rename(t, "three")
	require.Len(t, f.queued(t), 3)
	assert.Empty(t, f.adapter.pushes, "offline saves only enqueue")

	f.adapter.failures = 1
	o.SetOnline(ctx, true)

	assert.Equal(t, []string{"one"}, f.adapter.names(), "entry two must wait for entry one")
	entries := f.queued(t)
	require.Len(t, entries, 3)
	assert.Equal(t, outbox.StateFailed, entries[0].State)
	assert.Equal(t, 1, entries[0].RetryCount)
	assert.Equal(t, "network down", entries[0].LastError)
	assert.Equal(t, outbox.StatePending, entries[1].State)

	pushed, err := o.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, pushed)
	assert.Equal(t, []string{"one", "one", "two", "three"}, f.adapter.names())
	assert.Empty(t, f.queued(t))
	assert.Equal(t, int64(3), o.ServerRevision())
}

func TestDrain_ReturnsPushError(t *testing.T) {
	f := newFixture(t)
	o := f.start(t, WithOnline(false))
	f.rename(t, "B")

	o.online.Store(true)
	f.adapter.failures = 1
	pushed, err := o.Drain(context.Background())
	assert.Equal(t, 0, pushed)
	assert.EqualError(t, err, "network down")
	assert.Contains(t, f.events.Names(), "push_failed")
}

// flakyStore fails the next failDeletes compare-and-swaps that delete a key.
type flakyStore struct {
	kv.Store
	failDeletes int
}

func (s *flakyStore) CompareAndSwap(ctx context.Context, key string, old, new []byte) (bool, error) {
	if new == nil && s.failDeletes > 0 {
		s.failDeletes--
		return false, errors.New("disk full")
	}
	return s.Store.CompareAndSwap(ctx, key, old, new)
}

func TestDrain_AckFailureReleasesEntry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	flaky := &flakyStore{Store: f.store}
	f.queue = outbox.NewQueue(flaky, outbox.WithIDGenerator(testutil.NewSequenceGenerator("entry")))
	o := f.start(t, WithOnline(false))
	f.rename(t, "B")

	o.online.Store(true)
	flaky.failDeletes = 1
	pushed, err := o.Drain(ctx)
	assert.Zero(t, pushed)
	assert.ErrorContains(t, err, "disk full")

	entries := f.queued(t)
	require.Len(t, entries, 1)
	assert.Equal(t, outbox.StatePending, entries[0].State, "a stuck sending head would block every later drain")

	pushed, err = o.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pushed)
	assert.Equal(t, []string{"B", "B"}, f.adapter.names())
	assert.Empty(t, f.queued(t))
}

func TestDrain_NoopWhileOffline(t *testing.T) {
	f := newFixture(t)
	o := f.start(t, WithOnline(false))
	f.rename(t, "B")

	pushed, err := o.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pushed)
	assert.Len(t, f.queued(t), 1)
}

func TestDrain_KeepsRevisionWhenServerSkipsAhead(t *testing.T) {
	f := newFixture(t)
	f.adapter.skip = 2
	o := f.start(t)

	f.rename(t, "B")
	assert.Empty(t, f.queued(t))
	assert.Equal(t, int64(0), o.ServerRevision(), "the next pull must still see the revisions in between")
}

func TestSetOnline_PullsThenDrains(t *testing.T) {
	f := newFixture(t)
	o := f.start(t, WithOnline(false))
	f.rename(t, "B")

	o.SetOnline(context.Background(), true)
	assert.Equal(t, []string{"pull", "push"}, f.adapter.calls)
	assert.True(t, o.Online())

	// Already online: nothing extra.
	o.SetOnline(context.Background(), true)
	assert.Len(t, f.adapter.calls, 2)
}

func TestPull_AppliesRemoteOps(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.start(t)

	f.adapter.pullOps = ops.List{
		ops.BoardName{Value: "Remote"},
		ops.ColumnTitle{ColumnID: "c1", Value: "Inbox"},
	}
	f.adapter.pullRev = 5

	assert.Equal(t, PullApplied, o.Pull(ctx))
	assert.Equal(t, "Remote", f.session.Document().Name())
	assert.Equal(t, int64(5), o.ServerRevision())
	assert.False(t, f.session.Paused())

	persisted, err := f.session.LoadSnapshot(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "Remote", persisted.Name)
	assert.Equal(t, "Inbox", persisted.Columns[0].Title)

	batches := f.events.Batches()
	require.Len(t, batches, 1)
	assert.Equal(t, notify.SourceBackend, batches[0].Source)
	assert.Equal(t, []ops.Kind{ops.KindBoardName, ops.KindColumnTitle}, batches[0].Types)

	// Remote changes are not echoed back.
	_, err = f.session.Save(ctx)
	require.NoError(t, err)
	assert.Empty(t, f.queued(t))
	assert.Empty(t, f.adapter.pushes)
}

func TestPull_HeartbeatAdvancesRevision(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.start(t)
	f.adapter.pullRev = 9

	assert.Equal(t, PullIdle, o.Pull(ctx))
	assert.Equal(t, int64(9), o.ServerRevision())

	rev, err := f.revisions.Load(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(9), rev.ServerRevision)

	o.Pull(ctx)
	assert.Equal(t, []int64{0, 9}, f.adapter.sinces)
}

func TestPull_Skips(t *testing.T) {
	ctx := context.Background()

	t.Run("offline", func(t *testing.T) {
		f := newFixture(t)
		o := f.start(t, WithOnline(false))
		assert.Equal(t, PullSkipped, o.Pull(ctx))
		assert.Empty(t, f.adapter.calls)
	})

	t.Run("unsaved local edit", func(t *testing.T) {
		f := newFixture(t)
		o := f.start(t)
		f.session.Document().SetName("typing")
		assert.Equal(t, PullSkipped, o.Pull(ctx))
		assert.Empty(t, f.adapter.calls)
	})

	t.Run("already pulling", func(t *testing.T) {
		f := newFixture(t)
		o := f.start(t)
		o.pulling.Store(true)
		assert.Equal(t, PullSkipped, o.Pull(ctx))
	})
}

func TestPull_FailureIsReported(t *testing.T) {
	f := newFixture(t)
	o := f.start(t)
	f.adapter.pullErr = errors.New("timeout")

	assert.Equal(t, PullFailed, o.Pull(context.Background()))
	assert.Equal(t, []string{"pull_failed"}, f.events.Names())
	assert.Equal(t, int64(0), o.ServerRevision())
}

func TestStart_RecoversStaleEntries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// A previous session died mid-push.
	entry, err := f.queue.Enqueue(ctx, "b1", ops.List{ops.BoardName{Value: "stranded"}})
	require.NoError(t, err)
	require.NoError(t, f.queue.MarkSending(ctx, "b1", entry.ID))
	require.NoError(t, f.revisions.Save(ctx, "b1", 7))
	f.adapter.rev = 7

	o := f.start(t, WithOnline(false))
	assert.Equal(t, int64(7), o.ServerRevision())
	entries := f.queued(t)
	require.Len(t, entries, 1)
	assert.Equal(t, outbox.StatePending, entries[0].State)

	o.online.Store(true)
	pushed, err := o.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pushed)
	assert.Equal(t, int64(7), f.adapter.pushes[0].Base)
	assert.Equal(t, int64(8), o.ServerRevision())
}

func TestBoardSwitch_Resets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.adapter.pullRev = 4
	o := f.start(t)
	require.Equal(t, PullIdle, o.Pull(ctx))
	require.Equal(t, int64(4), o.ServerRevision())

	require.NoError(t, f.session.Switch(ctx, "b2"))
	assert.Nil(t, o.document())
	assert.Equal(t, PullSkipped, o.Pull(ctx))
	assert.False(t, o.Primed())
	assert.Equal(t, int64(0), o.ServerRevision())

	_, err := o.Drain(ctx)
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestRun_RetriesFailedDrain(t *testing.T) {
	f := newFixture(t)
	f.adapter.failures = 2
	o := f.start(t, WithRetry(time.Millisecond, 5*time.Millisecond), WithPullInterval(time.Hour))

	f.rename(t, "B") // first failure

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	require.Eventually(t, func() bool {
		entries, err := f.queue.List(context.Background(), "b1")
		return err == nil && len(entries) == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, []string{"B", "B", "B"}, f.adapter.names())
}

func TestTwoClientsThroughAuthority(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(authority.New(kv.NewMemory()))
	defer srv.Close()

	client := func(producer string) (*host.Session, *Orchestrator) {
		store := kv.NewMemory()
		s := host.NewSession(store)
		require.NoError(t, s.Switch(ctx, "shared"))
		o := New(
			backend.NewHTTP(srv.URL, backend.WithProducerID(producer)),
			outbox.NewQueue(store),
			outbox.NewRevisionStore(store),
			s,
		)
		s.OnSave(o.OnSave)
		require.NoError(t, o.Start(ctx))
		return s, o
	}
	sa, oa := client("client-a")
	sb, ob := client("client-b")

	sa.Document().AddColumn(board.NewLiveColumn(board.Column{
		ID:    "c1",
		Title: "Todo",
		Cards: []board.Card{{ID: "k1", Title: "Write tests"}},
	}))
	_, err := sa.Save(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), oa.ServerRevision())

	require.Equal(t, PullApplied, ob.Pull(ctx))
	assert.Equal(t, sa.Document().Snapshot(), sb.Document().Snapshot())
	assert.Equal(t, int64(1), ob.ServerRevision())

	// a sees nothing of its own.
	assert.Equal(t, PullIdle, oa.Pull(ctx))
}

// crossTab wires a coordinator into session the way a running tab does.
func crossTab(t *testing.T, store kv.Store, session *host.Session, producer string) *crosstab.Coordinator {
	t.Helper()
	c := crosstab.New(eventlog.New(store), session, crosstab.WithProducerID(producer))
	session.OnSave(c.OnSave)
	session.OnApplied(c.OnApplied)
	c.Prime(context.Background())
	return c
}

func siblingTab(t *testing.T, f *fixture) (*host.Session, *crosstab.Coordinator) {
	t.Helper()
	s := host.NewSession(f.store)
	require.NoError(t, s.Switch(context.Background(), "b1"))
	return s, crossTab(t, f.store, s, "tab-b")
}

func TestPull_KeepsCrossTabFlowing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	coord := crossTab(t, f.store, f.session, "tab-a")
	o := f.start(t)
	sibling, siblingCoord := siblingTab(t, f)

	f.adapter.pullOps = ops.List{ops.BoardName{Value: "Remote"}}
	f.adapter.pullRev = 1
	require.Equal(t, PullApplied, o.Pull(ctx))

	persisted, err := f.session.LoadSnapshot(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "Remote", persisted.Name)

	// The pulled batch reaches the sibling tab through the log.
	require.Equal(t, crosstab.PollApplied, siblingCoord.Poll(ctx))
	assert.Equal(t, "Remote", sibling.Document().Name())

	sibling.Document().AddColumn(board.NewLiveColumn(board.Column{ID: "c2", Title: "Done"}))
	_, err = sibling.Save(ctx)
	require.NoError(t, err)

	assert.Equal(t, crosstab.PollApplied, coord.Poll(ctx))
	assert.Equal(t, []string{"c1", "c2"}, f.session.Document().Snapshot().ColumnIDs())
	assert.Empty(t, f.adapter.pushes, "neither batch is pushed back")
	assert.Empty(t, f.queued(t))
}

func TestCrossTabBatch_KeepsPullFlowing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	coord := crossTab(t, f.store, f.session, "tab-a")
	o := f.start(t)
	sibling, _ := siblingTab(t, f)

	sibling.Document().SetName("From sibling")
	_, err := sibling.Save(ctx)
	require.NoError(t, err)
	require.Equal(t, crosstab.PollApplied, coord.Poll(ctx))

	f.adapter.pullOps = ops.List{ops.BoardDescription{Value: "from server"}}
	f.adapter.pullRev = 1
	assert.Equal(t, PullApplied, o.Pull(ctx))

	got := f.session.Document().Snapshot()
	assert.Equal(t, "From sibling", got.Name)
	assert.Equal(t, "from server", got.Description)
	assert.Empty(t, f.adapter.pushes, "the sibling's batch is not pushed again by this tab")
}
