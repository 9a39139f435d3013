package notify

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/boardsync/internal/ops"
)

func TestRecorder_KeepsOrder(t *testing.T) {
	var r Recorder
	r.Queued("b1", "e1", 2)
	r.PushFailed("b1", "e1", errors.New("down"))
	r.PushSucceeded("b1", "e1", 4)
	r.BatchApplied(BatchApplied{BoardID: "b1", Source: SourceBackend, Entries: 1, Types: []ops.Kind{ops.KindBoardName}})

	assert.Equal(t, []string{"queued", "push_failed", "push_succeeded", "batch_applied"}, r.Names())
	require.Len(t, r.Batches(), 1)
	assert.Equal(t, SourceBackend, r.Batches()[0].Source)
	assert.EqualError(t, r.Events()[1].Err, "down")
}

func TestMulti_FansOut(t *testing.T) {
	var a, b Recorder
	m := Multi{&a, Nop{}, &b}

	m.PullSucceeded("b1", 3, 9)
	m.FallbackRan("b1", 0, 12)

	assert.Equal(t, []string{"pull_succeeded", "fallback_ran"}, a.Names())
	assert.Equal(t, a.Events(), b.Events())
}

func TestLogger_WritesEvents(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	n.PushFailed("b1", "e1", errors.New("boom"))
	n.BatchApplied(BatchApplied{BoardID: "b1", Source: SourceCrossTab, Entries: 2})

	out := buf.String()
	assert.Contains(t, out, "push failed")
	assert.Contains(t, out, "error=boom")
	assert.Contains(t, out, "source=crosstab")
	assert.Contains(t, out, "entries=2")
}

func TestMetrics_Counts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.BatchApplied(BatchApplied{Source: SourceCrossTab, Types: []ops.Kind{ops.KindBoardName, ops.KindColumnAdd}})
	m.BatchApplied(BatchApplied{Source: SourceCrossTab, Types: []ops.Kind{ops.KindBoardName}})
	m.Queued("b1", "e1", 1)
	m.PushSucceeded("b1", "e1", 7)
	m.PushFailed("b1", "e2", errors.New("x"))
	m.PullFailed("b1", errors.New("x"))
	m.FallbackRan("b1", 0, 3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.BatchesApplied.WithLabelValues("crosstab")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.OpsApplied.WithLabelValues(string(ops.KindBoardName))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OpsApplied.WithLabelValues(string(ops.KindColumnAdd))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Enqueued))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Pushes.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Pushes.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Pulls.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Fallbacks))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.ServerRevision))
}
