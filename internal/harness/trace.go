package harness

import (
	"strings"

	"github.com/roach88/boardsync/internal/notify"
	"github.com/roach88/boardsync/internal/ops"
)

// tracer records engine notifications of one tab into the trace.
type tracer struct {
	result *Result
	tab    string
}

var _ notify.Notifier = tracer{}

func (t tracer) add(ev TraceEvent) {
	ev.Tab = t.tab
	t.result.AddTrace(ev)
}

func (t tracer) BatchApplied(ev notify.BatchApplied) {
	t.add(TraceEvent{
		Event:  "batch_applied",
		Detail: string(ev.Source),
		Result: joinKinds(ev.Types),
		Count:  ev.Entries,
	})
}

func (t tracer) Queued(_, entryID string, opCount int) {
	t.add(TraceEvent{Event: "queued", Detail: entryID, Count: opCount})
}

func (t tracer) PushSucceeded(_, entryID string, serverRevision int64) {
	t.add(TraceEvent{Event: "push_succeeded", Detail: entryID, Rev: serverRevision})
}

func (t tracer) PushFailed(_, entryID string, err error) {
	t.add(TraceEvent{Event: "push_failed", Detail: entryID, Result: err.Error()})
}

func (t tracer) PullSucceeded(_ string, opCount int, serverRevision int64) {
	t.add(TraceEvent{Event: "pull_succeeded", Count: opCount, Rev: serverRevision})
}

func (t tracer) PullFailed(_ string, err error) {
	t.add(TraceEvent{Event: "pull_failed", Result: err.Error()})
}

func (t tracer) FallbackRan(_ string, opCount int, head int64) {
	t.add(TraceEvent{Event: "fallback_ran", Count: opCount, Rev: head})
}

func joinKinds(kinds []ops.Kind) string {
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	return strings.Join(parts, ",")
}
