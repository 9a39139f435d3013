package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/roach88/boardsync/internal/authority"
	"github.com/roach88/boardsync/internal/backend"
	"github.com/roach88/boardsync/internal/backendsync"
	"github.com/roach88/boardsync/internal/board"
	"github.com/roach88/boardsync/internal/crosstab"
	"github.com/roach88/boardsync/internal/eventlog"
	"github.com/roach88/boardsync/internal/host"
	"github.com/roach88/boardsync/internal/kv"
	"github.com/roach88/boardsync/internal/outbox"
	"github.com/roach88/boardsync/internal/testutil"
)

// Start is the manual clock's initial time.
var Start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Harness holds the wiring of one scenario run.
type Harness struct {
	scenario  *Scenario
	clock     *testutil.ManualClock
	authority http.Handler
	devices   map[string]*device
	tabs      map[string]*tab
	result    *Result
	logger    *slog.Logger
}

type device struct {
	store kv.Store
	log   *eventlog.Store
}

type tab struct {
	name    string
	device  *device
	session *host.Session
	coord   *crosstab.Coordinator
	sync    *backendsync.Orchestrator
}

// Run executes a scenario on fresh in-memory stores and returns the result.
// It fails only when the scenario cannot be wired; step and assertion
// failures are reported in the result.
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()
	seed, err := scenario.SeedSnapshot()
	if err != nil {
		return nil, err
	}

	h := &Harness{
		scenario: scenario,
		clock:    testutil.NewManualClock(Start),
		devices:  make(map[string]*device),
		tabs:     make(map[string]*tab),
		result:   NewResult(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	h.authority = authority.New(kv.NewMemory(),
		authority.WithClock(h.clock.Now),
		authority.WithLogger(h.logger),
	)
	defer h.close()

	for _, spec := range scenario.Tabs {
		if err := h.openTab(ctx, spec, seed); err != nil {
			return nil, fmt.Errorf("open tab %q: %w", spec.Name, err)
		}
	}

	for i, step := range scenario.Steps {
		h.execute(ctx, i, step)
	}

	for name, t := range h.tabs {
		if doc := t.session.Document(); doc != nil {
			h.result.State[name] = doc.Snapshot()
		}
	}

	for _, msg := range EvaluateAssertions(h.result, scenario) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func (h *Harness) close() {
	for _, d := range h.devices {
		d.store.Close()
	}
}

func (h *Harness) device(ctx context.Context, name string, seed *board.Snapshot) (*device, error) {
	if d, ok := h.devices[name]; ok {
		return d, nil
	}
	store := kv.NewMemory()
	if seed != nil {
		raw, err := seed.Encode()
		if err != nil {
			return nil, err
		}
		if err := store.Put(ctx, host.SnapshotKey(h.scenario.BoardID()), raw); err != nil {
			return nil, err
		}
	}
	d := &device{
		store: store,
		log: eventlog.New(store,
			eventlog.WithClock(h.clock.Now),
			eventlog.WithLogger(h.logger),
		),
	}
	h.devices[name] = d
	return d, nil
}

func (h *Harness) openTab(ctx context.Context, spec TabSpec, seed *board.Snapshot) error {
	d, err := h.device(ctx, spec.device(), seed)
	if err != nil {
		return err
	}

	session := host.NewSession(d.store, host.WithLogger(h.logger))
	if err := session.Switch(ctx, h.scenario.BoardID()); err != nil {
		return err
	}
	notifier := tracer{result: h.result, tab: spec.Name}

	t := &tab{name: spec.Name, device: d, session: session}
	t.coord = crosstab.New(d.log, session,
		crosstab.WithProducerID(spec.Name),
		crosstab.WithNotifier(notifier),
		crosstab.WithLogger(h.logger),
	)
	session.OnSave(t.coord.OnSave)
	session.OnApplied(t.coord.OnApplied)
	t.coord.Prime(ctx)

	if spec.Backend {
		adapter := backend.NewHTTP("http://authority",
			backend.WithHTTPClient(&http.Client{Transport: handlerTransport{h.authority}}),
			backend.WithProducerID(spec.Name),
			backend.WithPullRetry(0, time.Millisecond, time.Millisecond),
			backend.WithHTTPLogger(h.logger),
		)
		queue := outbox.NewQueue(d.store,
			outbox.WithIDGenerator(testutil.NewSequenceGenerator(spec.Name)),
			outbox.WithClock(h.clock.Now),
			outbox.WithLogger(h.logger),
		)
		t.sync = backendsync.New(adapter, queue, outbox.NewRevisionStore(d.store), session,
			backendsync.WithNotifier(notifier),
			backendsync.WithLogger(h.logger),
		)
		if err := t.sync.Start(ctx); err != nil {
			return err
		}
		session.OnSave(t.sync.OnSave)
		session.OnApplied(t.sync.OnApplied)
	}

	h.tabs[spec.Name] = t
	return nil
}

// execute runs one step and traces its outcome.
func (h *Harness) execute(ctx context.Context, i int, step Step) {
	ev := TraceEvent{Tab: step.Tab, Event: step.Do, Detail: describeArgs(step.Args)}

	var err error
	if step.Do == DoAdvance {
		d, _ := time.ParseDuration(step.Args["duration"].(string))
		h.clock.Advance(d)
	} else {
		err = h.tabStep(ctx, h.tabs[step.Tab], step, &ev)
	}

	if err != nil {
		ev.Result = "error"
		h.result.AddTrace(ev)
		h.result.AddError(fmt.Sprintf("steps[%d] %s: %v", i, step.Do, err))
		return
	}
	h.result.AddTrace(ev)

	if step.Expect != "" && ev.Result != step.Expect {
		h.result.AddError(fmt.Sprintf("steps[%d] %s on %q: expected %q, got %q",
			i, step.Do, step.Tab, step.Expect, ev.Result))
	}
}

func (h *Harness) tabStep(ctx context.Context, t *tab, step Step, ev *TraceEvent) error {
	switch step.Do {
	case DoSave:
		saved, err := t.session.Save(ctx)
		if err != nil {
			return err
		}
		ev.Result = "paused"
		if saved {
			ev.Result = "saved"
		}
		ev.Rev = t.device.log.Head(ctx, t.session.BoardID())

	case DoPoll:
		ev.Result = string(t.coord.Poll(ctx))
		ev.Rev = t.coord.LastKnownRev()

	case DoFallback:
		ev.Result = "failed"
		if t.coord.Fallback(ctx) {
			ev.Result = "ok"
		}
		ev.Rev = t.coord.LastKnownRev()

	case DoHide:
		t.session.SetVisible(false)
	case DoShow:
		t.session.SetVisible(true)

	case DoSwitch:
		id, err := stringArg(step.Args, "board")
		if err != nil {
			return err
		}
		if err := t.session.Switch(ctx, id); err != nil {
			return err
		}
		t.coord.Prime(ctx)
		if t.sync != nil {
			return t.sync.Start(ctx)
		}

	case DoDrain:
		n, err := t.sync.Drain(ctx)
		ev.Result = "ok"
		if err != nil {
			ev.Result = "failed"
		}
		ev.Count = n
		ev.Rev = t.sync.ServerRevision()

	case DoPull:
		ev.Result = string(t.sync.Pull(ctx))
		ev.Rev = t.sync.ServerRevision()

	case DoOffline:
		t.sync.SetOnline(ctx, false)
	case DoOnline:
		t.sync.SetOnline(ctx, true)
		ev.Rev = t.sync.ServerRevision()

	default:
		doc := t.session.Document()
		if doc == nil {
			return fmt.Errorf("no board open")
		}
		return edit(doc, step)
	}
	return nil
}

func edit(doc *board.Board, step Step) error {
	args := step.Args
	column := func() (*board.LiveColumn, error) {
		id, err := stringArg(args, "column")
		if err != nil {
			return nil, err
		}
		col := doc.Column(id)
		if col == nil {
			return nil, fmt.Errorf("column %q not found", id)
		}
		return col, nil
	}

	switch step.Do {
	case DoSetName:
		v, err := stringArg(args, "value")
		if err != nil {
			return err
		}
		doc.SetName(v)

	case DoSetDescription:
		v, err := stringArg(args, "value")
		if err != nil {
			return err
		}
		doc.SetDescription(v)

	case DoSetPluginData:
		key, err := stringArg(args, "key")
		if err != nil {
			return err
		}
		if v := args["value"]; v == nil {
			doc.DeletePluginData(key)
		} else {
			doc.SetPluginData(key, v)
		}

	case DoAddColumn:
		id, err := stringArg(args, "id")
		if err != nil {
			return err
		}
		title, _ := args["title"].(string)
		if !doc.AddColumn(board.NewLiveColumn(board.Column{ID: id, Title: title})) {
			return fmt.Errorf("column %q already exists", id)
		}

	case DoRemoveColumn:
		id, err := stringArg(args, "column")
		if err != nil {
			return err
		}
		if !doc.RemoveColumn(id) {
			return fmt.Errorf("column %q not found", id)
		}

	case DoRenameColumn:
		col, err := column()
		if err != nil {
			return err
		}
		title, err := stringArg(args, "title")
		if err != nil {
			return err
		}
		col.SetTitle(title)

	case DoReorderColumns:
		raw, ok := args["ids"].([]any)
		if !ok {
			return fmt.Errorf("ids must be a list")
		}
		ids := make([]string, 0, len(raw))
		for _, v := range raw {
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("ids must be strings, got %T", v)
			}
			ids = append(ids, s)
		}
		doc.ReorderColumns(ids)

	case DoAddCard:
		col, err := column()
		if err != nil {
			return err
		}
		id, err := stringArg(args, "id")
		if err != nil {
			return err
		}
		title, _ := args["title"].(string)
		col.SetCards(append(col.Cards(), board.Card{ID: id, Title: title}))

	case DoRemoveCard:
		col, err := column()
		if err != nil {
			return err
		}
		id, err := stringArg(args, "id")
		if err != nil {
			return err
		}
		cards := col.Cards()
		idx := slices.IndexFunc(cards, func(c board.Card) bool { return c.ID == id })
		if idx < 0 {
			return fmt.Errorf("card %q not found in column %q", id, col.ID())
		}
		col.SetCards(slices.Delete(cards, idx, idx+1))

	default:
		return fmt.Errorf("unknown action %q", step.Do)
	}
	return nil
}

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%s arg is required", key)
	}
	return v, nil
}

// describeArgs renders args as sorted key=value pairs for the trace.
func describeArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, args[k]))
	}
	return strings.Join(parts, " ")
}

// handlerTransport serves requests in process, so backend tabs exercise the
// real HTTP adapter without a listener.
type handlerTransport struct {
	h http.Handler
}

func (t handlerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	rec := httptest.NewRecorder()
	t.h.ServeHTTP(rec, r)
	return rec.Result(), nil
}
