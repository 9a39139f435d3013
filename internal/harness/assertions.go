package harness

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/roach88/boardsync/internal/board"
	"github.com/roach88/boardsync/internal/canonical"
	"github.com/roach88/boardsync/internal/differ"
	"github.com/roach88/boardsync/internal/ops"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s %s %s\n", ev.Seq, ev.Tab, ev.Event, ev.Detail, ev.Result)
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion of the scenario against result
// and returns the failure messages.
func EvaluateAssertions(result *Result, scenario *Scenario) []string {
	var errors []string
	for i, a := range scenario.Assertions {
		var err error
		switch a.Type {
		case AssertConverged:
			err = assertConverged(result, tabNames(scenario, a.Tabs))
		case AssertState:
			err = assertState(result.State[a.Tab], a)
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}
		if err != nil {
			errors = append(errors, err.Error())
		}
	}
	return errors
}

func tabNames(s *Scenario, listed []string) []string {
	if len(listed) > 0 {
		return listed
	}
	names := make([]string, len(s.Tabs))
	for i, t := range s.Tabs {
		names[i] = t.Name
	}
	return names
}

// assertConverged checks that all tabs hold the same document.
func assertConverged(result *Result, tabs []string) error {
	if len(tabs) < 2 {
		return nil
	}
	first := result.State[tabs[0]]
	for _, name := range tabs[1:] {
		other := result.State[name]
		if canonical.Equal(first, other) {
			continue
		}
		actual := "one of them has no board open"
		if first != nil && other != nil {
			list := differ.Diff(first, other)
			actual = fmt.Sprintf("%d ops apart (%s)", len(list), joinKinds(ops.Types(list)))
		}
		return &AssertionError{
			Type:     AssertConverged,
			Expected: fmt.Sprintf("%s and %s hold equal documents", tabs[0], name),
			Actual:   actual,
		}
	}
	return nil
}

// assertState compares the listed top-level fields of a tab's document.
func assertState(snap *board.Snapshot, a Assertion) error {
	if snap == nil {
		return &AssertionError{
			Type:     AssertState,
			Expected: fmt.Sprintf("tab %s has a board open", a.Tab),
			Actual:   "no document",
		}
	}
	actual, err := plainFields(snap)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(a.Expect))
	for k := range a.Expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		got, ok := actual[key]
		if !ok {
			return &AssertionError{
				Type:     AssertState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   "not a board field",
			}
		}
		if !canonical.Equal(a.Expect[key], got) {
			want, _ := canonical.Marshal(a.Expect[key])
			have, _ := canonical.Marshal(got)
			return &AssertionError{
				Type:     AssertState,
				Expected: fmt.Sprintf("%s.%s = %s", a.Tab, key, want),
				Actual:   fmt.Sprintf("%s.%s = %s", a.Tab, key, have),
			}
		}
	}
	return nil
}

func plainFields(snap *board.Snapshot) (map[string]any, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func matches(ev TraceEvent, a Assertion, event string) bool {
	if ev.Event != event {
		return false
	}
	if a.Tab != "" && ev.Tab != a.Tab {
		return false
	}
	if a.Result != "" && ev.Result != a.Result {
		return false
	}
	return true
}

func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if matches(ev, a, a.Event) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: describe(a, a.Event),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if matches(ev, a, a.Event) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, describe(a, a.Event)),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertTraceOrder checks that the first occurrence of each event comes
// after the first occurrence of the one before it. Other events may sit in
// between.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	positions := make([]int, len(a.Events))
	for i, event := range a.Events {
		positions[i] = slices.IndexFunc(trace, func(ev TraceEvent) bool {
			return matches(ev, a, event)
		})
		if positions[i] < 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all events present: %v", a.Events),
				Actual:   fmt.Sprintf("missing event: %s", event),
				Trace:    trace,
			}
		}
	}
	for i := 1; i < len(positions); i++ {
		if positions[i-1] >= positions[i] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("events in order: %v", a.Events),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					a.Events[i-1], positions[i-1]+1, a.Events[i], positions[i]+1),
				Trace: trace,
			}
		}
	}
	return nil
}

func describe(a Assertion, event string) string {
	s := "event " + event
	if a.Tab != "" {
		s += " on " + a.Tab
	}
	if a.Result != "" {
		s += " with result " + a.Result
	}
	return s
}
