// Package harness runs scripted sync scenarios against the real engine.
//
// A scenario seeds a board, opens it in one or more tabs, and drives them
// step by step: local edits, saves, consumer polls, clock jumps, visibility
// changes and backend round trips. Every step and every engine notification
// lands in a trace that assertions and golden files check.
//
// # Scenario Format
//
//	name: two_tabs_rename
//	description: "A rename in one tab shows up in the other"
//	board: b1
//	seed:
//	  name: Roadmap
//	  columns:
//	    - { id: c1, title: Todo, cards: [] }
//	tabs:
//	  - name: left
//	  - name: right
//	steps:
//	  - { tab: left, do: set_name, args: { value: Plans } }
//	  - { tab: left, do: save, expect: saved }
//	  - { tab: right, do: poll, expect: applied }
//	assertions:
//	  - type: converged
//	  - type: state
//	    tab: right
//	    expect: { name: Plans }
//
// Tabs on the same device share one kv store, and with it the event log and
// persisted snapshots. Tabs with backend: true also run a backend
// orchestrator against an in-process authority shared by all devices.
//
// # Assertion Types
//
//   - converged: all listed tabs (default: all tabs) hold equal documents
//   - state: a tab's document matches the given top-level fields
//   - trace_contains: an event with the given tab/result appears
//   - trace_count: an event appears exactly N times
//   - trace_order: events appear in the given order
//
// # Deterministic Testing
//
// Scenarios run on a manual clock that only moves on advance steps,
// producer ids equal tab names, and outbox ids come from a per-tab
// sequence. Traces are therefore byte-stable for golden comparison.
package harness
