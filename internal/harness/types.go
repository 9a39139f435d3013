package harness

import "github.com/roach88/boardsync/internal/board"

// TraceEvent is one step outcome or engine notification.
type TraceEvent struct {
	Seq    int    `json:"seq"`
	Tab    string `json:"tab,omitempty"`
	Event  string `json:"event"`
	Detail string `json:"detail,omitempty"`
	Result string `json:"result,omitempty"`
	Count  int    `json:"count,omitempty"`
	Rev    int64  `json:"rev,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step expectation and assertion held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`

	// State is each tab's final document, keyed by tab name.
	State map[string]*board.Snapshot `json:"state,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  make(map[string]*board.Snapshot),
	}
}

// AddError records a failure.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends ev with the next sequence number.
func (r *Result) AddTrace(ev TraceEvent) {
	ev.Seq = len(r.Trace) + 1
	r.Trace = append(r.Trace, ev)
}
