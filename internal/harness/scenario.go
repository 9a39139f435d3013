package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/boardsync/internal/board"
)

// Scenario is a scripted multi-tab sync run.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario checks.
	Description string `yaml:"description"`

	// Board is the board id every tab opens. Defaults to "board".
	Board string `yaml:"board,omitempty"`

	// Seed is the persisted snapshot every device starts from. When absent
	// the board starts empty.
	Seed map[string]any `yaml:"seed,omitempty"`

	Tabs       []TabSpec   `yaml:"tabs"`
	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// TabSpec declares one tab.
type TabSpec struct {
	Name string `yaml:"name"`

	// Device groups tabs that share storage. Defaults to "default".
	Device string `yaml:"device,omitempty"`

	// Backend attaches a backend orchestrator to the tab.
	Backend bool `yaml:"backend,omitempty"`
}

// Step is one action on a tab, or on the clock.
type Step struct {
	Tab  string         `yaml:"tab,omitempty"`
	Do   string         `yaml:"do"`
	Args map[string]any `yaml:"args,omitempty"`

	// Expect, when set, must equal the step's result.
	Expect string `yaml:"expect,omitempty"`
}

// Assertion checks the final trace or state.
type Assertion struct {
	Type string `yaml:"type"`

	// Tab scopes state and trace assertions.
	Tab string `yaml:"tab,omitempty"`

	// Tabs lists the tabs compared by converged. Empty means all.
	Tabs []string `yaml:"tabs,omitempty"`

	// Event and Result match trace events.
	Event  string `yaml:"event,omitempty"`
	Result string `yaml:"result,omitempty"`

	// Events is the expected order for trace_order.
	Events []string `yaml:"events,omitempty"`

	Count int `yaml:"count,omitempty"`

	// Expect holds top-level document fields for state.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion types.
const (
	AssertConverged     = "converged"
	AssertState         = "state"
	AssertTraceContains = "trace_contains"
	AssertTraceCount    = "trace_count"
	AssertTraceOrder    = "trace_order"
)

// Step actions.
const (
	DoSetName        = "set_name"
	DoSetDescription = "set_description"
	DoSetPluginData  = "set_plugin_data"
	DoAddColumn      = "add_column"
	DoRemoveColumn   = "remove_column"
	DoRenameColumn   = "rename_column"
	DoReorderColumns = "reorder_columns"
	DoAddCard        = "add_card"
	DoRemoveCard     = "remove_card"
	DoSave           = "save"
	DoPoll           = "poll"
	DoFallback       = "fallback"
	DoHide           = "hide"
	DoShow           = "show"
	DoSwitch         = "switch"
	DoAdvance        = "advance"
	DoDrain          = "drain"
	DoPull           = "pull"
	DoOffline        = "offline"
	DoOnline         = "online"
)

var editActions = []string{
	DoSetName, DoSetDescription, DoSetPluginData,
	DoAddColumn, DoRemoveColumn, DoRenameColumn, DoReorderColumns,
	DoAddCard, DoRemoveCard,
}

var tabActions = append(slices.Clone(editActions),
	DoSave, DoPoll, DoFallback, DoHide, DoShow, DoSwitch,
)

var backendActions = []string{DoDrain, DoPull, DoOffline, DoOnline}

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadDir loads every *.yaml scenario in dir, in file name order.
func LoadDir(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	slices.Sort(paths)

	out := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		out = append(out, s)
	}
	return out, nil
}

// BoardID is the board every tab opens.
func (s *Scenario) BoardID() string {
	if s.Board == "" {
		return "board"
	}
	return s.Board
}

// SeedSnapshot converts Seed into a validated snapshot, or nil without one.
func (s *Scenario) SeedSnapshot() (*board.Snapshot, error) {
	if s.Seed == nil {
		return nil, nil
	}
	data, err := json.Marshal(s.Seed)
	if err != nil {
		return nil, fmt.Errorf("seed: %w", err)
	}
	snap, err := board.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("seed: %w", err)
	}
	if err := board.Validate(snap); err != nil {
		return nil, fmt.Errorf("seed: %w", err)
	}
	return snap, nil
}

func (t TabSpec) device() string {
	if t.Device == "" {
		return "default"
	}
	return t.Device
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Tabs) == 0 {
		return fmt.Errorf("tabs list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if _, err := s.SeedSnapshot(); err != nil {
		return err
	}

	tabs := make(map[string]TabSpec, len(s.Tabs))
	for i, t := range s.Tabs {
		if t.Name == "" {
			return fmt.Errorf("tabs[%d]: name is required", i)
		}
		if _, dup := tabs[t.Name]; dup {
			return fmt.Errorf("tabs[%d]: duplicate tab %q", i, t.Name)
		}
		tabs[t.Name] = t
	}

	for i, step := range s.Steps {
		if err := validateStep(step, tabs); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a, tabs); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step, tabs map[string]TabSpec) error {
	switch {
	case step.Do == "":
		return fmt.Errorf("do is required")
	case step.Do == DoAdvance:
		if step.Tab != "" {
			return fmt.Errorf("advance moves the shared clock and takes no tab")
		}
		d, ok := step.Args["duration"].(string)
		if !ok {
			return fmt.Errorf("advance needs a duration arg")
		}
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("advance: %w", err)
		}
		return nil
	case slices.Contains(tabActions, step.Do), slices.Contains(backendActions, step.Do):
	default:
		return fmt.Errorf("unknown action %q", step.Do)
	}

	t, ok := tabs[step.Tab]
	if !ok {
		return fmt.Errorf("%s: unknown tab %q", step.Do, step.Tab)
	}
	if slices.Contains(backendActions, step.Do) && !t.Backend {
		return fmt.Errorf("%s: tab %q has no backend", step.Do, step.Tab)
	}
	return nil
}

func validateAssertion(a Assertion, tabs map[string]TabSpec) error {
	checkTab := func(name string) error {
		if _, ok := tabs[name]; !ok {
			return fmt.Errorf("unknown tab %q", name)
		}
		return nil
	}

	switch a.Type {
	case "":
		return fmt.Errorf("type is required")
	case AssertConverged:
		for _, name := range a.Tabs {
			if err := checkTab(name); err != nil {
				return err
			}
		}
	case AssertState:
		if err := checkTab(a.Tab); err != nil {
			return err
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("expect is required for state")
		}
	case AssertTraceContains:
		if a.Event == "" {
			return fmt.Errorf("event is required for trace_contains")
		}
	case AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("event is required for trace_count")
		}
		if a.Count < 0 {
			return fmt.Errorf("count must be non-negative for trace_count")
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("events list is required for trace_order")
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}

	if a.Tab != "" {
		return checkTab(a.Tab)
	}
	return nil
}
