package differ

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/boardsync/internal/board"
	"github.com/roach88/boardsync/internal/ops"
)

func twoColumns() *board.Snapshot {
	return &board.Snapshot{
		Name: "Roadmap",
		Columns: []board.Column{
			{ID: "c1", Title: "Todo", Cards: []board.Card{{ID: "k1", Title: "Write"}}},
			{ID: "c2", Title: "Done"},
		},
	}
}

func TestDiff_IdenticalIsEmpty(t *testing.T) {
	s := twoColumns()

	got := Diff(s, s)
	require.NotNil(t, got)
	assert.Empty(t, got)

	got = Diff(s, s.Clone())
	require.NotNil(t, got)
	assert.Empty(t, got)
}

func TestDiff_NullAndAbsentPluginDataAreEqual(t *testing.T) {
	prev := &board.Snapshot{PluginData: map[string]any{"gone": nil}}
	curr := &board.Snapshot{}

	assert.Empty(t, Diff(prev, curr))
}

func TestDiff_NameOnly(t *testing.T) {
	prev := &board.Snapshot{Name: "A"}
	curr := &board.Snapshot{Name: "B"}

	assert.Equal(t, []ops.Operation{ops.BoardName{Value: "B"}}, Diff(prev, curr))
}

func TestDiff_AppendColumnEmitsAddThenReorder(t *testing.T) {
	prev := &board.Snapshot{Columns: []board.Column{{ID: "c1", Title: "Todo"}}}
	curr := &board.Snapshot{Columns: []board.Column{
		{ID: "c1", Title: "Todo"},
		{ID: "c2", Title: "Doing", Cards: []board.Card{{ID: "k1", Title: "Ship"}}},
	}}

	got := Diff(prev, curr)
	require.Len(t, got, 2)

	add, ok := got[0].(ops.ColumnAdd)
	require.True(t, ok, "first op must be column:add, got %s", got[0].Type())
	assert.Equal(t, "c2", add.Column.ID)
	assert.Equal(t, 1, add.Index)
	require.Len(t, add.Column.Cards, 1)
	assert.Equal(t, "k1", add.Column.Cards[0].ID)

	assert.Equal(t, ops.ColumnReorder{IDs: []string{"c1", "c2"}}, got[1])
}

func TestDiff_PureReorder(t *testing.T) {
	prev := twoColumns()
	curr := twoColumns()
	curr.Columns[0], curr.Columns[1] = curr.Columns[1], curr.Columns[0]

	assert.Equal(t, []ops.Operation{ops.ColumnReorder{IDs: []string{"c2", "c1"}}}, Diff(prev, curr))
}

func TestDiff_CardChangeIsWholeList(t *testing.T) {
	prev := twoColumns()
	curr := twoColumns()
	curr.Columns[0].Cards[0].Description = "draft"

	got := Diff(prev, curr)
	require.Len(t, got, 1)
	cards, ok := got[0].(ops.ColumnCards)
	require.True(t, ok)
	assert.Equal(t, "c1", cards.ColumnID)
	assert.Equal(t, "draft", cards.Cards[0].Description)
}

func TestDiff_DoesNotAliasInputs(t *testing.T) {
	prev := twoColumns()
	curr := twoColumns()
	curr.Columns[0].Cards = append(curr.Columns[0].Cards, board.Card{ID: "k2"})

	got := Diff(prev, curr)
	require.Len(t, got, 1)
	curr.Columns[0].Cards[0].Title = "mutated"

	assert.Equal(t, "Write", got[0].(ops.ColumnCards).Cards[0].Title)
}

func TestDiff_NilIsEmptyBoard(t *testing.T) {
	got := Diff(nil, &board.Snapshot{Name: "A"})
	assert.Equal(t, []ops.Operation{ops.BoardName{Value: "A"}}, got)
}

func TestDiff_Golden(t *testing.T) {
	tests := []struct {
		name string
		prev *board.Snapshot
		curr *board.Snapshot
	}{
		{
			name: "add_column_and_retitle",
			prev: twoColumns(),
			curr: &board.Snapshot{
				Name:       "Roadmap v2",
				PluginData: map[string]any{"theme": "dark"},
				Columns: []board.Column{
					{ID: "c1", Title: "Todo", Cards: []board.Card{{ID: "k1", Title: "Write"}, {ID: "k2", Title: "Ship"}}},
					{ID: "c3", Title: "Review"},
					{ID: "c2", Title: "Shipped"},
				},
			},
		},
		{
			name: "remove_and_plugin_changes",
			prev: &board.Snapshot{
				Name:       "B",
				PluginData: map[string]any{"a": 1, "b": "x"},
				Columns: []board.Column{
					{ID: "c1", Title: "Todo", PluginData: map[string]any{"wip": 3}},
					{ID: "c2", Title: "Doing"},
					{ID: "c3", Title: "Done"},
				},
			},
			curr: &board.Snapshot{
				Name:       "B",
				PluginData: map[string]any{"b": "y", "c": true},
				Columns: []board.Column{
					{ID: "c3", Title: "Done"},
					{ID: "c1", Title: "Todo", PluginData: map[string]any{"wip": 5, "color": "red"}},
				},
			},
		},
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.MarshalIndent(ops.List(Diff(tt.prev, tt.curr)), "", "  ")
			require.NoError(t, err)
			g.Assert(t, tt.name, append(data, '\n'))
		})
	}
}
