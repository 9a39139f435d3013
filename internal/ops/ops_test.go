package ops

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/boardsync/internal/board"
)

func TestMarshal_TypeTagFirst(t *testing.T) {
	data, err := json.Marshal(BoardName{Value: "B"})
	require.NoError(t, err)
	assert.Equal(t, `{"type":"board:name","value":"B"}`, string(data))

	data, err = json.Marshal(ColumnPluginData{ColumnID: "c1", Key: "wip"})
	require.NoError(t, err)
	assert.Equal(t, `{"type":"column:pluginData","columnId":"c1","key":"wip","value":null}`, string(data))
}

func TestList_NilEncodesAsEmptyArray(t *testing.T) {
	data, err := json.Marshal(List(nil))
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))
}

func TestList_RoundTrip(t *testing.T) {
	in := List{
		BoardName{Value: "B"},
		BoardPluginData{Key: "theme", Value: "dark"},
		ColumnAdd{Column: board.Column{ID: "c2", Title: "Doing", Cards: []board.Card{{ID: "k1"}}}, Index: 1},
		ColumnReorder{IDs: []string{"c1", "c2"}},
		ColumnCards{ColumnID: "c1", Cards: []board.Card{}},
	}
	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out List
	require.NoError(t, json.Unmarshal(data, &out))
	require.Len(t, out, len(in))

	assert.Equal(t, BoardName{Value: "B"}, out[0])
	assert.Equal(t, BoardPluginData{Key: "theme", Value: "dark"}, out[1])
	add, ok := out[2].(ColumnAdd)
	require.True(t, ok)
	assert.Equal(t, "c2", add.Column.ID)
	assert.Equal(t, 1, add.Index)
	assert.Equal(t, ColumnReorder{IDs: []string{"c1", "c2"}}, out[3])
}

func TestList_UnknownAndMalformedOpsDoNotFailTheList(t *testing.T) {
	raw := `[
		{"type":"board:name","value":"ok"},
		{"type":"card:move","cardId":"k1"},
		{"type":"column:title","columnId":7},
		{"type":"column:add","column":{"title":"no id"}}
	]`

	var out List
	require.NoError(t, json.Unmarshal([]byte(raw), &out))
	require.Len(t, out, 4)

	assert.Equal(t, BoardName{Value: "ok"}, out[0])

	unknown, ok := out[1].(Unknown)
	require.True(t, ok)
	assert.Equal(t, Kind("card:move"), unknown.Type())
	assert.ErrorContains(t, unknown.Err, "unknown operation type")
	assert.JSONEq(t, `{"type":"card:move","cardId":"k1"}`, string(unknown.Raw))

	malformed, ok := out[2].(Unknown)
	require.True(t, ok)
	assert.Equal(t, KindColumnTitle, malformed.Type())
	assert.Error(t, malformed.Err)

	_, ok = out[3].(Unknown)
	assert.True(t, ok)
}

func TestList_RejectsNonArray(t *testing.T) {
	var out List
	assert.Error(t, json.Unmarshal([]byte(`{"type":"board:name"}`), &out))
}

func TestUnknown_MarshalPreservesPayload(t *testing.T) {
	op := Decode([]byte(`{"type":"card:move","cardId":"k1"}`))
	data, err := json.Marshal(op)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"card:move","cardId":"k1"}`, string(data))
}

func TestDecode_PluginNumbersKeepPrecision(t *testing.T) {
	op := Decode([]byte(`{"type":"board:pluginData","key":"big","value":9007199254740993}`))
	p, ok := op.(BoardPluginData)
	require.True(t, ok)
	assert.Equal(t, json.Number("9007199254740993"), p.Value)
}

func TestTypes_DistinctFirstSeen(t *testing.T) {
	list := []Operation{
		ColumnCards{ColumnID: "c1"},
		BoardName{Value: "x"},
		ColumnCards{ColumnID: "c2"},
	}
	assert.Equal(t, []Kind{KindColumnCards, KindBoardName}, Types(list))
	assert.Empty(t, Types(nil))
}

func TestString(t *testing.T) {
	assert.Equal(t, `{"type":"column:remove","id":"c9"}`, String(ColumnRemove{ID: "c9"}))
}
