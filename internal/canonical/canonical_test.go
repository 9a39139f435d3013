package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_SortsKeys(t *testing.T) {
	data, err := Marshal(map[string]any{"b": 1, "a": "x", "c": []any{true, nil}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":1,"c":[true,null]}`, string(data))
}

func TestMarshal_UTF16KeyOrder(t *testing.T) {
	// U+1F600 encodes as surrogates (0xD83D...) which sort before U+FB01 in UTF-16
	// but after it in UTF-8.
	data, err := Marshal(map[string]any{"ﬁ": 1, "\U0001F600": 2})
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":2,\"ﬁ\":1}", string(data))
}

func TestMarshal_NoHTMLEscaping(t *testing.T) {
	data, err := Marshal("<a & b>")
	require.NoError(t, err)
	assert.Equal(t, `"<a & b>"`, string(data))
}

func TestMarshal_Structs(t *testing.T) {
	type card struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	data, err := Marshal([]card{{ID: "k1", Title: "Write"}})
	require.NoError(t, err)
	assert.Equal(t, `[{"id":"k1","title":"Write"}]`, string(data))
}

func TestMarshal_RejectsUnsupported(t *testing.T) {
	_, err := Marshal(map[string]any{"x": func() {}})
	assert.Error(t, err)
}

func TestEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b any
		want bool
	}{
		{"same scalar", "x", "x", true},
		{"int vs float", 1, 1.0, true},
		{"map key order irrelevant", map[string]any{"a": 1, "b": 2}, map[string]any{"b": 2, "a": 1}, true},
		{"array order matters", []any{1, 2}, []any{2, 1}, false},
		{"null vs missing string", nil, "", false},
		{"NFC equivalent strings", "\u00e9", "e\u0301", true},
		{"nested", map[string]any{"x": []any{map[string]any{"y": true}}}, map[string]any{"x": []any{map[string]any{"y": true}}}, true},
		{"different types", "1", 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Equal(tt.a, tt.b))
		})
	}
}

func TestHash_Deterministic(t *testing.T) {
	h1, err := Hash(map[string]any{"a": 1, "b": []any{"x"}})
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"b": []any{"x"}, "a": 1.0})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}
