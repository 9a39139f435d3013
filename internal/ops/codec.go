package ops

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/roach88/boardsync/internal/board"
)

// Wire shapes. The type tag is always the first field.
type (
	wireValue struct {
		Type  Kind   `json:"type"`
		Value string `json:"value"`
	}
	wirePlugin struct {
		Type  Kind   `json:"type"`
		Key   string `json:"key"`
		Value any    `json:"value"`
	}
	wireColumnAdd struct {
		Type   Kind         `json:"type"`
		Column board.Column `json:"column"`
		Index  int          `json:"index"`
	}
	wireColumnRemove struct {
		Type Kind   `json:"type"`
		ID   string `json:"id"`
	}
	wireColumnReorder struct {
		Type Kind     `json:"type"`
		IDs  []string `json:"ids"`
	}
	wireColumnTitle struct {
		Type     Kind   `json:"type"`
		ColumnID string `json:"columnId"`
		Value    string `json:"value"`
	}
	wireColumnPlugin struct {
		Type     Kind   `json:"type"`
		ColumnID string `json:"columnId"`
		Key      string `json:"key"`
		Value    any    `json:"value"`
	}
	wireColumnCards struct {
		Type     Kind         `json:"type"`
		ColumnID string       `json:"columnId"`
		Cards    []board.Card `json:"cards"`
	}
)

func (o BoardName) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireValue{Type: KindBoardName, Value: o.Value})
}

func (o BoardDescription) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireValue{Type: KindBoardDescription, Value: o.Value})
}

func (o BoardBackgroundImage) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireValue{Type: KindBoardBackgroundImage, Value: o.Value})
}

func (o BoardPluginData) MarshalJSON() ([]byte, error) {
	return json.Marshal(wirePlugin{Type: KindBoardPluginData, Key: o.Key, Value: o.Value})
}

func (o ColumnAdd) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireColumnAdd{Type: KindColumnAdd, Column: o.Column, Index: o.Index})
}

func (o ColumnRemove) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireColumnRemove{Type: KindColumnRemove, ID: o.ID})
}

func (o ColumnReorder) MarshalJSON() ([]byte, error) {
	ids := o.IDs
	if ids == nil {
		ids = []string{}
	}
	return json.Marshal(wireColumnReorder{Type: KindColumnReorder, IDs: ids})
}

func (o ColumnTitle) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireColumnTitle{Type: KindColumnTitle, ColumnID: o.ColumnID, Value: o.Value})
}

func (o ColumnPluginData) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireColumnPlugin{Type: KindColumnPluginData, ColumnID: o.ColumnID, Key: o.Key, Value: o.Value})
}

func (o ColumnCards) MarshalJSON() ([]byte, error) {
	cards := o.Cards
	if cards == nil {
		cards = []board.Card{}
	}
	return json.Marshal(wireColumnCards{Type: KindColumnCards, ColumnID: o.ColumnID, Cards: cards})
}

// MarshalJSON re-emits the original payload so unknown ops survive transit.
func (o Unknown) MarshalJSON() ([]byte, error) {
	if len(o.Raw) > 0 && json.Valid(o.Raw) {
		return o.Raw, nil
	}
	return json.Marshal(struct {
		Type Kind `json:"type"`
	}{Type: o.Kind})
}

// List is an ordered batch of operations with a JSON codec.
type List []Operation

// MarshalJSON encodes the list; a nil list encodes as [].
func (l List) MarshalJSON() ([]byte, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Operation(l))
}

// UnmarshalJSON decodes a list. Individual ops with unknown or malformed
// payloads decode to Unknown instead of failing the whole list.
func (l *List) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return fmt.Errorf("decode op list: %w", err)
	}
	out := make(List, len(raws))
	for i, raw := range raws {
		out[i] = Decode(raw)
	}
	*l = out
	return nil
}

// Decode decodes a single op. It never fails: anything it cannot interpret
// becomes an Unknown carrying the cause.
func Decode(raw []byte) Operation {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return Unknown{Raw: bytes.Clone(raw), Err: fmt.Errorf("decode op: %w", err)}
	}

	op, err := decodeKind(head.Type, raw)
	if err != nil {
		return Unknown{Kind: head.Type, Raw: bytes.Clone(raw), Err: err}
	}
	return op
}

func decodeKind(kind Kind, raw []byte) (Operation, error) {
	switch kind {
	case KindBoardName, KindBoardDescription, KindBoardBackgroundImage:
		var w wireValue
		if err := unmarshal(raw, &w); err != nil {
			return nil, err
		}
		switch kind {
		case KindBoardName:
			return BoardName{Value: w.Value}, nil
		case KindBoardDescription:
			return BoardDescription{Value: w.Value}, nil
		default:
			return BoardBackgroundImage{Value: w.Value}, nil
		}

	case KindBoardPluginData:
		var w wirePlugin
		if err := unmarshal(raw, &w); err != nil {
			return nil, err
		}
		return BoardPluginData{Key: w.Key, Value: w.Value}, nil

	case KindColumnAdd:
		var w wireColumnAdd
		if err := unmarshal(raw, &w); err != nil {
			return nil, err
		}
		if w.Column.ID == "" {
			return nil, fmt.Errorf("column:add without column id")
		}
		return ColumnAdd{Column: w.Column, Index: w.Index}, nil

	case KindColumnRemove:
		var w wireColumnRemove
		if err := unmarshal(raw, &w); err != nil {
			return nil, err
		}
		return ColumnRemove{ID: w.ID}, nil

	case KindColumnReorder:
		var w wireColumnReorder
		if err := unmarshal(raw, &w); err != nil {
			return nil, err
		}
		return ColumnReorder{IDs: w.IDs}, nil

	case KindColumnTitle:
		var w wireColumnTitle
		if err := unmarshal(raw, &w); err != nil {
			return nil, err
		}
		return ColumnTitle{ColumnID: w.ColumnID, Value: w.Value}, nil

	case KindColumnPluginData:
		var w wireColumnPlugin
		if err := unmarshal(raw, &w); err != nil {
			return nil, err
		}
		return ColumnPluginData{ColumnID: w.ColumnID, Key: w.Key, Value: w.Value}, nil

	case KindColumnCards:
		var w wireColumnCards
		if err := unmarshal(raw, &w); err != nil {
			return nil, err
		}
		return ColumnCards{ColumnID: w.ColumnID, Cards: w.Cards}, nil

	default:
		return nil, fmt.Errorf("unknown operation type %q", kind)
	}
}

// unmarshal decodes with UseNumber so plugin numbers keep their exact text.
func unmarshal(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode op payload: %w", err)
	}
	return nil
}

// String renders op as JSON for diagnostics.
func String(op Operation) string {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Sprintf("%s(<unencodable: %v>)", op.Type(), err)
	}
	return string(data)
}
