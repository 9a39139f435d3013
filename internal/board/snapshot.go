// Package board defines the board document: the plain Snapshot tree that is
// diffed, persisted and transmitted, and the live Board that views mutate.
//
// Column and card identities are stable across snapshots; identity, not
// position, is the unit of diffing.
package board

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Snapshot is the full serializable state of a board at one instant.
type Snapshot struct {
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	BackgroundImage string         `json:"backgroundImage"`
	PluginData      map[string]any `json:"pluginData"`
	Columns         []Column       `json:"columns"`
}

// Column is a plain column with its cards.
type Column struct {
	ID         string         `json:"id"`
	Title      string         `json:"title"`
	PluginData map[string]any `json:"pluginData"`
	Cards      []Card         `json:"cards"`
}

// Card is a plain card.
type Card struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	PluginData  map[string]any `json:"pluginData"`
}

// Decode parses a snapshot and normalizes it.
func Decode(data []byte) (*Snapshot, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var s Snapshot
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	s.Normalize()
	return &s, nil
}

// Encode serializes the snapshot as JSON.
func (s *Snapshot) Encode() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// Normalize rewrites s into its canonical form in place:
//   - plugin-data keys holding null are removed (null and absent are the same)
//   - nil maps and slices become empty ones
//
// Every read path normalizes, so null/absent never oscillates between diffs.
func (s *Snapshot) Normalize() {
	s.PluginData = NormalizePluginData(s.PluginData)
	if s.Columns == nil {
		s.Columns = []Column{}
	}
	for i := range s.Columns {
		s.Columns[i].normalize()
	}
}

func (c *Column) normalize() {
	c.PluginData = NormalizePluginData(c.PluginData)
	if c.Cards == nil {
		c.Cards = []Card{}
	}
	for i := range c.Cards {
		c.Cards[i].PluginData = NormalizePluginData(c.Cards[i].PluginData)
	}
}

// NormalizePluginData drops null-valued keys and never returns nil.
func NormalizePluginData(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if v == nil {
			continue
		}
		out[k] = v
	}
	return out
}

// Clone returns a deep copy of s. Plugin values are copied structurally.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := &Snapshot{
		Name:            s.Name,
		Description:     s.Description,
		BackgroundImage: s.BackgroundImage,
		PluginData:      CloneMap(s.PluginData),
		Columns:         make([]Column, len(s.Columns)),
	}
	for i, c := range s.Columns {
		out.Columns[i] = c.Clone()
	}
	return out
}

// Clone returns a deep copy of c.
func (c Column) Clone() Column {
	out := Column{
		ID:         c.ID,
		Title:      c.Title,
		PluginData: CloneMap(c.PluginData),
		Cards:      CloneCards(c.Cards),
	}
	return out
}

// CloneCards deep-copies a card list. A nil input yields an empty list.
func CloneCards(cards []Card) []Card {
	out := make([]Card, len(cards))
	for i, card := range cards {
		out[i] = Card{
			ID:          card.ID,
			Title:       card.Title,
			Description: card.Description,
			PluginData:  CloneMap(card.PluginData),
		}
	}
	return out
}

// ColumnIDs returns the column ids in order.
func (s *Snapshot) ColumnIDs() []string {
	ids := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		ids[i] = c.ID
	}
	return ids
}

// CloneMap deep-copies a plugin-data map. A nil input yields an empty map.
func CloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies JSON-shaped values. Other values are returned as is.
func CloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = CloneValue(elem)
		}
		return out
	default:
		return val
	}
}
