// Package differ computes the operations that turn one board snapshot into
// another.
//
// Diff is pure and deterministic. Callers must apply the result in emission
// order:
//  1. board scalars (name, description, backgroundImage)
//  2. board plugin data, one op per changed key in sorted key order
//  3. column:remove for each vanished column (previous order)
//  4. column:add for each new column (final order), cards included
//  5. one column:reorder with the full final order whenever a column was
//     added or removed or the order changed
//  6. per surviving column (final order): title, plugin data, cards
//
// Cards are never diffed individually: any difference in a column's card
// list yields a single column:cards op carrying the whole new list.
package differ

import (
	"slices"

	"github.com/roach88/boardsync/internal/board"
	"github.com/roach88/boardsync/internal/canonical"
	"github.com/roach88/boardsync/internal/ops"
)

// Diff returns the operations turning prev into curr. Identical inputs,
// including a structurally identical clone, yield an empty, non-nil slice.
// A nil snapshot is treated as an empty board.
func Diff(prev, curr *board.Snapshot) []ops.Operation {
	out := []ops.Operation{}
	if prev == curr {
		return out
	}
	p := normalized(prev)
	c := normalized(curr)

	if p.Name != c.Name {
		out = append(out, ops.BoardName{Value: c.Name})
	}
	if p.Description != c.Description {
		out = append(out, ops.BoardDescription{Value: c.Description})
	}
	if p.BackgroundImage != c.BackgroundImage {
		out = append(out, ops.BoardBackgroundImage{Value: c.BackgroundImage})
	}
	out = diffPluginData(out, p.PluginData, c.PluginData, func(key string, value any) ops.Operation {
		return ops.BoardPluginData{Key: key, Value: value}
	})

	return diffColumns(out, p.Columns, c.Columns)
}

func normalized(s *board.Snapshot) *board.Snapshot {
	if s == nil {
		s = &board.Snapshot{}
	}
	n := s.Clone()
	n.Normalize()
	return n
}

// diffPluginData emits one op per changed, added or removed key. Removal
// carries a nil value.
func diffPluginData(out []ops.Operation, prev, curr map[string]any, mk func(string, any) ops.Operation) []ops.Operation {
	keys := make([]string, 0, len(prev)+len(curr))
	for k := range prev {
		keys = append(keys, k)
	}
	for k := range curr {
		if _, ok := prev[k]; !ok {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	for _, k := range keys {
		pv, inPrev := prev[k]
		cv, inCurr := curr[k]
		switch {
		case !inCurr:
			out = append(out, mk(k, nil))
		case !inPrev || !canonical.Equal(pv, cv):
			out = append(out, mk(k, board.CloneValue(cv)))
		}
	}
	return out
}

func diffColumns(out []ops.Operation, prev, curr []board.Column) []ops.Operation {
	prevByID := make(map[string]board.Column, len(prev))
	prevIDs := make([]string, len(prev))
	for i, col := range prev {
		prevByID[col.ID] = col
		prevIDs[i] = col.ID
	}
	currByID := make(map[string]bool, len(curr))
	currIDs := make([]string, len(curr))
	for i, col := range curr {
		currByID[col.ID] = true
		currIDs[i] = col.ID
	}

	structural := false
	for _, col := range prev {
		if !currByID[col.ID] {
			out = append(out, ops.ColumnRemove{ID: col.ID})
			structural = true
		}
	}
	for i, col := range curr {
		if _, ok := prevByID[col.ID]; !ok {
			out = append(out, ops.ColumnAdd{Column: col.Clone(), Index: i})
			structural = true
		}
	}
	if structural || !slices.Equal(prevIDs, currIDs) {
		out = append(out, ops.ColumnReorder{IDs: currIDs})
	}

	for _, col := range curr {
		before, ok := prevByID[col.ID]
		if !ok {
			continue
		}
		if before.Title != col.Title {
			out = append(out, ops.ColumnTitle{ColumnID: col.ID, Value: col.Title})
		}
		id := col.ID
		out = diffPluginData(out, before.PluginData, col.PluginData, func(key string, value any) ops.Operation {
			return ops.ColumnPluginData{ColumnID: id, Key: key, Value: value}
		})
		if !canonical.Equal(before.Cards, col.Cards) {
			out = append(out, ops.ColumnCards{ColumnID: col.ID, Cards: board.CloneCards(col.Cards)})
		}
	}
	return out
}
