// Package ops defines the closed set of board operations produced by the
// differ and consumed by the applier.
//
// Operation is a sealed interface: only the types in this package implement
// it. Consumers dispatch through Visitor, which has one method per kind, so a
// new kind that is not handled by every visitor fails to compile.
package ops

import (
	"github.com/roach88/boardsync/internal/board"
)

// Kind is the wire tag of an operation.
type Kind string

const (
	KindBoardName            Kind = "board:name"
	KindBoardDescription     Kind = "board:description"
	KindBoardBackgroundImage Kind = "board:backgroundImage"
	KindBoardPluginData      Kind = "board:pluginData"
	KindColumnAdd            Kind = "column:add"
	KindColumnRemove         Kind = "column:remove"
	KindColumnReorder        Kind = "column:reorder"
	KindColumnTitle          Kind = "column:title"
	KindColumnPluginData     Kind = "column:pluginData"
	KindColumnCards          Kind = "column:cards"
)

// Kinds lists every known kind.
var Kinds = []Kind{
	KindBoardName,
	KindBoardDescription,
	KindBoardBackgroundImage,
	KindBoardPluginData,
	KindColumnAdd,
	KindColumnRemove,
	KindColumnReorder,
	KindColumnTitle,
	KindColumnPluginData,
	KindColumnCards,
}

// Operation is a single named mutation derived from comparing two snapshots.
type Operation interface {
	Type() Kind
	Accept(v Visitor) error
	isOperation()
}

// Visitor handles every operation kind.
type Visitor interface {
	VisitBoardName(BoardName) error
	VisitBoardDescription(BoardDescription) error
	VisitBoardBackgroundImage(BoardBackgroundImage) error
	VisitBoardPluginData(BoardPluginData) error
	VisitColumnAdd(ColumnAdd) error
	VisitColumnRemove(ColumnRemove) error
	VisitColumnReorder(ColumnReorder) error
	VisitColumnTitle(ColumnTitle) error
	VisitColumnPluginData(ColumnPluginData) error
	VisitColumnCards(ColumnCards) error
	VisitUnknown(Unknown) error
}

// BoardName sets the board name.
type BoardName struct {
	Value string
}

// BoardDescription sets the board description.
type BoardDescription struct {
	Value string
}

// BoardBackgroundImage sets the board background image.
type BoardBackgroundImage struct {
	Value string
}

// BoardPluginData upserts a board plugin-data key; a nil Value deletes it.
type BoardPluginData struct {
	Key   string
	Value any
}

// ColumnAdd inserts a full column, cards included.
//
// Index is the column's position in the final order. It is informational:
// the applier appends and relies on the ColumnReorder the differ always
// emits after structural changes.
type ColumnAdd struct {
	Column board.Column
	Index  int
}

// ColumnRemove removes a column by id.
type ColumnRemove struct {
	ID string
}

// ColumnReorder carries the full final column order.
type ColumnReorder struct {
	IDs []string
}

// ColumnTitle sets a column title.
type ColumnTitle struct {
	ColumnID string
	Value    string
}

// ColumnPluginData upserts a column plugin-data key; a nil Value deletes it.
type ColumnPluginData struct {
	ColumnID string
	Key      string
	Value    any
}

// ColumnCards replaces a column's whole card list.
type ColumnCards struct {
	ColumnID string
	Cards    []board.Card
}

// Unknown is an operation whose type tag is not recognized, or whose payload
// could not be decoded. It is kept so it can be logged and skipped.
type Unknown struct {
	Kind Kind
	Raw  []byte
	Err  error
}

func (BoardName) Type() Kind            { return KindBoardName }
func (BoardDescription) Type() Kind     { return KindBoardDescription }
func (BoardBackgroundImage) Type() Kind { return KindBoardBackgroundImage }
func (BoardPluginData) Type() Kind      { return KindBoardPluginData }
func (ColumnAdd) Type() Kind            { return KindColumnAdd }
func (ColumnRemove) Type() Kind         { return KindColumnRemove }
func (ColumnReorder) Type() Kind        { return KindColumnReorder }
func (ColumnTitle) Type() Kind          { return KindColumnTitle }
func (ColumnPluginData) Type() Kind     { return KindColumnPluginData }
func (ColumnCards) Type() Kind          { return KindColumnCards }
func (u Unknown) Type() Kind            { return u.Kind }

func (o BoardName) Accept(v Visitor) error            { return v.VisitBoardName(o) }
func (o BoardDescription) Accept(v Visitor) error     { return v.VisitBoardDescription(o) }
func (o BoardBackgroundImage) Accept(v Visitor) error { return v.VisitBoardBackgroundImage(o) }
func (o BoardPluginData) Accept(v Visitor) error      { return v.VisitBoardPluginData(o) }
func (o ColumnAdd) Accept(v Visitor) error            { return v.VisitColumnAdd(o) }
func (o ColumnRemove) Accept(v Visitor) error         { return v.VisitColumnRemove(o) }
func (o ColumnReorder) Accept(v Visitor) error        { return v.VisitColumnReorder(o) }
func (o ColumnTitle) Accept(v Visitor) error          { return v.VisitColumnTitle(o) }
func (o ColumnPluginData) Accept(v Visitor) error     { return v.VisitColumnPluginData(o) }
func (o ColumnCards) Accept(v Visitor) error          { return v.VisitColumnCards(o) }
func (o Unknown) Accept(v Visitor) error              { return v.VisitUnknown(o) }

func (BoardName) isOperation()            {}
func (BoardDescription) isOperation()     {}
func (BoardBackgroundImage) isOperation() {}
func (BoardPluginData) isOperation()      {}
func (ColumnAdd) isOperation()            {}
func (ColumnRemove) isOperation()         {}
func (ColumnReorder) isOperation()        {}
func (ColumnTitle) isOperation()          {}
func (ColumnPluginData) isOperation()     {}
func (ColumnCards) isOperation()          {}
func (Unknown) isOperation()              {}

// Types returns the distinct kinds in list, in first-seen order.
func Types(list []Operation) []Kind {
	seen := make(map[Kind]bool, len(list))
	var out []Kind
	for _, op := range list {
		if seen[op.Type()] {
			continue
		}
		seen[op.Type()] = true
		out = append(out, op.Type())
	}
	return out
}
