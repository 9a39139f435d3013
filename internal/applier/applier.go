// Package applier replays operations onto the live board document.
//
// The document is resolved from a DocumentSource on every call, so a board
// switch between two calls is picked up without re-wiring. Each operation is
// applied in isolation: an error or panic in one op is logged with the op and
// the batch continues.
package applier

import (
	"fmt"
	"log/slog"

	"github.com/roach88/boardsync/internal/board"
	"github.com/roach88/boardsync/internal/ops"
)

// DocumentSource resolves the live document to mutate. It may return nil when
// no board is open.
type DocumentSource interface {
	Document() *board.Board
}

// DocumentFunc adapts a function to DocumentSource.
type DocumentFunc func() *board.Board

// Document implements DocumentSource.
func (f DocumentFunc) Document() *board.Board { return f() }

// Result summarizes one ApplyAll call.
type Result struct {
	Applied int
	Skipped int
	Failed  int
	Errors  []error
}

// Applier applies operations to the document returned by its source.
type Applier struct {
	source DocumentSource
	logger *slog.Logger
}

// Option configures an Applier.
type Option func(*Applier)

// WithLogger sets the logger used for skipped and failed ops.
func WithLogger(l *slog.Logger) Option {
	return func(a *Applier) {
		a.logger = l
	}
}

// New creates an Applier over source.
func New(source DocumentSource, opts ...Option) *Applier {
	a := &Applier{
		source: source,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ApplyAll applies list in order against the current document. It never
// fails as a whole; per-op outcomes are reported in the Result.
func (a *Applier) ApplyAll(list []ops.Operation) Result {
	var res Result
	doc := a.source.Document()
	if doc == nil {
		a.logger.Warn("no active document, skipping batch", "ops", len(list))
		res.Skipped = len(list)
		return res
	}

	for _, op := range list {
		err := a.apply(doc, op)
		switch {
		case err == nil:
			res.Applied++
		case IsSkipped(err):
			res.Skipped++
			a.logger.Warn("operation skipped",
				"type", op.Type(),
				"op", ops.String(op),
				"error", err,
			)
		default:
			res.Failed++
			res.Errors = append(res.Errors, err)
			a.logger.Error("operation failed",
				"type", op.Type(),
				"op", ops.String(op),
				"error", err,
			)
		}
	}

	a.logger.Debug("batch applied",
		"applied", res.Applied,
		"skipped", res.Skipped,
		"failed", res.Failed,
	)
	return res
}

// Apply applies a single op against the current document.
func (a *Applier) Apply(op ops.Operation) error {
	doc := a.source.Document()
	if doc == nil {
		return &OpError{Code: ErrCodeNoDocument, Type: op.Type(), Message: "no active document"}
	}
	return a.apply(doc, op)
}

// apply runs op inside its own recovery boundary.
func (a *Applier) apply(doc *board.Board, op ops.Operation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &OpError{
				Code:    ErrCodePanic,
				Type:    op.Type(),
				Message: fmt.Sprintf("panic: %v", r),
			}
		}
	}()
	return op.Accept(&visitor{doc: doc})
}

// visitor mutates one document. Every ops kind must be handled here.
type visitor struct {
	doc *board.Board
}

var _ ops.Visitor = (*visitor)(nil)

func (v *visitor) VisitBoardName(o ops.BoardName) error {
	v.doc.SetName(o.Value)
	return nil
}

func (v *visitor) VisitBoardDescription(o ops.BoardDescription) error {
	v.doc.SetDescription(o.Value)
	return nil
}

func (v *visitor) VisitBoardBackgroundImage(o ops.BoardBackgroundImage) error {
	v.doc.SetBackgroundImage(o.Value)
	return nil
}

func (v *visitor) VisitBoardPluginData(o ops.BoardPluginData) error {
	v.doc.SetPluginData(o.Key, o.Value)
	return nil
}

// VisitColumnAdd appends the column, or overwrites it in place when a column
// with the same id is already present.
func (v *visitor) VisitColumnAdd(o ops.ColumnAdd) error {
	if o.Column.ID == "" {
		return &OpError{Code: ErrCodeInvalidOp, Type: o.Type(), Message: "column id is empty"}
	}
	if existing := v.doc.Column(o.Column.ID); existing != nil {
		existing.Assign(o.Column)
		return nil
	}
	if v.doc.AddColumn(board.NewLiveColumn(o.Column)) {
		return nil
	}
	// Lost a race with a concurrent add of the same id.
	if existing := v.doc.Column(o.Column.ID); existing != nil {
		existing.Assign(o.Column)
	}
	return nil
}

// VisitColumnRemove is idempotent: removing a missing column is not an error.
func (v *visitor) VisitColumnRemove(o ops.ColumnRemove) error {
	v.doc.RemoveColumn(o.ID)
	return nil
}

func (v *visitor) VisitColumnReorder(o ops.ColumnReorder) error {
	v.doc.ReorderColumns(o.IDs)
	return nil
}

func (v *visitor) VisitColumnTitle(o ops.ColumnTitle) error {
	col, err := v.column(o.Type(), o.ColumnID)
	if err != nil {
		return err
	}
	col.SetTitle(o.Value)
	return nil
}

// VisitColumnPluginData deletes null-valued keys straight from the raw map and
// signals the change by hand.
func (v *visitor) VisitColumnPluginData(o ops.ColumnPluginData) error {
	col, err := v.column(o.Type(), o.ColumnID)
	if err != nil {
		return err
	}
	if o.Value != nil {
		col.SetPluginData(o.Key, o.Value)
		return nil
	}
	raw := col.PluginData()
	if _, ok := raw[o.Key]; !ok {
		return nil
	}
	delete(raw, o.Key)
	col.Notify("pluginData")
	return nil
}

func (v *visitor) VisitColumnCards(o ops.ColumnCards) error {
	col, err := v.column(o.Type(), o.ColumnID)
	if err != nil {
		return err
	}
	col.SetCards(o.Cards)
	return nil
}

func (v *visitor) VisitUnknown(o ops.Unknown) error {
	msg := "unknown operation type"
	if o.Err != nil {
		msg = o.Err.Error()
	}
	return &OpError{Code: ErrCodeUnknownType, Type: o.Kind, Message: msg}
}

func (v *visitor) column(kind ops.Kind, id string) (*board.LiveColumn, error) {
	col := v.doc.Column(id)
	if col == nil {
		return nil, &OpError{
			Code:     ErrCodeColumnNotFound,
			Type:     kind,
			ColumnID: id,
			Message:  "column not found",
		}
	}
	return col, nil
}
