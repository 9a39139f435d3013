package board

import (
	"slices"
	"sync"

	"github.com/roach88/boardsync/internal/canonical"
)

// Change describes one structural change notification. ColumnID is empty
// for board-level changes.
type Change struct {
	ColumnID string
	Field    string
}

// Board is the live, mutable document. Every mutator emits at most one
// Change per entity it actually modified; setting a value to what it already
// holds emits nothing.
//
// Board is safe for concurrent use. Listeners run after the internal lock is
// released and must not assume any particular goroutine.
type Board struct {
	mu              sync.Mutex
	name            string
	description     string
	backgroundImage string
	pluginData      map[string]any
	columns         []*LiveColumn
	listeners       []func(Change)
}

// LiveColumn is a column of a live Board.
type LiveColumn struct {
	board      *Board
	id         string
	title      string
	pluginData map[string]any
	cards      []*LiveCard
}

// LiveCard is a card of a live column.
type LiveCard struct {
	ID          string
	Title       string
	Description string
	PluginData  map[string]any
}

// NewLiveCard builds a live card from plain data.
func NewLiveCard(c Card) *LiveCard {
	return &LiveCard{
		ID:          c.ID,
		Title:       c.Title,
		Description: c.Description,
		PluginData:  NormalizePluginData(CloneMap(c.PluginData)),
	}
}

// Data returns the plain form of the card.
func (c *LiveCard) Data() Card {
	return Card{
		ID:          c.ID,
		Title:       c.Title,
		Description: c.Description,
		PluginData:  CloneMap(c.PluginData),
	}
}

// NewLiveColumn builds a detached live column, reconstructing its cards.
func NewLiveColumn(c Column) *LiveColumn {
	col := &LiveColumn{
		id:         c.ID,
		title:      c.Title,
		pluginData: NormalizePluginData(CloneMap(c.PluginData)),
	}
	col.cards = liveCards(c.Cards)
	return col
}

func liveCards(cards []Card) []*LiveCard {
	out := make([]*LiveCard, len(cards))
	for i, c := range cards {
		out[i] = NewLiveCard(c)
	}
	return out
}

// FromSnapshot builds a live board from a snapshot. The snapshot is copied.
func FromSnapshot(s *Snapshot) *Board {
	b := &Board{}
	if s == nil {
		b.pluginData = map[string]any{}
		return b
	}
	b.name = s.Name
	b.description = s.Description
	b.backgroundImage = s.BackgroundImage
	b.pluginData = NormalizePluginData(CloneMap(s.PluginData))
	b.columns = make([]*LiveColumn, len(s.Columns))
	for i, c := range s.Columns {
		col := NewLiveColumn(c)
		col.board = b
		b.columns[i] = col
	}
	return b
}

// Snapshot returns a normalized plain copy of the live board.
func (b *Board) Snapshot() *Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &Snapshot{
		Name:            b.name,
		Description:     b.description,
		BackgroundImage: b.backgroundImage,
		PluginData:      CloneMap(b.pluginData),
		Columns:         make([]Column, len(b.columns)),
	}
	for i, c := range b.columns {
		s.Columns[i] = c.dataLocked()
	}
	s.Normalize()
	return s
}

// OnChange registers a listener for change notifications.
func (b *Board) OnChange(fn func(Change)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

func (b *Board) emit(changes ...Change) {
	b.mu.Lock()
	listeners := slices.Clone(b.listeners)
	b.mu.Unlock()

	for _, ch := range changes {
		for _, fn := range listeners {
			fn(ch)
		}
	}
}

// Name returns the board name.
func (b *Board) Name() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.name
}

// SetName sets the board name.
func (b *Board) SetName(v string) {
	b.setScalar(&b.name, v, "name")
}

// SetDescription sets the board description.
func (b *Board) SetDescription(v string) {
	b.setScalar(&b.description, v, "description")
}

// SetBackgroundImage sets the board background image.
func (b *Board) SetBackgroundImage(v string) {
	b.setScalar(&b.backgroundImage, v, "backgroundImage")
}

func (b *Board) setScalar(field *string, v, name string) {
	b.mu.Lock()
	if *field == v {
		b.mu.Unlock()
		return
	}
	*field = v
	b.mu.Unlock()
	b.emit(Change{Field: name})
}

// SetPluginData upserts a board plugin-data key. A nil value deletes it.
func (b *Board) SetPluginData(key string, value any) {
	b.mu.Lock()
	changed := setPlugin(&b.pluginData, key, value)
	b.mu.Unlock()
	if changed {
		b.emit(Change{Field: "pluginData"})
	}
}

// DeletePluginData removes a board plugin-data key.
func (b *Board) DeletePluginData(key string) {
	b.SetPluginData(key, nil)
}

// setPlugin applies an upsert/delete and reports whether the map changed.
func setPlugin(m *map[string]any, key string, value any) bool {
	if *m == nil {
		*m = map[string]any{}
	}
	old, ok := (*m)[key]
	if value == nil {
		if !ok {
			return false
		}
		delete(*m, key)
		return true
	}
	if ok && canonical.Equal(old, value) {
		return false
	}
	(*m)[key] = CloneValue(value)
	return true
}

// Columns returns the live columns in order.
func (b *Board) Columns() []*LiveColumn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.columns)
}

// Column returns the live column with the given id, or nil.
func (b *Board) Column(id string) *LiveColumn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.columnLocked(id)
}

func (b *Board) columnLocked(id string) *LiveColumn {
	for _, c := range b.columns {
		if c.id == id {
			return c
		}
	}
	return nil
}

// AddColumn appends a detached column. It returns false, leaving the board
// untouched, if a column with the same id already exists.
func (b *Board) AddColumn(col *LiveColumn) bool {
	b.mu.Lock()
	if b.columnLocked(col.id) != nil {
		b.mu.Unlock()
		return false
	}
	col.board = b
	b.columns = append(b.columns, col)
	b.mu.Unlock()
	b.emit(Change{Field: "columns"})
	return true
}

// RemoveColumn removes the column with the given id and reports whether it
// existed.
func (b *Board) RemoveColumn(id string) bool {
	b.mu.Lock()
	idx := slices.IndexFunc(b.columns, func(c *LiveColumn) bool { return c.id == id })
	if idx < 0 {
		b.mu.Unlock()
		return false
	}
	b.columns = slices.Delete(b.columns, idx, idx+1)
	b.mu.Unlock()
	b.emit(Change{Field: "columns"})
	return true
}

// ReorderColumns orders columns by ids. Unknown ids are ignored; columns not
// named keep their relative order after the named ones.
func (b *Board) ReorderColumns(ids []string) {
	b.mu.Lock()
	ordered := make([]*LiveColumn, 0, len(b.columns))
	used := make(map[*LiveColumn]bool, len(b.columns))
	for _, id := range ids {
		if c := b.columnLocked(id); c != nil && !used[c] {
			ordered = append(ordered, c)
			used[c] = true
		}
	}
	for _, c := range b.columns {
		if !used[c] {
			ordered = append(ordered, c)
		}
	}
	if slices.Equal(ordered, b.columns) {
		b.mu.Unlock()
		return
	}
	b.columns = ordered
	b.mu.Unlock()
	b.emit(Change{Field: "columns"})
}

// ID returns the column id.
func (c *LiveColumn) ID() string {
	return c.id
}

// Title returns the column title.
func (c *LiveColumn) Title() string {
	c.lock()
	defer c.unlock()
	return c.title
}

// SetTitle sets the column title.
func (c *LiveColumn) SetTitle(v string) {
	c.lock()
	if c.title == v {
		c.unlock()
		return
	}
	c.title = v
	c.unlock()
	c.Notify("title")
}

// SetPluginData upserts a column plugin-data key. A nil value deletes it.
func (c *LiveColumn) SetPluginData(key string, value any) {
	c.lock()
	changed := setPlugin(&c.pluginData, key, value)
	c.unlock()
	if changed {
		c.Notify("pluginData")
	}
}

// PluginData returns the column's raw plugin-data map. Writing to it bypasses
// change notification; callers that do so must call Notify.
func (c *LiveColumn) PluginData() map[string]any {
	c.lock()
	defer c.unlock()
	if c.pluginData == nil {
		c.pluginData = map[string]any{}
	}
	return c.pluginData
}

// Cards returns the plain form of the column's cards.
func (c *LiveColumn) Cards() []Card {
	c.lock()
	defer c.unlock()
	out := make([]Card, len(c.cards))
	for i, card := range c.cards {
		out[i] = card.Data()
	}
	return out
}

// SetCards replaces the whole card list.
func (c *LiveColumn) SetCards(cards []Card) {
	c.lock()
	if canonical.Equal(c.cardDataLocked(), normalizedCards(cards)) {
		c.unlock()
		return
	}
	c.cards = liveCards(cards)
	c.unlock()
	c.Notify("cards")
}

// Assign replaces title, plugin data and cards at once, notifying at most
// once.
func (c *LiveColumn) Assign(data Column) {
	data = data.Clone()
	data.normalize()

	c.lock()
	if canonical.Equal(c.dataLocked(), data) {
		c.unlock()
		return
	}
	c.title = data.Title
	c.pluginData = data.PluginData
	c.cards = liveCards(data.Cards)
	c.unlock()
	c.Notify("column")
}

// Notify emits a change notification for this column.
func (c *LiveColumn) Notify(field string) {
	if c.board == nil {
		return
	}
	c.board.emit(Change{ColumnID: c.id, Field: field})
}

func (c *LiveColumn) lock() {
	if c.board != nil {
		c.board.mu.Lock()
	}
}

func (c *LiveColumn) unlock() {
	if c.board != nil {
		c.board.mu.Unlock()
	}
}

func (c *LiveColumn) dataLocked() Column {
	col := Column{
		ID:         c.id,
		Title:      c.title,
		PluginData: CloneMap(c.pluginData),
		Cards:      c.cardDataLocked(),
	}
	col.normalize()
	return col
}

func (c *LiveColumn) cardDataLocked() []Card {
	out := make([]Card, len(c.cards))
	for i, card := range c.cards {
		out[i] = card.Data()
	}
	return out
}

func normalizedCards(cards []Card) []Card {
	out := CloneCards(cards)
	for i := range out {
		out[i].PluginData = NormalizePluginData(out[i].PluginData)
	}
	return out
}
