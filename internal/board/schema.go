package board

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// schemaSource constrains persisted snapshots. Plugin data stays open.
const schemaSource = `
#Card: {
	id:          string & !=""
	title:       string
	description: string
	pluginData: {...}
}

#Column: {
	id:    string & !=""
	title: string
	pluginData: {...}
	cards: [...#Card]
}

#Snapshot: {
	name:            string
	description:     string
	backgroundImage: string
	pluginData: {...}
	columns: [...#Column]
}
`

// CUE contexts are not safe for concurrent use.
var schema struct {
	once sync.Once
	mu   sync.Mutex
	ctx  *cue.Context
	def  cue.Value
	err  error
}

func loadSchema() error {
	schema.once.Do(func() {
		schema.ctx = cuecontext.New()
		v := schema.ctx.CompileString(schemaSource, cue.Filename("snapshot.cue"))
		if err := v.Err(); err != nil {
			schema.err = fmt.Errorf("compile snapshot schema: %w", err)
			return
		}
		schema.def = v.LookupPath(cue.ParsePath("#Snapshot"))
		schema.err = schema.def.Err()
	})
	return schema.err
}

// Validate checks s against the snapshot schema and that column ids and
// card ids within a column are unique.
func Validate(s *Snapshot) error {
	if s == nil {
		return fmt.Errorf("validate snapshot: nil snapshot")
	}
	data, err := s.Clone().Encode()
	if err != nil {
		return err
	}
	if err := loadSchema(); err != nil {
		return err
	}

	schema.mu.Lock()
	v := schema.ctx.CompileBytes(data, cue.Filename("snapshot.json"))
	err = v.Err()
	if err == nil {
		err = schema.def.Unify(v).Validate(cue.Concrete(true))
	}
	schema.mu.Unlock()
	if err != nil {
		return fmt.Errorf("validate snapshot: %s", cueerrors.Details(err, nil))
	}

	seen := make(map[string]bool, len(s.Columns))
	for _, c := range s.Columns {
		if seen[c.ID] {
			return fmt.Errorf("validate snapshot: duplicate column id %q", c.ID)
		}
		seen[c.ID] = true

		cards := make(map[string]bool, len(c.Cards))
		for _, card := range c.Cards {
			if cards[card.ID] {
				return fmt.Errorf("validate snapshot: duplicate card id %q in column %q", card.ID, c.ID)
			}
			cards[card.ID] = true
		}
	}
	return nil
}
