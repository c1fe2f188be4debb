package model

import (
	"github.com/pkg/errors"
)

const (
	// MetaOrigin marks where a transaction came from.
	MetaOrigin = "origin"
	// MetaAddToHistory set to false keeps a transaction out of undo history.
	MetaAddToHistory = "addToHistory"

	// OriginRemote is the MetaOrigin value of transactions built from remote changes.
	OriginRemote = "remote"
)

// Selection is an anchor/head pair of flat positions.
type Selection struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

// Cursor returns a collapsed selection at pos.
func Cursor(pos int) Selection {
	return Selection{Anchor: pos, Head: pos}
}

// From returns the smaller end.
func (s Selection) From() int {
	if s.Anchor < s.Head {
		return s.Anchor
	}
	return s.Head
}

// To returns the larger end.
func (s Selection) To() int {
	if s.Anchor > s.Head {
		return s.Anchor
	}
	return s.Head
}

// Empty reports whether the selection is collapsed.
func (s Selection) Empty() bool {
	return s.Anchor == s.Head
}

// Clamp keeps both ends on valid cursor positions of doc.
func (s Selection) Clamp(doc *Document) Selection {
	max := doc.Length() - 1
	clamp := func(p int) int {
		if p < 0 {
			return 0
		}
		if p > max {
			return max
		}
		return p
	}
	return Selection{Anchor: clamp(s.Anchor), Head: clamp(s.Head)}
}

// Window is the part of a document a transaction touched: the first Prefix and the last Suffix
// blocks are identical before and after it.
type Window struct {
	Prefix int
	Suffix int
}

// DiffWindow returns the window of blocks that differ between old and next: the equal leading
// blocks, then the equal trailing blocks among those left.
func DiffWindow(old, next *Document) Window {
	limit := min(len(old.Blocks), len(next.Blocks))
	var w Window
	for w.Prefix < limit && old.Blocks[w.Prefix].Equal(next.Blocks[w.Prefix]) {
		w.Prefix++
	}
	for w.Prefix+w.Suffix < limit &&
		old.Blocks[len(old.Blocks)-1-w.Suffix].Equal(next.Blocks[len(next.Blocks)-1-w.Suffix]) {
		w.Suffix++
	}
	return w
}

// Schema is the editor's node and plugin configuration. It is carried along unchanged.
type Schema struct {
	Nodes   interface{}
	Plugins []interface{}
}

// Transaction is an ordered list of steps applied atomically.
type Transaction struct {
	Steps []Step

	// Selection, when set, replaces the mapped selection after the steps.
	Selection *Selection

	meta map[string]interface{}
}

// NewTransaction builds a transaction from steps.
func NewTransaction(steps ...Step) *Transaction {
	return &Transaction{Steps: steps}
}

// SetMeta attaches a metadata value and returns the transaction.
func (tx *Transaction) SetMeta(key string, value interface{}) *Transaction {
	if tx.meta == nil {
		tx.meta = make(map[string]interface{})
	}
	tx.meta[key] = value
	return tx
}

// Meta returns a metadata value.
func (tx *Transaction) Meta(key string) (interface{}, bool) {
	v, ok := tx.meta[key]
	return v, ok
}

// IsRemote reports whether the transaction carries remote changes.
func (tx *Transaction) IsRemote() bool {
	v, _ := tx.Meta(MetaOrigin)
	return v == OriginRemote
}

// AddToHistory reports whether the transaction belongs in undo history. Defaults to true.
func (tx *Transaction) AddToHistory() bool {
	v, ok := tx.Meta(MetaAddToHistory)
	if !ok {
		return true
	}
	b, isBool := v.(bool)
	return !isBool || b
}

// SetSelection sets the selection the transaction ends with.
func (tx *Transaction) SetSelection(sel Selection) *Transaction {
	tx.Selection = &sel
	return tx
}

// Remote marks the transaction as remote-origin and keeps it out of history.
func (tx *Transaction) Remote() *Transaction {
	return tx.SetMeta(MetaOrigin, OriginRemote).SetMeta(MetaAddToHistory, false)
}

// Result is the outcome of applying a transaction.
type Result struct {
	Doc       *Document
	Selection Selection
	Window    Window
}

// Apply runs the steps against doc and sel. doc is never modified; on error nothing is returned.
func (tx *Transaction) Apply(doc *Document, sel Selection) (*Result, error) {
	next := &Document{Blocks: append([]Block(nil), doc.Blocks...)}
	window := Window{Prefix: len(doc.Blocks), Suffix: len(doc.Blocks)}

	for i, step := range tx.Steps {
		first, last := step.Touched(next)
		if first < window.Prefix {
			window.Prefix = first
		}
		if tail := len(next.Blocks) - last; tail < window.Suffix {
			window.Suffix = tail
		}
		sel = Selection{Anchor: step.Map(next, sel.Anchor), Head: step.Map(next, sel.Head)}
		if err := step.Apply(next); err != nil {
			return nil, errors.Wrapf(err, "step %d (%T)", i, step)
		}
	}
	if len(next.Blocks) == 0 {
		return nil, errors.New("transaction removed every block")
	}

	if window.Prefix < 0 {
		window.Prefix = 0
	}
	if window.Suffix < 0 {
		window.Suffix = 0
	}
	limit := len(doc.Blocks)
	if len(next.Blocks) < limit {
		limit = len(next.Blocks)
	}
	if window.Prefix > limit {
		window.Prefix = limit
	}
	if window.Prefix+window.Suffix > limit {
		window.Suffix = limit - window.Prefix
	}

	if tx.Selection != nil {
		sel = *tx.Selection
	}
	return &Result{Doc: next, Selection: sel.Clamp(next), Window: window}, nil
}
