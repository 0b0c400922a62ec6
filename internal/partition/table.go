package partition

import "sync/atomic"

// Table holds the current snapshot. Readers always see a complete snapshot;
// writers publish a new one instead of mutating.
type Table struct {
	cur atomic.Pointer[Snapshot]
}

// NewTable returns a table holding s.
func NewTable(s *Snapshot) *Table {
	t := &Table{}
	t.cur.Store(s)
	return t
}

func (t *Table) Load() *Snapshot { return t.cur.Load() }

func (t *Table) Store(s *Snapshot) { t.cur.Store(s) }

// Update applies fn to the current snapshot and publishes the result, retrying
// if another writer published in between. fn must not mutate its argument.
func (t *Table) Update(fn func(*Snapshot) *Snapshot) *Snapshot {
	for {
		old := t.cur.Load()
		next := fn(old)
		if next == old || t.cur.CompareAndSwap(old, next) {
			return next
		}
	}
}
