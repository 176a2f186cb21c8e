// Package editlock tracks which user currently holds the edit lock of each picture.
package editlock

import (
	"sync"
)

// Table maps picture id to the id of the user allowed to edit it. Each key is
// updated with an atomic compare-and-set, so rooms never contend with each other.
type Table struct {
	editors sync.Map // int64 -> int64
}

func New() *Table {
	return &Table{}
}

// TryAcquire grants the lock to userID only if nobody holds it. It reports
// false when the lock is already held, even by userID itself.
func (t *Table) TryAcquire(pictureID, userID int64) bool {
	_, loaded := t.editors.LoadOrStore(pictureID, userID)
	return !loaded
}

// Release drops the lock only if userID holds it.
func (t *Table) Release(pictureID, userID int64) bool {
	return t.editors.CompareAndDelete(pictureID, userID)
}

// CurrentEditor returns the holder of the picture's lock, if any.
func (t *Table) CurrentEditor(pictureID int64) (int64, bool) {
	holder, ok := t.editors.Load(pictureID)
	if !ok {
		return 0, false
	}
	return holder.(int64), true
}

// IsEditor reports whether userID holds the picture's lock.
func (t *Table) IsEditor(pictureID, userID int64) bool {
	holder, ok := t.CurrentEditor(pictureID)
	return ok && holder == userID
}

// Snapshot copies the current picture -> editor assignments.
func (t *Table) Snapshot() map[int64]int64 {
	out := make(map[int64]int64)
	t.editors.Range(func(k, v any) bool {
		out[k.(int64)] = v.(int64)
		return true
	})
	return out
}

// Len is the number of pictures currently being edited.
func (t *Table) Len() int {
	n := 0
	t.editors.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
