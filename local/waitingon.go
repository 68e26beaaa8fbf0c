package local

import (
	"github.com/stonewhitener/cassandra-accord/primitives"
)

// WaitingOn is the set of dependencies a Stable command must observe before
// it may execute, stored as a bitset over the flattened dependency ids. A
// dependency is satisfied once it is Applied locally, or known not to need
// local execution (invalidated, truncated, or redundant below the GC line).
type WaitingOn struct {
	ids       []primitives.TxnId
	bits      []uint64
	remaining int
}

// NewWaitingOn filters the stable deps down to those this store must wait
// for: deps intersecting the store's execution participants, minus anything
// already redundant.
func NewWaitingOn(deps primitives.Deps, executes primitives.Participants, isRedundant func(primitives.TxnId) bool) *WaitingOn {
	var ids []primitives.TxnId
	slice := deps.Slice(executes.Covering())
	for _, id := range slice.TxnIds() {
		if isRedundant != nil && isRedundant(id) {
			continue
		}
		ids = append(ids, id)
	}
	w := &WaitingOn{ids: ids, bits: make([]uint64, (len(ids)+63)/64), remaining: len(ids)}
	for i := range ids {
		w.bits[i/64] |= 1 << (i % 64)
	}
	return w
}

func (w *WaitingOn) IsDone() bool { return w == nil || w.remaining == 0 }

func (w *WaitingOn) Remaining() int {
	if w == nil {
		return 0
	}
	return w.remaining
}

// Waiting reports whether the command still waits on id.
func (w *WaitingOn) Waiting(id primitives.TxnId) bool {
	if w == nil {
		return false
	}
	i, ok := primitives.SearchTxnIds(w.ids, id)
	if !ok {
		return false
	}
	return w.bits[i/64]&(1<<(i%64)) != 0
}

// Remove clears the dependency, returning true if it was pending.
func (w *WaitingOn) Remove(id primitives.TxnId) bool {
	if w == nil {
		return false
	}
	i, ok := primitives.SearchTxnIds(w.ids, id)
	if !ok {
		return false
	}
	mask := uint64(1) << (i % 64)
	if w.bits[i/64]&mask == 0 {
		return false
	}
	w.bits[i/64] &^= mask
	w.remaining--
	return true
}

// Pending returns the dependencies still being waited on.
func (w *WaitingOn) Pending() []primitives.TxnId {
	if w == nil {
		return nil
	}
	out := make([]primitives.TxnId, 0, w.remaining)
	for i, id := range w.ids {
		if w.bits[i/64]&(1<<(i%64)) != 0 {
			out = append(out, id)
		}
	}
	return out
}
