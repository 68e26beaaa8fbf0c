package local

import (
	"github.com/stonewhitener/cassandra-accord/primitives"
	"github.com/stonewhitener/cassandra-accord/util/rangemap"
)

// DurableBeforeEntry records, for one range, the watermarks below which
// outcomes are known durable at a majority of every shard, and at every
// replica.
type DurableBeforeEntry struct {
	MajorityBefore  primitives.TxnId
	UniversalBefore primitives.TxnId
}

func mergeDurableEntry(a, b DurableBeforeEntry) DurableBeforeEntry {
	return DurableBeforeEntry{
		MajorityBefore:  maxTxnId(a.MajorityBefore, b.MajorityBefore),
		UniversalBefore: maxTxnId(a.UniversalBefore, b.UniversalBefore),
	}
}

// DurableBefore is the per-store map of durability watermarks.
type DurableBefore struct {
	m rangemap.Map[DurableBeforeEntry]
}

var EmptyDurableBefore = DurableBefore{}

func NewDurableBefore(entries ...rangemap.Entry[DurableBeforeEntry]) DurableBefore {
	return DurableBefore{m: rangemap.New(entries...)}
}

func MergeDurableBefore(a, b DurableBefore) DurableBefore {
	return DurableBefore{m: rangemap.Merge(a.m, b.m, mergeDurableEntry)}
}

func (d DurableBefore) IsEmpty() bool { return d.m.IsEmpty() }

func (d DurableBefore) ForEach(fn func(primitives.Range, DurableBeforeEntry)) { d.m.ForEach(fn) }

func (e DurableBeforeEntry) durabilityFor(id primitives.TxnId) primitives.Durability {
	if id.Compare(e.UniversalBefore.Timestamp) < 0 {
		return primitives.UniversalOrInvalidated
	}
	if id.Compare(e.MajorityBefore.Timestamp) < 0 {
		return primitives.MajorityOrInvalidated
	}
	return primitives.NotDurable
}

// Min is the least durability of id over the given participants; any
// uncovered part counts as NotDurable.
func (d DurableBefore) Min(id primitives.TxnId, p primitives.Participants) primitives.Durability {
	min := primitives.UniversalOrInvalidated
	covering := p.Covering()
	covered := primitives.Ranges{}
	d.m.ForEachIntersecting(covering, func(r primitives.Range, e DurableBeforeEntry) {
		covered = covered.Union(primitives.Ranges{r})
		if du := e.durabilityFor(id); du < min {
			min = du
		}
	})
	if !covered.ContainsAll(covering) {
		return primitives.NotDurable
	}
	return min
}

// MinGlobal is the least durability of id over everything known; used for
// the expunge decision, which must hold universally.
func (d DurableBefore) MinGlobal(id primitives.TxnId) primitives.Durability {
	if d.m.IsEmpty() {
		return primitives.NotDurable
	}
	min := primitives.UniversalOrInvalidated
	d.m.ForEach(func(_ primitives.Range, e DurableBeforeEntry) {
		if du := e.durabilityFor(id); du < min {
			min = du
		}
	})
	return min
}
