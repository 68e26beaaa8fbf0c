package local

import (
	"github.com/stonewhitener/cassandra-accord/primitives"
	"github.com/stonewhitener/cassandra-accord/util/rangemap"
)

// RedundantStatus classifies a transaction against a range's GC watermarks,
// in increasing order of how much of its state has become unnecessary.
type RedundantStatus uint8

const (
	NotOwned RedundantStatus = iota
	Live
	PreBootstrap
	LocallyRedundant
	WasOwnedRetired
	ShardRedundant
	GCBefore
)

var redundantStatusNames = [...]string{
	"NOT_OWNED", "LIVE", "PRE_BOOTSTRAP", "LOCALLY_REDUNDANT",
	"WAS_OWNED_RETIRED", "SHARD_REDUNDANT", "GC_BEFORE",
}

func (s RedundantStatus) String() string { return redundantStatusNames[s] }

// RedundantBeforeEntry carries one range's watermarks.
//
// The ownership window [StartEpoch, EndEpoch) resolves the remove/re-add
// ambiguity: a re-added range installs a fresh entry with a new StartEpoch
// and a fresh bootstrap point, so watermarks from the retired incarnation
// can never be resurrected.
type RedundantBeforeEntry struct {
	StartEpoch uint64
	EndEpoch   uint64 // 0 while still owned

	// BootstrappedAt: transactions below it predate this replica's copy of
	// the range and are not executed locally.
	BootstrappedAt primitives.TxnId
	// LocallyAppliedBefore: everything below has applied (or invalidated)
	// on this replica.
	LocallyAppliedBefore primitives.TxnId
	// ShardAppliedBefore: everything below has applied at every non-faulty
	// replica of the shard.
	ShardAppliedBefore primitives.TxnId
	// GCBefore: everything below may be truncated outright.
	GCBefore primitives.TxnId

	// Retired marks a range this replica no longer owns with all its local
	// obligations discharged.
	Retired bool
}

func maxTxnId(a, b primitives.TxnId) primitives.TxnId {
	if a.Compare(b.Timestamp) >= 0 {
		return a
	}
	return b
}

// mergeRedundantEntry is commutative and idempotent: watermarks only advance.
func mergeRedundantEntry(a, b RedundantBeforeEntry) RedundantBeforeEntry {
	if b.StartEpoch > a.StartEpoch {
		// a newer incarnation of the range wins wholesale.
		return b
	}
	if a.StartEpoch > b.StartEpoch {
		return a
	}
	out := a
	out.BootstrappedAt = maxTxnId(a.BootstrappedAt, b.BootstrappedAt)
	out.LocallyAppliedBefore = maxTxnId(a.LocallyAppliedBefore, b.LocallyAppliedBefore)
	out.ShardAppliedBefore = maxTxnId(a.ShardAppliedBefore, b.ShardAppliedBefore)
	out.GCBefore = maxTxnId(a.GCBefore, b.GCBefore)
	out.Retired = a.Retired || b.Retired
	if b.EndEpoch > out.EndEpoch {
		out.EndEpoch = b.EndEpoch
	}
	return out
}

func (e RedundantBeforeEntry) statusFor(id primitives.TxnId) RedundantStatus {
	if e.Retired {
		return WasOwnedRetired
	}
	if id.Compare(e.GCBefore.Timestamp) < 0 {
		return GCBefore
	}
	if id.Compare(e.ShardAppliedBefore.Timestamp) < 0 {
		return ShardRedundant
	}
	if id.Compare(e.BootstrappedAt.Timestamp) < 0 {
		return PreBootstrap
	}
	if id.Compare(e.LocallyAppliedBefore.Timestamp) < 0 {
		return LocallyRedundant
	}
	return Live
}

// RedundantBefore is the per-store map of GC watermarks, one entry per owned
// (or previously owned) range.
type RedundantBefore struct {
	m rangemap.Map[RedundantBeforeEntry]
}

var EmptyRedundantBefore = RedundantBefore{}

func NewRedundantBefore(entries ...rangemap.Entry[RedundantBeforeEntry]) RedundantBefore {
	return RedundantBefore{m: rangemap.New(entries...)}
}

// MergeRedundantBefore combines two maps; commutative and idempotent.
func MergeRedundantBefore(a, b RedundantBefore) RedundantBefore {
	return RedundantBefore{m: rangemap.Merge(a.m, b.m, mergeRedundantEntry)}
}

func (r RedundantBefore) IsEmpty() bool { return r.m.IsEmpty() }

func (r RedundantBefore) ForEach(fn func(primitives.Range, RedundantBeforeEntry)) { r.m.ForEach(fn) }

// Status folds the status of id over the participants: the minimum status
// across intersecting ranges, with partial=true when the route spans ranges
// at different statuses.
func (r RedundantBefore) Status(id primitives.TxnId, p primitives.Participants) (RedundantStatus, bool) {
	min, max := GCBefore, NotOwned
	covered := false
	r.m.ForEachIntersecting(p.Covering(), func(_ primitives.Range, e RedundantBeforeEntry) {
		covered = true
		s := e.statusFor(id)
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	})
	if !covered {
		return NotOwned, false
	}
	return min, min != max
}

// ShardStatus is the status over everything this store owns.
func (r RedundantBefore) ShardStatus(id primitives.TxnId) RedundantStatus {
	min := GCBefore
	any := false
	r.m.ForEach(func(_ primitives.Range, e RedundantBeforeEntry) {
		any = true
		if s := e.statusFor(id); s < min {
			min = s
		}
	})
	if !any {
		return NotOwned
	}
	return min
}

// IsAnyAtLeast reports whether any range of the participants has reached the
// given status for id.
func (r RedundantBefore) IsAnyAtLeast(id primitives.TxnId, p primitives.Participants, atLeast RedundantStatus) bool {
	found := false
	r.m.ForEachIntersecting(p.Covering(), func(_ primitives.Range, e RedundantBeforeEntry) {
		if e.statusFor(id) >= atLeast {
			found = true
		}
	})
	return found
}

// MinShardRedundantBefore is the lowest shard-applied watermark across owned
// ranges; ids below it are redundant everywhere this store looks.
func (r RedundantBefore) MinShardRedundantBefore() primitives.TxnId {
	min := primitives.TxnId{Timestamp: primitives.TimestampMax}
	any := false
	r.m.ForEach(func(_ primitives.Range, e RedundantBeforeEntry) {
		any = true
		if e.ShardAppliedBefore.Compare(min.Timestamp) < 0 {
			min = e.ShardAppliedBefore
		}
	})
	if !any {
		return primitives.TxnIdZero
	}
	return min
}

// IsRedundant reports whether a dependency id need not be waited for at the
// given key: it is either pre-bootstrap or already applied everywhere locally
// relevant.
func (r RedundantBefore) IsRedundant(id primitives.TxnId, key primitives.Key) bool {
	e, ok := r.m.Get(key)
	if !ok {
		return false
	}
	s := e.statusFor(id)
	return s == PreBootstrap || s >= LocallyRedundant
}
