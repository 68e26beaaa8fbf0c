package local

import (
	"github.com/stonewhitener/cassandra-accord/primitives"
	"github.com/stonewhitener/cassandra-accord/util/rangemap"
)

// LatestDepsEntry is what one replica knows about a transaction's
// dependencies over one span of the key space: how decided that knowledge is,
// the ballot that installed it, the coordinator-proposed deps (if fixed or
// decided) and the replica's locally computed deps (if still proposable).
type LatestDepsEntry struct {
	Known       primitives.KnownDeps
	Ballot      primitives.Ballot
	Coordinated primitives.Deps
	Local       primitives.Deps
}

// LatestDeps is the merge target of recovery: per-range latest dependency
// knowledge across a quorum of replies.
type LatestDeps struct {
	m rangemap.Map[LatestDepsEntry]
}

var EmptyLatestDeps = LatestDeps{}

// NewLatestDeps records one replica's knowledge covering the given ranges.
func NewLatestDeps(covering primitives.Ranges, known primitives.KnownDeps, ballot primitives.Ballot, coordinated, localDeps primitives.Deps) LatestDeps {
	entries := make([]rangemap.Entry[LatestDepsEntry], 0, len(covering))
	for _, r := range covering {
		entries = append(entries, rangemap.Entry[LatestDepsEntry]{
			Rng: r,
			Value: LatestDepsEntry{
				Known:       known,
				Ballot:      ballot,
				Coordinated: coordinated.Slice(primitives.Ranges{r}),
				Local:       localDeps.Slice(primitives.Ranges{r}),
			},
		})
	}
	return LatestDeps{m: rangemap.New(entries...)}
}

func (l LatestDeps) IsEmpty() bool { return l.m.IsEmpty() }

func (l LatestDeps) ForEach(fn func(primitives.Range, LatestDepsEntry)) { l.m.ForEach(fn) }

// Covering returns the ranges for which any knowledge is recorded.
func (l LatestDeps) Covering() primitives.Ranges {
	rs := make(primitives.Ranges, 0, l.m.Len())
	l.m.ForEach(func(r primitives.Range, _ LatestDepsEntry) { rs = append(rs, r) })
	return primitives.NewRanges(rs...)
}

// mergeEntry picks the more decided of two overlapping entries; where both
// sides are still proposable the locally witnessed deps union so nothing is
// lost. The rule is commutative and associative, which is what makes
// recovery insensitive to reply arrival order.
func mergeEntry(a, b LatestDepsEntry) LatestDepsEntry {
	if a.Known != b.Known {
		if a.Known < b.Known {
			a, b = b, a
		}
		if a.Known.HasDecidedDeps() || a.Known == primitives.DepsProposedFixed {
			return a
		}
		a.Local = a.Local.With(b.Local)
		return a
	}
	if c := a.Ballot.CompareBallot(b.Ballot); c != 0 {
		if c < 0 {
			a, b = b, a
		}
		if a.Known == primitives.DepsProposed || a.Known == primitives.DepsUnknown {
			a.Local = a.Local.With(b.Local)
		}
		return a
	}
	// same knowledge at the same ballot: identical coordinated deps, union
	// the local views.
	a.Local = a.Local.With(b.Local)
	a.Coordinated = a.Coordinated.With(b.Coordinated)
	return a
}

func latestDepsEq(a, b LatestDepsEntry) bool {
	return a.Known == b.Known && a.Ballot == b.Ballot &&
		depsEqual(a.Coordinated, b.Coordinated) && depsEqual(a.Local, b.Local)
}

func depsEqual(a, b primitives.Deps) bool {
	ai, bi := a.TxnIds(), b.TxnIds()
	if len(ai) != len(bi) {
		return false
	}
	for i := range ai {
		if ai[i] != bi[i] {
			return false
		}
	}
	return true
}

// MergeLatestDeps combines two replies; commutative, associative, with
// EmptyLatestDeps as identity.
func MergeLatestDeps(a, b LatestDeps) LatestDeps {
	return LatestDeps{m: rangemap.Merge(a.m, b.m, mergeEntry)}
}

// MergeProposal flattens the merged map into the dependency proposal a
// recovery coordinator should carry into Accept: coordinated deps where the
// proposal was fixed or decided, unioned local deps otherwise.
func (l LatestDeps) MergeProposal() primitives.Deps {
	out := primitives.EmptyDeps
	l.m.ForEach(func(r primitives.Range, e LatestDepsEntry) {
		switch {
		case e.Known.HasDecidedDeps(), e.Known == primitives.DepsProposedFixed:
			out = out.With(e.Coordinated.Slice(primitives.Ranges{r}))
		default:
			out = out.With(e.Local.Slice(primitives.Ranges{r}))
		}
	})
	return out
}

// MergeCommit extracts already-decided dependencies. It returns the decided
// deps and the ranges for which the decision is sufficient; ranges with only
// proposed knowledge are excluded and must be re-proposed.
func (l LatestDeps) MergeCommit() (primitives.Deps, primitives.Ranges) {
	out := primitives.EmptyDeps
	var sufficient primitives.Ranges
	l.m.ForEach(func(r primitives.Range, e LatestDepsEntry) {
		if e.Known.HasDecidedDeps() {
			out = out.With(e.Coordinated.Slice(primitives.Ranges{r}))
			sufficient = append(sufficient, r)
		}
	})
	return out, primitives.NewRanges(sufficient...)
}

// MaxKnown returns the most decided knowledge present anywhere in the map.
func (l LatestDeps) MaxKnown() primitives.KnownDeps {
	max := primitives.DepsUnknown
	l.m.ForEach(func(_ primitives.Range, e LatestDepsEntry) {
		if e.Known != primitives.DepsErased && e.Known != primitives.NoDeps && e.Known > max {
			max = e.Known
		}
	})
	return max
}

// Normalize coalesces adjacent equal entries so merges performed in
// different orders compare equal.
func (l LatestDeps) Normalize() LatestDeps {
	return LatestDeps{m: l.m.Coalesce(latestDepsEq)}
}
