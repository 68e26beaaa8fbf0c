package primitives

// Phase represents how far coordination of a transaction has progressed.
// Phase order is the backbone of status monotonicity: a replica never moves
// a command backwards in phase, and within the Accept and Commit phases ties
// are broken by ballot.
type Phase uint8

const (
	PhaseNone Phase = iota
	PhasePreAccept
	PhaseAccept
	PhaseCommit
	PhaseExecute
	PhasePersist
	PhaseCleanup
	PhaseInvalidate
)

var phaseNames = [...]string{"None", "PreAccept", "Accept", "Commit", "Execute", "Persist", "Cleanup", "Invalidate"}

func (p Phase) String() string { return phaseNames[p] }

// TieBreakWithBallot reports whether two statuses in this phase are ordered
// by the ballot that installed them rather than by status alone.
func (p Phase) TieBreakWithBallot() bool { return p == PhaseAccept || p == PhaseCommit }

// Status is the per-replica state of a command.
type Status uint8

const (
	NotDefined Status = iota
	PreAccepted

	// PreNotAccepted and NotAccepted record a recovery coordinator's finding
	// that no Accept was reached; once durable at a quorum any in-flight
	// Accept from the original coordinator is defunct.
	PreNotAccepted
	NotAccepted
	AcceptedInvalidate

	AcceptedMedium
	AcceptedSlow

	// PreCommitted: executeAt is known but deps are not. Enough to exclude
	// this transaction from later dependency sets, not enough to execute it.
	PreCommitted

	Committed
	Stable
	PreApplied
	Applied
	Truncated
	Invalidated
)

var statusNames = [...]string{
	"NotDefined", "PreAccepted", "PreNotAccepted", "NotAccepted", "AcceptedInvalidate",
	"AcceptedMedium", "AcceptedSlow", "PreCommitted", "Committed", "Stable",
	"PreApplied", "Applied", "Truncated", "Invalidated",
}

func (s Status) String() string { return statusNames[s] }

var statusPhases = [...]Phase{
	NotDefined:         PhaseNone,
	PreAccepted:        PhasePreAccept,
	PreNotAccepted:     PhaseAccept,
	NotAccepted:        PhaseAccept,
	AcceptedInvalidate: PhaseAccept,
	AcceptedMedium:     PhaseAccept,
	AcceptedSlow:       PhaseAccept,
	PreCommitted:       PhaseAccept,
	Committed:          PhaseCommit,
	Stable:             PhaseExecute,
	PreApplied:         PhasePersist,
	Applied:            PhasePersist,
	Truncated:          PhaseCleanup,
	Invalidated:        PhaseInvalidate,
}

func (s Status) Phase() Phase { return statusPhases[s] }

// HasBeen reports whether s is at least as advanced as o in declaration order.
func (s Status) HasBeen(o Status) bool { return s >= o }

func (s Status) IsDecided() bool {
	return s == PreCommitted || s.Phase() >= PhaseCommit
}

func (s Status) IsCommitted() bool { return s >= Committed && s != Truncated && s != Invalidated }

// CompareStatus orders (status, ballot) pairs the way recovery must: first by
// phase, then by ballot where the phase says so, then by status.
func CompareStatus(a Status, aBallot Ballot, b Status, bBallot Ballot) int {
	pa, pb := a.Phase(), b.Phase()
	if pa != pb {
		if pa < pb {
			return -1
		}
		return 1
	}
	if pa.TieBreakWithBallot() {
		if c := aBallot.CompareBallot(bBallot); c != 0 {
			return c
		}
	}
	if a != b {
		if a < b {
			return -1
		}
		return 1
	}
	return 0
}

// Durability tracks how widely a command's outcome is known persisted.
type Durability uint8

const (
	NotDurable Durability = iota
	DurableLocal
	ShardUniversal
	MajorityOrInvalidated
	DurableMajority
	UniversalOrInvalidated
	DurableUniversal
)

var durabilityNames = [...]string{
	"NotDurable", "Local", "ShardUniversal", "MajorityOrInvalidated",
	"Majority", "UniversalOrInvalidated", "Universal",
}

func (d Durability) String() string { return durabilityNames[d] }

func (d Durability) IsDurable() bool {
	return d == DurableMajority || d == DurableUniversal
}

func (d Durability) IsDurableOrInvalidated() bool { return d >= MajorityOrInvalidated }

// MergeDurability combines two views of the same command's durability.
// A higher view wins, with three exceptions: an OrInvalidated qualifier is
// dropped once any view proves the command applied; ShardUniversal merged
// with Local yields Local; and NotDurable merged with anything below
// MajorityOrInvalidated yields NotDurable.
func MergeDurability(a, b Durability) Durability {
	if a < b {
		a, b = b, a
	}
	if a == UniversalOrInvalidated && (b == DurableMajority || b == ShardUniversal || b == DurableLocal) {
		a = DurableUniversal
	}
	if a == ShardUniversal && (b == DurableLocal || b == NotDurable) {
		a = DurableLocal
	}
	if b == NotDurable && a < MajorityOrInvalidated {
		a = NotDurable
	}
	return a
}

// MergeDurabilityAtLeast is the monotone variant used when applying remote
// knowledge: it never lowers the local view.
func MergeDurabilityAtLeast(a, b Durability) Durability {
	if a < b {
		a, b = b, a
	}
	if a == UniversalOrInvalidated && (b == DurableMajority || b == ShardUniversal || b == DurableLocal) {
		a = DurableUniversal
	}
	return a
}

func MaxDurability(a, b Durability) Durability {
	if a >= b {
		return a
	}
	return b
}

// KnownDeps is the lattice of how much of a transaction's dependency set a
// replica (or a recovery merge) knows. The order matters: recovery picks the
// highest element per range.
type KnownDeps uint8

const (
	DepsUnknown KnownDeps = iota
	// DepsProposed: deps collected during PreAccept or slow Accept; unions
	// across replicas are meaningful.
	DepsProposed
	// DepsProposedFixed: a medium-path Accept fixed the proposal; take it
	// verbatim, do not union.
	DepsProposedFixed
	DepsCommitted
	DepsKnown
	NoDeps
	DepsErased
)

var knownDepsNames = [...]string{
	"DepsUnknown", "DepsProposed", "DepsProposedFixed", "DepsCommitted", "DepsKnown", "NoDeps", "DepsErased",
}

func (k KnownDeps) String() string { return knownDepsNames[k] }

func (k KnownDeps) HasProposedOrDecidedDeps() bool {
	return k == DepsProposed || k == DepsProposedFixed || k == DepsCommitted || k == DepsKnown
}

func (k KnownDeps) HasDecidedDeps() bool { return k == DepsCommitted || k == DepsKnown }

// KnownDepsFor maps a status to the deps knowledge it carries.
func KnownDepsFor(s Status) KnownDeps {
	switch s {
	case AcceptedSlow:
		return DepsProposed
	case AcceptedMedium:
		return DepsProposedFixed
	case Committed:
		return DepsCommitted
	case Stable, PreApplied, Applied:
		return DepsKnown
	case Invalidated:
		return NoDeps
	case Truncated:
		return DepsErased
	case PreAccepted:
		return DepsProposed
	default:
		return DepsUnknown
	}
}
