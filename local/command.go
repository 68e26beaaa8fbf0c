package local

import (
	"fmt"

	"github.com/stonewhitener/cassandra-accord/primitives"
)

// Command is the per-replica record of one transaction. A command is created
// uninitialised by the first message that names its id and only ever moves
// forward in phase; it is destroyed only by a Cleanup decision.
type Command struct {
	TxnId primitives.TxnId

	Status     primitives.Status
	Durability primitives.Durability

	Promised primitives.Ballot
	// Accepted is only set by Accept-phase transitions.
	Accepted primitives.Ballot

	// ExecuteAt is set at PreCommitted or later; until then the id itself is
	// the tentative execution timestamp.
	ExecuteAt primitives.Timestamp

	PartialTxn  primitives.Txn
	PartialDeps primitives.Deps

	Participants StoreParticipants

	WaitingOn *WaitingOn

	Writes primitives.Writes
	Result primitives.Result

	// hasResult records an applied outcome even after truncation drops the
	// rest of the state.
	hasResult bool
}

func newCommand(id primitives.TxnId) *Command {
	return &Command{TxnId: id, Status: primitives.NotDefined}
}

func (c *Command) Phase() primitives.Phase { return c.Status.Phase() }

func (c *Command) HasBeen(s primitives.Status) bool { return c.Status.HasBeen(s) }

func (c *Command) IsDecided() bool { return c.Status.IsDecided() }

// ExecuteAtOrTxnId returns the best known execution timestamp.
func (c *Command) ExecuteAtOrTxnId() primitives.Timestamp {
	if c.ExecuteAt.IsZero() {
		return c.TxnId.Timestamp
	}
	return c.ExecuteAt
}

func (c *Command) HasResult() bool { return c.hasResult }

func (c *Command) String() string {
	return fmt.Sprintf("cmd{%s %s executeAt:%s promised:%s}", c.TxnId, c.Status, c.ExecuteAt, c.Promised)
}

// AcceptOutcome classifies a replica-side transition attempt.
type AcceptOutcome uint8

const (
	// AcceptOK: the transition applied (or re-applied idempotently).
	AcceptOK AcceptOutcome = iota
	// AcceptRejectBallot: a higher promise exists; the caller loses.
	AcceptRejectBallot
	// AcceptRedundant: the command is already decided past this transition.
	AcceptRedundant
	// AcceptInsufficient: this replica lacks state the transition requires.
	AcceptInsufficient
	// AcceptTruncated: the state needed was erased by cleanup.
	AcceptTruncated
)

func (o AcceptOutcome) String() string {
	switch o {
	case AcceptOK:
		return "OK"
	case AcceptRejectBallot:
		return "RejectBallot"
	case AcceptRedundant:
		return "Redundant"
	case AcceptInsufficient:
		return "Insufficient"
	case AcceptTruncated:
		return "Truncated"
	}
	return "?"
}

// supplement merges incoming knowledge that is safe to absorb regardless of
// whether the transition itself applies.
func (c *Command) supplement(txn primitives.Txn, route primitives.Route, participants StoreParticipants) {
	c.PartialTxn = c.PartialTxn.Merge(txn)
	participants.Route = participants.Route.Supplement(route)
	c.Participants = c.Participants.Supplement(participants)
}

// AcceptKind selects the Accept-phase variant.
type AcceptKind uint8

const (
	AcceptMedium AcceptKind = iota
	AcceptSlow
	AcceptInvalidate
)

// preacceptInternal transitions NotDefined -> PreAccepted. executeAt is the
// locally computed earliest timestamp (max of txnId and local conflicts).
func (c *Command) preacceptInternal(ballot primitives.Ballot, txn primitives.Txn, route primitives.Route, participants StoreParticipants, executeAt primitives.Timestamp, deps primitives.Deps) AcceptOutcome {
	if ballot.CompareBallot(c.Promised) < 0 {
		return AcceptRejectBallot
	}
	if c.Status == primitives.Truncated {
		return AcceptTruncated
	}
	c.supplement(txn, route, participants)
	c.Promised = primitives.MaxBallot(c.Promised, ballot)
	if c.HasBeen(primitives.PreAccepted) {
		// already further along; knowledge was supplemented above.
		return AcceptOK
	}
	c.Status = primitives.PreAccepted
	c.ExecuteAt = executeAt
	c.PartialDeps = deps
	return AcceptOK
}

// accept applies an Accept-phase proposal.
func (c *Command) accept(ballot primitives.Ballot, kind AcceptKind, executeAt primitives.Timestamp, deps primitives.Deps, route primitives.Route, participants StoreParticipants) AcceptOutcome {
	if ballot.CompareBallot(c.Promised) < 0 {
		return AcceptRejectBallot
	}
	if c.Status == primitives.Truncated {
		return AcceptTruncated
	}
	if c.HasBeen(primitives.PreCommitted) {
		return AcceptRedundant
	}
	c.supplement(primitives.Txn{Kind: c.TxnId.Kind()}, route, participants)
	c.Promised = primitives.MaxBallot(c.Promised, ballot)
	c.Accepted = ballot
	switch kind {
	case AcceptMedium:
		c.Status = primitives.AcceptedMedium
		c.ExecuteAt = executeAt
		c.PartialDeps = deps
	case AcceptSlow:
		c.Status = primitives.AcceptedSlow
		c.ExecuteAt = executeAt
		c.PartialDeps = deps
	case AcceptInvalidate:
		c.Status = primitives.AcceptedInvalidate
	}
	return AcceptOK
}

// notAccept records a recovery coordinator's finding that no Accept was
// reached: PreNotAccepted then NotAccepted under the same ballot, never
// moving backwards.
func (c *Command) notAccept(status primitives.Status, ballot primitives.Ballot) AcceptOutcome {
	if ballot.CompareBallot(c.Promised) < 0 {
		return AcceptRejectBallot
	}
	if c.HasBeen(primitives.PreCommitted) {
		return AcceptRedundant
	}
	if ballot.CompareBallot(c.Promised) == 0 && c.Status >= status && c.Status.Phase() == primitives.PhaseAccept {
		// equal ballot may not move the status backwards
		return AcceptOK
	}
	c.Promised = ballot
	c.Status = status
	return AcceptOK
}

// preCommit learns executeAt without dependencies: enough to exclude the
// transaction from later dependency sets.
func (c *Command) preCommit(executeAt primitives.Timestamp) AcceptOutcome {
	if c.HasBeen(primitives.PreCommitted) {
		if c.HasBeen(primitives.Committed) || c.ExecuteAt.Equals(executeAt) {
			return AcceptOK
		}
	}
	if c.Status == primitives.Truncated || c.Status == primitives.Invalidated {
		return AcceptRedundant
	}
	if !c.HasBeen(primitives.PreCommitted) {
		c.Status = primitives.PreCommitted
	}
	c.ExecuteAt = executeAt
	return AcceptOK
}

// commit installs the decided executeAt and deps.
func (c *Command) commit(ballot primitives.Ballot, executeAt primitives.Timestamp, deps primitives.Deps, txn primitives.Txn, route primitives.Route, participants StoreParticipants) AcceptOutcome {
	if c.Status == primitives.Invalidated {
		return AcceptRedundant
	}
	if c.Status == primitives.Truncated {
		return AcceptTruncated
	}
	if c.HasBeen(primitives.Committed) {
		c.supplement(txn, route, participants)
		return AcceptOK
	}
	if ballot.CompareBallot(c.Promised) < 0 {
		return AcceptRejectBallot
	}
	c.supplement(txn, route, participants)
	c.Promised = primitives.MaxBallot(c.Promised, ballot)
	c.Status = primitives.Committed
	c.ExecuteAt = executeAt
	c.PartialDeps = deps
	return AcceptOK
}

// stabilize installs the final dependency set; the command becomes eligible
// for execution once its waiting-on set clears.
func (c *Command) stabilize(ballot primitives.Ballot, executeAt primitives.Timestamp, deps primitives.Deps, txn primitives.Txn, route primitives.Route, participants StoreParticipants, waitingOn *WaitingOn) AcceptOutcome {
	if c.Status == primitives.Invalidated {
		return AcceptRedundant
	}
	if c.Status == primitives.Truncated {
		return AcceptTruncated
	}
	if c.HasBeen(primitives.Stable) {
		c.supplement(txn, route, participants)
		return AcceptOK
	}
	if ballot.CompareBallot(c.Promised) < 0 {
		return AcceptRejectBallot
	}
	c.supplement(txn, route, participants)
	c.Promised = primitives.MaxBallot(c.Promised, ballot)
	c.Status = primitives.Stable
	c.ExecuteAt = executeAt
	c.PartialDeps = deps
	c.WaitingOn = waitingOn
	return AcceptOK
}

// preApplied records the outcome before dependencies have locally cleared.
func (c *Command) preApplied(writes primitives.Writes, result primitives.Result) AcceptOutcome {
	if c.HasBeen(primitives.PreApplied) {
		return AcceptOK
	}
	if c.Status == primitives.Invalidated || c.Status == primitives.Truncated {
		return AcceptRedundant
	}
	c.Status = primitives.PreApplied
	c.Writes = writes
	c.Result = result
	c.hasResult = true
	return AcceptOK
}

// applied marks the command executed locally.
func (c *Command) applied() AcceptOutcome {
	if c.HasBeen(primitives.Applied) {
		return AcceptOK
	}
	if c.Status == primitives.Invalidated || c.Status == primitives.Truncated {
		return AcceptRedundant
	}
	c.Status = primitives.Applied
	return AcceptOK
}

// invalidate is terminal: the transaction will never commit.
func (c *Command) invalidate() AcceptOutcome {
	if c.Status == primitives.Invalidated {
		return AcceptOK
	}
	if c.HasBeen(primitives.PreCommitted) && c.Status != primitives.Truncated {
		return AcceptRedundant
	}
	c.Status = primitives.Invalidated
	c.WaitingOn = nil
	return AcceptOK
}

// truncate applies a cleanup decision's target state.
func (c *Command) truncate(keepOutcome bool) {
	if !keepOutcome {
		c.Writes = primitives.Writes{}
		c.Result = nil
		c.hasResult = false
	}
	c.PartialTxn = primitives.Txn{Kind: c.TxnId.Kind()}
	c.PartialDeps = primitives.EmptyDeps
	c.WaitingOn = nil
	if c.Status != primitives.Invalidated {
		c.Status = primitives.Truncated
	}
}

// setDurability merges remote durability knowledge monotonically.
func (c *Command) setDurability(d primitives.Durability) {
	c.Durability = primitives.MergeDurabilityAtLeast(c.Durability, d)
}
