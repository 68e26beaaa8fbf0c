package local

import (
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/stonewhitener/cassandra-accord/primitives"
)

// This file holds the replica-side transition entry points: each takes the
// scoped store handle, validates against the command's current state, applies
// the transition, and keeps the per-key summaries in step.

// PreAcceptResult carries the replica's vote back to the coordinator.
type PreAcceptResult struct {
	Outcome   AcceptOutcome
	Witnessed primitives.Ballot
	ExecuteAt primitives.Timestamp
	Deps      primitives.Deps
}

// PreAccept witnesses the transaction: the local execution timestamp is the
// id itself unless a conflicting transaction already claimed it, and the
// local dependencies are every conflicting transaction before it on owned
// keys. The fast-path vote is executeAt == txnId.
func PreAccept(s *SafeStore, id primitives.TxnId, txn primitives.Txn, route primitives.Route) PreAcceptResult {
	c := s.Command(id)
	participants := s.StoreParticipantsFor(id, route)

	if c.HasBeen(primitives.PreAccepted) {
		// replay: return what we previously decided
		if c.Status == primitives.Truncated {
			return PreAcceptResult{Outcome: AcceptTruncated}
		}
		return PreAcceptResult{Outcome: AcceptOK, Witnessed: c.Promised, ExecuteAt: c.ExecuteAtOrTxnId(), Deps: c.PartialDeps}
	}

	executeAt := id.AsTimestamp()
	b := primitives.NewKeyDepsBuilder()
	for _, k := range participants.Owns.Keys {
		cfk := s.CommandsForKey(k)
		if max := cfk.MaxConflict(id.Kind()); !max.Less(executeAt) {
			executeAt = max.Next(s.NodeID()).WithEpoch(maxEpochOf(id.Epoch, max.Epoch))
		}
		for _, dep := range cfk.CalculateDeps(id, id.Kind()) {
			b.Add(k, dep)
		}
	}
	// range transactions (sync points) witness everything inside their
	// ranges
	rb := primitives.NewRangeDepsBuilder()
	for _, rng := range participants.Owns.Ranges {
		s.ForEachCommandsForKeyIn(rng, func(cfk *CommandsForKey) {
			if max := cfk.MaxConflict(id.Kind()); !max.Less(executeAt) {
				executeAt = max.Next(s.NodeID()).WithEpoch(maxEpochOf(id.Epoch, max.Epoch))
			}
			for _, dep := range cfk.CalculateDeps(id, id.Kind()) {
				rb.Add(rng, dep)
			}
		})
	}
	deps := primitives.Deps{Key: b.Build(), Rng: rb.Build()}

	outcome := c.preacceptInternal(primitives.ZeroBallot, txn, route, participants, executeAt, deps)
	if outcome != AcceptOK {
		return PreAcceptResult{Outcome: outcome}
	}
	s.updateCFK(c)
	s.markDirty(c)
	return PreAcceptResult{Outcome: AcceptOK, Witnessed: c.Promised, ExecuteAt: executeAt, Deps: deps}
}

func maxEpochOf(a, b uint64) uint64 {
	if a >= b {
		return a
	}
	return b
}

// AcceptResult is the replica's answer to an Accept proposal.
type AcceptResult struct {
	Outcome  AcceptOutcome
	Promised primitives.Ballot
	Deps     primitives.Deps
}

// Accept applies an Accept-phase proposal. The slow path lets the replica
// add conflicts witnessed since PreAccept (anything at or below the proposed
// executeAt); the medium path fixes the proposal as-is.
func Accept(s *SafeStore, id primitives.TxnId, ballot primitives.Ballot, kind AcceptKind,
	executeAt primitives.Timestamp, proposed primitives.Deps, route primitives.Route) AcceptResult {
	c := s.Command(id)
	participants := s.StoreParticipantsFor(id, route)

	deps := proposed
	if kind == AcceptSlow {
		b := primitives.NewKeyDepsBuilder()
		for _, k := range participants.Owns.Keys {
			cfk := s.CommandsForKey(k)
			for _, dep := range cfk.CalculateDeps(primitives.TxnId{Timestamp: executeAt}, id.Kind()) {
				if dep != id {
					b.Add(k, dep)
				}
			}
		}
		rb := primitives.NewRangeDepsBuilder()
		for _, rng := range participants.Owns.Ranges {
			s.ForEachCommandsForKeyIn(rng, func(cfk *CommandsForKey) {
				for _, dep := range cfk.CalculateDeps(primitives.TxnId{Timestamp: executeAt}, id.Kind()) {
					if dep != id {
						rb.Add(rng, dep)
					}
				}
			})
		}
		deps = proposed.With(primitives.Deps{Key: b.Build(), Rng: rb.Build()})
	}

	outcome := c.accept(ballot, kind, executeAt, deps, route, participants)
	if outcome != AcceptOK {
		return AcceptResult{Outcome: outcome, Promised: c.Promised}
	}
	s.updateCFK(c)
	s.markDirty(c)
	return AcceptResult{Outcome: AcceptOK, Promised: c.Promised, Deps: c.PartialDeps}
}

// NotAccept applies a recovery coordinator's PreNotAccepted/NotAccepted
// finding.
func NotAccept(s *SafeStore, id primitives.TxnId, status primitives.Status, ballot primitives.Ballot) AcceptOutcome {
	c := s.Command(id)
	outcome := c.notAccept(status, ballot)
	if outcome == AcceptOK {
		s.markDirty(c)
	}
	return outcome
}

// PreCommit records executeAt without dependencies.
func PreCommit(s *SafeStore, id primitives.TxnId, executeAt primitives.Timestamp) AcceptOutcome {
	c := s.Command(id)
	outcome := c.preCommit(executeAt)
	if outcome == AcceptOK {
		s.updateCFK(c)
		s.markDirty(c)
		s.notifyCommitted(c)
	}
	return outcome
}

// Commit installs the decided executeAt and (possibly still incomplete for
// execution) deps.
func Commit(s *SafeStore, id primitives.TxnId, ballot primitives.Ballot, executeAt primitives.Timestamp,
	deps primitives.Deps, txn primitives.Txn, route primitives.Route) AcceptOutcome {
	c := s.Command(id)
	participants := s.StoreParticipantsFor(id, route)
	outcome := c.commit(ballot, executeAt, deps, txn, route, participants)
	if outcome == AcceptOK {
		s.updateCFK(c)
		s.markDirty(c)
		s.notifyCommitted(c)
	}
	return outcome
}

// Stabilize fixes the final dependency set and computes what this store must
// wait for before the command may execute locally.
func Stabilize(s *SafeStore, id primitives.TxnId, ballot primitives.Ballot, executeAt primitives.Timestamp,
	deps primitives.Deps, txn primitives.Txn, route primitives.Route) AcceptOutcome {
	c := s.Command(id)
	participants := s.StoreParticipantsFor(id, route)
	executes := route.Parts.Slice(s.RangesAt(executeAt.Epoch))
	participants = participants.WithExecutes(executes)

	rb := s.RedundantBefore()
	waitingOn := NewWaitingOn(deps, executes, func(dep primitives.TxnId) bool {
		st := rb.ShardStatus(dep)
		return st == PreBootstrap || st >= LocallyRedundant
	})

	outcome := c.stabilize(ballot, executeAt, deps, txn, route, participants, waitingOn)
	if outcome != AcceptOK {
		return outcome
	}
	s.registerWaiting(c)
	s.updateCFK(c)
	s.markDirty(c)
	s.notifyCommitted(c)
	log.Debug("command stable",
		zap.Int("store", s.StoreID()),
		zap.Stringer("txn", id),
		zap.Stringer("executeAt", executeAt),
		zap.Int("waitingOn", c.WaitingOn.Remaining()))
	return AcceptOK
}

// ApplyOutcome records the transaction's writes and result; the command
// becomes Applied once its dependencies drain, at which point the writes are
// made visible to the data store by the caller.
func ApplyOutcome(s *SafeStore, id primitives.TxnId, ballot primitives.Ballot, executeAt primitives.Timestamp,
	deps primitives.Deps, txn primitives.Txn, route primitives.Route,
	writes primitives.Writes, result primitives.Result) AcceptOutcome {
	c := s.Command(id)
	if !c.HasBeen(primitives.Stable) {
		// Apply implies Stable; install the dependency state first.
		if out := Stabilize(s, id, ballot, executeAt, deps, txn, route); out != AcceptOK {
			return out
		}
	}
	outcome := c.preApplied(writes, result)
	if outcome != AcceptOK {
		return outcome
	}
	s.markDirty(c)
	s.maybeApply(c)
	return AcceptOK
}

// Invalidate terminates the transaction without an outcome.
func Invalidate(s *SafeStore, id primitives.TxnId) AcceptOutcome {
	c := s.Command(id)
	outcome := c.invalidate()
	if outcome != AcceptOK {
		return outcome
	}
	s.updateCFK(c)
	s.markDirty(c)
	s.notifyWaiters(id)
	return AcceptOK
}

// SetDurability merges durability knowledge for the command.
func SetDurability(s *SafeStore, id primitives.TxnId, d primitives.Durability) {
	c := s.Command(id)
	c.setDurability(d)
	s.markDirty(c)
}

// ApplyCleanup executes a cleanup decision against the command.
func ApplyCleanup(s *SafeStore, c *Command, decision Cleanup) {
	switch decision {
	case CleanupNo:
	case CleanupInvalidate:
		Invalidate(s, c.TxnId)
	case CleanupTruncateWithOutcome, CleanupExpungePartial:
		c.truncate(true)
		s.markDirty(c)
		s.notifyWaiters(c.TxnId)
	case CleanupTruncate, CleanupVestigial:
		c.truncate(false)
		s.markDirty(c)
		s.notifyWaiters(c.TxnId)
	case CleanupErase, CleanupExpunge:
		s.notifyWaiters(c.TxnId)
		s.Erase(c)
	}
}
