package local

import (
	"github.com/stonewhitener/cassandra-accord/primitives"
)

// Cleanup is the decision of how much of a command's state may be reclaimed
// given what is known about durability and range retirement. Decisions are
// filtered so that a command never regresses: a decision whose target state
// the command has already passed collapses to CleanupNo.
type Cleanup uint8

const (
	CleanupNo Cleanup = iota
	// CleanupExpungePartial: incomplete information and no outcome worth
	// keeping; erase all but the minimal marker.
	CleanupExpungePartial
	// CleanupTruncateWithOutcome: drop working state, keep the outcome.
	CleanupTruncateWithOutcome
	// CleanupTruncate: drop everything but the fact of application.
	CleanupTruncate
	// CleanupInvalidate: the command missed its window and can never commit.
	CleanupInvalidate
	// CleanupVestigial: the command can never matter here (range retired or
	// witnessed only transitively).
	CleanupVestigial
	// CleanupErase: remove all state.
	CleanupErase
	// CleanupExpunge: remove the record entirely.
	CleanupExpunge
)

var cleanupNames = [...]string{
	"NO", "EXPUNGE_PARTIAL", "TRUNCATE_WITH_OUTCOME", "TRUNCATE",
	"INVALIDATE", "VESTIGIAL", "ERASE", "EXPUNGE",
}

func (c Cleanup) String() string { return cleanupNames[c] }

// appliesIfNot is the status a command would be left in by the decision; if
// the command is already at or past it the decision must not apply.
func (c Cleanup) appliesIfNot() primitives.Status {
	switch c {
	case CleanupExpungePartial, CleanupTruncateWithOutcome, CleanupTruncate:
		return primitives.Truncated
	case CleanupInvalidate:
		return primitives.Invalidated
	case CleanupVestigial, CleanupErase, CleanupExpunge:
		return primitives.Truncated
	default:
		return primitives.NotDefined
	}
}

// Filter collapses the decision to CleanupNo when it would regress status.
func (c Cleanup) Filter(s primitives.Status) Cleanup {
	if c == CleanupNo {
		return c
	}
	if c == CleanupExpunge || c == CleanupErase {
		// full removal is always permitted once decided
		return c
	}
	if s.HasBeen(c.appliesIfNot()) {
		return CleanupNo
	}
	return c
}

// ShouldCleanup decides what may be reclaimed for the command. Rules apply
// in order; the first match wins, then the result is filtered against the
// current status.
func ShouldCleanup(id primitives.TxnId, status primitives.Status, durability primitives.Durability,
	participants StoreParticipants, redundantBefore RedundantBefore, durableBefore DurableBefore) Cleanup {
	return shouldCleanupInternal(id, status, durability, participants, redundantBefore, durableBefore).Filter(status)
}

func shouldCleanupInternal(id primitives.TxnId, status primitives.Status, durability primitives.Durability,
	participants StoreParticipants, redundantBefore RedundantBefore, durableBefore DurableBefore) Cleanup {

	// ephemeral reads are timer-driven; the standard rules never reclaim them
	if id.Kind() == primitives.KindEphemeralRead {
		return CleanupNo
	}

	if expunge(id, status, redundantBefore, durableBefore) {
		return CleanupExpunge
	}

	if !participants.HasFullRoute() {
		if !redundantBefore.IsAnyAtLeast(id, participants.Owns, GCBefore) {
			return cleanupIfUndecided(id, status, participants, redundantBefore)
		}
		// everything owned is past the GC line; only an outcome is worth
		// keeping
		switch {
		case status == primitives.Truncated || status == primitives.Invalidated:
			return CleanupNo
		case status.HasBeen(primitives.PreApplied):
			return CleanupTruncateWithOutcome
		default:
			return CleanupExpungePartial
		}
	}

	result := cleanupWithFullRoute(id, status, durability, participants, redundantBefore, durableBefore)
	if result == CleanupNo {
		return cleanupIfUndecided(id, status, participants, redundantBefore)
	}
	return result
}

func cleanupWithFullRoute(id primitives.TxnId, status primitives.Status, durability primitives.Durability,
	participants StoreParticipants, redundantBefore RedundantBefore, durableBefore DurableBefore) Cleanup {

	redundant, partial := redundantBefore.Status(id, participants.Route.Parts)
	switch redundant {
	case NotOwned, Live, PreBootstrap, LocallyRedundant:
		return CleanupNo

	case WasOwnedRetired:
		if partial && id.Is(primitives.KindExclusiveSyncPoint) {
			return CleanupNo
		}
		return CleanupVestigial

	case ShardRedundant:
		if partial {
			return CleanupNo
		}
		if status.HasBeen(primitives.PreCommitted) {
			executes, known := participants.StillExecutes()
			if known && executes.IsEmpty() && status.HasBeen(primitives.Stable) {
				test := primitives.MaxDurability(durability, durableBefore.Min(id, participants.Route.Parts))
				if test >= primitives.MajorityOrInvalidated {
					return CleanupTruncate
				}
			}
			return CleanupNo
		}
		return CleanupInvalidate

	case GCBefore:
		if !status.HasBeen(primitives.PreCommitted) {
			return CleanupInvalidate
		}
		test := primitives.MaxDurability(durability, durableBefore.Min(id, participants.Route.Parts))
		switch test {
		case primitives.NotDurable, primitives.DurableLocal, primitives.ShardUniversal:
			return CleanupTruncateWithOutcome
		case primitives.MajorityOrInvalidated, primitives.DurableMajority:
			return CleanupTruncate
		default:
			return CleanupErase
		}
	}
	return CleanupNo
}

// cleanupIfUndecided invalidates commands stranded below the shard-redundant
// watermark that never reached a decision.
func cleanupIfUndecided(id primitives.TxnId, status primitives.Status, participants StoreParticipants, redundantBefore RedundantBefore) Cleanup {
	if status.HasBeen(primitives.PreCommitted) {
		return CleanupNo
	}
	if redundantBefore.IsAnyAtLeast(id, participants.Owns, ShardRedundant) {
		return CleanupInvalidate
	}
	if status == primitives.NotDefined && id.Compare(redundantBefore.MinShardRedundantBefore().Timestamp) < 0 {
		return CleanupVestigial
	}
	return CleanupNo
}

func expunge(id primitives.TxnId, status primitives.Status, redundantBefore RedundantBefore, durableBefore DurableBefore) bool {
	if durableBefore.MinGlobal(id) != primitives.UniversalOrInvalidated {
		return false
	}
	if status == primitives.Invalidated {
		return true
	}
	return redundantBefore.ShardStatus(id) == GCBefore
}
