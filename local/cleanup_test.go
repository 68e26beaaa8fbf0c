package local

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stonewhitener/cassandra-accord/primitives"
	"github.com/stonewhitener/cassandra-accord/util/rangemap"
)

func fullRouteParticipants(keys ...string) StoreParticipants {
	var ks []primitives.Key
	for _, k := range keys {
		ks = append(ks, primitives.Key(k))
	}
	parts := primitives.KeyParticipants(ks...)
	return StoreParticipants{
		Route: primitives.NewFullRoute(ks[0], parts),
		Owns:  parts, Touches: parts,
	}
}

func gcBeforeAll(id primitives.TxnId) RedundantBefore {
	return NewRedundantBefore(rbEntry(kr("", ""), RedundantBeforeEntry{
		StartEpoch:           1,
		GCBefore:             id,
		ShardAppliedBefore:   id,
		LocallyAppliedBefore: id,
	}))
}

func universalBefore(id primitives.TxnId) DurableBefore {
	return NewDurableBefore(rangemap.Entry[DurableBeforeEntry]{
		Rng:   kr("", ""),
		Value: DurableBeforeEntry{MajorityBefore: id, UniversalBefore: id},
	})
}

func TestCleanupEphemeralReadAlwaysNo(t *testing.T) {
	id := primitives.NewTxnId(1, 5, primitives.KindEphemeralRead, primitives.DomainKey, 1)
	got := ShouldCleanup(id, primitives.PreAccepted, primitives.NotDurable,
		fullRouteParticipants("k"), gcBeforeAll(wid(100, 1)), universalBefore(wid(100, 1)))
	require.Equal(t, CleanupNo, got)
}

func TestCleanupExpunge(t *testing.T) {
	// universally durable below the watermark and shard GC'd: remove entirely
	id := wid(5, 1)
	got := ShouldCleanup(id, primitives.Applied, primitives.DurableUniversal,
		fullRouteParticipants("k"), gcBeforeAll(wid(100, 1)), universalBefore(wid(100, 1)))
	require.Equal(t, CleanupExpunge, got)

	// invalidated commands expunge under a universal watermark too
	got = ShouldCleanup(id, primitives.Invalidated, primitives.NotDurable,
		fullRouteParticipants("k"), EmptyRedundantBefore, universalBefore(wid(100, 1)))
	require.Equal(t, CleanupExpunge, got)
}

func TestCleanupLiveIsNo(t *testing.T) {
	id := wid(50, 1)
	got := ShouldCleanup(id, primitives.Stable, primitives.NotDurable,
		fullRouteParticipants("k"), gcBeforeAll(wid(10, 1)), EmptyDurableBefore)
	require.Equal(t, CleanupNo, got)
}

func TestCleanupGCBeforeByDurability(t *testing.T) {
	id := wid(5, 1)
	rb := gcBeforeAll(wid(100, 1))

	// below GC line, not universally durable: keep only the outcome
	got := ShouldCleanup(id, primitives.Applied, primitives.DurableLocal,
		fullRouteParticipants("k"), rb, EmptyDurableBefore)
	require.Equal(t, CleanupTruncateWithOutcome, got)

	got = ShouldCleanup(id, primitives.Applied, primitives.DurableMajority,
		fullRouteParticipants("k"), rb, EmptyDurableBefore)
	require.Equal(t, CleanupTruncate, got)

	got = ShouldCleanup(id, primitives.Applied, primitives.DurableUniversal,
		fullRouteParticipants("k"), rb, EmptyDurableBefore)
	require.Equal(t, CleanupErase, got)
}

func TestCleanupInvalidateUndecided(t *testing.T) {
	// an undecided command below the GC line missed its window
	id := wid(5, 1)
	got := ShouldCleanup(id, primitives.PreAccepted, primitives.NotDurable,
		fullRouteParticipants("k"), gcBeforeAll(wid(100, 1)), EmptyDurableBefore)
	require.Equal(t, CleanupInvalidate, got)
}

func TestCleanupRetiredRangeVestigial(t *testing.T) {
	id := wid(5, 1)
	rb := NewRedundantBefore(rbEntry(kr("", ""), RedundantBeforeEntry{StartEpoch: 1, Retired: true}))
	got := ShouldCleanup(id, primitives.Committed, primitives.NotDurable,
		fullRouteParticipants("k"), rb, EmptyDurableBefore)
	require.Equal(t, CleanupVestigial, got)
}

func TestCleanupFilterNeverRegresses(t *testing.T) {
	// a decision whose target the command already passed collapses to NO
	require.Equal(t, CleanupNo, CleanupInvalidate.Filter(primitives.Invalidated))
	require.Equal(t, CleanupNo, CleanupTruncateWithOutcome.Filter(primitives.Truncated))
	require.Equal(t, CleanupInvalidate, CleanupInvalidate.Filter(primitives.PreAccepted))
	// full removal is always permitted
	require.Equal(t, CleanupExpunge, CleanupExpunge.Filter(primitives.Applied))
}

func TestCleanupNoFullRoutePartialExpunge(t *testing.T) {
	id := wid(5, 1)
	parts := StoreParticipants{
		Route: primitives.Route{Home: primitives.Key("k"), Parts: primitives.KeyParticipants(primitives.Key("k")),
			Covering: primitives.NewRanges(kr("a", "z"))},
		Owns: primitives.KeyParticipants(primitives.Key("k")),
	}
	got := ShouldCleanup(id, primitives.PreAccepted, primitives.NotDurable,
		parts, gcBeforeAll(wid(100, 1)), EmptyDurableBefore)
	require.Equal(t, CleanupExpungePartial, got)

	got = ShouldCleanup(id, primitives.Applied, primitives.NotDurable,
		parts, gcBeforeAll(wid(100, 1)), EmptyDurableBefore)
	require.Equal(t, CleanupTruncateWithOutcome, got)
}
