package local

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stonewhitener/cassandra-accord/primitives"
	"github.com/stonewhitener/cassandra-accord/util/rangemap"
)

func rbEntry(rng primitives.Range, e RedundantBeforeEntry) rangemap.Entry[RedundantBeforeEntry] {
	return rangemap.Entry[RedundantBeforeEntry]{Rng: rng, Value: e}
}

func TestRedundantStatusLattice(t *testing.T) {
	e := RedundantBeforeEntry{
		StartEpoch:           1,
		BootstrappedAt:       wid(10, 1),
		LocallyAppliedBefore: wid(30, 1),
		ShardAppliedBefore:   wid(5, 1),
		GCBefore:             wid(2, 1),
	}
	require.Equal(t, GCBefore, e.statusFor(wid(1, 1)))
	require.Equal(t, ShardRedundant, e.statusFor(wid(3, 1)))
	require.Equal(t, PreBootstrap, e.statusFor(wid(7, 2)))
	require.Equal(t, LocallyRedundant, e.statusFor(wid(25, 1)))
	require.Equal(t, Live, e.statusFor(wid(40, 1)))
}

func TestMergeRedundantBeforeIdempotentCommutative(t *testing.T) {
	a := NewRedundantBefore(rbEntry(kr("a", "m"), RedundantBeforeEntry{
		StartEpoch: 1, GCBefore: wid(10, 1), ShardAppliedBefore: wid(20, 1), LocallyAppliedBefore: wid(25, 1),
	}))
	b := NewRedundantBefore(rbEntry(kr("f", "z"), RedundantBeforeEntry{
		StartEpoch: 1, GCBefore: wid(15, 1), ShardAppliedBefore: wid(15, 1), LocallyAppliedBefore: wid(15, 1),
	}))

	ab := MergeRedundantBefore(a, b)
	ba := MergeRedundantBefore(b, a)
	idA, _ := ab.Status(wid(12, 1), primitives.KeyParticipants(primitives.Key("g")))
	idB, _ := ba.Status(wid(12, 1), primitives.KeyParticipants(primitives.Key("g")))
	require.Equal(t, idA, idB)

	// idempotent under the same inputs
	aa := MergeRedundantBefore(ab, ab)
	s1, _ := aa.Status(wid(12, 1), primitives.KeyParticipants(primitives.Key("g")))
	require.Equal(t, idA, s1)
}

func TestMergeTakesMaxWatermarks(t *testing.T) {
	a := NewRedundantBefore(rbEntry(kr("a", "z"), RedundantBeforeEntry{StartEpoch: 1, GCBefore: wid(10, 1)}))
	b := NewRedundantBefore(rbEntry(kr("a", "z"), RedundantBeforeEntry{StartEpoch: 1, GCBefore: wid(20, 1)}))
	m := MergeRedundantBefore(a, b)
	s, _ := m.Status(wid(15, 1), primitives.KeyParticipants(primitives.Key("c")))
	require.Equal(t, GCBefore, s)
}

func TestReAddedRangeSupersedesRetiredWatermarks(t *testing.T) {
	// the re-add resolves the remove/re-add ambiguity: a fresh StartEpoch
	// discards the retired incarnation's watermarks wholesale
	old := NewRedundantBefore(rbEntry(kr("a", "z"), RedundantBeforeEntry{
		StartEpoch: 1, Retired: true, GCBefore: wid(100, 1),
	}))
	fresh := NewRedundantBefore(rbEntry(kr("a", "z"), RedundantBeforeEntry{
		StartEpoch: 5, BootstrappedAt: wid(200, 1),
	}))
	m := MergeRedundantBefore(old, fresh)
	s, _ := m.Status(wid(150, 1), primitives.KeyParticipants(primitives.Key("c")))
	require.Equal(t, PreBootstrap, s)
	m2 := MergeRedundantBefore(fresh, old)
	s2, _ := m2.Status(wid(150, 1), primitives.KeyParticipants(primitives.Key("c")))
	require.Equal(t, s, s2)
}

func TestStatusPartial(t *testing.T) {
	m := NewRedundantBefore(
		rbEntry(kr("a", "m"), RedundantBeforeEntry{StartEpoch: 1, ShardAppliedBefore: wid(20, 1), LocallyAppliedBefore: wid(20, 1)}),
		rbEntry(kr("m", "z"), RedundantBeforeEntry{StartEpoch: 1}),
	)
	p := primitives.KeyParticipants(primitives.Key("c"), primitives.Key("p"))
	s, partial := m.Status(wid(10, 1), p)
	require.Equal(t, Live, s)
	require.True(t, partial)
}

func TestMinShardRedundantBefore(t *testing.T) {
	m := NewRedundantBefore(
		rbEntry(kr("a", "m"), RedundantBeforeEntry{StartEpoch: 1, ShardAppliedBefore: wid(20, 1)}),
		rbEntry(kr("m", "z"), RedundantBeforeEntry{StartEpoch: 1, ShardAppliedBefore: wid(10, 1)}),
	)
	require.Equal(t, wid(10, 1), m.MinShardRedundantBefore())
	require.Equal(t, primitives.TxnIdZero, EmptyRedundantBefore.MinShardRedundantBefore())
}

func TestDurableBeforeMin(t *testing.T) {
	d := NewDurableBefore(rangemap.Entry[DurableBeforeEntry]{
		Rng:   kr("a", "m"),
		Value: DurableBeforeEntry{MajorityBefore: wid(20, 1), UniversalBefore: wid(10, 1)},
	})
	p := primitives.KeyParticipants(primitives.Key("c"))
	require.Equal(t, primitives.UniversalOrInvalidated, d.Min(wid(5, 1), p))
	require.Equal(t, primitives.MajorityOrInvalidated, d.Min(wid(15, 1), p))
	require.Equal(t, primitives.NotDurable, d.Min(wid(25, 1), p))

	// uncovered participants count as not durable
	require.Equal(t, primitives.NotDurable, d.Min(wid(5, 1), primitives.KeyParticipants(primitives.Key("x"))))

	merged := MergeDurableBefore(d, NewDurableBefore(rangemap.Entry[DurableBeforeEntry]{
		Rng:   kr("a", "m"),
		Value: DurableBeforeEntry{MajorityBefore: wid(30, 1), UniversalBefore: wid(30, 1)},
	}))
	require.Equal(t, primitives.UniversalOrInvalidated, merged.Min(wid(25, 1), p))
}
