package primitives

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeysAlgebra(t *testing.T) {
	a := NewKeys(k("a"), k("c"), k("e"))
	b := NewKeys(k("b"), k("c"), k("d"))

	require.Equal(t, NewKeys(k("a"), k("b"), k("c"), k("d"), k("e")), a.Union(b))
	require.Equal(t, NewKeys(k("a"), k("e")), a.Without(b))
	require.Equal(t, NewKeys(k("c")), a.Intersect(b))
	require.Equal(t, NewKeys(k("c"), k("e")), a.Slice(NewRanges(NewRange(k("b"), k("f")))))
	require.True(t, a.IntersectsRanges(NewRanges(NewRange(k("d"), k("f")))))
	require.False(t, a.IntersectsRanges(NewRanges(NewRange(k("f"), k("g")))))
}

func TestRangesNormalize(t *testing.T) {
	rs := NewRanges(NewRange(k("d"), k("f")), NewRange(k("a"), k("c")), NewRange(k("b"), k("d")))
	require.Equal(t, NewRanges(NewRange(k("a"), k("f"))), rs)
}

func TestRangesWithout(t *testing.T) {
	rs := NewRanges(NewRange(k("a"), k("z")))
	cut := rs.Without(NewRanges(NewRange(k("f"), k("m"))))
	require.Equal(t, NewRanges(NewRange(k("a"), k("f")), NewRange(k("m"), k("z"))), cut)
	require.False(t, cut.Contains(k("g")))
	require.True(t, cut.Contains(k("m")))

	// unbounded end
	open := NewRanges(NewRange(k("a"), nil))
	rest := open.Without(NewRanges(NewRange(k("c"), k("d"))))
	require.True(t, rest.Contains(k("b")))
	require.False(t, rest.Contains(k("c")))
	require.True(t, rest.Contains(k("zzz")))
}

func TestRangesSliceIntersect(t *testing.T) {
	a := NewRanges(NewRange(k("a"), k("m")))
	b := NewRanges(NewRange(k("f"), k("z")))
	require.Equal(t, NewRanges(NewRange(k("f"), k("m"))), a.Slice(b))
	require.True(t, a.Intersects(b))
	require.True(t, a.ContainsAll(NewRanges(NewRange(k("b"), k("c")))))
	require.False(t, a.ContainsAll(b))
}

func TestRouteSupplement(t *testing.T) {
	full := NewFullRoute(k("h"), KeyParticipants(k("a"), k("h"), k("p")))
	part1 := full.Slice(NewRanges(NewRange(k("a"), k("j"))))
	part2 := full.Slice(NewRanges(NewRange(k("j"), nil)))

	require.False(t, part1.IsFull())
	require.True(t, part1.Parts.Contains(k("h")))
	require.False(t, part1.Parts.Contains(k("p")))

	merged := part1.Supplement(part2)
	require.True(t, merged.Parts.Contains(k("p")))
	require.True(t, merged.Covers(NewRanges(NewRange(k("b"), k("k")))))

	// a full route subsumes partial knowledge
	require.True(t, part1.Supplement(full).IsFull())
}

func TestTimestampOrder(t *testing.T) {
	a := NewTimestamp(1, 10, 0, 1)
	b := NewTimestamp(1, 10, 0, 2)
	c := NewTimestamp(2, 1, 0, 1)
	require.True(t, a.Less(b))
	require.True(t, b.Less(c))
	require.Equal(t, c, MaxTimestamp(a, c))
	require.True(t, a.Less(a.Next(1)))
}

func TestTxnIdFlags(t *testing.T) {
	id := NewTxnId(3, 99, KindExclusiveSyncPoint, DomainRange, 7)
	require.Equal(t, KindExclusiveSyncPoint, id.Kind())
	require.Equal(t, DomainRange, id.Domain())
	require.EqualValues(t, 3, id.Epoch)
	require.EqualValues(t, 7, id.Node)

	w := NewTxnId(1, 1, KindWrite, DomainKey, 1)
	r := NewTxnId(1, 2, KindRead, DomainKey, 1)
	require.True(t, r.Kind().Witnesses(w.Kind()))
	require.False(t, r.Kind().Witnesses(KindRead))
	require.True(t, w.Kind().Witnesses(KindRead))
	require.True(t, KindSyncPoint.Witnesses(KindRead))
}
