package rangemap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stonewhitener/cassandra-accord/primitives"
)

func kr(a, b string) primitives.Range {
	var start, end primitives.Key
	if a != "" {
		start = primitives.Key(a)
	}
	if b != "" {
		end = primitives.Key(b)
	}
	return primitives.NewRange(start, end)
}

func entry(rng primitives.Range, v int) Entry[int] { return Entry[int]{Rng: rng, Value: v} }

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func TestGet(t *testing.T) {
	m := New(entry(kr("a", "m"), 1), entry(kr("m", "z"), 2))
	v, ok := m.Get(primitives.Key("c"))
	require.True(t, ok)
	require.Equal(t, 1, v)
	v, ok = m.Get(primitives.Key("m"))
	require.True(t, ok)
	require.Equal(t, 2, v)
	_, ok = m.Get(primitives.Key("z"))
	require.False(t, ok)
}

func TestMergeDisjoint(t *testing.T) {
	a := New(entry(kr("a", "f"), 1))
	b := New(entry(kr("m", "z"), 2))
	m := Merge(a, b, maxInt)
	v, ok := m.Get(primitives.Key("b"))
	require.True(t, ok)
	require.Equal(t, 1, v)
	v, ok = m.Get(primitives.Key("n"))
	require.True(t, ok)
	require.Equal(t, 2, v)
	_, ok = m.Get(primitives.Key("g"))
	require.False(t, ok)
}

func TestMergeOverlapReduces(t *testing.T) {
	a := New(entry(kr("a", "m"), 5))
	b := New(entry(kr("f", "z"), 3))
	m := Merge(a, b, maxInt)

	v, _ := m.Get(primitives.Key("b"))
	require.Equal(t, 5, v)
	v, _ = m.Get(primitives.Key("g"))
	require.Equal(t, 5, v)
	v, _ = m.Get(primitives.Key("p"))
	require.Equal(t, 3, v)
}

func TestMergeUnboundedEnd(t *testing.T) {
	a := New(entry(kr("a", ""), 1))
	b := New(entry(kr("m", "z"), 4))
	m := Merge(a, b, maxInt)
	v, _ := m.Get(primitives.Key("n"))
	require.Equal(t, 4, v)
	v, _ = m.Get(primitives.Key("zz"))
	require.Equal(t, 1, v)
}

func TestMergeCommutative(t *testing.T) {
	a := New(entry(kr("a", "m"), 5), entry(kr("p", "q"), 9))
	b := New(entry(kr("f", "z"), 3))
	ab := Merge(a, b, maxInt).Coalesce(func(x, y int) bool { return x == y })
	ba := Merge(b, a, maxInt).Coalesce(func(x, y int) bool { return x == y })
	require.Equal(t, ab.Entries(), ba.Entries())
}

func TestSlice(t *testing.T) {
	m := New(entry(kr("a", "z"), 7))
	s := m.Slice(primitives.NewRanges(kr("f", "h")))
	v, ok := s.Get(primitives.Key("g"))
	require.True(t, ok)
	require.Equal(t, 7, v)
	_, ok = s.Get(primitives.Key("b"))
	require.False(t, ok)
}

func TestCoalesce(t *testing.T) {
	m := New(entry(kr("a", "f"), 1), entry(kr("f", "m"), 1), entry(kr("m", "z"), 2))
	c := m.Coalesce(func(x, y int) bool { return x == y })
	require.Equal(t, 2, c.Len())
}
