// Package rangemap provides a small interval map over the routing key space,
// used for recovery dependency merges and GC watermarks. Entries are
// non-overlapping ranges carrying a value; merging two maps reduces values
// wherever their ranges intersect.
package rangemap

import (
	"sort"

	"github.com/stonewhitener/cassandra-accord/primitives"
)

type Entry[V any] struct {
	Rng   primitives.Range
	Value V
}

type Map[V any] struct {
	entries []Entry[V]
}

// New builds a map from entries, which must not overlap. Entries are sorted
// by start key.
func New[V any](entries ...Entry[V]) Map[V] {
	es := make([]Entry[V], 0, len(entries))
	for _, e := range entries {
		if !e.Rng.IsEmpty() {
			es = append(es, e)
		}
	}
	sort.Slice(es, func(i, j int) bool { return es[i].Rng.Start.Compare(es[j].Rng.Start) < 0 })
	return Map[V]{entries: es}
}

func (m Map[V]) IsEmpty() bool       { return len(m.entries) == 0 }
func (m Map[V]) Len() int            { return len(m.entries) }
func (m Map[V]) Entries() []Entry[V] { return m.entries }

func (m Map[V]) Get(k primitives.Key) (V, bool) {
	for _, e := range m.entries {
		if e.Rng.Contains(k) {
			return e.Value, true
		}
	}
	var zero V
	return zero, false
}

func (m Map[V]) ForEach(fn func(primitives.Range, V)) {
	for _, e := range m.entries {
		fn(e.Rng, e.Value)
	}
}

// ForEachIntersecting visits every entry whose range intersects rs.
func (m Map[V]) ForEachIntersecting(rs primitives.Ranges, fn func(primitives.Range, V)) {
	for _, e := range m.entries {
		if rs.IntersectsRange(e.Rng) {
			fn(e.Rng, e.Value)
		}
	}
}

// Slice restricts the map to the parts of entries overlapping rs.
func (m Map[V]) Slice(rs primitives.Ranges) Map[V] {
	var out []Entry[V]
	for _, e := range m.entries {
		for _, r := range rs {
			if e.Rng.Intersects(r) {
				out = append(out, Entry[V]{Rng: e.Rng.Intersection(r), Value: e.Value})
			}
		}
	}
	return New(out...)
}

// boundary is a point in the key space; inf marks the point above all keys.
type boundary struct {
	key primitives.Key
	inf bool
}

func cmpBoundary(a, b boundary) int {
	if a.inf && b.inf {
		return 0
	}
	if a.inf {
		return 1
	}
	if b.inf {
		return -1
	}
	return a.key.Compare(b.key)
}

func endBoundary(r primitives.Range) boundary {
	if len(r.End) == 0 {
		return boundary{inf: true}
	}
	return boundary{key: r.End}
}

// Merge combines two maps. Where exactly one map covers an interval its value
// is taken as-is; where both cover it the values are reduced. The reduce
// function must be commutative for Merge itself to be commutative.
func Merge[V any](a, b Map[V], reduce func(V, V) V) Map[V] {
	if a.IsEmpty() {
		return b
	}
	if b.IsEmpty() {
		return a
	}
	bounds := make([]boundary, 0, 2*(len(a.entries)+len(b.entries)))
	for _, e := range a.entries {
		bounds = append(bounds, boundary{key: e.Rng.Start}, endBoundary(e.Rng))
	}
	for _, e := range b.entries {
		bounds = append(bounds, boundary{key: e.Rng.Start}, endBoundary(e.Rng))
	}
	sort.Slice(bounds, func(i, j int) bool { return cmpBoundary(bounds[i], bounds[j]) < 0 })
	dedup := bounds[:0]
	for i, bd := range bounds {
		if i == 0 || cmpBoundary(bd, bounds[i-1]) != 0 {
			dedup = append(dedup, bd)
		}
	}
	bounds = dedup

	var out []Entry[V]
	for i := 0; i < len(bounds)-1; i++ {
		lo, hi := bounds[i], bounds[i+1]
		var seg primitives.Range
		seg.Start = lo.key
		if !hi.inf {
			seg.End = hi.key
		}
		if seg.IsEmpty() && !hi.inf {
			continue
		}
		probe := seg.Start
		av, aok := a.Get(probe)
		bv, bok := b.Get(probe)
		switch {
		case aok && bok:
			out = append(out, Entry[V]{Rng: seg, Value: reduce(av, bv)})
		case aok:
			out = append(out, Entry[V]{Rng: seg, Value: av})
		case bok:
			out = append(out, Entry[V]{Rng: seg, Value: bv})
		}
	}
	return New(out...)
}

// Coalesce joins adjacent entries with equal values, normalizing the
// segmentation so that structurally different merge orders compare equal.
func (m Map[V]) Coalesce(eq func(V, V) bool) Map[V] {
	if len(m.entries) <= 1 {
		return m
	}
	out := make([]Entry[V], 0, len(m.entries))
	out = append(out, m.entries[0])
	for _, e := range m.entries[1:] {
		last := &out[len(out)-1]
		if len(last.Rng.End) != 0 && last.Rng.End.Compare(e.Rng.Start) == 0 && eq(last.Value, e.Value) {
			last.Rng.End = e.Rng.End
			continue
		}
		out = append(out, e)
	}
	return Map[V]{entries: out}
}
