package primitives

import (
	"sort"
)

// KeyDeps is a multi-map from keys to the transaction ids a transaction
// depends on at that key. Keys and the per-key id lists are sorted.
type KeyDeps struct {
	keys Keys
	ids  [][]TxnId
}

var EmptyKeyDeps = KeyDeps{}

func (d KeyDeps) IsEmpty() bool { return len(d.keys) == 0 }
func (d KeyDeps) Keys() Keys    { return d.keys }

func (d KeyDeps) ForKey(k Key) []TxnId {
	if i, ok := d.keys.IndexOf(k); ok {
		return d.ids[i]
	}
	return nil
}

// ForEach visits every (key, id) pair in key order.
func (d KeyDeps) ForEach(fn func(Key, TxnId)) {
	for i, k := range d.keys {
		for _, id := range d.ids[i] {
			fn(k, id)
		}
	}
}

// With unions two key dependency maps.
func (d KeyDeps) With(o KeyDeps) KeyDeps {
	if o.IsEmpty() {
		return d
	}
	if d.IsEmpty() {
		return o
	}
	b := NewKeyDepsBuilder()
	d.ForEach(func(k Key, id TxnId) { b.Add(k, id) })
	o.ForEach(func(k Key, id TxnId) { b.Add(k, id) })
	return b.Build()
}

// Without drops every id for which rm returns true.
func (d KeyDeps) Without(rm func(TxnId) bool) KeyDeps {
	b := NewKeyDepsBuilder()
	d.ForEach(func(k Key, id TxnId) {
		if !rm(id) {
			b.Add(k, id)
		}
	})
	return b.Build()
}

// Slice restricts the map to keys inside the given ranges.
func (d KeyDeps) Slice(rs Ranges) KeyDeps {
	out := KeyDeps{}
	for i, k := range d.keys {
		if rs.Contains(k) {
			out.keys = append(out.keys, k)
			out.ids = append(out.ids, d.ids[i])
		}
	}
	return out
}

func (d KeyDeps) Contains(id TxnId) bool {
	for _, ids := range d.ids {
		if _, ok := SearchTxnIds(ids, id); ok {
			return true
		}
	}
	return false
}

// TxnIds returns the distinct ids in the map, sorted.
func (d KeyDeps) TxnIds() []TxnId {
	set := map[Timestamp]TxnId{}
	for _, ids := range d.ids {
		for _, id := range ids {
			set[id.Timestamp] = id
		}
	}
	out := make([]TxnId, 0, len(set))
	for _, id := range set {
		out = append(out, id)
	}
	SortTxnIds(out)
	return out
}

// KeyDepsBuilder accumulates (key, id) pairs then produces a normalized map.
type KeyDepsBuilder struct {
	pairs []keyDep
}

type keyDep struct {
	key Key
	id  TxnId
}

func NewKeyDepsBuilder() *KeyDepsBuilder { return &KeyDepsBuilder{} }

func (b *KeyDepsBuilder) Add(k Key, id TxnId) {
	b.pairs = append(b.pairs, keyDep{key: k, id: id})
}

func (b *KeyDepsBuilder) Build() KeyDeps {
	if len(b.pairs) == 0 {
		return KeyDeps{}
	}
	sort.Slice(b.pairs, func(i, j int) bool {
		if c := b.pairs[i].key.Compare(b.pairs[j].key); c != 0 {
			return c < 0
		}
		return b.pairs[i].id.Compare(b.pairs[j].id.Timestamp) < 0
	})
	out := KeyDeps{}
	for _, p := range b.pairs {
		n := len(out.keys)
		if n == 0 || !out.keys[n-1].Equal(p.key) {
			out.keys = append(out.keys, p.key)
			out.ids = append(out.ids, []TxnId{p.id})
			continue
		}
		ids := out.ids[n-1]
		if ids[len(ids)-1] != p.id {
			out.ids[n-1] = append(ids, p.id)
		}
	}
	return out
}

// RangeDeps is the analogue of KeyDeps for range transactions: ids recorded
// against the ranges they cover.
type RangeDeps struct {
	ranges Ranges
	ids    [][]TxnId
}

var EmptyRangeDeps = RangeDeps{}

func (d RangeDeps) IsEmpty() bool  { return len(d.ranges) == 0 }
func (d RangeDeps) Ranges() Ranges { return d.ranges }

func (d RangeDeps) ForEach(fn func(Range, TxnId)) {
	for i, r := range d.ranges {
		for _, id := range d.ids[i] {
			fn(r, id)
		}
	}
}

// ForKey returns the ids whose ranges contain k.
func (d RangeDeps) ForKey(k Key) []TxnId {
	var out []TxnId
	for i, r := range d.ranges {
		if r.Contains(k) {
			out = append(out, d.ids[i]...)
		}
	}
	SortTxnIds(out)
	return dedupTxnIds(out)
}

func (d RangeDeps) With(o RangeDeps) RangeDeps {
	if o.IsEmpty() {
		return d
	}
	if d.IsEmpty() {
		return o
	}
	b := NewRangeDepsBuilder()
	d.ForEach(func(r Range, id TxnId) { b.Add(r, id) })
	o.ForEach(func(r Range, id TxnId) { b.Add(r, id) })
	return b.Build()
}

func (d RangeDeps) Without(rm func(TxnId) bool) RangeDeps {
	b := NewRangeDepsBuilder()
	d.ForEach(func(r Range, id TxnId) {
		if !rm(id) {
			b.Add(r, id)
		}
	})
	return b.Build()
}

func (d RangeDeps) Slice(rs Ranges) RangeDeps {
	b := NewRangeDepsBuilder()
	d.ForEach(func(r Range, id TxnId) {
		for _, s := range rs {
			if r.Intersects(s) {
				b.Add(r.Intersection(s), id)
			}
		}
	})
	return b.Build()
}

func (d RangeDeps) Contains(id TxnId) bool {
	for _, ids := range d.ids {
		if _, ok := SearchTxnIds(ids, id); ok {
			return true
		}
	}
	return false
}

func (d RangeDeps) TxnIds() []TxnId {
	var out []TxnId
	for _, ids := range d.ids {
		out = append(out, ids...)
	}
	SortTxnIds(out)
	return dedupTxnIds(out)
}

type RangeDepsBuilder struct {
	pairs []rangeDep
}

type rangeDep struct {
	rng Range
	id  TxnId
}

func NewRangeDepsBuilder() *RangeDepsBuilder { return &RangeDepsBuilder{} }

func (b *RangeDepsBuilder) Add(r Range, id TxnId) {
	if !r.IsEmpty() {
		b.pairs = append(b.pairs, rangeDep{rng: r, id: id})
	}
}

func (b *RangeDepsBuilder) Build() RangeDeps {
	if len(b.pairs) == 0 {
		return RangeDeps{}
	}
	sort.Slice(b.pairs, func(i, j int) bool {
		if c := b.pairs[i].rng.Start.Compare(b.pairs[j].rng.Start); c != 0 {
			return c < 0
		}
		if c := b.pairs[i].rng.End.Compare(b.pairs[j].rng.End); c != 0 {
			return c < 0
		}
		return b.pairs[i].id.Compare(b.pairs[j].id.Timestamp) < 0
	})
	out := RangeDeps{}
	for _, p := range b.pairs {
		n := len(out.ranges)
		if n == 0 || out.ranges[n-1].Start.Compare(p.rng.Start) != 0 || out.ranges[n-1].End.Compare(p.rng.End) != 0 {
			out.ranges = append(out.ranges, p.rng)
			out.ids = append(out.ids, []TxnId{p.id})
			continue
		}
		ids := out.ids[n-1]
		if ids[len(ids)-1] != p.id {
			out.ids[n-1] = append(ids, p.id)
		}
	}
	return out
}

func dedupTxnIds(ids []TxnId) []TxnId {
	out := ids[:0]
	for i, id := range ids {
		if i == 0 || id != ids[i-1] {
			out = append(out, id)
		}
	}
	return out
}

// Deps is the full dependency set of a transaction: per-key dependencies for
// key transactions plus per-range dependencies contributed by sync points.
type Deps struct {
	Key KeyDeps
	Rng RangeDeps
}

var EmptyDeps = Deps{}

func (d Deps) IsEmpty() bool { return d.Key.IsEmpty() && d.Rng.IsEmpty() }

func (d Deps) With(o Deps) Deps {
	return Deps{Key: d.Key.With(o.Key), Rng: d.Rng.With(o.Rng)}
}

func (d Deps) Without(rm func(TxnId) bool) Deps {
	return Deps{Key: d.Key.Without(rm), Rng: d.Rng.Without(rm)}
}

func (d Deps) WithoutDeps(o Deps) Deps {
	return d.Without(func(id TxnId) bool { return o.Contains(id) })
}

func (d Deps) Slice(rs Ranges) Deps {
	return Deps{Key: d.Key.Slice(rs), Rng: d.Rng.Slice(rs)}
}

func (d Deps) Contains(id TxnId) bool { return d.Key.Contains(id) || d.Rng.Contains(id) }

// TxnIds returns all distinct ids, sorted in the global order.
func (d Deps) TxnIds() []TxnId {
	out := append(d.Key.TxnIds(), d.Rng.TxnIds()...)
	SortTxnIds(out)
	return dedupTxnIds(out)
}

// ForKey returns all ids depending at key k, from both key and range deps.
func (d Deps) ForKey(k Key) []TxnId {
	out := append([]TxnId(nil), d.Key.ForKey(k)...)
	out = append(out, d.Rng.ForKey(k)...)
	SortTxnIds(out)
	return dedupTxnIds(out)
}

// MaxTxnId returns the greatest id in the set, or the zero id when empty.
func (d Deps) MaxTxnId() TxnId {
	ids := d.TxnIds()
	if len(ids) == 0 {
		return TxnIdZero
	}
	return ids[len(ids)-1]
}

func MergeDeps(ds []Deps) Deps {
	out := EmptyDeps
	for _, d := range ds {
		out = out.With(d)
	}
	return out
}
