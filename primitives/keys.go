package primitives

import (
	"bytes"
	"sort"
)

// Key is a routing key into the sharded key space. Keys order bytewise, the
// same order shard ranges are defined over.
type Key []byte

func (k Key) Compare(o Key) int { return bytes.Compare(k, o) }
func (k Key) Equal(o Key) bool  { return bytes.Equal(k, o) }
func (k Key) Clone() Key        { return append(Key(nil), k...) }
func (k Key) String() string    { return string(k) }

// Keys is a sorted, deduplicated set of keys.
type Keys []Key

func NewKeys(keys ...Key) Keys {
	ks := make(Keys, len(keys))
	copy(ks, keys)
	sort.Slice(ks, func(i, j int) bool { return ks[i].Compare(ks[j]) < 0 })
	return ks.dedup()
}

func (ks Keys) dedup() Keys {
	out := ks[:0]
	for i, k := range ks {
		if i == 0 || !k.Equal(ks[i-1]) {
			out = append(out, k)
		}
	}
	return out
}

func (ks Keys) Len() int      { return len(ks) }
func (ks Keys) IsEmpty() bool { return len(ks) == 0 }

// IndexOf returns the position of k, or the insertion point with found=false.
func (ks Keys) IndexOf(k Key) (int, bool) {
	i := sort.Search(len(ks), func(i int) bool { return ks[i].Compare(k) >= 0 })
	if i < len(ks) && ks[i].Equal(k) {
		return i, true
	}
	return i, false
}

func (ks Keys) Contains(k Key) bool {
	_, ok := ks.IndexOf(k)
	return ok
}

// Union returns the sorted union of two key sets.
func (ks Keys) Union(other Keys) Keys {
	if len(other) == 0 {
		return ks
	}
	if len(ks) == 0 {
		return other
	}
	out := make(Keys, 0, len(ks)+len(other))
	i, j := 0, 0
	for i < len(ks) && j < len(other) {
		c := ks[i].Compare(other[j])
		switch {
		case c < 0:
			out = append(out, ks[i])
			i++
		case c > 0:
			out = append(out, other[j])
			j++
		default:
			out = append(out, ks[i])
			i++
			j++
		}
	}
	out = append(out, ks[i:]...)
	out = append(out, other[j:]...)
	return out
}

// Without returns the keys of ks not present in other.
func (ks Keys) Without(other Keys) Keys {
	if len(other) == 0 || len(ks) == 0 {
		return ks
	}
	out := make(Keys, 0, len(ks))
	j := 0
	for _, k := range ks {
		for j < len(other) && other[j].Compare(k) < 0 {
			j++
		}
		if j < len(other) && other[j].Equal(k) {
			continue
		}
		out = append(out, k)
	}
	return out
}

// Intersect returns the keys present in both sets.
func (ks Keys) Intersect(other Keys) Keys {
	out := make(Keys, 0)
	i, j := 0, 0
	for i < len(ks) && j < len(other) {
		c := ks[i].Compare(other[j])
		switch {
		case c < 0:
			i++
		case c > 0:
			j++
		default:
			out = append(out, ks[i])
			i++
			j++
		}
	}
	return out
}

// Slice returns the keys of ks contained by any of the given ranges.
func (ks Keys) Slice(rs Ranges) Keys {
	if len(rs) == 0 || len(ks) == 0 {
		return nil
	}
	out := make(Keys, 0, len(ks))
	for _, r := range rs {
		lo := sort.Search(len(ks), func(i int) bool { return ks[i].Compare(r.Start) >= 0 })
		for ; lo < len(ks) && (len(r.End) == 0 || ks[lo].Compare(r.End) < 0); lo++ {
			out = append(out, ks[lo])
		}
	}
	return out
}

// IntersectsRanges reports whether any key falls inside any of the ranges.
func (ks Keys) IntersectsRanges(rs Ranges) bool {
	for _, r := range rs {
		lo := sort.Search(len(ks), func(i int) bool { return ks[i].Compare(r.Start) >= 0 })
		if lo < len(ks) && (len(r.End) == 0 || ks[lo].Compare(r.End) < 0) {
			return true
		}
	}
	return false
}

func (ks Keys) Clone() Keys {
	out := make(Keys, len(ks))
	copy(out, ks)
	return out
}
