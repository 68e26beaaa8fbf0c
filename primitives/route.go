package primitives

import "fmt"

// Participants is the set of keys and ranges a transaction touches. Key
// transactions carry keys; sync points over ranges carry ranges; both can be
// present when knowledge is merged across epochs.
type Participants struct {
	Keys   Keys
	Ranges Ranges
}

func KeyParticipants(keys ...Key) Participants { return Participants{Keys: NewKeys(keys...)} }
func RangeParticipants(rs ...Range) Participants {
	return Participants{Ranges: NewRanges(rs...)}
}

func (p Participants) IsEmpty() bool { return p.Keys.IsEmpty() && p.Ranges.IsEmpty() }

func (p Participants) Union(o Participants) Participants {
	return Participants{Keys: p.Keys.Union(o.Keys), Ranges: p.Ranges.Union(o.Ranges)}
}

// Slice restricts the participants to the given ranges.
func (p Participants) Slice(rs Ranges) Participants {
	return Participants{Keys: p.Keys.Slice(rs), Ranges: p.Ranges.Slice(rs)}
}

func (p Participants) Intersects(rs Ranges) bool {
	return p.Keys.IntersectsRanges(rs) || p.Ranges.Intersects(rs)
}

func (p Participants) Contains(k Key) bool {
	return p.Keys.Contains(k) || p.Ranges.Contains(k)
}

// Covering returns the ranges spanned by the participants: the ranges
// themselves plus a degenerate point range per key.
func (p Participants) Covering() Ranges {
	if p.Keys.IsEmpty() {
		return p.Ranges
	}
	rs := make(Ranges, 0, len(p.Keys)+len(p.Ranges))
	rs = append(rs, p.Ranges...)
	for _, k := range p.Keys {
		rs = append(rs, Range{Start: k, End: append(k.Clone(), 0)})
	}
	return NewRanges(rs...)
}

func (p Participants) String() string {
	return fmt.Sprintf("{keys:%v ranges:%v}", p.Keys, p.Ranges)
}

// Route is the full set of participants of a transaction together with its
// home key, the key whose shard is responsible for ensuring progress. A
// partial route is the restriction of a full route to one shard's view;
// Covering records the ranges the restriction is known to cover, nil for a
// full route.
type Route struct {
	Home     Key
	Parts    Participants
	Covering Ranges
}

func NewFullRoute(home Key, parts Participants) Route {
	return Route{Home: home, Parts: parts}
}

func (r Route) IsFull() bool  { return r.Covering == nil }
func (r Route) IsEmpty() bool { return r.Parts.IsEmpty() && len(r.Home) == 0 }

// Slice restricts the route to the given ranges, producing a partial route.
func (r Route) Slice(rs Ranges) Route {
	return Route{Home: r.Home, Parts: r.Parts.Slice(rs), Covering: rs.Clone()}
}

// Supplement merges participant knowledge from another message concerning the
// same transaction. A full route subsumes everything; otherwise coverings and
// participants union.
func (r Route) Supplement(o Route) Route {
	if r.IsFull() {
		return r
	}
	if o.IsFull() {
		if len(o.Home) == 0 {
			o.Home = r.Home
		}
		return o
	}
	out := Route{Home: r.Home, Parts: r.Parts.Union(o.Parts), Covering: r.Covering.Union(o.Covering)}
	if len(out.Home) == 0 {
		out.Home = o.Home
	}
	return out
}

// Covers reports whether the route's known coverage includes the ranges.
func (r Route) Covers(rs Ranges) bool {
	if r.IsFull() {
		return true
	}
	return r.Covering.ContainsAll(rs)
}

func (r Route) String() string {
	if r.IsFull() {
		return fmt.Sprintf("route{home:%s %v}", r.Home, r.Parts)
	}
	return fmt.Sprintf("partial{home:%s %v covering:%v}", r.Home, r.Parts, r.Covering)
}
