package topology

import (
	"fmt"
	"sort"

	"github.com/stonewhitener/cassandra-accord/primitives"
)

// Topology is the full shard assignment for one epoch. Shards are ordered by
// range start and cover disjoint spans of the key space.
type Topology struct {
	Epoch  uint64
	Shards []Shard
}

func NewTopology(epoch uint64, shards ...Shard) Topology {
	ss := append([]Shard(nil), shards...)
	sort.Slice(ss, func(i, j int) bool { return ss[i].Range.Start.Compare(ss[j].Range.Start) < 0 })
	return Topology{Epoch: epoch, Shards: ss}
}

func (t Topology) IsEmpty() bool { return len(t.Shards) == 0 }

// Ranges returns the spans the topology covers.
func (t Topology) Ranges() primitives.Ranges {
	rs := make(primitives.Ranges, 0, len(t.Shards))
	for _, s := range t.Shards {
		rs = append(rs, s.Range)
	}
	return primitives.NewRanges(rs...)
}

// Nodes returns every node participating in the epoch.
func (t Topology) Nodes() NodeSet {
	var out NodeSet
	for _, s := range t.Shards {
		out = out.Union(s.Nodes)
	}
	return out
}

// ShardForKey returns the shard owning k.
func (t Topology) ShardForKey(k primitives.Key) (Shard, bool) {
	i := sort.Search(len(t.Shards), func(i int) bool {
		r := t.Shards[i].Range
		return len(r.End) == 0 || r.End.Compare(k) > 0
	})
	if i < len(t.Shards) && t.Shards[i].Contains(k) {
		return t.Shards[i], true
	}
	return Shard{}, false
}

// ForSelection returns the sub-topology of shards intersecting the
// participants.
func (t Topology) ForSelection(p primitives.Participants) Topology {
	out := Topology{Epoch: t.Epoch}
	for _, s := range t.Shards {
		if p.Intersects(primitives.Ranges{s.Range}) {
			out.Shards = append(out.Shards, s)
		}
	}
	return out
}

// LocalView restricts the topology to the shards containing the node.
func (t Topology) LocalView(id primitives.NodeID) Topology {
	out := Topology{Epoch: t.Epoch}
	for _, s := range t.Shards {
		if s.ContainsNode(id) {
			out.Shards = append(out.Shards, s)
		}
	}
	return out
}

// RangesForNode returns the spans the node replicates in this epoch.
func (t Topology) RangesForNode(id primitives.NodeID) primitives.Ranges {
	var rs primitives.Ranges
	for _, s := range t.Shards {
		if s.ContainsNode(id) {
			rs = append(rs, s.Range)
		}
	}
	return primitives.NewRanges(rs...)
}

func (t Topology) String() string {
	return fmt.Sprintf("topology(e%d, %d shards)", t.Epoch, len(t.Shards))
}

// Topologies is a contiguous run of epochs' (selected) topologies, ordered
// oldest first. Coordination trackers require a quorum in every shard of
// every epoch of the selection.
type Topologies struct {
	Entries []Topology
}

func NewTopologies(entries ...Topology) Topologies {
	es := append([]Topology(nil), entries...)
	sort.Slice(es, func(i, j int) bool { return es[i].Epoch < es[j].Epoch })
	return Topologies{Entries: es}
}

func (ts Topologies) IsEmpty() bool { return len(ts.Entries) == 0 }
func (ts Topologies) Len() int      { return len(ts.Entries) }

func (ts Topologies) OldestEpoch() uint64 { return ts.Entries[0].Epoch }
func (ts Topologies) CurrentEpoch() uint64 {
	return ts.Entries[len(ts.Entries)-1].Epoch
}

// Current is the newest topology of the selection.
func (ts Topologies) Current() Topology { return ts.Entries[len(ts.Entries)-1] }

func (ts Topologies) ForEpoch(epoch uint64) (Topology, bool) {
	for _, t := range ts.Entries {
		if t.Epoch == epoch {
			return t, true
		}
	}
	return Topology{}, false
}

// Nodes is the union of nodes across every selected epoch.
func (ts Topologies) Nodes() NodeSet {
	var out NodeSet
	for _, t := range ts.Entries {
		out = out.Union(t.Nodes())
	}
	return out
}

// ForEachShard visits every (epoch, shard) a coordinator must contact.
func (ts Topologies) ForEachShard(fn func(epoch uint64, s Shard)) {
	for _, t := range ts.Entries {
		for _, s := range t.Shards {
			fn(t.Epoch, s)
		}
	}
}
