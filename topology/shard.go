// Package topology models the per-epoch assignment of key ranges to nodes,
// the quorum arithmetic over those assignments, and the manager that tracks
// epoch synchronization, closure and retirement across the cluster.
package topology

import (
	"fmt"
	"sort"

	"github.com/pingcap/errors"

	"github.com/stonewhitener/cassandra-accord/primitives"
)

// NodeSet is a sorted set of node ids.
type NodeSet []primitives.NodeID

func NewNodeSet(ids ...primitives.NodeID) NodeSet {
	ns := append(NodeSet(nil), ids...)
	sort.Slice(ns, func(i, j int) bool { return ns[i] < ns[j] })
	out := ns[:0]
	for i, id := range ns {
		if i == 0 || id != ns[i-1] {
			out = append(out, id)
		}
	}
	return out
}

func (ns NodeSet) Contains(id primitives.NodeID) bool {
	i := sort.Search(len(ns), func(i int) bool { return ns[i] >= id })
	return i < len(ns) && ns[i] == id
}

func (ns NodeSet) Union(o NodeSet) NodeSet {
	return NewNodeSet(append(append([]primitives.NodeID(nil), ns...), o...)...)
}

func (ns NodeSet) Without(o NodeSet) NodeSet {
	out := make(NodeSet, 0, len(ns))
	for _, id := range ns {
		if !o.Contains(id) {
			out = append(out, id)
		}
	}
	return out
}

// Shard is one contiguous range of keys plus the replica set owning it in a
// given epoch. The fast-path electorate is the subset of replicas whose
// PreAccept votes count toward the fast path.
type Shard struct {
	Range         primitives.Range
	Nodes         NodeSet
	FastElectorate NodeSet
	Pending       NodeSet

	SlowQuorum int
	FastQuorum int
}

// MaxFailures is the number of failures a shard of rs replicas tolerates.
func MaxFailures(rs int) int { return (rs - 1) / 2 }

// SlowQuorumSize is the simple (slow-path) quorum: rs - f.
func SlowQuorumSize(rs int) int { return rs - MaxFailures(rs) }

// FastQuorumSize is the fast-path quorum over an electorate of fp nodes out
// of rs replicas: ceil((fp+rs)/2), never less than the slow quorum.
func FastQuorumSize(rs, fp int) int {
	q := (fp + rs + 1) / 2
	if s := SlowQuorumSize(rs); q < s {
		q = s
	}
	return q
}

// NewShard validates the electorate and computes quorum sizes. An electorate
// smaller than the slow quorum cannot be made safe and is rejected.
func NewShard(rng primitives.Range, nodes, fastElectorate, pending NodeSet) (Shard, error) {
	if len(nodes) == 0 {
		return Shard{}, errors.Errorf("shard %s has no replicas", rng)
	}
	if len(fastElectorate) == 0 {
		fastElectorate = nodes
	}
	for _, id := range fastElectorate {
		if !nodes.Contains(id) {
			return Shard{}, errors.Errorf("fast-path electorate member %d is not a replica of %s", id, rng)
		}
	}
	rs := len(nodes)
	if len(fastElectorate) < SlowQuorumSize(rs) {
		return Shard{}, errors.Errorf("fast-path electorate of %d too small for %d replicas", len(fastElectorate), rs)
	}
	return Shard{
		Range:          rng,
		Nodes:          nodes,
		FastElectorate: fastElectorate,
		Pending:        pending,
		SlowQuorum:     SlowQuorumSize(rs),
		FastQuorum:     FastQuorumSize(rs, len(fastElectorate)),
	}, nil
}

// MustShard is NewShard for statically known-good inputs (tests, bootstrap).
func MustShard(rng primitives.Range, nodes, fastElectorate, pending NodeSet) Shard {
	s, err := NewShard(rng, nodes, fastElectorate, pending)
	if err != nil {
		panic(err)
	}
	return s
}

func (s Shard) Contains(k primitives.Key) bool { return s.Range.Contains(k) }

func (s Shard) ContainsNode(id primitives.NodeID) bool { return s.Nodes.Contains(id) }

func (s Shard) IsInFastElectorate(id primitives.NodeID) bool { return s.FastElectorate.Contains(id) }

func (s Shard) MaxFailures() int { return MaxFailures(len(s.Nodes)) }

func (s Shard) String() string {
	return fmt.Sprintf("shard%s nodes:%v fast:%v", s.Range, s.Nodes, s.FastElectorate)
}
