package tracking

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stonewhitener/cassandra-accord/primitives"
	"github.com/stonewhitener/cassandra-accord/topology"
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

func singleShard(nodes ...primitives.NodeID) topology.Topologies {
	return topology.NewTopologies(topology.NewTopology(1,
		topology.MustShard(kr("", ""), topology.NewNodeSet(nodes...), nil, nil)))
}

func twoShards() topology.Topologies {
	return topology.NewTopologies(topology.NewTopology(1,
		topology.MustShard(kr("", "m"), topology.NewNodeSet(1, 2, 3), nil, nil),
		topology.MustShard(kr("m", ""), topology.NewNodeSet(3, 4, 5), nil, nil)))
}

func TestQuorumTracker(t *testing.T) {
	q := NewQuorumTracker(singleShard(1, 2, 3))
	require.Equal(t, NoChange, q.RecordSuccess(1))
	// non-members are ignored
	require.Equal(t, NoChange, q.RecordSuccess(9))
	require.Equal(t, Success, q.RecordSuccess(2))
	// only the transition is reported
	require.Equal(t, NoChange, q.RecordSuccess(3))
}

func TestQuorumTrackerMultiShard(t *testing.T) {
	q := NewQuorumTracker(twoShards())
	require.Equal(t, NoChange, q.RecordSuccess(1))
	require.Equal(t, NoChange, q.RecordSuccess(2)) // lower shard quorum, upper none
	require.Equal(t, NoChange, q.RecordSuccess(4))
	require.Equal(t, Success, q.RecordSuccess(5))
}

func TestQuorumTrackerFailure(t *testing.T) {
	q := NewQuorumTracker(singleShard(1, 2, 3))
	require.Equal(t, NoChange, q.RecordFailure(1))
	require.Equal(t, Failed, q.RecordFailure(2))
}

func TestFastPathTracker(t *testing.T) {
	f := NewFastPathTracker(singleShard(1, 2, 3))
	require.Equal(t, NoChange, f.RecordSuccess(1, true))
	require.Equal(t, Success, f.RecordSuccess(2, true))
	// quorum reached but the fast path needs the whole electorate of 3
	require.False(t, f.FastPathAccepted())
	require.Equal(t, Success, f.RecordSuccess(3, true))
	require.True(t, f.FastPathAccepted())
}

func TestFastPathRejectedBySlowVote(t *testing.T) {
	f := NewFastPathTracker(singleShard(1, 2, 3))
	f.RecordSuccess(1, true)
	f.RecordSuccess(2, false)
	f.RecordSuccess(3, true)
	require.False(t, f.FastPathAccepted())
}

func TestAllTracker(t *testing.T) {
	a := NewAllTracker(singleShard(1, 2, 3))
	require.Equal(t, NoChange, a.RecordSuccess(1))
	require.Equal(t, NoChange, a.RecordSuccess(2))
	require.Equal(t, Success, a.RecordSuccess(3))

	b := NewAllTracker(singleShard(1, 2, 3))
	b.RecordSuccess(1)
	require.Equal(t, Failed, b.RecordFailure(2))
}

func TestReadTrackerRedispatch(t *testing.T) {
	r := NewReadTracker(twoShards())
	contacts := r.InitialContacts(nil)
	require.NotEmpty(t, contacts)

	// fail one contacted node covering the lower shard; a replacement is
	// nominated
	status, next := r.RecordFailure(contacts[0])
	require.Equal(t, NoChange, status)
	require.NotEmpty(t, next)

	// one success per shard completes the reads
	require.Equal(t, NoChange, r.RecordSuccess(1))
	require.Equal(t, Success, r.RecordSuccess(5))
}

func TestReadTrackerExhaustion(t *testing.T) {
	r := NewReadTracker(singleShard(1, 2))
	r.InitialContacts(nil)
	if _, next := r.RecordFailure(1); len(next) > 0 {
		_, next2 := r.RecordFailure(next[0])
		require.Empty(t, next2)
	}
	status, _ := r.RecordFailure(2)
	require.Equal(t, Failed, status)
}

func TestRecoveryTrackerFastPathPossible(t *testing.T) {
	r := NewRecoveryTracker(singleShard(1, 2, 3))
	require.Equal(t, NoChange, r.RecordSuccess(1, true))
	require.Equal(t, Success, r.RecordSuccess(2, true))
	// nobody voted against: the original could have fast-committed
	require.True(t, r.FastPathPossible())
}

func TestRecoveryTrackerFastPathImpossible(t *testing.T) {
	r := NewRecoveryTracker(singleShard(1, 2, 3))
	r.RecordSuccess(1, true)
	r.RecordSuccess(2, false)
	// one electorate vote against a 3-of-3 fast quorum rules it out
	require.False(t, r.FastPathPossible())
}
