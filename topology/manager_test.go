package topology

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

func topo1() Topology {
	return NewTopology(1, MustShard(kr("", ""), NewNodeSet(1, 2, 3), nil, nil))
}

func topo2() Topology {
	// epoch 2 moves the upper half to nodes {2,3,4}
	return NewTopology(2,
		MustShard(kr("", "m"), NewNodeSet(1, 2, 3), nil, nil),
		MustShard(kr("m", ""), NewNodeSet(2, 3, 4), nil, nil),
	)
}

func TestReceiveInOrder(t *testing.T) {
	m := NewManager(1)
	require.NoError(t, m.Receive(topo1()))
	require.Error(t, m.Receive(NewTopology(3, MustShard(kr("", ""), NewNodeSet(1, 2, 3), nil, nil))))
	require.NoError(t, m.Receive(topo2()))
	require.EqualValues(t, 2, m.Epoch())
	require.EqualValues(t, 1, m.MinEpoch())
}

func TestAcknowledgeOrderAndAwait(t *testing.T) {
	m := NewManager(1)
	require.NoError(t, m.Receive(topo1()))
	require.NoError(t, m.Receive(topo2()))

	ch := m.AwaitEpoch(2)
	select {
	case <-ch:
		t.Fatal("await released before acknowledge")
	default:
	}

	require.NoError(t, m.Acknowledge(1))
	require.Error(t, m.Acknowledge(3))
	require.NoError(t, m.Acknowledge(2))
	<-ch
	require.True(t, m.HasAcknowledged(2))
}

func TestSyncCompleteAdvancesShards(t *testing.T) {
	m := NewManager(1)
	require.NoError(t, m.Receive(topo1()))
	require.NoError(t, m.Receive(topo2()))

	// epoch 2 starts unsynced (same ranges as epoch 1)
	require.False(t, m.SyncedRanges(2).ContainsAll(primitives.NewRanges(kr("", ""))))

	m.SyncComplete(1, 2)
	require.False(t, m.SyncedRanges(2).ContainsAll(primitives.NewRanges(kr("", "m"))))
	m.SyncComplete(2, 2)
	// {1,2} is a quorum of the lower shard but not the upper one
	require.True(t, m.SyncedRanges(2).ContainsAll(primitives.NewRanges(kr("", "m"))))
	require.False(t, m.SyncedRanges(2).ContainsAll(primitives.NewRanges(kr("m", ""))))

	m.SyncComplete(3, 2)
	require.True(t, m.SyncedRanges(2).ContainsAll(primitives.NewRanges(kr("", ""))))
}

func TestWithUnsyncedEpochsCoverage(t *testing.T) {
	m := NewManager(1)
	require.NoError(t, m.Receive(topo1()))
	require.NoError(t, m.Receive(topo2()))

	p := primitives.KeyParticipants(primitives.Key("x"))

	// epoch 2 not yet synced for [m, ∞): selection must include epoch 1
	ts, err := m.WithUnsyncedEpochs(p, 2, 2)
	require.NoError(t, err)
	require.Equal(t, 2, ts.Len())
	require.EqualValues(t, 1, ts.OldestEpoch())

	// once synced, epoch 1 is no longer needed
	m.SyncComplete(2, 2)
	m.SyncComplete(3, 2)
	m.SyncComplete(4, 2)
	ts, err = m.WithUnsyncedEpochs(p, 2, 2)
	require.NoError(t, err)
	require.Equal(t, 1, ts.Len())
	require.EqualValues(t, 2, ts.OldestEpoch())

	// precise selection never extends
	ts, err = m.PreciseEpochs(p, 2, 2)
	require.NoError(t, err)
	require.Equal(t, 1, ts.Len())
}

func TestEpochClosedAndRedundantCascade(t *testing.T) {
	m := NewManager(1)
	require.NoError(t, m.Receive(topo1()))
	require.NoError(t, m.Receive(topo2()))

	m.EpochClosed(primitives.NewRanges(kr("", "m")), 2)
	require.True(t, m.ClosedRanges(2).ContainsAll(primitives.NewRanges(kr("", "m"))))
	// closure cascades to earlier epochs
	require.True(t, m.ClosedRanges(1).ContainsAll(primitives.NewRanges(kr("", "m"))))

	m.EpochRedundant(primitives.NewRanges(kr("", "m")), 2)
	require.True(t, m.ClosedRanges(1).ContainsAll(primitives.NewRanges(kr("", "m"))))
}

func TestTruncateRequiresSync(t *testing.T) {
	m := NewManager(1)
	require.NoError(t, m.Receive(topo1()))
	require.NoError(t, m.Receive(topo2()))
	require.NoError(t, m.Receive(NewTopology(3,
		MustShard(kr("", "m"), NewNodeSet(1, 2, 3), nil, nil),
		MustShard(kr("m", ""), NewNodeSet(2, 3, 4), nil, nil),
	)))

	// the very first epoch starts synced (all its ranges are "added"), so it
	// may be dropped; epoch 2 has not synced and must be retained
	require.NoError(t, m.TruncateUntil(2))
	require.Error(t, m.TruncateUntil(3))

	for _, n := range []primitives.NodeID{1, 2, 3, 4} {
		m.SyncComplete(n, 2)
	}
	require.NoError(t, m.TruncateUntil(3))
	require.EqualValues(t, 3, m.MinEpoch())
}

func TestSyncCompleteCascadesToEarlierEpochs(t *testing.T) {
	m := NewManager(1)
	require.NoError(t, m.Receive(topo1()))
	require.NoError(t, m.Receive(topo2()))
	require.NoError(t, m.Receive(NewTopology(3,
		MustShard(kr("", "m"), NewNodeSet(1, 2, 3), nil, nil),
		MustShard(kr("m", ""), NewNodeSet(2, 3, 4), nil, nil),
	)))

	// completing epoch 3 implies every node involved synced epoch 2's
	// content as well
	for _, n := range []primitives.NodeID{1, 2, 3, 4} {
		m.SyncComplete(n, 3)
	}
	require.True(t, m.SyncedRanges(2).ContainsAll(primitives.NewRanges(kr("", ""))))
}

func TestFaulty(t *testing.T) {
	m := NewManager(1)
	m.MarkFaulty(2, true)
	require.True(t, m.IsFaulty(2))
	m.MarkFaulty(2, false)
	require.False(t, m.IsFaulty(2))
}
