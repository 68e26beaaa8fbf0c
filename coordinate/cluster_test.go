package coordinate_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stonewhitener/cassandra-accord/api"
	"github.com/stonewhitener/cassandra-accord/config"
	"github.com/stonewhitener/cassandra-accord/coordinate"
	"github.com/stonewhitener/cassandra-accord/local"
	"github.com/stonewhitener/cassandra-accord/node"
	"github.com/stonewhitener/cassandra-accord/primitives"
	"github.com/stonewhitener/cassandra-accord/progress"
	"github.com/stonewhitener/cassandra-accord/topology"
)

type cluster struct {
	mesh  *node.Mesh
	nodes map[primitives.NodeID]*node.Node
	data  map[primitives.NodeID]*api.MemStore
	logs  []*progress.ProgressLog
}

func newCluster(t *testing.T, ids ...primitives.NodeID) *cluster {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.RetryAwaitTimeout = 300 * time.Millisecond
	cfg.SeekProgressDelay = 100 * time.Millisecond

	c := &cluster{
		mesh:  node.NewMesh(),
		nodes: map[primitives.NodeID]*node.Node{},
		data:  map[primitives.NodeID]*api.MemStore{},
	}
	shard := topology.MustShard(primitives.NewRange(nil, nil), topology.NewNodeSet(ids...), nil, nil)
	top := topology.NewTopology(1, shard)
	for _, id := range ids {
		data := api.NewMemStore()
		n := node.NewNode(id, cfg, c.mesh, api.NoopAgent{}, data, local.NoopJournal{}, nil)
		coordinate.EnableRecovery(n)
		c.mesh.Register(n)
		c.nodes[id] = n
		c.data[id] = data
	}
	for _, id := range ids {
		require.NoError(t, c.nodes[id].ReceiveTopology(top))
		c.nodes[id].WaitForEpoch(1)
		c.logs = append(c.logs, progress.Attach(c.nodes[id])...)
	}
	t.Cleanup(func() {
		for _, l := range c.logs {
			l.Stop()
		}
		for _, n := range c.nodes {
			n.Shutdown()
		}
	})
	return c
}

func submit(t *testing.T, n *node.Node, id primitives.TxnId, txn primitives.Txn) (coordinate.Outcome, error) {
	t.Helper()
	type done struct {
		o   coordinate.Outcome
		err error
	}
	ch := make(chan done, 1)
	route := primitives.NewFullRoute(txn.Scope.Keys[0], txn.Scope)
	coordinate.Coordinate(n, id, txn, route, func(o coordinate.Outcome, err error) {
		ch <- done{o: o, err: err}
	})
	select {
	case d := <-ch:
		return d.o, d.err
	case <-time.After(10 * time.Second):
		t.Fatal("coordination did not complete")
		return coordinate.Outcome{}, nil
	}
}

// commandView polls a node's stores for the command's settled state.
type commandView struct {
	status    primitives.Status
	executeAt primitives.Timestamp
	result    primitives.Result
}

func viewCommand(n *node.Node, id primitives.TxnId) commandView {
	var view commandView
	for _, st := range n.Stores().All() {
		done := make(chan struct{})
		st.Execute(local.ContextFor(id), func(s *local.SafeStore) {
			if c := s.IfPresent(id); c != nil {
				view.status = c.Status
				view.executeAt = c.ExecuteAt
				view.result = c.Result
			}
			close(done)
		})
		<-done
	}
	return view
}

func waitApplied(t *testing.T, n *node.Node, id primitives.TxnId, within time.Duration) commandView {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		v := viewCommand(n, id)
		if v.status == primitives.Applied {
			return v
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("node %d never applied %s (status %s)", n.ID(), id, viewCommand(n, id).status)
	return commandView{}
}

func TestFastPathThreeOfThree(t *testing.T) {
	c := newCluster(t, 1, 2, 3)
	n1 := c.nodes[1]

	txn := primitives.NewTxn(primitives.KindWrite,
		primitives.NewKeys(primitives.Key("k5")),
		[]primitives.KeyValue{{Key: primitives.Key("k5"), Value: []byte("42")}})
	id := n1.NextTxnId(primitives.KindWrite, primitives.DomainKey)

	outcome, err := submit(t, n1, id, txn)
	require.NoError(t, err)
	// no contention: the fast path commits at the transaction's own id
	require.Equal(t, id.AsTimestamp(), outcome.ExecuteAt)
	require.Len(t, outcome.Result, 1)
	require.Equal(t, []byte("42"), outcome.Result[0].Value)

	for _, id2 := range []primitives.NodeID{1, 2, 3} {
		v := waitApplied(t, c.nodes[id2], id, 5*time.Second)
		require.Equal(t, id.AsTimestamp(), v.executeAt, "node %d disagrees on executeAt", id2)
		require.Equal(t, []byte("42"), c.data[id2].Read(primitives.Key("k5"), outcome.ExecuteAt))
	}
}

func TestConflictForcesSlowPathAndAgreedOrder(t *testing.T) {
	c := newCluster(t, 1, 2, 3)
	n1, n2 := c.nodes[1], c.nodes[2]

	key := primitives.Key("k5")
	w1Txn := primitives.NewTxn(primitives.KindWrite, nil,
		[]primitives.KeyValue{{Key: key, Value: []byte("w1")}})
	w1 := n1.NextTxnId(primitives.KindWrite, primitives.DomainKey)
	_, err := submit(t, n1, w1, w1Txn)
	require.NoError(t, err)

	// a second write whose id precedes the already-witnessed one: replicas
	// must bump its executeAt, which rules out the fast path
	w2 := primitives.NewTxnId(1, w1.HLC-1, primitives.KindWrite, primitives.DomainKey, 2)
	w2Txn := primitives.NewTxn(primitives.KindWrite, nil,
		[]primitives.KeyValue{{Key: key, Value: []byte("w2")}})
	outcome, err := submit(t, n2, w2, w2Txn)
	require.NoError(t, err)
	require.True(t, w2.AsTimestamp().Less(outcome.ExecuteAt), "slow path must move executeAt past the id")

	// order agreement: every replica orders w1 before w2
	for _, nid := range []primitives.NodeID{1, 2, 3} {
		v1 := waitApplied(t, c.nodes[nid], w1, 5*time.Second)
		v2 := waitApplied(t, c.nodes[nid], w2, 5*time.Second)
		require.True(t, v1.executeAt.Less(v2.executeAt), "node %d disagrees on order", nid)
		// the later write wins on every replica
		require.Equal(t, []byte("w2"), c.data[nid].Read(key, v2.executeAt))
	}
}

func TestCoordinatorCrashRecovery(t *testing.T) {
	c := newCluster(t, 1, 2, 3)
	n1 := c.nodes[1]

	key := primitives.Key("k7")
	txn := primitives.NewTxn(primitives.KindWrite, nil,
		[]primitives.KeyValue{{Key: key, Value: []byte("v7")}})
	id := n1.NextTxnId(primitives.KindWrite, primitives.DomainKey)
	route := primitives.NewFullRoute(key, txn.Scope)

	// model a coordinator that pre-accepts everywhere and then halts: the
	// replicas witness the transaction but no commit ever arrives
	coordinate.PreAcceptOnly(n1, id, txn, route)
	time.Sleep(50 * time.Millisecond)
	c.mesh.Halt(1)

	// the surviving replicas' progress logs fire after retryAwaitTimeout
	// and drive recovery to the outcome the coordinator would have reached
	v2 := waitApplied(t, c.nodes[2], id, 10*time.Second)
	v3 := waitApplied(t, c.nodes[3], id, 10*time.Second)
	require.Equal(t, v2.executeAt, v3.executeAt)
	// no conflicts were present: recovery re-commits on the fast path
	require.Equal(t, id.AsTimestamp(), v2.executeAt)
	require.Equal(t, []byte("v7"), c.data[2].Read(key, v2.executeAt))
	require.Equal(t, []byte("v7"), c.data[3].Read(key, v3.executeAt))
}

func TestSyncPointBarriersAfterWrites(t *testing.T) {
	c := newCluster(t, 1, 2, 3)
	n1 := c.nodes[1]

	key := primitives.Key("m1")
	w := n1.NextTxnId(primitives.KindWrite, primitives.DomainKey)
	_, err := submit(t, n1, w, primitives.NewTxn(primitives.KindWrite, nil,
		[]primitives.KeyValue{{Key: key, Value: []byte("x")}}))
	require.NoError(t, err)

	type done struct {
		o   coordinate.Outcome
		err error
	}
	ch := make(chan done, 1)
	coordinate.CoordinateSyncPoint(n1, primitives.KindSyncPoint,
		primitives.NewRanges(primitives.NewRange(nil, nil)),
		func(o coordinate.Outcome, err error) { ch <- done{o, err} })
	var d done
	select {
	case d = <-ch:
	case <-time.After(10 * time.Second):
		t.Fatal("sync point did not complete")
	}
	require.NoError(t, d.err)

	// the barrier orders after the write it witnessed, everywhere
	for _, nid := range []primitives.NodeID{1, 2, 3} {
		vw := waitApplied(t, c.nodes[nid], w, 5*time.Second)
		vs := waitApplied(t, c.nodes[nid], d.o.TxnId, 5*time.Second)
		require.True(t, vw.executeAt.Less(vs.executeAt), "node %d: barrier must order after the write", nid)
	}
}

func TestRecoveryOfUnwitnessedTransactionInvalidates(t *testing.T) {
	c := newCluster(t, 1, 2, 3)
	n2 := c.nodes[2]

	// recover a transaction no replica has ever heard of: a quorum holding
	// no trace proves the original coordinator cannot have committed
	ghost := primitives.NewTxnId(1, 12345, primitives.KindWrite, primitives.DomainKey, 1)
	route := primitives.NewFullRoute(primitives.Key("g"), primitives.KeyParticipants(primitives.Key("g")))

	ch := make(chan error, 1)
	coordinate.Recover(n2, ghost, route, func(_ coordinate.Outcome, err error) { ch <- err })
	select {
	case err := <-ch:
		require.IsType(t, coordinate.ErrInvalidated{}, err)
	case <-time.After(5 * time.Second):
		t.Fatal("recovery did not complete")
	}
}
