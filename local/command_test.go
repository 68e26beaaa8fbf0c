package local

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stonewhitener/cassandra-accord/primitives"
)

func testStore(t *testing.T) (*CommandStore, func(fn func(*SafeStore))) {
	t.Helper()
	st := NewCommandStore(0, 1, NoopJournal{})
	t.Cleanup(st.Shutdown)
	run := func(fn func(*SafeStore)) {
		done := make(chan struct{})
		st.Execute(PreLoadContext{}, func(s *SafeStore) {
			fn(s)
			close(done)
		})
		<-done
	}
	run(func(s *SafeStore) {
		s.SetRangesForEpoch(1, primitives.NewRanges(kr("", "")))
	})
	return st, run
}

func writeTxn(keys ...string) (primitives.Txn, primitives.Route) {
	var kvs []primitives.KeyValue
	for _, k := range keys {
		kvs = append(kvs, primitives.KeyValue{Key: primitives.Key(k), Value: []byte("v")})
	}
	txn := primitives.NewTxn(primitives.KindWrite, nil, kvs)
	route := primitives.NewFullRoute(primitives.Key(keys[0]), txn.Scope)
	return txn, route
}

func TestPreAcceptFastPathVote(t *testing.T) {
	_, run := testStore(t)
	id := wid(10, 1)
	txn, route := writeTxn("k")
	run(func(s *SafeStore) {
		res := PreAccept(s, id, txn, route)
		require.Equal(t, AcceptOK, res.Outcome)
		require.Equal(t, id.AsTimestamp(), res.ExecuteAt)
		require.True(t, res.Deps.IsEmpty())
		require.Equal(t, primitives.PreAccepted, s.Command(id).Status)
	})
}

func TestPreAcceptConflictBumpsExecuteAt(t *testing.T) {
	_, run := testStore(t)
	first := wid(10, 1)
	second := wid(5, 2) // older id arriving after the newer one was witnessed
	txn, route := writeTxn("k")
	run(func(s *SafeStore) {
		require.Equal(t, AcceptOK, PreAccept(s, first, txn, route).Outcome)
		res := PreAccept(s, second, txn, route)
		require.Equal(t, AcceptOK, res.Outcome)
		// ordered after the conflicting transaction already witnessed; the
		// fast-path vote is lost
		require.True(t, first.AsTimestamp().Less(res.ExecuteAt))
		// PreAccept deps only cover lower TxnIds; the conflict with the
		// newer id is picked up by the slow-path Accept at executeAt
		require.Empty(t, res.Deps.ForKey(primitives.Key("k")))
		acc := Accept(s, second, primitives.ZeroBallot, AcceptSlow, res.ExecuteAt, res.Deps, route)
		require.Equal(t, AcceptOK, acc.Outcome)
		require.Equal(t, []primitives.TxnId{first}, acc.Deps.ForKey(primitives.Key("k")))
	})
}

func TestPreAcceptIdempotent(t *testing.T) {
	_, run := testStore(t)
	id := wid(10, 1)
	txn, route := writeTxn("k")
	run(func(s *SafeStore) {
		first := PreAccept(s, id, txn, route)
		second := PreAccept(s, id, txn, route)
		require.Equal(t, first.ExecuteAt, second.ExecuteAt)
		require.Equal(t, first.Deps.TxnIds(), second.Deps.TxnIds())
	})
}

func TestAcceptRejectsLowerBallot(t *testing.T) {
	_, run := testStore(t)
	id := wid(10, 1)
	txn, route := writeTxn("k")
	high := primitives.NewBallot(1, 5, 2)
	low := primitives.NewBallot(1, 2, 3)
	run(func(s *SafeStore) {
		PreAccept(s, id, txn, route)
		res := Accept(s, id, high, AcceptSlow, id.AsTimestamp(), primitives.EmptyDeps, route)
		require.Equal(t, AcceptOK, res.Outcome)
		require.Equal(t, primitives.AcceptedSlow, s.Command(id).Status)

		res = Accept(s, id, low, AcceptSlow, id.AsTimestamp(), primitives.EmptyDeps, route)
		require.Equal(t, AcceptRejectBallot, res.Outcome)
		require.Equal(t, high, res.Promised)
		// promised never decreases
		require.Equal(t, high, s.Command(id).Promised)
	})
}

func TestAcceptRedundantAfterCommit(t *testing.T) {
	_, run := testStore(t)
	id := wid(10, 1)
	txn, route := writeTxn("k")
	run(func(s *SafeStore) {
		PreAccept(s, id, txn, route)
		require.Equal(t, AcceptOK, Commit(s, id, primitives.ZeroBallot, id.AsTimestamp(), primitives.EmptyDeps, txn, route))
		res := Accept(s, id, primitives.NewBallot(1, 9, 2), AcceptSlow, id.AsTimestamp(), primitives.EmptyDeps, route)
		require.Equal(t, AcceptRedundant, res.Outcome)
		require.Equal(t, primitives.Committed, s.Command(id).Status)
	})
}

func TestPhaseMonotone(t *testing.T) {
	_, run := testStore(t)
	id := wid(10, 1)
	txn, route := writeTxn("k")
	run(func(s *SafeStore) {
		PreAccept(s, id, txn, route)
		require.Equal(t, AcceptOK, Stabilize(s, id, primitives.ZeroBallot, id.AsTimestamp(), primitives.EmptyDeps, txn, route))
		require.Equal(t, primitives.Stable, s.Command(id).Status)

		// a late commit message must not regress a stable command
		require.Equal(t, AcceptOK, Commit(s, id, primitives.ZeroBallot, id.AsTimestamp(), primitives.EmptyDeps, txn, route))
		require.Equal(t, primitives.Stable, s.Command(id).Status)
	})
}

func TestStableExecutesWhenDepsApplied(t *testing.T) {
	_, run := testStore(t)
	dep := wid(10, 1)
	id := wid(20, 2)
	depTxn, depRoute := writeTxn("k")
	txn, route := writeTxn("k")
	run(func(s *SafeStore) {
		PreAccept(s, dep, depTxn, depRoute)
		PreAccept(s, id, txn, route)

		b := primitives.NewKeyDepsBuilder()
		b.Add(primitives.Key("k"), dep)
		deps := primitives.Deps{Key: b.Build()}

		require.Equal(t, AcceptOK, ApplyOutcome(s, id, primitives.ZeroBallot, id.AsTimestamp(), deps, txn, route,
			primitives.Writes{ExecuteAt: id.AsTimestamp(), Writes: txn.Writes}, nil))
		// blocked on dep
		require.Equal(t, primitives.PreApplied, s.Command(id).Status)

		require.Equal(t, AcceptOK, ApplyOutcome(s, dep, primitives.ZeroBallot, dep.AsTimestamp(), primitives.EmptyDeps, depTxn, depRoute,
			primitives.Writes{ExecuteAt: dep.AsTimestamp(), Writes: depTxn.Writes}, nil))
		require.Equal(t, primitives.Applied, s.Command(dep).Status)
		// the dependency application unblocks the successor
		require.Equal(t, primitives.Applied, s.Command(id).Status)
	})
}

func TestDepCommittedAfterUsDoesNotBlock(t *testing.T) {
	_, run := testStore(t)
	dep := wid(10, 1)
	id := wid(20, 2)
	txn, route := writeTxn("k")
	run(func(s *SafeStore) {
		PreAccept(s, dep, txn, route)
		PreAccept(s, id, txn, route)

		b := primitives.NewKeyDepsBuilder()
		b.Add(primitives.Key("k"), dep)
		deps := primitives.Deps{Key: b.Build()}

		require.Equal(t, AcceptOK, ApplyOutcome(s, id, primitives.ZeroBallot, id.AsTimestamp(), deps, txn, route,
			primitives.Writes{ExecuteAt: id.AsTimestamp(), Writes: txn.Writes}, nil))
		require.Equal(t, primitives.PreApplied, s.Command(id).Status)

		// dep's executeAt lands after id's: it cannot block id
		later := primitives.NewTimestamp(1, 100, 0, 1)
		require.Equal(t, AcceptOK, PreCommit(s, dep, later))
		require.Equal(t, primitives.Applied, s.Command(id).Status)
	})
}

func TestInvalidateTerminal(t *testing.T) {
	_, run := testStore(t)
	id := wid(10, 1)
	txn, route := writeTxn("k")
	run(func(s *SafeStore) {
		PreAccept(s, id, txn, route)
		require.Equal(t, AcceptOK, Invalidate(s, id))
		require.Equal(t, primitives.Invalidated, s.Command(id).Status)

		// commits after invalidation are refused
		require.Equal(t, AcceptRedundant, Commit(s, id, primitives.ZeroBallot, id.AsTimestamp(), primitives.EmptyDeps, txn, route))
		// invalidating a committed command is refused
		other := wid(11, 1)
		PreAccept(s, other, txn, route)
		Commit(s, other, primitives.ZeroBallot, other.AsTimestamp(), primitives.EmptyDeps, txn, route)
		require.Equal(t, AcceptRedundant, Invalidate(s, other))
	})
}

func TestNotAcceptOrdering(t *testing.T) {
	_, run := testStore(t)
	id := wid(10, 1)
	ballot := primitives.NewBallot(1, 1, 2)
	run(func(s *SafeStore) {
		require.Equal(t, AcceptOK, NotAccept(s, id, primitives.PreNotAccepted, ballot))
		require.Equal(t, AcceptOK, NotAccept(s, id, primitives.NotAccepted, ballot))
		// same ballot may not move backwards
		require.Equal(t, AcceptOK, NotAccept(s, id, primitives.PreNotAccepted, ballot))
		require.Equal(t, primitives.NotAccepted, s.Command(id).Status)
	})
}

func TestSetDurabilityMonotone(t *testing.T) {
	_, run := testStore(t)
	id := wid(10, 1)
	run(func(s *SafeStore) {
		SetDurability(s, id, primitives.DurableMajority)
		SetDurability(s, id, primitives.NotDurable)
		require.Equal(t, primitives.DurableMajority, s.Command(id).Durability)
		SetDurability(s, id, primitives.DurableUniversal)
		require.Equal(t, primitives.DurableUniversal, s.Command(id).Durability)
	})
}
