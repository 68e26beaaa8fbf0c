package coordinate

import (
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/stonewhitener/cassandra-accord/messages"
	"github.com/stonewhitener/cassandra-accord/metrics"
	"github.com/stonewhitener/cassandra-accord/node"
	"github.com/stonewhitener/cassandra-accord/primitives"
	"github.com/stonewhitener/cassandra-accord/topology"
	"github.com/stonewhitener/cassandra-accord/tracking"
)

// Outcome is delivered to the client callback once the transaction has
// persisted at a majority of every participating shard.
type Outcome struct {
	TxnId     primitives.TxnId
	ExecuteAt primitives.Timestamp
	Result    primitives.Result
}

// Callback receives the final outcome or error of a coordination.
type Callback func(Outcome, error)

// coordination carries one transaction through the pipeline. Every stage is
// driven by reply callbacks on the coordinator node; isDone short-circuits
// stragglers after completion or preemption.
type coordination struct {
	n      *node.Node
	id     primitives.TxnId
	txn    primitives.Txn
	route  primitives.Route
	ballot primitives.Ballot
	cb     Callback

	expiresAt int64

	// recoveredWrites/recoveredResult carry an already-computed outcome a
	// recovery learnt; when set, the execute stage is skipped.
	recoveredWrites *primitives.Writes
	recoveredResult primitives.Result

	mu     sync.Mutex
	isDone bool
}

func (c *coordination) finish(o Outcome, err error) {
	c.mu.Lock()
	if c.isDone {
		c.mu.Unlock()
		return
	}
	c.isDone = true
	c.mu.Unlock()
	c.cb(o, err)
}

func (c *coordination) done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isDone
}

// Coordinate drives a client submission through PreAccept onwards. Any node
// may coordinate any transaction.
func Coordinate(n *node.Node, id primitives.TxnId, txn primitives.Txn, route primitives.Route, cb Callback) {
	metrics.CoordinationsStarted.Inc()
	c := &coordination{
		n: n, id: id, txn: txn, route: route,
		ballot:    primitives.ZeroBallot,
		cb:        cb,
		expiresAt: n.Clock().NowMillis() + n.Config().LocalExpiresAt.Milliseconds(),
	}
	c.startPreAccept()
}

// PreAcceptOnly disseminates only the PreAccept round and then abandons the
// coordination. Fault-injection harnesses use it to model a coordinator that
// crashes between PreAccept and Commit.
func PreAcceptOnly(n *node.Node, id primitives.TxnId, txn primitives.Txn, route primitives.Route) {
	topologies, err := n.Topology().WithUnsyncedEpochs(route.Parts, id.Epoch, id.Epoch)
	if err != nil {
		return
	}
	req := &messages.PreAcceptReq{
		Header: messages.Header{TxnId: id, WaitForEpoch: id.Epoch, Scope: route},
		Txn:    txn,
	}
	expiresAt := n.Clock().NowMillis() + n.Config().LocalExpiresAt.Milliseconds()
	for _, to := range topologies.Nodes() {
		n.Send(to, req, expiresAt, nil)
	}
}

func (c *coordination) header(epoch uint64) messages.Header {
	return messages.Header{TxnId: c.id, WaitForEpoch: epoch, Scope: c.route}
}

func (c *coordination) startPreAccept() {
	topologies, err := c.n.Topology().WithUnsyncedEpochs(c.route.Parts, c.id.Epoch, c.id.Epoch)
	if err != nil {
		c.finish(Outcome{}, ErrTopologyMismatch{TxnId: c.id, Reason: MismatchStale})
		return
	}
	tracker := tracking.NewFastPathTracker(topologies)
	nodes := tracker.Nodes()
	if len(nodes) == 0 {
		c.finish(Outcome{}, ErrExhausted{TxnId: c.id})
		return
	}
	var (
		mu        sync.Mutex
		executeAt = c.id.AsTimestamp()
		deps      = primitives.EmptyDeps
		responses int
		quorum    bool
		decided   bool
	)
	// the slow quorum decides, but while a fast-path quorum is still
	// possible we hold on for the remaining electorate votes
	maybeDecide := func() (primitives.Timestamp, primitives.Deps, bool) {
		if decided || !quorum {
			return primitives.Timestamp{}, primitives.Deps{}, false
		}
		if !tracker.FastPathAccepted() && tracker.FastPathStillPossible() && responses < len(nodes) {
			return primitives.Timestamp{}, primitives.Deps{}, false
		}
		decided = true
		return executeAt, deps, true
	}
	req := &messages.PreAcceptReq{Header: c.header(c.id.Epoch), Txn: c.txn}
	cb := node.CallbackFunc{
		Success: func(from primitives.NodeID, reply messages.Reply) {
			if c.done() {
				return
			}
			switch r := reply.(type) {
			case messages.PreAcceptOK:
				mu.Lock()
				responses++
				executeAt = primitives.MaxTimestamp(executeAt, r.ExecuteAt)
				deps = deps.With(r.Deps)
				if tracker.RecordSuccess(from, r.FastPathVote(c.id)) == tracking.Success {
					quorum = true
				}
				finalAt, finalDeps, decide := maybeDecide()
				mu.Unlock()
				if decide {
					c.onPreAccepted(tracker, finalAt, finalDeps)
				}
			case messages.Nack:
				c.onNack(r)
			}
		},
		Failure: func(from primitives.NodeID, err error) {
			if c.done() {
				return
			}
			mu.Lock()
			responses++
			failed := tracker.RecordFailure(from) == tracking.Failed
			finalAt, finalDeps, decide := maybeDecide()
			mu.Unlock()
			if failed {
				metrics.Timeouts.Inc()
				c.finish(Outcome{}, ErrTimeout{TxnId: c.id})
				return
			}
			if decide {
				c.onPreAccepted(tracker, finalAt, finalDeps)
			}
		},
	}
	for _, to := range nodes {
		c.n.Send(to, req, c.expiresAt, cb)
	}
}

func (c *coordination) onNack(nk messages.Nack) {
	switch nk.Kind {
	case messages.NackRejected:
		metrics.Preemptions.Inc()
		c.finish(Outcome{}, ErrPreempted{TxnId: c.id, By: nk.Promised})
	case messages.NackRedundant:
		c.finish(Outcome{}, ErrRedundant{TxnId: c.id})
	case messages.NackInvalid:
		c.finish(Outcome{}, ErrTopologyMismatch{TxnId: c.id, Reason: MismatchKeysOrRanges})
	default:
		c.finish(Outcome{}, ErrInsufficient{TxnId: c.id})
	}
}

func (c *coordination) onPreAccepted(tracker *tracking.FastPathTracker, executeAt primitives.Timestamp, deps primitives.Deps) {
	if c.done() {
		return
	}
	if tracker.FastPathAccepted() && executeAt.Equals(c.id.AsTimestamp()) {
		metrics.FastPathTaken.Inc()
		log.Debug("fast path accepted", zap.Stringer("txn", c.id))
		c.startStabilise(c.id.AsTimestamp(), deps, messages.StableFastPath)
		return
	}
	metrics.SlowPathTaken.Inc()
	c.startAccept(executeAt, deps)
}

// startAccept proposes the slow-path executeAt; replicas may add
// late-witnessed conflicts to the dependency proposal.
func (c *coordination) startAccept(executeAt primitives.Timestamp, proposed primitives.Deps) {
	topologies, err := c.n.Topology().WithUnsyncedEpochs(c.route.Parts, c.id.Epoch, executeAt.Epoch)
	if err != nil {
		c.finish(Outcome{}, ErrTopologyMismatch{TxnId: c.id, Reason: MismatchStale})
		return
	}
	c.startAcceptWith(topologies, executeAt, proposed, messages.AcceptSlow)
}

func (c *coordination) startAcceptWith(topologies topology.Topologies, executeAt primitives.Timestamp, proposed primitives.Deps, kind messages.AcceptKindWire) {
	tracker := tracking.NewQuorumTracker(topologies)
	var (
		mu   sync.Mutex
		deps = proposed
	)
	req := &messages.AcceptReq{
		Header: c.header(executeAt.Epoch), Ballot: c.ballot,
		Kind: kind, ExecuteAt: executeAt, Deps: proposed,
	}
	cb := node.CallbackFunc{
		Success: func(from primitives.NodeID, reply messages.Reply) {
			if c.done() {
				return
			}
			switch r := reply.(type) {
			case messages.AcceptOK:
				mu.Lock()
				deps = deps.With(r.Deps)
				status := tracker.RecordSuccess(from)
				finalDeps := deps
				mu.Unlock()
				if status == tracking.Success {
					c.startStabilise(executeAt, finalDeps, messages.StableSlowPath)
				}
			case messages.Nack:
				c.onNack(r)
			}
		},
		Failure: func(from primitives.NodeID, err error) {
			if c.done() {
				return
			}
			mu.Lock()
			status := tracker.RecordFailure(from)
			mu.Unlock()
			if status == tracking.Failed {
				metrics.Timeouts.Inc()
				c.finish(Outcome{}, ErrTimeout{TxnId: c.id})
			}
		},
	}
	for _, to := range tracker.Nodes() {
		c.n.Send(to, req, c.expiresAt, cb)
	}
}

// startStabilise disseminates the decided executeAt and final deps; a slow
// quorum of the coordination epochs makes the decision durable for recovery.
func (c *coordination) startStabilise(executeAt primitives.Timestamp, stableDeps primitives.Deps, kind messages.CommitKind) {
	topologies, err := c.n.Topology().WithUnsyncedEpochs(c.route.Parts, c.id.Epoch, executeAt.Epoch)
	if err != nil {
		c.finish(Outcome{}, ErrTopologyMismatch{TxnId: c.id, Reason: MismatchStale})
		return
	}
	tracker := tracking.NewQuorumTracker(topologies)
	var mu sync.Mutex
	req := &messages.CommitReq{
		Header: c.header(executeAt.Epoch), Kind: kind, Ballot: c.ballot,
		ExecuteAt: executeAt, Deps: stableDeps,
	}
	if kind.CarriesTxn() {
		req.Txn = c.txn
	}
	cb := node.CallbackFunc{
		Success: func(from primitives.NodeID, reply messages.Reply) {
			if c.done() {
				return
			}
			switch r := reply.(type) {
			case messages.CommitOK:
				mu.Lock()
				status := tracker.RecordSuccess(from)
				mu.Unlock()
				if status == tracking.Success {
					c.startExecute(executeAt, stableDeps)
				}
			case messages.Nack:
				switch r.Kind {
				case messages.NackInsufficient:
					// resend with the full payload
					resend := *req
					resend.Kind = messages.CommitWithTxn
					resend.Txn = c.txn
					c.n.Send(from, &resend, c.expiresAt, c.stabiliseRetryCallback(tracker, &mu, executeAt, stableDeps))
				case messages.NackRedundant:
					c.finish(Outcome{}, ErrRedundant{TxnId: c.id, ExecuteAt: executeAt})
				default:
					metrics.Preemptions.Inc()
					c.finish(Outcome{}, ErrPreempted{TxnId: c.id, By: r.Promised})
				}
			}
		},
		Failure: func(from primitives.NodeID, err error) {
			if c.done() {
				return
			}
			mu.Lock()
			status := tracker.RecordFailure(from)
			mu.Unlock()
			if status == tracking.Failed {
				metrics.Timeouts.Inc()
				c.finish(Outcome{}, ErrTimeout{TxnId: c.id})
			}
		},
	}
	for _, to := range tracker.Nodes() {
		c.n.Send(to, req, c.expiresAt, cb)
	}
}

func (c *coordination) stabiliseRetryCallback(tracker *tracking.QuorumTracker, mu *sync.Mutex, executeAt primitives.Timestamp, stableDeps primitives.Deps) node.Callback {
	return node.CallbackFunc{
		Success: func(from primitives.NodeID, reply messages.Reply) {
			if c.done() {
				return
			}
			if _, ok := reply.(messages.CommitOK); ok {
				mu.Lock()
				status := tracker.RecordSuccess(from)
				mu.Unlock()
				if status == tracking.Success {
					c.startExecute(executeAt, stableDeps)
				}
			}
		},
		Failure: func(from primitives.NodeID, err error) {},
	}
}

// startExecute gathers the transaction's reads from one replica per shard of
// the execution topology.
func (c *coordination) startExecute(executeAt primitives.Timestamp, stableDeps primitives.Deps) {
	if c.recoveredWrites != nil {
		c.startPersistPrepared(executeAt, stableDeps, *c.recoveredWrites, c.recoveredResult)
		return
	}
	if len(c.txn.Reads) == 0 {
		c.startPersist(executeAt, stableDeps, primitives.Result(nil))
		return
	}
	readScope := primitives.Participants{Keys: c.txn.Reads}
	topologies, err := c.n.Topology().PreciseEpochs(readScope, executeAt.Epoch, executeAt.Epoch)
	if err != nil {
		c.finish(Outcome{}, ErrTopologyMismatch{TxnId: c.id, Reason: MismatchStale})
		return
	}
	tracker := tracking.NewReadTracker(topologies)
	var (
		mu   sync.Mutex
		data primitives.Result
	)
	req := &messages.ReadReq{Header: c.header(executeAt.Epoch), ExecuteAt: executeAt, Keys: c.txn.Reads}
	var cb node.Callback
	cb = node.CallbackFunc{
		Success: func(from primitives.NodeID, reply messages.Reply) {
			if c.done() {
				return
			}
			switch r := reply.(type) {
			case messages.ReadOK:
				mu.Lock()
				data = append(data, r.Data...)
				status := tracker.RecordSuccess(from)
				final := primitives.MergeResults([]primitives.Result{data})
				mu.Unlock()
				if status == tracking.Success {
					c.startPersist(executeAt, stableDeps, final)
				}
			case messages.Nack:
				c.finish(Outcome{}, ErrRedundant{TxnId: c.id, ExecuteAt: executeAt})
			}
		},
		Failure: func(from primitives.NodeID, err error) {
			if c.done() {
				return
			}
			mu.Lock()
			status, next := tracker.RecordFailure(from)
			mu.Unlock()
			if status == tracking.Failed {
				metrics.Timeouts.Inc()
				c.finish(Outcome{}, ErrTimeout{TxnId: c.id})
				return
			}
			for _, to := range next {
				c.n.Send(to, req, c.expiresAt, cb)
			}
		},
	}
	for _, to := range tracker.InitialContacts(c.n.Topology().IsFaulty) {
		c.n.Send(to, req, c.expiresAt, cb)
	}
}

// startPersist disseminates the outcome. The client learns success at
// majority persistence; dissemination continues toward universal durability
// afterwards.
func (c *coordination) startPersist(executeAt primitives.Timestamp, deps primitives.Deps, readData primitives.Result) {
	writes := primitives.Writes{ExecuteAt: executeAt, Writes: c.txn.Writes}
	// the result reflects the transaction's own writes over what it read
	result := append(primitives.Result(nil), readData...)
	for _, w := range c.txn.Writes {
		replaced := false
		for i := range result {
			if result[i].Key.Equal(w.Key) {
				result[i] = primitives.KeyValue{Key: w.Key, Value: w.Value}
				replaced = true
				break
			}
		}
		if !replaced {
			result = append(result, primitives.KeyValue{Key: w.Key, Value: w.Value})
		}
	}
	c.startPersistPrepared(executeAt, deps, writes, primitives.MergeResults([]primitives.Result{result}))
}

func (c *coordination) startPersistPrepared(executeAt primitives.Timestamp, deps primitives.Deps, writes primitives.Writes, result primitives.Result) {
	topologies, err := c.n.Topology().PreciseEpochs(c.route.Parts, executeAt.Epoch, executeAt.Epoch)
	if err != nil {
		c.finish(Outcome{}, ErrTopologyMismatch{TxnId: c.id, Reason: MismatchStale})
		return
	}
	tracker := tracking.NewQuorumTracker(topologies)
	all := tracking.NewAllTracker(topologies)
	var mu sync.Mutex
	req := &messages.ApplyReq{
		Header: c.header(executeAt.Epoch), Ballot: c.ballot,
		ExecuteAt: executeAt, Deps: deps, Txn: c.txn,
		Writes: writes, Result: result,
	}
	outcome := Outcome{TxnId: c.id, ExecuteAt: executeAt, Result: result}
	cb := node.CallbackFunc{
		Success: func(from primitives.NodeID, reply messages.Reply) {
			if _, ok := reply.(messages.ApplyOK); !ok {
				return
			}
			mu.Lock()
			quorum := tracker.RecordSuccess(from)
			everyone := all.RecordSuccess(from)
			mu.Unlock()
			if quorum == tracking.Success {
				// durable at a majority of every shard: the client may learn
				// the outcome
				c.setDurable(executeAt, primitives.DurableMajority)
				c.finish(outcome, nil)
			}
			if everyone == tracking.Success {
				c.setDurable(executeAt, primitives.DurableUniversal)
			}
		},
		Failure: func(from primitives.NodeID, err error) {
			mu.Lock()
			status := tracker.RecordFailure(from)
			mu.Unlock()
			if status == tracking.Failed {
				metrics.Timeouts.Inc()
				c.finish(Outcome{}, ErrTimeout{TxnId: c.id})
			}
		},
	}
	for _, to := range tracker.Nodes() {
		c.n.Send(to, req, c.expiresAt, cb)
	}
}

// setDurable gossips the achieved durability level to the participants.
func (c *coordination) setDurable(executeAt primitives.Timestamp, d primitives.Durability) {
	req := &messages.SetShardDurableReq{Header: c.header(executeAt.Epoch), Durability: d}
	topologies, err := c.n.Topology().PreciseEpochs(c.route.Parts, executeAt.Epoch, executeAt.Epoch)
	if err != nil {
		return
	}
	for _, to := range topologies.Nodes() {
		c.n.Send(to, req, c.expiresAt, nil)
	}
}
