package coordinate

import (
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/stonewhitener/cassandra-accord/local"
	"github.com/stonewhitener/cassandra-accord/messages"
	"github.com/stonewhitener/cassandra-accord/metrics"
	"github.com/stonewhitener/cassandra-accord/node"
	"github.com/stonewhitener/cassandra-accord/primitives"
	"github.com/stonewhitener/cassandra-accord/tracking"
)

// Recover takes over a stalled transaction. It promotes a fresh ballot at a
// slow quorum of every shard, merges the replies' dependency knowledge, and
// drives the transaction to the same outcome the original coordinator would
// have reached.
func Recover(n *node.Node, id primitives.TxnId, route primitives.Route, cb Callback) {
	RecoverWithBallot(n, id, route, primitives.NewBallot(id.Epoch, 1, n.ID()), cb)
}

// RecoverWithBallot recovers at an explicit ballot, used when a prior
// attempt was preempted and the caller has witnessed the competing ballot.
func RecoverWithBallot(n *node.Node, id primitives.TxnId, route primitives.Route, ballot primitives.Ballot, cb Callback) {
	metrics.RecoveriesStarted.Inc()
	log.Info("begin recovery",
		zap.Uint32("node", uint32(n.ID())),
		zap.Stringer("txn", id),
		zap.Stringer("ballot", ballot))
	r := &recovery{
		coordination: coordination{
			n: n, id: id, route: route, ballot: ballot, cb: cb,
			expiresAt: n.Clock().NowMillis() + n.Config().LocalExpiresAt.Milliseconds(),
		},
	}
	r.start()
}

type recovery struct {
	coordination

	mu      sync.Mutex
	tracker *tracking.RecoveryTracker

	merged    local.LatestDeps
	maxStatus primitives.Status
	maxBallot primitives.Ballot
	executeAt primitives.Timestamp
	witness      messages.RecoverOK
	anyWitnessed bool
	decided      bool
}

func (r *recovery) start() {
	topologies, err := r.n.Topology().WithUnsyncedEpochs(r.route.Parts, r.id.Epoch, r.id.Epoch)
	if err != nil {
		r.finish(Outcome{}, ErrTopologyMismatch{TxnId: r.id, Reason: MismatchStale})
		return
	}
	r.tracker = tracking.NewRecoveryTracker(topologies)
	r.merged = local.EmptyLatestDeps

	req := &messages.BeginRecoveryReq{
		Header: messages.Header{TxnId: r.id, WaitForEpoch: r.id.Epoch, Scope: r.route},
		Ballot: r.ballot,
	}
	cb := node.CallbackFunc{
		Success: func(from primitives.NodeID, reply messages.Reply) {
			if r.done() {
				return
			}
			switch rep := reply.(type) {
			case messages.RecoverOK:
				r.onPromise(from, rep)
			case messages.Nack:
				if rep.Kind == messages.NackRejected {
					metrics.Preemptions.Inc()
					r.finish(Outcome{}, ErrPreempted{TxnId: r.id, By: rep.Promised})
				} else {
					r.finish(Outcome{}, ErrRedundant{TxnId: r.id})
				}
			}
		},
		Failure: func(from primitives.NodeID, err error) {
			if r.done() {
				return
			}
			r.mu.Lock()
			status := r.tracker.RecordFailure(from)
			r.mu.Unlock()
			if status == tracking.Failed {
				metrics.Timeouts.Inc()
				r.finish(Outcome{}, ErrTimeout{TxnId: r.id})
			}
		},
	}
	nodes := r.tracker.Nodes()
	if len(nodes) == 0 {
		r.finish(Outcome{}, ErrExhausted{TxnId: r.id})
		return
	}
	for _, to := range nodes {
		r.n.Send(to, req, r.expiresAt, cb)
	}
}

func (r *recovery) onPromise(from primitives.NodeID, rep messages.RecoverOK) {
	r.mu.Lock()
	r.merged = local.MergeLatestDeps(r.merged, rep.Deps)
	if rep.Status != primitives.NotDefined {
		r.anyWitnessed = true
		r.route = r.route.Supplement(rep.Route)
		r.witness.Txn = r.witness.Txn.Merge(rep.Txn)
		if primitives.CompareStatus(rep.Status, rep.Accepted, r.maxStatus, r.maxBallot) > 0 {
			r.maxStatus, r.maxBallot = rep.Status, rep.Accepted
			r.witness.Status = rep.Status
			r.witness.ExecuteAt = rep.ExecuteAt
			r.witness.Writes = rep.Writes
			r.witness.Result = rep.Result
		}
		r.executeAt = primitives.MaxTimestamp(r.executeAt, rep.ExecuteAt)
	}
	status := r.tracker.RecordSuccess(from, rep.VotedFast)
	r.mu.Unlock()
	if status == tracking.Success {
		r.decide()
	}
}

// decide infers the outcome from a quorum of promises. The merged LatestDeps
// is associative and commutative, so the decision is identical regardless of
// reply order.
func (r *recovery) decide() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.decided || r.done() {
		return
	}
	r.decided = true
	r.txn = r.witness.Txn
	r.txn.Kind = r.id.Kind()

	switch {
	case r.maxStatus == primitives.Invalidated:
		// someone already knows the transaction is void; propagate
		r.propagateInvalidate()
		return

	case r.maxStatus == primitives.Truncated:
		// the outcome is both decided and reclaimed; nothing to drive
		r.finishLocked(Outcome{}, ErrTruncated{TxnId: r.id})
		return

	case r.maxStatus.HasBeen(primitives.PreApplied):
		// outcome already computed; re-disseminate it
		log.Info("recovery propagating applied outcome", zap.Stringer("txn", r.id))
		deps, _ := r.merged.MergeCommit()
		writes := r.witness.Writes
		r.recoveredWrites, r.recoveredResult = &writes, r.witness.Result
		r.startStabiliseRecovered(r.witness.ExecuteAt, deps)
		return

	case r.maxStatus.HasBeen(primitives.Committed):
		// executeAt and deps durably decided; re-commit them
		deps, _ := r.merged.MergeCommit()
		r.startStabiliseRecovered(r.witness.ExecuteAt, deps)
		return

	case r.maxStatus == primitives.AcceptedInvalidate:
		r.propagateInvalidate()
		return

	case r.maxStatus.Phase() == primitives.PhaseAccept:
		// an Accept round may have committed somewhere; re-propose it at our
		// ballot with the merged dependency knowledge
		proposal := r.merged.MergeProposal()
		executeAt := r.witness.ExecuteAt
		if executeAt.IsZero() {
			executeAt = r.executeAt
		}
		r.startAcceptRecovered(executeAt, proposal)
		return
	}

	if !r.anyWitnessed {
		// a quorum holds no trace: the original coordinator cannot have
		// committed anywhere; invalidate so it never can
		log.Info("recovery invalidating unwitnessed transaction", zap.Stringer("txn", r.id))
		r.propagateInvalidate()
		return
	}

	// only PreAccept state anywhere. The fast path may be re-taken only if a
	// fast quorum with executeAt == txnId could have existed and no witness
	// contradicts it; the check is strict equality.
	proposal := r.merged.MergeProposal()
	if r.tracker.FastPathPossible() && r.executeAt.Equals(r.id.AsTimestamp()) {
		log.Info("recovery re-committing on fast path", zap.Stringer("txn", r.id))
		r.startStabiliseRecovered(r.id.AsTimestamp(), proposal)
		return
	}
	r.startAcceptRecovered(r.executeAt, proposal)
}

func (r *recovery) propagateInvalidate() {
	metrics.Invalidations.Inc()
	topologies, err := r.n.Topology().WithUnsyncedEpochs(r.route.Parts, r.id.Epoch, r.id.Epoch)
	if err != nil {
		r.finishLocked(Outcome{}, ErrTopologyMismatch{TxnId: r.id, Reason: MismatchStale})
		return
	}
	req := &messages.InvalidateReq{Header: messages.Header{TxnId: r.id, WaitForEpoch: r.id.Epoch, Scope: r.route}}
	for _, to := range topologies.Nodes() {
		r.n.Send(to, req, r.expiresAt, nil)
	}
	r.finishLocked(Outcome{}, ErrInvalidated{TxnId: r.id})
}

// finishLocked is finish for paths already holding r.mu; the callback runs
// off the lock.
func (r *recovery) finishLocked(o Outcome, err error) {
	go r.finish(o, err)
}

func (r *recovery) startAcceptRecovered(executeAt primitives.Timestamp, proposal primitives.Deps) {
	if executeAt.IsZero() {
		executeAt = r.id.AsTimestamp()
	}
	topologies, err := r.n.Topology().WithUnsyncedEpochs(r.route.Parts, r.id.Epoch, executeAt.Epoch)
	if err != nil {
		r.finishLocked(Outcome{}, ErrTopologyMismatch{TxnId: r.id, Reason: MismatchStale})
		return
	}
	// the proposal is fixed from merged knowledge: medium path
	go r.startAcceptWith(topologies, executeAt, proposal, messages.AcceptMedium)
}

func (r *recovery) startStabiliseRecovered(executeAt primitives.Timestamp, deps primitives.Deps) {
	// replicas that never witnessed the transaction need the payload
	go r.startStabilise(executeAt, deps, messages.StableWithTxnAndDeps)
}
