package node

import (
	"sync"

	"github.com/stonewhitener/cassandra-accord/local"
	"github.com/stonewhitener/cassandra-accord/messages"
	"github.com/stonewhitener/cassandra-accord/primitives"
)

// dispatch routes an inbound request to the command stores it intersects and
// merges their verdicts into a single reply.
func (n *Node) dispatch(from primitives.NodeID, req messages.Request, ctx messages.ReplyContext) {
	switch r := req.(type) {
	case *messages.PreAcceptReq:
		n.handlePreAccept(r, ctx)
	case *messages.AcceptReq:
		n.handleAccept(r, ctx)
	case *messages.CommitReq:
		n.handleCommit(r, ctx)
	case *messages.ReadReq:
		n.handleRead(r, ctx)
	case *messages.ApplyReq:
		n.handleApply(r, ctx)
	case *messages.BeginRecoveryReq:
		n.handleBeginRecovery(r, ctx)
	case *messages.CheckStatusReq:
		n.handleCheckStatus(r, ctx)
	case *messages.FetchDataReq:
		n.handleFetchData(r, ctx)
	case *messages.InvalidateReq:
		n.handleInvalidate(r, ctx)
	case *messages.SetShardDurableReq:
		n.handleSetShardDurable(r, ctx)
	case *messages.SetGloballyDurableReq:
		n.handleSetGloballyDurable(r, ctx)
	case *messages.QueryDurableBeforeReq:
		n.handleQueryDurableBefore(r, ctx)
	default:
		n.Reply(ctx, messages.Nack{Kind: messages.NackInvalid})
	}
}

// storeFanOut runs fn on every store the scope intersects and calls done once
// after the last store task completes. fn runs on each store's goroutine.
type storeFanOut struct {
	mu      sync.Mutex
	pending int
	done    func()
}

func (n *Node) fanOut(scope primitives.Participants, fn func(s *local.SafeStore), done func()) bool {
	stores := n.stores.Intersecting(scope)
	if len(stores) == 0 {
		return false
	}
	f := &storeFanOut{pending: len(stores), done: done}
	for _, st := range stores {
		st.Execute(local.PreLoadContext{}, func(s *local.SafeStore) {
			fn(s)
			f.mu.Lock()
			f.pending--
			last := f.pending == 0
			f.mu.Unlock()
			if last {
				f.done()
			}
		})
	}
	return true
}

func (n *Node) handlePreAccept(r *messages.PreAcceptReq, ctx messages.ReplyContext) {
	var (
		mu        sync.Mutex
		executeAt = r.TxnId.AsTimestamp()
		deps      = primitives.EmptyDeps
		nack      *messages.Nack
		promised  primitives.Ballot
	)
	ok := n.fanOut(r.Scope.Parts, func(s *local.SafeStore) {
		res := local.PreAccept(s, r.TxnId, r.Txn, r.Scope)
		mu.Lock()
		defer mu.Unlock()
		switch res.Outcome {
		case local.AcceptOK:
			executeAt = primitives.MaxTimestamp(executeAt, res.ExecuteAt)
			deps = deps.With(res.Deps)
			promised = primitives.MaxBallot(promised, res.Witnessed)
		case local.AcceptRejectBallot:
			nack = &messages.Nack{Kind: messages.NackRejected, Promised: res.Witnessed}
		default:
			nack = &messages.Nack{Kind: messages.NackRedundant}
		}
	}, func() {
		if nack != nil {
			n.Reply(ctx, *nack)
			return
		}
		n.Reply(ctx, messages.PreAcceptOK{Witnessed: promised, ExecuteAt: executeAt, Deps: deps})
	})
	if !ok {
		n.Reply(ctx, messages.Nack{Kind: messages.NackInvalid})
	}
}

func (n *Node) handleAccept(r *messages.AcceptReq, ctx messages.ReplyContext) {
	var (
		mu   sync.Mutex
		deps = primitives.EmptyDeps
		nack *messages.Nack
	)
	kind := local.AcceptKind(r.Kind)
	ok := n.fanOut(r.Scope.Parts, func(s *local.SafeStore) {
		res := local.Accept(s, r.TxnId, r.Ballot, kind, r.ExecuteAt, r.Deps, r.Scope)
		mu.Lock()
		defer mu.Unlock()
		switch res.Outcome {
		case local.AcceptOK:
			deps = deps.With(res.Deps)
		case local.AcceptRejectBallot:
			nack = &messages.Nack{Kind: messages.NackRejected, Promised: res.Promised}
		case local.AcceptRedundant:
			nack = &messages.Nack{Kind: messages.NackRedundant}
		default:
			nack = &messages.Nack{Kind: messages.NackInvalid}
		}
	}, func() {
		if nack != nil {
			n.Reply(ctx, *nack)
			return
		}
		n.Reply(ctx, messages.AcceptOK{Deps: deps})
	})
	if !ok {
		n.Reply(ctx, messages.Nack{Kind: messages.NackInvalid})
	}
}

func (n *Node) handleCommit(r *messages.CommitReq, ctx messages.ReplyContext) {
	var (
		mu   sync.Mutex
		nack *messages.Nack
	)
	ok := n.fanOut(r.Scope.Parts, func(s *local.SafeStore) {
		var out local.AcceptOutcome
		c := s.IfPresent(r.TxnId)
		if (c == nil || !c.HasBeen(primitives.PreAccepted)) && !r.Kind.CarriesTxn() {
			// never witnessed and the commit does not carry the payload
			mu.Lock()
			nack = &messages.Nack{Kind: messages.NackInsufficient}
			mu.Unlock()
			return
		}
		if r.Kind.IsStable() {
			out = local.Stabilize(s, r.TxnId, r.Ballot, r.ExecuteAt, r.Deps, r.Txn, r.Scope)
		} else {
			out = local.Commit(s, r.TxnId, r.Ballot, r.ExecuteAt, r.Deps, r.Txn, r.Scope)
		}
		mu.Lock()
		defer mu.Unlock()
		switch out {
		case local.AcceptOK:
		case local.AcceptRejectBallot:
			nack = &messages.Nack{Kind: messages.NackRejected}
		case local.AcceptTruncated, local.AcceptRedundant:
			nack = &messages.Nack{Kind: messages.NackRedundant}
		default:
			nack = &messages.Nack{Kind: messages.NackInsufficient}
		}
	}, func() {
		if nack != nil {
			n.Reply(ctx, *nack)
			return
		}
		n.Reply(ctx, messages.CommitOK{})
	})
	if !ok {
		n.Reply(ctx, messages.Nack{Kind: messages.NackInvalid})
	}
}

// readWaiter serves a read once the command's local dependencies drain.
type readWaiter struct {
	n      *Node
	req    *messages.ReadReq
	ctx    messages.ReplyContext
	acc    *readAccumulator
	keys   primitives.Keys
	served bool
}

type readAccumulator struct {
	mu      sync.Mutex
	pending int
	data    primitives.Result
	nacked  bool
	n       *Node
	ctx     messages.ReplyContext
}

func (a *readAccumulator) add(data primitives.Result, nack bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending == 0 {
		return
	}
	if nack && !a.nacked {
		a.nacked = true
		a.pending = 0
		a.n.Reply(a.ctx, messages.Nack{Kind: messages.NackRedundant})
		return
	}
	a.data = append(a.data, data...)
	a.pending--
	if a.pending == 0 {
		a.n.Reply(a.ctx, messages.ReadOK{Data: primitives.MergeResults([]primitives.Result{a.data})})
	}
}

func (w *readWaiter) OnChange(s *local.SafeStore, c *local.Command) {
	w.try(s, c)
}

func (w *readWaiter) try(s *local.SafeStore, c *local.Command) {
	if w.served {
		return
	}
	switch c.Status {
	case primitives.Invalidated, primitives.Truncated:
		w.served = true
		w.acc.add(nil, true)
		return
	}
	if !c.HasBeen(primitives.Stable) || !c.WaitingOn.IsDone() {
		return
	}
	w.served = true
	var data primitives.Result
	for _, k := range w.keys {
		data = append(data, primitives.KeyValue{Key: k, Value: w.n.data.Read(k, w.req.ExecuteAt)})
	}
	w.acc.add(data, false)
}

func (n *Node) handleRead(r *messages.ReadReq, ctx messages.ReplyContext) {
	stores := n.stores.Intersecting(primitives.Participants{Keys: r.Keys})
	if len(stores) == 0 {
		n.Reply(ctx, messages.Nack{Kind: messages.NackInvalid})
		return
	}
	acc := &readAccumulator{pending: len(stores), n: n, ctx: ctx}
	for _, st := range stores {
		keys := n.stores.SliceFor(st, primitives.Participants{Keys: r.Keys}).Keys
		st.Execute(local.ContextFor(r.TxnId).WithKeys(keys), func(s *local.SafeStore) {
			w := &readWaiter{n: n, req: r, ctx: ctx, acc: acc, keys: keys}
			c := s.Command(r.TxnId)
			w.try(s, c)
			if !w.served {
				s.AddListener(r.TxnId, w)
			}
		})
	}
}

func (n *Node) handleApply(r *messages.ApplyReq, ctx messages.ReplyContext) {
	var (
		mu   sync.Mutex
		nack *messages.Nack
	)
	ok := n.fanOut(r.Scope.Parts, func(s *local.SafeStore) {
		out := local.ApplyOutcome(s, r.TxnId, r.Ballot, r.ExecuteAt, r.Deps, r.Txn, r.Scope, r.Writes, r.Result)
		mu.Lock()
		defer mu.Unlock()
		switch out {
		case local.AcceptOK, local.AcceptRedundant:
			// a redundant apply has still been persisted
		case local.AcceptRejectBallot:
			nack = &messages.Nack{Kind: messages.NackRejected}
		default:
			nack = &messages.Nack{Kind: messages.NackInsufficient}
		}
	}, func() {
		if nack != nil {
			n.Reply(ctx, *nack)
			return
		}
		n.Reply(ctx, messages.ApplyOK{})
	})
	if !ok {
		n.Reply(ctx, messages.Nack{Kind: messages.NackInvalid})
	}
}

func (n *Node) handleBeginRecovery(r *messages.BeginRecoveryReq, ctx messages.ReplyContext) {
	var (
		mu        sync.Mutex
		reply     messages.RecoverOK
		nack      *messages.Nack
		witnessed bool
		votedFast = true
		maxStatus primitives.Status
		maxBallot primitives.Ballot
	)
	reply.Deps = local.EmptyLatestDeps
	ok := n.fanOut(r.Scope.Parts, func(s *local.SafeStore) {
		c := s.Command(r.TxnId)
		mu.Lock()
		defer mu.Unlock()
		if r.Ballot.CompareBallot(c.Promised) <= 0 && c.Promised != primitives.ZeroBallot {
			nack = &messages.Nack{Kind: messages.NackRejected, Promised: c.Promised}
			return
		}
		c.Promised = r.Ballot

		participants := s.StoreParticipantsFor(r.TxnId, r.Scope)
		covering := participants.Owns.Covering()
		known := primitives.KnownDepsFor(c.Status)
		var coordinated, localDeps primitives.Deps
		switch known {
		case primitives.DepsProposedFixed, primitives.DepsCommitted, primitives.DepsKnown:
			coordinated = c.PartialDeps
		case primitives.DepsProposed:
			localDeps = c.PartialDeps
		}
		entry := local.NewLatestDeps(covering, known, c.Accepted, coordinated, localDeps)
		reply.Deps = local.MergeLatestDeps(reply.Deps, entry)

		if primitives.CompareStatus(c.Status, c.Accepted, maxStatus, maxBallot) > 0 {
			maxStatus, maxBallot = c.Status, c.Accepted
			reply.Status = c.Status
			reply.Accepted = c.Accepted
			reply.ExecuteAt = c.ExecuteAt
			reply.Route = c.Participants.Route
			reply.Txn = c.PartialTxn
			reply.Writes = c.Writes
			reply.Result = c.Result
		}
		if c.HasBeen(primitives.PreAccepted) && c.Status != primitives.Truncated {
			witnessed = true
			if !c.ExecuteAtOrTxnId().Equals(r.TxnId.AsTimestamp()) {
				votedFast = false
			}
		}
	}, func() {
		if nack != nil {
			n.Reply(ctx, *nack)
			return
		}
		reply.VotedFast = witnessed && votedFast
		n.Reply(ctx, reply)
	})
	if !ok {
		n.Reply(ctx, messages.Nack{Kind: messages.NackInvalid})
	}
}

func (n *Node) handleCheckStatus(r *messages.CheckStatusReq, ctx messages.ReplyContext) {
	var (
		mu    sync.Mutex
		reply messages.CheckStatusOK
	)
	ok := n.fanOut(r.Scope.Parts, func(s *local.SafeStore) {
		c := s.IfPresent(r.TxnId)
		if c == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if primitives.CompareStatus(c.Status, c.Accepted, reply.Status, reply.Accepted) >= 0 {
			reply.Status = c.Status
			reply.Accepted = c.Accepted
			reply.ExecuteAt = c.ExecuteAt
		}
		reply.Promised = primitives.MaxBallot(reply.Promised, c.Promised)
		reply.Durability = primitives.MaxDurability(reply.Durability, c.Durability)
		reply.Route = reply.Route.Supplement(c.Participants.Route)
		if r.IncludeInfo {
			reply.Deps = reply.Deps.With(c.PartialDeps)
			reply.Txn = reply.Txn.Merge(c.PartialTxn)
			if c.HasResult() {
				reply.Writes = c.Writes
				reply.Result = c.Result
			}
		}
	}, func() {
		n.Reply(ctx, reply)
	})
	if !ok {
		n.Reply(ctx, messages.Nack{Kind: messages.NackInvalid})
	}
}

func (n *Node) handleFetchData(r *messages.FetchDataReq, ctx messages.ReplyContext) {
	var (
		mu    sync.Mutex
		reply messages.FetchDataOK
	)
	ok := n.fanOut(r.Need, func(s *local.SafeStore) {
		c := s.IfPresent(r.TxnId)
		if c == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if c.Status > reply.Status {
			reply.Status = c.Status
			reply.ExecuteAt = c.ExecuteAt
		}
		reply.Txn = reply.Txn.Merge(c.PartialTxn)
		reply.Deps = reply.Deps.With(c.PartialDeps)
		if c.HasResult() {
			reply.Writes = c.Writes
			reply.Result = c.Result
		}
	}, func() {
		n.Reply(ctx, reply)
	})
	if !ok {
		n.Reply(ctx, messages.Nack{Kind: messages.NackInvalid})
	}
}

func (n *Node) handleInvalidate(r *messages.InvalidateReq, ctx messages.ReplyContext) {
	var (
		mu   sync.Mutex
		nack *messages.Nack
	)
	ok := n.fanOut(r.Scope.Parts, func(s *local.SafeStore) {
		out := local.Invalidate(s, r.TxnId)
		mu.Lock()
		defer mu.Unlock()
		if out == local.AcceptRedundant {
			nack = &messages.Nack{Kind: messages.NackRedundant}
		}
	}, func() {
		if nack != nil {
			n.Reply(ctx, *nack)
			return
		}
		n.Reply(ctx, messages.SimpleOK{})
	})
	if !ok {
		n.Reply(ctx, messages.Nack{Kind: messages.NackInvalid})
	}
}

func (n *Node) handleSetShardDurable(r *messages.SetShardDurableReq, ctx messages.ReplyContext) {
	ok := n.fanOut(r.Scope.Parts, func(s *local.SafeStore) {
		local.SetDurability(s, r.TxnId, r.Durability)
	}, func() {
		n.Reply(ctx, messages.SimpleOK{})
	})
	if !ok {
		n.Reply(ctx, messages.Nack{Kind: messages.NackInvalid})
	}
}

func (n *Node) handleSetGloballyDurable(r *messages.SetGloballyDurableReq, ctx messages.ReplyContext) {
	all := n.stores.All()
	var wg sync.WaitGroup
	wg.Add(len(all))
	for _, st := range all {
		st.Execute(local.PreLoadContext{}, func(s *local.SafeStore) {
			s.SetDurableBefore(r.DurableBefore)
			wg.Done()
		})
	}
	go func() {
		wg.Wait()
		n.Reply(ctx, messages.SimpleOK{})
	}()
}

func (n *Node) handleQueryDurableBefore(r *messages.QueryDurableBeforeReq, ctx messages.ReplyContext) {
	all := n.stores.All()
	var (
		mu      sync.Mutex
		pending = len(all)
		merged  = local.EmptyDurableBefore
	)
	for _, st := range all {
		st.Execute(local.PreLoadContext{}, func(s *local.SafeStore) {
			mu.Lock()
			merged = local.MergeDurableBefore(merged, s.DurableBefore())
			pending--
			last := pending == 0
			mu.Unlock()
			if last {
				n.Reply(ctx, messages.QueryDurableBeforeOK{DurableBefore: merged})
			}
		})
	}
}
