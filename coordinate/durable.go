package coordinate

import (
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/stonewhitener/cassandra-accord/local"
	"github.com/stonewhitener/cassandra-accord/messages"
	"github.com/stonewhitener/cassandra-accord/node"
	"github.com/stonewhitener/cassandra-accord/primitives"
)

// CoordinateGloballyDurable sweeps the cluster's durability knowledge: it
// queries every node's DurableBefore watermarks, merges them, and gossips
// the merged map back out so replicas can advance their cleanup decisions.
// Run periodically by the embedding.
func CoordinateGloballyDurable(n *node.Node, cb func(local.DurableBefore, error)) {
	top := n.Topology().Current()
	if top.IsEmpty() {
		cb(local.EmptyDurableBefore, ErrExhausted{})
		return
	}
	nodes := top.Nodes()
	scope := primitives.Route{Parts: primitives.RangeParticipants(top.Ranges()...)}
	req := &messages.QueryDurableBeforeReq{
		Header: messages.Header{WaitForEpoch: top.Epoch, Scope: scope},
	}
	expiresAt := n.Clock().NowMillis() + n.Config().LocalExpiresAt.Milliseconds()

	var (
		mu      sync.Mutex
		pending = len(nodes)
		merged  = local.EmptyDurableBefore
		fired   bool
	)
	quorum := len(nodes)/2 + 1
	finish := func() {
		if fired {
			return
		}
		fired = true
		log.Debug("globally durable sweep complete", zap.Uint64("epoch", top.Epoch))
		out := &messages.SetGloballyDurableReq{
			Header:        messages.Header{WaitForEpoch: top.Epoch, Scope: scope},
			DurableBefore: merged,
		}
		for _, to := range nodes {
			n.Send(to, out, expiresAt, nil)
		}
		cb(merged, nil)
	}
	respond := node.CallbackFunc{
		Success: func(from primitives.NodeID, reply messages.Reply) {
			ok, isOk := reply.(messages.QueryDurableBeforeOK)
			if !isOk {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			merged = local.MergeDurableBefore(merged, ok.DurableBefore)
			pending--
			if len(nodes)-pending >= quorum {
				finish()
			}
		},
		Failure: func(from primitives.NodeID, err error) {
			mu.Lock()
			defer mu.Unlock()
			pending--
			if pending == 0 && !fired {
				cb(local.EmptyDurableBefore, ErrTimeout{})
				fired = true
			}
		},
	}
	for _, to := range nodes {
		n.Send(to, req, expiresAt, respond)
	}
}
