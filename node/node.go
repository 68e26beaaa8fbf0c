// Package node wires the protocol core together on one process: the clock,
// the topology manager, the command stores, message dispatch and the reply
// path. Transport and persistence are collaborators supplied by the
// embedding.
package node

import (
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/stonewhitener/cassandra-accord/api"
	"github.com/stonewhitener/cassandra-accord/config"
	"github.com/stonewhitener/cassandra-accord/local"
	"github.com/stonewhitener/cassandra-accord/messages"
	"github.com/stonewhitener/cassandra-accord/primitives"
	"github.com/stonewhitener/cassandra-accord/topology"
)

// Transport moves requests and replies between nodes. Implementations decide
// encoding and delivery; failure detection is reported through the callback
// registry by DeliverFailure.
type Transport interface {
	Send(from, to primitives.NodeID, req messages.Request, ctx messages.ReplyContext)
	Reply(from primitives.NodeID, ctx messages.ReplyContext, reply messages.Reply)
}

// Callback receives the replies of one coordination round.
type Callback interface {
	OnSuccess(from primitives.NodeID, reply messages.Reply)
	OnFailure(from primitives.NodeID, err error)
}

// CallbackFunc adapts plain functions.
type CallbackFunc struct {
	Success func(from primitives.NodeID, reply messages.Reply)
	Failure func(from primitives.NodeID, err error)
}

func (c CallbackFunc) OnSuccess(from primitives.NodeID, reply messages.Reply) {
	if c.Success != nil {
		c.Success(from, reply)
	}
}

func (c CallbackFunc) OnFailure(from primitives.NodeID, err error) {
	if c.Failure != nil {
		c.Failure(from, err)
	}
}

// Node is one replica process.
type Node struct {
	id    primitives.NodeID
	clock *Clock
	topo  *topology.Manager

	stores    *local.Stores
	transport Transport
	agent     api.Agent
	data      api.DataStore
	cfg       *config.Config

	reqID atomic.Uint64

	mu        sync.Mutex
	callbacks map[uint64]callbackEntry

	// RecoverFn begins a recovery coordination; assigned by the coordinate
	// package at wiring time to avoid a dependency inversion on the hot
	// path.
	RecoverFn func(n *Node, id primitives.TxnId, route primitives.Route)

	// epochWG counts epochs whose application to the stores is still in
	// flight; ReceiveTopology adds one and releases it after acknowledging.
	epochWG sync.WaitGroup
}

type callbackEntry struct {
	cb Callback
}

func NewNode(id primitives.NodeID, cfg *config.Config, transport Transport,
	agent api.Agent, data api.DataStore, journal local.Journal, storeBoundaries primitives.Keys) *Node {
	n := &Node{
		id:        id,
		clock:     NewClock(),
		topo:      topology.NewManager(id),
		stores:    local.NewStores(id, journal, storeBoundaries),
		transport: transport,
		agent:     agent,
		data:      data,
		cfg:       cfg,
		callbacks: make(map[uint64]callbackEntry),
	}
	for _, st := range n.stores.All() {
		st.OnApplied = n.onApplied
	}
	return n
}

func (n *Node) ID() primitives.NodeID       { return n.id }
func (n *Node) Clock() *Clock               { return n.clock }
func (n *Node) Topology() *topology.Manager { return n.topo }
func (n *Node) Stores() *local.Stores       { return n.stores }
func (n *Node) Agent() api.Agent            { return n.agent }
func (n *Node) Data() api.DataStore         { return n.data }
func (n *Node) Config() *config.Config      { return n.cfg }

// SetClock replaces the clock source (tests).
func (n *Node) SetClock(c *Clock) { n.clock = c }

// NextTxnId mints a new transaction id at the current epoch.
func (n *Node) NextTxnId(kind primitives.Kind, domain primitives.Domain) primitives.TxnId {
	return primitives.NewTxnId(n.topo.Epoch(), n.clock.UniqueNow(), kind, domain, n.id)
}

// UniqueNow returns a fresh timestamp at the given minimum epoch.
func (n *Node) UniqueNow(atLeastEpoch uint64) primitives.Timestamp {
	e := n.topo.Epoch()
	if atLeastEpoch > e {
		e = atLeastEpoch
	}
	return primitives.NewTimestamp(e, n.clock.UniqueNow(), 0, n.id)
}

// ReceiveTopology installs a new epoch, applies it to the stores, and
// acknowledges it once every store has processed it.
func (n *Node) ReceiveTopology(t topology.Topology) error {
	if err := n.topo.Receive(t); err != nil {
		return err
	}
	n.epochWG.Add(1)
	n.stores.ApplyTopology(t, func() {
		defer n.epochWG.Done()
		if err := n.topo.Acknowledge(t.Epoch); err != nil {
			n.agent.OnUncaughtError(err)
		}
	})
	return nil
}

// WaitForEpoch blocks until the epoch is acknowledged locally (tests and
// bootstrap).
func (n *Node) WaitForEpoch(epoch uint64) { <-n.topo.AwaitEpoch(epoch) }

// Send dispatches a request to one node and registers the callback for its
// reply.
func (n *Node) Send(to primitives.NodeID, req messages.Request, expiresAt int64, cb Callback) {
	id := n.reqID.Inc()
	if cb != nil {
		n.mu.Lock()
		n.callbacks[id] = callbackEntry{cb: cb}
		n.mu.Unlock()
	}
	ctx := messages.ReplyContext{Source: n.id, RequestID: id, ExpiresAt: expiresAt}
	n.transport.Send(n.id, to, req, ctx)
}

// SendToAll dispatches the same request to every node.
func (n *Node) SendToAll(nodes []primitives.NodeID, req func(to primitives.NodeID) messages.Request, expiresAt int64, cb Callback) {
	for _, to := range nodes {
		n.Send(to, req(to), expiresAt, cb)
	}
}

// Reply sends a reply through the transport back to the requesting node.
func (n *Node) Reply(ctx messages.ReplyContext, reply messages.Reply) {
	n.transport.Reply(n.id, ctx, reply)
}

// DeliverReply routes an inbound reply to its callback. Transports call this
// on the requesting node.
func (n *Node) DeliverReply(from primitives.NodeID, requestID uint64, reply messages.Reply) {
	n.mu.Lock()
	entry, ok := n.callbacks[requestID]
	delete(n.callbacks, requestID)
	n.mu.Unlock()
	if !ok {
		return
	}
	entry.cb.OnSuccess(from, reply)
}

// DeliverFailure reports a failed or timed-out request to its callback.
func (n *Node) DeliverFailure(from primitives.NodeID, requestID uint64, err error) {
	n.mu.Lock()
	entry, ok := n.callbacks[requestID]
	delete(n.callbacks, requestID)
	n.mu.Unlock()
	if !ok {
		return
	}
	entry.cb.OnFailure(from, err)
}

// Receive processes an inbound request. Transports call this on the target
// node. Processing is deferred until the request's epoch has been
// acknowledged locally.
func (n *Node) Receive(from primitives.NodeID, req messages.Request, ctx messages.ReplyContext) {
	hdr := req.Hdr()
	n.clock.Advance(hdr.TxnId.HLC)
	if hdr.WaitForEpoch > 0 && !n.topo.HasAcknowledged(hdr.WaitForEpoch) {
		ch := n.topo.AwaitEpoch(hdr.WaitForEpoch)
		go func() {
			<-ch
			n.dispatch(from, req, ctx)
		}()
		return
	}
	n.dispatch(from, req, ctx)
}

func (n *Node) onApplied(s *local.SafeStore, c *local.Command) {
	for _, w := range c.Writes.Writes {
		n.data.Write(w.Key, c.Writes.ExecuteAt, w.Value)
	}
}

// MarkFaulty feeds the failure detector's opinion into topology selection.
func (n *Node) MarkFaulty(id primitives.NodeID, faulty bool) {
	n.topo.MarkFaulty(id, faulty)
}

// Shutdown stops the command stores.
func (n *Node) Shutdown() {
	n.stores.Shutdown()
	log.Info("node stopped", zap.Uint32("node", uint32(n.id)))
}
