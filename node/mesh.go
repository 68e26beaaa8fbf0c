package node

import (
	"sync"

	"github.com/stonewhitener/cassandra-accord/messages"
	"github.com/stonewhitener/cassandra-accord/primitives"
)

// Mesh is an in-process transport connecting nodes in one process, used by
// the simulation and test harnesses. Delivery is asynchronous (a goroutine
// per message) and nodes can be halted and restored to model crashes.
type Mesh struct {
	mu     sync.RWMutex
	nodes  map[primitives.NodeID]*Node
	halted map[primitives.NodeID]bool
}

func NewMesh() *Mesh {
	return &Mesh{nodes: map[primitives.NodeID]*Node{}, halted: map[primitives.NodeID]bool{}}
}

func (m *Mesh) Register(n *Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[n.ID()] = n
}

// Halt drops every message to and from the node, modelling a crash.
func (m *Mesh) Halt(id primitives.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.halted[id] = true
}

func (m *Mesh) Restore(id primitives.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.halted, id)
}

func (m *Mesh) reachable(a, b primitives.NodeID) (*Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.halted[a] || m.halted[b] {
		return nil, false
	}
	n, ok := m.nodes[b]
	return n, ok
}

func (m *Mesh) Send(from, to primitives.NodeID, req messages.Request, ctx messages.ReplyContext) {
	target, ok := m.reachable(from, to)
	if !ok {
		return
	}
	go target.Receive(from, req, ctx)
}

func (m *Mesh) Reply(from primitives.NodeID, ctx messages.ReplyContext, reply messages.Reply) {
	origin, ok := m.reachable(from, ctx.Source)
	if !ok {
		return
	}
	go origin.DeliverReply(from, ctx.RequestID, reply)
}
