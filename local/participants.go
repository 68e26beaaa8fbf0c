// Package local implements the per-replica state of the protocol: the
// per-transaction command state machine, the per-key summaries used to decide
// execution order, the command store actor that owns them, and the GC
// watermarks deciding when state may be reclaimed.
package local

import (
	"github.com/stonewhitener/cassandra-accord/primitives"
)

// StoreParticipants describes how one command store relates to a
// transaction, per epoch:
//
//	Route:    everything known about the transaction's full participants
//	Owns:     what this store owns of the route in txnId.epoch
//	Touches:  the union of owned parts over every epoch the store has seen
//	Executes: what this store owns in executeAt.epoch (set once known)
type StoreParticipants struct {
	Route    primitives.Route
	Owns     primitives.Participants
	Touches  primitives.Participants
	Executes primitives.Participants

	// executesKnown distinguishes "executes nothing" from "executeAt not
	// yet decided".
	executesKnown bool
}

func (p StoreParticipants) HasFullRoute() bool { return !p.Route.IsEmpty() && p.Route.IsFull() }

func (p StoreParticipants) ExecutesKnown() bool { return p.executesKnown }

// StillExecutes returns what the store must execute, and whether that is
// known yet.
func (p StoreParticipants) StillExecutes() (primitives.Participants, bool) {
	return p.Executes, p.executesKnown
}

// Supplement merges newly learnt participant knowledge; it never narrows.
func (p StoreParticipants) Supplement(o StoreParticipants) StoreParticipants {
	out := p
	out.Route = p.Route.Supplement(o.Route)
	out.Owns = p.Owns.Union(o.Owns)
	out.Touches = p.Touches.Union(o.Touches)
	if o.executesKnown {
		out.Executes = out.Executes.Union(o.Executes)
		out.executesKnown = true
	}
	return out
}

// WithExecutes fixes the execution-epoch view once executeAt is decided.
func (p StoreParticipants) WithExecutes(executes primitives.Participants) StoreParticipants {
	out := p
	out.Executes = executes
	out.executesKnown = true
	out.Touches = out.Touches.Union(executes)
	return out
}
