package local

import (
	"sort"

	"github.com/stonewhitener/cassandra-accord/primitives"
	"github.com/stonewhitener/cassandra-accord/topology"
)

// Stores partitions this node's slice of the key space across command
// stores. Each store is an independent single-threaded actor; messages fan
// out to the stores whose slices a transaction's participants intersect.
type Stores struct {
	node   primitives.NodeID
	stores []*CommandStore
	// slices[i] is the static key-space slice store i multiplexes; actual
	// ownership per epoch is the intersection with the node's local view.
	slices []primitives.Ranges
}

// NewStores creates count stores splitting the key space at the given
// boundaries (count = len(boundaries)+1).
func NewStores(node primitives.NodeID, journal Journal, boundaries primitives.Keys) *Stores {
	sort.Slice(boundaries, func(i, j int) bool { return boundaries[i].Compare(boundaries[j]) < 0 })
	s := &Stores{node: node}
	var start primitives.Key
	for i := 0; i <= len(boundaries); i++ {
		var end primitives.Key
		if i < len(boundaries) {
			end = boundaries[i]
		}
		s.slices = append(s.slices, primitives.Ranges{primitives.NewRange(start, end)})
		s.stores = append(s.stores, NewCommandStore(i, node, journal))
		start = end
	}
	return s
}

func (s *Stores) All() []*CommandStore { return s.stores }

func (s *Stores) Count() int { return len(s.stores) }

// ApplyTopology installs the node's ownership for the epoch into every
// store, as a store task so epoch application is ordered with message
// processing.
func (s *Stores) ApplyTopology(t topology.Topology, onDone func()) {
	local := t.RangesForNode(s.node)
	pending := len(s.stores)
	done := make(chan struct{}, len(s.stores))
	for i, st := range s.stores {
		slice := s.slices[i]
		st.Execute(PreLoadContext{}, func(safe *SafeStore) {
			safe.SetRangesForEpoch(t.Epoch, local.Slice(slice))
			done <- struct{}{}
		})
	}
	if onDone != nil {
		go func() {
			for i := 0; i < pending; i++ {
				<-done
			}
			onDone()
		}()
	}
}

// Intersecting returns the stores whose slices the participants touch.
func (s *Stores) Intersecting(p primitives.Participants) []*CommandStore {
	var out []*CommandStore
	for i, st := range s.stores {
		if p.Intersects(s.slices[i]) {
			out = append(out, st)
		}
	}
	return out
}

// SliceFor restricts participants to one store's slice.
func (s *Stores) SliceFor(st *CommandStore, p primitives.Participants) primitives.Participants {
	return p.Slice(s.slices[st.ID()])
}

// ForKey returns the store multiplexing the key.
func (s *Stores) ForKey(k primitives.Key) *CommandStore {
	for i, st := range s.stores {
		if s.slices[i].Contains(k) {
			return st
		}
	}
	return s.stores[len(s.stores)-1]
}

// Shutdown drains and stops every store.
func (s *Stores) Shutdown() {
	for _, st := range s.stores {
		st.Shutdown()
	}
}
