package coordinate

import (
	"github.com/stonewhitener/cassandra-accord/node"
	"github.com/stonewhitener/cassandra-accord/primitives"
)

// CoordinateSyncPoint establishes a happens-before barrier over the given
// ranges: once it applies, every transaction it witnessed has a decided
// position before it. Exclusive sync points additionally forbid
// later-arriving transactions with earlier ids from slotting in underneath,
// which is what epoch hand-off relies on.
func CoordinateSyncPoint(n *node.Node, kind primitives.Kind, ranges primitives.Ranges, cb Callback) {
	if !kind.IsSyncPoint() {
		cb(Outcome{}, ErrTopologyMismatch{Reason: MismatchKeysOrRanges})
		return
	}
	id := n.NextTxnId(kind, primitives.DomainRange)
	scope := primitives.RangeParticipants(ranges...)
	txn := primitives.EmptySystemTxn(kind, primitives.DomainRange, scope)
	route := primitives.NewFullRoute(ranges[0].Start, scope)
	Coordinate(n, id, txn, route, cb)
}
