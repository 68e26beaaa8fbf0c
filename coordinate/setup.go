package coordinate

import (
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/stonewhitener/cassandra-accord/node"
	"github.com/stonewhitener/cassandra-accord/primitives"
)

// EnableRecovery wires the recovery coordinator into the node so the
// progress log can take over stalled transactions.
func EnableRecovery(n *node.Node) {
	n.RecoverFn = func(n *node.Node, id primitives.TxnId, route primitives.Route) {
		Recover(n, id, route, func(o Outcome, err error) {
			if err == nil {
				return
			}
			switch err.(type) {
			case ErrRedundant, ErrInvalidated, ErrPreempted:
				// expected terminal states for a take-over
			default:
				log.Warn("recovery attempt failed",
					zap.Stringer("txn", id),
					zap.Error(err))
			}
		})
	}
}
