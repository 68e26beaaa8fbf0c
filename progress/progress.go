// Package progress drives stalled transactions forward. Each command store
// owns a ProgressLog: a log-grouped timer wheel of per-transaction watches.
// Uncommitted transactions on their home shard are watched for coordinator
// failure and recovered; stable-but-blocked transactions chase their
// dependencies; ephemeral reads expire their pre-accept state.
package progress

import (
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/stonewhitener/cassandra-accord/config"
	"github.com/stonewhitener/cassandra-accord/local"
	"github.com/stonewhitener/cassandra-accord/messages"
	"github.com/stonewhitener/cassandra-accord/metrics"
	"github.com/stonewhitener/cassandra-accord/node"
	"github.com/stonewhitener/cassandra-accord/primitives"
	"github.com/stonewhitener/cassandra-accord/util/timers"
)

type watchKind uint8

const (
	// watchHome: this store hosts the home key of an uncommitted
	// transaction; recover it if the coordinator stalls.
	watchHome watchKind = iota
	// watchBlocked: a stable transaction waiting on dependencies; chase
	// them.
	watchBlocked
	// watchEphemeral: erase an ephemeral read's pre-accept state on expiry.
	watchEphemeral
)

type watch struct {
	timers.Timer
	kind    watchKind
	id      primitives.TxnId
	route   primitives.Route
	retries int
}

// ProgressLog watches one command store's transactions.
type ProgressLog struct {
	n     *node.Node
	store *local.CommandStore
	cfg   *config.Config

	mu      sync.Mutex
	wheel   *timers.LogGroupTimers
	watches map[watchKey]*watch

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

type watchKey struct {
	id   primitives.Timestamp
	kind watchKind
}

// Attach creates a progress log per command store and starts their drivers.
func Attach(n *node.Node) []*ProgressLog {
	cfg := n.Config()
	var out []*ProgressLog
	for _, st := range n.Stores().All() {
		p := &ProgressLog{
			n:       n,
			store:   st,
			cfg:     cfg,
			wheel:   timers.New(cfg.TimerBucketShift),
			watches: make(map[watchKey]*watch),
			wake:    make(chan struct{}, 1),
			stop:    make(chan struct{}),
		}
		st.OnChange = p.onChange
		p.wg.Add(1)
		go p.run()
		out = append(out, p)
	}
	return out
}

func (p *ProgressLog) Stop() {
	close(p.stop)
	p.wg.Wait()
}

// onChange runs on the store goroutine after each task; it only touches the
// wheel under the progress lock.
func (p *ProgressLog) onChange(s *local.SafeStore, c *local.Command) {
	now := p.n.Clock().NowMillis()
	homeOwned := len(c.Participants.Route.Home) > 0 &&
		s.RangesAt(c.TxnId.Epoch).Contains(c.Participants.Route.Home)

	p.mu.Lock()
	defer p.mu.Unlock()

	if c.TxnId.Kind() == primitives.KindEphemeralRead {
		if c.Status == primitives.PreAccepted {
			p.schedule(watchEphemeral, c, now+p.cfg.PreAcceptTimeout.Milliseconds())
		} else {
			p.cancel(watchEphemeral, c.TxnId)
		}
		return
	}

	if homeOwned && !c.Status.IsDecided() && c.Status != primitives.NotDefined {
		p.schedule(watchHome, c, p.cfg.RetryAwaitDeadline(c.TxnId, 0, now))
	} else {
		p.cancel(watchHome, c.TxnId)
	}

	if c.Status == primitives.Stable && !c.WaitingOn.IsDone() {
		p.schedule(watchBlocked, c, p.cfg.SeekProgressDeadline(c.TxnId, 0, now))
	} else if c.Status.HasBeen(primitives.Applied) || c.Status == primitives.Invalidated || c.WaitingOn.IsDone() {
		p.cancel(watchBlocked, c.TxnId)
	}
}

// schedule registers or refreshes a watch; existing watches keep their
// earlier deadline.
func (p *ProgressLog) schedule(kind watchKind, c *local.Command, deadline int64) {
	key := watchKey{id: c.TxnId.Timestamp, kind: kind}
	if _, ok := p.watches[key]; ok {
		return
	}
	w := &watch{kind: kind, id: c.TxnId, route: c.Participants.Route}
	p.watches[key] = w
	p.wheel.Add(deadline, w)
	p.kick()
}

func (p *ProgressLog) cancel(kind watchKind, id primitives.TxnId) {
	key := watchKey{id: id.Timestamp, kind: kind}
	if w, ok := p.watches[key]; ok {
		delete(p.watches, key)
		p.wheel.Remove(w)
	}
}

func (p *ProgressLog) kick() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *ProgressLog) run() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		wakeAt := p.wheel.WakeAt()
		p.mu.Unlock()

		now := p.n.Clock().NowMillis()
		delay := time.Duration(wakeAt-now) * time.Millisecond
		if delay < time.Millisecond {
			delay = time.Millisecond
		}
		if delay > time.Second {
			delay = time.Second
		}
		select {
		case <-p.stop:
			return
		case <-p.wake:
			continue
		case <-time.After(delay):
		}

		now = p.n.Clock().NowMillis()
		var fired []*watch
		p.mu.Lock()
		p.wheel.Advance(now, func(n timers.Node) {
			w := n.(*watch)
			delete(p.watches, watchKey{id: w.id.Timestamp, kind: w.kind})
			fired = append(fired, w)
		})
		p.mu.Unlock()

		for _, w := range fired {
			metrics.ProgressWakeups.Inc()
			p.fire(w, now)
		}
	}
}

// fire re-checks the watched command on its store and acts if it is still
// stuck.
func (p *ProgressLog) fire(w *watch, now int64) {
	p.store.Execute(local.ContextFor(w.id), func(s *local.SafeStore) {
		c := s.IfPresent(w.id)
		if c == nil {
			return
		}
		switch w.kind {
		case watchEphemeral:
			if c.Status == primitives.PreAccepted {
				log.Debug("expiring ephemeral read", zap.Stringer("txn", w.id))
				s.Erase(c)
			}

		case watchHome:
			if c.Status.IsDecided() {
				return
			}
			route := c.Participants.Route
			p.recover(w, route)

		case watchBlocked:
			if !c.HasBeen(primitives.Stable) || c.WaitingOn.IsDone() {
				return
			}
			// first ask the other replicas what they know of each pending
			// dependency; a dependency that stays undecided across retries
			// is escalated to recovery, the universal unblocker
			for _, dep := range c.WaitingOn.Pending() {
				if d := s.IfPresent(dep); d != nil && d.IsDecided() {
					continue
				}
				if w.retries == 0 {
					p.checkStatus(dep, c.Participants.Route)
				} else {
					p.recoverDep(w, dep, c.Participants.Route)
				}
			}
			p.reschedule(w, p.cfg.SeekProgressDeadline(w.id, w.retries+1, now))
		}
	})
}

// checkStatus queries the other replicas for a dependency's state and folds
// a decided answer back into the local store.
func (p *ProgressLog) checkStatus(dep primitives.TxnId, route primitives.Route) {
	topologies, err := p.n.Topology().WithUnsyncedEpochs(route.Parts, dep.Epoch, dep.Epoch)
	if err != nil {
		return
	}
	req := &messages.CheckStatusReq{
		Header:      messages.Header{TxnId: dep, WaitForEpoch: dep.Epoch, Scope: route},
		IncludeInfo: true,
	}
	expiresAt := p.n.Clock().NowMillis() + p.cfg.LocalExpiresAt.Milliseconds()
	cb := node.CallbackFunc{
		Success: func(from primitives.NodeID, reply messages.Reply) {
			ok, isOk := reply.(messages.CheckStatusOK)
			if !isOk || !ok.Status.HasBeen(primitives.Committed) || ok.Status == primitives.Truncated {
				return
			}
			p.store.Execute(local.ContextFor(dep), func(s *local.SafeStore) {
				switch {
				case ok.Status == primitives.Invalidated:
					local.Invalidate(s, dep)
				case ok.Status.HasBeen(primitives.PreApplied):
					local.ApplyOutcome(s, dep, ok.Accepted, ok.ExecuteAt, ok.Deps, ok.Txn, ok.Route, ok.Writes, ok.Result)
				default:
					local.Commit(s, dep, ok.Accepted, ok.ExecuteAt, ok.Deps, ok.Txn, ok.Route)
				}
			})
		},
	}
	for _, to := range topologies.Nodes() {
		if to == p.n.ID() {
			continue
		}
		p.n.Send(to, req, expiresAt, cb)
	}
}

func (p *ProgressLog) recover(w *watch, route primitives.Route) {
	if p.n.RecoverFn == nil {
		return
	}
	log.Info("progress log recovering stalled transaction",
		zap.Uint32("node", uint32(p.n.ID())),
		zap.Stringer("txn", w.id),
		zap.Int("attempt", w.retries))
	p.n.RecoverFn(p.n, w.id, route)
	now := p.n.Clock().NowMillis()
	p.reschedule(w, p.cfg.RetryAwaitDeadline(w.id, w.retries+1, now))
}

func (p *ProgressLog) recoverDep(w *watch, dep primitives.TxnId, route primitives.Route) {
	if p.n.RecoverFn == nil {
		return
	}
	p.n.RecoverFn(p.n, dep, route)
}

// reschedule re-arms the watch with an increased retry count.
func (p *ProgressLog) reschedule(w *watch, deadline int64) {
	key := watchKey{id: w.id.Timestamp, kind: w.kind}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.watches[key]; ok {
		return
	}
	nw := &watch{kind: w.kind, id: w.id, route: w.route, retries: w.retries + 1}
	p.watches[key] = nw
	p.wheel.Add(deadline, nw)
	p.kick()
}
