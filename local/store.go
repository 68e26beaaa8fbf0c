package local

import (
	"sync"

	"github.com/google/btree"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/stonewhitener/cassandra-accord/primitives"
)

// Journal is the append-only persistence collaborator. Implementations log
// command snapshots per store; fsync boundaries are theirs to decide.
type Journal interface {
	SaveCommand(storeID int, c *Command)
	SaveWatermarks(storeID int, redundantBefore RedundantBefore, durableBefore DurableBefore)
}

// NoopJournal discards everything.
type NoopJournal struct{}

func (NoopJournal) SaveCommand(int, *Command)                         {}
func (NoopJournal) SaveWatermarks(int, RedundantBefore, DurableBefore) {}

// Listener observes a single command's status changes; the progress log and
// coordinator-side waits register these.
type Listener interface {
	OnChange(s *SafeStore, c *Command)
}

// PreLoadContext declares the commands and keys a task will touch. The
// in-memory store keeps everything resident, so the context is a contract
// about intent (and a seam for a paging implementation) rather than an
// actual load instruction.
type PreLoadContext struct {
	TxnIds []primitives.TxnId
	Keys   primitives.Keys
}

func ContextFor(ids ...primitives.TxnId) PreLoadContext { return PreLoadContext{TxnIds: ids} }

func (c PreLoadContext) WithKeys(keys primitives.Keys) PreLoadContext {
	c.Keys = keys
	return c
}

// Task is a unit of work executed on the store's single goroutine.
type Task func(s *SafeStore)

type commandItem struct{ c *Command }

func commandLess(a, b commandItem) bool { return a.c.TxnId.Compare(b.c.TxnId.Timestamp) < 0 }

type cfkItem struct{ cfk *CommandsForKey }

func cfkLess(a, b cfkItem) bool { return a.cfk.Key().Compare(b.cfk.Key()) < 0 }

// CommandStore owns a slice of the local key space. All state it holds is
// mutated only from its own goroutine; Execute submits tasks to it. Cross
// store references are by TxnId value only.
type CommandStore struct {
	id   int
	node primitives.NodeID

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []queuedTask
	closed bool

	// owned state, single-goroutine
	commands *btree.BTreeG[commandItem]
	cfks     *btree.BTreeG[cfkItem]
	// dep id -> ids of local commands waiting on it
	waiters map[primitives.Timestamp][]primitives.TxnId
	// per-txn listeners
	listeners map[primitives.Timestamp][]Listener

	redundantBefore RedundantBefore
	durableBefore   DurableBefore
	// rangesForEpoch: what this store owns, per epoch (snapshot updated by
	// topology application tasks)
	rangesForEpoch map[uint64]primitives.Ranges
	maxEpoch       uint64

	journal Journal

	// OnApplied, when set, observes every command reaching Applied on this
	// store; the node wires it to the data store and reply path. Set before
	// the store processes its first message.
	OnApplied func(s *SafeStore, c *Command)

	// OnChange, when set, observes every command state change after the
	// owning task completes; the progress log registers here.
	OnChange func(s *SafeStore, c *Command)

	wg sync.WaitGroup
}

type queuedTask struct {
	ctx  PreLoadContext
	task Task
}

func NewCommandStore(id int, node primitives.NodeID, journal Journal) *CommandStore {
	s := &CommandStore{
		id:             id,
		node:           node,
		commands:       btree.NewG(16, commandLess),
		cfks:           btree.NewG(16, cfkLess),
		waiters:        make(map[primitives.Timestamp][]primitives.TxnId),
		listeners:      make(map[primitives.Timestamp][]Listener),
		rangesForEpoch: make(map[uint64]primitives.Ranges),
		journal:        journal,
	}
	s.cond = sync.NewCond(&s.mu)
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *CommandStore) ID() int                  { return s.id }
func (s *CommandStore) Node() primitives.NodeID  { return s.node }

// Execute submits a task; tasks run in submission order, one at a time.
func (s *CommandStore) Execute(ctx PreLoadContext, task Task) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, queuedTask{ctx: ctx, task: task})
	s.cond.Signal()
	s.mu.Unlock()
}

// Shutdown stops the store after draining queued tasks.
func (s *CommandStore) Shutdown() {
	s.mu.Lock()
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *CommandStore) run() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		qt := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		safe := &SafeStore{store: s}
		qt.task(safe)
		safe.flush()
	}
}

// setRangesForEpoch installs the store's owned ranges for an epoch. Called
// from a store task when a topology is applied.
func (s *CommandStore) setRangesForEpoch(epoch uint64, rs primitives.Ranges) {
	s.rangesForEpoch[epoch] = rs
	if epoch > s.maxEpoch {
		s.maxEpoch = epoch
	}
}

func (s *CommandStore) rangesAt(epoch uint64) primitives.Ranges {
	if rs, ok := s.rangesForEpoch[epoch]; ok {
		return rs
	}
	// fall back to the newest known at or below the epoch
	var best primitives.Ranges
	var bestEpoch uint64
	for e, rs := range s.rangesForEpoch {
		if e <= epoch && e >= bestEpoch {
			best, bestEpoch = rs, e
		}
	}
	return best
}

// rangesTouched unions ownership across all epochs seen.
func (s *CommandStore) rangesTouched() primitives.Ranges {
	var out primitives.Ranges
	for _, rs := range s.rangesForEpoch {
		out = out.Union(rs)
	}
	return out
}

// SafeStore is the scoped handle a task uses to read and mutate store state.
// It must not escape the task.
type SafeStore struct {
	store *CommandStore

	// commands whose state changed during the task; flushed to the journal
	// and to listeners when the task completes.
	dirty []*Command
}

func (s *SafeStore) StoreID() int                 { return s.store.id }
func (s *SafeStore) NodeID() primitives.NodeID    { return s.store.node }
func (s *SafeStore) RedundantBefore() RedundantBefore { return s.store.redundantBefore }
func (s *SafeStore) DurableBefore() DurableBefore     { return s.store.durableBefore }

// SetRangesForEpoch is invoked by topology application.
func (s *SafeStore) SetRangesForEpoch(epoch uint64, rs primitives.Ranges) {
	s.store.setRangesForEpoch(epoch, rs)
}

func (s *SafeStore) RangesAt(epoch uint64) primitives.Ranges { return s.store.rangesAt(epoch) }

// SetRedundantBefore merges new watermarks and prunes per-key state below
// them.
func (s *SafeStore) SetRedundantBefore(rb RedundantBefore) {
	s.store.redundantBefore = MergeRedundantBefore(s.store.redundantBefore, rb)
	min := s.store.redundantBefore.MinShardRedundantBefore()
	if min != primitives.TxnIdZero {
		s.store.cfks.Ascend(func(it cfkItem) bool {
			it.cfk.Prune(min)
			return true
		})
	}
	s.store.journal.SaveWatermarks(s.store.id, s.store.redundantBefore, s.store.durableBefore)
}

func (s *SafeStore) SetDurableBefore(db DurableBefore) {
	s.store.durableBefore = MergeDurableBefore(s.store.durableBefore, db)
	s.store.journal.SaveWatermarks(s.store.id, s.store.redundantBefore, s.store.durableBefore)
}

// IfPresent returns the command if it exists without creating it.
func (s *SafeStore) IfPresent(id primitives.TxnId) *Command {
	if it, ok := s.store.commands.Get(commandItem{c: &Command{TxnId: id}}); ok {
		return it.c
	}
	return nil
}

// Command returns the per-txn record, creating it uninitialised on first
// reference.
func (s *SafeStore) Command(id primitives.TxnId) *Command {
	if c := s.IfPresent(id); c != nil {
		return c
	}
	c := newCommand(id)
	s.store.commands.ReplaceOrInsert(commandItem{c: c})
	return c
}

// CommandsForKey returns the per-key summary, creating it on first use.
func (s *SafeStore) CommandsForKey(key primitives.Key) *CommandsForKey {
	if it, ok := s.store.cfks.Get(cfkItem{cfk: NewCommandsForKey(key)}); ok {
		return it.cfk
	}
	cfk := NewCommandsForKey(key)
	s.store.cfks.ReplaceOrInsert(cfkItem{cfk: cfk})
	return cfk
}

// AddListener registers for the command's subsequent status changes.
func (s *SafeStore) AddListener(id primitives.TxnId, l Listener) {
	s.store.listeners[id.Timestamp] = append(s.store.listeners[id.Timestamp], l)
}

func (s *SafeStore) RemoveListeners(id primitives.TxnId) {
	delete(s.store.listeners, id.Timestamp)
}

// StoreParticipantsFor computes this store's relationship to a transaction.
func (s *SafeStore) StoreParticipantsFor(id primitives.TxnId, route primitives.Route) StoreParticipants {
	owned := s.store.rangesAt(id.Epoch)
	p := StoreParticipants{
		Route:   route,
		Owns:    route.Parts.Slice(owned),
		Touches: route.Parts.Slice(s.store.rangesTouched()),
	}
	return p
}

// markDirty queues journal/listener notification for the end of the task.
func (s *SafeStore) markDirty(c *Command) {
	for _, d := range s.dirty {
		if d == c {
			return
		}
	}
	s.dirty = append(s.dirty, c)
}

// ForEachCommandsForKeyIn visits the existing per-key summaries inside the
// range, in key order.
func (s *SafeStore) ForEachCommandsForKeyIn(rng primitives.Range, fn func(*CommandsForKey)) {
	pivot := cfkItem{cfk: NewCommandsForKey(rng.Start)}
	s.store.cfks.AscendGreaterOrEqual(pivot, func(it cfkItem) bool {
		if len(rng.End) != 0 && it.cfk.Key().Compare(rng.End) >= 0 {
			return false
		}
		fn(it.cfk)
		return true
	})
}

// updateCFK refreshes the per-key summaries the command touches. Range
// transactions are registered against every key summary inside their ranges
// so later key transactions witness the barrier.
func (s *SafeStore) updateCFK(c *Command) {
	for _, k := range c.Participants.Touches.Keys {
		s.CommandsForKey(k).Update(c)
	}
	for _, rng := range c.Participants.Touches.Ranges {
		s.ForEachCommandsForKeyIn(rng, func(cfk *CommandsForKey) { cfk.Update(c) })
	}
}

// flush delivers deferred notifications; runs after the task body returns so
// listeners observe settled state.
func (s *SafeStore) flush() {
	for len(s.dirty) > 0 {
		dirty := s.dirty
		s.dirty = nil
		for _, c := range dirty {
			s.store.journal.SaveCommand(s.store.id, c)
			for _, l := range s.store.listeners[c.TxnId.Timestamp] {
				l.OnChange(s, c)
			}
			if s.store.OnChange != nil {
				s.store.OnChange(s, c)
			}
		}
	}
}

// registerWaiting indexes the command's pending dependencies so dependency
// application can unblock it.
func (s *SafeStore) registerWaiting(c *Command) {
	for _, dep := range c.WaitingOn.Pending() {
		s.store.waiters[dep.Timestamp] = append(s.store.waiters[dep.Timestamp], c.TxnId)
	}
	// dependencies that already settled locally are cleared immediately
	for _, dep := range c.WaitingOn.Pending() {
		if d := s.IfPresent(dep); d != nil && depSatisfied(d) {
			c.WaitingOn.Remove(dep)
		} else if s.store.redundantBefore.ShardStatus(dep) >= ShardRedundant {
			c.WaitingOn.Remove(dep)
		}
	}
}

func depSatisfied(d *Command) bool {
	switch d.Status {
	case primitives.Applied, primitives.Truncated, primitives.Invalidated:
		return true
	}
	return false
}

// notifyWaiters clears the applied (or discarded) dependency from everything
// blocked on it, and applies any command whose waiting set drained.
func (s *SafeStore) notifyWaiters(dep primitives.TxnId) {
	ids := s.store.waiters[dep.Timestamp]
	if len(ids) == 0 {
		return
	}
	delete(s.store.waiters, dep.Timestamp)
	for _, id := range ids {
		c := s.IfPresent(id)
		if c == nil || c.WaitingOn == nil {
			continue
		}
		if c.WaitingOn.Remove(dep) && c.WaitingOn.IsDone() {
			s.maybeApply(c)
			s.markDirty(c)
		}
	}
}

// notifyCommitted re-evaluates waiters once a dependency's executeAt is
// decided: a dependency ordered after its waiter cannot block it.
func (s *SafeStore) notifyCommitted(dep *Command) {
	if dep.ExecuteAt.IsZero() {
		return
	}
	ids := s.store.waiters[dep.TxnId.Timestamp]
	for _, id := range ids {
		c := s.IfPresent(id)
		if c == nil || c.WaitingOn == nil || !c.HasBeen(primitives.Stable) {
			continue
		}
		if c.ExecuteAt.Less(dep.ExecuteAt) {
			if c.WaitingOn.Remove(dep.TxnId) && c.WaitingOn.IsDone() {
				s.maybeApply(c)
				s.markDirty(c)
			}
		}
	}
}

// maybeApply completes execution of a command whose outcome has arrived and
// whose dependencies have drained.
func (s *SafeStore) maybeApply(c *Command) {
	if c.Status != primitives.PreApplied || !c.WaitingOn.IsDone() {
		return
	}
	if c.applied() != AcceptOK {
		return
	}
	log.Debug("command applied",
		zap.Int("store", s.store.id),
		zap.Stringer("txn", c.TxnId))
	s.updateCFK(c)
	s.markDirty(c)
	if s.store.OnApplied != nil {
		s.store.OnApplied(s, c)
	}
	s.notifyWaiters(c.TxnId)
}

// Erase removes a command entirely (EXPUNGE/ERASE cleanup).
func (s *SafeStore) Erase(c *Command) {
	s.store.commands.Delete(commandItem{c: c})
	delete(s.store.listeners, c.TxnId.Timestamp)
	for _, k := range c.Participants.Touches.Keys {
		s.CommandsForKey(k).Remove(c.TxnId)
	}
}
