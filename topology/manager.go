package topology

import (
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/stonewhitener/cassandra-accord/primitives"
)

// epochState tracks one epoch of the window: the global and local topologies
// plus the sync, closed and redundant watermarks for its ranges.
type epochState struct {
	global Topology
	local  Topology

	// added ranges did not exist in the previous epoch and start synced;
	// removed ranges existed before and are handed off away from this node.
	added   primitives.Ranges
	removed primitives.Ranges

	// per-node sync acknowledgements feeding the per-shard quorum below.
	syncNodes map[primitives.NodeID]struct{}
	// shards whose sync quorum has been reached.
	shardSynced []bool

	synced    primitives.Ranges
	closed    primitives.Ranges
	redundant primitives.Ranges
}

func newEpochState(self primitives.NodeID, global Topology, prevRanges primitives.Ranges) *epochState {
	added := global.Ranges().Without(prevRanges)
	s := &epochState{
		global:      global,
		local:       global.LocalView(self),
		added:       added,
		removed:     prevRanges.Without(global.Ranges()),
		syncNodes:   make(map[primitives.NodeID]struct{}),
		shardSynced: make([]bool, len(global.Shards)),
		synced:      added,
	}
	return s
}

func (e *epochState) epoch() uint64 { return e.global.Epoch }

// recordSyncComplete notes that node finished syncing this epoch. It returns
// true when the whole epoch's ranges became synced by this acknowledgement.
func (e *epochState) recordSyncComplete(node primitives.NodeID) bool {
	if _, ok := e.syncNodes[node]; ok {
		return false
	}
	e.syncNodes[node] = struct{}{}
	for i, s := range e.global.Shards {
		if e.shardSynced[i] {
			continue
		}
		n := 0
		for _, id := range s.Nodes {
			if _, ok := e.syncNodes[id]; ok {
				n++
			}
		}
		if n >= s.SlowQuorum {
			e.shardSynced[i] = true
			e.synced = e.synced.Union(primitives.Ranges{s.Range})
		}
	}
	return e.syncComplete()
}

// markSyncedFromFuture force-marks the epoch fully synced because a newer
// epoch completed: a node synced to epoch n is synced to everything before.
func (e *epochState) markSyncedFromFuture() bool {
	if e.syncComplete() {
		return false
	}
	e.synced = e.global.Ranges()
	return true
}

func (e *epochState) syncComplete() bool {
	return e.synced.ContainsAll(e.global.Ranges())
}

func (e *epochState) syncCompleteFor(rs primitives.Ranges) bool {
	return e.synced.ContainsAll(rs.Slice(e.global.Ranges()))
}

func (e *epochState) recordClosed(rs primitives.Ranges) bool {
	if e.closed.ContainsAll(rs) {
		return false
	}
	e.closed = e.closed.Union(rs)
	return true
}

func (e *epochState) recordRedundant(rs primitives.Ranges) bool {
	if e.redundant.ContainsAll(rs) {
		return false
	}
	e.closed = e.closed.Union(rs)
	e.redundant = e.redundant.Union(rs)
	return true
}

// pendingNotifications buffers sync/closed/redundant reports that arrive for
// epochs we have not received yet.
type pendingNotifications struct {
	syncComplete []primitives.NodeID
	closed       primitives.Ranges
	redundant    primitives.Ranges
}

// Manager maintains the window [minEpoch, currentEpoch] of epoch states and
// answers topology selections for coordinations. All methods are safe for
// concurrent use; selections read an immutable snapshot of the window.
type Manager struct {
	self primitives.NodeID

	mu      sync.Mutex
	states  []*epochState // oldest first, contiguous
	pending map[uint64]*pendingNotifications

	lastAcknowledged uint64
	waiters          map[uint64][]chan struct{}

	faulty map[primitives.NodeID]bool
}

func NewManager(self primitives.NodeID) *Manager {
	return &Manager{
		self:    self,
		pending: make(map[uint64]*pendingNotifications),
		waiters: make(map[uint64][]chan struct{}),
		faulty:  make(map[primitives.NodeID]bool),
	}
}

func (m *Manager) Self() primitives.NodeID { return m.self }

// Epoch returns the newest received epoch, 0 when none.
func (m *Manager) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.states) == 0 {
		return 0
	}
	return m.states[len(m.states)-1].epoch()
}

// MinEpoch returns the oldest retained epoch, 0 when none.
func (m *Manager) MinEpoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.states) == 0 {
		return 0
	}
	return m.states[0].epoch()
}

// Current returns the newest topology.
func (m *Manager) Current() Topology {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.states) == 0 {
		return Topology{}
	}
	return m.states[len(m.states)-1].global
}

// CurrentLocal returns this node's view of the newest topology.
func (m *Manager) CurrentLocal() Topology {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.states) == 0 {
		return Topology{}
	}
	return m.states[len(m.states)-1].local
}

func (m *Manager) stateLocked(epoch uint64) *epochState {
	if len(m.states) == 0 {
		return nil
	}
	min := m.states[0].epoch()
	if epoch < min || epoch > m.states[len(m.states)-1].epoch() {
		return nil
	}
	return m.states[epoch-min]
}

// GlobalForEpoch returns the full topology of the epoch.
func (m *Manager) GlobalForEpoch(epoch uint64) (Topology, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stateLocked(epoch)
	if s == nil {
		return Topology{}, errors.Errorf("epoch %d is outside the retained window", epoch)
	}
	return s.global, nil
}

// LocalForEpoch returns this node's view of the epoch.
func (m *Manager) LocalForEpoch(epoch uint64) (Topology, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stateLocked(epoch)
	if s == nil {
		return Topology{}, errors.Errorf("epoch %d is outside the retained window", epoch)
	}
	return s.local, nil
}

// Receive installs the next epoch's topology. Epochs must arrive in order:
// the new epoch is currentEpoch+1, or the very first.
func (m *Manager) Receive(t Topology) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var prevRanges primitives.Ranges
	if len(m.states) > 0 {
		cur := m.states[len(m.states)-1]
		if t.Epoch != cur.epoch()+1 {
			return errors.Errorf("topology for epoch %d received out of order (current %d)", t.Epoch, cur.epoch())
		}
		prevRanges = cur.global.Ranges()
	}
	st := newEpochState(m.self, t, prevRanges)
	m.states = append(m.states, st)
	log.Info("received topology",
		zap.Uint64("epoch", t.Epoch),
		zap.Int("shards", len(t.Shards)),
		zap.Stringer("added", st.added),
		zap.Stringer("removed", st.removed))

	if p, ok := m.pending[t.Epoch]; ok {
		delete(m.pending, t.Epoch)
		for _, id := range p.syncComplete {
			m.syncCompleteLocked(id, t.Epoch)
		}
		if !p.closed.IsEmpty() {
			m.epochClosedLocked(p.closed, t.Epoch)
		}
		if !p.redundant.IsEmpty() {
			m.epochRedundantLocked(p.redundant, t.Epoch)
		}
	}
	return nil
}

// Acknowledge marks the epoch processed by the local command stores, in
// order, releasing any AwaitEpoch waiters.
func (m *Manager) Acknowledge(epoch uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastAcknowledged != 0 && epoch != m.lastAcknowledged+1 {
		return errors.Errorf("epoch %d acknowledged out of order (last %d)", epoch, m.lastAcknowledged)
	}
	m.lastAcknowledged = epoch
	for e, chans := range m.waiters {
		if e <= epoch {
			for _, ch := range chans {
				close(ch)
			}
			delete(m.waiters, e)
		}
	}
	return nil
}

// AwaitEpoch returns a channel closed once the epoch has been acknowledged.
func (m *Manager) AwaitEpoch(epoch uint64) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan struct{})
	if epoch <= m.lastAcknowledged {
		close(ch)
		return ch
	}
	m.waiters[epoch] = append(m.waiters[epoch], ch)
	return ch
}

func (m *Manager) HasAcknowledged(epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return epoch <= m.lastAcknowledged
}

// SyncComplete records that node finished syncing the epoch. Completion of an
// epoch cascades: a node synced to epoch n has necessarily synced everything
// before it, so wholly-synced epochs mark their predecessors synced too.
func (m *Manager) SyncComplete(node primitives.NodeID, epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncCompleteLocked(node, epoch)
}

func (m *Manager) syncCompleteLocked(node primitives.NodeID, epoch uint64) {
	if len(m.states) == 0 || epoch > m.states[len(m.states)-1].epoch() {
		p := m.pendingFor(epoch)
		p.syncComplete = append(p.syncComplete, node)
		return
	}
	s := m.stateLocked(epoch)
	if s == nil {
		return
	}
	if s.recordSyncComplete(node) {
		log.Info("epoch sync complete", zap.Uint64("epoch", epoch))
		for i := int(epoch-m.states[0].epoch()) - 1; i >= 0; i-- {
			if !m.states[i].markSyncedFromFuture() {
				break
			}
		}
	}
}

// EpochClosed marks ranges closed for proposals in the epoch and all earlier
// epochs.
func (m *Manager) EpochClosed(rs primitives.Ranges, epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epochClosedLocked(rs, epoch)
}

func (m *Manager) epochClosedLocked(rs primitives.Ranges, epoch uint64) {
	i := len(m.states) - 1
	if len(m.states) == 0 || epoch > m.states[len(m.states)-1].epoch() {
		p := m.pendingFor(epoch)
		p.closed = p.closed.Union(rs)
	} else {
		i = int(epoch - m.states[0].epoch())
	}
	for ; i >= 0; i-- {
		if !m.states[i].recordClosed(rs) {
			break
		}
	}
}

// EpochRedundant marks ranges of the epoch (and everything before) globally
// applied: every transaction proposable for them has executed everywhere.
func (m *Manager) EpochRedundant(rs primitives.Ranges, epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epochRedundantLocked(rs, epoch)
}

func (m *Manager) epochRedundantLocked(rs primitives.Ranges, epoch uint64) {
	i := len(m.states) - 1
	if len(m.states) == 0 || epoch > m.states[len(m.states)-1].epoch() {
		p := m.pendingFor(epoch)
		p.redundant = p.redundant.Union(rs)
	} else {
		i = int(epoch - m.states[0].epoch())
	}
	for ; i >= 0; i-- {
		if !m.states[i].recordRedundant(rs) {
			break
		}
	}
}

func (m *Manager) pendingFor(epoch uint64) *pendingNotifications {
	p, ok := m.pending[epoch]
	if !ok {
		p = &pendingNotifications{}
		m.pending[epoch] = p
	}
	return p
}

// TruncateUntil drops epochs older than epoch. Dropped epochs must have
// completed their sync, otherwise selections could silently lose electors.
func (m *Manager) TruncateUntil(epoch uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.states) == 0 {
		return nil
	}
	min := m.states[0].epoch()
	if epoch <= min {
		return nil
	}
	if epoch > m.states[len(m.states)-1].epoch() {
		return errors.Errorf("cannot truncate to %d beyond current epoch", epoch)
	}
	cut := int(epoch - min)
	for i := 0; i < cut; i++ {
		if !m.states[i].syncComplete() {
			return errors.Errorf("epoch %d's sync is not complete", m.states[i].epoch())
		}
	}
	m.states = append([]*epochState(nil), m.states[cut:]...)
	log.Info("truncated topology window", zap.Uint64("minEpoch", epoch))
	return nil
}

// SyncedRanges reports the synced ranges of the epoch.
func (m *Manager) SyncedRanges(epoch uint64) primitives.Ranges {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.stateLocked(epoch); s != nil {
		return s.synced
	}
	return nil
}

// ClosedRanges reports ranges no longer accepting proposals in the epoch.
func (m *Manager) ClosedRanges(epoch uint64) primitives.Ranges {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.stateLocked(epoch); s != nil {
		return s.closed
	}
	return nil
}

// MarkFaulty flags a node as suspected failed; faulty nodes are skipped when
// a read picks its initial contacts. The number skipped per shard is not
// capped at the shard's tolerated failures: a shard whose replicas are all
// marked faulty gets no initial contact.
func (m *Manager) MarkFaulty(id primitives.NodeID, faulty bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if faulty {
		m.faulty[id] = true
	} else {
		delete(m.faulty, id)
	}
}

func (m *Manager) IsFaulty(id primitives.NodeID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.faulty[id]
}

// PreciseEpochs selects exactly the epochs [min, max] restricted to the
// participants.
func (m *Manager) PreciseEpochs(p primitives.Participants, minEpoch, maxEpoch uint64) (Topologies, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Topology
	for e := minEpoch; e <= maxEpoch; e++ {
		s := m.stateLocked(e)
		if s == nil {
			return Topologies{}, errors.Errorf("epoch %d is outside the retained window", e)
		}
		out = append(out, s.global.ForSelection(p))
	}
	return NewTopologies(out...), nil
}

// coverage is a watermark accessor: ranges of an epoch that no longer require
// consulting earlier epochs.
type coverage func(*epochState) primitives.Ranges

// withSufficientEpochs selects [minEpoch, maxEpoch] and extends downward
// through any epoch whose watermark does not cover the selection: an older
// epoch is needed only while it owns a part of the selection that was never
// transferred forward.
func (m *Manager) withSufficientEpochs(p primitives.Participants, minEpoch, maxEpoch uint64, c coverage) (Topologies, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Topology
	for e := minEpoch; e <= maxEpoch; e++ {
		s := m.stateLocked(e)
		if s == nil {
			return Topologies{}, errors.Errorf("epoch %d is outside the retained window", e)
		}
		out = append(out, s.global.ForSelection(p))
	}
	remaining := p
	for e := minEpoch; e > 0 && e-1 >= m.states[0].epoch(); e-- {
		above := m.stateLocked(e)
		if above == nil {
			break
		}
		covered := c(above)
		rem := primitives.Participants{
			Keys:   remaining.Keys.Without(remaining.Keys.Slice(covered)),
			Ranges: remaining.Ranges.Without(covered),
		}
		if rem.IsEmpty() {
			break
		}
		remaining = rem
		prev := m.stateLocked(e - 1)
		out = append(out, prev.global.ForSelection(remaining))
	}
	return NewTopologies(out...), nil
}

// WithUnsyncedEpochs extends the selection downward through epochs whose
// sync has not yet transferred the selected ranges forward.
func (m *Manager) WithUnsyncedEpochs(p primitives.Participants, minEpoch, maxEpoch uint64) (Topologies, error) {
	return m.withSufficientEpochs(p, minEpoch, maxEpoch, func(s *epochState) primitives.Ranges { return s.synced })
}

// WithOpenEpochs is the dual of WithUnsyncedEpochs at the closed watermark,
// used when proposing new transactions.
func (m *Manager) WithOpenEpochs(p primitives.Participants, minEpoch, maxEpoch uint64) (Topologies, error) {
	return m.withSufficientEpochs(p, minEpoch, maxEpoch, func(s *epochState) primitives.Ranges { return s.closed })
}

// WithUncompletedEpochs is the dual at the redundant watermark, used for
// durability sweeps.
func (m *Manager) WithUncompletedEpochs(p primitives.Participants, minEpoch, maxEpoch uint64) (Topologies, error) {
	return m.withSufficientEpochs(p, minEpoch, maxEpoch, func(s *epochState) primitives.Ranges { return s.redundant })
}
