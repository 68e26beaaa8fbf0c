package local

import (
	"sort"

	"github.com/stonewhitener/cassandra-accord/primitives"
)

// cfkEntry summarizes one transaction's relationship to a key.
type cfkEntry struct {
	id        primitives.TxnId
	status    primitives.Status
	executeAt primitives.Timestamp
	// synthetic entries stand in for pruned history: a single applied
	// barrier that keeps ordering for pending sync points.
	synthetic bool
}

func (e cfkEntry) executeAtOrId() primitives.Timestamp {
	if e.executeAt.IsZero() {
		return e.id.Timestamp
	}
	return e.executeAt
}

// CommandsForKey is the per-routing-key ordered summary of transactions
// referencing the key. It answers dependency queries at PreAccept, feeds
// execution-order decisions, and is pruned as the GC watermark advances.
type CommandsForKey struct {
	key     primitives.Key
	entries []cfkEntry // sorted by id

	prunedBefore primitives.TxnId
}

func NewCommandsForKey(key primitives.Key) *CommandsForKey {
	return &CommandsForKey{key: key}
}

func (c *CommandsForKey) Key() primitives.Key { return c.key }

func (c *CommandsForKey) Len() int { return len(c.entries) }

func (c *CommandsForKey) find(id primitives.TxnId) (int, bool) {
	i := sort.Search(len(c.entries), func(i int) bool {
		return c.entries[i].id.Compare(id.Timestamp) >= 0
	})
	if i < len(c.entries) && c.entries[i].id == id {
		return i, true
	}
	return i, false
}

// Update registers or refreshes the summary entry for the command.
func (c *CommandsForKey) Update(cmd *Command) {
	e := cfkEntry{id: cmd.TxnId, status: cmd.Status, executeAt: cmd.ExecuteAt}
	i, ok := c.find(cmd.TxnId)
	if ok {
		// status is monotone, so a stale update can only regress; keep max.
		if cmd.Status >= c.entries[i].status {
			c.entries[i] = e
		}
		return
	}
	c.entries = append(c.entries, cfkEntry{})
	copy(c.entries[i+1:], c.entries[i:])
	c.entries[i] = e
}

// Remove drops the entry entirely (erase-level cleanup).
func (c *CommandsForKey) Remove(id primitives.TxnId) {
	if i, ok := c.find(id); ok {
		c.entries = append(c.entries[:i], c.entries[i+1:]...)
	}
}

// MaxConflict returns the greatest execution timestamp among entries a new
// transaction of the given kind must order after.
func (c *CommandsForKey) MaxConflict(kind primitives.Kind) primitives.Timestamp {
	max := primitives.TimestampZero
	for _, e := range c.entries {
		if e.status == primitives.Invalidated {
			continue
		}
		if !kind.Witnesses(e.id.Kind()) && !e.id.Kind().Witnesses(kind) {
			continue
		}
		if t := e.executeAtOrId(); max.Less(t) {
			max = t
		}
	}
	return max
}

// CalculateDeps returns every transaction before id on this key that a
// transaction of the given kind conflicts with.
func (c *CommandsForKey) CalculateDeps(id primitives.TxnId, kind primitives.Kind) []primitives.TxnId {
	var out []primitives.TxnId
	for _, e := range c.entries {
		if e.id.Compare(id.Timestamp) >= 0 {
			break
		}
		if e.status == primitives.Invalidated {
			continue
		}
		if e.synthetic || kind.Witnesses(e.id.Kind()) {
			out = append(out, e.id)
		}
	}
	return out
}

// Blocking returns the pending entries (not yet applied or discarded) that
// execute before the given timestamp, i.e. the reason a reader at that
// timestamp cannot yet be served.
func (c *CommandsForKey) Blocking(before primitives.Timestamp) []primitives.TxnId {
	var out []primitives.TxnId
	for _, e := range c.entries {
		if e.synthetic || e.status >= primitives.Applied {
			continue
		}
		if e.executeAtOrId().Less(before) {
			out = append(out, e.id)
		}
	}
	return out
}

// hasPendingSyncPoint reports a sync point at or above id that has not yet
// applied; pruning below it must leave a barrier behind.
func (c *CommandsForKey) hasPendingSyncPoint(above primitives.TxnId) bool {
	for _, e := range c.entries {
		if e.id.Compare(above.Timestamp) < 0 {
			continue
		}
		if e.id.Kind().IsSyncPoint() && e.status < primitives.Applied {
			return true
		}
	}
	return false
}

// Prune drops entries decided and applied below the redundant watermark. If a
// pending sync point still orders after the pruned prefix, a single synthetic
// applied entry is retained to preserve that ordering.
func (c *CommandsForKey) Prune(redundantBefore primitives.TxnId) {
	if redundantBefore.Compare(c.prunedBefore.Timestamp) <= 0 {
		return
	}
	var kept []cfkEntry
	var barrier *cfkEntry
	for _, e := range c.entries {
		if e.id.Compare(redundantBefore.Timestamp) >= 0 {
			kept = append(kept, e)
			continue
		}
		if e.status >= primitives.Applied || e.synthetic {
			// prunable; remember the greatest as a barrier candidate
			b := e
			barrier = &b
			continue
		}
		kept = append(kept, e)
	}
	if barrier != nil && c.hasPendingSyncPoint(redundantBefore) {
		barrier.synthetic = true
		kept = append(kept, *barrier)
		sort.Slice(kept, func(i, j int) bool { return kept[i].id.Compare(kept[j].id.Timestamp) < 0 })
	}
	c.entries = kept
	c.prunedBefore = redundantBefore
}

// PrunedBefore is the watermark below which history has been discarded.
func (c *CommandsForKey) PrunedBefore() primitives.TxnId { return c.prunedBefore }
