// Package coordinate drives transactions through the protocol: the standard
// PreAccept/Accept/Commit/Execute/Persist pipeline, and the take-over
// coordinator that recovers transactions whose coordinator is suspected
// failed.
package coordinate

import (
	"fmt"

	"github.com/stonewhitener/cassandra-accord/primitives"
)

// ErrTimeout: a tracker was exhausted without reaching quorum.
type ErrTimeout struct {
	TxnId primitives.TxnId
}

func (e ErrTimeout) Error() string { return fmt.Sprintf("%s: coordination timed out", e.TxnId) }

// ErrPreempted: a higher ballot was observed for the transaction; the caller
// must yield.
type ErrPreempted struct {
	TxnId primitives.TxnId
	By    primitives.Ballot
}

func (e ErrPreempted) Error() string { return fmt.Sprintf("%s: preempted by %s", e.TxnId, e.By) }

// ErrInvalidated: a quorum agreed the transaction will never commit.
type ErrInvalidated struct {
	TxnId primitives.TxnId
}

func (e ErrInvalidated) Error() string { return fmt.Sprintf("%s: invalidated", e.TxnId) }

// ErrRedundant: the transaction is already beyond the requested phase.
type ErrRedundant struct {
	TxnId     primitives.TxnId
	ExecuteAt primitives.Timestamp
}

func (e ErrRedundant) Error() string { return fmt.Sprintf("%s: already decided", e.TxnId) }

// ErrTruncated: state needed for the operation has been garbage collected.
type ErrTruncated struct {
	TxnId primitives.TxnId
}

func (e ErrTruncated) Error() string { return fmt.Sprintf("%s: state truncated", e.TxnId) }

// ErrExhausted: not enough non-faulty nodes remain to attempt the operation.
type ErrExhausted struct {
	TxnId primitives.TxnId
}

func (e ErrExhausted) Error() string { return fmt.Sprintf("%s: not enough live replicas", e.TxnId) }

// TopologyMismatchReason distinguishes retriable staleness from fatally
// wrong scopes.
type TopologyMismatchReason uint8

const (
	MismatchStale TopologyMismatchReason = iota
	// MismatchKeysOrRanges: the request's keys/ranges are not part of the
	// key space at all; retrying cannot help.
	MismatchKeysOrRanges
)

type ErrTopologyMismatch struct {
	TxnId  primitives.TxnId
	Reason TopologyMismatchReason
}

func (e ErrTopologyMismatch) Error() string { return fmt.Sprintf("%s: topology mismatch", e.TxnId) }

func (e ErrTopologyMismatch) Fatal() bool { return e.Reason == MismatchKeysOrRanges }

// ErrInsufficient: a replica lacked the data to act; the client retries with
// a superset.
type ErrInsufficient struct {
	TxnId primitives.TxnId
}

func (e ErrInsufficient) Error() string { return fmt.Sprintf("%s: replica state insufficient", e.TxnId) }

// ErrSimulatedFault: deterministic injected fault, treated as transient.
type ErrSimulatedFault struct {
	TxnId primitives.TxnId
}

func (e ErrSimulatedFault) Error() string { return fmt.Sprintf("%s: simulated fault", e.TxnId) }

// IsTransient reports whether the error may resolve by retrying with
// backoff.
func IsTransient(err error) bool {
	switch e := err.(type) {
	case ErrTimeout, ErrTruncated, ErrSimulatedFault, ErrInsufficient, ErrPreempted:
		return true
	case ErrTopologyMismatch:
		return !e.Fatal()
	}
	return false
}
