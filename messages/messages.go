// Package messages defines the structural wire protocol: one request/reply
// family per protocol verb, dispatched by type switch on the replica. The
// byte encoding is deliberately unspecified; the transport collaborator
// decides it.
package messages

import (
	"fmt"

	"github.com/stonewhitener/cassandra-accord/local"
	"github.com/stonewhitener/cassandra-accord/primitives"
)

// ReplyContext is the opaque handle a server passes back to reply: it names
// the requesting node, the request id to correlate, and the coordination
// deadline after which a reply is pointless.
type ReplyContext struct {
	Source    primitives.NodeID
	RequestID uint64
	ExpiresAt int64
}

// Header is carried by every request.
type Header struct {
	TxnId primitives.TxnId
	// WaitForEpoch gates processing until the replica has acknowledged the
	// epoch.
	WaitForEpoch uint64
	// Scope is the requesting coordinator's (partial) route restricted to
	// the recipient.
	Scope primitives.Route
}

func (h Header) Hdr() Header { return h }

// Request is any protocol request.
type Request interface {
	Hdr() Header
}

// Reply is any protocol reply.
type Reply interface {
	isReply()
}

// NackKind enumerates the failure replies shared by every family.
type NackKind uint8

const (
	// NackInsufficient: the replica lacks state to act; retry with more.
	NackInsufficient NackKind = iota
	// NackRedundant: the transaction is already past the requested phase.
	NackRedundant
	// NackRejected: a higher ballot holds the promise.
	NackRejected
	// NackInvalid: the request does not apply to this replica at all.
	NackInvalid
)

var nackNames = [...]string{"Insufficient", "Redundant", "Rejected", "Invalid"}

func (k NackKind) String() string { return nackNames[k] }

// Nack is the negative reply for any family.
type Nack struct {
	Kind     NackKind
	Promised primitives.Ballot
}

func (Nack) isReply() {}

func (n Nack) String() string { return fmt.Sprintf("nack(%s)", n.Kind) }

// PreAccept

type PreAcceptReq struct {
	Header
	Txn primitives.Txn
}

type PreAcceptOK struct {
	Witnessed primitives.Ballot
	ExecuteAt primitives.Timestamp
	Deps      primitives.Deps
}

func (PreAcceptOK) isReply() {}

// FastPathVote is the replica's implicit vote: executeAt == txnId.
func (r PreAcceptOK) FastPathVote(id primitives.TxnId) bool {
	return r.ExecuteAt.Equals(id.AsTimestamp())
}

// Accept

type AcceptKindWire uint8

const (
	AcceptMedium AcceptKindWire = iota
	AcceptSlow
	AcceptInvalidate
)

type AcceptReq struct {
	Header
	Ballot    primitives.Ballot
	Kind      AcceptKindWire
	ExecuteAt primitives.Timestamp
	Deps      primitives.Deps
}

type AcceptOK struct {
	// Deps are returned on the slow path so late-witnessed conflicts reach
	// the coordinator.
	Deps primitives.Deps
}

func (AcceptOK) isReply() {}

// Commit carries the decided executeAt; its kind decides how much else rides
// along and whether the recipient proceeds to Stable.
type CommitKind uint8

const (
	// CommitSlowPath: commit only; deps may be incomplete for execution.
	CommitSlowPath CommitKind = iota
	// StableFastPath: deps are final, executeAt == txnId.
	StableFastPath
	// StableSlowPath: deps are final.
	StableSlowPath
	// StableWithTxnAndDeps: as StableSlowPath but carrying the full payload
	// for replicas that never saw PreAccept.
	StableWithTxnAndDeps
	// CommitWithTxn: resend after an Insufficient nack, with full payload.
	CommitWithTxn
)

var commitKindNames = [...]string{"CommitSlowPath", "StableFastPath", "StableSlowPath", "StableWithTxnAndDeps", "CommitWithTxn"}

func (k CommitKind) String() string { return commitKindNames[k] }

func (k CommitKind) IsStable() bool { return k != CommitSlowPath }

func (k CommitKind) CarriesTxn() bool {
	return k == StableWithTxnAndDeps || k == CommitWithTxn
}

type CommitReq struct {
	Header
	Kind      CommitKind
	Ballot    primitives.Ballot
	ExecuteAt primitives.Timestamp
	Deps      primitives.Deps
	// Txn is present only when Kind.CarriesTxn().
	Txn primitives.Txn
}

type CommitOK struct{}

func (CommitOK) isReply() {}

// Read requests the transaction's reads at its execution timestamp; served
// once every locally-executing dependency has applied.
type ReadReq struct {
	Header
	ExecuteAt primitives.Timestamp
	Keys      primitives.Keys
}

type ReadOK struct {
	Data primitives.Result
}

func (ReadOK) isReply() {}

// Apply disseminates the outcome.
type ApplyReq struct {
	Header
	Ballot    primitives.Ballot
	ExecuteAt primitives.Timestamp
	Deps      primitives.Deps
	Txn       primitives.Txn
	Writes    primitives.Writes
	Result    primitives.Result
}

type ApplyOK struct{}

func (ApplyOK) isReply() {}

// BeginRecovery

type BeginRecoveryReq struct {
	Header
	Ballot primitives.Ballot
}

// RecoverOK is a replica's promise plus everything recovery needs to infer
// the outcome: its status, accept ballot, executeAt if known, its latest
// dependency knowledge, and whether it had voted for the fast path.
type RecoverOK struct {
	Status    primitives.Status
	Accepted  primitives.Ballot
	ExecuteAt primitives.Timestamp
	Deps      local.LatestDeps
	VotedFast bool
	Route     primitives.Route
	Txn       primitives.Txn
	Writes    primitives.Writes
	Result    primitives.Result
}

func (RecoverOK) isReply() {}

// CheckStatus queries a replica's view of a transaction, used by the
// progress log to chase stalled coordinations.
type CheckStatusReq struct {
	Header
	// IncludeInfo requests the full route/deps payload, not just status.
	IncludeInfo bool
}

type CheckStatusOK struct {
	Status     primitives.Status
	Promised   primitives.Ballot
	Accepted   primitives.Ballot
	ExecuteAt  primitives.Timestamp
	Durability primitives.Durability
	Route      primitives.Route
	Deps       primitives.Deps
	Txn        primitives.Txn
	Writes     primitives.Writes
	Result     primitives.Result
}

func (CheckStatusOK) isReply() {}

// FetchData pulls missing payload/outcome for a known transaction.
type FetchDataReq struct {
	Header
	Need primitives.Participants
}

type FetchDataOK struct {
	Status    primitives.Status
	ExecuteAt primitives.Timestamp
	Txn       primitives.Txn
	Deps      primitives.Deps
	Writes    primitives.Writes
	Result    primitives.Result
}

func (FetchDataOK) isReply() {}

// Invalidate informs replicas a recovery quorum agreed the transaction will
// never commit.
type InvalidateReq struct {
	Header
}

// Durability gossip.

type SetShardDurableReq struct {
	Header
	Durability primitives.Durability
}

type SetGloballyDurableReq struct {
	Header
	DurableBefore local.DurableBefore
}

type QueryDurableBeforeReq struct {
	Header
}

type QueryDurableBeforeOK struct {
	DurableBefore local.DurableBefore
}

func (QueryDurableBeforeOK) isReply() {}

type SimpleOK struct{}

func (SimpleOK) isReply() {}
