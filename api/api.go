// Package api declares the interfaces the protocol core expects its
// embedding to provide: the agent that absorbs faults and tuning decisions,
// and the data store that reads and writes user values at a timestamp.
package api

import (
	"github.com/stonewhitener/cassandra-accord/primitives"
)

// Agent is the host-embedding hook: unexpected failures and invariant
// violations are reported here rather than propagated across tasks.
type Agent interface {
	// OnUncaughtError receives errors that escaped every handler.
	OnUncaughtError(err error)
	// OnViolation receives descriptions of broken invariants; the embedding
	// decides whether to halt.
	OnViolation(msg string)
}

// DataStore reads and writes user values at explicit timestamps. The
// protocol core never interprets values.
type DataStore interface {
	Read(key primitives.Key, at primitives.Timestamp) []byte
	Write(key primitives.Key, at primitives.Timestamp, value []byte)
}

// NoopAgent discards everything; useful as a default in tests.
type NoopAgent struct{}

func (NoopAgent) OnUncaughtError(error) {}
func (NoopAgent) OnViolation(string)    {}
