// Package config carries the agent-facing tunables of the protocol core.
package config

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"

	"github.com/stonewhitener/cassandra-accord/primitives"
)

type Config struct {
	LogLevel string `toml:"log-level"`

	// PreAcceptTimeout bounds how long a replica retains PreAccept state for
	// an ephemeral read before erasing it.
	PreAcceptTimeout time.Duration `toml:"pre-accept-timeout"`
	// LocalExpiresAt bounds a whole coordination attempt.
	LocalExpiresAt time.Duration `toml:"local-expires-at"`

	// AttemptCoordinationDelay is the base delay before a replica tries to
	// take over a stalled transaction it is home for.
	AttemptCoordinationDelay time.Duration `toml:"attempt-coordination-delay"`
	// SeekProgressDelay is the base delay before chasing a blocked
	// dependency with CheckStatus.
	SeekProgressDelay time.Duration `toml:"seek-progress-delay"`
	// RetryAwaitTimeout is the base delay before a stalled coordination is
	// recovered.
	RetryAwaitTimeout time.Duration `toml:"retry-await-timeout"`

	// CommandsForKey pruning.
	CfkHlcPruneDelta uint64        `toml:"cfk-hlc-prune-delta"`
	CfkPruneInterval time.Duration `toml:"cfk-prune-interval"`
	// max-conflicts register pruning.
	MaxConflictsHlcPruneDelta uint64        `toml:"max-conflicts-hlc-prune-delta"`
	MaxConflictsPruneInterval time.Duration `toml:"max-conflicts-prune-interval"`

	// TimerBucketShift sets the minimum timer bucket span (ms, power of 2).
	TimerBucketShift int `toml:"timer-bucket-shift"`
}

func NewDefaultConfig() *Config {
	return &Config{
		LogLevel:                  "info",
		PreAcceptTimeout:          5 * time.Second,
		LocalExpiresAt:            30 * time.Second,
		AttemptCoordinationDelay:  200 * time.Millisecond,
		SeekProgressDelay:         100 * time.Millisecond,
		RetryAwaitTimeout:         500 * time.Millisecond,
		CfkHlcPruneDelta:          1000,
		CfkPruneInterval:          10 * time.Second,
		MaxConflictsHlcPruneDelta: 5000,
		MaxConflictsPruneInterval: time.Minute,
		TimerBucketShift:          4,
	}
}

// FromFile loads a TOML config over the defaults.
func FromFile(path string) (*Config, error) {
	c := NewDefaultConfig()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, errors.Annotate(err, "decode config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if c.RetryAwaitTimeout <= 0 {
		return errors.New("retry-await-timeout must be positive")
	}
	if c.SeekProgressDelay <= 0 {
		return errors.New("seek-progress-delay must be positive")
	}
	if c.TimerBucketShift < 0 || c.TimerBucketShift > 30 {
		return errors.New("timer-bucket-shift out of range")
	}
	return nil
}

// backoff doubles the base per retry, capped at 32x.
func backoff(base time.Duration, retryCount int) time.Duration {
	shift := retryCount
	if shift > 5 {
		shift = 5
	}
	return base << shift
}

// RetryAwaitDeadline is when a stalled coordination of txnId should be
// recovered, given how many recovery attempts already ran and when the
// transaction became blocked.
func (c *Config) RetryAwaitDeadline(_ primitives.TxnId, retryCount int, blockedUntil int64) int64 {
	return blockedUntil + backoff(c.RetryAwaitTimeout, retryCount).Milliseconds()
}

// SeekProgressDeadline is when a blocked dependency should next be chased.
func (c *Config) SeekProgressDeadline(_ primitives.TxnId, retryCount int, blockedUntil int64) int64 {
	return blockedUntil + backoff(c.SeekProgressDelay, retryCount).Milliseconds()
}

// AttemptCoordinationDeadline is when a home shard replica should take over
// coordination.
func (c *Config) AttemptCoordinationDeadline(_ primitives.TxnId, retryCount int, blockedUntil int64) int64 {
	return blockedUntil + backoff(c.AttemptCoordinationDelay, retryCount).Milliseconds()
}
