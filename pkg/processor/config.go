// Package processor is the polling engine underneath the outbox and view
// workers: per-subscription schedulers paced by a shared configuration,
// leader election on PostgreSQL advisory locks, and durable per-subscription
// progress rows with pause/resume/reset management operations.
package processor

import (
	"fmt"
	"strings"
	"time"
)

// LockStrategy selects how many advisory locks a processor competes for.
type LockStrategy int

const (
	// LockGlobal elects one leader per processor; the winning instance runs
	// every subscription of that processor.
	LockGlobal LockStrategy = iota
	// LockPerSubscription elects a leader per (processor, subscription) pair,
	// letting instances share the work and isolating slow subscriptions.
	LockPerSubscription
)

func (s LockStrategy) String() string {
	if s == LockPerSubscription {
		return "PER_SUBSCRIPTION"
	}
	return "GLOBAL"
}

// ParseLockStrategy parses a lock strategy name as used in configuration.
func ParseLockStrategy(s string) (LockStrategy, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "GLOBAL":
		return LockGlobal, nil
	case "PER_SUBSCRIPTION":
		return LockPerSubscription, nil
	default:
		return LockGlobal, fmt.Errorf("unknown lock strategy: %q", s)
	}
}

// Config tunes the schedulers a Manager runs. The zero value of any field
// falls back to the corresponding default.
type Config struct {
	// PollingInterval is the idle sleep between fetch attempts.
	PollingInterval time.Duration
	// BatchSize caps the events fetched per cycle. A batch is extended past
	// the cap when needed so one transaction's events never split across
	// two batches.
	BatchSize int
	// BackoffThreshold is the consecutive-error count at which sleeps start
	// growing exponentially.
	BackoffThreshold int
	// BackoffMultiplier is the exponential base for backed-off sleeps.
	BackoffMultiplier float64
	// MaxBackoff caps a backed-off sleep.
	MaxBackoff time.Duration
	// LeaderRetryInterval is how often a follower retries lock acquisition.
	LeaderRetryInterval time.Duration
	// LockStrategy selects global or per-subscription leadership.
	LockStrategy LockStrategy
	// FetchTimeout bounds a single fetch query; a timed-out fetch fails the
	// cycle and counts toward backoff.
	FetchTimeout time.Duration
}

// DefaultConfig returns the default scheduler tuning.
func DefaultConfig() Config {
	return Config{
		PollingInterval:     time.Second,
		BatchSize:           100,
		BackoffThreshold:    10,
		BackoffMultiplier:   2,
		MaxBackoff:          60 * time.Second,
		LeaderRetryInterval: 30 * time.Second,
		LockStrategy:        LockGlobal,
		FetchTimeout:        30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollingInterval <= 0 {
		c.PollingInterval = d.PollingInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.BackoffThreshold <= 0 {
		c.BackoffThreshold = d.BackoffThreshold
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.LeaderRetryInterval <= 0 {
		c.LeaderRetryInterval = d.LeaderRetryInterval
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = d.FetchTimeout
	}
	return c
}
