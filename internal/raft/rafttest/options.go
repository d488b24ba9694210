package rafttest

import "time"

const (
	defaultElectionTimeoutMin = 20 * time.Millisecond
	defaultElectionTimeoutMax = 40 * time.Millisecond
	defaultHeartbeatInterval  = 5 * time.Millisecond
)

func nsToDuration(ns int64) time.Duration { return time.Duration(ns) }

// WithElectionTimeout overrides the randomized election timeout range used
// by every member of the cluster.
func WithElectionTimeout(min, max time.Duration) Option {
	return func(c *memberConfig) {
		c.electionTimeoutMin = int64(min)
		c.electionTimeoutMax = int64(max)
	}
}

// WithHeartbeatInterval overrides the leader heartbeat interval used by
// every member of the cluster.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *memberConfig) {
		c.heartbeatInterval = int64(d)
	}
}
