package devicesync

import (
	"math"
	"time"
)

// ReconnectPolicy controls how a dropped device connection is retried.
type ReconnectPolicy struct {
	InitialDelay time.Duration
	Interval     time.Duration
	Factor       float64
	// FastAttempts are retried after InitialDelay before backing off.
	FastAttempts int
	MaxAttempts  int
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialDelay: 500 * time.Millisecond,
		Interval:     3 * time.Second,
		Factor:       1.2,
		FastAttempts: 3,
		MaxAttempts:  10,
	}
}

// Delay returns the wait before the given attempt, counted from 1.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt <= p.FastAttempts {
		return p.InitialDelay
	}
	scale := math.Pow(p.Factor, float64(attempt-p.FastAttempts-1))
	return time.Duration(float64(p.Interval) * scale)
}

// Exhausted reports whether attempt is past the retry budget. A zero
// MaxAttempts retries forever.
func (p ReconnectPolicy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}

func msDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
