// breaker.go: Circuit breaker guarding out-of-process symbol endpoints
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
)

// BreakerState is the operational state of an EndpointBreaker.
//
//   - BreakerClosed: calls go through
//   - BreakerOpen: calls fail immediately until the recovery timeout elapses
//   - BreakerHalfOpen: a few probe calls decide whether to close again
type BreakerState int32

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON and YAML output.
func (s BreakerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// BreakerConfig tunes an EndpointBreaker. Zero fields take the defaults of
// DefaultBreakerConfig.
type BreakerConfig struct {
	// Disabled lets every call through.
	Disabled bool
	// FailureThreshold is the number of consecutive transport failures that
	// opens the breaker.
	FailureThreshold int
	// RecoveryTimeout is how long an open breaker rejects calls.
	RecoveryTimeout time.Duration
	// SuccessThreshold is the number of successful probes that closes a
	// half-open breaker.
	SuccessThreshold int
}

// DefaultBreakerConfig returns the thresholds used for Symbol-Endpoint plugins.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	def := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = def.RecoveryTimeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	return c
}

// EndpointBreaker stops a host from hammering a plugin process that is down.
//
// Only transport failures count: a remote symbol that is missing or whose
// call returns an error proves the endpoint is alive.
//
//	if !b.Allow() {
//	    return errEndpointOpen
//	}
//	err := invoke()
//	b.Record(isTransportFailure(err))
type EndpointBreaker struct {
	config BreakerConfig

	state           atomic.Int32 // BreakerState
	failures        atomic.Int64
	probes          atomic.Int64
	successes       atomic.Int64
	lastFailureNano atomic.Int64
	rejected        atomic.Int64

	// mu serializes state transitions.
	mu sync.Mutex
}

// NewEndpointBreaker creates a closed breaker.
func NewEndpointBreaker(config BreakerConfig) *EndpointBreaker {
	b := &EndpointBreaker{config: config.withDefaults()}
	b.state.Store(int32(BreakerClosed))
	return b
}

// Allow reports whether a call may proceed. An open breaker turns half-open
// once the recovery timeout has passed.
func (b *EndpointBreaker) Allow() bool {
	if b == nil || b.config.Disabled {
		return true
	}

	switch BreakerState(b.state.Load()) {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if !b.recoveryDue() {
			b.rejected.Add(1)
			return false
		}
		b.mu.Lock()
		if BreakerState(b.state.Load()) == BreakerOpen && b.recoveryDue() {
			b.state.Store(int32(BreakerHalfOpen))
			b.probes.Store(0)
			b.successes.Store(0)
		}
		b.mu.Unlock()
		return b.admitProbe()
	case BreakerHalfOpen:
		return b.admitProbe()
	default:
		return false
	}
}

func (b *EndpointBreaker) admitProbe() bool {
	if BreakerState(b.state.Load()) != BreakerHalfOpen {
		return BreakerState(b.state.Load()) == BreakerClosed
	}
	if b.probes.Add(1) > int64(b.config.SuccessThreshold) {
		b.rejected.Add(1)
		return false
	}
	return true
}

// Record reports the outcome of an allowed call.
func (b *EndpointBreaker) Record(transportFailure bool) {
	if b == nil || b.config.Disabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	state := BreakerState(b.state.Load())
	if transportFailure {
		b.lastFailureNano.Store(timecache.CachedTimeNano())
		switch state {
		case BreakerHalfOpen:
			b.state.Store(int32(BreakerOpen))
		case BreakerClosed:
			if b.failures.Add(1) >= int64(b.config.FailureThreshold) {
				b.state.Store(int32(BreakerOpen))
			}
		}
		return
	}

	switch state {
	case BreakerHalfOpen:
		if b.successes.Add(1) >= int64(b.config.SuccessThreshold) {
			b.state.Store(int32(BreakerClosed))
			b.failures.Store(0)
		}
	case BreakerClosed:
		b.failures.Store(0)
	}
}

// State returns the current state.
func (b *EndpointBreaker) State() BreakerState {
	if b == nil {
		return BreakerClosed
	}
	return BreakerState(b.state.Load())
}

// Stats returns a snapshot for status output.
func (b *EndpointBreaker) Stats() BreakerStats {
	if b == nil {
		return BreakerStats{State: BreakerClosed}
	}
	stats := BreakerStats{
		State:               b.State(),
		ConsecutiveFailures: b.failures.Load(),
		Rejected:            b.rejected.Load(),
	}
	if nano := b.lastFailureNano.Load(); nano != 0 {
		stats.LastFailure = time.Unix(0, nano)
	}
	return stats
}

// Reset closes the breaker and clears its counters.
func (b *EndpointBreaker) Reset() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.Store(int32(BreakerClosed))
	b.failures.Store(0)
	b.probes.Store(0)
	b.successes.Store(0)
}

func (b *EndpointBreaker) recoveryDue() bool {
	last := b.lastFailureNano.Load()
	if last == 0 {
		return true
	}
	return time.Since(time.Unix(0, last)) >= b.config.RecoveryTimeout
}

// BreakerStats describes an EndpointBreaker.
type BreakerStats struct {
	State               BreakerState `json:"state" yaml:"state"`
	ConsecutiveFailures int64        `json:"consecutive_failures" yaml:"consecutive_failures"`
	Rejected            int64        `json:"rejected" yaml:"rejected"`
	LastFailure         time.Time    `json:"last_failure,omitempty" yaml:"last_failure,omitempty"`
}
