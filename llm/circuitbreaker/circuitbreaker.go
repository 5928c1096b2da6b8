// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package circuitbreaker implements a per-provider Closed/Open/HalfOpen
// breaker consulted before dispatch and updated after completion.
package circuitbreaker

import (
	"sync"
	"time"
)

// State is one of the three breaker states.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Config tunes the breaker's thresholds; zero-value fields are
// replaced by DefaultConfig's values.
type Config struct {
	WindowSize          int           // max outcomes retained, default 100
	WindowDuration       time.Duration // max age of a retained outcome, default 60s
	ErrorRateThreshold   float64       // default 0.5
	MinSamples           int           // default 20
	ConsecutiveThreshold int           // default 5
	RecoveryTimeout      time.Duration // default 30s
}

// DefaultConfig returns the spec's default thresholds.
func DefaultConfig() Config {
	return Config{
		WindowSize:           100,
		WindowDuration:       60 * time.Second,
		ErrorRateThreshold:   0.5,
		MinSamples:           20,
		ConsecutiveThreshold: 5,
		RecoveryTimeout:      30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.WindowDuration <= 0 {
		c.WindowDuration = d.WindowDuration
	}
	if c.ErrorRateThreshold <= 0 {
		c.ErrorRateThreshold = d.ErrorRateThreshold
	}
	if c.MinSamples <= 0 {
		c.MinSamples = d.MinSamples
	}
	if c.ConsecutiveThreshold <= 0 {
		c.ConsecutiveThreshold = d.ConsecutiveThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	return c
}

type outcome struct {
	at      time.Time
	failure bool
}

// TransitionObserver is notified on every state change, letting the
// caller wire Prometheus counters without coupling this package to
// any metrics library.
type TransitionObserver func(provider string, from, to State)

// Breaker is a single provider's circuit breaker. Safe for concurrent use.
type Breaker struct {
	provider string
	cfg      Config
	observe  TransitionObserver

	mu                  sync.Mutex
	state               State
	window              []outcome
	consecutiveFailures int
	openedAt            time.Time
	halfOpenProbeInFlight bool
}

// New returns a breaker in the Closed state.
func New(provider string, cfg Config, observe TransitionObserver) *Breaker {
	return &Breaker{
		provider: provider,
		cfg:      cfg.withDefaults(),
		observe:  observe,
		state:    Closed,
	}
}

// Allow reports whether a request may be dispatched right now. In
// HalfOpen it admits exactly one probe and denies all others until
// that probe resolves.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.openedAt) >= b.cfg.RecoveryTimeout {
			b.transition(HalfOpen)
			b.halfOpenProbeInFlight = true
			return true
		}
		return false
	case HalfOpen:
		if b.halfOpenProbeInFlight {
			return false
		}
		b.halfOpenProbeInFlight = true
		return true
	default:
		return false
	}
}

// RecordSuccess reports a successful completion.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	switch b.state {
	case HalfOpen:
		b.halfOpenProbeInFlight = false
		b.window = nil
		b.transition(Closed)
	case Closed:
		b.record(false)
	}
}

// RecordFailure reports a failed completion. Only failures the spec
// counts (timeouts, 5xx, 429, network errors) should be passed here;
// 4xx-other-than-429 and semantic errors must not call this.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	switch b.state {
	case HalfOpen:
		b.halfOpenProbeInFlight = false
		b.openedAt = time.Now()
		b.transition(Open)
	case Closed:
		b.record(true)
		if b.consecutiveFailures >= b.cfg.ConsecutiveThreshold || b.errorRateTripped() {
			b.openedAt = time.Now()
			b.transition(Open)
		}
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to Closed, discarding window history.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.window = nil
	b.consecutiveFailures = 0
	b.halfOpenProbeInFlight = false
	b.transition(Closed)
}

func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if b.observe != nil {
		b.observe(b.provider, from, to)
	}
}

func (b *Breaker) record(failure bool) {
	now := time.Now()
	b.window = append(b.window, outcome{at: now, failure: failure})
	b.pruneLocked(now)
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.WindowDuration)
	i := 0
	for ; i < len(b.window); i++ {
		if b.window[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		b.window = b.window[i:]
	}
	if len(b.window) > b.cfg.WindowSize {
		b.window = b.window[len(b.window)-b.cfg.WindowSize:]
	}
}

func (b *Breaker) errorRateTripped() bool {
	if len(b.window) < b.cfg.MinSamples {
		return false
	}
	var failures int
	for _, o := range b.window {
		if o.failure {
			failures++
		}
	}
	rate := float64(failures) / float64(len(b.window))
	return rate >= b.cfg.ErrorRateThreshold
}
