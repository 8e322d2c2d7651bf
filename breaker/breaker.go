// Copyright 2015 Matthew Holt and The RPCGate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package breaker routes traffic between a primary and an optional
// fallback upstream using a failure-counting circuit breaker. The state
// machine itself is sony/gobreaker in two-step mode; this package adds
// the routing decision, the fallback-gated trip condition (without a
// fallback there is nowhere to shed load to, so the breaker never
// opens), alert delivery, and the admin snapshot.
package breaker

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Defaults per the dispatcher contract.
const (
	DefaultFailureThreshold = 2
	DefaultResetTimeout     = 60 * time.Second
)

// AlertSink receives breaker transition notifications. Implementations
// must not block and must not return errors into the dispatch path;
// delivery is best effort.
type AlertSink interface {
	BreakerOpened(upstream string)
	BreakerRecovered(upstream string)
}

// LogSink is the built-in AlertSink that writes transitions to the
// process log.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) BreakerOpened(upstream string) {
	s.Logger.Warn("circuit breaker opened; routing to fallback", zap.String("upstream", upstream))
}

func (s LogSink) BreakerRecovered(upstream string) {
	s.Logger.Info("circuit breaker recovered; routing to primary", zap.String("upstream", upstream))
}

// Config for a Breaker. Fallback may be empty, in which case the
// breaker stays closed regardless of failures.
type Config struct {
	Primary          string
	Fallback         string
	FailureThreshold uint32
	ResetTimeout     time.Duration
}

// Breaker selects the upstream URL for each dispatch and tracks
// primary-upstream health.
type Breaker struct {
	cfg    Config
	cb     *gobreaker.TwoStepCircuitBreaker
	sink   AlertSink
	logger *zap.Logger

	mu            sync.Mutex
	lastFailureAt time.Time
}

// New constructs a Breaker. A nil sink falls back to logging only.
func New(cfg Config, sink AlertSink, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.ResetTimeout == 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	if sink == nil {
		sink = LogSink{Logger: logger}
	}

	b := &Breaker{cfg: cfg, sink: sink, logger: logger}
	hasFallback := cfg.Fallback != ""

	b.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name: cfg.Primary,
		// a single half-open probe decides recovery
		MaxRequests: 1,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return hasFallback && counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.onStateChange(name, from, to)
		},
	})
	return b
}

func (b *Breaker) onStateChange(name string, from, to gobreaker.State) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error("alert sink panicked", zap.Any("panic", rec))
		}
	}()
	switch {
	case to == gobreaker.StateOpen:
		b.sink.BreakerOpened(name)
	case from == gobreaker.StateHalfOpen && to == gobreaker.StateClosed:
		b.sink.BreakerRecovered(name)
	}
}

// HasFallback reports whether a fallback upstream is configured.
func (b *Breaker) HasFallback() bool { return b.cfg.Fallback != "" }

// Primary returns the primary upstream URL.
func (b *Breaker) Primary() string { return b.cfg.Primary }

// Fallback returns the fallback upstream URL ("" when unconfigured).
func (b *Breaker) Fallback() string { return b.cfg.Fallback }

// Route decides where the next POST goes. When usingFallback is false,
// the caller must invoke done with the outcome of the primary attempt;
// when usingFallback is true, done is nil and the outcome must not feed
// the breaker (fallback traffic carries no signal about the primary).
func (b *Breaker) Route() (url string, usingFallback bool, done func(success bool)) {
	allow, err := b.cb.Allow()
	if err != nil {
		// open (or half-open already probing): shed to the fallback
		return b.cfg.Fallback, true, nil
	}
	return b.cfg.Primary, false, func(success bool) {
		if !success {
			b.mu.Lock()
			b.lastFailureAt = time.Now()
			b.mu.Unlock()
		}
		allow(success)
	}
}

// Snapshot is the admin-surface view of the breaker.
type Snapshot struct {
	State               string    `json:"state"`
	ConsecutiveFailures uint32    `json:"consecutiveFailures"`
	LastFailureAt       time.Time `json:"lastFailureAt"`
	HasFallback         bool      `json:"hasFallback"`
	FailureThreshold    uint32    `json:"failureThreshold"`
	ResetTimeoutSeconds float64   `json:"resetTimeoutSeconds"`
	Primary             string    `json:"primary"`
	Fallback            string    `json:"fallback,omitempty"`
}

// Snapshot returns the current breaker state for the admin surface.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	lastFailure := b.lastFailureAt
	b.mu.Unlock()
	return Snapshot{
		State:               b.cb.State().String(),
		ConsecutiveFailures: b.cb.Counts().ConsecutiveFailures,
		LastFailureAt:       lastFailure,
		HasFallback:         b.HasFallback(),
		FailureThreshold:    b.cfg.FailureThreshold,
		ResetTimeoutSeconds: b.cfg.ResetTimeout.Seconds(),
		Primary:             b.cfg.Primary,
		Fallback:            b.cfg.Fallback,
	}
}
