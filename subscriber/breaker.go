// Copyright 2024-2025 The restogw Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package subscriber

import (
	"sync"
	"time"

	"github.com/apex/log"

	"github.com/cortezalberto/restogw/common"
)

// BreakerState state of the circuit breaker guarding the broker subscription
type BreakerState int

const (
	// BreakerClosed calls flow normally
	BreakerClosed BreakerState = iota
	// BreakerOpen calls fail fast until the cooldown elapses
	BreakerOpen
	// BreakerHalfOpen a bounded number of trial calls probe the dependency
	BreakerHalfOpen
)

// String implements Stringer
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	}
	return "UNKNOWN"
}

// CircuitBreaker stateful guard around a failing dependency. Transitions are
// driven by the subscriber's own call path; only state reads come from
// elsewhere (the diagnostics probe).
type CircuitBreaker interface {
	// Allow whether a call may proceed right now. While half-open this admits
	// at most the configured number of outstanding trials.
	Allow() bool
	// RecordSuccess report a successful call
	RecordSuccess()
	// RecordFailure report a failed call
	RecordFailure()
	// State current breaker state
	State() BreakerState
}

// CircuitBreakerParams breaker tuning
type CircuitBreakerParams struct {
	// FailureThreshold consecutive failures which open the breaker
	FailureThreshold int `validate:"gte=1"`
	// Cooldown how long the breaker stays open before probing
	Cooldown time.Duration `validate:"gt=0"`
	// HalfOpenTrials trial calls allowed while half-open; also the success
	// count required to close again
	HalfOpenTrials int `validate:"gte=1"`
}

// circuitBreakerImpl implements CircuitBreaker
type circuitBreakerImpl struct {
	common.Component
	lock   sync.Mutex
	params CircuitBreakerParams

	state           BreakerState
	consecutiveFail int
	openedAt        time.Time
	trialsOut       int
	trialSuccesses  int
}

// GetCircuitBreaker define a CircuitBreaker
func GetCircuitBreaker(name string, params CircuitBreakerParams) (CircuitBreaker, error) {
	logTags := log.Fields{
		"module": "subscriber", "component": "circuit-breaker", "instance": name,
	}
	return &circuitBreakerImpl{
		Component: common.Component{LogTags: logTags},
		params:    params,
		state:     BreakerClosed,
	}, nil
}

// Allow whether a call may proceed right now
func (b *circuitBreakerImpl) Allow() bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if time.Since(b.openedAt) < b.params.Cooldown {
			return false
		}
		b.state = BreakerHalfOpen
		b.trialsOut = 1
		b.trialSuccesses = 0
		log.WithFields(b.LogTags).Warn("Breaker HALF_OPEN, probing dependency")
		return true
	case BreakerHalfOpen:
		if b.trialsOut >= b.params.HalfOpenTrials {
			return false
		}
		b.trialsOut++
		return true
	}
	return false
}

// RecordSuccess report a successful call
func (b *circuitBreakerImpl) RecordSuccess() {
	b.lock.Lock()
	defer b.lock.Unlock()
	switch b.state {
	case BreakerClosed:
		b.consecutiveFail = 0
	case BreakerHalfOpen:
		b.trialSuccesses++
		if b.trialSuccesses >= b.params.HalfOpenTrials {
			b.state = BreakerClosed
			b.consecutiveFail = 0
			b.trialsOut = 0
			log.WithFields(b.LogTags).Info("Breaker CLOSED")
		}
	case BreakerOpen:
		// Success reports cannot originate while open; ignore
	}
}

// RecordFailure report a failed call
func (b *circuitBreakerImpl) RecordFailure() {
	b.lock.Lock()
	defer b.lock.Unlock()
	switch b.state {
	case BreakerClosed:
		b.consecutiveFail++
		if b.consecutiveFail >= b.params.FailureThreshold {
			b.state = BreakerOpen
			b.openedAt = time.Now()
			log.WithFields(b.LogTags).Errorf(
				"Breaker OPEN after %d consecutive failures", b.consecutiveFail,
			)
		}
	case BreakerHalfOpen:
		// Any trial failure re-opens for a full cooldown
		b.state = BreakerOpen
		b.openedAt = time.Now()
		b.trialsOut = 0
		log.WithFields(b.LogTags).Error("Breaker re-OPEN, trial call failed")
	case BreakerOpen:
	}
}

// State current breaker state
func (b *circuitBreakerImpl) State() BreakerState {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.state
}
