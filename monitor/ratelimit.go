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

package monitor

import (
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"

	"github.com/cortezalberto/restogw/common"
)

// RateDecision outcome of one inbound message check
type RateDecision struct {
	// Allowed whether the message may be processed
	Allowed bool
	// Strikes consecutive violation windows so far
	Strikes int
	// CloseConnection whether the abuse strike budget is exhausted
	CloseConnection bool
}

// RateLimiter per-connection sliding window guard on inbound messages.
// Messages over budget are dropped; sustained abuse closes the connection.
type RateLimiter interface {
	// Track start limiting a connection
	Track(connID string)
	// Check account one inbound message and decide its fate
	Check(connID string) RateDecision
	// Forget release all bookkeeping for a connection
	Forget(connID string)
	// TrackedCount number of limited connections
	TrackedCount() int
}

// RateLimiterParams limiter tuning
type RateLimiterParams struct {
	// MaxMessagesPerSec sliding one second window message budget
	MaxMessagesPerSec int `validate:"gte=1"`
	// AbuseStrikes consecutive violation windows before the connection is
	// closed
	AbuseStrikes int `validate:"gte=1"`
}

// connRateState per-connection window state. Two adjacent one second
// buckets give a sliding window estimate in constant space.
type connRateState struct {
	currSecond int64
	currCount  int
	prevCount  int
	strikes    int
	lastStrike int64
}

// rateLimiterImpl implements RateLimiter
type rateLimiterImpl struct {
	common.Component
	lock    sync.Mutex
	params  RateLimiterParams
	states  map[string]*connRateState
	timeNow func() time.Time
}

// GetRateLimiter define a RateLimiter
func GetRateLimiter(params RateLimiterParams) (RateLimiter, error) {
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return nil, err
	}
	logTags := log.Fields{"module": "monitor", "component": "rate-limit"}
	return &rateLimiterImpl{
		Component: common.Component{LogTags: logTags},
		params:    params,
		states:    map[string]*connRateState{},
		timeNow:   time.Now,
	}, nil
}

// Track start limiting a connection
func (r *rateLimiterImpl) Track(connID string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.states[connID]; !ok {
		r.states[connID] = &connRateState{currSecond: r.timeNow().Unix()}
	}
}

// Check account one inbound message and decide its fate
func (r *rateLimiterImpl) Check(connID string) RateDecision {
	r.lock.Lock()
	defer r.lock.Unlock()
	state, ok := r.states[connID]
	if !ok {
		// Untracked connections pass; admission always tracks first
		return RateDecision{Allowed: true}
	}

	now := r.timeNow()
	second := now.Unix()
	if second != state.currSecond {
		if second == state.currSecond+1 {
			state.prevCount = state.currCount
		} else {
			state.prevCount = 0
		}
		state.currCount = 0
		state.currSecond = second
	}

	// Weighted sum over the two buckets approximates the true one second
	// sliding window
	elapsedFrac := float64(now.UnixMilli()%1000) / 1000.0
	estimate := float64(state.prevCount)*(1.0-elapsedFrac) + float64(state.currCount)
	if estimate < float64(r.params.MaxMessagesPerSec) {
		state.currCount++
		return RateDecision{Allowed: true, Strikes: state.strikes}
	}

	// At most one strike per violation window; non-adjacent windows reset
	// the consecutive count
	if state.lastStrike != second {
		switch {
		case state.lastStrike == second-1:
			state.strikes++
		default:
			state.strikes = 1
		}
		state.lastStrike = second
		log.WithFields(r.LogTags).Warnf(
			"Connection %s over message budget, strike %d of %d",
			connID, state.strikes, r.params.AbuseStrikes,
		)
	}
	return RateDecision{
		Allowed:         false,
		Strikes:         state.strikes,
		CloseConnection: state.strikes >= r.params.AbuseStrikes,
	}
}

// Forget release all bookkeeping for a connection
func (r *rateLimiterImpl) Forget(connID string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	delete(r.states, connID)
}

// TrackedCount number of limited connections
func (r *rateLimiterImpl) TrackedCount() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.states)
}
