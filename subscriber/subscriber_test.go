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
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cortezalberto/restogw/routing"
)

// stubMessageSource hands the ingest handler back to the test
type stubMessageSource struct {
	lock    sync.Mutex
	handler func(payload []byte)
	failing bool
}

func (s *stubMessageSource) Subscribe(
	ctxt context.Context, handler func(payload []byte),
) (<-chan error, func(), error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.failing {
		return nil, nil, fmt.Errorf("dummy broker unavailable")
	}
	s.handler = handler
	return make(chan error, 1), func() {}, nil
}

func (s *stubMessageSource) publish(payload []byte) bool {
	s.lock.Lock()
	handler := s.handler
	s.lock.Unlock()
	if handler == nil {
		return false
	}
	handler(payload)
	return true
}

func TestCircuitBreakerTransitions(t *testing.T) {
	assert := assert.New(t)

	cooldown := time.Millisecond * 50
	uut, err := GetCircuitBreaker("ut-breaker", CircuitBreakerParams{
		FailureThreshold: 5, Cooldown: cooldown, HalfOpenTrials: 1,
	})
	assert.Nil(err)
	assert.Equal(BreakerClosed, uut.State())

	// Case 0: failures below the threshold keep the breaker closed
	for itr := 0; itr < 4; itr++ {
		assert.True(uut.Allow())
		uut.RecordFailure()
	}
	assert.Equal(BreakerClosed, uut.State())

	// Case 1: the fifth consecutive failure opens the breaker
	assert.True(uut.Allow())
	uut.RecordFailure()
	assert.Equal(BreakerOpen, uut.State())
	assert.False(uut.Allow())
	assert.False(uut.Allow())

	// Case 2: after the cooldown exactly one trial is admitted
	time.Sleep(cooldown + time.Millisecond*10)
	assert.True(uut.Allow())
	assert.Equal(BreakerHalfOpen, uut.State())
	assert.False(uut.Allow())

	// Case 3: the trial succeeding closes the breaker
	uut.RecordSuccess()
	assert.Equal(BreakerClosed, uut.State())
	assert.True(uut.Allow())

	// Case 4: a failed trial re-opens the breaker
	for itr := 0; itr < 5; itr++ {
		uut.RecordFailure()
	}
	assert.Equal(BreakerOpen, uut.State())
	time.Sleep(cooldown + time.Millisecond*10)
	assert.True(uut.Allow())
	uut.RecordFailure()
	assert.Equal(BreakerOpen, uut.State())
	assert.False(uut.Allow())
}

func TestEventQueueOverflowEvictsOldest(t *testing.T) {
	assert := assert.New(t)

	capacity := 8
	published := 20
	uut := newEventQueue(capacity)

	evictions := 0
	for itr := 0; itr < published; itr++ {
		if uut.push(routing.Event{Type: "order.created", TenantID: fmt.Sprintf("t%d", itr)}) {
			evictions++
		}
	}

	// With the consumer paused, exactly (published - capacity) are dropped
	assert.Equal(published-capacity, evictions)
	assert.Equal(capacity, uut.depth())

	// The survivors are the newest entries, in publish order
	batch := uut.popBatch(capacity)
	assert.Len(batch, capacity)
	for itr, event := range batch {
		assert.Equal(fmt.Sprintf("t%d", published-capacity+itr), event.TenantID)
	}
	assert.Equal(0, uut.depth())
	assert.Nil(uut.popBatch(4))
}

func TestEventQueueBatchDrain(t *testing.T) {
	assert := assert.New(t)

	uut := newEventQueue(16)
	for itr := 0; itr < 10; itr++ {
		uut.push(routing.Event{Type: "ut", TenantID: fmt.Sprintf("t%d", itr)})
	}
	first := uut.popBatch(4)
	assert.Len(first, 4)
	assert.Equal("t0", first[0].TenantID)
	second := uut.popBatch(4)
	assert.Equal("t4", second[0].TenantID)
	assert.Equal(2, uut.depth())
}

func TestSubscriberDrainsThroughSink(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := &stubMessageSource{}
	var sinkLock sync.Mutex
	received := []routing.Event{}
	sink := func(ctxt context.Context, event routing.Event) error {
		sinkLock.Lock()
		defer sinkLock.Unlock()
		if event.Type == "ut.reject" {
			return routing.ErrUnroutable
		}
		if event.Type == "ut.panic" {
			panic("dummy sink failure")
		}
		received = append(received, event)
		return nil
	}

	breaker, err := GetCircuitBreaker("ut-sub", CircuitBreakerParams{
		FailureThreshold: 5, Cooldown: time.Second, HalfOpenTrials: 1,
	})
	assert.Nil(err)
	uut, err := GetEventSubscriber(ctxt, EventSubscriberParams{
		Source:             source,
		Sink:               sink,
		QueueCapacity:      32,
		DrainBatchSize:     8,
		BackoffBase:        time.Millisecond * 10,
		BackoffMax:         time.Millisecond * 50,
		Breaker:            breaker,
		DropAlertThreshold: 0.99,
	}, NewDropRateWindow(time.Second*30))
	assert.Nil(err)

	wg := sync.WaitGroup{}
	assert.Nil(uut.Start(&wg))

	// Wait for the subscription loop to attach
	assert.Eventually(func() bool {
		return source.publish([]byte(`{"type":"order.created","tenant_id":"t1","branch_id":"b1"}`))
	}, time.Second, time.Millisecond*10)
	assert.Equal(BreakerClosed, uut.BreakerState())

	source.publish([]byte(`{"type":"order.ready","tenant_id":"t1","branch_id":"b1","sector_id":"s1"}`))
	source.publish([]byte(`not json at all`))
	source.publish([]byte(`{"type":"ut.reject","tenant_id":"t1"}`))
	source.publish([]byte(`{"type":"ut.panic","tenant_id":"t1"}`))
	source.publish([]byte(`{"tenant_id":"missing-type"}`))

	assert.Eventually(func() bool {
		processed, dropped := uut.Totals()
		return processed == 2 && dropped == 4
	}, time.Second, time.Millisecond*10)

	sinkLock.Lock()
	assert.Len(received, 2)
	assert.Equal("order.created", received[0].Type)
	assert.Equal("order.ready", received[1].Type)
	sinkLock.Unlock()
	assert.Equal(0, uut.QueueDepth())

	cancel()
	wg.Wait()
}

func TestSubscriberBreakerOnSourceFailure(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := &stubMessageSource{failing: true}
	breaker, err := GetCircuitBreaker("ut-sub-fail", CircuitBreakerParams{
		FailureThreshold: 3, Cooldown: time.Minute, HalfOpenTrials: 1,
	})
	assert.Nil(err)
	uut, err := GetEventSubscriber(ctxt, EventSubscriberParams{
		Source:             source,
		Sink:               func(ctxt context.Context, event routing.Event) error { return nil },
		QueueCapacity:      8,
		DrainBatchSize:     4,
		BackoffBase:        time.Millisecond,
		BackoffMax:         time.Millisecond * 5,
		Breaker:            breaker,
		DropAlertThreshold: 0.99,
	}, NewDropRateWindow(time.Second*30))
	assert.Nil(err)

	wg := sync.WaitGroup{}
	assert.Nil(uut.Start(&wg))

	// Repeated subscribe failures trip the breaker, after which the loop
	// fails fast instead of hammering the broker
	assert.Eventually(func() bool {
		return uut.BreakerState() == BreakerOpen
	}, time.Second*2, time.Millisecond*10)

	cancel()
	wg.Wait()
}
