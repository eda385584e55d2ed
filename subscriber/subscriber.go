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
	"math/rand"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"

	"github.com/cortezalberto/restogw/common"
	"github.com/cortezalberto/restogw/routing"
)

// MessageSource one attachment point to the shared event stream. The NATS
// implementation lives in nats_source.go; tests substitute stubs.
type MessageSource interface {
	// Subscribe establish the subscriptions, delivering raw payloads to
	// handler until stop is called or an async error is reported
	Subscribe(
		ctxt context.Context, handler func(payload []byte),
	) (errs <-chan error, stop func(), err error)
}

// EventSinkCB hands one validated event to the routing / delivery pipeline
type EventSinkCB func(ctxt context.Context, event routing.Event) error

// EventSubscriber long-lived consumer of the shared event stream. Buffers
// into a bounded queue and drains through the sink in batches.
type EventSubscriber interface {
	// Start launch the subscription and consumer loops
	Start(wg *sync.WaitGroup) error
	// QueueDepth current bounded queue depth
	QueueDepth() int
	// BreakerState current breaker state
	BreakerState() BreakerState
	// DropRate trailing window drop rate in [0, 1]
	DropRate() float64
	// Totals lifetime processed and dropped event counts
	Totals() (processed, dropped uint64)
}

// EventSubscriberParams subscriber tuning
type EventSubscriberParams struct {
	// Source the event stream attachment
	Source MessageSource `validate:"required"`
	// Sink the routing / delivery pipeline entry point
	Sink EventSinkCB `validate:"required"`
	// QueueCapacity bounded queue depth; the oldest entry is evicted on
	// overflow and counted as a drop
	QueueCapacity int `validate:"gte=1"`
	// DrainBatchSize max events handled per drain pass
	DrainBatchSize int `validate:"gte=1"`
	// BackoffBase base of the jittered reconnect backoff
	BackoffBase time.Duration `validate:"gt=0"`
	// BackoffMax cap of the jittered reconnect backoff
	BackoffMax time.Duration `validate:"gt=0"`
	// Breaker guards subscription establishment
	Breaker CircuitBreaker `validate:"required"`
	// DropAlertThreshold trailing drop rate fraction which raises the alert
	DropAlertThreshold float64 `validate:"gt=0,lte=1"`
}

// eventSubscriberImpl implements EventSubscriber
type eventSubscriberImpl struct {
	common.Component
	params   EventSubscriberParams
	validate *validator.Validate
	queue    *eventQueue
	window   *DropRateWindow
	rootCtxt context.Context

	alertLock   sync.Mutex
	lastAlertAt time.Time
}

// GetEventSubscriber define an EventSubscriber
func GetEventSubscriber(
	rootCtxt context.Context, params EventSubscriberParams, window *DropRateWindow,
) (EventSubscriber, error) {
	logTags := log.Fields{"module": "subscriber", "component": "event-subscriber"}
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return nil, err
	}
	return &eventSubscriberImpl{
		Component: common.Component{LogTags: logTags},
		params:    params,
		validate:  validate,
		queue:     newEventQueue(params.QueueCapacity),
		window:    window,
		rootCtxt:  rootCtxt,
	}, nil
}

// Start launch the subscription and consumer loops
func (s *eventSubscriberImpl) Start(wg *sync.WaitGroup) error {
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.subscriptionLoop()
	}()
	go func() {
		defer wg.Done()
		s.consumerLoop()
	}()
	return nil
}

// subscriptionLoop keep the broker subscription alive under the breaker,
// backing off with jitter between attempts. Broker unavailability degrades
// to no live notifications, never a crash.
func (s *eventSubscriberImpl) subscriptionLoop() {
	log.WithFields(s.LogTags).Info("Subscription loop starting")
	defer log.WithFields(s.LogTags).Info("Subscription loop exiting")
	attempt := 0
	for {
		if s.rootCtxt.Err() != nil {
			return
		}
		if !s.params.Breaker.Allow() {
			// Fail fast while open; re-check after the cooldown-sized pause
			if !s.sleepInterruptible(s.params.BackoffMax) {
				return
			}
			continue
		}
		errs, stop, err := s.params.Source.Subscribe(s.rootCtxt, s.ingest)
		if err != nil {
			s.params.Breaker.RecordFailure()
			attempt++
			log.WithError(err).WithFields(s.LogTags).Errorf(
				"Subscribe attempt %d failed", attempt,
			)
			if !s.sleepInterruptible(s.backoffFor(attempt)) {
				return
			}
			continue
		}
		s.params.Breaker.RecordSuccess()
		attempt = 0
		log.WithFields(s.LogTags).Info("Attached to event stream")

		select {
		case <-s.rootCtxt.Done():
			stop()
			return
		case subErr, ok := <-errs:
			stop()
			s.params.Breaker.RecordFailure()
			if ok && subErr != nil {
				log.WithError(subErr).WithFields(s.LogTags).Error("Event stream detached")
			} else {
				log.WithFields(s.LogTags).Error("Event stream error channel closed")
			}
			attempt++
			if !s.sleepInterruptible(s.backoffFor(attempt)) {
				return
			}
		}
	}
}

// backoffFor jittered exponential backoff for the given attempt number
func (s *eventSubscriberImpl) backoffFor(attempt int) time.Duration {
	backoff := s.params.BackoffBase
	for itr := 1; itr < attempt && backoff < s.params.BackoffMax; itr++ {
		backoff *= 2
	}
	if backoff > s.params.BackoffMax {
		backoff = s.params.BackoffMax
	}
	// Full jitter, avoid synchronized reconnect storms across instances
	return time.Duration(rand.Int63n(int64(backoff)) + int64(s.params.BackoffBase)/2)
}

// sleepInterruptible sleep unless the root context ends first
func (s *eventSubscriberImpl) sleepInterruptible(d time.Duration) bool {
	select {
	case <-s.rootCtxt.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// ingest validate one raw payload and push it onto the bounded queue
func (s *eventSubscriberImpl) ingest(payload []byte) {
	event, err := routing.ParseEvent(payload, s.validate)
	if err != nil {
		// Malformed events are logged, dropped and counted, never propagated
		s.window.RecordDropped()
		log.WithError(err).WithFields(s.LogTags).Warn("Dropped malformed event")
		s.maybeAlert()
		return
	}
	if evicted := s.queue.push(event); evicted {
		s.window.RecordDropped()
		log.WithFields(s.LogTags).Warn("Queue full, evicted oldest event")
		s.maybeAlert()
	}
}

// consumerLoop drain the queue in batches through the sink
func (s *eventSubscriberImpl) consumerLoop() {
	log.WithFields(s.LogTags).Info("Consumer loop starting")
	defer log.WithFields(s.LogTags).Info("Consumer loop exiting")
	for {
		select {
		case <-s.rootCtxt.Done():
			return
		case <-s.queue.signal:
		}
		for {
			batch := s.queue.popBatch(s.params.DrainBatchSize)
			if len(batch) == 0 {
				break
			}
			for _, event := range batch {
				s.handleOne(event)
			}
		}
	}
}

// handleOne pass one event through the sink, isolating per-event failures
// so one bad event never stalls the pipeline
func (s *eventSubscriberImpl) handleOne(event routing.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.window.RecordDropped()
			log.WithFields(s.LogTags).Errorf("Recovered sink panic on %s: %v", event, r)
			s.maybeAlert()
		}
	}()
	if err := s.params.Sink(s.rootCtxt, event); err != nil {
		s.window.RecordDropped()
		log.WithError(err).WithFields(s.LogTags).Debugf("Dropped %s", event)
		s.maybeAlert()
		return
	}
	s.window.RecordProcessed()
}

// maybeAlert raise the operational drop rate alert at most once per window
func (s *eventSubscriberImpl) maybeAlert() {
	rate := s.window.Rate()
	if rate < s.params.DropAlertThreshold {
		return
	}
	s.alertLock.Lock()
	defer s.alertLock.Unlock()
	if time.Since(s.lastAlertAt) < time.Duration(s.window.windowLen)*time.Second {
		return
	}
	s.lastAlertAt = time.Now()
	log.WithFields(s.LogTags).Errorf(
		"ALERT: event drop rate %.1f%% exceeds threshold %.1f%%",
		rate*100, s.params.DropAlertThreshold*100,
	)
}

// QueueDepth current bounded queue depth
func (s *eventSubscriberImpl) QueueDepth() int {
	return s.queue.depth()
}

// BreakerState current breaker state
func (s *eventSubscriberImpl) BreakerState() BreakerState {
	return s.params.Breaker.State()
}

// DropRate trailing window drop rate in [0, 1]
func (s *eventSubscriberImpl) DropRate() float64 {
	return s.window.Rate()
}

// Totals lifetime processed and dropped event counts
func (s *eventSubscriberImpl) Totals() (processed, dropped uint64) {
	return s.window.Totals()
}

// =======================================================================
// Bounded FIFO queue

// eventQueue bounded FIFO ring. When full, push evicts the oldest entry so
// memory stays bounded under a paused or slow consumer.
type eventQueue struct {
	lock     sync.Mutex
	entries  []routing.Event
	head     int
	size     int
	capacity int
	signal   chan bool
}

// newEventQueue define an eventQueue
func newEventQueue(capacity int) *eventQueue {
	return &eventQueue{
		entries:  make([]routing.Event, capacity),
		capacity: capacity,
		signal:   make(chan bool, 1),
	}
}

// push append one event, evicting the oldest when full. Returns whether an
// eviction occurred.
func (q *eventQueue) push(event routing.Event) bool {
	q.lock.Lock()
	evicted := false
	if q.size == q.capacity {
		q.head = (q.head + 1) % q.capacity
		q.size--
		evicted = true
	}
	q.entries[(q.head+q.size)%q.capacity] = event
	q.size++
	q.lock.Unlock()
	select {
	case q.signal <- true:
	default:
	}
	return evicted
}

// popBatch remove up to max events from the front
func (q *eventQueue) popBatch(max int) []routing.Event {
	q.lock.Lock()
	defer q.lock.Unlock()
	count := q.size
	if count > max {
		count = max
	}
	if count == 0 {
		return nil
	}
	result := make([]routing.Event, count)
	for itr := 0; itr < count; itr++ {
		result[itr] = q.entries[(q.head+itr)%q.capacity]
	}
	q.head = (q.head + count) % q.capacity
	q.size -= count
	return result
}

// depth current queue depth
func (q *eventQueue) depth() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.size
}

// =======================================================================

// String diagnostic description of the subscriber parameters
func (p EventSubscriberParams) String() string {
	return fmt.Sprintf(
		"queue=%d batch=%d backoff=[%s %s]",
		p.QueueCapacity, p.DrainBatchSize, p.BackoffBase, p.BackoffMax,
	)
}
