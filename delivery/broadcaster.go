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

package delivery

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"

	"github.com/cortezalberto/restogw/common"
	"github.com/cortezalberto/restogw/registry"
	"github.com/cortezalberto/restogw/routing"
)

// DeliveryReport outcome of one fan-out pass
type DeliveryReport struct {
	// EventType type of the delivered event
	EventType string `json:"event_type"`
	// Targets connections the event resolved to
	Targets int `json:"targets"`
	// Delivered sends which completed within the timeout
	Delivered int `json:"delivered"`
	// Failed sends which errored or timed out
	Failed int `json:"failed"`
	// Elapsed wall time of the whole fan-out
	Elapsed time.Duration `json:"elapsed_ns"`
}

// DeliveryObserver callback invoked with the report of each fan-out pass
type DeliveryObserver func(report DeliveryReport)

// Broadcaster writes one event out to a resolved set of connections
type Broadcaster interface {
	// Deliver fan the event out to all targets. A failed or timed-out send
	// flags that connection for the cleanup sweep; it never blocks the
	// other targets.
	Deliver(
		ctxt context.Context, event routing.Event, targets []*registry.Connection,
	) DeliveryReport
}

// BroadcasterParams fan-out tuning
type BroadcasterParams struct {
	// BatchSize targets written concurrently per wave
	BatchSize int `validate:"gte=1"`
	// SendTimeout per-connection write deadline
	SendTimeout time.Duration `validate:"gt=0"`
}

// broadcasterImpl implements Broadcaster
type broadcasterImpl struct {
	common.Component
	registry  registry.ConnectionRegistry
	params    BroadcasterParams
	observers []DeliveryObserver
}

// GetBroadcaster define a Broadcaster
func GetBroadcaster(
	reg registry.ConnectionRegistry, params BroadcasterParams, observers ...DeliveryObserver,
) (Broadcaster, error) {
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return nil, err
	}
	logTags := log.Fields{"module": "delivery", "component": "broadcaster"}
	return &broadcasterImpl{
		Component: common.Component{LogTags: logTags},
		registry:  reg,
		params:    params,
		observers: observers,
	}, nil
}

// Deliver fan the event out to all targets
func (b *broadcasterImpl) Deliver(
	ctxt context.Context, event routing.Event, targets []*registry.Connection,
) DeliveryReport {
	startTime := time.Now()
	report := DeliveryReport{EventType: event.Type, Targets: len(targets)}
	if len(targets) == 0 {
		b.notify(report)
		return report
	}

	payload, err := json.Marshal(&event)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Unable to serialize %s", event)
		report.Failed = len(targets)
		report.Elapsed = time.Since(startTime)
		b.notify(report)
		return report
	}

	var failed int64
	for batchStart := 0; batchStart < len(targets); batchStart += b.params.BatchSize {
		batchEnd := batchStart + b.params.BatchSize
		if batchEnd > len(targets) {
			batchEnd = len(targets)
		}
		wg := sync.WaitGroup{}
		for _, target := range targets[batchStart:batchEnd] {
			wg.Add(1)
			go func(conn *registry.Connection) {
				defer wg.Done()
				if err := b.sendOne(ctxt, conn, payload); err != nil {
					atomic.AddInt64(&failed, 1)
					b.registry.MarkDead(conn.ID)
					log.WithError(err).WithFields(b.LogTags).Infof(
						"Failed delivery of %s to %s, flagged for cleanup",
						event, conn.ID,
					)
				}
			}(target)
		}
		wg.Wait()
	}

	report.Failed = int(failed)
	report.Delivered = report.Targets - report.Failed
	report.Elapsed = time.Since(startTime)
	b.notify(report)
	return report
}

// sendOne write the payload to one connection under the send deadline
func (b *broadcasterImpl) sendOne(
	ctxt context.Context, conn *registry.Connection, payload []byte,
) error {
	sendCtxt, cancel := context.WithTimeout(ctxt, b.params.SendTimeout)
	defer cancel()
	return conn.Socket.Send(sendCtxt, payload)
}

// notify invoke the observers with one report
func (b *broadcasterImpl) notify(report DeliveryReport) {
	for _, observer := range b.observers {
		observer(report)
	}
}
