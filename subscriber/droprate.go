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
)

// dropRateBucket per-second processed / dropped counts
type dropRateBucket struct {
	second    int64
	processed uint64
	dropped   uint64
}

// DropRateWindow rolling processed-vs-dropped counters over a trailing
// window. Exists solely to trigger the operational drop rate alert and feed
// the diagnostics probe; it never gates delivery.
type DropRateWindow struct {
	lock      sync.Mutex
	windowLen int64
	buckets   []dropRateBucket

	totalProcessed uint64
	totalDropped   uint64
}

// NewDropRateWindow define a DropRateWindow spanning the given duration
func NewDropRateWindow(window time.Duration) *DropRateWindow {
	seconds := int64(window / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return &DropRateWindow{
		windowLen: seconds,
		buckets:   make([]dropRateBucket, seconds),
	}
}

// bucketFor fetch the bucket of the current second, recycling stale slots
func (w *DropRateWindow) bucketFor(now time.Time) *dropRateBucket {
	second := now.Unix()
	slot := &w.buckets[second%w.windowLen]
	if slot.second != second {
		slot.second = second
		slot.processed = 0
		slot.dropped = 0
	}
	return slot
}

// RecordProcessed count one successfully handled event
func (w *DropRateWindow) RecordProcessed() {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.bucketFor(time.Now()).processed++
	w.totalProcessed++
}

// RecordDropped count one dropped event
func (w *DropRateWindow) RecordDropped() {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.bucketFor(time.Now()).dropped++
	w.totalDropped++
}

// Rate fraction of dropped events over the trailing window, in [0, 1]
func (w *DropRateWindow) Rate() float64 {
	w.lock.Lock()
	defer w.lock.Unlock()
	oldest := time.Now().Unix() - w.windowLen + 1
	var processed, dropped uint64
	for itr := range w.buckets {
		if w.buckets[itr].second >= oldest {
			processed += w.buckets[itr].processed
			dropped += w.buckets[itr].dropped
		}
	}
	total := processed + dropped
	if total == 0 {
		return 0
	}
	return float64(dropped) / float64(total)
}

// Totals lifetime processed and dropped counts
func (w *DropRateWindow) Totals() (processed, dropped uint64) {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.totalProcessed, w.totalDropped
}
