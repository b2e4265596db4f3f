// Copyright 2018 Capsule8, Inc.
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

package tracer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

// stats holds the windowed per-trace counters: scheduler switches, stack
// samples, uprobe hits, GPU events, and record loss, reset at trace start
// and at every reporting window. All counters except lostPerBuffer are
// updated with sync/atomic from the dispatcher
// goroutine only (T1 owns them; there is no cross-thread write), but are
// read from the caller's goroutine via Snapshot, hence atomic rather than
// plain fields.
type stats struct {
	schedSwitch atomic.Uint64
	sample      atomic.Uint64
	uprobes     atomic.Uint64
	gpuEvents   atomic.Uint64
	lostTotal   atomic.Uint64

	mu             sync.Mutex
	lostPerBuffer  map[string]uint64
	windowBegin    time.Time

	// gpuEnabled is set once by the opener before the dispatcher and
	// deferred worker goroutines start, so a plain bool (no atomic) is
	// safe: by the time any other goroutine can read it, the write has
	// already happened-before via goroutine creation.
	gpuEnabled bool
}

func newStats() *stats {
	return &stats{
		lostPerBuffer: make(map[string]uint64),
		windowBegin:   time.Time{},
	}
}

func (s *stats) recordLost(bufferName string, n uint64) {
	s.lostTotal.Add(n)
	s.mu.Lock()
	s.lostPerBuffer[bufferName] += n
	s.mu.Unlock()
}

// Snapshot is a point-in-time, caller-facing copy of the counters.
type Snapshot struct {
	SchedSwitch   uint64
	Sample        uint64
	Uprobes       uint64
	GPUEvents     uint64
	LostTotal     uint64
	LostPerBuffer map[string]uint64

	// GPUEnabled reports whether GPU job correlation is active for this
	// run. It is false both when TraceGPUDriverEvents was never
	// requested and when it was requested but the opener had to disable
	// it after a partial open failure (see ErrGPUDisabled).
	GPUEnabled bool
}

func (s *stats) snapshot() Snapshot {
	s.mu.Lock()
	lostPerBuffer := make(map[string]uint64, len(s.lostPerBuffer))
	for k, v := range s.lostPerBuffer {
		lostPerBuffer[k] = v
	}
	s.mu.Unlock()

	return Snapshot{
		SchedSwitch:   s.schedSwitch.Load(),
		Sample:        s.sample.Load(),
		Uprobes:       s.uprobes.Load(),
		GPUEvents:     s.gpuEvents.Load(),
		LostTotal:     s.lostTotal.Load(),
		LostPerBuffer: lostPerBuffer,
		GPUEnabled:    s.gpuEnabled,
	}
}

// maybeReport logs and resets the window if EventCountWindow has elapsed
// since windowBegin, routing periodic diagnostics through glog.V rather
// than stdout so host processes can redirect/filter it like any other log
// line.
func (s *stats) maybeReport(now time.Time) {
	if s.windowBegin.IsZero() {
		s.windowBegin = now
		return
	}
	elapsed := now.Sub(s.windowBegin)
	if elapsed < EventCountWindow {
		return
	}

	snap := s.snapshot()
	secs := elapsed.Seconds()
	glog.V(1).Infof(
		"tracer: stats window=%.1fs sched_switch=%.1f/s sample=%.1f/s uprobes=%.1f/s gpu=%.1f/s lost_total=%d",
		secs,
		float64(snap.SchedSwitch)/secs,
		float64(snap.Sample)/secs,
		float64(snap.Uprobes)/secs,
		float64(snap.GPUEvents)/secs,
		snap.LostTotal,
	)
	for name, n := range snap.LostPerBuffer {
		if n > 0 {
			glog.V(2).Infof("tracer: stats lost_per_buffer[%s]=%d", name, n)
		}
	}

	s.schedSwitch.Store(0)
	s.sample.Store(0)
	s.uprobes.Store(0)
	s.gpuEvents.Store(0)
	s.lostTotal.Store(0)
	s.mu.Lock()
	s.lostPerBuffer = make(map[string]uint64)
	s.mu.Unlock()
	s.windowBegin = now
}
