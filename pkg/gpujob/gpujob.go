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

// Package gpujob implements the GPU correlator: it joins the three
// tracepoint phases of one GPU job's lifecycle (submission, scheduling, and
// fence signal) keyed by (timeline, context, seqno) into a single GpuJob
// event.
package gpujob

import "github.com/orbitless/tracerd/pkg/events"

// Phase identifies which of the three tracepoints a call to Observe reports.
type Phase int

const (
	// PhaseSubmit corresponds to amdgpu:amdgpu_cs_ioctl.
	PhaseSubmit Phase = iota
	// PhaseSchedule corresponds to amdgpu:amdgpu_sched_run_job.
	PhaseSchedule
	// PhaseFinish corresponds to dma_fence:dma_fence_signaled.
	PhaseFinish
)

type key struct {
	timeline uint64
	context  uint64
	seqno    uint64
}

type partial struct {
	pid, tid            uint32
	haveSubmit          bool
	haveSchedule        bool
	haveFinish          bool
	submitTS            uint64
	scheduleTS          uint64
	finishTS            uint64
	firstObservedAtTime uint64
}

// Correlator maintains the (timeline, context, seqno) -> partial job table.
// It is owned exclusively by the dispatcher goroutine (T1): GPU samples are
// handed to it synchronously, unlike probe/stack samples which go through
// the deferred path.
type Correlator struct {
	listener events.Listener
	table    map[key]*partial

	// orphanHorizon bounds how long a partial entry may sit incomplete
	// before it is discarded; measured in the same clock the caller's
	// timestamps use (kernel monotonic time, nanoseconds).
	orphanHorizon uint64

	lastSeenTime uint64
}

// NewCorrelator constructs a Correlator. orphanHorizonNs is the maximum
// staleness (relative to the newest observed timestamp) a partial entry may
// reach before Sweep discards it silently.
func NewCorrelator(listener events.Listener, orphanHorizonNs uint64) *Correlator {
	return &Correlator{
		listener:      listener,
		table:         make(map[key]*partial),
		orphanHorizon: orphanHorizonNs,
	}
}

// Observe records one tracepoint phase for a job. When all three phases
// have been observed for the same key, it emits GpuJob to the listener and
// erases the entry.
func (c *Correlator) Observe(phase Phase, timeline, context, seqno uint64, pid, tid uint32, ts uint64) {
	if ts > c.lastSeenTime {
		c.lastSeenTime = ts
	}

	k := key{timeline: timeline, context: context, seqno: seqno}
	p, ok := c.table[k]
	if !ok {
		p = &partial{firstObservedAtTime: ts}
		c.table[k] = p
	}

	p.pid, p.tid = pid, tid
	switch phase {
	case PhaseSubmit:
		p.haveSubmit = true
		p.submitTS = ts
	case PhaseSchedule:
		p.haveSchedule = true
		p.scheduleTS = ts
	case PhaseFinish:
		p.haveFinish = true
		p.finishTS = ts
	}

	if p.haveSubmit && p.haveSchedule && p.haveFinish {
		delete(c.table, k)
		c.listener.OnGpuJob(events.GpuJob{
			Timeline:     timeline,
			Context:      context,
			Seqno:        seqno,
			PID:          p.pid,
			TID:          p.tid,
			SubmitTime:   p.submitTS,
			ScheduleTime: p.scheduleTS,
			FinishTime:   p.finishTS,
		})
	}
}

// Sweep discards partial entries whose first observation is older than
// orphanHorizon relative to the most recent timestamp seen by Observe. It
// should be called periodically by the dispatcher; loss is not counted
// individually, per the design note that loss counters elsewhere suffice
// for observability.
func (c *Correlator) Sweep() {
	if c.orphanHorizon == 0 {
		return
	}
	for k, p := range c.table {
		if c.lastSeenTime > p.firstObservedAtTime && c.lastSeenTime-p.firstObservedAtTime > c.orphanHorizon {
			delete(c.table, k)
		}
	}
}
