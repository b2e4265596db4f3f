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

package gpujob

import (
	"testing"

	"github.com/orbitless/tracerd/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	jobs []events.GpuJob
}

func (l *recordingListener) OnTid(uint32)                          {}
func (l *recordingListener) OnContextSwitchIn(uint32, int, uint64)  {}
func (l *recordingListener) OnContextSwitchOut(uint32, int, uint64) {}
func (l *recordingListener) OnCallstack(events.Callstack)           {}
func (l *recordingListener) OnMapsRefresh(events.MapsRefreshEvent)  {}
func (l *recordingListener) OnGpuJob(job events.GpuJob) {
	l.jobs = append(l.jobs, job)
}

// TestGPUJobComplete covers the three phases observed with identical
// (timeline, context, seqno) at ts 1000/1100/2000, which yield exactly one
// joined GpuJob.
func TestGPUJobComplete(t *testing.T) {
	listener := &recordingListener{}
	c := NewCorrelator(listener, 0)

	c.Observe(PhaseSubmit, 7, 3, 42, 100, 200, 1000)
	c.Observe(PhaseSchedule, 7, 3, 42, 100, 200, 1100)
	c.Observe(PhaseFinish, 7, 3, 42, 100, 200, 2000)

	require.Len(t, listener.jobs, 1)
	job := listener.jobs[0]
	assert.Equal(t, uint64(7), job.Timeline)
	assert.Equal(t, uint64(3), job.Context)
	assert.Equal(t, uint64(42), job.Seqno)
	assert.Equal(t, uint64(1000), job.SubmitTime)
	assert.Equal(t, uint64(1100), job.ScheduleTime)
	assert.Equal(t, uint64(2000), job.FinishTime)
	// invariant #6: submit_ts <= schedule_ts <= finish_ts.
	assert.LessOrEqual(t, job.SubmitTime, job.ScheduleTime)
	assert.LessOrEqual(t, job.ScheduleTime, job.FinishTime)
}

func TestGPUJobOutOfOrderPhasesStillJoin(t *testing.T) {
	listener := &recordingListener{}
	c := NewCorrelator(listener, 0)

	c.Observe(PhaseFinish, 1, 1, 1, 0, 0, 300)
	c.Observe(PhaseSubmit, 1, 1, 1, 0, 0, 100)
	c.Observe(PhaseSchedule, 1, 1, 1, 0, 0, 200)

	require.Len(t, listener.jobs, 1)
	assert.Equal(t, uint64(100), listener.jobs[0].SubmitTime)
	assert.Equal(t, uint64(300), listener.jobs[0].FinishTime)
}

func TestGPUJobsWithDifferentKeysDoNotCrossJoin(t *testing.T) {
	listener := &recordingListener{}
	c := NewCorrelator(listener, 0)

	c.Observe(PhaseSubmit, 1, 1, 1, 0, 0, 100)
	c.Observe(PhaseSubmit, 2, 1, 1, 0, 0, 100)
	c.Observe(PhaseSchedule, 1, 1, 1, 0, 0, 200)

	assert.Empty(t, listener.jobs)
}

func TestGPUJobSweepDiscardsOrphansPastHorizon(t *testing.T) {
	listener := &recordingListener{}
	c := NewCorrelator(listener, 500)

	c.Observe(PhaseSubmit, 1, 1, 1, 0, 0, 1000)
	c.Observe(PhaseSubmit, 2, 1, 1, 0, 0, 1400) // advances lastSeenTime to 1400

	c.Sweep() // job 1: 1400-1000=400, not yet past the 500ns horizon
	c.Observe(PhaseSchedule, 1, 1, 1, 0, 0, 1100)

	c.Observe(PhaseSubmit, 3, 1, 1, 0, 0, 2000) // advances lastSeenTime to 2000
	c.Sweep()                                   // job 1: 2000-1000=1000 > 500, discarded

	c.Observe(PhaseFinish, 1, 1, 1, 0, 0, 2100)
	assert.Empty(t, listener.jobs, "orphaned job must not join after its partial entry was swept")
}

func TestGPUJobSweepDisabledWhenHorizonZero(t *testing.T) {
	listener := &recordingListener{}
	c := NewCorrelator(listener, 0)

	c.Observe(PhaseSubmit, 1, 1, 1, 0, 0, 0)
	c.Observe(PhaseSubmit, 2, 1, 1, 0, 0, 1_000_000_000)
	c.Sweep()
	c.Observe(PhaseSchedule, 1, 1, 1, 0, 0, 1)
	c.Observe(PhaseFinish, 1, 1, 1, 0, 0, 2)

	require.Len(t, listener.jobs, 1, "a zero horizon must disable the sweep entirely")
}
