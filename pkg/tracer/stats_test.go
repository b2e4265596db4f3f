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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestStatsLostTotalMatchesSumOfPerBuffer exercises invariant #4: lost_total
// equals the sum of lost_per_buffer at every stats window.
func TestStatsLostTotalMatchesSumOfPerBuffer(t *testing.T) {
	s := newStats()
	s.recordLost("sampling_0", 5)
	s.recordLost("sampling_1", 12)
	s.recordLost("sampling_0", 3)

	snap := s.snapshot()
	var sum uint64
	for _, n := range snap.LostPerBuffer {
		sum += n
	}
	assert.Equal(t, snap.LostTotal, sum)
	assert.Equal(t, uint64(20), snap.LostTotal)
	assert.Equal(t, uint64(8), snap.LostPerBuffer["sampling_0"])
	assert.Equal(t, uint64(12), snap.LostPerBuffer["sampling_1"])
}

func TestStatsMaybeReportResetsWindow(t *testing.T) {
	s := newStats()
	now := time.Unix(1000, 0)

	s.maybeReport(now) // first call only establishes windowBegin
	s.schedSwitch.Add(10)
	s.sample.Add(5)

	// Before the window elapses, counters are untouched.
	s.maybeReport(now.Add(time.Second))
	assert.Equal(t, uint64(10), s.snapshot().SchedSwitch)

	// Once EventCountWindow has elapsed, the report resets every counter.
	s.maybeReport(now.Add(EventCountWindow + time.Second))
	snap := s.snapshot()
	assert.Equal(t, uint64(0), snap.SchedSwitch)
	assert.Equal(t, uint64(0), snap.Sample)
}

func TestStatsSnapshotIsACopy(t *testing.T) {
	s := newStats()
	s.recordLost("buf", 1)

	snap := s.snapshot()
	snap.LostPerBuffer["buf"] = 999

	assert.Equal(t, uint64(1), s.snapshot().LostPerBuffer["buf"])
}
