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

	"github.com/golang/glog"
	"github.com/orbitless/tracerd/pkg/events"
	"github.com/orbitless/tracerd/pkg/perf"
	"golang.org/x/sys/unix"
)

// sourceKind classifies a committed perf source per the data model's
// "Perf source" entity.
type sourceKind int

const (
	kindContextSwitch sourceKind = iota
	kindMmapTask
	kindSample
	kindUprobeEntry
	kindUretprobeReturn
	kindGPUTracepoint
)

// source is one committed perf_event_open fd. It never owns fd lifetime on
// its own: closing always goes through the tracer's fdTracker, per the
// "fd ownership in the face of redirection" design note. ring is non-nil
// only when this source is a consolidation root.
type source struct {
	kind     sourceKind
	cpu      int
	fd       int
	streamID uint64
	attr     *perf.EventAttr
	name     string
	function *events.InstrumentedFunction
	ring     *perf.RingBuffer
}

// fdTracker is the single tracing_fds set described by the concurrency
// model: every committed fd is added here exactly once, and shutdown
// iterates it exactly once to disable-then-close.
type fdTracker struct {
	mu  sync.Mutex
	fds []int
	set map[int]bool
}

func newFdTracker() *fdTracker {
	return &fdTracker{set: make(map[int]bool)}
}

func (t *fdTracker) commit(fd int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.set[fd] {
		return
	}
	t.set[fd] = true
	t.fds = append(t.fds, fd)
}

// order returns a snapshot of the tracked fds in commit order, without
// removing them. Used by Start to enable every committed fd (not only
// consolidation roots) in the order invariant #1 requires.
func (t *fdTracker) order() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int, len(t.fds))
	copy(out, t.fds)
	return out
}

// closeAll disables then closes every tracked fd exactly once, in commit
// order, and returns the fds for diagnostic purposes.
func (t *fdTracker) closeAll() []int {
	t.mu.Lock()
	fds := t.fds
	t.fds = nil
	t.set = make(map[int]bool)
	t.mu.Unlock()

	for _, fd := range fds {
		if err := perf.Disable(fd); err != nil {
			glog.V(2).Infof("tracer: disable fd %d: %v", fd, err)
		}
	}
	for _, fd := range fds {
		if err := unix.Close(fd); err != nil {
			glog.V(2).Infof("tracer: close fd %d: %v", fd, err)
		}
	}
	return fds
}
