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
	"time"

	"github.com/orbitless/tracerd/pkg/events"
)

// queuedEvent is one decoded event handed from the dispatcher (T1) to the
// deferred worker (T2), tagged with its originating fd and timestamp so the
// merge stage can restore cross-buffer ordering.
type queuedEvent struct {
	fd      int
	ts      uint64
	payload interface{}
}

// deferredQueue is the single shared mutable object between T1 and T2: a
// mutex-protected sequence swapped in O(1), never holding the lock across
// any real work.
type deferredQueue struct {
	mu    sync.Mutex
	items []queuedEvent
}

func (q *deferredQueue) push(ev queuedEvent) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
}

func (q *deferredQueue) takeAll() []queuedEvent {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	return items
}

// mergeState performs the correlator's multi-way merge across per-fd
// queues. It assumes each fd's own arrivals are already timestamp-ordered
// (true for a single perf ring buffer) and is touched exclusively by
// whichever single goroutine currently owns deferred processing: the
// deferred worker while it runs, and the shutdown path once it has joined.
type mergeState struct {
	queues map[int][]queuedEvent
}

func newMergeState() *mergeState {
	return &mergeState{queues: make(map[int][]queuedEvent)}
}

func (m *mergeState) add(ev queuedEvent) {
	m.queues[ev.fd] = append(m.queues[ev.fd], ev)
}

// processOld emits, via apply, every event on each fd's queue that is
// strictly older than the head timestamp of every *other* currently
// non-empty per-fd queue. A fd can never preempt itself: its own queue is
// already ascending, so the only thing that could still invalidate emitting
// its head is a smaller arrival from a different fd. An fd with no other
// fd currently queued withholds entirely, since an empty sibling queue might
// still be about to produce something older than what this fd has already
// shown. Heads are snapshotted once up front so that draining one fd's
// queue mid-pass cannot change the boundary used for another.
func (m *mergeState) processOld(apply func(queuedEvent)) {
	heads := make(map[int]uint64, len(m.queues))
	for fd, q := range m.queues {
		if len(q) > 0 {
			heads[fd] = q[0].ts
		}
	}
	for fd, q := range m.queues {
		if len(q) == 0 {
			continue
		}
		boundary, ok := minHeadExcluding(heads, fd)
		if !ok {
			continue
		}
		i := 0
		for i < len(q) && q[i].ts < boundary {
			apply(q[i])
			i++
		}
		if i > 0 {
			m.queues[fd] = q[i:]
		}
	}
}

// processAll performs a full k-way merge of everything still queued,
// ignoring the safety boundary processOld observes. It must only be called
// once the event stream has definitely ended (after the dispatcher and
// deferred worker have both stopped), since after that point no fd can ever
// produce an older, out-of-order arrival.
func (m *mergeState) processAll(apply func(queuedEvent)) {
	for {
		bestFD, bestIdx := -1, -1
		var bestTS uint64
		for fd, q := range m.queues {
			if len(q) == 0 {
				continue
			}
			if bestIdx == -1 || q[0].ts < bestTS {
				bestFD, bestIdx, bestTS = fd, 0, q[0].ts
			}
		}
		if bestIdx == -1 {
			return
		}
		q := m.queues[bestFD]
		apply(q[0])
		m.queues[bestFD] = q[1:]
	}
}

// minHeadExcluding returns the smallest head timestamp among heads, ignoring
// excludeFD's own entry.
func minHeadExcluding(heads map[int]uint64, excludeFD int) (uint64, bool) {
	var min uint64
	found := false
	for fd, ts := range heads {
		if fd == excludeFD {
			continue
		}
		if !found || ts < min {
			min = ts
			found = true
		}
	}
	return min, found
}

// applyDeferred dispatches one merged event to the probe correlator or
// directly to the listener, depending on its concrete payload type.
func (tr *Tracer) applyDeferred(ev queuedEvent) {
	switch p := ev.payload.(type) {
	case events.EntryProbeEvent:
		tr.correlator.Entry(p)
	case events.ReturnProbeEvent:
		tr.correlator.Return(p)
	case events.StackSampleEvent:
		tr.correlator.StackSample(p)
	case events.MapsRefreshEvent:
		tr.config.Listener.OnMapsRefresh(p)
	}
}

// deferredWorkerLoop is T2: it drains the deferred queue, feeds the merge
// stage, and asks it to emit whatever is now provably in order. On stop, it
// performs one last drain-and-merge pass before exiting; the truly final
// flush (processAll) happens on the shutdown path after this goroutine has
// been joined.
func (tr *Tracer) deferredWorkerLoop() {
	defer close(tr.deferredDone)

	drain := func() bool {
		batch := tr.deferredQueue.takeAll()
		if len(batch) == 0 {
			return false
		}
		for _, ev := range batch {
			tr.merge.add(ev)
		}
		tr.merge.processOld(tr.applyDeferred)
		return true
	}

	for {
		progressed := drain()
		if tr.stopDeferred.Load() {
			for drain() {
			}
			return
		}
		if !progressed {
			time.Sleep(tr.idleSleep)
		}
	}
}
