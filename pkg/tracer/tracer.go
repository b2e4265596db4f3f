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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/orbitless/tracerd/pkg/events"
	"github.com/orbitless/tracerd/pkg/gpujob"
	"github.com/orbitless/tracerd/pkg/perf"
	"github.com/orbitless/tracerd/pkg/proc"
	"github.com/orbitless/tracerd/pkg/proc/procfs"
	"github.com/orbitless/tracerd/pkg/unwind"
)

// probeInfo associates a kernel-assigned perf stream id with the function
// it was opened for, built at open time and read-only thereafter.
type probeInfo struct {
	function events.InstrumentedFunction
}

// Tracer is the engine described by this module: it owns every committed
// fd and ring buffer for one trace, runs the dispatcher and deferred worker
// goroutines, and drives the unwind and GPU correlators.
type Tracer struct {
	opts   options
	procfs proc.FileSystem

	idleSleep time.Duration

	config  Config
	traceID TraceID

	fdTracker *fdTracker

	// roots is the fixed round-robin order the dispatcher walks.
	roots []*source

	// streamFunc maps a probe's kernel stream id to the function it was
	// opened for, used to tag entry/return events decoded from a
	// consolidated ring buffer.
	streamFunc map[uint64]probeInfo

	probeEntryAttr  *perf.EventAttr
	probeReturnAttr *perf.EventAttr

	// mmapTaskAttr is the shared template used to decode the trailing
	// sample_id block of PERF_RECORD_MMAP/FORK/EXIT records; every
	// mmap/task source shares the same SampleType, so one template
	// suffices regardless of which CPU produced a given record.
	mmapTaskAttr *perf.EventAttr

	// gpuAttr is the shared SampleType template used to decode every GPU
	// tracepoint sample, for the same reason probeEntryAttr/probeReturnAttr
	// are shared templates rather than per-source.
	gpuAttr *perf.EventAttr

	// gpuPhaseByStream maps a GPU tracepoint source's kernel stream id to
	// the phase it reports. Like streamFunc, this is needed because the
	// three GPU tracepoints share one consolidated ring buffer per CPU,
	// so a raw sample's origin fd cannot be recovered after the fact.
	gpuPhaseByStream map[uint64]gpujob.Phase
	gpuFormats       map[gpujob.Phase]perf.TraceEventFormat

	// uprobeDefs records every uprobe_events definition line written by
	// the opener, so Wait can remove them again.
	uprobeDefs []uprobeDef
	tracingDir string

	stats *stats

	deferredQueue *deferredQueue
	merge         *mergeState
	correlator    *unwind.Correlator
	gpu           *gpujob.Correlator

	exitRequested atomic.Bool
	stopDeferred  atomic.Bool
	deferredDone  chan struct{}
	dispatchDone  chan struct{}

	waitOnce sync.Once
}

// New constructs a Tracer. It does not open any sources; call Start to
// begin a trace.
func New(opts ...Option) (*Tracer, error) {
	o := newOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if o.procfs == nil {
		fs, err := procfs.NewFileSystem("")
		if err != nil {
			return nil, fmt.Errorf("tracer: default procfs: %w", err)
		}
		o.procfs = fs
	}
	if o.ringBufferNumPages <= 0 {
		o.ringBufferNumPages = SamplingBufferPages
	}
	if o.idleSleep <= 0 {
		o.idleSleep = IdleTimeOnEmptyRingBuffers
	}

	return &Tracer{
		opts:      o,
		procfs:    o.procfs,
		idleSleep: o.idleSleep,
		fdTracker: newFdTracker(),
	}, nil
}

// Start opens the source fleet described by config and launches the
// dispatcher and deferred worker goroutines.
func (tr *Tracer) Start(config Config) error {
	if err := config.Validate(); err != nil {
		return err
	}

	tr.config = config
	tr.traceID = uuid.New()
	tr.stats = newStats()
	tr.streamFunc = make(map[uint64]probeInfo)
	tr.gpuPhaseByStream = make(map[uint64]gpujob.Phase)
	tr.gpuFormats = make(map[gpujob.Phase]perf.TraceEventFormat)
	tr.uprobeDefs = nil
	tr.deferredQueue = &deferredQueue{}
	tr.merge = newMergeState()
	tr.correlator = unwind.NewCorrelator(nil, config.Listener)
	tr.gpu = gpujob.NewCorrelator(config.Listener, GPUJobOrphanHorizonNs)
	tr.deferredDone = make(chan struct{})
	tr.dispatchDone = make(chan struct{})

	if err := tr.open(config); err != nil {
		return err
	}

	// Enable every committed fd, not just consolidation roots: each
	// underlying kernel event must be individually enabled regardless of
	// which ring buffer it outputs to. fdTracker.order preserves commit
	// order, which the opener arranges so that a (function, CPU) pair's
	// return-probe fd is always committed, and therefore enabled, before
	// its entry-probe fd.
	for _, fd := range tr.fdTracker.order() {
		if err := perf.Enable(fd); err != nil {
			glog.Warningf("tracer: enable fd %d: %v", fd, err)
		}
	}

	go tr.dispatchLoop()
	go tr.deferredWorkerLoop()

	glog.V(1).Infof("tracer: trace %s started for pid %d with %d ring buffers", tr.traceID, config.Pid, len(tr.roots))
	return nil
}

// RequestStop asks the engine to wind down. It returns immediately; call
// Wait to block until shutdown has completed.
func (tr *Tracer) RequestStop() {
	tr.exitRequested.Store(true)
}

// Wait blocks until the dispatcher and deferred worker have both exited,
// performs the correlator's final flush, then disables and closes every
// tracked fd. It is safe to call more than once.
func (tr *Tracer) Wait() {
	tr.waitOnce.Do(func() {
		<-tr.dispatchDone
		tr.stopDeferred.Store(true)
		<-tr.deferredDone

		tr.merge.processAll(tr.applyDeferred)
		tr.correlator.Flush()

		for _, root := range tr.roots {
			if root.ring != nil {
				if err := root.ring.Unmap(); err != nil {
					glog.Warningf("tracer: unmap ring buffer %s: %v", root.name, err)
				}
			}
		}
		fds := tr.fdTracker.closeAll()
		tr.removeUprobeDefs()
		glog.V(1).Infof("tracer: trace %s stopped, %d fds closed", tr.traceID, len(fds))
	})
}

// Stats returns a point-in-time snapshot of the engine's counters.
func (tr *Tracer) Stats() Snapshot {
	return tr.stats.snapshot()
}

// TraceID returns the identifier minted for this run at Start.
func (tr *Tracer) TraceID() TraceID {
	return tr.traceID
}
