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

// Package tracer implements the core engine described by the rest of this
// module: it opens a fleet of perf_event sources for one traced process,
// round-robin polls their ring buffers on a dispatcher goroutine, defers
// stack-sample, probe and maps-refresh events to a second worker goroutine
// feeding the unwind correlator, hands GPU tracepoint samples to the GPU
// correlator on the dispatcher goroutine, and delivers a normalized event
// stream to an events.Listener.
package tracer

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/orbitless/tracerd/pkg/events"
	"github.com/orbitless/tracerd/pkg/perf"
	"github.com/orbitless/tracerd/pkg/proc"
)

// Tunable constants governing the dispatcher and deferred worker's polling
// cadence and fairness. These are ad hoc, as noted in the design notes; a
// wait/notify scheme on ring-buffer readiness would be preferable but is not
// required here.
const (
	// RoundRobinPollingBatchSize caps how many records the dispatcher
	// consumes from a single ring buffer before moving to the next one.
	RoundRobinPollingBatchSize = 64

	// IdleTimeOnEmptyRingBuffers is how long the dispatcher sleeps after
	// an iteration that saw no records across any ring buffer.
	IdleTimeOnEmptyRingBuffers = 500 * time.Microsecond

	// IdleTimeOnEmptyDeferredEvents is 1ms. The deferred worker does not
	// read it: after finding the deferred queue empty it sleeps for the
	// same idle duration as the dispatcher (IdleTimeOnEmptyRingBuffers,
	// or the WithIdleSleep value).
	IdleTimeOnEmptyDeferredEvents = 1 * time.Millisecond

	// EventCountWindow is the statistics reporting window.
	EventCountWindow = 5 * time.Second

	// GPUJobOrphanHorizonNs bounds how long a partially-observed GPU job
	// may sit incomplete before the dispatcher's periodic sweep discards
	// it, in nanoseconds (the same clock perf record timestamps use).
	GPUJobOrphanHorizonNs = uint64(5 * time.Second)
)

// Per-kind ring buffer sizes, in pages. Each must be a power of two number
// of kilobytes per the kernel's mmap requirement; expressed here in pages
// (4 KiB each on the overwhelming majority of targets) for directness in
// the opener's Mmap calls.
const (
	ContextSwitchBufferPages = 8
	MmapTaskBufferPages      = 4
	SamplingBufferPages      = 16
	ProbeBufferPages         = 16
	GPUBufferPages           = 8
)

// Sentinel errors a caller is expected to branch on with errors.Is.
var (
	// ErrListenerRequired is returned by Start when Config.Listener is nil.
	ErrListenerRequired = errors.New("tracer: listener is required")

	// ErrGPUDisabled is not returned by any call: it prefixes the warnings
	// the opener logs when it abandons GPU tracing for the run, which is
	// not fatal to the trace. Snapshot.GPUEnabled reports the outcome.
	ErrGPUDisabled = errors.New("tracer: gpu tracing disabled after partial open failure")

	// ErrNoTracingDir is returned by Start when instrumented functions are
	// requested but no tracefs/debugfs mount can be found. When only GPU
	// tracepoints need it, the missing directory is logged and GPU tracing
	// is disabled instead.
	ErrNoTracingDir = errors.New("tracer: no tracing directory available")
)

// InstrumentedFunction identifies one user-space function to probe.
type InstrumentedFunction = events.InstrumentedFunction

// Config enumerates everything the caller supplies to Start.
type Config struct {
	// Pid is the traced process.
	Pid int

	// SamplingPeriodNs is the stack sampling period, in nanoseconds.
	SamplingPeriodNs uint64

	TraceContextSwitches       bool
	TraceCallstacks            bool
	TraceInstrumentedFunctions bool
	TraceGPUDriverEvents       bool

	InstrumentedFunctions []InstrumentedFunction

	// Listener receives the normalized event stream. Required.
	Listener events.Listener
}

// Validate rejects the fatal preconditions Start refuses to run with: a nil
// Listener, a zero SamplingPeriodNs when TraceCallstacks is requested, and
// duplicate (BinaryPath, FileOffset) pairs in InstrumentedFunctions, which
// would otherwise probe the same location twice. VirtualAddr plays no part
// in the comparison.
func (c *Config) Validate() error {
	if c.Listener == nil {
		return ErrListenerRequired
	}
	if c.TraceCallstacks && c.SamplingPeriodNs == 0 {
		return fmt.Errorf("tracer: config: SamplingPeriodNs must be nonzero when TraceCallstacks is set")
	}
	type probeLocation struct {
		binaryPath string
		fileOffset uint64
	}
	seen := make(map[probeLocation]bool, len(c.InstrumentedFunctions))
	for _, fn := range c.InstrumentedFunctions {
		loc := probeLocation{binaryPath: fn.BinaryPath, fileOffset: fn.FileOffset}
		if seen[loc] {
			return fmt.Errorf("tracer: config: duplicate instrumented function %s+0x%x", fn.BinaryPath, fn.FileOffset)
		}
		seen[loc] = true
	}
	return nil
}

// TraceID uniquely identifies one Start/RequestStop run. Start mints it;
// Tracer.TraceID returns it and the tracer's lifecycle log lines include it.
// Events delivered to the Listener do not carry it.
type TraceID = uuid.UUID

type options struct {
	procfs             proc.FileSystem
	defaultEventAttr   *perf.EventAttr
	tracingDir         string
	ringBufferNumPages int
	idleSleep          time.Duration
}

func newOptions() options {
	return options{}
}

// Option configures optional dependencies and knobs for New. It follows the
// engine's functional-options idiom: most callers need none of these, since
// sensible system defaults (the real procfs, stock EventAttr fields, the
// page-count constants above) are applied by New when left unset.
type Option func(*options)

// WithProcFileSystem sets the proc.FileSystem used for CPU/cpuset/mount
// discovery. Defaults to the real procfs mounted at /proc.
func WithProcFileSystem(fs proc.FileSystem) Option {
	return func(o *options) { o.procfs = fs }
}

// WithDefaultEventAttr overrides the baseline EventAttr fields (e.g.
// ExcludeKernel, Watermark/WakeupEvents) applied before each source-specific
// field is filled in by the opener.
func WithDefaultEventAttr(attr *perf.EventAttr) Option {
	return func(o *options) { o.defaultEventAttr = attr }
}

// WithTracingDir overrides the tracefs/debugfs mountpoint used for uprobe
// definitions and tracepoint format resolution, instead of discovering it
// via the proc.FileSystem.
func WithTracingDir(dir string) Option {
	return func(o *options) { o.tracingDir = dir }
}

// WithRingBufferNumPages records a single ring buffer size, in pages. The
// opener does not consult it: every source kind is mapped with its own
// per-kind page-count constant above.
func WithRingBufferNumPages(numPages int) Option {
	return func(o *options) { o.ringBufferNumPages = numPages }
}

// WithIdleSleep sets the single idle duration that both the dispatcher and
// the deferred worker sleep after finding nothing to do (by default
// IdleTimeOnEmptyRingBuffers); primarily useful for tests that want the
// dispatcher/worker to spin fast.
func WithIdleSleep(d time.Duration) Option {
	return func(o *options) { o.idleSleep = d }
}
