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

// Package events defines the normalized event vocabulary that the tracer
// engine delivers to a Listener. The types here are shared by pkg/tracer,
// pkg/unwind, and pkg/gpujob so that none of them need to import the others
// just to describe what they hand off.
package events

// InstrumentedFunction identifies a user-space function that has been
// wired up with entry/return probes. The virtual address is carried through
// for the listener's convenience; the core never dereferences it.
type InstrumentedFunction struct {
	BinaryPath    string
	FileOffset    uint64
	VirtualAddr   uint64
}

// EntryProbeEvent is produced when an instrumented function is entered.
// It carries everything the probe correlator needs to later unwind the
// call path once the matching return arrives.
type EntryProbeEvent struct {
	TID       uint32
	Timestamp uint64
	Function  InstrumentedFunction
	Registers []uint64
	Stack     []byte
}

// ReturnProbeEvent is produced when an instrumented function returns.
type ReturnProbeEvent struct {
	TID       uint32
	Timestamp uint64
	Function  InstrumentedFunction
}

// StackSampleEvent is a plain periodic call-stack sample, unrelated to any
// probe pair.
type StackSampleEvent struct {
	TID       uint32
	Timestamp uint64
	Registers []uint64
	Stack     []byte
}

// MapsRefreshEvent is synthesized by the dispatcher whenever the kernel
// reports an mmap/task change for the traced process; it carries a freshly
// read /proc/<pid>/maps snapshot rather than the raw mmap record, since the
// raw record alone is insufficient to resolve symbols after the fact.
type MapsRefreshEvent struct {
	Timestamp uint64
	Maps      []byte
}

// Callstack is the resolved, unwound representation of an entry/return
// probe pair, of an orphan return, or of a periodic stack sample. Degraded
// is set for an orphan return (EntryTime is zero and Path is nil), for a
// stack sample taken while the thread has no pending entry frame, and
// whenever the unwinder returns an error; in the last two cases Path holds
// whatever the unwinder returned.
type Callstack struct {
	TID         uint32
	EntryTime   uint64
	ReturnTime  uint64
	Function    InstrumentedFunction
	Path        []uint64
	Degraded    bool
}

// GpuJob is the joined result of the three GPU driver tracepoints that
// together describe one submitted job's lifecycle.
type GpuJob struct {
	Timeline   uint64
	Context    uint64
	Seqno      uint64
	PID        uint32
	TID        uint32
	SubmitTime uint64
	ScheduleTime uint64
	FinishTime uint64
}

// Listener is the capability the tracer engine delivers events to. It is
// intentionally a flat set of callbacks rather than an embedded-interface
// hierarchy so that implementations stay simple structs, and so that it is
// obvious at the call site which of the engine's two internal threads may
// invoke a given method (see the tracer package's concurrency notes).
// Implementations must tolerate concurrent calls from both threads.
type Listener interface {
	OnTid(tid uint32)
	OnContextSwitchIn(tid uint32, cpu int, ts uint64)
	OnContextSwitchOut(tid uint32, cpu int, ts uint64)
	OnCallstack(cs Callstack)
	OnGpuJob(job GpuJob)
	OnMapsRefresh(refresh MapsRefreshEvent)
}
