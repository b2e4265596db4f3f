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

// Package unwind implements the probe correlator (called the "unwinding
// visitor" in the design notes): it maintains a per-thread entry-probe
// stack, matches returns to entries, and asks an Unwinder capability to turn
// captured registers and raw stack bytes into a call path. The unwinder
// itself — the part that knows how to walk frame pointers or DWARF CFI
// against loaded binaries and symbols — is consumed only as an interface,
// per the system's stated out-of-scope collaborators.
package unwind

import "github.com/orbitless/tracerd/pkg/events"

// Unwinder turns the raw register set and stack bytes captured at function
// entry into an ordered call path (innermost frame first). Implementations
// are supplied by the host; this package never inspects binaries directly.
type Unwinder interface {
	Unwind(fn events.InstrumentedFunction, registers []uint64, stack []byte) ([]uint64, error)
}

// StubUnwinder is a trivial Unwinder that reports the captured instruction
// pointer (registers[0], by convention the first requested register) as a
// one-frame path, or no path at all if no registers were captured. It is
// useful as a Correlator default when the host has not wired in a real
// unwinder, and in tests that only care about correlation, not unwinding
// fidelity.
type StubUnwinder struct{}

// Unwind implements Unwinder.
func (StubUnwinder) Unwind(_ events.InstrumentedFunction, registers []uint64, _ []byte) ([]uint64, error) {
	if len(registers) == 0 {
		return nil, nil
	}
	return []uint64{registers[0]}, nil
}

type entryFrame struct {
	function  events.InstrumentedFunction
	entryTime uint64
	registers []uint64
	stack     []byte
}

// Correlator maintains per-thread entry-probe stacks and emits unwound
// Callstack events to a Listener. It is owned exclusively by the deferred
// worker goroutine (T2); nothing here is safe for concurrent use.
type Correlator struct {
	unwinder Unwinder
	listener events.Listener
	stacks   map[uint32][]entryFrame
}

// NewCorrelator constructs a Correlator. If unwinder is nil, StubUnwinder is
// used.
func NewCorrelator(unwinder Unwinder, listener events.Listener) *Correlator {
	if unwinder == nil {
		unwinder = StubUnwinder{}
	}
	return &Correlator{
		unwinder: unwinder,
		listener: listener,
		stacks:   make(map[uint32][]entryFrame),
	}
}

// Entry pushes a new frame onto tid's entry-probe stack.
func (c *Correlator) Entry(ev events.EntryProbeEvent) {
	c.stacks[ev.TID] = append(c.stacks[ev.TID], entryFrame{
		function:  ev.Function,
		entryTime: ev.Timestamp,
		registers: ev.Registers,
		stack:     ev.Stack,
	})
}

// Return pops the top frame of tid's entry-probe stack and emits an
// unwound Callstack. An orphan return (empty stack) emits a degraded
// Callstack carrying only the return-side information, per the error
// handling table's "orphan return probe" policy.
func (c *Correlator) Return(ev events.ReturnProbeEvent) {
	frames := c.stacks[ev.TID]
	if len(frames) == 0 {
		c.listener.OnCallstack(events.Callstack{
			TID:        ev.TID,
			ReturnTime: ev.Timestamp,
			Function:   ev.Function,
			Degraded:   true,
		})
		return
	}

	top := frames[len(frames)-1]
	c.stacks[ev.TID] = frames[:len(frames)-1]

	path, err := c.unwinder.Unwind(top.function, top.registers, top.stack)
	c.listener.OnCallstack(events.Callstack{
		TID:        ev.TID,
		EntryTime:  top.entryTime,
		ReturnTime: ev.Timestamp,
		Function:   top.function,
		Path:       path,
		Degraded:   err != nil,
	})
}

// StackSample resolves a periodic stack sample against the topmost pending
// entry frame for tid, if any, and unwinds it the same way a return would.
// Unlike Return, it does not pop the frame: the sample is a snapshot taken
// while the call is still in progress.
func (c *Correlator) StackSample(ev events.StackSampleEvent) {
	frames := c.stacks[ev.TID]
	var fn events.InstrumentedFunction
	if len(frames) > 0 {
		fn = frames[len(frames)-1].function
	}

	path, err := c.unwinder.Unwind(fn, ev.Registers, ev.Stack)
	c.listener.OnCallstack(events.Callstack{
		TID:        ev.TID,
		EntryTime:  ev.Timestamp,
		ReturnTime: ev.Timestamp,
		Function:   fn,
		Path:       path,
		Degraded:   err != nil || len(frames) == 0,
	})
}

// Flush drops all pending entry frames without emitting anything for them;
// called as part of the final shutdown sequence after the deferred merge's
// processAll, since an
// unterminated call at shutdown has no return to correlate with.
func (c *Correlator) Flush() {
	c.stacks = make(map[uint32][]entryFrame)
}
