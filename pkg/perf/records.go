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

package perf

import "encoding/binary"

// SwitchRecord is the decoded form of PERF_RECORD_SWITCH_CPU_WIDE. Non-wide
// PERF_RECORD_SWITCH is not expected under this engine's CPU-wide attr
// configuration and is logged rather than decoded into this type.
type SwitchRecord struct {
	Out      bool
	Preempt  bool
	TID      uint32
	PID      uint32
	NextTID  uint32
	NextPID  uint32
	CPU      uint32
	Time     uint64
}

// DecodeSwitchCPUWide decodes a PERF_RECORD_SWITCH_CPU_WIDE record's body
// (everything after the 8-byte header). attr must have SampleIDAll,
// PERF_SAMPLE_TID, PERF_SAMPLE_TIME and PERF_SAMPLE_CPU set, matching the
// context-switch source's configuration, or the trailing sample_id fields
// will not be present at the expected offset.
func DecodeSwitchCPUWide(h Header, body []byte, attr *EventAttr) SwitchRecord {
	var r SwitchRecord
	r.Out = h.Misc&PERF_RECORD_MISC_SWITCH_OUT != 0
	r.Preempt = h.Misc&PERF_RECORD_MISC_SWITCH_OUT_PREEMPT != 0

	off := 0
	r.NextPID = binary.LittleEndian.Uint32(body[off:])
	r.NextTID = binary.LittleEndian.Uint32(body[off+4:])
	off += 8

	if attr.SampleType&PERF_SAMPLE_TID != 0 {
		r.PID = binary.LittleEndian.Uint32(body[off:])
		r.TID = binary.LittleEndian.Uint32(body[off+4:])
		off += 8
	}
	if attr.SampleType&PERF_SAMPLE_TIME != 0 {
		r.Time = binary.LittleEndian.Uint64(body[off:])
		off += 8
	}
	if attr.SampleType&PERF_SAMPLE_ID != 0 {
		off += 8
	}
	if attr.SampleType&PERF_SAMPLE_STREAM_ID != 0 {
		off += 8
	}
	if attr.SampleType&PERF_SAMPLE_CPU != 0 {
		r.CPU = binary.LittleEndian.Uint32(body[off:])
	}
	return r
}

// ForkExitRecord is the decoded form of PERF_RECORD_FORK and PERF_RECORD_EXIT,
// which share the same wire layout.
type ForkExitRecord struct {
	PID, PPID uint32
	TID, PTID uint32
	Time      uint64
}

// DecodeForkExit decodes a PERF_RECORD_FORK or PERF_RECORD_EXIT body.
func DecodeForkExit(body []byte) ForkExitRecord {
	return ForkExitRecord{
		PID:  binary.LittleEndian.Uint32(body[0:]),
		PPID: binary.LittleEndian.Uint32(body[4:]),
		TID:  binary.LittleEndian.Uint32(body[8:]),
		PTID: binary.LittleEndian.Uint32(body[12:]),
		Time: binary.LittleEndian.Uint64(body[16:]),
	}
}

// MmapPIDOffset is the byte offset of the pid field within a
// PERF_RECORD_MMAP[2] record, counting from the start of the record (header
// included): u32 pid immediately follows the 8-byte header. Exposed so the
// dispatcher can peek it via RingBuffer.PeekField before deciding whether a
// mmap record belongs to the traced process and is worth consuming in full.
const MmapPIDOffset = sizeofEventHeader

// LostRecord is the decoded form of PERF_RECORD_LOST.
type LostRecord struct {
	ID   uint64
	Lost uint64
}

// DecodeLost decodes a PERF_RECORD_LOST body.
func DecodeLost(body []byte) LostRecord {
	return LostRecord{
		ID:   binary.LittleEndian.Uint64(body[0:]),
		Lost: binary.LittleEndian.Uint64(body[8:]),
	}
}

// SampleRecord is the decoded form of a PERF_RECORD_SAMPLE. Only the fields
// this engine's three sample-producing sources (uprobe/uretprobe, plain
// stack sampling, GPU tracepoints) actually populate are represented; which
// fields are valid depends on the originating attr's SampleType.
type SampleRecord struct {
	PID, TID  uint32
	Time      uint64
	CPU       uint32
	Period    uint64
	StreamID  uint64
	Registers []uint64
	Stack     []byte
	Raw       []byte
}

// DecodeSample decodes a PERF_RECORD_SAMPLE body according to attr's
// SampleType. Field order in the wire format follows the bit order of
// PERF_SAMPLE_* in linux/perf_event.h, which is why this function must walk
// the flags in that exact sequence.
func DecodeSample(body []byte, attr *EventAttr) SampleRecord {
	var r SampleRecord
	off := 0
	st := attr.SampleType

	if st&PERF_SAMPLE_IDENTIFIER != 0 {
		off += 8
	}
	if st&PERF_SAMPLE_IP != 0 {
		off += 8
	}
	if st&PERF_SAMPLE_TID != 0 {
		r.PID = binary.LittleEndian.Uint32(body[off:])
		r.TID = binary.LittleEndian.Uint32(body[off+4:])
		off += 8
	}
	if st&PERF_SAMPLE_TIME != 0 {
		r.Time = binary.LittleEndian.Uint64(body[off:])
		off += 8
	}
	if st&PERF_SAMPLE_ADDR != 0 {
		off += 8
	}
	if st&PERF_SAMPLE_ID != 0 {
		off += 8
	}
	if st&PERF_SAMPLE_STREAM_ID != 0 {
		r.StreamID = binary.LittleEndian.Uint64(body[off:])
		off += 8
	}
	if st&PERF_SAMPLE_CPU != 0 {
		r.CPU = binary.LittleEndian.Uint32(body[off:])
		off += 8
	}
	if st&PERF_SAMPLE_PERIOD != 0 {
		r.Period = binary.LittleEndian.Uint64(body[off:])
		off += 8
	}
	if st&PERF_SAMPLE_READ != 0 {
		// Not enabled on any source this engine opens; nothing to skip.
	}
	if st&PERF_SAMPLE_CALLCHAIN != 0 {
		n := binary.LittleEndian.Uint64(body[off:])
		off += 8 + int(n)*8
	}
	if st&PERF_SAMPLE_RAW != 0 {
		size := binary.LittleEndian.Uint32(body[off:])
		off += 4
		r.Raw = body[off : off+int(size)]
		off += int(size)
		if pad := off % 8; pad != 0 {
			off += 8 - pad
		}
	}
	if st&PERF_SAMPLE_BRANCH_STACK != 0 {
		n := binary.LittleEndian.Uint64(body[off:])
		off += 8 + int(n)*24
	}
	if st&PERF_SAMPLE_REGS_USER != 0 {
		abi := binary.LittleEndian.Uint64(body[off:])
		off += 8
		nregs := popcount64(attr.SampleRegsUser)
		if abi != 0 {
			r.Registers = make([]uint64, nregs)
			for i := 0; i < nregs; i++ {
				r.Registers[i] = binary.LittleEndian.Uint64(body[off:])
				off += 8
			}
		}
	}
	if st&PERF_SAMPLE_STACK_USER != 0 {
		size := binary.LittleEndian.Uint64(body[off:])
		off += 8
		if size > 0 {
			r.Stack = body[off : off+int(size)]
			off += int(size)
			off += 8 // dyn_size, present whenever the captured size > 0
		}
	}
	return r
}

// SampleID is the identity tuple the kernel appends to every non-
// PERF_RECORD_SAMPLE record whenever the originating attr has SampleIDAll
// set, in the same canonical bit order PERF_SAMPLE_* always follows.
type SampleID struct {
	PID, TID uint32
	Time     uint64
	CPU      uint32
}

// DecodeTrailingSampleID decodes the sample_id block at the end of body
// (the record minus its 8-byte header). It returns the zero value if attr
// does not have SampleIDAll set, or if body is shorter than the expected
// trailing block (a record from an attr this engine did not configure).
func DecodeTrailingSampleID(body []byte, attr *EventAttr) SampleID {
	var r SampleID
	if !attr.SampleIDAll || attr.sizeofSampleID == 0 {
		return r
	}
	off := len(body) - attr.sizeofSampleID
	if off < 0 {
		return r
	}
	tail := body[off:]
	o := 0
	st := attr.SampleType
	if st&PERF_SAMPLE_TID != 0 {
		r.PID = binary.LittleEndian.Uint32(tail[o:])
		r.TID = binary.LittleEndian.Uint32(tail[o+4:])
		o += 8
	}
	if st&PERF_SAMPLE_TIME != 0 {
		r.Time = binary.LittleEndian.Uint64(tail[o:])
		o += 8
	}
	if st&PERF_SAMPLE_ID != 0 {
		o += 8
	}
	if st&PERF_SAMPLE_STREAM_ID != 0 {
		o += 8
	}
	if st&PERF_SAMPLE_CPU != 0 {
		r.CPU = binary.LittleEndian.Uint32(tail[o:])
		o += 8
	}
	return r
}

func popcount64(v uint64) int {
	n := 0
	for v != 0 {
		v &= v - 1
		n++
	}
	return n
}

// SizeofEmptySample is the byte size of a PERF_RECORD_SAMPLE produced by a
// uretprobe source configured with only PERF_SAMPLE_TID|TIME|CPU|STREAM_ID:
// header plus those four fixed-size fields, with no register set or stack
// capture. Entry-probe samples, which additionally request
// PERF_SAMPLE_REGS_USER|PERF_SAMPLE_STACK_USER, are always larger. The
// dispatcher uses this to tell entry and return records apart by size alone,
// per the sample classification rule.
func SizeofEmptySample(attr *EventAttr) int {
	n := sizeofEventHeader
	if attr.SampleType&PERF_SAMPLE_TID != 0 {
		n += 8
	}
	if attr.SampleType&PERF_SAMPLE_TIME != 0 {
		n += 8
	}
	if attr.SampleType&PERF_SAMPLE_CPU != 0 {
		n += 8
	}
	if attr.SampleType&PERF_SAMPLE_STREAM_ID != 0 {
		n += 8
	}
	if attr.SampleType&PERF_SAMPLE_ID != 0 {
		n += 8
	}
	if attr.SampleType&PERF_SAMPLE_IDENTIFIER != 0 {
		n += 8
	}
	return n
}
