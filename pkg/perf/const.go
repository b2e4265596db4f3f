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

// Event types, from linux/perf_event.h enum perf_type_id.
const (
	PERF_TYPE_HARDWARE   = 0
	PERF_TYPE_SOFTWARE   = 1
	PERF_TYPE_TRACEPOINT = 2
	PERF_TYPE_HW_CACHE   = 3
	PERF_TYPE_RAW        = 4
	PERF_TYPE_BREAKPOINT = 5
)

// Software event configs, enum perf_sw_ids.
const (
	PERF_COUNT_SW_CPU_CLOCK = 0
	// PERF_COUNT_SW_DUMMY backs sources that exist only to receive
	// PERF_RECORD_SWITCH/MMAP/FORK/EXIT side-band records and never count
	// or sample anything themselves (the context-switch and mmap/task
	// sources).
	PERF_COUNT_SW_DUMMY = 9
)

// SampleRegsUserMask requests the x86-64 general-purpose register set
// (PERF_REG_X86_64_MAX = 18 registers, bits 0..17) when PERF_SAMPLE_REGS_USER
// is set. A real deployment would derive this from the host architecture;
// this engine targets x86-64 only.
const SampleRegsUserMask = (1 << 18) - 1

// Sample types, enum perf_event_sample_format.
const (
	PERF_SAMPLE_IP           = 1 << 0
	PERF_SAMPLE_TID          = 1 << 1
	PERF_SAMPLE_TIME         = 1 << 2
	PERF_SAMPLE_ADDR         = 1 << 3
	PERF_SAMPLE_READ         = 1 << 4
	PERF_SAMPLE_CALLCHAIN    = 1 << 5
	PERF_SAMPLE_ID           = 1 << 6
	PERF_SAMPLE_CPU          = 1 << 7
	PERF_SAMPLE_PERIOD       = 1 << 8
	PERF_SAMPLE_STREAM_ID    = 1 << 9
	PERF_SAMPLE_RAW          = 1 << 10
	PERF_SAMPLE_BRANCH_STACK = 1 << 11
	PERF_SAMPLE_REGS_USER    = 1 << 12
	PERF_SAMPLE_STACK_USER   = 1 << 13
	PERF_SAMPLE_IDENTIFIER   = 1 << 16
)

// Read format, enum perf_event_read_format.
const (
	PERF_FORMAT_TOTAL_TIME_ENABLED = 1 << 0
	PERF_FORMAT_TOTAL_TIME_RUNNING = 1 << 1
	PERF_FORMAT_ID                 = 1 << 2
	PERF_FORMAT_GROUP              = 1 << 3
)

// perf_event_attr bitfield positions.
const (
	eaDisabled               = 1 << 0
	eaInherit                = 1 << 1
	eaPinned                 = 1 << 2
	eaExclusive              = 1 << 3
	eaExcludeUser            = 1 << 4
	eaExcludeKernel          = 1 << 5
	eaExcludeHV              = 1 << 6
	eaExcludeIdle            = 1 << 7
	eaMmap                   = 1 << 8
	eaComm                   = 1 << 9
	eaFreq                   = 1 << 10
	eaInheritStat            = 1 << 11
	eaEnableOnExec           = 1 << 12
	eaTask                   = 1 << 13
	eaWatermark              = 1 << 14
	eaPreciseIP1             = 1 << 15
	eaPreciseIP2             = 1 << 16
	eaMmapData               = 1 << 17
	eaSampleIDAll            = 1 << 18
	eaExcludeHost            = 1 << 19
	eaExcludeGuest           = 1 << 20
	eaExcludeCallchainKernel = 1 << 21
	eaExcludeCallchainUser   = 1 << 22
	eaMmap2                  = 1 << 23
	eaCommExec               = 1 << 24
	eaUseClockID             = 1 << 25
	eaContextSwitch          = 1 << 26
)

// perf_event_attr structure sizes for each ABI version. EventAttr.Write
// always serializes the same field set and declares sizeofPerfEventAttrVer2
// as its Size, whichever optional fields are set.
const (
	sizeofPerfEventAttrVer0 = 96
	sizeofPerfEventAttrVer1 = 104
	sizeofPerfEventAttrVer2 = 112
	sizeofPerfEventAttrVer3 = 128
	sizeofPerfEventAttrVer4 = 136
	sizeofPerfEventAttrVer5 = 144
)

// perf_event_open flags, from linux/perf_event.h.
const (
	PERF_FLAG_FD_NO_GROUP = 1 << 0
	PERF_FLAG_FD_OUTPUT   = 1 << 1
	PERF_FLAG_PID_CGROUP  = 1 << 2
	PERF_FLAG_FD_CLOEXEC  = 1 << 3
)

// ioctl requests, from linux/perf_event.h (encoded with the standard _IO
// macros; the numeric values below match the published ABI).
const (
	PERF_EVENT_IOC_ENABLE     = 0x2400
	PERF_EVENT_IOC_DISABLE    = 0x2401
	PERF_EVENT_IOC_SET_FILTER = 0x40042406
	PERF_EVENT_IOC_ID         = 0x80082407
	PERF_EVENT_IOC_SET_OUTPUT = 0x2405
)

// Record types, enum perf_event_type.
const (
	PERF_RECORD_MMAP             = 1
	PERF_RECORD_LOST             = 2
	PERF_RECORD_COMM             = 3
	PERF_RECORD_EXIT             = 4
	PERF_RECORD_THROTTLE         = 5
	PERF_RECORD_UNTHROTTLE       = 6
	PERF_RECORD_FORK             = 7
	PERF_RECORD_READ             = 8
	PERF_RECORD_SAMPLE           = 9
	PERF_RECORD_MMAP2            = 10
	PERF_RECORD_AUX              = 11
	PERF_RECORD_ITRACE_START     = 12
	PERF_RECORD_LOST_SAMPLES     = 13
	PERF_RECORD_SWITCH           = 14
	PERF_RECORD_SWITCH_CPU_WIDE  = 15
)

// Record misc bits relevant to PERF_RECORD_SWITCH[_CPU_WIDE].
const (
	PERF_RECORD_MISC_SWITCH_OUT         = 1 << 13
	PERF_RECORD_MISC_SWITCH_OUT_PREEMPT = 1 << 14
)

// sizeofEventHeader is the fixed 8-byte perf_event_header prefix on every
// record: u32 type, u16 misc, u16 size.
const sizeofEventHeader = 8

// HeaderSize is sizeofEventHeader, exported so callers outside this package
// can strip the header off a ConsumeRecord result before passing the body
// to a Decode* function.
const HeaderSize = sizeofEventHeader
