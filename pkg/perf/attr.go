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

import (
	"encoding/binary"
	"errors"
	"io"
)

// EventAttr is a translation of the Linux kernel's struct perf_event_attr
// into Go. It provides detailed configuration information for the event
// being created. Only the fields the tracer engine actually exercises are
// carried; this is not a general-purpose perf_event_attr binding.
type EventAttr struct {
	Type         uint32
	Size         uint32
	Config       uint64
	SamplePeriod uint64
	SampleFreq   uint64
	SampleType   uint64
	ReadFormat   uint64

	Disabled      bool
	Inherit       bool
	ExcludeKernel bool
	ExcludeHV     bool
	Mmap          bool
	Task          bool
	Freq          bool
	Watermark     bool
	MmapData      bool
	SampleIDAll   bool
	Mmap2         bool
	UseClockID    bool
	ContextSwitch bool

	WakeupEvents    uint32
	WakeupWatermark uint32

	SampleRegsUser  uint64
	SampleStackUser uint32
	ClockID         int32

	// sizeofSampleID caches the size of the trailing sample_id structure
	// every non-PERF_RECORD_SAMPLE record carries when SampleIDAll is
	// set. Computed by computeSizes, valid only after write has run.
	sizeofSampleID int
}

// computeSizes derives the cached sizes used by the record decoder from the
// currently configured SampleType. It must be called any time SampleType
// changes and before any record produced under this attr is decoded.
func (ea *EventAttr) computeSizes() {
	ea.sizeofSampleID = 0
	if ea.SampleType&PERF_SAMPLE_TID != 0 {
		ea.sizeofSampleID += 8
	}
	if ea.SampleType&PERF_SAMPLE_TIME != 0 {
		ea.sizeofSampleID += 8
	}
	if ea.SampleType&PERF_SAMPLE_ID != 0 {
		ea.sizeofSampleID += 8
	}
	if ea.SampleType&PERF_SAMPLE_STREAM_ID != 0 {
		ea.sizeofSampleID += 8
	}
	if ea.SampleType&PERF_SAMPLE_CPU != 0 {
		ea.sizeofSampleID += 8
	}
	if ea.SampleType&PERF_SAMPLE_IDENTIFIER != 0 {
		ea.sizeofSampleID += 8
	}
}

type eventAttrBitfield uint64

func (bf *eventAttrBitfield) setBit(b bool, bit uint64) {
	if b {
		*bf |= eventAttrBitfield(bit)
	}
}

// Write serializes the EventAttr as a perf_event_attr struct compatible
// with the kernel's perf_event_open ABI.
func (ea *EventAttr) Write(buf io.Writer) error {
	// Every field below through the trailing reserved padding is always
	// serialized regardless of which optional bits are set, so Size is
	// the Ver2 struct length unconditionally: it must match the number
	// of bytes actually written, not merely which fields are populated.
	ea.Size = sizeofPerfEventAttrVer2

	binary.Write(buf, binary.LittleEndian, ea.Type)
	binary.Write(buf, binary.LittleEndian, ea.Size)
	binary.Write(buf, binary.LittleEndian, ea.Config)

	if (ea.Freq && ea.SamplePeriod != 0) || (!ea.Freq && ea.SampleFreq != 0) {
		return errors.New("perf: invalid SamplePeriod/SampleFreq union")
	}
	if ea.Freq {
		binary.Write(buf, binary.LittleEndian, ea.SampleFreq)
	} else {
		binary.Write(buf, binary.LittleEndian, ea.SamplePeriod)
	}

	binary.Write(buf, binary.LittleEndian, ea.SampleType)
	binary.Write(buf, binary.LittleEndian, ea.ReadFormat)

	var bitfield eventAttrBitfield
	bitfield.setBit(ea.Disabled, eaDisabled)
	bitfield.setBit(ea.Inherit, eaInherit)
	bitfield.setBit(ea.ExcludeKernel, eaExcludeKernel)
	bitfield.setBit(ea.ExcludeHV, eaExcludeHV)
	bitfield.setBit(ea.Mmap, eaMmap)
	bitfield.setBit(ea.Freq, eaFreq)
	bitfield.setBit(ea.Task, eaTask)
	bitfield.setBit(ea.Watermark, eaWatermark)
	bitfield.setBit(ea.MmapData, eaMmapData)
	bitfield.setBit(ea.SampleIDAll, eaSampleIDAll)
	bitfield.setBit(ea.Mmap2, eaMmap2)
	bitfield.setBit(ea.UseClockID, eaUseClockID)
	bitfield.setBit(ea.ContextSwitch, eaContextSwitch)
	binary.Write(buf, binary.LittleEndian, uint64(bitfield))

	if (ea.Watermark && ea.WakeupEvents != 0) || (!ea.Watermark && ea.WakeupWatermark != 0) {
		return errors.New("perf: invalid WakeupWatermark/WakeupEvents union")
	}
	if ea.Watermark {
		binary.Write(buf, binary.LittleEndian, ea.WakeupWatermark)
	} else {
		binary.Write(buf, binary.LittleEndian, ea.WakeupEvents)
	}

	binary.Write(buf, binary.LittleEndian, uint32(0)) // bp_type, unused
	binary.Write(buf, binary.LittleEndian, uint64(0)) // config1/bp_addr, unused
	binary.Write(buf, binary.LittleEndian, uint64(0)) // config2/bp_len, unused
	binary.Write(buf, binary.LittleEndian, uint64(0)) // branch_sample_type, unused
	binary.Write(buf, binary.LittleEndian, ea.SampleRegsUser)
	binary.Write(buf, binary.LittleEndian, ea.SampleStackUser)
	binary.Write(buf, binary.LittleEndian, ea.ClockID)
	binary.Write(buf, binary.LittleEndian, uint64(0)) // sample_regs_intr, unused
	binary.Write(buf, binary.LittleEndian, uint32(0)) // aux_watermark, unused
	binary.Write(buf, binary.LittleEndian, uint16(0)) // sample_max_stack, unused
	binary.Write(buf, binary.LittleEndian, uint16(0)) // reserved, pad to u64

	ea.computeSizes()
	return nil
}
