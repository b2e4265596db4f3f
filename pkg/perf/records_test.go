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
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func le32(b *bytes.Buffer, v uint32) { binary.Write(b, binary.LittleEndian, v) }
func le64(b *bytes.Buffer, v uint64) { binary.Write(b, binary.LittleEndian, v) }

func TestDecodeSwitchCPUWideOutAndPreemptMisc(t *testing.T) {
	attr := &EventAttr{SampleType: PERF_SAMPLE_TID | PERF_SAMPLE_TIME | PERF_SAMPLE_CPU}
	var buf bytes.Buffer
	le32(&buf, 0)   // next_prev_pid
	le32(&buf, 777) // next_prev_tid
	le32(&buf, 100) // pid
	le32(&buf, 100) // tid
	le64(&buf, 555) // time
	le32(&buf, 3)   // cpu

	h := Header{Misc: PERF_RECORD_MISC_SWITCH_OUT | PERF_RECORD_MISC_SWITCH_OUT_PREEMPT}
	r := DecodeSwitchCPUWide(h, buf.Bytes(), attr)

	assert.True(t, r.Out)
	assert.True(t, r.Preempt)
	assert.Equal(t, uint32(100), r.TID)
	assert.Equal(t, uint32(777), r.NextTID)
	assert.Equal(t, uint64(555), r.Time)
	assert.Equal(t, uint32(3), r.CPU)
}

func TestDecodeForkExit(t *testing.T) {
	var buf bytes.Buffer
	le32(&buf, 10) // pid
	le32(&buf, 1)  // ppid
	le32(&buf, 11) // tid
	le32(&buf, 1)  // ptid
	le64(&buf, 999)

	r := DecodeForkExit(buf.Bytes())
	assert.Equal(t, uint32(10), r.PID)
	assert.Equal(t, uint32(11), r.TID)
	assert.Equal(t, uint64(999), r.Time)
}

func TestDecodeLost(t *testing.T) {
	var buf bytes.Buffer
	le64(&buf, 42) // id
	le64(&buf, 17) // lost
	r := DecodeLost(buf.Bytes())
	assert.Equal(t, uint64(42), r.ID)
	assert.Equal(t, uint64(17), r.Lost)
}

// buildSample writes a synthetic PERF_RECORD_SAMPLE body for the given attr
// by hand-building the wire record field by field in canonical
// PERF_SAMPLE_* bit order.
func buildSample(t *testing.T, attr *EventAttr, pid, tid uint32, ts uint64, cpu uint32, streamID uint64, registers []uint64, stack []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	st := attr.SampleType

	if st&PERF_SAMPLE_TID != 0 {
		le32(&buf, pid)
		le32(&buf, tid)
	}
	if st&PERF_SAMPLE_TIME != 0 {
		le64(&buf, ts)
	}
	if st&PERF_SAMPLE_STREAM_ID != 0 {
		le64(&buf, streamID)
	}
	if st&PERF_SAMPLE_CPU != 0 {
		le32(&buf, cpu)
		le32(&buf, 0) // res
	}
	if st&PERF_SAMPLE_REGS_USER != 0 {
		le64(&buf, attr.SampleRegsUser) // abi
		for _, r := range registers {
			le64(&buf, r)
		}
	}
	if st&PERF_SAMPLE_STACK_USER != 0 {
		le64(&buf, uint64(len(stack)))
		buf.Write(stack)
		if len(stack) > 0 {
			le64(&buf, uint64(len(stack))) // dyn_size
		}
	}
	return buf.Bytes()
}

func TestDecodeSampleReturnProbe(t *testing.T) {
	attr := &EventAttr{SampleType: PERF_SAMPLE_TID | PERF_SAMPLE_TIME | PERF_SAMPLE_CPU | PERF_SAMPLE_STREAM_ID}
	body := buildSample(t, attr, 10, 20, 100, 1, 0xabc, nil, nil)

	r := DecodeSample(body, attr)
	assert.Equal(t, uint32(10), r.PID)
	assert.Equal(t, uint32(20), r.TID)
	assert.Equal(t, uint64(100), r.Time)
	assert.Equal(t, uint32(1), r.CPU)
	assert.Equal(t, uint64(0xabc), r.StreamID)
}

func TestDecodeSampleEntryProbeWithRegistersAndStack(t *testing.T) {
	attr := &EventAttr{
		SampleType:      PERF_SAMPLE_TID | PERF_SAMPLE_TIME | PERF_SAMPLE_CPU | PERF_SAMPLE_STREAM_ID | PERF_SAMPLE_REGS_USER | PERF_SAMPLE_STACK_USER,
		SampleRegsUser:  0x3, // two registers requested
		SampleStackUser: 16,
	}
	regs := []uint64{0x1111, 0x2222}
	stack := []byte{1, 2, 3, 4}
	body := buildSample(t, attr, 10, 20, 100, 1, 0xabc, regs, stack)

	r := DecodeSample(body, attr)
	require.Equal(t, regs, r.Registers)
	assert.Equal(t, stack, r.Stack)
}

// TestSampleClassificationBySize covers the classification boundary: a
// return probe's record is exactly SizeofEmptySample bytes, and an entry
// fd's record (carrying REGS_USER/STACK_USER) is strictly larger, so it
// never collapses to that exact size.
func TestSampleClassificationBySize(t *testing.T) {
	returnAttr := &EventAttr{SampleType: PERF_SAMPLE_TID | PERF_SAMPLE_TIME | PERF_SAMPLE_CPU | PERF_SAMPLE_STREAM_ID}
	entryAttr := &EventAttr{
		SampleType:      returnAttr.SampleType | PERF_SAMPLE_REGS_USER | PERF_SAMPLE_STACK_USER,
		SampleRegsUser:  0x1,
		SampleStackUser: 8,
	}

	returnBody := buildSample(t, returnAttr, 1, 2, 3, 0, 0, nil, nil)
	returnSize := sizeofEventHeader + len(returnBody)
	assert.Equal(t, SizeofEmptySample(returnAttr), returnSize)

	entryBody := buildSample(t, entryAttr, 1, 2, 3, 0, 0, []uint64{9}, []byte{1, 2})
	entrySize := sizeofEventHeader + len(entryBody)
	assert.Greater(t, entrySize, SizeofEmptySample(returnAttr))
}

func TestDecodeTrailingSampleID(t *testing.T) {
	attr := &EventAttr{SampleIDAll: true, SampleType: PERF_SAMPLE_TID | PERF_SAMPLE_TIME | PERF_SAMPLE_CPU}
	var buf bytes.Buffer
	require.NoError(t, attr.Write(&buf))

	var body bytes.Buffer
	body.Write([]byte{0xAA, 0xBB, 0xCC, 0xDD}) // arbitrary fixed record payload
	le32(&body, 10)                            // pid
	le32(&body, 11)                            // tid
	le64(&body, 12345)                         // time
	le32(&body, 2)                             // cpu
	le32(&body, 0)                             // res

	sid := DecodeTrailingSampleID(body.Bytes(), attr)
	assert.Equal(t, uint32(10), sid.PID)
	assert.Equal(t, uint32(11), sid.TID)
	assert.Equal(t, uint64(12345), sid.Time)
	assert.Equal(t, uint32(2), sid.CPU)
}

func TestDecodeTrailingSampleIDWithoutSampleIDAllIsZero(t *testing.T) {
	attr := &EventAttr{SampleType: PERF_SAMPLE_TID}
	var buf bytes.Buffer
	require.NoError(t, attr.Write(&buf))

	sid := DecodeTrailingSampleID([]byte{1, 2, 3, 4}, attr)
	assert.Zero(t, sid)
}
