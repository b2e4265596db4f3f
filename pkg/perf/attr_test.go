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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteRejectsSamplePeriodFreqUnionViolation(t *testing.T) {
	ea := EventAttr{Freq: true, SamplePeriod: 100}
	var buf bytes.Buffer
	assert.Error(t, ea.Write(&buf))
}

func TestWriteRejectsWatermarkWakeupUnionViolation(t *testing.T) {
	ea := EventAttr{WakeupEvents: 1, WakeupWatermark: 1, Watermark: true}
	var buf bytes.Buffer
	assert.Error(t, ea.Write(&buf))
}

func TestWriteSizeMatchesSerializedLength(t *testing.T) {
	var plain EventAttr
	var buf bytes.Buffer
	require.NoError(t, plain.Write(&buf))
	assert.Equal(t, uint32(sizeofPerfEventAttrVer2), plain.Size)
	assert.Equal(t, int(plain.Size), buf.Len())

	withRegs := EventAttr{SampleType: PERF_SAMPLE_REGS_USER}
	buf.Reset()
	require.NoError(t, withRegs.Write(&buf))
	assert.Equal(t, uint32(sizeofPerfEventAttrVer2), withRegs.Size)
	assert.Equal(t, int(withRegs.Size), buf.Len())

	withClockID := EventAttr{UseClockID: true}
	buf.Reset()
	require.NoError(t, withClockID.Write(&buf))
	assert.Equal(t, uint32(sizeofPerfEventAttrVer2), withClockID.Size)
	assert.Equal(t, int(withClockID.Size), buf.Len())
}

func TestComputeSizesSumsSelectedSampleTypeFields(t *testing.T) {
	ea := EventAttr{SampleType: PERF_SAMPLE_TID | PERF_SAMPLE_TIME | PERF_SAMPLE_CPU}
	var buf bytes.Buffer
	require.NoError(t, ea.Write(&buf))
	assert.Equal(t, 24, ea.sizeofSampleID)

	full := EventAttr{SampleType: PERF_SAMPLE_TID | PERF_SAMPLE_TIME | PERF_SAMPLE_ID |
		PERF_SAMPLE_STREAM_ID | PERF_SAMPLE_CPU | PERF_SAMPLE_IDENTIFIER}
	buf.Reset()
	require.NoError(t, full.Write(&buf))
	assert.Equal(t, 48, full.sizeofSampleID)
}

// Write always serializes the same fixed set of fields regardless of which
// optional bits are set, so the byte length never varies.
func TestWriteEncodesExpectedByteLength(t *testing.T) {
	ea := EventAttr{Type: PERF_TYPE_SOFTWARE, Config: PERF_COUNT_SW_CPU_CLOCK}
	var buf bytes.Buffer
	require.NoError(t, ea.Write(&buf))
	assert.Equal(t, int(sizeofPerfEventAttrVer2), buf.Len())
}
