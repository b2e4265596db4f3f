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
	"encoding/binary"
	"testing"

	"github.com/orbitless/tracerd/pkg/perf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type switchCall struct {
	in  bool
	tid uint32
	cpu int
	ts  uint64
}

type switchRecordingListener struct {
	nopListener
	calls []switchCall
}

func (l *switchRecordingListener) OnContextSwitchIn(tid uint32, cpu int, ts uint64) {
	l.calls = append(l.calls, switchCall{in: true, tid: tid, cpu: cpu, ts: ts})
}

func (l *switchRecordingListener) OnContextSwitchOut(tid uint32, cpu int, ts uint64) {
	l.calls = append(l.calls, switchCall{in: false, tid: tid, cpu: cpu, ts: ts})
}

// buildSwitchRecord hand-builds a PERF_RECORD_SWITCH_CPU_WIDE wire record
// for attr's SampleType (TID|TIME|CPU, as the context-switch source opens
// it) and returns it wrapped in a RingBuffer ready to read.
func buildSwitchRecord(t *testing.T, out bool, pid, tid uint32, nextPID, nextTID uint32, ts uint64, cpu uint32) *perf.RingBuffer {
	t.Helper()
	body := make([]byte, 0, 24)
	put32 := func(v uint32) { body = binary.LittleEndian.AppendUint32(body, v) }
	put64 := func(v uint64) { body = binary.LittleEndian.AppendUint64(body, v) }

	put32(nextPID)
	put32(nextTID)
	put32(pid)
	put32(tid)
	put64(ts)
	put32(cpu)

	var misc uint16
	if out {
		misc |= perf.PERF_RECORD_MISC_SWITCH_OUT
	}

	record := make([]byte, 0, perf.HeaderSize+len(body))
	record = binary.LittleEndian.AppendUint32(record, perf.PERF_RECORD_SWITCH_CPU_WIDE)
	record = binary.LittleEndian.AppendUint16(record, misc)
	record = binary.LittleEndian.AppendUint16(record, uint16(perf.HeaderSize+len(body)))
	record = append(record, body...)

	return perf.NewRingBufferForTesting(record, uint64(len(record)), 0)
}

func newTestTracerForDispatch(listener *switchRecordingListener) *Tracer {
	return &Tracer{
		config: Config{Listener: listener},
		stats:  newStats(),
	}
}

func switchAttr() *perf.EventAttr {
	return &perf.EventAttr{
		SampleType: perf.PERF_SAMPLE_TID | perf.PERF_SAMPLE_TIME | perf.PERF_SAMPLE_CPU,
	}
}

// TestHandleSwitchEmitsExactlyOneCallPerRecord covers the concrete scenario
// of injecting a switch-out record for tid=100 on cpu=0 at ts=10: exactly
// one OnContextSwitchOut(100, 0, 10) call must result, with no companion
// OnContextSwitchIn for the next task (tid=200) the record names.
func TestHandleSwitchEmitsExactlyOneCallPerRecord(t *testing.T) {
	listener := &switchRecordingListener{}
	tr := newTestTracerForDispatch(listener)
	attr := switchAttr()

	ring := buildSwitchRecord(t, true, 100, 100, 0, 200, 10, 0)
	src := &source{ring: ring, attr: attr}

	h := ring.ReadHeader()
	tr.handleSwitch(src, h)

	require.Len(t, listener.calls, 1)
	assert.Equal(t, switchCall{in: false, tid: 100, cpu: 0, ts: 10}, listener.calls[0])
}

// TestHandleSwitchDropsIdleTask covers the idle-task drop: a switch record
// naming tid=0 (the idle task) as the acting task must be dropped entirely,
// producing no listener call at all.
func TestHandleSwitchDropsIdleTask(t *testing.T) {
	listener := &switchRecordingListener{}
	tr := newTestTracerForDispatch(listener)
	attr := switchAttr()

	ring := buildSwitchRecord(t, false, 0, 0, 0, 100, 20, 0)
	src := &source{ring: ring, attr: attr}

	h := ring.ReadHeader()
	tr.handleSwitch(src, h)

	assert.Empty(t, listener.calls)
}

func TestHandleSwitchInEmitsContextSwitchIn(t *testing.T) {
	listener := &switchRecordingListener{}
	tr := newTestTracerForDispatch(listener)
	attr := switchAttr()

	ring := buildSwitchRecord(t, false, 300, 300, 0, 100, 30, 2)
	src := &source{ring: ring, attr: attr}

	h := ring.ReadHeader()
	tr.handleSwitch(src, h)

	require.Len(t, listener.calls, 1)
	assert.Equal(t, switchCall{in: true, tid: 300, cpu: 2, ts: 30}, listener.calls[0])
}
