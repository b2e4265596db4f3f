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
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/orbitless/tracerd/pkg/events"
	"github.com/orbitless/tracerd/pkg/perf"
	"github.com/orbitless/tracerd/pkg/proc"
)

// dispatchLoop is T1: it round-robin polls every committed ring buffer,
// consuming up to RoundRobinPollingBatchSize records from each before moving
// to the next, decodes each record, and either delivers it to the listener
// directly (context switches, GPU jobs) or hands it to the deferred queue
// for T2 to correlate (probe and stack samples, maps refreshes). It keeps
// running after RequestStop until a full round-robin pass drains nothing,
// so nothing outstanding in a ring buffer at stop time is dropped.
func (tr *Tracer) dispatchLoop() {
	defer close(tr.dispatchDone)

	for {
		n := tr.pollOnce()
		tr.gpu.Sweep()
		tr.stats.maybeReport(time.Now())

		if n == 0 {
			if tr.exitRequested.Load() {
				return
			}
			time.Sleep(tr.idleSleep)
		}
	}
}

// pollOnce performs one round-robin pass over every root and returns the
// total number of records consumed.
func (tr *Tracer) pollOnce() int {
	total := 0
	for _, src := range tr.roots {
		n := 0
		for n < RoundRobinPollingBatchSize && src.ring.HasData() {
			h := src.ring.ReadHeader()
			tr.handleRecord(src, h)
			n++
		}
		total += n
	}
	return total
}

func (tr *Tracer) handleRecord(src *source, h perf.Header) {
	switch h.Type {
	case perf.PERF_RECORD_LOST:
		body := src.ring.ConsumeRecord(h)[perf.HeaderSize:]
		lost := perf.DecodeLost(body)
		tr.stats.recordLost(src.name, lost.Lost)

	case perf.PERF_RECORD_SWITCH_CPU_WIDE:
		tr.handleSwitch(src, h)

	case perf.PERF_RECORD_SWITCH:
		glog.Warningf("tracer: unexpected non-wide PERF_RECORD_SWITCH on %s, skipping", src.name)
		src.ring.SkipRecord(h)

	case perf.PERF_RECORD_FORK:
		body := src.ring.ConsumeRecord(h)[perf.HeaderSize:]
		fe := perf.DecodeForkExit(body)
		tr.config.Listener.OnTid(fe.TID)

	case perf.PERF_RECORD_EXIT:
		src.ring.SkipRecord(h)

	case perf.PERF_RECORD_MMAP, perf.PERF_RECORD_MMAP2:
		tr.handleMmap(src, h)

	case perf.PERF_RECORD_SAMPLE:
		tr.handleSample(src, h)

	default:
		src.ring.SkipRecord(h)
	}
}

// handleSwitch decodes one PERF_RECORD_SWITCH_CPU_WIDE record. TID is the
// task the record is actually about: switched out when Out is set, switched
// in otherwise. NextTID only names the other side of the switch and is not
// itself reported; this event is already covered by the record emitted for
// that task when the kernel switches it. TID 0 is the idle task and is
// dropped rather than reported as a thread switch.
func (tr *Tracer) handleSwitch(src *source, h perf.Header) {
	body := src.ring.ConsumeRecord(h)[perf.HeaderSize:]
	sw := perf.DecodeSwitchCPUWide(h, body, src.attr)
	tr.stats.schedSwitch.Add(1)

	if sw.TID == 0 {
		return
	}

	if sw.Out {
		tr.config.Listener.OnContextSwitchOut(sw.TID, int(sw.CPU), sw.Time)
	} else {
		tr.config.Listener.OnContextSwitchIn(sw.TID, int(sw.CPU), sw.Time)
	}
}

// handleMmap peeks the record's pid before materializing it. The mmap/task
// source is opened per-pid, so in practice every record here already
// belongs to config.Pid; the peek is a cheap defensive check against a
// stray report for a since-reparented pid.
func (tr *Tracer) handleMmap(src *source, h perf.Header) {
	pidBytes := src.ring.PeekField(perf.MmapPIDOffset, 4)
	pid := binary.LittleEndian.Uint32(pidBytes)
	if int(pid) != tr.config.Pid {
		src.ring.SkipRecord(h)
		return
	}

	body := src.ring.ConsumeRecord(h)[perf.HeaderSize:]
	sid := perf.DecodeTrailingSampleID(body, tr.mmapTaskAttr)

	mappings, err := tr.procfs.ProcessMappings(tr.config.Pid)
	if err != nil {
		glog.V(2).Infof("tracer: read mappings for pid %d: %v", tr.config.Pid, err)
		return
	}

	ev := events.MapsRefreshEvent{Timestamp: sid.Time, Maps: formatMaps(mappings)}
	tr.deferredQueue.push(queuedEvent{fd: src.fd, ts: sid.Time, payload: ev})
}

// formatMaps renders parsed memory mappings back into a /proc/<pid>/maps-
// style text blob, since the listener only wants a refreshed snapshot to
// feed its own symbolization, not this engine's parsed representation.
func formatMaps(mappings []proc.MemoryMapping) []byte {
	var buf bytes.Buffer
	for _, m := range mappings {
		fmt.Fprintf(&buf, "%x-%x %s\n", m.Start, m.End, m.Path)
	}
	return buf.Bytes()
}

// handleSample decodes a PERF_RECORD_SAMPLE according to which kind of
// source produced it: a plain stack sample, a consolidated probe ring
// buffer (entry and return intermixed, classified by record size per the
// sample classification rule), or a consolidated GPU tracepoint ring buffer
// (phase identified by stream id).
func (tr *Tracer) handleSample(src *source, h perf.Header) {
	switch src.kind {
	case kindSample:
		body := src.ring.ConsumeRecord(h)[perf.HeaderSize:]
		rec := perf.DecodeSample(body, src.attr)
		tr.stats.sample.Add(1)
		ev := events.StackSampleEvent{
			TID:       rec.TID,
			Timestamp: rec.Time,
			Registers: rec.Registers,
			Stack:     rec.Stack,
		}
		tr.deferredQueue.push(queuedEvent{fd: src.fd, ts: rec.Time, payload: ev})

	case kindUprobeEntry:
		tr.handleProbeSample(src, h)

	case kindGPUTracepoint:
		tr.handleGPUSample(src, h)

	default:
		src.ring.SkipRecord(h)
	}
}

func (tr *Tracer) handleProbeSample(src *source, h perf.Header) {
	returnSize := perf.SizeofEmptySample(tr.probeReturnAttr)
	body := src.ring.ConsumeRecord(h)[perf.HeaderSize:]
	tr.stats.uprobes.Add(1)

	if int(h.Size) > returnSize {
		rec := perf.DecodeSample(body, tr.probeEntryAttr)
		info, ok := tr.streamFunc[rec.StreamID]
		if !ok {
			glog.V(2).Infof("tracer: entry probe sample with unknown stream id %d", rec.StreamID)
			return
		}
		ev := events.EntryProbeEvent{
			TID:       rec.TID,
			Timestamp: rec.Time,
			Function:  info.function,
			Registers: rec.Registers,
			Stack:     rec.Stack,
		}
		tr.deferredQueue.push(queuedEvent{fd: src.fd, ts: rec.Time, payload: ev})
		return
	}

	rec := perf.DecodeSample(body, tr.probeReturnAttr)
	info, ok := tr.streamFunc[rec.StreamID]
	if !ok {
		glog.V(2).Infof("tracer: return probe sample with unknown stream id %d", rec.StreamID)
		return
	}
	ev := events.ReturnProbeEvent{
		TID:       rec.TID,
		Timestamp: rec.Time,
		Function:  info.function,
	}
	tr.deferredQueue.push(queuedEvent{fd: src.fd, ts: rec.Time, payload: ev})
}

func (tr *Tracer) handleGPUSample(src *source, h perf.Header) {
	body := src.ring.ConsumeRecord(h)[perf.HeaderSize:]
	rec := perf.DecodeSample(body, tr.gpuAttr)

	phase, ok := tr.gpuPhaseByStream[rec.StreamID]
	if !ok {
		glog.V(2).Infof("tracer: gpu sample with unknown stream id %d", rec.StreamID)
		return
	}
	format := tr.gpuFormats[phase]

	timeline, _ := format.FieldUint64(rec.Raw, "timeline")
	context, _ := format.FieldUint64(rec.Raw, "context")
	seqno, _ := format.FieldUint64(rec.Raw, "seqno")

	tr.stats.gpuEvents.Add(1)
	tr.gpu.Observe(phase, timeline, context, seqno, rec.PID, rec.TID, rec.Time)
}
