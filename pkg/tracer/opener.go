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
	"fmt"
	"io"

	"github.com/golang/glog"
	"github.com/orbitless/tracerd/pkg/gpujob"
	"github.com/orbitless/tracerd/pkg/perf"
	"golang.org/x/sys/unix"
)

// stackCaptureSize is how many bytes of user stack each entry-probe and
// plain stack sample captures, matching the default most profilers of this
// kind use.
const stackCaptureSize = 8192

// defaultSamplingPeriodNs is used when Config.SamplingPeriodNs is zero.
const defaultSamplingPeriodNs = 1000000 // 1ms

// gpuTracepointSpec names one of the three tracepoints the GPU correlator
// joins.
type gpuTracepointSpec struct {
	category string
	name     string
	phase    gpujob.Phase
}

var gpuTracepoints = []gpuTracepointSpec{
	{"amdgpu", "amdgpu_cs_ioctl", gpujob.PhaseSubmit},
	{"amdgpu", "amdgpu_sched_run_job", gpujob.PhaseSchedule},
	{"dma_fence", "dma_fence_signaled", gpujob.PhaseFinish},
}

// uprobeDef is a single "p:"/"r:" line the opener wrote to uprobe_events,
// recorded so Wait can remove it again.
type uprobeDef struct {
	group string
	event string
}

// baseAttr returns a fresh EventAttr seeded from the caller-supplied default,
// or a zero value if none was given.
func (tr *Tracer) baseAttr() perf.EventAttr {
	if tr.opts.defaultEventAttr != nil {
		return *tr.opts.defaultEventAttr
	}
	return perf.EventAttr{}
}

// open builds the full fleet of perf sources for config: per-CPU
// context-switch and mmap/task sources, an optional per-CPU stack-sampling
// source, optional per-(function, CPU) uprobe/uretprobe pairs consolidated
// one ring buffer per CPU, and an optional per-CPU GPU tracepoint triple,
// also consolidated one ring buffer per CPU. Ring buffer consolidation works
// by designating, for each (CPU, subsystem), the first fd opened as its own
// group leader and the root; every subsequent fd for that same (CPU,
// subsystem) joins it with PERF_FLAG_FD_OUTPUT|PERF_FLAG_FD_NO_GROUP so the
// kernel directs its records into the leader's already-mapped buffer
// instead of allocating a new one.
func (tr *Tracer) open(config Config) error {
	allCPUs := make([]int, tr.procfs.NumCPU())
	for i := range allCPUs {
		allCPUs[i] = i
	}

	cpusetCPUs := allCPUs
	if cs, err := tr.procfs.Cpuset(config.Pid); err == nil && len(cs) > 0 {
		cpusetCPUs = cs
	} else if err != nil {
		glog.V(1).Infof("tracer: cpuset lookup for pid %d failed, using all %d cpus: %v", config.Pid, len(allCPUs), err)
	}

	if config.TraceContextSwitches {
		tr.openContextSwitchSources(allCPUs)
	}

	needMaps := config.TraceCallstacks || config.TraceInstrumentedFunctions
	if needMaps {
		tr.openMmapTaskSources(config.Pid, cpusetCPUs)
	}

	if config.TraceCallstacks {
		tr.openSamplingSources(config, cpusetCPUs)
	}

	if config.TraceInstrumentedFunctions && len(config.InstrumentedFunctions) > 0 {
		tracingDir := tr.opts.tracingDir
		if tracingDir == "" {
			tracingDir = tr.procfs.TracingDir()
		}
		if tracingDir == "" {
			return ErrNoTracingDir
		}
		tr.tracingDir = tracingDir
		tr.openUprobeSources(config, cpusetCPUs)
	}

	if config.TraceGPUDriverEvents {
		tracingDir := tr.opts.tracingDir
		if tracingDir == "" {
			tracingDir = tr.procfs.TracingDir()
		}
		if tracingDir == "" {
			glog.Warningf("tracer: %v: no tracing directory available", ErrGPUDisabled)
		} else {
			tr.openGPUSources(tracingDir, allCPUs)
		}
	}
	tr.stats.gpuEnabled = tr.gpuFormats != nil && len(tr.gpuFormats) == len(gpuTracepoints)

	anyRequested := config.TraceContextSwitches || config.TraceCallstacks ||
		config.TraceInstrumentedFunctions || config.TraceGPUDriverEvents
	if anyRequested && len(tr.roots) == 0 {
		return fmt.Errorf("tracer: no sources could be opened for pid %d", config.Pid)
	}
	return nil
}

func (tr *Tracer) openContextSwitchSources(cpus []int) {
	for _, cpu := range cpus {
		attr := tr.baseAttr()
		attr.Type = perf.PERF_TYPE_SOFTWARE
		attr.Config = perf.PERF_COUNT_SW_DUMMY
		attr.ContextSwitch = true
		attr.SampleIDAll = true
		attr.SampleType = perf.PERF_SAMPLE_TID | perf.PERF_SAMPLE_TIME | perf.PERF_SAMPLE_CPU
		attr.Disabled = true
		attr.Watermark = true
		attr.WakeupWatermark = 1

		fd, err := perf.Open(&attr, -1, cpu, -1, perf.PERF_FLAG_FD_CLOEXEC)
		if err != nil {
			glog.Warningf("tracer: open context-switch source on cpu %d: %v", cpu, err)
			continue
		}
		ring := &perf.RingBuffer{Name: fmt.Sprintf("ctxsw[%d]", cpu)}
		if err := ring.Init(fd, ContextSwitchBufferPages); err != nil {
			glog.Warningf("tracer: map context-switch ring buffer on cpu %d: %v", cpu, err)
			unix.Close(fd)
			continue
		}
		tr.fdTracker.commit(fd)
		tr.roots = append(tr.roots, &source{
			kind: kindContextSwitch,
			cpu:  cpu,
			fd:   fd,
			attr: &attr,
			name: ring.Name,
			ring: ring,
		})
	}
}

func (tr *Tracer) openMmapTaskSources(pid int, cpus []int) {
	attrTemplate := tr.baseAttr()
	attrTemplate.Type = perf.PERF_TYPE_SOFTWARE
	attrTemplate.Config = perf.PERF_COUNT_SW_DUMMY
	attrTemplate.Mmap = true
	attrTemplate.Task = true
	attrTemplate.SampleIDAll = true
	attrTemplate.SampleType = perf.PERF_SAMPLE_TID | perf.PERF_SAMPLE_TIME | perf.PERF_SAMPLE_CPU
	attrTemplate.Disabled = true
	attrTemplate.Watermark = true
	attrTemplate.WakeupWatermark = 1
	// Populate sizeofSampleID on the template itself (Open only computes it
	// on the per-cpu copy it actually writes to the kernel) so the
	// dispatcher can decode the trailing sample_id block of MMAP/FORK/EXIT
	// records against this shared template.
	attrTemplate.Write(io.Discard)
	tr.mmapTaskAttr = &attrTemplate

	for _, cpu := range cpus {
		attr := attrTemplate
		fd, err := perf.Open(&attr, pid, cpu, -1, perf.PERF_FLAG_FD_CLOEXEC)
		if err != nil {
			glog.Warningf("tracer: open mmap/task source on cpu %d: %v", cpu, err)
			continue
		}
		ring := &perf.RingBuffer{Name: fmt.Sprintf("mmaptask[%d]", cpu)}
		if err := ring.Init(fd, MmapTaskBufferPages); err != nil {
			glog.Warningf("tracer: map mmap/task ring buffer on cpu %d: %v", cpu, err)
			unix.Close(fd)
			continue
		}
		tr.fdTracker.commit(fd)
		tr.roots = append(tr.roots, &source{
			kind: kindMmapTask,
			cpu:  cpu,
			fd:   fd,
			attr: &attr,
			name: ring.Name,
			ring: ring,
		})
	}
}

func (tr *Tracer) openSamplingSources(config Config, cpus []int) {
	period := config.SamplingPeriodNs
	if period == 0 {
		period = defaultSamplingPeriodNs
	}

	attrTemplate := tr.baseAttr()
	attrTemplate.Type = perf.PERF_TYPE_SOFTWARE
	attrTemplate.Config = perf.PERF_COUNT_SW_CPU_CLOCK
	attrTemplate.SamplePeriod = period
	attrTemplate.SampleType = perf.PERF_SAMPLE_TID | perf.PERF_SAMPLE_TIME | perf.PERF_SAMPLE_CPU |
		perf.PERF_SAMPLE_REGS_USER | perf.PERF_SAMPLE_STACK_USER
	attrTemplate.SampleRegsUser = perf.SampleRegsUserMask
	attrTemplate.SampleStackUser = stackCaptureSize
	attrTemplate.Disabled = true

	for _, cpu := range cpus {
		attr := attrTemplate
		fd, err := perf.Open(&attr, config.Pid, cpu, -1, perf.PERF_FLAG_FD_CLOEXEC)
		if err != nil {
			glog.Warningf("tracer: open sampling source on cpu %d: %v", cpu, err)
			continue
		}
		ring := &perf.RingBuffer{Name: fmt.Sprintf("sample[%d]", cpu)}
		if err := ring.Init(fd, SamplingBufferPages); err != nil {
			glog.Warningf("tracer: map sampling ring buffer on cpu %d: %v", cpu, err)
			unix.Close(fd)
			continue
		}
		tr.fdTracker.commit(fd)
		tr.roots = append(tr.roots, &source{
			kind: kindSample,
			cpu:  cpu,
			fd:   fd,
			attr: &attr,
			name: ring.Name,
			ring: ring,
		})
	}
}

// openUprobeSources opens one entry/return probe pair per (function, CPU)
// and consolidates every probe fd for a given CPU into that CPU's first
// entry-probe fd, per the sample classification design: entry and return
// attrs share a SampleType prefix (TID|TIME|CPU|STREAM_ID) with entry
// appending REGS_USER|STACK_USER afterward, so the return attr's layout can
// always decode that shared prefix regardless of which attr actually
// produced a given consolidated-buffer sample. StreamID identifies which
// function a sample belongs to; the dispatcher tells entry from return by
// record size.
func (tr *Tracer) openUprobeSources(config Config, cpus []int) {
	returnAttr := tr.baseAttr()
	returnAttr.Type = perf.PERF_TYPE_TRACEPOINT
	returnAttr.SampleType = perf.PERF_SAMPLE_TID | perf.PERF_SAMPLE_TIME | perf.PERF_SAMPLE_CPU | perf.PERF_SAMPLE_STREAM_ID
	returnAttr.Disabled = true

	entryAttr := tr.baseAttr()
	entryAttr.Type = perf.PERF_TYPE_TRACEPOINT
	entryAttr.SampleType = returnAttr.SampleType | perf.PERF_SAMPLE_REGS_USER | perf.PERF_SAMPLE_STACK_USER
	entryAttr.SampleRegsUser = perf.SampleRegsUserMask
	entryAttr.SampleStackUser = stackCaptureSize
	entryAttr.Disabled = true

	tr.probeReturnAttr = &returnAttr
	tr.probeEntryAttr = &entryAttr

	rootByCPU := make(map[int]int)

	for idx, fn := range config.InstrumentedFunctions {
		entryName := fmt.Sprintf("tracerd_entry_%d", idx)
		returnName := fmt.Sprintf("tracerd_return_%d", idx)

		if err := perf.WriteUprobeDefinition(tr.tracingDir, "tracerd", entryName, fn.BinaryPath, fn.FileOffset, false); err != nil {
			glog.Warningf("tracer: define uprobe %s: %v", entryName, err)
			continue
		}
		if err := perf.WriteUprobeDefinition(tr.tracingDir, "tracerd", returnName, fn.BinaryPath, fn.FileOffset, true); err != nil {
			glog.Warningf("tracer: define uretprobe %s: %v", returnName, err)
			perf.RemoveUprobeDefinition(tr.tracingDir, "tracerd", entryName)
			continue
		}

		entryID, _, err := perf.ResolveTracepoint(tr.tracingDir, "tracerd", entryName)
		if err != nil {
			glog.Warningf("tracer: resolve uprobe %s: %v", entryName, err)
			perf.RemoveUprobeDefinition(tr.tracingDir, "tracerd", entryName)
			perf.RemoveUprobeDefinition(tr.tracingDir, "tracerd", returnName)
			continue
		}
		returnID, _, err := perf.ResolveTracepoint(tr.tracingDir, "tracerd", returnName)
		if err != nil {
			glog.Warningf("tracer: resolve uretprobe %s: %v", returnName, err)
			perf.RemoveUprobeDefinition(tr.tracingDir, "tracerd", entryName)
			perf.RemoveUprobeDefinition(tr.tracingDir, "tracerd", returnName)
			continue
		}
		tr.uprobeDefs = append(tr.uprobeDefs,
			uprobeDef{group: "tracerd", event: entryName},
			uprobeDef{group: "tracerd", event: returnName})

		for _, cpu := range cpus {
			root, hasRoot := rootByCPU[cpu]

			eAttr := entryAttr
			eAttr.Config = entryID
			eFlags := uintptr(perf.PERF_FLAG_FD_CLOEXEC)
			eGroup := -1
			if hasRoot {
				eFlags |= perf.PERF_FLAG_FD_OUTPUT | perf.PERF_FLAG_FD_NO_GROUP
				eGroup = root
			}
			efd, err := perf.Open(&eAttr, config.Pid, cpu, eGroup, eFlags)
			if err != nil {
				glog.Warningf("tracer: open uprobe entry %s on cpu %d: %v", entryName, cpu, err)
				continue
			}

			rAttr := returnAttr
			rAttr.Config = returnID
			rGroup := root
			if !hasRoot {
				rGroup = efd
			}
			rfd, err := perf.Open(&rAttr, config.Pid, cpu, rGroup,
				perf.PERF_FLAG_FD_CLOEXEC|perf.PERF_FLAG_FD_OUTPUT|perf.PERF_FLAG_FD_NO_GROUP)
			if err != nil {
				glog.Warningf("tracer: open uretprobe %s on cpu %d: %v", returnName, cpu, err)
				unix.Close(efd)
				continue
			}

			eStreamID, _ := perf.GetID(efd)
			rStreamID, _ := perf.GetID(rfd)
			tr.streamFunc[eStreamID] = probeInfo{function: fn}
			tr.streamFunc[rStreamID] = probeInfo{function: fn}

			if !hasRoot {
				ring := &perf.RingBuffer{Name: fmt.Sprintf("uprobes[%d]", cpu)}
				if err := ring.Init(efd, ProbeBufferPages); err != nil {
					glog.Warningf("tracer: map uprobe ring buffer on cpu %d: %v", cpu, err)
					unix.Close(efd)
					unix.Close(rfd)
					continue
				}
				rootByCPU[cpu] = efd
				tr.fdTracker.commit(rfd)
				tr.fdTracker.commit(efd)
				tr.roots = append(tr.roots, &source{
					kind: kindUprobeEntry,
					cpu:  cpu,
					fd:   efd,
					attr: &entryAttr,
					name: ring.Name,
					ring: ring,
				})
			} else {
				tr.fdTracker.commit(rfd)
				tr.fdTracker.commit(efd)
			}
		}
	}
}

// openGPUSources opens the three GPU job lifecycle tracepoints on every CPU,
// consolidated one ring buffer per CPU (the submit tracepoint's fd becomes
// the root). Unlike uprobes, a single failure anywhere disables GPU tracing
// for the entire run: a partial join would silently drop one leg of every
// job's lifecycle rather than just one job.
func (tr *Tracer) openGPUSources(tracingDir string, cpus []int) {
	ids := make(map[gpujob.Phase]uint64, len(gpuTracepoints))
	formats := make(map[gpujob.Phase]perf.TraceEventFormat, len(gpuTracepoints))
	for _, spec := range gpuTracepoints {
		id, format, err := perf.ResolveTracepoint(tracingDir, spec.category, spec.name)
		if err != nil {
			glog.Warningf("tracer: %v: resolve %s:%s: %v", ErrGPUDisabled, spec.category, spec.name, err)
			return
		}
		ids[spec.phase] = id
		formats[spec.phase] = format
	}

	gpuAttr := tr.baseAttr()
	gpuAttr.Type = perf.PERF_TYPE_TRACEPOINT
	gpuAttr.SampleType = perf.PERF_SAMPLE_TID | perf.PERF_SAMPLE_TIME | perf.PERF_SAMPLE_CPU |
		perf.PERF_SAMPLE_STREAM_ID | perf.PERF_SAMPLE_RAW
	gpuAttr.Disabled = true
	tr.gpuAttr = &gpuAttr

	var opened []int
	var newRoots []*source
	streamPhase := make(map[uint64]gpujob.Phase)

	for _, cpu := range cpus {
		var rootFD int
		var cpuFDs []int

		for i, spec := range gpuTracepoints {
			attr := gpuAttr
			attr.Config = ids[spec.phase]

			group := -1
			flags := uintptr(perf.PERF_FLAG_FD_CLOEXEC)
			if i > 0 {
				group = rootFD
				flags |= perf.PERF_FLAG_FD_OUTPUT | perf.PERF_FLAG_FD_NO_GROUP
			}
			fd, err := perf.Open(&attr, -1, cpu, group, flags)
			if err != nil {
				glog.Warningf("tracer: %v: open %s:%s on cpu %d: %v", ErrGPUDisabled, spec.category, spec.name, cpu, err)
				for _, f := range cpuFDs {
					unix.Close(f)
				}
				for _, f := range opened {
					unix.Close(f)
				}
				unmapGPURoots(newRoots)
				return
			}
			cpuFDs = append(cpuFDs, fd)
			if i == 0 {
				rootFD = fd
			}
			streamID, _ := perf.GetID(fd)
			streamPhase[streamID] = spec.phase
		}

		ring := &perf.RingBuffer{Name: fmt.Sprintf("gpu[%d]", cpu)}
		if err := ring.Init(rootFD, GPUBufferPages); err != nil {
			glog.Warningf("tracer: %v: map gpu ring buffer on cpu %d: %v", ErrGPUDisabled, cpu, err)
			for _, f := range cpuFDs {
				unix.Close(f)
			}
			for _, f := range opened {
				unix.Close(f)
			}
			unmapGPURoots(newRoots)
			return
		}
		opened = append(opened, cpuFDs...)
		newRoots = append(newRoots, &source{
			kind: kindGPUTracepoint,
			cpu:  cpu,
			fd:   rootFD,
			name: ring.Name,
			ring: ring,
		})
	}

	for _, fd := range opened {
		tr.fdTracker.commit(fd)
	}
	tr.roots = append(tr.roots, newRoots...)
	tr.gpuFormats = formats
	for streamID, phase := range streamPhase {
		tr.gpuPhaseByStream[streamID] = phase
	}
}

// unmapGPURoots undoes ring.Init for every already-mapped root from an
// in-progress openGPUSources call before its fds are closed and the whole
// GPU source set is abandoned, so a failure partway through the per-CPU
// loop cannot leak the mappings opened for earlier CPUs.
func unmapGPURoots(roots []*source) {
	for _, root := range roots {
		if err := root.ring.Unmap(); err != nil {
			glog.Warningf("tracer: %v: unmap gpu ring buffer %s: %v", ErrGPUDisabled, root.name, err)
		}
	}
}

// removeUprobeDefs removes every uprobe_events definition the opener wrote,
// called from Wait after every fd referencing them has been closed.
func (tr *Tracer) removeUprobeDefs() {
	for _, def := range tr.uprobeDefs {
		if err := perf.RemoveUprobeDefinition(tr.tracingDir, def.group, def.event); err != nil {
			glog.V(2).Infof("tracer: remove uprobe definition %s/%s: %v", def.group, def.event, err)
		}
	}
	tr.uprobeDefs = nil
}
