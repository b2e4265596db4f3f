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

// Package proc defines the abstract view of procfs that the tracer engine's
// source opener needs: CPU enumeration, tracefs/cgroup mountpoint discovery,
// and per-task memory mapping and cpuset lookups. A real implementation
// reads /proc directly (see pkg/proc/procfs); tests supply a fake.
package proc

// Mount describes one entry of /proc/self/mountinfo.
type Mount struct {
	MountID        uint
	ParentID       uint
	Major          uint
	Minor          uint
	Root           string
	MountPoint     string
	MountOptions   []string
	OptionalFields map[string]string
	FilesystemType string
	MountSource    string
	SuperOptions   map[string]string
}

// MemoryMapping describes one entry of /proc/<pid>/maps.
type MemoryMapping struct {
	Start uint64
	End   uint64
	Path  string
}

// ControlGroup describes one entry of /proc/<pid>/cgroup.
type ControlGroup struct {
	ID          int
	Controllers []string
	Path        string
}

// FileSystem is the procfs surface the tracer engine's opener and proc
// correlators depend on.
type FileSystem interface {
	// NumCPU returns the number of CPUs the kernel reports as possible,
	// used to enumerate all_cpus.
	NumCPU() int

	// Mounts returns the currently mounted filesystems.
	Mounts() []Mount

	// TracingDir returns the tracefs (or debugfs fallback) mountpoint
	// used to control uprobes and read tracepoint formats. Returns the
	// empty string if none is mounted.
	TracingDir() string

	// PerfEventDir returns the perf_event cgroup mountpoint, or the
	// empty string if none is mounted.
	PerfEventDir() string

	// ProcessMappings returns the memory mappings of the given pid, in
	// the order they appear in /proc/<pid>/maps.
	ProcessMappings(pid int) ([]MemoryMapping, error)

	// TaskControlGroups returns the cgroup memberships of the given
	// tgid/pid task.
	TaskControlGroups(tgid, pid int) ([]ControlGroup, error)

	// Cpuset returns the CPUs in the cpuset cgroup controller that the
	// given pid is a member of, as used by the source opener to restrict
	// per-pid sources to cpuset_cpus. Returns an error if the pid has no
	// cpuset controller membership (e.g. cgroups are not mounted).
	Cpuset(pid int) ([]int, error)
}
