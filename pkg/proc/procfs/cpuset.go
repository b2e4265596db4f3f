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

package procfs

import (
	"fmt"
	"io/ioutil"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Cpuset returns the CPUs in the cpuset cgroup controller pid belongs to,
// read from <cpusetMount>/<path>/cpuset.cpus. The source opener uses this
// to scope per-pid sources (mmap/task notification, call-stack sampling,
// and instrumented-function probes) to cpuset_cpus rather than all_cpus.
func (fs *FileSystem) Cpuset(pid int) ([]int, error) {
	groups, err := fs.TaskControlGroups(pid, pid)
	if err != nil {
		return nil, err
	}

	var cgroupPath string
	found := false
	for _, g := range groups {
		for _, c := range g.Controllers {
			if c == "cpuset" {
				cgroupPath = g.Path
				found = true
			}
		}
	}
	if !found {
		return nil, unix.ENOENT
	}

	mount := fs.cpusetDir()
	if mount == "" {
		return nil, unix.ENOENT
	}

	// The cpuset controller lives on its own cgroup mount, entirely
	// independent of this FileSystem's procfs mount point, so it is read
	// directly rather than through fs.ReadFile.
	data, err := ioutil.ReadFile(filepath.Join(mount, cgroupPath, "cpuset.cpus"))
	if err != nil {
		return nil, err
	}

	return parseCPUSetList(strings.TrimSpace(string(data)))
}

// parseCPUSetList parses a cgroup cpuset.cpus value such as "0-2,4" into the
// explicit list of CPU numbers it names.
func parseCPUSetList(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var cpus []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if idx := strings.IndexByte(part, '-'); idx >= 0 {
			lo, err := strconv.Atoi(part[:idx])
			if err != nil {
				return nil, fmt.Errorf("procfs: bad cpuset range %q: %w", part, err)
			}
			hi, err := strconv.Atoi(part[idx+1:])
			if err != nil {
				return nil, fmt.Errorf("procfs: bad cpuset range %q: %w", part, err)
			}
			for cpu := lo; cpu <= hi; cpu++ {
				cpus = append(cpus, cpu)
			}
			continue
		}
		cpu, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("procfs: bad cpuset entry %q: %w", part, err)
		}
		cpus = append(cpus, cpu)
	}
	return cpus, nil
}
