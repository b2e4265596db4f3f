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
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/orbitless/tracerd/pkg/proc"

	"github.com/golang/glog"
)

func parseMount(line string) (proc.Mount, error) {
	fields := strings.Fields(line)

	mountID, err := strconv.Atoi(fields[0])
	if err != nil {
		return proc.Mount{}, fmt.Errorf("couldn't parse mountID %q", fields[0])
	}

	parentID, err := strconv.Atoi(fields[1])
	if err != nil {
		return proc.Mount{}, fmt.Errorf("couldn't parse parentID %q", fields[1])
	}

	mm := strings.Split(fields[2], ":")
	major, err := strconv.Atoi(mm[0])
	if err != nil {
		return proc.Mount{}, fmt.Errorf("couldn't parse major %q", mm[0])
	}

	minor, err := strconv.Atoi(mm[1])
	if err != nil {
		return proc.Mount{}, fmt.Errorf("couldn't parse minor %q", mm[1])
	}

	mountOptions := strings.Split(fields[5], ",")

	optionalFieldsMap := make(map[string]string)
	var i int
	for i = 6; fields[i] != "-"; i++ {
		tagValue := strings.Split(fields[i], ":")
		if len(tagValue) == 1 {
			optionalFieldsMap[tagValue[0]] = ""
		} else {
			optionalFieldsMap[tagValue[0]] = strings.Join(tagValue[1:], ":")
		}
	}

	filesystemType := fields[i+1]
	mountSource := fields[i+2]
	superOptions := fields[i+3]

	superOptionsMap := make(map[string]string)
	for _, option := range strings.Split(superOptions, ",") {
		nameValue := strings.Split(option, "=")
		if len(nameValue) == 1 {
			superOptionsMap[nameValue[0]] = ""
		} else {
			superOptionsMap[nameValue[0]] = strings.Join(nameValue[1:], ":")
		}
	}

	return proc.Mount{
		MountID:        uint(mountID),
		ParentID:       uint(parentID),
		Major:          uint(major),
		Minor:          uint(minor),
		Root:           fields[3],
		MountPoint:     fields[4],
		MountOptions:   mountOptions,
		OptionalFields: optionalFieldsMap,
		FilesystemType: filesystemType,
		MountSource:    mountSource,
		SuperOptions:   superOptionsMap,
	}, nil
}

// Mounts returns the list of currently mounted filesystems.
func (fs *FileSystem) Mounts() []proc.Mount {
	var mounts []proc.Mount

	data := string(fs.ReadFileOrPanic("self/mountinfo"))
	scanner := bufio.NewScanner(strings.NewReader(data))
	for scanner.Scan() {
		if m, err := parseMount(scanner.Text()); err != nil {
			glog.Fatal(err)
		} else {
			mounts = append(mounts, m)
		}
	}
	if err := scanner.Err(); err != nil {
		glog.Fatal(err)
	}

	return mounts
}

// PerfEventDir returns the perf_event cgroup mountpoint, or the empty
// string if none is mounted.
func (fs *FileSystem) PerfEventDir() string {
	for _, mi := range fs.Mounts() {
		if mi.FilesystemType == "cgroup" {
			for option := range mi.SuperOptions {
				if option == "perf_event" {
					return mi.MountPoint
				}
			}
		}
	}
	return ""
}

// cpusetDir returns the cpuset cgroup mountpoint, or the empty string if
// none is mounted.
func (fs *FileSystem) cpusetDir() string {
	for _, mi := range fs.Mounts() {
		if mi.FilesystemType == "cgroup" {
			for option := range mi.SuperOptions {
				if option == "cpuset" {
					return mi.MountPoint
				}
			}
		}
	}
	return ""
}

// TracingDir returns the tracefs mountpoint to use to control the Linux
// kernel trace event subsystem, falling back to a debugfs "tracing"
// subdirectory on older kernels. Returns the empty string if neither is
// mounted.
func (fs *FileSystem) TracingDir() string {
	mounts := fs.Mounts()

	for _, m := range mounts {
		if m.FilesystemType == "tracefs" {
			glog.V(1).Infof("procfs: found tracefs at %s", m.MountPoint)
			return m.MountPoint
		}
	}

	for _, m := range mounts {
		if m.FilesystemType == "debugfs" {
			d := filepath.Join(m.MountPoint, "tracing")
			s, err := os.Stat(filepath.Join(d, "events"))
			if err == nil && s.IsDir() {
				glog.V(1).Infof("procfs: found debugfs w/ tracing at %s", d)
				return d
			}
		}
	}

	return ""
}
