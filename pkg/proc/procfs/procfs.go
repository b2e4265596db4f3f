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

// Package procfs implements proc.FileSystem by reading an actual procfs
// mount, defaulting to "/proc" but overridable for testing against a
// recorded tree.
package procfs

import (
	"fmt"
	"io/ioutil"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/golang/glog"
)

// FileSystem is a concrete proc.FileSystem backed by a mounted procfs tree.
type FileSystem struct {
	MountPoint string
}

var (
	defaultOnce sync.Once
	defaultFS   *FileSystem
)

// NewFileSystem returns a FileSystem rooted at mountPoint. An empty
// mountPoint selects the default "/proc", which is memoized so repeated
// calls with "" return the same instance.
func NewFileSystem(mountPoint string) (*FileSystem, error) {
	if mountPoint == "" {
		defaultOnce.Do(func() {
			defaultFS = &FileSystem{MountPoint: "/proc"}
		})
		return defaultFS, nil
	}
	return &FileSystem{MountPoint: mountPoint}, nil
}

// ReadFile reads a file relative to the filesystem's mount point.
func (fs *FileSystem) ReadFile(relativePath string) ([]byte, error) {
	return ioutil.ReadFile(filepath.Join(fs.MountPoint, relativePath))
}

// ReadFileOrPanic reads a file relative to the mount point, aborting the
// process on failure. Used for files the kernel guarantees to exist on any
// system with procfs mounted (e.g. self/mountinfo); their absence indicates
// a broken environment that cannot be recovered from.
func (fs *FileSystem) ReadFileOrPanic(relativePath string) []byte {
	data, err := fs.ReadFile(relativePath)
	if err != nil {
		glog.Fatalf("procfs: cannot read %s: %v", relativePath, err)
	}
	return data
}

// NumCPU returns the number of logical CPUs visible to this process. Unlike
// runtime.NumCPU, this reflects the value the tracer's CPU enumeration step
// should use even when GOMAXPROCS or a cpuset has reduced the scheduling
// set; it is also overridable indirectly via the mount point for tests.
func (fs *FileSystem) NumCPU() int {
	n, err := countPossibleCPUs(fs)
	if err == nil {
		return n
	}
	return runtime.NumCPU()
}

func countPossibleCPUs(fs *FileSystem) (int, error) {
	path := filepath.Join(fs.MountPoint, "sys/devices/system/cpu/possible")
	if fs.MountPoint == "/proc" {
		// On a real system sysfs is its own mount at /sys, not part of
		// the procfs tree.
		path = "/sys/devices/system/cpu/possible"
	}
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return parseCPUList(string(data))
}

// parseCPUList parses a kernel cpu-list string such as "0-3" or "0,2-3" and
// returns the count of CPUs it describes.
func parseCPUList(s string) (int, error) {
	count := 0
	var ranges []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				ranges = append(ranges, s[start:i])
			}
			start = i + 1
		}
	}
	for _, r := range ranges {
		r = trimSpaceAndNewline(r)
		if r == "" {
			continue
		}
		var lo, hi int
		if n, err := fmt.Sscanf(r, "%d-%d", &lo, &hi); err == nil && n == 2 {
			count += hi - lo + 1
			continue
		}
		if n, err := fmt.Sscanf(r, "%d", &lo); err == nil && n == 1 {
			count++
			continue
		}
		return 0, fmt.Errorf("procfs: unparseable cpu list segment %q", r)
	}
	return count, nil
}

func trimSpaceAndNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	for len(s) > 0 && (s[0] == ' ') {
		s = s[1:]
	}
	return s
}
