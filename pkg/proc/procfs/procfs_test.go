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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, contents string) {
	t.Helper()
	full := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
	require.NoError(t, os.WriteFile(full, []byte(contents), 0644))
}

func TestNewFileSystemDefaultsToProc(t *testing.T) {
	fs, err := NewFileSystem("")
	require.NoError(t, err)
	assert.Equal(t, "/proc", fs.MountPoint)

	fs2, err := NewFileSystem("")
	require.NoError(t, err)
	assert.Same(t, fs, fs2, "empty mount point must return the memoized default instance")
}

func TestParseCPUListRangesAndSingles(t *testing.T) {
	n, err := parseCPUList("0-3\n")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = parseCPUList("0,2-3,7")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestNumCPUUsesPossibleCPUsFileWhenMountPointIsOverridden(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "sys/devices/system/cpu/possible", "0-3\n")
	fs := &FileSystem{MountPoint: root}
	assert.Equal(t, 4, fs.NumCPU())
}

func TestParseCPUSetListRangesAndSingles(t *testing.T) {
	cpus, err := parseCPUSetList("0-2,4")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 4}, cpus)

	cpus, err = parseCPUSetList("")
	require.NoError(t, err)
	assert.Nil(t, cpus)
}

func TestParseMountExtractsOptionalAndSuperOptions(t *testing.T) {
	line := `36 35 98:0 / /perf_event rw,nosuid shared:23 - cgroup cgroup rw,perf_event`
	m, err := parseMount(line)
	require.NoError(t, err)
	assert.Equal(t, uint(36), m.MountID)
	assert.Equal(t, uint(35), m.ParentID)
	assert.Equal(t, uint(98), m.Major)
	assert.Equal(t, uint(0), m.Minor)
	assert.Equal(t, "/perf_event", m.MountPoint)
	assert.Equal(t, "cgroup", m.FilesystemType)
	assert.Contains(t, m.OptionalFields, "shared")
	assert.Contains(t, m.SuperOptions, "perf_event")
}

const sampleMountinfo = `22 28 0:21 / /sys rw,nosuid - sysfs sysfs rw
23 22 0:6 / /sys/kernel/tracing rw,relatime - tracefs tracefs rw
36 35 98:0 / /sys/fs/cgroup/perf_event rw,nosuid shared:23 - cgroup cgroup rw,perf_event
37 35 98:1 / /sys/fs/cgroup/cpuset rw,nosuid shared:24 - cgroup cgroup rw,cpuset
`

func TestMountsAndDerivedDirs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "self/mountinfo", sampleMountinfo)
	fs := &FileSystem{MountPoint: root}

	mounts := fs.Mounts()
	require.Len(t, mounts, 4)

	assert.Equal(t, "/sys/kernel/tracing", fs.TracingDir())
	assert.Equal(t, "/sys/fs/cgroup/perf_event", fs.PerfEventDir())
	assert.Equal(t, "/sys/fs/cgroup/cpuset", fs.cpusetDir())
}

func TestTracingDirFallsBackToDebugfs(t *testing.T) {
	root := t.TempDir()
	mountinfo := `22 28 0:21 / /sys/kernel/debug rw,nosuid - debugfs debugfs rw
`
	writeFile(t, root, "self/mountinfo", mountinfo)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sys/kernel/debug/tracing/events"), 0755))
	fs := &FileSystem{MountPoint: root}

	assert.Equal(t, filepath.Join(root, "sys/kernel/debug/tracing"), fs.TracingDir())
}

func TestProcessMappingsParsesAddressesAndPath(t *testing.T) {
	root := t.TempDir()
	maps := `00400000-00452000 r-xp 00000000 08:02 173521 /bin/cat
7f8c5c000000-7f8c5c021000 rw-p 00000000 00:00 0
`
	writeFile(t, root, "123/maps", maps)
	fs := &FileSystem{MountPoint: root}

	mappings, err := fs.ProcessMappings(123)
	require.NoError(t, err)
	require.Len(t, mappings, 2)
	assert.Equal(t, uint64(0x400000), mappings[0].Start)
	assert.Equal(t, uint64(0x452000), mappings[0].End)
	assert.Equal(t, "/bin/cat", mappings[0].Path)
	assert.Empty(t, mappings[1].Path)
}

func TestTaskControlGroupsParsesIDControllersAndPath(t *testing.T) {
	root := t.TempDir()
	cgroup := `9:perf_event,cpuset:/docker/abc123
4:memory:/
`
	writeFile(t, root, "123/task/123/cgroup", cgroup)
	fs := &FileSystem{MountPoint: root}

	groups, err := fs.TaskControlGroups(123, 123)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, 9, groups[0].ID)
	assert.Equal(t, []string{"perf_event", "cpuset"}, groups[0].Controllers)
	assert.Equal(t, "/docker/abc123", groups[0].Path)
}
