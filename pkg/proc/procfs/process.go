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
	"strconv"
	"strings"

	"github.com/orbitless/tracerd/pkg/proc"
)

// ProcessMappings returns the memory mappings of pid, in the order they
// appear in /proc/<pid>/maps.
func (fs *FileSystem) ProcessMappings(pid int) ([]proc.MemoryMapping, error) {
	data, err := fs.ReadFile(fmt.Sprintf("%d/maps", pid))
	if err != nil {
		return nil, err
	}

	var mappings []proc.MemoryMapping
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		addrs := strings.Split(fields[0], "-")
		if len(addrs) != 2 {
			continue
		}
		start, err := strconv.ParseUint(addrs[0], 16, 64)
		if err != nil {
			return nil, err
		}
		end, err := strconv.ParseUint(addrs[1], 16, 64)
		if err != nil {
			return nil, err
		}
		var path string
		if len(fields) > 5 {
			path = strings.Join(fields[5:], " ")
		}
		mappings = append(mappings, proc.MemoryMapping{
			Start: start,
			End:   end,
			Path:  path,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return mappings, nil
}

// TaskControlGroups returns the cgroup memberships of the tgid/pid task, as
// recorded in /proc/<tgid>/task/<pid>/cgroup.
func (fs *FileSystem) TaskControlGroups(tgid, pid int) ([]proc.ControlGroup, error) {
	data, err := fs.ReadFile(fmt.Sprintf("%d/task/%d/cgroup", tgid, pid))
	if err != nil {
		return nil, err
	}

	var groups []proc.ControlGroup
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.SplitN(line, ":", 3)
		if len(fields) != 3 {
			continue
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, err
		}
		var controllers []string
		if fields[1] != "" {
			controllers = strings.Split(fields[1], ",")
		}
		groups = append(groups, proc.ControlGroup{
			ID:          id,
			Controllers: controllers,
			Path:        fields[2],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return groups, nil
}
