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
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/golang/glog"
)

// TraceEventField describes one field of a tracepoint's format, enough to
// locate it within a raw sample's PERF_SAMPLE_RAW payload. This engine only
// ever needs field offset/size (to pull timeline/context/seqno out of the
// three GPU tracepoints), not the full typed expression-evaluation surface a
// filtering DSL would need.
type TraceEventField struct {
	Name   string
	Offset int
	Size   int
}

// TraceEventFormat is a tracepoint's field table, keyed by field name.
type TraceEventFormat map[string]TraceEventField

// ResolveTracepoint reads <tracingDir>/events/<category>/<name>/format and
// returns the tracepoint's perf config id (used as EventAttr.Config when
// opening a PERF_TYPE_TRACEPOINT source) and its field table.
func ResolveTracepoint(tracingDir, category, name string) (uint64, TraceEventFormat, error) {
	filename := filepath.Join(tracingDir, "events", category, name, "format")
	file, err := os.OpenFile(filename, os.O_RDONLY, 0)
	if err != nil {
		return 0, nil, err
	}
	defer file.Close()
	return readTraceEventFormat(file)
}

func readTraceEventFormat(reader io.Reader) (uint64, TraceEventFormat, error) {
	var (
		id       uint64
		inFormat bool
	)
	fields := make(TraceEventFormat)
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		rawLine := scanner.Text()
		line := strings.TrimSpace(rawLine)
		if line == "" {
			continue
		}
		switch {
		case inFormat:
			if len(rawLine) == 0 || !unicode.IsSpace(rune(rawLine[0])) {
				inFormat = false
				continue
			}
			field, err := parseTraceEventField(line)
			if err != nil {
				glog.Infof("perf: couldn't parse trace event field %q: %v", line, err)
				continue
			}
			fields[field.Name] = field
		case strings.HasPrefix(line, "format:"):
			inFormat = true
		case strings.HasPrefix(line, "ID:"):
			v, err := strconv.ParseUint(strings.TrimSpace(line[3:]), 10, 64)
			if err != nil {
				return 0, nil, err
			}
			id = v
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, nil, err
	}
	return id, fields, nil
}

// parseTraceEventField parses one "field:..." line of a tracepoint format
// file, e.g.:
//
//	field:unsigned long context;    offset:16;      size:8; signed:0;
func parseTraceEventField(line string) (TraceEventField, error) {
	var field TraceEventField
	parts := strings.Split(line, ";")
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			continue
		}
		key, value := strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])
		switch key {
		case "field":
			name := value
			if idx := strings.LastIndexAny(name, " \t*"); idx >= 0 {
				name = name[idx+1:]
			}
			name = strings.TrimSuffix(name, "]")
			if idx := strings.IndexByte(name, '['); idx >= 0 {
				name = name[:idx]
			}
			field.Name = name
		case "offset":
			n, err := strconv.Atoi(value)
			if err != nil {
				return field, err
			}
			field.Offset = n
		case "size":
			n, err := strconv.Atoi(value)
			if err != nil {
				return field, err
			}
			field.Size = n
		}
	}
	if field.Name == "" {
		return field, fmt.Errorf("perf: unparseable field line %q", line)
	}
	return field, nil
}

// FieldUint64 extracts a little-endian unsigned integer field of the given
// width (1, 2, 4, or 8 bytes) from a raw tracepoint sample payload.
func (f TraceEventFormat) FieldUint64(raw []byte, name string) (uint64, bool) {
	field, ok := f[name]
	if !ok || field.Offset+field.Size > len(raw) {
		return 0, false
	}
	var v uint64
	for i := 0; i < field.Size; i++ {
		v |= uint64(raw[field.Offset+i]) << (8 * uint(i))
	}
	return v, true
}

// WriteUprobeDefinition writes a "p:" (entry) or "r:" (return) uprobe
// definition to <tracingDir>/uprobe_events, the tracefs control file the
// kernel uses to dynamically register probes by binary path and file
// offset.
func WriteUprobeDefinition(tracingDir, group, eventName, binaryPath string, fileOffset uint64, isReturn bool) error {
	prefix := "p"
	if isReturn {
		prefix = "r"
	}
	def := fmt.Sprintf("%s:%s/%s %s:0x%x\n", prefix, group, eventName, binaryPath, fileOffset)
	f, err := os.OpenFile(filepath.Join(tracingDir, "uprobe_events"), os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(def)
	return err
}

// RemoveUprobeDefinition removes a previously-written uprobe definition.
func RemoveUprobeDefinition(tracingDir, group, eventName string) error {
	def := fmt.Sprintf("-:%s/%s\n", group, eventName)
	f, err := os.OpenFile(filepath.Join(tracingDir, "uprobe_events"), os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(def)
	return err
}
