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
	"bytes"
	"unsafe"

	"golang.org/x/sys/unix"
)

// splitCloexec remembers, for the lifetime of the process, whether this
// kernel rejects PERF_FLAG_FD_CLOEXEC combined with the other flags we pass.
// Older kernels return EINVAL in that case; once discovered we stop asking
// for it up front and apply O_CLOEXEC with a follow-up fcntl instead.
var splitCloexec bool

// Open is a thin wrapper over the perf_event_open(2) syscall. groupFD is
// either -1 (new group leader) or the fd of an already-open leader to join;
// joining a leader with PERF_FLAG_FD_OUTPUT set is how the ring buffer
// consolidation described by the opener is achieved, since the kernel then
// directs the new source's records into the leader's mmap'd buffer instead
// of allocating one of its own.
func Open(attr *EventAttr, pid, cpu, groupFD int, flags uintptr) (int, error) {
	buf := new(bytes.Buffer)
	if err := attr.Write(buf); err != nil {
		return -1, err
	}
	b := buf.Bytes()

	var doCloexec bool
	if splitCloexec && flags&PERF_FLAG_FD_CLOEXEC != 0 {
		doCloexec = true
		flags &^= PERF_FLAG_FD_CLOEXEC
	}

retry:
	fd, _, errno := unix.Syscall6(unix.SYS_PERF_EVENT_OPEN,
		uintptr(unsafe.Pointer(&b[0])), uintptr(pid), uintptr(cpu),
		uintptr(groupFD), flags, 0)
	if errno != 0 {
		if errno == unix.EINVAL && flags&PERF_FLAG_FD_CLOEXEC != 0 {
			flags &^= PERF_FLAG_FD_CLOEXEC
			splitCloexec = true
			doCloexec = true
			goto retry
		}
		return -1, errno
	}
	if doCloexec {
		if _, _, errno = unix.Syscall(unix.SYS_FCNTL, fd, uintptr(unix.F_SETFD), uintptr(unix.FD_CLOEXEC)); errno != 0 {
			unix.Close(int(fd))
			return -1, errno
		}
	}
	return int(fd), nil
}

// Enable issues the PERF_EVENT_IOC_ENABLE ioctl on fd.
func Enable(fd int) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), PERF_EVENT_IOC_ENABLE, 0); errno != 0 {
		return errno
	}
	return nil
}

// Disable issues the PERF_EVENT_IOC_DISABLE ioctl on fd.
func Disable(fd int) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), PERF_EVENT_IOC_DISABLE, 0); errno != 0 {
		return errno
	}
	return nil
}

// SetFilter issues the PERF_EVENT_IOC_SET_FILTER ioctl on fd.
func SetFilter(fd int, filter string) error {
	f, err := unix.BytePtrFromString(filter)
	if err != nil {
		return err
	}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), PERF_EVENT_IOC_SET_FILTER, uintptr(unsafe.Pointer(f))); errno != 0 {
		return errno
	}
	return nil
}

// SetOutput directs fd's records into outputFD's ring buffer, the
// alternative to group-leader redirection for a source that was already
// opened independently. The tracer's opener does not call it: it redirects
// at open time through the group fd and PERF_FLAG_FD_OUTPUT.
func SetOutput(fd, outputFD int) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), PERF_EVENT_IOC_SET_OUTPUT, uintptr(outputFD)); errno != 0 {
		return errno
	}
	return nil
}

// GetID issues the PERF_EVENT_IOC_ID ioctl on fd, returning the kernel's
// stream id for the source.
func GetID(fd int) (uint64, error) {
	id, err := unix.IoctlGetInt(fd, PERF_EVENT_IOC_ID)
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}
