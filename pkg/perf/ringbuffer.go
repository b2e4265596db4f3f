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
	"encoding/binary"
	"errors"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrIncompatibleRingBuffer is returned by RingBuffer.Init when the kernel's
// mmap'd metadata page reports a struct layout version this reader does not
// understand.
var ErrIncompatibleRingBuffer = errors.New("perf: incompatible ring buffer memory layout version")

// metadata mirrors the kernel's struct perf_event_mmap_page, the first page
// of every perf ring buffer mapping.
type metadata struct {
	Version       uint32
	CompatVersion uint32
	Lock          uint32
	Index         uint32
	Offset        int64
	TimeEnabled   uint64
	TimeRunning   uint64
	Capabilities  uint64
	PMCWidth      uint16
	TimeWidth     uint16
	TimeMult      uint32
	TimeOffset    uint64
	_             [120]uint64
	DataHead      uint64
	DataTail      uint64
	DataOffset    uint64
	DataSize      uint64
	AuxHead       uint64
	AuxTail       uint64
	AuxOffset     uint64
	AuxSize       uint64
}

// Header is the 8-byte perf_event_header every record begins with.
type Header struct {
	Type uint32
	Misc uint16
	Size uint16
}

// RingBuffer is a memory-mapped perf ring buffer reader. It does not own its
// underlying fd: the fd set tracked by the opener owns that lifetime, since a
// redirected source's fd has no ring buffer of its own to unmap. RingBuffer
// only owns the mmap'd region.
//
// RingBuffer is not safe for concurrent use; it is read exclusively by the
// dispatcher thread, per the engine's single-consumer design.
type RingBuffer struct {
	Name string

	memory   []byte
	metadata *metadata
	data     []byte

	// linear holds a linearized copy of the current record, valid only
	// between a ReadHeader call and the next ConsumeRecord/SkipRecord.
	linear []byte
}

// Init maps pageCount+1 pages (one metadata page plus pageCount data pages)
// of fd and validates the metadata layout version.
func (rb *RingBuffer) Init(fd int, pageCount int) error {
	if rb.memory != nil {
		return unix.EALREADY
	}

	pageSize := os.Getpagesize()
	memory, err := unix.Mmap(fd, 0, (pageCount+1)*pageSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return err
	}

	rb.memory = memory
	rb.metadata = (*metadata)(unsafe.Pointer(&memory[0]))
	rb.data = memory[pageSize:]

	for {
		seq := atomic.LoadUint32(&rb.metadata.Lock)
		if seq%2 != 0 {
			continue
		}
		version := atomic.LoadUint32(&rb.metadata.Version)
		compatVersion := atomic.LoadUint32(&rb.metadata.CompatVersion)
		if atomic.LoadUint32(&rb.metadata.Lock) != seq {
			continue
		}
		if version != 0 || compatVersion != 0 {
			rb.Unmap()
			return ErrIncompatibleRingBuffer
		}
		break
	}
	return nil
}

// NewRingBufferForTesting builds a RingBuffer directly over buf, bypassing
// Init's real mmap, for callers in other packages that need to hand a
// dispatcher a ring buffer containing hand-built records without a real
// perf_event fd.
func NewRingBufferForTesting(buf []byte, dataHead, dataTail uint64) *RingBuffer {
	return &RingBuffer{
		metadata: &metadata{DataHead: dataHead, DataTail: dataTail},
		data:     buf,
	}
}

// Unmap releases the mmap'd region. It is idempotent.
func (rb *RingBuffer) Unmap() error {
	if rb.memory != nil {
		if err := unix.Munmap(rb.memory); err != nil {
			return err
		}
		rb.memory = nil
		rb.metadata = nil
		rb.data = nil
		rb.linear = nil
	}
	return nil
}

// HasData reports whether the producer has written records the consumer has
// not yet consumed.
func (rb *RingBuffer) HasData() bool {
	dataTail := rb.metadata.DataTail
	dataHead := atomic.LoadUint64(&rb.metadata.DataHead)
	return dataHead > dataTail
}

// linearize copies the first n bytes following the current tail into a
// contiguous scratch buffer, handling the wrap-around case. It never
// advances the tail; that only happens in ConsumeRecord/SkipRecord.
func (rb *RingBuffer) linearize(n int) []byte {
	dataTail := rb.metadata.DataTail
	bufLen := uint64(len(rb.data))
	begin := int(dataTail % bufLen)

	out := make([]byte, n)
	if begin+n <= len(rb.data) {
		copy(out, rb.data[begin:begin+n])
	} else {
		first := len(rb.data) - begin
		copy(out, rb.data[begin:])
		copy(out[first:], rb.data[:n-first])
	}
	return out
}

// ReadHeader peeks the next record's header without advancing the tail.
// Callers must only invoke it when HasData reports true.
func (rb *RingBuffer) ReadHeader() Header {
	b := rb.linearize(sizeofEventHeader)
	return Header{
		Type: binary.LittleEndian.Uint32(b[0:4]),
		Misc: binary.LittleEndian.Uint16(b[4:6]),
		Size: binary.LittleEndian.Uint16(b[6:8]),
	}
}

// PeekField reads a single field at byte offset off (from the start of the
// record, header included) without advancing the tail or materializing the
// whole record. It is used to inspect e.g. an mmap record's pid before
// deciding whether the record is worth copying out in full.
func (rb *RingBuffer) PeekField(off, size int) []byte {
	b := rb.linearize(off + size)
	return b[off : off+size]
}

// ConsumeRecord copies exactly header.Size bytes into a contiguous buffer
// and advances the tail past the record.
func (rb *RingBuffer) ConsumeRecord(h Header) []byte {
	b := rb.linearize(int(h.Size))
	rb.advance(uint64(h.Size))
	return b
}

// SkipRecord advances the tail past the record without copying its bytes.
func (rb *RingBuffer) SkipRecord(h Header) {
	rb.advance(uint64(h.Size))
}

func (rb *RingBuffer) advance(n uint64) {
	dataTail := rb.metadata.DataTail + n
	atomic.StoreUint64(&rb.metadata.DataTail, dataTail)
}
