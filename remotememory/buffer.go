// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package remotememory // import "go.opentelemetry.io/fpwalk/remotememory"

import (
	"fmt"
	"io"
	"sort"

	"go.opentelemetry.io/fpwalk/libpf"
)

// Buffer is an io.ReaderAt over a memory image captured at Base, such as a
// raw stack dump. Offsets passed to ReadAt are absolute target addresses.
type Buffer struct {
	Base libpf.Address
	Data []byte
}

var _ io.ReaderAt = Buffer{}

// Range returns the address range covered by the buffer.
func (b Buffer) Range() libpf.AddressRange {
	return libpf.AddressRange{Low: b.Base, High: b.Base + libpf.Address(len(b.Data))}
}

func (b Buffer) ReadAt(p []byte, off int64) (int, error) {
	addr := libpf.Address(off)
	if addr < b.Base || addr-b.Base >= libpf.Address(len(b.Data)) {
		return 0, fmt.Errorf("address 0x%x not in buffer %v", off, b.Range())
	}
	n := copy(p, b.Data[addr-b.Base:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// NewBuffer returns a RemoteMemory reading from data mapped at base and
// bounded to it.
func NewBuffer(base libpf.Address, data []byte) RemoteMemory {
	b := Buffer{Base: base, Data: data}
	return RemoteMemory{ReaderAt: b, Bounds: b.Range()}
}

// Segment is one contiguous memory region of a Segments reader.
type Segment struct {
	Vaddr  libpf.Address
	Length uint64
	// Reader provides the segment contents; offset 0 corresponds to Vaddr.
	Reader io.ReaderAt
	// Filesz is the number of bytes actually backed by Reader. Bytes past
	// Filesz but within Length are not available.
	Filesz uint64
}

// Segments is an io.ReaderAt composed of non-overlapping segments, e.g. the
// PT_LOAD headers of a coredump. A read must be satisfied by one segment.
type Segments struct {
	segs []Segment
}

var _ io.ReaderAt = (*Segments)(nil)

// NewSegments builds a Segments reader. The input slice is copied.
func NewSegments(segs []Segment) *Segments {
	s := &Segments{segs: append([]Segment(nil), segs...)}
	sort.Slice(s.segs, func(i, j int) bool {
		return s.segs[i].Vaddr < s.segs[j].Vaddr
	})
	return s
}

func (s *Segments) ReadAt(p []byte, off int64) (int, error) {
	addr := libpf.Address(off)
	idx := sort.Search(len(s.segs), func(i int) bool {
		return s.segs[i].Vaddr > addr
	}) - 1
	if idx < 0 {
		return 0, fmt.Errorf("address 0x%x not in any segment", off)
	}
	seg := &s.segs[idx]
	rel := uint64(addr - seg.Vaddr)
	if rel+uint64(len(p)) > seg.Filesz {
		return 0, fmt.Errorf("address 0x%x (%d bytes) not backed by segment at %v",
			off, len(p), seg.Vaddr)
	}
	return seg.Reader.ReadAt(p, int64(rel))
}
