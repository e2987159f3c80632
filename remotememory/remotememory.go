// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// remotememory provides bounds checked access to the memory of an unwind
// target. The io.ReaderAt interface is used for the basic access, and
// RemoteMemory layers the valid address range and word sized reads on top.
package remotememory // import "go.opentelemetry.io/fpwalk/remotememory"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/fpwalk/libpf"
)

var (
	// ErrOutOfBounds is returned when a read falls outside the configured
	// valid address range. Reaching it is an expected way for a walk to end.
	ErrOutOfBounds = errors.New("address out of bounds")

	// ErrUnreadable is returned when the underlying medium cannot service a
	// read, e.g. an unmapped page or a region missing from a dump.
	ErrUnreadable = errors.New("memory unreadable")
)

// RemoteMemory implements bounds checked reads on top of an io.ReaderAt.
type RemoteMemory struct {
	io.ReaderAt
	// Bounds is the valid address range. The zero value accepts any address,
	// which is what code reads use.
	Bounds libpf.AddressRange
}

// WithBounds returns a copy of rm restricted to r.
func (rm RemoteMemory) WithBounds(r libpf.AddressRange) RemoteMemory {
	rm.Bounds = r
	return rm
}

// Read fills slice p[] with data from remote memory at address addr.
func (rm RemoteMemory) Read(addr libpf.Address, p []byte) error {
	if !rm.Bounds.ContainsSpan(addr, uint64(len(p))) {
		return fmt.Errorf("read of %d bytes at %v outside %v: %w",
			len(p), addr, rm.Bounds, ErrOutOfBounds)
	}
	if rm.ReaderAt == nil {
		return fmt.Errorf("read at %v: no backing memory: %w", addr, ErrUnreadable)
	}
	if uint64(addr) > uint64(1<<63-1) {
		// io.ReaderAt offsets are signed.
		return fmt.Errorf("read at %v: %w", addr, ErrUnreadable)
	}
	n, err := rm.ReadAt(p, int64(addr))
	if n == len(p) {
		// io.ReaderAt may return io.EOF along with a full read.
		return nil
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("read of %d bytes at %v returned %d: %w: %w",
		len(p), addr, n, ErrUnreadable, err)
}

// Word reads a little endian unsigned integer of the given width (4 or 8 bytes).
func (rm RemoteMemory) Word(addr libpf.Address, width int) (uint64, error) {
	var buf [8]byte
	switch width {
	case 4:
		if err := rm.Read(addr, buf[:4]); err != nil {
			return 0, err
		}
		return uint64(binary.LittleEndian.Uint32(buf[:4])), nil
	case 8:
		if err := rm.Read(addr, buf[:]); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint64(buf[:]), nil
	default:
		return 0, fmt.Errorf("unsupported word width %d", width)
	}
}

// ProcessVirtualMemory implements RemoteMemory by using process_vm_readv syscalls
// to read the remote memory.
type ProcessVirtualMemory struct {
	pid libpf.PID
}

// NewProcessVirtualMemory returns ProcessVirtualMemory implementation of RemoteMemory.
func NewProcessVirtualMemory(pid libpf.PID) RemoteMemory {
	return RemoteMemory{ReaderAt: ProcessVirtualMemory{pid}}
}
