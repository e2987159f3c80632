// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// This file defines the interface to access a Process state.

package process // import "go.opentelemetry.io/fpwalk/process"

import (
	"debug/elf"
	"io"
	"strings"

	"go.opentelemetry.io/fpwalk/libpf"
	"go.opentelemetry.io/fpwalk/remotememory"
)

// VdsoPathName is the path to use for VDSO mappings
const VdsoPathName = "linux-vdso.1.so"

// vdsoInode is the synthesized inode number for VDSO mappings
const vdsoInode = 50

// Mapping contains information about a memory mapping
type Mapping struct {
	// Vaddr is the virtual memory start for this mapping
	Vaddr uint64
	// Length is the length of the mapping
	Length uint64
	// Flags contains the mapping flags and permissions
	Flags elf.ProgFlag
	// FileOffset contains for file backed mappings the offset from the file start
	FileOffset uint64
	// Device holds the device ID where the file is located
	Device uint64
	// Inode holds the mapped file's inode number
	Inode uint64
	// Path contains the file name for file backed mappings
	Path string
}

func (m *Mapping) IsExecutable() bool {
	return m.Flags&elf.PF_X == elf.PF_X
}

func (m *Mapping) IsAnonymous() bool {
	return m.Path == "" || m.IsMemFD()
}

func (m *Mapping) IsMemFD() bool {
	return strings.HasPrefix(m.Path, "/memfd:")
}

func (m *Mapping) IsVDSO() bool {
	return m.Path == VdsoPathName
}

// Range returns the address range covered by the mapping.
func (m *Mapping) Range() libpf.AddressRange {
	return libpf.AddressRange{
		Low:  libpf.Address(m.Vaddr),
		High: libpf.Address(m.Vaddr + m.Length),
	}
}

// ThreadInfo contains the information about a thread CPU state needed for unwinding
type ThreadInfo struct {
	// GPRegs contains the CPU state (registers) for the thread in the
	// layout of the NT_PRSTATUS register set of the machine.
	GPRegs []byte
	// LWP is the Light Weight Process ID (thread ID)
	LWP uint32
}

// MachineData contains machine specific information about the process
type MachineData struct {
	// Machine is the Process Machine type
	Machine elf.Machine
	// CodePACMask contains the PAC mask for code pointers. ARM64 specific, otherwise 0.
	CodePACMask uint64
	// DataPACMask contains the PAC mask for data pointers. ARM64 specific, otherwise 0.
	DataPACMask uint64
}

// Process is the interface to inspect ELF coredump/process.
// The current implementations do not allow concurrent access to this interface
// from different goroutines. As an exception the returned GetRemoteMemory
// object and OpenELF are safe for concurrent use.
type Process interface {
	// PID returns the process identifier
	PID() libpf.PID

	// GetMachineData reads machine specific data from the target process
	GetMachineData() MachineData

	// GetMappings reads and parses process memory mappings
	GetMappings() ([]Mapping, uint32, error)

	// GetThreads reads the process thread states
	GetThreads() ([]ThreadInfo, error)

	// GetRemoteMemory returns a remote memory reader accessing the target process
	GetRemoteMemory() remotememory.RemoteMemory

	// OpenELF opens the ELF file backing a mapping path
	OpenELF(path string) (*elf.File, error)

	io.Closer
}
