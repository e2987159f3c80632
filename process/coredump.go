// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// This file implements Process interface to access coredump ELF files.

// For NT_FILE coredump mappings: https://www.gabriel.urdhr.fr/2015/05/29/core-file/

package process // import "go.opentelemetry.io/fpwalk/process"

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"go.opentelemetry.io/fpwalk/libpf"
	"go.opentelemetry.io/fpwalk/remotememory"
)

const (
	// maxNotesSection is the maximum section size for notes.
	maxNotesSection = 16 * 1024 * 1024
)

const (
	NAMESPACE_CORE  = "CORE\x00"
	NAMESPACE_LINUX = "LINUX\x00"

	NT_AUXV         elf.NType = 6
	NT_FILE         elf.NType = 0x46494c45
	NT_ARM_PAC_MASK elf.NType = 0x406

	AT_SYSINFO_EHDR = 33
)

// CoredumpProcess implements Process interface to ELF coredumps.
type CoredumpProcess struct {
	file *elf.File

	// closer is the file backing the ELF parser, if owned.
	closer io.Closer

	// SysRoot is prepended to mapping paths by OpenELF, allowing the
	// original binaries to be looked up outside of the root filesystem.
	SysRoot string

	// wordSize is the size of a target long in bytes.
	wordSize int

	// pid is the original PID from which the coredump was generated.
	pid libpf.PID

	// machineData contains the parsed machine data.
	machineData MachineData

	// mappings contains the parsed mappings.
	mappings []Mapping

	// threadInfo contains the parsed thread info.
	threadInfo []ThreadInfo

	remoteMemory remotememory.RemoteMemory
}

var _ Process = &CoredumpProcess{}

// noteHeader is the ELF note header. It has the same layout for both classes.
type noteHeader struct {
	Namesz, Descsz, Type uint32
}

// errCorruptNote is returned for notes that do not fit their PT_NOTE segment.
var errCorruptNote = errors.New("corrupt note")

// getAlignedBytes returns 'size' bytes from source reader, and progresses the
// reader by 'size' aligned to next 4 byte boundary. Used to parse notes.
// Sizes exceeding the remainder of the segment are rejected before allocating.
func getAlignedBytes(rdr *io.SectionReader, size uint32) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}
	pos, err := rdr.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	remaining := uint64(rdr.Size() - pos)
	if uint64(size) > remaining {
		return nil, fmt.Errorf("%w: %d bytes at offset %d, %d remaining",
			errCorruptNote, size, pos, remaining)
	}
	// The padding of the last note may be missing.
	alignedSize := min((uint64(size)+3)&^3, remaining)
	buf := make([]byte, alignedSize)
	if _, err := io.ReadFull(rdr, buf); err != nil {
		return nil, err
	}
	return buf[:size], nil
}

// OpenCoredump opens the named file as a coredump.
func OpenCoredump(name string) (*CoredumpProcess, error) {
	f, err := elf.Open(name)
	if err != nil {
		return nil, err
	}
	cd, err := newCoredump(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	cd.closer = f
	return cd, nil
}

// NewCoredump parses a coredump from r, e.g. a decompressed in-memory copy.
func NewCoredump(r io.ReaderAt) (*CoredumpProcess, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	return newCoredump(f)
}

// vaddrMappings is internally used during parsing of coredump structures.
// It's the value of a map indexed with mapping virtual address, and contains
// the index of the mapping created from the PT_LOAD header at that address.
type vaddrMappings struct {
	mappingIndex int
}

func newCoredump(f *elf.File) (*CoredumpProcess, error) {
	if f.Type != elf.ET_CORE {
		return nil, fmt.Errorf("not a coredump: %v", f.Type)
	}
	cd := &CoredumpProcess{
		file:       f,
		wordSize:   8,
		mappings:   make([]Mapping, 0, len(f.Progs)),
		threadInfo: make([]ThreadInfo, 0, 8),
	}
	if f.Class == elf.ELFCLASS32 {
		cd.wordSize = 4
	}
	cd.machineData.Machine = f.Machine

	vaddrToMappings := make(map[uint64]vaddrMappings)
	segments := make([]remotememory.Segment, 0, len(f.Progs))

	// First pass of program headers: get PT_LOAD base addresses. The PT_NOTE header is usually
	// before the PT_LOAD ones, so this needs to be done first.
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Flags == 0 {
			continue
		}
		vaddrToMappings[p.Vaddr] = vaddrMappings{mappingIndex: len(cd.mappings)}
		cd.mappings = append(cd.mappings, Mapping{
			Vaddr:  p.Vaddr,
			Length: p.Memsz,
			Flags:  p.Flags,
		})
		segments = append(segments, remotememory.Segment{
			Vaddr:  libpf.Address(p.Vaddr),
			Length: p.Memsz,
			Reader: p,
			Filesz: p.Filesz,
		})
	}
	cd.remoteMemory = remotememory.RemoteMemory{
		ReaderAt: remotememory.NewSegments(segments),
	}

	// Parse the coredump specific PT_NOTE program headers we are interested about.
	for _, p := range f.Progs {
		if p.Type != elf.PT_NOTE || p.Filesz == 0 {
			continue
		}
		if p.Filesz > maxNotesSection {
			return nil, fmt.Errorf("notes segment too large: %d bytes", p.Filesz)
		}
		if err := cd.parseNotes(io.NewSectionReader(p, 0, int64(p.Filesz)),
			vaddrToMappings); err != nil {
			return nil, err
		}
	}

	if cd.pid == 0 && len(cd.threadInfo) > 0 {
		// NT_PRPSINFO is only decoded for 64-bit cores, the first thread
		// of a process is its main thread.
		cd.pid = libpf.PID(cd.threadInfo[0].LWP)
	}
	return cd, nil
}

func (cd *CoredumpProcess) parseNotes(rdr *io.SectionReader, vaddrToMappings map[uint64]vaddrMappings) error {
	order := cd.file.ByteOrder
	var note noteHeader
	for {
		// Read the note header (name and size lengths), followed by reading
		// their contents. This code advances the position in 'rdr' and should
		// be kept together to parse the notes correctly.
		if err := binary.Read(rdr, order, &note); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read note header: %w", err)
		}
		nameBytes, err := getAlignedBytes(rdr, note.Namesz)
		if err != nil {
			return fmt.Errorf("failed to read note name: %w", err)
		}
		desc, err := getAlignedBytes(rdr, note.Descsz)
		if err != nil {
			return fmt.Errorf("failed to read note descriptor: %w", err)
		}

		// Parse the note if we are interested in it (skip others).
		ty := elf.NType(note.Type)
		switch string(nameBytes) {
		case NAMESPACE_CORE:
			switch ty {
			case NT_AUXV:
				cd.parseAuxVector(desc, vaddrToMappings)
			case elf.NT_PRPSINFO:
				cd.parseProcessInfo(desc)
			case elf.NT_PRSTATUS:
				err = cd.parseProcessStatus(desc)
			case NT_FILE:
				err = cd.parseMappings(desc, vaddrToMappings)
			}
		case NAMESPACE_LINUX:
			if ty == NT_ARM_PAC_MASK {
				err = cd.parseArmPacMask(desc)
			}
		}
		if err != nil {
			return err
		}
	}
}

// PID implements the Process interface.
func (cd *CoredumpProcess) PID() libpf.PID {
	return cd.pid
}

// GetMachineData implements the Process interface.
func (cd *CoredumpProcess) GetMachineData() MachineData {
	return cd.machineData
}

// GetMappings implements the Process interface.
func (cd *CoredumpProcess) GetMappings() ([]Mapping, uint32, error) {
	return cd.mappings, 0, nil
}

// GetThreads implements the Process interface.
func (cd *CoredumpProcess) GetThreads() ([]ThreadInfo, error) {
	return cd.threadInfo, nil
}

// GetRemoteMemory implements the Process interface.
func (cd *CoredumpProcess) GetRemoteMemory() remotememory.RemoteMemory {
	return cd.remoteMemory
}

// OpenELF implements the Process interface. Coredumps do not contain the
// backing files, so they are looked up below SysRoot.
func (cd *CoredumpProcess) OpenELF(path string) (*elf.File, error) {
	if path == VdsoPathName {
		return nil, errors.New("vdso is not backed by a file")
	}
	return elf.Open(filepath.Join(cd.SysRoot, path))
}

// Close implements the Process interface.
func (cd *CoredumpProcess) Close() error {
	if cd.closer != nil {
		return cd.closer.Close()
	}
	return nil
}

// word decodes the target long at the start of b.
func (cd *CoredumpProcess) word(b []byte) uint64 {
	if cd.wordSize == 4 {
		return uint64(cd.file.ByteOrder.Uint32(b))
	}
	return cd.file.ByteOrder.Uint64(b)
}

// parseMappings processes a CORE/NT_FILE note with the description of memory mappings.
// The note holds a {count, page_size} header and count {start, end, file_ofs}
// entries, all target longs, followed by count NUL terminated file names.
func (cd *CoredumpProcess) parseMappings(desc []byte,
	vaddrToMappings map[uint64]vaddrMappings) error {
	ws := uint64(cd.wordSize)
	hdrSize := 2 * ws
	entrySize := 3 * ws

	if uint64(len(desc)) < hdrSize {
		return errors.New("too small NT_FILE section")
	}
	entries := cd.word(desc)
	pageSize := cd.word(desc[ws:])
	if entries > uint64(len(desc))/entrySize {
		return errors.New("too small NT_FILE section")
	}
	offs := hdrSize + entries*entrySize
	// Check that we have at least data for the headers, and a zero terminator
	// byte for each of the per-entry filenames.
	if uint64(len(desc)) < offs+entries {
		return errors.New("too small NT_FILE section")
	}
	strs := desc[offs:]
	inodes := make(map[string]uint64)
	for i := range entries {
		entry := desc[hdrSize+i*entrySize:]
		start := cd.word(entry)
		fileOffset := cd.word(entry[2*ws:])

		fnlen := bytes.IndexByte(strs, 0)
		if fnlen < 0 {
			return fmt.Errorf("corrupt NT_FILE: no filename #%d", i+1)
		}
		path := trimMappingPath(string(strs[:fnlen]))
		strs = strs[fnlen+1:]

		inode, ok := inodes[path]
		if !ok {
			inode = uint64(len(inodes) + 1)
			inodes[path] = inode
		}
		if m, ok := vaddrToMappings[start]; ok {
			mapping := &cd.mappings[m.mappingIndex]
			mapping.Path = path
			mapping.FileOffset = fileOffset * pageSize
			// Synthesize non-zero device and inode indicating this is a filebacked mapping.
			mapping.Device = 1
			mapping.Inode = inode
		}
	}
	return nil
}

// parseAuxVector processes a CORE/NT_AUXV note.
func (cd *CoredumpProcess) parseAuxVector(desc []byte, vaddrToMappings map[uint64]vaddrMappings) {
	ws := cd.wordSize
	for i := 0; i+2*ws <= len(desc); i += 2 * ws {
		if cd.word(desc[i:]) != AT_SYSINFO_EHDR {
			continue
		}
		if m, ok := vaddrToMappings[cd.word(desc[i+ws:])]; ok {
			vm := &cd.mappings[m.mappingIndex]
			vm.Inode = vdsoInode
			vm.Path = VdsoPathName
		}
	}
}

// parseProcessInfo processes a CORE/NT_PRPSINFO note. Only the 64-bit
// struct elf_prpsinfo layout is decoded, where pr_pid is at offset 24.
func (cd *CoredumpProcess) parseProcessInfo(desc []byte) {
	const sizeofPrpsInfo64 = 136
	if len(desc) == sizeofPrpsInfo64 {
		cd.pid = libpf.PID(cd.file.ByteOrder.Uint32(desc[24:]))
	}
}

// parseProcessStatus processes a CORE/NT_PRSTATUS note.
func (cd *CoredumpProcess) parseProcessStatus(desc []byte) error {
	// The corresponding struct definition can be found here:
	// https://github.com/torvalds/linux/blob/49d766f3a0e4/include/linux/elfcore.h#L48
	//
	// This code just extracts the few bits we are interested in. Because the
	// structure varies depending on platform, and we don't want the ELF parser
	// to only be able to decode the structure for the host architecture, we
	// manually hardcode the struct offsets for each relevant platform.

	var sizeof, pidOffset, regStart, regEnd int
	switch cd.file.Machine {
	case elf.EM_X86_64:
		sizeof, pidOffset = 336, 32
		regStart, regEnd = 112, 328
	case elf.EM_AARCH64:
		sizeof, pidOffset = 392, 32
		regStart, regEnd = 112, 384
	case elf.EM_ARM:
		sizeof, pidOffset = 148, 24
		regStart, regEnd = 72, 144
	default:
		return fmt.Errorf("unsupported machine: %v", cd.file.Machine)
	}

	if len(desc) != sizeof {
		return fmt.Errorf("unsupported NT_PRSTATUS size: %d", len(desc))
	}

	cd.threadInfo = append(cd.threadInfo, ThreadInfo{
		LWP:    cd.file.ByteOrder.Uint32(desc[pidOffset:]),
		GPRegs: desc[regStart:regEnd],
	})
	return nil
}

// parseArmPacMask parses the ARM64 specific section containing the PAC masks.
func (cd *CoredumpProcess) parseArmPacMask(desc []byte) error {
	// https://github.com/torvalds/linux/blob/1d1df41c5a33/arch/arm64/include/uapi/asm/ptrace.h#L250

	if len(desc) != 16 {
		return fmt.Errorf("unexpected aarch pauth section size %d, expected 16", len(desc))
	}

	cd.machineData.DataPACMask = cd.file.ByteOrder.Uint64(desc[0:8])
	cd.machineData.CodePACMask = cd.file.ByteOrder.Uint64(desc[8:16])

	return nil
}
