// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/fpwalk/arch"
	"go.opentelemetry.io/fpwalk/fpunwind"
	"go.opentelemetry.io/fpwalk/libpf"
	"go.opentelemetry.io/fpwalk/remotememory"
)

type coreNote struct {
	name string
	typ  elf.NType
	desc []byte
}

type coreSegment struct {
	vaddr uint64
	memsz uint64
	flags elf.ProgFlag
	data  []byte
}

func pad4(b []byte) []byte {
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	return b
}

func encodeNotes(notes []coreNote) []byte {
	var buf bytes.Buffer
	for _, n := range notes {
		name := n.name + "\x00"
		_ = binary.Write(&buf, binary.LittleEndian, noteHeader{
			Namesz: uint32(len(name)),
			Descsz: uint32(len(n.desc)),
			Type:   uint32(n.typ),
		})
		buf.Write(pad4([]byte(name)))
		buf.Write(pad4(append([]byte(nil), n.desc...)))
	}
	return buf.Bytes()
}

// buildCore assembles a minimal little-endian ELF core file with one PT_NOTE
// header followed by the given PT_LOAD segments.
func buildCore(class elf.Class, machine elf.Machine, notes []coreNote,
	segs []coreSegment) []byte {
	noteData := encodeNotes(notes)

	ehsize, phentsize := 64, 56
	if class == elf.ELFCLASS32 {
		ehsize, phentsize = 52, 32
	}
	phnum := 1 + len(segs)
	off := uint64(ehsize + phnum*phentsize)

	type prog struct {
		typ          elf.ProgType
		flags        elf.ProgFlag
		off, vaddr   uint64
		filesz, mems uint64
	}
	progs := []prog{{typ: elf.PT_NOTE, off: off, filesz: uint64(len(noteData))}}
	off += uint64(len(noteData))
	for _, s := range segs {
		progs = append(progs, prog{
			typ: elf.PT_LOAD, flags: s.flags, off: off, vaddr: s.vaddr,
			filesz: uint64(len(s.data)), mems: s.memsz,
		})
		off += uint64(len(s.data))
	}

	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(class)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var buf bytes.Buffer
	le := binary.LittleEndian
	if class == elf.ELFCLASS32 {
		_ = binary.Write(&buf, le, elf.Header32{
			Ident: ident, Type: uint16(elf.ET_CORE), Machine: uint16(machine),
			Version: uint32(elf.EV_CURRENT), Phoff: uint32(ehsize),
			Ehsize: uint16(ehsize), Phentsize: uint16(phentsize), Phnum: uint16(phnum),
		})
		for _, p := range progs {
			_ = binary.Write(&buf, le, elf.Prog32{
				Type: uint32(p.typ), Flags: uint32(p.flags), Off: uint32(p.off),
				Vaddr: uint32(p.vaddr), Filesz: uint32(p.filesz), Memsz: uint32(p.mems),
			})
		}
	} else {
		_ = binary.Write(&buf, le, elf.Header64{
			Ident: ident, Type: uint16(elf.ET_CORE), Machine: uint16(machine),
			Version: uint32(elf.EV_CURRENT), Phoff: uint64(ehsize),
			Ehsize: uint16(ehsize), Phentsize: uint16(phentsize), Phnum: uint16(phnum),
		})
		for _, p := range progs {
			_ = binary.Write(&buf, le, elf.Prog64{
				Type: uint32(p.typ), Flags: uint32(p.flags), Off: p.off,
				Vaddr: p.vaddr, Filesz: p.filesz, Memsz: p.mems,
			})
		}
	}
	buf.Write(noteData)
	for _, s := range segs {
		buf.Write(s.data)
	}
	return buf.Bytes()
}

// words encodes values as consecutive little-endian words of the given width.
func words(width int, values ...uint64) []byte {
	out := make([]byte, 0, width*len(values))
	for _, v := range values {
		if width == 4 {
			out = binary.LittleEndian.AppendUint32(out, uint32(v))
		} else {
			out = binary.LittleEndian.AppendUint64(out, v)
		}
	}
	return out
}

func putWord(b []byte, off, width int, v uint64) {
	if width == 4 {
		binary.LittleEndian.PutUint32(b[off:], uint32(v))
		return
	}
	binary.LittleEndian.PutUint64(b[off:], v)
}

func ntFile(width int, path string, start, end, pageOffset uint64) []byte {
	desc := words(width, 1, 0x1000, start, end, pageOffset)
	return append(desc, append([]byte(path), 0)...)
}

const (
	stackBase = 0x7ffe0000
	textBase  = 0x400000
	vdsoBase  = 0x7fff0000
)

func TestCoredumpAArch64(t *testing.T) {
	const codeMask = 0x007f000000000000

	prpsinfo := make([]byte, 136)
	binary.LittleEndian.PutUint32(prpsinfo[24:], 4242)

	prstatus := make([]byte, 392)
	binary.LittleEndian.PutUint32(prstatus[32:], 4243)
	putWord(prstatus, 112+arm64RegFP*8, 8, stackBase+0x10)
	putWord(prstatus, 112+arm64RegSP*8, 8, stackBase)
	putWord(prstatus, 112+arm64RegPC*8, 8, textBase+0x100)

	stack := make([]byte, 0x100)
	putWord(stack, 0x10, 8, stackBase+0x40)
	putWord(stack, 0x18, 8, 0x0012000000000000|(textBase+0x123))
	putWord(stack, 0x40, 8, 0)
	putWord(stack, 0x48, 8, textBase+0x456)

	core := buildCore(elf.ELFCLASS64, elf.EM_AARCH64,
		[]coreNote{
			{NAMESPACE_CORE[:4], elf.NT_PRPSINFO, prpsinfo},
			{NAMESPACE_CORE[:4], elf.NT_PRSTATUS, prstatus},
			{NAMESPACE_CORE[:4], NT_FILE, ntFile(8, "/usr/bin/app (deleted)",
				textBase, textBase+0x1000, 2)},
			{NAMESPACE_CORE[:4], NT_AUXV, words(8, AT_SYSINFO_EHDR, vdsoBase, 0, 0)},
			{NAMESPACE_LINUX[:5], NT_ARM_PAC_MASK, words(8, codeMask, codeMask)},
			{"GNU", 1, []byte{1, 2, 3}},
		},
		[]coreSegment{
			{vaddr: textBase, memsz: 0x1000, flags: elf.PF_R | elf.PF_X,
				data: make([]byte, 0x1000)},
			{vaddr: stackBase, memsz: 0x1000, flags: elf.PF_R | elf.PF_W, data: stack},
			{vaddr: vdsoBase, memsz: 0x2000, flags: elf.PF_R | elf.PF_X},
		})

	cd, err := NewCoredump(bytes.NewReader(core))
	require.NoError(t, err)
	defer cd.Close()

	assert.Equal(t, libpf.PID(4242), cd.PID())
	md := cd.GetMachineData()
	assert.Equal(t, elf.EM_AARCH64, md.Machine)
	assert.Equal(t, uint64(codeMask), md.CodePACMask)

	mappings, numParseErrors, err := cd.GetMappings()
	require.NoError(t, err)
	assert.Zero(t, numParseErrors)
	assert.Equal(t, []Mapping{
		{Vaddr: textBase, Length: 0x1000, Flags: elf.PF_R | elf.PF_X,
			FileOffset: 0x2000, Device: 1, Inode: 1, Path: "/usr/bin/app"},
		{Vaddr: stackBase, Length: 0x1000, Flags: elf.PF_R | elf.PF_W},
		{Vaddr: vdsoBase, Length: 0x2000, Flags: elf.PF_R | elf.PF_X,
			Inode: vdsoInode, Path: VdsoPathName},
	}, mappings)

	threads, err := cd.GetThreads()
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, uint32(4243), threads[0].LWP)

	snap, p, err := threads[0].Snapshot(md)
	require.NoError(t, err)
	assert.Equal(t, fpunwind.RegisterSnapshot{
		FramePointer:   stackBase + 0x10,
		ProgramCounter: textBase + 0x100,
		StackPointer:   stackBase,
	}, snap)
	assert.Equal(t, uint64(codeMask), p.PointerAuthMask)

	mem := cd.GetRemoteMemory()
	_, err = mem.Word(vdsoBase, 8)
	require.ErrorIs(t, err, remotememory.ErrUnreadable)

	it, err := fpunwind.Unwind(snap, p, mem, fpunwind.Options{
		Bounds: StackBounds(mappings, snap.StackPointer),
	})
	require.NoError(t, err)
	frames := fpunwind.Collect(it)
	require.Len(t, frames, 2)
	assert.Equal(t, libpf.Address(textBase+0x100), frames[0].PC)
	assert.Equal(t, libpf.Address(textBase+0x123), frames[0].ReturnAddress)
	assert.Equal(t, libpf.Address(textBase+0x123), frames[1].PC)
	assert.Equal(t, libpf.Address(textBase+0x456), frames[1].ReturnAddress)
	assert.Equal(t, fpunwind.StopEndOfChain, it.Stop())
}

func TestCoredumpARM32(t *testing.T) {
	prstatus := make([]byte, 148)
	binary.LittleEndian.PutUint32(prstatus[24:], 77)
	putWord(prstatus, 72+armRegR7*4, 4, stackBase+0x20)
	putWord(prstatus, 72+armRegR11*4, 4, 0xdead)
	putWord(prstatus, 72+armRegSP*4, 4, stackBase)
	putWord(prstatus, 72+armRegPC*4, 4, textBase+0x41)
	putWord(prstatus, 72+armRegCPSR*4, 4, armCPSRThumb)

	stack := make([]byte, 0x40)
	putWord(stack, 0x20, 4, 0)
	putWord(stack, 0x24, 4, textBase+0x201)

	core := buildCore(elf.ELFCLASS32, elf.EM_ARM,
		[]coreNote{
			{NAMESPACE_CORE[:4], elf.NT_PRSTATUS, prstatus},
			{NAMESPACE_CORE[:4], NT_FILE, ntFile(4, "/system/bin/app",
				textBase, textBase+0x1000, 0)},
		},
		[]coreSegment{
			{vaddr: textBase, memsz: 0x1000, flags: elf.PF_R | elf.PF_X},
			{vaddr: stackBase, memsz: 0x40, flags: elf.PF_R | elf.PF_W, data: stack},
		})

	cd, err := NewCoredump(bytes.NewReader(core))
	require.NoError(t, err)

	// Without NT_PRPSINFO the main thread identifies the process.
	assert.Equal(t, libpf.PID(77), cd.PID())

	mappings, _, err := cd.GetMappings()
	require.NoError(t, err)
	require.Len(t, mappings, 2)
	assert.Equal(t, "/system/bin/app", mappings[0].Path)

	threads, err := cd.GetThreads()
	require.NoError(t, err)
	require.Len(t, threads, 1)

	snap, p, err := threads[0].Snapshot(cd.GetMachineData())
	require.NoError(t, err)
	assert.Same(t, &arch.ARM32Thumb, p)
	assert.Equal(t, libpf.Address(stackBase+0x20), snap.FramePointer)

	it, err := fpunwind.Unwind(snap, p, cd.GetRemoteMemory(), fpunwind.Options{})
	require.NoError(t, err)
	frames := fpunwind.Collect(it)
	require.Len(t, frames, 1)
	assert.Equal(t, libpf.Address(textBase+0x40), frames[0].PC)
	assert.Equal(t, libpf.Address(textBase+0x200), frames[0].ReturnAddress)
	assert.Equal(t, libpf.Address(textBase+0x201), frames[0].RawReturnAddress)
}

func TestCoredumpRejectsNonCore(t *testing.T) {
	core := buildCore(elf.ELFCLASS64, elf.EM_X86_64, nil, nil)
	// Patch e_type to ET_EXEC.
	binary.LittleEndian.PutUint16(core[16:], uint16(elf.ET_EXEC))
	_, err := NewCoredump(bytes.NewReader(core))
	require.Error(t, err)
}

func TestCoredumpBadPrstatus(t *testing.T) {
	core := buildCore(elf.ELFCLASS64, elf.EM_X86_64,
		[]coreNote{{NAMESPACE_CORE[:4], elf.NT_PRSTATUS, make([]byte, 100)}}, nil)
	_, err := NewCoredump(bytes.NewReader(core))
	require.ErrorContains(t, err, "NT_PRSTATUS")
}

func TestCoredumpCorruptNote(t *testing.T) {
	// The first note header directly follows the ELF and program headers.
	const noteOff = 64 + 56

	tests := map[string]struct {
		field int
		size  uint32
	}{
		"name size wraps":      {field: 0, size: 0xfffffffe},
		"desc size wraps":      {field: 4, size: 0xffffffff},
		"desc exceeds segment": {field: 4, size: 0x10000},
		"name exceeds segment": {field: 0, size: 0x1000},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			core := buildCore(elf.ELFCLASS64, elf.EM_X86_64,
				[]coreNote{{NAMESPACE_CORE[:4], elf.NT_PRSTATUS, make([]byte, 336)}}, nil)
			binary.LittleEndian.PutUint32(core[noteOff+test.field:], test.size)

			require.NotPanics(t, func() {
				_, err := NewCoredump(bytes.NewReader(core))
				require.ErrorIs(t, err, errCorruptNote)
			})
		})
	}
}

func TestCoredumpUnpaddedLastNote(t *testing.T) {
	prstatus := make([]byte, 336)
	binary.LittleEndian.PutUint32(prstatus[32:], 7)
	core := buildCore(elf.ELFCLASS64, elf.EM_X86_64,
		[]coreNote{
			{NAMESPACE_CORE[:4], elf.NT_PRSTATUS, prstatus},
			{"GNU", 1, []byte{1, 2, 3}},
		}, nil)
	// Drop the padding byte of the last descriptor from the PT_NOTE segment.
	const filesz = 64 + 32
	binary.LittleEndian.PutUint64(core[filesz:], binary.LittleEndian.Uint64(core[filesz:])-1)

	cd, err := NewCoredump(bytes.NewReader(core))
	require.NoError(t, err)
	threads, err := cd.GetThreads()
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, uint32(7), threads[0].LWP)
}
