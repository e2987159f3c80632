// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package callsite checks whether a return address found on the stack is
// preceded by a call instruction. A frame whose return address does not
// follow a call is a hint that the frame pointer chain went astray, e.g.
// through a JIT frame that reuses the frame pointer register.
package callsite // import "go.opentelemetry.io/fpwalk/callsite"

import (
	"debug/elf"
	"encoding/binary"

	"golang.org/x/arch/arm/armasm"
	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"

	"go.opentelemetry.io/fpwalk/arch"
	"go.opentelemetry.io/fpwalk/libpf"
)

// Result is the outcome of a call site check.
type Result uint8

const (
	// Unknown means the code before the return address could not be read,
	// or the architecture is not supported.
	Unknown Result = iota
	// Call means the return address directly follows a call instruction.
	Call
	// NotCall means the code before the return address is not a call.
	NotCall
)

var resultNames = [...]string{
	Unknown: "unknown",
	Call:    "call",
	NotCall: "not-call",
}

func (r Result) String() string {
	if int(r) < len(resultNames) {
		return resultNames[r]
	}
	return "invalid"
}

func (r Result) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Memory reads target code. remotememory.RemoteMemory implements it.
type Memory interface {
	Read(addr libpf.Address, p []byte) error
}

// Verifier checks the return addresses of one target.
type Verifier struct {
	Memory Memory
}

// Verify checks raw, a return address as stored on the stack, against the
// Verifier's memory.
func (v *Verifier) Verify(p *arch.Profile, raw libpf.Address) Result {
	return Verify(v.Memory, p, raw)
}

// x86 call instructions are between 2 (call *%rax) and 8 bytes long
// (REX prefixed call *disp32(%rip) with SIB byte).
const maxX86CallLen = 8

// Verify reports whether the instruction preceding the return address raw is
// a call. The mode bit of raw selects between ARM and Thumb decoding.
func Verify(mem Memory, p *arch.Profile, raw libpf.Address) Result {
	ret := p.CodeAddress(raw)
	switch p.Machine {
	case elf.EM_AARCH64:
		return verifyARM64(mem, ret)
	case elf.EM_X86_64:
		return verifyX86(mem, ret)
	case elf.EM_ARM:
		if p.ModeBits(raw) != 0 {
			return verifyThumb(mem, ret)
		}
		return verifyARM(mem, ret)
	}
	return Unknown
}

func readBefore(mem Memory, ret libpf.Address, buf []byte) bool {
	addr, ok := ret.Add(-int64(len(buf)))
	if !ok {
		return false
	}
	return mem.Read(addr, buf) == nil
}

// isPACCall matches BLRAA, BLRAAZ, BLRAB and BLRABZ.
func isPACCall(insn uint32) bool {
	return insn&0xfefff800 == 0xd63f0800
}

func verifyARM64(mem Memory, ret libpf.Address) Result {
	var buf [4]byte
	if !readBefore(mem, ret, buf[:]) {
		return Unknown
	}
	if isPACCall(binary.LittleEndian.Uint32(buf[:])) {
		return Call
	}
	inst, err := arm64asm.Decode(buf[:])
	if err != nil {
		return NotCall
	}
	switch inst.Op {
	case arm64asm.BL, arm64asm.BLR:
		return Call
	}
	return NotCall
}

func verifyX86(mem Memory, ret libpf.Address) Result {
	var buf [maxX86CallLen]byte
	n := maxX86CallLen
	for ; n >= 2; n-- {
		// Near the start of a mapping fewer bytes may be readable.
		if readBefore(mem, ret, buf[maxX86CallLen-n:]) {
			break
		}
	}
	if n < 2 {
		return Unknown
	}
	code := buf[maxX86CallLen-n:]
	for l := 2; l <= n; l++ {
		inst, err := x86asm.Decode(code[n-l:], 64)
		if err == nil && inst.Len == l && inst.Op == x86asm.CALL {
			return Call
		}
	}
	return NotCall
}

func verifyARM(mem Memory, ret libpf.Address) Result {
	var buf [4]byte
	if !readBefore(mem, ret, buf[:]) {
		return Unknown
	}
	inst, err := armasm.Decode(buf[:], armasm.ModeARM)
	if err != nil {
		return NotCall
	}
	// Covers all condition code variants of BL and BLX.
	if inst.Op >= armasm.BL_EQ && inst.Op <= armasm.BLX_ZZ {
		return Call
	}
	return NotCall
}

// verifyThumb matches the Thumb call encodings by hand since armasm only
// decodes ARM state.
func verifyThumb(mem Memory, ret libpf.Address) Result {
	var buf [4]byte
	if !readBefore(mem, ret, buf[2:]) {
		return Unknown
	}
	// BLX <Rm>: 0100 0111 1 Rm 000
	if binary.LittleEndian.Uint16(buf[2:])&0xff87 == 0x4780 {
		return Call
	}
	if !readBefore(mem, ret, buf[:]) {
		return NotCall
	}
	hw1 := binary.LittleEndian.Uint16(buf[0:])
	hw2 := binary.LittleEndian.Uint16(buf[2:])
	if hw1&0xf800 != 0xf000 {
		return NotCall
	}
	switch {
	case hw2&0xd000 == 0xd000:
		// BL <label>
		return Call
	case hw2&0xd001 == 0xc000:
		// BLX <label>
		return Call
	}
	return NotCall
}
