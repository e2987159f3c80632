// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package arch describes the frame pointer conventions of the supported CPU
// architectures as data, so that a single stepping algorithm serves all of them.
package arch // import "go.opentelemetry.io/fpwalk/arch"

import (
	"debug/elf"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/fpwalk/libpf"
)

// Profile describes where a frame record lives relative to the value held in
// the frame pointer register of one architecture. Profiles are immutable and
// safe for concurrent use.
type Profile struct {
	// Name is the short identifier used on the command line.
	Name string
	// Machine is the ELF machine type of the architecture.
	Machine elf.Machine
	// PointerWidth is the size of a stack slot in bytes (4 or 8).
	PointerWidth int
	// SavedFPOffset is the offset of the caller's frame pointer.
	SavedFPOffset int64
	// ReturnAddressOffset is the offset of the return address.
	ReturnAddressOffset int64
	// ModeBitMask selects the instruction set mode bits carried by code
	// addresses. Zero if the architecture has none.
	ModeBitMask uint64
	// RequiresModeBitStrip is set if ModeBitMask must be cleared before a return
	// address is used as a code address for lookup.
	RequiresModeBitStrip bool
	// PointerAuthMask selects the pointer authentication bits an AArch64
	// process may sign return addresses with. Zero disables stripping.
	PointerAuthMask uint64
}

var (
	// AArch64 frames store (fp, lr) as a pair and point fp at it:
	//
	//	stp  x29, x30, [sp, #-16]!
	//	mov  x29, sp
	//
	// so [fp] holds the caller's fp and [fp+8] the return address.
	AArch64 = Profile{
		Name:                "arm64",
		Machine:             elf.EM_AARCH64,
		PointerWidth:        8,
		SavedFPOffset:       0,
		ReturnAddressOffset: 8,
	}

	// ARM32Thumb is the clang Thumb-2 convention with r7 as frame pointer:
	//
	//	push.w {r7, lr}
	//	mov.w  r7, sp
	//
	// [r7] holds the caller's r7 and [r7+4] the return address, which has
	// the low bit set when the caller runs in Thumb state.
	ARM32Thumb = Profile{
		Name:                 "thumb",
		Machine:              elf.EM_ARM,
		PointerWidth:         4,
		SavedFPOffset:        0,
		ReturnAddressOffset:  4,
		ModeBitMask:          1,
		RequiresModeBitStrip: true,
	}

	// ARM32GNU is the GCC ARM state convention with r11 as frame pointer:
	//
	//	push {fp, lr}
	//	add  fp, sp, #4
	//
	// fp points at the saved lr and the caller's fp sits one slot below.
	ARM32GNU = Profile{
		Name:                 "arm",
		Machine:              elf.EM_ARM,
		PointerWidth:         4,
		SavedFPOffset:        -4,
		ReturnAddressOffset:  0,
		ModeBitMask:          1,
		RequiresModeBitStrip: true,
	}

	// X86_64 frames are built by call pushing the return address followed by
	// push %rbp; mov %rsp, %rbp, so [rbp] is the saved rbp and [rbp+8] the
	// return address.
	X86_64 = Profile{
		Name:                "amd64",
		Machine:             elf.EM_X86_64,
		PointerWidth:        8,
		SavedFPOffset:       0,
		ReturnAddressOffset: 8,
	}
)

// All lists the built-in profiles.
var All = []*Profile{&AArch64, &ARM32Thumb, &ARM32GNU, &X86_64}

var errUnknownProfile = errors.New("unknown architecture")

// ByName returns the built-in profile with the given name. A few common
// aliases are accepted.
func ByName(name string) (*Profile, error) {
	switch strings.ToLower(name) {
	case "aarch64":
		name = AArch64.Name
	case "armhf", "arm32", "thumb2":
		name = ARM32Thumb.Name
	case "x86_64", "x86-64":
		name = X86_64.Name
	}
	for _, p := range All {
		if p.Name == strings.ToLower(name) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", errUnknownProfile, name)
}

// ForMachine returns the built-in profile for an ELF machine type. For 32-bit
// ARM, thumb selects between the Thumb (r7) and ARM state (r11) conventions.
func ForMachine(m elf.Machine, thumb bool) (*Profile, error) {
	switch m {
	case elf.EM_AARCH64:
		return &AArch64, nil
	case elf.EM_X86_64:
		return &X86_64, nil
	case elf.EM_ARM:
		if thumb {
			return &ARM32Thumb, nil
		}
		return &ARM32GNU, nil
	}
	return nil, fmt.Errorf("%w: %v", errUnknownProfile, m)
}

// Validate checks the internal consistency of a profile.
func (p *Profile) Validate() error {
	if p.PointerWidth != 4 && p.PointerWidth != 8 {
		return fmt.Errorf("%s: invalid pointer width %d", p.Name, p.PointerWidth)
	}
	if p.SavedFPOffset == p.ReturnAddressOffset {
		return fmt.Errorf("%s: saved fp and return address share offset %d",
			p.Name, p.SavedFPOffset)
	}
	w := int64(p.PointerWidth)
	if p.SavedFPOffset%w != 0 || p.ReturnAddressOffset%w != 0 {
		return fmt.Errorf("%s: offsets must be multiples of the pointer width", p.Name)
	}
	if p.RequiresModeBitStrip && p.ModeBitMask == 0 {
		return fmt.Errorf("%s: mode bit stripping requires a mode bit mask", p.Name)
	}
	return nil
}

// WithPointerAuthMask returns a copy of p that also clears mask from return
// addresses. Only meaningful for AArch64.
func (p Profile) WithPointerAuthMask(mask uint64) *Profile {
	p.PointerAuthMask = mask
	return &p
}

// StripModeBit clears the instruction set mode bits of addr if the profile
// requires it. It is idempotent and a no-op for addresses without mode bits.
func (p *Profile) StripModeBit(addr libpf.Address) libpf.Address {
	if !p.RequiresModeBitStrip {
		return addr
	}
	return addr &^ libpf.Address(p.ModeBitMask)
}

// CodeAddress turns a raw return address as stored on the stack into the
// canonical code address used for lookups.
func (p *Profile) CodeAddress(raw libpf.Address) libpf.Address {
	addr := raw &^ libpf.Address(p.PointerAuthMask)
	if p.PointerWidth == 4 {
		addr &= 0xffffffff
	}
	return p.StripModeBit(addr)
}

// ModeBits returns the mode bits carried by a raw code address. Re-entering
// the code at CodeAddress(raw)|ModeBits(raw) preserves the instruction set state.
func (p *Profile) ModeBits(raw libpf.Address) libpf.Address {
	return raw & libpf.Address(p.ModeBitMask)
}

func (p *Profile) String() string {
	return p.Name
}
