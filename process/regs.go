// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package process // import "go.opentelemetry.io/fpwalk/process"

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"

	"go.opentelemetry.io/fpwalk/arch"
	"go.opentelemetry.io/fpwalk/fpunwind"
	"go.opentelemetry.io/fpwalk/libpf"
)

// Register indexes within the NT_PRSTATUS register set of each machine.
const (
	// struct user_regs_struct (x86_64)
	amd64RegRBP  = 4
	amd64RegRIP  = 16
	amd64RegRSP  = 19
	amd64NumRegs = 27

	// struct user_pt_regs (arm64)
	arm64RegFP   = 29
	arm64RegSP   = 31
	arm64RegPC   = 32
	arm64NumRegs = 34

	// struct pt_regs (arm)
	armRegR7   = 7
	armRegR11  = 11
	armRegSP   = 13
	armRegPC   = 15
	armRegCPSR = 16
	armNumRegs = 18

	// CPSR.T selects the Thumb instruction set.
	armCPSRThumb = 1 << 5
)

var errShortRegs = errors.New("register set too short")

type regReader struct {
	regs  []byte
	width int
}

func (r regReader) reg(idx int) libpf.Address {
	off := idx * r.width
	if r.width == 4 {
		return libpf.Address(binary.LittleEndian.Uint32(r.regs[off:]))
	}
	return libpf.Address(binary.LittleEndian.Uint64(r.regs[off:]))
}

func (r regReader) check(minRegs int) error {
	if len(r.regs) < minRegs*r.width {
		return fmt.Errorf("%w: %d bytes, need %d", errShortRegs,
			len(r.regs), minRegs*r.width)
	}
	return nil
}

// Snapshot extracts the registers needed to start a frame pointer walk from
// the thread's general purpose registers and selects the matching profile.
// On AArch64 the code PAC mask of md is applied to the profile.
func (ti *ThreadInfo) Snapshot(md MachineData) (fpunwind.RegisterSnapshot, *arch.Profile, error) {
	var snap fpunwind.RegisterSnapshot

	switch md.Machine {
	case elf.EM_X86_64:
		r := regReader{regs: ti.GPRegs, width: 8}
		if err := r.check(amd64RegRSP + 1); err != nil {
			return snap, nil, err
		}
		snap = fpunwind.RegisterSnapshot{
			FramePointer:   r.reg(amd64RegRBP),
			ProgramCounter: r.reg(amd64RegRIP),
			StackPointer:   r.reg(amd64RegRSP),
		}
		return snap, &arch.X86_64, nil
	case elf.EM_AARCH64:
		r := regReader{regs: ti.GPRegs, width: 8}
		if err := r.check(arm64RegPC + 1); err != nil {
			return snap, nil, err
		}
		snap = fpunwind.RegisterSnapshot{
			FramePointer:   r.reg(arm64RegFP),
			ProgramCounter: r.reg(arm64RegPC),
			StackPointer:   r.reg(arm64RegSP),
		}
		p := &arch.AArch64
		if md.CodePACMask != 0 {
			p = p.WithPointerAuthMask(md.CodePACMask)
		}
		return snap, p, nil
	case elf.EM_ARM:
		r := regReader{regs: ti.GPRegs, width: 4}
		if err := r.check(armRegCPSR + 1); err != nil {
			return snap, nil, err
		}
		thumb := r.reg(armRegCPSR)&armCPSRThumb != 0
		p, err := arch.ForMachine(elf.EM_ARM, thumb)
		if err != nil {
			return snap, nil, err
		}
		fp := r.reg(armRegR11)
		if thumb {
			fp = r.reg(armRegR7)
		}
		snap = fpunwind.RegisterSnapshot{
			FramePointer:   fp,
			ProgramCounter: r.reg(armRegPC),
			StackPointer:   r.reg(armRegSP),
		}
		return snap, p, nil
	}
	return snap, nil, fmt.Errorf("unsupported machine %v", md.Machine)
}
