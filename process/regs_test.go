// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/fpwalk/arch"
	"go.opentelemetry.io/fpwalk/fpunwind"
)

func TestSnapshot(t *testing.T) {
	amd64Regs := make([]byte, amd64NumRegs*8)
	putWord(amd64Regs, amd64RegRBP*8, 8, 0x7ffd1000)
	putWord(amd64Regs, amd64RegRIP*8, 8, 0x401000)
	putWord(amd64Regs, amd64RegRSP*8, 8, 0x7ffd0ff0)

	arm64Regs := make([]byte, arm64NumRegs*8)
	putWord(arm64Regs, arm64RegFP*8, 8, 0xffffc000)
	putWord(arm64Regs, arm64RegPC*8, 8, 0xaaaa0000)
	putWord(arm64Regs, arm64RegSP*8, 8, 0xffffbf00)

	armRegs := make([]byte, armNumRegs*4)
	putWord(armRegs, armRegR7*4, 4, 0xbeef0)
	putWord(armRegs, armRegR11*4, 4, 0xbeef8)
	putWord(armRegs, armRegSP*4, 4, 0xbee00)
	putWord(armRegs, armRegPC*4, 4, 0x10000)

	tests := map[string]struct {
		regs    []byte
		md      MachineData
		snap    fpunwind.RegisterSnapshot
		profile *arch.Profile
		pacMask uint64
	}{
		"x86_64": {
			regs:    amd64Regs,
			md:      MachineData{Machine: elf.EM_X86_64},
			snap:    fpunwind.RegisterSnapshot{FramePointer: 0x7ffd1000, ProgramCounter: 0x401000, StackPointer: 0x7ffd0ff0},
			profile: &arch.X86_64,
		},
		"aarch64": {
			regs:    arm64Regs,
			md:      MachineData{Machine: elf.EM_AARCH64},
			snap:    fpunwind.RegisterSnapshot{FramePointer: 0xffffc000, ProgramCounter: 0xaaaa0000, StackPointer: 0xffffbf00},
			profile: &arch.AArch64,
		},
		"aarch64 pac": {
			regs:    arm64Regs,
			md:      MachineData{Machine: elf.EM_AARCH64, CodePACMask: 0xff7f000000000000},
			snap:    fpunwind.RegisterSnapshot{FramePointer: 0xffffc000, ProgramCounter: 0xaaaa0000, StackPointer: 0xffffbf00},
			pacMask: 0xff7f000000000000,
		},
		"arm state": {
			regs:    armRegs,
			md:      MachineData{Machine: elf.EM_ARM},
			snap:    fpunwind.RegisterSnapshot{FramePointer: 0xbeef8, ProgramCounter: 0x10000, StackPointer: 0xbee00},
			profile: &arch.ARM32GNU,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			ti := ThreadInfo{LWP: 1, GPRegs: tc.regs}
			snap, p, err := ti.Snapshot(tc.md)
			require.NoError(t, err)
			assert.Equal(t, tc.snap, snap)
			if tc.profile != nil {
				assert.Same(t, tc.profile, p)
			}
			assert.Equal(t, tc.pacMask, p.PointerAuthMask)
			assert.Equal(t, tc.md.Machine, p.Machine)
		})
	}
}

func TestSnapshotErrors(t *testing.T) {
	ti := ThreadInfo{GPRegs: make([]byte, 16)}
	_, _, err := ti.Snapshot(MachineData{Machine: elf.EM_AARCH64})
	require.ErrorIs(t, err, errShortRegs)

	_, _, err = ti.Snapshot(MachineData{Machine: elf.EM_RISCV})
	require.Error(t, err)
}
