// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package process // import "go.opentelemetry.io/fpwalk/process"

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path"
	"runtime"
	"strconv"
	"unsafe"

	"golang.org/x/sys/unix"

	"go.opentelemetry.io/fpwalk/internal/log"
	"go.opentelemetry.io/fpwalk/libpf"
	"go.opentelemetry.io/fpwalk/remotememory"
)

// maxRegsetSize is large enough for the NT_PRSTATUS register set of all
// supported machines.
const maxRegsetSize = 512

type ptraceProcess struct {
	pid          libpf.PID
	machineData  MachineData
	remoteMemory remotememory.RemoteMemory

	// attached lists the thread IDs stopped by this process, main thread first.
	attached []int

	fileToMapping map[string]*Mapping
}

var _ Process = &ptraceProcess{}

func ptraceGetRegset(tid int, regset elf.NType, data []byte) ([]byte, error) {
	iovec := unix.Iovec{Base: &data[0]}
	iovec.SetLen(len(data))
	_, _, errno := unix.RawSyscall6(unix.SYS_PTRACE, unix.PTRACE_GETREGSET,
		uintptr(tid), uintptr(regset), uintptr(unsafe.Pointer(&iovec)), 0, 0)
	if errno != 0 {
		return nil, fmt.Errorf("ptrace GETREGSET failed with errno %d", errno)
	}
	// The kernel updates the length to the size of the register set.
	return data[:iovec.Len], nil
}

func currentMachine() elf.Machine {
	switch runtime.GOARCH {
	case "amd64":
		return elf.EM_X86_64
	case "arm64":
		return elf.EM_AARCH64
	case "arm":
		return elf.EM_ARM
	}
	return elf.EM_NONE
}

// NewPtrace attaches the calling goroutine to all threads of the target PID
// using unix PTrace API. The threads stay stopped until Close, so that the
// register state and stack memory remain consistent while unwinding.
// The goroutine is locked to a system thread due to the PTrace
// API requirements.
// WARNING: All usage of Process interface to this implementation should be
// from one goroutine, except for GetRemoteMemory which reads memory with
// process_vm_readv.
func NewPtrace(pid libpf.PID) (Process, error) {
	// Lock this goroutine to the OS thread. It is ptrace API requirement
	// that all ptrace calls must come from same thread.
	runtime.LockOSThread()

	sp := &ptraceProcess{
		pid:          pid,
		machineData:  MachineData{Machine: currentMachine()},
		remoteMemory: remotememory.NewProcessVirtualMemory(pid),
	}
	if err := sp.attach(int(pid)); err != nil {
		runtime.UnlockOSThread()
		return nil, err
	}
	if err := sp.attachThreads(); err != nil {
		_ = sp.Close()
		return nil, err
	}
	if sp.machineData.Machine == elf.EM_AARCH64 {
		sp.readPACMask()
	}
	return sp, nil
}

func (sp *ptraceProcess) attach(tid int) error {
	// Per ptrace API, this will send a SIGSTOP to the thread. However, the
	// stopping happens asynchronously and needs to be waited for.
	if err := unix.PtraceAttach(tid); err != nil {
		return fmt.Errorf("failed to attach to %d: %w", tid, err)
	}
	status := unix.WaitStatus(0)
	if _, err := unix.Wait4(tid, &status, unix.WALL, nil); err != nil {
		_ = unix.PtraceDetach(tid)
		return fmt.Errorf("failed to wait for %d: %w", tid, err)
	}
	sp.attached = append(sp.attached, tid)
	return nil
}

func (sp *ptraceProcess) attachThreads() error {
	tidFiles, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", sp.pid))
	if err != nil {
		return err
	}
	for _, tidFile := range tidFiles {
		if !tidFile.IsDir() {
			continue
		}
		tid, err := strconv.Atoi(tidFile.Name())
		if err != nil || tid == int(sp.pid) {
			continue
		}
		if err := sp.attach(tid); err != nil {
			// The thread may have exited in between.
			log.Debugf("Skipping thread %d: %v", tid, err)
		}
	}
	return nil
}

func (sp *ptraceProcess) readPACMask() {
	var buf [16]byte
	data, err := ptraceGetRegset(int(sp.pid), NT_ARM_PAC_MASK, buf[:])
	if err != nil || len(data) != 16 {
		// Pointer authentication is not supported or not enabled.
		return
	}
	sp.machineData.DataPACMask = binary.NativeEndian.Uint64(data[0:8])
	sp.machineData.CodePACMask = binary.NativeEndian.Uint64(data[8:16])
}

func (sp *ptraceProcess) PID() libpf.PID {
	return sp.pid
}

func (sp *ptraceProcess) GetMachineData() MachineData {
	return sp.machineData
}

func (sp *ptraceProcess) GetRemoteMemory() remotememory.RemoteMemory {
	return sp.remoteMemory
}

func (sp *ptraceProcess) GetThreads() ([]ThreadInfo, error) {
	threadInfo := make([]ThreadInfo, 0, len(sp.attached))
	for _, tid := range sp.attached {
		regs, err := ptraceGetRegset(tid, elf.NT_PRSTATUS, make([]byte, maxRegsetSize))
		if err != nil {
			return nil, fmt.Errorf("thread %d: %w", tid, err)
		}
		threadInfo = append(threadInfo, ThreadInfo{
			LWP:    uint32(tid),
			GPRegs: regs,
		})
	}
	return threadInfo, nil
}

// GetMappings will process the mappings file from proc. Additionally,
// a reverse map from mapping filename to a Mapping node is built to allow
// OpenELF opening ELF files using the corresponding proc map_files entry.
func (sp *ptraceProcess) GetMappings() ([]Mapping, uint32, error) {
	mapsFile, err := os.Open(fmt.Sprintf("/proc/%d/maps", sp.pid))
	if err != nil {
		return nil, 0, err
	}
	defer mapsFile.Close()

	mappings, numParseErrors, err := ParseMappings(mapsFile)
	if err != nil {
		return mappings, numParseErrors, err
	}
	if len(mappings) == 0 {
		return mappings, numParseErrors, ErrNoMappings
	}

	fileToMapping := make(map[string]*Mapping)
	for idx := range mappings {
		m := &mappings[idx]
		if !m.IsAnonymous() && !m.IsVDSO() {
			fileToMapping[m.Path] = m
		}
	}
	sp.fileToMapping = fileToMapping
	return mappings, numParseErrors, nil
}

func (sp *ptraceProcess) OpenELF(file string) (*elf.File, error) {
	// Always open via map_files as it can open deleted files if available.
	if m, ok := sp.fileToMapping[file]; ok {
		return elf.Open(fmt.Sprintf("/proc/%v/map_files/%x-%x",
			sp.pid, m.Vaddr, m.Vaddr+m.Length))
	}
	if file == VdsoPathName {
		return nil, errors.New("vdso is not backed by a file")
	}
	// Fall back to opening the file using the process specific root
	return elf.Open(path.Join("/proc", strconv.Itoa(int(sp.pid)), "root", file))
}

func (sp *ptraceProcess) Close() error {
	var errs []error
	for _, tid := range sp.attached {
		if err := unix.PtraceDetach(tid); err != nil {
			errs = append(errs, fmt.Errorf("failed to detach %d: %w", tid, err))
		}
	}
	sp.attached = nil
	runtime.UnlockOSThread()
	return errors.Join(errs...)
}
