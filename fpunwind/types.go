// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package fpunwind // import "go.opentelemetry.io/fpwalk/fpunwind"

import (
	"fmt"

	"go.opentelemetry.io/fpwalk/libpf"
)

// Memory is the read primitive the unwinder needs. It is implemented by
// remotememory.RemoteMemory, whose ErrOutOfBounds and ErrUnreadable errors are
// used to tell the two read failures apart.
type Memory interface {
	Word(addr libpf.Address, width int) (uint64, error)
}

// RegisterSnapshot holds the registers an unwind starts from.
type RegisterSnapshot struct {
	FramePointer   libpf.Address
	ProgramCounter libpf.Address
	StackPointer   libpf.Address
}

func (s RegisterSnapshot) String() string {
	return fmt.Sprintf("fp=%v pc=%v sp=%v", s.FramePointer, s.ProgramCounter, s.StackPointer)
}

// Frame is one reconstructed stack frame. Frames only reference addresses,
// never other frames.
type Frame struct {
	// Ordinal is 0 for the innermost frame.
	Ordinal int
	// PC is the logical current address of the frame: the snapshot's program
	// counter for ordinal 0, and the previous frame's ReturnAddress otherwise.
	PC libpf.Address
	// FramePointer is the frame pointer value the frame record was read from.
	FramePointer libpf.Address
	// CallerFramePointer is the saved frame pointer of the caller.
	CallerFramePointer libpf.Address
	// ReturnAddress is the canonical code address the frame returns to, with
	// mode and pointer authentication bits removed.
	ReturnAddress libpf.Address
	// RawReturnAddress is the return address exactly as stored on the stack.
	// Use it to resume execution.
	RawReturnAddress libpf.Address
}

// StopReason tells why a walk ended.
type StopReason uint8

const (
	// StopNone means the walk may continue.
	StopNone StopReason = iota
	// StopEndOfChain is the regular end: a null saved frame pointer or return address.
	StopEndOfChain
	// StopNonMonotonic means the saved frame pointer did not point to a
	// higher address than the frame it was read from.
	StopNonMonotonic
	// StopOutOfBounds means an address fell outside the valid stack range.
	StopOutOfBounds
	// StopUnreadable means the memory could not be read.
	StopUnreadable
	// StopMaxDepth means the configured maximum number of frames was produced.
	StopMaxDepth
)

var stopReasonNames = [...]string{
	StopNone:         "none",
	StopEndOfChain:   "end of chain",
	StopNonMonotonic: "non-monotonic frame pointer",
	StopOutOfBounds:  "out of bounds",
	StopUnreadable:   "unreadable",
	StopMaxDepth:     "max depth",
}

func (r StopReason) String() string {
	if int(r) < len(stopReasonNames) {
		return stopReasonNames[r]
	}
	return fmt.Sprintf("StopReason(%d)", uint8(r))
}

// MarshalText implements encoding.TextMarshaler.
func (r StopReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}
