// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package fpunwind // import "go.opentelemetry.io/fpwalk/fpunwind"

import (
	"errors"
	"fmt"

	"go.opentelemetry.io/fpwalk/arch"
	"go.opentelemetry.io/fpwalk/libpf"
	"go.opentelemetry.io/fpwalk/remotememory"
)

// StepResult is the outcome of reading one frame record.
type StepResult struct {
	// Frame is the frame read. Only meaningful if Valid is set.
	Frame Frame
	// Valid is set if the frame record could be read and holds a return address.
	Valid bool
	// Stop is StopNone if the walk may continue at Frame.CallerFramePointer.
	Stop StopReason
	// Err is the memory error behind StopOutOfBounds and StopUnreadable.
	Err error
}

// Step reads the frame record fp points to, using only the pair offsets of
// the profile. The size of the frame is never consulted, so hand built frames
// with an unusual local area unwind as long as the pair sits at the
// documented offsets.
//
// Ordinal and PC of the returned frame are left for the caller to fill in.
func Step(mem Memory, p *arch.Profile, fp libpf.Address) StepResult {
	savedFP, err := readSlot(mem, p, fp, p.SavedFPOffset)
	if err != nil {
		return readFailure(err)
	}
	raw, err := readSlot(mem, p, fp, p.ReturnAddressOffset)
	if err != nil {
		return readFailure(err)
	}
	if raw == 0 {
		return StepResult{Stop: StopEndOfChain}
	}

	res := StepResult{
		Frame: Frame{
			FramePointer:       fp,
			CallerFramePointer: libpf.Address(savedFP),
			ReturnAddress:      p.CodeAddress(libpf.Address(raw)),
			RawReturnAddress:   libpf.Address(raw),
		},
		Valid: true,
	}
	switch {
	case savedFP == 0:
		res.Stop = StopEndOfChain
	case libpf.Address(savedFP) <= fp:
		// The stack grows towards lower addresses, so the caller's frame
		// must be at a higher one. Anything else is corrupt or cyclic.
		res.Stop = StopNonMonotonic
	}
	return res
}

func readSlot(mem Memory, p *arch.Profile, fp libpf.Address, off int64) (uint64, error) {
	addr, ok := fp.Add(off)
	if !ok {
		return 0, fmt.Errorf("slot %v%+d wraps: %w", fp, off, remotememory.ErrOutOfBounds)
	}
	return mem.Word(addr, p.PointerWidth)
}

func readFailure(err error) StepResult {
	if errors.Is(err, remotememory.ErrOutOfBounds) {
		return StepResult{Stop: StopOutOfBounds, Err: err}
	}
	return StepResult{Stop: StopUnreadable, Err: err}
}
