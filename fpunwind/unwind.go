// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package fpunwind reconstructs call chains by following the frame pointer
// chain through stack memory. It needs no unwind tables and therefore also
// walks through JIT generated code, as long as that code maintains the frame
// pointer the way the architecture profile describes.
package fpunwind // import "go.opentelemetry.io/fpwalk/fpunwind"

import (
	"errors"
	"fmt"
	"iter"

	"go.opentelemetry.io/fpwalk/arch"
	"go.opentelemetry.io/fpwalk/internal/log"
	"go.opentelemetry.io/fpwalk/libpf"
)

// DefaultMaxDepth is the frame limit used when Options.MaxDepth is not set.
const DefaultMaxDepth = 128

// ErrInvalidSnapshot is returned by Unwind for a snapshot it cannot start from.
var ErrInvalidSnapshot = errors.New("invalid register snapshot")

// Options configures a single unwind.
type Options struct {
	// Bounds is the valid stack range. Frame pointers outside of it end the
	// walk. The zero value does not restrict frame pointers.
	Bounds libpf.AddressRange
	// MaxDepth limits the number of frames produced. Zero selects DefaultMaxDepth.
	MaxDepth int
}

// Iterator produces the frames of one unwind lazily. It is single pass and
// not safe for concurrent use; independent unwinds use independent iterators.
//
//	it, err := fpunwind.Unwind(snap, &arch.AArch64, mem, fpunwind.Options{})
//	for it.Next() {
//		f := it.Frame()
//		...
//	}
//	reason := it.Stop()
type Iterator struct {
	mem     Memory
	profile *arch.Profile
	opts    Options
	snap    RegisterSnapshot

	nextFP  libpf.Address
	nextPC  libpf.Address
	ordinal int

	frame   Frame
	pending StopReason
	stop    StopReason
	err     error
	done    bool
}

// Unwind starts a frame pointer walk from snap. The only error is a snapshot
// or profile that cannot be walked; it is reported before any memory is read.
// Everything that goes wrong during the walk ends it early instead, see
// Iterator.Stop.
func Unwind(snap RegisterSnapshot, p *arch.Profile, mem Memory, opts Options) (*Iterator, error) {
	if snap.FramePointer == 0 {
		return nil, fmt.Errorf("%w: null frame pointer", ErrInvalidSnapshot)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	return &Iterator{
		mem:     mem,
		profile: p,
		opts:    opts,
		snap:    snap,
		nextFP:  snap.FramePointer,
		nextPC:  p.CodeAddress(snap.ProgramCounter),
	}, nil
}

// Next advances to the next frame. It returns false once the walk ended; the
// reason is then available from Stop.
func (it *Iterator) Next() bool {
	if it.done {
		return false
	}
	if it.pending != StopNone {
		return it.finish(it.pending, nil)
	}
	if it.ordinal >= it.opts.MaxDepth {
		return it.finish(StopMaxDepth, nil)
	}
	if !it.opts.Bounds.Contains(it.nextFP) {
		return it.finish(StopOutOfBounds,
			fmt.Errorf("frame pointer %v outside stack %v", it.nextFP, it.opts.Bounds))
	}

	res := Step(it.mem, it.profile, it.nextFP)
	if !res.Valid {
		return it.finish(res.Stop, res.Err)
	}

	f := res.Frame
	f.Ordinal = it.ordinal
	f.PC = it.nextPC
	log.Debugf("frame #%d fp=%v ra=%v caller fp=%v",
		f.Ordinal, f.FramePointer, f.RawReturnAddress, f.CallerFramePointer)

	it.frame = f
	it.ordinal++
	it.nextFP = f.CallerFramePointer
	it.nextPC = f.ReturnAddress
	it.pending = res.Stop
	return true
}

func (it *Iterator) finish(reason StopReason, err error) bool {
	it.done = true
	it.stop = reason
	it.err = err
	it.frame = Frame{}
	log.Debugf("unwind from %v stopped after %d frames: %v", it.snap, it.ordinal, reason)
	return false
}

// Frame returns the current frame. Only valid after Next returned true.
func (it *Iterator) Frame() Frame {
	return it.frame
}

// Stop returns why the walk ended, or StopNone while it is still running.
func (it *Iterator) Stop() StopReason {
	return it.stop
}

// Err returns the memory error that ended the walk, if any. It describes
// where the walk ran off the readable stack; it never means the frames
// produced so far are wrong.
func (it *Iterator) Err() error {
	return it.err
}

// PC returns the canonical program counter of the snapshot, the current
// address of frame 0.
func (it *Iterator) PC() libpf.Address {
	return it.profile.CodeAddress(it.snap.ProgramCounter)
}

// Profile returns the architecture profile of the walk.
func (it *Iterator) Profile() *arch.Profile {
	return it.profile
}

// Frames adapts the iterator to a range-over-func sequence. Like the
// iterator itself the sequence can only be consumed once.
func Frames(it *Iterator) iter.Seq[Frame] {
	return func(yield func(Frame) bool) {
		for it.Next() {
			if !yield(it.Frame()) {
				return
			}
		}
	}
}

// Collect drains it and returns the produced frames.
func Collect(it *Iterator) []Frame {
	var frames []Frame
	for it.Next() {
		frames = append(frames, it.Frame())
	}
	return frames
}
