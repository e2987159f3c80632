// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package fpunwind

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/fpwalk/arch"
	"go.opentelemetry.io/fpwalk/libpf"
	"go.opentelemetry.io/fpwalk/remotememory"
)

func TestUnwindTwoFramesAArch64(t *testing.T) {
	s := newFakeStack(0x1000, 0x100, 8)
	s.frame(&arch.AArch64, 0x1000, 0x1080, 0xAAAA0010)
	s.frame(&arch.AArch64, 0x1080, 0, 0xAAAA0020)

	it, err := Unwind(RegisterSnapshot{FramePointer: 0x1000, ProgramCounter: 0xAAAA0000},
		&arch.AArch64, s.memory(), Options{})
	require.NoError(t, err)

	frames := Collect(it)
	assert.Equal(t, []frameSummary{{0, 0xAAAA0010}, {1, 0xAAAA0020}}, summarize(frames))
	assert.Equal(t, StopEndOfChain, it.Stop())
	require.NoError(t, it.Err())

	// The current address of frame 0 is the program counter, later frames
	// execute at the return address of their callee.
	assert.Equal(t, libpf.Address(0xAAAA0000), frames[0].PC)
	assert.Equal(t, libpf.Address(0xAAAA0010), frames[1].PC)
	assert.Equal(t, libpf.Address(0xAAAA0000), it.PC())

	// Single pass: a finished iterator stays finished.
	assert.False(t, it.Next())
	assert.Equal(t, StopEndOfChain, it.Stop())
}

func TestUnwindThumbModeBit(t *testing.T) {
	s := newFakeStack(0xfffcf000, 0x1000, 4)
	s.frame(&arch.ARM32Thumb, 0xfffcff00, 0xfffcff30, 0x00401235)
	s.frame(&arch.ARM32Thumb, 0xfffcff30, 0xfffcff60, 0xf7c8b017)
	s.frame(&arch.ARM32Thumb, 0xfffcff60, 0, 0x00400801)

	it, err := Unwind(RegisterSnapshot{FramePointer: 0xfffcff00, ProgramCounter: 0x00400a10},
		&arch.ARM32Thumb, s.memory(), Options{})
	require.NoError(t, err)
	frames := Collect(it)
	require.Len(t, frames, 3)
	assert.Equal(t, libpf.Address(0x00401234), frames[0].ReturnAddress)
	assert.Equal(t, libpf.Address(0x00401235), frames[0].RawReturnAddress)
	assert.Equal(t, libpf.Address(0xf7c8b016), frames[1].ReturnAddress)
	assert.Equal(t, libpf.Address(0x00400800), frames[2].ReturnAddress)
	assert.Equal(t, libpf.Address(0xf7c8b016), frames[2].PC)
}

func TestUnwindBounds(t *testing.T) {
	bounds := libpf.AddressRange{Low: 0x2000, High: 0x3000}
	tests := map[string]struct {
		savedFP uint64
		stop    StopReason
	}{
		"below bounds": {savedFP: 0x1000, stop: StopNonMonotonic},
		"above bounds": {savedFP: 0x4000, stop: StopOutOfBounds},
		"at high":      {savedFP: 0x3000, stop: StopOutOfBounds},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			s := newFakeStack(0x0, 0x5000, 8)
			s.frame(&arch.AArch64, 0x2000, tc.savedFP, 0xAAAA0010)
			// A valid looking record at the target, which must not be followed.
			s.frame(&arch.AArch64, libpf.Address(tc.savedFP), 0, 0xBBBB0010)

			it, err := Unwind(RegisterSnapshot{FramePointer: 0x2000}, &arch.AArch64,
				s.memory(), Options{Bounds: bounds})
			require.NoError(t, err)
			frames := Collect(it)
			assert.Equal(t, []frameSummary{{0, 0xAAAA0010}}, summarize(frames))
			assert.Equal(t, tc.stop, it.Stop())
		})
	}
}

func TestUnwindInitialFrameOutOfBounds(t *testing.T) {
	s := newFakeStack(0x1000, 0x100, 8)
	s.frame(&arch.AArch64, 0x1000, 0, 0xAAAA0010)

	it, err := Unwind(RegisterSnapshot{FramePointer: 0x1000}, &arch.AArch64, s.memory(),
		Options{Bounds: libpf.AddressRange{Low: 0x2000, High: 0x3000}})
	require.NoError(t, err)
	assert.Empty(t, Collect(it))
	assert.Equal(t, StopOutOfBounds, it.Stop())
	assert.Error(t, it.Err())
}

func TestUnwindSelfReference(t *testing.T) {
	s := newFakeStack(0x1000, 0x100, 8)
	s.frame(&arch.AArch64, 0x1000, 0x1000, 0xAAAA0010)

	it, err := Unwind(RegisterSnapshot{FramePointer: 0x1000}, &arch.AArch64, s.memory(),
		Options{})
	require.NoError(t, err)
	assert.Equal(t, []frameSummary{{0, 0xAAAA0010}}, summarize(Collect(it)))
	assert.Equal(t, StopNonMonotonic, it.Stop())
}

func TestUnwindStopsAfterBackwardStep(t *testing.T) {
	s := newFakeStack(0x1000, 0x200, 8)
	s.frame(&arch.AArch64, 0x1000, 0x1040, 0xAAAA0010)
	s.frame(&arch.AArch64, 0x1040, 0x1080, 0xAAAA0020)
	// Points back into the chain.
	s.frame(&arch.AArch64, 0x1080, 0x1040, 0xAAAA0030)

	it, err := Unwind(RegisterSnapshot{FramePointer: 0x1000}, &arch.AArch64, s.memory(),
		Options{})
	require.NoError(t, err)
	frames := Collect(it)
	// The frame holding the backward pointer is still valid and reported;
	// its caller frame pointer is never followed.
	assert.Equal(t, []frameSummary{{0, 0xAAAA0010}, {1, 0xAAAA0020}, {2, 0xAAAA0030}},
		summarize(frames))
	assert.Equal(t, StopNonMonotonic, it.Stop())
	for i := 1; i < len(frames); i++ {
		assert.Less(t, frames[i-1].FramePointer, frames[i].FramePointer)
	}
	assert.Equal(t, libpf.Address(0x1040), frames[2].CallerFramePointer)
}

func TestUnwindMaxDepth(t *testing.T) {
	s := newFakeStack(0x1000, 0x1000, 8)
	for i := libpf.Address(0); i < 0x40; i++ {
		fp := 0x1000 + i*0x20
		s.frame(&arch.AArch64, fp, uint64(fp+0x20), uint64(0xAAAA0000+i))
	}

	it, err := Unwind(RegisterSnapshot{FramePointer: 0x1000}, &arch.AArch64, s.memory(),
		Options{MaxDepth: 5})
	require.NoError(t, err)
	assert.Len(t, Collect(it), 5)
	assert.Equal(t, StopMaxDepth, it.Stop())
}

func TestUnwindDefaultMaxDepth(t *testing.T) {
	// Every frame record points at the next one, all the way to the end of
	// the buffer: longer than the default depth.
	const n = DefaultMaxDepth + 10
	s := newFakeStack(0x10000, (n+1)*16, 8)
	for i := 0; i < n; i++ {
		fp := libpf.Address(0x10000 + i*16)
		s.frame(&arch.AArch64, fp, uint64(fp+16), 0xAAAA0000)
	}
	it, err := Unwind(RegisterSnapshot{FramePointer: 0x10000}, &arch.AArch64, s.memory(),
		Options{})
	require.NoError(t, err)
	assert.Len(t, Collect(it), DefaultMaxDepth)
	assert.Equal(t, StopMaxDepth, it.Stop())
}

func TestUnwindInvalidSnapshot(t *testing.T) {
	_, err := Unwind(RegisterSnapshot{ProgramCounter: 0x1234}, &arch.AArch64,
		remotememory.RemoteMemory{}, Options{})
	require.ErrorIs(t, err, ErrInvalidSnapshot)

	bad := arch.Profile{Name: "bad", PointerWidth: 3}
	_, err = Unwind(RegisterSnapshot{FramePointer: 0x1000}, &bad,
		remotememory.RemoteMemory{}, Options{})
	require.ErrorIs(t, err, ErrInvalidSnapshot)
}

func TestUnwindUnreadableDistinct(t *testing.T) {
	// The stack image ends before the bounds do: running off the image is
	// unreadable, not out of bounds.
	s := newFakeStack(0x1000, 0x20, 8)
	s.frame(&arch.AArch64, 0x1000, 0x1800, 0xAAAA0010)
	mem := remotememory.RemoteMemory{
		ReaderAt: remotememory.Buffer{Base: 0x1000, Data: s.data},
		Bounds:   libpf.AddressRange{Low: 0x1000, High: 0x2000},
	}
	it, err := Unwind(RegisterSnapshot{FramePointer: 0x1000}, &arch.AArch64, mem, Options{})
	require.NoError(t, err)
	assert.Len(t, Collect(it), 1)
	assert.Equal(t, StopUnreadable, it.Stop())
	assert.ErrorIs(t, it.Err(), remotememory.ErrUnreadable)
}

func TestFramesSeq(t *testing.T) {
	s := newFakeStack(0x1000, 0x100, 8)
	s.frame(&arch.AArch64, 0x1000, 0x1040, 0xAAAA0010)
	s.frame(&arch.AArch64, 0x1040, 0x1080, 0xAAAA0020)
	s.frame(&arch.AArch64, 0x1080, 0, 0xAAAA0030)

	it, err := Unwind(RegisterSnapshot{FramePointer: 0x1000}, &arch.AArch64, s.memory(),
		Options{})
	require.NoError(t, err)
	var got []libpf.Address
	for f := range Frames(it) {
		got = append(got, f.ReturnAddress)
		if len(got) == 2 {
			break
		}
	}
	assert.Equal(t, []libpf.Address{0xAAAA0010, 0xAAAA0020}, got)
	// The remaining frame is still there for the next consumer.
	require.True(t, it.Next())
	assert.Equal(t, libpf.Address(0xAAAA0030), it.Frame().ReturnAddress)
	assert.False(t, it.Next())
}

// TestUnwindRandomChains walks random memory, including self referential and
// backwards pointing chains, and checks the termination and monotonicity
// guarantees.
func TestUnwindRandomChains(t *testing.T) {
	rng := rand.New(rand.NewPCG(0x5eed, 0xf00d))
	const base, size = 0x10000, 0x400

	for _, p := range arch.All {
		t.Run(p.Name, func(t *testing.T) {
			for iter := 0; iter < 500; iter++ {
				s := newFakeStack(base, size, p.PointerWidth)
				slots := size / p.PointerWidth
				for i := 0; i < slots; i++ {
					addr := libpf.Address(base + i*p.PointerWidth)
					var v uint64
					switch rng.IntN(4) {
					case 0:
						// Anywhere in the stack, forwards or backwards.
						v = uint64(base + rng.IntN(size/p.PointerWidth)*p.PointerWidth)
					case 1:
						v = uint64(addr)
					case 2:
						v = uint64(addr) + uint64(p.PointerWidth*(1+rng.IntN(8)))
					default:
						v = rng.Uint64()
					}
					s.put(addr, v)
				}
				maxDepth := 1 + rng.IntN(64)
				start := libpf.Address(base + rng.IntN(slots)*p.PointerWidth)
				it, err := Unwind(RegisterSnapshot{FramePointer: start}, p, s.memory(),
					Options{MaxDepth: maxDepth})
				require.NoError(t, err)

				frames := Collect(it)
				require.LessOrEqual(t, len(frames), maxDepth)
				require.NotEqual(t, StopNone, it.Stop())
				for i := 1; i < len(frames); i++ {
					require.Less(t, frames[i-1].FramePointer, frames[i].FramePointer)
					require.Equal(t, frames[i-1].CallerFramePointer, frames[i].FramePointer)
					require.Equal(t, i, frames[i].Ordinal)
				}
			}
		})
	}
}
