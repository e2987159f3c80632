// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package fpunwind

import (
	"encoding/binary"

	"go.opentelemetry.io/fpwalk/arch"
	"go.opentelemetry.io/fpwalk/libpf"
	"go.opentelemetry.io/fpwalk/remotememory"
)

// fakeStack is a synthetic stack image for tests.
type fakeStack struct {
	base  libpf.Address
	data  []byte
	width int
}

func newFakeStack(base libpf.Address, size int, width int) *fakeStack {
	return &fakeStack{base: base, data: make([]byte, size), width: width}
}

func (s *fakeStack) put(addr libpf.Address, v uint64) {
	off := addr - s.base
	if s.width == 4 {
		binary.LittleEndian.PutUint32(s.data[off:], uint32(v))
		return
	}
	binary.LittleEndian.PutUint64(s.data[off:], v)
}

// frame writes a frame record for p at fp.
func (s *fakeStack) frame(p *arch.Profile, fp libpf.Address, savedFP, ret uint64) {
	s.put(fp+libpf.Address(p.SavedFPOffset), savedFP)
	s.put(fp+libpf.Address(p.ReturnAddressOffset), ret)
}

func (s *fakeStack) memory() remotememory.RemoteMemory {
	return remotememory.NewBuffer(s.base, s.data)
}

type frameSummary struct {
	ordinal int
	ret     libpf.Address
}

func summarize(frames []Frame) []frameSummary {
	out := make([]frameSummary, 0, len(frames))
	for _, f := range frames {
		out = append(out, frameSummary{f.Ordinal, f.ReturnAddress})
	}
	return out
}
