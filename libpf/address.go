// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "go.opentelemetry.io/fpwalk/libpf"

import (
	"encoding/binary"
	"fmt"

	"github.com/zeebo/xxh3"
)

// Address represents an address, or offset within a process. It is always
// 64 bits wide so that 64-bit targets can be inspected from 32-bit hosts.
type Address uint64

// Hash32 returns a 32 bits hash of the input.
// It's main purpose is to be used as key for caching.
func (adr Address) Hash32() uint32 {
	return uint32(adr.Hash())
}

// Hash returns a 64 bits hash of the input.
func (adr Address) Hash() uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(adr))
	return xxh3.Hash(buf[:])
}

// Add returns adr+off and whether the result did not wrap around.
func (adr Address) Add(off int64) (Address, bool) {
	res := adr + Address(off)
	if off >= 0 {
		return res, res >= adr
	}
	return res, res < adr
}

func (adr Address) String() string {
	return fmt.Sprintf("0x%x", uint64(adr))
}

// MarshalText renders the address in hex, e.g. for JSON output.
func (adr Address) MarshalText() ([]byte, error) {
	return []byte(adr.String()), nil
}

// AddressRange is the half-open address interval [Low, High). The zero value
// describes an unbounded range which contains every address.
type AddressRange struct {
	Low  Address
	High Address
}

// IsZero reports whether r is the unbounded zero value.
func (r AddressRange) IsZero() bool {
	return r.Low == 0 && r.High == 0
}

// Contains reports whether addr lies within r.
func (r AddressRange) Contains(addr Address) bool {
	if r.IsZero() {
		return true
	}
	return addr >= r.Low && addr < r.High
}

// ContainsSpan reports whether the size bytes starting at addr all lie within r.
func (r AddressRange) ContainsSpan(addr Address, size uint64) bool {
	end := addr + Address(size)
	if end < addr {
		return false
	}
	if r.IsZero() {
		return true
	}
	return addr >= r.Low && end <= r.High
}

func (r AddressRange) String() string {
	if r.IsZero() {
		return "[any]"
	}
	return fmt.Sprintf("[0x%x, 0x%x)", uint64(r.Low), uint64(r.High))
}
