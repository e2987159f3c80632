// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package symbolizer classifies code addresses produced by an unwind as
// belonging to a known image (and possibly a symbol in it) or to opaque
// memory such as a JIT region.
package symbolizer // import "go.opentelemetry.io/fpwalk/symbolizer"

import (
	"fmt"

	"go.opentelemetry.io/fpwalk/libpf"
)

// Kind is the kind of a classification.
type Kind uint8

const (
	// Unknown marks addresses outside of any known image, e.g. JIT code.
	Unknown Kind = iota
	// KnownImage marks addresses within a symbol mapped image.
	KnownImage
)

func (k Kind) String() string {
	switch k {
	case KnownImage:
		return "image"
	case Unknown:
		return "unknown"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Classification is the result of classifying one address.
type Classification struct {
	Kind Kind `json:"kind"`
	// Image is the path of the image containing the address.
	Image string `json:"image,omitempty"`
	// Offset is the static offset of the address within Image, i.e. the
	// file offset it was mapped from.
	Offset uint64 `json:"offset,omitempty"`
	// Symbol is the demangled name of the enclosing function, if known.
	Symbol string `json:"symbol,omitempty"`
	// SymbolOffset is the offset of the address from the start of Symbol.
	SymbolOffset uint64 `json:"symbolOffset,omitempty"`
}

func (c Classification) String() string {
	switch {
	case c.Kind != KnownImage:
		return "??"
	case c.Symbol != "":
		return fmt.Sprintf("%s`%s+0x%x", c.Image, c.Symbol, c.SymbolOffset)
	default:
		return fmt.Sprintf("%s+0x%x", c.Image, c.Offset)
	}
}

// AddressClassifier classifies code addresses. Implementations must be safe
// for concurrent use. Addresses passed in are canonical code addresses, with
// any instruction set mode bits already removed.
type AddressClassifier interface {
	Classify(addr libpf.Address) Classification
}

// ClassifierFunc adapts a function to the AddressClassifier interface.
type ClassifierFunc func(addr libpf.Address) Classification

func (f ClassifierFunc) Classify(addr libpf.Address) Classification {
	return f(addr)
}

// ReturnAddressClassifier is implemented by classifiers that attribute a
// return address to the call instruction before it.
type ReturnAddressClassifier interface {
	ClassifyReturnAddress(ret libpf.Address) Classification
}

// ClassifyReturnAddress classifies ret, a return address with mode bits
// removed. Image and symbol lookups happen at ret-1, inside the call, so that
// a call ending a function is not attributed to the next one. The offsets of
// the result still refer to ret itself. Classifiers that do not implement
// ReturnAddressClassifier are passed ret unchanged.
func ClassifyReturnAddress(c AddressClassifier, ret libpf.Address) Classification {
	if rc, ok := c.(ReturnAddressClassifier); ok {
		return rc.ClassifyReturnAddress(ret)
	}
	return c.Classify(ret)
}

// Opaque classifies every address as Unknown. Useful when no image
// information is available.
var Opaque AddressClassifier = ClassifierFunc(func(libpf.Address) Classification {
	return Classification{}
})
