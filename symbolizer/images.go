// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package symbolizer // import "go.opentelemetry.io/fpwalk/symbolizer"

import (
	"sort"

	"go.opentelemetry.io/fpwalk/libpf"
	"go.opentelemetry.io/fpwalk/process"
)

// Image is one executable, file backed mapping.
type Image struct {
	Path       string
	Start      libpf.Address
	End        libpf.Address
	FileOffset uint64
}

// Images classifies addresses by the image list of a process, in the way a
// debugger's `image lookup -a` would without symbol information.
type Images struct {
	images []Image
}

var (
	_ AddressClassifier       = (*Images)(nil)
	_ ReturnAddressClassifier = (*Images)(nil)
)

// NewImages builds a classifier from the given images. Empty or inverted
// ranges are ignored.
func NewImages(images []Image) *Images {
	res := &Images{images: make([]Image, 0, len(images))}
	for _, im := range images {
		if im.End <= im.Start {
			continue
		}
		res.images = append(res.images, im)
	}
	sort.Slice(res.images, func(i, j int) bool {
		return res.images[i].Start < res.images[j].Start
	})
	return res
}

// ImagesFromMappings builds a classifier from process mappings. Only
// executable, file backed mappings become images: anonymous executable
// memory is where JIT code lives and stays Unknown.
func ImagesFromMappings(mappings []process.Mapping) *Images {
	images := make([]Image, 0, len(mappings))
	for i := range mappings {
		m := &mappings[i]
		if !m.IsExecutable() || m.IsAnonymous() {
			continue
		}
		images = append(images, Image{
			Path:       m.Path,
			Start:      libpf.Address(m.Vaddr),
			End:        libpf.Address(m.Vaddr + m.Length),
			FileOffset: m.FileOffset,
		})
	}
	return NewImages(images)
}

// Len returns the number of images.
func (im *Images) Len() int {
	return len(im.images)
}

// Lookup returns the image containing addr.
func (im *Images) Lookup(addr libpf.Address) (Image, bool) {
	idx := sort.Search(len(im.images), func(i int) bool {
		return im.images[i].Start > addr
	}) - 1
	if idx < 0 || addr >= im.images[idx].End {
		return Image{}, false
	}
	return im.images[idx], true
}

func (im *Images) Classify(addr libpf.Address) Classification {
	image, ok := im.Lookup(addr)
	if !ok {
		return Classification{Kind: Unknown}
	}
	return Classification{
		Kind:   KnownImage,
		Image:  image.Path,
		Offset: uint64(addr-image.Start) + image.FileOffset,
	}
}

// ClassifyReturnAddress classifies ret by the image containing ret-1, so a
// return address at the very end of an image still belongs to it.
func (im *Images) ClassifyReturnAddress(ret libpf.Address) Classification {
	if ret == 0 {
		return Classification{Kind: Unknown}
	}
	c := im.Classify(ret - 1)
	if c.Kind == KnownImage {
		c.Offset++
	}
	return c
}
