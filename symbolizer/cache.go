// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package symbolizer // import "go.opentelemetry.io/fpwalk/symbolizer"

import (
	"go.opentelemetry.io/fpwalk/libpf"
	"go.opentelemetry.io/fpwalk/libpf/freelru"
)

// DefaultCacheSize is the number of classifications a Cached keeps by default.
const DefaultCacheSize = 4096

// Cached memoizes the results of an underlying classifier in an LRU. It is
// meant to sit in front of expensive classifiers when many unwinds share the
// same return addresses, e.g. all threads of one process.
type Cached struct {
	next  AddressClassifier
	cache *freelru.LRU[cacheKey, Classification]
}

// cacheKey separates return address lookups from plain ones of the same address.
type cacheKey struct {
	addr libpf.Address
	ret  bool
}

func (k cacheKey) hash32() uint32 {
	h := k.addr.Hash32()
	if k.ret {
		h = ^h
	}
	return h
}

var (
	_ AddressClassifier       = (*Cached)(nil)
	_ ReturnAddressClassifier = (*Cached)(nil)
)

// NewCached wraps next with an LRU of the given size. Zero selects DefaultCacheSize.
func NewCached(next AddressClassifier, size uint32) (*Cached, error) {
	if size == 0 {
		size = DefaultCacheSize
	}
	cache, err := freelru.New[cacheKey, Classification](size, cacheKey.hash32)
	if err != nil {
		return nil, err
	}
	return &Cached{next: next, cache: cache}, nil
}

func (c *Cached) Classify(addr libpf.Address) Classification {
	key := cacheKey{addr: addr}
	if res, ok := c.cache.Get(key); ok {
		return res
	}
	res := c.next.Classify(addr)
	c.cache.Add(key, res)
	return res
}

func (c *Cached) ClassifyReturnAddress(ret libpf.Address) Classification {
	key := cacheKey{addr: ret, ret: true}
	if res, ok := c.cache.Get(key); ok {
		return res
	}
	res := ClassifyReturnAddress(c.next, ret)
	c.cache.Add(key, res)
	return res
}

// Statistics returns and resets the cache statistics.
func (c *Cached) Statistics() freelru.Statistics {
	return c.cache.GetAndResetStatistics()
}
