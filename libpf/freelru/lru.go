// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package freelru is a wrapper around go-freelru.SyncedLRU with additional
// statistics embedded. It is safe for concurrent use.
package freelru // import "go.opentelemetry.io/fpwalk/libpf/freelru"

import (
	"sync/atomic"

	lru "github.com/elastic/go-freelru"
)

// LRU is a wrapper around go-freelru.SyncedLRU with additional statistics embedded.
type LRU[K comparable, V any] struct {
	lru *lru.SyncedLRU[K, V]

	hit   atomic.Uint64
	miss  atomic.Uint64
	added atomic.Uint64
}

type Statistics struct {
	// Number of times for a hit of a cache entry.
	Hit uint64
	// Number of times for a miss of a cache entry.
	Miss uint64
	// Number of elements that were added to the cache.
	Added uint64
}

func New[K comparable, V any](capacity uint32, hash lru.HashKeyCallback[K]) (*LRU[K, V], error) {
	cache, err := lru.NewSynced[K, V](capacity, hash)
	if err != nil {
		return nil, err
	}
	return &LRU[K, V]{lru: cache}, nil
}

func (c *LRU[K, V]) Add(key K, value V) (evicted bool) {
	c.added.Add(1)
	return c.lru.Add(key, value)
}

func (c *LRU[K, V]) Get(key K) (value V, ok bool) {
	value, ok = c.lru.Get(key)
	if ok {
		c.hit.Add(1)
	} else {
		c.miss.Add(1)
	}
	return value, ok
}

// GetAndResetStatistics returns the internal statistics for this LRU and resets all values to 0.
func (c *LRU[K, V]) GetAndResetStatistics() Statistics {
	return Statistics{
		Hit:   c.hit.Swap(0),
		Miss:  c.miss.Swap(0),
		Added: c.added.Swap(0),
	}
}
