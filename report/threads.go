// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package report // import "go.opentelemetry.io/fpwalk/report"

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"

	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/fpwalk/callsite"
	"go.opentelemetry.io/fpwalk/fpunwind"
	"go.opentelemetry.io/fpwalk/internal/log"
	"go.opentelemetry.io/fpwalk/metrics"
	"go.opentelemetry.io/fpwalk/process"
	"go.opentelemetry.io/fpwalk/remotememory"
	"go.opentelemetry.io/fpwalk/symbolizer"
)

// Options configures UnwindThreads.
type Options struct {
	// MaxDepth limits the frames per thread. Zero selects fpunwind.DefaultMaxDepth.
	MaxDepth int
	// Threads restricts the walk to the given LWPs. Empty means all threads.
	Threads []uint32
	// Classifier classifies return addresses. If nil, one is built from the
	// process mappings with NewClassifier.
	Classifier symbolizer.AddressClassifier
	// VerifyCallSites enables the call site check of every return address.
	VerifyCallSites bool
	// Concurrency limits the number of concurrent walks. Zero selects GOMAXPROCS.
	Concurrency int
}

// NewClassifier builds the default classifier for a process: executable file
// mappings are known images, symbolized from their ELF files opened with
// opener, and results are cached.
func NewClassifier(mappings []process.Mapping, opener symbolizer.Opener) (*symbolizer.Cached, error) {
	images := symbolizer.ImagesFromMappings(mappings)
	log.Debugf("Classifying return addresses with %d images", images.Len())
	return symbolizer.NewCached(symbolizer.NewELFSymbols(images, opener), 0)
}

// UnwindThreads walks the stacks of the threads of proc concurrently. The
// stack of each thread is bounded by the mapping its stack pointer is in.
// Threads that cannot be walked are reported with Err set. The returned
// backtraces are in the order of proc.GetThreads.
func UnwindThreads(ctx context.Context, proc process.Process, opts Options) ([]Backtrace, error) {
	threads, err := proc.GetThreads()
	if err != nil {
		return nil, fmt.Errorf("failed to get threads: %w", err)
	}
	if len(opts.Threads) > 0 {
		threads = slices.DeleteFunc(slices.Clone(threads), func(ti process.ThreadInfo) bool {
			return !slices.Contains(opts.Threads, ti.LWP)
		})
	}
	metrics.Add(metrics.IDTargetThreads, metrics.MetricValue(len(threads)))

	mappings, numParseErrors, err := proc.GetMappings()
	if err != nil && !errors.Is(err, process.ErrNoMappings) {
		return nil, fmt.Errorf("failed to get mappings: %w", err)
	}
	if numParseErrors > 0 {
		log.Warnf("Failed to parse %d mappings of PID %d", numParseErrors, proc.PID())
	}

	classifier := opts.Classifier
	if classifier == nil {
		cached, err := NewClassifier(mappings, proc)
		if err != nil {
			return nil, err
		}
		defer func() {
			stats := cached.Statistics()
			metrics.AddSlice([]metrics.Metric{
				{ID: metrics.IDClassifierCacheHit, Value: metrics.MetricValue(stats.Hit)},
				{ID: metrics.IDClassifierCacheMiss, Value: metrics.MetricValue(stats.Miss)},
			})
		}()
		classifier = cached
	}

	md := proc.GetMachineData()
	mem := proc.GetRemoteMemory()
	var verifier *callsite.Verifier
	if opts.VerifyCallSites {
		verifier = &callsite.Verifier{Memory: mem}
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = runtime.GOMAXPROCS(0)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	result := make([]Backtrace, len(threads))
	for i, ti := range threads {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			result[i] = unwindThread(ti, md, mappings, mem, opts.MaxDepth, classifier, verifier)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

func unwindThread(ti process.ThreadInfo, md process.MachineData, mappings []process.Mapping,
	mem remotememory.RemoteMemory, maxDepth int, classifier symbolizer.AddressClassifier,
	verifier *callsite.Verifier) Backtrace {
	snap, p, err := ti.Snapshot(md)
	if err != nil {
		return Backtrace{Thread: ti.LWP, Err: err.Error()}
	}
	bounds := process.StackBounds(mappings, snap.StackPointer)
	bt, err := Unwind(snap, p, mem.WithBounds(bounds), fpunwind.Options{
		Bounds:   bounds,
		MaxDepth: maxDepth,
	}, classifier, verifier)
	if err != nil {
		log.Debugf("Thread %d: %v", ti.LWP, err)
		bt = Backtrace{Arch: p.Name, PC: p.CodeAddress(snap.ProgramCounter), Err: err.Error()}
	}
	bt.Thread = ti.LWP
	return bt
}
