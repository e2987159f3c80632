// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package report turns frame pointer walks into backtraces: the ordered
// frame records of one thread with their classification.
package report // import "go.opentelemetry.io/fpwalk/report"

import (
	"errors"

	"github.com/google/uuid"

	"go.opentelemetry.io/fpwalk/arch"
	"go.opentelemetry.io/fpwalk/callsite"
	"go.opentelemetry.io/fpwalk/fpunwind"
	"go.opentelemetry.io/fpwalk/libpf"
	"go.opentelemetry.io/fpwalk/metrics"
	"go.opentelemetry.io/fpwalk/symbolizer"
)

// Record is one frame of a backtrace.
type Record struct {
	Ordinal int `json:"ordinal"`
	// Address is the canonical return address of the frame.
	Address libpf.Address `json:"address"`
	// RawAddress is the return address as stored on the stack.
	RawAddress     libpf.Address             `json:"rawAddress"`
	FramePointer   libpf.Address             `json:"fp"`
	Classification symbolizer.Classification `json:"classification"`
	// CallSite is only set if call sites were verified.
	CallSite callsite.Result `json:"callSite,omitempty"`
}

// Backtrace is the result of one walk.
type Backtrace struct {
	ID     uuid.UUID `json:"id"`
	Thread uint32    `json:"thread,omitempty"`
	Arch   string    `json:"arch"`
	// PC is the canonical program counter the walk started at.
	PC               libpf.Address             `json:"pc"`
	PCClassification symbolizer.Classification `json:"pcClassification"`
	Records          []Record                  `json:"frames"`
	Stop             fpunwind.StopReason       `json:"stop"`
	// Err describes the read failure or invalid snapshot that ended the walk.
	Err string `json:"error,omitempty"`
}

var stopMetrics = [...]metrics.MetricID{
	fpunwind.StopEndOfChain:   metrics.IDUnwindStopEndOfChain,
	fpunwind.StopNonMonotonic: metrics.IDUnwindStopNonMonotonic,
	fpunwind.StopOutOfBounds:  metrics.IDUnwindStopOutOfBounds,
	fpunwind.StopUnreadable:   metrics.IDUnwindStopUnreadable,
	fpunwind.StopMaxDepth:     metrics.IDUnwindStopMaxDepth,
}

// Build drains it into a Backtrace. Every return address is classified with
// classifier, which may be nil, as the call it returns from (see
// symbolizer.ClassifyReturnAddress). The PC is classified as is. If verifier
// is not nil, each return address is also checked to follow a call
// instruction.
func Build(it *fpunwind.Iterator, classifier symbolizer.AddressClassifier,
	verifier *callsite.Verifier) Backtrace {
	if classifier == nil {
		classifier = symbolizer.Opaque
	}
	p := it.Profile()
	bt := Backtrace{
		ID:               uuid.New(),
		Arch:             p.Name,
		PC:               it.PC(),
		PCClassification: classifier.Classify(it.PC()),
	}

	mismatches := 0
	for f := range fpunwind.Frames(it) {
		rec := Record{
			Ordinal:        f.Ordinal,
			Address:        f.ReturnAddress,
			RawAddress:     f.RawReturnAddress,
			FramePointer:   f.FramePointer,
			Classification: symbolizer.ClassifyReturnAddress(classifier, f.ReturnAddress),
		}
		if verifier != nil {
			rec.CallSite = verifier.Verify(p, f.RawReturnAddress)
			if rec.CallSite == callsite.NotCall {
				mismatches++
			}
		}
		bt.Records = append(bt.Records, rec)
	}
	bt.Stop = it.Stop()
	if err := it.Err(); err != nil {
		bt.Err = err.Error()
	}

	m := []metrics.Metric{
		{ID: metrics.IDUnwindStarted, Value: 1},
		{ID: metrics.IDUnwindFrames, Value: metrics.MetricValue(len(bt.Records))},
		{ID: metrics.IDCallSiteMismatch, Value: metrics.MetricValue(mismatches)},
	}
	if int(bt.Stop) < len(stopMetrics) && stopMetrics[bt.Stop] != 0 {
		m = append(m, metrics.Metric{ID: stopMetrics[bt.Stop], Value: 1})
	}
	metrics.AddSlice(m)
	return bt
}

// Unwind walks the frame chain from snap and builds its Backtrace. The only
// error is an invalid snapshot, see fpunwind.Unwind.
func Unwind(snap fpunwind.RegisterSnapshot, p *arch.Profile, mem fpunwind.Memory,
	opts fpunwind.Options, classifier symbolizer.AddressClassifier,
	verifier *callsite.Verifier) (Backtrace, error) {
	it, err := fpunwind.Unwind(snap, p, mem, opts)
	if err != nil {
		if errors.Is(err, fpunwind.ErrInvalidSnapshot) {
			metrics.Add(metrics.IDUnwindInvalidSnapshot, 1)
		}
		return Backtrace{}, err
	}
	return Build(it, classifier, verifier), nil
}
