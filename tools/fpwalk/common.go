// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/peterbourgon/ff/v3"
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/fpwalk/libpf"
	fplog "go.opentelemetry.io/fpwalk/log"
	"go.opentelemetry.io/fpwalk/metrics"
	"go.opentelemetry.io/fpwalk/report"
)

// outputArgs are the flags shared by all subcommands.
type outputArgs struct {
	out      io.Writer
	json     bool
	maxDepth int
	verbose  bool
	stats    bool
}

func (a *outputArgs) register(set *flag.FlagSet) {
	set.BoolVar(&a.json, "json", false, "Write backtraces as JSON.")
	set.IntVar(&a.maxDepth, "max-depth", 0, "Maximum number of frames per backtrace (0: default).")
	set.BoolVar(&a.verbose, "v", false, "Enable debug logging.")
	set.BoolVar(&a.stats, "stats", false, "Log unwind statistics when done.")
}

// options returns the ff options applied to every subcommand flag set.
func options() []ff.Option {
	return []ff.Option{ff.WithEnvVarPrefix(envVarPrefix)}
}

func (a *outputArgs) setup() {
	if a.verbose {
		log.SetLevel(log.DebugLevel)
		fplog.SetLevel(slog.LevelDebug)
	}
}

func (a *outputArgs) write(bts []report.Backtrace) error {
	if a.stats {
		totals := metrics.Totals()
		for _, id := range slices.Sorted(maps.Keys(totals)) {
			log.Infof("%s: %d", metrics.Name(id), totals[id])
		}
	}
	if a.json {
		return report.WriteJSON(a.out, bts)
	}
	for i := range bts {
		if err := report.WriteText(a.out, &bts[i]); err != nil {
			return err
		}
	}
	return nil
}

// addrFlag is a flag.Value for addresses in C integer notation.
type addrFlag libpf.Address

func (a *addrFlag) String() string {
	return libpf.Address(*a).String()
}

func (a *addrFlag) Set(s string) error {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", s, err)
	}
	*a = addrFlag(v)
	return nil
}

// parseLWPs parses a comma separated list of thread IDs.
func parseLWPs(s string) ([]uint32, error) {
	if s == "" {
		return nil, nil
	}
	var lwps []uint32
	for _, field := range strings.Split(s, ",") {
		lwp, err := strconv.ParseUint(strings.TrimSpace(field), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("failed to parse LWP: %v", err)
		}
		lwps = append(lwps, uint32(lwp))
	}
	return lwps, nil
}

// readInput reads a file, decompressing it if it has the .zst suffix.
func readInput(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".zst") {
		return data, nil
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	defer dec.Close()
	decompressed, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress %s: %w", path, err)
	}
	return decompressed, nil
}

// readerAt returns the contents of path as an io.ReaderAt.
func readerAt(path string) (io.ReaderAt, error) {
	data, err := readInput(path)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}
