// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/fpwalk/arch"
	"go.opentelemetry.io/fpwalk/fpunwind"
	"go.opentelemetry.io/fpwalk/libpf"
	"go.opentelemetry.io/fpwalk/process"
	"go.opentelemetry.io/fpwalk/remotememory"
	"go.opentelemetry.io/fpwalk/report"
	"go.opentelemetry.io/fpwalk/symbolizer"
)

type stackCmd struct {
	outputArgs

	dumpPath string
	archName string
	mapsPath string
	sysroot  string
	base     addrFlag
	fp       addrFlag
	pc       addrFlag
	sp       addrFlag
	pacMask  addrFlag
}

func newStackCmd(out io.Writer) *ffcli.Command {
	args := &stackCmd{outputArgs: outputArgs{out: out}}

	set := flag.NewFlagSet("stack", flag.ExitOnError)
	set.StringVar(&args.dumpPath, "dump", "", "Raw stack memory dump (.zst compressed accepted)")
	set.StringVar(&args.archName, "arch", "arm64", "Architecture profile (arm64, thumb, arm, amd64)")
	set.StringVar(&args.mapsPath, "maps", "", "/proc/PID/maps of the target for classification")
	set.StringVar(&args.sysroot, "sysroot", "", "Directory to look up mapped images in")
	set.Var(&args.base, "base", "Address the dump was taken from")
	set.Var(&args.fp, "fp", "Frame pointer register")
	set.Var(&args.pc, "pc", "Program counter register")
	set.Var(&args.sp, "sp", "Stack pointer register")
	set.Var(&args.pacMask, "pac-mask", "AArch64 pointer authentication code mask")
	args.register(set)

	return &ffcli.Command{
		Name:       "stack",
		Exec:       args.exec,
		ShortUsage: "stack -dump <file> -base <addr> -fp <addr> [flags]",
		ShortHelp:  "Unwind a raw stack memory dump",
		FlagSet:    set,
		Options:    options(),
	}
}

func (cmd *stackCmd) exec(context.Context, []string) error {
	cmd.setup()
	if cmd.dumpPath == "" {
		return errors.New("please specify `-dump`")
	}
	p, err := arch.ByName(cmd.archName)
	if err != nil {
		return err
	}
	if cmd.pacMask != 0 {
		p = p.WithPointerAuthMask(uint64(cmd.pacMask))
	}

	data, err := readInput(cmd.dumpPath)
	if err != nil {
		return err
	}
	mem := remotememory.NewBuffer(libpf.Address(cmd.base), data)
	log.Debugf("Stack dump covers %v", mem.Bounds)

	classifier := symbolizer.Opaque
	if cmd.mapsPath != "" {
		classifier, err = cmd.classifier()
		if err != nil {
			return err
		}
	}

	snap := fpunwind.RegisterSnapshot{
		FramePointer:   libpf.Address(cmd.fp),
		ProgramCounter: libpf.Address(cmd.pc),
		StackPointer:   libpf.Address(cmd.sp),
	}
	bt, err := report.Unwind(snap, p, mem, fpunwind.Options{
		Bounds:   mem.Bounds,
		MaxDepth: cmd.maxDepth,
	}, classifier, nil)
	if err != nil {
		return err
	}
	return cmd.write([]report.Backtrace{bt})
}

func (cmd *stackCmd) classifier() (symbolizer.AddressClassifier, error) {
	f, err := os.Open(cmd.mapsPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	mappings, numParseErrors, err := process.ParseMappings(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", cmd.mapsPath, err)
	}
	if numParseErrors > 0 {
		log.Warnf("Skipped %d unparsable lines in %s", numParseErrors, cmd.mapsPath)
	}
	cached, err := report.NewClassifier(mappings, symbolizer.FileOpener{Root: cmd.sysroot})
	if err != nil {
		return nil, err
	}
	return cached, nil
}
