// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"strings"

	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/fpwalk/process"
	"go.opentelemetry.io/fpwalk/report"
)

type coreCmd struct {
	outputArgs

	corePath    string
	sysroot     string
	lwpFilter   string
	verify      bool
	concurrency int
}

func newCoreCmd(out io.Writer) *ffcli.Command {
	args := &coreCmd{outputArgs: outputArgs{out: out}}

	set := flag.NewFlagSet("core", flag.ExitOnError)
	set.StringVar(&args.corePath, "core", "", "Path of the coredump to unwind (.zst compressed accepted)")
	set.StringVar(&args.sysroot, "sysroot", "", "Directory to look up mapped images in")
	set.StringVar(&args.lwpFilter, "lwp", "", "Only unwind certain threads (comma separated)")
	set.BoolVar(&args.verify, "verify", false, "Check that return addresses follow a call")
	set.IntVar(&args.concurrency, "concurrency", 0, "Number of threads unwound in parallel")
	args.register(set)

	return &ffcli.Command{
		Name:       "core",
		Exec:       args.exec,
		ShortUsage: "core -core <file> [flags]",
		ShortHelp:  "Unwind the threads of a coredump",
		FlagSet:    set,
		Options:    options(),
	}
}

func openCoredump(path string) (*process.CoredumpProcess, error) {
	if !strings.HasSuffix(path, ".zst") {
		return process.OpenCoredump(path)
	}
	r, err := readerAt(path)
	if err != nil {
		return nil, err
	}
	return process.NewCoredump(r)
}

func (cmd *coreCmd) exec(ctx context.Context, _ []string) error {
	cmd.setup()
	if cmd.corePath == "" {
		return errors.New("please specify `-core`")
	}
	lwps, err := parseLWPs(cmd.lwpFilter)
	if err != nil {
		return err
	}

	cd, err := openCoredump(cmd.corePath)
	if err != nil {
		return err
	}
	defer cd.Close()
	cd.SysRoot = cmd.sysroot
	log.Debugf("Coredump of PID %d, machine %v", cd.PID(), cd.GetMachineData().Machine)

	bts, err := report.UnwindThreads(ctx, cd, report.Options{
		MaxDepth:        cmd.maxDepth,
		Threads:         lwps,
		VerifyCallSites: cmd.verify,
		Concurrency:     cmd.concurrency,
	})
	if err != nil {
		return err
	}
	return cmd.write(bts)
}
