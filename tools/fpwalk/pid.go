// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"io"

	"github.com/peterbourgon/ff/v3/ffcli"

	"go.opentelemetry.io/fpwalk/libpf"
	"go.opentelemetry.io/fpwalk/process"
	"go.opentelemetry.io/fpwalk/report"
)

type pidCmd struct {
	outputArgs

	pid       int
	lwpFilter string
	verify    bool
}

func newPIDCmd(out io.Writer) *ffcli.Command {
	args := &pidCmd{outputArgs: outputArgs{out: out}}

	set := flag.NewFlagSet("pid", flag.ExitOnError)
	set.IntVar(&args.pid, "pid", 0, "PID to attach to")
	set.StringVar(&args.lwpFilter, "lwp", "", "Only unwind certain threads (comma separated)")
	set.BoolVar(&args.verify, "verify", false, "Check that return addresses follow a call")
	args.register(set)

	return &ffcli.Command{
		Name:       "pid",
		Exec:       args.exec,
		ShortUsage: "pid -pid <pid> [flags]",
		ShortHelp:  "Stop a live process with ptrace and unwind its threads",
		FlagSet:    set,
		Options:    options(),
	}
}

func (cmd *pidCmd) exec(ctx context.Context, _ []string) error {
	cmd.setup()
	if cmd.pid <= 0 {
		return errors.New("please specify `-pid`")
	}
	lwps, err := parseLWPs(cmd.lwpFilter)
	if err != nil {
		return err
	}

	// The threads of the target stay stopped until Close.
	proc, err := process.NewPtrace(libpf.PID(cmd.pid))
	if err != nil {
		return err
	}
	bts, err := report.UnwindThreads(ctx, proc, report.Options{
		MaxDepth:        cmd.maxDepth,
		Threads:         lwps,
		VerifyCallSites: cmd.verify,
	})
	if closeErr := proc.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	return cmd.write(bts)
}
