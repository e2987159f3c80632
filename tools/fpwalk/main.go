// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// fpwalk reconstructs call stacks by walking frame pointer chains in raw
// stack dumps, coredumps and live processes.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/fpwalk/vc"
)

// envVarPrefix is the prefix of environment variables that set flags,
// e.g. FPWALK_MAX_DEPTH for -max-depth.
const envVarPrefix = "FPWALK"

func newRootCmd(out io.Writer) *ffcli.Command {
	var version bool
	set := flag.NewFlagSet("fpwalk", flag.ExitOnError)
	set.BoolVar(&version, "version", false, "Show version.")

	return &ffcli.Command{
		Name:       "fpwalk",
		ShortUsage: "fpwalk <subcommand> [flags]",
		ShortHelp:  "Frame pointer stack walker",
		FlagSet:    set,
		Options:    []ff.Option{ff.WithEnvVarPrefix(envVarPrefix)},
		Subcommands: []*ffcli.Command{
			newStackCmd(out),
			newCoreCmd(out),
			newPIDCmd(out),
		},
		Exec: func(context.Context, []string) error {
			if version {
				_, err := io.WriteString(out, "fpwalk "+vc.Version()+" ("+vc.Revision()+")\n")
				return err
			}
			return flag.ErrHelp
		},
	}
}

func main() {
	log.SetReportCaller(false)
	log.SetFormatter(&log.TextFormatter{})

	root := newRootCmd(os.Stdout)
	if err := root.ParseAndRun(context.Background(), os.Args[1:]); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			log.Fatalf("%v", err)
		}
	}
}
