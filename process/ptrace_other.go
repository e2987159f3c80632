//go:build !linux

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package process // import "go.opentelemetry.io/fpwalk/process"

import (
	"errors"

	"go.opentelemetry.io/fpwalk/libpf"
)

// NewPtrace is only supported on Linux.
func NewPtrace(_ libpf.PID) (Process, error) {
	return nil, errors.New("ptrace is not supported on this platform")
}
