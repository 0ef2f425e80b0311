// Copyright 2026 The Keel Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the one raw-output path keel binaries are
// allowed outside the structured logger: reporting a fatal error from
// main() before or after logging is available.
package process

import (
	"errors"
	"fmt"
	"os"
)

// exitCoder is implemented by errors that carry a process exit code,
// such as sandbox.ExitError from a command that ran to completion.
type exitCoder interface {
	ExitCode() int
}

// Fatal writes "error: err" to stderr and exits. The exit code is taken
// from err when it carries one, 1 otherwise.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(ExitCode(err))
}

// ExitCode returns the exit code main() should use for err: 0 for nil,
// the wrapped code for errors that carry one, 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var coder exitCoder
	if errors.As(err, &coder) && coder.ExitCode() > 0 {
		return coder.ExitCode()
	}
	return 1
}
