// Copyright 2026 The Keel Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"
)

// ChrootSupervisor runs descriptors as direct children chrooted into
// the descriptor's root. It needs CAP_SYS_CHROOT.
type ChrootSupervisor struct {
	// Stderr receives the child's standard error. Defaults to
	// os.Stderr.
	Stderr io.Writer
}

// Run starts the process and waits for it. Cancelling ctx kills the
// process, which is reported as Killed.
func (s *ChrootSupervisor) Run(ctx context.Context, descriptor *Descriptor) (Outcome, error) {
	cmd := exec.CommandContext(ctx, descriptor.Path, descriptor.Args...)
	cmd.Dir = descriptor.Workdir
	cmd.Env = descriptor.EnvList()
	cmd.Stdout = os.Stdout
	if descriptor.Stdout != nil {
		cmd.Stdout = descriptor.Stdout
	}
	cmd.Stderr = os.Stderr
	if s.Stderr != nil {
		cmd.Stderr = s.Stderr
	}
	// chroot(2) happens in the child before chdir, so Dir is relative
	// to the new root.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Chroot:  descriptor.Chroot,
		Setpgid: true,
	}
	return waitOutcome(cmd.Run())
}

// waitOutcome maps the result of exec.Cmd.Run onto an Outcome.
func waitOutcome(err error) (Outcome, error) {
	if err == nil {
		return Exited(0), nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return Outcome{}, err
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return Killed(), nil
	}
	return Exited(exitErr.ExitCode()), nil
}
