// Copyright 2026 The Keel Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
)

// Bind mount modes.
const (
	MountModeRO = "ro"
	MountModeRW = "rw"
)

// Namespaces selects the namespaces bubblewrap unshares.
type Namespaces struct {
	PID bool
	Net bool
	IPC bool
	UTS bool
}

// BwrapOptions holds options for building a bwrap command.
type BwrapOptions struct {
	// Root is the host directory bound as the new filesystem root.
	Root string

	// Workdir is the working directory inside Root.
	Workdir string

	// Binds are additional bind mounts on top of Root.
	// Format: "source:dest[:mode]" where mode is "ro" or "rw".
	Binds []string

	// Namespaces to unshare.
	Namespaces Namespaces

	// Env is the complete environment of the command.
	Env map[string]string

	// Command is the program path inside Root followed by its
	// arguments.
	Command []string
}

// BwrapBuilder builds bubblewrap command-line arguments.
type BwrapBuilder struct {
	args []string
}

// NewBwrapBuilder creates a new builder.
func NewBwrapBuilder() *BwrapBuilder {
	return &BwrapBuilder{}
}

// Build constructs the bwrap arguments from options.
func (b *BwrapBuilder) Build(opts *BwrapOptions) ([]string, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("root is required")
	}
	if len(opts.Command) == 0 {
		return nil, fmt.Errorf("command is required")
	}

	b.args = []string{}

	b.addNamespaces(opts.Namespaces)

	// The sandbox never outlives keel, and gets its own session so it
	// cannot push input into keel's terminal.
	b.args = append(b.args, "--new-session", "--die-with-parent")

	// The root first: later mounts land on top of it.
	b.args = append(b.args, "--bind", opts.Root, "/")
	b.args = append(b.args, "--proc", "/proc")
	b.args = append(b.args, "--dev", "/dev")

	if err := b.addBinds(opts.Binds); err != nil {
		return nil, err
	}

	if opts.Workdir != "" {
		b.args = append(b.args, "--chdir", opts.Workdir)
	}

	b.args = append(b.args, "--clearenv")
	// Sort keys for deterministic output.
	keys := make([]string, 0, len(opts.Env))
	for key := range opts.Env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		b.args = append(b.args, "--setenv", key, opts.Env[key])
	}

	b.args = append(b.args, "--")
	b.args = append(b.args, opts.Command...)

	return b.args, nil
}

// addNamespaces adds namespace unsharing options.
func (b *BwrapBuilder) addNamespaces(ns Namespaces) {
	if ns.PID {
		b.args = append(b.args, "--unshare-pid")
	}
	if ns.Net {
		b.args = append(b.args, "--unshare-net")
	}
	if ns.IPC {
		b.args = append(b.args, "--unshare-ipc")
	}
	if ns.UTS {
		b.args = append(b.args, "--unshare-uts")
	}
}

// addBinds adds bind mounts given as "source:dest[:mode]".
func (b *BwrapBuilder) addBinds(binds []string) error {
	for _, bind := range binds {
		source, dest, mode, err := parseBindSpec(bind)
		if err != nil {
			return err
		}

		if mode == MountModeRO {
			b.args = append(b.args, "--ro-bind", source, dest)
		} else {
			b.args = append(b.args, "--bind", source, dest)
		}
	}
	return nil
}

// parseBindSpec parses a bind specification in format "source:dest[:mode]".
// Paths containing colons are not supported.
func parseBindSpec(spec string) (source, dest, mode string, err error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return "", "", "", fmt.Errorf("invalid bind spec %q: must be source:dest[:mode]", spec)
	}

	source = parts[0]
	dest = parts[1]
	mode = MountModeRW

	if len(parts) == 3 {
		if parts[2] != MountModeRO && parts[2] != MountModeRW {
			return "", "", "", fmt.Errorf("invalid bind mode %q: must be ro or rw", parts[2])
		}
		mode = parts[2]
	}
	if source == "" || dest == "" {
		return "", "", "", fmt.Errorf("invalid bind spec %q: empty path", spec)
	}

	return source, dest, mode, nil
}

// BwrapPath returns the path to the bwrap executable.
func BwrapPath() (string, error) {
	// Check common locations.
	paths := []string{
		"/usr/bin/bwrap",
		"/usr/local/bin/bwrap",
		"/bin/bwrap",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("bwrap not found in standard locations")
}

// BwrapSupervisor runs descriptors under bubblewrap, with the
// descriptor's root bound as "/". It works without privileges where
// unprivileged user namespaces are enabled.
//
// bwrap exits with 128+n when the sandboxed process dies of signal n;
// such an exit is reported as an exit code, not as Killed. Only a
// signal delivered to bwrap itself yields Killed.
type BwrapSupervisor struct {
	// Path is the bwrap executable. Defaults to BwrapPath().
	Path string

	// Binds are added to every command, e.g. the project directory at
	// DefaultWorkdir.
	Binds []string

	Namespaces Namespaces

	// Stderr receives the child's standard error. Defaults to
	// os.Stderr.
	Stderr io.Writer
}

// Command returns the full bwrap command line for a descriptor.
func (s *BwrapSupervisor) Command(descriptor *Descriptor) ([]string, error) {
	bwrapPath := s.Path
	if bwrapPath == "" {
		var err error
		if bwrapPath, err = BwrapPath(); err != nil {
			return nil, err
		}
	}
	args, err := NewBwrapBuilder().Build(&BwrapOptions{
		Root:       descriptor.Chroot,
		Workdir:    descriptor.Workdir,
		Binds:      s.Binds,
		Namespaces: s.Namespaces,
		Env:        descriptor.Env,
		Command:    descriptor.Argv(),
	})
	if err != nil {
		return nil, fmt.Errorf("building bwrap command: %w", err)
	}
	return append([]string{bwrapPath}, args...), nil
}

// Run starts bwrap and waits for it.
func (s *BwrapSupervisor) Run(ctx context.Context, descriptor *Descriptor) (Outcome, error) {
	command, err := s.Command(descriptor)
	if err != nil {
		return Outcome{}, err
	}
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)

	// The sandboxed environment is passed with --setenv. bwrap itself
	// gets a minimal one: with a nil Env it would inherit keel's, and
	// that stays readable in /proc/<pid>/environ from inside.
	cmd.Env = []string{"PATH=/usr/local/bin:/usr/bin:/bin"}

	cmd.Stdout = os.Stdout
	if descriptor.Stdout != nil {
		cmd.Stdout = descriptor.Stdout
	}
	cmd.Stderr = os.Stderr
	if s.Stderr != nil {
		cmd.Stderr = s.Stderr
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return waitOutcome(cmd.Run())
}
