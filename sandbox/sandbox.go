// Copyright 2026 The Keel Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"

	"github.com/keelbuild/keel/lib/pipe"
)

const (
	// DefaultRoot is the sandbox root used when Context.Root is empty.
	DefaultRoot = "/keel/root"

	// DefaultWorkdir is the working directory of build commands.
	DefaultWorkdir = "/work"
)

var (
	// ErrCommandNotFound is returned when no PATH entry contains the
	// command.
	ErrCommandNotFound = errors.New("command not found")

	// ErrNoPath is returned when an unqualified command is resolved in
	// an environment without PATH.
	ErrNoPath = errors.New("no PATH set")

	// ErrProcessKilled is returned when the supervisor reports the
	// process was killed rather than exiting.
	ErrProcessKilled = errors.New("process is dead")
)

// ExitError is returned for a command that exited with a non-zero
// status.
type ExitError struct {
	Argv []string
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command %q exited with status %d", e.Argv, e.Code)
}

// ExitCode returns the command's exit status.
func (e *ExitError) ExitCode() int {
	return e.Code
}

// Descriptor is everything a supervisor needs to start one sandboxed
// process.
type Descriptor struct {
	// Path is the executable as seen from inside Chroot.
	Path string

	// Workdir is the working directory inside Chroot.
	Workdir string

	// Chroot is the host directory that becomes the process's root.
	Chroot string

	// Args are the arguments after the program name.
	Args []string

	// Env is the complete environment of the process.
	Env map[string]string

	// Stdout receives the process's standard output. Nil inherits the
	// supervisor's own.
	Stdout *os.File
}

// Argv returns the path followed by the arguments.
func (d *Descriptor) Argv() []string {
	return append([]string{d.Path}, d.Args...)
}

// EnvList renders Env as KEY=value pairs sorted by key.
func (d *Descriptor) EnvList() []string {
	list := make([]string, 0, len(d.Env))
	for _, key := range slices.Sorted(maps.Keys(d.Env)) {
		list = append(list, key+"="+d.Env[key])
	}
	return list
}

// LogValue implements slog.LogValuer. The environment is omitted; it
// routinely carries credentials.
func (d *Descriptor) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("path", d.Path),
		slog.Any("args", d.Args),
		slog.String("workdir", d.Workdir),
		slog.String("chroot", d.Chroot),
	)
}

// Outcome is how a supervised process ended.
type Outcome struct {
	// Killed is set when the process was terminated by a signal.
	Killed bool

	// Code is the exit status; meaningful only when Killed is false.
	Code int
}

// Exited returns the outcome of a process that exited with code.
func Exited(code int) Outcome {
	return Outcome{Code: code}
}

// Killed returns the outcome of a process terminated by a signal.
func Killed() Outcome {
	return Outcome{Killed: true}
}

func (o Outcome) String() string {
	if o.Killed {
		return "killed"
	}
	return fmt.Sprintf("exit %d", o.Code)
}

// Supervisor starts a described process and waits for it to finish.
// The error return is reserved for failures to start or wait; how the
// process ended is reported in the Outcome.
type Supervisor interface {
	Run(ctx context.Context, descriptor *Descriptor) (Outcome, error)
}

// Context is the environment build commands run in.
type Context struct {
	// Root is the host directory commands are chrooted into. Defaults
	// to DefaultRoot.
	Root string

	// Environ is the base environment of every command. Its PATH is
	// used to resolve unqualified command names.
	Environ map[string]string

	// Supervisor runs the commands.
	Supervisor Supervisor

	Logger *slog.Logger
}

// Command resolves argv[0] and describes argv running in workdir with
// the base environment overlaid by extraEnv.
func (c *Context) Command(argv []string, workdir string, extraEnv map[string]string) (*Descriptor, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command line")
	}
	path, err := c.Resolve(argv[0])
	if err != nil {
		return nil, err
	}

	env := make(map[string]string, len(c.Environ)+len(extraEnv))
	maps.Copy(env, c.Environ)
	maps.Copy(env, extraEnv)

	return &Descriptor{
		Path:    path,
		Workdir: workdir,
		Chroot:  c.root(),
		Args:    slices.Clone(argv[1:]),
		Env:     env,
	}, nil
}

// RunAt runs argv in workdir with extraEnv overriding the base
// environment. A killed process yields ErrProcessKilled and a non-zero
// exit an *ExitError.
func (c *Context) RunAt(ctx context.Context, argv []string, workdir string, extraEnv map[string]string) error {
	descriptor, err := c.Command(argv, workdir, extraEnv)
	if err != nil {
		return err
	}
	outcome, err := c.supervise(ctx, descriptor)
	if err != nil {
		return err
	}
	return outcomeError(argv, outcome)
}

// RunIn runs argv in workdir with the base environment.
func (c *Context) RunIn(ctx context.Context, argv []string, workdir string) error {
	return c.RunAt(ctx, argv, workdir, nil)
}

// Run runs argv in DefaultWorkdir with the base environment.
func (c *Context) Run(ctx context.Context, argv []string) error {
	return c.RunAt(ctx, argv, DefaultWorkdir, nil)
}

// CaptureOutput runs argv in DefaultWorkdir and returns its standard
// output. Output is only returned for a zero exit; any other outcome
// discards it and reports the same errors as RunAt.
func (c *Context) CaptureOutput(ctx context.Context, argv []string, extraEnv map[string]string) ([]byte, error) {
	descriptor, err := c.Command(argv, DefaultWorkdir, extraEnv)
	if err != nil {
		return nil, err
	}

	output, err := pipe.New()
	if err != nil {
		return nil, err
	}
	defer output.Close()
	descriptor.Stdout = output.Writer()

	pending, err := output.StartRead()
	if err != nil {
		return nil, err
	}
	outcome, runErr := c.supervise(ctx, descriptor)
	data, readErr := pending.Finish()
	if runErr != nil {
		return nil, runErr
	}
	if err := outcomeError(argv, outcome); err != nil {
		return nil, err
	}
	if readErr != nil {
		return nil, fmt.Errorf("capturing output of %q: %w", argv, readErr)
	}
	return data, nil
}

func (c *Context) supervise(ctx context.Context, descriptor *Descriptor) (Outcome, error) {
	if c.Supervisor == nil {
		return Outcome{}, errors.New("sandbox context has no supervisor")
	}
	c.logger().Debug("running command", "command", descriptor)
	outcome, err := c.Supervisor.Run(ctx, descriptor)
	if err != nil {
		return Outcome{}, fmt.Errorf("running %q: %w", descriptor.Argv(), err)
	}
	return outcome, nil
}

func outcomeError(argv []string, outcome Outcome) error {
	switch {
	case outcome.Killed:
		return fmt.Errorf("command %q: %w", argv, ErrProcessKilled)
	case outcome.Code != 0:
		return &ExitError{Argv: slices.Clone(argv), Code: outcome.Code}
	default:
		return nil
	}
}

func (c *Context) root() string {
	if c.Root != "" {
		return c.Root
	}
	return DefaultRoot
}

func (c *Context) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
