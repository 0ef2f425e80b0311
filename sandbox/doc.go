// Copyright 2026 The Keel Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox resolves and runs build commands inside a container
// root.
//
// A [Context] carries the sandbox root, the base environment, and the
// [Supervisor] that actually starts processes. Commands are resolved
// against the PATH of the base environment as seen from inside the
// root ([Context.Resolve]), described by a [Descriptor], and handed to
// the supervisor, which reports either an exit code or that the
// process was killed ([Outcome]).
//
// [Context.RunAt] and its shorthands map the outcome onto errors:
// [ErrProcessKilled] for a killed process and [*ExitError] for a
// non-zero exit. [Context.CaptureOutput] attaches a pipe to the child's
// standard output and drains it while the child runs, so output larger
// than the kernel pipe buffer cannot stall the child.
//
// Two supervisors are provided. [ChrootSupervisor] starts the process
// directly with chroot(2) and needs CAP_SYS_CHROOT. [BwrapSupervisor]
// wraps it in bubblewrap, binding the root as the new filesystem root,
// and works unprivileged where user namespaces are enabled.
// [DetectCapabilities] reports which of the two can work on the host.
package sandbox
