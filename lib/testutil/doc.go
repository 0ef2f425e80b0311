// Copyright 2026 The Keel Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for keel packages.
//
// [OpenDescriptors] counts the calling process's open file descriptors
// so tests can prove that pipes and child-process plumbing release
// everything they allocate.
//
// [RequireReceive] encapsulates the timeout safety valve pattern
// (select with time.After fallback) so that tests waiting on a
// goroutine never hang the whole suite.
//
// [WriteFile] creates a file (and its parent directories) under a test
// directory, the usual setup step for sandbox-root and workdir
// fixtures.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package has no keel-internal dependencies.
package testutil
