// Copyright 2026 The Keel Authors
// SPDX-License-Identifier: Apache-2.0

// Package pipe wraps an OS pipe whose two descriptors have exactly one
// owner.
//
// A [Pipe] is created with both ends open. Callers hand [Pipe.Writer]
// (or [Pipe.Reader]) to a child process, then finish with exactly one
// terminal operation:
//
//   - [Pipe.Read] closes the write end and collects everything up to
//     end-of-stream.
//   - [Pipe.StartRead] begins draining the read end immediately on a
//     goroutine; [PendingRead.Finish] closes the write end and returns
//     the collected bytes. Use this when a child may write more than
//     the kernel pipe buffer before the parent is done waiting for it.
//   - [Pipe.Wakeup] closes the read end and writes one sentinel byte,
//     a synchronization signal for a peer holding the other end.
//
// Every caller defers [Pipe.Close] right after [New]. Close releases
// whatever descriptors are still open, so early error returns and
// panics never leak them, and it is a no-op after a terminal
// operation already released everything.
package pipe
