// Copyright 2026 The Keel Authors
// SPDX-License-Identifier: Apache-2.0

// Package digest provides the append-only accumulator that turns a
// container's build recipe into a content address.
//
// A [Digest] is a BLAKE3 hasher with a restricted surface: bytes can
// only be appended, never removed or reordered. The order in which
// bytes are written is part of the identity of the result, so two
// digests fed the same chunks in different orders are different cache
// keys. Callers that feed map-valued data must sort keys first.
//
// The API surface:
//
//   - [New] -- a fresh, keyed accumulator for one container
//   - [Digest.Write], [Digest.WriteString] -- append bytes
//   - [Digest.Sum], [Digest.Hex] -- read the current value without
//     finalizing, so a digest can keep growing after being inspected
//   - [Format], [Parse] -- the canonical hex form of a 32-byte value,
//     used in build-root directory names and log output
//
// This package has no dependencies on other keel packages.
package digest
