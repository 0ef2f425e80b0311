// Copyright 2026 The Keel Authors
// SPDX-License-Identifier: Apache-2.0

// Package buildcache stores built container roots under their content
// address and remembers which build is current for each container.
//
// Layout under the base directory:
//
//	.roots/<name>.<address>/root       the built filesystem
//	.roots/<name>.<address>/build.rec  the build record
//	.roots/.tmp.<name>.<id>/root       a build in progress
//	.lnk/<name> -> ../.roots/<name>.<address>
//
// A root counts as present only once its build record exists; the
// record is written after the root is moved into place, so a crash
// mid-commit leaves a directory that [Store.Lookup] ignores.
//
// The directory name <name>.<address> is the container's version
// identifier. [Store.ContainerVersion] reads it back from the .lnk
// symlink, which is what the cache-key engine needs to resolve
// sub-recipes shipped inside another container's root.
//
// Build records are CBOR, compressed with zstd or lz4 according to
// [Compression], and framed as a one-byte compression tag, a four-byte
// big-endian uncompressed length, then the payload.
package buildcache
