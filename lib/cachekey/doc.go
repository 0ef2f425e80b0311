// Copyright 2026 The Keel Authors
// SPDX-License-Identifier: Apache-2.0

// Package cachekey computes the content address of a container: a
// digest over everything its build depends on, used to decide whether
// a previous build can be reused.
//
// [Hasher.Hash] feeds one build step into a [digest.Digest] and reports
// one of three outcomes:
//
//   - [Hashed]: the step contributed to the digest; keep going.
//   - [New]: the step's inputs cannot be pinned down (for example a
//     base container that has never been built), so the container must
//     be rebuilt. New short-circuits every enclosing aggregation at
//     once; no later sibling is hashed.
//   - a non-nil error: hashing failed. The error aborts the whole
//     enclosing container and is wrapped with its name on the way up.
//
// Steps are visited strictly in declaration order and nested
// containers are expanded in place, so reordering steps changes the
// key. Map-valued steps (CacheDirs, Text) are fed in sorted key order.
// Steps with no bespoke rule are fed as their canonical CBOR encoding.
//
// [Hasher.Version] is the top-level entry point: a fresh digest per
// container, and a [Version] whose Address is the hex digest when the
// result is Hashed.
//
// The recipe graph is passed explicitly through every recursive call;
// sub-recipes are loaded through a [RecipeReader] and base-container
// versions come from a [VersionLookup] (normally the build cache).
package cachekey
