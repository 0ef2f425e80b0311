// Copyright 2026 The Keel Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides keel's canonical CBOR encoding.
//
// Two places need bytes that are a pure function of a value:
//
//   - the cache-key engine, which feeds the encoding of build steps
//     without bespoke hashing rules into a container's digest, and
//   - the build cache, which stores build records next to each
//     content-addressed root.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items.
// Same logical value, same bytes, on every machine. Any change to the
// encoder options changes every cache key derived through it.
//
// Struct tags: types in this repository use `cbor` tags when they are
// only ever CBOR-encoded and `yaml` tags when they also come from
// recipe files. fxamacker/cbor falls back to field names when no
// `cbor` or `json` tag is present, which is what recipe step types rely
// on.
package codec
