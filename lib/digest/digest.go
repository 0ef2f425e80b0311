// Copyright 2026 The Keel Authors
// SPDX-License-Identifier: Apache-2.0

package digest

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Size is the length in bytes of a digest value.
const Size = 32

// versionDomainKey separates container-version digests from any other
// BLAKE3 use. Changing it invalidates every stored build root. The
// bytes are the ASCII domain name, zero-padded to 32 bytes.
var versionDomainKey = [32]byte{
	'k', 'e', 'e', 'l', '.', 'c', 'o', 'n', 't', 'a', 'i', 'n', 'e', 'r', '.',
	'v', 'e', 'r', 's', 'i', 'o', 'n', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Digest is an append-only byte accumulator. The zero value is not
// usable; call [New].
//
// A Digest is owned by a single call stack. It is not safe for
// concurrent use.
type Digest struct {
	hasher  *blake3.Hasher
	written int64
}

// New returns an empty digest.
func New() *Digest {
	hasher, err := blake3.NewKeyed(versionDomainKey[:])
	if err != nil {
		panic("digest: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	return &Digest{hasher: hasher}
}

// Write appends data. It never fails; the signature satisfies
// io.Writer so a Digest can be the destination of io.Copy.
func (d *Digest) Write(data []byte) (int, error) {
	written, _ := d.hasher.Write(data)
	d.written += int64(written)
	return written, nil
}

// WriteString appends the bytes of s.
func (d *Digest) WriteString(s string) (int, error) {
	written, _ := d.hasher.Write([]byte(s))
	d.written += int64(written)
	return written, nil
}

// Len returns the number of bytes appended so far.
func (d *Digest) Len() int64 {
	return d.written
}

// Sum returns the digest of everything appended so far. It does not
// change the accumulator state.
func (d *Digest) Sum() [Size]byte {
	var sum [Size]byte
	copy(sum[:], d.hasher.Sum(nil))
	return sum
}

// Hex returns Format(d.Sum()).
func (d *Digest) Hex() string {
	return Format(d.Sum())
}

// Format returns the hex-encoded form of a digest value. This is the
// content address used in build-root directory names.
func Format(sum [Size]byte) string {
	return hex.EncodeToString(sum[:])
}

// Parse parses a hex-encoded digest value. Returns an error if the
// string is not exactly 64 hex characters.
func Parse(hexString string) ([Size]byte, error) {
	var sum [Size]byte
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return sum, fmt.Errorf("parsing digest: %w", err)
	}
	if len(decoded) != Size {
		return sum, fmt.Errorf("digest is %d bytes, want %d", len(decoded), Size)
	}
	copy(sum[:], decoded)
	return sum, nil
}
