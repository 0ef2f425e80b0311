// Copyright 2026 The Keel Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Build records carry the time a root was committed. Production code
// takes a Clock instead of calling time.Now so tests can pin the value
// and compare records byte-for-byte.
package clock

import "time"

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Real returns a Clock backed by time.Now.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Fixed returns a Clock that always reports t.
func Fixed(t time.Time) Clock {
	return fixedClock{t: t}
}

type fixedClock struct {
	t time.Time
}

func (c fixedClock) Now() time.Time { return c.t }
