// Copyright 2026 The Keel Authors
// SPDX-License-Identifier: Apache-2.0

package network

import (
	"fmt"
	"runtime"

	"github.com/vishvananda/netns"
)

// NetnsEnterer switches the calling OS thread into a namespace handle
// for the duration of fn. Processes started from fn inherit the
// namespace.
type NetnsEnterer struct{}

// Enter runs fn with the current thread in the namespace at path.
func (NetnsEnterer) Enter(path string, fn func() error) error {
	runtime.LockOSThread()
	// A thread that could not be switched back stays locked, so the
	// runtime discards it when this goroutine exits.
	restored := false
	defer func() {
		if restored {
			runtime.UnlockOSThread()
		}
	}()

	origin, err := netns.Get()
	if err != nil {
		restored = true
		return fmt.Errorf("getting current namespace: %w", err)
	}
	defer origin.Close()

	target, err := netns.GetFromPath(path)
	if err != nil {
		restored = true
		return fmt.Errorf("opening namespace: %w", err)
	}
	defer target.Close()

	if err := netns.Set(target); err != nil {
		restored = true
		return fmt.Errorf("entering namespace: %w", err)
	}
	fnErr := fn()
	if err := netns.Set(origin); err != nil {
		return fmt.Errorf("restoring namespace: %w", err)
	}
	restored = true
	return fnErr
}
