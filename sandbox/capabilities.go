// Copyright 2026 The Keel Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Capabilities describes which supervisors can work on this system.
type Capabilities struct {
	// Privileged is true when running as root, which chroot(2) needs.
	Privileged bool

	// BwrapAvailable is true if bubblewrap is installed.
	BwrapAvailable bool

	// BwrapPath is the path to bwrap if available.
	BwrapPath string

	// BwrapVersion is the bwrap version string.
	BwrapVersion string

	// UserNamespacesEnabled is true if unprivileged user namespaces work.
	UserNamespacesEnabled bool
}

// DetectCapabilities checks what the host supports.
func DetectCapabilities() *Capabilities {
	caps := &Capabilities{Privileged: os.Geteuid() == 0}

	if path, err := BwrapPath(); err == nil {
		caps.BwrapAvailable = true
		caps.BwrapPath = path

		if out, err := exec.Command(path, "--version").Output(); err == nil {
			caps.BwrapVersion = strings.TrimSpace(string(out))
		}
		caps.UserNamespacesEnabled = checkUserNamespaces(path)
	}

	return caps
}

// checkUserNamespaces tests if unprivileged user namespaces work.
func checkUserNamespaces(bwrapPath string) bool {
	data, err := os.ReadFile("/proc/sys/kernel/unprivileged_userns_clone")
	if err == nil && strings.TrimSpace(string(data)) == "0" {
		return false
	}
	// File not existing usually means userns is allowed; confirm by
	// running true in a new user namespace.
	cmd := exec.Command(bwrapPath,
		"--unshare-user",
		"--ro-bind", "/", "/",
		"--",
		"true",
	)
	return cmd.Run() == nil
}

// SkipReason returns why the named supervisor cannot run here, or ""
// if it can.
func (c *Capabilities) SkipReason(supervisor string) string {
	switch supervisor {
	case "chroot":
		if !c.Privileged {
			return "chroot requires root"
		}
	case "bwrap":
		if !c.BwrapAvailable {
			return "bubblewrap not installed"
		}
		if !c.UserNamespacesEnabled && !c.Privileged {
			return "unprivileged user namespaces not enabled (set kernel.unprivileged_userns_clone=1)"
		}
	default:
		return fmt.Sprintf("unknown supervisor %q", supervisor)
	}
	return ""
}

// NewSupervisor returns the named supervisor after checking the host
// can run it.
func (c *Capabilities) NewSupervisor(name string, binds []string) (Supervisor, error) {
	if reason := c.SkipReason(name); reason != "" {
		return nil, fmt.Errorf("supervisor %s unavailable: %s", name, reason)
	}
	if name == "bwrap" {
		return &BwrapSupervisor{
			Path:       c.BwrapPath,
			Binds:      binds,
			Namespaces: Namespaces{PID: true, IPC: true, UTS: true},
		}, nil
	}
	return &ChrootSupervisor{}, nil
}
