// Copyright 2026 The Keel Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"golang.org/x/sys/unix"
)

// WriteFile writes content to root/relative, creating parent
// directories. Returns the absolute path.
func WriteFile(t *testing.T, root, relative string, content []byte, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(root, relative)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("creating parent of %s: %v", path, err)
	}
	if err := os.WriteFile(path, content, mode); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	return path
}

// OpenDescriptors returns the number of descriptors the process has
// open. Only the entries that are still valid after the directory
// listing are counted, so the descriptor used to list /proc/self/fd
// itself does not skew the result.
func OpenDescriptors(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skipf("descriptor probing unavailable: %v", err)
	}
	count := 0
	for _, entry := range entries {
		fd, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err == nil {
			count++
		}
	}
	return count
}
