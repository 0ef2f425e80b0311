// Copyright 2026 The Keel Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Resolve returns the path of the command name as seen from inside the
// sandbox root. Names starting with "/" are returned unchanged. Other
// names are looked up in each absolute PATH directory in order;
// relative entries are skipped with a warning.
//
// Existence is checked with lstat so that a symlink with an absolute
// target, which only resolves inside the root, still counts.
func (c *Context) Resolve(name string) (string, error) {
	if strings.HasPrefix(name, "/") {
		return name, nil
	}
	search, ok := c.Environ["PATH"]
	if !ok {
		return "", fmt.Errorf("command %q: %w", name, ErrNoPath)
	}

	root := c.root()
	for _, directory := range strings.Split(search, ":") {
		if !filepath.IsAbs(directory) {
			c.logger().Warn("PATH entries must be absolute, skipping",
				"entry", directory, "command", name)
			continue
		}
		if _, err := os.Lstat(filepath.Join(root, directory, name)); err == nil {
			return filepath.Join(directory, name), nil
		}
	}
	return "", fmt.Errorf("command %q not found in PATH %q: %w", name, search, ErrCommandNotFound)
}
