// Copyright 2026 The Keel Authors
// SPDX-License-Identifier: Apache-2.0

package network

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// CommandLoader runs an iptables-restore compatible program with the
// script on its standard input.
type CommandLoader struct {
	// Path is the loader program. Defaults to iptables-restore.
	Path string

	// Stdout receives the loader's output. Defaults to os.Stdout.
	Stdout io.Writer
}

// Load runs the loader and waits for it.
func (l *CommandLoader) Load(ctx context.Context, script []byte) error {
	path := l.Path
	if path == "" {
		path = "iptables-restore"
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path)
	cmd.Stdin = bytes.NewReader(script)
	cmd.Stdout = os.Stdout
	if l.Stdout != nil {
		cmd.Stdout = l.Stdout
	}
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if message := strings.TrimSpace(stderr.String()); message != "" {
			return fmt.Errorf("%w: %s: %w: %s", ErrRuleLoader, path, err, message)
		}
		return fmt.Errorf("%w: %s: %w", ErrRuleLoader, path, err)
	}
	return nil
}
