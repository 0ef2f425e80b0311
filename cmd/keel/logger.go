// Copyright 2026 The Keel Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"log/slog"
	"os"

	"golang.org/x/term"
)

// newLogger returns a text logger when stderr is a terminal and a JSON
// logger otherwise. KEEL_DEBUG enables debug records.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("KEEL_DEBUG") != "" {
		level = slog.LevelDebug
	}
	options := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, options)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, options)
	}
	return slog.New(handler)
}
