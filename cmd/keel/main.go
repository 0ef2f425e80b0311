// Copyright 2026 The Keel Authors
// SPDX-License-Identifier: Apache-2.0

// keel builds containers from recipes, runs commands inside their
// roots, and applies per-node firewall policy.
//
// Usage:
//
//	keel version
//	keel hash [flags] <container>
//	keel build [flags] <container>
//	keel run [flags] -- <command> [args...]
//	keel capture [flags] -- <command> [args...]
//	keel rules [flags] <graph.yaml>
//	keel netapply [flags] <graph.yaml>
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/keelbuild/keel/lib/process"
	"github.com/keelbuild/keel/lib/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil {
		process.Fatal(err)
	}
}

// command is one subcommand.
type command struct {
	summary string
	run     func(ctx context.Context, cli *cli, args []string) error
}

var commands = map[string]command{
	"hash":     {"Print the version of a container", hashCommand},
	"build":    {"Build a container, reusing a committed build when possible", buildCommand},
	"run":      {"Run a command in the sandbox root", runCommand},
	"capture":  {"Run a command in the sandbox root and print its output", captureCommand},
	"rules":    {"Print the firewall scripts of a network graph", rulesCommand},
	"netapply": {"Apply a network graph to the node namespaces", netapplyCommand},
}

// commandOrder is the order commands are listed in usage.
var commandOrder = []string{"hash", "build", "run", "capture", "rules", "netapply"}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		printUsage(stdout)
		return fmt.Errorf("no command given")
	}

	name, rest := args[0], args[1:]
	switch name {
	case "version", "--version":
		fmt.Fprintf(stdout, "keel %s\n", version.Full())
		return nil
	case "help", "--help", "-h":
		printUsage(stdout)
		return nil
	}

	cmd, ok := commands[name]
	if !ok {
		printUsage(os.Stderr)
		return fmt.Errorf("unknown command %q", name)
	}
	err := cmd.run(ctx, &cli{stdout: stdout, logger: newLogger()}, rest)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	return err
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `keel - build containers from recipes and isolate them

USAGE
    keel <command> [flags] [args...]

COMMANDS
`)
	for _, name := range commandOrder {
		fmt.Fprintf(w, "    %-10s %s\n", name, commands[name].summary)
	}
	fmt.Fprint(w, `    version    Show version

ENVIRONMENT
    KEEL_CONFIG  Path to keel.yaml (overridden by --config)
    KEEL_DEBUG   Enable debug logging
`)
}
