// Copyright 2026 The Keel Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/pflag"

	"github.com/keelbuild/keel/builder"
	"github.com/keelbuild/keel/lib/buildcache"
	"github.com/keelbuild/keel/lib/cachekey"
	"github.com/keelbuild/keel/lib/config"
	"github.com/keelbuild/keel/lib/recipe"
	"github.com/keelbuild/keel/network"
	"github.com/keelbuild/keel/sandbox"
)

// recipeName is the recipe file looked up in the workdir when --recipe
// is not given.
const recipeName = "keel.yaml"

// cli is the state shared by subcommands.
type cli struct {
	stdout     io.Writer
	logger     *slog.Logger
	configPath string
}

// flags returns a flag set with the options every subcommand accepts.
func (c *cli) flags(name string) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("keel "+name, pflag.ContinueOnError)
	flagSet.StringVar(&c.configPath, "config", "", "path to keel.yaml config (default: $KEEL_CONFIG, else built-in defaults)")
	return flagSet
}

// config loads --config, then KEEL_CONFIG, and falls back to the
// defaults when neither is set.
func (c *cli) config() (*config.Config, error) {
	switch {
	case c.configPath != "":
		return config.LoadFile(c.configPath)
	case os.Getenv("KEEL_CONFIG") != "":
		return config.Load()
	default:
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
}

func (c *cli) readRecipe(cfg *config.Config, path string) (*recipe.Graph, error) {
	if path == "" {
		path = filepath.Join(cfg.Paths.Workdir, recipeName)
	}
	return recipe.ReadFile(path)
}

func (c *cli) store(cfg *config.Config) (*buildcache.Store, error) {
	compression, err := buildcache.ParseCompression(cfg.Cache.Compression)
	if err != nil {
		return nil, err
	}
	return &buildcache.Store{
		Base:        cfg.Paths.Base,
		Compression: compression,
		Logger:      c.logger,
	}, nil
}

func (c *cli) hasher(cfg *config.Config, versions cachekey.VersionLookup) *cachekey.Hasher {
	return &cachekey.Hasher{
		Workdir:  cfg.Paths.Workdir,
		BaseDir:  cfg.Paths.Base,
		Versions: versions,
		Recipes:  recipe.FileReader{},
		Logger:   c.logger,
	}
}

func (c *cli) supervisor(cfg *config.Config) (sandbox.Supervisor, error) {
	return sandbox.DetectCapabilities().NewSupervisor(cfg.Sandbox.Supervisor, cfg.Sandbox.Binds)
}

// parse parses args and returns the positional arguments. --help
// prints usage and returns pflag.ErrHelp.
func parse(flagSet *pflag.FlagSet, args []string, usage string) ([]string, error) {
	flagSet.SetOutput(os.Stderr)
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "USAGE\n    %s %s\n\nFLAGS\n", flagSet.Name(), usage)
		flagSet.PrintDefaults()
	}
	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	return flagSet.Args(), nil
}

func hashCommand(_ context.Context, c *cli, args []string) error {
	var recipePath string
	flagSet := c.flags("hash")
	flagSet.StringVar(&recipePath, "recipe", "", "recipe file (default: <workdir>/keel.yaml)")
	positional, err := parse(flagSet, args, "[flags] <container>")
	if err != nil {
		return err
	}
	if len(positional) != 1 {
		return fmt.Errorf("hash takes exactly one container name")
	}

	cfg, err := c.config()
	if err != nil {
		return err
	}
	graph, err := c.readRecipe(cfg, recipePath)
	if err != nil {
		return err
	}
	store, err := c.store(cfg)
	if err != nil {
		return err
	}
	version, err := c.hasher(cfg, store).Version(positional[0], graph)
	if err != nil {
		return err
	}
	if version.Result == cachekey.New {
		fmt.Fprintln(c.stdout, "new")
		return nil
	}
	fmt.Fprintln(c.stdout, buildcache.VersionName(positional[0], version.Address))
	return nil
}

func buildCommand(ctx context.Context, c *cli, args []string) error {
	var recipePath string
	flagSet := c.flags("build")
	flagSet.StringVar(&recipePath, "recipe", "", "recipe file (default: <workdir>/keel.yaml)")
	positional, err := parse(flagSet, args, "[flags] <container>")
	if err != nil {
		return err
	}
	if len(positional) != 1 {
		return fmt.Errorf("build takes exactly one container name")
	}

	cfg, err := c.config()
	if err != nil {
		return err
	}
	graph, err := c.readRecipe(cfg, recipePath)
	if err != nil {
		return err
	}
	store, err := c.store(cfg)
	if err != nil {
		return err
	}
	supervisor, err := c.supervisor(cfg)
	if err != nil {
		return err
	}
	build := &builder.Builder{
		Hasher:     c.hasher(cfg, store),
		Store:      store,
		Environ:    cfg.Sandbox.Environ,
		Supervisor: supervisor,
		Logger:     c.logger,
	}
	result, err := build.Build(ctx, graph, positional[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, result.Root)
	return nil
}

// commandFlags holds the options of run and capture.
type commandFlags struct {
	workdir string
	env     []string
}

func (f *commandFlags) register(flagSet *pflag.FlagSet, withWorkdir bool) {
	if withWorkdir {
		flagSet.StringVarP(&f.workdir, "workdir", "w", sandbox.DefaultWorkdir, "working directory inside the sandbox root")
	}
	flagSet.StringArrayVarP(&f.env, "env", "e", nil, "extra environment variable (KEY=VALUE), repeatable")
}

func (c *cli) sandboxContext(cfg *config.Config) (*sandbox.Context, error) {
	supervisor, err := c.supervisor(cfg)
	if err != nil {
		return nil, err
	}
	return &sandbox.Context{
		Root:       cfg.Paths.SandboxRoot,
		Environ:    cfg.Sandbox.Environ,
		Supervisor: supervisor,
		Logger:     c.logger,
	}, nil
}

func runCommand(ctx context.Context, c *cli, args []string) error {
	var options commandFlags
	flagSet := c.flags("run")
	options.register(flagSet, true)
	argv, err := parse(flagSet, args, "[flags] -- <command> [args...]")
	if err != nil {
		return err
	}
	if len(argv) == 0 {
		return fmt.Errorf("command is required after --")
	}
	extraEnv, err := parseEnv(options.env)
	if err != nil {
		return err
	}

	cfg, err := c.config()
	if err != nil {
		return err
	}
	sandboxContext, err := c.sandboxContext(cfg)
	if err != nil {
		return err
	}
	return sandboxContext.RunAt(ctx, argv, options.workdir, extraEnv)
}

func captureCommand(ctx context.Context, c *cli, args []string) error {
	var options commandFlags
	flagSet := c.flags("capture")
	options.register(flagSet, false)
	argv, err := parse(flagSet, args, "[flags] -- <command> [args...]")
	if err != nil {
		return err
	}
	if len(argv) == 0 {
		return fmt.Errorf("command is required after --")
	}
	extraEnv, err := parseEnv(options.env)
	if err != nil {
		return err
	}

	cfg, err := c.config()
	if err != nil {
		return err
	}
	sandboxContext, err := c.sandboxContext(cfg)
	if err != nil {
		return err
	}
	output, err := sandboxContext.CaptureOutput(ctx, argv, extraEnv)
	if err != nil {
		return err
	}
	_, err = c.stdout.Write(output)
	return err
}

// parseEnv parses KEY=VALUE pairs.
func parseEnv(pairs []string) (map[string]string, error) {
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid env format %q: must be KEY=VALUE", pair)
		}
		env[key] = value
	}
	return env, nil
}

func rulesCommand(_ context.Context, c *cli, args []string) error {
	var bridge string
	flagSet := c.flags("rules")
	flagSet.StringVar(&bridge, "bridge", "", "bridge address (default: network.bridge_address)")
	positional, err := parse(flagSet, args, "[flags] <graph.yaml>")
	if err != nil {
		return err
	}
	if len(positional) != 1 {
		return fmt.Errorf("rules takes exactly one graph file")
	}

	cfg, err := c.config()
	if err != nil {
		return err
	}
	if bridge == "" {
		bridge = cfg.Network.BridgeAddress
	}
	graph, err := network.LoadGraph(positional[0])
	if err != nil {
		return err
	}
	engine := network.NewEngine(cfg.Paths.Namespaces, bridge)
	for _, ip := range slices.Sorted(maps.Keys(graph)) {
		fmt.Fprintf(c.stdout, "# %s\n%s", engine.NamespacePath(ip), network.Script(ip, graph[ip], bridge))
	}
	return nil
}

func netapplyCommand(ctx context.Context, c *cli, args []string) error {
	flagSet := c.flags("netapply")
	positional, err := parse(flagSet, args, "[flags] <graph.yaml>")
	if err != nil {
		return err
	}
	if len(positional) != 1 {
		return fmt.Errorf("netapply takes exactly one graph file")
	}

	cfg, err := c.config()
	if err != nil {
		return err
	}
	graph, err := network.LoadGraph(positional[0])
	if err != nil {
		return err
	}
	engine := network.NewEngine(cfg.Paths.Namespaces, cfg.Network.BridgeAddress)
	engine.Loader = &network.CommandLoader{Path: cfg.Network.RuleLoader, Stdout: os.Stderr}
	engine.Logger = c.logger
	return engine.Apply(ctx, graph)
}
