// Copyright 2026 The Keel Authors
// SPDX-License-Identifier: Apache-2.0

// Package builder builds containers from recipes: it versions the
// container, reuses a committed build with the same address, and
// otherwise runs the setup steps into a fresh root.
//
// Steps that need image or layer assembly (container and sub-recipe
// bases, package installation, downloads) are delegated to an
// [Assembler]. Dependency-only steps have no build action; they only
// contribute to the version.
package builder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/keelbuild/keel/lib/buildcache"
	"github.com/keelbuild/keel/lib/cachekey"
	"github.com/keelbuild/keel/lib/recipe"
	"github.com/keelbuild/keel/sandbox"
)

// ErrNoAssembler is returned for a step that needs an Assembler when
// none is configured.
var ErrNoAssembler = errors.New("no assembler for step")

// Assembler performs the steps that populate a root from outside
// sources.
type Assembler interface {
	Assemble(ctx context.Context, root string, step recipe.Step) error
}

// Builder builds containers.
type Builder struct {
	Hasher *cachekey.Hasher
	Store  *buildcache.Store

	// Environ is the base environment of every step. Env steps extend
	// a per-build copy.
	Environ map[string]string

	// Supervisor runs command steps.
	Supervisor sandbox.Supervisor

	// Assembler may be nil if no recipe uses assembly steps.
	Assembler Assembler

	Logger *slog.Logger
}

// Result describes a finished build.
type Result struct {
	Version cachekey.Version

	// Root is the built root.
	Root string

	// Reused is set when a committed build was used as is.
	Reused bool

	// Record is the build record; nil for uncommitted builds.
	Record *buildcache.Record

	// Staging is set for builds versioned New, which are never
	// committed. Discard it with the Store once the root is no longer
	// needed.
	Staging *buildcache.Staging
}

// Build builds the named container of graph.
func (b *Builder) Build(ctx context.Context, graph *recipe.Graph, name string) (*Result, error) {
	container, ok := graph.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("container %q: %w", name, cachekey.ErrContainerNotFound)
	}
	logger := b.logger().With("container", name)

	version, err := b.Hasher.Version(name, graph)
	if err != nil {
		return nil, fmt.Errorf("versioning: %w", err)
	}
	logger.Info("container versioned", "result", version.Result, "address", version.Address)

	if version.Result == cachekey.Hashed {
		if root, ok := b.Store.Lookup(name, version.Address); ok {
			record, err := b.Store.Activate(name, version.Address)
			if err != nil {
				return nil, err
			}
			logger.Info("reusing build", "build_id", record.BuildID, "built_at", record.BuiltAt)
			return &Result{Version: version, Root: root, Reused: true, Record: record}, nil
		}
	}

	staging, err := b.Store.Stage(name)
	if err != nil {
		return nil, err
	}
	started := time.Now()
	transcript, err := b.runSetup(ctx, logger, staging.Root, container.Setup)
	if err != nil {
		if discardErr := b.Store.Discard(staging); discardErr != nil {
			logger.Warn("discarding failed build", "error", discardErr)
		}
		return nil, fmt.Errorf("building %q: %w", name, err)
	}
	logger.Info("build finished", "steps", len(container.Setup), "duration", time.Since(started))

	if version.Result != cachekey.Hashed {
		return &Result{Version: version, Root: staging.Root, Staging: staging}, nil
	}
	record, err := b.Store.Commit(staging, version.Address, len(container.Setup), transcript)
	if err != nil {
		return nil, fmt.Errorf("committing %q: %w", name, err)
	}
	root, _ := b.Store.Lookup(name, version.Address)
	return &Result{Version: version, Root: root, Record: record}, nil
}

// runSetup executes the steps in order into root and returns the build
// transcript.
func (b *Builder) runSetup(ctx context.Context, logger *slog.Logger, root string, steps []recipe.Step) ([]byte, error) {
	var transcript bytes.Buffer
	sandboxContext := &sandbox.Context{
		Root:       root,
		Environ:    maps.Clone(b.Environ),
		Supervisor: b.Supervisor,
		Logger:     b.Logger,
	}
	if sandboxContext.Environ == nil {
		sandboxContext.Environ = make(map[string]string)
	}
	// Commands start in the workdir, which must exist in the new root.
	if err := os.MkdirAll(inside(root, sandbox.DefaultWorkdir), 0o755); err != nil {
		return nil, err
	}

	for index, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		logger.Debug("setup step", "step", index+1, "of", len(steps), "kind", step.Kind())
		fmt.Fprintf(&transcript, "[build] step %d/%d: %s\n", index+1, len(steps), step.Kind())
		if err := b.runStep(ctx, sandboxContext, step, &transcript); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", index+1, step.Kind(), err)
		}
	}
	return transcript.Bytes(), nil
}

func (b *Builder) runStep(ctx context.Context, sandboxContext *sandbox.Context, step recipe.Step, transcript *bytes.Buffer) error {
	root := sandboxContext.Root
	switch step := step.(type) {
	case recipe.Sh:
		return sandboxContext.Run(ctx, []string{"/bin/sh", "-exc", string(step)})

	case recipe.Cmd:
		output, err := sandboxContext.CaptureOutput(ctx, []string(step), nil)
		if err != nil {
			return err
		}
		transcript.Write(output)
		return nil

	case recipe.Env:
		maps.Copy(sandboxContext.Environ, step)
		return nil

	case recipe.Text:
		for _, path := range slices.Sorted(maps.Keys(step)) {
			target := inside(root, path)
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(target, []byte(step[path]), 0o644); err != nil {
				return err
			}
		}
		return nil

	case recipe.EnsureDir:
		return os.MkdirAll(inside(root, string(step)), 0o755)

	case recipe.Remove:
		target := inside(root, string(step))
		if target == filepath.Clean(root) {
			return fmt.Errorf("refusing to remove the container root")
		}
		return os.RemoveAll(target)

	case recipe.Depends, recipe.Requirements, recipe.CacheDirs:
		return nil

	default:
		if b.Assembler == nil {
			return fmt.Errorf("%w %s", ErrNoAssembler, step.Kind())
		}
		return b.Assembler.Assemble(ctx, root, step)
	}
}

// inside maps a container path to the host path under root. The path is
// cleaned as if absolute first, so ".." cannot climb above root.
func inside(root, path string) string {
	return filepath.Join(root, filepath.Clean("/"+path))
}

func (b *Builder) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}
