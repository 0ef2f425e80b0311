// Copyright 2026 The Keel Authors
// SPDX-License-Identifier: Apache-2.0

package cachekey

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/keelbuild/keel/lib/codec"
	"github.com/keelbuild/keel/lib/digest"
	"github.com/keelbuild/keel/lib/recipe"
)

// Result is the non-error outcome of hashing.
type Result int

const (
	// Hashed means the step contributed to the digest.
	Hashed Result = iota

	// New means the container must be rebuilt; the digest is
	// abandoned.
	New
)

func (r Result) String() string {
	switch r {
	case Hashed:
		return "hashed"
	case New:
		return "new"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

var (
	// ErrContainerNotFound is returned when a referenced container is
	// not defined in the graph that should contain it.
	ErrContainerNotFound = errors.New("container not found")

	// ErrUnimplementedSource is returned for sub-recipes fetched from
	// version control.
	ErrUnimplementedSource = errors.New("sub-recipe source not implemented")

	// ErrCycle is returned when a container transitively builds on
	// itself.
	ErrCycle = errors.New("container dependency cycle")
)

// fileChunkSize is the read size for Depends files.
const fileChunkSize = 128 * 1024

// maxManifestLine bounds a single line of a requirements file.
const maxManifestLine = 1 << 20

// separator follows every key and every value of map-valued steps.
var separator = []byte{0}

// VersionLookup reports the version identifier of a container's most
// recent build: the name of its directory under <base>/.roots.
type VersionLookup interface {
	ContainerVersion(name string) (string, error)
}

// RecipeReader loads a recipe graph from a file.
type RecipeReader interface {
	ReadRecipe(path string) (*recipe.Graph, error)
}

// Hasher computes container versions.
type Hasher struct {
	// Workdir is the directory dependency files and directory-sourced
	// sub-recipes are resolved against.
	Workdir string

	// BaseDir holds the .roots directory of built containers.
	BaseDir string

	// Versions resolves container-sourced sub-recipes. When nil every
	// such step yields New.
	Versions VersionLookup

	// Recipes loads sub-recipes. Defaults to recipe.FileReader.
	Recipes RecipeReader

	// Logger receives debug records for every hashed step.
	Logger *slog.Logger
}

// Version is the outcome of hashing a whole container.
type Version struct {
	Result Result

	// Address is the hex digest; empty unless Result is Hashed.
	Address string
}

// Version hashes the named container of graph into a fresh digest.
func (h *Hasher) Version(name string, graph *recipe.Graph) (Version, error) {
	container, ok := graph.Lookup(name)
	if !ok {
		return Version{}, fmt.Errorf("%q: %w", name, ErrContainerNotFound)
	}

	d := digest.New()
	result, err := h.hashSetup(name, container.Setup, graph, d, nil)
	if err != nil {
		return Version{}, err
	}
	if result == New {
		h.logger().Debug("container needs rebuild", "container", name)
		return Version{Result: New}, nil
	}
	address := d.Hex()
	h.logger().Debug("container versioned", "container", name, "address", address, "bytes", d.Len())
	return Version{Result: Hashed, Address: address}, nil
}

// HashSetup hashes steps in order into d. The first New stops the walk
// and is returned as is; the first error stops it and is returned
// wrapped with name.
func (h *Hasher) HashSetup(name string, steps []recipe.Step, graph *recipe.Graph, d *digest.Digest) (Result, error) {
	return h.hashSetup(name, steps, graph, d, nil)
}

// Hash feeds one step into d. graph is the recipe the step belongs to.
func (h *Hasher) Hash(step recipe.Step, graph *recipe.Graph, d *digest.Digest) (Result, error) {
	return h.hash(step, graph, d, nil)
}

// chainLink identifies a container being expanded. Names are only
// unique within one recipe file.
type chainLink struct {
	recipe string
	name   string
}

func (h *Hasher) hashSetup(name string, steps []recipe.Step, graph *recipe.Graph, d *digest.Digest, chain []chainLink) (Result, error) {
	link := chainLink{name: name}
	if graph != nil {
		link.recipe = graph.Path
	}
	for _, previous := range chain {
		if previous == link {
			names := make([]string, 0, len(chain)+1)
			for _, entry := range chain {
				names = append(names, entry.name)
			}
			names = append(names, name)
			return Hashed, fmt.Errorf("%s: %w", strings.Join(names, " -> "), ErrCycle)
		}
	}
	chain = append(chain[:len(chain):len(chain)], link)

	for index, step := range steps {
		h.logger().Debug("versioning setup step", "container", name, "index", index, "step", step.Kind())
		result, err := h.hash(step, graph, d, chain)
		if err != nil {
			return Hashed, fmt.Errorf("%q: %w", name, err)
		}
		if result == New {
			return New, nil
		}
	}
	return Hashed, nil
}

func (h *Hasher) hash(step recipe.Step, graph *recipe.Graph, d *digest.Digest, chain []chainLink) (Result, error) {
	switch step := step.(type) {
	case recipe.Requirements:
		if err := h.hashManifest(step.File, d); err != nil {
			return Hashed, err
		}
		return Hashed, nil

	case recipe.Depends:
		if err := h.hashFile(step.File, d); err != nil {
			return Hashed, err
		}
		return Hashed, nil

	case recipe.ContainerRef:
		container, ok := graph.Lookup(step.Name)
		if !ok {
			return Hashed, fmt.Errorf("%q: %w", step.Name, ErrContainerNotFound)
		}
		return h.hashSetup(step.Name, container.Setup, graph, d, chain)

	case recipe.SubRecipe:
		return h.hashSubRecipe(step, d, chain)

	case recipe.CacheDirs:
		hashPairs(step, d)
		return Hashed, nil

	case recipe.Text:
		hashPairs(step, d)
		return Hashed, nil

	default:
		encoded, err := codec.Marshal(map[string]any{step.Kind(): step})
		if err != nil {
			return Hashed, fmt.Errorf("encoding %s step: %w", step.Kind(), err)
		}
		if h.logger().Enabled(context.Background(), slog.LevelDebug) {
			if diagnostic, err := codec.Diagnose(encoded); err == nil {
				h.logger().Debug("hashing step encoding", "step", step.Kind(), "encoding", diagnostic)
			}
		}
		d.Write(encoded)
		return Hashed, nil
	}
}

// hashManifest feeds every meaningful line of a requirements file:
// whitespace-trimmed, skipping blank lines and # comments.
func (h *Hasher) hashManifest(name string, d *digest.Digest) error {
	path := filepath.Join(h.Workdir, name)
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("can't read file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxManifestLine)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		d.WriteString(line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("can't read file %s: %w", path, err)
	}
	return nil
}

// hashFile streams a file into d in fixed-size chunks.
func (h *Hasher) hashFile(name string, d *digest.Digest) error {
	path := filepath.Join(h.Workdir, name)
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("can't read file: %w", err)
	}
	defer file.Close()

	chunk := make([]byte, fileChunkSize)
	for {
		read, err := file.Read(chunk)
		if read > 0 {
			d.Write(chunk[:read])
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("can't read file %s: %w", path, err)
		}
	}
}

// hashSubRecipe loads the referenced recipe and hashes the named
// container's setup against that recipe's own graph.
func (h *Hasher) hashSubRecipe(step recipe.SubRecipe, d *digest.Digest, chain []chainLink) (Result, error) {
	var path string
	switch step.Source.Kind {
	case recipe.SourceContainer:
		if h.Versions == nil {
			return New, nil
		}
		version, err := h.Versions.ContainerVersion(step.Source.Container)
		if err != nil {
			// Without a version the dependency cannot be proven
			// unchanged.
			h.logger().Debug("base container has no version, forcing rebuild",
				"container", step.Source.Container, "error", err)
			return New, nil
		}
		path = filepath.Join(h.BaseDir, ".roots", version, "root", step.Path)
	case recipe.SourceGit:
		return Hashed, fmt.Errorf("sub-recipe %q: %w", step.Path, ErrUnimplementedSource)
	case recipe.SourceDirectory, "":
		path = filepath.Join(h.Workdir, step.Path)
	default:
		return Hashed, fmt.Errorf("sub-recipe %q: unknown source %q", step.Path, step.Source.Kind)
	}

	subgraph, err := h.recipes().ReadRecipe(path)
	if err != nil {
		return Hashed, fmt.Errorf("sub-recipe %q: %w", step.Path, err)
	}
	container, ok := subgraph.Lookup(step.Container)
	if !ok {
		return Hashed, fmt.Errorf("%q in %q: %w", step.Container, step.Path, ErrContainerNotFound)
	}
	return h.hashSetup(step.Container, container.Setup, subgraph, d, chain)
}

// hashPairs feeds key, NUL, value, NUL for every entry in sorted key
// order.
func hashPairs(pairs map[string]string, d *digest.Digest) {
	keys := make([]string, 0, len(pairs))
	for key := range pairs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		d.WriteString(key)
		d.Write(separator)
		d.WriteString(pairs[key])
		d.Write(separator)
	}
}

func (h *Hasher) recipes() RecipeReader {
	if h.Recipes != nil {
		return h.Recipes
	}
	return recipe.FileReader{}
}

func (h *Hasher) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
