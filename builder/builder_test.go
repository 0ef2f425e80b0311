// Copyright 2026 The Keel Authors
// SPDX-License-Identifier: Apache-2.0

package builder

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/keelbuild/keel/lib/buildcache"
	"github.com/keelbuild/keel/lib/cachekey"
	"github.com/keelbuild/keel/lib/recipe"
	"github.com/keelbuild/keel/lib/testutil"
	"github.com/keelbuild/keel/sandbox"
)

// fakeSupervisor records descriptors, writes output for captured
// commands, and fails commands whose last argument is in fail.
type fakeSupervisor struct {
	output []byte
	fail   map[string]int
	seen   []*sandbox.Descriptor
}

func (f *fakeSupervisor) Run(_ context.Context, descriptor *sandbox.Descriptor) (sandbox.Outcome, error) {
	f.seen = append(f.seen, descriptor)
	if descriptor.Stdout != nil {
		if _, err := descriptor.Stdout.Write(f.output); err != nil {
			return sandbox.Outcome{}, err
		}
	}
	argv := descriptor.Argv()
	if code, ok := f.fail[argv[len(argv)-1]]; ok {
		return sandbox.Exited(code), nil
	}
	return sandbox.Exited(0), nil
}

type fakeAssembler struct {
	steps []recipe.Step
}

func (f *fakeAssembler) Assemble(_ context.Context, root string, step recipe.Step) error {
	f.steps = append(f.steps, step)
	return os.WriteFile(filepath.Join(root, "assembled"), []byte(step.Kind()), 0o644)
}

type fixture struct {
	builder    *Builder
	store      *buildcache.Store
	supervisor *fakeSupervisor
	assembler  *fakeAssembler
	workdir    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	workdir := t.TempDir()
	store := &buildcache.Store{Base: t.TempDir(), Compression: buildcache.CompressionZstd}
	supervisor := &fakeSupervisor{output: []byte("gcc 14.2\n")}
	assembler := &fakeAssembler{}
	return &fixture{
		builder: &Builder{
			Hasher:     &cachekey.Hasher{Workdir: workdir, BaseDir: store.Base, Versions: store},
			Store:      store,
			Environ:    map[string]string{"PATH": "/usr/bin:/bin"},
			Supervisor: supervisor,
			Assembler:  assembler,
		},
		store:      store,
		supervisor: supervisor,
		assembler:  assembler,
		workdir:    workdir,
	}
}

func graphOf(setup ...recipe.Step) *recipe.Graph {
	return &recipe.Graph{Containers: map[string]*recipe.Container{
		"app": {Name: "app", Setup: setup},
	}}
}

func TestBuildCommitsAndReuses(t *testing.T) {
	f := newFixture(t)
	testutil.WriteFile(t, f.workdir, "requirements.txt", []byte("flask==3.0\n"), 0o644)
	graph := graphOf(
		recipe.Requirements{Tool: "py3", File: "requirements.txt"},
		recipe.Env{"LANG": "C.UTF-8"},
		recipe.Sh("make install"),
		recipe.Cmd{"/usr/bin/gcc", "--version"},
		recipe.Text{"/etc/app/b.conf": "b\n", "/etc/app/a.conf": "a\n"},
		recipe.EnsureDir("/var/lib/app"),
	)

	first, err := f.builder.Build(context.Background(), graph, "app")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if first.Reused || first.Version.Result != cachekey.Hashed || first.Record == nil {
		t.Fatalf("first build = %+v", first)
	}
	if first.Record.Steps != 6 {
		t.Errorf("record steps = %d, want 6", first.Record.Steps)
	}
	if !bytes.Contains(first.Record.Transcript, []byte("gcc 14.2")) {
		t.Errorf("transcript does not contain captured output:\n%s", first.Record.Transcript)
	}
	if !bytes.Contains(first.Record.Transcript, []byte("[build] step 3/6: Sh")) {
		t.Errorf("transcript does not record steps:\n%s", first.Record.Transcript)
	}
	for _, path := range []string{"etc/app/a.conf", "etc/app/b.conf", "var/lib/app", "work"} {
		if _, err := os.Stat(filepath.Join(first.Root, path)); err != nil {
			t.Errorf("built root is missing %s: %v", path, err)
		}
	}
	if version, err := f.store.ContainerVersion("app"); err != nil || version != "app."+first.Version.Address {
		t.Errorf("ContainerVersion = (%q, %v)", version, err)
	}

	ran := len(f.supervisor.seen)
	second, err := f.builder.Build(context.Background(), graph, "app")
	if err != nil {
		t.Fatalf("second Build: %v", err)
	}
	if !second.Reused || second.Root != first.Root {
		t.Errorf("second build = %+v, want reuse of %s", second, first.Root)
	}
	if len(f.supervisor.seen) != ran {
		t.Error("reused build ran commands")
	}

	// Changing a requirement changes the address and forces a build.
	testutil.WriteFile(t, f.workdir, "requirements.txt", []byte("flask==3.1\n"), 0o644)
	third, err := f.builder.Build(context.Background(), graph, "app")
	if err != nil {
		t.Fatalf("third Build: %v", err)
	}
	if third.Reused || third.Version.Address == first.Version.Address {
		t.Errorf("third build = %+v, want a new address", third)
	}
}

func TestBuildStepEnvironment(t *testing.T) {
	f := newFixture(t)
	graph := graphOf(
		recipe.Sh("before"),
		recipe.Env{"CC": "clang"},
		recipe.Sh("after"),
	)
	if _, err := f.builder.Build(context.Background(), graph, "app"); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(f.supervisor.seen) != 2 {
		t.Fatalf("ran %d commands, want 2", len(f.supervisor.seen))
	}
	before, after := f.supervisor.seen[0], f.supervisor.seen[1]
	if _, ok := before.Env["CC"]; ok {
		t.Error("Env step leaked into an earlier step")
	}
	if after.Env["CC"] != "clang" {
		t.Errorf("CC = %q after the Env step", after.Env["CC"])
	}
	if got := strings.Join(after.Argv(), " "); got != "/bin/sh -exc after" {
		t.Errorf("Sh argv = %q", got)
	}
	if after.Workdir != sandbox.DefaultWorkdir {
		t.Errorf("Sh workdir = %q", after.Workdir)
	}
	if f.builder.Environ["CC"] != "" {
		t.Error("Env step modified the builder's base environment")
	}
}

func TestBuildFailureDiscardsRoot(t *testing.T) {
	f := newFixture(t)
	f.supervisor.fail = map[string]int{"make test": 2}
	graph := graphOf(recipe.Sh("make"), recipe.Sh("make test"))

	_, err := f.builder.Build(context.Background(), graph, "app")
	var exitErr *sandbox.ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 2 {
		t.Fatalf("error = %v, want exit status 2", err)
	}
	if !strings.Contains(err.Error(), "step 2") {
		t.Errorf("error %q does not name the failing step", err)
	}
	if _, err := f.store.ContainerVersion("app"); err == nil {
		t.Error("a failed build was linked")
	}
	entries, err := os.ReadDir(filepath.Join(f.store.Base, ".roots"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("failed build left %d roots behind", len(entries))
	}
}

func TestBuildNewIsNotCommitted(t *testing.T) {
	f := newFixture(t)
	graph := graphOf(
		recipe.SubRecipe{
			Path:      "recipes/base.yaml",
			Container: "base",
			Source:    recipe.Source{Kind: recipe.SourceContainer, Container: "toolchain"},
		},
		recipe.Sh("make"),
	)

	result, err := f.builder.Build(context.Background(), graph, "app")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if result.Version.Result != cachekey.New {
		t.Fatalf("result = %s, want New for an unbuilt source container", result.Version.Result)
	}
	if result.Record != nil || result.Staging == nil {
		t.Errorf("New build = %+v, want an uncommitted staging root", result)
	}
	if len(f.assembler.steps) != 1 {
		t.Errorf("assembler ran %d times, want 1", len(f.assembler.steps))
	}
	if _, err := os.Stat(filepath.Join(result.Root, "assembled")); err != nil {
		t.Errorf("staging root was not assembled into: %v", err)
	}
	if _, err := f.store.ContainerVersion("app"); err == nil {
		t.Error("a New build was linked")
	}
	if err := f.store.Discard(result.Staging); err != nil {
		t.Errorf("Discard: %v", err)
	}
}

func TestBuildWithoutAssembler(t *testing.T) {
	f := newFixture(t)
	f.builder.Assembler = nil
	graph := graphOf(recipe.Install{"build-essential"})
	if _, err := f.builder.Build(context.Background(), graph, "app"); !errors.Is(err, ErrNoAssembler) {
		t.Errorf("error = %v, want ErrNoAssembler", err)
	}
}

func TestBuildRemove(t *testing.T) {
	f := newFixture(t)
	graph := graphOf(
		recipe.Text{"/tmp/scratch": "x", "/keep": "y"},
		recipe.Remove("/tmp/scratch"),
		recipe.Remove("../../keep-outside"),
	)
	result, err := f.builder.Build(context.Background(), graph, "app")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := os.Stat(filepath.Join(result.Root, "tmp/scratch")); !os.IsNotExist(err) {
		t.Error("Remove did not delete the file")
	}
	if _, err := os.Stat(filepath.Join(result.Root, "keep")); err != nil {
		t.Errorf("unrelated file removed: %v", err)
	}

	refused := graphOf(recipe.Remove("/"))
	refused.Containers["root"] = refused.Containers["app"]
	if _, err := f.builder.Build(context.Background(), refused, "root"); err == nil {
		t.Error("expected removing the root to be refused")
	}
}

func TestBuildUnknownContainer(t *testing.T) {
	f := newFixture(t)
	_, err := f.builder.Build(context.Background(), graphOf(), "db")
	if !errors.Is(err, cachekey.ErrContainerNotFound) {
		t.Errorf("error = %v, want ErrContainerNotFound", err)
	}
}

func TestInside(t *testing.T) {
	tests := map[string]string{
		"/etc/passwd": "/r/etc/passwd",
		"etc/passwd":  "/r/etc/passwd",
		"../../etc":   "/r/etc",
		"/a/../../b":  "/r/b",
		"/":           "/r",
	}
	for path, want := range tests {
		if got := inside("/r", path); got != want {
			t.Errorf("inside(%q) = %q, want %q", path, got, want)
		}
	}
}
