// Copyright 2026 The Keel Authors
// SPDX-License-Identifier: Apache-2.0

package network

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

// fakeEnterer records the namespaces entered and fails for paths in
// missing.
type fakeEnterer struct {
	entered []string
	current string
	missing map[string]bool
}

func (f *fakeEnterer) Enter(path string, fn func() error) error {
	if f.missing[path] {
		return os.ErrNotExist
	}
	f.entered = append(f.entered, path)
	f.current = path
	defer func() { f.current = "" }()
	return fn()
}

// fakeLoader records each script together with the namespace it was
// loaded in.
type fakeLoader struct {
	enterer *fakeEnterer
	scripts map[string]string
	failIn  string
}

func (f *fakeLoader) Load(_ context.Context, script []byte) error {
	if f.enterer.current == f.failIn {
		return errors.Join(ErrRuleLoader, errors.New("exit status 2"))
	}
	if f.scripts == nil {
		f.scripts = make(map[string]string)
	}
	f.scripts[f.enterer.current] = string(script)
	return nil
}

func newEngine(t *testing.T) (*Engine, *fakeEnterer, *fakeLoader) {
	t.Helper()
	enterer := &fakeEnterer{}
	loader := &fakeLoader{enterer: enterer}
	return &Engine{
		NamespaceDir:  "/run/keel/namespaces",
		BridgeAddress: bridge,
		Enterer:       enterer,
		Loader:        loader,
	}, enterer, loader
}

func testGraph() Graph {
	return Graph{
		"172.18.0.3": DropSome{Peers: []string{"172.18.0.1"}},
		"172.18.0.1": Full{},
		"172.18.0.2": Isolate{},
	}
}

func TestApply(t *testing.T) {
	engine, enterer, loader := newEngine(t)
	if err := engine.Apply(context.Background(), testGraph()); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	wantOrder := []string{
		"/run/keel/namespaces/net.172.18.0.1",
		"/run/keel/namespaces/net.172.18.0.2",
		"/run/keel/namespaces/net.172.18.0.3",
	}
	if !slices.Equal(enterer.entered, wantOrder) {
		t.Errorf("entered %q, want %q", enterer.entered, wantOrder)
	}
	for ip, link := range testGraph() {
		got := loader.scripts[engine.NamespacePath(ip)]
		if want := string(Script(ip, link, bridge)); got != want {
			t.Errorf("script for %s:\n%s\nwant:\n%s", ip, got, want)
		}
	}
}

func TestApplyStopsAtFirstFailure(t *testing.T) {
	engine, enterer, loader := newEngine(t)
	loader.failIn = engine.NamespacePath("172.18.0.2")

	err := engine.Apply(context.Background(), testGraph())
	if !errors.Is(err, ErrRuleLoader) {
		t.Fatalf("error = %v, want ErrRuleLoader", err)
	}
	if !strings.Contains(err.Error(), "172.18.0.2") {
		t.Errorf("error %q does not name the failing node", err)
	}
	// Earlier nodes stay applied; later nodes are never touched.
	if _, ok := loader.scripts[engine.NamespacePath("172.18.0.1")]; !ok {
		t.Error("node before the failure was not applied")
	}
	if slices.Contains(enterer.entered, engine.NamespacePath("172.18.0.3")) {
		t.Error("node after the failure was entered")
	}
}

func TestApplyMissingNamespace(t *testing.T) {
	engine, enterer, _ := newEngine(t)
	enterer.missing = map[string]bool{engine.NamespacePath("172.18.0.1"): true}

	err := engine.Apply(context.Background(), testGraph())
	if !errors.Is(err, ErrNamespace) || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("error = %v, want ErrNamespace wrapping ErrNotExist", err)
	}
	if errors.Is(err, ErrRuleLoader) {
		t.Error("a namespace failure is not a rule loader failure")
	}
	if len(enterer.entered) != 0 {
		t.Errorf("entered %q after the first node failed", enterer.entered)
	}
}

func TestApplyRejectsInvalidGraph(t *testing.T) {
	engine, enterer, _ := newEngine(t)
	err := engine.Apply(context.Background(), Graph{
		"172.18.0.1":               Full{},
		"172.18.0.2 -j ACCEPT\n-A": Full{},
	})
	if err == nil {
		t.Fatal("expected an error for an invalid node address")
	}
	if len(enterer.entered) != 0 {
		t.Error("an invalid graph must not be partially applied")
	}

	engine.BridgeAddress = "bridge"
	if err := engine.Apply(context.Background(), Graph{"172.18.0.1": Isolate{}}); err == nil {
		t.Error("expected an error for an invalid bridge address")
	}
}

func TestApplyCancelled(t *testing.T) {
	engine, enterer, _ := newEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := engine.Apply(ctx, testGraph()); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if len(enterer.entered) != 0 {
		t.Error("cancelled apply entered a namespace")
	}
}

func TestApplyLogsRules(t *testing.T) {
	engine, _, _ := newEngine(t)
	var logs bytes.Buffer
	engine.Logger = slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	if err := engine.Apply(context.Background(), Graph{"172.18.0.2": Isolate{}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := strings.Count(logs.String(), `msg="firewall rule"`); got != 7 {
		t.Errorf("logged %d rules, want 7:\n%s", got, logs.String())
	}
	if !strings.Contains(logs.String(), "node=172.18.0.2") {
		t.Error("rule log records do not name the node")
	}
}

func TestNamespacePath(t *testing.T) {
	engine := &Engine{NamespaceDir: "/tmp/ns"}
	if got := engine.NamespacePath("10.0.0.7"); got != filepath.Join("/tmp/ns", "net.10.0.0.7") {
		t.Errorf("NamespacePath = %q", got)
	}
}
