// Copyright 2026 The Keel Authors
// SPDX-License-Identifier: Apache-2.0

package buildcache

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/keelbuild/keel/lib/clock"
	"github.com/keelbuild/keel/lib/testutil"
)

var builtAt = time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)

func newStore(t *testing.T, compression Compression) *Store {
	t.Helper()
	return &Store{
		Base:        t.TempDir(),
		Compression: compression,
		Clock:       clock.Fixed(builtAt),
	}
}

func TestCommitLookupAndVersion(t *testing.T) {
	for _, compression := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(compression.String(), func(t *testing.T) {
			store := newStore(t, compression)

			if _, ok := store.Lookup("app", "abc"); ok {
				t.Fatal("Lookup found a build in an empty store")
			}

			staging, err := store.Stage("app")
			if err != nil {
				t.Fatalf("Stage: %v", err)
			}
			testutil.WriteFile(t, staging.Root, "etc/app.conf", []byte("debug = false\n"), 0o644)

			transcript := bytes.Repeat([]byte("compiling module\n"), 500)
			record, err := store.Commit(staging, "abc", 3, transcript)
			if err != nil {
				t.Fatalf("Commit: %v", err)
			}
			if record.BuildID != staging.ID || record.Container != "app" || record.Address != "abc" || record.Steps != 3 {
				t.Errorf("record = %+v", record)
			}
			if !record.BuiltAt.Equal(builtAt) {
				t.Errorf("BuiltAt = %v, want %v", record.BuiltAt, builtAt)
			}
			if !bytes.Equal(record.Transcript, transcript) {
				t.Error("transcript did not survive the round trip")
			}

			root, ok := store.Lookup("app", "abc")
			if !ok {
				t.Fatal("Lookup did not find the committed build")
			}
			if content, err := os.ReadFile(filepath.Join(root, "etc/app.conf")); err != nil || string(content) != "debug = false\n" {
				t.Errorf("committed root content = (%q, %v)", content, err)
			}
			if _, err := os.Stat(staging.Root); !os.IsNotExist(err) {
				t.Errorf("staging root still exists after commit: %v", err)
			}

			version, err := store.ContainerVersion("app")
			if err != nil {
				t.Fatalf("ContainerVersion: %v", err)
			}
			if version != "app.abc" {
				t.Errorf("ContainerVersion = %q, want app.abc", version)
			}
		})
	}
}

func TestCommitCompressesTranscripts(t *testing.T) {
	store := newStore(t, CompressionZstd)
	staging, err := store.Stage("app")
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	transcript := bytes.Repeat([]byte("the same line over and over\n"), 4096)
	if _, err := store.Commit(staging, "abc", 1, transcript); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(store.VersionDir("app.abc"), recordName))
	if err != nil {
		t.Fatalf("reading record: %v", err)
	}
	if Compression(raw[0]) != CompressionZstd {
		t.Errorf("record tag = %s, want zstd", Compression(raw[0]))
	}
	if len(raw) >= len(transcript) {
		t.Errorf("record is %d bytes for a %d byte transcript", len(raw), len(transcript))
	}
}

func TestIncompressibleRecordStoredRaw(t *testing.T) {
	store := newStore(t, CompressionLZ4)
	staging, err := store.Stage("noise")
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	transcript := make([]byte, 4096)
	if _, err := rand.Read(transcript); err != nil {
		t.Fatalf("rand: %v", err)
	}
	record, err := store.Commit(staging, "f00", 1, transcript)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !bytes.Equal(record.Transcript, transcript) {
		t.Error("random transcript did not survive the round trip")
	}
	raw, err := os.ReadFile(filepath.Join(store.VersionDir("noise.f00"), recordName))
	if err != nil {
		t.Fatalf("reading record: %v", err)
	}
	if Compression(raw[0]) != CompressionNone {
		t.Errorf("record tag = %s, want none for incompressible data", Compression(raw[0]))
	}
}

func TestCommitSameAddressKeepsExisting(t *testing.T) {
	store := newStore(t, CompressionZstd)

	first, err := store.Stage("app")
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	testutil.WriteFile(t, first.Root, "marker", []byte("first"), 0o644)
	if _, err := store.Commit(first, "abc", 1, nil); err != nil {
		t.Fatalf("first Commit: %v", err)
	}

	second, err := store.Stage("app")
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	testutil.WriteFile(t, second.Root, "marker", []byte("second"), 0o644)
	record, err := store.Commit(second, "abc", 1, nil)
	if err != nil {
		t.Fatalf("second Commit: %v", err)
	}
	if record.BuildID != first.ID {
		t.Errorf("record BuildID = %s, want the first build %s", record.BuildID, first.ID)
	}

	root, _ := store.Lookup("app", "abc")
	if content, _ := os.ReadFile(filepath.Join(root, "marker")); string(content) != "first" {
		t.Errorf("marker = %q, want the first build's root", content)
	}
	if _, err := os.Stat(second.Root); !os.IsNotExist(err) {
		t.Error("second staging root was not discarded")
	}
}

func TestCommitMovesLinkToNewVersion(t *testing.T) {
	store := newStore(t, CompressionNone)
	for _, address := range []string{"aaa", "bbb"} {
		staging, err := store.Stage("app")
		if err != nil {
			t.Fatalf("Stage: %v", err)
		}
		if _, err := store.Commit(staging, address, 1, nil); err != nil {
			t.Fatalf("Commit %s: %v", address, err)
		}
	}
	version, err := store.ContainerVersion("app")
	if err != nil {
		t.Fatalf("ContainerVersion: %v", err)
	}
	if version != "app.bbb" {
		t.Errorf("ContainerVersion = %q, want app.bbb", version)
	}
	if _, ok := store.Lookup("app", "aaa"); !ok {
		t.Error("older build should stay reusable")
	}
}

func TestIncompleteRootIgnored(t *testing.T) {
	store := newStore(t, CompressionZstd)
	// A root directory without a record: an interrupted commit.
	if err := os.MkdirAll(filepath.Join(store.VersionDir("app.abc"), rootName), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if _, ok := store.Lookup("app", "abc"); ok {
		t.Fatal("Lookup accepted a root without a record")
	}

	staging, err := store.Stage("app")
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if _, err := store.Commit(staging, "abc", 2, nil); err != nil {
		t.Fatalf("Commit over incomplete root: %v", err)
	}
	if _, ok := store.Lookup("app", "abc"); !ok {
		t.Error("Lookup should find the build after a clean commit")
	}
}

func TestContainerVersionMissing(t *testing.T) {
	store := newStore(t, CompressionNone)
	if _, err := store.ContainerVersion("never-built"); err == nil {
		t.Fatal("expected an error for a container without a build")
	}

	// A link that points at another container's root is rejected.
	links := filepath.Join(store.Base, linksDir)
	if err := os.MkdirAll(links, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.Symlink("../.roots/other.abc", filepath.Join(links, "app")); err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	if _, err := store.ContainerVersion("app"); err == nil || !strings.Contains(err.Error(), "foreign") {
		t.Errorf("error = %v, want foreign version error", err)
	}
}

func TestDiscard(t *testing.T) {
	store := newStore(t, CompressionNone)
	staging, err := store.Stage("app")
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if err := store.Discard(staging); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if _, err := os.Stat(staging.Root); !os.IsNotExist(err) {
		t.Errorf("staging root still exists: %v", err)
	}
}

func TestReadRecordCorrupt(t *testing.T) {
	store := newStore(t, CompressionNone)
	dir := store.VersionDir("app.abc")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	for name, content := range map[string][]byte{
		"truncated":     {2, 0},
		"size mismatch": {0, 0, 0, 0, 9, 1, 2},
		"unknown tag":   {7, 0, 0, 0, 1, 1},
	} {
		t.Run(name, func(t *testing.T) {
			if err := os.WriteFile(filepath.Join(dir, recordName), content, 0o644); err != nil {
				t.Fatalf("WriteFile: %v", err)
			}
			if _, err := store.ReadRecord("app.abc"); err == nil {
				t.Error("expected an error for a corrupt record")
			}
		})
	}
}

func TestParseCompression(t *testing.T) {
	for _, name := range []string{"none", "lz4", "zstd"} {
		tag, err := ParseCompression(name)
		if err != nil {
			t.Fatalf("ParseCompression(%q): %v", name, err)
		}
		if tag.String() != name {
			t.Errorf("round trip of %q gave %q", name, tag)
		}
	}
	if _, err := ParseCompression("gzip"); err == nil {
		t.Error("expected an error for gzip")
	}
}

func TestActivate(t *testing.T) {
	store := newStore(t, CompressionNone)
	if _, err := store.Activate("app", "aaa"); err == nil {
		t.Fatal("expected an error activating a build that was never committed")
	}

	for _, address := range []string{"aaa", "bbb"} {
		staging, err := store.Stage("app")
		if err != nil {
			t.Fatalf("Stage: %v", err)
		}
		if _, err := store.Commit(staging, address, 1, nil); err != nil {
			t.Fatalf("Commit %s: %v", address, err)
		}
	}
	record, err := store.Activate("app", "aaa")
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if record.Address != "aaa" {
		t.Errorf("record address = %q, want aaa", record.Address)
	}
	if version, _ := store.ContainerVersion("app"); version != "app.aaa" {
		t.Errorf("ContainerVersion = %q, want app.aaa", version)
	}
}
