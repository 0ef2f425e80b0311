// Copyright 2026 The Keel Authors
// SPDX-License-Identifier: Apache-2.0

package buildcache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/keelbuild/keel/lib/clock"
	"github.com/keelbuild/keel/lib/codec"
)

const (
	rootsDir   = ".roots"
	linksDir   = ".lnk"
	rootName   = "root"
	recordName = "build.rec"

	// recordHeaderSize is the compression tag plus the uncompressed
	// length.
	recordHeaderSize = 5
)

// Record describes one committed build.
type Record struct {
	BuildID    string    `cbor:"build_id"`
	Container  string    `cbor:"container"`
	Address    string    `cbor:"address"`
	Steps      int       `cbor:"steps"`
	BuiltAt    time.Time `cbor:"built_at"`
	Transcript []byte    `cbor:"transcript,omitempty"`
}

// Store is a content-addressed set of built roots under Base.
type Store struct {
	// Base is the directory holding .roots and .lnk.
	Base string

	// Compression is applied to new build records.
	Compression Compression

	// Clock stamps records. Defaults to clock.Real.
	Clock clock.Clock

	Logger *slog.Logger
}

// Staging is a build root in progress.
type Staging struct {
	// ID is the build identifier, also recorded in the build record.
	ID string

	// Root is the directory to build into.
	Root string

	container string
	dir       string
}

// VersionName returns the version identifier of a build.
func VersionName(name, address string) string {
	return name + "." + address
}

// VersionDir returns the directory of a version under .roots.
func (s *Store) VersionDir(version string) string {
	return filepath.Join(s.Base, rootsDir, version)
}

// Lookup returns the root of a committed build of name at address.
func (s *Store) Lookup(name, address string) (string, bool) {
	dir := s.VersionDir(VersionName(name, address))
	if _, err := os.Stat(filepath.Join(dir, recordName)); err != nil {
		return "", false
	}
	return filepath.Join(dir, rootName), true
}

// ContainerVersion returns the version identifier the current-version
// link of name points to.
func (s *Store) ContainerVersion(name string) (string, error) {
	target, err := os.Readlink(filepath.Join(s.Base, linksDir, name))
	if err != nil {
		return "", fmt.Errorf("container %q has no current build: %w", name, err)
	}
	version := filepath.Base(target)
	if !strings.HasPrefix(version, name+".") {
		return "", fmt.Errorf("container %q link points to foreign version %q", name, version)
	}
	return version, nil
}

// Stage creates an empty root to build name into.
func (s *Store) Stage(name string) (*Staging, error) {
	id := uuid.NewString()
	dir := filepath.Join(s.Base, rootsDir, ".tmp."+name+"."+id)
	root := filepath.Join(dir, rootName)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating staging root: %w", err)
	}
	return &Staging{ID: id, Root: root, container: name, dir: dir}, nil
}

// Discard removes a staging root.
func (s *Store) Discard(staging *Staging) error {
	if err := os.RemoveAll(staging.dir); err != nil {
		return fmt.Errorf("removing staging root: %w", err)
	}
	return nil
}

// Commit moves a staging root to its content address, writes its
// record and makes it the current version of the container. If the
// address was already committed the staged root is discarded and the
// existing one becomes current.
func (s *Store) Commit(staging *Staging, address string, steps int, transcript []byte) (*Record, error) {
	name := staging.container
	version := VersionName(name, address)
	dir := s.VersionDir(version)

	if _, ok := s.Lookup(name, address); ok {
		s.logger().Info("build already committed, keeping existing root",
			"container", name, "address", address)
		if err := s.Discard(staging); err != nil {
			return nil, err
		}
	} else {
		// A directory without a record is the leftover of an
		// interrupted commit.
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("removing incomplete root %s: %w", dir, err)
		}
		if err := os.Rename(staging.dir, dir); err != nil {
			return nil, fmt.Errorf("moving build into place: %w", err)
		}
		record := &Record{
			BuildID:    staging.ID,
			Container:  name,
			Address:    address,
			Steps:      steps,
			BuiltAt:    s.clock().Now().UTC(),
			Transcript: transcript,
		}
		if err := s.writeRecord(filepath.Join(dir, recordName), record); err != nil {
			return nil, err
		}
	}

	if err := s.link(name, version); err != nil {
		return nil, err
	}
	return s.ReadRecord(version)
}

// Activate makes the committed build of name at address the current
// version of the container.
func (s *Store) Activate(name, address string) (*Record, error) {
	if _, ok := s.Lookup(name, address); !ok {
		return nil, fmt.Errorf("container %q has no committed build at %s", name, address)
	}
	version := VersionName(name, address)
	if err := s.link(name, version); err != nil {
		return nil, err
	}
	return s.ReadRecord(version)
}

// ReadRecord reads the build record of a version.
func (s *Store) ReadRecord(version string) (*Record, error) {
	data, err := os.ReadFile(filepath.Join(s.VersionDir(version), recordName))
	if err != nil {
		return nil, fmt.Errorf("reading build record: %w", err)
	}
	if len(data) < recordHeaderSize {
		return nil, fmt.Errorf("build record of %s is truncated", version)
	}
	tag := Compression(data[0])
	size := int(binary.BigEndian.Uint32(data[1:recordHeaderSize]))
	payload, err := decompress(data[recordHeaderSize:], tag, size)
	if err != nil {
		return nil, fmt.Errorf("build record of %s: %w", version, err)
	}
	var record Record
	if err := codec.Unmarshal(payload, &record); err != nil {
		return nil, fmt.Errorf("decoding build record of %s: %w", version, err)
	}
	return &record, nil
}

func (s *Store) writeRecord(path string, record *Record) error {
	encoded, err := codec.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding build record: %w", err)
	}

	tag := s.Compression
	payload, err := compress(encoded, tag)
	if errors.Is(err, errIncompressible) {
		tag, payload = CompressionNone, encoded
	} else if err != nil {
		return err
	}

	framed := make([]byte, recordHeaderSize, recordHeaderSize+len(payload))
	framed[0] = byte(tag)
	binary.BigEndian.PutUint32(framed[1:recordHeaderSize], uint32(len(encoded)))
	framed = append(framed, payload...)

	temporary := path + ".tmp"
	if err := os.WriteFile(temporary, framed, 0o644); err != nil {
		return fmt.Errorf("writing build record: %w", err)
	}
	if err := os.Rename(temporary, path); err != nil {
		return fmt.Errorf("writing build record: %w", err)
	}
	s.logger().Debug("build record written", "path", path, "compression", tag, "bytes", len(framed))
	return nil
}

// link atomically points .lnk/<name> at a version.
func (s *Store) link(name, version string) error {
	directory := filepath.Join(s.Base, linksDir)
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return fmt.Errorf("creating link directory: %w", err)
	}
	temporary := filepath.Join(directory, "."+name+".tmp")
	_ = os.Remove(temporary)
	target := filepath.Join("..", rootsDir, version)
	if err := os.Symlink(target, temporary); err != nil {
		return fmt.Errorf("linking %s: %w", name, err)
	}
	if err := os.Rename(temporary, filepath.Join(directory, name)); err != nil {
		return fmt.Errorf("linking %s: %w", name, err)
	}
	return nil
}

func (s *Store) clock() clock.Clock {
	if s.Clock != nil {
		return s.Clock
	}
	return clock.Real()
}

func (s *Store) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
