// Copyright 2026 The Keel Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

type sampleRecord struct {
	Container string    `cbor:"container"`
	Steps     int       `cbor:"steps"`
	BuiltAt   time.Time `cbor:"built_at"`
}

func TestMarshalUnmarshalRoundtrip(t *testing.T) {
	original := sampleRecord{
		Container: "python",
		Steps:     4,
		BuiltAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded sampleRecord
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Container != original.Container || decoded.Steps != original.Steps ||
		!decoded.BuiltAt.Equal(original.BuiltAt) {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestMarshalMapOrderIndependent(t *testing.T) {
	// Go map iteration order is randomized; the encoding must not be.
	first := map[string]string{"/var/cache/pip": "pip", "/root/.npm": "npm", "/tmp/x": "x"}
	second := map[string]string{"/tmp/x": "x", "/var/cache/pip": "pip", "/root/.npm": "npm"}

	for i := 0; i < 20; i++ {
		a, err := Marshal(first)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		b, err := Marshal(second)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(a, b) {
			t.Fatalf("equal maps encoded differently on iteration %d", i)
		}
	}
}

func TestUnmarshalAnyUsesStringKeys(t *testing.T) {
	data, err := Marshal(map[string]any{"Sh": "echo hi"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	asMap, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded type = %T, want map[string]any", decoded)
	}
	if asMap["Sh"] != "echo hi" {
		t.Errorf("decoded[Sh] = %v, want %q", asMap["Sh"], "echo hi")
	}
}

func TestDiagnose(t *testing.T) {
	data, err := Marshal([]string{"apt-get", "update"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	text, err := Diagnose(data)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if !strings.Contains(text, `"apt-get"`) {
		t.Errorf("Diagnose = %q, want it to mention apt-get", text)
	}
}
