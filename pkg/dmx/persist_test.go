// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package dmx

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/Thermoquad/limelight/pkg/rdm"
)

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()

	v, err := s.Load(rdm.PIDDeviceLabel)
	if err != nil || v != nil {
		t.Fatalf("Load of an empty store returned %v, %v", v, err)
	}

	if err := s.Save(rdm.PIDDeviceLabel, []byte("dimmer 1")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	v, err = s.Load(rdm.PIDDeviceLabel)
	if err != nil || !bytes.Equal(v, []byte("dimmer 1")) {
		t.Fatalf("Load returned %q, %v", v, err)
	}

	// The store copies values, it does not alias them.
	v[0] = 'X'
	v2, _ := s.Load(rdm.PIDDeviceLabel)
	if !bytes.Equal(v2, []byte("dimmer 1")) {
		t.Fatalf("stored value was aliased: %q", v2)
	}
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.cbor")

	s, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	if v, err := s.Load(rdm.PIDDMXStartAddress); err != nil || v != nil {
		t.Fatalf("Load of a fresh store returned %v, %v", v, err)
	}

	if err := s.Save(rdm.PIDDMXStartAddress, []byte{0, 42}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(rdm.PIDDeviceLabel, []byte("stage left")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// A reopened store sees everything the first one wrote.
	s2, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	v, err := s2.Load(rdm.PIDDMXStartAddress)
	if err != nil || !bytes.Equal(v, []byte{0, 42}) {
		t.Fatalf("reloaded start address %v, %v", v, err)
	}
	v, err = s2.Load(rdm.PIDDeviceLabel)
	if err != nil || !bytes.Equal(v, []byte("stage left")) {
		t.Fatalf("reloaded label %q, %v", v, err)
	}
}

func TestFileStoreOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.cbor")

	s, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.Save(rdm.PIDDeviceLabel, []byte{byte(i)}); err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
	}

	s2, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	v, _ := s2.Load(rdm.PIDDeviceLabel)
	if !bytes.Equal(v, []byte{2}) {
		t.Fatalf("store holds %v, want the last write", v)
	}
}
