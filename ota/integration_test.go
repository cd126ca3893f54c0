// Copyright 2024 The Armored Witness OS authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ota_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/transparency-dev/armored-witness-ota/blockdev/testonly"
	"github.com/transparency-dev/armored-witness-ota/ota"
	"github.com/transparency-dev/armored-witness-ota/partition"
	"github.com/transparency-dev/armored-witness-ota/partition/flash"
)

const (
	blockSize = 4096

	layout = `
# Name,   Type, SubType, Offset,  Size
nvs,      data, nvs,     0x9000,  0x4000
otadata,  data, ota,     0xd000,  0x2000
ota_0,    app,  ota_0,   0x10000, 0x10000
ota_1,    app,  ota_1,   0x20000, 0x10000
`
)

type system struct {
	t   *testing.T
	svc *flash.Service
	pc  *partition.Context
}

func newSystem(t *testing.T) *system {
	t.Helper()
	tbl, err := partition.ParseTable(strings.NewReader(layout))
	if err != nil {
		t.Fatalf("ParseTable: %v", err)
	}
	svc, err := flash.New(testonly.NewMemDev(t, blockSize, 0x30000/blockSize), tbl, flash.Options{Validate: flash.MagicValidator(flash.ImageMagic)})
	if err != nil {
		t.Fatalf("flash.New: %v", err)
	}
	pc, err := partition.NewContext(svc)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	return &system{t: t, svc: svc, pc: pc}
}

func (s *system) reset() string {
	s.t.Helper()
	p, err := s.svc.Reset()
	if err != nil {
		s.t.Fatalf("Reset: %v", err)
	}
	if err := s.pc.Refresh(); err != nil {
		s.t.Fatalf("Refresh: %v", err)
	}
	return p.Label
}

func image(n int, seed byte) []byte {
	b := bytes.Repeat([]byte{seed}, n)
	b[0] = flash.ImageMagic
	return b
}

func (s *system) update(img []byte) (partition.Info, error) {
	s.t.Helper()
	sum := sha256.Sum256(img)
	u := ota.NewUpdater(s.pc)
	var p partition.Info
	_, err := u.Run(context.Background(), ota.SessionOptions{
		ExpectedDigest: hex.EncodeToString(sum[:]),
		ExpectedLength: uint64(len(img)),
		Verify:         true,
	}, func(up *ota.Update) error {
		p = up.Partition()
		_, err := up.ReadFrom(bytes.NewReader(img))
		return err
	})
	return p, err
}

func TestUpdateCycle(t *testing.T) {
	s := newSystem(t)
	if got := s.pc.Running().Label; got != "ota_0" {
		t.Fatalf("Running %q on a blank device, want ota_0", got)
	}

	p, err := s.update(image(3*blockSize+100, 0x11))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if p.Label != "ota_1" {
		t.Fatalf("Updated %q, want ota_1", p.Label)
	}
	if got := s.pc.Boot().Label; got != "ota_1" {
		t.Fatalf("Boot partition %q after update, want ota_1", got)
	}
	if got := s.reset(); got != "ota_1" {
		t.Fatalf("Booted %q, want ota_1", got)
	}

	r := ota.NewRollback(s.pc)
	if err := r.MarkValid(); err != nil {
		t.Fatalf("MarkValid: %v", err)
	}
	if got := s.reset(); got != "ota_1" {
		t.Fatalf("Booted %q after marking valid, want ota_1", got)
	}

	// A second image which is never confirmed is rolled back on the
	// following reset.
	if p, err := s.update(image(blockSize, 0x22)); err != nil || p.Label != "ota_0" {
		t.Fatalf("second update of %q: %v", p.Label, err)
	}
	if got := s.reset(); got != "ota_0" {
		t.Fatalf("Booted %q, want ota_0", got)
	}
	if got := s.reset(); got != "ota_1" {
		t.Fatalf("Booted %q after unconfirmed image, want ota_1", got)
	}
}

func TestUpdateRejectedByBootloader(t *testing.T) {
	s := newSystem(t)
	img := image(blockSize, 0x33)
	img[0] = 0
	if _, err := s.update(img); !errors.Is(err, ota.ErrBootCommit) || !errors.Is(err, flash.ErrInvalidImage) {
		t.Fatalf("Got %v, want ErrBootCommit and ErrInvalidImage", err)
	}
	if got := s.pc.Boot().Label; got != "ota_0" {
		t.Fatalf("Boot partition %q after rejected image, want ota_0", got)
	}
}

func TestForceRollbackAfterUpdate(t *testing.T) {
	s := newSystem(t)
	r := ota.NewRollback(s.pc)
	for _, want := range []string{"ota_1", "ota_0"} {
		if p, err := s.update(image(blockSize, 0x44)); err != nil || p.Label != want {
			t.Fatalf("update of %q: %v", p.Label, err)
		}
		if got := s.reset(); got != want {
			t.Fatalf("Booted %q, want %q", got, want)
		}
		if err := r.MarkValid(); err != nil {
			t.Fatal(err)
		}
	}

	p, err := r.ForceRollback()
	if err != nil {
		t.Fatalf("ForceRollback: %v", err)
	}
	if p.Label != "ota_1" {
		t.Fatalf("Rolled back to %q, want ota_1", p.Label)
	}
	if got := s.reset(); got != "ota_1" {
		t.Fatalf("Booted %q after rollback, want ota_1", got)
	}
}

func TestForceRollbackToBlankPartition(t *testing.T) {
	s := newSystem(t)
	if _, err := s.update(image(blockSize, 0x55)); err != nil {
		t.Fatal(err)
	}
	if got := s.reset(); got != "ota_1" {
		t.Fatalf("Booted %q, want ota_1", got)
	}
	// ota_0 has never held an image.
	if _, err := ota.NewRollback(s.pc).ForceRollback(); !errors.Is(err, flash.ErrInvalidImage) {
		t.Fatalf("Got %v, want ErrInvalidImage", err)
	}
}
