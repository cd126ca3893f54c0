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

package blockdev

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/transparency-dev/armored-witness-ota/blockdev/testonly"
)

func TestNewWindow(t *testing.T) {
	md := testonly.NewMemDev(t, testBlockSize, 8)
	for _, test := range []struct {
		name          string
		start, length uint
		wantErr       bool
	}{
		{name: "whole device", start: 0, length: 8},
		{name: "tail", start: 6, length: 2},
		{name: "empty", start: 2, length: 0, wantErr: true},
		{name: "past end", start: 6, length: 3, wantErr: true},
		{name: "overflow", start: ^uint(0), length: 2, wantErr: true},
	} {
		t.Run(test.name, func(t *testing.T) {
			_, err := NewWindow(md, test.start, test.length)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("Got %v, wantErr %t", err, test.wantErr)
			}
		})
	}
}

func TestWindowTranslatesBlocks(t *testing.T) {
	md := testonly.NewMemDev(t, testBlockSize, 8)
	w, err := NewWindow(md, 4, 2)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.EraseBlock(1); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteBlocks(1, []byte("abc"), 0); err != nil {
		t.Fatal(err)
	}
	if err := w.ReadBlocks(0, make([]byte, testBlockSize), 0); err != nil {
		t.Fatal(err)
	}
	want := []testonly.Op{
		{Kind: testonly.OpErase, LBA: 5},
		{Kind: testonly.OpWrite, LBA: 5, Len: 3},
		{Kind: testonly.OpRead, LBA: 4, Len: testBlockSize},
	}
	if diff := cmp.Diff(want, md.Ops); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}
}

func TestWindowBounds(t *testing.T) {
	md := testonly.NewMemDev(t, testBlockSize, 8)
	w, err := NewWindow(md, 4, 2)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.WriteBlocks(2, make([]byte, testBlockSize), 0); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Got %v, want ErrOutOfRange", err)
	}
	if err := w.WriteBlocks(1, make([]byte, 2*testBlockSize), 0); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Got %v, want ErrOutOfRange", err)
	}
	if len(md.Ops) != 0 {
		t.Errorf("Out of range access reached the device: %v", md.Ops)
	}
}
