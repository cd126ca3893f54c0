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

import "fmt"

// Window exposes the contiguous range of blocks [Start, Start+Length) of a
// larger device as a device in its own right.
type Window struct {
	dev           Device
	start, length uint
}

// NewWindow returns a view of length blocks of dev starting at block start.
func NewWindow(dev Device, start, length uint) (*Window, error) {
	if length == 0 {
		return nil, fmt.Errorf("empty window at block %d", start)
	}
	if c := dev.BlockCount(); start+length > c || start+length < start {
		return nil, fmt.Errorf("window [%d, %d) exceeds device of %d blocks", start, start+length, c)
	}
	return &Window{dev: dev, start: start, length: length}, nil
}

// BlockSize returns the block size of the underlying device.
func (w *Window) BlockSize() uint { return w.dev.BlockSize() }

// BlockCount returns the number of blocks in the window.
func (w *Window) BlockCount() uint { return w.length }

// Start returns the index of the first underlying block in the window.
func (w *Window) Start() uint { return w.start }

func (w *Window) check(lba uint, off uint, n int) error {
	return Geometry{BlockSize: w.dev.BlockSize(), BlockCount: w.length}.CheckRange(lba, off, n)
}

// ReadBlocks reads len(b) bytes at byte off within window block lba.
func (w *Window) ReadBlocks(lba uint, b []byte, off uint) error {
	if err := w.check(lba, off, len(b)); err != nil {
		return err
	}
	return w.dev.ReadBlocks(w.start+lba, b, off)
}

// WriteBlocks writes b at byte off within window block lba.
func (w *Window) WriteBlocks(lba uint, b []byte, off uint) error {
	if err := w.check(lba, off, len(b)); err != nil {
		return err
	}
	return w.dev.WriteBlocks(w.start+lba, b, off)
}

// EraseBlock erases window block lba.
func (w *Window) EraseBlock(lba uint) error {
	if err := w.check(lba, 0, 0); err != nil {
		return err
	}
	return w.dev.EraseBlock(w.start + lba)
}
