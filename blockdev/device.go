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

// Package blockdev provides block-granular access to flash storage.
//
// Note that these are low-level primitives: nothing here knows which
// partition is running, so care must be taken not to hand a Device covering
// live data to a writer.
package blockdev

import (
	"errors"
	"fmt"
)

// ErrOutOfRange is returned when an access would fall outside of a device.
var ErrOutOfRange = errors.New("access beyond end of device")

// Device is the capability a raw block device exposes.
//
// Full-block writes (offset 0, length a multiple of BlockSize) may be issued
// against any block; the device takes care of erasing as needed.
// Any other write is a partial write and is only valid on a block which has
// been erased with EraseBlock since it was last written.
type Device interface {
	// BlockSize returns the size in bytes of each block.
	BlockSize() uint
	// BlockCount returns the number of blocks on the device.
	BlockCount() uint
	// ReadBlocks reads len(b) bytes starting at byte offset off within block lba.
	ReadBlocks(lba uint, b []byte, off uint) error
	// WriteBlocks writes b starting at byte offset off within block lba.
	WriteBlocks(lba uint, b []byte, off uint) error
	// EraseBlock erases a single block.
	EraseBlock(lba uint) error
}

// Geometry is the immutable shape of a Device.
type Geometry struct {
	BlockSize  uint
	BlockCount uint
}

// GeometryOf returns the geometry of dev.
func GeometryOf(dev Device) Geometry {
	return Geometry{
		BlockSize:  dev.BlockSize(),
		BlockCount: dev.BlockCount(),
	}
}

// Capacity returns the number of bytes the device can hold.
func (g Geometry) Capacity() uint64 {
	return uint64(g.BlockSize) * uint64(g.BlockCount)
}

// Split returns the number of whole blocks and trailing bytes occupied by n
// bytes of data.
func (g Geometry) Split(n uint64) (blocks uint64, rem uint64) {
	return n / uint64(g.BlockSize), n % uint64(g.BlockSize)
}

func (g Geometry) String() string {
	return fmt.Sprintf("%d x %d byte blocks", g.BlockCount, g.BlockSize)
}

// CheckRange returns an error if n bytes starting at byte off within block
// lba do not fit on a device with geometry g.
func (g Geometry) CheckRange(lba uint, off uint, n int) error {
	if lba >= g.BlockCount {
		return fmt.Errorf("%w: block %d not in range [0, %d)", ErrOutOfRange, lba, g.BlockCount)
	}
	start := uint64(lba)*uint64(g.BlockSize) + uint64(off)
	if end := start + uint64(n); end > g.Capacity() {
		return fmt.Errorf("%w: %d bytes at block %d + %d extends past %d bytes", ErrOutOfRange, n, lba, off, g.Capacity())
	}
	return nil
}

// AlignmentError reports a write which violates the block granularity rules.
type AlignmentError struct {
	// Block is the index of the block the write was aimed at.
	Block uint64
	// Reason describes the violated rule.
	Reason string
}

func (e *AlignmentError) Error() string {
	return fmt.Sprintf("block %d %s", e.Block, e.Reason)
}
