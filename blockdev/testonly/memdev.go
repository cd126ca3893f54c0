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

// Package testonly provides support for block device tests.
package testonly

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/boljen/go-bitmap"
)

// OpKind identifies a device operation recorded by MemDev.
type OpKind string

const (
	OpRead  OpKind = "read"
	OpWrite OpKind = "write"
	OpErase OpKind = "erase"
)

// Op is a single operation issued against a MemDev.
type Op struct {
	Kind OpKind
	LBA  uint
	Off  uint
	Len  int
}

// MemDev is a simple in-memory block device with flash semantics: a partial
// write is only accepted on a block which has been erased since it was last
// written.
type MemDev struct {
	BlockBytes uint
	Storage    [][]byte

	// erased tracks blocks which may accept a partial write.
	erased bitmap.Bitmap

	// Ops records every operation, in order.
	Ops []Op

	// OnBlockWritten is called just after a mem block has been written.
	OnBlockWritten func(lba uint)
	// FailWrite, if set, is consulted before every write or erase; a non-nil
	// return fails the operation without touching storage.
	FailWrite func(lba uint) error
	// OnRead, if set, may modify data returned by ReadBlocks.
	OnRead func(lba uint, b []byte)
}

// BlockSize returns the block size of the device.
func (md *MemDev) BlockSize() uint {
	return md.BlockBytes
}

// BlockCount returns the number of blocks on the device.
func (md *MemDev) BlockCount() uint {
	return uint(len(md.Storage))
}

func (md *MemDev) check(lba uint, off uint, n int) error {
	if lba >= uint(len(md.Storage)) {
		return fmt.Errorf("lba (%d) >= device blocks (%d)", lba, len(md.Storage))
	}
	if end := uint64(lba)*uint64(md.BlockBytes) + uint64(off) + uint64(n); end > uint64(len(md.Storage))*uint64(md.BlockBytes) {
		return fmt.Errorf("access of %d bytes at block %d + %d runs off the device", n, lba, off)
	}
	return nil
}

// ReadBlocks reads len(b) bytes starting at byte off within block lba.
func (md *MemDev) ReadBlocks(lba uint, b []byte, off uint) error {
	if err := md.check(lba, off, len(b)); err != nil {
		return err
	}
	md.Ops = append(md.Ops, Op{Kind: OpRead, LBA: lba, Off: off, Len: len(b)})
	for i, blk, o := 0, lba, off; i < len(b); blk, o = blk+1, 0 {
		i += copy(b[i:], md.Storage[blk][o:])
	}
	if md.OnRead != nil {
		md.OnRead(lba, b)
	}
	return nil
}

// WriteBlocks writes b starting at byte off within block lba.
func (md *MemDev) WriteBlocks(lba uint, b []byte, off uint) error {
	if err := md.check(lba, off, len(b)); err != nil {
		return err
	}
	if md.FailWrite != nil {
		if err := md.FailWrite(lba); err != nil {
			return err
		}
	}
	full := off == 0 && uint(len(b))%md.BlockBytes == 0
	if !full && !md.erased.Get(int(lba)) {
		return fmt.Errorf("partial write to unerased block %d", lba)
	}
	md.Ops = append(md.Ops, Op{Kind: OpWrite, LBA: lba, Off: off, Len: len(b)})
	for i, blk, o := 0, lba, off; i < len(b); blk, o = blk+1, 0 {
		i += copy(md.Storage[blk][o:], b[i:])
		md.erased.Set(int(blk), false)
		if md.OnBlockWritten != nil {
			md.OnBlockWritten(blk)
		}
	}
	return nil
}

// EraseBlock fills block lba with 0xff.
func (md *MemDev) EraseBlock(lba uint) error {
	if err := md.check(lba, 0, 0); err != nil {
		return err
	}
	if md.FailWrite != nil {
		if err := md.FailWrite(lba); err != nil {
			return err
		}
	}
	md.Ops = append(md.Ops, Op{Kind: OpErase, LBA: lba})
	copy(md.Storage[lba], bytes.Repeat([]byte{0xff}, int(md.BlockBytes)))
	md.erased.Set(int(lba), true)
	return nil
}

// Bytes returns the first n bytes stored on the device.
func (md *MemDev) Bytes(n int) []byte {
	r := make([]byte, 0, n)
	for _, b := range md.Storage {
		if len(r) >= n {
			break
		}
		r = append(r, b...)
	}
	return r[:n]
}

// Writes returns the recorded write operations.
func (md *MemDev) Writes() []Op {
	var r []Op
	for _, o := range md.Ops {
		if o.Kind == OpWrite {
			r = append(r, o)
		}
	}
	return r
}

// NewMemDev creates a new in-memory block device with every block erased.
func NewMemDev(t *testing.T, blockSize, numBlocks uint) *MemDev {
	t.Helper()
	md := &MemDev{
		BlockBytes: blockSize,
		Storage:    make([][]byte, numBlocks),
		erased:     bitmap.New(int(numBlocks)),
	}
	for i := range md.Storage {
		md.Storage[i] = bytes.Repeat([]byte{0xff}, int(blockSize))
		md.erased.Set(i, true)
	}
	return md
}
