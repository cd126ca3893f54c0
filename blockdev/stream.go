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
	"bytes"
	"fmt"
	"io"
	"os"

	"k8s.io/klog/v2"
)

// ErasedByte is the value every byte of a freshly erased flash block holds.
const ErasedByte = 0xff

// MaxTransferBytes is the largest single transfer issued against the backing
// stream; larger requests are split.
var MaxTransferBytes = 32 * 1024

// StreamDevice emulates NOR flash on top of a seekable byte stream.
//
// Partial writes behave like flash programming: bits can only be cleared,
// so writing into a block which has not been erased corrupts it.
type StreamDevice struct {
	rws io.ReadWriteSeeker
	geo Geometry
	// start is the byte offset in rws of block 0.
	start int64
}

// NewStreamDevice returns a device of blockCount blocks of blockSize bytes,
// with block 0 located at startOffset in rws.
func NewStreamDevice(rws io.ReadWriteSeeker, blockSize, blockCount uint, startOffset int64) *StreamDevice {
	return &StreamDevice{
		rws:   rws,
		geo:   Geometry{BlockSize: blockSize, BlockCount: blockCount},
		start: startOffset,
	}
}

// BlockSize returns the size in bytes of each block.
func (d *StreamDevice) BlockSize() uint { return d.geo.BlockSize }

// BlockCount returns the number of blocks on the device.
func (d *StreamDevice) BlockCount() uint { return d.geo.BlockCount }

func (d *StreamDevice) offset(lba uint, off uint) int64 {
	return d.start + int64(lba)*int64(d.geo.BlockSize) + int64(off)
}

func (d *StreamDevice) readAt(b []byte, at int64) error {
	for len(b) > 0 {
		n := min(len(b), MaxTransferBytes)
		if _, err := d.rws.Seek(at, io.SeekStart); err != nil {
			return err
		}
		if _, err := io.ReadFull(d.rws, b[:n]); err != nil {
			return fmt.Errorf("read %d bytes at %#x: %w", n, at, err)
		}
		b = b[n:]
		at += int64(n)
	}
	return nil
}

func (d *StreamDevice) writeAt(b []byte, at int64) error {
	for len(b) > 0 {
		n := min(len(b), MaxTransferBytes)
		if _, err := d.rws.Seek(at, io.SeekStart); err != nil {
			return err
		}
		if _, err := d.rws.Write(b[:n]); err != nil {
			return fmt.Errorf("write %d bytes at %#x: %w", n, at, err)
		}
		b = b[n:]
		at += int64(n)
	}
	return nil
}

// ReadBlocks reads len(b) bytes starting at byte off within block lba.
func (d *StreamDevice) ReadBlocks(lba uint, b []byte, off uint) error {
	if err := d.geo.CheckRange(lba, off, len(b)); err != nil {
		return err
	}
	return d.readAt(b, d.offset(lba, off))
}

// WriteBlocks writes b starting at byte offset off within block lba.
func (d *StreamDevice) WriteBlocks(lba uint, b []byte, off uint) error {
	if err := d.geo.CheckRange(lba, off, len(b)); err != nil {
		return err
	}
	if off == 0 && uint(len(b))%d.geo.BlockSize == 0 {
		return d.writeAt(b, d.offset(lba, 0))
	}
	// Program semantics: new = old AND data.
	cur := make([]byte, len(b))
	if err := d.readAt(cur, d.offset(lba, off)); err != nil {
		return err
	}
	for i := range cur {
		cur[i] &= b[i]
	}
	if !bytes.Equal(cur, b) {
		klog.Warningf("Partial write to block %d + %d hit unerased flash", lba, off)
	}
	return d.writeAt(cur, d.offset(lba, off))
}

// EraseBlock sets every byte of block lba to ErasedByte.
func (d *StreamDevice) EraseBlock(lba uint) error {
	if err := d.geo.CheckRange(lba, 0, int(d.geo.BlockSize)); err != nil {
		return err
	}
	return d.writeAt(bytes.Repeat([]byte{ErasedByte}, int(d.geo.BlockSize)), d.offset(lba, 0))
}

// FileDevice is a StreamDevice backed by a flash image file.
type FileDevice struct {
	*StreamDevice
	f *os.File
}

// OpenFile opens an existing flash image. The block count is derived from
// the file size, rounded down to a whole block.
func OpenFile(path string, blockSize uint) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	count := uint(fi.Size() / int64(blockSize))
	if count == 0 {
		f.Close()
		return nil, fmt.Errorf("flash image %q (%d bytes) is smaller than one %d byte block", path, fi.Size(), blockSize)
	}
	return &FileDevice{StreamDevice: NewStreamDevice(f, blockSize, count, 0), f: f}, nil
}

// CreateFile creates a fully erased flash image of blockCount blocks,
// truncating any existing file.
func CreateFile(path string, blockSize, blockCount uint) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	d := &FileDevice{StreamDevice: NewStreamDevice(f, blockSize, blockCount, 0), f: f}
	for i := uint(0); i < blockCount; i++ {
		if err := d.EraseBlock(i); err != nil {
			f.Close()
			return nil, fmt.Errorf("erase block %d: %v", i, err)
		}
	}
	return d, nil
}

// Sync commits the image file to stable storage.
func (d *FileDevice) Sync() error {
	return d.f.Sync()
}

// Close closes the image file.
func (d *FileDevice) Close() error {
	return d.f.Close()
}
