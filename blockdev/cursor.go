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
	"fmt"
	"io"

	"k8s.io/klog/v2"
)

// Cursor presents a Device as a sequentially written image.
//
// Every write must start on a block boundary and be either a whole number of
// blocks, or shorter than one block. A short write erases its target block
// first and leaves the cursor unaligned, so it is necessarily the last write.
type Cursor struct {
	dev Device
	geo Geometry

	// pos is the current read/write position.
	pos uint64
	// end is the number of bytes written so far, i.e. the size of the image.
	end uint64

	// Verbose logs every device write at Info rather than V(1).
	Verbose bool
}

// NewCursor returns a Cursor positioned at the start of dev.
func NewCursor(dev Device) *Cursor {
	return &Cursor{
		dev: dev,
		geo: GeometryOf(dev),
	}
}

// Geometry returns the geometry of the underlying device.
func (c *Cursor) Geometry() Geometry {
	return c.geo
}

// Size returns the number of bytes written to the device.
func (c *Cursor) Size() uint64 {
	return c.end
}

// Pos returns the current position.
func (c *Cursor) Pos() uint64 {
	return c.pos
}

// Aligned reports whether the current position lies on a block boundary.
func (c *Cursor) Aligned() bool {
	return c.pos%uint64(c.geo.BlockSize) == 0
}

func (c *Cursor) logf(format string, args ...any) {
	if c.Verbose {
		klog.InfofDepth(1, format, args...)
		return
	}
	klog.V(1).InfofDepth(1, format, args...)
}

// Write writes p at the current position.
func (c *Cursor) Write(p []byte) (int, error) {
	bs := uint64(c.geo.BlockSize)
	block, rem := c.pos/bs, c.pos%bs
	if rem != 0 {
		return 0, &AlignmentError{Block: block, Reason: "write not aligned at block boundary"}
	}
	n := uint64(len(p))
	switch {
	case n == 0:
		return 0, nil
	case n%bs == 0:
		if err := c.geo.CheckRange(uint(block), 0, len(p)); err != nil {
			return 0, err
		}
		if err := c.dev.WriteBlocks(uint(block), p, 0); err != nil {
			return 0, fmt.Errorf("write %d blocks at block %d: %w", n/bs, block, err)
		}
		c.logf("BLOCK %d", block)
	case n < bs:
		if err := c.geo.CheckRange(uint(block), 0, len(p)); err != nil {
			return 0, err
		}
		if err := c.dev.EraseBlock(uint(block)); err != nil {
			return 0, fmt.Errorf("erase block %d: %w", block, err)
		}
		if err := c.dev.WriteBlocks(uint(block), p, 0); err != nil {
			return 0, fmt.Errorf("write %d bytes at block %d: %w", n, block, err)
		}
		c.logf("BLOCK %d + %d bytes", block, n)
	default:
		return 0, &AlignmentError{Block: block, Reason: fmt.Sprintf("write of %d bytes is not a multiple of block size %d", n, bs)}
	}
	c.pos += n
	c.end = c.pos
	return len(p), nil
}

// Read reads previously written data from the current position.
//
// len(p) must be a multiple of the block size, or less than one block. Reads
// stop at the end of the written image, and the final read may be short.
func (c *Cursor) Read(p []byte) (int, error) {
	if c.pos >= c.end {
		return 0, io.EOF
	}
	bs := uint64(c.geo.BlockSize)
	block, rem := c.pos/bs, c.pos%bs
	if rem != 0 {
		return 0, &AlignmentError{Block: block, Reason: "read not aligned at block boundary"}
	}
	n := uint64(len(p))
	if n%bs != 0 && n > bs {
		return 0, &AlignmentError{Block: block, Reason: fmt.Sprintf("read of %d bytes is not a multiple of block size %d", n, bs)}
	}
	if remaining := c.end - c.pos; n > remaining {
		n = remaining
	}
	if err := c.dev.ReadBlocks(uint(block), p[:n], 0); err != nil {
		return 0, fmt.Errorf("read %d bytes at block %d: %w", n, block, err)
	}
	c.pos += n
	return int(n), nil
}

// Seek sets the position for the next Read or Write, relative to the start
// of the device, the current position or the end of the written image.
func (c *Cursor) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = int64(c.pos)
	case io.SeekEnd:
		base = int64(c.end)
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	p := base + offset
	if p < 0 {
		return 0, errors.New("negative position")
	}
	c.pos = uint64(p)
	return p, nil
}
