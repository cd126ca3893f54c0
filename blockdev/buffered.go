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
	"fmt"
	"hash"
	"io"
)

// maxConsecutiveEmptyReads bounds how long ReadFrom tolerates a source
// returning no data and no error.
const maxConsecutiveEmptyReads = 100

// BufferedWriter accumulates arbitrarily sized writes and passes them to a
// Cursor one full buffer at a time.
//
// The digest is updated only with bytes once they have reached the device,
// so it does not depend on how callers chunk their writes.
type BufferedWriter struct {
	c   *Cursor
	buf []byte
	n   int
	h   hash.Hash

	// OnFlush, if set, is called with the total number of bytes written to
	// the device after every successful flush.
	OnFlush func(written uint64)
}

// NewBufferedWriter returns a writer for dev which hashes flushed data with h.
// size is the buffer size in bytes; it must be a multiple of the device block
// size, with zero meaning one block.
func NewBufferedWriter(dev Device, h hash.Hash, size uint) (*BufferedWriter, error) {
	bs := dev.BlockSize()
	if bs == 0 {
		return nil, fmt.Errorf("device reports zero block size")
	}
	if size == 0 {
		size = bs
	}
	if size < bs || size%bs != 0 {
		return nil, fmt.Errorf("buffer size %d must be a multiple of block size (%d)", size, bs)
	}
	return &BufferedWriter{
		c:   NewCursor(dev),
		buf: make([]byte, size),
		h:   h,
	}, nil
}

// Cursor returns the underlying device cursor.
func (w *BufferedWriter) Cursor() *Cursor {
	return w.c
}

// Size returns the number of bytes which have reached the device.
func (w *BufferedWriter) Size() uint64 {
	return w.c.Size()
}

// Buffered returns the number of bytes waiting to be flushed.
func (w *BufferedWriter) Buffered() int {
	return w.n
}

// Sum appends the digest of all flushed data to b.
func (w *BufferedWriter) Sum(b []byte) []byte {
	return w.h.Sum(b)
}

// sealed returns an error once a short block has been written; the image can
// only end there.
func (w *BufferedWriter) sealed() error {
	if w.c.Aligned() {
		return nil
	}
	bs := uint64(w.c.Geometry().BlockSize)
	return &AlignmentError{Block: w.c.Pos() / bs, Reason: "write after final partial block"}
}

// Write buffers all of p, flushing to the device each time the buffer fills.
func (w *BufferedWriter) Write(p []byte) (int, error) {
	if len(p) > 0 {
		if err := w.sealed(); err != nil {
			return 0, err
		}
	}
	written := 0
	for len(p) > 0 {
		k := copy(w.buf[w.n:], p)
		w.n += k
		p = p[k:]
		written += k
		if w.n == len(w.buf) {
			if err := w.Flush(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// ReadFrom reads r into the buffer until EOF, flushing each time the buffer
// fills, and returns the number of bytes consumed from r.
func (w *BufferedWriter) ReadFrom(r io.Reader) (int64, error) {
	if err := w.sealed(); err != nil {
		return 0, err
	}
	var total int64
	empty := 0
	for {
		n, err := r.Read(w.buf[w.n:])
		w.n += n
		total += int64(n)
		if w.n == len(w.buf) {
			if ferr := w.Flush(); ferr != nil {
				return total, ferr
			}
		}
		switch {
		case err == io.EOF:
			return total, nil
		case err != nil:
			return total, err
		case n == 0:
			if empty++; empty >= maxConsecutiveEmptyReads {
				return total, io.ErrNoProgress
			}
		default:
			empty = 0
		}
	}
}

// Flush writes any buffered data to the device. A buffer holding less than
// a block leaves the image ending in a partial block.
func (w *BufferedWriter) Flush() error {
	if w.n == 0 {
		return nil
	}
	bs := int(w.c.Geometry().BlockSize)
	if whole := w.n / bs * bs; whole > 0 && whole < w.n {
		if err := w.emit(w.buf[:whole]); err != nil {
			return err
		}
		w.n = copy(w.buf, w.buf[whole:w.n])
	}
	if err := w.emit(w.buf[:w.n]); err != nil {
		return err
	}
	w.n = 0
	return nil
}

func (w *BufferedWriter) emit(b []byte) error {
	if _, err := w.c.Write(b); err != nil {
		return err
	}
	w.h.Write(b)
	if w.OnFlush != nil {
		w.OnFlush(w.c.Size())
	}
	return nil
}
