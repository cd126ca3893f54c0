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

package ota

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/transparency-dev/armored-witness-ota/blockdev"
	"github.com/transparency-dev/armored-witness-ota/digest"
	"k8s.io/klog/v2"
)

// SessionOptions configures a Session.
type SessionOptions struct {
	// ExpectedDigest, if set, is the hex digest the image must have.
	ExpectedDigest string
	// ExpectedLength, if non-zero, is the length in bytes the image must have.
	ExpectedLength uint64
	// Verify requests that the image be read back and re-hashed on close.
	Verify bool
	// Verbose logs progress at Info rather than V(1).
	Verbose bool
	// Digest is the digest function; the zero value selects digest.Default.
	Digest digest.Function
	// BufferSize is the write buffer size in bytes, a multiple of the device
	// block size. Zero means one block.
	BufferSize uint
	// Progress, if set, is called with the number of bytes on flash after
	// every flush.
	Progress func(written uint64)
}

// Result describes a closed session.
type Result struct {
	BytesWritten uint64
	// Digest is the lower case hex digest of the image.
	Digest string
}

// Session writes an image to a device, and checks it on close.
//
// A Session is not safe for concurrent use.
type Session struct {
	id   string
	opts SessionOptions
	fn   digest.Function
	w    *blockdev.BufferedWriter

	flushed uint64
	// failed records the first write error; the session can't recover from it.
	failed error

	closed   bool
	sum      []byte
	result   Result
	closeErr error
}

// NewSession returns a session writing from the start of dev.
func NewSession(dev blockdev.Device, opts SessionOptions) (*Session, error) {
	registerMetrics()
	fn := opts.Digest
	if fn.IsZero() {
		fn = digest.Default
	}
	geo := blockdev.GeometryOf(dev)
	if opts.ExpectedLength > geo.Capacity() {
		return nil, fmt.Errorf("%w: %d bytes expected, partition holds %d", ErrImageTooLarge, opts.ExpectedLength, geo.Capacity())
	}
	w, err := blockdev.NewBufferedWriter(dev, fn.New(int64(opts.ExpectedLength)), opts.BufferSize)
	if err != nil {
		return nil, err
	}
	s := &Session{
		id:   uuid.NewString(),
		opts: opts,
		fn:   fn,
		w:    w,
	}
	w.Cursor().Verbose = opts.Verbose
	w.OnFlush = s.onFlush

	s.logf("Session %s: device of %v (%s)", s.id, geo, humanize.IBytes(geo.Capacity()))
	if opts.ExpectedLength > 0 {
		blocks, rem := geo.Split(opts.ExpectedLength)
		s.logf("Session %s: expecting %d blocks + %d bytes", s.id, blocks, rem)
	}
	return s, nil
}

func (s *Session) logf(format string, args ...any) {
	if s.opts.Verbose {
		klog.InfofDepth(1, format, args...)
		return
	}
	klog.V(1).InfofDepth(1, format, args...)
}

func (s *Session) onFlush(written uint64) {
	otaBytesFlushed.Add(float64(written - s.flushed))
	s.flushed = written
	if s.opts.Progress != nil {
		s.opts.Progress(written)
	}
}

// ID returns the unique identifier of the session, as used in log lines.
func (s *Session) ID() string {
	return s.id
}

// Written returns the number of bytes which have reached the device.
func (s *Session) Written() uint64 {
	return s.w.Size()
}

func (s *Session) usable() error {
	if s.closed {
		return ErrClosed
	}
	return s.failed
}

// Write buffers all of p for writing to the device.
func (s *Session) Write(p []byte) (int, error) {
	if err := s.usable(); err != nil {
		return 0, err
	}
	n, err := s.w.Write(p)
	if err != nil {
		s.failed = err
	}
	return n, err
}

// ReadFrom writes everything read from r until EOF.
func (s *Session) ReadFrom(r io.Reader) (int64, error) {
	if err := s.usable(); err != nil {
		return 0, err
	}
	n, err := s.w.ReadFrom(r)
	if err != nil {
		s.failed = err
	}
	return n, err
}

// Close flushes the remaining data and checks the image against the
// expected length and digest, then reads it back if verification was
// requested.
//
// The returned Result is populated whenever the data could be flushed, even
// if a check failed. Subsequent calls return the same outcome.
func (s *Session) Close() (Result, error) {
	if s.closed {
		return s.result, s.closeErr
	}
	s.closed = true
	start := time.Now()
	s.result, s.closeErr = s.close()
	otaSessionCloseDurationSeconds.Observe(time.Since(start).Seconds())
	otaSessionsClosed.WithLabelValues(resultLabel(s.closeErr)).Inc()
	if s.closeErr != nil {
		klog.Errorf("Session %s: failed after %d bytes: %v", s.id, s.result.BytesWritten, s.closeErr)
	} else {
		klog.Infof("Session %s: wrote %d bytes (%s), %s %s", s.id, s.result.BytesWritten, humanize.IBytes(s.result.BytesWritten), s.fn, s.result.Digest)
	}
	return s.result, s.closeErr
}

// abandon closes the session without flushing or checking it. Buffered data
// is discarded.
func (s *Session) abandon() {
	if s.closed {
		return
	}
	s.closed = true
	s.closeErr = ErrClosed
}

func (s *Session) close() (Result, error) {
	if s.failed != nil {
		return Result{BytesWritten: s.w.Size()}, fmt.Errorf("write failed: %w", s.failed)
	}
	if err := s.w.Flush(); err != nil {
		return Result{BytesWritten: s.w.Size()}, fmt.Errorf("failed to flush: %w", err)
	}
	c := s.w.Cursor()
	defer func() {
		if _, err := c.Seek(0, io.SeekStart); err != nil {
			klog.Warningf("Session %s: failed to rewind: %v", s.id, err)
		}
	}()

	s.sum = s.w.Sum(nil)
	res := Result{BytesWritten: s.w.Size(), Digest: hex.EncodeToString(s.sum)}
	if want := s.opts.ExpectedLength; want > 0 && res.BytesWritten != want {
		return res, fmt.Errorf("%w: wrote %d bytes, expected %d", ErrLengthMismatch, res.BytesWritten, want)
	}
	if want := s.opts.ExpectedDigest; want != "" && !digest.Equal(want, res.Digest) {
		return res, fmt.Errorf("%w: %s of image is %s, expected %s", ErrDigestMismatch, s.fn, res.Digest, digest.Normalize(want))
	}
	if s.opts.Verify {
		if err := s.verify(); err != nil {
			return res, err
		}
		s.logf("Session %s: verified %d bytes read back from flash", s.id, res.BytesWritten)
	}
	return res, nil
}

// Verify reads the image back from the device and checks it hashes to the
// digest computed while it was written. The session must have been closed.
func (s *Session) Verify() error {
	if !s.closed {
		return errors.New("session is still open")
	}
	if s.sum == nil {
		return fmt.Errorf("nothing to verify: %v", s.closeErr)
	}
	c := s.w.Cursor()
	defer c.Seek(0, io.SeekStart)
	return s.verify()
}

func (s *Session) verify() error {
	c := s.w.Cursor()
	if _, err := c.Seek(0, io.SeekStart); err != nil {
		return err
	}
	h := s.fn.New(int64(c.Size()))
	buf := make([]byte, c.Geometry().BlockSize)
	var n uint64
	for {
		k, err := c.Read(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read back image at %d: %w", n, err)
		}
		h.Write(buf[:k])
		n += uint64(k)
	}
	got := h.Sum(nil)
	if n != c.Size() || !bytes.Equal(got, s.sum) {
		return fmt.Errorf("%w: read back %d bytes with %s %x, wrote %d bytes with %x", ErrVerifyMismatch, n, s.fn, got, c.Size(), s.sum)
	}
	return nil
}

// WithSession runs fn against a new session on dev. The session is closed
// if fn succeeds. If fn fails the session is abandoned without a flush, and
// later use of it fails with ErrClosed.
func WithSession(dev blockdev.Device, opts SessionOptions, fn func(*Session) error) (Result, error) {
	s, err := NewSession(dev, opts)
	if err != nil {
		return Result{}, err
	}
	if err := fn(s); err != nil {
		klog.Warningf("Session %s: abandoned after %d bytes: %v", s.id, s.w.Size(), err)
		s.abandon()
		return Result{}, err
	}
	return s.Close()
}
