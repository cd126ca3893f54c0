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


// Package imagesource opens firmware images for writing, decompressing
// them on the fly if needed.
package imagesource

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression names the compression applied to an image file.
type Compression string

const (
	None Compression = "none"
	Zstd Compression = "zstd"
	Gzip Compression = "gzip"
	// Auto picks the compression from the file extension.
	Auto Compression = "auto"
)

// ParseCompression parses a compression name. An empty name means Auto.
func ParseCompression(s string) (Compression, error) {
	switch c := Compression(strings.ToLower(s)); c {
	case "":
		return Auto, nil
	case None, Zstd, Gzip, Auto:
		return c, nil
	}
	return "", fmt.Errorf("unknown compression %q", s)
}

// Detect returns the compression implied by the extension of path.
func Detect(path string) Compression {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zst", ".zstd":
		return Zstd
	case ".gz":
		return Gzip
	}
	return None
}

// Image is an open image file.
type Image struct {
	io.ReadCloser
	// Compression is the compression being removed.
	Compression Compression
	// FileBytes is the size of the file, compressed or not.
	FileBytes   int64
}

// Open opens the image at path.
func Open(path string, c Compression) (*Image, error) {
	if c == Auto || c == "" {
		c = Detect(path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	rc, err := NewReader(f, c)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to open %s image %q: %v", c, path, err)
	}
	return &Image{ReadCloser: rc, Compression: c, FileBytes: fi.Size()}, nil
}

// NewReader returns a reader of the uncompressed content of r. Closing it
// closes r.
func NewReader(r io.ReadCloser, c Compression) (io.ReadCloser, error) {
	switch c {
	case None:
		return r, nil
	case Zstd:
		d, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		return &zstdReadCloser{Decoder: d, underlyingReader: r}, nil
	case Gzip:
		d, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		return &gzipReadCloser{Reader: d, underlyingReader: r}, nil
	}
	return nil, fmt.Errorf("unsupported compression %q", c)
}

type zstdReadCloser struct {
	*zstd.Decoder

	underlyingReader io.ReadCloser
}

func (r *zstdReadCloser) Close() error {
	r.Decoder.Close()
	return r.underlyingReader.Close()
}

type gzipReadCloser struct {
	*gzip.Reader

	underlyingReader io.ReadCloser
}

func (r *gzipReadCloser) Close() error {
	if err := r.Reader.Close(); err != nil {
		r.underlyingReader.Close()
		return err
	}
	return r.underlyingReader.Close()
}
