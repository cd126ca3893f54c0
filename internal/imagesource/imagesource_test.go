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


package imagesource

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name string, compress func(io.Writer) io.WriteCloser, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	var b bytes.Buffer
	w := compress(&b)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, os.WriteFile(p, b.Bytes(), 0o644))
	return p
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func TestOpen(t *testing.T) {
	data := bytes.Repeat([]byte("firmware "), 10000)
	plain := func(w io.Writer) io.WriteCloser { return nopWriteCloser{w} }
	zst := func(w io.Writer) io.WriteCloser {
		e, err := zstd.NewWriter(w)
		require.NoError(t, err)
		return e
	}
	gz := func(w io.Writer) io.WriteCloser { return gzip.NewWriter(w) }

	for _, test := range []struct {
		name     string
		file     string
		compress func(io.Writer) io.WriteCloser
		c        Compression
		want     Compression
		// raw is set if the file should be read back unchanged.
		raw      bool
		wantErr  bool
	}{
		{name: "plain", file: "app.bin", compress: plain, c: Auto, want: None},
		{name: "zstd by extension", file: "app.bin.zst", compress: zst, c: Auto, want: Zstd},
		{name: "gzip by extension", file: "app.bin.gz", compress: gz, c: "", want: Gzip},
		{name: "explicit zstd", file: "app.img", compress: zst, c: Zstd, want: Zstd},
		{name: "explicit none", file: "app.bin.gz", compress: gz, c: None, want: None, raw: true},
		{name: "gzip mismatch", file: "app.bin", compress: plain, c: Gzip, wantErr: true},
	} {
		t.Run(test.name, func(t *testing.T) {
			p := writeFile(t, test.file, test.compress, data)
			img, err := Open(p, test.c)
			if test.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer img.Close()
			require.Equal(t, test.want, img.Compression)

			got, err := io.ReadAll(img)
			require.NoError(t, err)
			file, err := os.ReadFile(p)
			require.NoError(t, err)
			require.Equal(t, int64(len(file)), img.FileBytes)
			if test.raw {
				require.Equal(t, file, got)
				return
			}
			require.Equal(t, data, got)
		})
	}
}

func TestParseCompression(t *testing.T) {
	for in, want := range map[string]Compression{"": Auto, "ZSTD": Zstd, "gzip": Gzip, "none": None} {
		got, err := ParseCompression(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseCompression("lz4")
	require.Error(t, err)
}

func TestOpenMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope.bin"), Auto)
	require.ErrorIs(t, err, os.ErrNotExist)
}
