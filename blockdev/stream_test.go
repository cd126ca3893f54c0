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
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"
)

func newStreamDevice(t *testing.T, blocks uint) (*StreamDevice, []byte) {
	t.Helper()
	img := bytes.Repeat([]byte{ErasedByte}, int(blocks*testBlockSize))
	return NewStreamDevice(bytesextra.NewReadWriteSeeker(img), testBlockSize, blocks, 0), img
}

func TestStreamDeviceFullBlockWrite(t *testing.T) {
	d, img := newStreamDevice(t, 4)
	data := bytes.Repeat([]byte{0x12}, 2*testBlockSize)
	require.NoError(t, d.WriteBlocks(1, data, 0))
	assert.Equal(t, data, img[testBlockSize:3*testBlockSize])

	got := make([]byte, len(data))
	require.NoError(t, d.ReadBlocks(1, got, 0))
	assert.Equal(t, data, got)
}

func TestStreamDeviceProgramSemantics(t *testing.T) {
	d, img := newStreamDevice(t, 2)
	require.NoError(t, d.WriteBlocks(0, bytes.Repeat([]byte{0x00}, testBlockSize), 0))

	// Without an erase the partial write can only clear bits.
	require.NoError(t, d.WriteBlocks(0, []byte{0xff, 0x0f}, 0))
	assert.Equal(t, []byte{0x00, 0x00}, img[:2])

	require.NoError(t, d.EraseBlock(0))
	assert.Equal(t, bytes.Repeat([]byte{ErasedByte}, testBlockSize), img[:testBlockSize])
	require.NoError(t, d.WriteBlocks(0, []byte{0xa5, 0x0f}, 0))
	assert.Equal(t, []byte{0xa5, 0x0f, ErasedByte}, img[:3])
}

func TestStreamDeviceStartOffset(t *testing.T) {
	img := bytes.Repeat([]byte{ErasedByte}, 3*testBlockSize)
	d := NewStreamDevice(bytesextra.NewReadWriteSeeker(img), testBlockSize, 2, testBlockSize)
	require.NoError(t, d.WriteBlocks(0, bytes.Repeat([]byte{0x01}, testBlockSize), 0))
	assert.Equal(t, byte(ErasedByte), img[0])
	assert.Equal(t, byte(0x01), img[testBlockSize])
}

func TestStreamDeviceOutOfRange(t *testing.T) {
	d, _ := newStreamDevice(t, 2)
	assert.True(t, errors.Is(d.WriteBlocks(2, make([]byte, testBlockSize), 0), ErrOutOfRange))
	assert.True(t, errors.Is(d.ReadBlocks(1, make([]byte, testBlockSize+1), 0), ErrOutOfRange))
	assert.True(t, errors.Is(d.EraseBlock(5), ErrOutOfRange))
}

func TestStreamDeviceChunkedTransfers(t *testing.T) {
	defer func(old int) { MaxTransferBytes = old }(MaxTransferBytes)
	MaxTransferBytes = 10

	d, img := newStreamDevice(t, 4)
	data := make([]byte, 3*testBlockSize)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, d.WriteBlocks(0, data, 0))
	assert.Equal(t, data, img[:len(data)])

	got := make([]byte, len(data))
	require.NoError(t, d.ReadBlocks(0, got, 0))
	assert.Equal(t, data, got)
}

func TestFileDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.img")
	d, err := CreateFile(path, testBlockSize, 8)
	require.NoError(t, err)
	require.NoError(t, d.WriteBlocks(3, bytes.Repeat([]byte{0x42}, testBlockSize), 0))
	require.NoError(t, d.Sync())
	require.NoError(t, d.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, raw, 8*testBlockSize)
	assert.Equal(t, byte(ErasedByte), raw[0])
	assert.Equal(t, byte(0x42), raw[3*testBlockSize])

	d, err = OpenFile(path, testBlockSize)
	require.NoError(t, err)
	defer d.Close()
	assert.Equal(t, uint(8), d.BlockCount())
	got := make([]byte, testBlockSize)
	require.NoError(t, d.ReadBlocks(3, got, 0))
	assert.Equal(t, bytes.Repeat([]byte{0x42}, testBlockSize), got)
}

func TestOpenFileTooSmall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.img")
	require.NoError(t, os.WriteFile(path, []byte{1, 2, 3}, 0o644))
	_, err := OpenFile(path, testBlockSize)
	assert.Error(t, err)
}
