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


package config

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/coreos/go-semver/semver"
	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/mod/sumdb/note"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingFile(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	if diff := cmp.Diff(Default(), c); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	p := filepath.Join(t.TempDir(), "otactl.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
flash:
  image: /tmp/dev.img
  size: 8MiB
update:
  digest: blake3
  verify: false
reboot:
  enabled: false
`), 0o644))
	c, err := Load(p)
	require.NoError(t, err)

	want := Default()
	want.Flash.Image = "/tmp/dev.img"
	want.Flash.Size = "8MiB"
	want.Update.Digest = "blake3"
	want.Update.Verify = false
	want.Reboot.Enabled = false
	if diff := cmp.Diff(want, c); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}
	n, err := c.FlashBytes()
	require.NoError(t, err)
	assert.Equal(t, uint64(8<<20), n)
	fn, err := c.Digest()
	require.NoError(t, err)
	assert.Equal(t, "blake3", fn.Name)
}

func TestLoadRejects(t *testing.T) {
	for _, test := range []struct {
		name string
		yaml string
	}{
		{name: "unknown field", yaml: "flash:\n  colour: blue\n"},
		{name: "bad yaml", yaml: "flash: [\n"},
		{name: "invalid value", yaml: "update:\n  digest: md5\n"},
	} {
		t.Run(test.name, func(t *testing.T) {
			p := filepath.Join(t.TempDir(), "otactl.yaml")
			require.NoError(t, os.WriteFile(p, []byte(test.yaml), 0o644))
			_, err := Load(p)
			require.Error(t, err)
		})
	}
}

func TestSaveLoad(t *testing.T) {
	p := filepath.Join(t.TempDir(), "sub", "otactl.yaml")
	c := Default()
	c.Update.BufferBlocks = 4
	c.Manifest.LogOrigin = "example.com/log"
	require.NoError(t, c.Save(p))
	got, err := Load(p)
	require.NoError(t, err)
	if diff := cmp.Diff(c, got); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}
}

func TestValidate(t *testing.T) {
	_, vkey, err := note.GenerateKey(rand.Reader, "release")
	require.NoError(t, err)

	for _, test := range []struct {
		name     string
		mod      func(*Config)
		wantErrs int
	}{
		{name: "default", mod: func(*Config) {}},
		{name: "manifest key", mod: func(c *Config) { c.Manifest.PublicKeys = []string{vkey} }},
		{name: "log key", mod: func(c *Config) {
			c.Manifest.LogPublicKey = vkey
			c.Manifest.LogOrigin = "example.com/log"
		}},
		{name: "block size not a power of two", mod: func(c *Config) { c.Flash.BlockSize = 3000 }, wantErrs: 2},
		{name: "block size too large", mod: func(c *Config) { c.Flash.BlockSize = 8192 }, wantErrs: 1},
		{name: "no image", mod: func(c *Config) { c.Flash.Image = "" }, wantErrs: 1},
		{name: "bad size", mod: func(c *Config) { c.Flash.Size = "lots" }, wantErrs: 1},
		{name: "unaligned size", mod: func(c *Config) { c.Flash.Size = "4097" }, wantErrs: 1},
		{name: "no buffer", mod: func(c *Config) { c.Update.BufferBlocks = 0 }, wantErrs: 1},
		{name: "bad chunk", mod: func(c *Config) { c.Update.ChunkSize = "0" }, wantErrs: 1},
		{name: "negative reboot", mod: func(c *Config) { c.Reboot.Seconds = -1 }, wantErrs: 1},
		{name: "bad manifest key", mod: func(c *Config) { c.Manifest.PublicKeys = []string{"nonsense"} }, wantErrs: 1},
		{name: "log key without origin", mod: func(c *Config) { c.Manifest.LogPublicKey = vkey }, wantErrs: 1},
		{name: "everything wrong", mod: func(c *Config) {
			c.Flash.Image = ""
			c.Update.Digest = "crc"
			c.Update.BufferBlocks = 0
		}, wantErrs: 3},
	} {
		t.Run(test.name, func(t *testing.T) {
			c := Default()
			test.mod(c)
			err := c.Validate()
			if test.wantErrs == 0 {
				require.NoError(t, err)
				return
			}
			var me *multierror.Error
			require.ErrorAs(t, err, &me)
			assert.Len(t, me.Errors, test.wantErrs, "errors: %v", me.Errors)
		})
	}
}

func TestState(t *testing.T) {
	p := filepath.Join(t.TempDir(), "state.yaml")
	s, err := LoadState(p)
	require.NoError(t, err)
	assert.Empty(t, s.Running)

	v, err := s.Version("ota_0")
	require.NoError(t, err)
	assert.Nil(t, v)

	s.Running = "ota_1"
	s.SetVersion("ota_1", *semver.New("1.4.0"))
	require.NoError(t, s.Save(p))

	got, err := LoadState(p)
	require.NoError(t, err)
	assert.Equal(t, "ota_1", got.Running)
	v, err = got.Version("ota_1")
	require.NoError(t, err)
	assert.True(t, v.Equal(*semver.New("1.4.0")), "got version %v", v)

	require.NoError(t, os.WriteFile(p, []byte("running: [\n"), 0o644))
	_, err = LoadState(p)
	assert.True(t, err != nil && strings.Contains(err.Error(), "state.yaml"), "got %v", err)
}
