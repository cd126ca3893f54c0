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


// Package config holds the otactl configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/transparency-dev/armored-witness-ota/digest"
	"golang.org/x/mod/sumdb/note"
	"gopkg.in/yaml.v3"
)

// Config is the otactl configuration.
type Config struct {
	Flash    FlashConfig    `yaml:"flash"`
	Update   UpdateConfig   `yaml:"update"`
	Reboot   RebootConfig   `yaml:"reboot"`
	Manifest ManifestConfig `yaml:"manifest"`
}

// FlashConfig describes the emulated flash device.
type FlashConfig struct {
	// Image is the path of the flash image file.
	Image string `yaml:"image"`
	// Size is the size of a newly created flash image, e.g. "4MiB".
	Size string `yaml:"size"`
	// BlockSize is the erase block size in bytes.
	BlockSize uint `yaml:"block_size"`
	// PartitionTable is the path of a partition table CSV. The built in
	// default table is used if empty.
	PartitionTable string `yaml:"partition_table"`
	// State is the path of the file recording which partition is running.
	State string `yaml:"state"`
	// CheckImageMagic makes the bootloader refuse images which don't start
	// with the app image magic byte.
	CheckImageMagic bool `yaml:"check_image_magic"`
}

// UpdateConfig holds the defaults for update sessions.
type UpdateConfig struct {
	Digest  string `yaml:"digest"`
	Verify  bool   `yaml:"verify"`
	Verbose bool   `yaml:"verbose"`
	// BufferBlocks is the write buffer size, in blocks.
	BufferBlocks uint `yaml:"buffer_blocks"`
	// ChunkSize is the size of the reads feeding the session, e.g. "16KiB".
	ChunkSize string `yaml:"chunk_size"`
}

// RebootConfig controls the reboot following a successful update.
type RebootConfig struct {
	Enabled bool `yaml:"enabled"`
	Seconds int  `yaml:"seconds"`
}

// ManifestConfig holds the keys used to verify release manifests.
type ManifestConfig struct {
	// PublicKeys are note verifier strings for release manifest signers.
	PublicKeys []string `yaml:"public_keys,omitempty"`
	// LogOrigin is the origin line of the firmware transparency log.
	LogOrigin string `yaml:"log_origin"`
	// LogPublicKey is the note verifier string of the log.
	LogPublicKey string `yaml:"log_public_key"`
	// AllowDowngrade permits installing releases older than the running one.
	AllowDowngrade bool `yaml:"allow_downgrade"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Flash: FlashConfig{
			Image:           "flash.img",
			Size:            "4MiB",
			BlockSize:       4096,
			State:           "flash.state.yaml",
			CheckImageMagic: true,
		},
		Update: UpdateConfig{
			Digest:       digest.Default.Name,
			Verify:       true,
			BufferBlocks: 1,
			ChunkSize:    "16KiB",
		},
		Reboot: RebootConfig{
			Enabled: true,
			Seconds: 10,
		},
	}
}

// Load reads the configuration at path over the defaults. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %q: %w", path, err)
	}
	return c, nil
}

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate returns every problem with the configuration.
func (c *Config) Validate() error {
	var errs *multierror.Error
	bs := c.Flash.BlockSize
	if bs == 0 || bs&(bs-1) != 0 || bs > 4096 {
		errs = multierror.Append(errs, fmt.Errorf("flash.block_size %d must be a power of two no larger than 4096", bs))
	}
	if c.Flash.Image == "" {
		errs = multierror.Append(errs, errors.New("flash.image must be set"))
	}
	if size, err := c.FlashBytes(); err != nil {
		errs = multierror.Append(errs, err)
	} else if bs != 0 && size%uint64(bs) != 0 {
		errs = multierror.Append(errs, fmt.Errorf("flash.size %s is not a multiple of the block size", c.Flash.Size))
	}
	if _, err := digest.ByName(c.Update.Digest); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("update.digest: %v", err))
	}
	if c.Update.BufferBlocks == 0 {
		errs = multierror.Append(errs, errors.New("update.buffer_blocks must be at least 1"))
	}
	if _, err := c.ChunkBytes(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if c.Reboot.Seconds < 0 {
		errs = multierror.Append(errs, fmt.Errorf("reboot.seconds %d is negative", c.Reboot.Seconds))
	}
	if _, err := c.ManifestVerifiers(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if c.Manifest.LogPublicKey != "" {
		if _, err := note.NewVerifier(c.Manifest.LogPublicKey); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("manifest.log_public_key: %v", err))
		}
		if c.Manifest.LogOrigin == "" {
			errs = multierror.Append(errs, errors.New("manifest.log_origin must be set with manifest.log_public_key"))
		}
	}
	return errs.ErrorOrNil()
}

// FlashBytes returns the configured flash size in bytes.
func (c *Config) FlashBytes() (uint64, error) {
	n, err := humanize.ParseBytes(c.Flash.Size)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("flash.size %q is not a size", c.Flash.Size)
	}
	return n, nil
}

// ChunkBytes returns the configured read chunk size in bytes.
func (c *Config) ChunkBytes() (int, error) {
	n, err := humanize.ParseBytes(c.Update.ChunkSize)
	if err != nil || n == 0 || n > 1<<30 {
		return 0, fmt.Errorf("update.chunk_size %q is not a size", c.Update.ChunkSize)
	}
	return int(n), nil
}

// Digest returns the configured digest function.
func (c *Config) Digest() (digest.Function, error) {
	return digest.ByName(c.Update.Digest)
}

// ManifestVerifiers returns verifiers for the configured manifest keys.
func (c *Config) ManifestVerifiers() ([]note.Verifier, error) {
	var r []note.Verifier
	for i, k := range c.Manifest.PublicKeys {
		v, err := note.NewVerifier(k)
		if err != nil {
			return nil, fmt.Errorf("manifest.public_keys[%d]: %v", i, err)
		}
		r = append(r, v)
	}
	return r, nil
}

// LogVerifier returns the verifier for the log key, or nil if none is
// configured.
func (c *Config) LogVerifier() (note.Verifier, error) {
	if c.Manifest.LogPublicKey == "" {
		return nil, nil
	}
	return note.NewVerifier(c.Manifest.LogPublicKey)
}
