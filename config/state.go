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
	"errors"
	"fmt"
	"os"

	"github.com/coreos/go-semver/semver"
	"gopkg.in/yaml.v3"
)

// State is what otactl remembers about an emulated device between runs.
type State struct {
	// Running is the label of the partition the device last booted.
	Running string `yaml:"running"`
	// Versions records the release version installed in each partition.
	Versions map[string]string `yaml:"versions,omitempty"`
}

// LoadState reads the state file at path. A missing file yields an empty
// State.
func LoadState(path string) (*State, error) {
	s := &State{}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse state file %q: %w", path, err)
	}
	return s, nil
}

// Save writes the state to path.
func (s *State) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Version returns the release version recorded for partition label, or nil
// if there is none.
func (s *State) Version(label string) (*semver.Version, error) {
	v, ok := s.Versions[label]
	if !ok {
		return nil, nil
	}
	return semver.NewVersion(v)
}

// SetVersion records the release version installed in partition label.
func (s *State) SetVersion(label string, v semver.Version) {
	if s.Versions == nil {
		s.Versions = map[string]string{}
	}
	s.Versions[label] = v.String()
}
