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

// Package digest provides the streaming digest functions an update image may
// be checked with.
package digest

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"sort"
	"strings"

	"github.com/buildbarn/go-sha256tree"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
)

// Function is a named digest algorithm.
type Function struct {
	// Name is the identifier used in configuration and release manifests.
	Name string
	// Size is the length in bytes of the digest.
	Size int

	hasherFactory func(expectedSizeBytes int64) hash.Hash
}

// New returns a hasher for an image expected to be expectedSizeBytes long.
// Only tree hashes make use of the size; pass 0 if it is unknown.
func (f Function) New(expectedSizeBytes int64) hash.Hash {
	return f.hasherFactory(expectedSizeBytes)
}

// IsZero reports whether f is the zero Function.
func (f Function) IsZero() bool {
	return f.hasherFactory == nil
}

func (f Function) String() string {
	return f.Name
}

// Valid reports whether s is a well formed hex digest for f.
func (f Function) Valid(s string) error {
	s = Normalize(s)
	if len(s) != 2*f.Size {
		return fmt.Errorf("%s digest must be %d hex characters, got %d", f.Name, 2*f.Size, len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return fmt.Errorf("invalid %s digest: %v", f.Name, err)
	}
	return nil
}

var (
	SHA256 = Function{
		Name: "sha256",
		Size: sha256.Size,
		hasherFactory: func(int64) hash.Hash {
			return sha256.New()
		},
	}
	SHA512 = Function{
		Name: "sha512",
		Size: sha512.Size,
		hasherFactory: func(int64) hash.Hash {
			return sha512.New()
		},
	}
	SHA256Tree = Function{
		Name:          "sha256tree",
		Size:          sha256tree.Size,
		hasherFactory: sha256tree.New,
	}
	BLAKE2b256 = Function{
		Name: "blake2b-256",
		Size: blake2b.Size256,
		hasherFactory: func(int64) hash.Hash {
			h, err := blake2b.New256(nil)
			if err != nil {
				// Only possible with an oversized key.
				panic(err)
			}
			return h
		},
	}
	BLAKE3 = Function{
		Name: "blake3",
		Size: 32,
		hasherFactory: func(int64) hash.Hash {
			return blake3.New()
		},
	}

	// Default is used when no function has been configured.
	Default = SHA256

	functions = map[string]Function{}
)

func init() {
	for _, f := range []Function{SHA256, SHA512, SHA256Tree, BLAKE2b256, BLAKE3} {
		functions[f.Name] = f
	}
}

// ByName returns the function called name. An empty name selects Default.
func ByName(name string) (Function, error) {
	if name == "" {
		return Default, nil
	}
	f, ok := functions[strings.ToLower(name)]
	if !ok {
		return Function{}, fmt.Errorf("unknown digest function %q (supported: %s)", name, strings.Join(Names(), ", "))
	}
	return f, nil
}

// Names returns the names of all supported functions, sorted.
func Names() []string {
	r := make([]string, 0, len(functions))
	for n := range functions {
		r = append(r, n)
	}
	sort.Strings(r)
	return r
}

// Normalize returns s lowercased with surrounding whitespace removed, for
// comparison against a computed digest.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Equal reports whether two hex digests are the same.
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}
