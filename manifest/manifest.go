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


// Package manifest describes firmware releases: a signed statement of which
// image a release is made of, optionally backed by a proof that the
// statement was published in a transparency log.
package manifest

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/coreos/go-semver/semver"
	"github.com/transparency-dev/armored-witness-ota/digest"
	"github.com/transparency-dev/armored-witness-ota/ota"
	"golang.org/x/mod/sumdb/note"
)

// ErrDowngrade is returned when a release is older than the running one.
var ErrDowngrade = errors.New("release would downgrade firmware")

// Release is the body of a signed release manifest.
type Release struct {
	// Component names the firmware the image is for.
	Component string `json:"component"`
	// Version is the release version, without any leading "v".
	Version semver.Version `json:"version"`
	// Length is the image length in bytes.
	Length uint64 `json:"length"`
	// DigestFunction names the digest.Function used for Digest.
	DigestFunction string `json:"digest_function"`
	// Digest is the hex digest of the image.
	Digest string `json:"digest"`
}

// Validate checks that r is complete and its digest well formed.
func (r Release) Validate() error {
	if r.Component == "" {
		return errors.New("release has no component")
	}
	if r.Length == 0 {
		return errors.New("release image is empty")
	}
	fn, err := digest.ByName(r.DigestFunction)
	if err != nil {
		return err
	}
	return fn.Valid(r.Digest)
}

// SessionOptions returns session options which hold the written image to
// the length and digest the release declares.
func (r Release) SessionOptions() (ota.SessionOptions, error) {
	if err := r.Validate(); err != nil {
		return ota.SessionOptions{}, err
	}
	fn, err := digest.ByName(r.DigestFunction)
	if err != nil {
		return ota.SessionOptions{}, err
	}
	return ota.SessionOptions{
		ExpectedDigest: digest.Normalize(r.Digest),
		ExpectedLength: r.Length,
		Digest:         fn,
	}, nil
}

func (r Release) String() string {
	return fmt.Sprintf("%s %s (%d bytes, %s:%s)", r.Component, r.Version, r.Length, r.DigestFunction, r.Digest)
}

// Build returns a release describing the image read from img.
func Build(img io.Reader, component string, version semver.Version, fn digest.Function) (Release, error) {
	if fn.IsZero() {
		fn = digest.Default
	}
	h := fn.New(0)
	n, err := io.Copy(h, img)
	if err != nil {
		return Release{}, fmt.Errorf("failed to read image: %v", err)
	}
	r := Release{
		Component:      component,
		Version:        version,
		Length:         uint64(n),
		DigestFunction: fn.Name,
		Digest:         hex.EncodeToString(h.Sum(nil)),
	}
	return r, r.Validate()
}

// Sign returns the release as a note signed by each of signers.
func Sign(r Release, signers ...note.Signer) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, err
	}
	return note.Sign(&note.Note{Text: string(b) + "\n"}, signers...)
}

// Open verifies the signed manifest b with verifiers and returns the release
// it holds.
func Open(b []byte, verifiers ...note.Verifier) (Release, error) {
	n, err := note.Open(b, note.VerifierList(verifiers...))
	if err != nil {
		return Release{}, fmt.Errorf("failed to verify manifest: %v", err)
	}
	var r Release
	if err := json.Unmarshal([]byte(n.Text), &r); err != nil {
		return Release{}, fmt.Errorf("invalid manifest contents: %v", err)
	}
	if err := r.Validate(); err != nil {
		return Release{}, fmt.Errorf("invalid release: %v", err)
	}
	return r, nil
}

// CheckDowngrade returns ErrDowngrade if next is older than current, unless
// allow is set. A nil current accepts any version.
func CheckDowngrade(current *semver.Version, next semver.Version, allow bool) error {
	if current == nil || !next.LessThan(*current) {
		return nil
	}
	if allow {
		return nil
	}
	return fmt.Errorf("%w: %s is older than %s", ErrDowngrade, next, current)
}
