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


package manifest

import (
	"errors"
	"fmt"

	"github.com/transparency-dev/formats/log"
	"github.com/transparency-dev/merkle/proof"
	"github.com/transparency-dev/merkle/rfc6962"
	"golang.org/x/mod/sumdb/note"
)

// Bundle carries a signed manifest along with the proof that it is
// included in a transparency log.
type Bundle struct {
	// Manifest is the signed manifest note, as logged.
	Manifest []byte `json:"manifest"`
	// Checkpoint is the signed log checkpoint the proof is against.
	Checkpoint []byte `json:"checkpoint"`
	// Index is the position of the manifest in the log.
	Index uint64 `json:"index"`
	// InclusionProof proves the manifest is at Index under Checkpoint.
	InclusionProof [][]byte `json:"inclusion_proof"`
}

// BundleVerifier checks bundles against a single log.
type BundleVerifier struct {
	LogOrigin         string
	LogVerifier       note.Verifier
	ManifestVerifiers []note.Verifier
}

// Verify checks that the manifest in b is signed, and included in the log
// at the checkpoint b carries. It returns the release the manifest holds.
func (v BundleVerifier) Verify(b Bundle) (Release, error) {
	if v.LogVerifier == nil {
		return Release{}, errors.New("no log verifier")
	}
	cp, _, _, err := log.ParseCheckpoint(b.Checkpoint, v.LogOrigin, v.LogVerifier)
	if err != nil {
		return Release{}, fmt.Errorf("invalid checkpoint: %v", err)
	}
	if b.Index >= cp.Size {
		return Release{}, fmt.Errorf("manifest index %d is outside log of size %d", b.Index, cp.Size)
	}
	leaf := rfc6962.DefaultHasher.HashLeaf(b.Manifest)
	if err := proof.VerifyInclusion(rfc6962.DefaultHasher, b.Index, cp.Size, leaf, b.InclusionProof, cp.Hash); err != nil {
		return Release{}, fmt.Errorf("invalid inclusion proof: %v", err)
	}
	return Open(b.Manifest, v.ManifestVerifiers...)
}
