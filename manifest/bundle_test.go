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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/transparency-dev/formats/log"
	"github.com/transparency-dev/merkle/rfc6962"
	"golang.org/x/mod/sumdb/note"
)

const testOrigin = "example.com/firmware/log"

// testLog returns a signed checkpoint for a three entry log holding leaves,
// and the inclusion proofs for each leaf.
func testLog(t *testing.T, s note.Signer, leaves [3][]byte) ([]byte, [3][][]byte) {
	t.Helper()
	h := rfc6962.DefaultHasher
	l0, l1, l2 := h.HashLeaf(leaves[0]), h.HashLeaf(leaves[1]), h.HashLeaf(leaves[2])
	n01 := h.HashChildren(l0, l1)
	root := h.HashChildren(n01, l2)

	cp := log.Checkpoint{Origin: testOrigin, Size: 3, Hash: root}
	signed, err := note.Sign(&note.Note{Text: string(cp.Marshal())}, s)
	if err != nil {
		t.Fatalf("Sign checkpoint: %v", err)
	}
	return signed, [3][][]byte{
		{l1, l2},
		{l0, l2},
		{n01},
	}
}

func TestBundleVerify(t *testing.T) {
	logS, logV := newKey(t, "log-key")
	otherLogS, _ := newKey(t, "log-key")
	relS, relV := newKey(t, "release-key")

	r := testRelease(t)
	m, err := Sign(r, relS)
	if err != nil {
		t.Fatal(err)
	}
	cp, proofs := testLog(t, logS, [3][]byte{[]byte("leaf 0"), []byte("leaf 1"), m})
	badCP, _ := testLog(t, otherLogS, [3][]byte{[]byte("leaf 0"), []byte("leaf 1"), m})

	v := BundleVerifier{LogOrigin: testOrigin, LogVerifier: logV, ManifestVerifiers: []note.Verifier{relV}}
	good := Bundle{Manifest: m, Checkpoint: cp, Index: 2, InclusionProof: proofs[2]}

	got, err := v.Verify(good)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if diff := cmp.Diff(r, got); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}

	for _, test := range []struct {
		name string
		mod  func(*Bundle, *BundleVerifier)
	}{
		{name: "wrong index", mod: func(b *Bundle, _ *BundleVerifier) { b.Index = 1 }},
		{name: "index beyond log", mod: func(b *Bundle, _ *BundleVerifier) { b.Index = 3 }},
		{name: "proof for another leaf", mod: func(b *Bundle, _ *BundleVerifier) { b.InclusionProof = proofs[0] }},
		{name: "no proof", mod: func(b *Bundle, _ *BundleVerifier) { b.InclusionProof = nil }},
		{name: "checkpoint signed by another log", mod: func(b *Bundle, _ *BundleVerifier) { b.Checkpoint = badCP }},
		{name: "wrong origin", mod: func(_ *Bundle, v *BundleVerifier) { v.LogOrigin = "another/log" }},
		{name: "no log verifier", mod: func(_ *Bundle, v *BundleVerifier) { v.LogVerifier = nil }},
		{name: "manifest key unknown", mod: func(_ *Bundle, v *BundleVerifier) { v.ManifestVerifiers = nil }},
		{name: "manifest not logged", mod: func(b *Bundle, _ *BundleVerifier) { b.Manifest = append([]byte{}, cp...) }},
	} {
		t.Run(test.name, func(t *testing.T) {
			b, bv := good, v
			test.mod(&b, &bv)
			if _, err := bv.Verify(b); err == nil {
				t.Fatal("Verify succeeded, want error")
			}
		})
	}
}
