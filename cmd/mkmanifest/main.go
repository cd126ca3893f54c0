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


// The mkmanifest tool creates signed release manifests for firmware images,
// and can wrap them in a proof bundle from a single entry development log.
// The bundle mode is only useful for development work.
package main

import (
	"crypto/rand"
	"encoding/json"
	"flag"
	"os"
	"strings"

	"github.com/coreos/go-semver/semver"
	"github.com/transparency-dev/armored-witness-ota/digest"
	"github.com/transparency-dev/armored-witness-ota/internal/imagesource"
	"github.com/transparency-dev/armored-witness-ota/manifest"
	"github.com/transparency-dev/formats/log"
	"github.com/transparency-dev/merkle/rfc6962"
	"golang.org/x/mod/sumdb/note"
	"k8s.io/klog/v2"
)

var (
	keygen         = flag.String("keygen", "", "If set, generate a note key pair with this name, write it to --private_key_file and --public_key_file, and exit.")
	privateKeyFile = flag.String("private_key_file", "", "File containing the manifest signing key in note signer format.")
	publicKeyFile  = flag.String("public_key_file", "", "File to write the public key to with --keygen.")
	imageFile      = flag.String("image_file", "", "Firmware image to build a manifest for.")
	compression    = flag.String("compression", "auto", "Compression of --image_file; the manifest describes the uncompressed image.")
	component      = flag.String("component", "", "Name of the firmware component.")
	version        = flag.String("version", "", "Semantic version of the release.")
	digestFunction = flag.String("digest_function", digest.Default.Name, "Digest function, one of "+strings.Join(digest.Names(), ", ")+".")
	outputFile     = flag.String("output_file", "", "File to write the signed manifest to.")
	logKeyFile     = flag.String("log_private_key_file", "", "If set, also sign a single entry log checkpoint with this key and write a proof bundle to --bundle_file.")
	logOrigin      = flag.String("log_origin", "", "Origin of the development log.")
	bundleFile     = flag.String("bundle_file", "", "File to write the proof bundle to.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *keygen != "" {
		generateKeyOrDie(*keygen, *privateKeyFile, *publicKeyFile)
		return
	}

	v, err := semver.NewVersion(strings.TrimPrefix(*version, "v"))
	if err != nil {
		klog.Exitf("Invalid --version %q: %v", *version, err)
	}
	fn, err := digest.ByName(*digestFunction)
	if err != nil {
		klog.Exitf("Invalid --digest_function: %v", err)
	}
	c, err := imagesource.ParseCompression(*compression)
	if err != nil {
		klog.Exitf("Invalid --compression: %v", err)
	}
	img, err := imagesource.Open(*imageFile, c)
	if err != nil {
		klog.Exitf("Failed to open image %q: %v", *imageFile, err)
	}
	r, err := manifest.Build(img, *component, *v, fn)
	img.Close()
	if err != nil {
		klog.Exitf("Failed to build release: %v", err)
	}

	m, err := manifest.Sign(r, signerOrDie(*privateKeyFile, "manifest"))
	if err != nil {
		klog.Exitf("Failed to sign manifest: %v", err)
	}
	if err := os.WriteFile(*outputFile, m, 0o644); err != nil {
		klog.Exitf("WriteFile: %v", err)
	}
	klog.Infof("Wrote manifest for %v to %q", r, *outputFile)

	if *logKeyFile == "" {
		return
	}
	b := devBundleOrDie(m, signerOrDie(*logKeyFile, "log"), *logOrigin)
	jsn, err := json.MarshalIndent(b, "", " ")
	if err != nil {
		klog.Exitf("Failed to encode bundle: %v", err)
	}
	if err := os.WriteFile(*bundleFile, jsn, 0o644); err != nil {
		klog.Exitf("WriteFile: %v", err)
	}
	klog.Infof("Wrote %d bytes of proof bundle to %q", len(jsn), *bundleFile)
}

// devBundleOrDie returns a bundle proving m is the only entry of a log
// whose checkpoints are signed by s.
func devBundleOrDie(m []byte, s note.Signer, origin string) manifest.Bundle {
	if origin == "" {
		klog.Exit("--log_origin is required with --log_private_key_file")
	}
	cp := log.Checkpoint{
		Origin: origin,
		Size:   1,
		Hash:   rfc6962.DefaultHasher.HashLeaf(m),
	}
	signed, err := note.Sign(&note.Note{Text: string(cp.Marshal())}, s)
	if err != nil {
		klog.Exitf("Failed to sign checkpoint: %v", err)
	}
	return manifest.Bundle{
		Manifest:   m,
		Checkpoint: signed,
		Index:      0,
	}
}

func generateKeyOrDie(name, privPath, pubPath string) {
	skey, vkey, err := note.GenerateKey(rand.Reader, name)
	if err != nil {
		klog.Exitf("Failed to generate key: %v", err)
	}
	if err := os.WriteFile(privPath, []byte(skey), 0o600); err != nil {
		klog.Exitf("WriteFile: %v", err)
	}
	if err := os.WriteFile(pubPath, []byte(vkey), 0o644); err != nil {
		klog.Exitf("WriteFile: %v", err)
	}
	klog.Infof("Wrote key %q to %q and %q", name, privPath, pubPath)
}

func signerOrDie(p string, thing string) note.Signer {
	sk, err := os.ReadFile(p)
	if err != nil {
		klog.Exitf("Failed to read %s private key file %q: %v", thing, p, err)
	}
	s, err := note.NewSigner(strings.TrimSpace(string(sk)))
	if err != nil {
		klog.Exitf("Invalid %s note signer string: %v", thing, err)
	}
	return s
}
