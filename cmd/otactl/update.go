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


package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/dustin/go-humanize"
	"github.com/machinebox/progress"
	"github.com/transparency-dev/armored-witness-ota/config"
	"github.com/transparency-dev/armored-witness-ota/digest"
	"github.com/transparency-dev/armored-witness-ota/internal/imagesource"
	"github.com/transparency-dev/armored-witness-ota/manifest"
	"github.com/transparency-dev/armored-witness-ota/ota"
	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"
)

func updateCommand() *cli.Command {
	return &cli.Command{
		Name:      "update",
		Usage:     "Write an image to the next OTA partition and select it for boot",
		ArgsUsage: "IMAGE_FILE",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "manifest", Usage: "signed release manifest for the image"},
			&cli.StringFlag{Name: "bundle", Usage: "JSON proof bundle holding the release manifest and its log inclusion proof"},
			&cli.StringFlag{Name: "digest", Usage: "expected hex digest of the (uncompressed) image"},
			&cli.Uint64Flag{Name: "length", Usage: "expected length of the (uncompressed) image"},
			&cli.StringFlag{Name: "digest_function", Usage: "digest function, overriding update.digest"},
			&cli.BoolFlag{Name: "verify", Usage: "read the image back after writing, overriding update.verify"},
			&cli.StringFlag{Name: "compression", Value: string(imagesource.Auto), Usage: "image compression: auto, none, zstd or gzip"},
			&cli.StringFlag{Name: "progress", Value: "bar", Usage: "progress reporting: bar, log or none"},
			&cli.BoolFlag{Name: "reboot", Usage: "reset after a successful update, overriding reboot.enabled"},
			&cli.BoolFlag{Name: "allow_downgrade", Usage: "permit installing a release older than the running one"},
		},
		Action: update,
	}
}

// release returns the verified release named by the --manifest or --bundle
// flags, if either is set.
func release(c *cli.Context, cfg *config.Config) (*manifest.Release, error) {
	mvs, err := cfg.ManifestVerifiers()
	if err != nil {
		return nil, err
	}
	switch {
	case c.String("bundle") != "":
		b, err := os.ReadFile(c.String("bundle"))
		if err != nil {
			return nil, err
		}
		var bundle manifest.Bundle
		if err := json.Unmarshal(b, &bundle); err != nil {
			return nil, fmt.Errorf("invalid proof bundle: %v", err)
		}
		lv, err := cfg.LogVerifier()
		if err != nil {
			return nil, err
		}
		v := manifest.BundleVerifier{
			LogOrigin:         cfg.Manifest.LogOrigin,
			LogVerifier:       lv,
			ManifestVerifiers: mvs,
		}
		r, err := v.Verify(bundle)
		if err != nil {
			return nil, fmt.Errorf("failed to verify proof bundle: %v", err)
		}
		return &r, nil
	case c.String("manifest") != "":
		b, err := os.ReadFile(c.String("manifest"))
		if err != nil {
			return nil, err
		}
		r, err := manifest.Open(b, mvs...)
		if err != nil {
			return nil, err
		}
		return &r, nil
	}
	return nil, nil
}

// sessionOptions combines the configuration, the release and the command
// line flags, in increasing order of precedence.
func sessionOptions(c *cli.Context, cfg *config.Config, rel *manifest.Release) (ota.SessionOptions, error) {
	fn, err := cfg.Digest()
	if err != nil {
		return ota.SessionOptions{}, err
	}
	opts := ota.SessionOptions{
		Digest:     fn,
		Verify:     cfg.Update.Verify,
		Verbose:    cfg.Update.Verbose,
		BufferSize: cfg.Update.BufferBlocks * cfg.Flash.BlockSize,
	}
	if rel != nil {
		ro, err := rel.SessionOptions()
		if err != nil {
			return ota.SessionOptions{}, err
		}
		opts.Digest, opts.ExpectedDigest, opts.ExpectedLength = ro.Digest, ro.ExpectedDigest, ro.ExpectedLength
	}
	if c.IsSet("digest_function") {
		if rel != nil {
			return ota.SessionOptions{}, errors.New("--digest_function conflicts with the release manifest")
		}
		if opts.Digest, err = digest.ByName(c.String("digest_function")); err != nil {
			return ota.SessionOptions{}, err
		}
	}
	if c.IsSet("digest") {
		if err := opts.Digest.Valid(c.String("digest")); err != nil {
			return ota.SessionOptions{}, err
		}
		if rel != nil && !digest.Equal(c.String("digest"), opts.ExpectedDigest) {
			return ota.SessionOptions{}, fmt.Errorf("--digest does not match the release digest %s", opts.ExpectedDigest)
		}
		opts.ExpectedDigest = digest.Normalize(c.String("digest"))
	}
	if c.IsSet("length") {
		if rel != nil && c.Uint64("length") != opts.ExpectedLength {
			return ota.SessionOptions{}, fmt.Errorf("--length does not match the release length %d", opts.ExpectedLength)
		}
		opts.ExpectedLength = c.Uint64("length")
	}
	if c.IsSet("verify") {
		opts.Verify = c.Bool("verify")
	}
	return opts, nil
}

// progressReader wraps r to report progress in the manner selected by
// --progress. The returned function stops reporting; it may be called more
// than once, and returns after the last progress line has been logged.
func progressReader(ctx context.Context, mode string, r io.Reader, total int64) (io.Reader, func(), error) {
	switch mode {
	case "none":
		return r, func() {}, nil
	case "bar":
		bar := pb.Full.Start64(total)
		bar.Set(pb.Bytes, true)
		return bar.NewProxyReader(r), sync.OnceFunc(func() { bar.Finish() }), nil
	case "log":
		pr := progress.NewReader(r)
		ctx, cancel := context.WithCancel(ctx)
		stopped := make(chan struct{})
		go func() {
			defer close(stopped)
			for p := range progress.NewTicker(ctx, pr, total, time.Second) {
				klog.Infof("Writing image: %d%%, %v remaining...", int(p.Percent()), p.Remaining().Round(time.Second))
			}
		}()
		return pr, func() {
			cancel()
			<-stopped
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown progress mode %q", mode)
}

func update(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("update needs exactly one IMAGE_FILE argument")
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	rel, err := release(c, cfg)
	if err != nil {
		return err
	}
	opts, err := sessionOptions(c, cfg, rel)
	if err != nil {
		return err
	}
	compression, err := imagesource.ParseCompression(c.String("compression"))
	if err != nil {
		return err
	}
	chunk, err := cfg.ChunkBytes()
	if err != nil {
		return err
	}

	return withDevice(cfg, func(d *device) error {
		if rel != nil {
			cur, err := d.state.Version(d.pc.Running().Label)
			if err != nil {
				klog.Warningf("Ignoring bad version recorded for %q: %v", d.pc.Running().Label, err)
			}
			if err := manifest.CheckDowngrade(cur, rel.Version, c.Bool("allow_downgrade") || cfg.Manifest.AllowDowngrade); err != nil {
				return err
			}
			klog.Infof("Installing release %v", rel)
		}

		img, err := imagesource.Open(c.Args().First(), compression)
		if err != nil {
			return err
		}
		defer img.Close()
		total := img.FileBytes
		if opts.ExpectedLength > 0 {
			total = int64(opts.ExpectedLength)
		}
		r, done, err := progressReader(c.Context, c.String("progress"), img, total)
		if err != nil {
			return err
		}
		defer done()

		u := ota.NewUpdater(d.pc)
		if c.Bool("reboot") || (cfg.Reboot.Enabled && !c.IsSet("reboot")) {
			u.Reboot = &ota.Rebooter{Seconds: cfg.Reboot.Seconds, Reset: d.reset}
		}
		var target string
		res, err := u.Run(c.Context, opts, func(up *ota.Update) error {
			target = up.Partition().Label
			buf := make([]byte, chunk)
			// Hide ReaderFrom so that the configured chunk size is used.
			_, err := io.CopyBuffer(struct{ io.Writer }{up}, struct{ io.Reader }{r}, buf)
			done()
			return err
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		if rel != nil && target != "" {
			d.state.SetVersion(target, rel.Version)
		}
		fmt.Printf("Wrote %s to %q, %s %s\n", humanize.IBytes(res.BytesWritten), target, opts.Digest, res.Digest)
		return nil
	})
}
