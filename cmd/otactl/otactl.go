// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// The otactl tool drives over-the-air updates of an emulated dual-bank
// flash device held in an image file.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"

	"github.com/transparency-dev/armored-witness-ota/config"
	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"
)

func newApp() *cli.App {
	return &cli.App{
		Name:  "otactl",
		Usage: "Update firmware on an emulated dual-bank flash device",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "otactl.yaml",
				Usage:   "configuration file; defaults apply if it does not exist",
			},
			&cli.StringFlag{
				Name:  "image",
				Usage: "flash image file, overriding flash.image",
			},
			&cli.IntFlag{
				Name:  "verbosity",
				Value: 0,
				Usage: "log verbosity",
			},
		},
		Before: initLogging,
		Commands: []*cli.Command{
			initCommand(),
			statusCommand(),
			tableCommand(),
			updateCommand(),
			markValidCommand(),
			rollbackCommand(),
			bootCommand(),
		},
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := newApp().RunContext(ctx, os.Args); err != nil {
		klog.Flush()
		fmt.Fprintf(os.Stderr, "fatal error, %s\n", err)
		os.Exit(1)
	}
	klog.Flush()
}

func initLogging(c *cli.Context) error {
	fs := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(fs)
	if err := fs.Set("v", strconv.Itoa(c.Int("verbosity"))); err != nil {
		return err
	}
	return fs.Set("logtostderr", "true")
}

// loadConfig returns the configuration selected by the global flags.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if p := c.String("image"); p != "" {
		cfg.Flash.Image = p
	}
	return cfg, nil
}

func confirm(msg string) bool {
	var res string

	fmt.Printf("%s (y/n): ", msg)
	fmt.Scanln(&res)

	return res == "y"
}
