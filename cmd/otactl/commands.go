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
	"errors"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/transparency-dev/armored-witness-ota/blockdev"
	"github.com/transparency-dev/armored-witness-ota/config"
	"github.com/transparency-dev/armored-witness-ota/ota"
	"github.com/transparency-dev/armored-witness-ota/partition/flash"
	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"
)

func initCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Create an erased flash image laid out with the partition table",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "force", Usage: "overwrite an existing flash image without asking"},
			&cli.BoolFlag{Name: "write_config", Usage: "also write the configuration in use to the config file"},
		},
		Action: initImage,
	}
}

func initImage(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfg.Flash.Image); err == nil && !c.Bool("force") {
		if !confirm(fmt.Sprintf("Overwrite flash image %q?", cfg.Flash.Image)) {
			return errors.New("aborted")
		}
	}
	size, err := cfg.FlashBytes()
	if err != nil {
		return err
	}
	tbl, err := loadTable(cfg)
	if err != nil {
		return err
	}
	if err := tbl.Validate(size, cfg.Flash.BlockSize); err != nil {
		return err
	}

	bs := cfg.Flash.BlockSize
	f, err := blockdev.CreateFile(cfg.Flash.Image, bs, uint(size/uint64(bs)))
	if err != nil {
		return err
	}
	svc, err := flash.New(f, tbl, serviceOptions(cfg, ""))
	if err != nil {
		f.Close()
		return err
	}
	running, err := svc.Running()
	if err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := (&config.State{Running: running.Label}).Save(cfg.Flash.State); err != nil {
		return err
	}
	if c.Bool("write_config") {
		if err := cfg.Save(c.String("config")); err != nil {
			return err
		}
	}
	fmt.Printf("Created %s flash image %q, running %v\n", humanize.IBytes(size), cfg.Flash.Image, running)
	return nil
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show the partition and boot selection state",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			return withDevice(cfg, func(d *device) error {
				s, err := d.status()
				if err != nil {
					return err
				}
				fmt.Print(s.Print())
				return nil
			})
		},
	}
}

func tableCommand() *cli.Command {
	return &cli.Command{
		Name:  "table",
		Usage: "Print the partition table as CSV",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			tbl, err := loadTable(cfg)
			if err != nil {
				return err
			}
			return tbl.Marshal(os.Stdout)
		},
	}
}

func markValidCommand() *cli.Command {
	return &cli.Command{
		Name:  "mark-valid",
		Usage: "Confirm the running image, cancelling any pending rollback",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			return withDevice(cfg, func(d *device) error {
				if err := ota.NewRollback(d.pc).MarkValid(); err != nil {
					return err
				}
				fmt.Printf("Marked %v valid\n", d.pc.Running())
				return nil
			})
		},
	}
}

func rollbackCommand() *cli.Command {
	return &cli.Command{
		Name:  "rollback",
		Usage: "Select the previous OTA partition for boot",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "reboot", Usage: "reset the device after selecting the partition"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			return withDevice(cfg, func(d *device) error {
				p, err := ota.NewRollback(d.pc).ForceRollback()
				if err != nil {
					return err
				}
				fmt.Printf("Rolled back: %v will be loaded on next boot\n", p)
				if c.Bool("reboot") {
					return d.reset()
				}
				return nil
			})
		},
	}
}

func bootCommand() *cli.Command {
	return &cli.Command{
		Name:  "boot",
		Usage: "Emulate a reset: the bootloader selects and boots a partition",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			return withDevice(cfg, func(d *device) error {
				before := d.pc.Running()
				if err := d.reset(); err != nil {
					return err
				}
				if after := d.pc.Running(); !after.Same(before) {
					klog.Infof("Running partition changed from %q to %q", before.Label, after.Label)
				}
				return nil
			})
		},
	}
}
