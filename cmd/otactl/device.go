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
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/transparency-dev/armored-witness-ota/api"
	"github.com/transparency-dev/armored-witness-ota/blockdev"
	"github.com/transparency-dev/armored-witness-ota/config"
	"github.com/transparency-dev/armored-witness-ota/partition"
	"github.com/transparency-dev/armored-witness-ota/partition/flash"
	"k8s.io/klog/v2"
)

// device is an opened emulated flash device.
type device struct {
	cfg   *config.Config
	state *config.State
	file  *blockdev.FileDevice
	svc   *flash.Service
	pc    *partition.Context
}

func loadTable(cfg *config.Config) (*partition.Table, error) {
	if cfg.Flash.PartitionTable == "" {
		return partition.DefaultTable(), nil
	}
	return partition.LoadTable(cfg.Flash.PartitionTable)
}

func serviceOptions(cfg *config.Config, running string) flash.Options {
	opts := flash.Options{Running: running}
	if cfg.Flash.CheckImageMagic {
		opts.Validate = flash.MagicValidator(flash.ImageMagic)
	}
	return opts
}

// openDevice opens the flash image named by cfg, and restores which
// partition is running from the state file.
func openDevice(cfg *config.Config) (*device, error) {
	state, err := config.LoadState(cfg.Flash.State)
	if err != nil {
		return nil, err
	}
	tbl, err := loadTable(cfg)
	if err != nil {
		return nil, err
	}
	f, err := blockdev.OpenFile(cfg.Flash.Image, cfg.Flash.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("failed to open flash image (run otactl init first?): %v", err)
	}
	svc, err := flash.New(f, tbl, serviceOptions(cfg, state.Running))
	if err != nil {
		f.Close()
		return nil, err
	}
	pc, err := partition.NewContext(svc)
	if err != nil {
		f.Close()
		return nil, err
	}
	klog.V(1).Infof("Opened %s: %v, running %v", cfg.Flash.Image, blockdev.GeometryOf(f), pc.Running())
	return &device{cfg: cfg, state: state, file: f, svc: svc, pc: pc}, nil
}

// reset emulates a platform reset, and records the partition booted.
func (d *device) reset() error {
	p, err := d.svc.Reset()
	if err != nil {
		return err
	}
	d.state.Running = p.Label
	if err := d.pc.Refresh(); err != nil {
		return err
	}
	fmt.Printf("Booted %v\n", p)
	return nil
}

// status returns the device status report.
func (d *device) status() (*api.Status, error) {
	s := api.NewStatus(d.pc)
	s.FlashBytes = blockdev.GeometryOf(d.file).Capacity()
	s.Partitions = d.svc.Table().Entries()
	if d.svc.OTACapable() {
		e, err := d.svc.Entries()
		if err != nil {
			return nil, err
		}
		s.OTAData = e[:]
	}
	v, err := d.state.Version(s.Running.Label)
	if err != nil {
		klog.Warningf("Ignoring bad version recorded for %q: %v", s.Running.Label, err)
	}
	s.RunningVersion = v
	return s, nil
}

// close flushes the flash image and saves the state file.
func (d *device) close() error {
	var errs *multierror.Error
	d.state.Running = d.pc.Running().Label
	if err := d.state.Save(d.cfg.Flash.State); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to save state: %v", err))
	}
	if err := d.file.Sync(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := d.file.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// withDevice runs fn against the device named by cfg, closing it after.
func withDevice(cfg *config.Config, fn func(*device) error) (err error) {
	d, err := openDevice(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := d.close(); cerr != nil {
			err = multierror.Append(err, cerr).ErrorOrNil()
		}
	}()
	return fn(d)
}
