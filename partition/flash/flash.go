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

// Package flash implements the partition metadata service, and the
// bootloader's side of the OTA protocol, over a single flash device.
package flash

import (
	"errors"
	"fmt"

	"github.com/transparency-dev/armored-witness-ota/blockdev"
	"github.com/transparency-dev/armored-witness-ota/partition"
	"github.com/transparency-dev/armored-witness-ota/partition/otadata"
	"k8s.io/klog/v2"
)

var (
	// ErrNotOTACapable is returned by operations which need an otadata
	// partition when the table has none.
	ErrNotOTACapable = errors.New("bootloader is not OTA capable: no otadata partition")
	// ErrInvalidImage is returned by SetBoot when the bootloader would not
	// accept the image in the partition.
	ErrInvalidImage = errors.New("invalid app image")
)

// ImageMagic is the first byte of a bootable app image.
const ImageMagic = 0xe9

// ImageValidator performs the bootloader's structural check on the image
// held in partition p.
type ImageValidator func(p partition.Info, dev blockdev.Device) error

// MagicValidator returns a validator accepting images whose first byte is
// magic.
func MagicValidator(magic byte) ImageValidator {
	return func(p partition.Info, dev blockdev.Device) error {
		b := make([]byte, 1)
		if err := dev.ReadBlocks(0, b, 0); err != nil {
			return err
		}
		if b[0] != magic {
			return fmt.Errorf("partition %q starts with %#02x, want image magic %#02x", p.Label, b[0], magic)
		}
		return nil
	}
}

// Options configures a Service.
type Options struct {
	// Running is the label of the partition the current image runs from.
	// If empty, the partition the bootloader would select is used.
	Running string
	// Validate, if set, is run against an image before it may be selected
	// for boot.
	Validate ImageValidator
}

// Service is a partition.Service backed by a flash device laid out according
// to a partition table.
type Service struct {
	dev      blockdev.Device
	table    *partition.Table
	ota      *otadata.Store
	validate ImageValidator
	running  partition.Info
}

// New returns a Service for dev.
func New(dev blockdev.Device, table *partition.Table, opts Options) (*Service, error) {
	geo := blockdev.GeometryOf(dev)
	if err := table.Validate(geo.Capacity(), geo.BlockSize); err != nil {
		return nil, fmt.Errorf("invalid partition table for %v: %v", geo, err)
	}
	s := &Service{
		dev:      dev,
		table:    table,
		validate: opts.Validate,
	}
	if p, ok := table.FindSubtype(partition.TypeData, partition.SubtypeDataOTA); ok {
		d, err := s.Device(p)
		if err != nil {
			return nil, err
		}
		if s.ota, err = otadata.New(d); err != nil {
			return nil, fmt.Errorf("otadata partition %q: %v", p.Label, err)
		}
	}

	if opts.Running == "" {
		p, err := s.Boot()
		if err != nil {
			return nil, err
		}
		s.running = p
		return s, nil
	}
	p, ok := table.ByLabel(opts.Running)
	if !ok || p.Type != partition.TypeApp {
		return nil, fmt.Errorf("running partition %q is not an app partition", opts.Running)
	}
	s.running = p
	return s, nil
}

// Table returns the partition table.
func (s *Service) Table() *partition.Table {
	return s.table
}

// OTACapable reports whether the table has an otadata partition.
func (s *Service) OTACapable() bool {
	return s.ota != nil
}

// Entries returns the raw boot selection record.
func (s *Service) Entries() ([2]otadata.Slot, error) {
	if s.ota == nil {
		return [2]otadata.Slot{}, ErrNotOTACapable
	}
	return s.ota.Read()
}

// Running returns the partition the current image runs from.
func (s *Service) Running() (partition.Info, error) {
	return s.running, nil
}

// fallback returns the partition booted when otadata selects nothing.
func (s *Service) fallback() (partition.Info, error) {
	if p, ok := s.table.FindSubtype(partition.TypeApp, partition.SubtypeFactory); ok {
		return p, nil
	}
	if slots := s.table.OTASlots(); len(slots) > 0 {
		return slots[0], nil
	}
	return partition.Info{}, errors.New("no app partition to boot")
}

// selected returns the slot the otadata record selects, if any.
func (s *Service) selected() (partition.Info, int, [2]otadata.Slot, error) {
	slots := s.table.OTASlots()
	if s.ota == nil || len(slots) == 0 {
		return partition.Info{}, -1, [2]otadata.Slot{}, nil
	}
	entries, err := s.ota.Read()
	if err != nil {
		return partition.Info{}, -1, entries, err
	}
	a := otadata.Active(entries)
	if a < 0 {
		return partition.Info{}, -1, entries, nil
	}
	return slots[entries[a].Index(len(slots))], a, entries, nil
}

// Boot returns the partition the bootloader will select on the next reset.
func (s *Service) Boot() (partition.Info, error) {
	p, a, _, err := s.selected()
	if err != nil {
		return partition.Info{}, err
	}
	if a < 0 {
		return s.fallback()
	}
	return p, nil
}

// NextUpdate returns the OTA slot following from.
func (s *Service) NextUpdate(from partition.Info) (partition.Info, bool, error) {
	p, ok := partition.NextOTA(s.table.Entries(), from)
	return p, ok, nil
}

func (s *Service) lookup(p partition.Info) (partition.Info, error) {
	for _, e := range s.table.Entries() {
		if e.Same(p) {
			return e, nil
		}
	}
	return partition.Info{}, fmt.Errorf("partition %v is not in the partition table", p)
}

func slotIndex(slots []partition.Info, p partition.Info) int {
	for i, e := range slots {
		if e.Same(p) {
			return i
		}
	}
	return -1
}

// SetBoot selects p to boot on the next reset. Selecting the factory
// partition clears the otadata record.
func (s *Service) SetBoot(p partition.Info) error {
	p, err := s.lookup(p)
	if err != nil {
		return err
	}
	if p.Type != partition.TypeApp {
		return fmt.Errorf("partition %q is not an app partition", p.Label)
	}
	if s.validate != nil {
		d, err := s.Device(p)
		if err != nil {
			return err
		}
		if err := s.validate(p, d); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidImage, err)
		}
	}
	if s.ota == nil {
		return ErrNotOTACapable
	}
	if p.Subtype == partition.SubtypeFactory {
		klog.Infof("Selecting factory partition %q", p.Label)
		return s.ota.Erase()
	}
	slots := s.table.OTASlots()
	i := slotIndex(slots, p)
	if i < 0 {
		return fmt.Errorf("partition %q is not an OTA partition", p.Label)
	}
	klog.Infof("Selecting OTA partition %q (slot %d of %d) for boot", p.Label, i, len(slots))
	return s.ota.Select(i, len(slots), p.Label, otadata.StateNew)
}

// MarkAppValidCancelRollback confirms the running image, if the bootloader
// is waiting on it.
func (s *Service) MarkAppValidCancelRollback() error {
	if s.ota == nil {
		return ErrNotOTACapable
	}
	if !s.running.IsOTA() {
		return nil
	}
	p, a, entries, err := s.selected()
	if err != nil {
		return err
	}
	if a < 0 || !p.Same(s.running) {
		return nil
	}
	switch entries[a].State {
	case otadata.StateNew, otadata.StatePendingVerify:
		klog.Infof("Marking image in %q valid", p.Label)
		return s.ota.SetState(otadata.StateValid)
	}
	return nil
}

// Find returns the partitions of type t, ordered by offset.
func (s *Service) Find(t partition.Type) ([]partition.Info, error) {
	return s.table.Find(t), nil
}

// Device returns a device covering exactly p.
func (s *Service) Device(p partition.Info) (blockdev.Device, error) {
	p, err := s.lookup(p)
	if err != nil {
		return nil, err
	}
	bs := uint32(s.dev.BlockSize())
	return blockdev.NewWindow(s.dev, uint(p.Offset/bs), uint(p.Size/bs))
}

// Reset emulates a reset: the bootloader picks a partition, running any
// pending rollback, and the Service then reports it as running.
//
// A newly selected image moves to PENDING_VERIFY as it boots. If it is still
// pending on the following reset it was never marked valid, so it is aborted
// and the previous selection boots instead.
func (s *Service) Reset() (partition.Info, error) {
	// Each pass either boots or retires the active entry; two entries can
	// be retired at most.
	for i := 0; i < 3; i++ {
		p, a, entries, err := s.selected()
		if err != nil {
			return partition.Info{}, err
		}
		if a < 0 {
			break
		}
		switch e := entries[a]; e.State {
		case otadata.StatePendingVerify:
			klog.Warningf("Image in %q was never marked valid, rolling back", p.Label)
			if err := s.ota.SetState(otadata.StateAborted); err != nil {
				return partition.Info{}, err
			}
			continue
		case otadata.StateNew:
			if err := s.ota.SetState(otadata.StatePendingVerify); err != nil {
				return partition.Info{}, err
			}
		}
		if s.validate != nil {
			d, err := s.Device(p)
			if err != nil {
				return partition.Info{}, err
			}
			if err := s.validate(p, d); err != nil {
				klog.Warningf("Not booting %q: %v", p.Label, err)
				if err := s.ota.SetState(otadata.StateInvalid); err != nil {
					return partition.Info{}, err
				}
				continue
			}
		}
		s.running = p
		klog.Infof("Booted %v", p)
		return p, nil
	}
	p, err := s.fallback()
	if err != nil {
		return partition.Info{}, err
	}
	s.running = p
	klog.Infof("Booted %v", p)
	return p, nil
}
