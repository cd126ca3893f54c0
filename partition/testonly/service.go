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

// Package testonly provides a fake partition metadata service.
package testonly

import (
	"errors"
	"fmt"
	"testing"

	"github.com/transparency-dev/armored-witness-ota/blockdev"
	bdtestonly "github.com/transparency-dev/armored-witness-ota/blockdev/testonly"
	"github.com/transparency-dev/armored-witness-ota/partition"
)

// Service is a scriptable partition.Service which records every call made
// against it.
type Service struct {
	t *testing.T

	Parts       []partition.Info
	RunningPart partition.Info
	BootPart    partition.Info
	BlockSize   uint

	// NoNext makes NextUpdate report that no update partition exists.
	NoNext bool
	// NextErr, if set, is returned by NextUpdate.
	NextErr error
	// MarkValidErr, if set, is returned by MarkAppValidCancelRollback.
	MarkValidErr error
	// SetBootErr, if set, is returned by SetBoot.
	SetBootErr error

	// Calls records the name of every method called, in order.
	Calls []string
	// SetBootCalls records the partitions passed to successful SetBoot calls.
	SetBootCalls []partition.Info
	// Devices holds the devices handed out by Device, by label.
	Devices map[string]*bdtestonly.MemDev
}

// NewService returns a fake service over parts, running and booting from
// the partition labelled running.
func NewService(t *testing.T, blockSize uint, running string, parts ...partition.Info) *Service {
	t.Helper()
	s := &Service{
		t:         t,
		Parts:     parts,
		BlockSize: blockSize,
		Devices:   map[string]*bdtestonly.MemDev{},
	}
	for _, p := range parts {
		if p.Label == running {
			s.RunningPart, s.BootPart = p, p
		}
	}
	if s.RunningPart.Label == "" {
		t.Fatalf("running partition %q not in %v", running, parts)
	}
	return s
}

// OTAApps returns n OTA app partitions of size bytes each, laid out one
// after another.
func OTAApps(n int, size uint32) []partition.Info {
	var r []partition.Info
	for i := 0; i < n; i++ {
		r = append(r, partition.Info{
			Label:   fmt.Sprintf("ota_%d", i),
			Type:    partition.TypeApp,
			Subtype: partition.OTASubtype(i),
			Offset:  partition.AppAlignment * uint32(1+i*int((size+partition.AppAlignment-1)/partition.AppAlignment)),
			Size:    size,
		})
	}
	return r
}

func (s *Service) Running() (partition.Info, error) {
	s.Calls = append(s.Calls, "Running")
	return s.RunningPart, nil
}

func (s *Service) Boot() (partition.Info, error) {
	s.Calls = append(s.Calls, "Boot")
	return s.BootPart, nil
}

func (s *Service) NextUpdate(from partition.Info) (partition.Info, bool, error) {
	s.Calls = append(s.Calls, "NextUpdate")
	if s.NextErr != nil {
		return partition.Info{}, false, s.NextErr
	}
	if s.NoNext {
		return partition.Info{}, false, nil
	}
	p, ok := partition.NextOTA(s.Parts, from)
	return p, ok, nil
}

func (s *Service) SetBoot(p partition.Info) error {
	s.Calls = append(s.Calls, "SetBoot")
	if s.SetBootErr != nil {
		return s.SetBootErr
	}
	s.SetBootCalls = append(s.SetBootCalls, p)
	s.BootPart = p
	return nil
}

func (s *Service) MarkAppValidCancelRollback() error {
	s.Calls = append(s.Calls, "MarkAppValidCancelRollback")
	return s.MarkValidErr
}

func (s *Service) Find(t partition.Type) ([]partition.Info, error) {
	s.Calls = append(s.Calls, "Find")
	return partition.NewTable(s.Parts).Find(t), nil
}

func (s *Service) Device(p partition.Info) (blockdev.Device, error) {
	s.Calls = append(s.Calls, "Device")
	if d, ok := s.Devices[p.Label]; ok {
		return d, nil
	}
	if s.BlockSize == 0 || p.Size%uint32(s.BlockSize) != 0 {
		return nil, errors.New("partition size is not a multiple of the block size")
	}
	d := bdtestonly.NewMemDev(s.t, s.BlockSize, uint(p.Size)/s.BlockSize)
	s.Devices[p.Label] = d
	return d, nil
}
