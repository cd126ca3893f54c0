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

package api

import (
	"errors"
	"strings"
	"testing"

	"github.com/coreos/go-semver/semver"
	"github.com/transparency-dev/armored-witness-ota/partition"
	"github.com/transparency-dev/armored-witness-ota/partition/otadata"
	"github.com/transparency-dev/armored-witness-ota/partition/testonly"
)

func TestStatus(t *testing.T) {
	parts := testonly.OTAApps(2, 0x10000)
	svc := testonly.NewService(t, 4096, "ota_0", parts...)
	svc.BootPart = parts[1]
	pc, err := partition.NewContext(svc)
	if err != nil {
		t.Fatal(err)
	}

	s := NewStatus(pc)
	if !s.Ready || s.Next.Label != "ota_1" || s.Boot.Label != "ota_1" {
		t.Fatalf("Got status %+v", s)
	}
	s.RunningVersion = semver.New("1.2.3")
	s.FlashBytes = 4 << 20
	s.Partitions = parts
	s.OTAData = []otadata.Slot{
		{Entry: otadata.Entry{Seq: 2, Label: "ota_1", State: otadata.StateNew}, Valid: true},
		{},
	}

	got := s.Print()
	for _, want := range []string{
		"Flash ..................: 4.0 MiB\n",
		"Running ................: ota_0 (app/ota_0 @ 0x10000)\n",
		"Version ................: 1.2.3\n",
		"Next update ............: ota_1 (app/ota_1 @ 0x20000)\n",
		"* ota_0 ",
		"> ota_1 ",
		"[0] seq 2      \"ota_1\"          NEW\n",
		"[1] empty\n",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("Status output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "Probe error") {
		t.Errorf("Unexpected probe error in:\n%s", got)
	}
}

func TestStatusNotReady(t *testing.T) {
	svc := testonly.NewService(t, 4096, "ota_0", testonly.OTAApps(1, 0x10000)...)
	svc.NextErr = errors.New("partition table unreadable")
	pc, err := partition.NewContext(svc)
	if err != nil {
		t.Fatal(err)
	}
	got := NewStatus(pc).Print()
	for _, want := range []string{
		"Version ................: unknown\n",
		"Next update ............: none\n",
		"Probe error ............: partition table unreadable\n",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("Status output missing %q:\n%s", want, got)
		}
	}
}
