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

// Package partition describes the flash partition layout, and the metadata
// service which knows which partition is running and which one boots next.
package partition

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/transparency-dev/armored-witness-ota/blockdev"
)

// Type is the partition type.
type Type uint8

const (
	TypeApp  Type = 0x00
	TypeData Type = 0x01
)

func (t Type) String() string {
	switch t {
	case TypeApp:
		return "app"
	case TypeData:
		return "data"
	}
	return fmt.Sprintf("%#02x", uint8(t))
}

// ParseType parses a partition type name or number.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "app":
		return TypeApp, nil
	case "data":
		return TypeData, nil
	}
	n, err := strconv.ParseUint(strings.TrimSpace(s), 0, 8)
	if err != nil {
		return 0, fmt.Errorf("unknown partition type %q", s)
	}
	return Type(n), nil
}

// Subtype qualifies a Type. For app partitions it identifies the OTA slot.
type Subtype uint8

const (
	SubtypeFactory Subtype = 0x00
	SubtypeOTAMin  Subtype = 0x10
	SubtypeOTAMax  Subtype = 0x1f
	SubtypeTest    Subtype = 0x20

	SubtypeDataOTA Subtype = 0x00
	SubtypeDataPHY Subtype = 0x01
	SubtypeDataNVS Subtype = 0x02
	SubtypeDataFAT Subtype = 0x81
)

// MaxOTASlots is the number of distinct OTA app subtypes.
const MaxOTASlots = int(SubtypeOTAMax-SubtypeOTAMin) + 1

// OTASubtype returns the app subtype of OTA slot n.
func OTASubtype(n int) Subtype {
	return SubtypeOTAMin + Subtype(n)
}

var dataSubtypes = map[Subtype]string{
	SubtypeDataOTA: "ota",
	SubtypeDataPHY: "phy",
	SubtypeDataNVS: "nvs",
	SubtypeDataFAT: "fat",
}

// SubtypeName returns the conventional name of subtype s of type t.
func SubtypeName(t Type, s Subtype) string {
	switch t {
	case TypeApp:
		switch {
		case s == SubtypeFactory:
			return "factory"
		case s == SubtypeTest:
			return "test"
		case s >= SubtypeOTAMin && s <= SubtypeOTAMax:
			return fmt.Sprintf("ota_%d", s-SubtypeOTAMin)
		}
	case TypeData:
		if n, ok := dataSubtypes[s]; ok {
			return n
		}
	}
	return fmt.Sprintf("%#02x", uint8(s))
}

// ParseSubtype parses a subtype name or number in the context of type t.
func ParseSubtype(t Type, s string) (Subtype, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	switch t {
	case TypeApp:
		switch name {
		case "factory":
			return SubtypeFactory, nil
		case "test":
			return SubtypeTest, nil
		}
		if i, ok := strings.CutPrefix(name, "ota_"); ok {
			n, err := strconv.Atoi(i)
			if err != nil || n < 0 || n >= MaxOTASlots {
				return 0, fmt.Errorf("invalid OTA subtype %q", s)
			}
			return OTASubtype(n), nil
		}
	case TypeData:
		for k, v := range dataSubtypes {
			if v == name {
				return k, nil
			}
		}
	}
	n, err := strconv.ParseUint(name, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("unknown %s subtype %q", t, s)
	}
	return Subtype(n), nil
}

// Info describes a single partition.
type Info struct {
	Label     string
	Type      Type
	Subtype   Subtype
	Offset    uint32
	Size      uint32
	Encrypted bool
}

// IsOTA reports whether p is an app partition in the OTA rotation.
func (p Info) IsOTA() bool {
	return p.Type == TypeApp && p.Subtype >= SubtypeOTAMin && p.Subtype <= SubtypeOTAMax
}

// OTAIndex returns the OTA slot number of p, or -1 if p is not an OTA
// partition.
func (p Info) OTAIndex() int {
	if !p.IsOTA() {
		return -1
	}
	return int(p.Subtype - SubtypeOTAMin)
}

// End returns the offset of the first byte after p.
func (p Info) End() uint64 {
	return uint64(p.Offset) + uint64(p.Size)
}

// Same reports whether p and o describe the same region of flash.
func (p Info) Same(o Info) bool {
	return p.Offset == o.Offset && p.Size == o.Size
}

func (p Info) String() string {
	return fmt.Sprintf("%s (%s/%s @ %#x)", p.Label, p.Type, SubtypeName(p.Type, p.Subtype), p.Offset)
}

// Service is the partition metadata service: it knows the partition layout
// and drives the bootloader's selection of which partition to boot.
type Service interface {
	// Running returns the partition the current image executes from.
	Running() (Info, error)
	// Boot returns the partition which is selected to boot next.
	Boot() (Info, error)
	// NextUpdate returns the partition an update should be written to when
	// running from, or false if no such partition exists.
	NextUpdate(from Info) (Info, bool, error)
	// SetBoot selects p to boot next. The bootloader may reject p if it
	// doesn't hold a valid image.
	SetBoot(p Info) error
	// MarkAppValidCancelRollback marks the running image as good, cancelling
	// any pending automatic rollback. It fails on platforms whose bootloader
	// has no OTA support.
	MarkAppValidCancelRollback() error
	// Find returns all partitions of type t, ordered by offset.
	Find(t Type) ([]Info, error)
	// Device returns a block device covering exactly p.
	Device(p Info) (blockdev.Device, error)
}

// NextOTA returns the OTA slot following from in subtype order, wrapping
// around. If from is not an OTA slot the first slot is returned. There is no
// next slot if parts holds no OTA slot other than from.
func NextOTA(parts []Info, from Info) (Info, bool) {
	slots := OTASlots(parts)
	if len(slots) == 0 {
		return Info{}, false
	}
	for i, p := range slots {
		if p.Same(from) {
			n := slots[(i+1)%len(slots)]
			if n.Same(from) {
				return Info{}, false
			}
			return n, true
		}
	}
	return slots[0], true
}
