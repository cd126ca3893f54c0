// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package api defines the status report produced by otactl.
package api

import (
	"bytes"
	"fmt"

	"github.com/coreos/go-semver/semver"
	"github.com/dustin/go-humanize"
	"github.com/transparency-dev/armored-witness-ota/partition"
	"github.com/transparency-dev/armored-witness-ota/partition/otadata"
)

// Status describes the partition state of a device.
type Status struct {
	Running partition.Info
	Boot    partition.Info
	Next    partition.Info
	// Ready is set if there is a partition to write an update to.
	Ready bool
	// ProbeError is why the update partition lookup failed, if it did.
	ProbeError string

	// RunningVersion is the release installed in the running partition, if
	// known.
	RunningVersion *semver.Version

	FlashBytes uint64
	Partitions []partition.Info
	// OTAData holds the raw boot selection record, if the device has one.
	OTAData []otadata.Slot
}

// NewStatus returns the Status held by pc.
func NewStatus(pc *partition.Context) *Status {
	s := &Status{
		Running: pc.Running(),
		Boot:    pc.Boot(),
		Ready:   pc.Ready(),
	}
	s.Next, _ = pc.Next()
	if err := pc.ProbeError(); err != nil {
		s.ProbeError = err.Error()
	}
	return s
}

func optional(p partition.Info, ok bool) string {
	if !ok {
		return "none"
	}
	return p.String()
}

// Print returns the status in textual format.
func (s *Status) Print() string {
	var status bytes.Buffer

	version := "unknown"
	if s.RunningVersion != nil {
		version = s.RunningVersion.String()
	}
	status.WriteString("------------------------------------------------------------ OTA ----\n")
	status.WriteString(fmt.Sprintf("Flash ..................: %s\n", humanize.IBytes(s.FlashBytes)))
	status.WriteString(fmt.Sprintf("Running ................: %s\n", s.Running))
	status.WriteString(fmt.Sprintf("Version ................: %s\n", version))
	status.WriteString(fmt.Sprintf("Boot ...................: %s\n", s.Boot))
	status.WriteString(fmt.Sprintf("Next update ............: %s\n", optional(s.Next, s.Ready)))
	if s.ProbeError != "" {
		status.WriteString(fmt.Sprintf("Probe error ............: %s\n", s.ProbeError))
	}

	if len(s.Partitions) > 0 {
		status.WriteString("----------------------------------------------------- Partitions ----\n")
		for _, p := range s.Partitions {
			flag := " "
			switch {
			case p.Same(s.Running):
				flag = "*"
			case p.Same(s.Boot):
				flag = ">"
			}
			status.WriteString(fmt.Sprintf("%s %-16s %-4s %-8s %#08x %8s\n", flag, p.Label, p.Type,
				partition.SubtypeName(p.Type, p.Subtype), p.Offset, humanize.IBytes(uint64(p.Size))))
		}
	}

	for i, e := range s.OTAData {
		if i == 0 {
			status.WriteString("-------------------------------------------------------- otadata ----\n")
		}
		if !e.Valid {
			status.WriteString(fmt.Sprintf("[%d] empty\n", i))
			continue
		}
		status.WriteString(fmt.Sprintf("[%d] seq %-6d %-16q %s\n", i, e.Seq, e.Label, e.State))
	}

	return status.String()
}
