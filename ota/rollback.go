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

package ota

import (
	"fmt"

	"github.com/transparency-dev/armored-witness-ota/partition"
	"k8s.io/klog/v2"
)

// Rollback drives the rollback protection protocol.
type Rollback struct {
	pc *partition.Context
}

// NewRollback returns a Rollback for the system described by pc.
func NewRollback(pc *partition.Context) *Rollback {
	registerMetrics()
	return &Rollback{pc: pc}
}

// MarkValid tells the bootloader the running image is good, cancelling any
// pending automatic rollback. It may be called any number of times.
func (r *Rollback) MarkValid() error {
	if err := r.pc.Service().MarkAppValidCancelRollback(); err != nil {
		return fmt.Errorf("%w: %v", ErrBootloaderNotOTACapable, err)
	}
	return nil
}

// ForceRollback selects for boot the OTA partition preceding the running
// one in subtype order, wrapping around from the first to the last, and
// returns it.
func (r *Rollback) ForceRollback() (partition.Info, error) {
	svc := r.pc.Service()
	apps, err := svc.Find(partition.TypeApp)
	if err != nil {
		return partition.Info{}, err
	}
	slots := partition.OTASlots(apps)
	running := r.pc.Running()
	cur := -1
	for i, p := range slots {
		if p.Offset == running.Offset {
			cur = i
			break
		}
	}
	if cur < 0 {
		return partition.Info{}, fmt.Errorf("%w: running partition %q is not an OTA partition", ErrNoRollbackPartition, running.Label)
	}
	if len(slots) < 2 {
		return partition.Info{}, fmt.Errorf("%w: only one OTA partition", ErrNoRollbackPartition)
	}
	prev := slots[(cur+len(slots)-1)%len(slots)]
	if err := svc.SetBoot(prev); err != nil {
		return partition.Info{}, fmt.Errorf("%w: partition %q: %w", ErrBootCommit, prev.Label, err)
	}
	otaRollbacks.Inc()
	if err := r.pc.Refresh(); err != nil {
		klog.Warningf("Failed to refresh partition state: %v", err)
	}
	klog.Infof("Rolled back: %q will be loaded on next boot", prev.Label)
	return prev, nil
}
