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

// Package ota writes firmware images to the inactive partition of a
// dual-bank flash layout, and switches the bootloader over to them once
// they have been verified.
package ota

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/transparency-dev/armored-witness-ota/partition"
	"k8s.io/klog/v2"
)

// Updater opens updates against the partition layout of the running
// system. At most one update may be open at a time.
type Updater struct {
	pc *partition.Context

	// Reboot, if set, is run after an update has been committed.
	Reboot *Rebooter

	mu     sync.Mutex
	active *Update
}

// NewUpdater returns an Updater for the system described by pc.
func NewUpdater(pc *partition.Context) *Updater {
	registerMetrics()
	return &Updater{pc: pc}
}

// Open starts an update of the next OTA partition.
//
// The running image is marked valid before anything is written, so that an
// interrupted update can't cause the bootloader to roll back from it.
func (u *Updater) Open(opts SessionOptions) (*Update, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.active != nil {
		return nil, fmt.Errorf("%w: writing %q", ErrUpdateInProgress, u.active.part.Label)
	}

	svc := u.pc.Service()
	running := u.pc.Running()
	next, ok, err := svc.NextUpdate(running)
	if err != nil {
		return nil, fmt.Errorf("failed to find update partition: %v", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: running from %q", ErrNoOTAPartition, running.Label)
	}
	if err := svc.MarkAppValidCancelRollback(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBootloaderNotOTACapable, err)
	}
	dev, err := svc.Device(next)
	if err != nil {
		return nil, fmt.Errorf("failed to open partition %q: %v", next.Label, err)
	}
	s, err := NewSession(dev, opts)
	if err != nil {
		return nil, err
	}
	klog.Infof("Writing new image to OTA partition %q (session %s)", next.Label, s.ID())
	u.active = &Update{u: u, part: next, s: s}
	return u.active, nil
}

func (u *Updater) release(up *Update) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.active == up {
		u.active = nil
	}
}

// Run opens an update and passes it to fn. If fn succeeds the update is
// closed, committing it; if fn fails the update is abandoned.
func (u *Updater) Run(ctx context.Context, opts SessionOptions, fn func(*Update) error) (Result, error) {
	up, err := u.Open(opts)
	if err != nil {
		return Result{}, err
	}
	if err := fn(up); err != nil {
		up.Abandon()
		return Result{}, err
	}
	return up.Close(ctx)
}

// Update is an update in progress.
type Update struct {
	u    *Updater
	part partition.Info
	s    *Session
	done bool
}

// Partition returns the partition being written.
func (up *Update) Partition() partition.Info {
	return up.part
}

// Session returns the underlying write session.
func (up *Update) Session() *Session {
	return up.s
}

// Write writes p to the partition.
func (up *Update) Write(p []byte) (int, error) {
	return up.s.Write(p)
}

// ReadFrom writes everything read from r to the partition.
func (up *Update) ReadFrom(r io.Reader) (int64, error) {
	return up.s.ReadFrom(r)
}

// Abandon gives up on the update. The partition is left partially written
// and the boot selection is unchanged. The update can't be written to
// afterwards.
func (up *Update) Abandon() {
	if up.done {
		return
	}
	up.done = true
	up.s.abandon()
	klog.Warningf("Abandoned update of %q after %d bytes", up.part.Label, up.s.Written())
	up.u.release(up)
}

// Close closes the session and, only if every check passed, selects the
// new partition for boot. If the updater has a Rebooter the system is then
// rebooted, unless ctx is cancelled during the countdown, in which case the
// committed Result is returned along with the context error.
//
// An ErrBootCommit failure means the image was written and verified but the
// bootloader would not accept it; the data is left in place.
func (up *Update) Close(ctx context.Context) (Result, error) {
	if up.done {
		return Result{}, ErrClosed
	}
	up.done = true
	defer up.u.release(up)

	res, err := up.s.Close()
	if err != nil {
		return res, err
	}

	svc := up.u.pc.Service()
	if err := svc.SetBoot(up.part); err != nil {
		otaBootCommits.WithLabelValues("error").Inc()
		return res, fmt.Errorf("%w: partition %q: %w", ErrBootCommit, up.part.Label, err)
	}
	otaBootCommits.WithLabelValues("ok").Inc()
	if err := up.u.pc.Refresh(); err != nil {
		klog.Warningf("Failed to refresh partition state: %v", err)
	}
	klog.Infof("OTA partition %q updated successfully.", up.part.Label)
	klog.Infof("The image in %q will be loaded on next boot.", up.part.Label)
	klog.Infof("Remember to mark the new image valid after reboot.")

	if r := up.u.Reboot; r != nil {
		if err := r.Run(ctx); err != nil {
			return res, err
		}
	}
	return res, nil
}
