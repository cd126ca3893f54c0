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

package partition

import (
	"fmt"
	"sync"

	"k8s.io/klog/v2"
)

// Context holds the partition state of the running system: which partition
// is running, which one boots next, and where an update would go.
//
// It is built once at start of day and shared by the components which need
// it. Call Refresh after anything changes the boot selection.
type Context struct {
	svc Service

	mu      sync.RWMutex
	running Info
	boot    Info
	next    Info
	hasNext bool
	// probeErr records why the next update partition lookup failed, if it did.
	probeErr error
}

// NewContext returns a Context populated from svc.
func NewContext(svc Service) (*Context, error) {
	c := &Context{svc: svc}
	if err := c.Refresh(); err != nil {
		return nil, err
	}
	return c, nil
}

// Refresh re-reads the partition state from the metadata service.
//
// Failing to find an update partition is not an error: it only means the
// system is not ready for OTA updates.
func (c *Context) Refresh() error {
	running, err := c.svc.Running()
	if err != nil {
		return fmt.Errorf("failed to determine running partition: %v", err)
	}
	boot, err := c.svc.Boot()
	if err != nil {
		return fmt.Errorf("failed to determine boot partition: %v", err)
	}
	next, ok, probeErr := c.svc.NextUpdate(running)
	if probeErr != nil {
		klog.Warningf("Probe for OTA update partition failed: %v", probeErr)
		ok = false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.running, c.boot = running, boot
	c.next, c.hasNext, c.probeErr = next, ok, probeErr
	return nil
}

// Service returns the underlying metadata service.
func (c *Context) Service() Service {
	return c.svc
}

// Running returns the partition the current image runs from.
func (c *Context) Running() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// Boot returns the partition selected to boot next.
func (c *Context) Boot() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.boot
}

// Next returns the partition the next update would be written to.
func (c *Context) Next() (Info, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.next, c.hasNext
}

// Ready reports whether the system is configured for OTA updates.
func (c *Context) Ready() bool {
	_, ok := c.Next()
	return ok
}

// ProbeError returns the error, if any, encountered while looking for the
// next update partition during the last Refresh.
func (c *Context) ProbeError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.probeErr
}
