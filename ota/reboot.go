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
	"context"
	"time"

	"k8s.io/klog/v2"
)

// DefaultRebootSeconds is the default reboot countdown.
const DefaultRebootSeconds = 10

// Rebooter resets the platform after a countdown.
type Rebooter struct {
	// Seconds is the length of the countdown.
	Seconds int
	// Tick is the duration of one countdown second; zero means time.Second.
	Tick time.Duration
	// Reset resets the platform.
	Reset func() error
}

// NewRebooter returns a Rebooter with the default countdown.
func NewRebooter(reset func() error) *Rebooter {
	return &Rebooter{Seconds: DefaultRebootSeconds, Reset: reset}
}

// Run counts down and then resets the platform. Cancelling ctx during the
// countdown aborts the reboot and returns the context error.
func (r *Rebooter) Run(ctx context.Context) error {
	tick := r.Tick
	if tick == 0 {
		tick = time.Second
	}
	t := time.NewTicker(tick)
	defer t.Stop()
	for i := r.Seconds; i > 0; i-- {
		klog.Infof("Rebooting in %2d seconds (cancel to abort)", i)
		select {
		case <-ctx.Done():
			klog.Infof("Reboot cancelled")
			return ctx.Err()
		case <-t.C:
		}
	}
	klog.Infof("Rebooting")
	return r.Reset()
}
