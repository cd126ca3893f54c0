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
	"errors"
	"testing"
	"time"
)

func TestRebooter(t *testing.T) {
	boom := errors.New("watchdog not armed")
	for _, test := range []struct {
		name      string
		seconds   int
		tick      time.Duration
		cancel    bool
		resetErr  error
		wantReset bool
		wantErr   error
	}{
		{name: "countdown", seconds: 3, tick: time.Millisecond, wantReset: true},
		{name: "immediate", seconds: 0, tick: time.Hour, wantReset: true},
		{name: "reset fails", seconds: 1, tick: time.Millisecond, resetErr: boom, wantReset: true, wantErr: boom},
		{name: "cancelled", seconds: 3, tick: time.Hour, cancel: true, wantErr: context.Canceled},
	} {
		t.Run(test.name, func(t *testing.T) {
			var resets int
			r := &Rebooter{Seconds: test.seconds, Tick: test.tick, Reset: func() error {
				resets++
				return test.resetErr
			}}
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if test.cancel {
				cancel()
			}
			if err := r.Run(ctx); !errors.Is(err, test.wantErr) {
				t.Fatalf("Got %v, want %v", err, test.wantErr)
			}
			if got := resets > 0; got != test.wantReset {
				t.Errorf("Got %d resets, wantReset %t", resets, test.wantReset)
			}
		})
	}
}

func TestNewRebooter(t *testing.T) {
	r := NewRebooter(func() error { return nil })
	if r.Seconds != DefaultRebootSeconds {
		t.Errorf("Got %d second countdown, want %d", r.Seconds, DefaultRebootSeconds)
	}
}
