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
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	otaPrometheusMetrics sync.Once

	otaBytesFlushed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "armored_witness",
			Subsystem: "ota",
			Name:      "bytes_flushed_total",
			Help:      "Number of image bytes written to flash by update sessions.",
		})
	otaSessionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "armored_witness",
			Subsystem: "ota",
			Name:      "sessions_closed_total",
			Help:      "Number of update sessions closed, by result.",
		},
		[]string{"result"})
	otaSessionCloseDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "armored_witness",
			Subsystem: "ota",
			Name:      "session_close_duration_seconds",
			Help:      "Time taken to flush, check and verify an update session on close.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		})
	otaBootCommits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "armored_witness",
			Subsystem: "ota",
			Name:      "boot_commits_total",
			Help:      "Number of attempts to select a newly written partition for boot, by result.",
		},
		[]string{"result"})
	otaRollbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "armored_witness",
			Subsystem: "ota",
			Name:      "forced_rollbacks_total",
			Help:      "Number of forced rollbacks to a previous partition.",
		})
)

func registerMetrics() {
	otaPrometheusMetrics.Do(func() {
		prometheus.MustRegister(otaBytesFlushed)
		prometheus.MustRegister(otaSessionsClosed)
		prometheus.MustRegister(otaSessionCloseDurationSeconds)
		prometheus.MustRegister(otaBootCommits)
		prometheus.MustRegister(otaRollbacks)
	})
}

// resultLabel classifies err for the result metric label.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrLengthMismatch):
		return "length_mismatch"
	case errors.Is(err, ErrDigestMismatch):
		return "digest_mismatch"
	case errors.Is(err, ErrVerifyMismatch):
		return "verify_mismatch"
	}
	return "error"
}
