// Copyright 2026 The Fleetrun Authors
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

package runner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	runsStarted    prometheus.Counter
	runsCompleted  *prometheus.CounterVec
	deviceOutcomes *prometheus.CounterVec
	retries        prometheus.Counter
	runDuration    prometheus.Histogram
	activeRuns     prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		runsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleetrun_runs_started_total",
			Help: "Service runs started.",
		}),
		runsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetrun_runs_completed_total",
			Help: "Service runs completed, by final status.",
		}, []string{"status"}),
		deviceOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetrun_device_outcomes_total",
			Help: "Per-device outcomes, by result.",
		}, []string{"outcome"}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleetrun_retries_total",
			Help: "Retry attempts beyond the first, across all runs.",
		}),
		runDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleetrun_run_duration_seconds",
			Help:    "Wall time of completed runs.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		activeRuns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fleetrun_active_runs",
			Help: "Runs currently in flight.",
		}),
	}
}
