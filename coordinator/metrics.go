// Copyright 2025 Blink Labs Software
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

package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type coordinatorMetrics struct {
	mutations     *prometheus.CounterVec
	chainEvents   *prometheus.CounterVec
	tampered      prometheus.Counter
	pending       prometheus.Gauge
	sweepRescored prometheus.Counter
	sweepDuration prometheus.Histogram
}

func (c *Coordinator) initMetrics(promRegistry prometheus.Registerer) {
	promautoFactory := promauto.With(promRegistry)
	c.metrics = &coordinatorMetrics{
		mutations: promautoFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gipe_coordinator_mutations_total",
				Help: "grievance mutations handled by result",
			},
			[]string{"result"},
		),
		chainEvents: promautoFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gipe_coordinator_chain_events_total",
				Help: "ledger events handled by result",
			},
			[]string{"result"},
		),
		tampered: promautoFactory.NewCounter(prometheus.CounterOpts{
			Name: "gipe_coordinator_tamper_detected_total",
			Help: "content checks that did not match the anchored digest",
		}),
		pending: promautoFactory.NewGauge(prometheus.GaugeOpts{
			Name: "gipe_coordinator_pending_subjects",
			Help: "content hashes with ledger events waiting for an integrity record",
		}),
		sweepRescored: promautoFactory.NewCounter(prometheus.CounterOpts{
			Name: "gipe_coordinator_sweep_rescored_total",
			Help: "grievances rescored by periodic sweeps",
		}),
		sweepDuration: promautoFactory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gipe_coordinator_sweep_duration_seconds",
			Help:    "duration of periodic priority sweeps",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (c *Coordinator) countMutation(result string) {
	if c.metrics != nil {
		c.metrics.mutations.WithLabelValues(result).Inc()
	}
}

func (c *Coordinator) countChainEvent(result string) {
	if c.metrics != nil {
		c.metrics.chainEvents.WithLabelValues(result).Inc()
	}
}

func (c *Coordinator) countTampered() {
	if c.metrics != nil {
		c.metrics.tampered.Inc()
	}
}

func (c *Coordinator) updatePendingGauge() {
	if c.metrics != nil {
		c.metrics.pending.Set(float64(c.pending.size()))
	}
}
