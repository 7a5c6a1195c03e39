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

package watcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type watcherMetrics struct {
	state      prometheus.Gauge
	lastBlock  prometheus.Gauge
	events     *prometheus.CounterVec
	reconnects prometheus.Counter
}

func (w *Watcher) initMetrics(promRegistry prometheus.Registerer) {
	promautoFactory := promauto.With(promRegistry)
	w.metrics = &watcherMetrics{
		state: promautoFactory.NewGauge(prometheus.GaugeOpts{
			Name: "gipe_watcher_state",
			Help: "watcher state (0 stopped, 1 connecting, 2 listening, 3 degraded)",
		}),
		lastBlock: promautoFactory.NewGauge(prometheus.GaugeOpts{
			Name: "gipe_watcher_last_block",
			Help: "highest ledger block whose events were handled",
		}),
		events: promautoFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gipe_watcher_events_total",
				Help: "ledger logs seen by result",
			},
			[]string{"result"},
		),
		reconnects: promautoFactory.NewCounter(prometheus.CounterOpts{
			Name: "gipe_watcher_reconnects_total",
			Help: "reconnect attempts after a ledger failure",
		}),
	}
}
