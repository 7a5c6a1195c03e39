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

package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type relayMetrics struct {
	clients  prometheus.Gauge
	dropped  prometheus.Counter
	messages *prometheus.CounterVec
}

func (r *Relay) initMetrics(promRegistry prometheus.Registerer) {
	promautoFactory := promauto.With(promRegistry)
	r.metrics = &relayMetrics{
		clients: promautoFactory.NewGauge(prometheus.GaugeOpts{
			Name: "gipe_relay_clients",
			Help: "connected real-time clients",
		}),
		dropped: promautoFactory.NewCounter(prometheus.CounterOpts{
			Name: "gipe_relay_dropped_clients_total",
			Help: "clients disconnected for falling behind",
		}),
		messages: promautoFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gipe_relay_messages_total",
				Help: "messages queued to clients by type",
			},
			[]string{"type"},
		),
	}
}
