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

package kafka

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type ingestMetrics struct {
	records *prometheus.CounterVec
}

func (c *Consumer) initMetrics(promRegistry prometheus.Registerer) {
	promautoFactory := promauto.With(promRegistry)
	c.metrics = &ingestMetrics{
		records: promautoFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gipe_ingest_records_total",
				Help: "kafka mutation records handled by result",
			},
			[]string{"result"},
		),
	}
}

func (c *Consumer) count(result string) {
	if c.metrics != nil {
		c.metrics.records.WithLabelValues(result).Inc()
	}
}
