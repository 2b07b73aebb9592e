// Copyright 2021 FerretDB Inc.
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

package aggregations

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Parts of Prometheus metric names.
const (
	namespace = "ferretdb"
	subsystem = "aggregations"
)

// FeatureCounter records usage of stages, operators, and their modes.
type FeatureCounter interface {
	// Inc increments the counter for the given feature (for example, "$merge", "whenMatched.replace").
	Inc(stage, feature string)
}

// FeatureCounters is a [FeatureCounter] backed by a Prometheus counter vector.
type FeatureCounters struct {
	features *prometheus.CounterVec
}

// NewFeatureCounters creates new feature counters.
func NewFeatureCounters() *FeatureCounters {
	return &FeatureCounters{
		features: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "features_total",
				Help:      "Total number of aggregation features used.",
			},
			[]string{"stage", "feature"},
		),
	}
}

// Inc implements [FeatureCounter].
func (fc *FeatureCounters) Inc(stage, feature string) {
	fc.features.WithLabelValues(stage, feature).Inc()
}

// Describe implements [prometheus.Collector].
func (fc *FeatureCounters) Describe(ch chan<- *prometheus.Desc) {
	fc.features.Describe(ch)
}

// Collect implements [prometheus.Collector].
func (fc *FeatureCounters) Collect(ch chan<- prometheus.Metric) {
	fc.features.Collect(ch)
}

// noopCounter is a [FeatureCounter] that does nothing.
type noopCounter struct{}

// Inc implements [FeatureCounter].
func (noopCounter) Inc(string, string) {}

// NoopFeatureCounter returns a [FeatureCounter] that does nothing.
func NoopFeatureCounter() FeatureCounter {
	return noopCounter{}
}

// check interfaces
var (
	_ FeatureCounter       = (*FeatureCounters)(nil)
	_ prometheus.Collector = (*FeatureCounters)(nil)
	_ FeatureCounter       = noopCounter{}
)
