// Copyright 2026 Google LLC. All Rights Reserved.
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

// Package prometheus provides a Prometheus-based implementation of the
// MetricFactory abstraction.
package prometheus

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/quotagate/quotagate/monitoring"
	"k8s.io/klog/v2"
)

// MetricFactory allows the creation of Prometheus-based metrics. Metrics are
// registered with Registerer, or with the default Prometheus registry when it
// is nil.
type MetricFactory struct {
	Prefix     string
	Registerer prometheus.Registerer
}

func (pmf MetricFactory) register(c prometheus.Collector) {
	reg := pmf.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(c)
}

// NewCounter creates a new Counter object backed by Prometheus.
func (pmf MetricFactory) NewCounter(name, help string, labelNames ...string) monitoring.Counter {
	opts := prometheus.CounterOpts{Name: pmf.Prefix + name, Help: help}
	if len(labelNames) == 0 {
		c := prometheus.NewCounter(opts)
		pmf.register(c)
		return &Counter{single: c}
	}
	vec := prometheus.NewCounterVec(opts, labelNames)
	pmf.register(vec)
	return &Counter{labelNames: labelNames, vec: vec}
}

// NewGauge creates a new Gauge object backed by Prometheus.
func (pmf MetricFactory) NewGauge(name, help string, labelNames ...string) monitoring.Gauge {
	opts := prometheus.GaugeOpts{Name: pmf.Prefix + name, Help: help}
	if len(labelNames) == 0 {
		g := prometheus.NewGauge(opts)
		pmf.register(g)
		return &Gauge{single: g}
	}
	vec := prometheus.NewGaugeVec(opts, labelNames)
	pmf.register(vec)
	return &Gauge{labelNames: labelNames, vec: vec}
}

// NewHistogram creates a new Histogram object backed by Prometheus, using
// monitoring.LatencyBuckets.
func (pmf MetricFactory) NewHistogram(name, help string, labelNames ...string) monitoring.Histogram {
	opts := prometheus.HistogramOpts{Name: pmf.Prefix + name, Help: help, Buckets: monitoring.LatencyBuckets}
	if len(labelNames) == 0 {
		h := prometheus.NewHistogram(opts)
		pmf.register(h)
		return &Histogram{single: h}
	}
	vec := prometheus.NewHistogramVec(opts, labelNames)
	pmf.register(vec)
	return &Histogram{labelNames: labelNames, vec: vec}
}

// Counter is a wrapper around a Prometheus Counter or CounterVec object.
type Counter struct {
	labelNames []string
	single     prometheus.Counter
	vec        *prometheus.CounterVec
}

func (m *Counter) get(labelVals []string) (prometheus.Counter, bool) {
	labels, err := labelsFor(m.labelNames, labelVals)
	if err != nil {
		klog.Error(err)
		return nil, false
	}
	if m.vec != nil {
		return m.vec.With(labels), true
	}
	return m.single, true
}

// Inc adds 1 to a counter.
func (m *Counter) Inc(labelVals ...string) {
	if c, ok := m.get(labelVals); ok {
		c.Inc()
	}
}

// Add adds the given amount to a counter.
func (m *Counter) Add(val float64, labelVals ...string) {
	if c, ok := m.get(labelVals); ok {
		c.Add(val)
	}
}

// Value returns the current amount of a counter.
func (m *Counter) Value(labelVals ...string) float64 {
	c, ok := m.get(labelVals)
	if !ok {
		return 0
	}
	pb, err := written(c)
	if err != nil || pb.Counter == nil {
		klog.Errorf("counter value unavailable: %v", err)
		return 0
	}
	return pb.Counter.GetValue()
}

// Gauge is a wrapper around a Prometheus Gauge or GaugeVec object.
type Gauge struct {
	labelNames []string
	single     prometheus.Gauge
	vec        *prometheus.GaugeVec
}

func (m *Gauge) get(labelVals []string) (prometheus.Gauge, bool) {
	labels, err := labelsFor(m.labelNames, labelVals)
	if err != nil {
		klog.Error(err)
		return nil, false
	}
	if m.vec != nil {
		return m.vec.With(labels), true
	}
	return m.single, true
}

// Inc adds 1 to a gauge.
func (m *Gauge) Inc(labelVals ...string) {
	if g, ok := m.get(labelVals); ok {
		g.Inc()
	}
}

// Dec subtracts 1 from a gauge.
func (m *Gauge) Dec(labelVals ...string) {
	if g, ok := m.get(labelVals); ok {
		g.Dec()
	}
}

// Add adds given value to a gauge.
func (m *Gauge) Add(val float64, labelVals ...string) {
	if g, ok := m.get(labelVals); ok {
		g.Add(val)
	}
}

// Set sets the value of a gauge.
func (m *Gauge) Set(val float64, labelVals ...string) {
	if g, ok := m.get(labelVals); ok {
		g.Set(val)
	}
}

// Value returns the current amount of a gauge.
func (m *Gauge) Value(labelVals ...string) float64 {
	g, ok := m.get(labelVals)
	if !ok {
		return 0
	}
	pb, err := written(g)
	if err != nil || pb.Gauge == nil {
		klog.Errorf("gauge value unavailable: %v", err)
		return 0
	}
	return pb.Gauge.GetValue()
}

// Histogram is a wrapper around a Prometheus Histogram or HistogramVec object.
type Histogram struct {
	labelNames []string
	single     prometheus.Histogram
	vec        *prometheus.HistogramVec
}

func (m *Histogram) get(labelVals []string) (prometheus.Histogram, bool) {
	labels, err := labelsFor(m.labelNames, labelVals)
	if err != nil {
		klog.Error(err)
		return nil, false
	}
	if m.vec != nil {
		return m.vec.With(labels).(prometheus.Histogram), true
	}
	return m.single, true
}

// Observe adds a single observation to the histogram.
func (m *Histogram) Observe(val float64, labelVals ...string) {
	if h, ok := m.get(labelVals); ok {
		h.Observe(val)
	}
}

// Info returns the count and sum of observations for the histogram.
func (m *Histogram) Info(labelVals ...string) (uint64, float64) {
	h, ok := m.get(labelVals)
	if !ok {
		return 0, 0
	}
	pb, err := written(h)
	if err != nil || pb.Histogram == nil {
		klog.Errorf("histogram value unavailable: %v", err)
		return 0, 0
	}
	return pb.Histogram.GetSampleCount(), pb.Histogram.GetSampleSum()
}

func written(m prometheus.Metric) (*dto.Metric, error) {
	var pb dto.Metric
	if err := m.Write(&pb); err != nil {
		return nil, err
	}
	return &pb, nil
}

func labelsFor(names, values []string) (prometheus.Labels, error) {
	if len(names) != len(values) {
		return nil, fmt.Errorf("got %d (%v) values for %d labels (%v)", len(values), values, len(names), names)
	}
	if len(names) == 0 {
		return nil, nil
	}
	labels := make(prometheus.Labels, len(names))
	for i, name := range names {
		labels[name] = values[i]
	}
	return labels, nil
}
