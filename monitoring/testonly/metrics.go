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

// Package testonly contains shared checks for MetricFactory implementations.
package testonly

import (
	"testing"

	"github.com/quotagate/quotagate/monitoring"
)

var labelCases = []struct {
	name       string
	labelNames []string
	labelVals  []string
}{
	{name: "0", labelNames: nil, labelVals: nil},
	{name: "1", labelNames: []string{"key1"}, labelVals: []string{"val1"}},
	{name: "2", labelNames: []string{"key1", "key2"}, labelVals: []string{"val1", "val2"}},
}

// TestCounter runs a test on a Counter produced from the provided MetricFactory.
func TestCounter(t *testing.T, factory monitoring.MetricFactory) {
	t.Helper()
	for _, test := range labelCases {
		counter := factory.NewCounter("counter"+test.name, "Test only", test.labelNames...)
		if got, want := counter.Value(test.labelVals...), 0.0; got != want {
			t.Errorf("counter%s[%v].Value()=%v; want %v", test.name, test.labelVals, got, want)
		}
		counter.Inc(test.labelVals...)
		counter.Add(2.5, test.labelVals...)
		if got, want := counter.Value(test.labelVals...), 3.5; got != want {
			t.Errorf("counter%s[%v].Value()=%v; want %v", test.name, test.labelVals, got, want)
		}
		bogus := append(append([]string{}, test.labelVals...), "bogus")
		counter.Inc(bogus...)
		if got, want := counter.Value(bogus...), 0.0; got != want {
			t.Errorf("counter%s[%v].Value()=%v; want %v", test.name, bogus, got, want)
		}
		if got, want := counter.Value(test.labelVals...), 3.5; got != want {
			t.Errorf("counter%s[%v].Value() after bad labels=%v; want %v", test.name, test.labelVals, got, want)
		}
	}
}

// TestGauge runs a test on a Gauge produced from the provided MetricFactory.
func TestGauge(t *testing.T, factory monitoring.MetricFactory) {
	t.Helper()
	for _, test := range labelCases {
		gauge := factory.NewGauge("gauge"+test.name, "Test only", test.labelNames...)
		gauge.Inc(test.labelVals...)
		gauge.Inc(test.labelVals...)
		gauge.Dec(test.labelVals...)
		gauge.Add(1.5, test.labelVals...)
		if got, want := gauge.Value(test.labelVals...), 2.5; got != want {
			t.Errorf("gauge%s[%v].Value()=%v; want %v", test.name, test.labelVals, got, want)
		}
		gauge.Set(42, test.labelVals...)
		if got, want := gauge.Value(test.labelVals...), 42.0; got != want {
			t.Errorf("gauge%s[%v].Value() after Set=%v; want %v", test.name, test.labelVals, got, want)
		}
	}
}

// TestHistogram runs a test on a Histogram produced from the provided
// MetricFactory.
func TestHistogram(t *testing.T, factory monitoring.MetricFactory) {
	t.Helper()
	for _, test := range labelCases {
		hist := factory.NewHistogram("histogram"+test.name, "Test only", test.labelNames...)
		if count, sum := hist.Info(test.labelVals...); count != 0 || sum != 0 {
			t.Errorf("histogram%s[%v].Info()=%d,%v; want 0,0", test.name, test.labelVals, count, sum)
		}
		hist.Observe(0.5, test.labelVals...)
		hist.Observe(2, test.labelVals...)
		if count, sum := hist.Info(test.labelVals...); count != 2 || sum != 2.5 {
			t.Errorf("histogram%s[%v].Info()=%d,%v; want 2,2.5", test.name, test.labelVals, count, sum)
		}
	}
}
