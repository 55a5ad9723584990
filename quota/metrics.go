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

package quota

import (
	"github.com/quotagate/quotagate/monitoring"
)

// engineMetrics groups the metrics maintained by an Engine.
type engineMetrics struct {
	checks          monitoring.Counter
	checkLatency    monitoring.Histogram
	fallbacks       monitoring.Counter
	contention      monitoring.Counter
	remoteAvailable monitoring.Gauge
	probes          monitoring.Counter
}

func newEngineMetrics(mf monitoring.MetricFactory) *engineMetrics {
	if mf == nil {
		mf = monitoring.InertMetricFactory{}
	}
	return &engineMetrics{
		checks:          mf.NewCounter("quota_bucket_checks", "Number of token bucket checks by backend and outcome", "backend", "allowed"),
		checkLatency:    mf.NewHistogram("quota_bucket_check_seconds", "Latency of token bucket checks by backend", "backend"),
		fallbacks:       mf.NewCounter("quota_remote_fallbacks", "Number of checks that fell back to the local store after a remote error"),
		contention:      mf.NewCounter("quota_remote_contention", "Number of checks abandoned after losing every update race on a remote bucket"),
		remoteAvailable: mf.NewGauge("quota_remote_available", "Whether the remote bucket store is considered available (1) or not (0)"),
		probes:          mf.NewCounter("quota_remote_probes", "Number of liveness probes of the remote store by result", "success"),
	}
}
