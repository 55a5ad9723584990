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

package interceptor

import (
	"github.com/quotagate/quotagate/monitoring"
)

const (
	noTenantReason = "no_tenant"
	adminReason    = "admin"
	panicReason    = "panic"
)

var (
	requestCounter        monitoring.Counter
	requestSkippedCounter monitoring.Counter
	requestDeniedCounter  monitoring.Counter
	requestDryRunCounter  monitoring.Counter
)

// InitMetrics initializes the metrics on the interceptor package.
func InitMetrics(mf monitoring.MetricFactory) {
	requestCounter = mf.NewCounter("interceptor_request_count", "Total number of intercepted requests")
	requestSkippedCounter = mf.NewCounter(
		"interceptor_request_skipped_count",
		"Number of requests admitted without a check, labeled according to the reason",
		"reason")
	requestDeniedCounter = mf.NewCounter(
		"interceptor_request_denied_count",
		"Number of requests denied, labeled by tier and exhausted window",
		"tier", "window")
	requestDryRunCounter = mf.NewCounter(
		"interceptor_request_dry_run_count",
		"Number of requests that would have been denied outside of dry run mode",
		"tier")
}

func incRequestCounter() {
	if requestCounter != nil {
		requestCounter.Inc()
	}
}

func incRequestSkippedCounter(reason string) {
	if requestSkippedCounter != nil {
		requestSkippedCounter.Inc(reason)
	}
}

func incRequestDeniedCounter(tierName, window string) {
	if requestDeniedCounter != nil {
		requestDeniedCounter.Inc(tierName, window)
	}
}

func incRequestDryRunCounter(tierName string) {
	if requestDryRunCounter != nil {
		requestDryRunCounter.Inc(tierName)
	}
}
