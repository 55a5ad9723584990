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

// Package opencensus enables tracing of admission checks with OpenCensus.
package opencensus

import (
	"context"

	"github.com/quotagate/quotagate/monitoring"
	"go.opencensus.io/trace"
)

// StartSpan starts an OpenCensus span named name.
func StartSpan(ctx context.Context, name string) (context.Context, func()) {
	ctx, span := trace.StartSpan(ctx, name)
	return ctx, span.End
}

// EnableTracing installs OpenCensus as the tracing implementation behind
// monitoring.StartSpan, sampling the given fraction of checks.
func EnableTracing(fraction float64) {
	trace.ApplyConfig(trace.Config{DefaultSampler: trace.ProbabilitySampler(fraction)})
	monitoring.SetStartSpanFunc(StartSpan)
}
