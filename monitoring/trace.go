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

package monitoring

import (
	"context"
	"sync"
)

// StartSpanFunc starts a tracing span named name as a child of any span in
// ctx. It returns the derived context and a function that ends the span.
type StartSpanFunc func(ctx context.Context, name string) (context.Context, func())

var (
	spanOnce  sync.Once
	startSpan StartSpanFunc = func(ctx context.Context, _ string) (context.Context, func()) { return ctx, func() {} }
)

// SetStartSpanFunc installs the tracing implementation used by StartSpan.
// Only the first call has any effect.
func SetStartSpanFunc(s StartSpanFunc) {
	spanOnce.Do(func() {
		startSpan = s
	})
}

// StartSpan starts a span using the installed tracing implementation. Without
// one it is a no-op.
func StartSpan(ctx context.Context, name string) (context.Context, func()) {
	return startSpan(ctx, name)
}
