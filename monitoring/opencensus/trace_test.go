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

package opencensus

import (
	"context"
	"testing"

	"go.opencensus.io/trace"
)

func TestStartSpan(t *testing.T) {
	ctx, end := StartSpan(context.Background(), "admission.check")
	defer end()
	if trace.FromContext(ctx) == nil {
		t.Fatal("StartSpan() returned a context without a span")
	}
}
