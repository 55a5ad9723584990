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

// Package flagsaver sets command-line flags for the duration of a test.
//
// Example:
//
//	func TestProvider(t *testing.T) {
//		flagsaver.Set(t, "etcd_servers", addr)
//		// Test code reading the flag
//	} // flags are reset to their original values here.
package flagsaver

import (
	"flag"
	"testing"
)

// Set sets the named flags (given as name, value pairs) and restores their
// previous values when t finishes. It fails t if a flag does not exist or
// rejects its value.
func Set(t testing.TB, nameValues ...string) {
	t.Helper()
	if len(nameValues)%2 != 0 {
		t.Fatalf("flagsaver.Set: odd number of arguments %q", nameValues)
	}
	for i := 0; i < len(nameValues); i += 2 {
		name, value := nameValues[i], nameValues[i+1]
		f := flag.Lookup(name)
		if f == nil {
			t.Fatalf("flagsaver.Set: no flag %q", name)
		}
		old := f.Value.String()
		if err := flag.Set(name, value); err != nil {
			t.Fatalf("flagsaver.Set(%q, %q): %v", name, value, err)
		}
		t.Cleanup(func() {
			if err := flag.Set(name, old); err != nil {
				t.Errorf("restoring flag %q to %q: %v", name, old, err)
			}
		})
	}
}
