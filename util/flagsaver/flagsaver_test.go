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

package flagsaver

import (
	"flag"
	"testing"
	"time"
)

var (
	intFlag      = flag.Int("int_flag", 123, "test integer flag")
	strFlag      = flag.String("str_flag", "foo", "test string flag")
	durationFlag = flag.Duration("duration_flag", 5*time.Second, "test duration flag")
)

func TestSetRestores(t *testing.T) {
	t.Run("set", func(t *testing.T) {
		Set(t, "int_flag", "666", "str_flag", "baz", "duration_flag", "1m")
		if *intFlag != 666 || *strFlag != "baz" || *durationFlag != time.Minute {
			t.Errorf("flags=%v, %q, %v; want 666, \"baz\", 1m0s", *intFlag, *strFlag, *durationFlag)
		}
	})
	if *intFlag != 123 || *strFlag != "foo" || *durationFlag != 5*time.Second {
		t.Errorf("restored flags=%v, %q, %v; want 123, \"foo\", 5s", *intFlag, *strFlag, *durationFlag)
	}
}
