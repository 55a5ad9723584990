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

package cmd

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
)

func TestParseFlags(t *testing.T) {
	var a, b string
	flag.StringVar(&a, "a", "", "")
	flag.StringVar(&b, "b", "", "")

	flag.CommandLine.Init(os.Args[0], flag.ContinueOnError)

	tests := []struct {
		desc      string
		contents  string
		env       map[string]string
		cliArgs   []string
		wantErr   string
		expectedA string
		expectedB string
	}{
		{
			desc:      "two flags per line",
			contents:  "-a one -b two",
			expectedA: "one",
			expectedB: "two",
		},
		{
			desc:      "one flag per line",
			contents:  "-a one\n-b two",
			expectedA: "one",
			expectedB: "two",
		},
		{
			desc:      "quoted value",
			contents:  "-a 'one two'\n-b \"three four\"",
			expectedA: "one two",
			expectedB: "three four",
		},
		{
			desc:      "one flag in file, one flag on command-line",
			contents:  "-a one",
			cliArgs:   []string{"-b", "two"},
			expectedA: "one",
			expectedB: "two",
		},
		{
			desc:      "two flags, one overridden by command-line",
			contents:  "-a one\n-b two",
			cliArgs:   []string{"-b", "three"},
			expectedA: "one",
			expectedB: "three",
		},
		{
			desc:      "two flags, one using an environment variable",
			contents:  "-a one\n-b $QUOTAGATE_TEST_VAR",
			env:       map[string]string{"QUOTAGATE_TEST_VAR": "from env"},
			expectedA: "one",
			expectedB: "from env",
		},
		{
			desc:     "unbalanced quotes",
			contents: "-a 'one",
			wantErr:  "flag file has unbalanced quotes",
		},
		{
			desc:     "three flags, one undefined",
			contents: "-a one -b two -c three",
			wantErr:  "flag provided but not defined: -c",
		},
	}

	initialArgs := os.Args[:1]
	defer func() { os.Args = initialArgs }()
	for _, tc := range tests {
		t.Run(tc.desc, func(t *testing.T) {
			a, b = "", ""
			os.Args = append(append([]string{}, initialArgs...), tc.cliArgs...)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			err := parseFlags(tc.contents)
			if tc.wantErr != "" {
				if err == nil || err.Error() != tc.wantErr {
					t.Fatalf("parseFlags()=%v, want %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseFlags()=%v", err)
			}
			if tc.expectedA != a {
				t.Errorf("flag 'a' not properly set: got %q, want %q", a, tc.expectedA)
			}
			if tc.expectedB != b {
				t.Errorf("flag 'b' not properly set: got %q, want %q", b, tc.expectedB)
			}
		})
	}
}

func TestParseFlagFileMissing(t *testing.T) {
	if err := ParseFlagFile(filepath.Join(t.TempDir(), "missing.cfg")); err == nil {
		t.Error("ParseFlagFile() of a missing file: got nil err")
	}
}
