//go:build tools

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

// Package tools tracks dependencies on binaries not otherwise referenced in
// the codebase: mockgen for the generated mocks, and etcd with etcdctl for
// running the etcd configuration store locally.
package tools

import (
	_ "github.com/golang/mock/mockgen"
	_ "go.etcd.io/etcd/etcdctl/v3"
	_ "go.etcd.io/etcd/v3"
)
