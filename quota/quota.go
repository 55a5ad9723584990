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

// Package quota defines the token buckets behind admission decisions and
// the engine that keeps them, either in a shared remote store or in process.
package quota

import (
	"fmt"
	"net/url"
)

// MaxTokens is the maximum number of available tokens a quota may have.
const MaxTokens = int(^uint(0) >> 1) // MaxInt

// Group represents the subject a bucket is charged to.
type Group int

const (
	// User is the per-user scope. Users are always scoped to their tenant.
	User Group = iota

	// Tenant is the per-tenant scope, used when a request carries no user.
	Tenant

	// TenantAggregate is the tenant-wide ceiling shared by every user of a
	// tenant.
	TenantAggregate
)

// Window is the period a bucket's nominal limit refers to.
type Window int

const (
	// Minute buckets are refilled at requests-per-minute.
	Minute Window = iota

	// Hour buckets are refilled at requests-per-hour.
	Hour
)

func (w Window) String() string {
	switch w {
	case Minute:
		return "minute"
	case Hour:
		return "hour"
	}
	return fmt.Sprintf("window(%d)", int(w))
}

// Spec identifies a single bucket.
type Spec struct {
	// Group of the spec.
	Group

	// Window of the spec.
	Window

	// TenantID is required for every group.
	TenantID string

	// UserID is only used by the User group.
	UserID string
}

// Name returns a textual representation of the Spec, which is also the
// bucket's storage key. Examples:
//
//	"tenants/acme/users/alice/minute"
//	"tenants/acme/hour"
//	"aggregate/acme/hour"
func (s Spec) Name() string {
	tenant := url.PathEscape(s.TenantID)
	switch s.Group {
	case User:
		return fmt.Sprintf("tenants/%s/users/%s/%s", tenant, url.PathEscape(s.UserID), s.Window)
	case Tenant:
		return fmt.Sprintf("tenants/%s/%s", tenant, s.Window)
	case TenantAggregate:
		return fmt.Sprintf("aggregate/%s/%s", tenant, s.Window)
	}
	return fmt.Sprintf("unknown(%d)/%s/%s", int(s.Group), tenant, s.Window)
}

// String returns a description of the Spec.
func (s Spec) String() string {
	return s.Name()
}
