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

// Package rules resolves the admission rule that governs a request.
//
// A rule is scoped by any combination of tenant, user and endpoint, or is a
// global default for a tier. For a request the candidate rules are those
// matching one of six patterns, from the most to the least specific:
//
//  1. tenant, user and endpoint
//  2. tenant and endpoint, for any user
//  3. tenant and user, for any endpoint
//  4. tenant only
//  5. endpoint only, for any tenant
//  6. the default of the request's tier
//
// The effective rule is the candidate with the highest priority, then the
// most recently created, then the most specific, then the lowest ID.
package rules

import (
	"fmt"
	"time"

	"github.com/quotagate/quotagate/tier"
)

// Rule is an admission rule. Empty scope fields and tier.Unknown mean the
// field is unset.
type Rule struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Tier              tier.Name `json:"tier,omitempty"`
	TenantID          string    `json:"tenantId,omitempty"`
	UserID            string    `json:"userId,omitempty"`
	Endpoint          string    `json:"endpoint,omitempty"`
	RequestsPerHour   int       `json:"requestsPerHour"`
	RequestsPerMinute int       `json:"requestsPerMinute"`
	BurstLimit        int       `json:"burstLimit"`
	Enabled           bool      `json:"enabled"`
	Priority          int       `json:"priority"`
	CreatedAt         time.Time `json:"createdAt"`
}

// Validate checks the rule can be enforced.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule has no ID")
	}
	if r.RequestsPerHour <= 0 || r.RequestsPerMinute <= 0 || r.BurstLimit <= 0 {
		return fmt.Errorf("rule %s: limits must be positive", r.ID)
	}
	if r.TenantID == "" && r.UserID != "" {
		return fmt.Errorf("rule %s: a user scope needs a tenant scope", r.ID)
	}
	if r.TenantID == "" && r.UserID == "" && r.Endpoint == "" && r.Tier == tier.Unknown {
		return fmt.Errorf("rule %s: a global rule needs an endpoint or a tier", r.ID)
	}
	return nil
}

// Query identifies the request a rule is resolved for.
type Query struct {
	TenantID string
	UserID   string
	Endpoint string
	Tier     tier.Name
}

func (q Query) cacheKey() string {
	return fmt.Sprintf("%q/%q/%q/%d", q.TenantID, q.UserID, q.Endpoint, q.Tier)
}

// Pattern is the way a rule matches a query.
type Pattern int

// Patterns, from the most to the least specific.
const (
	NoMatch Pattern = iota
	TenantUserEndpoint
	TenantEndpoint
	TenantUser
	TenantOnly
	GlobalEndpoint
	GlobalTier
)

// Match returns the pattern under which r applies to q. Disabled rules never
// match.
func (r *Rule) Match(q Query) Pattern {
	if !r.Enabled {
		return NoMatch
	}
	if r.TenantID != "" {
		if r.TenantID != q.TenantID {
			return NoMatch
		}
		switch {
		case r.UserID != "" && r.Endpoint != "":
			if r.UserID == q.UserID && r.Endpoint == q.Endpoint {
				return TenantUserEndpoint
			}
		case r.Endpoint != "":
			if r.Endpoint == q.Endpoint {
				return TenantEndpoint
			}
		case r.UserID != "":
			if r.UserID == q.UserID {
				return TenantUser
			}
		default:
			return TenantOnly
		}
		return NoMatch
	}
	if r.UserID != "" {
		return NoMatch
	}
	if r.Endpoint != "" {
		if r.Endpoint == q.Endpoint {
			return GlobalEndpoint
		}
		return NoMatch
	}
	if r.Tier != tier.Unknown && r.Tier == q.Tier {
		return GlobalTier
	}
	return NoMatch
}

// Specificity is the number of scope fields set on r.
func (r *Rule) Specificity() int {
	n := 0
	for _, f := range []string{r.TenantID, r.UserID, r.Endpoint} {
		if f != "" {
			n++
		}
	}
	return n
}

// Precedes reports whether a takes precedence over b.
func Precedes(a, b *Rule) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	if sa, sb := a.Specificity(), b.Specificity(); sa != sb {
		return sa > sb
	}
	return a.ID < b.ID
}

// Select returns the effective rule for q among candidates, or nil.
func Select(candidates []*Rule, q Query) *Rule {
	var best *Rule
	for _, r := range candidates {
		if r.Match(q) == NoMatch {
			continue
		}
		if best == nil || Precedes(r, best) {
			best = r
		}
	}
	return best
}

// TierDefaults returns one enabled global default rule per tier of the
// catalog, created at createdAt with priority 0.
func TierDefaults(c *tier.Catalog, createdAt time.Time) []*Rule {
	var ret []*Rule
	for _, t := range c.Tiers() {
		ret = append(ret, &Rule{
			ID:                "tier-default-" + t.Name.String(),
			Name:              fmt.Sprintf("Default limits of the %s tier", t.Name),
			Tier:              t.Name,
			RequestsPerHour:   t.RequestsPerHour,
			RequestsPerMinute: t.RequestsPerMinute,
			BurstLimit:        t.BurstLimit,
			Enabled:           true,
			CreatedAt:         createdAt,
		})
	}
	return ret
}
