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

package quota

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// DefaultWindow is how long a bucket lives before it is reset to full,
// regardless of the rate it refills at.
const DefaultWindow = time.Hour

// State is the persisted state of a token bucket.
type State struct {
	// Tokens currently available, always within [0, burst].
	Tokens float64
	// LastRefill is the instant refill was last accounted up to.
	LastRefill time.Time
	// WindowReset is when the bucket is next reset to full.
	WindowReset time.Time
}

// Params describes how a bucket behaves.
type Params struct {
	// Limit is the nominal limit reported to callers.
	Limit int
	// Burst is the bucket capacity.
	Burst int
	// RefillPerSecond is the number of tokens added per elapsed second.
	RefillPerSecond float64
	// Window is the bucket reset period. Zero means DefaultWindow.
	Window time.Duration
}

// WindowLength returns the bucket reset period.
func (p Params) WindowLength() time.Duration {
	if p.Window <= 0 {
		return DefaultWindow
	}
	return p.Window
}

// Validate checks that the bucket can admit at least one request.
func (p Params) Validate() error {
	switch {
	case p.Burst < 1:
		return fmt.Errorf("burst must be positive, got %d", p.Burst)
	case !(p.RefillPerSecond > 0) || math.IsInf(p.RefillPerSecond, 0):
		return fmt.Errorf("refill rate must be positive and finite, got %v", p.RefillPerSecond)
	case p.Limit < 0:
		return errors.New("limit must not be negative")
	}
	return nil
}

// Result is the outcome of a single check against a bucket.
type Result struct {
	Allowed   bool
	Remaining int
	Limit     int
	ResetAt   time.Time
	// RetryAfter is only set for denied checks.
	RetryAfter time.Duration
	// Backend names the store that decided the check.
	Backend string
}

// Fresh returns a full bucket whose window starts at now.
func Fresh(now time.Time, p Params) State {
	return State{
		Tokens:      float64(p.Burst),
		LastRefill:  now,
		WindowReset: now.Add(p.WindowLength()),
	}
}

// Take performs one admission check at instant now against the bucket state
// cur (found is false when no state was stored). It returns the state to
// persist and the outcome. At most one token is consumed, and only when the
// check is allowed.
//
// Refill adds whole tokens only and LastRefill always moves to now, so any
// fractional refill is discarded.
func Take(cur State, found bool, now time.Time, p Params) (State, Result) {
	burst := float64(p.Burst)
	next := cur
	switch {
	case !found, now.After(cur.WindowReset):
		next = Fresh(now, p)
	default:
		next.Tokens = math.Min(math.Max(next.Tokens, 0), burst)
		elapsed := now.Sub(next.LastRefill).Seconds()
		if elapsed < 0 {
			elapsed = 0
		}
		next.Tokens = math.Min(burst, next.Tokens+math.Floor(elapsed*p.RefillPerSecond))
		next.LastRefill = now
	}

	allowed := next.Tokens >= 1
	if allowed {
		next.Tokens--
	}
	return next, NewResult(next.Tokens, allowed, next.WindowReset, p)
}

// NewResult builds the outcome of a check that left tokens in a bucket
// resetting at resetAt.
func NewResult(tokens float64, allowed bool, resetAt time.Time, p Params) Result {
	res := Result{
		Allowed:   allowed,
		Remaining: int(math.Floor(tokens)),
		Limit:     p.Limit,
		ResetAt:   resetAt,
	}
	if !allowed {
		wait := math.Ceil((1 - tokens) / p.RefillPerSecond)
		if wait < 1 {
			wait = 1
		}
		res.RetryAfter = time.Duration(wait) * time.Second
	}
	return res
}
