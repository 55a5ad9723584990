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
	"context"
	"errors"
	"time"
)

// ErrContention is returned by a Store whose Update gave up after losing
// every race for a key. The store itself is healthy.
var ErrContention = errors.New("too much contention on bucket")

// UpdateFunc computes the next state of a bucket from its current state.
// found is false when the store holds no live state for the key. It may be
// called more than once per Update; only the state returned by the last call
// is persisted.
type UpdateFunc func(cur State, found bool) State

// Store keeps bucket state. Implementations must make Update atomic per key:
// no two concurrent Updates on a key may observe the same state.
type Store interface {
	// Update loads the state stored under key, applies fn and persists the
	// result with the given time-to-live.
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error
}

// Prober is implemented by stores whose availability can be checked cheaply.
type Prober interface {
	Ping(ctx context.Context) error
}

// Taker is implemented by stores that run Take atomically next to the data,
// in a single round trip. The Engine prefers it over Update.
type Taker interface {
	Take(ctx context.Context, key string, now time.Time, p Params) (Result, error)
}
