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

// Package redistb keeps token buckets in Redis, so that every admission
// server sharing the database sees the same buckets.
package redistb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/quotagate/quotagate/quota"
	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"
)

const (
	fieldTokens      = "tokens"
	fieldLastRefill  = "last_refill"
	fieldWindowReset = "window_reset"

	// DefaultMaxRetries bounds the optimistic transaction retries of Update.
	DefaultMaxRetries = 100
)

// takeScript runs quota.Take on the bucket hash in KEYS[1].
//
//	ARGV[1] burst          ARGV[2] refill per second
//	ARGV[3] now (us)       ARGV[4] reset of a fresh bucket (us)
//	ARGV[5] ttl (ms)
//
// It returns {allowed, tokens, window_reset (us)}. Timestamps are stored as
// the strings they were passed as; Lua numbers would round them.
var takeScript = redis.NewScript(`
local vals = redis.call("HMGET", KEYS[1], "tokens", "last_refill", "window_reset")
local burst = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local tokens = tonumber(vals[1])
local last = tonumber(vals[2])
local reset = vals[3]
if tokens == nil or last == nil or tonumber(reset) == nil or now > tonumber(reset) then
  tokens = burst
  reset = ARGV[4]
else
  tokens = math.min(math.max(tokens, 0), burst)
  local elapsed = math.max(0, now - last) / 1000000
  tokens = math.min(burst, tokens + math.floor(elapsed * rate))
end
local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end
redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "last_refill", ARGV[3], "window_reset", reset)
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return {allowed, math.floor(tokens), tonumber(reset)}
`)

// RedisClient is an interface that encompasses the methods used by Store,
// and allows selecting among different Redis client implementations (regular
// Redis, Redis Cluster, universal clients).
type RedisClient interface {
	redis.Scripter
	Watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error
	Ping(ctx context.Context) *redis.StatusCmd
}

// Store is a quota.Store backed by Redis. Every bucket is a single hash.
// Take runs the whole check in one server-side script; Update applies an
// arbitrary function under WATCH / MULTI / EXEC.
type Store struct {
	c          RedisClient
	prefix     string
	maxRetries int
}

// New returns a Store that keeps buckets under keys starting with prefix.
func New(client RedisClient, prefix string) *Store {
	return &Store{c: client, prefix: prefix, maxRetries: DefaultMaxRetries}
}

// WithMaxRetries sets the number of optimistic transaction attempts per
// Update.
func (s *Store) WithMaxRetries(n int) *Store {
	if n > 0 {
		s.maxRetries = n
	}
	return s
}

// Key returns the Redis key that holds the bucket named name.
func (s *Store) Key(name string) string {
	return s.prefix + name
}

// Ping implements quota.Prober.
func (s *Store) Ping(ctx context.Context) error {
	return s.c.Ping(ctx).Err()
}

// Load preloads the check script so later calls only send its hash.
func (s *Store) Load(ctx context.Context) error {
	return takeScript.Load(ctx, s.c).Err()
}

// Take implements quota.Taker.
func (s *Store) Take(ctx context.Context, name string, now time.Time, p quota.Params) (quota.Result, error) {
	key := s.Key(name)
	vals, err := takeScript.Run(ctx, s.c, []string{key},
		p.Burst,
		strconv.FormatFloat(p.RefillPerSecond, 'g', -1, 64),
		now.UnixMicro(),
		now.Add(p.WindowLength()).UnixMicro(),
		p.WindowLength().Milliseconds(),
	).Int64Slice()
	if err != nil {
		return quota.Result{}, fmt.Errorf("redistb: take %q: %w", key, err)
	}
	if len(vals) != 3 {
		return quota.Result{}, fmt.Errorf("redistb: take %q: script returned %d values, want 3", key, len(vals))
	}
	return quota.NewResult(float64(vals[1]), vals[0] == 1, time.UnixMicro(vals[2]).UTC(), p), nil
}

// Update implements quota.Store. It returns quota.ErrContention if every
// optimistic transaction it was allowed lost a race.
func (s *Store) Update(ctx context.Context, name string, ttl time.Duration, fn quota.UpdateFunc) error {
	key := s.Key(name)
	txf := func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		cur, found, err := decode(vals)
		if err != nil {
			klog.Warningf("redistb: resetting malformed bucket %q: %v", key, err)
			cur, found = quota.State{}, false
		}
		next := fn(cur, found)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, encode(next))
			pipe.PExpire(ctx, key, ttl)
			return nil
		})
		return err
	}

	for i := 0; i < s.maxRetries; i++ {
		err := s.c.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("redistb: update %q: %w", key, err)
	}
	return quota.ErrContention
}

func encode(s quota.State) map[string]interface{} {
	return map[string]interface{}{
		fieldTokens:      strconv.FormatFloat(s.Tokens, 'g', -1, 64),
		fieldLastRefill:  strconv.FormatInt(s.LastRefill.UnixMicro(), 10),
		fieldWindowReset: strconv.FormatInt(s.WindowReset.UnixMicro(), 10),
	}
}

// decode parses a bucket hash. An empty hash means no bucket is stored.
// Timestamps are microseconds since the epoch.
func decode(vals map[string]string) (quota.State, bool, error) {
	if len(vals) == 0 {
		return quota.State{}, false, nil
	}
	tokens, err := strconv.ParseFloat(vals[fieldTokens], 64)
	if err != nil {
		return quota.State{}, false, fmt.Errorf("%s: %v", fieldTokens, err)
	}
	last, err := strconv.ParseInt(vals[fieldLastRefill], 10, 64)
	if err != nil {
		return quota.State{}, false, fmt.Errorf("%s: %v", fieldLastRefill, err)
	}
	reset, err := strconv.ParseInt(vals[fieldWindowReset], 10, 64)
	if err != nil {
		return quota.State{}, false, fmt.Errorf("%s: %v", fieldWindowReset, err)
	}
	return quota.State{
		Tokens:      tokens,
		LastRefill:  time.UnixMicro(last).UTC(),
		WindowReset: time.UnixMicro(reset).UTC(),
	}, true, nil
}
