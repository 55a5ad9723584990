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
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/quotagate/quotagate/monitoring"
	"github.com/quotagate/quotagate/util/clock"
	"k8s.io/klog/v2"
)

const (
	// BackendRemote labels checks decided by the remote store.
	BackendRemote = "remote"
	// BackendLocal labels checks decided by the in-process store.
	BackendLocal = "local"

	// DefaultRemoteTimeout bounds each remote read-modify-write.
	DefaultRemoteTimeout = 100 * time.Millisecond
	// DefaultProbeInterval is the minimum time between liveness probes of an
	// unavailable remote store.
	DefaultProbeInterval = 30 * time.Second
	// DefaultProbeTimeout bounds each liveness probe.
	DefaultProbeTimeout = 50 * time.Millisecond
)

// EngineOptions configures an Engine.
type EngineOptions struct {
	// Remote is the shared store. It is optional; when it also implements
	// Prober it is re-probed after failures, otherwise it is retried once
	// per probe interval.
	Remote Store
	// Local is the in-process fallback store. Required.
	Local Store

	RemoteTimeout time.Duration
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration

	TimeSource    clock.TimeSource
	MetricFactory monitoring.MetricFactory
}

// Engine runs token bucket checks against the remote store while it is
// available, and against the local store otherwise.
type Engine struct {
	remote        Store
	local         Store
	remoteTimeout time.Duration
	probeInterval time.Duration
	probeTimeout  time.Duration
	ts            clock.TimeSource
	metrics       *engineMetrics

	remoteUp  atomic.Bool
	lastProbe atomic.Int64 // UnixNano
	probing   atomic.Bool
}

// NewEngine returns a new Engine.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Local == nil {
		return nil, errors.New("local store is required")
	}
	e := &Engine{
		remote:        opts.Remote,
		local:         opts.Local,
		remoteTimeout: opts.RemoteTimeout,
		probeInterval: opts.ProbeInterval,
		probeTimeout:  opts.ProbeTimeout,
		ts:            opts.TimeSource,
		metrics:       newEngineMetrics(opts.MetricFactory),
	}
	if e.remoteTimeout <= 0 {
		e.remoteTimeout = DefaultRemoteTimeout
	}
	if e.probeInterval <= 0 {
		e.probeInterval = DefaultProbeInterval
	}
	if e.probeTimeout <= 0 {
		e.probeTimeout = DefaultProbeTimeout
	}
	if e.ts == nil {
		e.ts = clock.System
	}
	if e.remote != nil {
		e.setRemoteUp(true)
	}
	return e, nil
}

// RemoteAvailable reports whether checks are currently sent to the remote
// store.
func (e *Engine) RemoteAvailable() bool {
	return e.remote != nil && e.remoteUp.Load()
}

// CheckAndConsume checks the bucket stored under key and consumes one token
// if one is available.
//
// Remote errors never fail the check: the remote store is marked
// unavailable and the check is decided by the local store instead. An error
// is returned only if the caller's context is done or the local store fails.
func (e *Engine) CheckAndConsume(ctx context.Context, key string, p Params) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{}, fmt.Errorf("bucket %q: %v", key, err)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	now := e.ts.Now()
	var res Result
	fn := func(cur State, found bool) State {
		next, r := Take(cur, found, now, p)
		res = r
		return next
	}
	ttl := p.WindowLength()

	if e.useRemote(ctx) {
		start := e.ts.Now()
		rctx, cancel := context.WithTimeout(ctx, e.remoteTimeout)
		var err error
		if t, ok := e.remote.(Taker); ok {
			res, err = t.Take(rctx, key, now, p)
		} else {
			err = e.remote.Update(rctx, key, ttl, fn)
		}
		cancel()
		if err == nil {
			res.Backend = BackendRemote
			e.observe(res, start)
			return res, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		if errors.Is(err, ErrContention) {
			// The remote store stays the owner of the bucket.
			e.metrics.contention.Inc()
			return Result{}, fmt.Errorf("remote bucket store: %w", err)
		}
		klog.Warningf("remote bucket store failed for %q, falling back to local store: %v", key, err)
		e.metrics.fallbacks.Inc()
		e.markRemoteDown()
	}

	start := e.ts.Now()
	if err := e.local.Update(ctx, key, ttl, fn); err != nil {
		return Result{}, fmt.Errorf("local bucket store: %w", err)
	}
	res.Backend = BackendLocal
	e.observe(res, start)
	return res, nil
}

func (e *Engine) observe(res Result, start time.Time) {
	e.metrics.checks.Inc(res.Backend, strconv.FormatBool(res.Allowed))
	e.metrics.checkLatency.Observe(clock.SecondsSince(e.ts, start), res.Backend)
}

// useRemote reports whether the next check should go to the remote store,
// probing it first if it is marked unavailable and a probe is due. Only one
// caller probes at a time; the others use the local store meanwhile.
func (e *Engine) useRemote(ctx context.Context) bool {
	if e.remote == nil {
		return false
	}
	if e.remoteUp.Load() {
		return true
	}
	now := e.ts.Now()
	if now.Sub(time.Unix(0, e.lastProbe.Load())) < e.probeInterval {
		return false
	}
	if !e.probing.CompareAndSwap(false, true) {
		return false
	}
	defer e.probing.Store(false)
	e.lastProbe.Store(now.UnixNano())

	prober, ok := e.remote.(Prober)
	if !ok {
		// Without a probe the next check itself is the probe.
		return true
	}
	pctx, cancel := context.WithTimeout(ctx, e.probeTimeout)
	defer cancel()
	if err := prober.Ping(pctx); err != nil {
		e.metrics.probes.Inc("false")
		klog.V(1).Infof("remote bucket store still unavailable: %v", err)
		return false
	}
	e.metrics.probes.Inc("true")
	klog.Infof("remote bucket store is available again")
	e.setRemoteUp(true)
	return true
}

func (e *Engine) markRemoteDown() {
	e.lastProbe.Store(e.ts.Now().UnixNano())
	e.setRemoteUp(false)
}

func (e *Engine) setRemoteUp(up bool) {
	e.remoteUp.Store(up)
	v := 0.0
	if up {
		v = 1
	}
	e.metrics.remoteAvailable.Set(v)
}
