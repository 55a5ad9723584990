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

// The admissiond binary is a reverse proxy that admits requests to an
// upstream server according to per-tenant quotas.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/quotagate/quotagate/admission"
	"github.com/quotagate/quotagate/cmd"
	"github.com/quotagate/quotagate/cmd/internal/provider"
	"github.com/quotagate/quotagate/cmd/internal/serverutil"
	"github.com/quotagate/quotagate/monitoring"
	"github.com/quotagate/quotagate/monitoring/opencensus"
	"github.com/quotagate/quotagate/monitoring/prometheus"
	"github.com/quotagate/quotagate/quota"
	"github.com/quotagate/quotagate/quota/localtb"
	"github.com/quotagate/quotagate/quota/redis/redistb"
	"github.com/quotagate/quotagate/rules"
	"github.com/quotagate/quotagate/server/interceptor"
	"github.com/quotagate/quotagate/storage"
	"github.com/quotagate/quotagate/tier"
	"github.com/quotagate/quotagate/util/clock"
	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"
)

var (
	httpEndpoint = flag.String("http_endpoint", "localhost:8090", "Endpoint for HTTP (host:port); serves the guarded upstream, /metrics and /healthz")
	rpcEndpoint  = flag.String("rpc_endpoint", "", "Endpoint for the gRPC health service (host:port), empty means disabled")
	tlsCertFile  = flag.String("tls_cert_file", "", "Path to the TLS certificate file")
	tlsKeyFile   = flag.String("tls_key_file", "", "Path to the TLS key file")
	upstreamURL  = flag.String("upstream_url", "", "URL of the server admitted requests are proxied to")
	configFile   = flag.String("config", "", "Config file containing flags, file contents can be overridden by command line flags")

	storageSystem    = flag.String("storage_system", provider.DefaultStorageSystem, fmt.Sprintf("Storage system to use. One of: %v", storage.Providers()))
	tierCatalogFile  = flag.String("tier_catalog", "", "YAML file with the tier catalog, empty means the built-in tiers")
	seedTierDefaults = flag.Bool("seed_tier_defaults", true, "If true, creates the default rule of every tier missing from storage")

	redisAddr      = flag.String("redis_addr", "", "Address of the Redis server keeping shared buckets, empty means buckets are kept in process only")
	redisPassword  = flag.String("redis_password", "", "Password of the Redis server")
	redisDB        = flag.Int("redis_db", 0, "Redis database number")
	redisKeyPrefix = flag.String("redis_key_prefix", "quotagate/", "Prefix of the Redis keys holding buckets")
	remoteTimeout  = flag.Duration("remote_timeout", quota.DefaultRemoteTimeout, "Timeout of each Redis bucket update")
	probeInterval  = flag.Duration("probe_interval", quota.DefaultProbeInterval, "Minimum time between probes of an unavailable Redis server")
	probeTimeout   = flag.Duration("probe_timeout", quota.DefaultProbeTimeout, "Timeout of each probe of an unavailable Redis server")
	sweepInterval  = flag.Duration("sweep_interval", localtb.DefaultSweepInterval, "How often expired in-process buckets are removed")

	ruleCacheTTL    = flag.Duration("rule_cache_ttl", rules.DefaultCacheTTL, "How long resolved rules are cached")
	ruleNegativeTTL = flag.Duration("rule_negative_ttl", rules.DefaultNegativeTTL, "How long the absence of a rule is cached")
	tierCacheTTL    = flag.Duration("tier_cache_ttl", tier.DefaultCacheTTL, "How long tenant tiers are cached")
	tierErrorTTL    = flag.Duration("tier_error_ttl", tier.DefaultErrorTTL, "How long the default tier is cached after a plan lookup error")
	ruleLookupTime  = flag.Duration("rule_lookup_timeout", rules.DefaultLookupTimeout, "Timeout of each rule lookup in the configuration store")
	tierLookupTime  = flag.Duration("tier_lookup_timeout", tier.DefaultLookupTimeout, "Timeout of each tenant plan lookup")

	admissionEnabled = flag.Bool("admission_enabled", true, "If false, every request is admitted as unlimited")
	dryRun           = flag.Bool("dry_run", false, "If true, denials are logged but requests are not blocked")
	skipAdmin        = flag.Bool("skip_admin", true, "If true, callers with the admin role are not checked")
	excludedPaths    = flag.String("excluded_paths", "/healthz,/metrics", "Comma-separated URL path prefixes that are never checked")

	metricsPrefix   = flag.String("metrics_prefix", "quotagate_", "Prefix of exported metric names")
	tracingFraction = flag.Float64("tracing_fraction", 0, "Fraction of admission checks traced with OpenCensus")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	if *configFile != "" {
		if err := cmd.ParseFlagFile(*configFile); err != nil {
			klog.Exitf("Failed to load flags from config file %q: %s", *configFile, err)
		}
	}
	klog.Info("**** Admission Server Starting ****")

	if err := run(context.Background()); err != nil {
		klog.Exitf("Admission server failed: %v", err)
	}
}

func run(ctx context.Context) error {
	upstream, err := url.Parse(*upstreamURL)
	if err != nil || upstream.Scheme == "" || upstream.Host == "" {
		return fmt.Errorf("--upstream_url must be an absolute URL, got %q", *upstreamURL)
	}

	mf := prometheus.MetricFactory{Prefix: *metricsPrefix}
	if *tracingFraction > 0 {
		opencensus.EnableTracing(*tracingFraction)
	}
	interceptor.InitMetrics(mf)

	catalog := tier.DefaultCatalog()
	if *tierCatalogFile != "" {
		if catalog, err = tier.LoadCatalog(*tierCatalogFile); err != nil {
			return err
		}
	}

	sp, err := storage.NewProvider(*storageSystem, mf)
	if err != nil {
		return fmt.Errorf("failed to get storage provider %q: %w", *storageSystem, err)
	}
	closers := []func() error{sp.Close}

	if *seedTierDefaults {
		n, err := storage.SeedRules(ctx, sp.AdminStorage(), rules.TierDefaults(catalog, time.Unix(0, 0).UTC()))
		if err != nil {
			return err
		}
		klog.Infof("Seeded %d tier default rules", n)
	}

	engine, local, remote, err := newEngine(mf)
	if err != nil {
		return err
	}
	local.Start(ctx)
	closers = append(closers, func() error {
		local.Stop()
		return nil
	})
	if remote != nil {
		closers = append(closers, remote.Close)
	}

	ruleResolver, err := rules.NewResolver(sp.RuleStorage(), rules.ResolverOptions{
		CacheTTL:      *ruleCacheTTL,
		NegativeTTL:   *ruleNegativeTTL,
		Timeout:       *ruleLookupTime,
		MetricFactory: mf,
	})
	if err != nil {
		return err
	}
	closers = append(closers, func() error {
		ruleResolver.Close()
		return nil
	})
	tierResolver, err := tier.NewResolver(catalog, sp.PlanSource(), tier.ResolverOptions{
		CacheTTL:      *tierCacheTTL,
		ErrorTTL:      *tierErrorTTL,
		Timeout:       *tierLookupTime,
		MetricFactory: mf,
	})
	if err != nil {
		return err
	}

	svc := admission.NewService(ruleResolver, engine, admission.Options{
		Disabled:      !*admissionEnabled,
		MetricFactory: mf,
	})

	m := &serverutil.Main{
		HTTPEndpoint: *httpEndpoint,
		RPCEndpoint:  *rpcEndpoint,
		TLSCertFile:  *tlsCertFile,
		TLSKeyFile:   *tlsKeyFile,
		Handler:      httputil.NewSingleHostReverseProxy(upstream),
		Interceptor: &interceptor.AdmissionInterceptor{
			Checker:       svc,
			Tiers:         tierResolver,
			Catalog:       catalog,
			ExcludedPaths: splitList(*excludedPaths),
			SkipAdmin:     *skipAdmin,
			DryRun:        *dryRun,
		},
		Close: func() error {
			var errs []error
			for i := len(closers) - 1; i >= 0; i-- {
				errs = append(errs, closers[i]())
			}
			return errors.Join(errs...)
		},
	}
	return m.Run(ctx)
}

// newEngine returns the bucket engine, backed by Redis if --redis_addr is
// set. The local store is returned for its sweeper to be started.
func newEngine(mf monitoring.MetricFactory) (*quota.Engine, *localtb.Store, *redis.Client, error) {
	local := localtb.New(clock.System, *sweepInterval)
	opts := quota.EngineOptions{
		Local:         local,
		RemoteTimeout: *remoteTimeout,
		ProbeInterval: *probeInterval,
		ProbeTimeout:  *probeTimeout,
		MetricFactory: mf,
	}
	var client *redis.Client
	if *redisAddr != "" {
		client = redis.NewClient(&redis.Options{
			Addr:         *redisAddr,
			Password:     *redisPassword,
			DB:           *redisDB,
			DialTimeout:  *remoteTimeout,
			ReadTimeout:  *remoteTimeout,
			WriteTimeout: *remoteTimeout,
			MaxRetries:   -1,
		})
		store := redistb.New(client, *redisKeyPrefix)
		ctx, cancel := context.WithTimeout(context.Background(), *remoteTimeout)
		if err := store.Load(ctx); err != nil {
			klog.Warningf("Failed to preload the bucket script into Redis at %s: %v", *redisAddr, err)
		}
		cancel()
		opts.Remote = store
		klog.Infof("Keeping buckets in Redis at %s", *redisAddr)
	}
	engine, err := quota.NewEngine(opts)
	if err != nil {
		return nil, nil, nil, err
	}
	return engine, local, client, nil
}

func splitList(s string) []string {
	var ret []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			ret = append(ret, p)
		}
	}
	return ret
}
