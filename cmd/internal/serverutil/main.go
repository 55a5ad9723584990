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

// Package serverutil holds code for running admission servers.
package serverutil

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quotagate/quotagate/server/interceptor"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"k8s.io/klog/v2"
)

const (
	// DefaultHealthyDeadline bounds each IsHealthy call.
	DefaultHealthyDeadline = 5 * time.Second
	// DefaultShutdownTimeout bounds the graceful shutdown of the servers.
	DefaultShutdownTimeout = 10 * time.Second
)

// Main encapsulates the data and logic to start an admission server.
type Main struct {
	// HTTPEndpoint serves the guarded Handler plus /metrics and /healthz.
	HTTPEndpoint string
	// RPCEndpoint serves the gRPC health service guarded by the admission
	// interceptor. Optional, if empty it'll not be bound.
	RPCEndpoint string

	// TLS Certificate and Key files for both servers.
	TLSCertFile, TLSKeyFile string

	// Handler is the upstream handler requests are admitted to.
	Handler http.Handler
	// Interceptor guards Handler and the RPC server.
	Interceptor *interceptor.AdmissionInterceptor

	// Gatherer is served on /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	// IsHealthy will be called whenever "/healthz" is called on the mux.
	// A nil return value from this function will result in a 200-OK response
	// on the /healthz endpoint.
	IsHealthy func(context.Context) error
	// HealthyDeadline is the maximum duration to wait for a successful
	// IsHealthy() call.
	HealthyDeadline time.Duration

	// Close is called once the servers have stopped.
	Close func() error
}

func (m *Main) healthz(rw http.ResponseWriter, req *http.Request) {
	if m.IsHealthy != nil {
		ctx, cancel := context.WithTimeout(req.Context(), m.HealthyDeadline)
		defer cancel()
		if err := m.IsHealthy(ctx); err != nil {
			rw.WriteHeader(http.StatusServiceUnavailable)
			_, _ = rw.Write([]byte(err.Error()))
			return
		}
	}
	_, _ = rw.Write([]byte("ok"))
}

// httpHandler serves the guarded Handler next to the operational endpoints.
func (m *Main) httpHandler() http.Handler {
	gatherer := m.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", m.healthz)
	handler := m.Handler
	if handler == nil {
		handler = http.NotFoundHandler()
	}
	if m.Interceptor != nil {
		handler = m.Interceptor.Middleware(handler)
	}
	mux.Handle("/", handler)
	return mux
}

// newGRPCServer returns a gRPC server exposing the health service, with
// panics recovered and requests checked by the admission interceptor.
func (m *Main) newGRPCServer() (*grpc.Server, *health.Server, error) {
	chain := []grpc.UnaryServerInterceptor{grpc_recovery.UnaryServerInterceptor()}
	if m.Interceptor != nil {
		chain = append(chain, m.Interceptor.UnaryServerInterceptor)
	}
	serverOpts := []grpc.ServerOption{grpc_middleware.WithUnaryServerChain(chain...)}

	// Let credentials.NewServerTLSFromFile handle the error case when only one of the flags is set.
	if m.TLSCertFile != "" || m.TLSKeyFile != "" {
		serverCreds, err := credentials.NewServerTLSFromFile(m.TLSCertFile, m.TLSKeyFile)
		if err != nil {
			return nil, nil, err
		}
		serverOpts = append(serverOpts, grpc.Creds(serverCreds))
	}

	s := grpc.NewServer(serverOpts...)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	reflection.Register(s)
	return s, hs, nil
}

// Run starts the configured servers and blocks until ctx is done, a
// termination signal is received, or a server fails.
func (m *Main) Run(ctx context.Context) error {
	if m.HealthyDeadline == 0 {
		m.HealthyDeadline = DefaultHealthyDeadline
	}
	if m.Close != nil {
		defer func() {
			if err := m.Close(); err != nil {
				klog.Errorf("Close(): %v", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case sig := <-sigs:
			klog.Warningf("Received %v, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
		return nil
	})

	httpLis, err := net.Listen("tcp", m.HTTPEndpoint)
	if err != nil {
		return err
	}
	httpSrv := &http.Server{Handler: m.httpHandler(), ReadHeaderTimeout: 10 * time.Second}
	g.Go(func() error {
		klog.Infof("HTTP server starting on %v", httpLis.Addr())
		var err error
		// Let ServeTLS handle the error case when only one of the flags is set.
		if m.TLSCertFile != "" || m.TLSKeyFile != "" {
			err = httpSrv.ServeTLS(httpLis, m.TLSCertFile, m.TLSKeyFile)
		} else {
			err = httpSrv.Serve(httpLis)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer scancel()
		return httpSrv.Shutdown(sctx)
	})

	if endpoint := m.RPCEndpoint; endpoint != "" {
		srv, hs, err := m.newGRPCServer()
		if err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
		rpcLis, err := net.Listen("tcp", endpoint)
		if err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
		g.Go(func() error {
			klog.Infof("RPC server starting on %v", rpcLis.Addr())
			return srv.Serve(rpcLis)
		})
		g.Go(func() error {
			<-ctx.Done()
			hs.Shutdown()
			srv.GracefulStop()
			return nil
		})
	}

	err = g.Wait()
	klog.Infof("Stopping server, about to exit")
	klog.Flush()
	return err
}
