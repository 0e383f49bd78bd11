// Package http provides the HTTP transport adapter for the authorization
// gateway.
package http

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mcp-guard/mcp-guard/internal/domain/decision"
)

// Transport is the inbound HTTP adapter exposing the authorize RPC, the
// policy-evaluate dry-run endpoint, the audit query endpoint, and the
// health/metrics surface.
type Transport struct {
	handler       *Handler
	healthChecker *HealthChecker
	server        *http.Server
	addr          string
	certFile      string
	keyFile       string
	logger        *slog.Logger
	metrics       *Metrics
	reloader      Reloader
	invalidator   CacheInvalidator
}

// Option is a functional option for configuring Transport.
type Option func(*Transport)

// WithAddr sets the listen address for the HTTP server. Default is
// "127.0.0.1:8443".
func WithAddr(addr string) Option {
	return func(t *Transport) { t.addr = addr }
}

// WithTLS enables TLS with the provided certificate and key files. If not
// set, the server runs without TLS (plain HTTP).
func WithTLS(certFile, keyFile string) Option {
	return func(t *Transport) {
		t.certFile = certFile
		t.keyFile = keyFile
	}
}

// WithLogger sets the logger for the HTTP transport.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// WithHealthChecker sets the health checker backing the /healthz endpoint.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(t *Transport) { t.healthChecker = hc }
}

// WithReloader enables POST /api/v1/admin/reload, backed by the policy
// engine's bundle load path and, if invalidator is non-nil, the cache's
// policy-version invalidation (§12 bundle hot-reload).
func WithReloader(r Reloader, invalidator CacheInvalidator) Option {
	return func(t *Transport) {
		t.reloader = r
		t.invalidator = invalidator
	}
}

// NewTransport creates an HTTP transport adapter wrapping the given
// coordinator and (optional) decision query store.
func NewTransport(coordinator Coordinator, queryStore decision.QueryStore, opts ...Option) *Transport {
	t := &Transport{
		addr:   "127.0.0.1:8443",
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.handler = NewHandler(coordinator, queryStore, t.logger)
	t.handler.reloader = t.reloader
	t.handler.invalidator = t.invalidator
	return t
}

// Start begins accepting HTTP connections. It blocks until the context is
// cancelled or an error occurs.
func (t *Transport) Start(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	t.metrics = NewMetrics(reg)

	// Middleware chain (outermost first): Metrics -> RequestID -> RealIP ->
	// route handler. No DNS-rebinding/API-key middleware: this transport
	// has no browser-facing surface and identity proofs are out of scope
	// (§1) — callers are expected to authenticate upstream of this gateway
	// and present an already-trusted Principal in the request body.
	authorize := http.HandlerFunc(t.handler.HandleAuthorize)
	evaluate := http.HandlerFunc(t.handler.HandleEvaluate)
	audit := http.HandlerFunc(t.handler.HandleAuditQuery)
	reload := http.HandlerFunc(t.handler.HandleReload)

	wrap := func(h http.Handler) http.Handler {
		h = RealIPMiddleware(h)
		h = RequestIDMiddleware(t.logger)(h)
		h = MetricsMiddleware(t.metrics)(h)
		return h
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/authorize", wrap(authorize))
	mux.Handle("/api/v1/policy/evaluate", wrap(evaluate))
	mux.Handle("/api/v1/audit/decisions", wrap(audit))
	if t.reloader != nil {
		mux.Handle("/api/v1/admin/reload", wrap(reload))
	}
	if t.healthChecker != nil {
		mux.Handle("/healthz", t.healthChecker.Handler())
	}
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	t.server = &http.Server{
		Addr:    t.addr,
		Handler: mux,
	}
	if t.certFile != "" && t.keyFile != "" {
		t.server.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if t.certFile != "" && t.keyFile != "" {
			t.logger.Info("starting HTTPS server", "addr", t.addr)
			err = t.server.ListenAndServeTLS(t.certFile, t.keyFile)
		} else {
			t.logger.Info("starting HTTP server", "addr", t.addr)
			err = t.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		t.logger.Info("context cancelled, shutting down HTTP server")
		return t.shutdown()
	case err := <-errCh:
		return err
	}
}

// shutdown performs graceful shutdown of the HTTP server.
func (t *Transport) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := t.server.Shutdown(ctx); err != nil {
		t.logger.Error("error during server shutdown", "error", err)
		return err
	}
	t.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the transport.
func (t *Transport) Close() error {
	if t.server == nil {
		return nil
	}
	return t.shutdown()
}
