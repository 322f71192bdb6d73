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

	"github.com/Agent-Gate/agentgate/internal/domain/audit"
	"github.com/Agent-Gate/agentgate/internal/domain/policy"
	"github.com/Agent-Gate/agentgate/internal/service"
)

// Transport is the inbound HTTP adapter. It serves the REST control
// surface and, when configured, mounts the stream dispatcher at /ws.
type Transport struct {
	engine        *policy.Engine
	stats         *service.StatsService
	recorder      *audit.Recorder
	querier       audit.Querier
	streamHandler http.Handler
	healthChecker *HealthChecker
	metrics       *Metrics
	registry      *prometheus.Registry

	server     *http.Server
	addr       string
	adminToken string
	certFile   string
	keyFile    string
	apiRate    float64
	apiBurst   int
	logger     *slog.Logger
}

// Option is a functional option for configuring the Transport.
type Option func(*Transport)

// WithAddr sets the listen address. Default is "127.0.0.1:18789"
// (localhost only).
func WithAddr(addr string) Option {
	return func(t *Transport) { t.addr = addr }
}

// WithTLS enables TLS with the provided certificate and key files.
func WithTLS(certFile, keyFile string) Option {
	return func(t *Transport) {
		t.certFile = certFile
		t.keyFile = keyFile
	}
}

// WithLogger sets the logger for the transport.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// WithAdminToken gates /stats and /audit behind a bearer token.
func WithAdminToken(token string) Option {
	return func(t *Transport) { t.adminToken = token }
}

// WithRequestLimit applies per-IP admission to the REST routes. A
// non-positive rate disables the check.
func WithRequestLimit(perSecond float64, burst int) Option {
	return func(t *Transport) {
		t.apiRate = perSecond
		t.apiBurst = burst
	}
}

// WithAuditQuerier wires the queryable audit store behind /audit.
func WithAuditQuerier(q audit.Querier) Option {
	return func(t *Transport) { t.querier = q }
}

// WithStreamHandler mounts the websocket dispatcher at /ws. The
// handler receives requests unwrapped so connection upgrades work.
func WithStreamHandler(h http.Handler) Option {
	return func(t *Transport) { t.streamHandler = h }
}

// WithHealthChecker sets the health checker for the /health endpoint.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(t *Transport) { t.healthChecker = hc }
}

// NewTransport creates the HTTP adapter over the given policy engine,
// stats service, and audit recorder.
func NewTransport(engine *policy.Engine, stats *service.StatsService, recorder *audit.Recorder, opts ...Option) *Transport {
	t := &Transport{
		engine:   engine,
		stats:    stats,
		recorder: recorder,
		addr:     "127.0.0.1:18789",
		logger:   slog.Default(),
		registry: prometheus.NewRegistry(),
	}
	t.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	t.metrics = NewMetrics(t.registry)

	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Metrics exposes the metric set so other components (dispatcher,
// audit store, registry) can record into the same registry.
func (t *Transport) Metrics() *Metrics { return t.metrics }

// Handler builds the full route table.
func (t *Transport) Handler() http.Handler {
	adminOnly := BearerAuthMiddleware(t.adminToken)

	rest := http.NewServeMux()
	rest.Handle("/evaluate", evaluateHandler(t.engine, t.stats, t.recorder, t.metrics))
	rest.Handle("/stats", adminOnly(statsHandler(t.stats)))
	rest.Handle("/audit", adminOnly(auditHandler(t.querier)))

	var restHandler http.Handler = rest
	if t.apiRate > 0 {
		restHandler = RateLimitMiddleware(t.apiRate, t.apiBurst)(restHandler)
	}
	restHandler = RealIPMiddleware(restHandler)
	restHandler = RequestIDMiddleware(t.logger)(restHandler)
	restHandler = MetricsMiddleware(t.metrics)(restHandler)

	mux := http.NewServeMux()
	if t.healthChecker != nil {
		mux.Handle("/health", t.healthChecker.Handler())
	} else {
		mux.Handle("/health", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		}))
	}
	mux.Handle("/metrics", promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{
		Registry: t.registry,
	}))
	// The stream handler hijacks the connection for the websocket
	// upgrade, so it bypasses the status-recording middleware.
	if t.streamHandler != nil {
		mux.Handle("/ws", t.streamHandler)
	}
	mux.Handle("/", restHandler)
	return mux
}

// Start begins serving and blocks until the context is cancelled or
// the listener fails.
func (t *Transport) Start(ctx context.Context) error {
	t.server = &http.Server{
		Addr:    t.addr,
		Handler: t.Handler(),
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
