// ABOUTME: Gateway orchestrator that runs the tracking session and the consumer HTTP server
// ABOUTME: Wires config into token provider, session, metrics and routes; manages shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/2389/fieldtrack/internal/auth"
	"github.com/2389/fieldtrack/internal/config"
	"github.com/2389/fieldtrack/internal/metrics"
	"github.com/2389/fieldtrack/internal/session"
	"github.com/2389/fieldtrack/internal/stream"
	"github.com/2389/fieldtrack/internal/tracking"
)

// Gateway owns one tracking session and the HTTP server that exposes it.
type Gateway struct {
	config     *config.Config
	session    *session.Session
	registry   *prometheus.Registry
	httpServer *http.Server
	logger     *slog.Logger

	// sseHeartbeat is how often idle event streams get a keepalive comment.
	sseHeartbeat time.Duration
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.MustNew(registry)

	provider := NewTokenProvider(cfg, logger)
	sess := session.New(SessionConfig(cfg, m, logger), provider)

	return newGateway(cfg, sess, registry, logger)
}

// NewTokenProvider builds the upstream token provider described by cfg.
func NewTokenProvider(cfg *config.Config, logger *slog.Logger) *auth.HTTPProvider {
	var store auth.CredentialStore
	if cfg.Credentials.TokenFile != "" {
		store = auth.NewFileCredentialStore(cfg.Credentials.TokenFile)
	} else {
		store = auth.NewMemoryCredentialStore(auth.Credentials{})
	}

	var login auth.Authenticator
	if cfg.Credentials.Password != "" {
		login = &auth.PasswordLogin{
			URL:         cfg.Upstream.LoginURL,
			PhoneNumber: cfg.Credentials.PhoneNumber,
			Password:    cfg.Credentials.Password,
		}
	}

	return auth.NewHTTPProvider(auth.HTTPProviderConfig{
		RefreshURL: cfg.Upstream.RefreshURL,
		Store:      store,
		Login:      login,
		Logger:     logger,
	})
}

// SessionConfig maps the file configuration onto a session configuration.
func SessionConfig(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) session.Config {
	return session.Config{
		Stream: stream.Config{
			FeedURL:         cfg.Upstream.FeedURL,
			TokenParam:      cfg.Upstream.TokenQueryParam,
			DialTimeout:     cfg.Upstream.DialTimeout,
			ReadLimit:       cfg.Upstream.ReadLimitBytes,
			BaseDelay:       cfg.Reconnect.BaseDelay,
			MaxDelay:        cfg.Reconnect.MaxDelay,
			Jitter:          cfg.Reconnect.Jitter,
			MaxAuthFailures: cfg.Reconnect.MaxAuthFailures,
		},
		Tracking: tracking.Options{
			WindowSize: cfg.Tracking.WindowSize,
			PathLimit:  cfg.Tracking.PathLimit,
			StaleAfter: cfg.Tracking.StaleAfter,
			Logger:     logger,
		},
		StaleCheckInterval: cfg.StaleCheckInterval(),
		Metrics:            m,
		Logger:             logger,
	}
}

func newGateway(cfg *config.Config, sess *session.Session, registry *prometheus.Registry, logger *slog.Logger) (*Gateway, error) {
	gw := &Gateway{
		config:       cfg,
		session:      sess,
		registry:     registry,
		logger:       logger.With("component", "gateway"),
		sseHeartbeat: 15 * time.Second,
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)

	if cfg.Metrics.Enabled && registry != nil {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	// API endpoints - auth required if JWT secret is configured
	if err := gw.registerHTTPAPIRoutes(mux); err != nil {
		return nil, err
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

// registerHTTPAPIRoutes registers API routes on the mux with or without auth middleware.
func (g *Gateway) registerHTTPAPIRoutes(mux *http.ServeMux) error {
	routes := map[string]http.HandlerFunc{
		"GET /api/agents":         g.handleListAgents,
		"GET /api/agents/{id}":    g.handleGetAgent,
		"GET /api/status":         g.handleStatus,
		"GET /api/stream":         g.handleStream,
		"POST /api/session/reset": g.handleReset,
	}

	wrap := func(h http.Handler) http.Handler { return h }
	if g.config.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(g.config.Auth.JWTSecret))
		if err != nil {
			return fmt.Errorf("creating HTTP JWT verifier: %w", err)
		}
		wrap = auth.HTTPAuthMiddleware(verifier)
		g.logger.Info("HTTP auth middleware enabled")
	} else {
		g.logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}

	for pattern, h := range routes {
		mux.Handle(pattern, wrap(h))
	}
	return nil
}

// Handler returns the HTTP handler serving every route.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Session returns the tracking session.
func (g *Gateway) Session() *session.Session {
	return g.session
}

// Run starts the session and the HTTP server and blocks until ctx is
// canceled or the server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	return g.Serve(ctx, ln)
}

// Serve is Run with a caller-supplied listener.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	eg, egCtx := errgroup.WithContext(ctx)

	if err := g.session.Start(egCtx); err != nil {
		_ = ln.Close()
		return fmt.Errorf("starting session: %w", err)
	}
	g.logger.Info("starting gateway",
		"http_addr", ln.Addr().String(),
		"feed_url", g.config.Upstream.FeedURL,
		"session_id", g.session.ID(),
	)

	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the session, which ends every event stream, then the HTTP server.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	g.session.Stop()
	if err := g.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP shutdown: %w", err)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK while the upstream feed is connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	st, ok := g.session.Publisher().LastStatus()
	if !ok || !st.Connected() {
		state := "not started"
		if ok {
			state = string(st.State)
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "feed %s", state)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", len(g.session.Publisher().Poll().Agents))
}
