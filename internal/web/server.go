// Package web serves the session over HTTP: a JSON API, a WebSocket frame
// feed, a WebSocket push of every reconciliation pass, and Prometheus metrics.
package web

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hpungsan/attrscope/internal/config"
	"github.com/hpungsan/attrscope/internal/logging"
	"github.com/hpungsan/attrscope/internal/metrics"
	"github.com/hpungsan/attrscope/internal/reconcile"
	"github.com/hpungsan/attrscope/internal/session"
)

// Driver is the reconciliation driver as seen by the HTTP handlers.
type Driver interface {
	Notify()
	Trigger(ctx context.Context) (*session.State, error)
	Subscribe(l reconcile.Listener) func()
}

// Options configures the handlers.
type Options struct {
	Session *session.Session
	Driver  Driver
	Config  *config.Config
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Handlers contains the HTTP and WebSocket route handlers.
type Handlers struct {
	sess     *session.Session
	drv      Driver
	cfg      *config.Config
	metrics  *metrics.Metrics
	log      *zap.Logger
	upgrader websocket.Upgrader

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewHandlers creates the route handlers.
func NewHandlers(opts Options) *Handlers {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Handlers{
		sess:    opts.Session,
		drv:     opts.Driver,
		cfg:     cfg,
		metrics: opts.Metrics,
		log:     logging.OrNop(opts.Logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     checkOrigin(cfg.AllowedOrigins),
		},
		shutdown: make(chan struct{}),
	}
}

// checkOrigin allows requests without an Origin header, same-host origins, and
// the configured origins.
func checkOrigin(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[strings.ToLower(strings.TrimRight(o, "/"))] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || set["*"] {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			return false
		}
		if strings.EqualFold(u.Host, r.Host) {
			return true
		}
		return set[strings.ToLower(u.Scheme+"://"+u.Host)]
	}
}

// Close ends every open WebSocket connection.
func (h *Handlers) Close() {
	h.shutdownOnce.Do(func() { close(h.shutdown) })
}

// Routes returns the router wrapped with security headers.
func (h *Handlers) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /state", h.HandleState)
	mux.HandleFunc("GET /pending", h.HandlePending)
	mux.HandleFunc("GET /envelopes", h.HandleEnvelopes)
	mux.HandleFunc("GET /frames", h.HandleFrames)
	mux.HandleFunc("POST /frames", h.HandleIngest)
	mux.HandleFunc("POST /reconcile", h.HandleReconcile)
	mux.HandleFunc("GET /feed", h.HandleFeed)
	mux.HandleFunc("GET /events", h.HandleEvents)
	mux.Handle("GET /metrics", h.metrics.Handler())

	return securityHeaders(mux)
}

// NewServer creates the HTTP server. Shutting it down also closes open WebSockets.
func NewServer(opts Options, bind string, port int) *http.Server {
	h := NewHandlers(opts)
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", bind, port),
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.RegisterOnShutdown(h.Close)
	return srv
}

// securityHeaders adds security-related HTTP headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'none'")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, srv *http.Server, log *zap.Logger) error {
	log = logging.OrNop(log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	log.Info("attrscope serving", zap.String("addr", "http://"+srv.Addr))
	if strings.Contains(srv.Addr, "0.0.0.0") || strings.Contains(srv.Addr, "::") {
		log.Warn("server is binding to all interfaces and may be accessible from the network")
	}

	select {
	case err := <-errCh:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
