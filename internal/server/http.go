package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coffersTech/mapwatch/internal/controller"
	"github.com/coffersTech/mapwatch/internal/engine"
	"github.com/coffersTech/mapwatch/internal/model"
	"github.com/coffersTech/mapwatch/internal/registry"
	"github.com/coffersTech/mapwatch/internal/storage"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Catalog lists the servers a snapshot store knows about.
type Catalog interface {
	Servers(ctx context.Context) ([]string, error)
	Stats(ctx context.Context) ([]storage.ServerStats, error)
}

type Option func(*QueryServer)

// WithAccessKeys enables bearer authentication once the store holds a key.
func WithAccessKeys(keys *controller.Store) Option {
	return func(s *QueryServer) { s.keys = keys }
}

// WithFeeds exposes collector status under /api/feeds.
func WithFeeds(feeds *registry.Store) Option {
	return func(s *QueryServer) { s.feeds = registry.NewServer(feeds) }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *QueryServer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMaxQuerySpan bounds end minus start. Zero disables the bound.
func WithMaxQuerySpan(d time.Duration) Option {
	return func(s *QueryServer) { s.maxSpan = d }
}

// WithGapThreshold sets the threshold used when a request names none.
func WithGapThreshold(d time.Duration) Option {
	return func(s *QueryServer) { s.gapThreshold = d }
}

// WithMapHost sets the host pattern used for waypoint file names.
// "{server}" is replaced by the queried server.
func WithMapHost(pattern string) Option {
	return func(s *QueryServer) { s.mapHost = pattern }
}

type QueryServer struct {
	source       engine.Source
	catalog      Catalog
	keys         *controller.Store
	feeds        *registry.Server
	logger       *slog.Logger
	tracer       trace.Tracer
	upgrader     websocket.Upgrader
	maxSpan      time.Duration
	gapThreshold time.Duration
	mapHost      string
	srv          *http.Server
	queryCounter int64 // Monotonic counter of reconstructions started
	startedAt    time.Time
}

func NewQueryServer(source engine.Source, catalog Catalog, opts ...Option) *QueryServer {
	s := &QueryServer{
		source:  source,
		catalog: catalog,
		logger:  slog.Default(),
		tracer:  otel.Tracer("github.com/coffersTech/mapwatch/internal/server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 32 << 10,
		},
		mapHost:   "{server}.empire.us",
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed API.
func (s *QueryServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/api/readings", s.AuthMiddleware(http.HandlerFunc(s.handleReadings)))
	mux.Handle("/api/readings/ws", s.AuthMiddleware(http.HandlerFunc(s.handleReadingsSocket)))
	mux.Handle("/api/waypoints", s.AuthMiddleware(http.HandlerFunc(s.handleWaypoints)))
	mux.Handle("/api/export.csv", s.AuthMiddleware(http.HandlerFunc(s.handleCSV)))
	mux.Handle("/api/coverage", s.AuthMiddleware(http.HandlerFunc(s.handleCoverage)))
	mux.Handle("/api/servers", s.AuthMiddleware(http.HandlerFunc(s.handleServers)))
	mux.Handle("/api/stats", s.AuthMiddleware(http.HandlerFunc(s.handleStats)))
	if s.feeds != nil {
		mux.Handle("/api/feeds", s.AuthMiddleware(http.HandlerFunc(s.feeds.HandleListFeeds)))
	}

	return mux
}

// Start runs the HTTP server.
func (s *QueryServer) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("query api listening", "addr", addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *QueryServer) Shutdown(ctx context.Context) error {
	if s.srv != nil {
		return s.srv.Shutdown(ctx)
	}
	return nil
}

// AuthMiddleware checks for a valid access key in the Authorization header
// or the token query parameter. With no keys configured the API is open.
func (s *QueryServer) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.keys == nil || !s.keys.HasKeys() {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		var token string
		if strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		} else {
			token = r.URL.Query().Get("token")
		}

		if token == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="mapwatch"`)
			http.Error(w, "Unauthorized: Missing token", http.StatusUnauthorized)
			return
		}

		if key, ok := s.keys.Verify(token); ok {
			s.logger.Debug("authenticated request", "key", key.Name, "path", r.URL.Path)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("WWW-Authenticate", `Bearer realm="mapwatch"`)
		http.Error(w, "Unauthorized: Invalid token", http.StatusUnauthorized)
	})
}

func (s *QueryServer) handleServers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	servers, err := s.catalog.Servers(r.Context())
	if err != nil {
		s.logger.Error("listing servers failed", "error", err)
		http.Error(w, "Listing servers failed", http.StatusServiceUnavailable)
		return
	}
	if servers == nil {
		servers = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(servers)
}

func (s *QueryServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats, err := s.catalog.Stats(r.Context())
	if err != nil {
		s.logger.Error("collecting stats failed", "error", err)
		http.Error(w, "Collecting stats failed", http.StatusServiceUnavailable)
		return
	}
	if stats == nil {
		stats = []storage.ServerStats{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"servers":       stats,
		"queries":       atomic.LoadInt64(&s.queryCounter),
		"uptimeSeconds": int64(time.Since(s.startedAt).Seconds()),
	})
}

// statusFor maps reconstruction errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidQuery):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrSourceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *QueryServer) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("query failed", "error", err)
	}
	http.Error(w, err.Error(), status)
}
