package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/skypro1111/stream-gateway/internal/config"
	"github.com/skypro1111/stream-gateway/internal/handler"
	"github.com/skypro1111/stream-gateway/internal/metrics"
	"github.com/skypro1111/stream-gateway/internal/stream"
)

// StatsFunc reports statistics of an engine component for /stats
type StatsFunc func() any

// Options contains everything the HTTP server serves
type Options struct {
	Config  *config.Config
	Logger  *slog.Logger
	Manager *stream.Manager
	Factory handler.Factory
	Session stream.Config
	Metrics *metrics.Metrics
	Stats   map[string]StatsFunc
}

// HTTPServer serves the streaming WebSocket endpoint and the monitoring API
type HTTPServer struct {
	server   *http.Server
	router   *mux.Router
	upgrader websocket.Upgrader
	logger   *slog.Logger
	config   *config.Config
	manager  *stream.Manager
	factory  handler.Factory
	session  stream.Config
	metrics  *metrics.Metrics
	stats    map[string]StatsFunc

	// Live connections, including ones that never sent start
	connections atomic.Int64
	accepted    atomic.Uint64
	rejected    atomic.Uint64
	wg          sync.WaitGroup

	baseCtx    context.Context
	cancelBase context.CancelFunc
	startTime  time.Time
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(opts Options) (*HTTPServer, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Manager == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if opts.Factory == nil {
		return nil, fmt.Errorf("handler factory is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	cfg := opts.Config.HTTP

	h := &HTTPServer{
		router:     mux.NewRouter(),
		logger:     opts.Logger,
		config:     opts.Config,
		manager:    opts.Manager,
		factory:    opts.Factory,
		session:    opts.Session,
		metrics:    opts.Metrics,
		stats:      opts.Stats,
		baseCtx:    ctx,
		cancelBase: cancel,
		startTime:  time.Now(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}

	h.setupRoutes()

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})

	h.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:           c.Handler(h.router),
		ReadHeaderTimeout: cfg.GetReadTimeoutDuration(),
		IdleTimeout:       60 * time.Second,
	}

	return h, nil
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes() {
	h.router.Use(h.metricsMiddleware)

	h.router.HandleFunc(h.config.HTTP.WebSocketPath, h.handleWebSocket).Methods(http.MethodGet)

	h.router.HandleFunc("/", h.handleRoot).Methods(http.MethodGet)
	h.router.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	h.router.HandleFunc("/sessions", h.handleSessions).Methods(http.MethodGet)
	h.router.HandleFunc("/sessions/{id}", h.handleSessionDetail).Methods(http.MethodGet)
	h.router.HandleFunc("/sessions/{id}", h.handleSessionClose).Methods(http.MethodDelete)
	h.router.HandleFunc("/sessions/{id}/outputs", h.handleSessionOutputs).Methods(http.MethodGet)
	h.router.HandleFunc("/config", h.handleConfig).Methods(http.MethodGet)
	h.router.HandleFunc("/stats", h.handleStats).Methods(http.MethodGet)

	if h.metrics != nil {
		h.router.Handle("/metrics", h.metrics.Handler()).Methods(http.MethodGet)
	}
}

// Handler returns the root handler, CORS included
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// metricsMiddleware records every request under its route template
func (h *HTTPServer) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(ww, r)

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		// Upgraded connections are recorded when the session ends.
		if ww.hijacked {
			return
		}
		h.metrics.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(ww.statusCode), time.Since(startTime).Seconds())
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	hijacked   bool
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrader take over the connection
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	conn, buf, err := hj.Hijack()
	if err == nil {
		rw.hijacked = true
	}
	return conn, buf, err
}

func (h *HTTPServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	allowed := h.config.HTTP.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	for _, o := range allowed {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}

	h.logger.Info("Starting HTTP server",
		slog.String("address", h.server.Addr),
		slog.String("websocket_path", h.config.HTTP.WebSocketPath),
	)

	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop stops accepting connections, ends every running session and waits
// for them until ctx is done.
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP server...")

	err := h.server.Shutdown(ctx)
	h.cancelBase()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("All sessions closed")
	case <-ctx.Done():
		h.logger.Warn("Shutdown timeout reached with sessions still running",
			slog.Int64("connections", h.connections.Load()))
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// handleWebSocket upgrades the request and runs one session on it
func (h *HTTPServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// The slot is reserved before upgrading so concurrent dials cannot overshoot the limit.
	n := h.connections.Add(1)
	defer h.connections.Add(-1)
	if limit := h.config.Session.MaxSessions; limit > 0 && n > int64(limit) {
		h.rejected.Add(1)
		h.logger.Warn("Rejecting connection, session limit reached",
			slog.Int("max_sessions", limit),
			slog.String("remote_addr", r.RemoteAddr))
		http.Error(w, "Too many sessions", http.StatusServiceUnavailable)
		return
	}

	streamHandler, err := h.factory()
	if err != nil {
		h.logger.Error("Failed to create streaming handler", slog.String("error", err.Error()))
		http.Error(w, "Engine unavailable", http.StatusInternalServerError)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		h.logger.Warn("WebSocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}
	ws.SetReadLimit(1 << 20)

	h.wg.Add(1)
	defer h.wg.Done()
	h.accepted.Add(1)

	startTime := time.Now()
	conn := newWSConn(ws, h.config.HTTP.GetWriteTimeoutDuration())
	session := stream.NewSession(conn, streamHandler, h.manager, stream.Options{
		Config:     h.session,
		Logger:     h.logger,
		Metrics:    h.metrics,
		RemoteAddr: r.RemoteAddr,
	})

	if err := session.Run(h.baseCtx); err != nil {
		h.logger.Warn("Session ended with error",
			slog.String("session_id", session.ID()),
			slog.String("error", err.Error()))
	}
	h.metrics.RecordHTTPRequest(r.Method, h.config.HTTP.WebSocketPath, strconv.Itoa(http.StatusSwitchingProtocols), time.Since(startTime).Seconds())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if h.baseCtx.Err() != nil {
		status, code = "shutting_down", http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":   "stream-gateway",
			"engine": h.config.Engine.Type,
		},
		"components": map[string]any{
			"websocket": map[string]any{
				"path":        h.config.HTTP.WebSocketPath,
				"connections": h.connections.Load(),
			},
			"session_manager": map[string]any{
				"active_sessions": h.manager.Count(),
			},
		},
	})
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.manager.List()

	writeJSON(w, http.StatusOK, map[string]any{
		"total_sessions": len(sessions),
		"timestamp":      time.Now().UTC(),
		"sessions":       sessions,
	})
}

// handleSessionDetail implements the /sessions/{id} endpoint
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	session, ok := h.manager.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	writeJSON(w, http.StatusOK, session.Info())
}

// handleSessionClose ends a session from the API
func (h *HTTPServer) handleSessionClose(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	session, ok := h.manager.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	h.logger.Info("Closing session by API request", slog.String("session_id", id))
	session.Close()

	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "status": "closing"})
}

// handleSessionOutputs implements the /sessions/{id}/outputs endpoint
func (h *HTTPServer) handleSessionOutputs(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	outputs, ok := h.manager.Outputs(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"total":      len(outputs),
		"outputs":    outputs,
	})
}

// handleConfig returns the configuration with credentials removed
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.config.Redacted())
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	engines := make(map[string]any, len(h.stats))
	for name, fn := range h.stats {
		engines[name] = fn()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"connections": map[string]any{
			"active":   h.connections.Load(),
			"accepted": h.accepted.Load(),
			"rejected": h.rejected.Load(),
		},
		"sessions": map[string]any{
			"active_count": h.manager.Count(),
		},
		"engines": engines,
	})
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	endpoints := map[string]any{
		"GET /":                      "API documentation",
		"GET /health":                "Service health check",
		"GET /sessions":              "List registered sessions",
		"GET /sessions/{id}":         "Get session details",
		"DELETE /sessions/{id}":      "Close a session",
		"GET /sessions/{id}/outputs": "Get recent auxiliary outputs of a session",
		"GET /config":                "Get service configuration",
		"GET /stats":                 "Get service statistics",
		"GET /metrics":               "Prometheus metrics",
	}
	endpoints["GET "+h.config.HTTP.WebSocketPath] = "WebSocket streaming endpoint"

	writeJSON(w, http.StatusOK, map[string]any{
		"service":   "Stream Gateway",
		"engine":    h.config.Engine.Type,
		"endpoints": endpoints,
		"timestamp": time.Now().UTC(),
	})
}
