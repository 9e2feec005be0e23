package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/benbjohnson/clock"

	"github.com/ssd-technologies/conduit/internal/config"
	"github.com/ssd-technologies/conduit/internal/notify"
	"github.com/ssd-technologies/conduit/internal/ratelimit"
	"github.com/ssd-technologies/conduit/internal/reaper"
	"github.com/ssd-technologies/conduit/internal/relay"
	"github.com/ssd-technologies/conduit/internal/share"
	"github.com/ssd-technologies/conduit/internal/telemetry"
)

// Options configures a Server.
type Options struct {
	Config config.Config
	Clock  clock.Clock
	Logger *slog.Logger
}

// Server is the HTTP surface of the relay broker.
type Server struct {
	cfg    config.Config
	logger *slog.Logger

	registry *share.Registry
	monitor  *telemetry.Monitor
	broker   *relay.Broker
	hub      *notify.Hub
	reaper   *reaper.Reaper
	limiter  *ratelimit.Limiter

	mux     *http.ServeMux
	handler http.Handler
}

// New wires the broker components together and registers all routes.
func New(opts Options) *Server {
	cfg := opts.Config
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	s.registry = share.NewRegistry(share.Options{IDLength: cfg.IDLength, Clock: clk})
	s.monitor = telemetry.NewMonitor(telemetry.Options{
		Clock:  clk,
		Logger: logger.With("component", "telemetry"),
	})
	s.hub = notify.NewHub(notify.Options{
		Heartbeat: s.registry.Touch,
		Exists:    s.registry.Has,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(cfg.AllowedOrigins, r.Header.Get("Origin"))
		},
		Logger: logger.With("component", "notify"),
	})
	s.broker = relay.New(relay.Options{
		Registry:    s.registry,
		Monitor:     s.monitor,
		Notifier:    s.hub,
		BufferSize:  cfg.BufferSize,
		FlushBytes:  cfg.FlushBytes,
		WaitTimeout: cfg.WaitTimeout,
		Clock:       clk,
		Logger:      logger.With("component", "relay"),
	})
	s.reaper = reaper.New(reaper.Options{
		Registry:      s.registry,
		Evictor:       s.broker,
		Monitor:       s.monitor,
		SweepInterval: cfg.Heartbeat.SweepInterval,
		StaleTimeout:  cfg.Heartbeat.StaleTimeout,
		GracePeriod:   cfg.Heartbeat.InitialGracePeriod,
		Clock:         clk,
		Logger:        logger.With("component", "reaper"),
	})
	s.limiter = ratelimit.New(ratelimit.Options{
		PerMinute: cfg.RateLimit.PerMinute,
		Burst:     cfg.RateLimit.Burst,
		Clock:     clk,
	})

	s.routes()
	s.handler = s.logRequests(securityHeaders(s.cors(s.mux)))
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close disconnects websocket peers. Hijacked connections are not closed
// by http.Server.Shutdown.
func (s *Server) Close() {
	s.hub.Close()
}

// routes registers all HTTP routes on the server mux.
func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	// Shares
	s.mux.HandleFunc("POST /share", s.rateLimited(s.handleCreateShare))
	s.mux.HandleFunc("POST /unshare", s.handleUnshare)
	s.mux.HandleFunc("GET /stats/{shareId}", s.handleStats)
	s.mux.HandleFunc("GET /info/{shareId}", s.handleInfo)

	// Transfers
	s.mux.HandleFunc("GET /download/{shareId}", s.rateLimited(s.handleDownload))
	s.mux.HandleFunc("POST /upload/{shareId}/{streamId}", s.handleUpload)

	// Peer channel
	s.mux.Handle("GET /ws", s.hub)
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "conduit",
		"shares":  s.registry.Len(),
	})
}

// statusFor maps broker errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, share.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, share.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, share.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, share.ErrConflict), errors.Is(err, share.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, share.ErrWaitTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, share.ErrTransferAborted):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// writeFailure writes err with its mapped status. Internal errors are
// logged and reported without detail.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
