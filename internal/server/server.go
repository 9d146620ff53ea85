package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/sync/semaphore"

	"github.com/straja-ai/imageguard/internal/activation"
	"github.com/straja-ai/imageguard/internal/config"
	"github.com/straja-ai/imageguard/internal/console"
	"github.com/straja-ai/imageguard/internal/guard"
	"github.com/straja-ai/imageguard/internal/metrics"
	"github.com/straja-ai/imageguard/internal/redact"
)

// RequestIDHeader carries the analysis request ID in both directions.
const RequestIDHeader = "X-Request-Id"

// Options wires optional collaborators into the server.
type Options struct {
	Metrics *metrics.Metrics
	Emitter *activation.Emitter
	// ActivationLevel is "metadata" or "full".
	ActivationLevel string
}

// Server wraps the HTTP server components for ImageGuard.
type Server struct {
	mux          *http.ServeMux
	httpServer   *http.Server
	cfg          config.ServerConfig
	guard        *guard.Guard
	metrics      *metrics.Metrics
	activation   *activation.Emitter
	loggingLevel string
	inFlight     *semaphore.Weighted
}

// New creates a new ImageGuard server with all routes registered.
func New(cfg *config.Config, g *guard.Guard, opts Options) *Server {
	mux := http.NewServeMux()

	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	maxInFlight := cfg.Server.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 1
	}

	s := &Server{
		mux:          mux,
		cfg:          cfg.Server,
		guard:        g,
		metrics:      m,
		activation:   opts.Emitter,
		loggingLevel: strings.ToLower(strings.TrimSpace(opts.ActivationLevel)),
		inFlight:     semaphore.NewWeighted(int64(maxInFlight)),
	}
	m.SetExperts(g.Statuses())

	// Routes
	mux.Handle("/", m.Instrument("/", s.indexHandler()))
	mux.Handle("/api/analyze", m.Instrument("/api/analyze", http.HandlerFunc(s.handleAnalyze)))
	mux.Handle("/healthz", m.Instrument("/healthz", http.HandlerFunc(s.handleHealth)))
	mux.Handle("/readyz", m.Instrument("/readyz", http.HandlerFunc(s.handleReady)))
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/robots.txt", console.RobotsHandler())

	s.httpServer = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	return s
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	redact.Logf("ImageGuard running on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// --- Handlers ---

func (s *Server) indexHandler() http.Handler {
	page := console.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		page.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintln(w, "ok")
}

type readyResponse struct {
	Ready   bool                 `json:"ready"`
	Experts []guard.ExpertStatus `json:"experts"`
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := readyResponse{Ready: s.guard.Ready(), Experts: s.guard.Statuses()}
	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// writeError writes a JSON error body.
func writeError(w http.ResponseWriter, status int, message, typ string) {
	writeJSON(w, status, errorBody{
		Error: errorDetail{
			Message: message,
			Type:    typ,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		redact.Logf("failed to write response: %v", err)
	}
}

// emitActivation builds and sends an analysis event via the configured emitter.
func (s *Server) emitActivation(ctx context.Context, params activation.BuildParams) {
	if s.activation == nil {
		return
	}
	params.Statuses = s.guard.Statuses()
	params.LoggingLevel = s.loggingLevel
	s.activation.Emit(ctx, activation.BuildEvent(params))
}
