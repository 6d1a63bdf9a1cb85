package agent

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/roost-run/roost/pkg/errdefs"
	"github.com/roost-run/roost/pkg/events"
	"github.com/roost-run/roost/pkg/log"
	"github.com/roost-run/roost/pkg/metrics"
	"github.com/roost-run/roost/pkg/registry"
	"github.com/roost-run/roost/pkg/runtime"
)

// Config holds the agent's runtime parameters.
type Config struct {
	NodeID     string
	ListenAddr string
	// Token is the shared bearer token required on every instance
	// endpoint. Health and metrics stay open for scrapers.
	Token string
}

// Server is the node agent's HTTP API. It is the only writer to the
// local runtime: every lifecycle request serializes per instance name
// so concurrent calls for the same tool cannot interleave.
type Server struct {
	cfg      Config
	runtime  runtime.Runtime
	registry *registry.Registry
	broker   *events.Broker
	logger   zerolog.Logger

	httpServer *http.Server
}

// NewServer wires the agent API around an already-connected runtime.
func NewServer(cfg Config, rt runtime.Runtime, reg *registry.Registry, broker *events.Broker) *Server {
	s := &Server{
		cfg:      cfg,
		runtime:  rt,
		registry: reg,
		broker:   broker,
		logger:   log.WithNodeID(cfg.NodeID).With().Str("component", "agent").Logger(),
	}

	mux := http.NewServeMux()
	mux.Handle("POST /v1/instances", s.authenticated("deploy", s.handleDeploy))
	mux.Handle("GET /v1/instances", s.authenticated("list", s.handleList))
	mux.Handle("GET /v1/instances/{name}", s.authenticated("status", s.handleGet))
	mux.Handle("POST /v1/instances/{name}/start", s.authenticated("start", s.handleStart))
	mux.Handle("POST /v1/instances/{name}/stop", s.authenticated("stop", s.handleStop))
	mux.Handle("DELETE /v1/instances/{name}", s.authenticated("remove", s.handleRemove))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the agent's HTTP handler for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start rehydrates the registry from the runtime, then serves the API
// until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	rehydrateCtx, cancel := context.WithTimeout(ctx, 2*runtime.DefaultCallTimeout)
	n, err := s.registry.Rehydrate(rehydrateCtx, s.runtime)
	cancel()
	if err != nil {
		// A dead engine at boot is not fatal. The registry stays empty
		// and per-request rehydrates fill it in once the engine is back.
		s.logger.Warn().Err(err).Msg("startup rehydrate failed, continuing with empty registry")
	} else {
		s.publish(&events.Event{
			Type:    events.EventRegistryRehydrated,
			NodeID:  s.cfg.NodeID,
			Message: fmt.Sprintf("recovered %d instances", n),
		})
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("agent API listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// authenticated wraps a handler with bearer-token auth and per-request
// metrics and logging.
func (s *Server) authenticated(operation string, next func(http.ResponseWriter, *http.Request)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			metrics.APIRequestsTotal.WithLabelValues(operation, strconv.Itoa(http.StatusUnauthorized)).Inc()
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}

		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)

		metrics.APIRequestsTotal.WithLabelValues(operation, strconv.Itoa(rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(operation).Observe(timer.Duration().Seconds())
		s.logger.Debug().
			Str("operation", operation).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", timer.Duration()).
			Msg("request handled")
	})
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) == 1
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// errorResponse is the JSON body for every non-2xx instance endpoint
// response. Kind lets clients rebuild the classification without
// parsing messages.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeClassifiedError maps the error's kind to an HTTP status and
// carries the kind in the body so the client can reconstruct it.
func writeClassifiedError(w http.ResponseWriter, err error) {
	writeJSON(w, errdefs.HTTPStatus(err), errorResponse{
		Error: err.Error(),
		Kind:  errdefs.KindOf(err).String(),
	})
}

func (s *Server) publish(e *events.Event) {
	if s.broker != nil {
		s.broker.Publish(e)
	}
}

// callCtx bounds a single runtime call so one wedged engine request
// cannot hold an instance lock forever.
func callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, runtime.DefaultCallTimeout)
}
