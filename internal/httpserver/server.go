// Package httpserver exposes the signaling broker over HTTP.
package httpserver

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/perchcam/signaling-broker/internal/auth"
	"github.com/perchcam/signaling-broker/internal/broker"
	"github.com/perchcam/signaling-broker/internal/config"
	"github.com/perchcam/signaling-broker/internal/metrics"
	"github.com/perchcam/signaling-broker/internal/ratelimit"
)

var ErrServerClosed = http.ErrServerClosed

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// Broker bundles the signaling components the HTTP layer fronts.
type Broker struct {
	Presence *broker.Presence
	Registry *broker.Registry
	Relay    *broker.Relay
	Exchange *broker.Exchange
}

type Server struct {
	log   zerolog.Logger
	cfg   config.Config
	build BuildInfo

	broker   Broker
	verifier auth.Verifier
	limiter  *ratelimit.PollLimiter
	metrics  *metrics.Metrics
	clock    ratelimit.Clock

	ready atomic.Bool

	router *mux.Router
	srv    *http.Server
}

func New(cfg config.Config, b Broker, verifier auth.Verifier, m *metrics.Metrics, clock ratelimit.Clock, log zerolog.Logger, build BuildInfo) *Server {
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	s := &Server{
		log:      log,
		cfg:      cfg,
		build:    build,
		broker:   b,
		verifier: verifier,
		limiter:  ratelimit.NewPollLimiter(clock, int64(cfg.PollBurst), int64(cfg.PollRatePerSecond), 0),
		metrics:  m,
		clock:    clock,
		router:   mux.NewRouter(),
	}

	s.registerRoutes()
	s.router.Use(
		s.recoverMiddleware,
		requestIDMiddleware,
		s.requestLoggerMiddleware,
	)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		// WriteTimeout is enforced per request by writeDeadlineMiddleware
		// rather than here: /v1/sessions/{id}/watch holds a WebSocket open for
		// the life of the session and must not inherit a server-wide deadline.
	}

	return s
}

// Handler returns the root handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info().Str("addr", l.Addr().String()).Msg("http server serving")
	return s.srv.Serve(l)
}

func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}).Methods(http.MethodGet)

	s.router.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ready": true})
	}).Methods(http.MethodGet)

	s.router.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.build)
	}).Methods(http.MethodGet)

	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/v1").Subrouter()
	api.Use(s.authMiddleware, s.writeDeadlineMiddleware)

	api.HandleFunc("/devices/{deviceId}/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	api.HandleFunc("/devices/{deviceId}/offline", s.handleOffline).Methods(http.MethodPost)
	api.HandleFunc("/devices/{deviceId}", s.handleDeviceStatus).Methods(http.MethodGet)

	api.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.handleCloseSession).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{id}/cancel", s.handleCancelSession).Methods(http.MethodPost)

	api.HandleFunc("/sessions/{id}/offer", s.handleSubmitOffer).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/offer", s.rateLimited("offer", s.handlePollOffer)).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/answer", s.handleSubmitAnswer).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/answer", s.rateLimited("answer", s.handlePollAnswer)).Methods(http.MethodGet)

	api.HandleFunc("/sessions/{id}/candidates", s.handleAppendCandidate).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/candidates", s.rateLimited("candidates", s.handlePollCandidates)).Methods(http.MethodGet)

	api.HandleFunc("/sessions/{id}/watch", s.handleWatch).Methods(http.MethodGet)
}

type principalKey struct{}

func principalFrom(ctx context.Context) auth.Principal {
	p, _ := ctx.Value(principalKey{}).(auth.Principal)
	return p
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cred, err := auth.CredentialFromRequest(s.cfg.AuthMode, r)
		if err != nil {
			s.writeError(w, r, http.StatusUnauthorized, "missing_credentials", "missing credentials")
			return
		}
		principal, err := s.verifier.Verify(cred)
		if err != nil {
			s.writeError(w, r, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimited wraps a polling handler with the per-caller budget. Keys are
// the principal when authenticated, otherwise the remote IP.
func (s *Server) rateLimited(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(s.limiterKey(r)) {
			s.metrics.PollRateLimited()
			s.metrics.PollServed(endpoint, "rate_limited")
			s.writeError(w, r, http.StatusTooManyRequests, "rate_limited", "poll budget exhausted, slow down")
			return
		}
		next(w, r)
	}
}

func (s *Server) limiterKey(r *http.Request) string {
	if p := principalFrom(r.Context()); p.ID != "" {
		return "principal:" + p.ID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "addr:" + r.RemoteAddr
	}
	return "addr:" + host
}

// writeDeadlineMiddleware bounds how long each response write may take. The
// watch handler lifts the deadline again before upgrading, since its socket
// stays open for the life of the session.
func (s *Server) writeDeadlineMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.WriteTimeout > 0 {
			rc := http.NewResponseController(w)
			_ = rc.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			// Clear the connection deadline for keep-alive reuse. On an
			// upgraded watch socket this is a no-op error.
			defer func() { _ = rc.SetWriteDeadline(time.Time{}) }()
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error().
					Interface("recover", rec).
					Str("stack", string(debug.Stack())).
					Msg("panic in http handler")
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			var buf [16]byte
			if _, err := rand.Read(buf[:]); err == nil {
				reqID = hex.EncodeToString(buf[:])
			}
		}
		if reqID != "" {
			r.Header.Set("X-Request-ID", reqID)
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack keeps the WebSocket upgrade on /watch working behind the logging
// middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer's deadline
// controls through this wrapper.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (s *Server) requestLoggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(sw, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Str("remote_addr", r.RemoteAddr).
			Str("request_id", r.Header.Get("X-Request-ID")).
			Msg("http_request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: errorBody{Code: code, Message: message}})
}
