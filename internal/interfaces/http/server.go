// Package http is the service's HTTP surface: routing, authentication,
// backpressure and the JSON contract over the pricing pipeline.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/lendpool/locatepricer/internal/application"
	"github.com/lendpool/locatepricer/internal/domain"
	"github.com/lendpool/locatepricer/internal/ratelimit"
)

type ctxKey int

const identityKey ctxKey = iota

func identityFrom(ctx context.Context) (domain.ClientIdentity, bool) {
	id, ok := ctx.Value(identityKey).(domain.ClientIdentity)
	return id, ok
}

// Keyring resolves an API key to the client identity behind it.
type Keyring interface {
	Resolve(apiKey string) (domain.ClientIdentity, bool)
}

// StaticKeyring is a fixed key table loaded from configuration.
type StaticKeyring map[string]domain.ClientIdentity

func (k StaticKeyring) Resolve(apiKey string) (domain.ClientIdentity, bool) {
	id, ok := k[apiKey]
	return id, ok
}

// Options wires the server's collaborators.
type Options struct {
	Pricer   *application.Pricer
	Limiter  *ratelimit.Limiter
	Keyring  Keyring
	Metrics  http.Handler
	Deadline time.Duration // per-request budget, default 5s

	// Health probes; any may be nil.
	RedisPing     func(ctx context.Context) error
	DBPing        func(ctx context.Context) error
	BreakerStates func() map[string]string
}

// Server serves the pricing API.
type Server struct {
	router   *mux.Router
	pricer   *application.Pricer
	limiter  *ratelimit.Limiter
	keyring  Keyring
	deadline time.Duration
	log      zerolog.Logger

	redisPing     func(ctx context.Context) error
	dbPing        func(ctx context.Context) error
	breakerStates func() map[string]string
}

// New builds the router and middleware chain.
func New(opts Options, log zerolog.Logger) *Server {
	if opts.Deadline <= 0 {
		opts.Deadline = 5 * time.Second
	}
	s := &Server{
		router:        mux.NewRouter(),
		pricer:        opts.Pricer,
		limiter:       opts.Limiter,
		keyring:       opts.Keyring,
		deadline:      opts.Deadline,
		log:           log,
		redisPing:     opts.RedisPing,
		dbPing:        opts.DBPing,
		breakerStates: opts.BreakerStates,
	}
	if s.breakerStates == nil {
		s.breakerStates = func() map[string]string { return nil }
	}

	s.router.Use(s.recoverMiddleware, s.requestIDMiddleware, s.loggingMiddleware)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware, s.deadlineMiddleware)
	api.HandleFunc("/calculate-locate", s.handleCalculate).Methods(http.MethodPost, http.MethodGet)
	api.HandleFunc("/rates/{ticker}", s.handleRates).Methods(http.MethodGet)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if opts.Metrics != nil {
		s.router.Handle("/metrics", opts.Metrics).Methods(http.MethodGet)
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error().Interface("panic", rec).
					Str("path", r.URL.Path).Msg("handler panic")
				writeError(w, domain.ErrInternal)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := s.log.With().Str("request_id", id).Logger().WithContext(r.Context())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		zerolog.Ctx(r.Context()).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

// authMiddleware resolves X-API-Key to a ClientIdentity. An unknown
// key is indistinguishable from an unknown client.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client, ok := s.keyring.Resolve(r.Header.Get("X-API-Key"))
		if !ok {
			writeError(w, domain.ErrUnknownClient)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, client)))
	})
}

func (s *Server) deadlineMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.deadline)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
