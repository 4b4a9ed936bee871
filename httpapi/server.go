// Package httpapi exposes job submission, paper positions and metrics over
// HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/rustyeddy/walkforward/feed"
	"github.com/rustyeddy/walkforward/guard"
	"github.com/rustyeddy/walkforward/jobs"
	"github.com/rustyeddy/walkforward/journal"
	"github.com/rustyeddy/walkforward/ledger"
	"github.com/rustyeddy/walkforward/metrics"
)

// RunReader looks up stored results. *journal.SQLite satisfies it.
type RunReader interface {
	GetRun(ctx context.Context, runID string) (journal.RunSummary, error)
}

type Server struct {
	Queue     jobs.Queue
	Ledger    *ledger.Ledger
	Feed      feed.Source
	Timeframe string
	Runs      RunReader
	Metrics   *metrics.Registry
	Timeout   time.Duration
	Now       func() time.Time

	// ExitBandPct bounds a manual close price around the latest close.
	ExitBandPct float64

	router *mux.Router
}

// New builds the router. Ledger, Feed and Runs may be nil; their routes
// then answer 503.
func New(q jobs.Queue, l *ledger.Ledger, src feed.Source, runs RunReader, m *metrics.Registry) *Server {
	s := &Server{
		Queue:       q,
		Ledger:      l,
		Feed:        src,
		Timeframe:   "1h",
		ExitBandPct: guard.DefaultExitBandPct,
		Runs:        runs,
		Metrics:     m,
		Timeout:     10 * time.Second,
		Now:         time.Now,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := mux.NewRouter()
	r.Use(s.requestID)
	r.Use(s.logRequests)

	if s.Metrics != nil {
		r.Handle("/metrics", s.Metrics.Handler()).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/").Subrouter()
	api.Use(s.timeout)
	api.HandleFunc("/health", s.health).Methods(http.MethodGet)
	api.HandleFunc("/jobs", s.submitJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}", s.getJob).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}", s.getRun).Methods(http.MethodGet)
	api.HandleFunc("/positions", s.listPositions).Methods(http.MethodGet)
	api.HandleFunc("/positions/{id}/close", s.closePosition).Methods(http.MethodPost)
	api.HandleFunc("/trades", s.listTrades).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("http server listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Info().Msg("http server shutting down")
	if err := srv.Shutdown(shutdown); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type requestIDKey struct{}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()[:8]
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		id, _ := r.Context().Value(requestIDKey{}).(string)
		log.Debug().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) timeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.Timeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
