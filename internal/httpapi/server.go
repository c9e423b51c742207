// Package httpapi exposes the tick trigger and a health probe over HTTP.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"storyloom/internal/tick"
	logx "storyloom/pkg/logx"
)

type Ticker interface {
	Run(ctx context.Context) tick.Summary
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the handlers. Token is read on every request so a config
// reload can rotate it.
type Server struct {
	ticker Ticker
	pinger Pinger
	token  func() string
	log    logx.Logger

	profiler bool
}

func NewServer(ticker Ticker, pinger Pinger, token func() string, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{ticker: ticker, pinger: pinger, token: token, log: log.With(logx.String("comp", "httpapi"))}
}

// EnableProfiler mounts the runtime profiler under /debug. Call before Router.
func (s *Server) EnableProfiler() { s.profiler = true }

// Router builds the chi router.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(s.token))
		r.Post("/api/cron/tick", s.handleTick)
		r.Get("/api/cron/tick", s.handleTick)
		if s.profiler {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if s.pinger != nil {
		if err := s.pinger.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	sum := s.ticker.Run(r.Context())
	status := http.StatusOK
	if sum.Aborted() {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, sum)
}

// BearerAuth rejects requests whose bearer token does not match token().
// An empty configured token rejects everything.
func BearerAuth(token func() string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			want := ""
			if token != nil {
				want = token()
			}
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			got = strings.TrimSpace(got)
			if !ok || got == "" || want == "" || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
