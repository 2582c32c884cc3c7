// Package inspect serves an optional HTTP endpoint for humans to look at a
// running harness session: health, a live screenshot, and the results
// gathered so far. It is collaborator-facing only and plays no part in the
// pass/fail protocol.
package inspect

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/probelab/uiprobe/lib/logger"
	"github.com/probelab/uiprobe/lib/runner"
	"github.com/probelab/uiprobe/lib/snapshot"
)

// Server exposes the inspection routes.
type Server struct {
	capturer  snapshot.Capturer
	resultsFn func() runner.Summary
	startTime time.Time
}

// New returns a Server capturing live frames through capturer and reading
// current results through resultsFn (called per request; must be safe to
// call from another goroutine).
func New(capturer snapshot.Capturer, resultsFn func() runner.Summary) *Server {
	return &Server{capturer: capturer, resultsFn: resultsFn, startTime: time.Now()}
}

// Handler builds the chi router with the standard middleware stack.
func (s *Server) Handler(slogger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(
		chiMiddleware.Recoverer,
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				next.ServeHTTP(w, req.WithContext(logger.AddToContext(req.Context(), slogger)))
			})
		},
	)
	r.Get("/health", s.handleHealth)
	r.Get("/screenshot", s.handleScreenshot)
	r.Get("/results", s.handleResults)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":     "ok",
		"uptime_sec": int(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleScreenshot(w http.ResponseWriter, req *http.Request) {
	log := logger.FromContext(req.Context())
	data, err := s.capturer.CapturePNG(req.Context(), nil)
	if err != nil {
		log.Error("live screenshot failed", "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(data)
}

func (s *Server) handleResults(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.resultsFn())
}

// Serve runs the inspection server until ctx is cancelled, then shuts it
// down gracefully. Always returns nil after a clean shutdown.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
