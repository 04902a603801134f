// Package httpapi exposes the pipeline over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/ndvi-pipeline/internal/service"
)

// NewRouter wires middleware and routes.
func NewRouter(svc *service.Service, log zerolog.Logger) chi.Router {
	h := &handlers{svc: svc, log: log.With().Str("component", "httpapi").Logger()}

	r := chi.NewRouter()
	r.Use(Recover(h.log))
	r.Use(RequestID())
	r.Use(Observe(h.log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/farms/{farmID}/ndvi", func(r chi.Router) {
		r.Get("/timeseries", h.timeseries)
		r.Get("/latest", h.latest)
		r.Post("/refresh", h.refresh)
		r.Get("/raster.png", h.rasterPNG)
		r.Post("/raster/queue", h.rasterQueue)
	})
	r.Get("/ndvi/jobs/{jobID}", h.jobStatus)

	return r
}

// Run serves the router until the context is cancelled, then shuts down
// gracefully.
func Run(ctx context.Context, addr string, handler http.Handler, log zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("http listen")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
