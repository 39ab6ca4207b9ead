// internal/server/server.go

package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nomadnet/internal/config"
	"nomadnet/internal/logging"
	"nomadnet/internal/server/handlers"
)

// Dependencies are the services the local API exposes
type Dependencies struct {
	// Base is the lifetime of tracking started through the API
	Base      context.Context
	Tracker   handlers.Tracker
	Realtime  handlers.Realtime
	Store     handlers.NearbyReader
	Refresher handlers.Refresher
}

// Server represents the HTTP server
type Server struct {
	server *http.Server
	router *chi.Mux
}

// NewServer creates a new HTTP server
func NewServer(cfg config.ServerConfig, deps Dependencies) *Server {
	router := NewRouter(cfg, deps)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return &Server{
		server: httpServer,
		router: router,
	}
}

// NewRouter builds the routes
func NewRouter(cfg config.ServerConfig, deps Dependencies) *chi.Mux {
	router := chi.NewRouter()

	// Middleware
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	// CORS configuration
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CorsOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	nearbyHandler := handlers.NewNearbyHandler(deps.Store, deps.Refresher)
	trackingHandler := handlers.NewTrackingHandler(deps.Base, deps.Tracker, deps.Realtime, deps.Store)

	router.Route("/api", func(r chi.Router) {
		// Health check
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})

		r.Route("/v1", func(r chi.Router) {
			r.Route("/nearby", func(r chi.Router) {
				r.Get("/", nearbyHandler.GetSnapshot)
				r.Post("/refresh", nearbyHandler.Refresh)
				r.Get("/{kind}", nearbyHandler.GetKind)
			})

			r.Get("/location", trackingHandler.GetLocation)
			r.Get("/status", trackingHandler.GetStatus)

			r.Route("/tracking", func(r chi.Router) {
				r.Post("/start", trackingHandler.Start)
				r.Post("/stop", trackingHandler.Stop)
				r.Post("/permission", trackingHandler.GrantPermission)
			})

			r.Post("/realtime/reconnect", trackingHandler.Reconnect)
		})
	})

	router.Handle("/metrics", promhttp.Handler())

	return router
}

// requestLogger logs every request through zerolog
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()

		next.ServeHTTP(ww, r)

		logging.Debug().
			Str("component", "http").
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("took", time.Since(started)).
			Msg("Request served")
	})
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
