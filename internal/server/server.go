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
	"go.uber.org/zap"

	"spatialtag/internal/config"
	"spatialtag/internal/domain/discovery"
	"spatialtag/internal/server/handlers"
)

// Deps holds the collaborators the HTTP surface serves
type Deps struct {
	Discovery discovery.Service
	Streams   handlers.StreamRecorder
	Metrics   http.Handler                    // optional /metrics handler
	Health    func(ctx context.Context) error // optional readiness probe
	Logger    *zap.Logger
}

// Server represents the HTTP server
type Server struct {
	server *http.Server
	router *chi.Mux
}

// NewServer creates a new HTTP server
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	router := chi.NewRouter()
	logger := deps.Logger

	// Middleware
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLogger(logger))
	router.Use(middleware.Recoverer)

	// CORS configuration
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CorsOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type",
			handlers.HeaderCallerID, handlers.HeaderCallerStatus, handlers.HeaderCallerPrivacy},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Create handler dependencies
	tagHandler := handlers.NewTagHandler(deps.Discovery, logger)
	profileHandler := handlers.NewProfileHandler(deps.Discovery, logger)
	wsConfig := handlers.DefaultWebSocketConfig()
	wsConfig.AllowedOrigins = cfg.CorsOrigins
	streamHandler := handlers.NewStreamHandler(deps.Discovery, deps.Streams, wsConfig, logger)

	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 5 * time.Second
	}

	// Routes
	router.Route("/api", func(r chi.Router) {
		// Health check
		r.Get("/health", healthHandler(deps.Health))

		// API version
		r.Route("/v1", func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))
			r.Use(handlers.Authenticate(logger))

			// Tags API
			r.Route("/tags", func(r chi.Router) {
				r.Post("/", tagHandler.CreateTag)
				r.Get("/nearby", tagHandler.GetNearbyTags)
				r.Post("/batch", tagHandler.BatchCreateTags)
				r.Get("/{id}", tagHandler.GetTag)
				r.Patch("/{id}", tagHandler.UpdateTag)
				r.Delete("/{id}", tagHandler.DeleteTag)
				r.Post("/{id}/interactions", tagHandler.RecordInteraction)
			})

			// Profiles API
			r.Route("/profiles", func(r chi.Router) {
				r.Put("/me", profileHandler.UpsertProfile)
				r.Put("/me/location", profileHandler.UpdateLocation)
				r.Get("/nearby", profileHandler.FindNearbyProfiles)
			})
		})
	})

	// WebSocket endpoint for tag update streams
	router.With(handlers.Authenticate(logger)).Get("/ws/tags", streamHandler.StreamTags)

	if deps.Metrics != nil {
		router.Handle("/metrics", deps.Metrics)
	}

	// Create HTTP server
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

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func healthHandler(check func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			if err := check(r.Context()); err != nil {
				http.Error(w, "UNAVAILABLE", http.StatusServiceUnavailable)
				return
			}
		}
		w.Write([]byte("OK"))
	}
}

// requestLogger writes one structured access log line per request
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("HTTP request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("elapsed", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
