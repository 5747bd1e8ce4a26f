package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Muhammedshibil-123/MyCalo-AI-sub000/internal/api/middleware"
	"github.com/Muhammedshibil-123/MyCalo-AI-sub000/internal/auth"
	"github.com/Muhammedshibil-123/MyCalo-AI-sub000/internal/handlers"
)

// jsonBodyLimit caps non-upload request bodies.
const jsonBodyLimit = 64 << 10

// Options configures the router.
type Options struct {
	Handler  *handlers.Handler
	Verifier *auth.Verifier

	// RedisClient enables rate limiting when set.
	RedisClient *redis.Client
	RateLimit   middleware.RateLimiterConfig

	// MediaDir serves locally stored uploads under /media/ when set.
	MediaDir      string
	MaxUploadSize int64
}

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, opts Options) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.ValidateRequest)

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	if opts.RedisClient != nil {
		limiter := middleware.NewRateLimiter(opts.RedisClient, logger, opts.RateLimit)
		r.Use(limiter.Middleware)
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Sec-WebSocket-Protocol"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := opts.Handler
	authMw := middleware.NewAuthMiddleware(opts.Verifier)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", h.Health)

	// The socket authenticates itself through its subprotocol
	r.Get("/ws/chat/{room}/", h.RoomSocket)

	if opts.MediaDir != "" {
		r.Handle("/media/*", http.StripPrefix("/media/", http.FileServer(http.Dir(opts.MediaDir))))
	}

	r.Route("/chat", func(r chi.Router) {
		r.Use(authMw.RequireAuth)

		r.With(middleware.MaxBodySize(maxUpload(opts.MaxUploadSize))).Post("/upload/", h.Upload)

		r.Group(func(r chi.Router) {
			r.Use(middleware.MaxBodySize(jsonBodyLimit))
			r.Post("/resolve/{room_id}/", h.ResolveConsultation)
			r.Get("/doctor-consultations/", h.DoctorConsultations)
		})
	})

	return r
}

func maxUpload(n int64) int64 {
	if n <= 0 {
		return 50 << 20
	}
	// Room for the multipart envelope around the file
	return n + 1<<20
}
