package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	mW "github.com/moneygood/backend/internal/middleware"
)

// RouterConfig wires the HTTP surface.
type RouterConfig struct {
	Deals          *DealHandler
	Webhooks       *WebhookHandler
	JWTSecret      string
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// NewRouter builds the API router. Everything under /api/v1 except the
// processor webhook requires a bearer token.
func NewRouter(config RouterConfig) http.Handler {
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = []string{"https://*", "http://*"}
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 60 * time.Second
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(config.RequestTimeout))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		// Processor callbacks authenticate with their signature
		if config.Webhooks != nil {
			r.Post("/webhooks/payments", config.Webhooks.HandlePaymentEvent)
		}

		r.Group(func(r chi.Router) {
			r.Use(mW.RequireAuth(config.JWTSecret))
			config.Deals.Routes(r)
		})
	})

	return r
}
