package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	mw "github.com/kiranshivaraju/bugshot/internal/api/middleware"
	"github.com/kiranshivaraju/bugshot/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	// CORSOrigins applies to the public ingest route only. Empty allows any
	// origin, which is what browser SDKs embedded in customer sites need.
	CORSOrigins []string

	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler
	IngestHandler  http.HandlerFunc

	ListErrors   http.HandlerFunc
	GetError     http.HandlerFunc
	ResolveError http.HandlerFunc
	IgnoreError  http.HandlerFunc
	ReopenError  http.HandlerFunc

	TestChannel http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// SDK ingest authenticates with the project key in the body, not a
	// management bearer token.
	r.Group(func(r chi.Router) {
		r.Use(ingestCORS(deps.CORSOrigins).Handler)

		r.Post("/api/v1/ingest", orNotImplemented(deps.IngestHandler))
		r.Options("/api/v1/ingest", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Get("/api/v1/errors", orNotImplemented(deps.ListErrors))
		r.Get("/api/v1/errors/{errorID}", orNotImplemented(deps.GetError))
		r.Put("/api/v1/errors/{errorID}/resolve", orNotImplemented(deps.ResolveError))
		r.Put("/api/v1/errors/{errorID}/ignore", orNotImplemented(deps.IgnoreError))
		r.Put("/api/v1/errors/{errorID}/reopen", orNotImplemented(deps.ReopenError))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("admin"))

			r.Post("/api/v1/channels/{channelID}/test", orNotImplemented(deps.TestChannel))
		})
	})

	return r
}

func ingestCORS(origins []string) *cors.Cors {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-API-Key"},
		MaxAge:         600,
	})
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
