package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(apiHandler *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)       // Basic request logging
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling

	r.Handle("/metrics", promhttp.Handler())

	// All API routes will be under /api
	r.Route("/api", func(r chi.Router) {
		// Public routes
		r.Post("/signup", apiHandler.SignupHandler)
		r.Post("/login", apiHandler.LoginHandler)
		r.Get("/health", apiHandler.HealthHandler)

		// Billing provider callbacks, authenticated by shared secret
		r.Post("/billing/subscription", apiHandler.SubscriptionWebhookHandler)

		// Sends also accept expired tokens so the draft survives re-authentication
		r.With(apiHandler.SendAuthMiddleware).Post("/threads/{threadID}/messages", apiHandler.PostMessageHandler)

		// User-authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(apiHandler.JWTAuthMiddleware)

			// Thread routes
			r.Post("/threads", apiHandler.CreateThreadHandler)
			r.Get("/threads", apiHandler.ListThreadsHandler)
			r.Put("/threads/{threadID}/active", apiHandler.OpenThreadHandler)
			r.Delete("/threads/{threadID}/active", apiHandler.CloseThreadHandler)
			r.Delete("/threads/{threadID}/messages/{messageID}", apiHandler.DeleteMessageHandler)

			// Client state
			r.Get("/state", apiHandler.StateHandler)
			r.Post("/resume", apiHandler.ResumeHandler)
			r.Post("/paywall/dismiss", apiHandler.DismissPaywallHandler)
			r.Post("/draft/take", apiHandler.TakeDraftHandler)
		})
	})

	return r
}
