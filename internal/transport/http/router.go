package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chat-link/internal/config"
	"github.com/go-chat-link/internal/transport/http/handler"
	appmiddleware "github.com/go-chat-link/internal/transport/http/middleware"
	"golang.org/x/time/rate"
)

// NewRouter builds and returns the application router.
func NewRouter(cfg *config.Config, deps *Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	var authMw func(http.Handler) http.Handler
	if deps.JWTProvider != nil {
		authMw = appmiddleware.Auth(deps.JWTProvider)
	} else {
		authMw = func(next http.Handler) http.Handler { return next }
	}

	// Each code request replaces the caller's pending code; 1/s with a burst of 5 per IP.
	codeRL := appmiddleware.NewRateLimiter(rate.Limit(1), 5)

	healthH := handler.NewHealthHandler(deps.LinkLoop)
	linkH := handler.NewChatLinkHandler(deps.ChatLink)

	r.Route("/v1", func(r chi.Router) {
		// ── Public routes (no auth) ──────────────────────────────────────────
		r.Get("/health-check/{action}", healthH.Ping)

		// ── Authenticated routes ─────────────────────────────────────────────
		r.Group(func(r chi.Router) {
			r.Use(authMw)

			r.Route("/chat-link", func(r chi.Router) {
				r.With(codeRL.Limit).Post("/request", linkH.Request)
				r.Post("/cancel", linkH.Cancel)
				r.Post("/unlink", linkH.Unlink)
				r.Get("/status", linkH.Status)
			})
		})
	})

	return r
}
