// Package server assembles the HTTP API and the gRPC health server.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	connectionhandler "ticketbridge/internal/connection/handler"
	"ticketbridge/internal/health"
	identityhandler "ticketbridge/internal/identity/handler"
	"ticketbridge/internal/server/httpx"
	"ticketbridge/internal/server/middleware"
	"ticketbridge/internal/telemetry/metrics"
	tickethandler "ticketbridge/internal/ticket/handler"
)

// requestTimeout bounds each API request, including its provider calls.
const requestTimeout = 60 * time.Second

// RouterDeps are the dependencies of NewRouter.
type RouterDeps struct {
	// Sessions resolves bearer tokens on protected routes.
	Sessions middleware.TokenVerifier
	// RateLimiter limits login and register per client IP. Nil disables it.
	RateLimiter *middleware.RateLimiter

	Auth        identityhandler.AuthService
	Connector   connectionhandler.Connector
	Connections connectionhandler.Connections
	Tickets     tickethandler.Tickets

	// Health backs /healthz and /readyz. Nil reports ready unconditionally.
	Health *health.Checker
	// Gatherer backs /metrics. Nil omits the route.
	Gatherer prometheus.Gatherer
}

// NewRouter returns the HTTP API.
//
// Public: register, login (rate limited), the OAuth callback, probes and metrics.
// Everything else requires a session bearer token.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CaptureClientIP)
	r.Use(middleware.AccessLog(map[string]bool{"/healthz": true, "/readyz": true, "/metrics": true}))

	checker := deps.Health
	if checker == nil {
		checker = health.NewChecker(nil, nil)
	}
	r.Get("/healthz", checker.Live)
	r.Get("/readyz", checker.Ready)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	authHandler := identityhandler.NewAuthHandler(deps.Auth)
	oauthHandler := connectionhandler.NewOAuthHandler(deps.Connector, deps.Connections)
	ticketHandler := tickethandler.NewTicketHandler(deps.Tickets)
	requireSession := middleware.RequireSession(deps.Sessions)

	r.Route("/api", func(r chi.Router) {
		r.Use(chimw.Timeout(requestTimeout))

		r.Route("/auth", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				if deps.RateLimiter != nil {
					r.Use(deps.RateLimiter.Middleware)
				}
				r.Post("/register", authHandler.Register)
				r.Post("/login", authHandler.Login)
			})
			r.With(requireSession).Post("/logout", authHandler.Logout)
			r.With(requireSession).Get("/me", authHandler.Me)
		})

		r.Route("/oauth/{provider}", func(r chi.Router) {
			r.Get("/callback", oauthHandler.Callback)
			r.Group(func(r chi.Router) {
				r.Use(requireSession)
				r.Get("/connect", oauthHandler.Connect)
				r.Get("/status", oauthHandler.Status)
				r.Delete("/", oauthHandler.Disconnect)
			})
		})

		r.Route("/tickets", func(r chi.Router) {
			r.Use(requireSession)
			r.Post("/", ticketHandler.Create)
			r.Get("/", ticketHandler.List)
			r.Post("/bulk", ticketHandler.Bulk)
			r.Post("/{provider}/{linkID}/sync", ticketHandler.Sync)
			r.Post("/{provider}/{linkID}/transition", ticketHandler.Transition)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteMessage(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteMessage(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}
