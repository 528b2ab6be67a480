// Package server implements the HTTP transport layer for the cursorgate
// gateway: the OpenAI and Anthropic compatible chat surfaces plus the
// admin API.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cursorgate/cursorgate/internal/app"
	"github.com/cursorgate/cursorgate/internal/auth"
	"github.com/cursorgate/cursorgate/internal/config"
	"github.com/cursorgate/cursorgate/internal/cursor"
	"github.com/cursorgate/cursorgate/internal/models"
	"github.com/cursorgate/cursorgate/internal/proxypool"
	"github.com/cursorgate/cursorgate/internal/telemetry"
	"github.com/cursorgate/cursorgate/internal/token"
)

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Config   *config.Config
	Admitter *auth.Admitter
	Chat     *app.ChatService
	Tokens   *app.TokenManager
	Logs     *app.LogManager
	Models   *models.Registry
	Proxies  *proxypool.Pool
	Parser   *token.Parser
	Pool     *token.Pool
	Upstream *cursor.Client
	Metrics  *telemetry.Metrics
	PromReg  *prometheus.Registry // nil = no /metrics endpoint
}

// New creates an http.Handler with all routes and middleware wired. All
// API routes live under the configured route prefix; health and metrics
// stay at the root.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	root := chi.NewRouter()
	root.Use(s.recovery)
	root.Use(s.requestID)
	root.Use(s.logging)
	root.Use(s.instrument)

	root.Get("/health", s.handleHealth)
	root.Get("/healthz", s.handleHealth)
	if deps.PromReg != nil {
		root.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(deps.PromReg, promhttp.HandlerOpts{}))
	}

	mount := func(r chi.Router) {
		// Client-facing API (admission required).
		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Post("/v1/chat/completions", s.handleChatCompletions)
			r.Post("/v1/messages", s.handleMessages)
			r.Get("/v1/models", s.handleListModels)
		})

		// Admin API (admin credential required).
		r.Route("/v1/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Get("/tokens", s.handleListTokens)
			r.Post("/tokens", s.handleAddToken)
			r.Delete("/tokens/{id}", s.handleRemoveToken)
			r.Patch("/tokens/{id}", s.handleUpdateToken)
			r.Get("/tokens/{id}/profile", s.handleTokenProfile)
			r.Get("/logs", s.handleListLogs)
			r.Get("/proxies", s.handleListProxies)
			r.Post("/proxies", s.handleAddProxy)
			r.Delete("/proxies/{name}", s.handleRemoveProxy)
			r.Put("/proxies/general", s.handleSetGeneralProxy)
			r.Get("/config", s.handleGetConfig)
			r.Post("/build-key", s.handleBuildKey)
		})
	}

	if prefix := deps.Config.Server.RoutePrefix; prefix != "" && prefix != "/" {
		root.Route(prefix, mount)
	} else {
		mount(root)
	}

	return root
}

type server struct {
	deps Deps
}
