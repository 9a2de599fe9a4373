package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with the SMART authorization server,
// the gated FHIR endpoint and the session administration API.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware(a.Config.Server.CORS))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/.well-known/smart-configuration", a.handleSMARTConfiguration)
	r.Get("/.well-known/openid-configuration", a.handleDiscovery)
	r.Get("/.well-known/jwks.json", a.handleJWKS)

	smart := a.Config.SMART
	r.Get(smart.AuthorizePath, a.handleAuthorize)
	r.Post(smart.AuthorizePath, a.handleAuthorize)

	r.Group(func(r chi.Router) {
		if a.Config.Server.RateLimit.RequestsPerSecond > 0 {
			r.Use(RateLimitMiddleware(a.Config.Server.RateLimit))
		}
		r.Post(smart.TokenPath, a.handleToken)
	})

	r.Route(smart.FHIRBasePath, func(r chi.Router) {
		r.Get("/.well-known/smart-configuration", a.handleSMARTConfiguration)
		r.Get("/metadata", a.handleCapabilityStatement)
		r.Get("/*", a.handleFHIR)
	})

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", a.handleCreateSession)
		r.Get("/", a.handleListSessions)
		r.Get("/{id}", a.handleGetSession)
		r.Get("/{id}/requests", a.handleSessionRequests)
		r.Get("/{id}/report", a.handleSessionReport)
	})

	return r
}
