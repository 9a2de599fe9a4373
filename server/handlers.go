package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"smartmock/assertion"
	"smartmock/session"
)

// sessionHeader echoes the resolved test session on recorded responses.
const sessionHeader = "X-Smart-Session"

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config     Config
	Logger     *slog.Logger
	Sessions   *session.Registry
	Store      *session.Store
	JWKS       *JWKSManager
	IDTokens   *IDTokenIssuer
	Assertions *assertion.Validator
	Replay     assertion.ReplayCache

	now func() time.Time
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	jwks, err := NewJWKSManager(cfg.Server.SecretsPath, cfg.SMART.KeyRotation, logger)
	if err != nil {
		return nil, fmt.Errorf("init jwks: %w", err)
	}

	replay := assertion.NewMemoryReplayCache()
	resolver := assertion.NewJWKSResolver(&http.Client{Timeout: 10 * time.Second}, cfg.SMART.TrustedJKUHosts)

	app := &App{
		Config:     cfg,
		Logger:     logger,
		Sessions:   session.NewRegistry(),
		Store:      session.NewStore(),
		JWKS:       jwks,
		IDTokens:   NewIDTokenIssuer(jwks, cfg.Issuer(), cfg.FHIRBaseURL(), cfg.SMART.IDTokenTTL),
		Assertions: assertion.NewValidator(resolver, replay, logger),
		Replay:     replay,
		now:        time.Now,
	}

	for _, reg := range cfg.Sessions {
		sess, err := app.Sessions.Create(reg)
		if err != nil {
			return nil, fmt.Errorf("register session %q: %w", reg.ID, err)
		}
		logger.Info("session registered", "session_id", sess.ID, "client_id", sess.ClientID, "client_type", sess.ClientType)
	}

	return app, nil
}

// replayNamespace picks the jti ledger partition for a session.
func (a *App) replayNamespace(sess session.Session) string {
	if a.Config.SMART.ReplayScope == ReplayScopeServer {
		return ""
	}
	return sess.ID
}

// record stores the exchange handled through cw.
func (a *App) record(r *http.Request, cw *captureWriter, sessionID string, tags ...session.Tag) {
	headers := r.Header.Clone()
	query := r.URL.Query()
	var body url.Values
	if r.PostForm != nil {
		body = cloneValues(r.PostForm)
	}
	a.Store.Record(session.Request{
		SessionID:       sessionID,
		Verb:            r.Method,
		URL:             a.Config.Issuer() + r.URL.RequestURI(),
		Headers:         headers,
		Query:           query,
		Body:            body,
		Status:          cw.Status(),
		ResponseHeaders: cw.Header().Clone(),
		ResponseBody:    cw.body.String(),
		Tags:            tags,
	})
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
