package server

import (
	"maps"
	"net/http"
	"net/url"

	"smartmock/oauth"
	"smartmock/session"
)

// AuthorizeRequest encapsulates parsed parameters for the authorization endpoint.
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	Audience            string
	Nonce               string
	Launch              string
	CodeChallenge       string
	CodeChallengeMethod string
}

func parseAuthorizeRequest(r *http.Request) AuthorizeRequest {
	f := r.Form
	return AuthorizeRequest{
		ResponseType:        f.Get("response_type"),
		ClientID:            f.Get("client_id"),
		RedirectURI:         f.Get("redirect_uri"),
		Scope:               f.Get("scope"),
		State:               f.Get("state"),
		Audience:            f.Get("aud"),
		Nonce:               f.Get("nonce"),
		Launch:              f.Get("launch"),
		CodeChallenge:       f.Get("code_challenge"),
		CodeChallengeMethod: f.Get("code_challenge_method"),
	}
}

// handleAuthorize issues an opaque code and redirects back to the client.
// Parameters are accepted from the query string or a form body. Problems
// the authorization request verifier reports later (missing state, aud,
// PKCE) do not block the redirect.
func (a *App) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	cw := newCaptureWriter(w)
	var sessionID string
	defer func() { a.record(r, cw, sessionID, session.TagAuthorization) }()

	if err := r.ParseForm(); err != nil {
		http.Error(cw, "invalid_request: invalid form", http.StatusBadRequest)
		return
	}
	req := parseAuthorizeRequest(r)

	if req.RedirectURI == "" {
		http.Error(cw, "Missing required redirect_uri parameter.", http.StatusBadRequest)
		return
	}
	if !isSafeRedirectURI(req.RedirectURI) {
		http.Error(cw, "Invalid redirect_uri parameter.", http.StatusBadRequest)
		return
	}

	sess, err := a.Sessions.FindByClientID(req.ClientID)
	if err != nil {
		a.Logger.Warn("authorize unknown client", "client_id", req.ClientID)
		oauthError(cw, req.RedirectURI, req.State, oauth.ErrorUnauthorizedClient, "unknown client_id")
		return
	}
	sessionID = sess.ID
	cw.Header().Set(sessionHeader, sess.ID)

	if !sess.AllowsRedirect(req.RedirectURI) {
		http.Error(cw, "Invalid redirect_uri parameter.", http.StatusBadRequest)
		return
	}
	if req.ResponseType != "" && req.ResponseType != "code" {
		oauthError(cw, req.RedirectURI, req.State, oauth.ErrorUnsupportedResponseType, "response_type must be code")
		return
	}
	switch req.CodeChallengeMethod {
	case "", oauth.MethodS256, oauth.MethodPlain:
	default:
		oauthError(cw, req.RedirectURI, req.State, oauth.ErrorInvalidRequest, "unsupported code_challenge_method")
		return
	}

	code, err := oauth.Encode(sess.ClientID, a.Config.SMART.CodeTTL, maps.Clone(sess.LaunchContext))
	if err != nil {
		a.Logger.Error("authorize issue code", "error", err)
		oauthError(cw, req.RedirectURI, req.State, oauth.ErrorServerError, "failed to issue code")
		return
	}

	redirect, err := url.Parse(req.RedirectURI)
	if err != nil {
		http.Error(cw, "Invalid redirect_uri parameter.", http.StatusBadRequest)
		return
	}
	values := redirect.Query()
	values.Set("code", code)
	if req.State != "" {
		values.Set("state", req.State)
	}
	redirect.RawQuery = values.Encode()

	a.Logger.Debug("authorization code issued", "session_id", sess.ID, "client_id", sess.ClientID)
	http.Redirect(cw, r, redirect.String(), http.StatusFound)
}

// oauthError redirects an authorization error back to the client, or
// answers with JSON when the redirect target is unsafe.
func oauthError(w http.ResponseWriter, redirectURI, state, code, desc string) {
	if redirectURI == "" || !isSafeRedirectURI(redirectURI) {
		oauth.NewError(http.StatusBadRequest, code, desc).WriteResponse(w)
		return
	}

	uri, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, desc, http.StatusBadRequest)
		return
	}
	q := uri.Query()
	q.Set("error", code)
	if desc != "" {
		q.Set("error_description", desc)
	}
	if state != "" {
		q.Set("state", state)
	}
	uri.RawQuery = q.Encode()
	w.Header().Set("Location", uri.String())
	w.WriteHeader(http.StatusFound)
}
