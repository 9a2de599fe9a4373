package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"smartmock/oauth"
	"smartmock/session"
)

// smartTokensKey holds the access tokens issued to a session, newline separated.
const smartTokensKey = "smart_tokens"

func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	cw := newCaptureWriter(w)
	var (
		sessionID string
		tags      = []session.Tag{session.TagToken}
	)
	defer func() { a.record(r, cw, sessionID, tags...) }()

	if err := r.ParseForm(); err != nil {
		oauth.NewError(http.StatusBadRequest, oauth.ErrorInvalidRequest, "invalid form").WriteResponse(cw)
		return
	}

	grant, err := oauth.ParseGrantType(r.PostForm.Get("grant_type"))
	if err != nil {
		oauth.NewError(http.StatusBadRequest, oauth.ErrorUnsupportedGrantType, err.Error()).WriteResponse(cw)
		return
	}
	tags = append(tags, session.Tag(grant.String()))

	sess, oerr := a.authenticateClient(r.Context(), r, grant)
	if sess.ID != "" {
		sessionID = sess.ID
		cw.Header().Set(sessionHeader, sess.ID)
	}
	if oerr != nil {
		oerr.WriteResponse(cw)
		return
	}

	var resp TokenResponse
	switch grant {
	case oauth.GrantAuthorizationCode:
		resp, oerr = a.exchangeAuthorizationCode(r, sess)
	case oauth.GrantRefreshToken:
		resp, oerr = a.exchangeRefreshToken(r, sess)
	case oauth.GrantClientCredentials:
		resp, oerr = a.exchangeClientCredentials(r, sess)
	}
	if oerr != nil {
		a.Logger.Info("token request rejected", "session_id", sess.ID, "grant_type", grant.String(), "error", oerr.Code, "error_description", oerr.Description)
		oerr.WriteResponse(cw)
		return
	}

	a.rememberToken(sess.ID, resp.AccessToken)

	cw.Header().Set("Cache-Control", "no-store")
	cw.Header().Set("Pragma", "no-cache")
	cw.Header().Set("Content-Type", "application/json")
	cw.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(cw).Encode(resp)
}

func (a *App) exchangeAuthorizationCode(r *http.Request, sess session.Session) (TokenResponse, *oauth.Error) {
	form := r.PostForm
	code := form.Get("code")
	if code == "" {
		return TokenResponse{}, oauth.NewError(http.StatusBadRequest, oauth.ErrorInvalidRequest, "code is required")
	}

	authReq, ok := a.Store.FindAuthorizationByCode(code)
	if !ok || authReq.SessionID != sess.ID {
		return TokenResponse{}, oauth.NewError(http.StatusUnauthorized, oauth.ErrorInvalidClient, "no authorization request found for the provided code")
	}

	tok, err := oauth.Decode(code)
	if err != nil {
		return TokenResponse{}, oauth.NewError(http.StatusUnauthorized, oauth.ErrorInvalidGrant, "malformed authorization code")
	}
	if oauth.IsExpired(tok, a.now()) {
		return TokenResponse{}, oauth.NewError(http.StatusUnauthorized, oauth.ErrorInvalidGrant, "authorization code expired")
	}
	if !a.Store.ConsumeCode(code) {
		return TokenResponse{}, oauth.NewError(http.StatusUnauthorized, oauth.ErrorInvalidClient, "no authorization request found: code was already redeemed")
	}

	if challenge := authReq.Param("code_challenge"); challenge != "" {
		if err := oauth.VerifyPKCE(challenge, form.Get("code_verifier"), authReq.Param("code_challenge_method")); err != nil {
			return TokenResponse{}, oauth.NewError(http.StatusUnauthorized, oauth.ErrorInvalidGrant, "PKCE verification failed: "+err.Error())
		}
	}
	if redirect := form.Get("redirect_uri"); redirect != "" && redirect != authReq.Param("redirect_uri") {
		return TokenResponse{}, oauth.NewError(http.StatusUnauthorized, oauth.ErrorInvalidGrant, "redirect_uri does not match the authorization request")
	}

	scope := authReq.Param("scope")
	resp, oerr := a.issueAccessToken(sess, scope, mergeContext(sess.LaunchContext, tok.Extra))
	if oerr != nil {
		return resp, oerr
	}
	if oauth.HasScope(scope, "offline_access") {
		resp.RefreshToken = oauth.AuthorizationCodeToRefreshToken(code)
	}
	if err := a.attachIDToken(&resp, sess, scope, authReq.Param("nonce")); err != nil {
		return TokenResponse{}, err
	}
	return resp, nil
}

func (a *App) exchangeRefreshToken(r *http.Request, sess session.Session) (TokenResponse, *oauth.Error) {
	form := r.PostForm
	refresh := form.Get("refresh_token")
	if refresh == "" {
		return TokenResponse{}, oauth.NewError(http.StatusBadRequest, oauth.ErrorInvalidRequest, "refresh_token is required")
	}
	if !oauth.IsRefreshToken(refresh) {
		return TokenResponse{}, oauth.NewError(http.StatusBadRequest, oauth.ErrorInvalidGrant, "malformed refresh_token")
	}

	code := oauth.RefreshTokenToAuthorizationCode(refresh)
	authReq, ok := a.Store.FindAuthorizationByCode(code)
	if !ok || authReq.SessionID != sess.ID {
		return TokenResponse{}, oauth.NewError(http.StatusUnauthorized, oauth.ErrorInvalidClient, "no authorization request found for the provided refresh_token")
	}
	tok, err := oauth.Decode(code)
	if err != nil {
		return TokenResponse{}, oauth.NewError(http.StatusBadRequest, oauth.ErrorInvalidGrant, "malformed refresh_token")
	}

	granted := authReq.Param("scope")
	if !oauth.HasScope(granted, "offline_access") {
		return TokenResponse{}, oauth.NewError(http.StatusBadRequest, oauth.ErrorInvalidGrant, "refresh_token was not granted")
	}
	scope := granted
	if requested := form.Get("scope"); requested != "" {
		for _, s := range strings.Fields(requested) {
			if !oauth.HasScope(granted, s) {
				return TokenResponse{}, oauth.NewError(http.StatusBadRequest, oauth.ErrorInvalidScope, "scope "+s+" exceeds the original grant")
			}
		}
		scope = requested
	}

	resp, oerr := a.issueAccessToken(sess, scope, mergeContext(sess.LaunchContext, tok.Extra))
	if oerr != nil {
		return resp, oerr
	}
	resp.RefreshToken = refresh
	if err := a.attachIDToken(&resp, sess, scope, authReq.Param("nonce")); err != nil {
		return TokenResponse{}, err
	}
	return resp, nil
}

func (a *App) exchangeClientCredentials(r *http.Request, sess session.Session) (TokenResponse, *oauth.Error) {
	if sess.ClientType == session.ClientPublic {
		return TokenResponse{}, oauth.NewError(http.StatusBadRequest, oauth.ErrorUnauthorizedClient, "public clients cannot use client_credentials")
	}
	return a.issueAccessToken(sess, r.PostForm.Get("scope"), nil)
}

func (a *App) issueAccessToken(sess session.Session, scope string, launch map[string]any) (TokenResponse, *oauth.Error) {
	ttl := a.Config.SMART.AccessTokenTTL
	access, err := oauth.Encode(sess.ClientID, ttl, nil)
	if err != nil {
		a.Logger.Error("issue access token", "error", err)
		return TokenResponse{}, oauth.NewError(http.StatusInternalServerError, oauth.ErrorServerError, "failed to issue access token")
	}
	return TokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int64(ttl.Seconds()),
		Scope:       scope,
		Context:     launch,
	}, nil
}

// attachIDToken adds an ID token when the scope asks for one.
func (a *App) attachIDToken(resp *TokenResponse, sess session.Session, scope, nonce string) *oauth.Error {
	if !oauth.HasScope(scope, "openid") || !(oauth.HasScope(scope, "fhirUser") || oauth.HasScope(scope, "profile")) {
		return nil
	}
	idToken, err := a.IDTokens.Issue(sess.ClientID, sess.FHIRUserRelativeReference, nonce)
	if err != nil {
		a.Logger.Error("issue id token", "error", err)
		return oauth.NewError(http.StatusInternalServerError, oauth.ErrorServerError, "failed to issue id_token")
	}
	resp.IDToken = idToken
	return nil
}

func (a *App) rememberToken(sessionID, token string) {
	a.Store.Append(sessionID, smartTokensKey, token)
}
