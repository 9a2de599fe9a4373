package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"smartmock/assertion"
	"smartmock/oauth"
	"smartmock/session"
)

// authenticateClient resolves the test session behind a token request and
// authenticates the caller the way the session's client type requires.
// The returned session is populated whenever it could be identified, even
// when authentication fails, so the request is recorded against it.
func (a *App) authenticateClient(ctx context.Context, r *http.Request, grant oauth.GrantType) (session.Session, *oauth.Error) {
	form := r.PostForm
	clientAssertion := form.Get("client_assertion")
	basicID, basicSecret, hasBasic := r.BasicAuth()

	if grant == oauth.GrantClientCredentials && clientAssertion == "" && r.Header.Get("Authorization") == "" {
		status := a.Config.SMART.MissingAssertionStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		return session.Session{}, oauth.NewError(status, oauth.ErrorServerError, "client_assertion is required")
	}

	clientID := identifyClient(form, grant, basicID, hasBasic, clientAssertion)
	sess, err := a.Sessions.FindByClientID(clientID)
	if err != nil {
		a.Logger.Warn("token request for unknown client", "client_id", clientID)
		return session.Session{}, oauth.NewError(http.StatusUnauthorized, oauth.ErrorInvalidClient, "unknown client")
	}

	switch sess.ClientType {
	case session.ClientPublic:
		return sess, nil

	case session.ClientSymmetric:
		if !hasBasic || basicID != sess.ClientID || subtle.ConstantTimeCompare([]byte(basicSecret), []byte(sess.ClientSecret)) != 1 {
			return sess, oauth.NewError(http.StatusUnauthorized, oauth.ErrorInvalidClient, "invalid client credentials")
		}
		return sess, nil

	case session.ClientAsymmetric:
		if clientAssertion == "" {
			return sess, oauth.NewError(http.StatusUnauthorized, oauth.ErrorInvalidClient, "client_assertion is required")
		}
		res := a.Assertions.Validate(ctx, clientAssertion, assertion.Expectations{
			ClientID:        sess.ClientID,
			Audience:        a.Config.TokenURL(),
			JWKS:            sess.JWKS,
			ReplayNamespace: a.replayNamespace(sess),
		})
		if !res.SignatureVerified() {
			a.Logger.Warn("client assertion rejected", "session_id", sess.ID, "defects", res.Messages())
			return sess, oauth.NewError(http.StatusUnauthorized, oauth.ErrorInvalidClient, "Signature verification failed")
		}
		if res.Has(assertion.KindReplayed) && a.Config.SMART.ReplayEnforce {
			return sess, oauth.NewError(http.StatusUnauthorized, oauth.ErrorInvalidClient, "client assertion `jti` was previously used")
		}
		if !res.Valid() {
			a.Logger.Info("client assertion accepted with defects", "session_id", sess.ID, "defects", res.Messages())
		}
		return sess, nil

	default:
		return sess, oauth.NewError(http.StatusUnauthorized, oauth.ErrorInvalidClient, "unsupported client type")
	}
}

// identifyClient picks the client id from, in order: HTTP Basic, the
// client_id parameter, the assertion issuer, and the code the grant redeems.
func identifyClient(form url.Values, grant oauth.GrantType, basicID string, hasBasic bool, clientAssertion string) string {
	if hasBasic && basicID != "" {
		return basicID
	}
	if id := form.Get("client_id"); id != "" {
		return id
	}
	if clientAssertion != "" {
		claims := jwt.MapClaims{}
		_, _, _ = jwt.NewParser().ParseUnverified(clientAssertion, claims)
		if iss, _ := claims["iss"].(string); iss != "" {
			return iss
		}
	}

	var code string
	switch grant {
	case oauth.GrantAuthorizationCode:
		code = form.Get("code")
	case oauth.GrantRefreshToken:
		code = oauth.RefreshTokenToAuthorizationCode(form.Get("refresh_token"))
	}
	if tok, err := oauth.Decode(code); err == nil {
		return tok.ClientID
	}
	return ""
}

// isSafeRedirectURI rejects redirect targets that could be abused for open
// redirects or script execution. Custom schemes used by native apps pass.
func isSafeRedirectURI(uri string) bool {
	if uri == "" || strings.HasPrefix(uri, "//") {
		return false
	}

	lower := strings.ToLower(uri)
	for _, scheme := range []string{"javascript:", "data:", "file:", "vbscript:", "about:"} {
		if strings.HasPrefix(lower, scheme) {
			return false
		}
	}

	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" || u.Fragment != "" {
		return false
	}
	if u.Scheme == "http" || u.Scheme == "https" {
		return u.Host != "" && u.User == nil
	}
	return true
}
