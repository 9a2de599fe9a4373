package conformance

import (
	"context"
	"encoding/json"
	"strings"

	"smartmock/assertion"
	"smartmock/oauth"
	"smartmock/session"
)

const backendServicesName = "SMART Backend Services token requests"

// VerifyBackendServicesTokenRequests checks client_credentials token
// requests and re-validates each client assertion. Access tokens from
// successful responses are published under SMARTTokensKey.
func VerifyBackendServicesTokenRequests(ctx context.Context, v *assertion.Validator, sess session.Session, requests []session.Request, tokenURL string) Result {
	tokenReqs := filter(requests, session.TagToken, session.TagClientCredentials)
	if len(tokenReqs) == 0 {
		return skip(backendServicesName, "No token requests made.")
	}

	res := Result{Name: backendServicesName}
	keys, err := v.ResolveJWKS(ctx, sess.JWKS)
	if err != nil {
		res.errorf("Could not resolve the registered JWKS: %v", err)
	}
	var tokens []string
	for i, req := range tokenReqs {
		n := i + 1
		if got := req.Body.Get("grant_type"); got != "client_credentials" {
			res.errorf("Token request %d had an incorrect `grant_type`: expected `client_credentials`, got `%s`.", n, got)
		}
		if got := req.Body.Get("client_assertion_type"); got != oauth.ClientAssertionType {
			res.errorf("Token request %d had an incorrect `client_assertion_type`: expected `%s`, got `%s`.", n, oauth.ClientAssertionType, got)
		}
		requested := req.Body.Get("scope")
		if requested == "" {
			res.errorf("Token request %d is missing the `scope` parameter.", n)
		} else if sess.Scope != "" {
			for _, s := range strings.Fields(sess.Scope) {
				if !oauth.HasScope(requested, s) {
					res.errorf("Token request %d did not include the requested scope `%s`.", n, s)
				}
			}
		}

		raw := req.Body.Get("client_assertion")
		if raw == "" {
			res.errorf("Token request %d is missing the `client_assertion` parameter.", n)
		} else {
			checked := v.Validate(ctx, raw, assertion.Expectations{
				ClientID:        sess.ClientID,
				Audience:        tokenURL,
				JWKS:            sess.JWKS,
				ReplayNamespace: sess.ID,
				KeySet:          &keys,
			})
			for _, msg := range checked.Messages() {
				res.errorf("Token request %d: %s", n, msg)
			}
		}

		if req.Status == 200 {
			if tok := accessToken(req.ResponseBody); tok != "" {
				tokens = append(tokens, tok)
			}
		}
	}
	if len(tokens) > 0 {
		res.output(SMARTTokensKey, strings.Join(tokens, "\n"))
	}
	return res.finish("Token requests did not conform to SMART Backend Services.")
}

func accessToken(body string) string {
	var parsed struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return ""
	}
	return parsed.AccessToken
}
