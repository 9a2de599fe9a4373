package conformance

import (
	"smartmock/oauth"
	"smartmock/session"
)

const authorizationName = "SMART authorization requests"

// VerifyAuthorizationRequests checks every recorded authorization request
// for the parameters a SMART App Launch client must send.
func VerifyAuthorizationRequests(requests []session.Request, fhirBaseURL string) Result {
	authz := filter(requests, session.TagAuthorization)
	if len(authz) == 0 {
		return skip(authorizationName, "No SMART authorization requests made.")
	}

	res := Result{Name: authorizationName}
	for i, req := range authz {
		n := i + 1
		if got := req.Param("response_type"); got != "code" {
			res.errorf("Authorization request %d: `response_type` must be `code`, got `%s`.", n, got)
		}
		if req.Param("client_id") == "" {
			res.errorf("Authorization request %d: missing `client_id`.", n)
		}
		if req.Param("redirect_uri") == "" {
			res.errorf("Authorization request %d: missing `redirect_uri`.", n)
		}
		if req.Param("scope") == "" {
			res.errorf("Authorization request %d: missing `scope`.", n)
		}
		if req.Param("state") == "" {
			res.errorf("Authorization request %d: missing `state`.", n)
		}
		if aud := req.Param("aud"); aud != fhirBaseURL {
			res.errorf("Authorization request %d: `aud` must be `%s`, got `%s`.", n, fhirBaseURL, aud)
		}
		if req.Param("code_challenge") == "" {
			res.errorf("Authorization request %d: missing `code_challenge`.", n)
		}
		if method := req.Param("code_challenge_method"); method != oauth.MethodS256 {
			res.errorf("Authorization request %d: `code_challenge_method` must be `S256`, got `%s`.", n, method)
		}
		if req.Status >= 400 {
			res.warnf("Authorization request %d: server responded with status %d.", n, req.Status)
		}
	}
	return res.finish("Authorization requests did not conform to SMART App Launch.")
}
