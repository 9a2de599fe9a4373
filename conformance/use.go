package conformance

import (
	"slices"
	"strings"

	"smartmock/session"
)

const tokenUseName = "Access token use"

// VerifyTokenUse passes when at least one successful access request used a
// token this server issued. Tokens come from smartTokens, falling back to
// the successful token responses in requests.
func VerifyTokenUse(requests []session.Request, smartTokens string) Result {
	tokenReqs := filter(requests, session.TagToken)
	if len(tokenReqs) == 0 {
		return skip(tokenUseName, "No token requests made.")
	}

	var used []session.Request
	for _, req := range filter(requests, session.TagAccess) {
		if req.Status == 200 {
			used = append(used, req)
		}
	}
	if len(used) == 0 {
		return skip(tokenUseName, "No successful access requests made.")
	}

	issued := strings.Fields(smartTokens)
	if len(issued) == 0 {
		for _, req := range tokenReqs {
			if req.Status == 200 {
				if tok := accessToken(req.ResponseBody); tok != "" {
					issued = append(issued, tok)
				}
			}
		}
	}

	res := Result{Name: tokenUseName}
	for _, req := range used {
		if slices.Contains(issued, req.BearerToken()) {
			return res.finish("")
		}
	}
	res.errorf("Returned tokens never used in any requests.")
	return res.finish("Returned tokens never used in any requests.")
}
