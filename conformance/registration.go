package conformance

import (
	"strings"

	"github.com/go-playground/validator/v10"

	"smartmock/assertion"
	"smartmock/session"
)

const registrationName = "Client registration"

var validate = validator.New(validator.WithRequiredStructEnabled())

// VerifyRegistration checks the registration inputs a tester supplied.
// Valid redirect and launch URLs are published as outputs; invalid
// entries are dropped with an error each.
func VerifyRegistration(sess session.Session) Result {
	res := Result{Name: registrationName}

	var redirects, launches []string
	for _, u := range session.SplitList(sess.RedirectURIs) {
		if err := validate.Var(u, "url"); err != nil {
			res.errorf("Invalid redirect URI: `%s`.", u)
			continue
		}
		redirects = append(redirects, u)
	}
	for _, u := range session.SplitList(sess.LaunchURLs) {
		if err := validate.Var(u, "http_url"); err != nil {
			res.errorf("Invalid launch URL: `%s`.", u)
			continue
		}
		launches = append(launches, u)
	}
	if sess.RedirectURIs == "" && sess.ClientType != session.ClientAsymmetric {
		res.warnf("No redirect URIs registered.")
	}
	if len(redirects) > 0 {
		res.output("smart_redirect_uris", strings.Join(redirects, ","))
	}
	if len(launches) > 0 {
		res.output("smart_launch_urls", strings.Join(launches, ","))
	}

	switch sess.ClientType {
	case session.ClientSymmetric:
		if sess.ClientSecret == "" {
			res.errorf("Confidential symmetric clients must register a client secret.")
		}
	case session.ClientAsymmetric:
		jwks := strings.TrimSpace(sess.JWKS)
		switch {
		case jwks == "":
			res.errorf("Confidential asymmetric clients must register a JWKS or JWKS URL.")
		case strings.HasPrefix(jwks, "{"):
			if _, err := assertion.ParseJWKS([]byte(jwks)); err != nil {
				res.errorf("Registered JWKS is invalid: %v", err)
			}
		default:
			if err := validate.Var(jwks, "http_url"); err != nil {
				res.errorf("Registered JWKS URL is invalid: `%s`.", jwks)
			}
		}
	}
	if ref := sess.FHIRUserRelativeReference; ref != "" && len(strings.Split(ref, "/")) != 2 {
		res.errorf("FHIR user reference must be relative, like `Practitioner/123`: got `%s`.", ref)
	}
	return res.finish("Registration inputs are invalid.")
}
