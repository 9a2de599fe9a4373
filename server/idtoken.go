package server

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// IDTokenIssuer builds OpenID Connect ID tokens for the mock server. The key
// and algorithm are the server's, never the client's choice.
type IDTokenIssuer struct {
	keys        *JWKSManager
	issuer      string
	fhirBaseURL string
	ttl         time.Duration
	now         func() time.Time
}

// NewIDTokenIssuer constructs an issuer.
func NewIDTokenIssuer(keys *JWKSManager, issuer, fhirBaseURL string, ttl time.Duration) *IDTokenIssuer {
	return &IDTokenIssuer{
		keys:        keys,
		issuer:      issuer,
		fhirBaseURL: strings.TrimSuffix(fhirBaseURL, "/"),
		ttl:         ttl,
		now:         time.Now,
	}
}

// FHIRUser resolves a relative reference such as "Patient/123" against the
// FHIR base URL.
func (i *IDTokenIssuer) FHIRUser(reference string) string {
	reference = strings.TrimPrefix(strings.TrimSpace(reference), "/")
	if reference == "" {
		return ""
	}
	return i.fhirBaseURL + "/" + reference
}

// Issue signs an ID token for clientID. sub is the fhirUser reference when
// one is configured, otherwise the client id.
func (i *IDTokenIssuer) Issue(clientID, fhirUserReference, nonce string) (string, error) {
	now := i.now()
	sub := strings.TrimSpace(fhirUserReference)
	if sub == "" {
		sub = clientID
	}

	claims := jwt.MapClaims{
		"iss": i.issuer,
		"sub": sub,
		"aud": clientID,
		"iat": now.Unix(),
		"exp": now.Add(i.ttl).Unix(),
	}
	if fhirUser := i.FHIRUser(fhirUserReference); fhirUser != "" {
		claims["fhirUser"] = fhirUser
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}

	signed, _, err := i.keys.Sign(claims)
	return signed, err
}
