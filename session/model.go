package session

import (
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"time"
)

// ClientType is how the client under test authenticates to the token endpoint.
type ClientType string

const (
	ClientPublic     ClientType = "public"
	ClientSymmetric  ClientType = "confidential_symmetric"
	ClientAsymmetric ClientType = "confidential_asymmetric"
)

// Registration is the tester-supplied configuration of one test session.
type Registration struct {
	ID                        string         `yaml:"id" json:"id,omitempty" validate:"omitempty,max=128,excludesall=/?#"`
	ClientID                  string         `yaml:"client_id" json:"client_id,omitempty" validate:"omitempty,max=256"`
	ClientType                ClientType     `yaml:"client_type" json:"client_type" validate:"required,oneof=public confidential_symmetric confidential_asymmetric"`
	ClientSecret              string         `yaml:"client_secret" json:"client_secret,omitempty" validate:"required_if=ClientType confidential_symmetric"`
	JWKS                      string         `yaml:"jwks" json:"jwks,omitempty" validate:"required_if=ClientType confidential_asymmetric"`
	RedirectURIs              string         `yaml:"redirect_uris" json:"redirect_uris,omitempty"`
	LaunchURLs                string         `yaml:"launch_urls" json:"launch_urls,omitempty"`
	Scope                     string         `yaml:"scope" json:"scope,omitempty"`
	LaunchContext             map[string]any `yaml:"launch_context" json:"launch_context,omitempty"`
	FHIRUserRelativeReference string         `yaml:"fhir_user_relative_reference" json:"fhir_user_relative_reference,omitempty" validate:"omitempty,excludes=://"`
	EchoedFHIRResponse        string         `yaml:"echoed_fhir_response" json:"echoed_fhir_response,omitempty"`
	FHIRReadResourcesBundle   string         `yaml:"fhir_read_resources_bundle" json:"fhir_read_resources_bundle,omitempty"`
}

var listSeparator = regexp.MustCompile(`[\s,]+`)

// SplitList normalizes a comma, whitespace or newline separated list.
func SplitList(raw string) []string {
	var out []string
	for _, part := range listSeparator.Split(strings.TrimSpace(raw), -1) {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// AllowsRedirect reports whether uri may receive the authorization
// response. Sessions without registered redirect URIs accept any.
func (r Registration) AllowsRedirect(uri string) bool {
	registered := SplitList(r.RedirectURIs)
	return len(registered) == 0 || slices.Contains(registered, uri)
}

// Session is a registered test session.
type Session struct {
	Registration `yaml:",inline"`
	CreatedAt    time.Time `json:"created_at"`
}

// Tag labels a recorded request so verifiers can find it later.
type Tag string

const (
	TagAuthorization     Tag = "authorization"
	TagToken             Tag = "token"
	TagAccess            Tag = "access"
	TagAuthorizationCode Tag = "authorization_code"
	TagClientCredentials Tag = "client_credentials"
	TagRefreshToken      Tag = "refresh_token"
)

// Request is one recorded HTTP exchange.
type Request struct {
	ID              string      `json:"id"`
	SessionID       string      `json:"session_id,omitempty"`
	Verb            string      `json:"verb"`
	URL             string      `json:"url"`
	Headers         http.Header `json:"request_headers,omitempty"`
	Query           url.Values  `json:"query,omitempty"`
	Body            url.Values  `json:"body,omitempty"`
	Status          int         `json:"status"`
	ResponseHeaders http.Header `json:"response_headers,omitempty"`
	ResponseBody    string      `json:"response_body,omitempty"`
	Tags            []Tag       `json:"tags"`
	CreatedAt       time.Time   `json:"created_at"`
}

// HasTag reports whether the request carries t.
func (r Request) HasTag(t Tag) bool {
	for _, have := range r.Tags {
		if have == t {
			return true
		}
	}
	return false
}

// Param returns a parameter from the body, falling back to the query string.
func (r Request) Param(name string) string {
	if v := r.Body.Get(name); v != "" {
		return v
	}
	return r.Query.Get(name)
}

// Location returns the parsed Location response header, if any.
func (r Request) Location() *url.URL {
	loc := r.ResponseHeaders.Get("Location")
	if loc == "" {
		return nil
	}
	u, err := url.Parse(loc)
	if err != nil {
		return nil
	}
	return u
}

// BearerToken returns the bearer token the request was made with.
func (r Request) BearerToken() string {
	parts := strings.SplitN(r.Headers.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
