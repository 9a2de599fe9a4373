package conformance

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartmock/assertion"
	"smartmock/session"
)

const (
	testFHIRBase = "https://mock.example/fhir"
	testTokenURL = "https://mock.example/auth/token"
	testClientID = "backend-app"
)

func newValidator() *assertion.Validator {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return assertion.NewValidator(nil, assertion.NewMemoryReplayCache(), logger)
}

func newKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{Key: &key.PublicKey, KeyID: "k1", Algorithm: "RS384", Use: "sig"}}}
	out, err := json.Marshal(set)
	require.NoError(t, err)
	return key, string(out)
}

func signAssertion(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS384, jwt.MapClaims{
		"iss": testClientID,
		"sub": testClientID,
		"aud": testTokenURL,
		"exp": time.Now().Add(5 * time.Minute).Unix(),
		"jti": uuid.NewString(),
	})
	tok.Header["kid"] = "k1"
	raw, err := tok.SignedString(key)
	require.NoError(t, err)
	return raw
}

func backendSession(jwks string) session.Session {
	return session.Session{Registration: session.Registration{
		ID:         "s1",
		ClientID:   testClientID,
		ClientType: session.ClientAsymmetric,
		JWKS:       jwks,
		Scope:      "system/Patient.rs",
	}}
}

func tokenRequest(form url.Values, status int, body string) session.Request {
	return session.Request{
		Verb:         http.MethodPost,
		URL:          testTokenURL,
		Body:         form,
		Status:       status,
		ResponseBody: body,
		Tags:         []session.Tag{session.TagToken, session.TagClientCredentials},
	}
}

func backendForm(raw string) url.Values {
	return url.Values{
		"grant_type":            {"client_credentials"},
		"client_assertion_type": {"urn:ietf:params:oauth:client-assertion-type:jwt-bearer"},
		"client_assertion":      {raw},
		"scope":                 {"system/Patient.rs"},
	}
}

func accessRequest(token string, status int) session.Request {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return session.Request{Verb: http.MethodGet, URL: testFHIRBase + "/Patient/1", Headers: h, Status: status, Tags: []session.Tag{session.TagAccess}}
}

func errorTexts(res Result) []string {
	var out []string
	for _, m := range res.Messages {
		if m.Type == MessageError {
			out = append(out, m.Text)
		}
	}
	return out
}

func TestVerifyAuthorizationRequests(t *testing.T) {
	good := url.Values{
		"response_type":         {"code"},
		"client_id":             {"app"},
		"redirect_uri":          {"http://localhost:4000/cb"},
		"scope":                 {"launch/patient openid"},
		"state":                 {"xyz"},
		"aud":                   {testFHIRBase},
		"code_challenge":        {"abc"},
		"code_challenge_method": {"S256"},
	}

	t.Run("skip without requests", func(t *testing.T) {
		res := VerifyAuthorizationRequests(nil, testFHIRBase)
		assert.Equal(t, StatusSkip, res.Status)
		assert.Equal(t, "No SMART authorization requests made.", res.Reason)
	})

	t.Run("pass", func(t *testing.T) {
		req := session.Request{Query: good, Status: http.StatusFound, Tags: []session.Tag{session.TagAuthorization}}
		res := VerifyAuthorizationRequests([]session.Request{req}, testFHIRBase)
		assert.Equal(t, StatusPass, res.Status)
		assert.Empty(t, res.Messages)
	})

	t.Run("form body counts too", func(t *testing.T) {
		req := session.Request{Body: good, Status: http.StatusFound, Tags: []session.Tag{session.TagAuthorization}}
		res := VerifyAuthorizationRequests([]session.Request{req}, testFHIRBase)
		assert.Equal(t, StatusPass, res.Status)
	})

	t.Run("fail on plain PKCE and wrong aud", func(t *testing.T) {
		bad := url.Values{}
		for k, v := range good {
			bad[k] = v
		}
		bad.Set("code_challenge_method", "plain")
		bad.Set("aud", "https://elsewhere.example/fhir")
		req := session.Request{Query: bad, Status: http.StatusFound, Tags: []session.Tag{session.TagAuthorization}}

		res := VerifyAuthorizationRequests([]session.Request{req}, testFHIRBase)
		assert.Equal(t, StatusFail, res.Status)
		assert.Len(t, errorTexts(res), 2)
	})
}

func TestVerifyBackendServicesTokenRequests(t *testing.T) {
	key, jwks := newKey(t)
	sess := backendSession(jwks)
	ctx := context.Background()

	t.Run("skip without requests", func(t *testing.T) {
		res := VerifyBackendServicesTokenRequests(ctx, newValidator(), sess, nil, testTokenURL)
		assert.Equal(t, StatusSkip, res.Status)
		assert.Equal(t, "No token requests made.", res.Reason)
	})

	t.Run("pass publishes tokens", func(t *testing.T) {
		req := tokenRequest(backendForm(signAssertion(t, key)), http.StatusOK, `{"access_token":"tok-1","token_type":"Bearer"}`)
		res := VerifyBackendServicesTokenRequests(ctx, newValidator(), sess, []session.Request{req}, testTokenURL)
		assert.Equal(t, StatusPass, res.Status, res.Messages)
		assert.Equal(t, "tok-1", res.Outputs[SMARTTokensKey])
	})

	t.Run("wrong grant type", func(t *testing.T) {
		form := backendForm(signAssertion(t, key))
		form.Set("grant_type", "password")
		res := VerifyBackendServicesTokenRequests(ctx, newValidator(), sess, []session.Request{tokenRequest(form, http.StatusBadRequest, "")}, testTokenURL)
		assert.Equal(t, StatusFail, res.Status)
		assert.Contains(t, errorTexts(res), "Token request 1 had an incorrect `grant_type`: expected `client_credentials`, got `password`.")
	})

	t.Run("foreign key", func(t *testing.T) {
		other, _ := newKey(t)
		req := tokenRequest(backendForm(signAssertion(t, other)), http.StatusUnauthorized, "")
		res := VerifyBackendServicesTokenRequests(ctx, newValidator(), sess, []session.Request{req}, testTokenURL)
		assert.Equal(t, StatusFail, res.Status)
		assert.Empty(t, res.Outputs)
	})

	t.Run("missing scope and assertion", func(t *testing.T) {
		form := backendForm("")
		form.Del("scope")
		res := VerifyBackendServicesTokenRequests(ctx, newValidator(), sess, []session.Request{tokenRequest(form, http.StatusUnauthorized, "")}, testTokenURL)
		assert.Equal(t, StatusFail, res.Status)
		assert.ElementsMatch(t, []string{
			"Token request 1 is missing the `scope` parameter.",
			"Token request 1 is missing the `client_assertion` parameter.",
		}, errorTexts(res))
	})
}

func TestVerifyBackendServicesRejectsReusedJTI(t *testing.T) {
	key, jwks := newKey(t)
	sess := backendSession(jwks)

	tok := jwt.NewWithClaims(jwt.SigningMethodRS384, jwt.MapClaims{
		"iss": testClientID,
		"sub": testClientID,
		"aud": testTokenURL,
		"exp": 1741398050,
		"jti": "random-non-reusable-jwt-id-123",
	})
	tok.Header["kid"] = "k1"
	raw, err := tok.SignedString(key)
	require.NoError(t, err)

	requests := []session.Request{
		tokenRequest(backendForm(raw), http.StatusOK, `{"access_token":"tok-1"}`),
		tokenRequest(backendForm(raw), http.StatusOK, `{"access_token":"tok-2"}`),
	}
	res := VerifyBackendServicesTokenRequests(context.Background(), newValidator(), sess, requests, testTokenURL)

	assert.Equal(t, StatusFail, res.Status)
	errs := errorTexts(res)
	require.Len(t, errs, 1)
	assert.True(t, strings.HasPrefix(errs[0], "Token request 2:"), errs[0])
	assert.Contains(t, errs[0], "previously used")
}

func TestVerifyBackendServicesFetchesJWKSOnce(t *testing.T) {
	key, jwks := newKey(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, jwks)
	}))
	defer srv.Close()

	sess := backendSession(srv.URL)
	var requests []session.Request
	for i := 0; i < 3; i++ {
		requests = append(requests, tokenRequest(backendForm(signAssertion(t, key)), http.StatusOK, `{"access_token":"tok"}`))
	}

	res := VerifyBackendServicesTokenRequests(context.Background(), newValidator(), sess, requests, testTokenURL)
	assert.Equal(t, StatusPass, res.Status, res.Messages)
	assert.Equal(t, int32(1), hits.Load())
}

func TestVerifyTokenUse(t *testing.T) {
	issued := tokenRequest(backendForm("x"), http.StatusOK, `{"access_token":"tok-1"}`)

	t.Run("skip without token requests", func(t *testing.T) {
		res := VerifyTokenUse([]session.Request{accessRequest("tok-1", http.StatusOK)}, "")
		assert.Equal(t, StatusSkip, res.Status)
	})

	t.Run("skip without successful access", func(t *testing.T) {
		res := VerifyTokenUse([]session.Request{issued, accessRequest("tok-1", http.StatusUnauthorized)}, "tok-1")
		assert.Equal(t, StatusSkip, res.Status)
		assert.Equal(t, "No successful access requests made.", res.Reason)
	})

	t.Run("pass from stored tokens", func(t *testing.T) {
		res := VerifyTokenUse([]session.Request{issued, accessRequest("tok-2", http.StatusOK)}, "tok-1\ntok-2")
		assert.Equal(t, StatusPass, res.Status)
	})

	t.Run("pass from recorded responses", func(t *testing.T) {
		res := VerifyTokenUse([]session.Request{issued, accessRequest("tok-1", http.StatusOK)}, "")
		assert.Equal(t, StatusPass, res.Status)
	})

	t.Run("fail on foreign token", func(t *testing.T) {
		res := VerifyTokenUse([]session.Request{issued, accessRequest("someone-elses", http.StatusOK)}, "tok-1")
		assert.Equal(t, StatusFail, res.Status)
		assert.Equal(t, "Returned tokens never used in any requests.", res.Reason)
	})
}

func TestVerifyRegistration(t *testing.T) {
	_, jwks := newKey(t)

	tests := []struct {
		name   string
		reg    session.Registration
		status Status
	}{
		{
			name:   "public with redirects",
			reg:    session.Registration{ClientType: session.ClientPublic, RedirectURIs: "http://localhost:4000/cb, com.example.app://callback", LaunchURLs: "https://app.example/launch"},
			status: StatusPass,
		},
		{
			name:   "public without redirects only warns",
			reg:    session.Registration{ClientType: session.ClientPublic},
			status: StatusPass,
		},
		{
			name:   "symmetric without secret",
			reg:    session.Registration{ClientType: session.ClientSymmetric, RedirectURIs: "http://localhost/cb"},
			status: StatusFail,
		},
		{
			name:   "asymmetric inline jwks",
			reg:    session.Registration{ClientType: session.ClientAsymmetric, JWKS: jwks},
			status: StatusPass,
		},
		{
			name:   "asymmetric jwks url",
			reg:    session.Registration{ClientType: session.ClientAsymmetric, JWKS: "https://app.example/.well-known/jwks.json"},
			status: StatusPass,
		},
		{
			name:   "asymmetric broken jwks",
			reg:    session.Registration{ClientType: session.ClientAsymmetric, JWKS: `{"keys":[{"kty":"RSA"}]}`},
			status: StatusFail,
		},
		{
			name:   "launch url must be http",
			reg:    session.Registration{ClientType: session.ClientPublic, RedirectURIs: "http://localhost/cb", LaunchURLs: "ftp://app.example/launch"},
			status: StatusFail,
		},
		{
			name:   "absolute fhir user",
			reg:    session.Registration{ClientType: session.ClientPublic, RedirectURIs: "http://localhost/cb", FHIRUserRelativeReference: "Practitioner"},
			status: StatusFail,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := VerifyRegistration(session.Session{Registration: tt.reg})
			assert.Equal(t, tt.status, res.Status, res.Messages)
		})
	}

	res := VerifyRegistration(session.Session{Registration: tests[0].reg})
	assert.Equal(t, "http://localhost:4000/cb,com.example.app://callback", res.Outputs["smart_redirect_uris"])
	assert.Equal(t, "https://app.example/launch", res.Outputs["smart_launch_urls"])

	res = VerifyRegistration(session.Session{Registration: session.Registration{
		ClientType:   session.ClientPublic,
		RedirectURIs: "http://localhost:4000/cb\nnot a url",
	}})
	assert.Equal(t, StatusFail, res.Status)
	assert.Equal(t, []string{"Invalid redirect URI: `not`.", "Invalid redirect URI: `a`.", "Invalid redirect URI: `url`."}, errorTexts(res))
	assert.Equal(t, "http://localhost:4000/cb", res.Outputs["smart_redirect_uris"])
}

func TestSuiteRun(t *testing.T) {
	key, jwks := newKey(t)
	sess := backendSession(jwks)
	store := session.NewStore()

	requests := []session.Request{
		tokenRequest(backendForm(signAssertion(t, key)), http.StatusOK, `{"access_token":"tok-1"}`),
		accessRequest("tok-1", http.StatusOK),
	}
	suite := NewSuite(newValidator(), testFHIRBase, testTokenURL)

	for i := 0; i < 2; i++ {
		report := suite.Run(context.Background(), sess, requests, store)
		require.Len(t, report.Results, 4)
		assert.True(t, report.Passed, report.Results)
		assert.Equal(t, "s1", report.SessionID)

		byName := make(map[string]Status)
		for _, r := range report.Results {
			byName[r.Name] = r.Status
		}
		assert.Equal(t, StatusPass, byName[registrationName])
		assert.Equal(t, StatusSkip, byName[authorizationName])
		assert.Equal(t, StatusPass, byName[backendServicesName])
		assert.Equal(t, StatusPass, byName[tokenUseName])
	}

	stored, ok := store.Get("s1", SMARTTokensKey)
	require.True(t, ok)
	assert.Equal(t, "tok-1", stored)
}

func TestSuiteRunKeepsTokensFromOtherGrants(t *testing.T) {
	key, jwks := newKey(t)
	sess := backendSession(jwks)
	store := session.NewStore()
	store.Append("s1", SMARTTokensKey, "code-tok")
	store.Append("s1", SMARTTokensKey, "tok-1")

	codeTokenReq := session.Request{
		Body:         url.Values{"grant_type": {"authorization_code"}},
		Status:       http.StatusOK,
		ResponseBody: `{"access_token":"code-tok"}`,
		Tags:         []session.Tag{session.TagToken, session.TagAuthorizationCode},
	}
	requests := []session.Request{
		codeTokenReq,
		tokenRequest(backendForm(signAssertion(t, key)), http.StatusOK, `{"access_token":"tok-1"}`),
		accessRequest("code-tok", http.StatusOK),
	}
	suite := NewSuite(newValidator(), testFHIRBase, testTokenURL)

	for i := 0; i < 2; i++ {
		report := suite.Run(context.Background(), sess, requests, store)
		assert.True(t, report.Passed, report.Results)

		stored, _ := store.Get("s1", SMARTTokensKey)
		assert.Equal(t, "code-tok\ntok-1", stored)
	}
}

func TestSuiteRunFailsReport(t *testing.T) {
	_, jwks := newKey(t)
	sess := backendSession(jwks)

	requests := []session.Request{
		tokenRequest(backendForm("not-a-jwt"), http.StatusUnauthorized, ""),
	}
	report := NewSuite(newValidator(), testFHIRBase, testTokenURL).Run(context.Background(), sess, requests, session.NewStore())

	assert.False(t, report.Passed)
}
