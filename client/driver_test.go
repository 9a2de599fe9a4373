package client

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
	"testing"

	"github.com/go-jose/go-jose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartmock/server"
	"smartmock/session"
)

const redirectURL = "http://localhost:4000/callback"

type mockServer struct {
	*httptest.Server
	app *server.App
}

// startMockServer runs the SMART mock with the given sessions on a real listener.
func startMockServer(t *testing.T, regs ...session.Registration) *mockServer {
	t.Helper()
	srv := httptest.NewUnstartedServer(nil)

	cfg := server.DefaultConfig()
	cfg.Server.PublicURL = "http://" + srv.Listener.Addr().String()
	cfg.Server.SecretsPath = ""
	cfg.Sessions = regs
	require.NoError(t, cfg.Validate())

	app, err := server.NewApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	srv.Config.Handler = app.Routes()
	srv.Start()
	t.Cleanup(srv.Close)
	return &mockServer{Server: srv, app: app}
}

func (m *mockServer) fhirBase() string {
	return m.URL + "/fhir"
}

// follow performs the authorization request and returns the code from the
// redirect without visiting the redirect target.
func follow(t *testing.T, authURL string) url.Values {
	t.Helper()
	noRedirect := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := noRedirect.Get(authURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	return loc.Query()
}

func privateJWKS(t *testing.T, kid string) (private []byte, public string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	priv, err := json.Marshal(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{Key: key, KeyID: kid, Algorithm: "RS384", Use: "sig"}}})
	require.NoError(t, err)
	pub, err := json.Marshal(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{Key: &key.PublicKey, KeyID: kid, Algorithm: "RS384", Use: "sig"}}})
	require.NoError(t, err)
	return priv, string(pub)
}

func TestDiscover(t *testing.T) {
	m := startMockServer(t)

	d, err := Discover(context.Background(), Config{FHIRBaseURL: m.fhirBase(), ClientID: "x"})
	require.NoError(t, err)
	assert.Equal(t, m.URL+"/auth/token", d.Configuration().TokenEndpoint)
	assert.Equal(t, m.URL+"/auth/authorize", d.Configuration().AuthorizationEndpoint)
	assert.Contains(t, d.Configuration().Capabilities, "client-confidential-asymmetric")
}

func TestStandaloneLaunchWithSymmetricClient(t *testing.T) {
	m := startMockServer(t, session.Registration{
		ID:                        "ehr",
		ClientID:                  "ehr-app",
		ClientType:                session.ClientSymmetric,
		ClientSecret:              "secret",
		RedirectURIs:              redirectURL,
		LaunchContext:             map[string]any{"patient": "85", "encounter": "e1"},
		FHIRUserRelativeReference: "Practitioner/7",
		EchoedFHIRResponse:        `{"resourceType":"Patient","id":"85"}`,
	})
	ctx := context.Background()

	d, err := Discover(ctx, Config{
		FHIRBaseURL:  m.fhirBase(),
		ClientID:     "ehr-app",
		ClientSecret: "secret",
		RedirectURL:  redirectURL,
		Scopes:       []string{"openid", "fhirUser", "launch/patient", "offline_access", "patient/*.rs"},
	})
	require.NoError(t, err)

	authReq := d.AuthCodeURL()
	params := follow(t, authReq.URL)
	require.Equal(t, authReq.State, params.Get("state"))

	creds, err := d.Exchange(ctx, params.Get("code"), authReq)
	require.NoError(t, err)
	assert.NotEmpty(t, creds.AccessToken)
	assert.NotEmpty(t, creds.RefreshToken)
	assert.Equal(t, "85", creds.Launch("patient"))
	assert.Equal(t, "e1", creds.Launch("encounter"))

	claims, err := d.VerifyIDToken(ctx, creds.IDToken, authReq.Nonce)
	require.NoError(t, err)
	assert.Equal(t, m.fhirBase()+"/Practitioner/7", claims.FHIRUser)

	status, body, err := d.Read(ctx, creds, "Patient/85")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"resourceType":"Patient","id":"85"}`, string(body))

	refreshed, err := d.Refresh(ctx, creds)
	require.NoError(t, err)
	assert.NotEqual(t, creds.AccessToken, refreshed.AccessToken)
	assert.Equal(t, creds.RefreshToken, refreshed.RefreshToken)

	_, err = d.Exchange(ctx, params.Get("code"), authReq)
	assert.Error(t, err, "a code redeems once")
}

func TestPublicClientRejectsWrongVerifier(t *testing.T) {
	m := startMockServer(t, session.Registration{
		ID:           "public",
		ClientType:   session.ClientPublic,
		RedirectURIs: redirectURL,
	})
	ctx := context.Background()

	d, err := Discover(ctx, Config{FHIRBaseURL: m.fhirBase(), ClientID: "public", RedirectURL: redirectURL, Scopes: []string{"launch/patient"}})
	require.NoError(t, err)

	authReq := d.AuthCodeURL()
	params := follow(t, authReq.URL)

	tampered := authReq
	tampered.Verifier = authReq.Verifier + "x"
	_, err = d.Exchange(ctx, params.Get("code"), tampered)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_grant")
}

func TestBackendServicesFlow(t *testing.T) {
	priv, pub := privateJWKS(t, "backend-key")
	m := startMockServer(t, session.Registration{
		ID:                 "bulk",
		ClientID:           "bulk-client",
		ClientType:         session.ClientAsymmetric,
		JWKS:               pub,
		Scope:              "system/*.rs",
		EchoedFHIRResponse: `{"resourceType":"Bundle","type":"searchset"}`,
	})
	ctx := context.Background()

	signer, err := NewAssertionSigner("bulk-client", m.URL+"/auth/token", priv, "RS384", "")
	require.NoError(t, err)

	d, err := Discover(ctx, Config{FHIRBaseURL: m.fhirBase(), ClientID: "bulk-client", Scopes: []string{"system/*.rs"}, Signer: signer})
	require.NoError(t, err)

	creds, err := d.BackendToken(ctx)
	require.NoError(t, err)
	assert.Empty(t, creds.RefreshToken)
	assert.Equal(t, "system/*.rs", creds.Scope)

	status, _, err := d.Read(ctx, creds, "Patient")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)

	second, err := d.BackendToken(ctx)
	require.NoError(t, err, "each call signs a fresh jti")
	assert.NotEqual(t, creds.AccessToken, second.AccessToken)

	records := m.app.Store.List("bulk", session.TagToken, session.TagClientCredentials)
	assert.Len(t, records, 2)
}

func TestBackendServicesWithUnregisteredKey(t *testing.T) {
	_, pub := privateJWKS(t, "registered")
	otherPriv, _ := privateJWKS(t, "registered")
	m := startMockServer(t, session.Registration{
		ID:         "bulk",
		ClientType: session.ClientAsymmetric,
		JWKS:       pub,
	})
	ctx := context.Background()

	signer, err := NewAssertionSigner("bulk", m.URL+"/auth/token", otherPriv, "RS384", "registered")
	require.NoError(t, err)
	d, err := Discover(ctx, Config{FHIRBaseURL: m.fhirBase(), ClientID: "bulk", Signer: signer})
	require.NoError(t, err)

	_, err = d.BackendToken(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_client")
}

func TestAsymmetricLaunchRefreshesWithAssertion(t *testing.T) {
	priv, pub := privateJWKS(t, "app-key")
	m := startMockServer(t, session.Registration{
		ID:            "asym",
		ClientID:      "asym-app",
		ClientType:    session.ClientAsymmetric,
		JWKS:          pub,
		RedirectURIs:  redirectURL,
		LaunchContext: map[string]any{"patient": "85"},
	})
	ctx := context.Background()

	signer, err := NewAssertionSigner("asym-app", m.URL+"/auth/token", priv, "RS384", "")
	require.NoError(t, err)
	d, err := Discover(ctx, Config{
		FHIRBaseURL: m.fhirBase(),
		ClientID:    "asym-app",
		RedirectURL: redirectURL,
		Scopes:      []string{"launch/patient", "offline_access", "patient/*.rs"},
		Signer:      signer,
	})
	require.NoError(t, err)

	authReq := d.AuthCodeURL()
	params := follow(t, authReq.URL)
	creds, err := d.Exchange(ctx, params.Get("code"), authReq)
	require.NoError(t, err)
	require.NotEmpty(t, creds.RefreshToken)

	refreshed, err := d.Refresh(ctx, creds)
	require.NoError(t, err)
	assert.NotEqual(t, creds.AccessToken, refreshed.AccessToken)
	assert.Equal(t, creds.RefreshToken, refreshed.RefreshToken)
	assert.Equal(t, "85", refreshed.Launch("patient"))

	records := m.app.Store.List("asym", session.TagToken, session.TagRefreshToken)
	require.Len(t, records, 1)
	assert.Equal(t, http.StatusOK, records[0].Status)
	assert.NotEmpty(t, records[0].Body.Get("client_assertion"))
}
